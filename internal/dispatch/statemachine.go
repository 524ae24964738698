package dispatch

// State names the per-message lifecycle states in §4.G's diagram:
//
//	Accepted → Registered → [Message loop]─→ ReceivingMessage
//	                                  ↑                ↓
//	                                  └── Committed ← Dispatched
//	                                            ↓
//	                                         Closing → Cleared
//
// Initial: Accepted. Terminal: Cleared. ReceiveMessage never takes a retry
// edge back to ReceivingMessage: bbolt serializes writers, so no
// transaction conflict arises, and a failed transaction is returned to
// the caller rather than retried.
type State int

const (
	Accepted State = iota
	Registered
	ReceivingMessage
	Dispatched
	Committed
	Closing
	Cleared
)

func (s State) String() string {
	switch s {
	case Accepted:
		return "Accepted"
	case Registered:
		return "Registered"
	case ReceivingMessage:
		return "ReceivingMessage"
	case Dispatched:
		return "Dispatched"
	case Committed:
		return "Committed"
	case Closing:
		return "Closing"
	case Cleared:
		return "Cleared"
	default:
		return "State(?)"
	}
}
