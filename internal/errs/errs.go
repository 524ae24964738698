// Package errs registers slotd's closed error taxonomy (§7 of the design)
// as a cosmossdk.io/errors codespace, so every Go-level error returned by
// the core carries a stable numeric code in addition to its message.
package errs

import (
	cosmoserr "cosmossdk.io/errors"

	"github.com/slotvm/slotd/internal/value"
)

// Codespace is the cosmossdk.io/errors registration namespace for slotd.
const Codespace = "slotd"

var (
	// ErrSlotDoesNotExist is returned by a point read that finds no slot.
	ErrSlotDoesNotExist = cosmoserr.Register(Codespace, uint32(value.SlotDoesNotExist), "slot does not exist")
	// ErrInvalidProgram is returned for a compile failure, a missing
	// export, or a non-Program slot found where a program is expected.
	ErrInvalidProgram = cosmoserr.Register(Codespace, uint32(value.InvalidProgram), "invalid program")
	// ErrPermissionDenied is reserved for future access control.
	ErrPermissionDenied = cosmoserr.Register(Codespace, uint32(value.PermissionDenied), "permission denied")
	// ErrInternal covers codec failures, host-interface argument
	// mismatches, and transient backing-store failures.
	ErrInternal = cosmoserr.Register(Codespace, uint32(value.InternalError), "internal error")
	// ErrBadType is returned when a host intrinsic receives a value of the
	// wrong shape.
	ErrBadType = cosmoserr.Register(Codespace, uint32(value.BadType), "bad type")
)

// byCode maps each ErrorCode to its registered error, for translating
// between the data-level Value Error variant and a Go error.
var byCode = map[value.ErrorCode]*cosmoserr.Error{
	value.SlotDoesNotExist: ErrSlotDoesNotExist,
	value.InvalidProgram:   ErrInvalidProgram,
	value.PermissionDenied: ErrPermissionDenied,
	value.InternalError:    ErrInternal,
	value.BadType:          ErrBadType,
}

// FromCode returns the registered error for a non-NoError code, or nil for
// value.NoError.
func FromCode(code value.ErrorCode) error {
	if code == value.NoError {
		return nil
	}
	if err, ok := byCode[code]; ok {
		return err
	}
	return ErrInternal
}

// ToCode maps a Go error produced by this package back to its ErrorCode. An
// error not registered here is reported as InternalError.
func ToCode(err error) value.ErrorCode {
	if err == nil {
		return value.NoError
	}
	for code, registered := range byCode {
		if cosmoserr.IsOf(err, registered) {
			return code
		}
	}
	return value.InternalError
}
