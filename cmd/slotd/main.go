// Command slotd runs the slot store server: it opens (or bootstraps) a
// store file, listens for WebSocket connections, and dispatches their
// messages into the sandboxed program engine.
package main

import (
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/slotvm/slotd/internal/bootstrap"
	"github.com/slotvm/slotd/internal/conn"
	"github.com/slotvm/slotd/internal/dispatch"
	"github.com/slotvm/slotd/internal/engine"
	"github.com/slotvm/slotd/internal/host"
	"github.com/slotvm/slotd/internal/oid"
	"github.com/slotvm/slotd/internal/snapshot"
	"github.com/slotvm/slotd/internal/store"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("slotd: config")
	}

	db, err := store.Open(cfg.StorePath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.StorePath).Msg("slotd: open store")
	}
	defer db.Close()

	if err := os.MkdirAll(cfg.SnapshotDir, 0o700); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.SnapshotDir).Msg("slotd: create snapshot dir")
	}
	loaded, err := bootstrap.Ensure(db, cfg.SnapshotDir, log)
	if err != nil {
		log.Fatal().Err(err).Msg("slotd: bootstrap")
	}
	log.Info().Bool("loaded_snapshot", loaded).Msg("slotd: store ready")

	registry := conn.NewRegistry()
	runtime := engine.NewRuntime()
	dispatcher := dispatch.New(db, registry, log)

	srv := &server{
		db:         db,
		registry:   registry,
		runtime:    runtime,
		dispatcher: dispatcher,
		log:        log,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", srv.handleWebSocket)
	httpServer := &http.Server{Addr: cfg.Listen, Handler: mux}

	go func() {
		log.Info().Str("addr", cfg.Listen).Msg("slotd: listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("slotd: listen")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info().Msg("slotd: shutting down")
	if err := httpServer.Close(); err != nil {
		log.Warn().Err(err).Msg("slotd: http server close")
	}
	if err := finalSnapshot(db, cfg.SnapshotDir); err != nil {
		log.Error().Err(err).Msg("slotd: final snapshot failed")
	}
}

func finalSnapshot(db *store.DB, dir string) error {
	return db.Update(func(tx *store.Tx) error {
		return snapshot.Save(tx, dir, []oid.OID{oid.System})
	})
}

type config struct {
	Listen      string
	SnapshotDir string
	StorePath   string
}

// loadConfig parses pflag flags, then layers viper over them so the
// SLOTD_STORE_PATH environment variable can override the backing store's
// file path without a flag — the operational knob a deployment's cluster
// descriptor actually needs to change.
func loadConfig() (config, error) {
	fs := pflag.NewFlagSet("slotd", pflag.ContinueOnError)
	fs.String("listen", "127.0.0.1:9002", "address to listen for WebSocket connections on")
	fs.String("snapshot-dir", "./snapshots", "directory holding slot snapshot files")
	fs.String("store", "./slotd.db", "path to the bbolt store file")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return config{}, err
	}

	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		return config{}, err
	}
	v.SetEnvPrefix("SLOTD")
	if err := v.BindEnv("store", "SLOTD_STORE_PATH"); err != nil {
		return config{}, err
	}

	return config{
		Listen:      v.GetString("listen"),
		SnapshotDir: v.GetString("snapshot-dir"),
		StorePath:   v.GetString("store"),
	}, nil
}

// server holds the shared state behind every accepted WebSocket
// connection.
type server struct {
	db         *store.DB
	registry   *conn.Registry
	runtime    *engine.Runtime
	dispatcher *dispatch.Dispatcher
	log        zerolog.Logger
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsSender adapts a *websocket.Conn to conn.Sender. gorilla/websocket
// permits only one concurrent writer per connection, hence the mutex.
type wsSender struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (s *wsSender) Send(f conn.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kind := websocket.TextMessage
	if f.Binary {
		kind = websocket.BinaryMessage
	}
	return s.ws.WriteMessage(kind, f.Data)
}

func (srv *server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		srv.log.Warn().Err(err).Msg("slotd: upgrade failed")
		return
	}
	defer ws.Close()

	sender := &wsSender{ws: ws}
	// Env must exist before the engine (Runtime.New takes a HostEnv), and
	// the engine must exist before Accept (Accept registers it), so Env's
	// connection OID is only known after Accept mints one; SetConnection
	// backfills it.
	env := host.New(oid.OID{}, srv.registry, srv.dispatcher, srv.log)
	eng, err := srv.runtime.New(env)
	if err != nil {
		srv.log.Error().Err(err).Msg("slotd: create engine failed")
		return
	}
	env.SetEngine(eng)

	c := srv.registry.Accept(r.RemoteAddr, sender, eng)
	c.Binder = env
	env.SetConnection(c.OID)

	srv.log.Info().Stringer("connection", c.OID).Str("remote", r.RemoteAddr).Msg("slotd: connected")
	defer func() {
		srv.registry.Remove(c.OID)
		if err := srv.db.Update(func(tx *store.Tx) error {
			return tx.ClearObject(c.OID)
		}); err != nil {
			srv.log.Warn().Err(err).Stringer("connection", c.OID).Msg("slotd: clear connection slots failed")
		}
		srv.log.Info().Stringer("connection", c.OID).Msg("slotd: disconnected")
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if err := srv.dispatcher.ReceiveMessage(c.OID, data); err != nil {
			srv.log.Warn().Err(err).Stringer("connection", c.OID).Msg("slotd: receive_message failed")
		}
	}
}
