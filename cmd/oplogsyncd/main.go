// oplogsyncd is a demo peer in the oplog sync mesh.
//
// It reads configuration from peer.json in the working directory,
// opens a log store (in-memory, or Postgres-backed when dbConn is
// set), wires a mesh transport to its configured peers, and starts
// the sync engine. A minimal HTTP control surface lets a local client
// append entries and inspect the current heads.
//
// Usage:
//
//	./oplogsyncd              # reads ./peer.json, starts the daemon
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/orbitmesh/oplogsync/internal/config"
	"github.com/orbitmesh/oplogsync/internal/entry"
	"github.com/orbitmesh/oplogsync/internal/identity"
	"github.com/orbitmesh/oplogsync/internal/logstore"
	"github.com/orbitmesh/oplogsync/internal/meshtransport"
	"github.com/orbitmesh/oplogsync/internal/syncengine"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("oplogsyncd starting...")

	cfg, err := config.Load("peer.json")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Config loaded (self=%s log=%s dialect=%s)", cfg.SelfID, cfg.LogID, cfg.Dialect)

	dialect := entry.V2
	if cfg.Dialect == "v1" {
		dialect = entry.V1
	}

	id, err := loadIdentity(cfg.SigningKey)
	if err != nil {
		log.Fatalf("Failed to load signing identity: %v", err)
	}
	log.Printf("Identity loaded (pubkey=%s)", id.PublicKey())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received %v, shutting down...", sig)
		cancel()
	}()

	logImpl, err := openLog(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open log store: %v", err)
	}

	transport := meshtransport.New(cfg.SelfID)
	for _, p := range cfg.Peers {
		transport.AddPeer(p.ID, p.URL)
		log.Printf("Peer registered: %s -> %s", p.ID, p.URL)
	}

	onSynced := func(raw []byte) {
		e, err := entry.Decode(raw)
		if err != nil {
			log.Printf("onSynced: decode: %v", err)
			return
		}
		if err := logImpl.Append(ctx, e); err != nil {
			log.Printf("onSynced: append: %v", err)
			return
		}
		log.Printf("synced entry %s into log", e.Hash)
	}

	verifier := identity.NewSecp256k1Verifier()
	engine := syncengine.New(logImpl, transport, transport, verifier, dialect, onSynced, syncengine.DefaultTimeout)

	go logEvents(engine)

	if err := engine.Start(ctx); err != nil {
		log.Fatalf("Failed to start sync engine: %v", err)
	}
	log.Println("Sync engine started")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.Logger())

	transport.RegisterRoutes(e)
	registerControlRoutes(e, ctx, logImpl, engine, id, dialect)

	srvErrCh := make(chan error, 1)
	go func() {
		log.Printf("Listening on %s", cfg.ListenAddr)
		srvErrCh <- e.Start(cfg.ListenAddr)
	}()

	select {
	case <-ctx.Done():
	case err := <-srvErrCh:
		if err != nil && err != http.ErrServerClosed {
			log.Printf("HTTP server error: %v", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), syncengine.DefaultTimeout)
	defer shutdownCancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}
	if err := engine.Stop(); err != nil {
		log.Printf("Sync engine stop error: %v", err)
	}

	log.Println("oplogsyncd stopped")
}

// loadIdentity parses a configured signing key, or generates a fresh
// one for local-only operation when none is configured.
func loadIdentity(signingKey string) (*identity.Secp256k1Identity, error) {
	if signingKey == "" {
		return identity.GenerateSecp256k1Identity()
	}
	return identity.ParseSecp256k1Identity(signingKey)
}

// openLog opens a Postgres-backed log store when cfg.DBConn is set,
// else an in-memory one.
func openLog(ctx context.Context, cfg *config.Config) (syncengine.Log, error) {
	if cfg.DBConn == "" {
		return logstore.NewMemStore(cfg.LogID), nil
	}
	pool, err := pgxpool.New(ctx, cfg.DBConn)
	if err != nil {
		return nil, err
	}
	return logstore.OpenPostgresStore(ctx, pool, cfg.LogID)
}

// logEvents drains the sync engine's event stream to the log, for the
// lifetime of the process.
func logEvents(engine *syncengine.Engine) {
	for ev := range engine.Events() {
		switch ev.Kind {
		case syncengine.EventJoin:
			log.Printf("peer joined: %s (%d heads)", ev.Peer, len(ev.Heads))
		case syncengine.EventLeave:
			log.Printf("peer left: %s", ev.Peer)
		case syncengine.EventError:
			log.Printf("sync error: %v", ev.Err)
		}
	}
}
