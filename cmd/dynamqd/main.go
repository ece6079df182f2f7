package main

import (
	"context"
	"crypto/tls"
	"database/sql"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/dynamq/dynamq/internal/auth"
	"github.com/dynamq/dynamq/internal/broker"
	"github.com/dynamq/dynamq/internal/cluster"
	"github.com/dynamq/dynamq/internal/config"
	"github.com/dynamq/dynamq/internal/logger"
	"github.com/dynamq/dynamq/internal/retained"
	"github.com/dynamq/dynamq/internal/session"
	"github.com/dynamq/dynamq/internal/sink"
	"github.com/dynamq/dynamq/internal/store"
	"github.com/dynamq/dynamq/internal/transport"
)

const schemaDDL = `CREATE TABLE IF NOT EXISTS users (
	username TEXT PRIMARY KEY,
	secret   TEXT NOT NULL
)`

func main() {
	cfg, err := config.Load("config.yml")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	log := logger.New(loggerConfig(cfg.Logging))
	log.Info("starting dynamq", slog.String("node_id", cfg.Cluster.NodeID))

	db, err := sql.Open("sqlite3", cfg.Auth.SQLitePath)
	if err != nil {
		log.Fatal("failed to open sqlite db", logger.ErrorAttr(err))
	}
	if _, err := db.Exec(schemaDDL); err != nil {
		log.Fatal("failed to apply auth schema", logger.ErrorAttr(err))
	}

	ctx, cancel := context.WithCancel(context.Background())

	backend, usingSharedStore := newBackend(ctx, cfg, log)

	sessions, retainedStore := newStores(ctx, cfg, backend, usingSharedStore, log)

	var router *cluster.Router
	var membership *cluster.Membership
	if usingSharedStore {
		router = cluster.NewRouter(backend, cfg.Cluster.NodeID, cfg.Cluster.Enabled, log)
		membership = cluster.NewMembership(backend, cfg.Cluster.NodeID, log)
	}

	subs := broker.NewSubscriptionIndex()
	permStore := auth.New(db)
	admission := broker.NewAdmission(cfg.Server.MaxConnectionsPerAddr, cfg.Server.ConnectRatePerSec)

	brokerCtx := broker.New(cfg.Cluster.NodeID, subs, retainedStore, sessions, router, permStore, sink.Logging{Logger: log}, admission, log)

	if router != nil {
		if err := brokerCtx.WireCluster(ctx); err != nil {
			log.Fatal("failed to start cluster router", logger.ErrorAttr(err))
		}
	}
	if membership != nil {
		membership.Start(ctx)
	}

	go runRetrySweep(ctx, sessions, log)

	tcpSrv := transport.New(cfg.Server.TCPAddr, brokerCtx, admission, log)
	if err := tcpSrv.Start(ctx); err != nil {
		log.Fatal("tcp listener failed", logger.ErrorAttr(err))
	}
	log.Info("tcp listener started", slog.String("addr", cfg.Server.TCPAddr))

	wsSrv := transport.NewWS(cfg.Server.WSAddr, cfg.Server.WSPath, brokerCtx, admission, log)
	if err := wsSrv.Start(ctx); err != nil {
		log.Fatal("websocket listener failed", logger.ErrorAttr(err))
	}
	log.Info("websocket listener started", slog.String("addr", cfg.Server.WSAddr))

	var tlsSrv stoppable
	if cfg.Server.TLSCertFile != "" && cfg.Server.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
		if err != nil {
			log.Fatal("failed to load tls cert", logger.ErrorAttr(err))
		}
		srv := transport.NewTLS(cfg.Server.TLSAddr, &tls.Config{Certificates: []tls.Certificate{cert}}, brokerCtx, admission, log)
		if err := srv.Start(ctx); err != nil {
			log.Fatal("tls listener failed", logger.ErrorAttr(err))
		}
		log.Info("tls listener started", slog.String("addr", cfg.Server.TLSAddr))
		tlsSrv = srv
	}

	done := make(chan struct{})
	go gracefulShutdown(cancel, done, tcpSrv, wsSrv, tlsSrv, router, membership, backend, usingSharedStore)

	<-done
	log.Info("graceful shutdown complete")
}

// newBackend builds the shared store backend: Redis when cfg.Cluster.DSN is
// set, otherwise the single-process LocalStore fallback (cluster features
// become no-ops in that mode, matching spec.md §1's single-node deployment
// case).
func newBackend(ctx context.Context, cfg *config.Config, log *logger.Logger) (store.Store, bool) {
	if cfg.Cluster.DSN == "" {
		return store.NewLocal(), false
	}

	backend, err := store.NewRedis(ctx, cfg.Cluster.DSN, "", cfg.Cluster.DB)
	if err != nil {
		log.Fatal("failed to connect to shared store", logger.ErrorAttr(err))
	}
	return backend, true
}

func newStores(ctx context.Context, cfg *config.Config, backend store.Store, clustered bool, log *logger.Logger) (session.Store, retained.Store) {
	if !clustered {
		return session.NewLocal(cfg.Cluster.NodeID), retained.NewLocal()
	}

	sessions, err := session.NewShared(backend, cfg.Cluster.NodeID, cfg.Server.SessionExpiry, cfg.Server.SessionCacheSize, log)
	if err != nil {
		log.Fatal("failed to build shared session store", logger.ErrorAttr(err))
	}

	retainedStore, err := retained.NewShared(ctx, backend, cfg.Cluster.NodeID, cfg.Server.RetainedCacheSize, log)
	if err != nil {
		log.Fatal("failed to build shared retained store", logger.ErrorAttr(err))
	}

	return sessions, retainedStore
}

// runRetrySweep drives broker.RetrySweep on its own ticker, independent of
// the node-health ticker, since retry cadence (DefaultRetryDelay) and
// heartbeat cadence (heartbeatInterval) aren't the same thing.
func runRetrySweep(ctx context.Context, sessions session.Store, log *logger.Logger) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			broker.RetrySweep(sessions.ListLocal(ctx), log)
		}
	}
}

func loggerConfig(l config.Logging) logger.Config {
	level := logger.LevelInfo
	switch l.Level {
	case "debug":
		level = logger.LevelDebug
	case "warn":
		level = logger.LevelWarn
	case "error":
		level = logger.LevelError
	}
	return logger.Config{
		Level:   level,
		Format:  l.Format,
		Output:  os.Stdout,
		Service: "dynamq",
	}
}

type stoppable interface{ Stop() error }

func gracefulShutdown(cancel context.CancelFunc, done chan struct{}, tcpSrv, wsSrv stoppable, tlsSrv stoppable, router *cluster.Router, membership *cluster.Membership, backend store.Store, usingSharedStore bool) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	log.Println("graceful shutdown triggered")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	defer cancel()

	if err := tcpSrv.Stop(); err != nil {
		log.Println(err)
	}
	if err := wsSrv.Stop(); err != nil {
		log.Println(err)
	}
	if tlsSrv != nil {
		if err := tlsSrv.Stop(); err != nil {
			log.Println(err)
		}
	}
	if router != nil {
		router.Stop()
	}
	if membership != nil {
		membership.Stop(shutdownCtx)
	}
	if usingSharedStore {
		_ = backend.Close()
	}

	close(done)
}
