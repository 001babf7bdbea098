// Command coreserver is the single fleet-instance composition root: it
// reads configuration from the environment, dials the Shared Store and the
// optional Postgres/NATS backends, wires every domain package together
// through the Connection Supervisor, and serves WebSocket connections until
// told to shut down. Grounded on the teacher's cmd/wsserver/main.go wiring
// shape (dial Redis, build the pieces, start background loops, wait for a
// signal, drain).
package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/driftline/core/internal/collaborators"
	"github.com/driftline/core/internal/config"
	"github.com/driftline/core/internal/database"
	"github.com/driftline/core/internal/fleet"
	"github.com/driftline/core/internal/messaging"
	"github.com/driftline/core/internal/metrics"
	"github.com/driftline/core/internal/pairing"
	"github.com/driftline/core/internal/queue"
	"github.com/driftline/core/internal/ratelimit"
	"github.com/driftline/core/internal/signaling"
	"github.com/driftline/core/internal/socket"
	"github.com/driftline/core/internal/store"
	"github.com/driftline/core/internal/supervisor"
	"github.com/driftline/core/internal/ws"
)

func main() {
	cfg := config.FromEnv()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ss, err := store.Dial(ctx, cfg.RedisAddr)
	if err != nil {
		log.Fatalf("coreserver: dial shared store: %v", err)
	}

	reports, users, friends := buildCollaborators(cfg)

	auth := buildAuthenticator(cfg)

	var bus *messaging.NATSClient
	if cfg.NATSURL != "" {
		bus, err = messaging.NewNATSClient(messaging.NATSConfig{
			URL: cfg.NATSURL, Name: "driftline-core",
			ReconnectWait: 2 * time.Second, MaxReconnects: -1,
		})
		if err != nil {
			log.Printf("coreserver: nats unavailable, lifecycle broadcast disabled: %v", err)
			bus = nil
		} else {
			defer bus.Close()
		}
	}

	qm := queue.New(ss, cfg.QueueTimeout, cfg.PairLockTTL)
	sm := pairing.NewSessionManager(ss, cfg.SessionTTL, cfg.MaxSessionDuration, cfg.SessionLockTTL)

	rl := ratelimit.NewLimiter(ss.Client())
	msgRule := ratelimit.NewMessageRule(cfg.RateWSMsgPerSec)
	queueJoinRule := ratelimit.NewQueueJoinRule(cfg.RateQueueJoin, cfg.RateQueueJoinWin)

	wsConfig := ws.DefaultServerConfig()
	wsConfig.ListenAddr = cfg.ListenAddr
	wsConfig.WorkerPoolSize = cfg.WorkerPoolSize
	wsConfig.MaxConnections = cfg.MaxConnections

	var sr *socket.Registry
	var server *ws.Server

	fc := fleet.New(ss, cfg.AdvertiseHost, cfg.AdvertisePort, cfg.InstanceTTL, cfg.HeartbeatInterval, func() int {
		if sr == nil {
			return 0
		}
		return sr.ConnectionCount()
	})
	if bus != nil {
		fc.SetBus(bus)
	}
	instanceID := fc.InstanceID()

	sr = socket.New(ss, &serverSender{getServer: func() *ws.Server { return server }}, instanceID, cfg.PresenceTTL)

	pe := pairing.NewEngine(qm, sm, sr, cfg.MatchInterval, cfg.Modalities)
	relay := signaling.New(sm, sr)

	sv := supervisor.New(auth, users, friends, reports, fc, sr, pe, relay, rl, msgRule, queueJoinRule)
	server = sv.Wire(wsConfig)

	sr.Start(ctx)
	pe.StartSafetyTick(ctx)
	if err := fc.Start(ctx); err != nil {
		log.Fatalf("coreserver: fleet start: %v", err)
	}

	go runSweeps(ctx, qm, sm, fc, cfg)

	metricsSrv := &http.Server{Addr: ":9090", Handler: metrics.Handler()}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("coreserver: metrics server error: %v", err)
		}
	}()

	go func() {
		if err := server.Start(); err != nil {
			log.Printf("coreserver: ws server stopped: %v", err)
		}
	}()

	log.Printf("coreserver: instance %s listening on %s", instanceID, cfg.ListenAddr)
	<-ctx.Done()
	log.Printf("coreserver: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+5*time.Second)
	defer cancel()

	if err := fc.Deregister(shutdownCtx); err != nil {
		log.Printf("coreserver: deregister failed: %v", err)
	}
	fc.Stop()
	pe.Stop()

	if err := server.Shutdown(cfg.ShutdownGrace); err != nil {
		log.Printf("coreserver: ws shutdown: %v", err)
	}
	_ = metricsSrv.Shutdown(shutdownCtx)
}

// serverSender adapts ws.Server.SendMessage to the socket.Sender interface;
// indirected through a closure because the Registry is built before the
// Server exists (the Server is built by Supervisor.Wire, and the Supervisor
// needs the Registry first).
type serverSender struct {
	getServer func() *ws.Server
}

func (s *serverSender) Send(socketID string, data []byte) error {
	srv := s.getServer()
	if srv == nil {
		return nil
	}
	return srv.SendMessage(socketID, data)
}

func buildCollaborators(cfg config.Config) (collaborators.ReportRecorder, collaborators.UserRepository, collaborators.FriendRepository) {
	if cfg.PostgresDSN == "" {
		log.Printf("coreserver: POSTGRES_DSN unset, using in-memory user/friend stubs; reports will not be recorded")
		return nil, collaborators.NewInMemoryUserRepository(), collaborators.NewInMemoryFriendRepository()
	}

	if err := database.RunMigrations(cfg.PostgresDSN, cfg.MigrationDir); err != nil {
		log.Fatalf("coreserver: migrations: %v", err)
	}
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("coreserver: open postgres: %v", err)
	}
	return collaborators.NewPostgresReportRecorder(db), collaborators.NewInMemoryUserRepository(), collaborators.NewInMemoryFriendRepository()
}

func buildAuthenticator(cfg config.Config) collaborators.Authenticator {
	if cfg.JWTSigningKey == "" {
		log.Printf("coreserver: JWT_SIGNING_KEY unset, authentication will reject every token")
	}
	return collaborators.NewJWTAuthenticator(cfg.JWTSigningKey, cfg.JWTIssuer)
}

func runSweeps(ctx context.Context, qm *queue.Manager, sm *pairing.SessionManager, fc *fleet.Coordinator, cfg config.Config) {
	queueTicker := time.NewTicker(cfg.QueueCleanupInterval)
	defer queueTicker.Stop()
	sessionTicker := time.NewTicker(cfg.SessionSweepInterval)
	defer sessionTicker.Stop()
	reapTicker := time.NewTicker(cfg.HeartbeatInterval * 3)
	defer reapTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-queueTicker.C:
			for _, modality := range cfg.Modalities {
				if n, err := qm.SweepStale(ctx, modality); err != nil {
					log.Printf("coreserver: queue sweep (%s) failed: %v", modality, err)
				} else if n > 0 {
					log.Printf("coreserver: swept %d stale entries from %s queue", n, modality)
				}
			}
		case <-sessionTicker.C:
			if n, err := sm.SweepAbandoned(ctx); err != nil {
				log.Printf("coreserver: session sweep failed: %v", err)
			} else if n > 0 {
				log.Printf("coreserver: swept %d abandoned sessions", n)
			}
		case <-reapTicker.C:
			if n, err := fc.ReapDead(ctx); err != nil {
				log.Printf("coreserver: fleet reap failed: %v", err)
			} else if n > 0 {
				log.Printf("coreserver: reaped %d dead instances", n)
			}
		}
	}
}
