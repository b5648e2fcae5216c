package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentforge/cyclemgr/internal/config"
	"github.com/agentforge/cyclemgr/internal/coordination"
	"github.com/agentforge/cyclemgr/internal/events"
	"github.com/agentforge/cyclemgr/internal/httpapi"
	"github.com/agentforge/cyclemgr/internal/manager"
	"github.com/agentforge/cyclemgr/internal/monitor"
	"github.com/agentforge/cyclemgr/internal/store"
	"github.com/agentforge/cyclemgr/internal/streaming"
)

const leaderLeaseTTL = 15 * time.Second

func main() {
	cfg := config.Load()

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	var s store.Store
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgresStore(rootCtx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to Postgres: %v", err)
		}
		if err := pg.EnsureSchema(rootCtx); err != nil {
			log.Fatalf("Failed to ensure schema: %v", err)
		}
		log.Printf("Connected to Postgres")
		s = pg
	} else {
		log.Printf("DATABASE_URL not set, using in-memory store (single-node, non-durable)")
		s = store.NewMemoryStore()
	}

	hub := streaming.NewHub()
	go hub.Run(rootCtx)

	var publisher streaming.Publisher = hub
	if !cfg.Production {
		publisher = streaming.NewFanoutPublisher(hub, streaming.NewLogPublisher())
	}
	defer publisher.Close()

	recorder := events.NewRecorder(s, publisher)
	mgr := manager.New(s, recorder, cfg)

	// Leader election runs over a shared Redis backend; the cleanup loops
	// only run on the elected node. Without REDIS_ADDR the node elects
	// itself through an in-process coordinator.
	var coordinator coordination.Coordinator
	if cfg.RedisAddr != "" {
		redisCoord, err := coordination.NewRedisCoordinator(cfg.RedisAddr, "", 0)
		if err != nil {
			log.Fatalf("Failed to connect to Redis (required for leader election): %v", err)
		}
		coordinator = redisCoord
		log.Printf("Connected to Redis at %s for coordination", cfg.RedisAddr)
	} else {
		log.Printf("REDIS_ADDR not set, running standalone without distributed leader election")
		coordinator = coordination.NewLocalCoordinator()
	}
	defer coordinator.Close()

	elector := coordination.NewLeaderElector(coordinator, cfg.NodeID, leaderLeaseTTL)
	elector.SetCallbacks(
		func(leaderCtx context.Context) {
			mgr.Start(leaderCtx)
		},
		func() {
			log.Printf("Leadership lost, cleanup loops stopped")
		},
	)
	elector.Start(rootCtx)

	cost := monitor.NewCostTracker(s, recorder)
	api := httpapi.NewAPI(s, elector, mgr, cost, hub)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: api.Routes(),
	}
	go func() {
		log.Printf("HTTP API listening on %s", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Printf("Shutting down")

	rootCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}
}
