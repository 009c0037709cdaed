package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sirateb/assignd/assignd/audit"
	"github.com/sirateb/assignd/assignd/engine"
	"github.com/sirateb/assignd/assignd/policy"
	"github.com/sirateb/assignd/assignd/pool"
	"github.com/sirateb/assignd/assignd/scheduler"
	"github.com/sirateb/assignd/assignd/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	policies, err := policy.NewSource(policy.LoadFromEnv())
	if err != nil {
		log.Fatalf("Invalid policy configuration: %v", err)
	}
	pol := policies.Load()
	clock := policy.RealClock()

	// Postgres when configured, in-memory otherwise. The memory store is
	// single-process only; fine for dev and standalone mode.
	var st store.Store
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		pg, err := store.NewPostgresStore(ctx, dsn)
		if err != nil {
			log.Fatalf("Failed to connect to Postgres: %v", err)
		}
		defer pg.Close()
		st = pg
		log.Printf("Connected to Postgres")
	} else {
		st = store.NewMemoryStore()
		log.Printf("DATABASE_URL not set, using in-memory store (single instance only)")
	}

	// Redis de-duplicates pool enqueues across API replicas. Optional; the
	// pool status in the store remains the authority.
	var dedup pool.Deduper
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		rd, err := store.NewRedisDedup(addr, os.Getenv("REDIS_PASSWORD"), 0, 24*time.Hour)
		if err != nil {
			log.Fatalf("Failed to connect to Redis at %s: %v", addr, err)
		}
		defer rd.Close()
		dedup = rd
		log.Printf("Connected to Redis at %s for enqueue dedup", addr)
	}

	auditLog := audit.NewLogger(st, audit.DefaultCapacity)
	hub := NewDecisionHub()
	auditLog.SetNotify(hub.Notify)
	auditLog.Start(ctx)
	go hub.Run(ctx)

	poolMgr := pool.NewManager(st, policies, clock, dedup)
	eng := engine.New(st, policies, clock, auditLog)
	sched := scheduler.New(st, eng, poolMgr, policies, clock, auditLog)

	if err := sched.Start(ctx); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}
	defer sched.Stop()

	api := NewAPI(st, poolMgr, sched, policies, clock, hub)

	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	http.HandleFunc("/bookings", api.handleCreateBooking)
	http.HandleFunc("/bookings/", api.handleBookingByID)

	http.HandleFunc("/scheduler/status", api.handleSchedulerStatus)
	http.HandleFunc("/scheduler/run", api.handleSchedulerRun)

	http.HandleFunc("/interpreters", api.handleUpsertInterpreter)
	http.HandleFunc("/environments", api.handleUpsertEnvironment)
	http.HandleFunc("/policy", api.handleUpdatePolicy)

	http.HandleFunc("/stream", api.handleStream)
	http.Handle("/metrics", promhttp.Handler())

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	server := &http.Server{Addr: addr}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Printf("assignd listening on %s (mode %s, poll %v, daily %v, policy %s)",
		addr, pol.Mode, pol.PollInterval(), pol.DailyRunTimes, pol.Hash())
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("HTTP server failed: %v", err)
	}

	// Drain buffered audit records before exit.
	auditLog.Wait()
}
