// Package main provides the embedded sync server for desktop platforms.
// Desktop clients communicate via REST/WebSocket on localhost:8090.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fernweh-app/fernweh-core/cmd/fernweh-desktop/handlers"
	"github.com/fernweh-app/fernweh-core/internal/config"
	"github.com/fernweh-app/fernweh-core/internal/logging"
	"github.com/fernweh-app/fernweh-core/internal/netmon"
	"github.com/fernweh-app/fernweh-core/internal/remote"
	"github.com/fernweh-app/fernweh-core/internal/store"
	appsync "github.com/fernweh-app/fernweh-core/internal/sync"
)

func main() {
	configPath := flag.String("config", "fernweh.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logging.Init(os.Stdout, logging.LogLevel(cfg.LogLevel))

	st, err := store.Open(cfg.Storage.DataDir)
	if err != nil {
		log.Fatalf("Failed to open local store: %v", err)
	}
	defer st.Close()

	probe := netmon.NewProbeSource(cfg.Monitor.ProbeURL, cfg.Monitor.ProbeInterval.Std())
	monitor := netmon.New(cfg.Monitor.OnlineDebounce.Std(), probe)
	monitor.Start()
	defer monitor.Stop()

	client := remote.NewHTTPClient(cfg.Remote.BaseURL, cfg.Remote.AuthToken, cfg.Remote.RequestTimeout.Std())
	backoff := appsync.BackoffSchedule{Base: cfg.Sync.RetryBase.Std(), Max: cfg.Sync.RetryMax.Std()}
	reconciler := appsync.NewReconciler(st, client, backoff,
		cfg.Sync.BatchSize, cfg.Sync.Concurrency, cfg.Remote.RequestTimeout.Std(), cfg.Sync.StaleAfter.Std())

	hub := NewWSHub()
	coordinator := appsync.NewCoordinator(st, reconciler, monitor, hub,
		cfg.Sync.Interval.Std(), cfg.Sync.StaleAfter.Std())
	coordinator.Start()
	defer coordinator.Stop()

	syncHandler := handlers.NewSyncHandler(coordinator, st)

	mux := http.NewServeMux()
	mux.HandleFunc("/sync/status", syncHandler.Status)
	mux.HandleFunc("/sync/now", syncHandler.TriggerNow)
	mux.HandleFunc("/sync/dirty", syncHandler.Dirty)
	mux.HandleFunc("/sync/failed", syncHandler.Failed)
	mux.HandleFunc("/sync/failed/retry", syncHandler.RetryFailed)
	mux.HandleFunc("/sync/conflicts", syncHandler.Conflicts)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", HandleWebSocket(hub))
	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok","service":"fernweh-desktop"}`))
	})

	server := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: mux,
	}

	go func() {
		log.Printf("Fernweh Desktop Server starting on %s...", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown: %v", err)
	}
}
