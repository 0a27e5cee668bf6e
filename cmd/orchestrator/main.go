// Command orchestrator runs the HTTP control plane for campaign
// scheduling: workflow CRUD, on-demand runs, cron/event schedules, and
// campaign cancellation/lookup, all backed by internal/workflow.Engine.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	nats "github.com/nats-io/nats.go"

	"github.com/adplabs/PigeonKeeper/internal/logging"
	"github.com/adplabs/PigeonKeeper/internal/otelinit"
	"github.com/adplabs/PigeonKeeper/internal/workflow"
	"go.opentelemetry.io/otel"
)

func main() {
	const service = "orchestrator"
	logging.Init(service)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics, _, _ := otelinit.InitMetrics(ctx, service)
	meter := otel.GetMeterProvider().Meter("orchestrator")

	dbPath := os.Getenv("ORCHESTRATOR_DB_PATH")
	if dbPath == "" {
		dbPath = "./orchestrator.db"
	}
	store, err := workflow.NewStore(dbPath, meter)
	if err != nil {
		slog.Error("open store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	var nc *nats.Conn
	if url := os.Getenv("NATS_URL"); url != "" {
		nc, err = nats.Connect(url)
		if err != nil {
			slog.Warn("nats connect failed, event triggers disabled", "error", err)
		} else {
			defer nc.Close()
		}
	}

	cache := workflow.NewResultCache(1000, 30*time.Minute)
	plugins := workflow.NewPluginRegistry()
	cancelMgr := workflow.NewCancellationManager(meter)
	engine := workflow.NewEngine(plugins, cache, store, cancelMgr)

	srv := newServer(engine, store, cancelMgr, meter, nc)

	go cancelMgr.StartCleanupLoop(ctx, 5*time.Minute, time.Hour)

	if err := srv.trigger.RestoreSchedules(ctx); err != nil {
		slog.Error("restore schedules", "error", err)
	}
	srv.trigger.Start()

	httpSrv := &http.Server{Addr: httpAddr(), Handler: srv.mux}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	slog.Info("orchestrator started", "addr", httpSrv.Addr)
	<-ctx.Done()
	slog.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = srv.trigger.Stop(shutdownCtx)
	_ = httpSrv.Shutdown(shutdownCtx)
	otelinit.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)
	slog.Info("shutdown complete")
}

func httpAddr() string {
	if addr := os.Getenv("ORCHESTRATOR_ADDR"); addr != "" {
		return addr
	}
	return ":8080"
}
