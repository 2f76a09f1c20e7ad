package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arn-rudkov/dispatchpool"
)

// run bootstraps the demo service and installs signal handling.
// Grounded on the teacher's run() (cmd/queue/processor.go): same
// ListenAndServe-in-a-goroutine-then-wait-on-signals shape, generalized
// to shut down a Dispatcher instead of a bare WorkerPool.
func run() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	settings := dispatchpool.NewSettingsFromEnv()
	settings.BackPressure.Enabled = true
	settings.CircuitBreaker.Enabled = true
	settings.AutoScaling.Enabled = true

	metrics := dispatchpool.NewNoopMetricsSink()
	dispatcher := dispatchpool.NewPushDispatcher(settings, dispatchpool.BackendFunc(simulatedBackend), nil, metrics, log)

	addr := os.Getenv("DISPATCHD_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := newServer(addr, dispatcher, log)

	go func() {
		log.Info("listening", "addr", addr, "workers", settings.WorkerPool.StartingPoolSize)
		if err := srv.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server error", "error", err)
			os.Exit(1)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	log.Info("signal received, shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.httpServer.Shutdown(ctx)

	reportBack := make(chan struct{}, 1)
	dispatcher.ShutdownGracefully(reportBack, 10*time.Second)
	<-reportBack
	log.Info("shutdown complete")
}

func main() {
	run()
}
