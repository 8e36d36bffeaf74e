package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"leaddispatch/internal/api"
	"leaddispatch/internal/buildinfo"
	"leaddispatch/internal/config"
	"leaddispatch/internal/logx"
	"leaddispatch/internal/metrics"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logx.SetDebug(os.Getenv("LOG_DEBUG") == "true")
	metrics.RegisterDefault()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// runCtx outlives the signal so in-flight dispatches can be cancelled
	// after the listener has drained.
	runCtx, cancelRuns := context.WithCancel(context.Background())
	srvDeps, err := api.NewServer(runCtx, cfg)
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.HTTP.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           srvDeps.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		// event streams end with the signal instead of holding Shutdown open
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		info := buildinfo.Info()
		log.Printf("API listening on %s (version %s)", addr, info["version"])
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	cancelRuns()
	srvDeps.Close()
}
