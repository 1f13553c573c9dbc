package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	api "snag-tracker/internal/api"
	"snag-tracker/internal/app"
	"snag-tracker/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("config: %v", err)
	}
	log := cfg.Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Fatalf("startup: %v", err)
	}
	defer a.Close()

	if err := a.Store.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}
	a.PrepareMirror(ctx)
	if a.Ledger != nil {
		go a.Ledger.ReportDepth(ctx, 30*time.Second, log)
	}

	server := api.New(a.Service, log, cfg.MediaMaxBytes)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.WithField("port", cfg.HTTPPort).Info("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
