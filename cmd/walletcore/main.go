// Package main runs the certificate wallet engine: person grouping,
// trust-state evaluation, certificate issuance and test lifecycle behind a
// REST API.
package main

import (
	"context"
	"database/sql"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	app "github.com/certware/walletcore/internal/app"
	"github.com/certware/walletcore/internal/app/httpapi"
	"github.com/certware/walletcore/internal/app/storage/postgres"
	"github.com/certware/walletcore/internal/config"
	"github.com/certware/walletcore/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML configuration file")
	addr := flag.String("addr", "", "Listen address override")
	flag.Parse()

	cfg := config.LoadOrDefault(*configPath)
	if *addr != "" {
		cfg.Server.Address = *addr
	}

	log := logger.New(cfg.Logging).WithField("component", "walletcore")

	stores := app.Stores{}
	if cfg.Storage.PostgresDSN != "" {
		db, err := sql.Open("postgres", cfg.Storage.PostgresDSN)
		if err != nil {
			log.WithError(err).Fatalf("open postgres")
		}
		defer db.Close()
		if err := postgres.EnsureSchema(context.Background(), db); err != nil {
			log.WithError(err).Fatalf("ensure postgres schema")
		}
		store := postgres.New(db)
		stores = app.Stores{
			Certificates: store,
			Persons:      store,
			Issuance:     store,
			Tests:        store,
			Bin:          store,
		}
		log.Info("using postgres storage")
	} else {
		log.Info("no postgres DSN configured; using in-memory storage")
	}

	application, err := app.New(cfg, stores, log)
	if err != nil {
		log.WithError(err).Fatalf("build application")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Start(ctx); err != nil {
		log.WithError(err).Fatalf("start application")
	}

	server := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      httpapi.NewHandler(application),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Infof("API listening on %s", cfg.Server.Address)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			log.WithError(err).Fatalf("serve API")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("server shutdown")
	}
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("application stop")
	}

	log.Info("stopped")
}
