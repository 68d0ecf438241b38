// Copyright 2020-present Yarn.social
// SPDX-License-Identifier: AGPL-3.0-or-later

// Command superduperfeeder is the server entrypoint: it loads configuration,
// opens the store, wires the hub engine / external client / polling engine
// onto the durable queue, starts the scheduler's three periodic triggers,
// and serves the HTTP adapter until an interrupt or term signal arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"git.mills.io/prologic/superduperfeeder/internal/config"
	"git.mills.io/prologic/superduperfeeder/internal/external"
	"git.mills.io/prologic/superduperfeeder/internal/httpapi"
	"git.mills.io/prologic/superduperfeeder/internal/hub"
	"git.mills.io/prologic/superduperfeeder/internal/polling"
	"git.mills.io/prologic/superduperfeeder/internal/queue"
	"git.mills.io/prologic/superduperfeeder/internal/scheduler"
	"git.mills.io/prologic/superduperfeeder/internal/store"
)

// version is the hub's User-Agent suffix.
const version = "1.0.0"

func main() {
	var (
		configPath = flag.String("config", "", "path to config.yaml (optional; defaults are used if absent)")
		bind       = flag.String("bind", "", "address to bind the HTTP adapter on (overrides config port)")
		dataDir    = flag.String("data", "", "path to the store's data directory (overrides config)")
		debug      = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	if err := run(*configPath, *bind, *dataDir, *debug); err != nil {
		log.WithError(err).Error("superduperfeeder: fatal startup error")
		os.Exit(1)
	}
	os.Exit(0)
}

func run(configPath, bind, dataDir string, debug bool) error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		cfg = loaded
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if debug || cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = fmt.Sprintf("http://localhost:%d", cfg.Port)
	}
	if cfg.HubURL == "" {
		cfg.HubURL = cfg.BaseURL + "/"
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	userAgent := fmt.Sprintf("SuperDuperFeeder/%s", version)

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.WithError(err).Error("error closing store")
		}
	}()

	disp := queue.NewDispatcher(st, cfg.QueueWorkers, cfg.QueuePollTick)

	hubEngine := hub.New(st, disp, hub.Config{
		HubURL:              cfg.HubURL,
		DefaultLeaseSeconds: cfg.DefaultLeaseSeconds,
		MaxLeaseSeconds:     cfg.MaxLeaseSeconds,
		WebhookTimeout:      cfg.WebhookTimeout(),
		UserAgent:           userAgent,
	})
	hubEngine.RegisterHandlers(disp)

	pollingEngine := polling.New(st, hubEngine, polling.Config{
		UserAgent: userAgent,
		Timeout:   30 * time.Second,
	})
	pollingEngine.RegisterHandlers(disp)

	externalClient := external.New(st, disp, external.Config{
		BaseURL:                cfg.BaseURL,
		DefaultLease:           cfg.DefaultLeaseSeconds,
		MaxLease:               cfg.MaxLeaseSeconds,
		WebhookTimeout:         cfg.WebhookTimeout(),
		UserAgent:              userAgent,
		RenewalWindow:          cfg.RenewalWindow,
		DefaultPollingInterval: cfg.DefaultPollingIntervalMinutes,
	})
	externalClient.RegisterHandlers(disp)

	sched := scheduler.New(st, disp, pollingEngine, externalClient)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sched.AddJobs(ctx, scheduler.Config{
		PollSchedule:       fmt.Sprintf("@every %s", cfg.PollTickInterval),
		RenewalSchedule:    fmt.Sprintf("@every %s", cfg.RenewalTickInterval),
		ExpirationSchedule: fmt.Sprintf("@every %s", cfg.ExpirationTickInterval),
	}); err != nil {
		return fmt.Errorf("scheduling jobs: %w", err)
	}

	disp.Start(ctx)
	sched.Start()

	addr := bind
	if addr == "" {
		addr = fmt.Sprintf(":%d", cfg.Port)
	}
	srv := httpapi.New(st, hubEngine, externalClient, pollingEngine, disp, httpapi.Config{
		Bind: addr,
	})

	errc := make(chan error, 1)
	go func() {
		log.Infof("superduperfeeder listening on %s", addr)
		if err := srv.Start(); err != nil {
			errc <- err
		}
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigc:
		log.Infof("received signal %s, shutting down", sig)
	case err := <-errc:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("error shutting down HTTP server")
	}

	sched.Stop()
	disp.Stop()
	cancel()

	return nil
}
