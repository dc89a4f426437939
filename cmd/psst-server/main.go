package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"psst/cfg"
	"psst/svc/api"
	"psst/svc/app"
	"psst/svc/cache"
	"psst/svc/lim"
	"psst/svc/svc"
	"psst/svc/util"

	"github.com/joho/godotenv"
)

// tombstoneTTL bounds how long a consumed id is remembered in-process.
const tombstoneTTL = 24 * time.Hour

func main() {
	if len(os.Args) > 1 && os.Args[1] == "-health" {
		os.Exit(healthCheck())
	}

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		util.Warn().Err(err).Msg("failed to read .env")
	}
	c, err := cfg.Load()
	if err != nil {
		util.Fatal().Err(err).Msg("failed to load configuration")
	}
	if err := cfg.Validate(c); err != nil {
		util.Fatal().Err(err).Msg("invalid configuration")
	}
	defer c.Wipe()
	util.InitLog(c.LogLevel, c.Environment == "development")
	util.Info().
		Str("environment", c.Environment).
		Strs("allowed_origins", c.AllowedOrigins).
		Msg("starting psst API")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stack, err := app.Open(ctx, c)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer stack.Close()

	tombs, err := cache.NewTombstones(c.TombstoneSize, tombstoneTTL)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to create tombstone cache")
	}
	util.Info().Int("size", c.TombstoneSize).Msg("tombstone cache initialized")

	pasteSvc := svc.NewPaste(stack.Meta, stack.Blobs, tombs, c)

	var global lim.GlobalCounter
	if stack.Redis != nil {
		global = stack.Redis
	}
	limiter, err := lim.New(c.RateLimit, global, c.TrustedProxies)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to create rate limiter")
	}
	limiter.Start()
	defer limiter.Stop()
	util.Info().
		Int("rpm", c.RateLimit.RPM).
		Int("burst", c.RateLimit.Burst).
		Int("global_rpm", c.RateLimit.Global).
		Strs("trusted_proxies", c.TrustedProxies).
		Msg("rate limiter initialized")

	server := api.NewServer(c, pasteSvc, limiter,
		api.Probe{Name: "metadata", Check: stack.Meta.Ping},
		api.Probe{Name: "blobs", Check: stack.Blobs.Ping},
	)

	var workers sync.WaitGroup
	if stack.SQLite != nil {
		workers.Add(1)
		go func() {
			defer workers.Done()
			stack.SQLite.RunWALMaintenance(ctx)
		}()
		if err := svc.StartCleaner(ctx, stack.SQLite, c.SweepInterval); err != nil {
			util.Error().Err(err).Msg("failed to start cleaner")
		}
	}
	if stack.Bolt != nil {
		workers.Add(1)
		go func() {
			defer workers.Done()
			stack.Bolt.RunRetention(ctx, c.SweepInterval, c.BlobRetention)
		}()
	}

	go func() {
		if err := server.Start(); err != nil {
			util.Fatal().Err(err).Msg("server failed")
		}
	}()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	util.Info().Msg("shutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		util.Error().Err(err).Msg("server shutdown error")
	}
	pasteSvc.Shutdown()
	cancel()

	done := make(chan struct{})
	go func() {
		workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		util.Info().Msg("background workers stopped")
	case <-time.After(6 * time.Second):
		util.Warn().Msg("background workers did not stop gracefully")
	}
	util.Info().Msg("shutdown complete")
}

// healthCheck probes the local listener; used as a container HEALTHCHECK.
func healthCheck() int {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://127.0.0.1:" + port + "/health")
	if err != nil {
		return 1
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}
