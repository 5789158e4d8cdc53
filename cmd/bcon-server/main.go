// Command bcon-server is the broker executable: it loads configuration,
// wires the KV store, auth service, rate limiter, command tracker,
// connection registry, RCON pool and router together, and serves the
// adapter and client WebSocket listeners until interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/pflag"

	"github.com/bcon/bcon-server/internal/auth"
	"github.com/bcon/bcon-server/internal/commandtracker"
	"github.com/bcon/bcon-server/internal/config"
	"github.com/bcon/bcon-server/internal/httpapi"
	"github.com/bcon/bcon-server/internal/kv"
	"github.com/bcon/bcon-server/internal/logger"
	"github.com/bcon/bcon-server/internal/ratelimit"
	"github.com/bcon/bcon-server/internal/rcon"
	"github.com/bcon/bcon-server/internal/registry"
	"github.com/bcon/bcon-server/internal/router"
	"github.com/bcon/bcon-server/internal/wire"
	"github.com/bcon/bcon-server/internal/wsconn"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath     string
		adapterPort    int
		clientPort     int
		logLevel       string
		generateConfig string
	)

	flags := pflag.NewFlagSet("bcon-server", pflag.ContinueOnError)
	flags.StringVar(&configPath, "config", "", "path to a JSON/TOML/YAML configuration file")
	flags.IntVar(&adapterPort, "adapter-port", 0, "override adapter_port")
	flags.IntVar(&clientPort, "client-port", 0, "override client_port")
	flags.StringVar(&logLevel, "log-level", "", "override log_level (trace|debug|info|warn|error)")
	flags.StringVar(&generateConfig, "generate-config", "", "write an example configuration (plain values, no comments) to this path and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	if generateConfig != "" {
		if err := config.ExampleForGenerate().SaveToFile(generateConfig); err != nil {
			fmt.Fprintln(os.Stderr, "failed to write example config:", err)
			return 1
		}
		fmt.Println("wrote example configuration to", generateConfig)
		return 0
	}

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.LoadFile(configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		cfg = loaded
	}
	cfg.ApplyEnvOverrides(os.Getenv)
	if adapterPort != 0 {
		cfg.AdapterPort = adapterPort
	}
	if clientPort != 0 {
		cfg.ClientPort = clientPort
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		return 1
	}

	logger.Initialize(cfg.LogLevel, isTerminal())
	logger.Log.Info().Str("summary", cfg.Summary()).Msg("starting bcon-server")

	store := buildKVStore()
	defer closeIfCloser(store)

	authSvc := auth.NewService(cfg.AdapterSecret, cfg.ClientSecret)
	limiter := ratelimit.New(store, ratelimit.Config{
		GuestRequestsPerMinute:                  cfg.RateLimits.GuestRequestsPerMinute,
		PlayerRequestsPerMinute:                 cfg.RateLimits.PlayerRequestsPerMinute,
		AdminRequestsPerMinute:                  cfg.RateLimits.AdminRequestsPerMinute,
		SystemRequestsPerMinute:                 cfg.RateLimits.SystemRequestsPerMinute,
		UnauthenticatedAdapterAttemptsPerMinute: cfg.RateLimits.UnauthenticatedAdapterAttemptsPerMinute,
		WindowDurationSeconds:                   cfg.RateLimits.WindowDurationSeconds,
		BanThreshold:                            cfg.RateLimits.BanThreshold,
		BanDurationHours:                         cfg.RateLimits.BanDurationHours,
	})
	reg := registry.New()

	tracker := commandtracker.New(func(connectionID string, env wire.Outgoing) {
		reg.SendToClient(connectionID, env)
	})
	defer tracker.Close()

	rconPool := rcon.NewPool()
	defer rconPool.Shutdown()

	rt := router.New(reg, tracker, rconPool)

	statsCron := cron.New()
	if _, err := statsCron.AddFunc("@every 1m", func() {
		stats := tracker.GetStats()
		logger.Log.Info().
			Int("adapters", reg.AdapterCount()).
			Int("clients", reg.ClientCount()).
			Uint64("routed", rt.RoutedCount()).
			Int("pending_commands", stats.PendingCount).
			Msg("periodic stats")
	}); err != nil {
		logger.Log.Warn().Err(err).Msg("failed to schedule periodic stats job")
	}
	statsCron.Start()
	defer statsCron.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	adapterListener := wsconn.NewAdapterListener(
		fmt.Sprintf(":%d", cfg.AdapterPort), authSvc, limiter, reg, rt, cfg.AllowedOrigins,
	)
	clientListener := wsconn.NewClientListener(
		fmt.Sprintf(":%d", cfg.ClientPort), cfg.ServerInfo.Name, authSvc, limiter, reg, tracker, rt, cfg.AllowedOrigins,
	)
	httpServer := httpapi.New(fmt.Sprintf(":%d", httpPort()), reg, tracker, rt)

	errCh := make(chan error, 3)
	go func() { errCh <- adapterListener.ListenAndServe(ctx) }()
	go func() { errCh <- clientListener.ListenAndServe(ctx) }()
	go func() { errCh <- httpServer.ListenAndServe(ctx) }()

	logger.Log.Info().Int("adapter_port", cfg.AdapterPort).Int("client_port", cfg.ClientPort).Msg("listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Log.Info().Msg("shutdown signal received")
		cancel()
	case err := <-errCh:
		if err != nil {
			logger.Log.Error().Err(err).Msg("listener failed")
			cancel()
			return 1
		}
	}

	// Give both listeners a moment to finish their graceful Shutdown.
	time.Sleep(200 * time.Millisecond)
	return 0
}

func buildKVStore() kv.Backend {
	if os.Getenv("BCON_KV_BACKEND") == "redis" {
		addr := os.Getenv("BCON_REDIS_ADDR")
		if addr == "" {
			addr = "localhost:6379"
		}
		logger.Log.Info().Str("addr", addr).Msg("using redis kv backend")
		return kv.NewRedisBackend(addr, os.Getenv("BCON_REDIS_PASSWORD"), 0, "bcon:")
	}
	return kv.New(5 * time.Minute)
}

type closer interface{ Close() }

func closeIfCloser(b kv.Backend) {
	if c, ok := b.(closer); ok {
		c.Close()
	}
}

// httpPort returns the port for the operator-facing HTTP surface
// (/healthz, /metrics-lite). It lives outside the formal configuration
// schema in §6, which enumerates the broker's wire-contract keys; this
// is ops tooling, not a protocol surface, so it is only ever tuned via
// BCON_HTTP_PORT.
func httpPort() int {
	if v := os.Getenv("BCON_HTTP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 9090
}

func isTerminal() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}
