package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"idia-astro/go-remotemon/pkg/config"
	"idia-astro/go-remotemon/pkg/framing"
	"idia-astro/go-remotemon/pkg/lifecycle"
	helpers "idia-astro/go-remotemon/pkg/shared"
	"idia-astro/go-remotemon/pkg/sysinfo"
	"idia-astro/go-remotemon/services/gateway/internal/admin"
	"idia-astro/go-remotemon/services/gateway/internal/allowlist"
	"idia-astro/go-remotemon/services/gateway/internal/auth"
	"idia-astro/go-remotemon/services/gateway/internal/auth/pamwrap"
	"idia-astro/go-remotemon/services/gateway/internal/session"
	"idia-astro/go-remotemon/services/gateway/internal/stager"
	"idia-astro/go-remotemon/services/gateway/internal/workerPool"
)

// Version is set at build time with -ldflags "-X main.Version=..."
var Version = "dev"

func main() {
	logger := helpers.NewLogger("remotemon-gateway", "info")
	slog.SetDefault(logger)

	id := uuid.New()
	slog.Info("Starting gateway", "uuid", id.String(), "version", Version)

	pflag.String("config", "", "Path to config file (default: ./config.toml)")
	pflag.String("log_level", "info", "Log level (debug|info|warn|error)")
	pflag.Int("port", 8000, "Websocket server port")
	pflag.String("hostname", "", "Hostname to listen on")
	pflag.Int("admin_port", 8001, "Admin API port")
	pflag.String("auth_mode", "none", "Authentication mode (none|pubkey|token|pam)")
	pflag.String("worker", "build/remotemon-worker", "Path to the bundled worker executable")
	pflag.String("transport", "stdio", "Worker transport (stdio|packet)")
	pflag.String("override", "", "Override simple config values (string, int, bool) as comma-separated key:value pairs (e.g., gateway.port:9000,log_level:debug)")

	pflag.Parse()

	config.BindFlags(map[string]string{
		"log_level":  "log_level",
		"port":       "gateway.port",
		"hostname":   "gateway.hostname",
		"admin_port": "admin.port",
		"auth_mode":  "auth.mode",
		"worker":     "pool.worker_source",
		"transport":  "pool.transport",
	})

	cfg := config.Load(pflag.Lookup("config").Value.String(), pflag.Lookup("override").Value.String())

	// Update the logger to use the configured log level
	logger = helpers.NewLogger("remotemon-gateway", cfg.LogLevel)
	slog.SetDefault(logger)

	os.Exit(run(cfg))
}

func run(cfg *config.Config) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	coordinator := lifecycle.NewCoordinator()

	store, err := config.OpenStore(cfg.Store, map[string]any{
		"port":                      cfg.Gateway.Port,
		session.StoreKeyConnections: 0,
	})
	if err != nil {
		slog.Error("Failed to open config store", "error", err)
		return 1
	}
	coordinator.Register("config-store", lifecycle.StageConfig, store.Shutdown)

	codec, err := framing.New(cfg.Pool.Framing, cfg.Pool.MaxFrame)
	if err != nil {
		slog.Error("Invalid worker framing", "error", err)
		return 1
	}

	source, err := workerSource(cfg.Pool.WorkerSource)
	if err != nil {
		slog.Error("Worker executable not found", "path", cfg.Pool.WorkerSource, "error", err)
		return 1
	}
	st := stager.New(source, cfg.Pool.StagedPath, fs.FileMode(cfg.Pool.StagedMode))
	go func() {
		if err := st.Watch(ctx); err != nil {
			slog.Warn("Not watching staged worker", "error", err)
		}
	}()

	pool := workerPool.New(workerPool.Options{
		Stager:         st,
		Transport:      cfg.Pool.Transport,
		Codec:          codec,
		Denylist:       cfg.Pool.Denylist,
		RequestTimeout: cfg.Pool.RequestTimeout,
	})
	coordinator.Register("worker-pool", lifecycle.StagePool, pool.Teardown)

	authenticator, err := newAuthenticator(cfg.Auth)
	if err != nil {
		slog.Error("Failed to set up authentication", "mode", cfg.Auth.Mode, "error", err)
		return 1
	}

	allowed := allowlist.New(cfg.Allowlist, cfg.IsProduction())
	go allowed.Run(ctx)

	gatekeeper, err := session.New(session.Options{
		Allowlist: allowed,
		Auth:      authenticator,
		Workers:   session.PoolSpawner{Pool: pool},
		Store:     store,
		Version:   Version,
		Types:     sysinfo.Names(),
	})
	if err != nil {
		slog.Error("Failed to set up sessions", "error", err)
		return 1
	}

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Gateway.Hostname, cfg.Gateway.Port),
		Handler:           gatekeeper,
		ReadHeaderTimeout: 10 * time.Second,
	}
	coordinator.Register("gateway-server", lifecycle.StageServers, server.Shutdown)
	go func() {
		slog.Info("Remote monitoring server listening", "hostname", cfg.Gateway.Hostname, "port", cfg.Gateway.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("ListenAndServe error", "error", err)
			cancel()
		}
	}()

	adminServer := admin.New(admin.Options{
		Addr:        fmt.Sprintf("%s:%d", cfg.Admin.Hostname, cfg.Admin.Port),
		GrpcAddr:    grpcAddr(cfg.Admin),
		Workers:     pool,
		LogRequests: cfg.LogLevel == "debug",
	})
	if err := adminServer.Start(); err != nil {
		slog.Error("Failed to start admin API", "error", err)
		cancel()
	}
	coordinator.Register("admin-server", lifecycle.StageServers, adminServer.Shutdown)

	// Wait for interrupt or a failed server
	err = coordinator.Run(ctx)
	if err == nil {
		slog.Info("Gateway exited gracefully")
	}
	return lifecycle.ExitCode(err)
}

func newAuthenticator(cfg config.AuthConfig) (auth.Authenticator, error) {
	if cfg.Mode == config.AuthPAM {
		return pamwrap.New(cfg)
	}
	return auth.New(cfg)
}

// workerSource resolves a relative worker path against the gateway executable's directory
func workerSource(path string) (string, error) {
	if !filepath.IsAbs(path) {
		if _, err := os.Stat(path); err != nil {
			exe, exeErr := os.Executable()
			if exeErr != nil {
				return "", err
			}
			path = filepath.Join(filepath.Dir(exe), path)
		}
	}
	if _, err := os.Stat(path); err != nil {
		return "", err
	}
	return path, nil
}

func grpcAddr(cfg config.AdminConfig) string {
	if cfg.GrpcPort == 0 {
		return ""
	}
	return cfg.Hostname + ":" + strconv.Itoa(cfg.GrpcPort)
}
