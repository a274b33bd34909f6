package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/vapiorc/vapiorc/assignment"
	"github.com/vapiorc/vapiorc/config"
	"github.com/vapiorc/vapiorc/containerdriver"
	"github.com/vapiorc/vapiorc/db"
	"github.com/vapiorc/vapiorc/golden"
	"github.com/vapiorc/vapiorc/instancepool"
	"github.com/vapiorc/vapiorc/macregistry"
	"github.com/vapiorc/vapiorc/portalloc"
	"github.com/vapiorc/vapiorc/replenisher"
	"github.com/vapiorc/vapiorc/server"
	"github.com/vapiorc/vapiorc/telemetry"
	"github.com/vapiorc/vapiorc/webhook"
	"github.com/vapiorc/vapiorc/workspace"
)

const shutdownGrace = 15 * time.Second

// ServeCmd starts the HTTP control plane. It embeds config.Settings so
// every setting doubles as a CLI flag and an environment variable,
// matching cmd/sand/main.go's CLI struct idiom.
type ServeCmd struct {
	config.Settings
}

func (c *ServeCmd) initLogging() {
	level := parseLevel(c.LogLevel)

	if c.LogFile == "" {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		return
	}

	if err := os.MkdirAll(filepath.Dir(c.LogFile), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "vapiorcd: create log dir: %v\n", err)
		os.Exit(1)
	}
	rotator := &lumberjack.Logger{
		Filename:   c.LogFile,
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     28,
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(rotator, &slog.HandlerOptions{Level: level})))
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Run wires every collaborator and serves the HTTP control plane until
// interrupted.
func (c *ServeCmd) Run() error {
	c.initLogging()

	if err := c.EnsureDirectories(); err != nil {
		return fmt.Errorf("vapiorcd: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_, shutdownTracing, err := telemetry.NewTracerProvider(ctx, c.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("vapiorcd: telemetry: %w", err)
	}
	defer shutdownTracing(context.Background())

	repo, err := db.Open(c.DatabaseURL)
	if err != nil {
		return fmt.Errorf("vapiorcd: open database: %w", err)
	}
	defer repo.Close()

	store := workspace.New(c.StoragePath)

	driver := containerdriver.New(c.ContainerEngine)
	overrides, err := containerdriver.LoadDeviceOverrides(filepath.Join(c.StoragePath, "devices.yaml"))
	if err != nil {
		return fmt.Errorf("vapiorcd: %w", err)
	}
	driver.DeviceOverrides = overrides

	ports := portalloc.New(c.PortRangeStart, c.PortRangeEnd)

	goldenBuilder := golden.New(repo, store, driver, ports, c.GuestImage, c.DockerNetwork, c.HostIP)
	instances := instancepool.New(repo, store, driver, ports, c.GuestImage, c.DockerNetwork, c.HostIP)
	repl := replenisher.New(repo, store, goldenBuilder, instances, c.HotSpareCount)
	assign := assignment.New(repo, store, driver, instances, repl, consoleBase(c.HostIP), c.VMType)
	registry := macregistry.New(store.GoldenImagesDir(), store.InstancesDir())
	hooks := webhook.New(registry, repo, goldenBuilder, repl)

	srv := server.New(repo, goldenBuilder, instances, repl, assign, hooks, c.VMType)

	slog.InfoContext(ctx, "vapiorcd: startup replenish", "vm_type", c.VMType, "hot_spare_count", c.HotSpareCount)
	go func() {
		if err := repl.Ensure(context.Background(), c.VMType); err != nil {
			slog.Error("vapiorcd: startup replenish failed", "error", err)
		}
	}()

	httpServer := &http.Server{Addr: c.ListenAddr, Handler: srv.Handler()}
	errCh := make(chan error, 1)
	go func() {
		slog.InfoContext(ctx, "vapiorcd: listening", "addr", c.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("vapiorcd: shutting down")
	case err := <-errCh:
		return fmt.Errorf("vapiorcd: serve: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func consoleBase(hostIP string) string {
	if hostIP == "" {
		return ""
	}
	return "http://" + hostIP
}
