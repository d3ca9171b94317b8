package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

var (
	// Build info (set via ldflags)
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, flagSet, err := loadConfig(args, os.Getenv)
	if err != nil {
		if flagSet != nil {
			printUsage(flagSet)
		}
		return err
	}
	if cfg.Help {
		printUsage(flagSet)
		return nil
	}
	if cfg.Version {
		fmt.Printf("smdv %s (commit: %s, built: %s)\n", version, commit, date)
		return nil
	}

	level, _ := parseLogLevel(cfg.LogLevel)
	logger := newLogger(level, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case cfg.Serve:
		return serve(ctx, cfg, logger)
	case cfg.Start:
		return startBackground(cfg)
	case cfg.Stop:
		return stopServers(ctx, cfg)
	case cfg.ServerStatus:
		printStatus(cfg)
		return nil
	}
	return show(ctx, cfg, logger)
}

func httpAddr(cfg *Config) string {
	return net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
}

func websocketAddr(cfg *Config) string {
	return net.JoinHostPort(cfg.WebsocketHost, strconv.Itoa(cfg.WebsocketPort))
}

// serve runs the HTTP front door and the sync server until ctx is
// cancelled, a DELETE request arrives, or either listener fails.
func serve(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	baseURL := "http://" + httpAddr(cfg)
	renderer := NewDirectoryRenderer(cfg.Home, baseURL)
	encoder := NewEncoder(Encoding(cfg.Stdin), baseURL+"/@static", newNbconvert(), logger)

	syncServer := NewServer(ServerConfig{Home: cfg.Home, Interactive: cfg.Interactive}, renderer, encoder, logger)
	syncServer.SetEditor(newNvrEditor(cfg.NvimAddress, cfg.Terminal, logger))
	if cfg.Watch {
		syncServer.SetWatcher(newFileWatcher(func(path string) {
			syncServer.reloadFile(ctx, path)
		}, logger))
	}

	front := newFrontDoor(cfg, syncServer, cancel, logger)
	httpServer := &http.Server{
		Addr:        httpAddr(cfg),
		Handler:     front.routes(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	// No timeouts: websocket connections are long-lived
	wsServer := &http.Server{
		Addr:    websocketAddr(cfg),
		Handler: withRecovery(logger, syncServer.ServeHTTP),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return syncServer.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("http server listening", "addr", httpServer.Addr, "home", cfg.Home)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("websocket server listening", "addr", wsServer.Addr)
		if err := wsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("websocket server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return errors.Join(httpServer.Shutdown(shutdownCtx), wsServer.Shutdown(shutdownCtx))
	})
	return g.Wait()
}

// startBackground spawns "smdv --serve" detached from this process.
func startBackground(cfg *Config) error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locating smdv binary: %w", err)
	}
	cmd := exec.Command(self, cfg.serveArgs()...)
	cmd.SysProcAttr = detachedProcAttr()
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	return cmd.Process.Release()
}

func openURL(url string) error {
	var cmd string
	var args []string

	switch {
	case fileExists("/usr/bin/open"): // macOS
		cmd = "open"
		args = []string{url}
	case fileExists("/usr/bin/xdg-open"): // Linux
		cmd = "xdg-open"
		args = []string{url}
	default: // Windows
		cmd = "cmd"
		args = []string{"/c", "start", url}
	}

	return exec.Command(cmd, args...).Start()
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
