// Command adsd is the ads orchestration daemon. It loads the YAML config,
// opens the task store, starts the scheduler and serves the HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Andy963/ads/config"
	"github.com/Andy963/ads/internal/version"
)

const shutdownTimeout = 30 * time.Second

var (
	configPath  = flag.String("config", "ads.yaml", "path to config file")
	showVersion = flag.Bool("version", false, "print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("adsd %s (%s, built %s)\n", version.Version, version.Commit, version.BuildDate)
		return
	}

	cfg, err := loadConfig(*configPath, flagSet("config"))
	if err != nil {
		log.Fatalf("Failed to load config %s: %v", *configPath, err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)

	logger.Info("starting adsd",
		"version", version.Version,
		"commit", version.Commit,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := build(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("Failed to build daemon: %v", err)
	}
	if err := d.start(ctx); err != nil {
		_ = d.close()
		log.Fatalf("Failed to start queue: %v", err)
	}

	served := make(chan error, 1)
	go func() { served <- d.server.Start() }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-served:
		if err != nil {
			logger.Error("server stopped", "err", err)
		}
	}

	if err := d.shutdown(shutdownTimeout); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.Error("shutdown", "err", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

// loadConfig reads path. A missing file is only an error when the path was
// given explicitly; otherwise the defaults apply.
func loadConfig(path string, explicit bool) (*config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && !explicit {
		return config.DefaultConfig(), nil
	}
	return config.Load(path)
}

func flagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}
