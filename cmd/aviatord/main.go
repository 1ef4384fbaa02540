// Command aviatord monitors configured game tables, places bets through a
// single serialized actuator, and records every round to SQLite.
//
// Exit codes: 0 clean shutdown, 1 configuration error, 2 model error.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/UVuruna/gmbl-sub000/internal/actuator"
	"github.com/UVuruna/gmbl-sub000/internal/config"
	"github.com/UVuruna/gmbl-sub000/internal/logging"
	"github.com/UVuruna/gmbl-sub000/internal/orchestrator"
	"github.com/UVuruna/gmbl-sub000/internal/phase"
	"github.com/UVuruna/gmbl-sub000/internal/region"
	"github.com/UVuruna/gmbl-sub000/internal/screen"
)

const (
	exitOK     = 0
	exitConfig = 1
	exitModel  = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath = flag.String("config", "config.yaml", "path to the YAML configuration")
		logFormat  = flag.String("log-format", "json", "log output: json or text")
		logLevel   = flag.String("log-level", "info", "log level: debug, info, warn, error")
		simulate   = flag.Bool("simulate", false, "run against the built-in game simulator")
	)
	flag.Parse()

	level, err := parseLevel(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}
	switch *logFormat {
	case "json":
		logging.SetupJSON(level)
	case "text":
		logging.SetupText(level)
	default:
		fmt.Fprintf(os.Stderr, "unknown log format %q\n", *logFormat)
		return exitConfig
	}
	logger := slog.Default()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("configuration rejected", "err", err)
		return exitConfig
	}

	var (
		classifier *phase.Classifier
		reader     screen.Reader
		driver     actuator.Driver
	)
	if *simulate {
		sim := screen.NewSimulator(regionRoles(cfg), screen.SimOptions{
			AutoCashout: cfg.Sources[0].AutoCashout,
		})
		classifier, err = phase.NewClassifier(sim.Centroids())
		if err != nil {
			logger.Error("simulator model rejected", "err", err)
			return exitModel
		}
		reader, driver = sim, sim
		logger.Info("running in simulation mode")
	} else {
		classifier, err = phase.LoadModel(cfg.Model)
		if err != nil {
			logger.Error("centroid model rejected", "path", cfg.Model, "err", err)
			return exitModel
		}
		// Capture backends are platform builds wired in behind
		// screen.Reader; none is bundled with the portable binary.
		logger.Error("no capture backend available, use -simulate")
		return exitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()

	orch := orchestrator.New(cfg, classifier, reader, driver, logger)
	if err := orch.Run(ctx); err != nil {
		logger.Error("pipeline failed", "err", err)
		return exitConfig
	}
	return exitOK
}

// regionRoles flattens every source's resolved regions into one lookup the
// simulator can interpret.
func regionRoles(cfg *config.Config) map[region.Region]string {
	roles := make(map[region.Region]string)
	for i := range cfg.Sources {
		for role, reg := range cfg.ResolveRegions(&cfg.Sources[i]) {
			roles[reg] = role
		}
	}
	return roles
}

func parseLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}
