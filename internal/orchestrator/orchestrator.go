// Package orchestrator assembles the pipeline and owns its lifecycle:
// store, recorder, actuator, one worker per source, and the status API.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/UVuruna/gmbl-sub000/internal/actuator"
	"github.com/UVuruna/gmbl-sub000/internal/config"
	"github.com/UVuruna/gmbl-sub000/internal/phase"
	"github.com/UVuruna/gmbl-sub000/internal/recorder"
	"github.com/UVuruna/gmbl-sub000/internal/screen"
	"github.com/UVuruna/gmbl-sub000/internal/statushttp"
	"github.com/UVuruna/gmbl-sub000/internal/strategy"
	"github.com/UVuruna/gmbl-sub000/internal/worker"
)

// Orchestrator wires the pipeline from a validated configuration.
type Orchestrator struct {
	cfg        *config.Config
	classifier *phase.Classifier
	reader     screen.Reader
	driver     actuator.Driver
	logger     *slog.Logger
}

// New builds an orchestrator. The configuration and classifier must already
// be validated and loaded.
func New(cfg *config.Config, classifier *phase.Classifier, reader screen.Reader,
	driver actuator.Driver, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:        cfg,
		classifier: classifier,
		reader:     reader,
		driver:     driver,
		logger:     logger.With("component", "orchestrator"),
	}
}

// Run starts the pipeline and blocks until ctx is cancelled or every worker
// has stopped on its own (target balance reached). Shutdown is ordered so no
// stage writes into a stage that is already gone: workers stop first, then
// the status server and actuator, and the recorder drains last.
func (o *Orchestrator) Run(ctx context.Context) error {
	store, err := recorder.NewStore(o.cfg.Database)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	rec := recorder.New(store, o.cfg.RecordQueueSize, o.cfg.BatchSize,
		o.cfg.BatchTimeout.Std(), o.logger)
	go rec.Run()

	act := actuator.New(o.driver, o.cfg.ActionQueueSize,
		o.cfg.StepDelay.Std(), o.cfg.Cooldown.Std(), o.logger)
	actCtx, actCancel := context.WithCancel(context.Background())
	defer actCancel()
	go act.Run(actCtx)

	workers, err := o.buildWorkers(act, rec)
	if err != nil {
		actCancel()
		act.Wait()
		rec.Close()
		return err
	}

	// The status API comes up before any worker polls, so the pipeline is
	// observable from the first bet onward.
	var srv *statushttp.Server
	if o.cfg.ListenAddr != "" {
		stats := make([]statushttp.WorkerStats, len(workers))
		for i, wk := range workers {
			stats[i] = wk
		}
		srv = statushttp.New(o.cfg.ListenAddr, store, stats, act, rec, o.logger)
		if err := srv.Start(); err != nil {
			actCancel()
			act.Wait()
			rec.Close()
			return fmt.Errorf("start status server: %w", err)
		}
	}

	workerCtx, workerCancel := context.WithCancel(ctx)
	defer workerCancel()

	var wg sync.WaitGroup
	for _, wk := range workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(workerCtx)
		}(wk)
	}
	workersDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(workersDone)
	}()

	o.logger.Info("pipeline running", "sources", len(workers))

	select {
	case <-ctx.Done():
		o.logger.Info("shutdown requested")
	case <-workersDone:
		o.logger.Info("all workers finished")
	}

	workerCancel()

	var shutdownErrs []error
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			o.logger.Warn("status server shutdown", "err", err)
			shutdownErrs = append(shutdownErrs, fmt.Errorf("status server shutdown: %w", err))
		}
		cancel()
	}

	actCancel()
	act.Wait()

	// Workers that ignore cancellation past the join timeout are abandoned;
	// the recorder's close guard keeps their late records from panicking.
	select {
	case <-workersDone:
	case <-time.After(o.cfg.JoinTimeout.Std()):
		o.logger.Error("workers did not stop within join timeout",
			"timeout", o.cfg.JoinTimeout.Std())
		shutdownErrs = append(shutdownErrs,
			fmt.Errorf("workers still running after %v", o.cfg.JoinTimeout.Std()))
	}

	rec.Close()

	s := rec.Snapshot()
	o.logger.Info("pipeline stopped",
		"rounds_recorded", s.Processed, "records_dropped", s.Dropped)
	return errors.Join(shutdownErrs...)
}

func (o *Orchestrator) buildWorkers(act *actuator.Actuator, rec *recorder.Recorder) ([]*worker.Worker, error) {
	workers := make([]*worker.Worker, 0, len(o.cfg.Sources))
	for i := range o.cfg.Sources {
		src := &o.cfg.Sources[i]

		var strat *strategy.Engine
		if src.StrategyScript != "" {
			source, err := os.ReadFile(src.StrategyScript)
			if err != nil {
				return nil, fmt.Errorf("source %q: read strategy script: %w", src.ID, err)
			}
			strat, err = strategy.Load(string(source), o.logger.With("source", src.ID))
			if err != nil {
				return nil, fmt.Errorf("source %q: %w", src.ID, err)
			}
		}

		wcfg := worker.Config{
			SourceID:       src.ID,
			Regions:        o.cfg.ResolveRegions(src),
			Sequence:       o.cfg.BetSequence(src),
			AutoCashout:    src.AutoCashout,
			PollInterval:   o.cfg.PollInterval.Std(),
			EnqueueTimeout: o.cfg.EnqueueTimeout.Std(),
		}
		if src.TargetMoney > 0 {
			wcfg.TargetMoney = decimal.NewFromInt(src.TargetMoney)
		}
		workers = append(workers, worker.New(wcfg, o.reader, o.classifier,
			act, rec, strat, o.logger))
	}
	return workers, nil
}
