// Package actuator serializes automated input actions. Exactly one Actuator
// exists per process; it is the sole writer of pointer/keyboard state, so
// bets from concurrent sources can never interleave on the shared device.
package actuator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/UVuruna/gmbl-sub000/internal/region"
)

// ErrQueueFull is returned when a request cannot be enqueued within the
// caller's timeout. The caller skips betting for that round.
var ErrQueueFull = errors.New("action queue full")

// Request is one betting action: type the stake, press play. Created by a
// source worker, consumed exactly once, then discarded.
type Request struct {
	SourceID   string
	Stake      decimal.Decimal
	StakeField region.Region
	PlayButton region.Region
	RequestID  uuid.UUID
	EnqueuedAt time.Time
}

// Driver abstracts the physical input device. Implementations live outside
// this module (the runtime is driven through a robot-style input library or
// a test fake); only the Actuator may call it.
type Driver interface {
	Click(x, y int) error
	SelectAll() error
	TypeText(s string) error
}

// Stats is a snapshot of actuator counters.
type Stats struct {
	Placed      int64     `json:"placed"`
	Errors      int64     `json:"errors"`
	LastRequest time.Time `json:"last_request"`
}

// Actuator drains a bounded request channel and executes one action at a
// time, pausing for a cooldown between actions. The cooldown bounds the rate
// of automated input and gives a human operator a window to regain control.
type Actuator struct {
	driver    Driver
	requests  chan Request
	stepDelay time.Duration
	cooldown  time.Duration
	logger    *slog.Logger

	mu    sync.Mutex
	stats Stats

	done chan struct{}
}

// New builds an Actuator with a bounded queue of the given capacity.
func New(driver Driver, capacity int, stepDelay, cooldown time.Duration, logger *slog.Logger) *Actuator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Actuator{
		driver:    driver,
		requests:  make(chan Request, capacity),
		stepDelay: stepDelay,
		cooldown:  cooldown,
		logger:    logger.With("component", "actuator"),
		done:      make(chan struct{}),
	}
}

// Enqueue offers a request, giving up after timeout. Safe to call from any
// worker goroutine.
func (a *Actuator) Enqueue(req Request, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case a.requests <- req:
		return nil
	case <-timer.C:
		return ErrQueueFull
	}
}

// Run drains the queue until ctx is cancelled. Requests execute strictly in
// submission order; after each request the actuator sleeps for the cooldown
// before accepting the next.
func (a *Actuator) Run(ctx context.Context) {
	defer close(a.done)
	a.logger.Info("actuator started", "cooldown", a.cooldown)

	for {
		select {
		case <-ctx.Done():
			a.logFinal()
			return
		case req := <-a.requests:
			a.handle(ctx, req)
			if !sleepCtx(ctx, a.cooldown) {
				a.logFinal()
				return
			}
		}
	}
}

// Wait blocks until Run has returned.
func (a *Actuator) Wait() {
	<-a.done
}

// Snapshot returns the current counters.
func (a *Actuator) Snapshot() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// QueueDepth reports how many requests are currently waiting.
func (a *Actuator) QueueDepth() int {
	return len(a.requests)
}

func (a *Actuator) handle(ctx context.Context, req Request) {
	err := a.execute(ctx, req)

	a.mu.Lock()
	a.stats.LastRequest = time.Now()
	if err != nil {
		a.stats.Errors++
	} else {
		a.stats.Placed++
	}
	a.mu.Unlock()

	if err != nil {
		// No retry: a half-executed action against a live UI cannot be
		// rolled back, so the request is counted and abandoned.
		a.logger.Error("bet execution failed",
			"source", req.SourceID, "request", req.RequestID, "err", err)
		return
	}
	a.logger.Info("bet placed",
		"source", req.SourceID, "stake", req.Stake, "request", req.RequestID)
}

// execute performs one betting action: focus the stake field, replace its
// contents, press play. Small fixed pauses between sub-steps tolerate UI
// latency. A failure at any step aborts the whole action.
func (a *Actuator) execute(ctx context.Context, req Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	x, y := req.StakeField.Center()
	if err := a.driver.Click(x, y); err != nil {
		return err
	}
	a.pause()

	if err := a.driver.SelectAll(); err != nil {
		return err
	}
	a.pause()

	if err := a.driver.TypeText(req.Stake.String()); err != nil {
		return err
	}
	a.pause()

	x, y = req.PlayButton.Center()
	return a.driver.Click(x, y)
}

func (a *Actuator) pause() {
	if a.stepDelay > 0 {
		time.Sleep(a.stepDelay)
	}
}

func (a *Actuator) logFinal() {
	s := a.Snapshot()
	a.logger.Info("actuator stopped", "placed", s.Placed, "errors", s.Errors)
}

// sleepCtx sleeps for d, returning false if ctx was cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
