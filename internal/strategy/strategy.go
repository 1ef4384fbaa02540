// Package strategy runs optional user scripts that override the configured
// stake ladder. A script defines nextStake(state) and returns the stake for
// the upcoming round, or null to keep the ladder stake.
package strategy

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/shopspring/decimal"
)

// ErrNoHook is returned when the script does not define nextStake().
var ErrNoHook = errors.New("script does not define nextStake()")

const (
	scriptInitTimeout = 2 * time.Second
	scriptCallTimeout = time.Second
)

// State is the read-only view a script receives for each decision.
type State struct {
	SourceID     string
	BetIndex     int
	Sequence     []float64
	Balance      float64
	LastScore    float64
	LastWin      bool
	RoundsPlayed int64
}

// Engine wraps a sandboxed goja runtime holding one compiled script. Each
// source worker owns its own Engine; the internal lock only guards against
// misuse, calls are expected from a single goroutine.
type Engine struct {
	mu      sync.Mutex
	runtime *goja.Runtime
	logger  *slog.Logger
}

// Load executes the script source once to register nextStake() and returns
// the ready engine. The runtime is sandboxed: no require, fetch, or eval.
func Load(source string, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		runtime: goja.New(),
		logger:  logger.With("component", "strategy"),
	}
	e.injectGlobals()

	if err := e.runWithTimeout(scriptInitTimeout, func() error {
		_, err := e.runtime.RunString(source)
		return err
	}); err != nil {
		return nil, fmt.Errorf("script init: %w", err)
	}

	fn := e.runtime.Get("nextStake")
	if fn == nil || goja.IsUndefined(fn) || goja.IsNull(fn) {
		return nil, ErrNoHook
	}
	if _, ok := goja.AssertFunction(fn); !ok {
		return nil, fmt.Errorf("%w: nextStake is not a function", ErrNoHook)
	}
	return e, nil
}

func (e *Engine) injectGlobals() {
	e.runtime.Set("log", func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = arg.String()
		}
		e.logger.Info("script log", "msg", strings.Join(parts, " "))
		return goja.Undefined()
	})
	console := e.runtime.NewObject()
	console.Set("log", e.runtime.Get("log"))
	e.runtime.Set("console", console)

	// Block dangerous globals.
	e.runtime.Set("require", goja.Undefined())
	e.runtime.Set("fetch", goja.Undefined())
	e.runtime.Set("XMLHttpRequest", goja.Undefined())
	e.runtime.Set("eval", goja.Undefined())
	e.runtime.Set("Function", goja.Undefined())
}

// NextStake calls nextStake(state). The second result is false when the
// script declined (returned null or undefined) and the ladder stake applies.
func (e *Engine) NextStake(st State) (decimal.Decimal, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out goja.Value
	err := e.runWithTimeout(scriptCallTimeout, func() error {
		fn, _ := goja.AssertFunction(e.runtime.Get("nextStake"))
		res, err := fn(goja.Undefined(), e.runtime.ToValue(stateObject(st)))
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("nextStake(): %w", err)
	}

	if out == nil || goja.IsUndefined(out) || goja.IsNull(out) {
		return decimal.Zero, false, nil
	}
	stake := decimal.NewFromFloat(out.ToFloat())
	if !stake.IsPositive() {
		return decimal.Zero, false, fmt.Errorf("nextStake() returned non-positive stake %s", stake)
	}
	return stake, true, nil
}

func stateObject(st State) map[string]interface{} {
	seq := make([]float64, len(st.Sequence))
	copy(seq, st.Sequence)
	return map[string]interface{}{
		"sourceId":     st.SourceID,
		"betIndex":     st.BetIndex,
		"sequence":     seq,
		"balance":      st.Balance,
		"lastScore":    st.LastScore,
		"lastWin":      st.LastWin,
		"roundsPlayed": st.RoundsPlayed,
	}
}

func (e *Engine) runWithTimeout(timeout time.Duration, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		e.runtime.Interrupt("script execution timeout")
		select {
		case <-done:
		case <-time.After(200 * time.Millisecond):
		}
		e.runtime.ClearInterrupt()
		return fmt.Errorf("script timed out after %v", timeout)
	}
}
