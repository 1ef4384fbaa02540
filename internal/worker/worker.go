// Package worker runs one monitoring goroutine per configured source. A
// worker polls its screen regions, classifies the game phase, and reacts to
// phase edges: it bets when a round opens and records when a round ends.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/UVuruna/gmbl-sub000/internal/actuator"
	"github.com/UVuruna/gmbl-sub000/internal/config"
	"github.com/UVuruna/gmbl-sub000/internal/phase"
	"github.com/UVuruna/gmbl-sub000/internal/recorder"
	"github.com/UVuruna/gmbl-sub000/internal/region"
	"github.com/UVuruna/gmbl-sub000/internal/screen"
	"github.com/UVuruna/gmbl-sub000/internal/strategy"
)

// BetPlacer is the slice of the actuator a worker needs.
type BetPlacer interface {
	Enqueue(req actuator.Request, timeout time.Duration) error
}

// RecordSink is the slice of the recorder a worker needs.
type RecordSink interface {
	Enqueue(rec recorder.RoundRecord) error
}

// Config carries the per-source parameters resolved at startup.
type Config struct {
	SourceID       string
	Regions        map[string]region.Region
	Sequence       []decimal.Decimal
	AutoCashout    float64
	TargetMoney    decimal.Decimal // zero disables the stop condition
	PollInterval   time.Duration
	EnqueueTimeout time.Duration
}

// Stats is a snapshot of one worker's counters.
type Stats struct {
	SourceID     string    `json:"source_id"`
	Phase        string    `json:"phase"`
	BetIndex     int       `json:"bet_index"`
	Balance      string    `json:"balance"`
	RoundsPlayed int64     `json:"rounds_played"`
	Wins         int64     `json:"wins"`
	Losses       int64     `json:"losses"`
	SkippedBets  int64     `json:"skipped_bets"`
	ReadErrors   int64     `json:"read_errors"`
	DroppedRecs  int64     `json:"dropped_records"`
	Stopped      bool      `json:"stopped"`
	LastRound    time.Time `json:"last_round,omitempty"`
}

// maxSnapshots bounds per-round snapshot growth if a round never ends.
const maxSnapshots = 1024

// initialBalanceAttempts is how many times the worker tries to read its
// starting balance before giving up and starting from zero.
const initialBalanceAttempts = 3

// Worker monitors a single source. All round state is confined to the Run
// goroutine; only Stats crosses the lock.
type Worker struct {
	cfg        Config
	reader     screen.Reader
	classifier *phase.Classifier
	placer     BetPlacer
	sink       RecordSink
	strat      *strategy.Engine // nil when the source has no script
	logger     *slog.Logger

	mu    sync.Mutex
	stats Stats

	// round state, Run goroutine only
	last      phase.Phase
	betIndex  int
	betPlaced bool
	stake     decimal.Decimal
	balance   decimal.Decimal
	lastWin   bool
	lastScore float64
	snapshots []recorder.Snapshot
}

// New builds a worker. The strategy engine may be nil.
func New(cfg Config, reader screen.Reader, classifier *phase.Classifier,
	placer BetPlacer, sink RecordSink, strat *strategy.Engine, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		cfg:        cfg,
		reader:     reader,
		classifier: classifier,
		placer:     placer,
		sink:       sink,
		strat:      strat,
		logger:     logger.With("component", "worker", "source", cfg.SourceID),
		last:       phase.Unknown,
		stats:      Stats{SourceID: cfg.SourceID, Phase: phase.Unknown.String(), Balance: "0"},
	}
}

// Run polls until ctx is cancelled or the target balance is reached.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("worker started",
		"auto_cashout", w.cfg.AutoCashout, "sequence_len", len(w.cfg.Sequence))

	w.readInitialBalance(ctx)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.markStopped()
			w.logger.Info("worker stopped", "rounds", w.snapshotStats().RoundsPlayed)
			return
		case <-ticker.C:
			if done := w.tick(ctx); done {
				w.markStopped()
				w.logger.Info("target balance reached, worker stopping",
					"balance", w.balance, "target", w.cfg.TargetMoney)
				return
			}
		}
	}
}

// Snapshot returns the worker's current counters.
func (w *Worker) Snapshot() Stats {
	return w.snapshotStats()
}

// tick performs one poll cycle. Returns true when the worker should stop.
func (w *Worker) tick(ctx context.Context) bool {
	sample, err := w.reader.SampleColor(ctx, w.cfg.Regions[config.RolePhase])
	if err != nil {
		w.countReadError()
		w.logger.Warn("phase sample failed", "err", err)
		return false
	}

	current := w.classifier.Classify(sample)
	if current == phase.Unknown {
		// Not a state change; the next tick retries.
		return false
	}

	if current != w.last {
		w.onEdge(ctx, w.last, current)
		w.last = current
		w.setPhase(current)
	}
	if current.Active() {
		w.captureSnapshot(ctx)
	}
	return w.targetReached()
}

// onEdge reacts to a phase transition. Only edges trigger actions, so a
// phase held across many polls acts exactly once.
func (w *Worker) onEdge(ctx context.Context, from, to phase.Phase) {
	w.logger.Debug("phase edge", "from", from, "to", to)

	switch to {
	case phase.Waiting:
		// The table is idle again; the next betting window is fresh.
		w.betPlaced = false
	case phase.BettingReady:
		// Only the idle table opens a betting window. A flicker out of an
		// active round must not place a live bet.
		if from == phase.Waiting {
			w.openRound()
		}
	case phase.Ended:
		w.closeRound(ctx)
	}
}

// openRound places at most one bet per betting window.
func (w *Worker) openRound() {
	if w.betPlaced {
		return
	}
	stake := w.decideStake()

	req := actuator.Request{
		SourceID:   w.cfg.SourceID,
		Stake:      stake,
		StakeField: w.cfg.Regions[config.RoleStakeField],
		PlayButton: w.cfg.Regions[config.RolePlayButton],
		RequestID:  uuid.New(),
		EnqueuedAt: time.Now(),
	}
	if err := w.placer.Enqueue(req, w.cfg.EnqueueTimeout); err != nil {
		// Skip this round entirely rather than bet late.
		w.countSkipped()
		w.logger.Warn("bet skipped", "stake", stake, "err", err)
		return
	}

	// The bet counts as placed once queued: the actuator owns it now and
	// a second enqueue for the same window must never happen.
	w.betPlaced = true
	w.stake = stake
	w.logger.Info("bet queued", "stake", stake, "bet_index", w.betIndex)
}

// decideStake consults the strategy script, falling back to the ladder.
// settle keeps betIndex inside the ladder, so it indexes directly.
func (w *Worker) decideStake() decimal.Decimal {
	ladder := w.cfg.Sequence[w.betIndex]
	if w.strat == nil {
		return ladder
	}

	seq := make([]float64, len(w.cfg.Sequence))
	for i, d := range w.cfg.Sequence {
		seq[i], _ = d.Float64()
	}
	bal, _ := w.balance.Float64()
	st := strategy.State{
		SourceID:     w.cfg.SourceID,
		BetIndex:     w.betIndex,
		Sequence:     seq,
		Balance:      bal,
		LastScore:    w.lastScore,
		LastWin:      w.lastWin,
		RoundsPlayed: w.snapshotStats().RoundsPlayed,
	}
	stake, ok, err := w.strat.NextStake(st)
	if err != nil {
		w.logger.Warn("strategy script failed, using ladder stake", "err", err)
		return ladder
	}
	if !ok {
		return ladder
	}
	return stake
}

// captureSnapshot records one observation of the active round. Duplicate
// scores are dropped so a stalled display does not flood the record.
func (w *Worker) captureSnapshot(ctx context.Context) {
	score, err := w.reader.ReadNumber(ctx, w.cfg.Regions[config.RoleScore])
	if err != nil {
		w.countReadError()
		return
	}
	if score == w.lastScore && len(w.snapshots) > 0 {
		return
	}
	w.lastScore = score

	if len(w.snapshots) >= maxSnapshots {
		return
	}
	snap := recorder.Snapshot{Score: score, At: time.Now()}
	if players, err := w.reader.ReadNumber(ctx, w.cfg.Regions[config.RolePlayerCount]); err == nil {
		snap.Players = int64(players)
	}
	if win, err := w.reader.ReadNumber(ctx, w.cfg.Regions[config.RoleTotalWin]); err == nil {
		snap.PlayersWin = win
	}
	w.snapshots = append(w.snapshots, snap)
}

// closeRound settles the bet, persists the round, and resets for the next
// betting window.
func (w *Worker) closeRound(ctx context.Context) {
	finalScore := w.lastScore
	if score, err := w.reader.ReadNumber(ctx, w.cfg.Regions[config.RoleScore]); err == nil {
		finalScore = score
	}

	if bal, err := w.reader.ReadNumber(ctx, w.cfg.Regions[config.RoleBalance]); err == nil {
		w.balance = decimal.NewFromFloat(bal)
	} else {
		w.countReadError()
	}

	var totalWin decimal.Decimal
	if tw, err := w.reader.ReadNumber(ctx, w.cfg.Regions[config.RoleTotalWin]); err == nil {
		totalWin = decimal.NewFromFloat(tw)
	}
	var playerCount int64
	if pc, err := w.reader.ReadNumber(ctx, w.cfg.Regions[config.RolePlayerCount]); err == nil {
		playerCount = int64(pc)
	}

	if w.betPlaced {
		w.settle(finalScore)
	}

	rec := recorder.RoundRecord{
		ID:          uuid.New(),
		SourceID:    w.cfg.SourceID,
		FinalScore:  finalScore,
		TotalWin:    totalWin,
		PlayerCount: playerCount,
		Snapshots:   w.snapshots,
		Earnings: recorder.Earnings{
			Stake:    w.stake,
			AutoStop: w.cfg.AutoCashout,
			Balance:  w.balance,
		},
		EndedAt: time.Now(),
	}
	if err := w.sink.Enqueue(rec); err != nil {
		w.countDropped()
		w.logger.Warn("round record dropped", "round", rec.ID, "err", err)
	}

	w.countRound()
	w.stake = decimal.Zero
	w.snapshots = nil
	w.lastScore = 0
}

// settle applies the win/loss outcome to the stake ladder: a win rewinds to
// the first rung, a loss advances one rung and wraps.
func (w *Worker) settle(finalScore float64) {
	won := finalScore >= w.cfg.AutoCashout
	w.lastWin = won
	if won {
		w.betIndex = 0
		w.countWin()
	} else {
		w.betIndex = (w.betIndex + 1) % len(w.cfg.Sequence)
		w.countLoss()
	}
	w.setBetIndex(w.betIndex)
	w.logger.Info("round settled",
		"final_score", finalScore, "won", won, "next_bet_index", w.betIndex)
}

func (w *Worker) targetReached() bool {
	return w.cfg.TargetMoney.IsPositive() && w.balance.GreaterThanOrEqual(w.cfg.TargetMoney)
}

// readInitialBalance seeds the balance before the first round. Failures are
// tolerated; the balance self-corrects at the first round end.
func (w *Worker) readInitialBalance(ctx context.Context) {
	for attempt := 1; attempt <= initialBalanceAttempts; attempt++ {
		bal, err := w.reader.ReadNumber(ctx, w.cfg.Regions[config.RoleBalance])
		if err == nil {
			w.balance = decimal.NewFromFloat(bal)
			w.setBalance(w.balance)
			w.logger.Info("initial balance", "balance", w.balance)
			return
		}
		w.countReadError()
		w.logger.Warn("initial balance read failed",
			"attempt", attempt, "err", err)
		if attempt < initialBalanceAttempts {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.PollInterval):
			}
		}
	}
	w.logger.Warn("starting without a balance reading")
}

func (w *Worker) snapshotStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

func (w *Worker) setPhase(p phase.Phase) {
	w.mu.Lock()
	w.stats.Phase = p.String()
	w.mu.Unlock()
}

func (w *Worker) setBetIndex(i int) {
	w.mu.Lock()
	w.stats.BetIndex = i
	w.mu.Unlock()
}

func (w *Worker) setBalance(b decimal.Decimal) {
	w.mu.Lock()
	w.stats.Balance = b.String()
	w.mu.Unlock()
}

func (w *Worker) countRound() {
	w.mu.Lock()
	w.stats.RoundsPlayed++
	w.stats.LastRound = time.Now()
	w.stats.Balance = w.balance.String()
	w.mu.Unlock()
}

func (w *Worker) countWin() {
	w.mu.Lock()
	w.stats.Wins++
	w.mu.Unlock()
}

func (w *Worker) countLoss() {
	w.mu.Lock()
	w.stats.Losses++
	w.mu.Unlock()
}

func (w *Worker) countSkipped() {
	w.mu.Lock()
	w.stats.SkippedBets++
	w.mu.Unlock()
}

func (w *Worker) countReadError() {
	w.mu.Lock()
	w.stats.ReadErrors++
	w.mu.Unlock()
}

func (w *Worker) countDropped() {
	w.mu.Lock()
	w.stats.DroppedRecs++
	w.mu.Unlock()
}

func (w *Worker) markStopped() {
	w.mu.Lock()
	w.stats.Stopped = true
	w.mu.Unlock()
}
