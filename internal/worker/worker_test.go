package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/UVuruna/gmbl-sub000/internal/actuator"
	"github.com/UVuruna/gmbl-sub000/internal/config"
	"github.com/UVuruna/gmbl-sub000/internal/phase"
	"github.com/UVuruna/gmbl-sub000/internal/recorder"
	"github.com/UVuruna/gmbl-sub000/internal/region"
)

// Centroid i classifies as phase i.
var testCentroids = [][]float64{
	{200, 200, 200}, // Waiting
	{0, 200, 0},     // BettingReady
	{50, 50, 200},   // ActiveLow
	{150, 50, 200},  // ActiveMid
	{250, 50, 200},  // ActiveHigh
	{200, 0, 0},     // Ended
}

func colorFor(p phase.Phase) phase.Sample {
	c := testCentroids[int(p)]
	return phase.Sample{c[0], c[1], c[2]}
}

var roleOrder = []string{
	config.RolePhase, config.RoleScore, config.RoleBalance,
	config.RolePlayerCount, config.RoleTotalWin,
	config.RoleStakeField, config.RolePlayButton,
}

func testRegions() map[string]region.Region {
	out := make(map[string]region.Region, len(roleOrder))
	for i, role := range roleOrder {
		out[role] = region.Region{Left: i * 100, Top: 0, Width: 10, Height: 10}
	}
	return out
}

// fakeReader serves a scripted phase color and per-role numbers.
type fakeReader struct {
	regions    map[string]region.Region
	phaseColor phase.Sample
	numbers    map[string]float64
	failures   map[string]int // remaining failures per role
}

func newFakeReader(regions map[string]region.Region) *fakeReader {
	return &fakeReader{
		regions:    regions,
		phaseColor: colorFor(phase.Waiting),
		numbers:    make(map[string]float64),
		failures:   make(map[string]int),
	}
}

func (r *fakeReader) roleOf(reg region.Region) string {
	for role, candidate := range r.regions {
		if candidate == reg {
			return role
		}
	}
	return ""
}

func (r *fakeReader) SampleColor(_ context.Context, reg region.Region) (phase.Sample, error) {
	role := r.roleOf(reg)
	if r.failures[role] > 0 {
		r.failures[role]--
		return phase.Sample{}, errors.New("capture failed")
	}
	return r.phaseColor, nil
}

func (r *fakeReader) ReadNumber(_ context.Context, reg region.Region) (float64, error) {
	role := r.roleOf(reg)
	if r.failures[role] > 0 {
		r.failures[role]--
		return 0, errors.New("read failed")
	}
	v, ok := r.numbers[role]
	if !ok {
		return 0, errors.New("no value")
	}
	return v, nil
}

type fakePlacer struct {
	requests []actuator.Request
	err      error
}

func (p *fakePlacer) Enqueue(req actuator.Request, _ time.Duration) error {
	if p.err != nil {
		return p.err
	}
	p.requests = append(p.requests, req)
	return nil
}

type fakeSink struct {
	records []recorder.RoundRecord
	err     error
}

func (s *fakeSink) Enqueue(rec recorder.RoundRecord) error {
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, rec)
	return nil
}

type fixture struct {
	w      *Worker
	reader *fakeReader
	placer *fakePlacer
	sink   *fakeSink
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	classifier, err := phase.NewClassifier(testCentroids)
	if err != nil {
		t.Fatal(err)
	}

	regions := testRegions()
	cfg := Config{
		SourceID: "alpha",
		Regions:  regions,
		Sequence: []decimal.Decimal{
			decimal.NewFromInt(25), decimal.NewFromInt(50),
			decimal.NewFromInt(100), decimal.NewFromInt(200),
		},
		AutoCashout:    2.0,
		PollInterval:   time.Millisecond,
		EnqueueTimeout: 10 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	reader := newFakeReader(regions)
	reader.numbers[config.RoleBalance] = 1000
	reader.numbers[config.RoleScore] = 1.0
	reader.numbers[config.RolePlayerCount] = 300
	reader.numbers[config.RoleTotalWin] = 0

	placer := &fakePlacer{}
	sink := &fakeSink{}
	w := New(cfg, reader, classifier, placer, sink, nil, nil)
	return &fixture{w: w, reader: reader, placer: placer, sink: sink}
}

func (f *fixture) tickPhase(t *testing.T, p phase.Phase) bool {
	t.Helper()
	f.reader.phaseColor = colorFor(p)
	return f.w.tick(context.Background())
}

// playRound walks one full round: bet window, active climb, round end.
func (f *fixture) playRound(t *testing.T, finalScore float64) {
	t.Helper()
	f.tickPhase(t, phase.Waiting)
	f.tickPhase(t, phase.BettingReady)
	f.reader.numbers[config.RoleScore] = finalScore
	f.tickPhase(t, phase.ActiveLow)
	f.tickPhase(t, phase.Ended)
}

func TestBetsOnceOnBettingReadyEdge(t *testing.T) {
	f := newFixture(t, nil)

	f.tickPhase(t, phase.Waiting)
	// The betting phase held across several polls must act exactly once.
	f.tickPhase(t, phase.BettingReady)
	f.tickPhase(t, phase.BettingReady)
	f.tickPhase(t, phase.BettingReady)

	if len(f.placer.requests) != 1 {
		t.Fatalf("got %d bet requests, want 1", len(f.placer.requests))
	}
	req := f.placer.requests[0]
	if !req.Stake.Equal(decimal.NewFromInt(25)) {
		t.Errorf("stake = %s, want 25", req.Stake)
	}
	if req.SourceID != "alpha" {
		t.Errorf("source = %q, want alpha", req.SourceID)
	}
}

func TestLossAdvancesLadderAndWraps(t *testing.T) {
	f := newFixture(t, nil)

	// Five straight losses on a 4-rung ladder: 25, 50, 100, 200, then wrap.
	want := []int64{25, 50, 100, 200, 25}
	for i, stake := range want {
		f.playRound(t, 1.5) // below auto_cashout 2.0
		got := f.placer.requests[len(f.placer.requests)-1].Stake
		if !got.Equal(decimal.NewFromInt(stake)) {
			t.Fatalf("round %d stake = %s, want %d", i, got, stake)
		}
	}
	st := f.w.Snapshot()
	if st.Losses != 5 {
		t.Errorf("losses = %d, want 5", st.Losses)
	}
	if st.BetIndex != 1 {
		t.Errorf("bet index = %d, want 1 after fifth loss", st.BetIndex)
	}
}

func TestWinRewindsLadder(t *testing.T) {
	f := newFixture(t, nil)

	f.playRound(t, 1.2) // loss -> index 1
	f.playRound(t, 1.2) // loss -> index 2
	f.playRound(t, 3.4) // win  -> index 0

	st := f.w.Snapshot()
	if st.Wins != 1 || st.Losses != 2 {
		t.Errorf("wins/losses = %d/%d, want 1/2", st.Wins, st.Losses)
	}
	if st.BetIndex != 0 {
		t.Errorf("bet index = %d, want 0 after win", st.BetIndex)
	}

	f.tickPhase(t, phase.Waiting)
	f.tickPhase(t, phase.BettingReady)
	got := f.placer.requests[len(f.placer.requests)-1].Stake
	if !got.Equal(decimal.NewFromInt(25)) {
		t.Errorf("post-win stake = %s, want 25", got)
	}
}

func TestQueueFullSkipsRoundWithoutSettling(t *testing.T) {
	f := newFixture(t, nil)
	f.placer.err = actuator.ErrQueueFull

	f.playRound(t, 1.2)

	st := f.w.Snapshot()
	if st.SkippedBets != 1 {
		t.Errorf("skipped = %d, want 1", st.SkippedBets)
	}
	// No bet means no settlement: the ladder must not advance.
	if st.BetIndex != 0 {
		t.Errorf("bet index = %d, want 0", st.BetIndex)
	}
	if st.Wins != 0 || st.Losses != 0 {
		t.Errorf("wins/losses = %d/%d, want 0/0", st.Wins, st.Losses)
	}
	// The round itself is still recorded.
	if len(f.sink.records) != 1 {
		t.Errorf("got %d records, want 1", len(f.sink.records))
	}
}

func TestRoundRecordContents(t *testing.T) {
	f := newFixture(t, nil)
	f.reader.numbers[config.RoleBalance] = 1043.5
	f.reader.numbers[config.RoleTotalWin] = 1500
	f.reader.numbers[config.RolePlayerCount] = 412

	f.tickPhase(t, phase.Waiting)
	f.tickPhase(t, phase.BettingReady)
	f.reader.numbers[config.RoleScore] = 1.31
	f.tickPhase(t, phase.ActiveLow)
	f.reader.numbers[config.RoleScore] = 2.74
	f.tickPhase(t, phase.ActiveMid)
	f.tickPhase(t, phase.Ended)

	if len(f.sink.records) != 1 {
		t.Fatalf("got %d records, want 1", len(f.sink.records))
	}
	rec := f.sink.records[0]
	if rec.SourceID != "alpha" {
		t.Errorf("source = %q", rec.SourceID)
	}
	if rec.FinalScore != 2.74 {
		t.Errorf("final score = %v, want 2.74", rec.FinalScore)
	}
	if rec.PlayerCount != 412 {
		t.Errorf("player count = %d, want 412", rec.PlayerCount)
	}
	if len(rec.Snapshots) != 2 {
		t.Fatalf("got %d snapshots, want 2", len(rec.Snapshots))
	}
	if rec.Snapshots[0].Score != 1.31 || rec.Snapshots[1].Score != 2.74 {
		t.Errorf("snapshot scores = %v, %v", rec.Snapshots[0].Score, rec.Snapshots[1].Score)
	}
	if !rec.Earnings.Stake.Equal(decimal.NewFromInt(25)) {
		t.Errorf("stake = %s, want 25", rec.Earnings.Stake)
	}
	if rec.Earnings.AutoStop != 2.0 {
		t.Errorf("auto stop = %v, want 2.0", rec.Earnings.AutoStop)
	}
}

func TestSnapshotDedupOnStalledScore(t *testing.T) {
	f := newFixture(t, nil)

	f.tickPhase(t, phase.Waiting)
	f.tickPhase(t, phase.BettingReady)
	f.reader.numbers[config.RoleScore] = 1.5
	f.tickPhase(t, phase.ActiveLow)
	f.tickPhase(t, phase.ActiveLow)
	f.tickPhase(t, phase.ActiveLow)
	f.reader.numbers[config.RoleScore] = 1.8
	f.tickPhase(t, phase.ActiveLow)
	f.tickPhase(t, phase.Ended)

	if len(f.sink.records) != 1 {
		t.Fatal("expected one record")
	}
	if got := len(f.sink.records[0].Snapshots); got != 2 {
		t.Errorf("got %d snapshots, want 2 (duplicates dropped)", got)
	}
}

func TestTargetBalanceStopsWorker(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.TargetMoney = decimal.NewFromInt(1200)
	})
	f.reader.numbers[config.RoleBalance] = 1350

	f.tickPhase(t, phase.Waiting)
	f.tickPhase(t, phase.BettingReady)
	f.reader.numbers[config.RoleScore] = 2.5
	f.tickPhase(t, phase.ActiveLow)
	if done := f.tickPhase(t, phase.Ended); !done {
		t.Fatal("worker should stop once balance reaches target")
	}
}

func TestMidRoundFlickerDoesNotBet(t *testing.T) {
	f := newFixture(t, nil)
	f.placer.err = actuator.ErrQueueFull

	f.tickPhase(t, phase.Waiting)
	f.tickPhase(t, phase.BettingReady) // queue full, bet skipped

	// Queue frees up, then the classifier flickers back to the betting
	// color while the round is running. The window stays closed.
	f.placer.err = nil
	f.reader.numbers[config.RoleScore] = 1.4
	f.tickPhase(t, phase.ActiveLow)
	f.tickPhase(t, phase.BettingReady)

	if got := len(f.placer.requests); got != 0 {
		t.Fatalf("mid-round flicker placed %d bet(s), want 0", got)
	}
	if got := f.w.Snapshot().SkippedBets; got != 1 {
		t.Errorf("skipped = %d, want 1", got)
	}
}

func TestNoBetWhenStartingInsideBettingWindow(t *testing.T) {
	f := newFixture(t, nil)

	// First observed phase is the betting window: the worker cannot know
	// how old it is, so it waits for the next full round.
	f.tickPhase(t, phase.BettingReady)
	if got := len(f.placer.requests); got != 0 {
		t.Fatalf("placed %d bet(s) from an unknown start, want 0", got)
	}

	f.reader.numbers[config.RoleScore] = 2.2
	f.tickPhase(t, phase.ActiveLow)
	f.tickPhase(t, phase.Ended)
	f.tickPhase(t, phase.Waiting)
	f.tickPhase(t, phase.BettingReady)
	if got := len(f.placer.requests); got != 1 {
		t.Fatalf("placed %d bet(s) after a full cycle, want 1", got)
	}
}

func TestPhaseReadFailureIsNotAnEdge(t *testing.T) {
	f := newFixture(t, nil)

	f.tickPhase(t, phase.Waiting)
	f.reader.failures[config.RolePhase] = 1
	f.w.tick(context.Background())

	if got := f.w.Snapshot().ReadErrors; got != 1 {
		t.Errorf("read errors = %d, want 1", got)
	}
	if len(f.placer.requests) != 0 {
		t.Errorf("no bet expected, got %d", len(f.placer.requests))
	}
}

func TestInitialBalanceRetries(t *testing.T) {
	f := newFixture(t, nil)
	f.reader.failures[config.RoleBalance] = 2
	f.reader.numbers[config.RoleBalance] = 777

	f.w.readInitialBalance(context.Background())

	st := f.w.Snapshot()
	if st.Balance != "777" {
		t.Errorf("balance = %s, want 777", st.Balance)
	}
	if st.ReadErrors != 2 {
		t.Errorf("read errors = %d, want 2", st.ReadErrors)
	}
}

func TestRecordSinkFullCountsDrop(t *testing.T) {
	f := newFixture(t, nil)
	f.sink.err = recorder.ErrQueueFull

	f.playRound(t, 2.5)

	if got := f.w.Snapshot().DroppedRecs; got != 1 {
		t.Errorf("dropped records = %d, want 1", got)
	}
}
