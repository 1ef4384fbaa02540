package recorder

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "rounds.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testRecord(source string, score float64) RoundRecord {
	return RoundRecord{
		ID:          uuid.New(),
		SourceID:    source,
		FinalScore:  score,
		TotalWin:    decimal.NewFromInt(1500),
		PlayerCount: 420,
		Snapshots: []Snapshot{
			{Score: 1.00, Players: 420, PlayersWin: 0, At: time.Now().Add(-2 * time.Second)},
			{Score: 1.52, Players: 301, PlayersWin: 220.5, At: time.Now().Add(-time.Second)},
		},
		Earnings: Earnings{
			Stake:    decimal.NewFromInt(25),
			AutoStop: 2.35,
			Balance:  decimal.RequireFromString("1043.50"),
		},
		EndedAt: time.Now(),
	}
}

func TestStoreRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	rec := testRecord("alpha", 3.17)
	if err := s.InsertRound(ctx, rec); err != nil {
		t.Fatalf("InsertRound: %v", err)
	}

	rounds, err := s.RecentRounds(ctx, "alpha", 10)
	if err != nil {
		t.Fatalf("RecentRounds: %v", err)
	}
	if len(rounds) != 1 {
		t.Fatalf("got %d rounds, want 1", len(rounds))
	}
	got := rounds[0]
	if got.ID != rec.ID {
		t.Errorf("id = %s, want %s", got.ID, rec.ID)
	}
	if got.FinalScore != 3.17 {
		t.Errorf("final score = %v, want 3.17", got.FinalScore)
	}
	if !got.Stake.Equal(decimal.NewFromInt(25)) {
		t.Errorf("stake = %s, want 25", got.Stake)
	}
	if !got.Balance.Equal(decimal.RequireFromString("1043.50")) {
		t.Errorf("balance = %s, want 1043.50", got.Balance)
	}

	n, err := s.SnapshotCount(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("snapshot count = %d, want 2", n)
	}
}

func TestStoreGroupInsertIsAtomic(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	good := testRecord("alpha", 1.5)
	dup := testRecord("alpha", 2.5)
	dup.ID = good.ID // primary key collision fails the whole group

	err := s.InsertRounds(ctx, []RoundRecord{good, dup})
	if err == nil {
		t.Fatal("expected duplicate key error")
	}
	counts, err := s.CountRounds(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts["alpha"] != 0 {
		t.Errorf("rounds persisted from failed group: %d", counts["alpha"])
	}
}

func TestStoreCountRoundsPerSource(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.InsertRound(ctx, testRecord("alpha", 2.0)); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.InsertRound(ctx, testRecord("beta", 4.0)); err != nil {
		t.Fatal(err)
	}

	counts, err := s.CountRounds(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts["alpha"] != 3 || counts["beta"] != 1 {
		t.Errorf("counts = %v, want alpha=3 beta=1", counts)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.After(timeout)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("condition not met before timeout")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestRecorderFlushesOnBatchSize(t *testing.T) {
	s := testStore(t)
	// Long timeout so only the size trigger can flush.
	r := New(s, 128, 10, time.Minute, nil)
	go r.Run()

	for i := 0; i < 10; i++ {
		src := fmt.Sprintf("src-%d", i%3)
		if err := r.Enqueue(testRecord(src, float64(i))); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	waitFor(t, 2*time.Second, func() bool { return r.Snapshot().Processed == 10 })
	if got := r.Snapshot().Batches; got != 1 {
		t.Errorf("batches = %d, want 1", got)
	}
	r.Close()

	counts, err := s.CountRounds(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	var total int64
	for _, n := range counts {
		total += n
	}
	if total != 10 {
		t.Errorf("persisted %d rounds, want 10", total)
	}
}

func TestRecorderFlushesOnTimeout(t *testing.T) {
	s := testStore(t)
	// Batch size far above what we enqueue; the timeout must flush.
	r := New(s, 128, 1000, 50*time.Millisecond, nil)
	go r.Run()

	if err := r.Enqueue(testRecord("alpha", 1.9)); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool { return r.Snapshot().Processed == 1 })
	r.Close()
}

func TestRecorderDrainsOnClose(t *testing.T) {
	s := testStore(t)
	// Neither trigger can fire before Close.
	r := New(s, 128, 1000, time.Minute, nil)
	go r.Run()

	for i := 0; i < 7; i++ {
		if err := r.Enqueue(testRecord("alpha", float64(i))); err != nil {
			t.Fatal(err)
		}
	}
	r.Close()

	if got := r.Snapshot().Processed; got != 7 {
		t.Errorf("processed = %d, want 7", got)
	}
	counts, err := s.CountRounds(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if counts["alpha"] != 7 {
		t.Errorf("persisted %d rounds, want 7", counts["alpha"])
	}
}

func TestRecorderCountsDropsWhenFull(t *testing.T) {
	s := testStore(t)
	r := New(s, 2, 1000, time.Minute, nil) // no consumer running

	var full int
	for i := 0; i < 4; i++ {
		if err := r.Enqueue(testRecord("alpha", 1.0)); err != nil {
			full++
		}
	}
	if full != 2 {
		t.Errorf("got %d queue-full errors, want 2", full)
	}
	if got := r.Snapshot().Dropped; got != 2 {
		t.Errorf("dropped = %d, want 2", got)
	}
}

func TestRecorderRecoversFromBadRecordInBatch(t *testing.T) {
	s := testStore(t)
	r := New(s, 128, 3, time.Minute, nil)
	go r.Run()

	good1 := testRecord("alpha", 1.1)
	bad := testRecord("alpha", 2.2)
	bad.ID = good1.ID // collides inside the group transaction
	good2 := testRecord("alpha", 3.3)

	for _, rec := range []RoundRecord{good1, bad, good2} {
		if err := r.Enqueue(rec); err != nil {
			t.Fatal(err)
		}
	}
	r.Close()

	// Per-record retry keeps the two good rows and drops the duplicate.
	st := r.Snapshot()
	if st.Processed != 2 {
		t.Errorf("processed = %d, want 2", st.Processed)
	}
	if st.Errors != 1 {
		t.Errorf("errors = %d, want 1", st.Errors)
	}
	counts, err := s.CountRounds(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if counts["alpha"] != 2 {
		t.Errorf("persisted %d rounds, want 2", counts["alpha"])
	}
}
