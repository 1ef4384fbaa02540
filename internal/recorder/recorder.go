// Package recorder persists finished rounds. A single goroutine drains a
// bounded channel and flushes batches to SQLite, so the hot polling path
// never touches the database.
package recorder

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrQueueFull is returned when the record queue is saturated. The caller
// drops the record; losing one round row is preferable to stalling a worker.
var ErrQueueFull = errors.New("record queue full")

// ErrClosed is returned when a record arrives after Close. This happens only
// when a straggling worker outlives the shutdown join timeout.
var ErrClosed = errors.New("recorder closed")

// Stats is a snapshot of recorder counters.
type Stats struct {
	Processed int64     `json:"processed"`
	Batches   int64     `json:"batches"`
	Errors    int64     `json:"errors"`
	Dropped   int64     `json:"dropped"`
	HighWater int64     `json:"high_water"` // max observed queue depth
	PerSecond float64   `json:"per_second"`
	LastFlush time.Time `json:"last_flush"`
}

// Recorder batches round records and writes them through a Store. Records
// flush when the batch reaches BatchSize or when BatchTimeout elapses since
// the previous flush, whichever comes first.
type Recorder struct {
	store        *Store
	records      chan RoundRecord
	batchSize    int
	batchTimeout time.Duration
	logger       *slog.Logger

	mu      sync.Mutex
	stats   Stats
	started time.Time

	closeMu   sync.RWMutex
	closed    bool
	closeOnce sync.Once
	done      chan struct{}
}

// New builds a Recorder with a bounded record queue of the given capacity.
func New(store *Store, capacity, batchSize int, batchTimeout time.Duration, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:        store,
		records:      make(chan RoundRecord, capacity),
		batchSize:    batchSize,
		batchTimeout: batchTimeout,
		logger:       logger.With("component", "recorder"),
		done:         make(chan struct{}),
	}
}

// Enqueue offers a record without blocking. Returns ErrQueueFull when the
// queue is saturated or ErrClosed after shutdown; either way the record is
// counted as dropped.
func (r *Recorder) Enqueue(rec RoundRecord) error {
	r.closeMu.RLock()
	defer r.closeMu.RUnlock()
	if r.closed {
		r.countDrop()
		return ErrClosed
	}
	select {
	case r.records <- rec:
		r.noteDepth(len(r.records))
		return nil
	default:
		r.countDrop()
		return ErrQueueFull
	}
}

func (r *Recorder) countDrop() {
	r.mu.Lock()
	r.stats.Dropped++
	r.mu.Unlock()
}

// Run drains the record queue until Close is called, then flushes whatever
// remains and returns. Producers must have stopped before Close.
func (r *Recorder) Run() {
	defer close(r.done)
	r.started = time.Now()
	r.logger.Info("recorder started",
		"batch_size", r.batchSize, "batch_timeout", r.batchTimeout)

	pending := make([]RoundRecord, 0, r.batchSize)
	timer := time.NewTimer(r.batchTimeout)
	defer timer.Stop()

	for {
		select {
		case rec, ok := <-r.records:
			if !ok {
				r.flush(pending)
				r.logFinal()
				return
			}
			pending = append(pending, rec)
			if len(pending) >= r.batchSize {
				r.flush(pending)
				pending = pending[:0]
				resetTimer(timer, r.batchTimeout)
			}
		case <-timer.C:
			if len(pending) > 0 {
				r.flush(pending)
				pending = pending[:0]
			}
			timer.Reset(r.batchTimeout)
		}
	}
}

// Close stops intake. Run flushes the remaining backlog and exits; Close
// blocks until it has. Safe to call more than once; later Enqueues fail
// with ErrClosed instead of panicking.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		r.closeMu.Lock()
		r.closed = true
		close(r.records)
		r.closeMu.Unlock()
	})
	<-r.done
}

// Snapshot returns the current counters.
func (r *Recorder) Snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats
	if elapsed := time.Since(r.started).Seconds(); elapsed > 0 && !r.started.IsZero() {
		s.PerSecond = float64(s.Processed) / elapsed
	}
	return s
}

// QueueDepth reports how many records are currently waiting.
func (r *Recorder) QueueDepth() int {
	return len(r.records)
}

// flush writes the batch grouped per source, one transaction per group. A
// failed group is retried record by record so one bad row cannot sink its
// neighbors.
func (r *Recorder) flush(batch []RoundRecord) {
	if len(batch) == 0 {
		return
	}
	ctx := context.Background()

	groups := make(map[string][]RoundRecord)
	order := make([]string, 0, 4)
	for _, rec := range batch {
		if _, ok := groups[rec.SourceID]; !ok {
			order = append(order, rec.SourceID)
		}
		groups[rec.SourceID] = append(groups[rec.SourceID], rec)
	}

	var written, failed int64
	for _, sourceID := range order {
		group := groups[sourceID]
		err := r.store.InsertRounds(ctx, group)
		if err == nil {
			written += int64(len(group))
			continue
		}
		r.logger.Warn("group insert failed, retrying per record",
			"source", sourceID, "records", len(group), "err", err)
		for _, rec := range group {
			if err := r.store.InsertRound(ctx, rec); err != nil {
				failed++
				r.logger.Error("record lost", "source", sourceID, "round", rec.ID, "err", err)
			} else {
				written++
			}
		}
	}

	r.mu.Lock()
	r.stats.Processed += written
	r.stats.Errors += failed
	r.stats.Batches++
	r.stats.LastFlush = time.Now()
	r.mu.Unlock()

	r.logger.Debug("batch flushed", "written", written, "failed", failed)
}

func (r *Recorder) noteDepth(depth int) {
	r.mu.Lock()
	if int64(depth) > r.stats.HighWater {
		r.stats.HighWater = int64(depth)
	}
	r.mu.Unlock()
}

func (r *Recorder) logFinal() {
	s := r.Snapshot()
	r.logger.Info("recorder stopped",
		"processed", s.Processed, "batches", s.Batches,
		"errors", s.Errors, "dropped", s.Dropped)
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
