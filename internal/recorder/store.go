package recorder

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Snapshot is one observation captured while a round was active.
type Snapshot struct {
	Score      float64   `json:"score"`
	Players    int64     `json:"players"`
	PlayersWin float64   `json:"players_win"`
	At         time.Time `json:"at"`
}

// Earnings captures the financial side of one finished round.
type Earnings struct {
	Stake    decimal.Decimal `json:"stake"`
	AutoStop float64         `json:"auto_stop"`
	Balance  decimal.Decimal `json:"balance"`
}

// RoundRecord is the durable outcome of one round on one source. A source
// worker creates it at round end; the recorder owns it once enqueued.
type RoundRecord struct {
	ID          uuid.UUID  `json:"id"`
	SourceID    string     `json:"source_id"`
	FinalScore  float64    `json:"final_score"`
	TotalWin    decimal.Decimal `json:"total_win"`
	PlayerCount int64      `json:"player_count"`
	Snapshots   []Snapshot `json:"snapshots,omitempty"`
	Earnings    Earnings   `json:"earnings"`
	EndedAt     time.Time  `json:"ended_at"`
}

// RoundSummary is the flattened row shape served by the status API.
type RoundSummary struct {
	ID          uuid.UUID       `json:"id"`
	SourceID    string          `json:"source_id"`
	FinalScore  float64         `json:"final_score"`
	TotalWin    decimal.Decimal `json:"total_win"`
	PlayerCount int64           `json:"player_count"`
	Stake       decimal.Decimal `json:"stake"`
	Balance     decimal.Decimal `json:"balance"`
	EndedAt     time.Time       `json:"ended_at"`
}

// Store persists round records in SQLite. The recorder goroutine is its only
// writer; the status API issues read-only queries concurrently.
type Store struct {
	db *sql.DB
}

// NewStore opens/creates the database at dbPath and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite is not concurrent for writes

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS rounds (
			id TEXT PRIMARY KEY,
			source_id TEXT NOT NULL,
			ended_at TIMESTAMP NOT NULL,
			final_score REAL NOT NULL,
			total_win TEXT NOT NULL,
			player_count INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_rounds_source_ended ON rounds(source_id, ended_at DESC);`,

		`CREATE TABLE IF NOT EXISTS round_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			round_id TEXT NOT NULL,
			score REAL NOT NULL,
			players INTEGER NOT NULL,
			players_win REAL NOT NULL,
			at TIMESTAMP NOT NULL,
			FOREIGN KEY(round_id) REFERENCES rounds(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_round ON round_snapshots(round_id);`,

		`CREATE TABLE IF NOT EXISTS round_earnings (
			round_id TEXT PRIMARY KEY,
			stake TEXT NOT NULL,
			auto_stop REAL NOT NULL,
			balance TEXT NOT NULL,
			FOREIGN KEY(round_id) REFERENCES rounds(id) ON DELETE CASCADE
		);`,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, q := range stmts {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			tx.Rollback()
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return tx.Commit()
}

// InsertRounds writes a group of records in a single transaction. Either the
// whole group lands or none of it does; the recorder retries a failed group
// record by record via InsertRound.
func (s *Store) InsertRounds(ctx context.Context, records []RoundRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := insertInTx(ctx, tx, records); err != nil {
		return err
	}
	return tx.Commit()
}

// InsertRound writes a single record in its own transaction.
func (s *Store) InsertRound(ctx context.Context, rec RoundRecord) error {
	return s.InsertRounds(ctx, []RoundRecord{rec})
}

func insertInTx(ctx context.Context, tx *sql.Tx, records []RoundRecord) error {
	roundStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO rounds(id, source_id, ended_at, final_score, total_win, player_count)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer roundStmt.Close()

	snapStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO round_snapshots(round_id, score, players, players_win, at)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer snapStmt.Close()

	earnStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO round_earnings(round_id, stake, auto_stop, balance)
		VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer earnStmt.Close()

	for _, rec := range records {
		id := rec.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		if _, err := roundStmt.ExecContext(ctx,
			id.String(), rec.SourceID, rec.EndedAt.UTC(),
			rec.FinalScore, rec.TotalWin.String(), rec.PlayerCount); err != nil {
			return fmt.Errorf("insert round %s: %w", id, err)
		}
		for _, snap := range rec.Snapshots {
			if _, err := snapStmt.ExecContext(ctx,
				id.String(), snap.Score, snap.Players, snap.PlayersWin, snap.At.UTC()); err != nil {
				return fmt.Errorf("insert snapshot for %s: %w", id, err)
			}
		}
		if _, err := earnStmt.ExecContext(ctx,
			id.String(), rec.Earnings.Stake.String(), rec.Earnings.AutoStop,
			rec.Earnings.Balance.String()); err != nil {
			return fmt.Errorf("insert earnings for %s: %w", id, err)
		}
	}
	return nil
}

// RecentRounds returns the most recent rounds for a source, newest first.
func (s *Store) RecentRounds(ctx context.Context, sourceID string, limit int) ([]RoundSummary, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.source_id, r.ended_at, r.final_score, r.total_win, r.player_count,
		       e.stake, e.balance
		FROM rounds r
		JOIN round_earnings e ON e.round_id = r.id
		WHERE r.source_id = ?
		ORDER BY r.ended_at DESC
		LIMIT ?`, sourceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RoundSummary
	for rows.Next() {
		var (
			sum                      RoundSummary
			idStr                    string
			totalWin, stake, balance string
		)
		if err := rows.Scan(&idStr, &sum.SourceID, &sum.EndedAt, &sum.FinalScore,
			&totalWin, &sum.PlayerCount, &stake, &balance); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("corrupt round id %q: %w", idStr, err)
		}
		sum.ID = id
		if sum.TotalWin, err = decimal.NewFromString(totalWin); err != nil {
			return nil, fmt.Errorf("corrupt total_win for %s: %w", idStr, err)
		}
		if sum.Stake, err = decimal.NewFromString(stake); err != nil {
			return nil, fmt.Errorf("corrupt stake for %s: %w", idStr, err)
		}
		if sum.Balance, err = decimal.NewFromString(balance); err != nil {
			return nil, fmt.Errorf("corrupt balance for %s: %w", idStr, err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// CountRounds returns the number of stored rounds per source id.
func (s *Store) CountRounds(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source_id, COUNT(*) FROM rounds GROUP BY source_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var id string
		var n int64
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		out[id] = n
	}
	return out, rows.Err()
}

// SnapshotCount returns the number of stored snapshots for a round.
func (s *Store) SnapshotCount(ctx context.Context, roundID uuid.UUID) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM round_snapshots WHERE round_id = ?`, roundID.String()).Scan(&n)
	return n, err
}
