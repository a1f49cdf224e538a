package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

// SQLiteDB implements the DB interface using SQLite
type SQLiteDB struct {
	db *sql.DB
}

// NewSQLiteDB creates a new SQLite database connection
func NewSQLiteDB(path string) (*SQLiteDB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection serializes ledger writers and keeps ":memory:" a single database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return &SQLiteDB{db: db}, nil
}

// Close closes the database connection
func (s *SQLiteDB) Close() error {
	return s.db.Close()
}

func (s *SQLiteDB) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate runs database migrations
func (s *SQLiteDB) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			user_id TEXT PRIMARY KEY,
			balance TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS bets (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			user_name TEXT NOT NULL DEFAULT '',
			game TEXT NOT NULL,
			period_start INTEGER NOT NULL,
			round INTEGER NOT NULL,
			selection INTEGER NOT NULL,
			amount TEXT NOT NULL,
			settled INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (user_id, game, period_start, round),
			FOREIGN KEY (user_id) REFERENCES accounts(user_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bets_round ON bets(game, period_start, round)`,
		`CREATE TABLE IF NOT EXISTS settlements (
			user_id TEXT NOT NULL,
			id TEXT NOT NULL,
			game TEXT NOT NULL,
			period_start INTEGER NOT NULL,
			round INTEGER NOT NULL,
			bet TEXT NOT NULL,
			win TEXT NOT NULL,
			balance_after TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (user_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS seeds (
			game TEXT NOT NULL,
			period_start INTEGER NOT NULL,
			commitment TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (game, period_start)
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			game TEXT NOT NULL,
			seed_hash TEXT NOT NULL,
			round_start INTEGER NOT NULL,
			round_end INTEGER NOT NULL,
			target_op TEXT NOT NULL,
			target_val REAL NOT NULL,
			target_val2 REAL NOT NULL DEFAULT 0,
			tolerance REAL NOT NULL DEFAULT 0,
			hit_limit INTEGER NOT NULL DEFAULT 1000,
			timed_out INTEGER NOT NULL DEFAULT 0,
			hit_count INTEGER NOT NULL DEFAULT 0,
			total_evaluated INTEGER NOT NULL DEFAULT 0,
			summary_min REAL,
			summary_max REAL,
			summary_sum REAL,
			summary_count INTEGER NOT NULL DEFAULT 0,
			engine_version TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS hits (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			round INTEGER NOT NULL,
			metric REAL NOT NULL,
			details TEXT,
			FOREIGN KEY (run_id) REFERENCES runs(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_hits_run_round ON hits(run_id, round)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_game_created ON runs(game, created_at DESC)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// EnsureAccount creates userID with the starting balance if it does not exist.
func (s *SQLiteDB) EnsureAccount(ctx context.Context, userID string, starting decimal.Decimal) (decimal.Decimal, error) {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (user_id, balance) VALUES (?, ?) ON CONFLICT(user_id) DO NOTHING`,
		userID, starting.String(),
	); err != nil {
		return decimal.Zero, fmt.Errorf("failed to create account: %w", err)
	}
	return s.Balance(ctx, userID)
}

// Balance returns the balance of userID.
func (s *SQLiteDB) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	return sqliteBalance(ctx, s.db, userID)
}

type sqliteQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func sqliteBalance(ctx context.Context, q sqliteQuerier, userID string) (decimal.Decimal, error) {
	var raw string
	err := q.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE user_id = ?`, userID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("account %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return decimal.Zero, err
	}
	return parseAmount(raw)
}

// PlaceBet debits bet.Amount from the account and records the bet.
func (s *SQLiteDB) PlaceBet(ctx context.Context, bet *BetRecord) (decimal.Decimal, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return decimal.Zero, err
	}
	defer tx.Rollback()

	balance, err := sqliteBalance(ctx, tx, bet.UserID)
	if err != nil {
		return decimal.Zero, err
	}
	if bet.Amount.GreaterThan(balance) {
		return balance, ErrInsufficientFunds
	}

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM bets WHERE user_id = ? AND game = ? AND period_start = ? AND round = ?`,
		bet.UserID, bet.Game, bet.PeriodStart, bet.Round,
	).Scan(&exists)
	if err != nil {
		return decimal.Zero, err
	}
	if exists > 0 {
		return balance, ErrDuplicateBet
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO bets (user_id, user_name, game, period_start, round, selection, amount)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		bet.UserID, bet.UserName, bet.Game, bet.PeriodStart, bet.Round, bet.Selection, bet.Amount.String(),
	)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to insert bet: %w", err)
	}
	if bet.ID, err = res.LastInsertId(); err != nil {
		return decimal.Zero, err
	}

	after := balance.Sub(bet.Amount)
	if _, err := tx.ExecContext(ctx,
		`UPDATE accounts SET balance = ?, updated_at = CURRENT_TIMESTAMP WHERE user_id = ?`,
		after.String(), bet.UserID,
	); err != nil {
		return decimal.Zero, err
	}

	return after, tx.Commit()
}

// RoundBets lists the bets of one round, oldest first.
func (s *SQLiteDB) RoundBets(ctx context.Context, game string, periodStart, round int64) ([]BetRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, user_name, game, period_start, round, selection, amount, settled, created_at
		 FROM bets WHERE game = ? AND period_start = ? AND round = ?
		 ORDER BY id`,
		game, periodStart, round,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	bets := []BetRecord{}
	for rows.Next() {
		var b BetRecord
		var amount string
		var settled int
		if err := rows.Scan(&b.ID, &b.UserID, &b.UserName, &b.Game, &b.PeriodStart, &b.Round,
			&b.Selection, &amount, &settled, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan bet: %w", err)
		}
		if b.Amount, err = parseAmount(amount); err != nil {
			return nil, err
		}
		b.Settled = settled == 1
		bets = append(bets, b)
	}
	return bets, rows.Err()
}

// Settle credits s.Win against the open bet of the round, once per id.
func (s *SQLiteDB) Settle(ctx context.Context, rec *SettlementRecord) (*SettleResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var prior string
	err = tx.QueryRowContext(ctx,
		`SELECT balance_after FROM settlements WHERE user_id = ? AND id = ?`, rec.UserID, rec.ID,
	).Scan(&prior)
	switch {
	case err == nil:
		bal, err := parseAmount(prior)
		if err != nil {
			return nil, err
		}
		return &SettleResult{Balance: bal, Duplicate: true}, nil
	case !errors.Is(err, sql.ErrNoRows):
		return nil, err
	}

	var betID int64
	var selection int
	var amount string
	err = tx.QueryRowContext(ctx,
		`SELECT id, selection, amount FROM bets
		 WHERE user_id = ? AND game = ? AND period_start = ? AND round = ? AND settled = 0`,
		rec.UserID, rec.Game, rec.PeriodStart, rec.Round,
	).Scan(&betID, &selection, &amount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUnknownBet
	}
	if err != nil {
		return nil, err
	}
	staked, err := parseAmount(amount)
	if err != nil {
		return nil, err
	}
	if !staked.Equal(rec.Bet) {
		return nil, fmt.Errorf("%w: stake %s, reported %s", ErrUnknownBet, staked, rec.Bet)
	}
	if selection != rec.Selection {
		return nil, fmt.Errorf("%w: selection %d, reported %d", ErrUnknownBet, selection, rec.Selection)
	}

	balance, err := sqliteBalance(ctx, tx, rec.UserID)
	if err != nil {
		return nil, err
	}
	rec.BalanceAfter = balance.Add(rec.Win)

	if _, err := tx.ExecContext(ctx, `UPDATE bets SET settled = 1 WHERE id = ?`, betID); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE accounts SET balance = ?, updated_at = CURRENT_TIMESTAMP WHERE user_id = ?`,
		rec.BalanceAfter.String(), rec.UserID,
	); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO settlements (user_id, id, game, period_start, round, bet, win, balance_after)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.UserID, rec.ID, rec.Game, rec.PeriodStart, rec.Round,
		rec.Bet.String(), rec.Win.String(), rec.BalanceAfter.String(),
	); err != nil {
		return nil, fmt.Errorf("failed to insert settlement: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &SettleResult{Balance: rec.BalanceAfter}, nil
}

// RecordSeed stores a seed commitment; recording the same period twice is a no-op.
func (s *SQLiteDB) RecordSeed(ctx context.Context, seed SeedRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO seeds (game, period_start, commitment) VALUES (?, ?, ?)
		 ON CONFLICT(game, period_start) DO NOTHING`,
		seed.Game, seed.PeriodStart, seed.Commitment,
	)
	return err
}

// SaveRun saves a scan run to the database
func (s *SQLiteDB) SaveRun(ctx context.Context, run *Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}

	timedOutInt := 0
	if run.TimedOut {
		timedOutInt = 1
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO runs (
		id, game, seed_hash, round_start, round_end, target_op, target_val, target_val2,
		tolerance, hit_limit, timed_out, hit_count, total_evaluated,
		summary_min, summary_max, summary_sum, summary_count, engine_version
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Game, run.SeedHash, run.RoundStart, run.RoundEnd, run.TargetOp,
		run.TargetVal, run.TargetVal2, run.Tolerance, run.HitLimit, timedOutInt,
		run.HitCount, run.TotalEvaluated, run.SummaryMin, run.SummaryMax, run.SummarySum,
		run.SummaryCount, run.EngineVersion,
	)
	return err
}

// SaveHits saves multiple hits to the database
func (s *SQLiteDB) SaveHits(ctx context.Context, runID string, hits []Hit) error {
	if len(hits) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO hits (run_id, round, metric, details) VALUES (?, ?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, hit := range hits {
		if _, err := stmt.ExecContext(ctx, runID, hit.Round, hit.Metric, hit.Details); err != nil {
			return err
		}
	}

	return tx.Commit()
}

const runColumns = `id, game, seed_hash, round_start, round_end, target_op, target_val, target_val2,
	tolerance, hit_limit, timed_out, hit_count, total_evaluated,
	summary_min, summary_max, summary_sum, summary_count, engine_version, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRun(row rowScanner) (*Run, error) {
	var run Run
	var timedOutInt int
	var summaryMin, summaryMax, summarySum sql.NullFloat64

	err := row.Scan(
		&run.ID, &run.Game, &run.SeedHash, &run.RoundStart, &run.RoundEnd, &run.TargetOp,
		&run.TargetVal, &run.TargetVal2, &run.Tolerance, &run.HitLimit, &timedOutInt,
		&run.HitCount, &run.TotalEvaluated, &summaryMin, &summaryMax, &summarySum,
		&run.SummaryCount, &run.EngineVersion, &run.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if summaryMin.Valid {
		run.SummaryMin = &summaryMin.Float64
	}
	if summaryMax.Valid {
		run.SummaryMax = &summaryMax.Float64
	}
	if summarySum.Valid {
		run.SummarySum = &summarySum.Float64
	}
	run.TimedOut = timedOutInt == 1
	return &run, nil
}

// GetRun retrieves a run by ID
func (s *SQLiteDB) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanSQLiteRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return run, err
}

// GetRunHits retrieves one page of hits ordered by round, with round deltas.
func (s *SQLiteDB) GetRunHits(ctx context.Context, runID string, page, perPage int) (*HitsPage, error) {
	page, perPage = pageBounds(page, perPage)
	offset := (page - 1) * perPage

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM hits WHERE run_id = ?`, runID).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count hits: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, round, metric, details FROM hits
		 WHERE run_id = ? ORDER BY round LIMIT ? OFFSET ?`,
		runID, perPage, offset,
	)
	if err != nil {
		return nil, err
	}
	var hits []Hit
	for rows.Next() {
		var hit Hit
		var details sql.NullString
		if err := rows.Scan(&hit.ID, &hit.RunID, &hit.Round, &hit.Metric, &details); err != nil {
			rows.Close()
			return nil, err
		}
		hit.Details = details.String
		hits = append(hits, hit)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var prev *int64
	if offset > 0 && len(hits) > 0 {
		var p int64
		err := s.db.QueryRowContext(ctx,
			`SELECT round FROM hits WHERE run_id = ? AND round < ? ORDER BY round DESC LIMIT 1`,
			runID, hits[0].Round,
		).Scan(&p)
		if err == nil {
			prev = &p
		} else if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
	}

	return &HitsPage{
		Hits:       withDeltas(hits, prev),
		TotalCount: total,
		Page:       page,
		PerPage:    perPage,
		TotalPages: totalPages(total, perPage),
	}, nil
}

// ListRuns retrieves runs with pagination and filtering
func (s *SQLiteDB) ListRuns(ctx context.Context, query RunsQuery) (*RunsList, error) {
	var where []string
	var args []any
	if query.Game != "" {
		where = append(where, "game = ?")
		args = append(args, query.Game)
	}
	whereClause := ""
	if len(where) > 0 {
		whereClause = "WHERE " + strings.Join(where, " AND ")
	}

	var totalCount int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs "+whereClause, args...).Scan(&totalCount); err != nil {
		return nil, fmt.Errorf("failed to get total count: %w", err)
	}

	page, perPage := pageBounds(query.Page, query.PerPage)
	offset := (page - 1) * perPage

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs `+whereClause+`
		 ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`,
		append(args, perPage, offset)...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		run, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return &RunsList{
		Runs:       runs,
		TotalCount: totalCount,
		Page:       page,
		PerPage:    perPage,
		TotalPages: totalPages(totalCount, perPage),
	}, nil
}

var _ DB = (*SQLiteDB)(nil)
