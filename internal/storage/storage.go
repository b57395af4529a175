// Package storage provides SQLite-backed persistence for the key-value store, ticks, contracts, and sessions.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rewired-gh/digitbot/internal/models"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a key or record does not exist.
var ErrNotFound = errors.New("not found")

// Storage wraps a SQLite database for all persistence operations.
type Storage struct {
	db                *sql.DB
	maxTicksPerSymbol int
}

// New opens or creates the SQLite database at dbPath.
// An empty dbPath defaults to $TMPDIR/digitbot/data.db.
func New(maxTicksPerSymbol int, dbPath string) (*Storage, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "digitbot", "data.db")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	s := &Storage{db: db, maxTicksPerSymbol: maxTicksPerSymbol}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS kv (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ticks (
			symbol   TEXT NOT NULL,
			epoch    INTEGER NOT NULL,
			quote    REAL NOT NULL,
			pip_size INTEGER NOT NULL,
			digit    INTEGER NOT NULL,
			PRIMARY KEY (symbol, epoch)
		)`,
		`CREATE TABLE IF NOT EXISTS contracts (
			contract_id   INTEGER PRIMARY KEY,
			session_id    TEXT,
			login_id      TEXT,
			symbol        TEXT NOT NULL,
			contract_type TEXT NOT NULL,
			barrier       TEXT,
			buy_price     TEXT NOT NULL,
			payout        TEXT NOT NULL,
			entry_spot    REAL NOT NULL DEFAULT 0,
			exit_spot     REAL NOT NULL DEFAULT 0,
			profit        TEXT NOT NULL,
			status        TEXT NOT NULL,
			purchased_at  INTEGER NOT NULL,
			settled_at    INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id            TEXT PRIMARY KEY,
			login_id      TEXT,
			strategy_id   TEXT NOT NULL,
			symbol        TEXT,
			state         TEXT NOT NULL,
			level         INTEGER NOT NULL,
			stake         TEXT NOT NULL,
			initial_stake TEXT NOT NULL,
			profit        TEXT NOT NULL,
			wins          INTEGER NOT NULL,
			losses        INTEGER NOT NULL,
			win_streak    INTEGER NOT NULL,
			loss_streak   INTEGER NOT NULL,
			started_at    INTEGER NOT NULL,
			ended_at      INTEGER NOT NULL DEFAULT 0,
			stop_reason   TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_contracts_purchased_at ON contracts(purchased_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_started_at ON sessions(started_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// AddTicks upserts ticks for a symbol and enforces the per-symbol cap.
func (s *Storage) AddTicks(symbol string, ticks []models.Tick) error {
	if len(ticks) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO ticks (symbol, epoch, quote, pip_size, digit)
		VALUES (?,?,?,?,?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare tick insert: %w", err)
	}
	defer stmt.Close()

	for i := range ticks {
		t := &ticks[i]
		if t.Symbol != symbol {
			return fmt.Errorf("tick symbol %q does not match %q", t.Symbol, symbol)
		}
		if err := t.Validate(); err != nil {
			return fmt.Errorf("invalid tick: %w", err)
		}
		if _, err := stmt.Exec(symbol, t.Epoch, t.Quote, t.PipSize, t.Digit); err != nil {
			return fmt.Errorf("failed to insert tick: %w", err)
		}
	}

	if s.maxTicksPerSymbol > 0 {
		if err := rotateTicks(tx, symbol, s.maxTicksPerSymbol); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// RecentTicks returns up to n of the newest ticks for symbol, oldest first.
func (s *Storage) RecentTicks(symbol string, n int) ([]models.Tick, error) {
	rows, err := s.db.Query(`
		SELECT symbol, epoch, quote, pip_size, digit FROM (
			SELECT symbol, epoch, quote, pip_size, digit FROM ticks
			WHERE symbol = ? ORDER BY epoch DESC LIMIT ?
		) ORDER BY epoch ASC`, symbol, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query ticks: %w", err)
	}
	defer rows.Close()

	ticks := []models.Tick{}
	for rows.Next() {
		var t models.Tick
		if err := rows.Scan(&t.Symbol, &t.Epoch, &t.Quote, &t.PipSize, &t.Digit); err != nil {
			return nil, fmt.Errorf("failed to scan tick: %w", err)
		}
		ticks = append(ticks, t)
	}
	return ticks, rows.Err()
}

// Symbols returns every symbol with stored ticks.
func (s *Storage) Symbols() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT symbol FROM ticks ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("failed to query symbols: %w", err)
	}
	defer rows.Close()
	var symbols []string
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, fmt.Errorf("failed to scan symbol: %w", err)
		}
		symbols = append(symbols, sym)
	}
	return symbols, rows.Err()
}

// RotateTicks keeps at most maxTicksPerSymbol newest ticks for every symbol.
func (s *Storage) RotateTicks() error {
	if s.maxTicksPerSymbol <= 0 {
		return nil
	}
	symbols, err := s.Symbols()
	if err != nil {
		return err
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck
	for _, sym := range symbols {
		if err := rotateTicks(tx, sym, s.maxTicksPerSymbol); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func rotateTicks(tx *sql.Tx, symbol string, keep int) error {
	_, err := tx.Exec(`
		DELETE FROM ticks WHERE symbol = ? AND epoch NOT IN (
			SELECT epoch FROM ticks WHERE symbol = ? ORDER BY epoch DESC LIMIT ?
		)`, symbol, symbol, keep)
	if err != nil {
		return fmt.Errorf("failed to rotate ticks: %w", err)
	}
	return nil
}

// SaveContract inserts or replaces a contract record.
func (s *Storage) SaveContract(c *models.Contract) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid contract: %w", err)
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO contracts
			(contract_id, session_id, login_id, symbol, contract_type, barrier,
			 buy_price, payout, entry_spot, exit_spot, profit, status, purchased_at, settled_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ContractID, c.SessionID, c.LoginID, c.Symbol, c.ContractType, c.Barrier,
		c.BuyPrice.String(), c.Payout.String(), c.EntrySpot, c.ExitSpot, c.Profit.String(),
		string(c.Status), c.PurchasedAt.UnixNano(), unixNanoOrZero(c.SettledAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save contract: %w", err)
	}
	return nil
}

// GetContract returns the contract with the given ID.
func (s *Storage) GetContract(id int64) (*models.Contract, error) {
	row := s.db.QueryRow(`SELECT `+contractCols+` FROM contracts WHERE contract_id = ?`, id)
	c, err := scanContract(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("contract %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get contract: %w", err)
	}
	return c, nil
}

// RecentContracts returns up to n contracts, newest first.
func (s *Storage) RecentContracts(n int) ([]*models.Contract, error) {
	return s.queryContracts(`SELECT `+contractCols+` FROM contracts ORDER BY purchased_at DESC LIMIT ?`, n)
}

// ContractSummary aggregates the contracts purchased since the given time.
type ContractSummary struct {
	Count  int             `json:"count"`
	Open   int             `json:"open"`
	Wins   int             `json:"wins"`
	Losses int             `json:"losses"`
	Profit decimal.Decimal `json:"profit"`
}

// SummarizeContracts aggregates every contract purchased at or after since.
func (s *Storage) SummarizeContracts(since time.Time) (*ContractSummary, error) {
	contracts, err := s.queryContracts(`SELECT `+contractCols+` FROM contracts WHERE purchased_at >= ?`, since.UnixNano())
	if err != nil {
		return nil, err
	}
	sum := &ContractSummary{Profit: decimal.Zero}
	for _, c := range contracts {
		sum.Count++
		switch {
		case !c.IsSettled():
			sum.Open++
			continue
		case c.Profit.IsPositive():
			sum.Wins++
		default:
			sum.Losses++
		}
		sum.Profit = sum.Profit.Add(c.Profit)
	}
	return sum, nil
}

func (s *Storage) queryContracts(query string, args ...any) ([]*models.Contract, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query contracts: %w", err)
	}
	defer rows.Close()
	contracts := []*models.Contract{}
	for rows.Next() {
		c, err := scanContract(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan contract: %w", err)
		}
		contracts = append(contracts, c)
	}
	return contracts, rows.Err()
}

// SaveSession inserts or replaces a bot session record.
func (s *Storage) SaveSession(sess *models.Session) error {
	if err := sess.Validate(); err != nil {
		return fmt.Errorf("invalid session: %w", err)
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO sessions
			(id, login_id, strategy_id, symbol, state, level, stake, initial_stake, profit,
			 wins, losses, win_streak, loss_streak, started_at, ended_at, stop_reason)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		sess.ID, sess.LoginID, sess.StrategyID, sess.Symbol, string(sess.State), sess.Level,
		sess.Stake.String(), sess.InitialStake.String(), sess.Profit.String(),
		sess.Wins, sess.Losses, sess.WinStreak, sess.LossStreak,
		sess.StartedAt.UnixNano(), unixNanoOrZero(sess.EndedAt), sess.StopReason,
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// GetSession returns the session with the given ID.
func (s *Storage) GetSession(id string) (*models.Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionCols+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, nil
}

// LatestSession returns the most recently started session.
func (s *Storage) LatestSession() (*models.Session, error) {
	row := s.db.QueryRow(`SELECT ` + sessionCols + ` FROM sessions ORDER BY started_at DESC LIMIT 1`)
	sess, err := scanSession(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("latest session: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest session: %w", err)
	}
	return sess, nil
}

const contractCols = `contract_id, session_id, login_id, symbol, contract_type, barrier,
	buy_price, payout, entry_spot, exit_spot, profit, status, purchased_at, settled_at`

func scanContract(scan func(...any) error) (*models.Contract, error) {
	var c models.Contract
	var sessionID, loginID, barrier sql.NullString
	var status string
	var purchasedNano, settledNano int64
	err := scan(
		&c.ContractID, &sessionID, &loginID, &c.Symbol, &c.ContractType, &barrier,
		&c.BuyPrice, &c.Payout, &c.EntrySpot, &c.ExitSpot, &c.Profit, &status,
		&purchasedNano, &settledNano,
	)
	if err != nil {
		return nil, err
	}
	c.SessionID = sessionID.String
	c.LoginID = loginID.String
	c.Barrier = barrier.String
	c.Status = models.ContractStatus(status)
	c.PurchasedAt = time.Unix(0, purchasedNano)
	c.SettledAt = timeOrZero(settledNano)
	return &c, nil
}

const sessionCols = `id, login_id, strategy_id, symbol, state, level, stake, initial_stake, profit,
	wins, losses, win_streak, loss_streak, started_at, ended_at, stop_reason`

func scanSession(scan func(...any) error) (*models.Session, error) {
	var sess models.Session
	var loginID, symbol, stopReason sql.NullString
	var state string
	var startedNano, endedNano int64
	err := scan(
		&sess.ID, &loginID, &sess.StrategyID, &symbol, &state, &sess.Level,
		&sess.Stake, &sess.InitialStake, &sess.Profit,
		&sess.Wins, &sess.Losses, &sess.WinStreak, &sess.LossStreak,
		&startedNano, &endedNano, &stopReason,
	)
	if err != nil {
		return nil, err
	}
	sess.LoginID = loginID.String
	sess.Symbol = symbol.String
	sess.StopReason = stopReason.String
	sess.State = models.BotState(state)
	sess.StartedAt = time.Unix(0, startedNano)
	sess.EndedAt = timeOrZero(endedNano)
	return &sess, nil
}

// Get returns the value stored under key, or ErrNotFound.
func (s *Storage) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("key %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return value, nil
}

// Set stores value under key.
func (s *Storage) Set(ctx context.Context, key, value string) error {
	return s.SetMany(ctx, map[string]string{key: value})
}

// SetMany stores every entry in one transaction; either all keys are written or none.
func (s *Storage) SetMany(ctx context.Context, entries map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UnixNano()
	for key, value := range entries {
		if key == "" {
			return errors.New("kv key must not be empty")
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO kv (key, value, updated_at) VALUES (?,?,?)`,
			key, value, now); err != nil {
			return fmt.Errorf("failed to set key %s: %w", key, err)
		}
	}
	return tx.Commit()
}

// Delete removes keys; missing keys are ignored.
func (s *Storage) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck
	for _, key := range keys {
		if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
			return fmt.Errorf("failed to delete key %s: %w", key, err)
		}
	}
	return tx.Commit()
}

// Keys returns every key starting with prefix, sorted.
func (s *Storage) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM kv WHERE substr(key, 1, ?) = ? ORDER BY key`, len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to query keys: %w", err)
	}
	defer rows.Close()
	keys := []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, rows.Err()
}

func unixNanoOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func timeOrZero(nano int64) time.Time {
	if nano == 0 {
		return time.Time{}
	}
	return time.Unix(0, nano)
}
