// Package tradelog persists closed trades and venue income events to a
// local SQLite database.
package tradelog

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// DB wraps the on-disk trade/income log.
type DB struct {
	db *sql.DB
}

// Open connects to (and migrates) the SQLite file at path.
func Open(path string) (*DB, error) {
	connStr := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("open tradelog db: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping tradelog db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	t := &DB{db: db}
	if err := t.migrate(); err != nil {
		return nil, err
	}
	log.Info().Str("path", path).Msg("trade log initialized")
	return t, nil
}

func (t *DB) Close() error { return t.db.Close() }

func (t *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS closed_trades (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			entry_price REAL NOT NULL,
			exit_price REAL NOT NULL,
			entry_time INTEGER NOT NULL,
			exit_time INTEGER NOT NULL,
			quantity REAL NOT NULL,
			margin_usd REAL NOT NULL,
			leverage REAL NOT NULL,
			exit_reason TEXT NOT NULL,
			gross_pnl_usd REAL NOT NULL,
			fees_usd REAL NOT NULL,
			pnl_usd REAL NOT NULL,
			roi_pct REAL NOT NULL,
			is_win BOOLEAN NOT NULL,
			source TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_closed_trades_symbol_time
		 ON closed_trades(symbol, exit_time DESC)`,

		`CREATE TABLE IF NOT EXISTS income_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			tran_id INTEGER NOT NULL,
			income_type TEXT NOT NULL,
			income REAL NOT NULL,
			ts INTEGER NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(symbol, tran_id, income_type, ts, income)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_income_events_symbol_time
		 ON income_events(symbol, ts DESC)`,
	}
	for _, m := range migrations {
		if _, err := t.db.Exec(m); err != nil {
			return fmt.Errorf("tradelog migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// ClosedTradeRow is the persisted shape of a closed trade, independent of
// whether it came from the simulator or the live adapter.
type ClosedTradeRow struct {
	Symbol      string
	Side        string
	EntryPrice  float64
	ExitPrice   float64
	EntryTime   int64
	ExitTime    int64
	Quantity    float64
	MarginUsd   float64
	Leverage    float64
	ExitReason  string
	GrossPnlUsd float64
	FeesUsd     float64
	PnlUsd      float64
	RoiPct      float64
	IsWin       bool
	Source      string // "sim" or "live"
}

// InsertClosedTrade appends one closed trade row.
func (t *DB) InsertClosedTrade(row ClosedTradeRow) error {
	_, err := t.db.Exec(`
		INSERT INTO closed_trades
			(symbol, side, entry_price, exit_price, entry_time, exit_time, quantity,
			 margin_usd, leverage, exit_reason, gross_pnl_usd, fees_usd, pnl_usd, roi_pct, is_win, source)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.Symbol, row.Side, row.EntryPrice, row.ExitPrice, row.EntryTime, row.ExitTime,
		row.Quantity, row.MarginUsd, row.Leverage, row.ExitReason, row.GrossPnlUsd,
		row.FeesUsd, row.PnlUsd, row.RoiPct, row.IsWin, row.Source)
	return err
}

// InsertIncomeEvent records an income event, silently ignoring duplicates via
// the table's composite unique constraint. Its signature matches
// liveadapter.IncomeSink so *DB can be passed straight into NewAdapter.
func (t *DB) InsertIncomeEvent(symbol string, tranID int64, incomeType string, income float64, ts int64) error {
	_, err := t.db.Exec(`
		INSERT OR IGNORE INTO income_events (symbol, tran_id, income_type, income, ts)
		VALUES (?, ?, ?, ?, ?)`,
		symbol, tranID, incomeType, income, ts)
	return err
}

// RecentClosedTrades returns the most recent n closed trades for a symbol.
func (t *DB) RecentClosedTrades(symbol string, n int) ([]ClosedTradeRow, error) {
	rows, err := t.db.Query(`
		SELECT symbol, side, entry_price, exit_price, entry_time, exit_time, quantity,
		       margin_usd, leverage, exit_reason, gross_pnl_usd, fees_usd, pnl_usd, roi_pct, is_win, source
		FROM closed_trades WHERE symbol = ? ORDER BY exit_time DESC LIMIT ?`, symbol, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ClosedTradeRow
	for rows.Next() {
		var r ClosedTradeRow
		if err := rows.Scan(&r.Symbol, &r.Side, &r.EntryPrice, &r.ExitPrice, &r.EntryTime, &r.ExitTime,
			&r.Quantity, &r.MarginUsd, &r.Leverage, &r.ExitReason, &r.GrossPnlUsd, &r.FeesUsd,
			&r.PnlUsd, &r.RoiPct, &r.IsWin, &r.Source); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
