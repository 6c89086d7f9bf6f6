package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"futures-grid-trader/internal/model"
)

// SQLite 是 Store 的 sqlite 实现 (纯 Go 驱动，无 CGO)
type SQLite struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS dca_state (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	symbol TEXT NOT NULL,
	entries INTEGER DEFAULT 0,
	total_qty REAL DEFAULT 0,
	total_cost REAL DEFAULT 0,
	avg_entry_price REAL DEFAULT 0,
	last_entry_price REAL DEFAULT 0,
	active INTEGER DEFAULT 1,
	started_at TEXT NOT NULL,
	updated_at TEXT
);
CREATE TABLE IF NOT EXISTS risk_state (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	start_balance REAL NOT NULL,
	last_reset TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS trades (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	order_id TEXT UNIQUE NOT NULL,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	price REAL NOT NULL,
	quantity REAL NOT NULL,
	filled REAL DEFAULT 0,
	fee REAL DEFAULT 0,
	status TEXT DEFAULT 'PENDING',
	signal_type TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	updated_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_trades_symbol_status ON trades(symbol, status);
CREATE INDEX IF NOT EXISTS idx_dca_symbol_active ON dca_state(symbol, active);
`

// OpenSQLite 打开 (必要时创建) 数据库并建表
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// 单写者模型，限制连接数避免 SQLITE_BUSY
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// ActiveDCA 取最近一条活跃仓位 ("most recent active" 保证逻辑唯一)
func (s *SQLite) ActiveDCA(symbol string) (*model.DCAPosition, error) {
	row := s.db.QueryRow(`
		SELECT id, symbol, entries, total_qty, total_cost, avg_entry_price, last_entry_price, active, started_at, updated_at
		FROM dca_state WHERE symbol = ? AND active = 1 ORDER BY id DESC LIMIT 1`, symbol)

	var (
		pos                  model.DCAPosition
		active               int
		startedAt, updatedAt string
	)
	err := row.Scan(&pos.ID, &pos.Symbol, &pos.Entries, &pos.TotalQty, &pos.TotalCost,
		&pos.AvgEntryPrice, &pos.LastEntryPrice, &active, &startedAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	pos.Active = active == 1
	pos.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	pos.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &pos, nil
}

func (s *SQLite) CreateDCA(pos *model.DCAPosition) error {
	res, err := s.db.Exec(`
		INSERT INTO dca_state (symbol, entries, total_qty, total_cost, avg_entry_price, last_entry_price, active, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		pos.Symbol, pos.Entries, pos.TotalQty, pos.TotalCost, pos.AvgEntryPrice, pos.LastEntryPrice,
		pos.StartedAt.Format(time.RFC3339Nano), pos.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return err
	}
	pos.ID, _ = res.LastInsertId()
	return nil
}

func (s *SQLite) UpdateDCA(pos *model.DCAPosition) error {
	_, err := s.db.Exec(`
		UPDATE dca_state SET entries = ?, total_qty = ?, total_cost = ?, avg_entry_price = ?,
			last_entry_price = ?, updated_at = ? WHERE id = ?`,
		pos.Entries, pos.TotalQty, pos.TotalCost, pos.AvgEntryPrice, pos.LastEntryPrice,
		pos.UpdatedAt.Format(time.RFC3339Nano), pos.ID)
	return err
}

func (s *SQLite) CloseDCA(id int64, at time.Time) error {
	_, err := s.db.Exec(`UPDATE dca_state SET active = 0, updated_at = ? WHERE id = ?`,
		at.Format(time.RFC3339Nano), id)
	return err
}

func (s *SQLite) DailyState() (*model.DailyRiskState, error) {
	row := s.db.QueryRow(`SELECT start_balance, last_reset FROM risk_state WHERE id = 1`)
	var (
		state     model.DailyRiskState
		lastReset string
	)
	err := row.Scan(&state.StartBalance, &lastReset)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	state.LastReset, _ = time.Parse(time.RFC3339Nano, lastReset)
	return &state, nil
}

func (s *SQLite) ResetDaily(state model.DailyRiskState) error {
	_, err := s.db.Exec(`
		INSERT INTO risk_state (id, start_balance, last_reset) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET start_balance = excluded.start_balance, last_reset = excluded.last_reset`,
		state.StartBalance, state.LastReset.Format(time.RFC3339Nano))
	return err
}

func (s *SQLite) RecordTrades(trades []model.TradeLog) error {
	if len(trades) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, t := range trades {
		if _, err := tx.Exec(`
			INSERT INTO trades (order_id, symbol, side, price, quantity, filled, fee, status, signal_type, timestamp, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(order_id) DO UPDATE SET
				filled = excluded.filled, fee = excluded.fee,
				status = excluded.status, updated_at = excluded.updated_at`,
			t.OrderID, t.Symbol, string(t.Side), t.Price, t.Quantity, t.Filled, t.Fee,
			string(t.Status), string(t.Type), t.Timestamp.Format(time.RFC3339Nano), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLite) MarkOpenCancelled(symbol string) error {
	_, err := s.db.Exec(`
		UPDATE trades SET status = 'CANCELLED', updated_at = ?
		WHERE symbol = ? AND status IN ('PENDING', 'OPEN')`,
		time.Now().UTC().Format(time.RFC3339Nano), symbol)
	return err
}

func (s *SQLite) OpenOrderCount() (int, error) {
	row := s.db.QueryRow(`SELECT COUNT(*) FROM trades WHERE status IN ('PENDING', 'OPEN')`)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *SQLite) BuyExposure(symbol string) (float64, error) {
	row := s.db.QueryRow(`
		SELECT COALESCE(SUM(price * quantity), 0) FROM trades
		WHERE symbol = ? AND side = 'BUY' AND status IN ('PENDING', 'OPEN', 'PARTIALLY_FILLED')`, symbol)
	var v float64
	if err := row.Scan(&v); err != nil {
		return 0, err
	}
	return v, nil
}
