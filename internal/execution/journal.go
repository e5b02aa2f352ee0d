package execution

import (
	"database/sql"
	"log"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"kis-exit-engine/internal/model"
)

// Journal persists confirmed fills to SQLite for analysis and audit.
type Journal struct {
	mu sync.Mutex
	db *sql.DB

	// OnWrite observes each commit's latency, for metrics.
	OnWrite func(d time.Duration)
}

// NewJournal opens (or creates) a SQLite trade journal.
func NewJournal(dbPath string) (*Journal, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS trades (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		order_id      TEXT NOT NULL,
		broker_id     TEXT NOT NULL,
		code          TEXT NOT NULL,
		name          TEXT,
		side          TEXT NOT NULL,
		qty           INTEGER NOT NULL,
		price         INTEGER NOT NULL,
		reason        TEXT NOT NULL,
		profit_rate   REAL DEFAULT 0,
		profit_amt    INTEGER DEFAULT 0,
		filled_at     DATETIME NOT NULL,
		created_at    DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_trades_code ON trades(code);
	CREATE INDEX IF NOT EXISTS idx_trades_reason ON trades(reason);
	CREATE INDEX IF NOT EXISTS idx_trades_filled_at ON trades(filled_at);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	log.Printf("[journal] opened trade journal at %s", dbPath)
	return &Journal{db: db}, nil
}

// DB returns the underlying handle for health checks.
func (j *Journal) DB() *sql.DB { return j.db }

// RecordTrade persists one confirmed fill.
func (j *Journal) RecordTrade(t model.Trade) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	start := time.Now()
	_, err := j.db.Exec(
		`INSERT INTO trades (order_id, broker_id, code, name, side, qty, price, reason, profit_rate, profit_amt, filled_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.OrderID,
		t.BrokerID,
		t.Code,
		t.Name,
		string(t.Side),
		t.Qty,
		t.Price,
		string(t.Reason),
		t.ProfitRate,
		t.ProfitAmt,
		t.FilledAt.Format(time.RFC3339),
	)
	if j.OnWrite != nil {
		j.OnWrite(time.Since(start))
	}
	return err
}

// TradeRecord is one row of the trades table.
type TradeRecord struct {
	ID         int64   `json:"id"`
	OrderID    string  `json:"order_id"`
	BrokerID   string  `json:"broker_id"`
	Code       string  `json:"code"`
	Name       string  `json:"name"`
	Side       string  `json:"side"`
	Qty        int64   `json:"qty"`
	Price      int64   `json:"price"`
	Reason     string  `json:"reason"`
	ProfitRate float64 `json:"profit_rate"`
	ProfitAmt  int64   `json:"profit_amt"`
	FilledAt   string  `json:"filled_at"`
}

// RecentTrades returns the last N trades, newest first.
func (j *Journal) RecentTrades(limit int) ([]TradeRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.Query(
		`SELECT id, order_id, broker_id, code, name, side, qty, price, reason, profit_rate, profit_amt, filled_at
		 FROM trades ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []TradeRecord
	for rows.Next() {
		var t TradeRecord
		if err := rows.Scan(&t.ID, &t.OrderID, &t.BrokerID, &t.Code, &t.Name, &t.Side,
			&t.Qty, &t.Price, &t.Reason, &t.ProfitRate, &t.ProfitAmt, &t.FilledAt); err != nil {
			continue
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// SessionProfit sums realized profit over sells filled on or after since.
func (j *Journal) SessionProfit(since time.Time) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var total sql.NullInt64
	err := j.db.QueryRow(
		`SELECT SUM(profit_amt) FROM trades WHERE side = 'SELL' AND filled_at >= ?`,
		since.Format(time.RFC3339),
	).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total.Int64, nil
}

// Close closes the journal database.
func (j *Journal) Close() error {
	return j.db.Close()
}
