// Package sqlite keeps the engine's durable audit trail: closed positions
// with their full exit history, and every order-state transition. It is the
// record consulted after the session, not a hot path.
package sqlite

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"kis-exit-engine/internal/model"
)

// ArchiveConfig configures the archive database.
type ArchiveConfig struct {
	DBPath string // e.g. "data/archive.db"
}

// Archive persists closed positions and order audit rows.
// Implements model.Archiver.
type Archive struct {
	db *sql.DB
}

// DB returns the underlying sql.DB for health checks.
func (a *Archive) DB() *sql.DB { return a.db }

// New opens the archive database in WAL mode and ensures the schema.
func New(cfg ArchiveConfig) (*Archive, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite] opened archive at %s", cfg.DBPath)
	return &Archive{db: db}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS positions_archive (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			code        TEXT    NOT NULL,
			name        TEXT,
			shares      INTEGER NOT NULL,
			buy_price   INTEGER NOT NULL,
			sell_price  INTEGER NOT NULL,
			peak_price  INTEGER NOT NULL,
			level       TEXT    NOT NULL,
			reason      TEXT    NOT NULL,
			profit_rate REAL    NOT NULL,
			profit_amt  INTEGER NOT NULL,
			entered_at  INTEGER NOT NULL,
			closed_at   INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_archive_code ON positions_archive (code);
		CREATE INDEX IF NOT EXISTS idx_archive_closed ON positions_archive (closed_at);

		CREATE TABLE IF NOT EXISTS order_audit (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			order_id   TEXT    NOT NULL,
			broker_id  TEXT,
			code       TEXT    NOT NULL,
			side       TEXT    NOT NULL,
			qty        INTEGER NOT NULL,
			price      INTEGER NOT NULL,
			reason     TEXT    NOT NULL,
			status     TEXT    NOT NULL,
			filled_qty INTEGER NOT NULL,
			fill_price INTEGER NOT NULL,
			retries    INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_audit_order ON order_audit (order_id);
	`)
	return err
}

// ArchivePosition writes the final record of a closed position along with the
// trade that closed it.
func (a *Archive) ArchivePosition(p model.Position, t model.Trade) error {
	_, err := a.db.Exec(`
		INSERT INTO positions_archive
			(code, name, shares, buy_price, sell_price, peak_price, level,
			 reason, profit_rate, profit_amt, entered_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Code, p.Name, p.Shares, p.BuyPrice, t.Price, p.PeakPrice,
		p.Level.String(), string(t.Reason), t.ProfitRate, t.ProfitAmt,
		p.EntryTime.Unix(), t.FilledAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("archive position %s: %w", p.Code, err)
	}
	return nil
}

// RecordOrder appends one order-state transition to the audit log. The same
// order id appears once per status change.
func (a *Archive) RecordOrder(o model.OrderRequest) error {
	_, err := a.db.Exec(`
		INSERT INTO order_audit
			(order_id, broker_id, code, side, qty, price, reason, status,
			 filled_qty, fill_price, retries, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.BrokerID, o.Code, string(o.Side), o.Qty, o.Price,
		string(o.Reason), string(o.Status), o.FilledQty, o.FillPrice,
		o.Retries, o.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("audit order %s: %w", o.ID, err)
	}
	return nil
}

// ClosedRecord is one archived position row.
type ClosedRecord struct {
	Code       string
	Name       string
	Shares     int64
	BuyPrice   int64
	SellPrice  int64
	PeakPrice  int64
	Level      string
	Reason     string
	ProfitRate float64
	ProfitAmt  int64
	EnteredAt  time.Time
	ClosedAt   time.Time
}

// ClosedPositions returns archived positions closed at or after since,
// newest first.
func (a *Archive) ClosedPositions(since time.Time, limit int) ([]ClosedRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := a.db.Query(`
		SELECT code, name, shares, buy_price, sell_price, peak_price, level,
		       reason, profit_rate, profit_amt, entered_at, closed_at
		FROM positions_archive
		WHERE closed_at >= ?
		ORDER BY closed_at DESC
		LIMIT ?`,
		since.Unix(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query archive: %w", err)
	}
	defer rows.Close()

	var out []ClosedRecord
	for rows.Next() {
		var rec ClosedRecord
		var entered, closed int64
		if err := rows.Scan(&rec.Code, &rec.Name, &rec.Shares, &rec.BuyPrice,
			&rec.SellPrice, &rec.PeakPrice, &rec.Level, &rec.Reason,
			&rec.ProfitRate, &rec.ProfitAmt, &entered, &closed); err != nil {
			return nil, fmt.Errorf("scan archive row: %w", err)
		}
		rec.EnteredAt = time.Unix(entered, 0)
		rec.ClosedAt = time.Unix(closed, 0)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// OrderHistory returns the audit trail for one order id, oldest first.
func (a *Archive) OrderHistory(orderID string) ([]model.OrderRequest, error) {
	rows, err := a.db.Query(`
		SELECT order_id, broker_id, code, side, qty, price, reason, status,
		       filled_qty, fill_price, retries, updated_at
		FROM order_audit
		WHERE order_id = ?
		ORDER BY id ASC`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var out []model.OrderRequest
	for rows.Next() {
		var o model.OrderRequest
		var side, reason, status string
		var updated int64
		if err := rows.Scan(&o.ID, &o.BrokerID, &o.Code, &side, &o.Qty,
			&o.Price, &reason, &status, &o.FilledQty, &o.FillPrice,
			&o.Retries, &updated); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		o.Side = model.Side(side)
		o.Reason = model.ExitReason(reason)
		o.Status = model.OrderStatus(status)
		o.UpdatedAt = time.Unix(updated, 0)
		out = append(out, o)
	}
	return out, rows.Err()
}

// Close closes the database.
func (a *Archive) Close() error {
	return a.db.Close()
}
