package mapstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/relaywire/relaywire/pkg/backend"
)

// SQLitePersistence stores message map tables in SQLite. Each Save replaces
// the service's rows inside one transaction, which gives the atomicity the
// store contract requires.
type SQLitePersistence struct {
	db *sql.DB
}

func NewSQLitePersistence(dsn string) (*SQLitePersistence, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// In-memory SQLite gives every connection its own database. Keep a
	// single connection so the schema survives across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	p := &SQLitePersistence{db: db}
	if err := p.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return p, nil
}

func (p *SQLitePersistence) migrate() error {
	_, err := p.db.Exec(`CREATE TABLE IF NOT EXISTS message_map (
		service_id TEXT NOT NULL,
		src_channel TEXT NOT NULL,
		src_message TEXT NOT NULL,
		destinations TEXT NOT NULL,
		touched INTEGER NOT NULL,
		PRIMARY KEY (service_id, src_channel, src_message)
	)`)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

func (p *SQLitePersistence) Load(ctx context.Context, serviceID string) (map[Key]Entry, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT src_channel, src_message, destinations, touched FROM message_map WHERE service_id = ?`,
		serviceID)
	if err != nil {
		return nil, fmt.Errorf("loading message map for %s: %w", serviceID, err)
	}
	defer rows.Close()

	entries := make(map[Key]Entry)
	for rows.Next() {
		var srcChannel, srcMessage, destsJSON string
		var touched int64
		if err := rows.Scan(&srcChannel, &srcMessage, &destsJSON, &touched); err != nil {
			return nil, fmt.Errorf("scanning message map row: %w", err)
		}
		dests := make(map[backend.ChannelID]backend.MessageID)
		if err := json.Unmarshal([]byte(destsJSON), &dests); err != nil {
			return nil, fmt.Errorf("decoding destinations for %s: %w", serviceID, err)
		}
		key := Key{Channel: backend.ChannelID(srcChannel), Message: backend.MessageID(srcMessage)}
		entries[key] = Entry{Destinations: dests, Touched: time.Unix(touched, 0)}
	}
	return entries, rows.Err()
}

func (p *SQLitePersistence) Save(ctx context.Context, serviceID string, entries map[Key]Entry) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("saving message map for %s: %w", serviceID, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM message_map WHERE service_id = ?`, serviceID); err != nil {
		return fmt.Errorf("clearing message map for %s: %w", serviceID, err)
	}
	for key, entry := range entries {
		destsJSON, err := json.Marshal(entry.Destinations)
		if err != nil {
			return fmt.Errorf("encoding destinations for %s: %w", serviceID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO message_map (service_id, src_channel, src_message, destinations, touched) VALUES (?, ?, ?, ?, ?)`,
			serviceID, string(key.Channel), string(key.Message), string(destsJSON), entry.Touched.Unix()); err != nil {
			return fmt.Errorf("inserting message map row for %s: %w", serviceID, err)
		}
	}
	return tx.Commit()
}

func (p *SQLitePersistence) Delete(ctx context.Context, serviceID string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM message_map WHERE service_id = ?`, serviceID); err != nil {
		return fmt.Errorf("deleting message map for %s: %w", serviceID, err)
	}
	return nil
}

func (p *SQLitePersistence) Close() error {
	return p.db.Close()
}
