// Package store persists the peer registry in a local SQLite database.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/netip"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/1ureka/roomchat/internal/protocol"
)

// PeerDB is the on-disk peer list.
type PeerDB struct {
	db *sql.DB
}

// Open opens or creates the database at path.
func Open(path string) (*PeerDB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	p := &PeerDB{db: db}
	if err := p.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

func (p *PeerDB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS peers (
		room INTEGER NOT NULL,
		address TEXT NOT NULL,
		port INTEGER NOT NULL,
		saved_at INTEGER NOT NULL,
		PRIMARY KEY (room, address, port)
	);
	`
	if _, err := p.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// LoadPeers returns every stored peer record.
func (p *PeerDB) LoadPeers(ctx context.Context) ([]protocol.Record, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT room, address, port FROM peers ORDER BY room, address, port`)
	if err != nil {
		return nil, fmt.Errorf("failed to query peers: %w", err)
	}
	defer rows.Close()

	var records []protocol.Record
	for rows.Next() {
		var (
			room int
			addr string
			port int
		)
		if err := rows.Scan(&room, &addr, &port); err != nil {
			return nil, fmt.Errorf("failed to scan peer: %w", err)
		}

		ip, err := netip.ParseAddr(addr)
		if err != nil || port < 0 || port > 0xFFFF || room < -128 || room > 127 {
			// Skip rows edited into an invalid state.
			continue
		}
		records = append(records, protocol.Record{
			Room: int8(room),
			Addr: netip.AddrPortFrom(ip, uint16(port)),
		})
	}
	return records, rows.Err()
}

// SavePeers replaces the stored list with records.
func (p *PeerDB) SavePeers(ctx context.Context, records []protocol.Record) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM peers`); err != nil {
		return fmt.Errorf("failed to clear peers: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO peers (room, address, port, saved_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (room, address, port) DO UPDATE SET saved_at = excluded.saved_at
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, int(r.Room), r.Addr.Addr().String(), int(r.Addr.Port()), now); err != nil {
			return fmt.Errorf("failed to save %s: %w", r.Addr, err)
		}
	}
	return tx.Commit()
}

// Close closes the database.
func (p *PeerDB) Close() error {
	return p.db.Close()
}
