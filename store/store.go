// Package store persists the catalog of discovered tags in SQLite or
// PostgreSQL so the gateway can serve tag lists for servers that are
// currently offline.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"opclink/logging"
	"opclink/uaclient"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

// CatalogEntry is a discovered tag with its discovery time.
type CatalogEntry struct {
	uaclient.Tag
	DiscoveredAt time.Time `json:"discovered_at"`
}

// Store is the tag catalog.
type Store struct {
	db      *sql.DB
	dialect dialect
}

// Open opens or creates the catalog at location: a SQLite file path or a
// postgres:// connection URL.
func Open(location string) (*Store, error) {
	d := dialectFor(location)
	if d.driver == sqliteDialect.driver {
		if err := os.MkdirAll(filepath.Dir(location), 0755); err != nil {
			return nil, fmt.Errorf("store: create directory: %w", err)
		}
	}

	db, err := openDB(d.driver, location)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	for _, stmt := range d.init {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: init %q: %w", stmt, err)
		}
	}

	s := &Store{db: db, dialect: d}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migration: %w", err)
	}
	logging.DebugLog("store", "opened %s catalog", d.driver)
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	for _, stmt := range s.dialect.schema() {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// ReplaceTags atomically replaces the catalog of server with tags. Duplicate
// entries are kept; a node reachable by two paths is listed twice.
func (s *Store) ReplaceTags(ctx context.Context, server string, tags []uaclient.Tag) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.dialect.rebind(`DELETE FROM tags WHERE server = ?`), server); err != nil {
		return fmt.Errorf("store: clear %s: %w", server, err)
	}

	stmt, err := tx.PrepareContext(ctx, s.dialect.rebind(`INSERT INTO tags (server, node_id, name, discovered_at) VALUES (?, ?, ?, ?)`))
	if err != nil {
		return fmt.Errorf("store: prepare: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, t := range tags {
		if _, err := stmt.ExecContext(ctx, server, t.NodeID, t.Name, now); err != nil {
			return fmt.Errorf("store: insert %s: %w", t.NodeID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	logging.DebugLog("store", "catalog %s: %d tags", server, len(tags))
	return nil
}

// Tags returns the catalog of server in discovery order.
func (s *Store) Tags(ctx context.Context, server string) ([]CatalogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		s.dialect.rebind(`SELECT node_id, name, discovered_at FROM tags WHERE server = ? ORDER BY id`), server)
	if err != nil {
		return nil, fmt.Errorf("store: query %s: %w", server, err)
	}
	defer rows.Close()

	entries := []CatalogEntry{}
	for rows.Next() {
		var e CatalogEntry
		var ts string
		if err := rows.Scan(&e.NodeID, &e.Name, &ts); err != nil {
			return nil, fmt.Errorf("store: scan: %w", err)
		}
		e.DiscoveredAt, _ = time.Parse(time.RFC3339Nano, ts)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Servers returns the names of servers with a stored catalog.
func (s *Store) Servers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT server FROM tags ORDER BY server`)
	if err != nil {
		return nil, fmt.Errorf("store: query servers: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// DeleteServer removes the catalog of server.
func (s *Store) DeleteServer(ctx context.Context, server string) error {
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(`DELETE FROM tags WHERE server = ?`), server)
	return err
}
