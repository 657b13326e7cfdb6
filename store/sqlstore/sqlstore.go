// Package sqlstore is the example KeyStore adapter: a single-table
// SQLite-backed implementation of keystore.KeyStore, grounded on the
// teacher's whatsapp.go construction shape (`sqlstore.New("sqlite",
// dsn)`). This module's required dependency is only the generic
// modernc.org/sqlite driver; value encoding uses stdlib encoding/json
// since none of the retrieved pack's dependency surfaces include a
// generic serialization library (msgpack, cbor, protobuf-for-arbitrary-
// values) that would fit better than json for a namespace/key/value blob
// table.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"go.stud.dev/wacore/walog"
)

type txKey struct{}

// Store is a SQLite-backed keystore.KeyStore.
type Store struct {
	db  *sql.DB
	log walog.Logger
}

// New opens (and migrates) a SQLite database at dsn using driverName
// (normally "sqlite", matching modernc.org/sqlite's registration name).
func New(ctx context.Context, driverName, dsn string, log walog.Logger) (*Store, error) {
	if log == nil {
		log = walog.Noop()
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("sqlstore: ping: %w", err)
	}
	s := &Store{db: db, log: log}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS wacore_kv (
			namespace TEXT NOT NULL,
			key       TEXT NOT NULL,
			value     BLOB NOT NULL,
			PRIMARY KEY (namespace, key)
		)
	`)
	if err != nil {
		return fmt.Errorf("sqlstore: migrate: %w", err)
	}
	return nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) querier(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

// Get looks up one record. The second return value is false if no record
// exists for (namespace, key).
func (s *Store) Get(ctx context.Context, namespace, key string) (any, bool, error) {
	row := s.querier(ctx).QueryRowContext(ctx,
		`SELECT value FROM wacore_kv WHERE namespace = ? AND key = ?`, namespace, key)
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("sqlstore: get %s/%s: %w", namespace, key, err)
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, false, fmt.Errorf("sqlstore: decode %s/%s: %w", namespace, key, err)
	}
	return value, true, nil
}

// Put upserts one record.
func (s *Store) Put(ctx context.Context, namespace, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("sqlstore: encode %s/%s: %w", namespace, key, err)
	}
	_, err = s.querier(ctx).ExecContext(ctx, `
		INSERT INTO wacore_kv (namespace, key, value) VALUES (?, ?, ?)
		ON CONFLICT (namespace, key) DO UPDATE SET value = excluded.value
	`, namespace, key, raw)
	if err != nil {
		return fmt.Errorf("sqlstore: put %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Delete removes one record; deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, namespace, key string) error {
	_, err := s.querier(ctx).ExecContext(ctx,
		`DELETE FROM wacore_kv WHERE namespace = ? AND key = ?`, namespace, key)
	if err != nil {
		return fmt.Errorf("sqlstore: delete %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Transaction runs fn with read-modify-write atomicity. A Transaction
// called from within another Transaction's fn reuses the outer *sql.Tx
// instead of opening a second one, per spec §3's nested-transaction
// coalescing rule.
func (s *Store) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: begin: %w", err)
	}
	txCtx := context.WithValue(ctx, txKey{}, tx)

	if err := fn(txCtx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.log.Warnf("sqlstore: rollback after error failed: %v", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlstore: commit: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
