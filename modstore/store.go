// Package modstore keeps guest module sources in a SQLite database and
// serves them to contexts as a jshost.ModuleLoader.
package modstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/glebarez/sqlite"
	"go.uber.org/zap"

	"github.com/cryguy/jshost"
)

const schema = `CREATE TABLE IF NOT EXISTS modules (
	name       TEXT PRIMARY KEY,
	source     TEXT NOT NULL,
	updated_at INTEGER NOT NULL
)`

// Store is a module table in a SQLite database. It is safe for concurrent
// use.
type Store struct {
	db  *sql.DB
	log *zap.Logger
}

var _ jshost.ModuleLoader = (*Store)(nil)

// Open opens (or creates) the module database at path. Use ":memory:" for
// a throwaway store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening module store %q: %w", path, err)
	}
	if path == ":memory:" {
		// Every pooled connection would get its own empty database.
		db.SetMaxOpenConns(1)
	} else {
		_, _ = db.Exec("PRAGMA journal_mode=WAL")
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating module table: %w", err)
	}
	return &Store{db: db, log: jshost.Logger().Named("modstore")}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Put stores src under name, replacing any previous source.
func (s *Store) Put(ctx context.Context, name, src string) error {
	if name == "" {
		return errors.New("empty module name")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO modules (name, source, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET source = excluded.source, updated_at = excluded.updated_at`,
		name, src, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("storing module %s: %w", name, err)
	}
	s.log.Debug("module stored", zap.String("name", name), zap.Int("bytes", len(src)))
	return nil
}

// Delete removes name. Deleting a missing module is not an error.
func (s *Store) Delete(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM modules WHERE name = ?`, name); err != nil {
		return fmt.Errorf("deleting module %s: %w", name, err)
	}
	return nil
}

// List returns the stored module names in lexical order.
func (s *Store) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM modules ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing modules: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning module name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Get returns the source stored under name.
func (s *Store) Get(ctx context.Context, name string) (string, error) {
	var src string
	err := s.db.QueryRowContext(ctx, `SELECT source FROM modules WHERE name = ?`, name).Scan(&src)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", jshost.ErrModuleNotFound, name)
	}
	if err != nil {
		return "", fmt.Errorf("loading module %s: %w", name, err)
	}
	return src, nil
}

// LoadModule implements jshost.ModuleLoader.
func (s *Store) LoadModule(name string) (string, error) {
	return s.Get(context.Background(), name)
}
