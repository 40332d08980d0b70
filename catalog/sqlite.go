package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/palefire/troupnode/model"
)

// SQLite is the persistent Catalog backend, grounded directly on
// store/sqlite/sqlite.go: pure-Go modernc.org/sqlite driver, a single
// connection to avoid SQLITE_BUSY on writes, WAL + busy_timeout
// pragmas, and idempotent CREATE TABLE IF NOT EXISTS migrations so
// existing databases keep working without a migration tool.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the catalog database at path and
// applies its schema.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("catalog: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("catalog: %s: %w", pragma, err)
		}
	}

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: migrate: %w", err)
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS apps (
			name        TEXT PRIMARY KEY,
			description TEXT NOT NULL DEFAULT '',
			command     TEXT NOT NULL,
			params      TEXT NOT NULL DEFAULT '{}',
			needs       TEXT NOT NULL DEFAULT '{}'
		)
	`)
	return err
}

func (s *SQLite) List(ctx context.Context) ([]model.AppDescriptor, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, description, command, params, needs FROM apps ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AppDescriptor
	for rows.Next() {
		a, err := scanApp(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLite) Add(ctx context.Context, app model.AppDescriptor) error {
	if app.Name == "" {
		return fmt.Errorf("catalog: app name is required")
	}
	params, err := json.Marshal(app.Params)
	if err != nil {
		return err
	}
	needs, err := json.Marshal(app.Needs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO apps (name, description, command, params, needs)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			description = excluded.description,
			command     = excluded.command,
			params      = excluded.params,
			needs       = excluded.needs
	`, app.Name, app.Description, app.Command, string(params), string(needs))
	return err
}

func (s *SQLite) Find(ctx context.Context, name string) (model.AppDescriptor, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT name, description, command, params, needs FROM apps WHERE name = ?`, name)
	a, err := scanApp(row.Scan)
	if err == sql.ErrNoRows {
		return model.AppDescriptor{}, false, nil
	}
	if err != nil {
		return model.AppDescriptor{}, false, err
	}
	return a, true, nil
}

func (s *SQLite) Remove(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM apps WHERE name = ?`, name)
	return err
}

func (s *SQLite) Close() error { return s.db.Close() }

type scanFn func(dest ...any) error

func scanApp(scan scanFn) (model.AppDescriptor, error) {
	var a model.AppDescriptor
	var params, needs string
	if err := scan(&a.Name, &a.Description, &a.Command, &params, &needs); err != nil {
		return model.AppDescriptor{}, err
	}
	_ = json.Unmarshal([]byte(params), &a.Params)
	_ = json.Unmarshal([]byte(needs), &a.Needs)
	return a, nil
}

var _ Catalog = (*SQLite)(nil)
