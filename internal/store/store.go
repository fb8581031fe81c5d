package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when no record exists for the requested server id.
var ErrNotFound = errors.New("server record not found")

const schema = `
CREATE TABLE IF NOT EXISTS servers (
	id              TEXT PRIMARY KEY,
	docker_id       TEXT,
	name            TEXT NOT NULL,
	image           TEXT NOT NULL,
	state           TEXT NOT NULL,
	memory_limit    INTEGER NOT NULL DEFAULT 0,
	cpu_limit       REAL NOT NULL DEFAULT 0,
	variables       TEXT NOT NULL DEFAULT '[]',
	startup_command TEXT NOT NULL DEFAULT '',
	install_script  TEXT NOT NULL DEFAULT '{}',
	allocation      TEXT NOT NULL DEFAULT '{}',
	config_files    TEXT NOT NULL DEFAULT '{}',
	sftp_enabled    INTEGER NOT NULL DEFAULT 0
);`

// Store is the sqlite-backed record store.
type Store struct {
	db *sqlx.DB
}

// Open opens (creating if needed) the sqlite database at path and applies
// the schema. The returned store is safe for concurrent use.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// The sqlite driver serializes writes per connection; a single
	// connection avoids SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create inserts a new record. The id must not already exist.
func (s *Store) Create(ctx context.Context, srv *Server) error {
	const q = `INSERT INTO servers
		(id, docker_id, name, image, state, memory_limit, cpu_limit,
		 variables, startup_command, install_script, allocation, config_files, sftp_enabled)
		VALUES
		(:id, :docker_id, :name, :image, :state, :memory_limit, :cpu_limit,
		 :variables, :startup_command, :install_script, :allocation, :config_files, :sftp_enabled)`
	if _, err := s.db.NamedExecContext(ctx, q, srv); err != nil {
		return fmt.Errorf("insert server %s: %w", srv.ID, err)
	}
	return nil
}

// Get fetches a record by id.
func (s *Store) Get(ctx context.Context, id string) (*Server, error) {
	var srv Server
	err := s.db.GetContext(ctx, &srv, `SELECT * FROM servers WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select server %s: %w", id, err)
	}
	return &srv, nil
}

// List returns all records ordered by name.
func (s *Store) List(ctx context.Context) ([]Server, error) {
	servers := []Server{}
	if err := s.db.SelectContext(ctx, &servers, `SELECT * FROM servers ORDER BY name, id`); err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	return servers, nil
}

// Save rewrites every mutable column of an existing record.
func (s *Store) Save(ctx context.Context, srv *Server) error {
	const q = `UPDATE servers SET
		docker_id = :docker_id, name = :name, image = :image, state = :state,
		memory_limit = :memory_limit, cpu_limit = :cpu_limit, variables = :variables,
		startup_command = :startup_command, install_script = :install_script,
		allocation = :allocation, config_files = :config_files, sftp_enabled = :sftp_enabled
		WHERE id = :id`
	res, err := s.db.NamedExecContext(ctx, q, srv)
	if err != nil {
		return fmt.Errorf("update server %s: %w", srv.ID, err)
	}
	return checkFound(res, srv.ID)
}

// UpdateState transitions the stored lifecycle state.
func (s *Store) UpdateState(ctx context.Context, id string, state State) error {
	res, err := s.db.ExecContext(ctx, `UPDATE servers SET state = ? WHERE id = ?`, state, id)
	if err != nil {
		return fmt.Errorf("update state of %s: %w", id, err)
	}
	return checkFound(res, id)
}

// SetContainerID records (or clears, with nil) the runtime container id.
func (s *Store) SetContainerID(ctx context.Context, id string, containerID *string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE servers SET docker_id = ? WHERE id = ?`, containerID, id)
	if err != nil {
		return fmt.Errorf("update container id of %s: %w", id, err)
	}
	return checkFound(res, id)
}

// Delete removes the record. Deleting an absent id returns ErrNotFound.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM servers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete server %s: %w", id, err)
	}
	return checkFound(res, id)
}

func checkFound(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
