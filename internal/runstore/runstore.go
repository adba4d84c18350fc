// Package runstore backs the Orchestrator's resume transition: persisting
// the in-progress migration's state and profile snapshot so a restarted
// Orchestrator can pick up from where it left off (SPEC_FULL.md
// "Supplemental component: Run Store / Resume").
//
// FileStore is grounded on daemon/state.go's JSON-on-disk PersistedState
// (atomic tmp+rename write); PostgresStore is grounded on
// checkin/db.go's pgxpool.Pool-backed store, narrowed from "appliance
// checkin records" to "migration run records".
package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Run is one migration's persisted progress.
type Run struct {
	SourceHostname string    `json:"source_hostname"`
	State          string    `json:"state"` // Orchestrator state name, e.g. "Migrate"
	ProfileJSON    string    `json:"profile_json,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Store persists and retrieves Run records keyed by source hostname.
type Store interface {
	Save(ctx context.Context, run Run) error
	Load(ctx context.Context, sourceHostname string) (*Run, error)
	Close() error
}

// FileStore is the default Store: one JSON file per configured path,
// holding a map of every tracked run, written atomically (tmp + rename).
type FileStore struct {
	path string
}

// NewFileStore builds a FileStore persisting to path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

type fileStoreDocument struct {
	Runs map[string]Run `json:"runs"`
}

func (f *FileStore) read() (fileStoreDocument, error) {
	doc := fileStoreDocument{Runs: make(map[string]Run)}
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return doc, nil
		}
		return doc, fmt.Errorf("read run store: %w", err)
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("parse run store: %w", err)
	}
	if doc.Runs == nil {
		doc.Runs = make(map[string]Run)
	}
	return doc, nil
}

// Save upserts run by SourceHostname and writes the whole document back
// atomically.
func (f *FileStore) Save(_ context.Context, run Run) error {
	doc, err := f.read()
	if err != nil {
		return err
	}
	doc.Runs[run.SourceHostname] = run

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run store: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0700); err != nil {
		return fmt.Errorf("create run store dir: %w", err)
	}
	tmpPath := f.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write run store: %w", err)
	}
	return os.Rename(tmpPath, f.path)
}

// Load returns the Run for sourceHostname, or nil if none is tracked.
func (f *FileStore) Load(_ context.Context, sourceHostname string) (*Run, error) {
	doc, err := f.read()
	if err != nil {
		return nil, err
	}
	run, ok := doc.Runs[sourceHostname]
	if !ok {
		return nil, nil
	}
	return &run, nil
}

// Close is a no-op for FileStore; it holds no resources between calls.
func (f *FileStore) Close() error { return nil }

// PostgresStore persists Run records in a `migration_runs` table via pgx.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a pool against connString and verifies connectivity.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Save upserts a migration_runs row keyed by source_hostname.
func (p *PostgresStore) Save(ctx context.Context, run Run) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO migration_runs (source_hostname, state, profile_json, started_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (source_hostname) DO UPDATE SET
			state = EXCLUDED.state,
			profile_json = EXCLUDED.profile_json,
			updated_at = EXCLUDED.updated_at
	`, run.SourceHostname, run.State, run.ProfileJSON, run.StartedAt, run.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

// Load fetches the migration_runs row for sourceHostname, or nil if absent.
func (p *PostgresStore) Load(ctx context.Context, sourceHostname string) (*Run, error) {
	var run Run
	err := p.pool.QueryRow(ctx, `
		SELECT source_hostname, state, profile_json, started_at, updated_at
		FROM migration_runs
		WHERE source_hostname = $1
	`, sourceHostname).Scan(&run.SourceHostname, &run.State, &run.ProfileJSON, &run.StartedAt, &run.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load run: %w", err)
	}
	return &run, nil
}

// Close releases the underlying connection pool.
func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}
