// Package store persists the track library and controller mappings in
// SQLite, and mirrors mappings to a JSON file that other tools can edit.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/openmixer/mixcore/pkg/control"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// TrackRecord is one library entry. Audio samples live on disk at Path;
// the database keeps metadata and analysis results only.
type TrackRecord struct {
	ID           uuid.UUID
	Title        string
	Path         string
	SampleRate   float64
	Frames       int64
	BPM          float64
	Key          string
	Energy       float64
	AddedAt      time.Time
	LastPlayedAt *time.Time
}

// Store manages library persistence backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// Open initializes or connects to the library database and applies
// migrations.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	s := &Store{db: db, path: path}
	if err := s.applyMigrations(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type migration struct {
	version string
	sql     string
}

func loadMigrations() ([]migration, error) {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	migrations := make([]migration, 0, len(names))
	for _, name := range names {
		data, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		migrations = append(migrations, migration{
			version: strings.TrimSuffix(name, ".sql"),
			sql:     string(data),
		})
	}
	return migrations, nil
}

func (s *Store) applyMigrations(ctx context.Context) error {
	migrations, err := loadMigrations()
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY)"); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var count int
		row := tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM schema_migrations WHERE version = ?", m.version)
		if err := row.Scan(&count); err != nil {
			return fmt.Errorf("scan migration version: %w", err)
		}
		if count > 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("apply migration %s: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
			return fmt.Errorf("record migration %s: %w", m.version, err)
		}
	}

	return tx.Commit()
}

// SaveTrack inserts or replaces a track record.
func (s *Store) SaveTrack(ctx context.Context, t TrackRecord) error {
	var lastPlayed any
	if t.LastPlayedAt != nil {
		lastPlayed = t.LastPlayedAt.UTC().Format(time.RFC3339Nano)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tracks (id, title, path, sample_rate, frames, bpm, key, energy, added_at, last_played_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(id) DO UPDATE SET
           title = excluded.title,
           path = excluded.path,
           sample_rate = excluded.sample_rate,
           frames = excluded.frames,
           bpm = excluded.bpm,
           key = excluded.key,
           energy = excluded.energy,
           last_played_at = excluded.last_played_at`,
		t.ID.String(), t.Title, t.Path, t.SampleRate, t.Frames,
		t.BPM, t.Key, t.Energy,
		t.AddedAt.UTC().Format(time.RFC3339Nano), lastPlayed,
	)
	if err != nil {
		return fmt.Errorf("save track: %w", err)
	}
	return nil
}

// Track fetches one record by id.
func (s *Store) Track(ctx context.Context, id uuid.UUID) (*TrackRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, path, sample_rate, frames, bpm, key, energy, added_at, last_played_at
         FROM tracks WHERE id = ?`, id.String())
	return scanTrack(row)
}

// Tracks lists the library ordered by title.
func (s *Store) Tracks(ctx context.Context) ([]TrackRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, path, sample_rate, frames, bpm, key, energy, added_at, last_played_at
         FROM tracks ORDER BY title`)
	if err != nil {
		return nil, fmt.Errorf("list tracks: %w", err)
	}
	defer rows.Close()

	var out []TrackRecord
	for rows.Next() {
		t, err := scanTrack(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// UpdateAnalysis records a finished analysis pass for a track.
func (s *Store) UpdateAnalysis(ctx context.Context, id uuid.UUID, bpm float64, key string, energy float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tracks SET bpm = ?, key = ?, energy = ? WHERE id = ?`,
		bpm, key, energy, id.String())
	if err != nil {
		return fmt.Errorf("update analysis: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update analysis: track %s not in library", id)
	}
	return nil
}

// TouchPlayed stamps the track's last played time.
func (s *Store) TouchPlayed(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tracks SET last_played_at = ? WHERE id = ?`,
		at.UTC().Format(time.RFC3339Nano), id.String())
	if err != nil {
		return fmt.Errorf("touch played: %w", err)
	}
	return nil
}

// DeleteTrack removes a record from the library.
func (s *Store) DeleteTrack(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tracks WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("delete track: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrack(row rowScanner) (*TrackRecord, error) {
	var t TrackRecord
	var id, addedAt string
	var lastPlayed sql.NullString
	if err := row.Scan(&id, &t.Title, &t.Path, &t.SampleRate, &t.Frames,
		&t.BPM, &t.Key, &t.Energy, &addedAt, &lastPlayed); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("track not found")
		}
		return nil, fmt.Errorf("scan track: %w", err)
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse track id: %w", err)
	}
	t.ID = parsed
	if t.AddedAt, err = time.Parse(time.RFC3339Nano, addedAt); err != nil {
		return nil, fmt.Errorf("parse added_at: %w", err)
	}
	if lastPlayed.Valid {
		at, err := time.Parse(time.RFC3339Nano, lastPlayed.String)
		if err != nil {
			return nil, fmt.Errorf("parse last_played_at: %w", err)
		}
		t.LastPlayedAt = &at
	}
	return &t, nil
}

// SaveMappings replaces the whole mapping table in one transaction,
// matching the import-replaces semantics of the control layer.
func (s *Store) SaveMappings(ctx context.Context, maps []control.Mapping) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin mappings tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM mappings`); err != nil {
		return fmt.Errorf("clear mappings: %w", err)
	}
	for _, m := range maps {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO mappings (id, device_id, control, action, target, parameter)
             VALUES (?, ?, ?, ?, ?, ?)`,
			m.ID.String(), m.DeviceID, m.Control, string(m.Action), m.Target, m.Parameter,
		); err != nil {
			return fmt.Errorf("insert mapping %s: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

// Mappings loads the stored mapping table.
func (s *Store) Mappings(ctx context.Context) ([]control.Mapping, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, device_id, control, action, target, parameter FROM mappings ORDER BY device_id, control`)
	if err != nil {
		return nil, fmt.Errorf("list mappings: %w", err)
	}
	defer rows.Close()

	var out []control.Mapping
	for rows.Next() {
		var m control.Mapping
		var id, action string
		if err := rows.Scan(&id, &m.DeviceID, &m.Control, &action, &m.Target, &m.Parameter); err != nil {
			return nil, fmt.Errorf("scan mapping: %w", err)
		}
		parsed, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("parse mapping id: %w", err)
		}
		m.ID = parsed
		m.Action = control.Action(action)
		out = append(out, m)
	}
	return out, rows.Err()
}
