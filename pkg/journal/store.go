package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

const (
	timeLayout = time.RFC3339Nano

	// DefaultBuffer is the number of events that may be queued before Record drops.
	DefaultBuffer = 1024

	maxBatch = 64
)

var _ Recorder = (*Store)(nil)

// Store writes events to a SQLite database from a single background goroutine.
type Store struct {
	db      *sql.DB
	events  chan Event
	dropped atomic.Int64
}

// Open opens (or creates) the journal database and runs migrations.
func Open(path string, buffer int) (*Store, error) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open DB: %w", err)
	}

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: set WAL: %w", err)
	}
	// Set busy timeout to avoid "database is locked" when exporting from a second process
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: set busy_timeout: %w", err)
	}

	s := &Store{db: db, events: make(chan Event, buffer)}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS events (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at TEXT    NOT NULL,
		kind       TEXT    NOT NULL,
		room       TEXT    NOT NULL DEFAULT '',
		detail     TEXT    NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_events_room ON events(room);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Record queues e for writing. It never blocks; a full queue drops the event.
func (s *Store) Record(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	select {
	case s.events <- e:
	default:
		s.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (s *Store) Dropped() int64 {
	return s.dropped.Load()
}

// Run writes queued events until ctx is cancelled, then flushes what is left.
func (s *Store) Run(ctx context.Context) error {
	batch := make([]Event, 0, maxBatch)
	for {
		select {
		case <-ctx.Done():
			return s.flush(batch)
		case e := <-s.events:
			batch = append(batch[:0], e)
		fill:
			for len(batch) < maxBatch {
				select {
				case e := <-s.events:
					batch = append(batch, e)
				default:
					break fill
				}
			}
			if err := s.insert(context.Background(), batch); err != nil {
				slog.Error("journal write failed", "events", len(batch), "err", err)
			}
		}
	}
}

func (s *Store) flush(batch []Event) error {
	batch = batch[:0]
drain:
	for {
		select {
		case e := <-s.events:
			batch = append(batch, e)
		default:
			break drain
		}
	}
	if len(batch) == 0 {
		return nil
	}
	if err := s.insert(context.Background(), batch); err != nil {
		return fmt.Errorf("journal: flush: %w", err)
	}
	return nil
}

func (s *Store) insert(ctx context.Context, batch []Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO events (created_at, kind, room, detail) VALUES (?, ?, ?, ?)")
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, e := range batch {
		if _, err := stmt.ExecContext(ctx, e.Time.UTC().Format(timeLayout), string(e.Kind), e.Room, e.Detail); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// List returns up to limit events in insertion order. A non-positive limit returns all.
func (s *Store) List(ctx context.Context, limit int) ([]Event, error) {
	query := "SELECT id, created_at, kind, room, detail FROM events ORDER BY id"
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: list: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e       Event
			created string
			kind    string
		)
		if err := rows.Scan(&e.ID, &created, &kind, &e.Room, &e.Detail); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		e.Kind = Kind(kind)
		e.Time, err = time.Parse(timeLayout, created)
		if err != nil {
			return nil, fmt.Errorf("journal: parse time %q: %w", created, err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Close closes the database. Call it after Run has returned.
func (s *Store) Close() error {
	return s.db.Close()
}
