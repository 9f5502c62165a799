// Package storage persists delivered envelopes so past sessions can be
// reviewed and replayed. The repository is a best-effort sink for the relay:
// a failed append degrades persistence, never delivery.
package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	blcerrors "github.com/Jecosine/blivechat/internal/errors"
)

// LogRecord is one append-only log, opened per room per process.
type LogRecord struct {
	LID        int64     `json:"lid"`
	Filename   string    `json:"filename"`
	RoomID     int64     `json:"roomId"`
	CreateTime time.Time `json:"createTime"`
}

// Connect opens a pgx pool and verifies connectivity.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// EventLogRepo stores fan-out envelopes grouped into log records. Each room
// gets one record per process lifetime, created lazily on first append and
// memoized so the hot path is a single insert.
type EventLogRepo struct {
	pool *pgxpool.Pool

	mu   sync.Mutex
	open map[int64]int64 // room id -> open record lid
}

func NewEventLogRepo(pool *pgxpool.Pool) *EventLogRepo {
	return &EventLogRepo{
		pool: pool,
		open: make(map[int64]int64),
	}
}

// RunMigrations creates the schema. Every statement is idempotent, so it runs
// unconditionally at startup.
func (r *EventLogRepo) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS log_records (
			lid BIGSERIAL PRIMARY KEY,
			filename TEXT NOT NULL,
			room_id BIGINT NOT NULL,
			create_time TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_log_records_room_id ON log_records(room_id)`,
		`CREATE TABLE IF NOT EXISTS events (
			eid BIGSERIAL PRIMARY KEY,
			lid BIGINT NOT NULL REFERENCES log_records(lid) ON DELETE CASCADE,
			content JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_lid ON events(lid)`,
	}

	for _, migration := range migrations {
		if _, err := r.pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}
	return nil
}

// Append stores one delivered envelope for a room, opening the room's log
// record on first use.
func (r *EventLogRepo) Append(ctx context.Context, roomID int64, body []byte) error {
	lid, err := r.ensureRecord(ctx, roomID)
	if err != nil {
		return err
	}

	_, err = r.pool.Exec(ctx, `INSERT INTO events (lid, content) VALUES ($1, $2)`, lid, body)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// List returns every log record, newest first.
func (r *EventLogRepo) List(ctx context.Context) ([]LogRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT lid, filename, room_id, create_time
		FROM log_records
		ORDER BY create_time DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list log records: %w", err)
	}
	defer rows.Close()

	var records []LogRecord
	for rows.Next() {
		var rec LogRecord
		if err := rows.Scan(&rec.LID, &rec.Filename, &rec.RoomID, &rec.CreateTime); err != nil {
			return nil, fmt.Errorf("failed to scan log record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Get returns one record and its events in append order.
func (r *EventLogRepo) Get(ctx context.Context, lid int64) (LogRecord, [][]byte, error) {
	var rec LogRecord
	err := r.pool.QueryRow(ctx, `
		SELECT lid, filename, room_id, create_time
		FROM log_records
		WHERE lid = $1
	`, lid).Scan(&rec.LID, &rec.Filename, &rec.RoomID, &rec.CreateTime)
	if err == pgx.ErrNoRows {
		return LogRecord{}, nil, blcerrors.NotFoundError("log record not found")
	}
	if err != nil {
		return LogRecord{}, nil, fmt.Errorf("failed to get log record: %w", err)
	}

	rows, err := r.pool.Query(ctx, `SELECT content FROM events WHERE lid = $1 ORDER BY eid`, lid)
	if err != nil {
		return LogRecord{}, nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events [][]byte
	for rows.Next() {
		var content []byte
		if err := rows.Scan(&content); err != nil {
			return LogRecord{}, nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, content)
	}
	return rec, events, rows.Err()
}

// Delete removes a record and, via the cascade, its events. The memo entry is
// dropped so a later append for the room opens a fresh record.
func (r *EventLogRepo) Delete(ctx context.Context, lid int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM log_records WHERE lid = $1`, lid)
	if err != nil {
		return fmt.Errorf("failed to delete log record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return blcerrors.NotFoundError("log record not found")
	}

	r.mu.Lock()
	for roomID, openLID := range r.open {
		if openLID == lid {
			delete(r.open, roomID)
		}
	}
	r.mu.Unlock()
	return nil
}

// HealthCheck reports database reachability for the readiness probe.
func (r *EventLogRepo) HealthCheck(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *EventLogRepo) ensureRecord(ctx context.Context, roomID int64) (int64, error) {
	r.mu.Lock()
	if lid, ok := r.open[roomID]; ok {
		r.mu.Unlock()
		return lid, nil
	}
	r.mu.Unlock()

	now := time.Now()
	var lid int64
	err := r.pool.QueryRow(ctx, `
		INSERT INTO log_records (filename, room_id, create_time)
		VALUES ($1, $2, $3)
		RETURNING lid
	`, logFilename(roomID, now), roomID, now).Scan(&lid)
	if err != nil {
		return 0, fmt.Errorf("failed to open log record: %w", err)
	}

	r.mu.Lock()
	// A concurrent append may have opened a record first; keep the winner.
	if existing, ok := r.open[roomID]; ok {
		r.mu.Unlock()
		return existing, nil
	}
	r.open[roomID] = lid
	r.mu.Unlock()
	return lid, nil
}

// logFilename names a record the way the download endpoint serves it.
func logFilename(roomID int64, t time.Time) string {
	return fmt.Sprintf("%d-%s.log", roomID, t.Format("20060102-150405"))
}
