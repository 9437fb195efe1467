package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"jobtab/internal/core"
)

//go:embed migrations/*.sql
var migrations embed.FS

// SQLiteStore persists tasks in a single SQLite database under the state dir.
type SQLiteStore struct {
	db *sql.DB

	// mu serializes read-modify-write cycles. The single pooled connection
	// serializes statements, not whole cycles: a SetStatus read followed by an
	// Update read of the same row would otherwise write back stale columns.
	mu sync.Mutex
}

// OpenSQLite opens (or creates) the database and runs pending migrations.
func OpenSQLite(ctx context.Context, stateDir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: ensure state dir: %v", core.ErrStorageUnavailable, err)
	}
	dbPath := filepath.Join(stateDir, "jobtab.sqlite")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite: %v", core.ErrStorageUnavailable, err)
	}
	// SQLite allows only one writer. Keep a single pooled connection so
	// WAL+busy_timeout are consistently applied and writes are serialized
	// within the process.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	timeout := int((3 * time.Second) / time.Millisecond)
	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d;", timeout)); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: set busy timeout: %v", core.ErrStorageUnavailable, err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: enable WAL: %v", core.ErrStorageUnavailable, err)
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	type mig struct {
		Version string
		SQL     string
	}
	entries := []mig{
		{Version: "0001_init", SQL: mustReadMigration("migrations/0001_init.sql")},
	}
	for _, entry := range entries {
		applied, err := isMigrationApplied(ctx, db, entry.Version)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if _, err := db.ExecContext(ctx, entry.SQL); err != nil {
			return fmt.Errorf("apply migration %s: %w", entry.Version, err)
		}
		if _, err := db.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES(?, ?)`,
			entry.Version, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("record migration %s: %w", entry.Version, err)
		}
	}
	return nil
}

func isMigrationApplied(ctx context.Context, db *sql.DB, version string) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx, `SELECT COUNT(1) FROM schema_migrations WHERE version = ?`, version).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check migration %s: %w", version, err)
	}
	return count > 0, nil
}

func mustReadMigration(path string) string {
	data, err := migrations.ReadFile(path)
	if err != nil {
		panic(fmt.Sprintf("read migration %s: %v", path, err))
	}
	return string(data)
}

const taskColumns = `id, script_path, execute_path, interval_minutes, enabled,
	timeout_seconds, retry_count, retry_delay_seconds, environment, description,
	status, last_run_at, last_success_at, last_error_at, next_run_at,
	last_error_message, consecutive_failures, created_at, updated_at`

func (s *SQLiteStore) Create(ctx context.Context, task *core.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks WHERE id = ?`, task.ID).Scan(&count); err != nil {
		return fmt.Errorf("%w: check task id: %v", core.ErrStorageUnavailable, err)
	}
	if count > 0 {
		return core.ErrDuplicateID
	}

	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, taskArgs(task)...)
	if err != nil {
		return fmt.Errorf("%w: insert task: %v", core.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*core.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrNotFound
		}
		return nil, err
	}
	return task, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]*core.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("%w: query tasks: %v", core.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var tasks []*core.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate tasks: %v", core.ErrStorageUnavailable, err)
	}
	return tasks, nil
}

func (s *SQLiteStore) Update(ctx context.Context, id string, upd core.TaskUpdate) (*core.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	core.ApplyUpdate(task, upd)
	if err := s.writeRow(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("%w: delete task: %v", core.ErrStorageUnavailable, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: delete task rows: %v", core.ErrStorageUnavailable, err)
	}
	if rows == 0 {
		return core.ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) SetStatus(ctx context.Context, id string, upd core.StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.Get(ctx, id)
	if err != nil {
		// Deleted mid-flight: the worker's terminal write is discarded.
		if errors.Is(err, core.ErrNotFound) {
			return nil
		}
		return err
	}
	core.ApplyStatus(task, upd)
	return s.writeRow(ctx, task)
}

func (s *SQLiteStore) DueTasks(ctx context.Context, now time.Time) ([]*core.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE enabled = 1 AND status != ? ORDER BY id`,
		string(core.TaskStatusRunning))
	if err != nil {
		return nil, fmt.Errorf("%w: query due tasks: %v", core.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var due []*core.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		// Timestamp comparison stays in Go: RFC3339Nano strings with varying
		// fractional precision do not compare correctly as text.
		if task.Due(now) {
			due = append(due, task)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate due tasks: %v", core.ErrStorageUnavailable, err)
	}
	return due, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// writeRow replaces every mutable column. Updates always go through
// ApplyUpdate/ApplyStatus first so a full rewrite keeps backends identical.
func (s *SQLiteStore) writeRow(ctx context.Context, task *core.Task) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET script_path = ?, execute_path = ?, interval_minutes = ?, enabled = ?,
			timeout_seconds = ?, retry_count = ?, retry_delay_seconds = ?,
			environment = ?, description = ?, status = ?, last_run_at = ?,
			last_success_at = ?, last_error_at = ?, next_run_at = ?,
			last_error_message = ?, consecutive_failures = ?, updated_at = ?
		WHERE id = ?
	`, task.ScriptPath, task.ExecutePath, task.IntervalMinutes, boolInt(task.Enabled),
		task.TimeoutSeconds, task.RetryCount, task.RetryDelaySeconds,
		encodeEnv(task.Environment), task.Description, string(task.Status),
		nullableTime(task.LastRunAt), nullableTime(task.LastSuccessAt),
		nullableTime(task.LastErrorAt), nullableTime(task.NextRunAt),
		task.LastErrorMessage, task.ConsecutiveFailures,
		task.UpdatedAt.Format(time.RFC3339Nano), task.ID)
	if err != nil {
		return fmt.Errorf("%w: update task: %v", core.ErrStorageUnavailable, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: update task rows: %v", core.ErrStorageUnavailable, err)
	}
	if rows == 0 {
		return core.ErrNotFound
	}
	return nil
}

func taskArgs(task *core.Task) []any {
	return []any{
		task.ID, task.ScriptPath, task.ExecutePath, task.IntervalMinutes,
		boolInt(task.Enabled), task.TimeoutSeconds, task.RetryCount,
		task.RetryDelaySeconds, encodeEnv(task.Environment), task.Description,
		string(task.Status), nullableTime(task.LastRunAt),
		nullableTime(task.LastSuccessAt), nullableTime(task.LastErrorAt),
		nullableTime(task.NextRunAt), task.LastErrorMessage,
		task.ConsecutiveFailures, task.CreatedAt.Format(time.RFC3339Nano),
		task.UpdatedAt.Format(time.RFC3339Nano),
	}
}

func scanTask(scanner interface {
	Scan(dest ...any) error
}) (*core.Task, error) {
	var (
		task        core.Task
		enabled     int
		environment sql.NullString
		lastRun     sql.NullString
		lastSuccess sql.NullString
		lastError   sql.NullString
		nextRun     sql.NullString
		createdAt   string
		updatedAt   string
	)
	if err := scanner.Scan(&task.ID, &task.ScriptPath, &task.ExecutePath,
		&task.IntervalMinutes, &enabled, &task.TimeoutSeconds, &task.RetryCount,
		&task.RetryDelaySeconds, &environment, &task.Description, &task.Status,
		&lastRun, &lastSuccess, &lastError, &nextRun, &task.LastErrorMessage,
		&task.ConsecutiveFailures, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: scan task: %v", core.ErrStorageUnavailable, err)
	}
	task.Enabled = enabled != 0
	if environment.Valid && environment.String != "" {
		if err := json.Unmarshal([]byte(environment.String), &task.Environment); err != nil {
			return nil, fmt.Errorf("%w: decode environment for %s: %v", core.ErrStorageUnavailable, task.ID, err)
		}
	}
	task.LastRunAt = parseNullTime(lastRun)
	task.LastSuccessAt = parseNullTime(lastSuccess)
	task.LastErrorAt = parseNullTime(lastError)
	task.NextRunAt = parseNullTime(nextRun)
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		task.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		task.UpdatedAt = t
	}
	return &task, nil
}

func encodeEnv(env map[string]string) any {
	if len(env) == 0 {
		return nil
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil
	}
	return string(data)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.UTC().Format(time.RFC3339Nano)
}

func parseNullTime(value sql.NullString) *time.Time {
	if !value.Valid || value.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, value.String)
	if err != nil {
		return nil
	}
	return &t
}
