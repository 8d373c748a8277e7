// Package sqlite implements core.TaskStore and core.MemoryStore using
// pure-Go SQLite with in-process brute-force vector search. Zero CGO
// required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	core "github.com/xxxxxccc/devops-bot-sub000"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When set, the store
// emits debug logs for every operation including timing and key
// parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements core.TaskStore backed by a local SQLite file: tasks,
// scheduled follow-ups, skills, and a flat KV config table.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ core.TaskStore = (*Store)(nil)

// nopLogger discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath. It opens a
// single shared connection pool with SetMaxOpenConns(1) so that all
// goroutines serialize through one connection, matching the spec's "all
// writes serialized" shared-resource policy and eliminating SQLITE_BUSY
// errors from concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; the blank
		// import above guarantees that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// DB exposes the shared connection so a MemoryStore can be constructed
// against the same serialized connection pool.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	tables := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			prompt TEXT NOT NULL,
			output TEXT,
			created_at INTEGER NOT NULL,
			created_by TEXT,
			metadata TEXT,
			summary TEXT,
			error TEXT,
			pr_url TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
		`CREATE TABLE IF NOT EXISTS follow_ups (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			description TEXT,
			schedule TEXT NOT NULL,
			prompt TEXT NOT NULL,
			tz_offset INTEGER NOT NULL,
			next_run INTEGER NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_follow_ups_next_run ON follow_ups(next_run, enabled)`,
		`CREATE TABLE IF NOT EXISTS skills (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT,
			instructions TEXT NOT NULL,
			tools TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("sqlite: create table: %w", err)
		}
	}
	s.logger.Info("sqlite: task store init complete", "duration", time.Since(start))
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// --- Tasks ---

func (s *Store) CreateTask(ctx context.Context, t core.Task) error {
	meta, _ := json.Marshal(t.Metadata)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, status, prompt, output, created_at, created_by, metadata, error, pr_url)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Status, t.Prompt, t.Output, t.CreatedAt, t.CreatedBy, string(meta), t.Error, t.PRUrl)
	if err != nil {
		return fmt.Errorf("sqlite: create task: %w", err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (core.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, status, prompt, output, created_at, created_by, metadata, summary, error, pr_url FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

func (s *Store) ListTasks(ctx context.Context, status core.TaskStatus, limit int) ([]core.Task, error) {
	var rows *sql.Rows
	var err error
	if status == "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, status, prompt, output, created_at, created_by, metadata, summary, error, pr_url FROM tasks ORDER BY created_at DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, status, prompt, output, created_at, created_by, metadata, summary, error, pr_url FROM tasks WHERE status = ? ORDER BY created_at DESC LIMIT ?`, status, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: list tasks: %w", err)
	}
	defer rows.Close()

	var out []core.Task
	for rows.Next() {
		t, err := scanTaskRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) UpdateTask(ctx context.Context, t core.Task) error {
	meta, _ := json.Marshal(t.Metadata)
	var summary []byte
	if t.Summary != nil {
		summary, _ = json.Marshal(t.Summary)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status=?, prompt=?, output=?, created_by=?, metadata=?, summary=?, error=?, pr_url=? WHERE id=?`,
		t.Status, t.Prompt, t.Output, t.CreatedBy, string(meta), string(summary), t.Error, t.PRUrl, t.ID)
	if err != nil {
		return fmt.Errorf("sqlite: update task: %w", err)
	}
	return nil
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (core.Task, error) {
	return scanTaskRows(row)
}

func scanTaskRows(row rowScanner) (core.Task, error) {
	var t core.Task
	var metaJSON, summaryJSON sql.NullString
	if err := row.Scan(&t.ID, &t.Status, &t.Prompt, &t.Output, &t.CreatedAt, &t.CreatedBy, &metaJSON, &summaryJSON, &t.Error, &t.PRUrl); err != nil {
		return core.Task{}, fmt.Errorf("sqlite: scan task: %w", err)
	}
	if metaJSON.Valid && metaJSON.String != "" {
		_ = json.Unmarshal([]byte(metaJSON.String), &t.Metadata)
	}
	if summaryJSON.Valid && summaryJSON.String != "" {
		t.Summary = &core.TaskSummary{}
		_ = json.Unmarshal([]byte(summaryJSON.String), t.Summary)
	}
	return t, nil
}

// --- Scheduled follow-ups ---

func (s *Store) CreateFollowUp(ctx context.Context, f core.ScheduledFollowUp) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO follow_ups (id, chat_id, description, schedule, prompt, tz_offset, next_run, enabled, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.ChatID, f.Description, f.Schedule, f.Prompt, f.TZOffset, f.NextRun, boolToInt(f.Enabled), f.CreatedAt)
	return err
}

func (s *Store) ListFollowUps(ctx context.Context) ([]core.ScheduledFollowUp, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, description, schedule, prompt, tz_offset, next_run, enabled, created_at FROM follow_ups ORDER BY next_run ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []core.ScheduledFollowUp
	for rows.Next() {
		f, err := scanFollowUp(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *Store) GetDueFollowUps(ctx context.Context, now int64) ([]core.ScheduledFollowUp, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, description, schedule, prompt, tz_offset, next_run, enabled, created_at
		 FROM follow_ups WHERE enabled = 1 AND next_run <= ? ORDER BY next_run ASC`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []core.ScheduledFollowUp
	for rows.Next() {
		f, err := scanFollowUp(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *Store) UpdateFollowUp(ctx context.Context, f core.ScheduledFollowUp) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE follow_ups SET chat_id=?, description=?, schedule=?, prompt=?, tz_offset=?, next_run=?, enabled=? WHERE id=?`,
		f.ChatID, f.Description, f.Schedule, f.Prompt, f.TZOffset, f.NextRun, boolToInt(f.Enabled), f.ID)
	return err
}

func (s *Store) SetFollowUpEnabled(ctx context.Context, id string, enabled bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE follow_ups SET enabled=? WHERE id=?`, boolToInt(enabled), id)
	return err
}

func (s *Store) DeleteFollowUp(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM follow_ups WHERE id = ?`, id)
	return err
}

func scanFollowUp(row rowScanner) (core.ScheduledFollowUp, error) {
	var f core.ScheduledFollowUp
	var enabled int
	if err := row.Scan(&f.ID, &f.ChatID, &f.Description, &f.Schedule, &f.Prompt, &f.TZOffset, &f.NextRun, &enabled, &f.CreatedAt); err != nil {
		return core.ScheduledFollowUp{}, fmt.Errorf("sqlite: scan follow-up: %w", err)
	}
	f.Enabled = enabled != 0
	return f, nil
}

// --- Skills ---

func (s *Store) CreateSkill(ctx context.Context, sk core.Skill) error {
	tools, _ := json.Marshal(sk.Tools)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO skills (id, name, description, instructions, tools, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		sk.ID, sk.Name, sk.Description, sk.Instructions, string(tools), sk.CreatedAt)
	return err
}

func (s *Store) GetSkill(ctx context.Context, id string) (core.Skill, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, instructions, tools, created_at FROM skills WHERE id = ?`, id)
	return scanSkill(row)
}

func (s *Store) ListSkills(ctx context.Context) ([]core.Skill, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, description, instructions, tools, created_at FROM skills ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []core.Skill
	for rows.Next() {
		sk, err := scanSkill(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sk)
	}
	return out, rows.Err()
}

func (s *Store) UpdateSkill(ctx context.Context, sk core.Skill) error {
	tools, _ := json.Marshal(sk.Tools)
	_, err := s.db.ExecContext(ctx,
		`UPDATE skills SET name=?, description=?, instructions=?, tools=? WHERE id=?`,
		sk.Name, sk.Description, sk.Instructions, string(tools), sk.ID)
	return err
}

func (s *Store) DeleteSkill(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM skills WHERE id = ?`, id)
	return err
}

func scanSkill(row rowScanner) (core.Skill, error) {
	var sk core.Skill
	var tools sql.NullString
	if err := row.Scan(&sk.ID, &sk.Name, &sk.Description, &sk.Instructions, &tools, &sk.CreatedAt); err != nil {
		return core.Skill{}, fmt.Errorf("sqlite: scan skill: %w", err)
	}
	if tools.Valid && tools.String != "" {
		_ = json.Unmarshal([]byte(tools.String), &sk.Tools)
	}
	return sk, nil
}

// --- Config ---

func (s *Store) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO config (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
