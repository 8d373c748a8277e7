// Package postgres implements core.TaskStore backed by PostgreSQL, for
// deployments that already run an external Postgres instead of the default
// local SQLite file. The Memory Engine stays on store/sqlite either way --
// its FTS5 and embedding-cache layout are SQLite-specific.
//
// Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	core "github.com/xxxxxccc/devops-bot-sub000"
)

// Store implements core.TaskStore backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ core.TaskStore = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates all required tables and indexes. Safe to call multiple times
// (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			prompt TEXT NOT NULL,
			output TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			created_by TEXT NOT NULL DEFAULT '',
			metadata JSONB,
			summary JSONB,
			error TEXT NOT NULL DEFAULT '',
			pr_url TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,

		`CREATE TABLE IF NOT EXISTS follow_ups (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			schedule TEXT NOT NULL,
			prompt TEXT NOT NULL,
			tz_offset INTEGER NOT NULL,
			next_run BIGINT NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_follow_ups_next_run ON follow_ups(next_run, enabled)`,

		`CREATE TABLE IF NOT EXISTS skills (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			instructions TEXT NOT NULL,
			tools JSONB,
			created_at BIGINT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	return nil
}

// Close is a no-op: the pool is externally owned.
func (s *Store) Close() error { return nil }

// --- Tasks ---

func (s *Store) CreateTask(ctx context.Context, t core.Task) error {
	meta, _ := json.Marshal(t.Metadata)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tasks (id, status, prompt, output, created_at, created_by, metadata, error, pr_url)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		t.ID, t.Status, t.Prompt, t.Output, t.CreatedAt, t.CreatedBy, meta, t.Error, t.PRUrl)
	if err != nil {
		return fmt.Errorf("postgres: create task: %w", err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (core.Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, status, prompt, output, created_at, created_by, metadata, summary, error, pr_url
		 FROM tasks WHERE id = $1`, id)
	return scanTask(row)
}

func (s *Store) ListTasks(ctx context.Context, status core.TaskStatus, limit int) ([]core.Task, error) {
	var rows pgx.Rows
	var err error
	if status == "" {
		rows, err = s.pool.Query(ctx,
			`SELECT id, status, prompt, output, created_at, created_by, metadata, summary, error, pr_url
			 FROM tasks ORDER BY created_at DESC LIMIT $1`, limit)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT id, status, prompt, output, created_at, created_by, metadata, summary, error, pr_url
			 FROM tasks WHERE status = $1 ORDER BY created_at DESC LIMIT $2`, status, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: list tasks: %w", err)
	}
	defer rows.Close()

	var out []core.Task
	for rows.Next() {
		t, err := scanTask(rows)
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
	_, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status=$1, prompt=$2, output=$3, created_by=$4, metadata=$5, summary=$6, error=$7, pr_url=$8
		 WHERE id=$9`,
		t.Status, t.Prompt, t.Output, t.CreatedBy, meta, summary, t.Error, t.PRUrl, t.ID)
	if err != nil {
		return fmt.Errorf("postgres: update task: %w", err)
	}
	return nil
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	return err
}

// rowScanner covers pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (core.Task, error) {
	var t core.Task
	var metaJSON, summaryJSON []byte
	if err := row.Scan(&t.ID, &t.Status, &t.Prompt, &t.Output, &t.CreatedAt, &t.CreatedBy, &metaJSON, &summaryJSON, &t.Error, &t.PRUrl); err != nil {
		return core.Task{}, fmt.Errorf("postgres: scan task: %w", err)
	}
	if len(metaJSON) > 0 {
		_ = json.Unmarshal(metaJSON, &t.Metadata)
	}
	if len(summaryJSON) > 0 {
		t.Summary = &core.TaskSummary{}
		_ = json.Unmarshal(summaryJSON, t.Summary)
	}
	return t, nil
}

// --- Scheduled follow-ups ---

func (s *Store) CreateFollowUp(ctx context.Context, f core.ScheduledFollowUp) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO follow_ups (id, chat_id, description, schedule, prompt, tz_offset, next_run, enabled, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		f.ID, f.ChatID, f.Description, f.Schedule, f.Prompt, f.TZOffset, f.NextRun, f.Enabled, f.CreatedAt)
	return err
}

func (s *Store) ListFollowUps(ctx context.Context) ([]core.ScheduledFollowUp, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, chat_id, description, schedule, prompt, tz_offset, next_run, enabled, created_at
		 FROM follow_ups ORDER BY next_run ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectFollowUps(rows)
}

func (s *Store) GetDueFollowUps(ctx context.Context, now int64) ([]core.ScheduledFollowUp, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, chat_id, description, schedule, prompt, tz_offset, next_run, enabled, created_at
		 FROM follow_ups WHERE enabled AND next_run <= $1 ORDER BY next_run ASC`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectFollowUps(rows)
}

func (s *Store) UpdateFollowUp(ctx context.Context, f core.ScheduledFollowUp) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE follow_ups SET chat_id=$1, description=$2, schedule=$3, prompt=$4, tz_offset=$5, next_run=$6, enabled=$7
		 WHERE id=$8`,
		f.ChatID, f.Description, f.Schedule, f.Prompt, f.TZOffset, f.NextRun, f.Enabled, f.ID)
	return err
}

func (s *Store) SetFollowUpEnabled(ctx context.Context, id string, enabled bool) error {
	_, err := s.pool.Exec(ctx, `UPDATE follow_ups SET enabled=$1 WHERE id=$2`, enabled, id)
	return err
}

func (s *Store) DeleteFollowUp(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM follow_ups WHERE id = $1`, id)
	return err
}

func collectFollowUps(rows pgx.Rows) ([]core.ScheduledFollowUp, error) {
	var out []core.ScheduledFollowUp
	for rows.Next() {
		var f core.ScheduledFollowUp
		if err := rows.Scan(&f.ID, &f.ChatID, &f.Description, &f.Schedule, &f.Prompt, &f.TZOffset, &f.NextRun, &f.Enabled, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan follow-up: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// --- Skills ---

func (s *Store) CreateSkill(ctx context.Context, sk core.Skill) error {
	tools, _ := json.Marshal(sk.Tools)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO skills (id, name, description, instructions, tools, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		sk.ID, sk.Name, sk.Description, sk.Instructions, tools, sk.CreatedAt)
	return err
}

func (s *Store) GetSkill(ctx context.Context, id string) (core.Skill, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, name, description, instructions, tools, created_at FROM skills WHERE id = $1`, id)
	return scanSkill(row)
}

func (s *Store) ListSkills(ctx context.Context) ([]core.Skill, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, description, instructions, tools, created_at FROM skills ORDER BY name ASC`)
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
	_, err := s.pool.Exec(ctx,
		`UPDATE skills SET name=$1, description=$2, instructions=$3, tools=$4 WHERE id=$5`,
		sk.Name, sk.Description, sk.Instructions, tools, sk.ID)
	return err
}

func (s *Store) DeleteSkill(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM skills WHERE id = $1`, id)
	return err
}

func scanSkill(row rowScanner) (core.Skill, error) {
	var sk core.Skill
	var tools []byte
	if err := row.Scan(&sk.ID, &sk.Name, &sk.Description, &sk.Instructions, &tools, &sk.CreatedAt); err != nil {
		return core.Skill{}, fmt.Errorf("postgres: scan skill: %w", err)
	}
	if len(tools) > 0 {
		_ = json.Unmarshal(tools, &sk.Tools)
	}
	return sk, nil
}

// --- Config ---

func (s *Store) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM config WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return value, err
}

func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO config (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		key, value)
	return err
}
