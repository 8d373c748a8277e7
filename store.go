package devopsbot

import "context"

// TaskStore persists Tasks, scheduled follow-ups and the skills registry.
// store/sqlite and store/postgres each back all three. Tasks are written by
// the Task Runner, follow-ups by tools/schedule and skills by tools/skill.
type TaskStore interface {
	// --- Tasks ---
	CreateTask(ctx context.Context, task Task) error
	GetTask(ctx context.Context, id string) (Task, error)
	// ListTasks returns tasks newest-first. status == "" returns all.
	ListTasks(ctx context.Context, status TaskStatus, limit int) ([]Task, error)
	UpdateTask(ctx context.Context, task Task) error
	DeleteTask(ctx context.Context, id string) error

	// --- Scheduled follow-ups ---
	CreateFollowUp(ctx context.Context, f ScheduledFollowUp) error
	ListFollowUps(ctx context.Context) ([]ScheduledFollowUp, error)
	GetDueFollowUps(ctx context.Context, now int64) ([]ScheduledFollowUp, error)
	UpdateFollowUp(ctx context.Context, f ScheduledFollowUp) error
	SetFollowUpEnabled(ctx context.Context, id string, enabled bool) error
	DeleteFollowUp(ctx context.Context, id string) error

	// --- Skills ---
	CreateSkill(ctx context.Context, skill Skill) error
	GetSkill(ctx context.Context, id string) (Skill, error)
	ListSkills(ctx context.Context) ([]Skill, error)
	UpdateSkill(ctx context.Context, skill Skill) error
	DeleteSkill(ctx context.Context, id string) error

	// --- Key-value config (webhook secrets, last-seen cursors) ---
	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error

	// --- Lifecycle ---
	Init(ctx context.Context) error
	Close() error
}
