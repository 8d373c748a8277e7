// Package sandbox manages the per-task Git worktree and branch an Executor
// runs inside, including dependency bootstrap and PR/MR finalization
// (spec §4.5).
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	core "github.com/xxxxxccc/devops-bot-sub000"
	"golang.org/x/text/unicode/norm"
)

const installTimeout = 5 * time.Minute

// Config configures a Manager.
type Config struct {
	RepoPath       string // the host repository the worktree branches from
	BaseDir        string // where per-task worktrees are created
	SetupCommand   string // explicit install command override; empty means auto-detect
	DockerImage    string // when set, run SetupCommand/auto-detected installer inside this image
	AutoCreatePR   bool
	Draft          bool
	GitHubToken    string
	GitLabToken    string
	Logger         *slog.Logger
}

// Manager implements internal/task.SandboxManager.
type Manager struct {
	cfg Config
}

func New(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{cfg: cfg}
}

// Create provisions a fresh worktree+branch for taskID, runs dependency
// bootstrap, and initializes submodules.
func (m *Manager) Create(ctx context.Context, taskID, title string) (core.Sandbox, error) {
	base, err := m.currentBranch(ctx)
	if err != nil {
		return core.Sandbox{}, fmt.Errorf("sandbox: read current branch: %w", err)
	}

	shortID := taskID
	if len(shortID) > 8 {
		shortID = shortID[:8]
	}
	branch := fmt.Sprintf("devops-bot/task-%s-%s", shortID, slugify(title))
	worktreePath := filepath.Join(m.cfg.BaseDir, taskID)

	if _, err := os.Stat(worktreePath); err == nil {
		m.forceRemoveWorktree(ctx, worktreePath)
	}

	if err := os.MkdirAll(m.cfg.BaseDir, 0o755); err != nil {
		return core.Sandbox{}, fmt.Errorf("sandbox: create base dir: %w", err)
	}
	if err := m.git(ctx, m.cfg.RepoPath, "worktree", "add", "-b", branch, worktreePath, "HEAD"); err != nil {
		return core.Sandbox{}, fmt.Errorf("sandbox: create worktree: %w", err)
	}

	sb := core.Sandbox{TaskID: taskID, BranchName: branch, BaseBranch: base, WorktreePath: worktreePath}

	if subs := m.detectSubmodules(worktreePath); len(subs) > 0 {
		sb.Submodules = subs
		if err := m.git(ctx, worktreePath, "submodule", "update", "--init", "--recursive"); err != nil {
			m.cfg.Logger.Warn("submodule init failed", "task_id", taskID, "err", err)
		}
	}

	if err := m.bootstrap(ctx, worktreePath); err != nil {
		m.cfg.Logger.Warn("dependency bootstrap failed, continuing anyway", "task_id", taskID, "err", err)
	}

	return sb, nil
}

// ModifiedFiles lists the paths the task branch changed relative to its
// base branch, for the task summary.
func (m *Manager) ModifiedFiles(ctx context.Context, sb core.Sandbox) ([]string, error) {
	out, err := m.gitOutput(ctx, sb.WorktreePath, "diff", "--name-only", sb.BaseBranch+"..HEAD")
	if err != nil {
		return nil, fmt.Errorf("sandbox: list modified files: %w", err)
	}
	var files []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// Cleanup removes the worktree, tolerating it having already been removed
// (git worktree remove --force, falling back to rm -rf, then pruning
// metadata either way).
func (m *Manager) Cleanup(ctx context.Context, sb core.Sandbox) error {
	m.forceRemoveWorktree(ctx, sb.WorktreePath)
	return nil
}

func (m *Manager) forceRemoveWorktree(ctx context.Context, path string) {
	if err := m.git(ctx, m.cfg.RepoPath, "worktree", "remove", "--force", path); err != nil {
		_ = os.RemoveAll(path)
	}
	_ = m.git(ctx, m.cfg.RepoPath, "worktree", "prune")
}

func (m *Manager) currentBranch(ctx context.Context) (string, error) {
	out, err := m.gitOutput(ctx, m.cfg.RepoPath, "rev-parse", "--abbrev-ref", "HEAD")
	return strings.TrimSpace(out), err
}

func (m *Manager) detectSubmodules(worktreePath string) []string {
	data, err := os.ReadFile(filepath.Join(worktreePath, ".gitmodules"))
	if err != nil {
		return nil
	}
	var subs []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "path = ") {
			subs = append(subs, strings.TrimPrefix(line, "path = "))
		}
	}
	return subs
}

// slugify produces a CJK-safe, kebab-case slug capped at 30 characters:
// NFKC-normalize (folds full-width/compatibility forms), lowercase ASCII
// runs, replace whitespace/punctuation runs with '-', and pass CJK
// characters through untouched.
func slugify(title string) string {
	title = norm.NFKC.String(title)
	var b strings.Builder
	lastDash := false
	for _, r := range title {
		switch {
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
			lastDash = false
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		case r > 0x2E80: // CJK and other wide scripts pass through as-is
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash && b.Len() > 0 {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	slug := strings.Trim(b.String(), "-")
	if runes := []rune(slug); len(runes) > 30 {
		slug = strings.TrimRight(string(runes[:30]), "-")
	}
	if slug == "" {
		slug = "task"
	}
	return slug
}
