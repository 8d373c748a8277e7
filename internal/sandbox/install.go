package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// lockfileInstallers maps a lockfile name to its installer command, checked
// in priority order (spec §4.5's pnpm/bun/yarn/npm/pip/poetry/uv/bundler/
// composer/cocoapods detection).
var lockfileInstallers = []struct {
	lockfile string
	command  string
}{
	{"pnpm-lock.yaml", "pnpm install"},
	{"bun.lockb", "bun install"},
	{"yarn.lock", "yarn install"},
	{"package-lock.json", "npm install"},
	{"package.json", "npm install"},
	{"poetry.lock", "poetry install"},
	{"uv.lock", "uv sync"},
	{"requirements.txt", "pip install -r requirements.txt"},
	{"Gemfile.lock", "bundle install"},
	{"composer.lock", "composer install"},
	{"Podfile.lock", "pod install"},
}

// bootstrap installs dependencies in worktreePath: SANDBOX_SETUP_COMMAND
// wins outright; otherwise the first matching lockfile's installer runs.
// A missing lockfile is a no-op, not an error. Failures are logged by the
// caller and never abort sandbox creation.
func (m *Manager) bootstrap(ctx context.Context, worktreePath string) error {
	command := m.cfg.SetupCommand
	if command == "" {
		command = m.detectInstaller(worktreePath)
	}
	if command == "" {
		return nil
	}
	if m.cfg.DockerImage != "" {
		return m.bootstrapInDocker(ctx, worktreePath, command)
	}
	out, err := runShell(ctx, worktreePath, command, installTimeout)
	if err != nil {
		return fmt.Errorf("install command %q: %w: %s", command, err, out)
	}
	return nil
}

func (m *Manager) detectInstaller(worktreePath string) string {
	for _, li := range lockfileInstallers {
		if _, err := os.Stat(filepath.Join(worktreePath, li.lockfile)); err == nil {
			return li.command
		}
	}
	return ""
}

// bootstrapInDocker runs the install command inside a disposable container
// for filesystem-level isolation, mounting worktreePath at /workspace.
// Optional: only engaged when Config.DockerImage is set.
func (m *Manager) bootstrapInDocker(ctx context.Context, worktreePath, command string) error {
	ctx, cancel := context.WithTimeout(ctx, installTimeout)
	defer cancel()

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return fmt.Errorf("docker client: %w", err)
	}
	defer cli.Close()

	resp, err := cli.ContainerCreate(ctx, &container.Config{
		Image:      m.cfg.DockerImage,
		Cmd:        []string{"sh", "-c", command},
		WorkingDir: "/workspace",
		Tty:        false,
	}, &container.HostConfig{
		Binds: []string{worktreePath + ":/workspace"},
	}, nil, nil, "")
	if err != nil {
		return fmt.Errorf("docker create: %w", err)
	}
	defer cli.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true})

	if err := cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("docker start: %w", err)
	}

	statusCh, errCh := cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("docker wait: %w", err)
		}
	case status := <-statusCh:
		if status.StatusCode != 0 {
			return fmt.Errorf("install command exited %d in container", status.StatusCode)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}
