package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	core "github.com/xxxxxccc/devops-bot-sub000"
)

// Finalize pushes the task branch and opens a PR/MR when commits exist.
// The first line of summary becomes the title. On GitLab the full summary
// is the MR description, sent as a push option only when it is at most 1024
// chars; GitHub PRs get no body from summary. Returns the PR/MR URL, or ""
// when there was nothing to push or the host is unrecognized.
func (m *Manager) Finalize(ctx context.Context, sb core.Sandbox, summary string) (string, error) {
	return m.finalize(ctx, sb.WorktreePath, sb.BranchName, sb.BaseBranch, summaryTitle(summary), summary)
}

// summaryTitle derives a PR title from the first line of the summary.
func summaryTitle(summary string) string {
	line := strings.SplitN(strings.TrimSpace(summary), "\n", 2)[0]
	if len(line) > 72 {
		line = line[:72]
	}
	if line == "" {
		return "devops-bot changes"
	}
	return line
}

func (m *Manager) finalize(ctx context.Context, worktreePath, branch, base, title, body string) (string, error) {
	out, err := m.gitOutput(ctx, worktreePath, "log", base+"..HEAD", "--oneline")
	if err != nil {
		return "", fmt.Errorf("sandbox: diff base..head: %w", err)
	}
	if strings.TrimSpace(out) == "" {
		return "", nil
	}

	remote, err := m.gitOutput(ctx, worktreePath, "remote", "get-url", "origin")
	if err != nil {
		return "", fmt.Errorf("sandbox: read origin remote: %w", err)
	}
	remote = strings.TrimSpace(remote)
	host, owner, repo := parseRemote(remote)

	switch {
	case strings.Contains(host, "gitlab"):
		return m.finalizeGitLab(ctx, worktreePath, branch, base, title, body, host, owner, repo)
	case strings.Contains(host, "github"):
		return m.finalizeGitHub(ctx, worktreePath, branch, base, title, host, owner, repo)
	}

	// Unknown host: push only, no PR.
	if err := m.git(ctx, worktreePath, "push", "--set-upstream", "origin", branch); err != nil {
		return "", fmt.Errorf("sandbox: push: %w", err)
	}
	return "", nil
}

var mrURLPattern = regexp.MustCompile(`https?://\S+/merge_requests/\d+`)
var prURLPattern = regexp.MustCompile(`https?://\S+/pull/\d+`)

func (m *Manager) finalizeGitLab(ctx context.Context, worktreePath, branch, base, title, body, host, owner, repo string) (string, error) {
	args := []string{"push", "--set-upstream", "origin", branch,
		"-o", "merge_request.create",
		"-o", "merge_request.target=" + base,
		"-o", "merge_request.title=" + title,
	}
	if m.cfg.Draft {
		args = append(args, "-o", "merge_request.draft")
	}
	if len(body) <= 1024 {
		args = append(args, "-o", "merge_request.description="+body)
	}
	out, pushErr := m.gitOutput(ctx, worktreePath, args...)
	if match := mrURLPattern.FindString(out); match != "" {
		return match, nil
	}

	if m.cfg.GitLabToken != "" {
		if url, err := m.gitlabAPICreateMR(ctx, host, owner, repo, branch, base, title, body); err == nil {
			return url, nil
		}
	}
	if url, err := m.cliCreate(ctx, worktreePath, fmt.Sprintf("glab mr create --title %q --target-branch %q --source-branch %q --description %q", title, base, branch, body)); err == nil {
		return url, nil
	}
	if pushErr != nil {
		return "", fmt.Errorf("sandbox: gitlab push failed: %w", pushErr)
	}
	return "", nil
}

func (m *Manager) finalizeGitHub(ctx context.Context, worktreePath, branch, base, title, host, owner, repo string) (string, error) {
	if err := m.git(ctx, worktreePath, "push", "--set-upstream", "origin", branch); err != nil {
		return "", fmt.Errorf("sandbox: github push: %w", err)
	}
	if m.cfg.GitHubToken != "" {
		if url, err := m.githubAPICreatePR(ctx, host, owner, repo, branch, base, title); err == nil {
			return url, nil
		}
	}
	draftFlag := ""
	if m.cfg.Draft {
		draftFlag = "--draft"
	}
	return m.cliCreate(ctx, worktreePath, fmt.Sprintf("gh pr create --fill --base %q %s", base, draftFlag))
}

func (m *Manager) cliCreate(ctx context.Context, dir, command string) (string, error) {
	out, err := runShell(ctx, dir, command, installTimeout)
	if err != nil {
		return "", fmt.Errorf("cli fallback %q: %w: %s", command, err, out)
	}
	if match := mrURLPattern.FindString(out); match != "" {
		return match, nil
	}
	if match := prURLPattern.FindString(out); match != "" {
		return match, nil
	}
	return strings.TrimSpace(out), nil
}

func (m *Manager) gitlabAPICreateMR(ctx context.Context, host, owner, repo, branch, base, title, body string) (string, error) {
	baseURL := "https://" + host + "/api/v4"
	project := owner + "/" + repo
	payload := map[string]any{
		"source_branch": branch, "target_branch": base, "title": title, "description": body,
	}
	data, _ := json.Marshal(payload)
	url := fmt.Sprintf("%s/projects/%s/merge_requests", baseURL, pathEscapeProject(project))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("PRIVATE-TOKEN", m.cfg.GitLabToken)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("gitlab API: status %d", resp.StatusCode)
	}
	var out struct {
		WebURL string `json:"web_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.WebURL, nil
}

func (m *Manager) githubAPICreatePR(ctx context.Context, host, owner, repo, branch, base, title string) (string, error) {
	apiBase := "https://api.github.com"
	if host != "github.com" {
		apiBase = "https://" + host + "/api/v3" // GitHub Enterprise
	}
	payload := githubPRPayload(branch, base, title, m.cfg.Draft)
	data, _ := json.Marshal(payload)
	url := fmt.Sprintf("%s/repos/%s/%s/pulls", apiBase, owner, repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+m.cfg.GitHubToken)
	req.Header.Set("Accept", "application/vnd.github+json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("github API: status %d", resp.StatusCode)
	}
	var out struct {
		HTMLURL string `json:"html_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.HTMLURL, nil
}

// githubPRPayload builds the create-PR request body: head/base are the
// sandbox's actual branch and base branch, never a hardcoded default.
func githubPRPayload(branch, base, title string, draft bool) map[string]any {
	return map[string]any{"head": branch, "base": base, "title": title, "draft": draft}
}

var remoteHostPattern = regexp.MustCompile(`^(?:git@|https://)([^:/]+)[:/](.+)$`)

// parseRemote splits a git remote URL into host, owner (everything up to
// the final path segment, so GitLab subgroups stay intact), and repo.
func parseRemote(remote string) (host, owner, repo string) {
	m := remoteHostPattern.FindStringSubmatch(remote)
	if m == nil {
		return "", "", ""
	}
	host = m[1]
	path := strings.TrimSuffix(m[2], ".git")
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return host, "", path
	}
	return host, path[:idx], path[idx+1:]
}

func pathEscapeProject(project string) string {
	return strings.ReplaceAll(project, "/", "%2F")
}
