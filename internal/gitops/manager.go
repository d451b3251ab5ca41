// Package gitops prepares worker workspaces for task branches and publishes
// finished work as pull requests.
package gitops

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aristath/swarm/internal/procs"
)

// Config configures a Manager. Zero values fall back to the defaults.
type Config struct {
	BaseBranch string // Branch new task branches start from (default "main")
	Remote     string // Remote to fetch from and push to (default "origin")
	PRLabel    string // Label added to created pull requests (default "swarmd")
	PRBody     string // Body of created pull requests
	GitBinary  string // Default "git"
	GhBinary   string // Default "gh"
}

// Status is a summary of `git status --porcelain`.
type Status struct {
	Files     []string `json:"files"`
	Modified  []string `json:"modified"`
	Untracked []string `json:"untracked"`
}

// Manager runs git and gh in worker workspaces. Operations on the same
// workspace are serialised.
type Manager struct {
	cfg   Config
	locks *WorkspaceLocks
	procs *procs.Manager
}

// NewManager creates a git manager.
func NewManager(cfg Config) *Manager {
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = "main"
	}
	if cfg.Remote == "" {
		cfg.Remote = "origin"
	}
	if cfg.PRLabel == "" {
		cfg.PRLabel = "swarmd"
	}
	if cfg.PRBody == "" {
		cfg.PRBody = "Created by swarmd"
	}
	if cfg.GitBinary == "" {
		cfg.GitBinary = "git"
	}
	if cfg.GhBinary == "" {
		cfg.GhBinary = "gh"
	}
	return &Manager{cfg: cfg, locks: NewWorkspaceLocks(), procs: procs.NewManager()}
}

// Setup clones repoURL into workspace unless it already holds a repository.
func (m *Manager) Setup(ctx context.Context, workspace, repoURL string) error {
	m.locks.Lock(workspace)
	defer m.locks.Unlock(workspace)

	return m.setup(ctx, workspace, repoURL)
}

func (m *Manager) setup(ctx context.Context, workspace, repoURL string) error {
	if isRepo(workspace) {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(workspace), 0755); err != nil {
		return fmt.Errorf("failed to create parent directories: %w", err)
	}
	if _, err := m.run(ctx, filepath.Dir(workspace), m.cfg.GitBinary, "clone", repoURL, workspace); err != nil {
		return fmt.Errorf("failed to clone %s: %w", repoURL, err)
	}
	return nil
}

// Prepare readies workspace for a new task: fetch, check out the base branch,
// fast-forward it, then create branch. A workspace without a repository is
// cloned from repo first.
func (m *Manager) Prepare(ctx context.Context, workspace, repo, branch string) error {
	m.locks.Lock(workspace)
	defer m.locks.Unlock(workspace)

	if !isRepo(workspace) && repo != "" {
		if err := m.setup(ctx, workspace, repo); err != nil {
			return err
		}
	}

	steps := [][]string{
		{"fetch", m.cfg.Remote},
		{"checkout", m.cfg.BaseBranch},
		{"pull", "--ff-only", m.cfg.Remote, m.cfg.BaseBranch},
		{"checkout", "-b", branch},
	}
	for _, args := range steps {
		if _, err := m.run(ctx, workspace, m.cfg.GitBinary, args...); err != nil {
			return fmt.Errorf("failed to prepare branch %s: %w", branch, err)
		}
	}
	return nil
}

// Finalize commits everything in workspace, pushes branch and opens a pull
// request titled message. Returns the pull request URL printed by gh.
func (m *Manager) Finalize(ctx context.Context, workspace, message, branch string) (string, error) {
	m.locks.Lock(workspace)
	defer m.locks.Unlock(workspace)

	steps := [][]string{
		{"add", "."},
		{"commit", "-m", message},
		{"push", m.cfg.Remote, branch},
	}
	for _, args := range steps {
		if _, err := m.run(ctx, workspace, m.cfg.GitBinary, args...); err != nil {
			return "", fmt.Errorf("failed to finalize branch %s: %w", branch, err)
		}
	}

	out, err := m.run(ctx, workspace, m.cfg.GhBinary,
		"pr", "create",
		"--title", message,
		"--body", m.cfg.PRBody,
		"--label", m.cfg.PRLabel,
	)
	if err != nil {
		return "", fmt.Errorf("failed to create pull request: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// CheckConflict reports whether merging the remote base branch into the
// workspace's current branch would conflict. The trial merge is always
// aborted.
func (m *Manager) CheckConflict(ctx context.Context, workspace string) (bool, error) {
	m.locks.Lock(workspace)
	defer m.locks.Unlock(workspace)

	target := m.cfg.Remote + "/" + m.cfg.BaseBranch
	out, mergeErr := m.run(ctx, workspace, m.cfg.GitBinary, "merge", "--no-commit", "--no-ff", target)

	// Nothing to abort after an up-to-date merge; that failure is expected.
	m.run(ctx, workspace, m.cfg.GitBinary, "merge", "--abort")

	if mergeErr == nil {
		return false, nil
	}
	if strings.Contains(out, "CONFLICT") {
		return true, nil
	}
	return false, fmt.Errorf("failed to test merge of %s: %w", target, mergeErr)
}

// Status lists changed files in workspace.
func (m *Manager) Status(ctx context.Context, workspace string) (*Status, error) {
	m.locks.Lock(workspace)
	defer m.locks.Unlock(workspace)

	out, err := m.run(ctx, workspace, m.cfg.GitBinary, "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("failed to get status: %w", err)
	}
	return parseStatus(out), nil
}

// parseStatus reads porcelain v1 lines such as " M file", "?? file" and
// "R  old -> new".
func parseStatus(output string) *Status {
	st := &Status{Files: []string{}, Modified: []string{}, Untracked: []string{}}

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) < 4 {
			continue
		}
		code, path := line[:2], line[3:]
		if i := strings.Index(path, " -> "); i >= 0 {
			path = path[i+4:]
		}

		st.Files = append(st.Files, path)
		switch {
		case code == "??":
			st.Untracked = append(st.Untracked, path)
		case code[0] == 'M' || code[1] == 'M':
			st.Modified = append(st.Modified, path)
		}
	}
	return st
}

// KillAll kills every git and gh subprocess still running.
func (m *Manager) KillAll() error {
	return m.procs.KillAll()
}

func (m *Manager) run(ctx context.Context, dir, name string, args ...string) (string, error) {
	cmd := procs.Command(ctx, name, args...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Start()
	if err == nil {
		m.procs.Track(cmd)
		err = cmd.Wait()
		m.procs.Untrack(cmd)
	}
	output := out.String()
	if err != nil {
		return output, fmt.Errorf("%s %s: %w (output: %s)", name, args[0], err, strings.TrimSpace(output))
	}
	return output, nil
}

func isRepo(workspace string) bool {
	_, err := os.Stat(filepath.Join(workspace, ".git"))
	return err == nil
}
