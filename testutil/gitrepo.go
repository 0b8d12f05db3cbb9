// Package testutil provides git repository fixtures for integration-style
// package tests. It depends only on stdlib and the testing package so any
// package can use it without import cycles.
package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// RequireGit skips the test when no git binary is available.
func RequireGit(t *testing.T) {
	t.Helper()

	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
}

// Git runs a git subcommand in dir, failing the test on error. Returns
// trimmed stdout.
func Git(t *testing.T, dir string, args ...string) string {
	t.Helper()

	cmd := exec.Command("git", args...)
	cmd.Dir = dir

	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s: %v\n%s", strings.Join(args, " "), err, out)
	}

	return strings.TrimSpace(string(out))
}

// InitWorkspace creates a bare "remote" repository and a cloned workspace
// with one initial commit pushed to main. Returns (workdir, remotedir).
func InitWorkspace(t *testing.T) (string, string) {
	t.Helper()
	RequireGit(t)

	root := t.TempDir()
	remoteDir := filepath.Join(root, "remote.git")
	workDir := filepath.Join(root, "work")

	if err := os.MkdirAll(remoteDir, 0o755); err != nil {
		t.Fatal(err)
	}

	Git(t, remoteDir, "init", "--bare", "--initial-branch=main")
	Git(t, root, "clone", remoteDir, workDir)

	configureIdentity(t, workDir)

	WriteFile(t, workDir, "README.md", "workspace under test\n")
	Git(t, workDir, "add", "-A")
	Git(t, workDir, "commit", "-m", "initial commit")
	Git(t, workDir, "push", "origin", "main")

	return workDir, remoteDir
}

// CloneWorkspace clones the remote into a second working tree, simulating
// another machine editing the same replica.
func CloneWorkspace(t *testing.T, remoteDir string) string {
	t.Helper()

	dir := filepath.Join(t.TempDir(), "peer")
	Git(t, filepath.Dir(dir), "clone", remoteDir, dir)
	configureIdentity(t, dir)

	return dir
}

// PushChange commits content to rel in dir and pushes to main.
func PushChange(t *testing.T, dir, rel, content, message string) {
	t.Helper()

	WriteFile(t, dir, rel, content)
	Git(t, dir, "add", "-A")
	Git(t, dir, "commit", "-m", message)
	Git(t, dir, "push", "origin", "main")
}

// WriteFile writes content to rel under dir, creating parents.
func WriteFile(t *testing.T, dir, rel, content string) {
	t.Helper()

	path := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

// ReadFile reads rel under dir, failing the test on error.
func ReadFile(t *testing.T, dir, rel string) string {
	t.Helper()

	data, err := os.ReadFile(filepath.Join(dir, rel))
	if err != nil {
		t.Fatal(err)
	}

	return string(data)
}

// TreeState captures the committed revision plus the content of every
// tracked and untracked file, for byte-level state comparison.
func TreeState(t *testing.T, dir string) map[string]string {
	t.Helper()

	state := map[string]string{
		"@revision": Git(t, dir, "rev-parse", "HEAD"),
	}

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if info.IsDir() {
			if info.Name() == ".git" {
				return filepath.SkipDir
			}

			return nil
		}

		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			return relErr
		}

		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return readErr
		}

		state[rel] = string(data)

		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	return state
}

func configureIdentity(t *testing.T, dir string) {
	t.Helper()

	Git(t, dir, "config", "user.email", "test@example.com")
	Git(t, dir, "config", "user.name", "Test User")
}
