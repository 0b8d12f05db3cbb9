// Package replica drives the remote replica through the git CLI. The
// replica's transport and auth mechanics are out of scope: the workspace is
// a git work tree, pull is fetch+merge, push publishes, and conflicts come
// back as a structured path list rather than opaque command output.
package replica

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// Client runs git against a single workspace work tree.
type Client struct {
	workdir string
	remote  string
	branch  string
	timeout time.Duration
	logger  *slog.Logger
}

// New builds a Client for the workspace at workdir.
func New(workdir, remote, branch string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		workdir: workdir,
		remote:  remote,
		branch:  branch,
		timeout: timeout,
		logger:  logger,
	}
}

// run executes a git subcommand in the work tree with the configured
// timeout, returning stdout. Errors are classified (conflict, network)
// before being returned.
func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = c.workdir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	c.logger.Debug("git", "args", strings.Join(args, " "))

	if err := cmd.Run(); err != nil {
		// git reports conflicts on stdout and transport failures on
		// stderr; classification looks at both.
		return stdout.String(), c.classify(ctx, args, stderr.String()+"\n"+stdout.String(), err)
	}

	return stdout.String(), nil
}

// classify maps a failed git invocation onto the error taxonomy.
func (c *Client) classify(ctx context.Context, args []string, stderr string, err error) error {
	op := "git"
	if len(args) > 0 {
		op = "git " + args[0]
	}

	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w: %v", op, ErrNetwork, ctx.Err())
	}

	if isNetworkFailure(stderr) {
		return fmt.Errorf("%s: %w: %s", op, ErrNetwork, firstLine(stderr))
	}

	if isMergeConflict(stderr) {
		paths, pathErr := c.ConflictPaths(context.Background())
		if pathErr != nil {
			c.logger.Warn("conflict path listing failed", "error", pathErr)
		}

		return &ConflictError{Paths: paths, Stderr: firstLine(stderr)}
	}

	return fmt.Errorf("%s: %w: %s", op, err, firstLine(stderr))
}

// IsRepo reports whether the work tree is a git repository.
func (c *Client) IsRepo(ctx context.Context) bool {
	_, err := c.run(ctx, "rev-parse", "--git-dir")
	return err == nil
}

// Revision returns the current HEAD commit hash.
func (c *Client) Revision(ctx context.Context) (string, error) {
	out, err := c.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(out), nil
}

// RemoteRevision returns the fetched tip of the tracking branch.
func (c *Client) RemoteRevision(ctx context.Context) (string, error) {
	out, err := c.run(ctx, "rev-parse", c.remote+"/"+c.branch)
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(out), nil
}

// Fetch updates the remote tracking ref without touching the work tree.
func (c *Client) Fetch(ctx context.Context) error {
	_, err := c.run(ctx, "fetch", c.remote, c.branch)
	return err
}

// Merge merges the fetched remote branch into the local one. A conflicted
// merge returns *ConflictError with the unmerged path list; the work tree
// is left in the conflicted state for the resolver.
func (c *Client) Merge(ctx context.Context) error {
	_, err := c.run(ctx, "merge", "--no-edit", c.remote+"/"+c.branch)
	return err
}

// Pull is fetch followed by merge.
func (c *Client) Pull(ctx context.Context) error {
	if err := c.Fetch(ctx); err != nil {
		return err
	}

	return c.Merge(ctx)
}

// AbortMerge abandons an in-progress conflicted merge.
func (c *Client) AbortMerge(ctx context.Context) error {
	_, err := c.run(ctx, "merge", "--abort")
	return err
}

// CommitAll stages everything and commits with the given message. A clean
// tree is not an error; it reports committed=false.
func (c *Client) CommitAll(ctx context.Context, message string) (committed bool, err error) {
	if _, err := c.run(ctx, "add", "-A"); err != nil {
		return false, err
	}

	status, err := c.run(ctx, "status", "--porcelain")
	if err != nil {
		return false, err
	}

	if strings.TrimSpace(status) == "" {
		return false, nil
	}

	if _, err := c.run(ctx, "commit", "-m", message); err != nil {
		return false, err
	}

	return true, nil
}

// Push publishes the local branch to the remote.
func (c *Client) Push(ctx context.Context) error {
	_, err := c.run(ctx, "push", c.remote, "HEAD:"+c.branch)
	return err
}

// ConflictPaths lists unmerged paths from porcelain status. Unmerged
// entries carry a "U" in either column or are "AA"/"DD".
func (c *Client) ConflictPaths(ctx context.Context) ([]string, error) {
	out, err := c.run(ctx, "status", "--porcelain")
	if err != nil {
		return nil, err
	}

	var paths []string

	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}

		code := line[:2]
		if strings.ContainsRune(code, 'U') || code == "AA" || code == "DD" {
			paths = append(paths, strings.TrimSpace(line[3:]))
		}
	}

	return paths, nil
}

// Show returns the committed content of a path at HEAD, or (nil, nil) when
// the path does not exist there. Feeds the classifier's previous-content
// dependency.
func (c *Client) Show(ctx context.Context, path string) ([]byte, error) {
	out, err := c.run(ctx, "show", "HEAD:"+path)
	if err != nil {
		if strings.Contains(err.Error(), "does not exist") ||
			strings.Contains(err.Error(), "exists on disk, but not in") {
			return nil, nil
		}

		return nil, err
	}

	return []byte(out), nil
}

// CheckoutOurs / CheckoutTheirs resolve one conflicted path toward the
// local or remote side; the resolver drives these under its configured
// strategy.
func (c *Client) CheckoutOurs(ctx context.Context, path string) error {
	if _, err := c.run(ctx, "checkout", "--ours", "--", path); err != nil {
		return err
	}

	_, err := c.run(ctx, "add", "--", path)

	return err
}

// CheckoutTheirs takes the remote side of a conflicted path.
func (c *Client) CheckoutTheirs(ctx context.Context, path string) error {
	if _, err := c.run(ctx, "checkout", "--theirs", "--", path); err != nil {
		return err
	}

	_, err := c.run(ctx, "add", "--", path)

	return err
}

// ShowStage returns the content of one side of a conflicted path.
// Stage 2 is ours (local), stage 3 is theirs (remote).
func (c *Client) ShowStage(ctx context.Context, path string, stage int) ([]byte, error) {
	out, err := c.run(ctx, "show", fmt.Sprintf(":%d:%s", stage, path))
	if err != nil {
		return nil, err
	}

	return []byte(out), nil
}

// Diff returns the uncommitted changes against HEAD as a binary patch.
func (c *Client) Diff(ctx context.Context) ([]byte, error) {
	out, err := c.run(ctx, "diff", "--binary", "HEAD")
	if err != nil {
		return nil, err
	}

	return []byte(out), nil
}

// ChangedFiles lists tracked paths with uncommitted changes.
func (c *Client) ChangedFiles(ctx context.Context) ([]string, error) {
	out, err := c.run(ctx, "diff", "--name-only", "HEAD")
	if err != nil {
		return nil, err
	}

	return splitLines(out), nil
}

// UntrackedFiles lists paths unknown to git, honoring ignore rules.
func (c *Client) UntrackedFiles(ctx context.Context) ([]string, error) {
	out, err := c.run(ctx, "ls-files", "--others", "--exclude-standard")
	if err != nil {
		return nil, err
	}

	return splitLines(out), nil
}

// ResetHard moves the work tree and history to exactly the given revision.
func (c *Client) ResetHard(ctx context.Context, revision string) error {
	_, err := c.run(ctx, "reset", "--hard", revision)
	return err
}

// CleanUntracked removes untracked files and directories from the work
// tree. Ignored files (including the data directory) are left alone.
func (c *Client) CleanUntracked(ctx context.Context) error {
	_, err := c.run(ctx, "clean", "-fd")
	return err
}

// ApplyPatch applies a binary patch file produced by Diff onto the work
// tree.
func (c *Client) ApplyPatch(ctx context.Context, patchPath string) error {
	_, err := c.run(ctx, "apply", "--whitespace=nowarn", patchPath)
	return err
}

// splitLines splits command output into trimmed, non-empty lines.
func splitLines(out string) []string {
	var lines []string

	for _, line := range strings.Split(out, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}

	return lines
}

// firstLine trims command output to its first non-empty line for error
// messages.
func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}

	return strings.TrimSpace(s)
}
