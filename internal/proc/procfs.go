package proc

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// procRoot is the procfs mount point. A variable so tests can point the
// oracle at a fixture tree.
const defaultProcRoot = "/proc"

// FSOracle is the /proc-backed Oracle implementation. It scans
// /proc/<pid>/fd for open file descriptors resolving to the target path.
// On platforms without procfs, Owners returns an error and the classifier
// degrades to its fail-open default.
type FSOracle struct {
	root string
}

// NewFSOracle returns an Oracle reading from /proc.
func NewFSOracle() *FSOracle {
	return &FSOracle{root: defaultProcRoot}
}

// NewFSOracleAt returns an Oracle reading from an alternate procfs root.
// Used by tests with fixture trees.
func NewFSOracleAt(root string) *FSOracle {
	return &FSOracle{root: root}
}

// Owners scans the procfs tree for processes with path open. The scan is
// bounded by the caller's classification timeout; it does no retries and
// touches each candidate process once.
func (o *FSOracle) Owners(path string) ([]ProcessInfo, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("proc: resolving %s: %w", path, err)
	}

	entries, err := os.ReadDir(o.root)
	if err != nil {
		return nil, fmt.Errorf("proc: reading %s: %w", o.root, err)
	}

	var owners []ProcessInfo

	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue // not a PID directory
		}

		if o.holdsOpen(pid, abs) {
			owners = append(owners, ProcessInfo{
				PID:     pid,
				Cmdline: o.cmdline(pid),
			})
		}
	}

	return owners, nil
}

// holdsOpen reports whether pid has abs open via any fd symlink.
// Permission errors on other users' processes are expected and skipped.
func (o *FSOracle) holdsOpen(pid int, abs string) bool {
	fdDir := filepath.Join(o.root, strconv.Itoa(pid), "fd")

	fds, err := os.ReadDir(fdDir)
	if err != nil {
		return false
	}

	for _, fd := range fds {
		target, err := os.Readlink(filepath.Join(fdDir, fd.Name()))
		if err != nil {
			continue
		}

		if target == abs {
			return true
		}
	}

	return false
}

// cmdline reads and normalizes /proc/<pid>/cmdline (NUL-separated argv).
func (o *FSOracle) cmdline(pid int) string {
	raw, err := os.ReadFile(filepath.Join(o.root, strconv.Itoa(pid), "cmdline"))
	if err != nil {
		return ""
	}

	return strings.TrimSpace(strings.ReplaceAll(string(raw), "\x00", " "))
}

// Alive reports process existence via kill(pid, 0). EPERM still means the
// process exists, just owned by someone else.
func (o *FSOracle) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}

	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}

	return err == unix.EPERM
}
