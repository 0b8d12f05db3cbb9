package proc

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFSOracle_Alive(t *testing.T) {
	t.Parallel()

	oracle := NewFSOracle()

	assert.True(t, oracle.Alive(os.Getpid()))
	assert.False(t, oracle.Alive(0))
	assert.False(t, oracle.Alive(-1))
	assert.False(t, oracle.Alive(999999999))
}

// fixtureProc builds a fake procfs tree with one process holding target
// open.
func fixtureProc(t *testing.T, pid int, cmdline, target string) string {
	t.Helper()

	root := t.TempDir()
	pidDir := filepath.Join(root, fmt.Sprint(pid))
	fdDir := filepath.Join(pidDir, "fd")
	require.NoError(t, os.MkdirAll(fdDir, 0o755))

	require.NoError(t, os.WriteFile(
		filepath.Join(pidDir, "cmdline"),
		append([]byte(cmdline), 0), 0o644))

	require.NoError(t, os.Symlink(target, filepath.Join(fdDir, "3")))

	// Non-PID entries are skipped, not errors.
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sys"), 0o755))

	return root
}

func TestFSOracle_Owners(t *testing.T) {
	t.Parallel()

	target := filepath.Join(t.TempDir(), "state", "session.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(target), 0o755))
	require.NoError(t, os.WriteFile(target, []byte("{}"), 0o644))

	root := fixtureProc(t, 4321, "workspace-agent --cycle", target)
	oracle := NewFSOracleAt(root)

	owners, err := oracle.Owners(target)
	require.NoError(t, err)
	require.Len(t, owners, 1)
	assert.Equal(t, 4321, owners[0].PID)
	assert.Equal(t, "workspace-agent --cycle", owners[0].Cmdline)

	// A different path has no owners.
	other := filepath.Join(filepath.Dir(target), "other.json")
	require.NoError(t, os.WriteFile(other, []byte("{}"), 0o644))

	owners, err = oracle.Owners(other)
	require.NoError(t, err)
	assert.Empty(t, owners)
}

func TestFSOracle_OwnersMissingProcRoot(t *testing.T) {
	t.Parallel()

	oracle := NewFSOracleAt(filepath.Join(t.TempDir(), "absent"))

	_, err := oracle.Owners("/tmp/whatever")
	assert.Error(t, err)
}
