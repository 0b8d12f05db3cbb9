package resolve

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemoteCopyPath(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	tests := []struct {
		name    string
		base    string
		pattern string
	}{
		{
			name:    "regular extension",
			base:    "notes.md",
			pattern: `notes\.remote-\d{8}-\d{6}\.md$`,
		},
		{
			name:    "no extension",
			base:    "Makefile",
			pattern: `Makefile\.remote-\d{8}-\d{6}$`,
		},
		{
			name:    "dotfile keeps full name",
			base:    ".bashrc",
			pattern: `\.bashrc\.remote-\d{8}-\d{6}$`,
		},
		{
			name:    "double extension splits on last",
			base:    "archive.tar.gz",
			pattern: `archive\.tar\.remote-\d{8}-\d{6}\.gz$`,
		},
		{
			name:    "hidden file with extension",
			base:    ".env.local",
			pattern: `\.env\.remote-\d{8}-\d{6}\.local$`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := remoteCopyPath(filepath.Join(dir, tt.base))

			assert.Regexp(t, regexp.MustCompile(tt.pattern), got)
			assert.Equal(t, dir, filepath.Dir(got))
		})
	}
}

func TestRemoteCopyPath_Collision(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	original := filepath.Join(dir, "notes.md")

	first := remoteCopyPath(original)
	require.NoError(t, os.WriteFile(first, []byte("taken"), 0o644))

	second := remoteCopyPath(original)
	assert.NotEqual(t, first, second)

	_, err := os.Stat(second)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
