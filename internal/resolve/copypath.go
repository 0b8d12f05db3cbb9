package resolve

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// maxCopySuffix bounds collision avoidance for preserved-copy paths.
// Exceeding 1000 collisions is implausible; the base path is returned as a
// best-effort fallback.
const maxCopySuffix = 1000

// remoteCopyPath produces the path for a preserved remote version.
// Pattern: <stem>.remote-<YYYYMMDD-HHMMSS><ext>
// Examples:
//   - notes.md   →  notes.remote-20260830-143052.md
//   - .bashrc    →  .bashrc.remote-20260830-143052
//   - Makefile   →  Makefile.remote-20260830-143052
//
// Dotfiles whose only dot is the leading one would confuse filepath.Ext
// (the whole name reads as an extension); they are treated as
// extensionless so the suffix lands after the full name.
//
// Collision avoidance appends a numeric suffix (-1, -2, ...) up to
// maxCopySuffix.
func remoteCopyPath(originalPath string) string {
	stem, ext := stemExt(originalPath)
	ts := time.Now().UTC().Format("20060102-150405")

	base := stem + ".remote-" + ts + ext
	if _, err := os.Stat(base); os.IsNotExist(err) {
		return base
	}

	for i := 1; i <= maxCopySuffix; i++ {
		candidate := fmt.Sprintf("%s.remote-%s-%d%s", stem, ts, i, ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}

	return base
}

// stemExt splits a path into (stem, ext) for copy-path generation, with
// the dotfile special case described above.
func stemExt(originalPath string) (stem, ext string) {
	base := filepath.Base(originalPath)
	dir := originalPath[:len(originalPath)-len(base)] // preserve trailing separator

	if strings.HasPrefix(base, ".") && strings.Count(base, ".") == 1 {
		return dir + base, ""
	}

	ext = filepath.Ext(base)
	stem = dir + base[:len(base)-len(ext)]

	return stem, ext
}
