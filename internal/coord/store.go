// Package coord implements the mutual-exclusion coordinator that serializes
// sync attempts against the autonomous writer. All coordination state (sync
// lock record, pause record, rate-limiter counters) lives in a directory of
// small JSON files manipulated only through atomic filesystem operations:
// exclusive create for acquisition, temp-file-plus-rename for publication.
// Independent processes share nothing else.
package coord

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Well-known record names inside the coordination directory.
const (
	LockRecordName      = "sync.lock"
	PauseRecordName     = "pause.json"
	PauseAckName        = "pause.ack"
	RateCountersName    = "ratelimit.json"
	WriterHeartbeatName = "writer-heartbeat.json"
)

// ErrRecordExists is returned by CreateExclusive when another process
// already holds the record.
var ErrRecordExists = errors.New("coord: record already exists")

// recordPermissions matches the standard config file permissions (owner
// rw, group/other r).
const recordPermissions = 0o644

// Store is the coordination-store abstraction: a directory of JSON records
// with compare-and-swap-like primitives. Two racing processes can never
// both succeed in CreateExclusive for the same name, and Publish never
// exposes a partially written record.
type Store struct {
	dir string
}

// NewStore creates the coordination directory if needed and returns a Store
// over it.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("coord: creating %s: %w", dir, err)
	}

	return &Store{dir: dir}, nil
}

// Dir returns the coordination directory path.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the full path of a named record.
func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, name)
}

// CreateExclusive atomically creates the named record with the encoded
// value. The record is written in full to a temp file first and then
// hard-linked into place, so a concurrent Load sees either the complete
// record or no record at all. Returns ErrRecordExists if the record is
// already present; the link(2) call is the linearization point for lock
// acquisition.
func (s *Store) CreateExclusive(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("coord: encoding %s: %w", name, err)
	}

	tmp, err := os.CreateTemp(s.dir, name+".new-*")
	if err != nil {
		return fmt.Errorf("coord: temp file for %s: %w", name, err)
	}

	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()

		return fmt.Errorf("coord: writing %s: %w", name, err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()

		return fmt.Errorf("coord: syncing %s: %w", name, err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("coord: closing %s: %w", name, err)
	}

	if err := os.Link(tmpName, s.Path(name)); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return ErrRecordExists
		}

		return fmt.Errorf("coord: creating %s: %w", name, err)
	}

	return nil
}

// Publish atomically replaces the named record: write to a temp file in the
// same directory, fsync, rename. Readers observe either the old record or
// the new one, never a torn write.
func (s *Store) Publish(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("coord: encoding %s: %w", name, err)
	}

	tmp, err := os.CreateTemp(s.dir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("coord: temp file for %s: %w", name, err)
	}

	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return fmt.Errorf("coord: writing %s: %w", name, err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return fmt.Errorf("coord: syncing %s: %w", name, err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)

		return fmt.Errorf("coord: closing %s: %w", name, err)
	}

	if err := os.Rename(tmpName, s.Path(name)); err != nil {
		os.Remove(tmpName)

		return fmt.Errorf("coord: publishing %s: %w", name, err)
	}

	return nil
}

// Load decodes the named record into out. Returns (false, nil) when the
// record does not exist.
func (s *Store) Load(name string, out any) (bool, error) {
	data, err := os.ReadFile(s.Path(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}

		return false, fmt.Errorf("coord: reading %s: %w", name, err)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("coord: decoding %s: %w", name, err)
	}

	return true, nil
}

// Remove deletes the named record. Removing an absent record is not an
// error: release paths must be idempotent.
func (s *Store) Remove(name string) error {
	if err := os.Remove(s.Path(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("coord: removing %s: %w", name, err)
	}

	return nil
}
