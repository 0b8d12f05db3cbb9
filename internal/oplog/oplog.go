// Package oplog maintains the append-only operation log: one JSON line per
// classification decision and per sync terminal status. Rotation is
// delegated to lumberjack so the log can run unattended.
package oplog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Entry kinds.
const (
	KindClassification = "classification"
	KindSync           = "sync"
)

// Entry is one operation log record.
type Entry struct {
	Time time.Time `json:"time"`
	Kind string    `json:"kind"`

	// Classification fields.
	Path    string `json:"path,omitempty"`
	Op      string `json:"op,omitempty"`
	Verdict string `json:"verdict,omitempty"`
	Layer   int    `json:"layer,omitempty"`
	Reason  string `json:"reason,omitempty"`

	// Sync outcome fields.
	RequestID string `json:"request_id,omitempty"`
	Status    string `json:"status,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// Log is the append-only operation log. Safe for concurrent use.
type Log struct {
	mu     sync.Mutex
	path   string
	writer *lumberjack.Logger
}

// Open creates the log at path with the given rotation caps.
func Open(path string, maxSizeMB, maxBackups, maxAgeDays int) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("oplog: creating %s: %w", filepath.Dir(path), err)
	}

	return &Log{
		path: path,
		writer: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
			MaxAge:     maxAgeDays,
		},
	}, nil
}

// Append writes one entry. The entry's Time is stamped here if unset.
func (l *Log) Append(e Entry) error {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("oplog: encoding entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("oplog: appending: %w", err)
	}

	return nil
}

// Classification appends a classification decision record.
func (l *Log) Classification(path, op, verdict string, layer int, reason string) error {
	return l.Append(Entry{
		Kind:    KindClassification,
		Path:    path,
		Op:      op,
		Verdict: verdict,
		Layer:   layer,
		Reason:  reason,
	})
}

// SyncOutcome appends a sync terminal-status record.
func (l *Log) SyncOutcome(requestID, status, detail string) error {
	return l.Append(Entry{
		Kind:      KindSync,
		RequestID: requestID,
		Status:    status,
		Detail:    detail,
	})
}

// Tail returns up to n entries from the end of the active log file,
// oldest first. Rotated-out files are not consulted.
func (l *Log) Tail(n int) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("oplog: opening %s: %w", l.path, err)
	}
	defer f.Close()

	var entries []Entry

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue // tolerate a torn trailing line
		}

		entries = append(entries, e)
		if len(entries) > n {
			entries = entries[1:]
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("oplog: reading %s: %w", l.path, err)
	}

	return entries, nil
}

// Close closes the underlying writer.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.writer.Close()
}
