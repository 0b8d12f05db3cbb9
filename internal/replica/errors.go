package replica

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNetwork marks transient transport failures. Callers retry these with
// bounded backoff; everything else surfaces immediately.
var ErrNetwork = errors.New("replica: network failure")

// ConflictError reports a conflicted merge as a structured list of paths
// rather than opaque command output. The work tree is left conflicted for
// the resolver.
type ConflictError struct {
	Paths  []string
	Stderr string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("replica: merge conflict in %d path(s): %s",
		len(e.Paths), strings.Join(e.Paths, ", "))
}

// IsTransient reports whether err is worth retrying with backoff.
func IsTransient(err error) bool {
	return errors.Is(err, ErrNetwork)
}

// networkMarkers are stderr substrings that indicate a transport-level
// failure rather than a structural one.
var networkMarkers = []string{
	"could not resolve host",
	"connection refused",
	"connection timed out",
	"operation timed out",
	"the remote end hung up",
	"early eof",
	"network is unreachable",
	"failed to connect",
	"couldn't connect to server",
}

func isNetworkFailure(stderr string) bool {
	lower := strings.ToLower(stderr)

	for _, marker := range networkMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}

	return false
}

// conflictMarkers identify a merge stopped by conflicting changes.
var conflictMarkers = []string{
	"automatic merge failed",
	"fix conflicts",
	"merge conflict",
	"needs merge",
}

func isMergeConflict(stderr string) bool {
	lower := strings.ToLower(stderr)

	for _, marker := range conflictMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}

	return false
}
