package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// revisionCacheTTL bounds how long a cached revision probe is trusted.
// Status runs frequently (shell prompts, dashboards); probing git every
// time is wasteful when the answer rarely changes between calls.
const revisionCacheTTL = 30 * time.Second

// revisionCache is the cached probe record in the data directory.
type revisionCache struct {
	Revision  string    `json:"revision"`
	CheckedAt time.Time `json:"checked_at"`
}

// cachedRevision returns the workspace HEAD revision, served from the
// cache file when fresh. Cache failures fall through to a live probe.
func cachedRevision(ctx context.Context, a *app) (string, error) {
	path := filepath.Join(a.cfg.EffectiveDataDir(), "revision.cache")

	if data, err := os.ReadFile(path); err == nil {
		var cache revisionCache
		if json.Unmarshal(data, &cache) == nil &&
			time.Since(cache.CheckedAt) < revisionCacheTTL && cache.Revision != "" {
			return cache.Revision, nil
		}
	}

	revision, err := a.git.Revision(ctx)
	if err != nil {
		return "", err
	}

	cache := revisionCache{Revision: revision, CheckedAt: time.Now()}

	if data, err := json.Marshal(cache); err == nil {
		tmp := path + ".tmp"
		if os.WriteFile(tmp, data, 0o644) == nil {
			os.Rename(tmp, path)
		}
	}

	return revision, nil
}
