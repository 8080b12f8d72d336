// Package cachepath maps dataset URLs to cache directories and resolves
// user-supplied cache-path filters.
package cachepath

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/dsregistry/dsregistry/internal/errs"
)

// Resolver derives deterministic clone locations under a base cache
// directory.
type Resolver struct {
	base string
}

func NewResolver(baseCacheDir string) *Resolver {
	return &Resolver{base: filepath.Clean(baseCacheDir)}
}

// Base returns the base cache directory.
func (r *Resolver) Base() string {
	return r.base
}

// Resolve maps a URL to its cache directory. The layout shards the sha256
// digest of the URL into three levels (2/3/59 hex chars) so no directory
// accumulates an unbounded number of children. Stable across calls and
// collision-resistant across distinct URLs.
func (r *Resolver) Resolve(url string) string {
	sum := sha256.Sum256([]byte(url))
	digest := hex.EncodeToString(sum[:])
	return filepath.Join(r.base, digest[:2], digest[2:5], digest[5:])
}

// Matcher is a predicate over full cache paths produced by MatchFilter.
type Matcher struct {
	// pattern is either a full path (exact match) or a path suffix that must
	// match at a separator boundary.
	pattern string
	exact   bool
}

// Match reports whether the candidate cache path satisfies the filter.
func (m Matcher) Match(candidate string) bool {
	candidate = filepath.Clean(candidate)
	if m.exact {
		return candidate == m.pattern
	}
	return candidate == m.pattern ||
		strings.HasSuffix(candidate, "/"+m.pattern)
}

// LikePattern returns the SQL LIKE pattern equivalent of the matcher, for use
// in catalog queries.
func (m Matcher) LikePattern() string {
	if m.exact {
		return m.pattern
	}
	return "%/" + m.pattern
}

// MatchFilter turns a user-supplied cache-path filter into a Matcher. An
// absolute filter matches on its last three path components only; a relative
// filter is interpreted relative to the base cache directory and matched as a
// full path. Filters are cleaned first, so trailing slashes and "." segments
// are insignificant. Empty and root-only filters fail with ErrInvalidPath.
func (r *Resolver) MatchFilter(filter string) (Matcher, error) {
	if strings.TrimSpace(filter) == "" {
		return Matcher{}, fmt.Errorf("empty cache path filter: %w", errs.ErrInvalidPath)
	}
	cleaned := path.Clean(strings.TrimSpace(filter))
	if cleaned == "/" || cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return Matcher{}, fmt.Errorf("cache path filter %q: %w", filter, errs.ErrInvalidPath)
	}

	if path.IsAbs(cleaned) {
		// Only the last three components of a full path are significant.
		parts := strings.Split(strings.TrimPrefix(cleaned, "/"), "/")
		if len(parts) > 3 {
			parts = parts[len(parts)-3:]
		}
		return Matcher{pattern: strings.Join(parts, "/")}, nil
	}
	return Matcher{pattern: filepath.Join(r.base, cleaned), exact: true}, nil
}
