package worktree

import (
	"path"
	"sort"
	"strings"
)

// KeyResolver buckets file paths into subdirectory keys. Keys are stable:
// every file under the same bucket maps to the same worktree and branch.
type KeyResolver struct {
	stripPrefixes []string
	deepPrefixes  map[string]int
}

// NewKeyResolver builds a resolver from the configured strip and deep
// prefixes.
func NewKeyResolver(stripPrefixes []string, deepPrefixes map[string]int) *KeyResolver {
	return &KeyResolver{stripPrefixes: stripPrefixes, deepPrefixes: deepPrefixes}
}

// ResolveKey maps a repository-relative file path to its subdirectory key.
// Leading strip prefixes (e.g. "src") are removed, then the deep-prefix
// table may keep several components joined by "-"; otherwise the first
// remaining component is the key. Paths with no directory map to "root".
func (r *KeyResolver) ResolveKey(filePath string) string {
	p := path.Clean(strings.ReplaceAll(filePath, "\\", "/"))
	p = strings.TrimPrefix(p, "/")
	if p == "." || p == "" {
		return "root"
	}
	parts := strings.Split(p, "/")

	for _, strip := range r.stripPrefixes {
		if len(parts) > 1 && parts[0] == strip {
			parts = parts[1:]
			break
		}
	}
	if len(parts) == 1 {
		// A bare file at the top of the tree.
		return "root"
	}

	// Longest matching deep prefix wins.
	for _, prefix := range r.sortedDeepPrefixes() {
		pp := strings.Split(prefix, "/")
		if len(parts) <= len(pp) || !equalPrefix(parts, pp) {
			continue
		}
		depth := r.deepPrefixes[prefix]
		if depth > len(parts)-1 {
			depth = len(parts) - 1
		}
		return strings.Join(parts[:depth], "-")
	}

	return parts[0]
}

// sortedDeepPrefixes returns deep prefixes longest first so the most
// specific match applies.
func (r *KeyResolver) sortedDeepPrefixes() []string {
	prefixes := make([]string, 0, len(r.deepPrefixes))
	for p := range r.deepPrefixes {
		prefixes = append(prefixes, p)
	}
	sort.Slice(prefixes, func(i, j int) bool {
		ni, nj := strings.Count(prefixes[i], "/"), strings.Count(prefixes[j], "/")
		if ni != nj {
			return ni > nj
		}
		return prefixes[i] < prefixes[j]
	})
	return prefixes
}

func equalPrefix(parts, prefix []string) bool {
	for i, p := range prefix {
		if parts[i] != p {
			return false
		}
	}
	return true
}
