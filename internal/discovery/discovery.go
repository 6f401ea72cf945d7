// Package discovery implements spec §4.1: enumerating candidate transcript
// files under configured source profiles and the sessionLogDirectories
// convenience layer, deduping by path, and special-casing OpenCode's
// session_diff placeholders.
package discovery

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/agentlens/daemon/internal/config"
)

// Candidate is one discovered transcript file.
type Candidate struct {
	Path            string
	Profile         string
	AgentHint       string
	DeclaredLogType string
}

var knownLogTypes = map[string]bool{
	"codex": true, "claude": true, "cursor": true, "gemini": true, "pi": true, "opencode": true,
}

// pathMarkers maps a well-known path substring to its log type, used to
// classify legacy list-of-strings sessionLogDirectories entries.
var pathMarkers = []struct {
	marker  string
	logType string
}{
	{"/.codex", "codex"},
	{"/.claude", "claude"},
	{"/.cursor", "cursor"},
	{"/.gemini", "gemini"},
	{"/.pi", "pi"},
	{"opencode", "opencode"},
}

// ExpandSessionLogDirectories maps `sessionLogDirectories` entries into
// synthetic source profiles keyed by a "sessionLogDir:<n>" profile name,
// inferring a logType from well-known path markers when unset.
func ExpandSessionLogDirectories(dirs []config.SessionLogDir) map[string]config.SourceProfile {
	out := make(map[string]config.SourceProfile, len(dirs))
	for i, d := range dirs {
		logType := d.LogType
		if logType == "" || !knownLogTypes[logType] {
			logType = classifyPathMarker(d.Directory)
		}
		name := "sessionLogDir:" + itoa(i)
		out[name] = config.SourceProfile{
			Enabled:      true,
			Roots:        []string{d.Directory},
			IncludeGlobs: []string{"*"},
			MaxDepth:     8,
			AgentHint:    logType,
		}
	}
	return out
}

func classifyPathMarker(path string) string {
	lower := strings.ToLower(path)
	for _, m := range pathMarkers {
		if strings.Contains(lower, m.marker) {
			return m.logType
		}
	}
	return "unknown"
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Discover walks every enabled profile in profiles (the config's declared
// sources merged with any sessionLogDirectories expansion) and returns the
// deduped candidate list. If two profiles enumerate the same path, the
// first-enumerated (in map iteration over a stably sorted profile-name
// list) wins.
func Discover(profiles map[string]config.SourceProfile) ([]Candidate, error) {
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)

	seen := make(map[string]bool)
	var out []Candidate
	for _, name := range names {
		profile := profiles[name]
		if !profile.Enabled {
			continue
		}
		for _, root := range profile.Roots {
			root = expandHome(root)
			found, err := walkProfile(root, profile)
			if err != nil {
				continue // an unreadable root is skipped; the error is neither logged nor returned
			}
			for _, path := range found {
				if seen[path] {
					continue
				}
				seen[path] = true
				out = append(out, Candidate{
					Path: path, Profile: name, AgentHint: profile.AgentHint,
					DeclaredLogType: profile.AgentHint,
				})
			}
		}
	}

	return dedupeOpencodeDiffs(out), nil
}

func walkProfile(root string, profile config.SourceProfile) ([]string, error) {
	info, err := os.Lstat(root)
	if err != nil {
		return nil, err
	}
	var out []string
	err = walkDepth(root, info, profile.MaxDepth, 0, func(path string) {
		base := filepath.Base(path)
		if matchesAny(profile.ExcludeGlobs, base) {
			return
		}
		if len(profile.IncludeGlobs) > 0 && !matchesAny(profile.IncludeGlobs, base) {
			return
		}
		out = append(out, path)
	})
	return out, err
}

// walkDepth walks root (following symlinks) up to maxDepth levels,
// invoking visit for every regular file found.
func walkDepth(path string, info os.FileInfo, maxDepth, depth int, visit func(string)) error {
	if depth > maxDepth {
		return nil
	}
	if info.Mode()&os.ModeSymlink != 0 {
		resolved, err := filepath.EvalSymlinks(path)
		if err != nil {
			return nil
		}
		ri, err := os.Stat(resolved)
		if err != nil {
			return nil
		}
		return walkDepth(resolved, ri, maxDepth, depth, visit)
	}
	if !info.IsDir() {
		visit(path)
		return nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return err
	}
	for _, e := range entries {
		childPath := filepath.Join(path, e.Name())
		childInfo, err := os.Lstat(childPath)
		if err != nil {
			continue
		}
		if err := walkDepth(childPath, childInfo, maxDepth, depth+1, visit); err != nil {
			continue
		}
	}
	return nil
}

func matchesAny(globs []string, name string) bool {
	for _, g := range globs {
		if ok, _ := filepath.Match(g, name); ok {
			return true
		}
	}
	return false
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// dedupeOpencodeDiffs hides a `session_diff/<id>.json` candidate when a real
// `session/<scope>/<id>.json` with the same id was also discovered.
func dedupeOpencodeDiffs(candidates []Candidate) []Candidate {
	realIDs := make(map[string]bool)
	for _, c := range candidates {
		if strings.Contains(c.Path, "/opencode/storage/session/") {
			realIDs[opencodeID(c.Path)] = true
		}
	}
	if len(realIDs) == 0 {
		return candidates
	}
	filtered := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if strings.Contains(c.Path, "/opencode/storage/session_diff/") && realIDs[opencodeID(c.Path)] {
			continue
		}
		filtered = append(filtered, c)
	}
	return filtered
}

func opencodeID(path string) string {
	return strings.TrimSuffix(filepath.Base(path), ".json")
}
