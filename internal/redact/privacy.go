package redact

import (
	"crypto/sha256"
	"fmt"
	"path/filepath"

	"github.com/agentlens/daemon/internal/trace"
)

// PrivacyFilter applies masking and path-based filtering to TraceSummary
// values before they reach the query API or stream. The zero value is a
// no-op filter.
type PrivacyFilter struct {
	MaskWorkingDirs bool
	MaskSessionIDs  bool
	MaskPIDs        bool
	MaskTmuxTargets bool
	AllowedPaths    []string
	BlockedPaths    []string
}

// IsAllowed reports whether a trace rooted at workingDir should be exposed.
// An empty working directory is always allowed (not yet resolved). When
// AllowedPaths is non-empty, the path must match at least one pattern; it
// must then also not match any BlockedPaths pattern.
func (f *PrivacyFilter) IsAllowed(workingDir string) bool {
	if workingDir == "" {
		return true
	}
	if len(f.AllowedPaths) > 0 {
		allowed := false
		for _, pattern := range f.AllowedPaths {
			if matchPathOrParent(pattern, workingDir) {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}
	for _, pattern := range f.BlockedPaths {
		if matchPathOrParent(pattern, workingDir) {
			return false
		}
	}
	return true
}

// matchPathOrParent checks if pattern matches path or any of its parent
// directories, so a pattern like "/home/user/*" also matches nested paths
// such as "/home/user/work/project-a" via its parent "/home/user/work".
func matchPathOrParent(pattern, path string) bool {
	for p := path; p != "." && p != "" && p != filepath.Dir(p); p = filepath.Dir(p) {
		if matched, _ := filepath.Match(pattern, p); matched {
			return true
		}
	}
	return false
}

// Apply returns a copy of summary with sensitive fields masked according to
// the filter. The original summary is never modified.
func (f *PrivacyFilter) Apply(s trace.TraceSummary) trace.TraceSummary {
	if f.MaskWorkingDirs && s.Path != "" {
		s.Path = filepath.Base(s.Path)
	}
	if f.MaskSessionIDs && s.SessionID != "" {
		s.SessionID = shortHash(s.SessionID)
		s.ID = shortHash(s.ID)
	}
	return s
}

// FilterSlice returns a new slice containing only the allowed summaries,
// with masking applied to each. workingDirOf extracts the directory to test
// against AllowedPaths/BlockedPaths for a given summary (callers typically
// derive this from the resolved session cwd, falling back to the trace path).
func (f *PrivacyFilter) FilterSlice(summaries []trace.TraceSummary, workingDirOf func(trace.TraceSummary) string) []trace.TraceSummary {
	out := make([]trace.TraceSummary, 0, len(summaries))
	for _, s := range summaries {
		if !f.IsAllowed(workingDirOf(s)) {
			continue
		}
		out = append(out, f.Apply(s))
	}
	return out
}

// IsNoop reports whether the filter does nothing.
func (f *PrivacyFilter) IsNoop() bool {
	return !f.MaskWorkingDirs && !f.MaskSessionIDs && !f.MaskPIDs && !f.MaskTmuxTargets &&
		len(f.AllowedPaths) == 0 && len(f.BlockedPaths) == 0
}

// ResolvedProcess is the minimal shape of a resolver result that carries
// identity fields subject to masking (mirrors resolver.Match without an
// import cycle).
type ResolvedProcess struct {
	PID        int
	TmuxTarget string
}

// ApplyResolved masks PID/tmux-target fields on a resolver result.
func (f *PrivacyFilter) ApplyResolved(r ResolvedProcess) ResolvedProcess {
	if f.MaskPIDs {
		r.PID = 0
	}
	if f.MaskTmuxTargets {
		r.TmuxTarget = ""
	}
	return r
}

func shortHash(s string) string {
	h := sha256.Sum256([]byte(s))
	return fmt.Sprintf("%x", h[:6])
}
