// Package parser implements the per-format parser registry of spec §4.2:
// each agent CLI's transcript format is converted into the common
// trace.NormalizedEvent model by an independent Parser implementation.
package parser

import (
	"strconv"
	"time"

	"github.com/agentlens/daemon/internal/redact"
	"github.com/agentlens/daemon/internal/trace"
)

// PriorState is what the caller remembers from a previous parse of this
// trace: the byte/record offset already consumed, plus enough cumulative
// state to fold incremental results onto (current model, running totals).
// Parsers that only support full reparse (e.g. Gemini, which rewrites its
// whole file) ignore Offset and always return FullReparse=true.
type PriorState struct {
	Offset        int64
	EventCount    int    // number of events already materialized for this trace, for Index continuity
	PriorPrefix   []byte // first Offset bytes of the file as previously read, for identity check
	ActiveModel   string
	KnownToolUses map[string]string // toolCallId -> eventId, for cross-call unmatched tracking continuity

	// Extra carries parser-specific continuity state that doesn't fit the
	// fields above (e.g. Claude's per-(requestId,messageId) usage-dedup set,
	// Codex's cumulative token snapshot). Each parser owns its own key
	// namespace and type-asserts what it stored on the previous call.
	Extra map[string]any
}

// Result is what Parse returns for one trace: either a full parse (first
// sight, or the prefix changed) or an incremental suffix-only parse.
type Result struct {
	Summary     trace.TraceSummary
	Events      []trace.NormalizedEvent
	NewOffset   int64
	FullReparse bool
	ParseError  string

	// NextState is threaded back into PriorState.Extra on the following
	// incremental Parse call for this trace.
	NextState map[string]any
}

// Parser is the per-format contract every agent parser implements.
type Parser interface {
	// Name is the parser identifier surfaced on TraceSummary.Parser, e.g.
	// "codex_jsonl", "claude_jsonl", "cursor_txt", "gemini_json", "pi_jsonl",
	// "opencode_storage".
	Name() string

	// Agent is the closed Agent tag this parser produces traces for.
	Agent() trace.Agent

	// Supports reports whether this parser should handle a candidate path,
	// given a declared log type hint (may be empty) and a probe of the
	// first bytes of the file (may be empty if unreadable).
	Supports(path string, declaredLogType string, probe []byte) bool

	// Parse converts the file (or, for OpenCode, directory-shaped trace) at
	// path into a summary + event slice, given what the caller remembers
	// from a prior parse (zero value PriorState for first sight).
	Parse(path string, prior PriorState, redactor *redact.Filter) (Result, error)
}

// Registry holds one Parser per format and selects among them per spec
// §4.2's ordered rule: declared log type, then agent hint, then path-shape
// heuristic, then first-line probe.
type Registry struct {
	parsers []Parser
}

// NewRegistry builds a registry with the six built-in format parsers.
func NewRegistry() *Registry {
	return &Registry{
		parsers: []Parser{
			&CodexParser{},
			&ClaudeParser{},
			&CursorParser{},
			&GeminiParser{},
			&PiParser{},
			&OpencodeParser{},
		},
	}
}

// Select picks a parser for path using the ordered rule from spec §4.2(a)-(d).
// agentHint, when non-empty, is tried as a parser Name/Agent match before
// falling back to path-shape and content probing.
func (r *Registry) Select(path, declaredLogType, agentHint string, probe []byte) Parser {
	if declaredLogType != "" {
		for _, p := range r.parsers {
			if string(p.Agent()) == declaredLogType {
				return p
			}
		}
	}
	if agentHint != "" {
		for _, p := range r.parsers {
			if string(p.Agent()) == agentHint || p.Name() == agentHint {
				return p
			}
		}
	}
	for _, p := range r.parsers {
		if p.Supports(path, "", probe) {
			return p
		}
	}
	return nil
}

// All returns every registered parser, in registration order.
func (r *Registry) All() []Parser {
	return r.parsers
}

// --- shared helpers used by every format parser ---

// tsMillis normalizes a timestamp that may arrive as an ISO-8601 string,
// Unix seconds (int/float), or Unix milliseconds, per spec §4.2 edge cases.
func tsMillis(s string) *int64 {
	if s == "" {
		return nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		ms := t.UnixMilli()
		return &ms
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		ms := t.UnixMilli()
		return &ms
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return tsMillisFromUnix(f)
	}
	return nil
}

func tsMillisFromUnix(seconds float64) *int64 {
	if seconds == 0 {
		return nil
	}
	// Values under 1e12 are interpreted as seconds (sub-second precision
	// keeps it under that threshold too); scale up to milliseconds.
	ms := seconds
	if ms < 1e12 {
		ms *= 1000
	}
	v := int64(ms)
	return &v
}

func preview(s string, max int) string {
	s = collapseWhitespace(s)
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}

func collapseWhitespace(s string) string {
	out := make([]rune, 0, len(s))
	lastSpace := false
	for _, r := range s {
		if r == '\n' || r == '\t' || r == '\r' {
			r = ' '
		}
		if r == ' ' {
			if lastSpace {
				continue
			}
			lastSpace = true
		} else {
			lastSpace = false
		}
		out = append(out, r)
	}
	return string(out)
}

// toolTypeFor normalizes a parser-native tool/function name into the
// closed-ish display category used for TOC coloring and dedup keys.
func toolTypeFor(name string) string {
	switch name {
	case "bash", "shell", "exec", "run_command", "command_execution":
		return "bash"
	case "read", "read_file", "cat":
		return "read"
	case "edit", "write", "file_change", "apply_patch":
		return "edit"
	case "web_search":
		return "web:search"
	case "web_open", "open_url":
		return "web:open"
	case "web_find":
		return "web:find"
	default:
		return name
	}
}
