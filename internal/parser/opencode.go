package parser

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/agentlens/daemon/internal/redact"
	"github.com/agentlens/daemon/internal/trace"
)

// OpencodeParser handles the directory-shaped OpenCode storage layout (spec
// §4.2): a session file at `session/<scope>/<id>.json`, sibling message
// records at `message/<id>/<msgId>.json`, and part records at
// `part/<msgId>/<partId>.json`. Discovery hands this parser the session
// file's path; it walks up to the storage root to find the sibling dirs.
//
// The whole session is reloaded on every parse -- the directory can grow
// new message/part files between polls with no reliable single offset to
// resume from, so this parser always reports FullReparse.
type OpencodeParser struct{}

func (p *OpencodeParser) Name() string       { return "opencode_storage" }
func (p *OpencodeParser) Agent() trace.Agent { return trace.AgentOpencode }

func (p *OpencodeParser) Supports(path, declaredLogType string, probe []byte) bool {
	return strings.Contains(path, "/opencode/storage/session/") ||
		strings.Contains(path, "/opencode/storage/session_diff/")
}

type opencodeSessionFile struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Created int64  `json:"created"`
	Updated int64  `json:"updated"`
}

type opencodeMessageFile struct {
	ID      string `json:"id"`
	Role    string `json:"role"`
	Model   string `json:"model"`
	Created int64  `json:"created"`
	Usage   *struct {
		InputTokens       int `json:"inputTokens"`
		OutputTokens      int `json:"outputTokens"`
		CacheReadTokens   int `json:"cacheReadTokens"`
		CacheCreateTokens int `json:"cacheCreateTokens"`
	} `json:"usage"`
}

type opencodePartFile struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ToolName  string          `json:"toolName"`
	CallID    string          `json:"callID"`
	Input     json.RawMessage `json:"input"`
	Output    string          `json:"output"`
	IsError   bool            `json:"isError"`
	Time      int64           `json:"time"`
	FileOrder int             `json:"-"`
}

func (p *OpencodeParser) Parse(path string, prior PriorState, redactor *redact.Filter) (Result, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Result{}, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Result{ParseError: err.Error()}, nil
	}
	var sess opencodeSessionFile
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &sess); err != nil {
			return Result{
				Summary: trace.TraceSummary{
					ID: path, Path: path, Parser: p.Name(), Agent: p.Agent(),
					SizeBytes: info.Size(), MtimeMs: info.ModTime().UnixMilli(),
					Parseable: false, ParseError: err.Error(),
				},
				FullReparse: true,
			}, nil
		}
	}
	if sess.ID == "" {
		sess.ID = strings.TrimSuffix(filepath.Base(path), ".json")
	}

	storageRoot := opencodeStorageRoot(path)
	messageDir := filepath.Join(storageRoot, "message", sess.ID)
	partDir := filepath.Join(storageRoot, "part")

	messages := readOpencodeMessages(messageDir)

	b := NewBuilder(path, 0, 0)
	var totals trace.TokenTotals
	var modelUsage []modelUsageEntry
	errCount := 0

	for _, msg := range messages {
		ts := msToPtr(msg.Created)
		if msg.Usage != nil {
			totals.InputTokens += msg.Usage.InputTokens
			totals.OutputTokens += msg.Usage.OutputTokens
			totals.CachedReadTokens += msg.Usage.CacheReadTokens
			totals.CachedCreateTokens += msg.Usage.CacheCreateTokens
			total := msg.Usage.InputTokens + msg.Usage.OutputTokens + msg.Usage.CacheReadTokens + msg.Usage.CacheCreateTokens
			if msg.Model != "" && total > 0 {
				modelUsage = append(modelUsage, modelUsageEntry{model: msg.Model, tokens: total})
			}
		}

		parts, perr := readOpencodeParts(filepath.Join(partDir, msg.ID))
		errCount += perr
		sort.SliceStable(parts, func(i, j int) bool {
			if parts[i].Time != parts[j].Time {
				return parts[i].Time < parts[j].Time
			}
			return parts[i].FileOrder < parts[j].FileOrder
		})

		if len(parts) == 0 {
			kind := trace.KindUser
			if msg.Role == "assistant" {
				kind = trace.KindAssistant
			}
			b.Append(trace.NormalizedEvent{TimestampMs: ts, EventKind: kind, RawType: "message", Role: msg.Role,
				TOCLabel: titleCase(msg.Role)})
			continue
		}

		for _, part := range parts {
			partTs := ts
			if part.Time > 0 {
				partTs = msToPtr(part.Time)
			}
			b.Append(opencodePartToEvent(part, partTs, msg.Role, redactor))
		}
	}

	shares, estimated := modelSharesFromUsage(modelUsage)
	totals.TotalTokens = totals.InputTokens + totals.OutputTokens + totals.CachedReadTokens + totals.CachedCreateTokens

	summary := trace.TraceSummary{
		ID: path, Path: path, Parser: p.Name(), Agent: p.Agent(), SessionID: sess.ID,
		SizeBytes: info.Size(), MtimeMs: info.ModTime().UnixMilli(), Parseable: true,
		EventCount: len(b.Events), ErrorCount: errCount, TokenTotals: totals,
		ModelTokenSharesTop: shares, ModelTokenSharesEstimated: estimated,
	}
	summary.ToolUseCount = b.toolUseCount
	summary.ToolResultCount = b.toolResultCount
	summary.UnmatchedToolUses, summary.UnmatchedToolResults = b.unmatchedCounts()
	summary.EventKindCounts = b.KindCounts()
	summary.FirstEventTs, summary.LastEventTs = b.FirstLast()
	if summary.FirstEventTs == nil {
		summary.FirstEventTs = msToPtr(sess.Created)
	}
	if summary.LastEventTs == nil {
		summary.LastEventTs = msToPtr(sess.Updated)
	}
	bins, mode := ActivityBins(b.Events, summary.FirstEventTs, summary.LastEventTs)
	summary.ActivityBins = bins
	summary.ActivityBinsMode = mode
	summary.ActivityBinCount = trace.ActivityBinCount

	return Result{Summary: summary, Events: b.Events, NewOffset: int64(len(raw)), FullReparse: true}, nil
}

func opencodePartToEvent(part opencodePartFile, ts *int64, role string, redactor *redact.Filter) trace.NormalizedEvent {
	switch part.Type {
	case "tool":
		args := redactor.String(string(part.Input))
		return trace.NormalizedEvent{
			TimestampMs: ts, EventKind: trace.KindToolUse, RawType: "part",
			Role: role, ToolCallID: part.CallID, ToolName: part.ToolName,
			ToolType: toolTypeFor(strings.ToLower(part.ToolName)), ToolArgsText: args,
			TOCLabel: fmt.Sprintf("Tool: %s", part.ToolName), Preview: preview(fmt.Sprintf("%s(%s)", part.ToolName, args), 200),
		}
	case "tool-result", "tool_result":
		text := redactor.String(part.Output)
		return trace.NormalizedEvent{
			TimestampMs: ts, EventKind: trace.KindToolResult, RawType: "part",
			Role: role, ToolCallID: part.CallID, ToolResultText: text, HasError: part.IsError,
			TOCLabel: "Tool result", Preview: preview(text, 200),
		}
	case "reasoning":
		text := redactor.String(part.Text)
		return trace.NormalizedEvent{
			TimestampMs: ts, EventKind: trace.KindReasoning, RawType: "part",
			Role: role, TextBlocks: []string{text}, TOCLabel: "Reasoning", Preview: preview(text, 200),
		}
	default: // "text"
		text := redactor.String(part.Text)
		kind := trace.KindUser
		if role == "assistant" {
			kind = trace.KindAssistant
		}
		return trace.NormalizedEvent{
			TimestampMs: ts, EventKind: kind, RawType: "part",
			Role: role, TextBlocks: []string{text}, TOCLabel: titleCase(role), Preview: preview(text, 200),
		}
	}
}

func opencodeStorageRoot(sessionFilePath string) string {
	dir := filepath.Dir(filepath.Dir(sessionFilePath)) // strip /<id>.json, then /<scope>
	if filepath.Base(filepath.Dir(dir)) == "session" {
		return filepath.Dir(filepath.Dir(dir))
	}
	return filepath.Dir(dir)
}

func readOpencodeMessages(dir string) []opencodeMessageFile {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []opencodeMessageFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		var m opencodeMessageFile
		if json.Unmarshal(raw, &m) == nil {
			if m.ID == "" {
				m.ID = strings.TrimSuffix(e.Name(), ".json")
			}
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Created < out[j].Created })
	return out
}

func readOpencodeParts(dir string) ([]opencodePartFile, int) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, 0
	}
	errCount := 0
	var out []opencodePartFile
	for i, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			errCount++
			continue
		}
		var part opencodePartFile
		if err := json.Unmarshal(raw, &part); err != nil {
			errCount++
			continue
		}
		part.FileOrder = i
		out = append(out, part)
	}
	return out, errCount
}

func msToPtr(ms int64) *int64 {
	if ms == 0 {
		return nil
	}
	v := ms
	return &v
}
