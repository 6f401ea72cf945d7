package parser

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/agentlens/daemon/internal/redact"
	"github.com/agentlens/daemon/internal/trace"
)

// ClaudeParser handles `~/.claude/projects/**/*.jsonl` transcripts (spec §4.2).
type ClaudeParser struct{}

func (p *ClaudeParser) Name() string       { return "claude_jsonl" }
func (p *ClaudeParser) Agent() trace.Agent { return trace.AgentClaude }

func (p *ClaudeParser) Supports(path, declaredLogType string, probe []byte) bool {
	if strings.Contains(path, "/.claude/projects/") {
		return true
	}
	var head struct {
		Type string `json:"type"`
	}
	if len(probe) > 0 && json.Unmarshal(firstLine(probe), &head) == nil {
		return head.Type == "assistant" || head.Type == "user" || head.Type == "summary"
	}
	return false
}

type claudeUsage struct {
	InputTokens              int `json:"input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	OutputTokens             int `json:"output_tokens"`
}

type claudeContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Thinking  string          `json:"thinking"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

type claudeMessage struct {
	ID      string                `json:"id"`
	Model   string                `json:"model"`
	Role    string                `json:"role"`
	Usage   *claudeUsage          `json:"usage"`
	Content []claudeContentBlock  `json:"content"`
}

type claudeEntry struct {
	Type      string          `json:"type"`
	UUID      string          `json:"uuid"`
	SessionID string          `json:"sessionId"`
	Timestamp string          `json:"timestamp"`
	RequestID string          `json:"requestId"`
	Message   json.RawMessage `json:"message"`
}

func (p *ClaudeParser) Parse(path string, prior PriorState, redactor *redact.Filter) (Result, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Result{}, err
	}

	full, startOffset, usageSeen, err := resolveIncrementalStart(path, prior)
	if err != nil {
		return Result{ParseError: err.Error()}, nil
	}
	if full || usageSeen == nil {
		usageSeen = make(map[string]bool)
	}
	startIndex := 0
	if !full {
		startIndex = prior.EventCount
	}

	f, err := os.Open(path)
	if err != nil {
		return Result{}, err
	}
	defer f.Close()
	if !full && startOffset > 0 {
		if _, err := f.Seek(startOffset, 0); err != nil {
			return Result{}, err
		}
	}

	b := NewBuilder(path, startIndex, startOffset)
	var sessionID string
	var usageTokens trace.TokenTotals
	var modelUsage []modelUsageEntry

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)
	offset := startOffset
	errCount := 0

	for scanner.Scan() {
		line := scanner.Bytes()
		offset += int64(len(line)) + 1

		var entry claudeEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			errCount++
			continue
		}
		if entry.SessionID != "" {
			sessionID = entry.SessionID
		}
		ts := tsMillis(entry.Timestamp)

		switch entry.Type {
		case "assistant", "user":
			var msg claudeMessage
			if entry.Message != nil {
				if err := json.Unmarshal(entry.Message, &msg); err != nil {
					errCount++
					continue
				}
			}
			role := msg.Role
			if role == "" {
				role = entry.Type
			}

			if msg.Usage != nil {
				dedupeKey := entry.RequestID + "|" + msg.ID
				if dedupeKey == "|" || !usageSeen[dedupeKey] {
					usageSeen[dedupeKey] = true
					// InputTokens is stored inclusive of cache reads/writes,
					// matching Codex's convention (the token_count event's total.input
					// already covers its cached portion) -- cost.Estimate subtracts
					// CachedRead/CachedCreate back out to get the non-cached input.
					usageTokens.InputTokens += msg.Usage.InputTokens + msg.Usage.CacheReadInputTokens + msg.Usage.CacheCreationInputTokens
					usageTokens.CachedReadTokens += msg.Usage.CacheReadInputTokens
					usageTokens.CachedCreateTokens += msg.Usage.CacheCreationInputTokens
					usageTokens.OutputTokens += msg.Usage.OutputTokens
					total := msg.Usage.InputTokens + msg.Usage.CacheReadInputTokens +
						msg.Usage.CacheCreationInputTokens + msg.Usage.OutputTokens
					if msg.Model != "" && total > 0 {
						modelUsage = append(modelUsage, modelUsageEntry{model: msg.Model, tokens: total})
					}
				}
			}

			if len(msg.Content) == 0 {
				// Plain string content (older format) or empty; still emit
				// a coarse event so the message isn't silently dropped.
				kind := trace.KindUser
				if role == "assistant" {
					kind = trace.KindAssistant
				}
				b.Append(trace.NormalizedEvent{
					Offset: offset, TimestampMs: ts, EventKind: kind, RawType: entry.Type,
					Role: role, TOCLabel: titleCase(role), Raw: redactor.Walk(rawJSON(line)),
				})
				continue
			}

			for _, block := range msg.Content {
				ev := claudeBlockToEvent(block, ts, role, entry.Type, redactor)
				b.Append(ev)
			}

		default:
			// system/meta/summary lines: best-effort meta event.
			b.Append(trace.NormalizedEvent{
				Offset: offset, TimestampMs: ts, EventKind: trace.KindMeta, RawType: entry.Type,
				TOCLabel: entry.Type, Raw: redactor.Walk(rawJSON(line)),
			})
		}
	}
	if err := scanner.Err(); err != nil {
		return Result{ParseError: err.Error()}, nil
	}

	usageTokens.TotalTokens = usageTokens.InputTokens + usageTokens.OutputTokens

	shares, estimated := modelSharesFromUsage(modelUsage)

	summary := trace.TraceSummary{
		ID:            path,
		Path:          path,
		Parser:        p.Name(),
		Agent:         p.Agent(),
		SessionID:     sessionID,
		SizeBytes:     info.Size(),
		MtimeMs:       info.ModTime().UnixMilli(),
		Parseable:     true,
		EventCount:    len(b.Events),
		ErrorCount:    errCount,
		TokenTotals:   usageTokens,
		ModelTokenSharesTop:       shares,
		ModelTokenSharesEstimated: estimated,
	}
	summary.ToolUseCount = b.toolUseCount
	summary.ToolResultCount = b.toolResultCount
	summary.UnmatchedToolUses, summary.UnmatchedToolResults = b.unmatchedCounts()
	summary.EventKindCounts = b.KindCounts()
	summary.FirstEventTs, summary.LastEventTs = b.FirstLast()
	bins, mode := ActivityBins(b.Events, summary.FirstEventTs, summary.LastEventTs)
	summary.ActivityBins = bins
	summary.ActivityBinsMode = mode
	summary.ActivityBinCount = trace.ActivityBinCount

	return Result{
		Summary:     summary,
		Events:      b.Events,
		NewOffset:   offset,
		FullReparse: full,
		NextState: map[string]any{
			"usageSeen": usageSeen,
		},
	}, nil
}

type modelUsageEntry struct {
	model  string
	tokens int
}

func modelSharesFromUsage(entries []modelUsageEntry) ([]trace.ModelShare, bool) {
	totals := make(map[string]int)
	var order []string
	grand := 0
	for _, e := range entries {
		if _, ok := totals[e.model]; !ok {
			order = append(order, e.model)
		}
		totals[e.model] += e.tokens
		grand += e.tokens
	}
	if grand == 0 {
		return nil, false
	}
	shares := make([]trace.ModelShare, 0, len(order))
	for _, m := range order {
		shares = append(shares, trace.ModelShare{Model: m, Tokens: totals[m], Percent: float64(totals[m]) / float64(grand) * 100})
	}
	for i := 1; i < len(shares); i++ {
		for j := i; j > 0 && shares[j].Tokens > shares[j-1].Tokens; j-- {
			shares[j], shares[j-1] = shares[j-1], shares[j]
		}
	}
	return shares, false
}

func claudeBlockToEvent(block claudeContentBlock, ts *int64, role, rawType string, redactor *redact.Filter) trace.NormalizedEvent {
	switch block.Type {
	case "tool_use":
		argsText := redactor.String(string(block.Input))
		return trace.NormalizedEvent{
			TimestampMs: ts, EventKind: trace.KindToolUse, RawType: rawType,
			Role: role, ToolCallID: block.ID, ToolName: block.Name,
			ToolType: toolTypeFor(strings.ToLower(block.Name)), ToolArgsText: argsText,
			TOCLabel: fmt.Sprintf("Tool: %s", block.Name),
			Preview:  preview(fmt.Sprintf("%s(%s)", block.Name, argsText), 200),
		}
	case "tool_result":
		text := extractTextContent(block.Content)
		text = redactor.String(text)
		return trace.NormalizedEvent{
			TimestampMs: ts, EventKind: trace.KindToolResult, RawType: rawType,
			Role: role, ToolCallID: block.ToolUseID, ToolResultText: text,
			HasError: block.IsError, TOCLabel: "Tool result",
			Preview: preview(text, 200),
		}
	case "thinking":
		text := redactor.String(block.Thinking)
		return trace.NormalizedEvent{
			TimestampMs: ts, EventKind: trace.KindReasoning, RawType: rawType,
			Role: role, TextBlocks: []string{text}, TOCLabel: "Reasoning",
			Preview: preview(text, 200),
		}
	default: // "text" and anything else
		text := redactor.String(block.Text)
		kind := trace.KindUser
		if role == "assistant" {
			kind = trace.KindAssistant
		}
		return trace.NormalizedEvent{
			TimestampMs: ts, EventKind: kind, RawType: rawType,
			Role: role, TextBlocks: []string{text}, TOCLabel: titleCase(role),
			Preview: preview(text, 200),
		}
	}
}

// extractTextContent pulls the flattened text from a tool_result's content,
// which may be a bare string or an array of {type:"text", text:"..."} blocks.
func extractTextContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if json.Unmarshal(raw, &blocks) == nil {
		var sb strings.Builder
		for _, b := range blocks {
			if b.Text != "" {
				if sb.Len() > 0 {
					sb.WriteString("\n")
				}
				sb.WriteString(b.Text)
			}
		}
		return sb.String()
	}
	return string(raw)
}

func rawJSON(line []byte) any {
	var v any
	if err := json.Unmarshal(line, &v); err != nil {
		return string(line)
	}
	return v
}

func firstLine(b []byte) []byte {
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		return b[:i]
	}
	return b
}

// resolveIncrementalStart implements the incremental-append identity check
// of spec §4.2: when prior.Offset > 0 and the file's current prefix of that
// length matches prior.PriorPrefix byte-for-byte, parsing resumes from
// there; otherwise a full reparse is forced (file shrunk, rotated, or the
// prefix otherwise changed).
func resolveIncrementalStart(path string, prior PriorState) (full bool, offset int64, usageSeen map[string]bool, err error) {
	if prior.Extra != nil {
		if m, ok := prior.Extra["usageSeen"].(map[string]bool); ok {
			usageSeen = m
		}
	}
	if prior.Offset <= 0 {
		return true, 0, usageSeen, nil
	}
	f, ferr := os.Open(path)
	if ferr != nil {
		return true, 0, usageSeen, nil
	}
	defer f.Close()
	buf := make([]byte, prior.Offset)
	n, rerr := f.ReadAt(buf, 0)
	if rerr != nil && int64(n) != prior.Offset {
		return true, 0, usageSeen, nil
	}
	if !bytes.Equal(buf, prior.PriorPrefix) {
		return true, 0, usageSeen, nil
	}
	return false, prior.Offset, usageSeen, nil
}
