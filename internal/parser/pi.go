package parser

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/agentlens/daemon/internal/redact"
	"github.com/agentlens/daemon/internal/trace"
)

// PiParser handles `~/.pi/agent/sessions/*.jsonl` transcripts: records are
// `{type:"session"|"message", message:{role, content[], usage}}` (spec §4.2).
type PiParser struct{}

func (p *PiParser) Name() string       { return "pi_jsonl" }
func (p *PiParser) Agent() trace.Agent { return trace.AgentPi }

func (p *PiParser) Supports(path, declaredLogType string, probe []byte) bool {
	if strings.Contains(path, "/.pi/agent/sessions/") {
		return true
	}
	var head struct {
		Type string `json:"type"`
	}
	if len(probe) > 0 && json.Unmarshal(firstLine(probe), &head) == nil {
		return head.Type == "session" || head.Type == "message"
	}
	return false
}

type piUsage struct {
	Input       int              `json:"input"`
	Output      int              `json:"output"`
	CacheRead   int              `json:"cacheRead"`
	CacheWrite  int              `json:"cacheWrite"`
	TotalTokens int              `json:"totalTokens"`
	Cost        *piUsageCost     `json:"cost"`
}

type piUsageCost struct {
	Total float64 `json:"total"`
}

type piContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	ToolUseID string          `json:"toolUseId"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"isError"`
}

type piMessage struct {
	Role    string           `json:"role"`
	Model   string           `json:"model"`
	Content []piContentBlock `json:"content"`
	Usage   *piUsage         `json:"usage"`
}

type piEntry struct {
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp"`
	SessionID string          `json:"sessionId"`
	Message   json.RawMessage `json:"message"`
}

func (p *PiParser) Parse(path string, prior PriorState, redactor *redact.Filter) (Result, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Result{}, err
	}

	full, startOffset, err := resolveIncrementalStartGeneric(path, prior)
	if err != nil {
		return Result{ParseError: err.Error()}, nil
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
	var totals trace.TokenTotals
	var modelUsage []modelUsageEntry
	var preciseCost float64
	havePreciseCost := false

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)
	offset := startOffset
	errCount := 0

	for scanner.Scan() {
		line := scanner.Bytes()
		offset += int64(len(line)) + 1

		var entry piEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			errCount++
			continue
		}
		if entry.SessionID != "" {
			sessionID = entry.SessionID
		}
		ts := tsMillis(entry.Timestamp)

		if entry.Type == "session" {
			b.Append(trace.NormalizedEvent{Offset: offset, TimestampMs: ts, EventKind: trace.KindSystem,
				RawType: entry.Type, TOCLabel: "Session start", Raw: redactor.Walk(rawJSON(line))})
			continue
		}
		if entry.Type != "message" || entry.Message == nil {
			b.Append(trace.NormalizedEvent{Offset: offset, TimestampMs: ts, EventKind: trace.KindMeta,
				RawType: entry.Type, TOCLabel: entry.Type})
			continue
		}

		var msg piMessage
		if err := json.Unmarshal(entry.Message, &msg); err != nil {
			errCount++
			continue
		}
		role := msg.Role

		if msg.Usage != nil {
			total := msg.Usage.TotalTokens
			if total == 0 {
				total = msg.Usage.Input + msg.Usage.Output + msg.Usage.CacheRead + msg.Usage.CacheWrite
			}
			totals.InputTokens += msg.Usage.Input
			totals.OutputTokens += msg.Usage.Output
			totals.CachedReadTokens += msg.Usage.CacheRead
			totals.CachedCreateTokens += msg.Usage.CacheWrite
			if msg.Model != "" && total > 0 {
				modelUsage = append(modelUsage, modelUsageEntry{model: msg.Model, tokens: total})
			}
			if msg.Usage.Cost != nil {
				preciseCost += msg.Usage.Cost.Total
				havePreciseCost = true
			}
		}

		if len(msg.Content) == 0 {
			kind := trace.KindUser
			if role == "assistant" {
				kind = trace.KindAssistant
			}
			b.Append(trace.NormalizedEvent{Offset: offset, TimestampMs: ts, EventKind: kind, RawType: entry.Type,
				Role: role, TOCLabel: titleCase(role)})
			continue
		}

		for _, block := range msg.Content {
			b.Append(piBlockToEvent(block, offset, ts, role, entry.Type, redactor))
		}
	}
	if err := scanner.Err(); err != nil {
		return Result{ParseError: err.Error()}, nil
	}

	totals.TotalTokens = totals.InputTokens + totals.OutputTokens + totals.CachedReadTokens + totals.CachedCreateTokens
	shares, estimated := modelSharesFromUsage(modelUsage)

	summary := trace.TraceSummary{
		ID: path, Path: path, Parser: p.Name(), Agent: p.Agent(), SessionID: sessionID,
		SizeBytes: info.Size(), MtimeMs: info.ModTime().UnixMilli(), Parseable: true,
		EventCount: len(b.Events), ErrorCount: errCount, TokenTotals: totals,
		ModelTokenSharesTop: shares, ModelTokenSharesEstimated: estimated,
	}
	if havePreciseCost {
		summary.CostEstimateUsd = &preciseCost
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

	return Result{Summary: summary, Events: b.Events, NewOffset: offset, FullReparse: full}, nil
}

func piBlockToEvent(block piContentBlock, offset int64, ts *int64, role, rawType string, redactor *redact.Filter) trace.NormalizedEvent {
	switch block.Type {
	case "toolCall":
		args := redactor.String(string(block.Arguments))
		return trace.NormalizedEvent{
			Offset: offset, TimestampMs: ts, EventKind: trace.KindToolUse, RawType: rawType,
			Role: role, ToolCallID: block.ID, ToolName: block.Name,
			ToolType: toolTypeFor(strings.ToLower(block.Name)), ToolArgsText: args,
			TOCLabel: fmt.Sprintf("Tool: %s", block.Name),
			Preview:  preview(fmt.Sprintf("%s(%s)", block.Name, args), 200),
		}
	case "toolResult":
		text := extractTextContent(block.Content)
		text = redactor.String(text)
		return trace.NormalizedEvent{
			Offset: offset, TimestampMs: ts, EventKind: trace.KindToolResult, RawType: rawType,
			Role: role, ToolCallID: block.ToolUseID, ToolResultText: text,
			HasError: block.IsError, TOCLabel: "Tool result", Preview: preview(text, 200),
		}
	default: // "text"
		text := redactor.String(block.Text)
		kind := trace.KindUser
		if role == "assistant" {
			kind = trace.KindAssistant
		}
		return trace.NormalizedEvent{
			Offset: offset, TimestampMs: ts, EventKind: kind, RawType: rawType,
			Role: role, TextBlocks: []string{text}, TOCLabel: titleCase(role), Preview: preview(text, 200),
		}
	}
}
