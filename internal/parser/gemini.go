package parser

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/agentlens/daemon/internal/redact"
	"github.com/agentlens/daemon/internal/trace"
)

// GeminiParser handles `~/.gemini/tmp/<projectHash>/chats/session-*.json`: a
// single JSON object rewritten whole on every update, so this parser always
// does a full reparse (spec §4.2).
type GeminiParser struct{}

func (p *GeminiParser) Name() string       { return "gemini_json" }
func (p *GeminiParser) Agent() trace.Agent { return trace.AgentGemini }

func (p *GeminiParser) Supports(path, declaredLogType string, probe []byte) bool {
	if strings.Contains(path, "/.gemini/tmp/") && strings.Contains(path, "/chats/") {
		if strings.Contains(path, "logs.json") {
			return false
		}
		return true
	}
	var head struct {
		SessionID string `json:"sessionId"`
	}
	return json.Unmarshal(probe, &head) == nil && head.SessionID != ""
}

type geminiTokens struct {
	Input    int `json:"input"`
	Output   int `json:"output"`
	Cached   int `json:"cached"`
	Thoughts int `json:"thoughts"`
	Tool     int `json:"tool"`
	Total    int `json:"total"`
}

type geminiToolCall struct {
	Name   string          `json:"name"`
	Args   json.RawMessage `json:"args"`
	Result struct {
		FunctionResponse json.RawMessage `json:"functionResponse"`
	} `json:"result"`
}

type geminiMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	Timestamp json.RawMessage  `json:"timestamp"`
	Model     string           `json:"model"`
	ToolCalls []geminiToolCall `json:"toolCalls"`
	Tokens    *geminiTokens    `json:"tokens"`
}

type geminiSession struct {
	SessionID   string          `json:"sessionId"`
	ProjectHash string          `json:"projectHash"`
	StartTime   json.RawMessage `json:"startTime"`
	LastUpdated json.RawMessage `json:"lastUpdated"`
	Messages    []geminiMessage `json:"messages"`
}

func (p *GeminiParser) Parse(path string, prior PriorState, redactor *redact.Filter) (Result, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Result{}, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Result{ParseError: err.Error()}, nil
	}

	var sess geminiSession
	errCount := 0
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

	b := NewBuilder(path, 0, 0)
	var totals trace.TokenTotals
	var modelUsage []modelUsageEntry

	for i, m := range sess.Messages {
		ts := tsMillisFlexible(m.Timestamp)
		text := redactor.String(m.Content)

		if m.Tokens != nil {
			totals.InputTokens += m.Tokens.Input
			totals.OutputTokens += m.Tokens.Output
			totals.CachedReadTokens += m.Tokens.Cached
			totals.ReasoningOutputTokens += m.Tokens.Thoughts
			total := m.Tokens.Total
			if total == 0 {
				total = m.Tokens.Input + m.Tokens.Output + m.Tokens.Cached + m.Tokens.Thoughts
			}
			if m.Model != "" && total > 0 {
				modelUsage = append(modelUsage, modelUsageEntry{model: m.Model, tokens: total})
			}
		}

		kind := trace.KindUser
		if m.Role == "assistant" || m.Role == "model" {
			kind = trace.KindAssistant
		}
		if text != "" {
			b.Append(trace.NormalizedEvent{TimestampMs: ts, EventKind: kind, RawType: m.Role,
				Role: m.Role, TextBlocks: []string{text}, TOCLabel: titleCase(m.Role), Preview: preview(text, 200)})
		}

		for j, tc := range m.ToolCalls {
			callID := fmt.Sprintf("gemini-%d-%d", i, j)
			args := redactor.String(string(tc.Args))
			b.Append(trace.NormalizedEvent{TimestampMs: ts, EventKind: trace.KindToolUse, RawType: "toolCall",
				ToolCallID: callID, ToolName: tc.Name, ToolType: toolTypeFor(strings.ToLower(tc.Name)),
				ToolArgsText: args, TOCLabel: fmt.Sprintf("Tool: %s", tc.Name), Preview: preview(args, 200)})

			if len(tc.Result.FunctionResponse) > 0 {
				resultText := redactor.String(string(tc.Result.FunctionResponse))
				b.Append(trace.NormalizedEvent{TimestampMs: ts, EventKind: trace.KindToolResult, RawType: "toolResult",
					ToolCallID: callID, ToolResultText: resultText, TOCLabel: "Tool result", Preview: preview(resultText, 200)})
			}
		}
	}

	shares, estimated := modelSharesFromUsage(modelUsage)

	summary := trace.TraceSummary{
		ID: path, Path: path, Parser: p.Name(), Agent: p.Agent(), SessionID: sess.SessionID,
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
		summary.FirstEventTs = tsMillisFlexible(sess.StartTime)
	}
	if summary.LastEventTs == nil {
		summary.LastEventTs = tsMillisFlexible(sess.LastUpdated)
	}
	bins, mode := ActivityBins(b.Events, summary.FirstEventTs, summary.LastEventTs)
	summary.ActivityBins = bins
	summary.ActivityBinsMode = mode
	summary.ActivityBinCount = trace.ActivityBinCount

	return Result{Summary: summary, Events: b.Events, NewOffset: int64(len(raw)), FullReparse: true}, nil
}

// tsMillisFlexible handles the §4.2 edge case that timestamps may arrive as
// an ISO-8601 JSON string or as a Unix-seconds JSON number.
func tsMillisFlexible(raw json.RawMessage) *int64 {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return tsMillis(s)
	}
	var f float64
	if json.Unmarshal(raw, &f) == nil {
		return tsMillisFromUnix(f)
	}
	return nil
}
