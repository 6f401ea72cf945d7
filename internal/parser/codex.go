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

// CodexParser handles `~/.codex/sessions/**/*.jsonl` rollout transcripts.
type CodexParser struct{}

func (p *CodexParser) Name() string       { return "codex_jsonl" }
func (p *CodexParser) Agent() trace.Agent { return trace.AgentCodex }

func (p *CodexParser) Supports(path, declaredLogType string, probe []byte) bool {
	if strings.Contains(path, "/.codex/sessions/") {
		return true
	}
	var head struct {
		Type string `json:"type"`
	}
	if len(probe) > 0 && json.Unmarshal(firstLine(probe), &head) == nil {
		return head.Type == "session_meta" || head.Type == "response_item" || head.Type == "turn_context"
	}
	return false
}

type codexEnvelope struct {
	Timestamp string          `json:"timestamp"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

// codexCumulative tracks the last-seen cumulative token snapshot so we can
// compute a per-line delta and attribute it to the currently active model.
type codexCumulative struct {
	Input     int
	Cached    int
	Output    int
	Reasoning int
}

func (p *CodexParser) Parse(path string, prior PriorState, redactor *redact.Filter) (Result, error) {
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

	activeModel := prior.ActiveModel
	var cum codexCumulative
	if !full && prior.Extra != nil {
		if c, ok := prior.Extra["cumulative"].(codexCumulative); ok {
			cum = c
		}
		if m, ok := prior.Extra["activeModel"].(string); ok && activeModel == "" {
			activeModel = m
		}
	}
	startCum := cum

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
	var cwd string
	var modelUsage []modelUsageEntry
	var contextWindow int
	errCount := 0

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)
	offset := startOffset

	for scanner.Scan() {
		line := scanner.Bytes()
		offset += int64(len(line)) + 1

		var env codexEnvelope
		if err := json.Unmarshal(line, &env); err != nil {
			errCount++
			continue
		}
		ts := tsMillis(env.Timestamp)

		switch env.Type {
		case "session_meta":
			var meta struct {
				ID  string `json:"id"`
				Cwd string `json:"cwd"`
			}
			if json.Unmarshal(env.Payload, &meta) == nil {
				if meta.ID != "" {
					sessionID = meta.ID
				}
				if meta.Cwd != "" {
					cwd = meta.Cwd
				}
			}
			b.Append(trace.NormalizedEvent{Offset: offset, TimestampMs: ts, EventKind: trace.KindSystem,
				RawType: env.Type, TOCLabel: "Session start", Raw: redactor.Walk(rawJSON(line))})

		case "turn_context":
			var tc struct {
				Model              string `json:"model"`
				ModelContextWindow int    `json:"model_context_window"`
			}
			if json.Unmarshal(env.Payload, &tc) == nil {
				if tc.Model != "" {
					activeModel = tc.Model
				}
				if tc.ModelContextWindow > 0 {
					contextWindow = tc.ModelContextWindow
				}
			}

		case "response_item":
			var item struct {
				Type      string          `json:"type"`
				ID        string          `json:"id"`
				CallID    string          `json:"call_id"`
				Name      string          `json:"name"`
				Arguments string          `json:"arguments"`
				Output    string          `json:"output"`
				Content   json.RawMessage `json:"content"`
				Role      string          `json:"role"`
			}
			if json.Unmarshal(env.Payload, &item) != nil {
				errCount++
				continue
			}
			switch item.Type {
			case "message":
				role := item.Role
				text := extractCodexText(item.Content)
				text = redactor.String(text)
				kind := trace.KindUser
				if role == "assistant" {
					kind = trace.KindAssistant
				}
				b.Append(trace.NormalizedEvent{Offset: offset, TimestampMs: ts, EventKind: kind,
					RawType: env.Type, Role: role, TextBlocks: []string{text}, TOCLabel: titleCase(role),
					Preview: preview(text, 200)})
			case "function_call":
				args := redactor.String(item.Arguments)
				b.Append(trace.NormalizedEvent{Offset: offset, TimestampMs: ts, EventKind: trace.KindToolUse,
					RawType: env.Type, ToolCallID: item.CallID, ToolName: item.Name, FunctionName: item.Name,
					ToolType: toolTypeFor(strings.ToLower(item.Name)), ToolArgsText: args,
					TOCLabel: fmt.Sprintf("Tool: %s", item.Name), Preview: preview(fmt.Sprintf("%s(%s)", item.Name, args), 200)})
			case "function_call_output":
				out := redactor.String(item.Output)
				b.Append(trace.NormalizedEvent{Offset: offset, TimestampMs: ts, EventKind: trace.KindToolResult,
					RawType: env.Type, ToolCallID: item.CallID, ToolResultText: out,
					TOCLabel: "Tool result", Preview: preview(out, 200)})
			case "reasoning":
				text := extractCodexText(item.Content)
				text = redactor.String(text)
				b.Append(trace.NormalizedEvent{Offset: offset, TimestampMs: ts, EventKind: trace.KindReasoning,
					RawType: env.Type, TextBlocks: []string{text}, TOCLabel: "Reasoning", Preview: preview(text, 200)})
			case "web_search_call":
				b.Append(trace.NormalizedEvent{Offset: offset, TimestampMs: ts, EventKind: trace.KindToolUse,
					RawType: env.Type, ToolName: "web_search", ToolType: "web:search",
					TOCLabel: "Tool: web_search"})
			default:
				b.Append(trace.NormalizedEvent{Offset: offset, TimestampMs: ts, EventKind: trace.KindMeta,
					RawType: env.Type, TOCLabel: item.Type})
			}

		case "event_msg":
			var ev struct {
				Type    string          `json:"type"`
				Payload json.RawMessage `json:"payload"`
			}
			if json.Unmarshal(env.Payload, &ev) == nil && ev.Type == "token_count" {
				var tc struct {
					Total struct {
						Input             int `json:"input"`
						CachedInput       int `json:"cached_input"`
						Output            int `json:"output"`
						Reasoning         int `json:"reasoning_output"`
						Total             int `json:"total"`
					} `json:"total"`
					ModelContextWindow int `json:"model_context_window"`
				}
				if json.Unmarshal(ev.Payload, &tc) == nil {
					if tc.ModelContextWindow > 0 {
						contextWindow = tc.ModelContextWindow
					}
					deltaInput := tc.Total.Input - cum.Input
					deltaCached := tc.Total.CachedInput - cum.Cached
					deltaOutput := tc.Total.Output - cum.Output
					deltaReasoning := tc.Total.Reasoning - cum.Reasoning
					cum = codexCumulative{Input: tc.Total.Input, Cached: tc.Total.CachedInput, Output: tc.Total.Output, Reasoning: tc.Total.Reasoning}
					deltaTotal := deltaInput + deltaOutput + deltaReasoning
					if deltaTotal > 0 && activeModel != "" {
						modelUsage = append(modelUsage, modelUsageEntry{model: activeModel, tokens: deltaTotal})
					}
					_ = deltaCached
				}
			}

		default:
			b.Append(trace.NormalizedEvent{Offset: offset, TimestampMs: ts, EventKind: trace.KindMeta,
				RawType: env.Type, TOCLabel: env.Type})
		}
	}
	if err := scanner.Err(); err != nil {
		return Result{ParseError: err.Error()}, nil
	}

	totals := trace.TokenTotals{
		InputTokens: cum.Input - startCum.Input, CachedReadTokens: cum.Cached - startCum.Cached,
		OutputTokens: cum.Output - startCum.Output, ReasoningOutputTokens: cum.Reasoning - startCum.Reasoning,
	}
	totals.TotalTokens = totals.InputTokens + totals.OutputTokens + totals.ReasoningOutputTokens
	shares, estimated := modelSharesFromUsage(modelUsage)
	if len(shares) <= 1 {
		estimated = false
	}

	summary := trace.TraceSummary{
		ID: path, Path: path, Parser: p.Name(), Agent: p.Agent(), SessionID: sessionID, Cwd: cwd,
		SizeBytes: info.Size(), MtimeMs: info.ModTime().UnixMilli(), Parseable: true,
		EventCount: len(b.Events), ErrorCount: errCount,
		TokenTotals:               totals,
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
		Summary: summary, Events: b.Events, NewOffset: offset, FullReparse: full,
		NextState: map[string]any{"cumulative": cum, "activeModel": activeModel, "contextWindow": contextWindow},
	}, nil
}

func extractCodexText(raw json.RawMessage) string {
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

// resolveIncrementalStartGeneric is the shared prefix-identity check used by
// parsers (Codex, Cursor, Pi) whose PriorState carries no parser-specific
// dedup set beyond the offset/prefix pair.
func resolveIncrementalStartGeneric(path string, prior PriorState) (full bool, offset int64, err error) {
	if prior.Offset <= 0 {
		return true, 0, nil
	}
	f, ferr := os.Open(path)
	if ferr != nil {
		return true, 0, nil
	}
	defer f.Close()
	buf := make([]byte, prior.Offset)
	n, rerr := f.ReadAt(buf, 0)
	if rerr != nil && int64(n) != prior.Offset {
		return true, 0, nil
	}
	if string(buf) != string(prior.PriorPrefix) {
		return true, 0, nil
	}
	return false, prior.Offset, nil
}
