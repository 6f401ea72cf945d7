package parser

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/agentlens/daemon/internal/redact"
	"github.com/agentlens/daemon/internal/trace"
)

// CursorParser handles `~/.cursor/projects/<key>/agent-transcripts/<session>.txt`
// plain-text transcripts (spec §4.2).
type CursorParser struct{}

func (p *CursorParser) Name() string       { return "cursor_txt" }
func (p *CursorParser) Agent() trace.Agent { return trace.AgentCursor }

func (p *CursorParser) Supports(path, declaredLogType string, probe []byte) bool {
	if strings.Contains(path, "/.cursor/projects/") && strings.Contains(path, "/agent-transcripts/") {
		return true
	}
	head := strings.TrimSpace(string(firstLine(probe)))
	return strings.HasPrefix(head, "user:") || strings.HasPrefix(head, "assistant:")
}

type cursorBlock struct {
	directive string // "user", "assistant", "thinking", "tool_call", "tool_result"
	toolName  string
	lines     []string
}

// charsPerToken is the coarse ~4 chars/token estimate spec §4.2 calls for
// when no provider usage payload exists in the plain-text format.
const charsPerToken = 4.0

func (p *CursorParser) Parse(path string, prior PriorState, redactor *redact.Filter) (Result, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Result{}, err
	}

	full, startOffset, err := resolveIncrementalStartGeneric(path, prior)
	if err != nil {
		return Result{ParseError: err.Error()}, nil
	}
	startIndex := 0
	pendingCallSeq := 0
	if !full && prior.Extra != nil {
		if seq, ok := prior.Extra["toolCallSeq"].(int); ok {
			pendingCallSeq = seq
		}
	}
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
	var pendingToolCalls []struct {
		id   string
		name string
	}
	var input, output float64

	offset := startOffset
	flush := func(blk cursorBlock) {
		text := strings.TrimSpace(strings.Join(blk.lines, "\n"))
		if blk.directive == "" && text == "" {
			return
		}
		text = redactor.String(text)
		switch blk.directive {
		case "user":
			input += float64(len([]rune(text))) / charsPerToken
			b.Append(trace.NormalizedEvent{Offset: offset, EventKind: trace.KindUser, RawType: "user",
				Role: "user", TextBlocks: []string{text}, TOCLabel: "User", Preview: preview(text, 200)})
		case "assistant":
			output += float64(len([]rune(text))) / charsPerToken
			b.Append(trace.NormalizedEvent{Offset: offset, EventKind: trace.KindAssistant, RawType: "assistant",
				Role: "assistant", TextBlocks: []string{text}, TOCLabel: "Assistant", Preview: preview(text, 200)})
		case "thinking":
			b.Append(trace.NormalizedEvent{Offset: offset, EventKind: trace.KindReasoning, RawType: "thinking",
				TextBlocks: []string{text}, TOCLabel: "Reasoning", Preview: preview(text, 200)})
		case "tool_call":
			pendingCallSeq++
			id := "cursor-call-" + strconv.Itoa(pendingCallSeq)
			pendingToolCalls = append(pendingToolCalls, struct {
				id   string
				name string
			}{id, blk.toolName})
			b.Append(trace.NormalizedEvent{Offset: offset, EventKind: trace.KindToolUse, RawType: "tool_call",
				ToolCallID: id, ToolName: blk.toolName, ToolType: toolTypeFor(strings.ToLower(blk.toolName)),
				ToolArgsText: text, TOCLabel: fmt.Sprintf("Tool: %s", blk.toolName), Preview: preview(text, 200)})
		case "tool_result":
			var id string
			for i, call := range pendingToolCalls {
				if call.name == blk.toolName {
					id = call.id
					pendingToolCalls = append(pendingToolCalls[:i], pendingToolCalls[i+1:]...)
					break
				}
			}
			b.Append(trace.NormalizedEvent{Offset: offset, EventKind: trace.KindToolResult, RawType: "tool_result",
				ToolCallID: id, ToolResultText: text, TOCLabel: "Tool result", Preview: preview(text, 200)})
		}
	}

	var cur cursorBlock
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)
	errCount := 0
	for scanner.Scan() {
		line := scanner.Text()
		offset += int64(len(line)) + 1

		switch {
		case strings.HasPrefix(line, "user:"):
			flush(cur)
			cur = cursorBlock{directive: "user", lines: []string{strings.TrimPrefix(line, "user:")}}
		case strings.HasPrefix(line, "assistant:"):
			flush(cur)
			cur = cursorBlock{directive: "assistant", lines: []string{strings.TrimPrefix(line, "assistant:")}}
		case strings.HasPrefix(line, "[Thinking]"):
			flush(cur)
			cur = cursorBlock{directive: "thinking", lines: []string{strings.TrimPrefix(line, "[Thinking]")}}
		case strings.HasPrefix(line, "[Tool call]"):
			flush(cur)
			name := strings.TrimSpace(strings.TrimPrefix(line, "[Tool call]"))
			cur = cursorBlock{directive: "tool_call", toolName: name}
		case strings.HasPrefix(line, "[Tool result]"):
			flush(cur)
			name := strings.TrimSpace(strings.TrimPrefix(line, "[Tool result]"))
			cur = cursorBlock{directive: "tool_result", toolName: name}
		default:
			cur.lines = append(cur.lines, line)
		}
	}
	flush(cur)
	if err := scanner.Err(); err != nil {
		return Result{ParseError: err.Error()}, nil
	}

	totals := trace.TokenTotals{
		InputTokens:  int(input),
		OutputTokens: int(output),
		TotalTokens:  int(input) + int(output),
	}

	summary := trace.TraceSummary{
		ID: path, Path: path, Parser: p.Name(), Agent: p.Agent(),
		SizeBytes: info.Size(), MtimeMs: info.ModTime().UnixMilli(), Parseable: true,
		EventCount: len(b.Events), ErrorCount: errCount, TokenTotals: totals,
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
		NextState: map[string]any{"toolCallSeq": pendingCallSeq},
	}, nil
}
