package parser

import (
	"fmt"
	"unicode"

	"github.com/agentlens/daemon/internal/trace"
)

// titleCase upper-cases only the first rune of s; used for short role labels
// ("user" -> "User") without pulling in the deprecated strings.Title.
func titleCase(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}

// Builder accumulates NormalizedEvents for one trace and derives the
// counting/linkage fields of TraceSummary (spec §3 invariants) as events are
// appended, so every parser gets consistent tool-linkage and kind-count
// bookkeeping for free.
type Builder struct {
	TraceID string
	Events  []trace.NormalizedEvent

	startIndex int
	startOffset int64

	toolUseEventByCallID map[string]int // toolCallId -> index into Events of its tool_use
	matchedCallIDs       map[string]bool

	kindCounts           map[trace.EventKind]int
	toolUseCount         int
	toolResultCount      int
	unmatchedToolUses    int
	unmatchedToolResults int
	errorCount           int
}

// NewBuilder starts a builder continuing from startIndex/startOffset (0 for
// a full parse, or the trace's existing event count/offset for an
// incremental append).
func NewBuilder(traceID string, startIndex int, startOffset int64) *Builder {
	return &Builder{
		TraceID:              traceID,
		startIndex:           startIndex,
		startOffset:          startOffset,
		toolUseEventByCallID: make(map[string]int),
		matchedCallIDs:       make(map[string]bool),
		kindCounts:           make(map[trace.EventKind]int),
	}
}

// Append finalizes ev's identity fields (TraceID, Index, EventID if empty)
// and folds it into the running counters, then stores it.
func (b *Builder) Append(ev trace.NormalizedEvent) *trace.NormalizedEvent {
	ev.TraceID = b.TraceID
	ev.Index = b.startIndex + len(b.Events)
	if ev.EventID == "" {
		ev.EventID = fmt.Sprintf("%s:%d", b.TraceID, ev.Index)
	}
	if ev.HasError {
		b.errorCount++
	}
	b.kindCounts[ev.EventKind]++

	switch ev.EventKind {
	case trace.KindToolUse:
		b.toolUseCount++
		if ev.ToolCallID != "" {
			b.toolUseEventByCallID[ev.ToolCallID] = len(b.Events)
		} else {
			b.unmatchedToolUses++
		}
	case trace.KindToolResult:
		b.toolResultCount++
		if ev.ToolCallID != "" {
			if _, ok := b.toolUseEventByCallID[ev.ToolCallID]; ok {
				b.matchedCallIDs[ev.ToolCallID] = true
			} else {
				b.unmatchedToolResults++
			}
		} else {
			b.unmatchedToolResults++
		}
	}

	b.Events = append(b.Events, ev)
	return &b.Events[len(b.Events)-1]
}

// unmatchedCounts finalizes the unmatched tool_use count: any toolUse whose
// call id was never matched by a tool_result.
func (b *Builder) unmatchedCounts() (unmatchedUses, unmatchedResults int) {
	unmatchedUses = b.unmatchedToolUses
	for callID := range b.toolUseEventByCallID {
		if !b.matchedCallIDs[callID] {
			unmatchedUses++
		}
	}
	return unmatchedUses, b.unmatchedToolResults
}

// FirstLast returns the first and last non-nil TimestampMs across the
// accumulated events (from startIndex onward only -- callers merge with any
// prior summary values for incremental parses).
func (b *Builder) FirstLast() (first, last *int64) {
	for i := range b.Events {
		ts := b.Events[i].TimestampMs
		if ts == nil {
			continue
		}
		if first == nil || *ts < *first {
			v := *ts
			first = &v
		}
		if last == nil || *ts > *last {
			v := *ts
			last = &v
		}
	}
	return first, last
}

// KindCounts returns a copy of the accumulated per-kind counts.
func (b *Builder) KindCounts() map[trace.EventKind]int {
	out := make(map[trace.EventKind]int, len(b.kindCounts))
	for k, v := range b.kindCounts {
		out[k] = v
	}
	return out
}

// MergeKindCounts adds delta's counts onto an existing (possibly nil) map and
// returns the result, for folding incremental counts onto a prior summary.
func MergeKindCounts(prior map[trace.EventKind]int, delta map[trace.EventKind]int) map[trace.EventKind]int {
	out := make(map[trace.EventKind]int, len(prior)+len(delta))
	for k, v := range prior {
		out[k] = v
	}
	for k, v := range delta {
		out[k] += v
	}
	return out
}

// SumKindCounts totals a kind-count map into an event count.
func SumKindCounts(m map[trace.EventKind]int) int {
	n := 0
	for _, v := range m {
		n += v
	}
	return n
}

// MergeModelShares combines a prior cumulative per-model token split with a
// delta (e.g. from an incremental append) by summing token counts per model
// and recomputing percentages, so per-model attribution stays correct
// across scans instead of reflecting only the latest delta.
func MergeModelShares(prior, delta []trace.ModelShare) []trace.ModelShare {
	totals := make(map[string]int)
	var order []string
	grand := 0
	for _, list := range [][]trace.ModelShare{prior, delta} {
		for _, s := range list {
			if _, ok := totals[s.Model]; !ok {
				order = append(order, s.Model)
			}
			totals[s.Model] += s.Tokens
			grand += s.Tokens
		}
	}
	if grand == 0 {
		return nil
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
	return shares
}

// TOC builds the compact table-of-contents rows for a page of events.
func TOC(events []trace.NormalizedEvent, includeMeta bool) []trace.TOCRow {
	rows := make([]trace.TOCRow, 0, len(events))
	for _, ev := range events {
		if !includeMeta && ev.EventKind == trace.KindMeta {
			continue
		}
		rows = append(rows, trace.TOCRow{
			EventID:     ev.EventID,
			Index:       ev.Index,
			TimestampMs: ev.TimestampMs,
			EventKind:   ev.EventKind,
			Label:       ev.TOCLabel,
			ColorKey:    string(ev.EventKind),
			ToolType:    ev.ToolType,
		})
	}
	return rows
}

// ActivityBins computes the §4.4 fixed-12-bin activity profile from a
// trace's events, falling back to event_index mode when timestamps are
// missing or degenerate.
func ActivityBins(events []trace.NormalizedEvent, first, last *int64) (bins [trace.ActivityBinCount]float64, mode string) {
	n := len(events)
	if n == 0 {
		return bins, "time"
	}
	if first == nil || last == nil || *first == *last {
		mode = "event_index"
		counts := [trace.ActivityBinCount]int{}
		for i := range events {
			bin := i * trace.ActivityBinCount / n
			if bin >= trace.ActivityBinCount {
				bin = trace.ActivityBinCount - 1
			}
			counts[bin]++
		}
		normalizeBins(counts, &bins)
		return bins, mode
	}

	mode = "time"
	span := *last - *first
	counts := [trace.ActivityBinCount]int{}
	for _, ev := range events {
		if ev.TimestampMs == nil {
			continue
		}
		var bin int
		if span == 0 {
			bin = 0
		} else {
			bin = int((*ev.TimestampMs - *first) * trace.ActivityBinCount / span)
		}
		if bin >= trace.ActivityBinCount {
			bin = trace.ActivityBinCount - 1
		}
		if bin < 0 {
			bin = 0
		}
		counts[bin]++
	}
	normalizeBins(counts, &bins)
	return bins, mode
}

func normalizeBins(counts [trace.ActivityBinCount]int, bins *[trace.ActivityBinCount]float64) {
	max := 0
	for _, c := range counts {
		if c > max {
			max = c
		}
	}
	if max == 0 {
		return
	}
	for i, c := range counts {
		bins[i] = float64(c) / float64(max)
	}
}

// ActivityStatus derives the liveness classification of spec §4.4, honoring
// the GLOSSARY's manual-stop override.
func ActivityStatus(lastEventTs, mtimeMs, nowMs, manualStopAtMs, runningTtlMs, waitingTtlMs int64) (trace.ActivityStatus, string) {
	updated := lastEventTs
	if mtimeMs > updated {
		updated = mtimeMs
	}
	if manualStopAtMs > 0 && updated <= manualStopAtMs {
		return trace.StatusIdle, "manually_stopped"
	}
	age := nowMs - updated
	switch {
	case age < runningTtlMs:
		return trace.StatusRunning, ""
	case age < waitingTtlMs:
		return trace.StatusWaitingInput, ""
	default:
		return trace.StatusIdle, ""
	}
}
