// Package index implements spec §4.5: the trace index and its refresh loop.
// One Index holds the authoritative map[traceId]*entry, rediscovers and
// reparses traces on a scan tick, folds OverviewStats, and emits batched
// Update envelopes for a broker to fan out. Grounded in the teacher's
// internal/monitor.Monitor poll loop (internal/monitor/monitor.go): a single
// writer goroutine, a ticker-driven poll(), and per-source health tracking
// (internal/monitor/health.go) — retargeted from session.Store at a
// trace/event model instead of a session/message one.
package index

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/agentlens/daemon/internal/config"
	"github.com/agentlens/daemon/internal/cost"
	"github.com/agentlens/daemon/internal/discovery"
	"github.com/agentlens/daemon/internal/parser"
	"github.com/agentlens/daemon/internal/redact"
	"github.com/agentlens/daemon/internal/trace"
)

// UpdateKind is the typed envelope tag of §4.5/§4.6.
type UpdateKind string

const (
	TraceAdded      UpdateKind = "trace_added"
	TraceUpdated    UpdateKind = "trace_updated"
	TraceRemoved    UpdateKind = "trace_removed"
	EventsAppended  UpdateKind = "events_appended"
	OverviewUpdated UpdateKind = "overview_updated"
)

// Update is one envelope payload produced by a refresh batch. A broker wraps
// this in its own {id, type, version, payload} shape per subscriber.
type Update struct {
	Kind     UpdateKind
	TraceID  string
	Summary  *trace.TraceSummary
	Events   []trace.NormalizedEvent
	Overview *trace.OverviewStats
}

// entry is the index's per-trace working state: the last-known summary, its
// materialized event slice (when hot), and what's needed to resume an
// incremental parse.
type entry struct {
	summary       trace.TraceSummary
	events        []trace.NormalizedEvent
	parserName    string
	priorPrefix   []byte
	knownToolUses map[string]string
	extra         map[string]any
	profile       string
	seenThisScan  bool
	lastTouchedMs int64 // wall-clock ms of last change, drives residency demotion
}

// Index is the single-writer store of every currently discovered trace. The
// refresh loop is the only goroutine that mutates entries; queries take a
// snapshot copy under RLock, matching the teacher's session.Store contract.
type Index struct {
	mu       sync.RWMutex
	cfg      *config.Config
	registry *parser.Registry
	redactor *redact.Filter

	entries map[string]*entry
	health  map[string]*sourceHealth

	manualStops map[string]int64 // traceId -> manualStopAtMs, survives across refreshes

	refreshCount           int64
	incrementalAppendCount int64
	fullReparseCount       int64

	// Notify is called once per refresh batch with every envelope produced,
	// in emission order (trace envelopes before the trailing
	// overview_updated), matching §5's ordering guarantee. nil disables
	// fan-out (e.g. in tests that only inspect GetSummaries).
	Notify func([]Update)

	lastOverview trace.OverviewStats
}

// New builds an Index from cfg. Call Start to run the refresh loop, or
// RefreshOnce directly for tests.
func New(cfg *config.Config) (*Index, error) {
	redactor, err := cfg.Redaction.NewFilter()
	if err != nil {
		return nil, fmt.Errorf("index: building redaction filter: %w", err)
	}
	health := make(map[string]*sourceHealth, len(cfg.Sources))
	for name := range cfg.Sources {
		health[name] = newSourceHealth()
	}
	return &Index{
		cfg:         cfg,
		registry:    parser.NewRegistry(),
		redactor:    redactor,
		entries:     make(map[string]*entry),
		health:      health,
		manualStops: make(map[string]int64),
	}, nil
}

// SetConfig hot-swaps the config read by the next refresh tick, matching the
// teacher's Monitor.SetConfig — only scan/retention/redaction/cost/model/
// source settings are consulted during refresh.
func (ix *Index) SetConfig(cfg *config.Config) error {
	redactor, err := cfg.Redaction.NewFilter()
	if err != nil {
		return err
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.cfg = cfg
	ix.redactor = redactor
	for name := range cfg.Sources {
		if _, ok := ix.health[name]; !ok {
			ix.health[name] = newSourceHealth()
		}
	}
	return nil
}

// Start runs the refresh loop until ctx is cancelled, sleeping between scans
// per the configured scan mode. Matches the teacher's Monitor.Start shape:
// an immediate first poll, then a ticker that RefreshOnce()s until done.
func (ix *Index) Start(ctx context.Context) {
	ix.mu.RLock()
	mode := ix.cfg.Scan.Mode
	interval := ix.scanIntervalLocked()
	ix.mu.RUnlock()

	log.Printf("index: refresh loop starting (mode=%s interval=%s)", mode, interval)
	ix.RefreshOnce()

	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Println("index: refresh loop stopped")
			return
		case <-timer.C:
			func() {
				defer func() {
					if r := recover(); r != nil {
						// §5/§7: no background task may panic the process; log
						// and let the next tick retry.
						log.Printf("index: refresh panic recovered: %v", r)
					}
				}()
				ix.RefreshOnce()
			}()
			ix.mu.RLock()
			next := ix.scanIntervalLocked()
			ix.mu.RUnlock()
			timer.Reset(next)
		}
	}
}

// scanIntervalLocked picks the next scan delay. Fixed mode returns
// FixedInterval (one second when that is unset). Adaptive mode returns
// AdaptiveMin while any trace is classified running and AdaptiveMax
// otherwise; it switches between the two bounds and never returns a value in
// between. Caller must hold ix.mu (read or write).
func (ix *Index) scanIntervalLocked() time.Duration {
	s := ix.cfg.Scan
	if s.Mode != "adaptive" {
		if s.FixedInterval > 0 {
			return s.FixedInterval
		}
		return time.Second
	}
	if ix.anyRunningLocked() {
		return s.AdaptiveMin
	}
	return s.AdaptiveMax
}

func (ix *Index) anyRunningLocked() bool {
	for _, e := range ix.entries {
		if e.summary.ActivityStatus == trace.StatusRunning {
			return true
		}
	}
	return false
}

// RefreshOnce runs one full discover-reparse-derive-diff-residency cycle and
// invokes Notify with the resulting batch, per §4.5 steps 1-6.
func (ix *Index) RefreshOnce() {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.refreshCount++
	now := time.Now()
	nowMs := now.UnixMilli()

	// Step 1: discover.
	candidates, profiles := ix.discoverLocked()

	// Step 2/3: classify unchanged/grown/shrunk/new/gone, reparse as needed.
	var updates []Update
	present := make(map[string]bool, len(candidates))

	for _, c := range candidates {
		traceID := traceIDFor(c)
		present[traceID] = true
		health := ix.health[c.Profile]
		if health == nil {
			health = newSourceHealth()
			ix.health[c.Profile] = health
		}

		info, statErr := os.Stat(c.Path)
		if statErr != nil {
			// Unreadable: a prior entry (if any) is kept unchanged and is not
			// marked unparseable; Retention.UnreadableGrace is not applied, so
			// the entry stays for as long as discovery still lists the path.
			continue
		}

		e, existed := ix.entries[traceID]
		grown := false
		if existed {
			grown = info.Size() != e.summary.SizeBytes || info.ModTime().UnixMilli() != e.summary.MtimeMs
			if c.DeclaredLogType == "opencode" && !grown {
				// OpenCode is directory-shaped: its on-disk mtime of the
				// session.json alone under-detects message/part appends, so
				// always re-check by reparsing cheaply (FullReparse==true
				// for this format regardless).
				grown = true
			}
			if !grown {
				e.seenThisScan = true
				// Activity status depends on the clock and on manual stops,
				// so it is re-derived even when the file is unchanged.
				var lastEventTs int64
				if e.summary.LastEventTs != nil {
					lastEventTs = *e.summary.LastEventTs
				}
				e.summary.ManualStopAtMs = ix.manualStops[traceID]
				status, reason := parser.ActivityStatus(lastEventTs, e.summary.MtimeMs, nowMs, e.summary.ManualStopAtMs,
					ix.cfg.TraceInspector.StatusRunningTtl.Milliseconds(), ix.cfg.TraceInspector.StatusWaitingTtl.Milliseconds())
				if status != e.summary.ActivityStatus || reason != e.summary.ActivityReason {
					e.summary.ActivityStatus, e.summary.ActivityReason = status, reason
					summary := e.summary
					updates = append(updates, Update{Kind: TraceUpdated, TraceID: traceID, Summary: &summary})
				}
				continue
			}
		} else {
			e = &entry{profile: c.Profile}
		}

		prior := parser.PriorState{Offset: 0}
		if existed {
			prior = parser.PriorState{
				Offset:        e.summary.SizeBytes,
				EventCount:    e.summary.EventCount,
				PriorPrefix:   e.priorPrefix,
				ActiveModel:   "",
				KnownToolUses: e.knownToolUses,
				Extra:         e.extra,
			}
		}

		p := ix.registry.Select(c.Path, c.DeclaredLogType, c.AgentHint, probeFile(c.Path))
		if p == nil {
			continue
		}

		result, err := p.Parse(c.Path, prior, ix.redactor)
		if err != nil {
			health.recordParseFailure(traceID, err)
			if !existed {
				e.summary = trace.TraceSummary{ID: traceID, Path: c.Path, SourceProfile: c.Profile, Parseable: false, ParseError: err.Error()}
				ix.entries[traceID] = e
			} else {
				e.summary.Parseable = false
				e.summary.ParseError = err.Error()
			}
			e.seenThisScan = true
			continue
		}
		health.recordParseSuccess(traceID)

		if result.FullReparse {
			ix.fullReparseCount++
		} else if existed {
			ix.incrementalAppendCount++
		}

		summary := result.Summary
		summary.ID = traceID
		summary.Path = c.Path
		summary.SourceProfile = c.Profile
		summary.Parser = p.Name()
		summary.SizeBytes = info.Size()
		summary.MtimeMs = info.ModTime().UnixMilli()
		summary.Parseable = true
		summary.ParseError = ""

		// An incremental append's Summary only covers the newly-parsed
		// suffix (counts, token totals, cost, timestamps): fold it onto the
		// prior cumulative summary rather than replacing it, per §4.5 step 4.
		if existed && !result.FullReparse {
			summary = foldIncrementalSummary(e.summary, summary)
		}

		// Step 4: derive cost/context-window from cumulative state.
		ix.deriveLocked(&summary)

		var lastEventTs int64
		if summary.LastEventTs != nil {
			lastEventTs = *summary.LastEventTs
		}
		manualStopAt := ix.manualStops[traceID]
		summary.ManualStopAtMs = manualStopAt
		status, reason := parser.ActivityStatus(lastEventTs, summary.MtimeMs, nowMs, manualStopAt,
			ix.cfg.TraceInspector.StatusRunningTtl.Milliseconds(), ix.cfg.TraceInspector.StatusWaitingTtl.Milliseconds())
		summary.ActivityStatus = status
		summary.ActivityReason = reason

		e.summary = summary
		e.parserName = p.Name()
		e.seenThisScan = true
		e.lastTouchedMs = nowMs
		if result.FullReparse {
			e.events = result.Events
		} else {
			e.events = append(e.events, result.Events...)
		}
		e.priorPrefix = filePrefix(c.Path, result.NewOffset)
		if summary.EventCount > 0 {
			e.knownToolUses = mergeKnownToolUses(e.knownToolUses, result.Events)
		}
		e.extra = result.NextState

		ix.entries[traceID] = e

		if !existed {
			updates = append(updates, Update{Kind: TraceAdded, TraceID: traceID, Summary: &summary})
		} else if result.FullReparse {
			updates = append(updates, Update{Kind: TraceUpdated, TraceID: traceID, Summary: &summary})
		} else {
			updates = append(updates, Update{Kind: EventsAppended, TraceID: traceID, Summary: &summary, Events: result.Events})
		}
	}

	// Step: gone traces (present before, absent this scan).
	for id, e := range ix.entries {
		if present[id] || e.seenThisScan {
			e.seenThisScan = false
			continue
		}
		delete(ix.entries, id)
		delete(ix.manualStops, id)
		if h := ix.health[e.profile]; h != nil {
			h.removeTrace(id)
		}
		updates = append(updates, Update{Kind: TraceRemoved, TraceID: id})
	}
	for _, e := range ix.entries {
		e.seenThisScan = false
	}

	// Step 6: residency tiers.
	ix.applyResidencyLocked(nowMs)

	// Fold OverviewStats.
	overview := ix.foldOverviewLocked(nowMs, profiles)
	if !overviewEqual(overview, ix.lastOverview) {
		ov := overview
		updates = append(updates, Update{Kind: OverviewUpdated, Overview: &ov})
		ix.lastOverview = overview
	}

	if len(updates) > 0 && ix.Notify != nil {
		ix.Notify(updates)
	}
}

// discoverLocked runs discovery across configured sources plus the
// sessionLogDirectories expansion, recording per-source discover health.
// Caller must hold ix.mu.
func (ix *Index) discoverLocked() ([]discovery.Candidate, map[string]config.SourceProfile) {
	profiles := make(map[string]config.SourceProfile, len(ix.cfg.Sources))
	for k, v := range ix.cfg.Sources {
		profiles[k] = v
	}
	for name, p := range discovery.ExpandSessionLogDirectories(ix.cfg.SessionLogDirectories) {
		profiles[name] = p
		if _, ok := ix.health[name]; !ok {
			ix.health[name] = newSourceHealth()
		}
	}

	candidates, err := discovery.Discover(profiles)
	if err != nil {
		for name := range profiles {
			if h := ix.health[name]; h != nil {
				h.recordDiscoverFailure(err)
			}
		}
		return nil, profiles
	}
	for name := range profiles {
		if h := ix.health[name]; h != nil {
			h.recordDiscoverSuccess()
		}
	}
	return candidates, profiles
}

// deriveLocked fills in CostEstimateUsd and ContextWindowPct from the
// configured rate cards / model context windows, unless a parser already
// supplied a precise precomputed cost (Pi's usage.cost.total). Caller must
// hold ix.mu.
func (ix *Index) deriveLocked(summary *trace.TraceSummary) {
	if summary.CostEstimateUsd == nil {
		summary.CostEstimateUsd = ix.estimateCostLocked(summary)
	}
	if summary.ContextWindowPct == nil && len(summary.ModelTokenSharesTop) > 0 {
		model := summary.ModelTokenSharesTop[0].Model
		window := ix.cfg.Models.MaxContextTokens(model)
		summary.ContextWindowPct = cost.ContextWindowPct(summary.TokenTotals, window)
	}
}

func (ix *Index) estimateCostLocked(summary *trace.TraceSummary) *float64 {
	cards := ix.cfg.Cost.RateCards
	policy := ix.cfg.Cost.Policy()

	if len(summary.ModelTokenSharesTop) <= 1 {
		model := ""
		if len(summary.ModelTokenSharesTop) == 1 {
			model = summary.ModelTokenSharesTop[0].Model
		}
		return cost.Estimate(summary.TokenTotals, model, cards, policy, ix.cfg.Cost.DefaultRateCard)
	}

	// Multiple models contributed: apportion the cumulative totals
	// proportionally to each share's percent, then sum per-model estimates.
	var total float64
	anyKnown := false
	for _, share := range summary.ModelTokenSharesTop {
		frac := share.Percent / 100
		portion := trace.TokenTotals{
			InputTokens:           int(float64(summary.TokenTotals.InputTokens) * frac),
			CachedReadTokens:      int(float64(summary.TokenTotals.CachedReadTokens) * frac),
			CachedCreateTokens:    int(float64(summary.TokenTotals.CachedCreateTokens) * frac),
			OutputTokens:          int(float64(summary.TokenTotals.OutputTokens) * frac),
			ReasoningOutputTokens: int(float64(summary.TokenTotals.ReasoningOutputTokens) * frac),
			TotalTokens:           int(float64(summary.TokenTotals.TotalTokens) * frac),
		}
		if v := cost.Estimate(portion, share.Model, cards, policy, ix.cfg.Cost.DefaultRateCard); v != nil {
			total += *v
			anyKnown = true
		}
	}
	if !anyKnown {
		return nil
	}
	return &total
}

// applyResidencyLocked promotes/demotes traces across hot/warm/cold tiers
// per RetentionConfig, dropping materialized events for demoted traces so
// memory tracks the configured limits rather than the discovered set size.
// Caller must hold ix.mu.
func (ix *Index) applyResidencyLocked(nowMs int64) {
	ids := make([]string, 0, len(ix.entries))
	for id := range ix.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return ix.entries[ids[i]].summary.MtimeMs > ix.entries[ids[j]].summary.MtimeMs
	})

	hotLimit := ix.cfg.Retention.HotTraceLimit
	warmLimit := ix.cfg.Retention.WarmTraceLimit
	fullMemory := ix.cfg.Retention.Policy == "full_memory"

	for i, id := range ids {
		e := ix.entries[id]
		switch {
		case fullMemory || (hotLimit <= 0 || i < hotLimit):
			e.summary.ResidentTier = trace.TierHot
			e.summary.IsMaterialized = true
		case warmLimit <= 0 || i < hotLimit+warmLimit:
			e.summary.ResidentTier = trace.TierWarm
			if e.summary.IsMaterialized {
				e.events = nil
				e.summary.IsMaterialized = false
			}
		default:
			e.summary.ResidentTier = trace.TierCold
			if e.summary.IsMaterialized {
				e.events = nil
				e.summary.IsMaterialized = false
			}
		}
	}
}

func (ix *Index) foldOverviewLocked(nowMs int64, profiles map[string]config.SourceProfile) trace.OverviewStats {
	ov := trace.OverviewStats{
		ByAgent:     make(map[trace.Agent]int),
		ByEventKind: make(map[trace.EventKind]int),
		UpdatedAtMs: nowMs,
	}
	sessions := make(map[string]bool)
	for _, e := range ix.entries {
		ov.TraceCount++
		ov.EventCount += e.summary.EventCount
		ov.ErrorCount += e.summary.ErrorCount
		ov.ToolUseCount += e.summary.ToolUseCount
		ov.ToolResultCount += e.summary.ToolResultCount
		ov.ByAgent[e.summary.Agent]++
		for k, c := range e.summary.EventKindCounts {
			ov.ByEventKind[k] += c
		}
		if e.summary.SessionID != "" {
			sessions[e.summary.SessionID] = true
		}
	}
	ov.SessionCount = len(sessions)
	return ov
}

// GetSummaries implements §4.6 GetSummaries: up to limit summaries (default
// 50, cap 5000), optionally filtered by agent, ordered by mtimeMs descending
// with path ascending as a tiebreak.
func (ix *Index) GetSummaries(agent string, limit int) []trace.TraceSummary {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	if limit > 5000 {
		limit = 5000
	}

	out := make([]trace.TraceSummary, 0, len(ix.entries))
	for _, e := range ix.entries {
		if agent != "" && string(e.summary.Agent) != agent {
			continue
		}
		out = append(out, e.summary)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MtimeMs != out[j].MtimeMs {
			return out[i].MtimeMs > out[j].MtimeMs
		}
		return out[i].Path < out[j].Path
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// GetSummary returns one trace's current summary by canonical traceId,
// without paging its events — used by the resolver-action handlers, which
// only need Path/Agent/SessionId/Cwd, not the event detail GetTracePage pages.
func (ix *Index) GetSummary(traceID string) (trace.TraceSummary, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	e, ok := ix.entries[traceID]
	if !ok {
		return trace.TraceSummary{}, false
	}
	return e.summary, true
}

// ResolveId implements §4.6 ResolveId: accepts a traceId or a sessionId and
// returns the canonical traceId, or ok=false.
func (ix *Index) ResolveId(opaqueID string) (string, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if _, ok := ix.entries[opaqueID]; ok {
		return opaqueID, true
	}
	for id, e := range ix.entries {
		if e.summary.SessionID == opaqueID {
			return id, true
		}
	}
	return "", false
}

// GetTracePage implements §4.6 GetTracePage. Cold/warm traces are lazily
// reparsed from disk into a throwaway event slice rather than being
// permanently re-materialized, so a single page read does not itself change
// residency.
func (ix *Index) GetTracePage(traceID string, limit int, before *string, includeMeta bool) (trace.TracePage, bool) {
	ix.mu.RLock()
	e, ok := ix.entries[traceID]
	if !ok {
		ix.mu.RUnlock()
		return trace.TracePage{}, false
	}
	summary := e.summary
	events := e.events
	needsLoad := !e.summary.IsMaterialized
	path, declared := summary.Path, e.parserName
	ix.mu.RUnlock()

	if needsLoad {
		if p := ix.registry.Select(path, "", declared, probeFile(path)); p != nil {
			if result, err := p.Parse(path, parser.PriorState{}, ix.redactor); err == nil {
				events = result.Events
			}
		}
	}

	if !includeMeta {
		filtered := events[:0:0]
		for _, ev := range events {
			if ev.EventKind != trace.KindMeta {
				filtered = append(filtered, ev)
			}
		}
		events = filtered
	}

	if limit <= 0 {
		limit = 100
	}
	end := len(events)
	if before != nil {
		for i, ev := range events {
			if ev.EventID == *before {
				end = i
				break
			}
		}
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	page := events[start:end]

	var nextBefore *string
	if start > 0 {
		id := page[0].EventID
		nextBefore = &id
	}

	return trace.TracePage{
		Summary:    summary,
		Events:     page,
		TOC:        parser.TOC(events, includeMeta),
		NextBefore: nextBefore,
		LiveCursor: len(events),
	}, true
}

// GetPerformanceStats implements §4.6 GetPerformanceStats, extended with the
// per-source health list (SUPPLEMENTED FEATURES #3).
func (ix *Index) GetPerformanceStats() trace.PerformanceStats {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	names := make([]string, 0, len(ix.health))
	for name := range ix.health {
		names = append(names, name)
	}
	sort.Strings(names)
	healthList := make([]trace.SourceHealth, 0, len(names))
	for _, name := range names {
		healthList = append(healthList, ix.health[name].snapshot(name))
	}
	return trace.PerformanceStats{
		RefreshCount:           ix.refreshCount,
		IncrementalAppendCount: ix.incrementalAppendCount,
		FullReparseCount:       ix.fullReparseCount,
		TrackedFiles:           len(ix.entries),
		SourceHealth:           healthList,
	}
}

// MarkManualStop records the GLOSSARY's manual-stop override for traceID,
// called by the resolver's Stop action on success.
func (ix *Index) MarkManualStop(traceID string, atMs int64) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.manualStops[traceID] = atMs
}

// Snapshot returns the current overview without waiting for the next
// refresh tick.
func (ix *Index) Snapshot() trace.OverviewStats {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.lastOverview
}

// overviewEqual compares two OverviewStats by value, since both carry map
// fields that make the struct non-comparable with ==. UpdatedAtMs is
// excluded: a timestamp-only change must not itself trigger an
// overview_updated envelope.
func overviewEqual(a, b trace.OverviewStats) bool {
	if a.TraceCount != b.TraceCount || a.SessionCount != b.SessionCount ||
		a.EventCount != b.EventCount || a.ErrorCount != b.ErrorCount ||
		a.ToolUseCount != b.ToolUseCount || a.ToolResultCount != b.ToolResultCount {
		return false
	}
	if len(a.ByAgent) != len(b.ByAgent) {
		return false
	}
	for k, v := range a.ByAgent {
		if b.ByAgent[k] != v {
			return false
		}
	}
	if len(a.ByEventKind) != len(b.ByEventKind) {
		return false
	}
	for k, v := range a.ByEventKind {
		if b.ByEventKind[k] != v {
			return false
		}
	}
	return true
}

// traceIDFor derives §3's stable "id" field: a sha256 hash of the trace
// file's absolute path, so the opaque id survives across scans regardless
// of how the path was discovered.
func traceIDFor(c discovery.Candidate) string {
	abs, err := filepath.Abs(c.Path)
	if err != nil {
		abs = c.Path
	}
	sum := sha256.Sum256([]byte(abs))
	return hex.EncodeToString(sum[:])
}

func probeFile(path string) []byte {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	buf := make([]byte, 512)
	n, _ := f.Read(buf)
	return buf[:n]
}

func filePrefix(path string, n int64) []byte {
	if n <= 0 {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	if n > 65536 {
		n = 65536 // cap the retained prefix identity check; a 64KiB match is enough
	}
	buf := make([]byte, n)
	read, _ := f.Read(buf)
	return buf[:read]
}

func mergeKnownToolUses(known map[string]string, events []trace.NormalizedEvent) map[string]string {
	if known == nil {
		known = make(map[string]string)
	}
	for _, ev := range events {
		if ev.EventKind == trace.KindToolUse && ev.ToolCallID != "" {
			known[ev.ToolCallID] = ev.EventID
		}
	}
	return known
}

// foldIncrementalSummary folds a suffix-only summary (as produced by an
// incremental Parse call, whose counts/totals/timestamps cover only the
// newly-appended events) onto the prior cumulative summary, so the result
// reflects the whole trace rather than just this scan's delta. Identity
// fields (ID, Path, Parser, SizeBytes, MtimeMs, ...) are left as suffix set
// them, except SessionID and Cwd, which keep the prior value when the suffix
// carries none; otherwise only the accumulators are combined.
func foldIncrementalSummary(prior, suffix trace.TraceSummary) trace.TraceSummary {
	if suffix.SessionID == "" {
		suffix.SessionID = prior.SessionID
	}
	if suffix.Cwd == "" {
		suffix.Cwd = prior.Cwd
	}
	suffix.EventCount += prior.EventCount
	suffix.ErrorCount += prior.ErrorCount
	suffix.ToolUseCount += prior.ToolUseCount
	suffix.ToolResultCount += prior.ToolResultCount
	suffix.UnmatchedToolUses += prior.UnmatchedToolUses
	suffix.UnmatchedToolResults += prior.UnmatchedToolResults
	suffix.EventKindCounts = parser.MergeKindCounts(prior.EventKindCounts, suffix.EventKindCounts)

	suffix.FirstEventTs = earlierTimestamp(prior.FirstEventTs, suffix.FirstEventTs)
	suffix.LastEventTs = laterTimestamp(prior.LastEventTs, suffix.LastEventTs)

	suffix.TokenTotals = trace.TokenTotals{
		InputTokens:           prior.TokenTotals.InputTokens + suffix.TokenTotals.InputTokens,
		CachedReadTokens:      prior.TokenTotals.CachedReadTokens + suffix.TokenTotals.CachedReadTokens,
		CachedCreateTokens:    prior.TokenTotals.CachedCreateTokens + suffix.TokenTotals.CachedCreateTokens,
		OutputTokens:          prior.TokenTotals.OutputTokens + suffix.TokenTotals.OutputTokens,
		ReasoningOutputTokens: prior.TokenTotals.ReasoningOutputTokens + suffix.TokenTotals.ReasoningOutputTokens,
		TotalTokens:           prior.TokenTotals.TotalTokens + suffix.TokenTotals.TotalTokens,
	}

	suffix.ModelTokenSharesTop = parser.MergeModelShares(prior.ModelTokenSharesTop, suffix.ModelTokenSharesTop)
	suffix.ModelTokenSharesEstimated = prior.ModelTokenSharesEstimated || suffix.ModelTokenSharesEstimated

	// Pi reports a precise per-message cost (summed from its own wire
	// usage.cost.total) straight out of Parse, before deriveLocked runs on
	// it; every other parser leaves this nil out of Parse and always gets
	// a freshly-derived estimate from deriveLocked off the folded
	// TokenTotals above, so only fold when this round's raw parser output
	// itself carried a precise cost -- prior.CostEstimateUsd alone isn't a
	// reliable signal, since deriveLocked also backfills it for parsers
	// that never report one.
	if suffix.CostEstimateUsd != nil {
		sum := *suffix.CostEstimateUsd
		if prior.CostEstimateUsd != nil {
			sum += *prior.CostEstimateUsd
		}
		suffix.CostEstimateUsd = &sum
	}

	return suffix
}

func earlierTimestamp(a, b *int64) *int64 {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if *a < *b {
		return a
	}
	return b
}

func laterTimestamp(a, b *int64) *int64 {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if *a > *b {
		return a
	}
	return b
}
