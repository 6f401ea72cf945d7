package index

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/agentlens/daemon/internal/config"
	"github.com/agentlens/daemon/internal/trace"
)

func writeCodexFixture(t *testing.T, dir string, lines ...string) string {
	t.Helper()
	path := filepath.Join(dir, "rollout-1.jsonl")
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	return path
}

func testConfig(root string) *config.Config {
	cfg, err := config.LoadOrDefault(filepath.Join(root, "does-not-exist.yaml"))
	if err != nil {
		panic(err)
	}
	cfg.Sources = map[string]config.SourceProfile{
		"codex": {Enabled: true, Roots: []string{root}, IncludeGlobs: []string{"*.jsonl"}, MaxDepth: 2, AgentHint: "codex"},
	}
	return cfg
}

func TestRefreshOnceDiscoversAndAddsTrace(t *testing.T) {
	dir := t.TempDir()
	writeCodexFixture(t, dir,
		`{"timestamp":"2026-01-01T00:00:00Z","type":"session_meta","payload":{"id":"sess-1","cwd":"/tmp/project"}}`,
		`{"timestamp":"2026-01-01T00:00:01Z","type":"response_item","payload":{"type":"function_call","id":"fc_1","name":"run_command","call_id":"call_1","arguments":"{\"command\":\"echo hi\"}"}}`,
		`{"timestamp":"2026-01-01T00:00:02Z","type":"response_item","payload":{"type":"function_call_output","call_id":"call_1","output":"hi"}}`,
	)

	cfg := testConfig(dir)
	ix, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var got []Update
	ix.Notify = func(u []Update) { got = append(got, u...) }

	ix.RefreshOnce()

	summaries := ix.GetSummaries("", 0)
	if len(summaries) != 1 {
		t.Fatalf("expected 1 summary, got %d", len(summaries))
	}
	s := summaries[0]
	if s.Agent != trace.AgentCodex {
		t.Errorf("agent = %q, want codex", s.Agent)
	}
	if s.SessionID != "sess-1" {
		t.Errorf("sessionId = %q, want sess-1", s.SessionID)
	}
	if s.EventCount != 3 {
		t.Errorf("eventCount = %d, want 3", s.EventCount)
	}
	if s.ToolUseCount != 1 || s.ToolResultCount != 1 {
		t.Errorf("toolUseCount/toolResultCount = %d/%d, want 1/1", s.ToolUseCount, s.ToolResultCount)
	}

	foundAdded := false
	for _, u := range got {
		if u.Kind == TraceAdded {
			foundAdded = true
		}
	}
	if !foundAdded {
		t.Error("expected a trace_added update in the first refresh batch")
	}

	perf := ix.GetPerformanceStats()
	if perf.RefreshCount != 1 {
		t.Errorf("refreshCount = %d, want 1", perf.RefreshCount)
	}
	if perf.TrackedFiles != 1 {
		t.Errorf("trackedFiles = %d, want 1", perf.TrackedFiles)
	}
}

func TestRefreshOnceIncrementalAppend(t *testing.T) {
	dir := t.TempDir()
	path := writeCodexFixture(t, dir,
		`{"timestamp":"2026-01-01T00:00:00Z","type":"session_meta","payload":{"id":"sess-2","cwd":"/tmp/project"}}`,
	)

	cfg := testConfig(dir)
	ix, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ix.RefreshOnce()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	_, _ = f.WriteString(`{"timestamp":"2026-01-01T00:00:01Z","type":"response_item","payload":{"type":"function_call","id":"fc_1","name":"run_command","call_id":"call_1","arguments":"{}"}}` + "\n")
	f.Close()

	var got []Update
	ix.Notify = func(u []Update) { got = append(got, u...) }
	ix.RefreshOnce()

	summaries := ix.GetSummaries("", 0)
	if len(summaries) != 1 {
		t.Fatalf("expected 1 summary, got %d", len(summaries))
	}
	if summaries[0].EventCount != 2 {
		t.Errorf("eventCount after append = %d, want 2", summaries[0].EventCount)
	}

	sawAppend := false
	for _, u := range got {
		if u.Kind == EventsAppended {
			sawAppend = true
		}
	}
	if !sawAppend {
		t.Error("expected an events_appended update on the second refresh")
	}

	perf := ix.GetPerformanceStats()
	if perf.IncrementalAppendCount == 0 {
		t.Error("expected incrementalAppendCount > 0 after an append-only refresh")
	}
}

func TestRefreshOnceRemovesGoneTrace(t *testing.T) {
	dir := t.TempDir()
	path := writeCodexFixture(t, dir,
		`{"timestamp":"2026-01-01T00:00:00Z","type":"session_meta","payload":{"id":"sess-3","cwd":"/tmp/project"}}`,
	)

	cfg := testConfig(dir)
	ix, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ix.RefreshOnce()
	if len(ix.GetSummaries("", 0)) != 1 {
		t.Fatal("expected trace discovered before removal")
	}

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}

	var got []Update
	ix.Notify = func(u []Update) { got = append(got, u...) }
	ix.RefreshOnce()

	if len(ix.GetSummaries("", 0)) != 0 {
		t.Error("expected trace removed from summaries after file deletion")
	}
	sawRemoved := false
	for _, u := range got {
		if u.Kind == TraceRemoved {
			sawRemoved = true
		}
	}
	if !sawRemoved {
		t.Error("expected a trace_removed update")
	}
}

func TestResolveIdAcceptsSessionId(t *testing.T) {
	dir := t.TempDir()
	writeCodexFixture(t, dir,
		`{"timestamp":"2026-01-01T00:00:00Z","type":"session_meta","payload":{"id":"sess-4","cwd":"/tmp/project"}}`,
	)
	cfg := testConfig(dir)
	ix, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ix.RefreshOnce()

	summaries := ix.GetSummaries("", 0)
	if len(summaries) != 1 {
		t.Fatalf("expected 1 summary, got %d", len(summaries))
	}
	traceID := summaries[0].ID

	if id, ok := ix.ResolveId("sess-4"); !ok || id != traceID {
		t.Errorf("ResolveId(sessionId) = (%q, %v), want (%q, true)", id, ok, traceID)
	}
	if id, ok := ix.ResolveId(traceID); !ok || id != traceID {
		t.Errorf("ResolveId(traceId) = (%q, %v), want (%q, true)", id, ok, traceID)
	}
	if _, ok := ix.ResolveId("unknown"); ok {
		t.Error("ResolveId(unknown) should fail")
	}
}
