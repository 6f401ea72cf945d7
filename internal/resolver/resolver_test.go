package resolver

import (
	"context"
	"testing"
	"time"

	"github.com/agentlens/daemon/internal/trace"
)

func TestNormalizeProjectKey(t *testing.T) {
	tests := []struct {
		name string
		path string
		want string
	}{
		{"simple", "/Users/rob/Dropbox/2026_sakana/agentlens", "Users-rob-Dropbox-2026-sakana-agentlens"},
		{"already rooted", "Users/rob/proj", "Users-rob-proj"},
		{"trailing slash", "/Users/rob/proj/", "Users-rob-proj"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := normalizeProjectKey(tt.path); got != tt.want {
				t.Errorf("normalizeProjectKey(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestLowercasedProjectKey(t *testing.T) {
	got := lowercasedProjectKey("/Users/Rob/MyProject")
	want := normalizeProjectKey("/users/rob/myproject")
	if got != want {
		t.Errorf("lowercasedProjectKey = %q, want %q", got, want)
	}
}

func TestClaudeProjectKeyFromPath(t *testing.T) {
	path := "/Users/rob/.claude/projects/-Users-rob-Dropbox-2026-sakana-agentlens/2356bd53.jsonl"
	got := claudeProjectKeyFromPath(path)
	want := "-Users-rob-Dropbox-2026-sakana-agentlens"
	if got != want {
		t.Errorf("claudeProjectKeyFromPath = %q, want %q", got, want)
	}
}

func TestSelectPreferredClient(t *testing.T) {
	clients := []tmuxClient{
		{Name: "/dev/ttys001", SessionName: "work", Focused: false, ActivityEpoch: 100},
		{Name: "/dev/ttys002", SessionName: "other", Focused: true, ActivityEpoch: 50},
		{Name: "/dev/ttys003", SessionName: "target", Focused: true, ActivityEpoch: 200},
	}

	// A focused client on a different session than "target" wins, even
	// though another focused client (ttys003, on target) has higher activity.
	picked, ok := selectPreferredClient(clients, "target")
	if !ok {
		t.Fatal("expected a client to be selected")
	}
	if picked.Name != "/dev/ttys002" {
		t.Errorf("picked = %q, want /dev/ttys002 (focused, not on target)", picked.Name)
	}
}

func TestSelectPreferredClient_AllFocusedOnTarget(t *testing.T) {
	clients := []tmuxClient{
		{Name: "/dev/ttys001", SessionName: "target", Focused: true, ActivityEpoch: 10},
		{Name: "/dev/ttys002", SessionName: "target", Focused: true, ActivityEpoch: 20},
	}
	picked, ok := selectPreferredClient(clients, "target")
	if !ok {
		t.Fatal("expected a client to be selected")
	}
	// Falls through to "any focused client" sorted by activityEpoch desc.
	if picked.Name != "/dev/ttys002" {
		t.Errorf("picked = %q, want /dev/ttys002 (highest activity)", picked.Name)
	}
}

func TestSelectPreferredClient_NoClients(t *testing.T) {
	if _, ok := selectPreferredClient(nil, "target"); ok {
		t.Error("expected no selection for an empty client list")
	}
}

func TestSameTTY(t *testing.T) {
	procs := []ProcInfo{
		{PID: 1, Tty: "ttys001"},
		{PID: 2, Tty: "ttys001"},
		{PID: 3, Tty: "ttys002"},
	}
	if !sameTTY([]int32{1, 2}, procs) {
		t.Error("expected pids 1,2 to share a tty")
	}
	if sameTTY([]int32{1, 3}, procs) {
		t.Error("expected pids 1,3 to not share a tty")
	}
}

func TestFinishAbstainsOnMixedTTY(t *testing.T) {
	procs := []ProcInfo{
		{PID: 10, Tty: "ttys001"},
		{PID: 20, Tty: "ttys002"},
	}
	summary := trace.TraceSummary{Agent: trace.AgentClaude}
	res := finish([]int32{10, 20}, "project_cwd", summary, procs)
	if res.Stage != "not_resolvable" {
		t.Errorf("stage = %q, want not_resolvable for mixed-tty candidates", res.Stage)
	}
}

func TestFinishKeepsAllOnSharedTTY(t *testing.T) {
	procs := []ProcInfo{
		{PID: 10, Tty: "ttys001"},
		{PID: 20, Tty: "ttys001"},
	}
	summary := trace.TraceSummary{Agent: trace.AgentClaude}
	res := finish([]int32{10, 20}, "project_cwd", summary, procs)
	if len(res.PIDs) != 2 {
		t.Errorf("pids = %v, want both pids kept on shared tty", res.PIDs)
	}
}

func TestDisambiguateGemini_PicksClosestGroup(t *testing.T) {
	anchor := time.UnixMilli(2_000_000)
	procs := []ProcInfo{
		{PID: 1, Tty: "ttys001", StartTime: anchor.Add(-5 * time.Second)},
		{PID: 2, Tty: "ttys002", StartTime: anchor.Add(-5 * time.Minute)},
	}
	summary := trace.TraceSummary{Agent: trace.AgentGemini, FirstEventTs: int64Ptr(2_000_000)}
	picked, ok := disambiguateGemini([]int32{1, 2}, summary, procs)
	if !ok {
		t.Fatal("expected a group to be selected")
	}
	if len(picked) != 1 || picked[0] != 1 {
		t.Errorf("picked = %v, want [1] (closest start time to anchor)", picked)
	}
}

func TestDisambiguateGemini_AbstainsOnExactTie(t *testing.T) {
	anchor := time.UnixMilli(2_000_000)
	procs := []ProcInfo{
		{PID: 1, Tty: "ttys001", StartTime: anchor.Add(-5 * time.Second)},
		{PID: 2, Tty: "ttys002", StartTime: anchor.Add(5 * time.Second)},
	}
	summary := trace.TraceSummary{Agent: trace.AgentGemini, FirstEventTs: int64Ptr(2_000_000)}
	_, ok := disambiguateGemini([]int32{1, 2}, summary, procs)
	if ok {
		t.Error("expected abstention on an exact tie between groups")
	}
}

func int64Ptr(v int64) *int64 { return &v }

func TestStopReportsNotRunningWhenNoPIDsAlive(t *testing.T) {
	// No real process exists at these pids (well into the reserved range),
	// so isAlive(...) is expected to return false for all of them.
	res := Stop(context.Background(), []int32{999999, 999998}, false)
	if res.Status != StopNotRunning {
		t.Errorf("status = %q, want not_running", res.Status)
	}
}

func TestOpenNotResolvableWithoutCandidates(t *testing.T) {
	res := Open(context.Background(), nil, nil)
	if res.Status != OpenNotResolvable {
		t.Errorf("status = %q, want not_resolvable", res.Status)
	}
}

func TestInputNotResolvableWithoutCandidates(t *testing.T) {
	res := Input(context.Background(), nil, nil, "hello", true)
	if res.Status != OpenNotResolvable {
		t.Errorf("status = %q, want not_resolvable", res.Status)
	}
}
