package resolver

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentlens/daemon/internal/trace"
)

// Wait/poll tunables for the Stop action, per spec §4.7/§5 ("Resolver
// subprocess calls accept a timeout derived from STOP_SIGNAL_WAIT_MS /
// STOP_FORCE_WAIT_MS / STOP_WAIT_POLL_MS"). Fixed constants, not config:
// spec.md names them as such rather than as tunables under traceInspector.
const (
	StopSignalWaitMs = 2000
	StopForceWaitMs  = 2000
	StopWaitPollMs   = 100
)

// Resolution is the outcome of Match: the set of live pids believed to own
// a trace, plus the stage that produced them (for diagnostics).
type Resolution struct {
	PIDs  []int32
	Stage string
}

// Identity is the daemon's own effective identity, used to exclude its own
// pid and filter candidates by ownership per spec §4.7 stage 1/3 and
// invariant 6 ("the daemon's own pid is never returned").
type Identity struct {
	Username     string
	UID          string
	RequesterPID int32
}

// CurrentIdentity resolves the running daemon's username/uid/pid.
func CurrentIdentity() Identity {
	username, uid := currentUser()
	return Identity{Username: username, UID: uid, RequesterPID: int32(os.Getpid())}
}

// Match implements spec §4.7's six-stage resolution, stopping at the first
// stage that yields a non-empty candidate set, then applying disambiguation.
func Match(ctx context.Context, summary trace.TraceSummary, id Identity) Resolution {
	procs := listProcesses(ctx)

	if r, ok := stageOpenFileOwners(ctx, summary, id, procs); ok {
		return finish(r, "open_file_owners", summary, procs)
	}
	if r, ok := stageClaudeDebugLog(ctx, summary, id, procs); ok {
		return finish(r, "claude_debug_log", summary, procs)
	}
	if r, ok := stageProjectCwdMatch(summary, id, procs); ok {
		return finish(r, "project_cwd", summary, procs)
	}
	if r, ok := stageOpenPathSessionMatch(ctx, summary, id, procs); ok {
		return finish(r, "open_path_session", summary, procs)
	}
	if r, ok := stageGeminiProjectLog(ctx, summary, id, procs); ok {
		return finish(r, "gemini_project_log", summary, procs)
	}
	if r, ok := stageArgsSessionID(summary, id, procs); ok {
		return finish(r, "args_session_id", summary, procs)
	}
	return Resolution{Stage: "not_resolvable"}
}

// finish applies the disambiguation rules of spec §4.7 to a stage's raw
// candidate pid set.
func finish(pids []int32, stage string, summary trace.TraceSummary, procs []ProcInfo) Resolution {
	pids = dedupePIDs(pids)
	if len(pids) <= 1 {
		return Resolution{PIDs: pids, Stage: stage}
	}
	if summary.Agent == trace.AgentGemini {
		if picked, ok := disambiguateGemini(pids, summary, procs); ok {
			return Resolution{PIDs: picked, Stage: stage}
		}
		return Resolution{Stage: "not_resolvable"}
	}
	if sameTTY(pids, procs) {
		return Resolution{PIDs: pids, Stage: stage}
	}
	return Resolution{Stage: "not_resolvable"}
}

func dedupePIDs(pids []int32) []int32 {
	seen := make(map[int32]bool, len(pids))
	out := pids[:0]
	for _, p := range pids {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

func procByPID(pid int32, procs []ProcInfo) (ProcInfo, bool) {
	for _, p := range procs {
		if p.PID == pid {
			return p, true
		}
	}
	return ProcInfo{}, false
}

func sameTTY(pids []int32, procs []ProcInfo) bool {
	var tty string
	for i, pid := range pids {
		p, ok := procByPID(pid, procs)
		if !ok {
			return false
		}
		if i == 0 {
			tty = p.Tty
		} else if p.Tty != tty {
			return false
		}
	}
	return true
}

// disambiguateGemini groups candidates by tty and measures each group by its
// earliest-started pid; the group whose earliest start is closest to the
// trace's anchor time wins and all of its pids are returned. A tie abstains.
func disambiguateGemini(pids []int32, summary trace.TraceSummary, procs []ProcInfo) ([]int32, bool) {
	anchor := anchorTime(summary)
	if anchor.IsZero() {
		return nil, false
	}
	groups := make(map[string][]int32)
	for _, pid := range pids {
		p, ok := procByPID(pid, procs)
		if !ok {
			continue
		}
		groups[p.Tty] = append(groups[p.Tty], pid)
	}
	type candidate struct {
		tty   string
		pids  []int32
		delta time.Duration
	}
	var cands []candidate
	for tty, group := range groups {
		var earliest time.Time
		for _, pid := range group {
			p, ok := procByPID(pid, procs)
			if !ok {
				continue
			}
			if earliest.IsZero() || p.StartTime.Before(earliest) {
				earliest = p.StartTime
			}
		}
		if earliest.IsZero() {
			continue
		}
		delta := earliest.Sub(anchor)
		if delta < 0 {
			delta = -delta
		}
		cands = append(cands, candidate{tty: tty, pids: group, delta: delta})
	}
	if len(cands) == 0 {
		return nil, false
	}
	best := cands[0]
	tie := false
	for _, c := range cands[1:] {
		if c.delta < best.delta {
			best = c
			tie = false
		} else if c.delta == best.delta {
			tie = true
		}
	}
	if tie {
		return nil, false
	}
	return best.pids, true
}

// anchorTime resolves the trace's anchor time for Gemini disambiguation:
// startTime from the session JSON, falling back to first message timestamp
// or lastUpdated. TraceSummary carries FirstEventTs/MtimeMs as the
// available equivalents.
func anchorTime(summary trace.TraceSummary) time.Time {
	if summary.FirstEventTs != nil {
		return time.UnixMilli(*summary.FirstEventTs)
	}
	if summary.MtimeMs > 0 {
		return time.UnixMilli(summary.MtimeMs)
	}
	return time.Time{}
}

// --- stage 1: open-file owner scan ---

func stageOpenFileOwners(ctx context.Context, summary trace.TraceSummary, id Identity, procs []ProcInfo) ([]int32, bool) {
	owners := lsofOpenFileOwners(ctx, summary.Path)
	if len(owners) == 0 {
		return nil, false
	}
	var survivors []int32
	for _, o := range owners {
		if o.PID == id.RequesterPID {
			continue
		}
		if o.UID != id.Username && o.UID != id.UID {
			continue
		}
		survivors = append(survivors, o.PID)
	}
	if len(survivors) == 0 {
		return nil, false
	}

	var agentMatched []int32
	for _, pid := range survivors {
		p, ok := procByPID(pid, procs)
		if !ok {
			continue
		}
		if !matchesAgent(p, summary.Agent) {
			continue
		}
		if summary.Agent == trace.AgentOpencode && isOpencodeServeDaemon(p) {
			continue
		}
		agentMatched = append(agentMatched, pid)
	}
	if len(agentMatched) == 0 {
		return survivors, true
	}

	var sessionMatched []int32
	if summary.SessionID != "" {
		for _, pid := range agentMatched {
			p, ok := procByPID(pid, procs)
			if ok && strings.Contains(p.Cmdline, summary.SessionID) {
				sessionMatched = append(sessionMatched, pid)
			}
		}
	}
	if len(sessionMatched) == 1 {
		return sessionMatched, true
	}
	return agentMatched, true
}

// --- stage 2: Claude debug-log pid ---

var claudePIDLockPattern = regexp.MustCompile(`Acquired PID lock \(PID (\d+)\)`)
var claudeTmpLockPattern = regexp.MustCompile(`\.claude\.json\.tmp\.(\d+)\.`)

func stageClaudeDebugLog(ctx context.Context, summary trace.TraceSummary, id Identity, procs []ProcInfo) ([]int32, bool) {
	if summary.Agent != trace.AgentClaude || summary.SessionID == "" {
		return nil, false
	}
	path := filepath.Join(homeDir(), ".claude", "debug", summary.SessionID+".txt")
	pid, ok := tailExtractPID(path, 4096)
	if !ok {
		return nil, false
	}
	if !isAlive(ctx, pid) {
		return nil, false
	}
	p, ok := procByPID(pid, procs)
	if !ok || !matchesAgent(p, trace.AgentClaude) {
		return nil, false
	}
	if p.Username != id.Username && p.Username != id.UID {
		return nil, false
	}
	projectKey := claudeProjectKeyFromPath(summary.Path)
	if projectKey != "" && normalizeProjectKey(p.Cwd) != normalizeProjectKey(projectKey) {
		return nil, false
	}
	return []int32{pid}, true
}

// tailExtractPID reads the last maxBytes of path and returns the most
// recent pid token from either log-line pattern.
func tailExtractPID(path string, maxBytes int64) (int32, bool) {
	f, err := os.Open(path)
	if err != nil {
		return 0, false
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, false
	}
	start := int64(0)
	if info.Size() > maxBytes {
		start = info.Size() - maxBytes
	}
	if _, err := f.Seek(start, 0); err != nil {
		return 0, false
	}

	var lastPID int32
	found := false
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if m := claudePIDLockPattern.FindStringSubmatch(line); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				lastPID = int32(n)
				found = true
			}
		}
		if m := claudeTmpLockPattern.FindStringSubmatch(line); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				lastPID = int32(n)
				found = true
			}
		}
	}
	return lastPID, found
}

// claudeProjectKeyFromPath extracts the directory component after
// "/.claude/projects/" from a trace path, per spec §4.7 stage 2/3.
func claudeProjectKeyFromPath(path string) string {
	const marker = "/.claude/projects/"
	idx := strings.Index(path, marker)
	if idx < 0 {
		return ""
	}
	rest := path[idx+len(marker):]
	if slash := strings.Index(rest, "/"); slash >= 0 {
		rest = rest[:slash]
	}
	return rest
}

// cursorProjectKeyFromPath extracts the directory after "/.cursor/projects/".
func cursorProjectKeyFromPath(path string) string {
	const marker = "/.cursor/projects/"
	idx := strings.Index(path, marker)
	if idx < 0 {
		return ""
	}
	rest := path[idx+len(marker):]
	if slash := strings.Index(rest, "/"); slash >= 0 {
		rest = rest[:slash]
	}
	return strings.ToLower(rest)
}

// --- stage 3: project-cwd match ---

func stageProjectCwdMatch(summary trace.TraceSummary, id Identity, procs []ProcInfo) ([]int32, bool) {
	var want func(cwd string) bool

	switch summary.Agent {
	case trace.AgentClaude:
		key := claudeProjectKeyFromPath(summary.Path)
		if key == "" {
			return nil, false
		}
		want = func(cwd string) bool { return normalizeProjectKey(cwd) == normalizeProjectKey(key) }
	case trace.AgentCursor:
		key := cursorProjectKeyFromPath(summary.Path)
		if key == "" {
			return nil, false
		}
		want = func(cwd string) bool { return lowercasedProjectKey(cwd) == key }
	case trace.AgentGemini:
		key := geminiProjectHashFromPath(summary.Path)
		if key == "" {
			return nil, false
		}
		want = func(cwd string) bool {
			if sha256ProjectHash(cwd) == key {
				return true
			}
			slug := normalizeProjectKey(strings.ToLower(cwd))
			return slug == key || filepath.Base(cwd) == key
		}
	default:
		if summary.Cwd == "" {
			return nil, false
		}
		want = func(cwd string) bool { return normalizeProjectKey(cwd) == normalizeProjectKey(summary.Cwd) }
	}

	var matched []int32
	for _, p := range procs {
		if p.Username != id.Username && p.Username != id.UID {
			continue
		}
		if !matchesAgent(p, summary.Agent) {
			continue
		}
		if summary.Agent == trace.AgentOpencode && isOpencodeServeDaemon(p) {
			continue
		}
		if p.Cwd == "" || !want(p.Cwd) {
			continue
		}
		matched = append(matched, p.PID)
	}
	if len(matched) == 0 {
		return nil, false
	}
	return matched, true
}

func sha256ProjectHash(cwd string) string {
	trimmed := strings.TrimSuffix(cwd, "/")
	sum := sha256.Sum256([]byte(trimmed))
	return hex.EncodeToString(sum[:])
}

var geminiProjectHashPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// geminiProjectHashFromPath extracts the 64-hex project hash from a Gemini
// trace path of the form ".../tmp/<hash>/...".
func geminiProjectHashFromPath(path string) string {
	for _, part := range strings.Split(path, "/") {
		if geminiProjectHashPattern.MatchString(part) {
			return part
		}
	}
	return ""
}

// --- stage 4: open-path session-id match ---

func stageOpenPathSessionMatch(ctx context.Context, summary trace.TraceSummary, id Identity, procs []ProcInfo) ([]int32, bool) {
	if summary.SessionID == "" {
		return nil, false
	}
	var matched []int32
	for _, p := range procs {
		if p.Username != id.Username && p.Username != id.UID {
			continue
		}
		if !matchesAgent(p, summary.Agent) {
			continue
		}
		paths := lsofOpenPaths(ctx, p.PID)
		for _, path := range paths {
			switch summary.Agent {
			case trace.AgentCursor:
				if strings.Contains(path, "chats/") && strings.Contains(path, summary.SessionID) && strings.Contains(path, "store.db") {
					matched = append(matched, p.PID)
				}
			case trace.AgentOpencode:
				if strings.Contains(path, filepath.Join("opencode", "log")) && strings.HasSuffix(path, ".log") {
					if logContainsSessionID(path, summary.SessionID) {
						matched = append(matched, p.PID)
					}
				}
			}
		}
	}
	if len(matched) == 0 {
		return nil, false
	}
	return matched, true
}

func logContainsSessionID(path, sessionID string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return strings.Contains(string(data), "sessionID="+sessionID)
}

// --- stage 5: Gemini project log ---

func stageGeminiProjectLog(ctx context.Context, summary trace.TraceSummary, id Identity, procs []ProcInfo) ([]int32, bool) {
	if summary.Agent != trace.AgentGemini || summary.SessionID == "" {
		return nil, false
	}
	projectHash := geminiProjectHashFromPath(summary.Path)
	if projectHash == "" {
		return nil, false
	}
	logPath := filepath.Join(homeDir(), ".gemini", "tmp", projectHash, "logs.json")
	data, err := os.ReadFile(logPath)
	if err != nil {
		return nil, false
	}
	if !strings.Contains(string(data), summary.SessionID) {
		return nil, false
	}

	var matched []int32
	for _, p := range procs {
		if !matchesAgent(p, trace.AgentGemini) {
			continue
		}
		if p.Username != id.Username && p.Username != id.UID {
			continue
		}
		if p.Cwd == "" {
			continue
		}
		if sha256ProjectHash(p.Cwd) == projectHash {
			matched = append(matched, p.PID)
		}
	}
	if len(matched) == 0 {
		return nil, false
	}
	return matched, true
}

// --- stage 6: args session-id match ---

func stageArgsSessionID(summary trace.TraceSummary, id Identity, procs []ProcInfo) ([]int32, bool) {
	if summary.SessionID == "" {
		return nil, false
	}
	var matched []int32
	for _, p := range procs {
		if p.Username != id.Username && p.Username != id.UID {
			continue
		}
		if !matchesAgent(p, summary.Agent) {
			continue
		}
		if strings.Contains(p.Cmdline, summary.SessionID) {
			matched = append(matched, p.PID)
		}
	}
	if len(matched) == 0 {
		return nil, false
	}
	return matched, true
}

// --- actions ---

// StopStatus mirrors spec §4.7 Stop's reported outcome.
type StopStatus string

const (
	StopTerminated StopStatus = "terminated"
	StopNotRunning StopStatus = "not_running"
	StopFailed     StopStatus = "failed"
)

type StopResult struct {
	Status       StopStatus
	LastSignal   string
	ResidualPIDs []int32
}

// Stop implements spec §4.7's Stop action: SIGINT, wait, SIGTERM, wait,
// optionally SIGKILL if force, wait.
func Stop(ctx context.Context, pids []int32, force bool) StopResult {
	alive := filterAlive(ctx, pids)
	if len(alive) == 0 {
		return StopResult{Status: StopNotRunning}
	}

	lastSignal := ""
	for _, sig := range []struct {
		signal syscall.Signal
		name   string
		wait   time.Duration
	}{
		{syscall.SIGINT, "SIGINT", time.Duration(StopSignalWaitMs) * time.Millisecond},
		{syscall.SIGTERM, "SIGTERM", time.Duration(StopSignalWaitMs) * time.Millisecond},
	} {
		if len(alive) == 0 {
			break
		}
		for _, pid := range alive {
			_ = sendSignal(pid, sig.signal)
		}
		lastSignal = sig.name
		alive = waitForDeath(ctx, alive, sig.wait)
	}

	if force && len(alive) > 0 {
		for _, pid := range alive {
			_ = sendSignal(pid, syscall.SIGKILL)
		}
		lastSignal = "SIGKILL"
		alive = waitForDeath(ctx, alive, time.Duration(StopForceWaitMs)*time.Millisecond)
	}

	if len(alive) == 0 {
		return StopResult{Status: StopTerminated, LastSignal: lastSignal}
	}
	return StopResult{Status: StopFailed, LastSignal: lastSignal, ResidualPIDs: alive}
}

func sendSignal(pid int32, sig syscall.Signal) error {
	p, err := os.FindProcess(int(pid))
	if err != nil {
		return err
	}
	return p.Signal(sig)
}

func filterAlive(ctx context.Context, pids []int32) []int32 {
	var alive []int32
	for _, pid := range pids {
		if isAlive(ctx, pid) {
			alive = append(alive, pid)
		}
	}
	return alive
}

// waitForDeath polls every StopWaitPollMs until wait elapses, returning
// whichever pids are still alive at the end.
func waitForDeath(ctx context.Context, pids []int32, wait time.Duration) []int32 {
	deadline := time.Now().Add(wait)
	poll := time.Duration(StopWaitPollMs) * time.Millisecond
	for {
		alive := filterAlive(ctx, pids)
		if len(alive) == 0 || time.Now().After(deadline) {
			return alive
		}
		select {
		case <-ctx.Done():
			return alive
		case <-time.After(poll):
		}
	}
}

// OpenStatus mirrors spec §4.7 Open's reported outcome.
type OpenStatus string

const (
	OpenFocusedPane      OpenStatus = "focused_pane"
	OpenGhosttyActivated OpenStatus = "ghostty_activated"
	OpenNotResolvable    OpenStatus = "not_resolvable"
	OpenFailed           OpenStatus = "failed"
)

type OpenResult struct {
	Status     OpenStatus
	TmuxTarget string // "session:window.pane"
}

// Open implements spec §4.7's Open action.
func Open(ctx context.Context, pids []int32, procs []ProcInfo) OpenResult {
	if len(pids) == 0 {
		return OpenResult{Status: OpenNotResolvable}
	}
	pid := pids[0]
	p, ok := procByPID(pid, procs)
	if !ok || p.Tty == "" {
		return OpenResult{Status: OpenNotResolvable}
	}

	activateTerminalApp(ctx)

	pane, ok := findPaneByTty(ctx, p.Tty)
	if !ok {
		if activateTerminalApp(ctx) {
			return OpenResult{Status: OpenGhosttyActivated}
		}
		return OpenResult{Status: OpenNotResolvable}
	}

	tmuxBin, err := tmuxPath()
	if err != nil {
		return OpenResult{Status: OpenFailed}
	}
	clients := listClientsOnSocket(ctx, tmuxBin, pane.Socket)
	ordered := orderClientsForSwitch(clients, pane.SessionName)

	if err := switchClientsToPane(ctx, pane, ordered); err != nil {
		return OpenResult{Status: OpenFailed}
	}
	if activateTerminalApp(ctx) {
		return OpenResult{Status: OpenGhosttyActivated, TmuxTarget: pane.Target}
	}
	return OpenResult{Status: OpenFocusedPane, TmuxTarget: pane.Target}
}

// orderClientsForSwitch puts the GLOSSARY-preferred client first, followed
// by the rest in the same deterministic order, so switch-client visits
// every attached terminal but leads with the one least likely to surprise
// the user by stealing their focus.
func orderClientsForSwitch(clients []tmuxClient, targetSession string) []tmuxClient {
	preferred, ok := selectPreferredClient(clients, targetSession)
	if !ok {
		return clients
	}
	ordered := []tmuxClient{preferred}
	for _, c := range clients {
		if c.Name != preferred.Name {
			ordered = append(ordered, c)
		}
	}
	return ordered
}

// InputResult mirrors spec §4.7 Input's reported outcome.
type InputResult struct {
	Status     OpenStatus
	TmuxTarget string
}

// Input implements spec §4.7's Input action: same resolution path as Open,
// then send-keys the literal text (and optionally Enter). Max length is
// enforced by the API layer, not here.
func Input(ctx context.Context, pids []int32, procs []ProcInfo, text string, submit bool) InputResult {
	if len(pids) == 0 {
		return InputResult{Status: OpenNotResolvable}
	}
	p, ok := procByPID(pids[0], procs)
	if !ok || p.Tty == "" {
		return InputResult{Status: OpenNotResolvable}
	}
	pane, ok := findPaneByTty(ctx, p.Tty)
	if !ok {
		return InputResult{Status: OpenNotResolvable}
	}
	if err := sendKeysLiteral(ctx, pane, text, submit); err != nil {
		return InputResult{Status: OpenFailed, TmuxTarget: pane.Target}
	}
	return InputResult{Status: OpenFocusedPane, TmuxTarget: pane.Target}
}

// ListProcesses exposes listProcesses to callers (internal/api) that need
// to resolve a pid's tty/cwd for a Resolution without re-running a stage.
func ListProcesses(ctx context.Context) []ProcInfo {
	return listProcesses(ctx)
}
