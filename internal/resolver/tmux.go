package resolver

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// tmuxPane is one pane across any discovered tmux server socket, extending
// the teacher's TmuxPane (internal/monitor/tmux.go) with the session-
// activity/focus fields spec §4.7's Open action and the GLOSSARY's client-
// selection rule need.
type tmuxPane struct {
	Socket      string
	SessionName string
	WindowIndex int
	PaneIndex   int
	PanePID     int32
	Tty         string
	Target      string // "session:window.pane"
}

// tmuxClient is one attached tmux client, used for Client Selection.
type tmuxClient struct {
	Socket        string
	Name          string // client tty device
	SessionName   string
	Focused       bool
	ActivityEpoch int64
}

// discoverTmuxSockets finds every tmux server socket directory for the
// current uid, per spec §4.7 Open: "/tmp/tmux-<uid>/*",
// "/private/tmp/tmux-<uid>/*" (the macOS /tmp symlink target).
func discoverTmuxSockets() []string {
	u, err := user.Current()
	if err != nil {
		return nil
	}
	var dirs []string
	for _, base := range []string{"/tmp", "/private/tmp"} {
		dir := filepath.Join(base, "tmux-"+u.Uid)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.Type()&os.ModeSocket != 0 || !e.IsDir() {
				dirs = append(dirs, filepath.Join(dir, e.Name()))
			}
		}
	}
	return dedupeStrings(dirs)
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func tmuxPath() (string, error) {
	return exec.LookPath("tmux")
}

// listPanesOnSocket runs `tmux -S <socket> list-panes -a -F ...` and parses
// the tab-separated output, mirroring the teacher's listTmuxPanes but scoped
// to one socket so multiple concurrent tmux servers are all discoverable.
func listPanesOnSocket(ctx context.Context, tmuxBin, socket string) []tmuxPane {
	out, err := exec.CommandContext(ctx, tmuxBin, "-S", socket, "list-panes", "-a", "-F",
		"#{pane_pid}\t#{session_name}\t#{window_index}\t#{pane_index}\t#{pane_tty}").Output()
	if err != nil {
		return nil
	}
	var panes []tmuxPane
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		f := strings.Split(line, "\t")
		if len(f) != 5 {
			continue
		}
		pid, err := strconv.Atoi(f[0])
		if err != nil {
			continue
		}
		winIdx, _ := strconv.Atoi(f[2])
		paneIdx, _ := strconv.Atoi(f[3])
		panes = append(panes, tmuxPane{
			Socket:      socket,
			SessionName: f[1],
			WindowIndex: winIdx,
			PaneIndex:   paneIdx,
			PanePID:     int32(pid),
			Tty:         f[4],
			Target:      fmt.Sprintf("%s:%d.%d", f[1], winIdx, paneIdx),
		})
	}
	return panes
}

// listClientsOnSocket runs `tmux -S <socket> list-clients` to support
// ClientSelection.
func listClientsOnSocket(ctx context.Context, tmuxBin, socket string) []tmuxClient {
	out, err := exec.CommandContext(ctx, tmuxBin, "-S", socket, "list-clients", "-F",
		"#{client_tty}\t#{client_session}\t#{client_activity}\t#{?client_active,1,0}").Output()
	if err != nil {
		return nil
	}
	var clients []tmuxClient
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		f := strings.Split(line, "\t")
		if len(f) != 4 {
			continue
		}
		epoch, _ := strconv.ParseInt(f[2], 10, 64)
		clients = append(clients, tmuxClient{
			Socket:        socket,
			Name:          f[0],
			SessionName:   f[1],
			ActivityEpoch: epoch,
			Focused:       f[3] == "1",
		})
	}
	return clients
}

// allPanes lists every pane across every discovered tmux socket.
func allPanes(ctx context.Context) []tmuxPane {
	tmuxBin, err := tmuxPath()
	if err != nil {
		return nil
	}
	var panes []tmuxPane
	for _, socket := range discoverTmuxSockets() {
		panes = append(panes, listPanesOnSocket(ctx, tmuxBin, socket)...)
	}
	return panes
}

// findPaneByTty finds the pane whose tty matches the given terminal device,
// as used by spec §4.7 Open once the target pid's own tty is known.
func findPaneByTty(ctx context.Context, tty string) (tmuxPane, bool) {
	if tty == "" {
		return tmuxPane{}, false
	}
	for _, p := range allPanes(ctx) {
		if p.Tty == tty {
			return p, true
		}
	}
	return tmuxPane{}, false
}

// selectPreferredClient implements the GLOSSARY's "Tmux client selection"
// deterministic order: (a) any focused client whose session is not target
// (preferred, avoids stealing focus from itself); (b) any focused client;
// (c) any client whose session is not target; (d) first client by
// (focused desc, activityEpoch desc, tty asc) order. targetSession is the
// session the pane we want to focus lives in.
func selectPreferredClient(clients []tmuxClient, targetSession string) (tmuxClient, bool) {
	if len(clients) == 0 {
		return tmuxClient{}, false
	}
	sorted := make([]tmuxClient, len(clients))
	copy(sorted, clients)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Focused != sorted[j].Focused {
			return sorted[i].Focused
		}
		if sorted[i].ActivityEpoch != sorted[j].ActivityEpoch {
			return sorted[i].ActivityEpoch > sorted[j].ActivityEpoch
		}
		return sorted[i].Name < sorted[j].Name
	})

	for _, c := range sorted {
		if c.Focused && c.SessionName != targetSession {
			return c, true
		}
	}
	for _, c := range sorted {
		if c.Focused {
			return c, true
		}
	}
	for _, c := range sorted {
		if c.SessionName != targetSession {
			return c, true
		}
	}
	return sorted[0], true
}

// switchClientsToPane runs select-window/select-pane on the pane's socket
// and session, then switch-client on each ordered client so every attached
// terminal follows, per spec §4.7 Open: "Run select-window, select-pane,
// then switch-client on each ordered client."
func switchClientsToPane(ctx context.Context, pane tmuxPane, clients []tmuxClient) error {
	tmuxBin, err := tmuxPath()
	if err != nil {
		return err
	}
	run := func(args ...string) error {
		full := append([]string{"-S", pane.Socket}, args...)
		return exec.CommandContext(ctx, tmuxBin, full...).Run()
	}
	if err := run("select-window", "-t", pane.Target); err != nil {
		return err
	}
	if err := run("select-pane", "-t", pane.Target); err != nil {
		return err
	}
	for _, c := range clients {
		_ = run("switch-client", "-c", c.Name, "-t", pane.SessionName)
	}
	return nil
}

// sendKeysLiteral sends literal text to the pane via `tmux send-keys -l`,
// and optionally an Enter keypress, per spec §4.7 Input.
func sendKeysLiteral(ctx context.Context, pane tmuxPane, text string, submitEnter bool) error {
	tmuxBin, err := tmuxPath()
	if err != nil {
		return err
	}
	if err := exec.CommandContext(ctx, tmuxBin, "-S", pane.Socket, "send-keys", "-t", pane.Target, "-l", text).Run(); err != nil {
		return err
	}
	if submitEnter {
		return exec.CommandContext(ctx, tmuxBin, "-S", pane.Socket, "send-keys", "-t", pane.Target, "Enter").Run()
	}
	return nil
}

// activateTerminalApp invokes the platform "bring terminal window forward"
// hook. Only macOS Ghostty activation is implemented (matching spec §4.7's
// "ghostty_activated" outcome literal); other platforms are a no-op since
// switch-client already moved the shown session on a shared terminal.
func activateTerminalApp(ctx context.Context) bool {
	if _, err := exec.LookPath("osascript"); err != nil {
		return false
	}
	script := `tell application "Ghostty" to activate`
	err := exec.CommandContext(ctx, "osascript", "-e", script).Run()
	return err == nil
}

var _ = time.Now // retained: client activity epochs are unix seconds already provided by tmux
