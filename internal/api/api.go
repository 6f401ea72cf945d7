// Package api implements spec §6's HTTP surface: read-only trace/overview
// queries, the resolver's Stop/Open/Input actions, config read/merge-write,
// and the SSE event stream. Grounded on the teacher's internal/ws.Server
// (internal/ws/server.go): a manual http.ServeMux with one handler func per
// route, a shared authorize()/checkOrigin() gate ahead of every handler, and
// NewServer/SetupRoutes/ListenAndServe as the wiring seam cmd/agentlensd
// calls into.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/agentlens/daemon/internal/broker"
	"github.com/agentlens/daemon/internal/config"
	"github.com/agentlens/daemon/internal/index"
	"github.com/agentlens/daemon/internal/resolver"
	"github.com/agentlens/daemon/internal/trace"
)

const maxInputTextLength = 2000

// Server wires the index/broker/resolver/config seam to spec §6's HTTP
// surface, mirroring the teacher's ws.Server field shape.
type Server struct {
	cfg            atomic.Pointer[config.Config]
	cfgPath        string
	idx            *index.Index
	brk            *broker.Broker
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	authToken      string
}

// NewServer builds a Server. cfgPath is where POST /api/config persists a
// merged configuration back to disk.
func NewServer(cfg *config.Config, cfgPath string, idx *index.Index, brk *broker.Broker, allowedOrigins []string, authToken string) *Server {
	s := &Server{
		cfgPath:        cfgPath,
		idx:            idx,
		brk:            brk,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		authToken:      authToken,
	}
	s.cfg.Store(cfg)
	for _, origin := range allowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}
	return s
}

// Config returns the currently active configuration.
func (s *Server) Config() *config.Config { return s.cfg.Load() }

// SetupRoutes registers every spec §6 route on mux.
func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/healthz", s.handleHealthz)
	mux.HandleFunc("/api/overview", s.handleOverview)
	mux.HandleFunc("/api/perf", s.handlePerf)
	mux.HandleFunc("/api/traces", s.handleTraces)
	mux.HandleFunc("/api/trace/", s.handleTraceRoutes)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/stream", s.handleStream)
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}
	if r.URL.Query().Get("token") == s.authToken {
		return true
	}
	if r.Header.Get("X-AgentLens-Token") == s.authToken {
		return true
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken {
		return true
	}
	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	host := parsed.Host
	if host == r.Host {
		return true
	}
	return strings.HasPrefix(host, "localhost:") || host == "localhost" ||
		strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1" ||
		strings.HasPrefix(host, "[::1]:") || host == "::1"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, errMsg string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": errMsg})
}

func (s *Server) guard(w http.ResponseWriter, r *http.Request) bool {
	if !s.checkOrigin(r) {
		writeErr(w, http.StatusForbidden, "origin not allowed")
		return false
	}
	if !s.authorize(r) {
		writeErr(w, http.StatusUnauthorized, "unauthorized")
		return false
	}
	return true
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	if !s.guard(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"overview": s.idx.Snapshot()})
}

func (s *Server) handlePerf(w http.ResponseWriter, r *http.Request) {
	if !s.guard(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"perf": s.idx.GetPerformanceStats()})
}

func (s *Server) handleTraces(w http.ResponseWriter, r *http.Request) {
	if !s.guard(w, r) {
		return
	}
	agent := r.URL.Query().Get("agent")
	limit := parseIntDefault(r.URL.Query().Get("limit"), 50)
	summaries := s.idx.GetSummaries(agent, limit)
	summaries = s.applyPrivacy(summaries)
	writeJSON(w, http.StatusOK, map[string]any{"traces": summaries})
}

func (s *Server) applyPrivacy(summaries []trace.TraceSummary) []trace.TraceSummary {
	filter := s.cfg.Load().TraceInspector.Privacy.NewPrivacyFilter()
	if filter.IsNoop() {
		return summaries
	}
	return filter.FilterSlice(summaries, func(sm trace.TraceSummary) string { return sm.Cwd })
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// handleTraceRoutes dispatches /api/trace/:id[/stop|open|input].
func (s *Server) handleTraceRoutes(w http.ResponseWriter, r *http.Request) {
	if !s.guard(w, r) {
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/trace/")
	parts := strings.SplitN(rest, "/", 2)
	opaqueID, err := url.PathUnescape(parts[0])
	if err != nil || opaqueID == "" {
		writeErr(w, http.StatusNotFound, "unknown id")
		return
	}
	traceID, ok := s.idx.ResolveId(opaqueID)
	if !ok {
		writeErr(w, http.StatusNotFound, "unknown id")
		return
	}

	if len(parts) == 1 {
		s.handleTraceDetail(w, r, traceID)
		return
	}
	switch parts[1] {
	case "stop":
		s.handleStop(w, r, traceID)
	case "open":
		s.handleOpen(w, r, traceID)
	case "input":
		s.handleInput(w, r, traceID)
	default:
		writeErr(w, http.StatusNotFound, "unknown route")
	}
}

func (s *Server) handleTraceDetail(w http.ResponseWriter, r *http.Request, traceID string) {
	q := r.URL.Query()
	limit := parseIntDefault(q.Get("limit"), 0)
	includeMeta := q.Get("include_meta") == "true" || (q.Get("include_meta") == "" && s.cfg.Load().TraceInspector.IncludeMetaDefault)
	var before *string
	if b := q.Get("before"); b != "" {
		before = &b
	}
	page, ok := s.idx.GetTracePage(traceID, limit, before, includeMeta)
	if !ok {
		writeErr(w, http.StatusNotFound, "unknown id")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) traceSummary(traceID string) (trace.TraceSummary, bool) {
	return s.idx.GetSummary(traceID)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request, traceID string) {
	summary, ok := s.traceSummary(traceID)
	if !ok {
		writeErr(w, http.StatusNotFound, "unknown id")
		return
	}
	force := r.URL.Query().Get("force") == "true"
	ctx := r.Context()
	res := resolver.Match(ctx, summary, resolver.CurrentIdentity())
	if len(res.PIDs) == 0 {
		writeJSON(w, http.StatusConflict, map[string]any{"ok": false, "status": "not_running"})
		return
	}
	stop := resolver.Stop(ctx, res.PIDs, force)
	switch stop.Status {
	case resolver.StopTerminated:
		s.idx.MarkManualStop(traceID, time.Now().UnixMilli())
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": stop.Status, "lastSignal": stop.LastSignal})
	case resolver.StopNotRunning:
		writeJSON(w, http.StatusConflict, map[string]any{"ok": false, "status": stop.Status})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "status": stop.Status, "residualPids": stop.ResidualPIDs})
	}
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request, traceID string) {
	summary, ok := s.traceSummary(traceID)
	if !ok {
		writeErr(w, http.StatusNotFound, "unknown id")
		return
	}
	ctx := r.Context()
	res := resolver.Match(ctx, summary, resolver.CurrentIdentity())
	procs := resolver.ListProcesses(ctx)
	out := resolver.Open(ctx, res.PIDs, procs)
	switch out.Status {
	case resolver.OpenFocusedPane, resolver.OpenGhosttyActivated:
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": out.Status, "tmuxTarget": s.maybeRedactTmux(out.TmuxTarget)})
	case resolver.OpenNotResolvable:
		writeJSON(w, http.StatusConflict, map[string]any{"ok": false, "status": out.Status})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "status": out.Status})
	}
}

func (s *Server) maybeRedactTmux(target string) string {
	if s.cfg.Load().TraceInspector.Privacy.MaskTmuxTargets {
		return ""
	}
	return target
}

type inputBody struct {
	Text   string `json:"text"`
	Submit *bool  `json:"submit"`
}

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request, traceID string) {
	var body inputBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid body")
		return
	}
	if body.Text == "" || len(body.Text) > maxInputTextLength {
		writeErr(w, http.StatusBadRequest, fmt.Sprintf("text must be 1-%d characters", maxInputTextLength))
		return
	}
	submit := true
	if body.Submit != nil {
		submit = *body.Submit
	}
	summary, ok := s.traceSummary(traceID)
	if !ok {
		writeErr(w, http.StatusNotFound, "unknown id")
		return
	}
	ctx := r.Context()
	res := resolver.Match(ctx, summary, resolver.CurrentIdentity())
	procs := resolver.ListProcesses(ctx)
	out := resolver.Input(ctx, res.PIDs, procs, body.Text, submit)
	switch out.Status {
	case resolver.OpenFocusedPane, resolver.OpenGhosttyActivated:
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": out.Status})
	case resolver.OpenNotResolvable:
		writeJSON(w, http.StatusConflict, map[string]any{"ok": false, "status": out.Status})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "status": out.Status})
	}
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if !s.guard(w, r) {
		return
	}
	switch r.Method {
	case http.MethodGet, "":
		writeJSON(w, http.StatusOK, s.cfg.Load())
	case http.MethodPost:
		s.handleConfigWrite(w, r)
	default:
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleConfigWrite(w http.ResponseWriter, r *http.Request) {
	cur := s.cfg.Load()
	merged := *cur
	if err := json.NewDecoder(r.Body).Decode(&merged); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid config body")
		return
	}
	changes := config.Diff(cur, &merged)
	if err := s.idx.SetConfig(&merged); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.cfg.Store(&merged)
	if s.cfgPath != "" {
		if err := config.Save(s.cfgPath, &merged); err != nil {
			log.Printf("api: failed to persist config to %s: %v", s.cfgPath, err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "changes": changes, "config": &merged})
}

// handleStream implements spec §6's GET /api/stream SSE endpoint: a
// snapshot-first frame, then typed envelopes as the broker delivers them,
// with a 15s heartbeat.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if !s.guard(w, r) {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErr(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	summaries := s.applyPrivacy(s.idx.GetSummaries("", 5000))
	snapshot := broker.SnapshotPayload{Summaries: summaries, Overview: s.idx.Snapshot()}
	id, ch := s.brk.Subscribe(snapshot)
	defer s.brk.Unsubscribe(id)

	bw := bufio.NewWriter(w)
	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(bw, "event: heartbeat\ndata: {}\n\n")
			bw.Flush()
			flusher.Flush()
		case env, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(env.Payload)
			if err != nil {
				continue
			}
			fmt.Fprintf(bw, "event: %s\ndata: %s\n\n", env.Type, data)
			bw.Flush()
			flusher.Flush()
		}
	}
}

// ListenAndServe starts the HTTP server on host:port, mirroring the
// teacher's ws.ListenAndServe helper.
func ListenAndServe(ctx context.Context, host string, port int, mux *http.ServeMux) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Printf("agentlensd listening on %s", addr)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
