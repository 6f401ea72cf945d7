package index

import (
	"sync"
	"time"

	"github.com/agentlens/daemon/internal/trace"
)

// sourceHealth tracks consecutive discover/parse failures for one source
// profile, the way the teacher's monitor package tracks health per Source.
// Fields are protected by mu because refresh() writes from the refresh-loop
// goroutine while snapshot() is read from request-handler goroutines.
type sourceHealth struct {
	mu               sync.Mutex
	discoverFailures int
	lastDiscoverErr  string
	lastDiscoverFail time.Time
	parseFailures    map[string]int // keyed by traceId
	lastParseErr     string
	lastParseFail    time.Time
}

func newSourceHealth() *sourceHealth {
	return &sourceHealth{parseFailures: make(map[string]int)}
}

func (h *sourceHealth) recordDiscoverSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.discoverFailures = 0
	h.lastDiscoverErr = ""
}

func (h *sourceHealth) recordDiscoverFailure(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.discoverFailures++
	h.lastDiscoverErr = err.Error()
	h.lastDiscoverFail = time.Now()
}

func (h *sourceHealth) recordParseSuccess(traceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.parseFailures, traceID)
}

func (h *sourceHealth) recordParseFailure(traceID string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.parseFailures[traceID]++
	h.lastParseErr = err.Error()
	h.lastParseFail = time.Now()
}

func (h *sourceHealth) removeTrace(traceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.parseFailures, traceID)
}

// degradedFailureThreshold is how many consecutive parse failures on one
// trace before it counts toward degradedSessions.
const degradedFailureThreshold = 3

// status computes the current health label for this source: "failed" once
// discovery itself has failed repeatedly, "degraded" if any tracked trace is
// stuck failing to parse, "healthy" otherwise.
func (h *sourceHealth) status() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.discoverFailures >= degradedFailureThreshold {
		return "failed"
	}
	if h.degradedCountLocked() > 0 {
		return "degraded"
	}
	return "healthy"
}

func (h *sourceHealth) degradedCountLocked() int {
	n := 0
	for _, c := range h.parseFailures {
		if c >= degradedFailureThreshold {
			n++
		}
	}
	return n
}

func (h *sourceHealth) lastErrorLocked() string {
	if h.lastDiscoverErr != "" && (h.lastParseErr == "" || h.lastDiscoverFail.After(h.lastParseFail)) {
		return h.lastDiscoverErr
	}
	return h.lastParseErr
}

func (h *sourceHealth) snapshot(source string) trace.SourceHealth {
	h.mu.Lock()
	defer h.mu.Unlock()
	status := "healthy"
	if h.discoverFailures >= degradedFailureThreshold {
		status = "failed"
	} else if h.degradedCountLocked() > 0 {
		status = "degraded"
	}
	return trace.SourceHealth{
		Source:           source,
		Status:           status,
		DiscoverFailures: h.discoverFailures,
		DegradedSessions: h.degradedCountLocked(),
		LastError:        h.lastErrorLocked(),
	}
}
