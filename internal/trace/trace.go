// Package trace holds the normalized data model shared by every parser, the
// trace index, the broker, and the query API: one agent session transcript
// on disk becomes one TraceSummary plus an ordered NormalizedEvent slice.
package trace

// Agent is the closed tag set of agent CLIs AgentLens understands.
type Agent string

const (
	AgentCodex    Agent = "codex"
	AgentClaude   Agent = "claude"
	AgentCursor   Agent = "cursor"
	AgentGemini   Agent = "gemini"
	AgentPi       Agent = "pi"
	AgentOpencode Agent = "opencode"
)

// EventKind is the closed tag set of normalized event categories.
type EventKind string

const (
	KindSystem    EventKind = "system"
	KindUser      EventKind = "user"
	KindAssistant EventKind = "assistant"
	KindToolUse   EventKind = "tool_use"
	KindToolResult EventKind = "tool_result"
	KindReasoning EventKind = "reasoning"
	KindMeta      EventKind = "meta"
)

// ActivityStatus is the liveness classification derived for a trace.
type ActivityStatus string

const (
	StatusRunning      ActivityStatus = "running"
	StatusWaitingInput ActivityStatus = "waiting_input"
	StatusIdle         ActivityStatus = "idle"
)

// ResidentTier is the memory-residency label the index assigns a trace.
type ResidentTier string

const (
	TierHot  ResidentTier = "hot"
	TierWarm ResidentTier = "warm"
	TierCold ResidentTier = "cold"
)

// ActivityBinCount is the fixed number of activity-profile bins (§4.4).
const ActivityBinCount = 12

// NormalizedEvent is one entry in a trace's event sequence, emitted by a
// parser from a single source-native record. Ordering within a trace is by
// discovery (file position / Index), not by TimestampMs.
type NormalizedEvent struct {
	EventID  string `json:"eventId"`
	TraceID  string `json:"traceId"`
	Index    int    `json:"index"`
	Offset   int64  `json:"offset"`

	TimestampMs *int64    `json:"timestampMs"`
	EventKind   EventKind `json:"eventKind"`
	RawType     string    `json:"rawType"`
	Role        string    `json:"role"`

	Preview    string   `json:"preview"`
	TextBlocks []string `json:"textBlocks,omitempty"`

	ToolCallID      string `json:"toolCallId,omitempty"`
	ToolName        string `json:"toolName,omitempty"`
	ToolType        string `json:"toolType,omitempty"`
	ToolArgsText    string `json:"toolArgsText,omitempty"`
	ToolResultText  string `json:"toolResultText,omitempty"`
	ParentToolUseID string `json:"parentToolUseId,omitempty"`
	FunctionName    string `json:"functionName,omitempty"`
	ParentEventID   string `json:"parentEventId,omitempty"`

	TOCLabel string `json:"tocLabel"`
	HasError bool   `json:"hasError"`

	SearchText string `json:"-"`
	Raw        any    `json:"raw,omitempty"`
}

// TokenTotals aggregates token usage across a trace's event sequence.
type TokenTotals struct {
	InputTokens          int `json:"inputTokens"`
	CachedReadTokens     int `json:"cachedReadTokens"`
	CachedCreateTokens   int `json:"cachedCreateTokens"`
	OutputTokens         int `json:"outputTokens"`
	ReasoningOutputTokens int `json:"reasoningOutputTokens"`
	TotalTokens          int `json:"totalTokens"`
}

// ModelShare is one entry of a trace's top-K per-model token attribution.
type ModelShare struct {
	Model   string  `json:"model"`
	Tokens  int     `json:"tokens"`
	Percent float64 `json:"percent"`
}

// TraceSummary is the per-trace metadata record held in the index.
type TraceSummary struct {
	ID            string `json:"id"`
	Path          string `json:"path"`
	SourceProfile string `json:"sourceProfile"`
	Parser        string `json:"parser"`
	Agent         Agent  `json:"agent"`
	SessionID     string `json:"sessionId"`

	// Cwd is the working directory the agent reported for the session, when
	// the format's wire schema carries one (e.g. Codex's session_meta.cwd).
	// Used by the resolver's stage-3 project-cwd fallback when an agent has
	// no dedicated project-key convention.
	Cwd string `json:"cwd,omitempty"`

	SizeBytes   int64  `json:"sizeBytes"`
	MtimeMs     int64  `json:"mtimeMs"`
	Parseable   bool   `json:"parseable"`
	ParseError  string `json:"parseError,omitempty"`

	FirstEventTs *int64 `json:"firstEventTs"`
	LastEventTs  *int64 `json:"lastEventTs"`

	EventCount           int                 `json:"eventCount"`
	ErrorCount           int                 `json:"errorCount"`
	ToolUseCount         int                 `json:"toolUseCount"`
	ToolResultCount      int                 `json:"toolResultCount"`
	UnmatchedToolUses    int                 `json:"unmatchedToolUses"`
	UnmatchedToolResults int                 `json:"unmatchedToolResults"`
	EventKindCounts      map[EventKind]int   `json:"eventKindCounts"`

	ActivityStatus ActivityStatus `json:"activityStatus"`
	ActivityReason string         `json:"activityReason"`

	ActivityBins          [ActivityBinCount]float64 `json:"activityBins"`
	ActivityBinsMode       string                    `json:"activityBinsMode"`
	ActivityWindowMinutes  float64                   `json:"activityWindowMinutes"`
	ActivityBinMinutes     float64                   `json:"activityBinMinutes"`
	ActivityBinCount       int                       `json:"activityBinCount"`

	TokenTotals               TokenTotals  `json:"tokenTotals"`
	ModelTokenSharesTop       []ModelShare `json:"modelTokenSharesTop,omitempty"`
	ModelTokenSharesEstimated bool         `json:"modelTokenSharesEstimated"`
	ContextWindowPct          *float64     `json:"contextWindowPct"`
	CostEstimateUsd           *float64     `json:"costEstimateUsd"`

	ResidentTier   ResidentTier `json:"residentTier"`
	IsMaterialized bool         `json:"isMaterialized"`

	// ManualStopAtMs records the GLOSSARY's "manual stop override": while
	// max(LastEventTs, MtimeMs) <= ManualStopAtMs, ActivityStatus is forced
	// to idle with ActivityReason = "manually_stopped". Zero means unset.
	ManualStopAtMs int64 `json:"-"`
}

// TOCRow is a compact table-of-contents row for one event.
type TOCRow struct {
	EventID     string    `json:"eventId"`
	Index       int       `json:"index"`
	TimestampMs *int64    `json:"timestampMs"`
	EventKind   EventKind `json:"eventKind"`
	Label       string    `json:"label"`
	ColorKey    string    `json:"colorKey"`
	ToolType    string    `json:"toolType,omitempty"`
}

// TracePage is the response shape for a paged event-detail read.
type TracePage struct {
	Summary     TraceSummary      `json:"summary"`
	Events      []NormalizedEvent `json:"events"`
	TOC         []TOCRow          `json:"toc"`
	NextBefore  *string           `json:"nextBefore"`
	LiveCursor  int               `json:"liveCursor"`
}

// OverviewStats aggregates across all traces currently indexed.
type OverviewStats struct {
	TraceCount      int               `json:"traceCount"`
	SessionCount    int               `json:"sessionCount"`
	EventCount      int               `json:"eventCount"`
	ErrorCount      int               `json:"errorCount"`
	ToolUseCount    int               `json:"toolUseCount"`
	ToolResultCount int               `json:"toolResultCount"`
	ByAgent         map[Agent]int     `json:"byAgent"`
	ByEventKind     map[EventKind]int `json:"byEventKind"`
	UpdatedAtMs     int64             `json:"updatedAtMs"`
}

// SourceHealth is the per-source discover/parse health record folded into
// GetPerformanceStats (teacher-derived, §SUPPLEMENTED FEATURES in SPEC_FULL.md).
type SourceHealth struct {
	Source           string `json:"source"`
	Status           string `json:"status"`
	DiscoverFailures int    `json:"discoverFailures"`
	DegradedSessions int    `json:"degradedSessions"`
	LastError        string `json:"lastError,omitempty"`
}

// PerformanceStats is the §4.6 GetPerformanceStats response shape.
type PerformanceStats struct {
	RefreshCount            int64          `json:"refreshCount"`
	IncrementalAppendCount   int64          `json:"incrementalAppendCount"`
	FullReparseCount         int64          `json:"fullReparseCount"`
	TrackedFiles             int            `json:"trackedFiles"`
	SourceHealth             []SourceHealth `json:"sourceHealth"`
}
