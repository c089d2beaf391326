package agent

import "time"

// Event types published on the bus.
const (
	EventCycleStarted    = "cycle.started"
	EventCycleFinished   = "cycle.finished"
	EventWindowClosed    = "window.closed"
	EventGateSkipped     = "gate.skipped"
	EventActionExecuted  = "action.executed"
	EventActionFailed    = "action.failed"
	EventMicroBreak      = "micro_break.started"
	EventSourceFailed    = "source.failed"
	EventItemsFiltered   = "items.filtered"
	EventStorageError    = "storage.error"
	EventAuthFailed      = "auth.failed"
	EventSchedulerHalted = "scheduler.halted"
)

// Gate reasons carried by GateSkipped.
const (
	GateWindow   = "window"
	GateQuota    = "quota"
	GateCadence  = "cadence"
	GateRate     = "rate_ceiling"
	GateDedup    = "dedup"
	GateNoTarget = "no_target"
)

// CycleStarted is the payload of EventCycleStarted.
type CycleStarted struct {
	Cycle   int  `json:"cycle"`
	Forced  bool `json:"forced"`
	Queries int  `json:"queries"`
}

// CycleSummary is the payload of EventCycleFinished.
type CycleSummary struct {
	Cycle        int           `json:"cycle"`
	Forced       bool          `json:"forced"`
	WindowClosed bool          `json:"window_closed,omitempty"`
	Fetched      int           `json:"fetched"`
	Accepted     int           `json:"accepted"`
	Executed     int           `json:"executed"`
	Skipped      int           `json:"skipped"`
	Failed       int           `json:"failed"`
	Took         time.Duration `json:"took"`
	Sleep        time.Duration `json:"sleep"`
}

// GateSkipped is the payload of EventGateSkipped.
type GateSkipped struct {
	Kind   ActionKind `json:"kind"`
	ItemID string     `json:"item_id"`
	Gate   string     `json:"gate"`
	Detail string     `json:"detail,omitempty"`
}

// ActionResult is the payload of EventActionExecuted and EventActionFailed.
type ActionResult struct {
	Kind      ActionKind    `json:"kind"`
	ItemID    string        `json:"item_id"`
	Target    string        `json:"target"`
	Query     string        `json:"query,omitempty"`
	Class     string        `json:"class"`
	Err       string        `json:"err,omitempty"`
	Took      time.Duration `json:"took"`
	Simulated bool          `json:"simulated,omitempty"`
}

// MicroBreak is the payload of EventMicroBreak.
type MicroBreak struct {
	Kind  ActionKind    `json:"kind"`
	For   time.Duration `json:"for"`
	Until time.Time     `json:"until"`
}

// SourceFailed is the payload of EventSourceFailed.
type SourceFailed struct {
	Query    string `json:"query"`
	Attempts int    `json:"attempts"`
	Err      string `json:"err"`
}

// ItemsFiltered is the payload of EventItemsFiltered: rejection counts by reason.
type ItemsFiltered struct {
	Cycle   int            `json:"cycle"`
	Reasons map[string]int `json:"reasons"`
}

// StorageError is the payload of EventStorageError.
type StorageError struct {
	Op  string `json:"op"`
	Key string `json:"key"`
	Err string `json:"err"`
}

// Halted is the payload of EventAuthFailed and EventSchedulerHalted.
type Halted struct {
	Reason string `json:"reason"`
	Err    string `json:"err,omitempty"`
}
