package notify

import (
	"fmt"
	"strings"
	"time"

	"cadencebot/internal/agent"
	"cadencebot/internal/eventbus"
)

// DefaultEvents are forwarded when the config names none.
var DefaultEvents = []string{
	agent.EventSchedulerHalted,
	agent.EventMicroBreak,
	agent.EventSourceFailed,
	agent.EventCycleFinished,
}

// Format renders e as a chat message. The second result is false for events
// not worth a message (for example a cycle that did nothing).
func Format(e eventbus.Event) (string, bool) {
	switch d := e.Data.(type) {
	case agent.Halted:
		switch e.Type {
		case agent.EventSchedulerHalted:
			return fmt.Sprintf("🚨 cadencebot halted (%s): %s", d.Reason, d.Err), true
		case agent.EventAuthFailed:
			return fmt.Sprintf("🚨 authentication failed in %s: %s", d.Reason, d.Err), true
		}
	case agent.MicroBreak:
		return fmt.Sprintf("☕ micro-break after %s actions: pausing %s (until %s)",
			d.Kind, d.For.Round(time.Second), d.Until.Format("15:04:05")), true
	case agent.SourceFailed:
		return fmt.Sprintf("⚠️ query %q skipped after %d attempts: %s", d.Query, d.Attempts, d.Err), true
	case agent.StorageError:
		return fmt.Sprintf("⚠️ storage %s failed: %s", d.Op, d.Err), true
	case agent.CycleSummary:
		if d.WindowClosed || (d.Executed == 0 && d.Failed == 0) {
			return "", false
		}
		var b strings.Builder
		fmt.Fprintf(&b, "ℹ️ cycle %d: %d executed", d.Cycle, d.Executed)
		if d.Failed > 0 {
			fmt.Fprintf(&b, ", %d failed", d.Failed)
		}
		fmt.Fprintf(&b, " (%d fetched, %d accepted, %d skipped) in %s; next in %s",
			d.Fetched, d.Accepted, d.Skipped, d.Took.Round(time.Second), d.Sleep.Round(time.Second))
		return b.String(), true
	case agent.ActionResult:
		if e.Type == agent.EventActionFailed {
			return fmt.Sprintf("⚠️ %s %s failed (%s): %s", d.Kind, d.Target, d.Class, d.Err), true
		}
		return fmt.Sprintf("✅ %s %s", d.Kind, d.Target), true
	}
	return "", false
}
