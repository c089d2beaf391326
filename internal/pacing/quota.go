package pacing

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultResetSchedule resets quotas at local midnight.
const DefaultResetSchedule = "0 0 * * *"

// QuotaState is the persisted form of one kind's daily counter.
type QuotaState struct {
	Count    int       `json:"count"`
	Boundary time.Time `json:"boundary"`
}

// QuotaConfig configures the tracker.
type QuotaConfig struct {
	// Caps maps action kind to the per-period limit. Kinds not listed are refused.
	Caps map[string]int

	// Reset is a standard 5-field cron expression. Empty means DefaultResetSchedule.
	Reset string

	// Location evaluates Reset. Nil means UTC.
	Location *time.Location
}

// ParseResetSchedule parses a standard cron expression into a schedule.
func ParseResetSchedule(spec string) (cron.Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		spec = DefaultResetSchedule
	}
	s, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid reset schedule %q: %w", spec, err)
	}
	return s, nil
}

// Quota counts executions per kind per period.
//
// Every call first rolls the period forward: when now has reached the stored
// boundary the count drops to zero and the boundary moves to the next
// schedule instant after now. Missing several boundaries still resets once.
type Quota struct {
	mu       sync.Mutex
	caps     map[string]int
	sched    cron.Schedule
	loc      *time.Location
	now      func() time.Time
	state    map[string]*QuotaState
	onChange func(kind string, st QuotaState)
}

// NewQuota validates cfg and returns a tracker.
func NewQuota(cfg QuotaConfig, now func() time.Time) (*Quota, error) {
	sched, err := ParseResetSchedule(cfg.Reset)
	if err != nil {
		return nil, err
	}
	caps := make(map[string]int, len(cfg.Caps))
	for k, v := range cfg.Caps {
		if v < 0 {
			return nil, fmt.Errorf("quota %s: cap must be >= 0, got %d", k, v)
		}
		caps[k] = v
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	if now == nil {
		now = time.Now
	}
	return &Quota{
		caps:  caps,
		sched: sched,
		loc:   loc,
		now:   now,
		state: map[string]*QuotaState{},
	}, nil
}

// OnChange registers a hook invoked (under the tracker lock) after every count
// or boundary change. Used to persist state; the hook must not call back into Quota.
func (q *Quota) OnChange(fn func(kind string, st QuotaState)) {
	q.mu.Lock()
	q.onChange = fn
	q.mu.Unlock()
}

// Restore seeds state loaded from storage. Unknown kinds are ignored and a
// stale boundary is rolled over on first use.
func (q *Quota) Restore(states map[string]QuotaState) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for kind, st := range states {
		if _, ok := q.caps[kind]; !ok {
			continue
		}
		if st.Count < 0 {
			st.Count = 0
		}
		s := st
		q.state[kind] = &s
	}
}

// Remaining returns how many executions of kind are left in the current period.
func (q *Quota) Remaining(kind string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	limit, ok := q.caps[kind]
	if !ok {
		return 0
	}
	st := q.rollLocked(kind)
	if r := limit - st.Count; r > 0 {
		return r
	}
	return 0
}

// Consume takes one unit of kind's quota. It returns false without changing
// anything when the quota is exhausted or the kind is unknown.
func (q *Quota) Consume(kind string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	limit, ok := q.caps[kind]
	if !ok {
		return false
	}
	st := q.rollLocked(kind)
	if st.Count >= limit {
		return false
	}
	st.Count++
	q.notifyLocked(kind, st)
	return true
}

// Snapshot returns the current state of every configured kind.
func (q *Quota) Snapshot() map[string]QuotaState {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]QuotaState, len(q.caps))
	for kind := range q.caps {
		out[kind] = *q.rollLocked(kind)
	}
	return out
}

// Cap returns the configured limit for kind.
func (q *Quota) Cap(kind string) (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	c, ok := q.caps[kind]
	return c, ok
}

func (q *Quota) rollLocked(kind string) *QuotaState {
	now := q.now().In(q.loc)
	st, ok := q.state[kind]
	if !ok {
		st = &QuotaState{Boundary: q.sched.Next(now)}
		q.state[kind] = st
		return st
	}
	if st.Boundary.IsZero() || !now.Before(st.Boundary) {
		st.Count = 0
		st.Boundary = q.sched.Next(now)
		q.notifyLocked(kind, st)
	}
	return st
}

func (q *Quota) notifyLocked(kind string, st *QuotaState) {
	if q.onChange != nil {
		q.onChange(kind, *st)
	}
}
