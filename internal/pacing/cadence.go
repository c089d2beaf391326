package pacing

import (
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// Bounds is an inclusive [Min, Max] duration range sampled uniformly.
type Bounds struct {
	Min time.Duration
	Max time.Duration
}

// Validate rejects negative or inverted bounds. Inverted bounds are never swapped silently.
func (b Bounds) Validate() error {
	if b.Min < 0 || b.Max < 0 {
		return fmt.Errorf("bounds must be non-negative, got [%s,%s]", b.Min, b.Max)
	}
	if b.Min > b.Max {
		return fmt.Errorf("min %s exceeds max %s", b.Min, b.Max)
	}
	return nil
}

// Sample draws uniformly from [Min, Max].
func (b Bounds) Sample(rng *rand.Rand) time.Duration {
	if b.Max <= b.Min || rng == nil {
		return b.Min
	}
	return b.Min + time.Duration(rng.Int63n(int64(b.Max-b.Min)+1))
}

func (b Bounds) String() string { return fmt.Sprintf("[%s,%s]", b.Min, b.Max) }

// CadenceConfig configures per-kind spacing and the global micro-break.
type CadenceConfig struct {
	Intervals map[string]Bounds

	// BreakEvery is the per-kind execution count that triggers a micro-break. 0 disables breaks.
	BreakEvery int
	BreakLen   Bounds
}

// KindState is a point-in-time view of one kind's cadence.
type KindState struct {
	Last     time.Time     `json:"last"`
	Interval time.Duration `json:"interval"`
	Count    int           `json:"count"`
}

// Cadence tracks when each action kind may next execute.
//
// The interval is sampled at RecordExecution time and stored, so NextAllowed
// is stable between calls. A micro-break pauses every kind, not just the one
// whose counter tripped it.
type Cadence struct {
	mu         sync.Mutex
	cfg        CadenceConfig
	rng        *rand.Rand
	now        func() time.Time
	kinds      map[string]*KindState
	pauseUntil time.Time
}

// NewCadence validates cfg and returns a controller. rng and now may be nil.
func NewCadence(cfg CadenceConfig, rng *rand.Rand, now func() time.Time) (*Cadence, error) {
	for kind, b := range cfg.Intervals {
		if err := b.Validate(); err != nil {
			return nil, fmt.Errorf("cadence %s interval: %w", kind, err)
		}
	}
	if cfg.BreakEvery < 0 {
		return nil, fmt.Errorf("cadence micro-break trigger must be >= 0, got %d", cfg.BreakEvery)
	}
	if cfg.BreakEvery > 0 {
		if err := cfg.BreakLen.Validate(); err != nil {
			return nil, fmt.Errorf("cadence micro-break length: %w", err)
		}
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if now == nil {
		now = time.Now
	}
	intervals := make(map[string]Bounds, len(cfg.Intervals))
	for k, v := range cfg.Intervals {
		intervals[k] = v
	}
	cfg.Intervals = intervals
	return &Cadence{
		cfg:   cfg,
		rng:   rng,
		now:   now,
		kinds: map[string]*KindState{},
	}, nil
}

// NextAllowed returns the earliest instant kind may execute again.
func (c *Cadence) NextAllowed(kind string) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.now()
	if st, ok := c.kinds[kind]; ok && !st.Last.IsZero() {
		next = st.Last.Add(st.Interval)
	}
	if c.pauseUntil.After(next) {
		next = c.pauseUntil
	}
	return next
}

// RecordExecution notes a successful action of kind at the current instant.
// It returns the micro-break length when this execution started one, else 0.
func (c *Cadence) RecordExecution(kind string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	st, ok := c.kinds[kind]
	if !ok {
		st = &KindState{}
		c.kinds[kind] = st
	}
	st.Last = now
	st.Interval = c.cfg.Intervals[kind].Sample(c.rng)
	st.Count++

	if c.cfg.BreakEvery <= 0 || st.Count < c.cfg.BreakEvery {
		return 0
	}
	st.Count = 0
	brk := c.cfg.BreakLen.Sample(c.rng)
	if until := now.Add(brk); until.After(c.pauseUntil) {
		c.pauseUntil = until
	}
	return brk
}

// PausedUntil returns the end of the current global micro-break (zero when none was taken).
func (c *Cadence) PausedUntil() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pauseUntil
}

// Snapshot copies the per-kind state.
func (c *Cadence) Snapshot() map[string]KindState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]KindState, len(c.kinds))
	for k, v := range c.kinds {
		out[k] = *v
	}
	return out
}
