package pacing

import (
	"math/rand"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func mustRange(t *testing.T, s string) Range {
	t.Helper()
	r, err := ParseRange(s)
	if err != nil {
		t.Fatalf("ParseRange(%q): %v", s, err)
	}
	return r
}

func at(hh, mm int) time.Time {
	return time.Date(2026, 3, 2, hh, mm, 0, 0, time.UTC)
}

func TestWindowGate(t *testing.T) {
	t.Parallel()
	blackout := mustRange(t, "00:00-06:00")
	w := NewWindow([]Range{mustRange(t, "09:00-12:00"), mustRange(t, "14:00-18:00")}, &blackout, time.UTC)

	cases := []struct {
		now    time.Time
		open   bool
		reason string
	}{
		{at(10, 0), true, ReasonOpen},
		{at(13, 0), false, ReasonOutsideWindows},
		{at(2, 0), false, ReasonBlackout},
		{at(9, 0), true, ReasonOpen},
		{at(12, 0), false, ReasonOutsideWindows},
		{at(17, 59), true, ReasonOpen},
	}
	for _, tc := range cases {
		if got := w.IsOpen(tc.now); got != tc.open {
			t.Fatalf("IsOpen(%s) = %v, want %v", tc.now.Format("15:04"), got, tc.open)
		}
		if got := w.Reason(tc.now); got != tc.reason {
			t.Fatalf("Reason(%s) = %q, want %q", tc.now.Format("15:04"), got, tc.reason)
		}
	}
}

func TestRangeContains(t *testing.T) {
	t.Parallel()
	cases := []struct {
		rng  string
		now  time.Time
		want bool
	}{
		{"21:00-23:30", at(22, 0), true},
		{"21:00-23:30", at(23, 30), false},
		{"23:30-06:00", at(1, 0), true},
		{"23:30-06:00", at(23, 45), true},
		{"23:30-06:00", at(6, 0), false},
		{"23:30-06:00", at(12, 0), false},
		{"00:00-00:00", at(15, 0), true},
	}
	for _, tc := range cases {
		r := mustRange(t, tc.rng)
		if got := r.Contains(offsetOf(tc.now)); got != tc.want {
			t.Fatalf("%s contains %s = %v, want %v", tc.rng, tc.now.Format("15:04"), got, tc.want)
		}
	}
}

func TestWindowEmptyIsOpenExceptBlackout(t *testing.T) {
	t.Parallel()
	if !AlwaysOpen().IsOpen(at(3, 0)) {
		t.Fatal("gate without windows should be open")
	}
	b := mustRange(t, "02:00-04:00")
	w := NewWindow(nil, &b, time.UTC)
	if w.IsOpen(at(3, 0)) {
		t.Fatal("blackout must close an otherwise open gate")
	}
	if !w.IsOpen(at(5, 0)) {
		t.Fatal("gate should be open outside blackout")
	}
}

func TestWindowUsesConfiguredLocation(t *testing.T) {
	t.Parallel()
	jakarta := time.FixedZone("WIB", 7*3600)
	w := NewWindow([]Range{mustRange(t, "09:00-12:00")}, nil, jakarta)
	// 03:00 UTC is 10:00 WIB.
	if !w.IsOpen(at(3, 0)) {
		t.Fatal("expected open at 10:00 local")
	}
	if w.IsOpen(at(10, 0)) {
		t.Fatal("expected closed at 17:00 local")
	}
}

func TestParseRangeErrors(t *testing.T) {
	t.Parallel()
	for _, s := range []string{"", "09:00", "9-12", "25:00-26:00", "09:60-10:00", "aa:bb-cc:dd"} {
		if _, err := ParseRange(s); err == nil {
			t.Fatalf("ParseRange(%q) expected error", s)
		}
	}
	r := mustRange(t, " 09:05 - 17:30 ")
	if r.String() != "09:05-17:30" {
		t.Fatalf("String() = %q", r.String())
	}
}

func TestQuotaExhaustion(t *testing.T) {
	t.Parallel()
	clk := newFakeClock(at(10, 0))
	q, err := NewQuota(QuotaConfig{Caps: map[string]int{"like": 2}}, clk.Now)
	if err != nil {
		t.Fatalf("NewQuota: %v", err)
	}
	if q.Remaining("like") != 2 {
		t.Fatalf("Remaining = %d, want 2", q.Remaining("like"))
	}
	if !q.Consume("like") || !q.Consume("like") {
		t.Fatal("first two Consume calls should succeed")
	}
	if q.Consume("like") {
		t.Fatal("third Consume should fail")
	}
	if got := q.Snapshot()["like"].Count; got != 2 {
		t.Fatalf("count = %d, want 2 (failed consume must not mutate)", got)
	}
	if q.Consume("follow") || q.Remaining("follow") != 0 {
		t.Fatal("unknown kind must be refused")
	}
}

func TestQuotaRolloverResetsOnce(t *testing.T) {
	t.Parallel()
	clk := newFakeClock(at(10, 0))
	q, err := NewQuota(QuotaConfig{Caps: map[string]int{"like": 3}}, clk.Now)
	if err != nil {
		t.Fatalf("NewQuota: %v", err)
	}
	q.Consume("like")
	q.Consume("like")
	want := time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)
	if b := q.Snapshot()["like"].Boundary; !b.Equal(want) {
		t.Fatalf("boundary = %v, want %v", b, want)
	}

	clk.Advance(3 * 24 * time.Hour)
	if got := q.Remaining("like"); got != 3 {
		t.Fatalf("Remaining after rollover = %d, want 3", got)
	}
	want = time.Date(2026, 3, 6, 0, 0, 0, 0, time.UTC)
	if b := q.Snapshot()["like"].Boundary; !b.Equal(want) {
		t.Fatalf("boundary after rollover = %v, want %v", b, want)
	}
}

func TestQuotaBoundaryInLocation(t *testing.T) {
	t.Parallel()
	wib := time.FixedZone("WIB", 7*3600)
	// 20:00 UTC on Mar 2 is 03:00 WIB on Mar 3; next local midnight is Mar 4 00:00 WIB.
	clk := newFakeClock(at(20, 0))
	q, err := NewQuota(QuotaConfig{Caps: map[string]int{"like": 1}, Location: wib}, clk.Now)
	if err != nil {
		t.Fatalf("NewQuota: %v", err)
	}
	want := time.Date(2026, 3, 4, 0, 0, 0, 0, wib)
	if b := q.Snapshot()["like"].Boundary; !b.Equal(want) {
		t.Fatalf("boundary = %v, want %v", b, want)
	}
}

func TestQuotaRestoreAndOnChange(t *testing.T) {
	t.Parallel()
	clk := newFakeClock(at(10, 0))
	q, err := NewQuota(QuotaConfig{Caps: map[string]int{"like": 5, "follow": 5}}, clk.Now)
	if err != nil {
		t.Fatalf("NewQuota: %v", err)
	}
	var changes []QuotaState
	q.OnChange(func(kind string, st QuotaState) { changes = append(changes, st) })

	q.Restore(map[string]QuotaState{
		"like":    {Count: 4, Boundary: at(23, 59)},
		"follow":  {Count: 4, Boundary: at(9, 0)}, // already passed
		"retweet": {Count: 1, Boundary: at(23, 0)},
	})
	if got := q.Remaining("like"); got != 1 {
		t.Fatalf("like Remaining = %d, want 1", got)
	}
	if got := q.Remaining("follow"); got != 5 {
		t.Fatalf("stale follow Remaining = %d, want 5", got)
	}
	if _, ok := q.Snapshot()["retweet"]; ok {
		t.Fatal("unknown kind should not be restored")
	}
	if len(changes) != 1 {
		t.Fatalf("expected one change (follow rollover), got %d", len(changes))
	}
	q.Consume("like")
	if len(changes) != 2 || changes[1].Count != 5 {
		t.Fatalf("unexpected changes: %+v", changes)
	}
}

func TestQuotaRejectsBadConfig(t *testing.T) {
	t.Parallel()
	if _, err := NewQuota(QuotaConfig{Caps: map[string]int{"like": -1}}, nil); err == nil {
		t.Fatal("expected error for negative cap")
	}
	if _, err := NewQuota(QuotaConfig{Reset: "not a cron"}, nil); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}

func TestCadenceIntervalWithinBounds(t *testing.T) {
	t.Parallel()
	for seed := int64(1); seed <= 50; seed++ {
		clk := newFakeClock(at(10, 0))
		c, err := NewCadence(CadenceConfig{
			Intervals: map[string]Bounds{"like": {Min: 20 * time.Second, Max: 40 * time.Second}},
		}, rand.New(rand.NewSource(seed)), clk.Now)
		if err != nil {
			t.Fatalf("NewCadence: %v", err)
		}
		if got := c.NextAllowed("like"); !got.Equal(clk.Now()) {
			t.Fatalf("NextAllowed before any execution = %v, want now", got)
		}
		c.RecordExecution("like")
		gap := c.NextAllowed("like").Sub(clk.Now())
		if gap < 20*time.Second || gap > 40*time.Second {
			t.Fatalf("seed %d: gap %s outside [20s,40s]", seed, gap)
		}
		// Stable between calls.
		if again := c.NextAllowed("like").Sub(clk.Now()); again != gap {
			t.Fatalf("NextAllowed not stable: %s then %s", gap, again)
		}
	}
}

func TestCadenceMicroBreakIsGlobal(t *testing.T) {
	t.Parallel()
	clk := newFakeClock(at(10, 0))
	c, err := NewCadence(CadenceConfig{
		Intervals: map[string]Bounds{
			"like":   {Min: time.Second, Max: time.Second},
			"follow": {Min: time.Second, Max: time.Second},
		},
		BreakEvery: 3,
		BreakLen:   Bounds{Min: time.Minute, Max: time.Minute},
	}, rand.New(rand.NewSource(1)), clk.Now)
	if err != nil {
		t.Fatalf("NewCadence: %v", err)
	}

	for i := 0; i < 2; i++ {
		if brk := c.RecordExecution("like"); brk != 0 {
			t.Fatalf("unexpected break after %d executions", i+1)
		}
		clk.Advance(time.Second)
	}
	brk := c.RecordExecution("like")
	if brk != time.Minute {
		t.Fatalf("break = %s, want 1m", brk)
	}
	want := clk.Now().Add(time.Minute)
	if !c.PausedUntil().Equal(want) {
		t.Fatalf("PausedUntil = %v, want %v", c.PausedUntil(), want)
	}
	if got := c.NextAllowed("follow"); !got.Equal(want) {
		t.Fatalf("follow NextAllowed = %v, want pause end %v", got, want)
	}
	if got := c.Snapshot()["like"].Count; got != 0 {
		t.Fatalf("counter after break = %d, want 0", got)
	}
}

func TestCadenceRejectsInvertedBounds(t *testing.T) {
	t.Parallel()
	_, err := NewCadence(CadenceConfig{
		Intervals: map[string]Bounds{"like": {Min: 40 * time.Second, Max: 20 * time.Second}},
	}, nil, nil)
	if err == nil {
		t.Fatal("expected error for min > max")
	}
	_, err = NewCadence(CadenceConfig{
		BreakEvery: 5,
		BreakLen:   Bounds{Min: time.Minute, Max: time.Second},
	}, nil, nil)
	if err == nil {
		t.Fatal("expected error for inverted break bounds")
	}
}
