package agent

import (
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"cadencebot/internal/dedup"
	"cadencebot/internal/eventbus"
	"cadencebot/internal/pacing"
	"cadencebot/internal/storage"
	logx "cadencebot/pkg/logx"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Sleep advances the clock instead of blocking.
func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	if d > 0 {
		c.t = c.t.Add(d)
	}
	c.mu.Unlock()
	return nil
}

type staticSource struct {
	mu    sync.Mutex
	items []Item
	calls int
}

func (s *staticSource) Fetch(ctx context.Context, query, cursor string) (Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return Page{Items: append([]Item(nil), s.items...)}, nil
}

type call struct {
	Kind   ActionKind
	Target string
}

type recordingExecutor struct {
	mu    sync.Mutex
	calls []call
	err   func(kind ActionKind, target string) error
}

func (e *recordingExecutor) Execute(ctx context.Context, kind ActionKind, target string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, call{kind, target})
	if e.err != nil {
		return e.err(kind, target)
	}
	return nil
}

func (e *recordingExecutor) Calls() []call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]call(nil), e.calls...)
}

func threeItems() []Item {
	return []Item{
		{ID: "t1", AuthorID: "a1", Text: "first", Followers: 100},
		{ID: "t2", AuthorID: "a2", Text: "second", Followers: 100},
		{ID: "t3", AuthorID: "a3", Text: "third", Followers: 100},
	}
}

type harness struct {
	clock *fakeClock
	set   *dedup.Set
	quota *pacing.Quota
	cad   *pacing.Cadence
}

func newHarness(t *testing.T, store storage.Store, scope dedup.Scope, caps map[string]int) *harness {
	t.Helper()
	clk := &fakeClock{t: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	q, err := pacing.NewQuota(pacing.QuotaConfig{Caps: caps}, clk.Now)
	if err != nil {
		t.Fatalf("NewQuota: %v", err)
	}
	intervals := map[string]pacing.Bounds{}
	for k := range caps {
		intervals[k] = pacing.Bounds{Min: 20 * time.Second, Max: 40 * time.Second}
	}
	c, err := pacing.NewCadence(pacing.CadenceConfig{Intervals: intervals}, rand.New(rand.NewSource(1)), clk.Now)
	if err != nil {
		t.Fatalf("NewCadence: %v", err)
	}
	set := dedup.New(store, scope, logx.Nop())
	if err := set.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return &harness{clock: clk, set: set, quota: q, cad: c}
}

func (h *harness) options(src Source, exec Executor, kinds ...ActionKind) Options {
	actions := make([]Action, 0, len(kinds))
	for _, k := range kinds {
		actions = append(actions, Action{Kind: k})
	}
	return Options{
		Actions:      actions,
		Queries:      func() []string { return []string{"golang"} },
		Source:       src,
		Executor:     exec,
		Dedup:        h.set,
		Quota:        h.quota,
		Cadence:      h.cad,
		PollInterval: time.Minute,
		Rand:         rand.New(rand.NewSource(1)),
		Now:          h.clock.Now,
		Sleep:        h.clock.Sleep,
	}
}

func TestQuotaExhaustionSkipsWithoutMarking(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, dedup.ScopeGlobal, map[string]int{"like": 2})
	exec := &recordingExecutor{}
	opt := h.options(&staticSource{items: threeItems()}, exec, KindLike)
	opt.MaxCycles = 5

	s, err := NewScheduler(opt)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	calls := exec.Calls()
	if len(calls) != 2 || calls[0].Target != "t1" || calls[1].Target != "t2" {
		t.Fatalf("calls = %+v, want like t1 then like t2", calls)
	}
	ctx := context.Background()
	for _, id := range []string{"t1", "t2"} {
		if ok, _ := h.set.Has(ctx, "like", id, id); !ok {
			t.Fatalf("%s should be marked", id)
		}
	}
	if ok, _ := h.set.Has(ctx, "like", "t3", "t3"); ok {
		t.Fatal("t3 must not be marked when quota blocked it")
	}
	if h.quota.Remaining("like") != 0 {
		t.Fatalf("Remaining = %d, want 0", h.quota.Remaining("like"))
	}
}

func TestSimulationRecordsWithoutExecuting(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, dedup.ScopeGlobal, map[string]int{"like": 10})
	exec := &recordingExecutor{}
	src := &staticSource{items: threeItems()}
	opt := h.options(src, exec, KindLike)
	opt.Simulate = true
	opt.MaxCycles = 6

	s, err := NewScheduler(opt)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := len(exec.Calls()); n != 0 {
		t.Fatalf("executor called %d times in simulation", n)
	}
	if h.set.Len() != 3 {
		t.Fatalf("dedup Len = %d, want 3", h.set.Len())
	}
	if got := h.quota.Remaining("like"); got != 7 {
		t.Fatalf("Remaining = %d, want 7", got)
	}
	if h.cad.Snapshot()["like"].Last.IsZero() {
		t.Fatal("cadence should have advanced")
	}

	// Re-running the same batch acts on nothing.
	before := h.quota.Remaining("like")
	sum, err := s.Cycle(context.Background(), false)
	if err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if sum.Executed != 0 || sum.Accepted != 0 {
		t.Fatalf("re-run summary = %+v, want nothing accepted", sum)
	}
	if h.quota.Remaining("like") != before {
		t.Fatal("quota changed on re-run")
	}
}

func TestRestartDoesNotRepeatActions(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state")
	open := func() storage.Store {
		st, err := storage.Open(storage.Config{Driver: "file", Path: path}, logx.Nop())
		if err != nil {
			t.Fatalf("open store: %v", err)
		}
		return st
	}
	item := []Item{{ID: "x", AuthorID: "ax", Text: "hello", Followers: 50}}

	h1 := newHarness(t, open(), dedup.ScopePerKind, map[string]int{"like": 10, "follow": 10})
	exec1 := &recordingExecutor{}
	s1, err := NewScheduler(h1.options(&staticSource{items: item}, exec1, KindLike, KindFollow))
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	if _, err := s1.Cycle(context.Background(), false); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if len(exec1.Calls()) != 2 {
		t.Fatalf("first run calls = %+v, want like and follow", exec1.Calls())
	}
	// Crash: no Close, no Flush.

	h2 := newHarness(t, open(), dedup.ScopePerKind, map[string]int{"like": 10, "follow": 10})
	exec2 := &recordingExecutor{}
	opt := h2.options(&staticSource{items: item}, exec2, KindLike, KindFollow)
	opt.MaxCycles = 3
	s2, err := NewScheduler(opt)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	if err := s2.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := len(exec2.Calls()); n != 0 {
		t.Fatalf("restarted process re-executed %d actions: %+v", n, exec2.Calls())
	}
}

func TestGlobalScopeActsOnEveryKindOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, dedup.ScopeGlobal, map[string]int{"like": 10, "follow": 10})
	exec := &recordingExecutor{}
	opt := h.options(&staticSource{items: threeItems()[:1]}, exec, KindFollow, KindLike)
	opt.MaxCycles = 4
	s, err := NewScheduler(opt)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	calls := exec.Calls()
	want := []call{{KindFollow, "a1"}, {KindLike, "t1"}}
	if len(calls) != len(want) {
		t.Fatalf("calls = %+v, want %+v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("calls[%d] = %+v, want %+v", i, calls[i], want[i])
		}
	}
}

func TestWindowClosedUnlessForced(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, dedup.ScopeGlobal, map[string]int{"like": 10})
	exec := &recordingExecutor{}
	src := &staticSource{items: threeItems()[:1]}
	opt := h.options(src, exec, KindLike)
	r, _ := pacing.ParseRange("20:00-21:00")
	opt.Window = pacing.NewWindow([]pacing.Range{r}, nil, time.UTC)

	s, err := NewScheduler(opt)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	sum, err := s.Cycle(context.Background(), false)
	if err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if !sum.WindowClosed || src.calls != 0 || len(exec.Calls()) != 0 {
		t.Fatalf("closed window should idle without fetching: %+v", sum)
	}
	if sum.Sleep != time.Minute {
		t.Fatalf("closed sleep = %s, want poll interval", sum.Sleep)
	}

	sum, err = s.Cycle(context.Background(), true)
	if err != nil {
		t.Fatalf("forced Cycle: %v", err)
	}
	if sum.Executed != 1 || len(exec.Calls()) != 1 {
		t.Fatalf("forced cycle should execute once: %+v", sum)
	}
}

func TestForcedCycleStillHonoursQuota(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, dedup.ScopeGlobal, map[string]int{"like": 0})
	exec := &recordingExecutor{}
	s, err := NewScheduler(h.options(&staticSource{items: threeItems()}, exec, KindLike))
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	sum, err := s.Cycle(context.Background(), true)
	if err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if sum.Executed != 0 || sum.Skipped != 3 {
		t.Fatalf("summary = %+v, want 3 quota skips", sum)
	}
}

func TestExecutorErrorClasses(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name       string
		err        error
		wantMarked bool
		wantHalt   bool
	}{
		{"transient", Transient(errors.New("timeout")), false, false},
		{"unclassified", errors.New("weird"), false, false},
		{"permanent", Permanent(errors.New("deleted")), true, false},
		{"auth", Auth(errors.New("logged out")), false, true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, nil, dedup.ScopeGlobal, map[string]int{"like": 5})
			exec := &recordingExecutor{err: func(ActionKind, string) error { return tc.err }}
			opt := h.options(&staticSource{items: threeItems()[:1]}, exec, KindLike)
			opt.MaxCycles = 1
			s, err := NewScheduler(opt)
			if err != nil {
				t.Fatalf("NewScheduler: %v", err)
			}
			runErr := s.Run(context.Background())
			if tc.wantHalt != errors.Is(runErr, ErrAuth) {
				t.Fatalf("Run err = %v, want halt=%v", runErr, tc.wantHalt)
			}
			marked, _ := h.set.Has(context.Background(), "like", "t1", "t1")
			if marked != tc.wantMarked {
				t.Fatalf("marked = %v, want %v", marked, tc.wantMarked)
			}
			if h.quota.Remaining("like") != 5 {
				t.Fatal("failed attempt must not consume quota")
			}
			if !h.cad.Snapshot()["like"].Last.IsZero() {
				t.Fatal("failed attempt must not advance cadence")
			}
		})
	}
}

func TestSourceRetriesThenSkipsQuery(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, dedup.ScopeGlobal, map[string]int{"like": 5})
	var calls int
	src := SourceFunc(func(ctx context.Context, q, cursor string) (Page, error) {
		calls++
		if q == "broken" {
			return Page{}, errors.New("503")
		}
		return Page{Items: threeItems()[:1]}, nil
	})
	exec := &recordingExecutor{}
	opt := h.options(src, exec, KindLike)
	opt.Queries = func() []string { return []string{"broken", "ok"} }
	opt.Retry = RetryPolicy{Max: 2, Base: time.Second}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	defer unsub()
	opt.Bus = bus

	s, err := NewScheduler(opt)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	sum, err := s.Cycle(context.Background(), false)
	if err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if calls != 4 {
		t.Fatalf("source calls = %d, want 3 attempts + 1", calls)
	}
	if sum.Executed != 1 {
		t.Fatalf("the healthy query should still be processed: %+v", sum)
	}
	var failed bool
	for len(events) > 0 {
		if e := <-events; e.Type == EventSourceFailed {
			failed = true
		}
	}
	if !failed {
		t.Fatal("expected source.failed event")
	}
}

func TestSourceFailedReportsAttemptsMade(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "transient exhausts retries", err: errors.New("503"), want: 3},
		{name: "permanent stops at once", err: Permanent(errors.New("bad query")), want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, nil, dedup.ScopeGlobal, map[string]int{"like": 5})
			var calls int
			src := SourceFunc(func(ctx context.Context, q, cursor string) (Page, error) {
				calls++
				return Page{}, tt.err
			})
			opt := h.options(src, &recordingExecutor{}, KindLike)
			opt.Retry = RetryPolicy{Max: 2, Base: time.Second}
			bus := eventbus.New()
			events, unsub := bus.Subscribe(64, EventSourceFailed)
			defer unsub()
			opt.Bus = bus

			s, err := NewScheduler(opt)
			if err != nil {
				t.Fatalf("NewScheduler: %v", err)
			}
			if _, err := s.Cycle(context.Background(), false); err != nil {
				t.Fatalf("Cycle: %v", err)
			}
			if calls != tt.want {
				t.Fatalf("source calls = %d, want %d", calls, tt.want)
			}
			select {
			case e := <-events:
				if got := e.Data.(SourceFailed).Attempts; got != tt.want {
					t.Fatalf("Attempts = %d, want %d", got, tt.want)
				}
			default:
				t.Fatal("expected source.failed event")
			}
		})
	}
}

func TestSourceAuthHalts(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, dedup.ScopeGlobal, map[string]int{"like": 5})
	src := SourceFunc(func(ctx context.Context, q, cursor string) (Page, error) {
		return Page{}, Auth(errors.New("login redirect"))
	})
	opt := h.options(src, &recordingExecutor{}, KindLike)
	s, err := NewScheduler(opt)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	if err := s.Run(context.Background()); !errors.Is(err, ErrAuth) {
		t.Fatalf("Run err = %v, want ErrAuth", err)
	}
}

func TestPaginationFollowsCursor(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, dedup.ScopeGlobal, map[string]int{"like": 5})
	var cursors []string
	src := SourceFunc(func(ctx context.Context, q, cursor string) (Page, error) {
		cursors = append(cursors, cursor)
		switch cursor {
		case "":
			return Page{Items: threeItems()[:1], NextCursor: "2", HasMore: true}, nil
		case "2":
			// t1 repeated across pages is evaluated once.
			return Page{Items: threeItems()[:2], NextCursor: "3", HasMore: true}, nil
		default:
			return Page{HasMore: false}, nil
		}
	})
	opt := h.options(src, &recordingExecutor{}, KindLike)
	opt.MaxPages = 5
	opt.PageDelay = pacing.Bounds{Min: 2 * time.Second, Max: 5 * time.Second}
	s, err := NewScheduler(opt)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	start := h.clock.Now()
	sum, err := s.Cycle(context.Background(), false)
	if err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if len(cursors) != 3 || cursors[1] != "2" || cursors[2] != "3" {
		t.Fatalf("cursors = %q", cursors)
	}
	if sum.Fetched != 3 || sum.Accepted != 2 {
		t.Fatalf("summary = %+v, want fetched 3, accepted 2", sum)
	}
	if waited := h.clock.Now().Sub(start); waited < 4*time.Second || waited > 10*time.Second {
		t.Fatalf("page delays totalled %s, want two 2-5s pauses", waited)
	}
}

func TestRateCeilingGate(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, dedup.ScopeGlobal, map[string]int{"like": 5})
	exec := &recordingExecutor{}
	opt := h.options(&staticSource{items: threeItems()[:1]}, exec, KindLike)
	lim := rate.NewLimiter(rate.Every(time.Hour), 1)
	lim.AllowN(h.clock.Now(), 1) // drain the only token
	opt.Actions = []Action{{Kind: KindLike, Limiter: lim}}
	s, err := NewScheduler(opt)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	sum, err := s.Cycle(context.Background(), false)
	if err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if sum.Executed != 0 || len(exec.Calls()) != 0 {
		t.Fatalf("rate ceiling should block: %+v", sum)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, dedup.ScopeGlobal, map[string]int{"like": 5})
	opt := h.options(&staticSource{}, &recordingExecutor{}, KindLike)
	opt.Sleep = SleepContext
	opt.PollInterval = time.Hour
	s, err := NewScheduler(opt)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run after cancel = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop promptly after cancel")
	}
}

func TestSortByPriority(t *testing.T) {
	t.Parallel()
	got := SortByPriority([]ActionKind{"like", "follow", "retweet"}, []string{"Follow", "like"})
	want := []ActionKind{"follow", "like", "retweet"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestNewSchedulerValidates(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, dedup.ScopeGlobal, map[string]int{"like": 5})
	opt := h.options(nil, &recordingExecutor{}, KindLike)
	if _, err := NewScheduler(opt); err == nil {
		t.Fatal("expected error without source")
	}
	opt = h.options(&staticSource{}, nil, KindLike)
	if _, err := NewScheduler(opt); err == nil {
		t.Fatal("expected error without executor")
	}
	opt.Simulate = true
	if _, err := NewScheduler(opt); err != nil {
		t.Fatalf("simulation needs no executor: %v", err)
	}
	opt = h.options(&staticSource{}, &recordingExecutor{}, KindLike, KindLike)
	if _, err := NewScheduler(opt); err == nil {
		t.Fatal("expected error for duplicate kind")
	}
}

var errLookup = errors.New("lookup failed")

// lookupFailingStore fails every HasSeen while writes still succeed.
type lookupFailingStore struct {
	storage.Store
}

func (s lookupFailingStore) HasSeen(ctx context.Context, key string) (bool, error) {
	return false, errLookup
}

func TestDedupLookupFailureStillActs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	for _, scope := range []dedup.Scope{dedup.ScopeGlobal, dedup.ScopePerKind} {
		t.Run(string(scope), func(t *testing.T) {
			t.Parallel()
			backend, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state")}, logx.Nop())
			if err != nil {
				t.Fatalf("open store: %v", err)
			}
			defer backend.Close()

			h := newHarness(t, lookupFailingStore{backend}, scope, map[string]int{"like": 5})
			exec := &recordingExecutor{}
			opt := h.options(&staticSource{items: threeItems()[:1]}, exec, KindLike)
			bus := eventbus.New()
			events, unsub := bus.Subscribe(64, EventStorageError)
			defer unsub()
			opt.Bus = bus

			s, err := NewScheduler(opt)
			if err != nil {
				t.Fatalf("NewScheduler: %v", err)
			}
			sum, err := s.Cycle(ctx, false)
			if err != nil {
				t.Fatalf("Cycle: %v", err)
			}
			if calls := exec.Calls(); len(calls) != 1 || calls[0].Target != "t1" || sum.Executed != 1 {
				t.Fatalf("calls = %+v summary = %+v, want one like on t1", calls, sum)
			}
			select {
			case e := <-events:
				if se := e.Data.(StorageError); se.Op != "has" {
					t.Fatalf("storage error op = %q, want has", se.Op)
				}
			default:
				t.Fatal("expected storage.error event for the failed lookup")
			}
			if ok, _ := backend.HasSeen(ctx, h.set.Key("like", "t1", "t1")); !ok {
				t.Fatal("successful action must still be marked durably")
			}

			// The in-memory mark answers later lookups without the backend.
			h.clock.Sleep(ctx, time.Hour)
			if _, err := s.Cycle(ctx, false); err != nil {
				t.Fatalf("second Cycle: %v", err)
			}
			if n := len(exec.Calls()); n != 1 {
				t.Fatalf("executor called %d times, want 1", n)
			}
		})
	}
}
