package agent

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"cadencebot/internal/dedup"
	"cadencebot/internal/eventbus"
	"cadencebot/internal/pacing"
	"cadencebot/internal/storage"
	logx "cadencebot/pkg/logx"
)

// Action is one enabled kind in priority order.
type Action struct {
	Kind ActionKind

	// Limiter is an optional hard request ceiling consulted after the
	// window, quota and cadence gates pass.
	Limiter *rate.Limiter
}

// AuditSink receives one entry per execution attempt.
type AuditSink interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

// Options wires a Scheduler. Source, Executor, Dedup, Quota and Cadence are required.
type Options struct {
	Actions []Action
	Filter  Filter
	Queries func() []string

	Source   Source
	Executor Executor
	Dedup    *dedup.Set
	Quota    *pacing.Quota
	Cadence  *pacing.Cadence
	Window   *pacing.Window
	Audit    AuditSink
	Bus      eventbus.Bus
	Log      logx.Logger

	// Simulate skips Executor calls but records every gated action as if it succeeded.
	Simulate bool
	// ForceFirst bypasses the window gate for the first cycle only.
	ForceFirst bool

	MaxPages    int
	PageDelay   pacing.Bounds
	PageLimiter *rate.Limiter
	Retry       RetryPolicy

	PollInterval time.Duration
	MinSleep     time.Duration
	IdleJitter   pacing.Bounds
	MaxCycles    int // 0 = unlimited

	Rand  *rand.Rand
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Scheduler is the single control loop.
type Scheduler struct {
	opt   Options
	log   logx.Logger
	cycle int
}

// NewScheduler validates opt and fills defaults.
func NewScheduler(opt Options) (*Scheduler, error) {
	switch {
	case opt.Source == nil:
		return nil, errors.New("agent: source is required")
	case opt.Executor == nil && !opt.Simulate:
		return nil, errors.New("agent: executor is required unless simulating")
	case opt.Dedup == nil:
		return nil, errors.New("agent: dedup set is required")
	case opt.Quota == nil:
		return nil, errors.New("agent: quota tracker is required")
	case opt.Cadence == nil:
		return nil, errors.New("agent: cadence controller is required")
	}
	seen := map[ActionKind]bool{}
	for _, a := range opt.Actions {
		if a.Kind == "" {
			return nil, errors.New("agent: action kind is empty")
		}
		if seen[a.Kind] {
			return nil, fmt.Errorf("agent: action %q listed twice", a.Kind)
		}
		seen[a.Kind] = true
	}
	if opt.Window == nil {
		opt.Window = pacing.AlwaysOpen()
	}
	if opt.Queries == nil {
		opt.Queries = func() []string { return nil }
	}
	if opt.MaxPages <= 0 {
		opt.MaxPages = 1
	}
	if opt.PollInterval <= 0 {
		opt.PollInterval = 5 * time.Minute
	}
	if opt.MinSleep <= 0 {
		opt.MinSleep = time.Second
	}
	if opt.Rand == nil {
		opt.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	if opt.Sleep == nil {
		opt.Sleep = SleepContext
	}
	if opt.Log.IsZero() {
		opt.Log = logx.Nop()
	}
	return &Scheduler{opt: opt, log: opt.Log.With(logx.String("comp", "agent"))}, nil
}

// Run loops until ctx is done, the cycle budget is spent, or an auth failure
// halts it. A cancelled context is a clean stop and returns nil.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("scheduler started",
		logx.Int("actions", len(s.opt.Actions)),
		logx.Bool("simulate", s.opt.Simulate),
		logx.Bool("forced_first", s.opt.ForceFirst),
		logx.Int("max_cycles", s.opt.MaxCycles),
	)
	for {
		if ctx.Err() != nil {
			s.log.Info("scheduler stopped", logx.String("reason", "context_done"))
			return nil
		}
		forced := s.opt.ForceFirst && s.cycle == 0
		sum, err := s.Cycle(ctx, forced)
		if err != nil {
			if errors.Is(err, ErrAuth) {
				s.publish(EventSchedulerHalted, Halted{Reason: "auth", Err: err.Error()})
				s.log.Error("scheduler halted", logx.Err(err))
				return err
			}
			if ctx.Err() != nil {
				s.log.Info("scheduler stopped", logx.String("reason", "context_done"))
				return nil
			}
			s.log.Warn("cycle ended with error", logx.Int("cycle", sum.Cycle), logx.Err(err))
		}
		if s.opt.MaxCycles > 0 && s.cycle >= s.opt.MaxCycles {
			s.log.Info("scheduler stopped", logx.String("reason", "cycle_budget"), logx.Int("cycles", s.cycle))
			return nil
		}
		if err := s.opt.Sleep(ctx, sum.Sleep); err != nil {
			s.log.Info("scheduler stopped", logx.String("reason", "context_done"))
			return nil
		}
	}
}

// Cycle runs one FETCHING -> ... -> RECORDING pass and computes the sleep that
// should follow it. forced bypasses the window gate (never quota or cadence).
func (s *Scheduler) Cycle(ctx context.Context, forced bool) (CycleSummary, error) {
	s.cycle++
	start := s.opt.Now()
	sum := CycleSummary{Cycle: s.cycle, Forced: forced}

	if !forced && !s.opt.Window.IsOpen(start) {
		reason := s.opt.Window.Reason(start)
		sum.WindowClosed = true
		sum.Sleep = s.opt.PollInterval
		s.log.Debug("window closed; idling", logx.String("reason", reason), logx.Duration("sleep", sum.Sleep))
		s.publish(EventWindowClosed, GateSkipped{Gate: GateWindow, Detail: reason})
		s.publish(EventCycleFinished, sum)
		return sum, nil
	}

	queries := s.opt.Queries()
	s.publish(EventCycleStarted, CycleStarted{Cycle: s.cycle, Forced: forced, Queries: len(queries)})

	items, err := s.fetchAll(ctx, queries, &sum)
	if err != nil {
		sum.Took = s.opt.Now().Sub(start)
		s.finish(sum)
		return sum, err
	}

	accepted := s.filter(ctx, items, &sum)
	sum.Accepted = len(accepted)

	for _, it := range accepted {
		if ctx.Err() != nil {
			break
		}
		if err := s.processItem(ctx, it, forced, &sum); err != nil {
			sum.Took = s.opt.Now().Sub(start)
			s.finish(sum)
			return sum, err
		}
	}

	sum.Took = s.opt.Now().Sub(start)
	sum.Sleep = s.nextSleep(sum)
	s.finish(sum)
	return sum, ctx.Err()
}

func (s *Scheduler) finish(sum CycleSummary) {
	s.log.Info("cycle finished",
		logx.Int("cycle", sum.Cycle),
		logx.Bool("forced", sum.Forced),
		logx.Int("fetched", sum.Fetched),
		logx.Int("accepted", sum.Accepted),
		logx.Int("executed", sum.Executed),
		logx.Int("skipped", sum.Skipped),
		logx.Int("failed", sum.Failed),
		logx.Duration("took", sum.Took),
		logx.Duration("sleep", sum.Sleep),
	)
	s.publish(EventCycleFinished, sum)
}

// fetchAll collects items for every query, each id at most once per cycle.
func (s *Scheduler) fetchAll(ctx context.Context, queries []string, sum *CycleSummary) ([]Item, error) {
	var out []Item
	ids := map[string]struct{}{}
	for _, q := range queries {
		if ctx.Err() != nil {
			return out, nil
		}
		items, err := s.fetchQuery(ctx, q)
		if err != nil {
			return out, err
		}
		for _, it := range items {
			sum.Fetched++
			if it.ID == "" {
				continue
			}
			if _, dup := ids[it.ID]; dup {
				continue
			}
			ids[it.ID] = struct{}{}
			if it.Query == "" {
				it.Query = q
			}
			out = append(out, it)
		}
	}
	return out, nil
}

// fetchQuery pages through one query. Only an auth failure is returned; other
// errors are retried and then end this query's contribution to the cycle.
func (s *Scheduler) fetchQuery(ctx context.Context, query string) ([]Item, error) {
	var (
		out    []Item
		cursor string
	)
	for page := 0; page < s.opt.MaxPages; page++ {
		if page > 0 {
			if err := s.opt.Sleep(ctx, s.opt.PageDelay.Sample(s.opt.Rand)); err != nil {
				return out, nil
			}
		}
		p, err := s.fetchPage(ctx, query, cursor)
		if err != nil {
			if errors.Is(err, ErrAuth) {
				s.publish(EventAuthFailed, Halted{Reason: "source", Err: err.Error()})
				return out, err
			}
			return out, nil
		}
		out = append(out, p.Items...)
		s.log.Debug("page fetched",
			logx.String("query", query),
			logx.Int("page", page+1),
			logx.Int("items", len(p.Items)),
			logx.Bool("has_more", p.HasMore),
		)
		if !p.HasMore || p.NextCursor == "" {
			break
		}
		cursor = p.NextCursor
	}
	return out, nil
}

func (s *Scheduler) fetchPage(ctx context.Context, query, cursor string) (Page, error) {
	pol := s.opt.Retry.withDefaults()
	var (
		lastErr  error
		attempts int
	)
retry:
	for attempt := 0; attempt <= pol.Max; attempt++ {
		if attempt > 0 {
			d := backoffDelayWithHint(pol, attempt, lastErr, s.opt.Rand)
			s.log.Warn("source fetch failed; backing off",
				logx.String("query", query),
				logx.Int("attempt", attempt),
				logx.Duration("delay", d),
				logx.Err(lastErr),
			)
			if err := s.opt.Sleep(ctx, d); err != nil {
				return Page{}, err
			}
		}
		if err := s.waitLimiter(ctx, s.opt.PageLimiter); err != nil {
			return Page{}, err
		}
		attempts++
		p, err := s.opt.Source.Fetch(ctx, query, cursor)
		if err == nil {
			return p, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return Page{}, ctx.Err()
		}
		switch Classify(err) {
		case ClassAuth:
			return Page{}, err
		case ClassPermanent:
			break retry
		}
	}
	s.log.Error("source fetch gave up; skipping query this cycle",
		logx.String("query", query),
		logx.Int("attempts", attempts),
		logx.Err(lastErr),
	)
	s.publish(EventSourceFailed, SourceFailed{Query: query, Attempts: attempts, Err: errString(lastErr)})
	return Page{}, lastErr
}

// waitLimiter blocks on lim using the scheduler's clock and sleeper.
func (s *Scheduler) waitLimiter(ctx context.Context, lim *rate.Limiter) error {
	if lim == nil {
		return nil
	}
	now := s.opt.Now()
	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return nil
	}
	return s.opt.Sleep(ctx, r.DelayFrom(now))
}

// filter applies the static predicates and the dedup lookup. Besides
// logging it has no side effects.
func (s *Scheduler) filter(ctx context.Context, items []Item, sum *CycleSummary) []Item {
	now := s.opt.Now()
	reasons := map[string]int{}
	var out []Item
	for _, it := range items {
		if ok, why := s.opt.Filter.Check(it, now); !ok {
			reasons[why]++
			s.log.Debug("item rejected", logx.String("item", it.ID), logx.String("reason", why))
			continue
		}
		if s.alreadyDone(ctx, it) {
			reasons[GateDedup]++
			s.log.Debug("item rejected", logx.String("item", it.ID), logx.String("reason", GateDedup))
			continue
		}
		out = append(out, it)
	}
	if len(reasons) > 0 {
		s.publish(EventItemsFiltered, ItemsFiltered{Cycle: sum.Cycle, Reasons: reasons})
	}
	return out
}

// alreadyDone reports whether every enabled kind is already recorded for it.
// Under the global scope a single record covers all kinds.
func (s *Scheduler) alreadyDone(ctx context.Context, it Item) bool {
	if s.opt.Dedup.Scope() == dedup.ScopeGlobal {
		return s.hasMark(ctx, "", it, it.ID)
	}
	if len(s.opt.Actions) == 0 {
		return false
	}
	for _, a := range s.opt.Actions {
		if !s.hasMark(ctx, a.Kind, it, TargetFor(a.Kind, it)) {
			return false
		}
	}
	return true
}

func (s *Scheduler) hasMark(ctx context.Context, kind ActionKind, it Item, target string) bool {
	ok, err := s.opt.Dedup.Has(ctx, string(kind), it.ID, target)
	if err != nil {
		// Fail open: re-evaluate rather than silently skip.
		s.log.Error("dedup lookup failed; treating as unmarked",
			logx.String("item", it.ID),
			logx.String("kind", string(kind)),
			logx.Err(err),
		)
		s.publish(EventStorageError, StorageError{Op: "has", Key: s.opt.Dedup.Key(string(kind), it.ID, target), Err: err.Error()})
		return false
	}
	return ok
}

func (s *Scheduler) processItem(ctx context.Context, it Item, forced bool, sum *CycleSummary) error {
	perKind := s.opt.Dedup.Scope() == dedup.ScopePerKind
	for _, a := range s.opt.Actions {
		if ctx.Err() != nil {
			return nil
		}
		target := TargetFor(a.Kind, it)
		if target == "" {
			s.skip(a.Kind, it, GateNoTarget, "", sum)
			continue
		}
		if perKind && s.hasMark(ctx, a.Kind, it, target) {
			s.skip(a.Kind, it, GateDedup, "", sum)
			continue
		}
		if gate, detail := s.gate(a, forced); gate != "" {
			s.skip(a.Kind, it, gate, detail, sum)
			continue
		}
		if err := s.execute(ctx, a.Kind, it, target, sum); err != nil {
			return err
		}
	}
	return nil
}

// gate checks window, quota, cadence and the request ceiling in that order.
// It returns the first gate that blocks, or "".
func (s *Scheduler) gate(a Action, forced bool) (string, string) {
	now := s.opt.Now()
	if !forced && !s.opt.Window.IsOpen(now) {
		return GateWindow, s.opt.Window.Reason(now)
	}
	if rem := s.opt.Quota.Remaining(string(a.Kind)); rem <= 0 {
		return GateQuota, "exhausted"
	}
	if next := s.opt.Cadence.NextAllowed(string(a.Kind)); next.After(now) {
		return GateCadence, "wait " + next.Sub(now).Round(time.Second).String()
	}
	if a.Limiter != nil && !a.Limiter.AllowN(now, 1) {
		return GateRate, "ceiling"
	}
	return "", ""
}

func (s *Scheduler) skip(kind ActionKind, it Item, gate, detail string, sum *CycleSummary) {
	sum.Skipped++
	s.log.Debug("action skipped",
		logx.String("kind", string(kind)),
		logx.String("item", it.ID),
		logx.String("reason", gate),
		logx.String("detail", detail),
	)
	s.publish(EventGateSkipped, GateSkipped{Kind: kind, ItemID: it.ID, Gate: gate, Detail: detail})
}

func (s *Scheduler) execute(ctx context.Context, kind ActionKind, it Item, target string, sum *CycleSummary) error {
	start := s.opt.Now()
	var err error
	if !s.opt.Simulate {
		err = s.opt.Executor.Execute(ctx, kind, target)
	}
	took := s.opt.Now().Sub(start)
	class := Classify(err)

	res := ActionResult{
		Kind:      kind,
		ItemID:    it.ID,
		Target:    target,
		Query:     it.Query,
		Class:     class.String(),
		Took:      took,
		Simulated: s.opt.Simulate,
	}
	if err != nil {
		res.Err = err.Error()
	}
	s.audit(ctx, res)

	switch class {
	case ClassNone:
		sum.Executed++
		s.record(ctx, kind, it, target)
		s.log.Info("action executed",
			logx.String("kind", string(kind)),
			logx.String("item", it.ID),
			logx.String("target", target),
			logx.Bool("simulated", s.opt.Simulate),
			logx.Duration("took", took),
		)
		s.publish(EventActionExecuted, res)
		return nil

	case ClassPermanent:
		sum.Failed++
		s.log.Warn("action failed permanently; recording as processed",
			logx.String("kind", string(kind)),
			logx.String("item", it.ID),
			logx.Err(err),
		)
		s.mark(ctx, kind, it, target)
		s.publish(EventActionFailed, res)
		return nil

	case ClassAuth:
		sum.Failed++
		s.log.Error("action failed: authentication",
			logx.String("kind", string(kind)),
			logx.String("item", it.ID),
			logx.Err(err),
		)
		s.publish(EventActionFailed, res)
		s.publish(EventAuthFailed, Halted{Reason: "executor", Err: err.Error()})
		return fmt.Errorf("execute %s %s: %w", kind, target, err)

	default:
		sum.Failed++
		if ctx.Err() != nil {
			return nil
		}
		s.log.Warn("action failed; will retry on a later cycle",
			logx.String("kind", string(kind)),
			logx.String("item", it.ID),
			logx.Err(err),
		)
		s.publish(EventActionFailed, res)
		return nil
	}
}

// record advances quota and cadence and marks dedup after a success.
func (s *Scheduler) record(ctx context.Context, kind ActionKind, it Item, target string) {
	if !s.opt.Quota.Consume(string(kind)) {
		// Only reachable if the gate and the consume disagree, e.g. a boundary
		// passed mid-execution. The action happened; cadence and dedup still apply.
		s.log.Warn("quota consume refused after execution", logx.String("kind", string(kind)))
	}
	if brk := s.opt.Cadence.RecordExecution(string(kind)); brk > 0 {
		until := s.opt.Cadence.PausedUntil()
		s.log.Info("micro-break started",
			logx.String("kind", string(kind)),
			logx.Duration("for", brk),
			logx.Time("until", until),
		)
		s.publish(EventMicroBreak, MicroBreak{Kind: kind, For: brk, Until: until})
	}
	s.mark(ctx, kind, it, target)
}

func (s *Scheduler) mark(ctx context.Context, kind ActionKind, it Item, target string) {
	if err := s.opt.Dedup.Mark(ctx, string(kind), it.ID, target); err != nil {
		s.publish(EventStorageError, StorageError{
			Op:  "mark",
			Key: s.opt.Dedup.Key(string(kind), it.ID, target),
			Err: err.Error(),
		})
	}
}

func (s *Scheduler) audit(ctx context.Context, r ActionResult) {
	if s.opt.Audit == nil {
		return
	}
	result := r.Class
	if r.Simulated && r.Class == ClassNone.String() {
		result = "simulated"
	}
	err := s.opt.Audit.AppendAudit(ctx, storage.AuditEntry{
		At:        s.opt.Now(),
		Kind:      string(r.Kind),
		ItemID:    r.ItemID,
		Target:    r.Target,
		Query:     r.Query,
		Result:    result,
		Error:     r.Err,
		TookMS:    r.Took.Milliseconds(),
		Simulated: r.Simulated,
	})
	if err != nil {
		s.log.Warn("audit append failed", logx.Err(err))
	}
}

// nextSleep is the time until the earliest kind with quota left becomes
// eligible, capped at the poll interval and floored at MinSleep. Cycles that
// executed nothing add the idle jitter.
func (s *Scheduler) nextSleep(sum CycleSummary) time.Duration {
	now := s.opt.Now()
	d := s.opt.PollInterval
	for _, a := range s.opt.Actions {
		if s.opt.Quota.Remaining(string(a.Kind)) <= 0 {
			continue
		}
		if wait := s.opt.Cadence.NextAllowed(string(a.Kind)).Sub(now); wait < d {
			d = wait
		}
	}
	if d < s.opt.MinSleep {
		d = s.opt.MinSleep
	}
	if sum.Executed == 0 {
		d += s.opt.IdleJitter.Sample(s.opt.Rand)
	}
	return d
}

func (s *Scheduler) publish(typ string, data any) {
	if s.opt.Bus == nil {
		return
	}
	s.opt.Bus.Publish(eventbus.Event{Type: typ, Time: s.opt.Now(), Data: data})
}

// SortByPriority orders kinds by their position in priority; kinds not listed
// keep their relative order after the listed ones.
func SortByPriority(kinds []ActionKind, priority []string) []ActionKind {
	rank := map[ActionKind]int{}
	for i, p := range priority {
		k := ParseKind(p)
		if _, ok := rank[k]; !ok {
			rank[k] = i
		}
	}
	out := append([]ActionKind(nil), kinds...)
	sort.SliceStable(out, func(i, j int) bool {
		ri, iok := rank[out[i]]
		rj, jok := rank[out[j]]
		switch {
		case iok && jok:
			return ri < rj
		case iok:
			return true
		default:
			return false
		}
	})
	return out
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return strings.TrimSpace(err.Error())
}
