// Package app builds the agent from a config file and runs it with its side
// services (queries watcher, metrics, notifier, systemd watchdog).
package app

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"cadencebot/internal/agent"
	"cadencebot/internal/config"
	"cadencebot/internal/dedup"
	"cadencebot/internal/eventbus"
	"cadencebot/internal/metrics"
	"cadencebot/internal/notify"
	"cadencebot/internal/pacing"
	"cadencebot/internal/queries"
	"cadencebot/internal/runtime/supervisor"
	"cadencebot/internal/storage"
	"cadencebot/internal/xclient"
	logx "cadencebot/pkg/logx"
	"cadencebot/pkg/sdnotify"
)

// Options are the command-line overrides applied on top of the config file.
type Options struct {
	ConfigPath string
	// ForceNow runs the first cycle even outside the session windows.
	ForceNow bool
	// Once stops after a single cycle.
	Once bool
	// Simulate never calls the executor; everything else runs normally.
	Simulate bool

	// Source and Executor replace the browser client when set.
	Source   agent.Source
	Executor agent.Executor
	// Now overrides the clock for quota, cadence and the scheduler.
	Now func() time.Time
}

type App struct {
	cfg *config.Config
	set *config.Settings

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	dedup   *dedup.Set
	quota   *pacing.Quota
	cadence *pacing.Cadence
	queries *queries.Watcher
	browser *xclient.Browser
	sched   *agent.Scheduler
	notif   *notify.Service
	sd      *sdnotify.Notifier
	sup     *supervisor.Supervisor

	halted atomic.Bool
}

// New loads the config and builds every component. Configuration problems
// are returned as *config.Error; a rejected session wraps agent.ErrAuth.
func New(ctx context.Context, opt Options) (*App, error) {
	cfg, err := config.Load(opt.ConfigPath)
	if err != nil {
		return nil, err
	}
	set, err := config.Resolve(cfg)
	if err != nil {
		return nil, err
	}
	if opt.Simulate {
		set.Simulation = true
	}
	if opt.Once {
		set.MaxCycles = 1
	}
	now := opt.Now
	if now == nil {
		now = time.Now
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	})
	a := &App{
		cfg:  cfg,
		set:  set,
		log:  log.With(logx.String("comp", "app")),
		logs: logs,
		bus:  eventbus.New(),
		sd:   sdnotify.New(),
	}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	if err := a.openStorage(ctx, log, now); err != nil {
		return nil, err
	}
	if err := a.loadQueries(log); err != nil {
		return nil, err
	}

	src, exec := opt.Source, opt.Executor
	if src == nil || (exec == nil && !set.Simulation) {
		b, err := xclient.Open(ctx, xclient.Config{
			CookiesPath:   set.CookiesPath,
			Headless:      set.Headless,
			UserDataDir:   set.UserDataDir,
			ActionTimeout: set.ActionTimeout,
		}, log.With(logx.String("comp", "xclient")))
		if err != nil {
			return nil, fmt.Errorf("open browser session: %w", err)
		}
		a.browser = b
		if src == nil {
			src = xclient.NewSource(b)
		}
		if exec == nil {
			exec = xclient.NewExecutor(b)
		}
	}

	if err := a.buildScheduler(src, exec, opt.ForceNow, now, log); err != nil {
		return nil, err
	}

	tg := cfg.Notify.Telegram
	if tg.Enabled {
		snd, err := notify.NewTelegram(notify.TelegramConfig{Token: tg.Token, ChatID: tg.ChatID, ThreadID: tg.ThreadID})
		if err != nil {
			return nil, &config.Error{Problems: []string{"notify.telegram: " + err.Error()}}
		}
		a.notif = notify.New(notify.Config{
			Events:        tg.Events,
			RatePerMinute: tg.RatePerMinute,
			RetryMax:      3,
			DedupWindow:   time.Minute,
		}, snd, a.bus, log)
	}

	ok = true
	return a, nil
}

func (a *App) openStorage(ctx context.Context, log logx.Logger, now func() time.Time) error {
	set := a.set
	st, err := storage.Open(set.Storage, log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.store = st
	if st != nil {
		a.log.Info("storage enabled", logx.String("driver", set.Storage.Driver), logx.String("path", set.Storage.Path))
	} else {
		a.log.Warn("storage disabled; processed items and quotas reset on restart")
	}

	a.dedup = dedup.New(st, set.DedupScope, log)
	if err := a.dedup.Load(ctx); err != nil {
		return err
	}

	q, err := pacing.NewQuota(pacing.QuotaConfig{
		Caps:     set.Caps(),
		Reset:    set.ResetSchedule,
		Location: set.Location,
	}, now)
	if err != nil {
		return &config.Error{Problems: []string{err.Error()}}
	}
	a.quota = q
	if st == nil || !set.PersistQuota {
		return nil
	}

	recs, err := st.LoadQuota(ctx)
	if err != nil {
		return fmt.Errorf("load quota: %w", err)
	}
	restored := make(map[string]pacing.QuotaState, len(recs))
	for _, r := range recs {
		restored[r.Kind] = pacing.QuotaState{Count: r.Count, Boundary: r.Boundary}
	}
	q.Restore(restored)
	q.OnChange(func(kind string, s pacing.QuotaState) {
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := st.PutQuota(cctx, storage.QuotaRecord{Kind: kind, Count: s.Count, Boundary: s.Boundary}); err != nil {
			a.log.Error("quota persist failed", logx.String("kind", kind), logx.Err(err))
			a.bus.Publish(eventbus.Event{Type: agent.EventStorageError, Data: agent.StorageError{Op: "quota", Key: kind, Err: err.Error()}})
		}
	})
	a.log.Info("quota restored", logx.Int("kinds", len(restored)))
	return nil
}

func (a *App) loadQueries(log logx.Logger) error {
	if a.set.QueriesPath == "" {
		a.queries = queries.Static(a.set.Queries)
		return nil
	}
	w, err := queries.NewWatcher(a.set.QueriesPath, log.With(logx.String("comp", "queries")))
	if err != nil {
		return &config.Error{Problems: []string{"source.queries_path: " + err.Error()}}
	}
	w.OnChange(func(qs []string) {
		a.bus.Publish(eventbus.Event{
			Type: queries.EventReloaded,
			Data: queries.Reloaded{Count: len(qs), Reloads: w.Reloads()},
		})
	})
	a.queries = w
	return nil
}

func (a *App) buildScheduler(src agent.Source, exec agent.Executor, force bool, now func() time.Time, log logx.Logger) error {
	set := a.set
	seed := now().UnixNano()

	cad, err := pacing.NewCadence(pacing.CadenceConfig{
		Intervals:  set.Intervals(),
		BreakEvery: set.BreakEvery,
		BreakLen:   set.BreakLen,
	}, rand.New(rand.NewSource(seed)), now)
	if err != nil {
		return &config.Error{Problems: []string{err.Error()}}
	}
	a.cadence = cad

	actions := make([]agent.Action, 0, len(set.Actions))
	for _, as := range set.Actions {
		act := agent.Action{Kind: as.Kind}
		if as.RatePerMinute > 0 {
			act.Limiter = rate.NewLimiter(rate.Limit(as.RatePerMinute/60), 1)
		}
		actions = append(actions, act)
	}
	var pageLimiter *rate.Limiter
	if set.PagesPerMinute > 0 {
		pageLimiter = rate.NewLimiter(rate.Limit(set.PagesPerMinute/60), 1)
	}
	var audit agent.AuditSink
	if a.store != nil {
		audit = a.store
	}

	sched, err := agent.NewScheduler(agent.Options{
		Actions:      actions,
		Filter:       set.Filter,
		Queries:      a.queries.Current,
		Source:       src,
		Executor:     exec,
		Dedup:        a.dedup,
		Quota:        a.quota,
		Cadence:      cad,
		Window:       set.Window(),
		Audit:        audit,
		Bus:          a.bus,
		Log:          log,
		Simulate:     set.Simulation,
		ForceFirst:   force,
		MaxPages:     set.MaxPages,
		PageDelay:    set.PageDelay,
		PageLimiter:  pageLimiter,
		Retry:        set.Retry,
		PollInterval: set.PollInterval,
		MinSleep:     set.MinSleep,
		IdleJitter:   set.IdleJitter,
		MaxCycles:    set.MaxCycles,
		Rand:         rand.New(rand.NewSource(seed + 1)),
		Now:          now,
	})
	if err != nil {
		return err
	}
	a.sched = sched
	return nil
}

// Run starts the side services and runs the scheduler until ctx is done,
// the cycle budget is spent, or an auth failure halts it.
func (a *App) Run(ctx context.Context) error {
	// A side goroutine that fails for good stops the scheduler too.
	sup := supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)
	a.sup = sup
	a.startSide(sup)

	_ = a.sd.Ready()
	a.log.Info("cadencebot started",
		logx.Bool("simulation", a.set.Simulation),
		logx.Int("queries", len(a.queries.Current())),
		logx.Int("seen", a.dedup.Len()),
	)

	err := a.sched.Run(sup.Context())
	if err != nil {
		a.halted.Store(true)
	}
	sup.Cancel()

	_ = a.sd.Stopping()
	fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if ferr := a.dedup.Flush(fctx); ferr != nil {
		a.log.Error("dedup flush on shutdown failed", logx.Int("pending", a.dedup.Pending()), logx.Err(ferr))
	}
	cancel()

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := sup.Stop(sctx); serr != nil && !errors.Is(serr, context.DeadlineExceeded) {
		a.log.Warn("side service ended with error", logx.Err(serr))
	}
	if err == nil && ctx.Err() == nil {
		// The scheduler only stops early when a side service cancelled it.
		if serr := sup.Err(); serr != nil {
			return fmt.Errorf("side service failed: %w", serr)
		}
	}
	return err
}

func (a *App) startSide(sup *supervisor.Supervisor) {
	// The last good list keeps serving if the watcher cannot be kept alive.
	sup.GoRestart("queries.watch", a.queries.Watch, supervisor.WithMaxRestarts(20))

	if a.cfg.Metrics.Enabled {
		rec := metrics.NewRecorder(a.bus, a.probe, a.log)
		sup.Go("metrics.recorder", rec.Run)
		srv := metrics.NewServer(metrics.ServerConfig{
			Addr:  a.cfg.Metrics.Addr,
			Path:  a.cfg.Metrics.Path,
			Pprof: a.cfg.Metrics.Pprof,
		}, a.health, a.log)
		// Metrics were asked for explicitly; a listener that never comes up stops the agent.
		sup.GoRestart("metrics.http", srv.Serve,
			supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
			supervisor.WithMaxRestarts(5),
			supervisor.WithFatalOnGiveUp(true),
		)
	}
	if a.notif != nil {
		sup.Go("notify", a.notif.Run)
	}

	events, unsub := a.bus.Subscribe(128)
	sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.logEvent(e)
			}
		}
	})

	if iv := sdnotify.WatchdogInterval(); iv > 0 {
		sup.Go("sdnotify.watchdog", func(c context.Context) error {
			return a.sd.Watchdog(c, iv, func() bool { return !a.halted.Load() })
		})
	}
}

func (a *App) logEvent(e eventbus.Event) {
	switch d := e.Data.(type) {
	case agent.CycleSummary:
		_ = a.sd.Status("cycle %d: %d executed, %d failed; next in %s", d.Cycle, d.Executed, d.Failed, d.Sleep.Round(time.Second))
	case agent.Halted:
		_ = a.sd.Status("halted: %s", d.Reason)
	}
	a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
}

func (a *App) probe() metrics.State {
	st := metrics.State{
		Quota:       map[string]metrics.QuotaView{},
		Seen:        a.dedup.Len(),
		PendingMark: a.dedup.Pending(),
		PausedUntil: a.cadence.PausedUntil(),
		Queries:     len(a.queries.Current()),
	}
	if a.sup != nil {
		c := a.sup.Counters()
		st.SideGoroutines, st.SideRestarts = c.Active, c.Restarts
	}
	if a.notif != nil {
		st.NotifySent, st.NotifyLost = a.notif.Stats()
	}
	for kind, q := range a.quota.Snapshot() {
		limit, _ := a.quota.Cap(kind)
		st.Quota[kind] = metrics.QuotaView{Used: q.Count, Cap: limit, Boundary: q.Boundary}
	}
	return st
}

func (a *App) health() error {
	if a.halted.Load() {
		return errors.New("scheduler halted")
	}
	return nil
}

// Close releases the browser, storage and log sinks.
func (a *App) Close() error {
	var errs []string
	if a.browser != nil {
		a.browser.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, "storage: "+err.Error())
		}
	}
	if a.logs != nil {
		if err := a.logs.Close(); err != nil {
			errs = append(errs, "logs: "+err.Error())
		}
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}
