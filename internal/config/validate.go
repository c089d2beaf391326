package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"cadencebot/internal/agent"
	"cadencebot/internal/dedup"
	"cadencebot/internal/pacing"
	"cadencebot/internal/storage"
)

// Error collects every problem found in a configuration. It is returned
// before any scheduling starts.
type Error struct {
	Problems []string
}

func (e *Error) Error() string {
	if len(e.Problems) == 1 {
		return "invalid config: " + e.Problems[0]
	}
	return fmt.Sprintf("invalid config (%d problems): %s", len(e.Problems), strings.Join(e.Problems, "; "))
}

func (e *Error) add(err error) {
	if err != nil {
		e.Problems = append(e.Problems, err.Error())
	}
}

func (e *Error) addf(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

func (e *Error) orNil() error {
	if len(e.Problems) == 0 {
		return nil
	}
	return e
}

// ActionSettings is one enabled kind after validation.
type ActionSettings struct {
	Kind          agent.ActionKind
	Interval      pacing.Bounds
	DailyCap      int
	RatePerMinute float64
}

// Settings is the validated, typed form of Config.
type Settings struct {
	Storage       storage.Config
	PersistQuota  bool
	DedupScope    dedup.Scope
	ResetSchedule string

	// Actions holds enabled kinds in priority order.
	Actions    []ActionSettings
	BreakEvery int
	BreakLen   pacing.Bounds

	SessionsEnabled bool
	Location        *time.Location
	Windows         []pacing.Range
	Blackout        *pacing.Range

	Filter agent.Filter

	QueriesPath    string
	Queries        []string
	MaxPages       int
	PageDelay      pacing.Bounds
	Retry          agent.RetryPolicy
	PagesPerMinute float64

	PollInterval time.Duration
	MinSleep     time.Duration
	IdleJitter   pacing.Bounds
	MaxCycles    int

	CookiesPath   string
	Headless      bool
	UserDataDir   string
	ActionTimeout time.Duration

	Simulation bool
}

// Window builds the session gate. A disabled section yields an always-open gate.
func (s *Settings) Window() *pacing.Window {
	if !s.SessionsEnabled {
		return pacing.NewWindow(nil, nil, s.Location)
	}
	return pacing.NewWindow(s.Windows, s.Blackout, s.Location)
}

// Caps maps each enabled kind to its daily cap.
func (s *Settings) Caps() map[string]int {
	out := make(map[string]int, len(s.Actions))
	for _, a := range s.Actions {
		out[string(a.Kind)] = a.DailyCap
	}
	return out
}

// Intervals maps each enabled kind to its cadence bounds.
func (s *Settings) Intervals() map[string]pacing.Bounds {
	out := make(map[string]pacing.Bounds, len(s.Actions))
	for _, a := range s.Actions {
		out[string(a.Kind)] = a.Interval
	}
	return out
}

var supportedKinds = map[agent.ActionKind]bool{
	agent.KindLike:   true,
	agent.KindFollow: true,
}

// Resolve validates c and converts it into Settings. All problems are
// reported together in one *Error.
func Resolve(c *Config) (*Settings, error) {
	if c == nil {
		c = Default()
	}
	var e Error
	s := &Settings{Simulation: c.Simulation}

	// storage
	driver := strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	switch driver {
	case "file", "sqlite", "none", "":
	default:
		e.addf("storage.driver: unknown driver %q (want file, sqlite or none)", c.Storage.Driver)
	}
	busy, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout)
	e.add(err)
	s.Storage = storage.Config{Driver: driver, Path: c.Storage.Path, BusyTimeout: busy}
	if driver != "none" && driver != "" && strings.TrimSpace(c.Storage.Path) == "" {
		e.addf("storage.path: required for driver %q", driver)
	}
	s.PersistQuota = c.Quota.Persist == nil || *c.Quota.Persist

	scope, err := dedup.ParseScope(c.Dedup.Scope)
	if err != nil {
		e.addf("dedup.scope: %v", err)
	}
	s.DedupScope = scope

	if _, err := pacing.ParseResetSchedule(c.Quota.ResetSchedule); err != nil {
		e.addf("quota.reset_schedule: %v", err)
	}
	s.ResetSchedule = c.Quota.ResetSchedule

	// actions
	names := make([]string, 0, len(c.Actions))
	for name := range c.Actions {
		names = append(names, name)
	}
	sort.Strings(names)
	byKind := map[agent.ActionKind]ActionSettings{}
	kinds := make([]agent.ActionKind, 0, len(names))
	for _, name := range names {
		a := c.Actions[name]
		path := "actions." + name
		kind := agent.ParseKind(name)
		if !supportedKinds[kind] {
			e.addf("%s: unsupported action kind (want like or follow)", path)
			continue
		}
		if _, dup := byKind[kind]; dup {
			e.addf("%s: duplicate action kind %q", path, kind)
			continue
		}
		if a.Enabled != nil && !*a.Enabled {
			continue
		}
		as := ActionSettings{Kind: kind, RatePerMinute: a.RatePerMinute}
		if !a.IntervalSeconds.IsSet() {
			e.addf("%s.interval_seconds: required", path)
		} else if b, err := a.IntervalSeconds.Bounds(path + ".interval_seconds"); err != nil {
			e.add(err)
		} else {
			as.Interval = b
		}
		if a.DailyCap == nil {
			e.addf("%s.daily_cap: required", path)
		} else if *a.DailyCap < 0 {
			e.addf("%s.daily_cap: must be >= 0, got %d", path, *a.DailyCap)
		} else {
			as.DailyCap = *a.DailyCap
		}
		if a.RatePerMinute < 0 {
			e.addf("%s.rate_per_minute: must be >= 0", path)
		}
		byKind[kind] = as
		kinds = append(kinds, kind)
	}
	for i, p := range c.Priority {
		if !supportedKinds[agent.ParseKind(p)] {
			e.addf("priority[%d]: unknown action kind %q", i, p)
		}
	}
	for _, k := range agent.SortByPriority(kinds, c.Priority) {
		s.Actions = append(s.Actions, byKind[k])
	}
	if len(c.Actions) > 0 && len(s.Actions) == 0 && len(e.Problems) == 0 {
		e.addf("actions: every action kind is disabled")
	}

	// micro-break
	if c.MicroBreak.TriggerCount != nil {
		s.BreakEvery = *c.MicroBreak.TriggerCount
	}
	if s.BreakEvery < 0 {
		e.addf("micro_break.trigger_count: must be >= 0, got %d", s.BreakEvery)
	}
	if s.BreakEvery > 0 {
		b, err := c.MicroBreak.Seconds.Bounds("micro_break.seconds")
		e.add(err)
		s.BreakLen = b
	}

	// sessions
	s.SessionsEnabled = c.Sessions.Enabled
	loc, err := time.LoadLocation(strings.TrimSpace(c.Sessions.Timezone))
	if err != nil {
		e.addf("sessions.timezone: %v", err)
		loc = time.UTC
	}
	s.Location = loc
	for i, w := range c.Sessions.Windows {
		r, err := pacing.ParseRange(w)
		if err != nil {
			e.addf("sessions.windows[%d]: %v", i, err)
			continue
		}
		s.Windows = append(s.Windows, r)
	}
	if strings.TrimSpace(c.Sessions.Blackout) != "" {
		r, err := pacing.ParseRange(c.Sessions.Blackout)
		if err != nil {
			e.addf("sessions.blackout: %v", err)
		} else {
			s.Blackout = &r
		}
	}

	// filters
	f := c.Filters
	if f.MinFollowers < 0 || f.MaxFollowers < 0 {
		e.addf("filters: follower bounds must be >= 0")
	}
	if f.MaxFollowers > 0 && f.MinFollowers > f.MaxFollowers {
		e.addf("filters: min_followers %d exceeds max_followers %d", f.MinFollowers, f.MaxFollowers)
	}
	if f.MaxAgeHours < 0 {
		e.addf("filters.max_age_hours: must be >= 0")
	}
	s.Filter = agent.Filter{
		MinFollowers:    f.MinFollowers,
		MaxFollowers:    f.MaxFollowers,
		Languages:       f.Languages,
		MaxAge:          time.Duration(f.MaxAgeHours * float64(time.Hour)),
		ExcludeKeywords: f.ExcludeKeywords,
		SkipRetweets:    f.SkipRetweets != nil && *f.SkipRetweets,
		SkipReplies:     f.SkipReplies != nil && *f.SkipReplies,
	}

	// source
	src := c.Source
	s.QueriesPath = strings.TrimSpace(src.QueriesPath)
	s.Queries = src.Queries
	if s.QueriesPath == "" && len(src.Queries) == 0 {
		e.addf("source: set queries_path or queries")
	}
	if src.MaxPages < 0 {
		e.addf("source.max_pages: must be >= 0")
	}
	s.MaxPages = src.MaxPages
	s.PageDelay, err = src.PageDelaySeconds.Bounds("source.page_delay_seconds")
	e.add(err)
	if src.RetryMax != nil {
		if *src.RetryMax < 0 {
			e.addf("source.retry_max: must be >= 0")
		}
		s.Retry.Max = *src.RetryMax
	}
	s.Retry.Base, err = ParseDurationField("source.retry_base", src.RetryBase)
	e.add(err)
	s.Retry.MaxDelay, err = ParseDurationField("source.retry_max_delay", src.RetryMaxDelay)
	e.add(err)
	if src.PagesPerMinute < 0 {
		e.addf("source.pages_per_minute: must be >= 0")
	}
	s.PagesPerMinute = src.PagesPerMinute

	// loop
	s.PollInterval, err = ParseDurationOrDefault("loop.poll_interval", c.Loop.PollInterval, 15*time.Minute)
	e.add(err)
	s.MinSleep, err = ParseDurationOrDefault("loop.min_sleep", c.Loop.MinSleep, 5*time.Second)
	e.add(err)
	if s.MinSleep > s.PollInterval && s.PollInterval > 0 {
		e.addf("loop.min_sleep %s exceeds loop.poll_interval %s", s.MinSleep, s.PollInterval)
	}
	s.IdleJitter, err = c.Loop.IdleJitterSeconds.Bounds("loop.idle_jitter_seconds")
	e.add(err)
	if c.Loop.MaxCycles < 0 {
		e.addf("loop.max_cycles: must be >= 0")
	}
	s.MaxCycles = c.Loop.MaxCycles

	// x
	s.CookiesPath = c.X.CookiesPath
	s.Headless = c.X.Headless == nil || *c.X.Headless
	s.UserDataDir = c.X.UserDataDir
	s.ActionTimeout, err = ParseDurationOrDefault("x.action_timeout", c.X.ActionTimeout, 45*time.Second)
	e.add(err)

	// side services
	if c.Metrics.Enabled && strings.TrimSpace(c.Metrics.Addr) == "" {
		e.addf("metrics.addr: required when metrics are enabled")
	}
	if c.Metrics.Path != "" && !strings.HasPrefix(c.Metrics.Path, "/") {
		e.addf("metrics.path: must start with /")
	}
	tg := c.Notify.Telegram
	if tg.Enabled {
		if strings.TrimSpace(tg.Token) == "" {
			e.addf("notify.telegram.token: required when telegram is enabled")
		}
		if tg.ChatID == 0 {
			e.addf("notify.telegram.chat_id: required when telegram is enabled")
		}
	}
	if tg.RatePerMinute < 0 {
		e.addf("notify.telegram.rate_per_minute: must be >= 0")
	}

	if err := e.orNil(); err != nil {
		return nil, err
	}
	return s, nil
}
