package metrics

import (
	"context"
	"strconv"
	"time"

	"cadencebot/internal/agent"
	"cadencebot/internal/eventbus"
	"cadencebot/internal/queries"
	logx "cadencebot/pkg/logx"
)

// QuotaView is one kind's quota as seen by the gauges.
type QuotaView struct {
	Used     int
	Cap      int
	Boundary time.Time
}

// State is sampled after each cycle to refresh gauges.
type State struct {
	Quota       map[string]QuotaView
	Seen        int
	PendingMark int
	PausedUntil time.Time
	Queries     int

	SideGoroutines int64
	SideRestarts   uint64
	NotifySent     int
	NotifyLost     int
}

// Recorder translates bus events into metric updates.
type Recorder struct {
	bus   eventbus.Bus
	probe func() State
	log   logx.Logger
}

// NewRecorder returns a recorder. probe may be nil.
func NewRecorder(bus eventbus.Bus, probe func() State, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{bus: bus, probe: probe, log: log}
}

// Run consumes events until ctx is done.
func (r *Recorder) Run(ctx context.Context) error {
	ch, unsub := r.bus.Subscribe(512)
	defer unsub()

	r.sample()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			r.Observe(e)
		}
	}
}

// Observe applies a single event.
func (r *Recorder) Observe(e eventbus.Event) {
	switch d := e.Data.(type) {
	case agent.ActionResult:
		class := d.Class
		if e.Type == agent.EventActionExecuted {
			class = "ok"
		}
		actionsCounter.WithLabelValues(string(d.Kind), class, strconv.FormatBool(d.Simulated)).Inc()
		if !d.Simulated {
			actionDuration.WithLabelValues(string(d.Kind)).Observe(d.Took.Seconds())
		}
	case agent.GateSkipped:
		if e.Type == agent.EventGateSkipped {
			gateSkipsCounter.WithLabelValues(string(d.Kind), d.Gate).Inc()
		}
	case agent.CycleSummary:
		window := "open"
		if d.WindowClosed {
			window = "closed"
		}
		cyclesCounter.WithLabelValues(window).Inc()
		itemsFetchedCounter.Add(float64(d.Fetched))
		itemsAcceptedCounter.Add(float64(d.Accepted))
		if !d.WindowClosed {
			cycleDuration.Observe(d.Took.Seconds())
		}
		r.sample()
	case agent.ItemsFiltered:
		for reason, n := range d.Reasons {
			itemsRejectedCounter.WithLabelValues(reason).Add(float64(n))
		}
	case agent.SourceFailed:
		sourceFailuresCounter.Inc()
	case agent.MicroBreak:
		microBreaksCounter.WithLabelValues(string(d.Kind)).Inc()
		pausedUntilGauge.Set(float64(d.Until.Unix()))
	case agent.StorageError:
		storageErrorsCounter.WithLabelValues(d.Op).Inc()
	case agent.Halted:
		if e.Type == agent.EventSchedulerHalted {
			haltsCounter.WithLabelValues(d.Reason).Inc()
		}
	case queries.Reloaded:
		queryReloadsCounter.Inc()
		queriesGauge.Set(float64(d.Count))
	default:
		r.log.Trace("metrics: unhandled event", logx.String("type", e.Type))
	}
}

func (r *Recorder) sample() {
	if r.bus != nil {
		busDroppedGauge.Set(float64(r.bus.Dropped()))
	}
	if r.probe == nil {
		return
	}
	st := r.probe()
	for kind, q := range st.Quota {
		quotaUsedGauge.WithLabelValues(kind).Set(float64(q.Used))
		quotaRemainingGauge.WithLabelValues(kind).Set(float64(max(q.Cap-q.Used, 0)))
		if !q.Boundary.IsZero() {
			quotaResetGauge.WithLabelValues(kind).Set(float64(q.Boundary.Unix()))
		}
	}
	seenGauge.Set(float64(st.Seen))
	pendingMarksGauge.Set(float64(st.PendingMark))
	queriesGauge.Set(float64(st.Queries))
	sideGoroutinesGauge.Set(float64(st.SideGoroutines))
	sideRestartsGauge.Set(float64(st.SideRestarts))
	notifySentGauge.Set(float64(st.NotifySent))
	notifyLostGauge.Set(float64(st.NotifyLost))
	if !st.PausedUntil.IsZero() {
		pausedUntilGauge.Set(float64(st.PausedUntil.Unix()))
	}
}
