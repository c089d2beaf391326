package app

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"cadencebot/internal/config"
	"cadencebot/internal/storage"
	logx "cadencebot/pkg/logx"
)

// QuotaLine is one kind's persisted quota as reported by ReadState.
type QuotaLine struct {
	Kind     string
	Count    int
	Cap      int
	Boundary time.Time
	// Stale is set when the boundary has passed; the next run resets the count.
	Stale bool
}

// StateReport summarizes what a run would start from.
type StateReport struct {
	Driver string
	Path   string
	Seen   int
	Quota  []QuotaLine
}

// ReadState reports the processed-set size and quota counters held by the
// configured storage.
func ReadState(ctx context.Context, cfgPath string, now time.Time) (*StateReport, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	set, err := config.Resolve(cfg)
	if err != nil {
		return nil, err
	}
	rep := &StateReport{Driver: set.Storage.Driver, Path: set.Storage.Path}

	st, err := storage.Open(set.Storage, logx.Nop())
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	caps := set.Caps()
	if st == nil {
		for _, a := range set.Actions {
			rep.Quota = append(rep.Quota, QuotaLine{Kind: string(a.Kind), Cap: a.DailyCap})
		}
		return rep, nil
	}
	defer st.Close()

	seen, err := st.LoadSeen(ctx)
	if err != nil {
		return nil, fmt.Errorf("load processed set: %w", err)
	}
	rep.Seen = len(seen)

	recs, err := st.LoadQuota(ctx)
	if err != nil {
		return nil, fmt.Errorf("load quota: %w", err)
	}
	byKind := map[string]storage.QuotaRecord{}
	for _, r := range recs {
		byKind[r.Kind] = r
	}
	for kind, limit := range caps {
		r, ok := byKind[kind]
		line := QuotaLine{Kind: kind, Cap: limit}
		if ok {
			line.Count = r.Count
			line.Boundary = r.Boundary
			line.Stale = !r.Boundary.IsZero() && !now.Before(r.Boundary)
		}
		rep.Quota = append(rep.Quota, line)
	}
	sort.Slice(rep.Quota, func(i, j int) bool { return rep.Quota[i].Kind < rep.Quota[j].Kind })
	return rep, nil
}

// Print writes the report as an aligned table.
func (r *StateReport) Print(w io.Writer) error {
	fmt.Fprintf(w, "storage: %s %s\n", r.Driver, r.Path)
	fmt.Fprintf(w, "processed: %d\n", r.Seen)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tUSED\tCAP\tRESETS")
	for _, q := range r.Quota {
		resets := "-"
		if !q.Boundary.IsZero() {
			resets = q.Boundary.Format(time.RFC3339)
		}
		if q.Stale {
			resets += " (passed)"
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", q.Kind, q.Count, q.Cap, resets)
	}
	return tw.Flush()
}

// Check loads and validates a config file and describes the effective pacing.
func Check(cfgPath string, w io.Writer) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	set, err := config.Resolve(cfg)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "config ok: %s\n", cfgPath)
	for _, a := range set.Actions {
		fmt.Fprintf(w, "  %-7s interval %s cap %d", a.Kind, a.Interval, a.DailyCap)
		if a.RatePerMinute > 0 {
			fmt.Fprintf(w, " ceiling %.1f/min", a.RatePerMinute)
		}
		fmt.Fprintln(w)
	}
	if set.BreakEvery > 0 {
		fmt.Fprintf(w, "  micro-break every %d for %s\n", set.BreakEvery, set.BreakLen)
	}
	if set.SessionsEnabled {
		ws := make([]string, 0, len(set.Windows))
		for _, r := range set.Windows {
			ws = append(ws, r.String())
		}
		line := fmt.Sprintf("  sessions %s [%s]", set.Location, strings.Join(ws, " "))
		if set.Blackout != nil {
			line += " blackout " + set.Blackout.String()
		}
		fmt.Fprintln(w, line)
	}
	fmt.Fprintf(w, "  dedup %s, storage %s, simulation %v\n", set.DedupScope, set.Storage.Driver, set.Simulation)
	return nil
}
