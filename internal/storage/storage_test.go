package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "cadencebot/pkg/logx"
)

func openBoth(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	return map[string]func(t *testing.T) Store{
		"file": func(t *testing.T) Store {
			st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state")}, logx.Nop())
			if err != nil {
				t.Fatalf("open file store: %v", err)
			}
			return st
		},
		"sqlite": func(t *testing.T) Store {
			st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "state.db")}, logx.Nop())
			if err != nil {
				t.Fatalf("open sqlite store: %v", err)
			}
			return st
		},
	}
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("Open(%q) = (%v, %v), want (nil, nil)", driver, st, err)
		}
	}
	if _, err := Open(Config{Driver: "bogus"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestSeenIdempotentAndLoad(t *testing.T) {
	t.Parallel()
	for name, open := range openBoth(t) {
		name, open := name, open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := open(t)
			defer st.Close()

			now := time.Now()
			for i := 0; i < 2; i++ {
				if err := st.PutSeen(ctx, "like:42", now); err != nil {
					t.Fatalf("PutSeen: %v", err)
				}
			}
			ok, err := st.HasSeen(ctx, "like:42")
			if err != nil || !ok {
				t.Fatalf("HasSeen = (%v, %v), want true", ok, err)
			}
			ok, err = st.HasSeen(ctx, "like:43")
			if err != nil || ok {
				t.Fatalf("HasSeen(unknown) = (%v, %v), want false", ok, err)
			}
			all, err := st.LoadSeen(ctx)
			if err != nil {
				t.Fatalf("LoadSeen: %v", err)
			}
			if len(all) != 1 {
				t.Fatalf("LoadSeen len = %d, want 1", len(all))
			}
		})
	}
}

func TestQuotaUpsert(t *testing.T) {
	t.Parallel()
	for name, open := range openBoth(t) {
		name, open := name, open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := open(t)
			defer st.Close()

			b := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
			_ = st.PutQuota(ctx, QuotaRecord{Kind: "like", Count: 1, Boundary: b})
			_ = st.PutQuota(ctx, QuotaRecord{Kind: "like", Count: 2, Boundary: b})
			_ = st.PutQuota(ctx, QuotaRecord{Kind: "follow", Count: 5, Boundary: b})

			recs, err := st.LoadQuota(ctx)
			if err != nil {
				t.Fatalf("LoadQuota: %v", err)
			}
			if len(recs) != 2 {
				t.Fatalf("LoadQuota len = %d, want 2", len(recs))
			}
			if recs[0].Kind != "follow" || recs[1].Kind != "like" || recs[1].Count != 2 {
				t.Fatalf("unexpected records: %+v", recs)
			}
			if !recs[1].Boundary.Equal(b) {
				t.Fatalf("boundary = %v, want %v", recs[1].Boundary, b)
			}
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state")

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := st.PutSeen(ctx, "x", time.Now()); err != nil {
		t.Fatalf("PutSeen: %v", err)
	}
	if err := st.PutQuota(ctx, QuotaRecord{Kind: "like", Count: 3, Boundary: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("PutQuota: %v", err)
	}
	// No Close: simulate a crash right after the write returned.

	st2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()
	ok, _ := st2.HasSeen(ctx, "x")
	if !ok {
		t.Fatal("seen record lost across reopen")
	}
	recs, _ := st2.LoadQuota(ctx)
	if len(recs) != 1 || recs[0].Count != 3 {
		t.Fatalf("quota lost across reopen: %+v", recs)
	}
}

func TestFileStoreSkipsTornJournalLine(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "state")

	journal := filepath.Join(dir, "state.seen.journal.jsonl")
	data := "{\"key\":\"a\",\"at\":1}\n{\"key\":\"b\",\"at"
	if err := os.WriteFile(journal, []byte(data), 0o600); err != nil {
		t.Fatalf("write journal: %v", err)
	}

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()
	if ok, _ := st.HasSeen(ctx, "a"); !ok {
		t.Fatal("expected key a to be replayed")
	}
	if ok, _ := st.HasSeen(ctx, "b"); ok {
		t.Fatal("torn record should not be replayed")
	}
}

func TestFileStoreAppendsAfterTornTail(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tests := []struct {
		name    string
		journal string
		kept    string
	}{
		{name: "only torn record", journal: "{\"key\":\"a\",\"at\":1"},
		{name: "complete then torn", journal: "{\"key\":\"a\",\"at\":1}\n{\"key\":\"c\",\"at\":2", kept: "a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			path := filepath.Join(dir, "state")
			journal := filepath.Join(dir, "state.seen.journal.jsonl")
			if err := os.WriteFile(journal, []byte(tt.journal), 0o600); err != nil {
				t.Fatalf("write journal: %v", err)
			}

			st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			if err := st.PutSeen(ctx, "like:b", time.Now()); err != nil {
				t.Fatalf("PutSeen: %v", err)
			}
			_ = st.Close()

			st2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
			if err != nil {
				t.Fatalf("reopen: %v", err)
			}
			defer st2.Close()
			if ok, _ := st2.HasSeen(ctx, "like:b"); !ok {
				b, _ := os.ReadFile(journal)
				t.Fatalf("like:b lost after reopen; journal %q", b)
			}
			if tt.kept != "" {
				if ok, _ := st2.HasSeen(ctx, tt.kept); !ok {
					t.Fatalf("%s lost after reopen", tt.kept)
				}
			}
			all, _ := st2.LoadSeen(ctx)
			want := 1
			if tt.kept != "" {
				want = 2
			}
			if len(all) != want {
				t.Fatalf("LoadSeen = %v, want %d keys", all, want)
			}
		})
	}
}

func TestFileStoreCompaction(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state")

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	now := time.Now()
	for i := 0; i < compactEvery+3; i++ {
		if err := st.PutSeen(ctx, "k"+time.Duration(i).String(), now); err != nil {
			t.Fatalf("PutSeen: %v", err)
		}
	}
	_ = st.Close()

	st2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()
	all, _ := st2.LoadSeen(ctx)
	if len(all) != compactEvery+3 {
		t.Fatalf("LoadSeen len = %d, want %d", len(all), compactEvery+3)
	}
}

func TestSQLiteDurabilityPragmas(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "state.db"), BusyTimeout: 1500 * time.Millisecond}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()
	db := st.(*sqliteStore).db

	var sync, busy int
	var mode string
	if err := db.QueryRow("PRAGMA synchronous").Scan(&sync); err != nil {
		t.Fatalf("synchronous: %v", err)
	}
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("journal_mode: %v", err)
	}
	if err := db.QueryRow("PRAGMA busy_timeout").Scan(&busy); err != nil {
		t.Fatalf("busy_timeout: %v", err)
	}
	if sync != 2 || mode != "wal" || busy != 1500 {
		t.Fatalf("pragmas = synchronous %d, journal_mode %q, busy_timeout %d", sync, mode, busy)
	}
}
