package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "cadencebot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		// FULL: a committed seen row survives power loss, not just a process crash.
		"PRAGMA synchronous = FULL",
	}
	if cfg.BusyTimeout > 0 {
		pragmas = append([]string{fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds())}, pragmas...)
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite %q: %w", p, err)
		}
	}

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, kind, item_id, target, query, result, err, took_ms, simulated)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.Kind, e.ItemID, e.Target, nullStr(e.Query),
		e.Result, nullStr(e.Error), e.TookMS, e.Simulated,
	)
	return err
}

func (s *sqliteStore) PutSeen(ctx context.Context, key string, at time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO seen(key, at) VALUES(?,?) ON CONFLICT(key) DO NOTHING`,
		key, at.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) HasSeen(ctx context.Context, key string) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return false, nil
	}
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM seen WHERE key = ?`, key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqliteStore) LoadSeen(ctx context.Context) (map[string]time.Time, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, `SELECT key, at FROM seen`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]time.Time{}
	for rows.Next() {
		var (
			key string
			ms  int64
		)
		if err := rows.Scan(&key, &ms); err != nil {
			return nil, err
		}
		out[key] = time.UnixMilli(ms)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutQuota(ctx context.Context, q QuotaRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if strings.TrimSpace(q.Kind) == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO quota(kind, count, boundary) VALUES(?,?,?)
		 ON CONFLICT(kind) DO UPDATE SET count=excluded.count, boundary=excluded.boundary`,
		q.Kind, q.Count, q.Boundary.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) LoadQuota(ctx context.Context) ([]QuotaRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, `SELECT kind, count, boundary FROM quota ORDER BY kind`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []QuotaRecord
	for rows.Next() {
		var (
			r  QuotaRecord
			ms int64
		)
		if err := rows.Scan(&r.Kind, &r.Count, &ms); err != nil {
			return nil, err
		}
		r.Boundary = time.UnixMilli(ms)
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
