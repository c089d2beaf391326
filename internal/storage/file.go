package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "cadencebot/pkg/logx"
)

// compactEvery controls how many journal appends happen between snapshot compactions.
const compactEvery = 1000

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.audit.jsonl         (append-only JSON Lines)
//   - <prefix>.seen.snapshot.json  (periodic snapshot)
//   - <prefix>.seen.journal.jsonl  (append-only journal, fsync'd per record)
//   - <prefix>.quota.json          (rewritten atomically on every change)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditFile *os.File

	seenSnapshotPath string
	seenJournalFile  *os.File
	seen             map[string]int64 // unix milli

	quotaPath string
	quota     map[string]QuotaRecord

	seenWrites int
}

type seenRecord struct {
	Key string `json:"key"`
	At  int64  `json:"at"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	auditPath := prefix + ".audit.jsonl"
	snapPath := prefix + ".seen.snapshot.json"
	journalPath := prefix + ".seen.journal.jsonl"
	quotaPath := prefix + ".quota.json"

	af, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	// Load seen set from snapshot + journal. A missing file is a fresh start;
	// a corrupt snapshot is an error because silently forgetting processed ids
	// would re-act on them.
	seen := map[string]int64{}
	if err := loadSeenSnapshot(snapPath, seen); err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = af.Close()
		return nil, err
	}
	good, err := replaySeenJournal(journalPath, seen, log)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = af.Close()
		return nil, err
	}

	quota := map[string]QuotaRecord{}
	if err := loadQuotaFile(quotaPath, quota); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("quota state unreadable; starting from zero", logx.String("path", quotaPath), logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}
	// Cut a torn tail so the next record starts on its own line.
	if err := truncateTo(jf, good); err != nil {
		_ = jf.Close()
		_ = af.Close()
		return nil, err
	}

	return &fileStore{
		log:              log,
		auditFile:        af,
		seenSnapshotPath: snapPath,
		seenJournalFile:  jf,
		seen:             seen,
		quotaPath:        quotaPath,
		quota:            quota,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.auditFile != nil {
		err1 = s.auditFile.Close()
		s.auditFile = nil
	}
	if s.seenJournalFile != nil {
		err2 = s.seenJournalFile.Close()
		s.seenJournalFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) PutSeen(ctx context.Context, key string, at time.Time) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seenJournalFile == nil {
		return errors.New("seen journal closed")
	}
	if _, ok := s.seen[key]; ok {
		return nil
	}

	ms := at.UnixMilli()
	b, err := json.Marshal(seenRecord{Key: key, At: ms})
	if err != nil {
		return err
	}
	st, err := s.seenJournalFile.Stat()
	if err != nil {
		return err
	}
	start := st.Size()
	_, err = s.seenJournalFile.Write(append(b, '\n'))
	if err == nil {
		// The record must survive a crash right after we return.
		err = s.seenJournalFile.Sync()
	}
	if err != nil {
		if terr := truncateTo(s.seenJournalFile, start); terr != nil {
			s.log.Error("seen journal rollback failed", logx.Int64("offset", start), logx.Err(terr))
		}
		return err
	}
	s.seen[key] = ms

	s.seenWrites++
	if s.seenWrites%compactEvery == 0 {
		// Best-effort compact; the journal alone is still authoritative.
		if err := s.compactLocked(); err != nil {
			s.log.Warn("seen compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) HasSeen(ctx context.Context, key string) (bool, error) {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[key]
	return ok, nil
}

func (s *fileStore) LoadSeen(ctx context.Context) (map[string]time.Time, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.seen))
	for k, ms := range s.seen {
		out[k] = time.UnixMilli(ms)
	}
	return out, nil
}

func (s *fileStore) PutQuota(ctx context.Context, q QuotaRecord) error {
	_ = ctx
	if strings.TrimSpace(q.Kind) == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quota[q.Kind] = q

	recs := make([]QuotaRecord, 0, len(s.quota))
	for _, r := range s.quota {
		recs = append(recs, r)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Kind < recs[j].Kind })
	return writeJSONAtomic(s.quotaPath, recs)
}

func (s *fileStore) LoadQuota(ctx context.Context) ([]QuotaRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]QuotaRecord, 0, len(s.quota))
	for _, r := range s.quota {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out, nil
}

func (s *fileStore) compactLocked() error {
	if err := writeJSONAtomic(s.seenSnapshotPath, s.seen); err != nil {
		return err
	}
	// Snapshot is durable; the journal can start over.
	if err := s.seenJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err := s.seenJournalFile.Seek(0, 2)
	return err
}

// truncateTo shrinks f to size when it is longer and syncs the result.
func truncateTo(f *os.File, size int64) error {
	st, err := f.Stat()
	if err != nil {
		return err
	}
	if st.Size() <= size {
		return nil
	}
	if err := f.Truncate(size); err != nil {
		return err
	}
	return f.Sync()
}

// writeJSONAtomic writes v to path via a synced temp file + rename.
func writeJSONAtomic(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(v); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func loadSeenSnapshot(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]int64
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

// replaySeenJournal loads every complete record and returns the offset just
// past the last newline. Bytes after it are a torn tail from an interrupted write.
func replaySeenJournal(path string, out map[string]int64, log logx.Logger) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	r := bufio.NewReader(f)
	var good int64
	line := 0
	for {
		b, err := r.ReadBytes('\n')
		if err == io.EOF {
			if len(bytes.TrimSpace(b)) > 0 {
				log.Warn("seen journal: dropping torn tail", logx.String("path", path), logx.Int("bytes", len(b)))
			}
			return good, nil
		}
		if err != nil {
			return good, err
		}
		good += int64(len(b))
		line++
		var rec seenRecord
		if err := json.Unmarshal(b, &rec); err != nil {
			log.Warn("seen journal: skipping bad record", logx.String("path", path), logx.Int("line", line), logx.Err(err))
			continue
		}
		if rec.Key == "" {
			continue
		}
		out[rec.Key] = rec.At
	}
}

func loadQuotaFile(path string, out map[string]QuotaRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var recs []QuotaRecord
	if err := json.NewDecoder(f).Decode(&recs); err != nil {
		return err
	}
	for _, r := range recs {
		if r.Kind != "" {
			out[r.Kind] = r
		}
	}
	return nil
}
