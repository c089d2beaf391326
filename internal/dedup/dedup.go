// Package dedup records which items have already been acted on, so neither
// a running process nor a restarted one repeats an action.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"cadencebot/internal/storage"
	logx "cadencebot/pkg/logx"
)

// ErrStorage wraps every backend failure surfaced by Set.
var ErrStorage = errors.New("dedup storage error")

// Scope controls how marks are keyed.
type Scope string

const (
	// ScopeGlobal keys by item id: one mark blocks every action kind.
	ScopeGlobal Scope = "global"
	// ScopePerKind keys by kind and target: "like:<tweet>" and "follow:<author>" are independent.
	ScopePerKind Scope = "per_kind"
)

// ParseScope accepts "", "global" and "per_kind".
func ParseScope(s string) (Scope, error) {
	switch Scope(strings.ToLower(strings.TrimSpace(s))) {
	case "", ScopeGlobal:
		return ScopeGlobal, nil
	case ScopePerKind, "per-kind", "perkind":
		return ScopePerKind, nil
	default:
		return "", fmt.Errorf("unknown dedup scope %q (want global or per_kind)", s)
	}
}

// Set is the in-memory view of the processed-id set, written through to a
// durable backend. A nil backend keeps marks for the process lifetime only.
type Set struct {
	backend storage.Store
	scope   Scope
	log     logx.Logger
	now     func() time.Time

	mu      sync.RWMutex
	marks   map[string]time.Time
	pending map[string]time.Time // marked in memory, not yet durable
}

// New builds a set over backend.
func New(backend storage.Store, scope Scope, log logx.Logger) *Set {
	if scope == "" {
		scope = ScopeGlobal
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Set{
		backend: backend,
		scope:   scope,
		log:     log,
		now:     time.Now,
		marks:   map[string]time.Time{},
		pending: map[string]time.Time{},
	}
}

// Scope reports the keying policy.
func (s *Set) Scope() Scope { return s.scope }

// Key returns the record key for a (kind, item, target) triple under the set's scope.
func (s *Set) Key(kind, itemID, target string) string {
	if s.scope == ScopePerKind {
		return kind + ":" + target
	}
	return itemID
}

// Load replaces the in-memory view with the backend contents.
func (s *Set) Load(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}
	all, err := s.backend.LoadSeen(ctx)
	if err != nil {
		return fmt.Errorf("%w: load: %w", ErrStorage, err)
	}
	s.mu.Lock()
	s.marks = all
	if s.marks == nil {
		s.marks = map[string]time.Time{}
	}
	for k, at := range s.pending {
		s.marks[k] = at
	}
	s.mu.Unlock()
	return nil
}

// Has reports whether the triple is already marked.
//
// A backend error is returned wrapped in ErrStorage together with false:
// callers treat the item as not marked and re-evaluate it.
func (s *Set) Has(ctx context.Context, kind, itemID, target string) (bool, error) {
	key := s.Key(kind, itemID, target)
	if key == "" {
		return false, nil
	}
	s.mu.RLock()
	_, ok := s.marks[key]
	s.mu.RUnlock()
	if ok || s.backend == nil {
		return ok, nil
	}

	ok, err := s.backend.HasSeen(ctx, key)
	if err != nil {
		return false, fmt.Errorf("%w: has %q: %w", ErrStorage, key, err)
	}
	if ok {
		s.mu.Lock()
		if _, exists := s.marks[key]; !exists {
			s.marks[key] = s.now()
		}
		s.mu.Unlock()
	}
	return ok, nil
}

// Mark records the triple. It is idempotent and durable before it returns nil.
//
// On a backend error the mark is still kept in memory (this process will not
// repeat the action) and queued for Flush; the error is returned wrapped in ErrStorage.
func (s *Set) Mark(ctx context.Context, kind, itemID, target string) error {
	key := s.Key(kind, itemID, target)
	if key == "" {
		return nil
	}
	at := s.now()

	s.mu.Lock()
	if _, ok := s.marks[key]; ok {
		_, queued := s.pending[key]
		s.mu.Unlock()
		if !queued {
			return nil
		}
		return s.Flush(ctx)
	}
	s.marks[key] = at
	s.mu.Unlock()

	if s.backend == nil {
		return nil
	}
	if err := s.backend.PutSeen(ctx, key, at); err != nil {
		s.mu.Lock()
		s.pending[key] = at
		s.mu.Unlock()
		s.log.Error("dedup mark not persisted",
			logx.String("key", key),
			logx.String("kind", kind),
			logx.Err(err),
		)
		return fmt.Errorf("%w: mark %q: %w", ErrStorage, key, err)
	}
	return nil
}

// Flush retries marks whose earlier write failed.
func (s *Set) Flush(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}
	s.mu.Lock()
	keys := make([]string, 0, len(s.pending))
	for k := range s.pending {
		keys = append(keys, k)
	}
	s.mu.Unlock()
	sort.Strings(keys)

	var errs []error
	for _, k := range keys {
		s.mu.RLock()
		at, ok := s.pending[k]
		s.mu.RUnlock()
		if !ok {
			continue
		}
		if err := s.backend.PutSeen(ctx, k, at); err != nil {
			errs = append(errs, fmt.Errorf("%w: flush %q: %w", ErrStorage, k, err))
			continue
		}
		s.mu.Lock()
		delete(s.pending, k)
		s.mu.Unlock()
	}
	return errors.Join(errs...)
}

// Len returns the number of marks known to this process.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.marks)
}

// Pending returns how many marks still await a durable write.
func (s *Set) Pending() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending)
}
