package queries

import (
	"context"
	"math/rand"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "cadencebot/pkg/logx"
)

const (
	debounceDelay      = 250 * time.Millisecond
	restartBackoffBase = 250 * time.Millisecond
	restartBackoffMax  = 5 * time.Second
)

// EventReloaded is the bus event type for a changed query list.
const EventReloaded = "queries.reloaded"

// Reloaded is the payload of EventReloaded.
type Reloaded struct {
	Count   int `json:"count"`
	Reloads int `json:"reloads"`
}

// Watcher holds the current query list and reloads it when the file changes.
// A reload that fails or yields nothing keeps the previous list.
type Watcher struct {
	path string
	log  logx.Logger

	mu      sync.RWMutex
	current []string
	reloads int

	onChange func([]string)
}

// NewWatcher loads path once. The initial load must succeed.
func NewWatcher(path string, log logx.Logger) (*Watcher, error) {
	qs, err := Load(path)
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Watcher{path: path, log: log, current: qs}, nil
}

// Static returns a Watcher over a fixed list; Watch on it is a no-op.
func Static(qs []string) *Watcher {
	return &Watcher{current: dedupe(qs), log: logx.Nop()}
}

// Current returns a copy of the latest list.
func (w *Watcher) Current() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return slices.Clone(w.current)
}

// Reloads counts successful reloads since start.
func (w *Watcher) Reloads() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.reloads
}

// OnChange registers a callback run after each successful reload. Set it before Watch.
func (w *Watcher) OnChange(fn func([]string)) { w.onChange = fn }

// Reload re-reads the file now. It reports whether the list changed.
func (w *Watcher) Reload() (bool, error) {
	if w.path == "" {
		return false, nil
	}
	qs, err := Load(w.path)
	if err != nil {
		return false, err
	}
	w.mu.Lock()
	if slices.Equal(qs, w.current) {
		w.mu.Unlock()
		return false, nil
	}
	w.current = qs
	w.reloads++
	w.mu.Unlock()

	if w.onChange != nil {
		w.onChange(slices.Clone(qs))
	}
	return true, nil
}

// Watch follows the file until ctx is done. The fsnotify watcher is recreated
// with jittered backoff whenever it breaks (editors that rename-replace files
// and some platforms close it unexpectedly).
func (w *Watcher) Watch(ctx context.Context) error {
	if w.path == "" {
		<-ctx.Done()
		return nil
	}
	dir := filepath.Dir(w.path)
	file := filepath.Base(w.path)

	backoff := restartBackoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	nextWait := func() time.Duration {
		wait := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		if backoff < restartBackoffMax {
			backoff *= 2
			if backoff > restartBackoffMax {
				backoff = restartBackoffMax
			}
		}
		return wait
	}

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounceDelay, func() {
			if ctx.Err() != nil {
				return
			}
			changed, err := w.Reload()
			if err != nil {
				w.log.Warn("queries reload failed; keeping previous list", logx.String("path", w.path), logx.Err(err))
				return
			}
			if changed {
				w.log.Info("queries reloaded", logx.String("path", w.path), logx.Int("count", len(w.Current())))
			}
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}

		fw, err := fsnotify.NewWatcher()
		if err == nil {
			if err = fw.Add(dir); err != nil {
				_ = fw.Close()
			}
		}
		if err != nil {
			wait := nextWait()
			w.log.Warn("queries watch init failed", logx.String("dir", dir), logx.Duration("retry_in", wait), logx.Err(err))
			if !sleep(ctx, wait) {
				return nil
			}
			continue
		}

		backoff = restartBackoffBase
		w.log.Debug("queries watcher started", logx.String("dir", dir), logx.String("file", file))

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = fw.Close()
				return nil
			case ev, ok := <-fw.Events:
				if !ok {
					broken = true
					break
				}
				if strings.EqualFold(filepath.Base(ev.Name), file) &&
					ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					debounce()
				}
			case err, ok := <-fw.Errors:
				if !ok {
					broken = true
					break
				}
				if err == nil {
					continue
				}
				msg := strings.ToLower(err.Error())
				if strings.Contains(msg, "overflow") {
					w.log.Warn("queries watch overflow; forcing reload", logx.Err(err))
					debounce()
					continue
				}
				w.log.Warn("queries watch error", logx.String("dir", dir), logx.Err(err))
				if strings.Contains(msg, "closed") {
					broken = true
				}
			}
		}

		_ = fw.Close()
		wait := nextWait()
		w.log.Warn("queries watcher stopped; restarting", logx.String("dir", dir), logx.Duration("backoff", wait))
		if !sleep(ctx, wait) {
			return nil
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
