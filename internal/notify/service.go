package notify

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"cadencebot/internal/eventbus"
	logx "cadencebot/pkg/logx"
)

var ErrQueueFull = errors.New("notify queue full")

// Sender delivers one message.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// Config controls the delivery pipeline.
type Config struct {
	Events        []string // empty means DefaultEvents
	QueueSize     int
	RatePerMinute float64
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
	// DedupWindow suppresses identical messages sent within the window.
	DedupWindow time.Duration
}

func (c Config) withDefaults() Config {
	if len(c.Events) == 0 {
		c.Events = DefaultEvents
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.RatePerMinute <= 0 {
		c.RatePerMinute = 20
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.DedupWindow < 0 {
		c.DedupWindow = 0
	}
	return c
}

// Service subscribes to the bus and delivers formatted events through a Sender.
type Service struct {
	cfg     Config
	sender  Sender
	bus     eventbus.Bus
	log     logx.Logger
	limiter *rate.Limiter
	now     func() time.Time

	queue chan string

	mu    sync.Mutex
	dedup map[string]time.Time
	sent  int
	lost  int
}

func New(cfg Config, sender Sender, bus eventbus.Bus, log logx.Logger) *Service {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg,
		sender:  sender,
		bus:     bus,
		log:     log.With(logx.String("comp", "notify")),
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerMinute/60), 1),
		now:     time.Now,
		queue:   make(chan string, cfg.QueueSize),
		dedup:   map[string]time.Time{},
	}
}

// Run forwards events until ctx is done, then drains what is already queued
// with one send timeout per message.
func (s *Service) Run(ctx context.Context) error {
	ch, unsub := s.bus.Subscribe(s.cfg.QueueSize, s.cfg.Events...)
	defer unsub()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.worker(ctx)
	}()

	s.log.Info("notifier started", logx.Any("events", s.cfg.Events))
	defer func() {
		close(s.queue)
		wg.Wait()
	}()
	for {
		select {
		case <-ctx.Done():
			// Events published just before shutdown (a halt notice) still go out.
			for {
				select {
				case e, ok := <-ch:
					if !ok {
						return nil
					}
					s.forward(e)
				default:
					return nil
				}
			}
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			s.forward(e)
		}
	}
}

func (s *Service) forward(e eventbus.Event) {
	text, ok := Format(e)
	if !ok {
		return
	}
	if err := s.Enqueue(text); err != nil {
		s.log.Warn("notification dropped", logx.String("type", e.Type), logx.Err(err))
	}
}

// Enqueue queues text unless an identical message went out within the dedup
// window. It must not be called after Run returns.
func (s *Service) Enqueue(text string) error {
	if !s.allow(text) {
		return nil
	}
	select {
	case s.queue <- text:
		return nil
	default:
		s.mu.Lock()
		s.lost++
		s.mu.Unlock()
		return ErrQueueFull
	}
}

// Stats reports delivered and lost message counts.
func (s *Service) Stats() (sent, lost int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent, s.lost
}

func (s *Service) worker(ctx context.Context) {
	for text := range s.queue {
		if ctx.Err() != nil {
			// Drain with a short grace so a halt notice still goes out.
			dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.SendTimeout)
			s.deliver(dctx, text)
			cancel()
			continue
		}
		s.deliver(ctx, text)
	}
}

func (s *Service) deliver(ctx context.Context, text string) {
	rng := rand.New(rand.NewSource(s.now().UnixNano()))
	attempts := 1 + s.cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := s.limiter.Wait(ctx); err != nil {
			lastErr = err
			break
		}
		cctx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
		err := s.sender.Send(cctx, text)
		cancel()
		if err == nil {
			s.mu.Lock()
			s.sent++
			s.mu.Unlock()
			return
		}
		lastErr = err
		s.log.Debug("notify send failed", logx.Int("attempt", attempt), logx.Int("max", attempts), logx.Err(err))
		if attempt == attempts {
			break
		}
		if !sleep(ctx, s.retryDelay(attempt, rng)) {
			break
		}
	}
	s.mu.Lock()
	s.lost++
	s.mu.Unlock()
	s.log.Warn("notification not delivered", logx.Int("attempts", attempts), logx.Err(lastErr))
}

// retryDelay is base * 2^(attempt-1), jittered to 0.7..1.3 and capped.
func (s *Service) retryDelay(attempt int, rng *rand.Rand) time.Duration {
	d := s.cfg.RetryBase
	for i := 1; i < attempt && d < s.cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rng.Float64()*0.6))
	return min(d, s.cfg.RetryMaxDelay)
}

func (s *Service) allow(text string) bool {
	if s.cfg.DedupWindow <= 0 {
		return true
	}
	key := dedupKey(text)
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	s.dedup[key] = now.Add(s.cfg.DedupWindow)
	return true
}

func dedupKey(text string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	return fmt.Sprintf("%x", h.Sum64())
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
