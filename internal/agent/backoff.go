package agent

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// RetryPolicy bounds Source retries within one cycle.
type RetryPolicy struct {
	Max      int           // retries after the first attempt
	Base     time.Duration // first delay; doubles per retry
	MaxDelay time.Duration
	Jitter   float64 // fraction, e.g. 0.2 = +/-20%
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Max < 0 {
		p.Max = 0
	}
	if p.Base <= 0 {
		p.Base = 2 * time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 2 * time.Minute
	}
	if p.Jitter <= 0 {
		p.Jitter = 0.2
	}
	return p
}

func backoffDelayWithHint(p RetryPolicy, retry int, err error, rng *rand.Rand) time.Duration {
	p = p.withDefaults()
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		d := ra.RetryAfter()
		if d < 0 {
			d = 0
		}
		if d > p.MaxDelay {
			d = p.MaxDelay
		}
		return clampDelay(jitter(d, p.Jitter, rng), p.MaxDelay)
	}
	return backoffDelay(p, retry, rng)
}

func backoffDelay(p RetryPolicy, retry int, rng *rand.Rand) time.Duration {
	p = p.withDefaults()
	d := p.Base
	for i := 1; i < retry; i++ {
		d *= 2
		if d > p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	return clampDelay(jitter(d, p.Jitter, rng), p.MaxDelay)
}

func jitter(d time.Duration, j float64, rng *rand.Rand) time.Duration {
	if j <= 0 || d <= 0 || rng == nil {
		return d
	}
	r := (rng.Float64()*2 - 1) * j
	d = time.Duration(float64(d) * (1 + r))
	if d < 0 {
		d = 0
	}
	return d
}

func clampDelay(d, maxD time.Duration) time.Duration {
	if d > maxD {
		return maxD
	}
	return d
}

// SleepContext waits for d or until ctx is done, whichever comes first.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
