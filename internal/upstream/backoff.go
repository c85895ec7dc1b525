package upstream

import (
	"context"
	"math/rand/v2"
	"time"
)

const (
	initialBackoff = 200 * time.Millisecond
	maxBackoff     = 30 * time.Second
)

// backoff is an exponential delay with up to one second of jitter.
type backoff struct {
	current time.Duration
	max     time.Duration
}

func newBackoff() *backoff {
	return &backoff{current: initialBackoff, max: maxBackoff}
}

// next returns the delay to use now and doubles the base for the following
// call, capped at max.
func (b *backoff) next() time.Duration {
	d := b.current + time.Duration(rand.Int64N(int64(time.Second)))
	if b.current < b.max {
		b.current = min(b.current*2, b.max)
	}
	return d
}

func (b *backoff) reset() {
	b.current = initialBackoff
}

// wait sleeps for the next delay or until ctx is done.
func (b *backoff) wait(ctx context.Context) {
	timer := time.NewTimer(b.next())
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
