package supervisor

import (
	"math/rand"
	"time"
)

// Backoff sizes reconnect delays: exponential doubling from Base capped at
// Max, with up to 50% jitter added on top. The deterministic floor grows
// monotonically with the retry count.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

func DefaultBackoff() Backoff {
	return Backoff{Base: 2 * time.Second, Max: 5 * time.Minute}
}

// Delay returns the wait before reconnect attempt number retry (1-based).
func (b Backoff) Delay(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	base := b.Base
	if base <= 0 {
		base = 2 * time.Second
	}
	max := b.Max
	if max <= 0 {
		max = 5 * time.Minute
	}
	d := base
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(d)/2 + 1))
	if d+jitter > max {
		return max
	}
	return d + jitter
}
