package fetcher

import (
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrHostOpen is returned when a host's breaker is rejecting requests.
var ErrHostOpen = eris.New("fetcher: host circuit open")

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerClosed:
		return "closed"
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// hostBreaker tracks consecutive failures for one host. After the threshold
// the host is skipped until the reset timeout elapses, then a single probe
// request decides whether it closes again.
type hostBreaker struct {
	threshold int
	reset     time.Duration

	mu          sync.Mutex
	state       breakerState
	failures    int
	lastFailure time.Time
	nowFunc     func() time.Time
}

func newHostBreaker(threshold int, reset time.Duration) *hostBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if reset <= 0 {
		reset = 60 * time.Second
	}
	return &hostBreaker{threshold: threshold, reset: reset, nowFunc: time.Now}
}

// allow reports whether a request may go through. In open state it admits
// one probe once the reset timeout has elapsed.
func (b *hostBreaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed, breakerHalfOpen:
		return true
	case breakerOpen:
		if b.nowFunc().Sub(b.lastFailure) >= b.reset {
			b.state = breakerHalfOpen
			return true
		}
		return false
	}
	return true
}

func (b *hostBreaker) record(host string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		if b.state != breakerClosed {
			zap.L().Info("fetcher: host recovered", zap.String("host", host))
		}
		b.state = breakerClosed
		b.failures = 0
		return
	}

	b.failures++
	b.lastFailure = b.nowFunc()
	if b.state == breakerHalfOpen || b.failures >= b.threshold {
		if b.state != breakerOpen {
			zap.L().Warn("fetcher: host circuit opened",
				zap.String("host", host),
				zap.Int("failures", b.failures))
		}
		b.state = breakerOpen
	}
}

// breakerFor returns the circuit breaker for a host, creating it on first use.
func (f *Fetcher) breakerFor(host string) *hostBreaker {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.breakers[host]
	if !ok {
		b = newHostBreaker(f.opts.BreakerThreshold, f.opts.BreakerReset)
		f.breakers[host] = b
	}
	return b
}
