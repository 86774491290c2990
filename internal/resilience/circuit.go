package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// ErrOpenCircuit is returned when the circuit breaker refuses a request.
var ErrOpenCircuit = errors.New("resilience: circuit breaker open")

var nopBreakerLog = zerolog.Nop()

// State is the breaker position.
type State int

const (
	// Closed passes traffic through while counting outcomes.
	Closed State = iota
	// Open short-circuits every call until the cool-off elapses.
	Open
	// HalfOpen lets a single probe through to test recovery.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker trips open when the failure ratio over recent calls crosses a
// threshold, then probes the dependency after a cool-off. Zero value is not
// usable; construct with NewBreaker.
type Breaker struct {
	mu sync.Mutex

	state     State
	failures  int
	successes int
	openedAt  time.Time

	minRequests  int
	failureRatio float64
	openFor      time.Duration

	target string
	logger *zerolog.Logger
}

// NewBreaker builds a breaker that opens once at least minRequests outcomes
// have been seen and failures/total reaches failureRatio. Out-of-range
// arguments are clamped to sane defaults.
func NewBreaker(minRequests int, failureRatio float64, openFor time.Duration) *Breaker {
	if minRequests <= 0 {
		minRequests = 1
	}
	if failureRatio <= 0 {
		failureRatio = 0.5
	}
	if failureRatio > 1 {
		failureRatio = 1
	}
	if openFor <= 0 {
		openFor = 30 * time.Second
	}
	return &Breaker{
		state:        Closed,
		minRequests:  minRequests,
		failureRatio: failureRatio,
		openFor:      openFor,
	}
}

// WithTarget labels the breaker with the downstream dependency name used in
// metrics and transition logs.
func (b *Breaker) WithTarget(target string) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.target = strings.TrimSpace(target)
	b.gaugeLocked()
	return b
}

// WithLogger sets the fallback logger for transition events when the request
// context carries none.
func (b *Breaker) WithLogger(logger zerolog.Logger) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logger = &logger
	return b
}

// Allow reports whether a call may proceed. An open breaker whose cool-off
// has elapsed flips to half-open and admits the caller as the probe.
func (b *Breaker) Allow(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != Open {
		return true
	}
	if time.Since(b.openedAt) >= b.openFor {
		b.transitionLocked(ctx, HalfOpen)
		return true
	}
	return false
}

// Report feeds a call outcome back into the state machine.
func (b *Breaker) Report(ctx context.Context, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		return
	case HalfOpen:
		if success {
			b.transitionLocked(ctx, Closed)
		} else {
			b.transitionLocked(ctx, Open)
		}
		return
	}

	if success {
		b.successes++
	} else {
		b.failures++
	}

	total := b.failures + b.successes
	if total < b.minRequests {
		return
	}
	if float64(b.failures)/float64(total) >= b.failureRatio {
		b.transitionLocked(ctx, Open)
		return
	}
	if total > b.minRequests*2 {
		// Halve the counters so old outcomes age out of the ratio.
		b.successes = int(math.Ceil(float64(b.successes) * 0.5))
		b.failures = int(math.Ceil(float64(b.failures) * 0.5))
	}
}

// Backoff computes the exponential delay for a retry attempt, with jitterPct
// as a +/- fraction of the raw delay (0.2 means up to 20% either way).
func Backoff(base time.Duration, attempt int, jitterPct float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	delay := base * time.Duration(1<<uint(attempt-1))
	if jitterPct <= 0 {
		return delay
	}
	spread := float64(delay) * jitterPct
	return delay + time.Duration((rand.Float64()*2-1)*spread)
}

func (b *Breaker) transitionLocked(ctx context.Context, next State) {
	prev := b.state
	if prev == next {
		b.gaugeLocked()
		return
	}

	b.state = next
	switch next {
	case Open:
		b.openedAt = time.Now()
	case Closed:
		b.openedAt = time.Time{}
	}
	b.failures = 0
	b.successes = 0

	b.gaugeLocked()

	label := b.label()
	if BreakerTransitions != nil {
		BreakerTransitions.WithLabelValues(label, prev.String(), next.String()).Inc()
	}
	if next == Open && BreakerOpenedTotal != nil {
		BreakerOpenedTotal.WithLabelValues(label).Inc()
	}

	evt := b.transitionLogger(ctx).Info().
		Str("target", label).
		Str("from_state", prev.String()).
		Str("to_state", next.String())
	if span := trace.SpanContextFromContext(ctx); span.IsValid() {
		evt = evt.Str("trace_id", span.TraceID().String())
	}
	evt.Msg("breaker_transition")
}

func (b *Breaker) gaugeLocked() {
	if BreakerState == nil {
		return
	}
	var v float64
	switch b.state {
	case Closed:
		v = 0
	case Open:
		v = 1
	case HalfOpen:
		v = 2
	default:
		v = -1
	}
	BreakerState.WithLabelValues(b.label()).Set(v)
}

func (b *Breaker) label() string {
	if t := strings.TrimSpace(b.target); t != "" {
		return t
	}
	return "default"
}

func (b *Breaker) transitionLogger(ctx context.Context) *zerolog.Logger {
	if ctxLogger := zerolog.Ctx(ctx); ctxLogger != nil {
		logger := ctxLogger.With().Logger()
		return &logger
	}
	if b.logger != nil {
		return b.logger
	}
	return &nopBreakerLog
}
