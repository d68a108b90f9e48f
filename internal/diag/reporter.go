// Package diag deduplicates and rate-limits warnings so that a missing
// library hit on every call of a tight loop produces one log line per
// window instead of one per call.
package diag

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultWindow is the minimum silence between identical warnings.
const DefaultWindow = time.Second

type recordKey struct {
	context string
	err     string
}

// Reporter emits warnings through zap, suppressing a (context, error) pair
// that was already emitted within the window. Records idle for longer than
// the window are pruned on the next report.
type Reporter struct {
	logger *zap.Logger
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	seen    map[recordKey]time.Time
	muted   int
	dropped int
}

// Option configures a Reporter.
type Option func(*Reporter)

// WithWindow overrides the suppression window.
func WithWindow(d time.Duration) Option {
	return func(r *Reporter) { r.window = d }
}

// WithClock injects a clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Reporter) { r.now = now }
}

// NewReporter creates a Reporter. A nil logger reports nothing but still
// tracks suppression state.
func NewReporter(logger *zap.Logger, opts ...Option) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Reporter{
		logger: logger,
		window: DefaultWindow,
		now:    time.Now,
		seen:   make(map[recordKey]time.Time),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Warn reports err for context. Returns true if a warning was emitted,
// false if it was suppressed as a duplicate or by an active Mute.
func (r *Reporter) Warn(context string, err error) bool {
	if err == nil {
		return false
	}
	key := recordKey{context: context, err: err.Error()}
	now := r.now()

	r.mu.Lock()
	if r.muted > 0 {
		r.dropped++
		r.mu.Unlock()
		return false
	}
	r.pruneLocked(now)
	if last, ok := r.seen[key]; ok && now.Sub(last) < r.window {
		r.mu.Unlock()
		return false
	}
	r.seen[key] = now
	r.mu.Unlock()

	r.logger.Warn("autoload", zap.String("context", context), zap.Error(err))
	return true
}

// Mute suppresses all warnings until the returned function is called.
// Used by batch operations (index rebuilds) that would otherwise repeat
// the same per-file noise; the unmute logs how many reports were dropped.
func (r *Reporter) Mute() func() {
	r.mu.Lock()
	r.muted++
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		r.muted--
		dropped := 0
		if r.muted == 0 {
			dropped, r.dropped = r.dropped, 0
		}
		r.mu.Unlock()
		if dropped > 0 {
			r.logger.Warn("autoload", zap.Int("suppressed_warnings", dropped))
		}
	}
}

func (r *Reporter) pruneLocked(now time.Time) {
	for key, last := range r.seen {
		if now.Sub(last) >= r.window {
			delete(r.seen, key)
		}
	}
}
