// ABOUTME: Fixed-window rate limiting per (principal, action-class) pair.
// ABOUTME: Windows reset lazily on check; idle windows are swept by a background goroutine.

package ratelimit

import (
	"log/slog"
	"sync"
	"time"
)

// Action classes with distinct call budgets.
const (
	ClassGeneric        = "generic"
	ClassToolExecution  = "tools.execute"
	ClassRegistryMutate = "registry.mutate"
)

// ClassConfig is the budget for one action class.
type ClassConfig struct {
	Limit  int
	Window time.Duration
}

// DefaultClasses returns the built-in per-class budgets.
func DefaultClasses() map[string]ClassConfig {
	return map[string]ClassConfig{
		ClassGeneric:        {Limit: 100, Window: 60 * time.Second},
		ClassToolExecution:  {Limit: 20, Window: 60 * time.Second},
		ClassRegistryMutate: {Limit: 50, Window: 60 * time.Second},
	}
}

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed    bool
	Remaining  int           // valid when Allowed
	ResetAt    time.Time     // when the current window ends
	RetryAfter time.Duration // valid when !Allowed
}

// window tracks one (principal, class) budget period.
type window struct {
	mu    sync.Mutex
	start time.Time
	count int
}

// Limiter admits or rejects calls against per-class fixed windows.
// Each (principal, class) pair owns an independent window so unrelated
// principals never contend on the same lock.
type Limiter struct {
	mu      sync.RWMutex
	windows map[string]*window
	classes map[string]ClassConfig
	logger  *slog.Logger
	clock   func() time.Time

	done   chan struct{}
	closed bool
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(l *Limiter) { l.clock = clock }
}

// WithClasses replaces the default class budgets.
func WithClasses(classes map[string]ClassConfig) Option {
	return func(l *Limiter) { l.classes = classes }
}

// New creates a limiter and starts its sweep goroutine. Call Close to stop it.
func New(logger *slog.Logger, opts ...Option) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Limiter{
		windows: make(map[string]*window),
		classes: DefaultClasses(),
		logger:  logger.With("component", "ratelimit"),
		clock:   time.Now,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	go l.sweep()
	return l
}

// Check admits or rejects one call for the principal in the given class.
// Unknown classes fall back to the generic budget.
func (l *Limiter) Check(principalID, class string) Decision {
	cfg, ok := l.classes[class]
	if !ok {
		cfg = l.classes[ClassGeneric]
		class = ClassGeneric
	}

	key := principalID + "\x00" + class
	w := l.getWindow(key)

	now := l.clock()

	w.mu.Lock()
	defer w.mu.Unlock()

	if now.Sub(w.start) >= cfg.Window {
		w.start = now
		w.count = 0
	}
	w.count++

	resetAt := w.start.Add(cfg.Window)
	if w.count > cfg.Limit {
		retry := resetAt.Sub(now)
		l.logger.Debug("rate limit exceeded",
			"principal", principalID,
			"class", class,
			"retry_after", retry,
		)
		return Decision{Allowed: false, ResetAt: resetAt, RetryAfter: retry}
	}

	return Decision{Allowed: true, Remaining: cfg.Limit - w.count, ResetAt: resetAt}
}

// getWindow returns the window for a key, creating it if absent.
func (l *Limiter) getWindow(key string) *window {
	l.mu.RLock()
	w, ok := l.windows[key]
	l.mu.RUnlock()
	if ok {
		return w
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok = l.windows[key]; ok {
		return w
	}
	w = &window{start: l.clock()}
	l.windows[key] = w
	return w
}

// sweepInterval bounds memory under long-idle principals without touching
// the hot path.
const sweepInterval = time.Minute

// sweep periodically drops windows that have fully elapsed.
func (l *Limiter) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.removeExpired()
		case <-l.done:
			return
		}
	}
}

// maxWindow returns the longest configured window duration.
func (l *Limiter) maxWindow() time.Duration {
	var max time.Duration
	for _, cfg := range l.classes {
		if cfg.Window > max {
			max = cfg.Window
		}
	}
	return max
}

// removeExpired deletes windows whose period has fully elapsed.
func (l *Limiter) removeExpired() {
	cutoff := l.maxWindow()
	now := l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, w := range l.windows {
		w.mu.Lock()
		expired := now.Sub(w.start) >= cutoff
		w.mu.Unlock()
		if expired {
			delete(l.windows, key)
			removed++
		}
	}

	if removed > 0 {
		l.logger.Debug("swept expired rate windows", "removed", removed)
	}
}

// WindowCount returns the number of live windows (for monitoring).
func (l *Limiter) WindowCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.windows)
}

// Close stops the sweep goroutine. Safe to call multiple times.
func (l *Limiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.done)
	}
}
