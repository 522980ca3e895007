// ABOUTME: Audit sink recording every dispatched call and rolling health counters.
// ABOUTME: In-memory aggregates are bounded append/trim structures off the hot path.

package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/opal-labs/opal-gateway/internal/store"
)

// Bounds for the in-memory aggregates.
const (
	maxLatencySamples = 1024
	maxRecentErrors   = 50
	callRateWindow    = 60 * time.Second
)

// queueDepth bounds the durable-write backlog. When the writer falls this
// far behind, new records are dropped rather than stalling dispatch.
const queueDepth = 256

// Entry is one dispatched call as seen by the sink.
type Entry struct {
	PrincipalID  string
	Action       string
	ParamsDigest string
	Outcome      string // store.OutcomeOK or store.OutcomeFailed
	Duration     time.Duration
	ErrorMessage string // set when Outcome is failed
}

// ErrorEntry is one recent failure kept for operator inspection. It is
// surfaced as-is in stats responses.
type ErrorEntry struct {
	PrincipalID string    `json:"principalId"`
	Action      string    `json:"action"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
}

// Stats is a read-only snapshot of the rolling counters.
type Stats struct {
	TotalCalls     uint64
	FailedCalls    uint64
	CallsPerMinute int
	AvgLatency     time.Duration
	RecentErrors   []ErrorEntry // newest first
	LiveSessions   int
}

// queued is one unit of writer-goroutine work: a record to persist, or a
// flush marker whose channel is closed once everything ahead of it landed.
type queued struct {
	rec   *store.AuditRecord
	flush chan struct{}
}

// Sink records calls durably and maintains rolling aggregates. Durable
// writes happen on a background goroutine fed by a bounded queue, so
// dispatch never waits on the store; write failures are logged and
// swallowed. Call Close to drain the queue and stop the writer.
type Sink struct {
	store  store.Store
	logger *slog.Logger
	clock  func() time.Time

	queue   chan queued
	done    chan struct{} // closed by Close to stop the writer
	stopped chan struct{} // closed by the writer on exit

	mu          sync.Mutex
	closed      bool
	totalCalls  uint64
	failedCalls uint64
	callTimes   []time.Time     // trimmed to the last callRateWindow
	latencies   []time.Duration // capped at maxLatencySamples, oldest trimmed
	errors      []ErrorEntry    // newest first, capped at maxRecentErrors

	// sessionCount is polled at snapshot time.
	sessionCount func() int
}

// NewSink creates a sink over the durable store and starts its writer
// goroutine. Pass nil logger for default. Call Close to stop it.
func NewSink(st store.Store, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sink{
		store:   st,
		logger:  logger.With("component", "audit"),
		clock:   time.Now,
		queue:   make(chan queued, queueDepth),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go s.writer()
	return s
}

// writer persists queued records until Close, then drains what is left.
// The call's own context may be long gone by write time, so writes run
// under the background context.
func (s *Sink) writer() {
	defer close(s.stopped)
	for {
		select {
		case item := <-s.queue:
			s.write(item)
		case <-s.done:
			for {
				select {
				case item := <-s.queue:
					s.write(item)
				default:
					return
				}
			}
		}
	}
}

func (s *Sink) write(item queued) {
	if item.flush != nil {
		close(item.flush)
		return
	}
	if err := s.store.AppendAuditRecord(context.Background(), item.rec); err != nil {
		// The call already happened; losing the durable record must not
		// fail anything downstream.
		s.logger.Error("appending audit record", "action", item.rec.Action, "error", err)
	}
}

// Flush blocks until every record queued before the call has been handed
// to the store. No-op after Close.
func (s *Sink) Flush() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	ack := make(chan struct{})
	select {
	case s.queue <- queued{flush: ack}:
	case <-s.stopped:
		return
	}
	select {
	case <-ack:
	case <-s.stopped:
	}
}

// Close drains the queue, stops the writer, and waits for it to exit.
// Safe to call multiple times.
func (s *Sink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
	<-s.stopped
}

// SessionCounter registers the live-session gauge source.
func (s *Sink) SessionCounter(fn func() int) { s.sessionCount = fn }

// Record queues one call for durable persistence and updates the rolling
// counters. Exactly one record is queued per dispatched call regardless of
// outcome; a full queue drops the record rather than blocking.
func (s *Sink) Record(e Entry) {
	now := s.clock()

	rec := &store.AuditRecord{
		PrincipalID:  e.PrincipalID,
		Action:       e.Action,
		ParamsDigest: e.ParamsDigest,
		Outcome:      e.Outcome,
		DurationMs:   e.Duration.Milliseconds(),
		Timestamp:    now.UTC(),
	}
	select {
	case s.queue <- queued{rec: rec}:
	default:
		s.logger.Warn("audit queue full, dropping record", "action", e.Action)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalCalls++
	if e.Outcome == store.OutcomeFailed {
		s.failedCalls++
		s.errors = append([]ErrorEntry{{
			PrincipalID: e.PrincipalID,
			Action:      e.Action,
			Message:     e.ErrorMessage,
			Timestamp:   now,
		}}, s.errors...)
		if len(s.errors) > maxRecentErrors {
			s.errors = s.errors[:maxRecentErrors]
		}
	}

	s.callTimes = append(s.callTimes, now)
	s.trimCallTimesLocked(now)

	s.latencies = append(s.latencies, e.Duration)
	if len(s.latencies) > maxLatencySamples {
		s.latencies = s.latencies[len(s.latencies)-maxLatencySamples:]
	}
}

// trimCallTimesLocked drops timestamps older than the rate window.
func (s *Sink) trimCallTimesLocked(now time.Time) {
	cutoff := now.Add(-callRateWindow)
	firstLive := 0
	for firstLive < len(s.callTimes) && s.callTimes[firstLive].Before(cutoff) {
		firstLive++
	}
	if firstLive > 0 {
		s.callTimes = append([]time.Time(nil), s.callTimes[firstLive:]...)
	}
}

// Snapshot returns the current aggregates.
func (s *Sink) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.trimCallTimesLocked(s.clock())

	var avg time.Duration
	if len(s.latencies) > 0 {
		var total time.Duration
		for _, d := range s.latencies {
			total += d
		}
		avg = total / time.Duration(len(s.latencies))
	}

	errs := make([]ErrorEntry, len(s.errors))
	copy(errs, s.errors)

	stats := Stats{
		TotalCalls:     s.totalCalls,
		FailedCalls:    s.failedCalls,
		CallsPerMinute: len(s.callTimes),
		AvgLatency:     avg,
		RecentErrors:   errs,
	}
	if s.sessionCount != nil {
		stats.LiveSessions = s.sessionCount()
	}
	return stats
}

// DigestParams returns a short stable digest of raw call parameters for
// audit records, avoiding persistence of the parameters themselves.
func DigestParams(raw []byte) string {
	if len(raw) == 0 {
		return "-"
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:8])
}
