// ABOUTME: In-memory fan-out broadcaster for notification envelopes.
// ABOUTME: Owns the attached-session set and the per-resource subscriber multimap.

package subscribe

import (
	"log/slog"
	"sync"

	"github.com/opal-labs/opal-gateway/internal/protocol"
)

// sessionBufferSize is the channel buffer for each attached session.
const sessionBufferSize = 64

// Broadcaster owns notification delivery to open connections. Sessions
// attach an outbound channel; resource subscriptions are a weak relation
// on top used only for targeted fan-out. All delivery is fire-and-forget,
// at-most-once per session: a full or missing channel drops the event for
// that session and never aborts delivery to the rest.
type Broadcaster struct {
	mu       sync.RWMutex
	sessions map[string]chan *protocol.Envelope // sessionID -> outbound
	subs     map[string]map[string]struct{}     // resourceKey -> set of sessionIDs
	byKey    map[string]map[string]struct{}     // sessionID -> set of resourceKeys (reverse index)
	logger   *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		sessions: make(map[string]chan *protocol.Envelope),
		subs:     make(map[string]map[string]struct{}),
		byKey:    make(map[string]map[string]struct{}),
		logger:   logger.With("component", "broadcaster"),
	}
}

// Attach registers a session's outbound channel and returns it. Attaching
// an already-attached session replaces and closes the previous channel.
func (b *Broadcaster) Attach(sessionID string) <-chan *protocol.Envelope {
	ch := make(chan *protocol.Envelope, sessionBufferSize)

	b.mu.Lock()
	if old, ok := b.sessions[sessionID]; ok {
		close(old)
	}
	b.sessions[sessionID] = ch
	b.mu.Unlock()

	b.logger.Debug("session attached", "session_id", sessionID)
	return ch
}

// Detach removes a session, closes its channel, and drops every
// subscription it held.
func (b *Broadcaster) Detach(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.sessions[sessionID]
	if ok {
		delete(b.sessions, sessionID)
		close(ch)
	}

	for key := range b.byKey[sessionID] {
		b.removeSubLocked(key, sessionID)
	}
	delete(b.byKey, sessionID)

	if ok {
		b.logger.Debug("session detached", "session_id", sessionID)
	}
}

// Subscribe registers a session for a resource key's change events.
// Existence of the resource is the caller's concern; the broadcaster only
// tracks the relation.
func (b *Broadcaster) Subscribe(sessionID, resourceKey string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[resourceKey]; !ok {
		b.subs[resourceKey] = make(map[string]struct{})
	}
	b.subs[resourceKey][sessionID] = struct{}{}

	if _, ok := b.byKey[sessionID]; !ok {
		b.byKey[sessionID] = make(map[string]struct{})
	}
	b.byKey[sessionID][resourceKey] = struct{}{}

	b.logger.Debug("subscription added",
		"session_id", sessionID,
		"resource", resourceKey)
}

// Unsubscribe removes one subscription. A no-op when not subscribed.
func (b *Broadcaster) Unsubscribe(sessionID, resourceKey string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.removeSubLocked(resourceKey, sessionID)
	if keys, ok := b.byKey[sessionID]; ok {
		delete(keys, resourceKey)
		if len(keys) == 0 {
			delete(b.byKey, sessionID)
		}
	}
}

// DropResource removes every subscription for a resource key, used when
// the resource itself is deleted.
func (b *Broadcaster) DropResource(resourceKey string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sessionID := range b.subs[resourceKey] {
		if keys, ok := b.byKey[sessionID]; ok {
			delete(keys, resourceKey)
			if len(keys) == 0 {
				delete(b.byKey, sessionID)
			}
		}
	}
	delete(b.subs, resourceKey)
}

// IsSubscribed reports whether a session is subscribed to a resource key.
func (b *Broadcaster) IsSubscribed(sessionID, resourceKey string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.subs[resourceKey][sessionID]
	return ok
}

// Broadcast sends a notification to every attached session.
func (b *Broadcaster) Broadcast(method string, params any) {
	env, err := protocol.NewNotification(method, params)
	if err != nil {
		b.logger.Error("building broadcast notification", "method", method, "error", err)
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	targets := make([]deliveryTarget, 0, len(b.sessions))
	for id, ch := range b.sessions {
		targets = append(targets, deliveryTarget{sessionID: id, ch: ch})
	}
	b.deliver(method, env, targets)
}

// NotifySubscribers sends a notification only to sessions subscribed to
// the resource key.
func (b *Broadcaster) NotifySubscribers(resourceKey, method string, params any) {
	env, err := protocol.NewNotification(method, params)
	if err != nil {
		b.logger.Error("building subscriber notification", "method", method, "error", err)
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	targets := make([]deliveryTarget, 0, len(b.subs[resourceKey]))
	for sessionID := range b.subs[resourceKey] {
		if ch, ok := b.sessions[sessionID]; ok {
			targets = append(targets, deliveryTarget{sessionID: sessionID, ch: ch})
		}
	}
	b.deliver(method, env, targets)
}

type deliveryTarget struct {
	sessionID string
	ch        chan *protocol.Envelope
}

// deliver performs the non-blocking sends. Caller holds b.mu (read), which
// keeps Detach from closing a channel mid-send.
func (b *Broadcaster) deliver(method string, env *protocol.Envelope, targets []deliveryTarget) {
	for _, t := range targets {
		select {
		case t.ch <- env:
		default:
			// Slow consumer: drop the event for this session only
			b.logger.Debug("dropped notification for slow session",
				"session_id", t.sessionID,
				"method", method)
		}
	}
}

// SessionCount returns the number of attached sessions (for monitoring).
func (b *Broadcaster) SessionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions)
}

// removeSubLocked removes one (resourceKey, sessionID) edge. Caller holds b.mu.
func (b *Broadcaster) removeSubLocked(resourceKey, sessionID string) {
	subs, ok := b.subs[resourceKey]
	if !ok {
		return
	}
	delete(subs, sessionID)
	if len(subs) == 0 {
		delete(b.subs, resourceKey)
	}
}

// Close detaches every session and closes all channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.sessions {
		close(ch)
		delete(b.sessions, id)
	}
	b.subs = make(map[string]map[string]struct{})
	b.byKey = make(map[string]map[string]struct{})

	b.logger.Debug("broadcaster closed")
}
