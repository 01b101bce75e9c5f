package relay

import (
	"github.com/nbd-wtf/go-nostr"

	"github.com/teranos/beacon/session"
)

// Listener receives lifecycle notifications from the relay. All fields are
// optional. Callbacks run synchronously on the goroutine that triggered the
// transition, so they must not block.
type Listener struct {
	OnConnect    func(connID string)
	OnDisconnect func(connID string)

	OnEventReceived func(event nostr.Event, connID string)
	OnEventInserted func(event nostr.Event, connID string)
	OnEventRejected func(event nostr.Event, connID string)

	OnSubscriptionCreated func(sub session.Subscription)
	OnSubscriptionUpdated func(sub session.Subscription)
	OnSubscriptionClosed  func(sub session.Subscription)
}

// AddListener registers a lifecycle listener. Listeners cannot be removed.
func (r *Relay) AddListener(l Listener) {
	r.listenerMu.Lock()
	defer r.listenerMu.Unlock()
	r.listeners = append(r.listeners, l)
}

func (r *Relay) snapshotListeners() []Listener {
	r.listenerMu.RLock()
	defer r.listenerMu.RUnlock()
	out := make([]Listener, len(r.listeners))
	copy(out, r.listeners)
	return out
}

func (r *Relay) notifyConnect(connID string) {
	for _, l := range r.snapshotListeners() {
		if l.OnConnect != nil {
			l.OnConnect(connID)
		}
	}
}

func (r *Relay) notifyDisconnect(connID string) {
	for _, l := range r.snapshotListeners() {
		if l.OnDisconnect != nil {
			l.OnDisconnect(connID)
		}
	}
}

func (r *Relay) notifyEventReceived(event nostr.Event, connID string) {
	for _, l := range r.snapshotListeners() {
		if l.OnEventReceived != nil {
			l.OnEventReceived(event, connID)
		}
	}
}

func (r *Relay) notifyEventInserted(event nostr.Event, connID string) {
	for _, l := range r.snapshotListeners() {
		if l.OnEventInserted != nil {
			l.OnEventInserted(event, connID)
		}
	}
}

func (r *Relay) notifyEventRejected(event nostr.Event, connID string) {
	for _, l := range r.snapshotListeners() {
		if l.OnEventRejected != nil {
			l.OnEventRejected(event, connID)
		}
	}
}

func (r *Relay) notifySubscriptionCreated(sub session.Subscription) {
	for _, l := range r.snapshotListeners() {
		if l.OnSubscriptionCreated != nil {
			l.OnSubscriptionCreated(sub)
		}
	}
}

func (r *Relay) notifySubscriptionUpdated(sub session.Subscription) {
	for _, l := range r.snapshotListeners() {
		if l.OnSubscriptionUpdated != nil {
			l.OnSubscriptionUpdated(sub)
		}
	}
}

func (r *Relay) notifySubscriptionClosed(sub session.Subscription) {
	for _, l := range r.snapshotListeners() {
		if l.OnSubscriptionClosed != nil {
			l.OnSubscriptionClosed(sub)
		}
	}
}
