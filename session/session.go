// Package session tracks connection identities, per-connection auth state
// and live subscriptions for the relay.
//
// The registry owns this state exclusively; the relay core orchestrates all
// interaction between it and the event store. Registration, removal and
// broadcast iteration take the same lock, so a subscription can never be
// delivered to after its removal or with filters from before an update.
package session

import (
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

// Connection is the relay-side identity of one client connection. The
// authentication fields are mutated only by the connection's own
// message-handling task.
type Connection struct {
	// ID is the opaque identity assigned at accept time.
	ID string
	// Challenge is the nonce issued for challenge/response authentication,
	// empty when challenge mode is disabled.
	Challenge string
	// AuthedEvent is the event that authenticated this connection, nil
	// until a successful AUTH.
	AuthedEvent *nostr.Event
}

// Subscription is a live, named filter set bound to one connection.
// Keyed by (ConnectionID, ID): the same id string may be in use by
// different connections at once.
type Subscription struct {
	ConnectionID string
	ID           string
	Filters      nostr.Filters
}

// Registry holds all connections and subscriptions.
type Registry struct {
	mu            sync.RWMutex
	connections   map[string]*Connection
	subscriptions []*Subscription
	logger        *zap.SugaredLogger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.SugaredLogger) *Registry {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Registry{
		connections: make(map[string]*Connection),
		logger:      logger,
	}
}

// Register adds a connection identity.
func (r *Registry) Register(conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connections[conn.ID] = conn
}

// Unregister discards a connection identity. Subscriptions are removed
// separately via RemoveAllForConnection so the caller can emit lifecycle
// notifications for each.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.connections, connID)
}

// Connection looks up a connection by id.
func (r *Registry) Connection(connID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.connections[connID]
	return conn, ok
}

// ConnectionCount reports how many connections are registered.
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// SetAuthenticated records the event that authenticated the connection.
func (r *Registry) SetAuthenticated(connID string, event *nostr.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conn, ok := r.connections[connID]; ok {
		conn.AuthedEvent = event
	}
}

// AddOrUpdateSubscription registers a subscription, or replaces the filters
// of the existing one with the same (connection, id) pair. Reports whether a
// new subscription was created.
func (r *Registry) AddOrUpdateSubscription(connID, subID string, filters nostr.Filters) (*Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, sub := range r.subscriptions {
		if sub.ConnectionID == connID && sub.ID == subID {
			sub.Filters = filters
			r.logger.Debugw("Subscription filters updated",
				"conn_id", connID,
				"sub_id", subID,
				"filters", len(filters),
			)
			return sub, false
		}
	}

	sub := &Subscription{
		ConnectionID: connID,
		ID:           subID,
		Filters:      filters,
	}
	r.subscriptions = append(r.subscriptions, sub)
	r.logger.Debugw("Subscription created",
		"conn_id", connID,
		"sub_id", subID,
		"filters", len(filters),
	)
	return sub, true
}

// RemoveSubscription removes the subscription owned by the given connection.
// Removing an unknown id is a no-op.
func (r *Registry) RemoveSubscription(connID, subID string) (*Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, sub := range r.subscriptions {
		if sub.ConnectionID == connID && sub.ID == subID {
			r.subscriptions = append(r.subscriptions[:i], r.subscriptions[i+1:]...)
			return sub, true
		}
	}
	return nil, false
}

// RemoveAllForConnection removes every subscription owned by the connection
// and returns the removed set, in registration order.
func (r *Registry) RemoveAllForConnection(connID string) []*Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []*Subscription
	kept := r.subscriptions[:0]
	for _, sub := range r.subscriptions {
		if sub.ConnectionID == connID {
			removed = append(removed, sub)
		} else {
			kept = append(kept, sub)
		}
	}
	r.subscriptions = kept
	if len(removed) > 0 {
		r.logger.Debugw("Subscriptions removed with connection",
			"conn_id", connID,
			"count", len(removed),
		)
	}
	return removed
}

// SubscriptionCount reports how many subscriptions are live.
func (r *Registry) SubscriptionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subscriptions)
}

// ForEachMatching invokes fn for every subscription whose filters match the
// event. The registry lock is held for the whole iteration, making delivery
// mutually exclusive with subscription registration and removal; fn must not
// block.
func (r *Registry) ForEachMatching(event *nostr.Event, fn func(*Subscription)) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, sub := range r.subscriptions {
		if sub.Filters.Match(event) {
			fn(sub)
		}
	}
}
