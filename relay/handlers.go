package relay

import (
	"github.com/teranos/beacon/session"
	"github.com/teranos/beacon/store"
	"github.com/teranos/beacon/wire"
)

const (
	reasonInvalidEvent  = "invalid: event failed to validate or verify"
	reasonBadChallenge  = "Bad challenge"
	reasonRelayMismatch = "invalid: relay tag does not match this relay"
	reasonServerError   = "error: server error"
	reasonDuplicate     = "duplicate"
	reasonReplaced      = "rejected: event was superseded by a newer replacement"
	reasonAccepted      = "accepted"
	reasonRateLimited   = "rate-limited: slow down"
	reasonAuthenticated = "Authenticated"
)

// handleEvent validates, stores and fans out one published event. The
// publish lock serializes local inserts so the broadcast for one event
// completes before the next publish is acknowledged.
func (r *Relay) handleEvent(client *Client, msg wire.EventMessage) {
	event := msg.Event

	if client.publishLimiter != nil && !client.publishLimiter.Allow() {
		client.sendOK(event.ID, false, reasonRateLimited)
		return
	}

	if valid, err := event.CheckSignature(); err != nil || !valid {
		r.notifyEventRejected(event, client.id)
		client.sendOK(event.ID, false, reasonInvalidEvent)
		return
	}

	r.publishMu.Lock()
	defer r.publishMu.Unlock()

	r.setLastInserted(event.ID)

	result, err := r.eventStore.Insert(&event, store.InsertOptions{})
	if err != nil {
		r.logger.Errorw("Failed to store event",
			"event_id", event.ID,
			"kind", event.Kind,
			"error", err,
		)
		r.notifyEventRejected(event, client.id)
		client.sendOK(event.ID, false, reasonServerError)
		return
	}

	r.notifyEventReceived(event, client.id)

	switch result {
	case store.Accepted:
		r.notifyEventInserted(event, client.id)
		client.sendOK(event.ID, true, reasonAccepted)
		r.broadcast(&event)
	case store.Duplicate:
		client.sendOK(event.ID, true, reasonDuplicate)
	case store.Rejected:
		client.sendOK(event.ID, false, reasonReplaced)
	}
}

// handleReq registers (or replaces) a subscription and replays matching
// stored events followed by EOSE.
func (r *Relay) handleReq(client *Client, msg wire.ReqMessage) {
	conn, ok := r.sessions.Connection(client.id)
	if !ok {
		return
	}

	hooks := r.currentHooks()
	if hooks.CheckCreateSubscription != nil {
		proposed := &session.Subscription{
			ConnectionID: client.id,
			ID:           msg.SubscriptionID,
			Filters:      msg.Filters,
		}
		if err := hooks.CheckCreateSubscription(conn, proposed, conn.AuthedEvent); err != nil {
			client.sendClosed(msg.SubscriptionID, err.Error())
			return
		}
	}

	sub, created := r.sessions.AddOrUpdateSubscription(client.id, msg.SubscriptionID, msg.Filters)
	if created {
		r.notifySubscriptionCreated(*sub)
	} else {
		r.notifySubscriptionUpdated(*sub)
	}

	events, err := r.eventStore.Query(msg.Filters)
	if err != nil {
		r.logger.Errorw("Failed to query events for subscription",
			"conn_id", client.id,
			"sub_id", msg.SubscriptionID,
			"error", err,
		)
		client.sendClosed(msg.SubscriptionID, reasonServerError)
		return
	}

	for i := range events {
		event := &events[i]
		if hooks.CheckReadEvent != nil && !hooks.CheckReadEvent(conn, event, conn.AuthedEvent) {
			continue
		}
		frame, err := wire.MarshalEvent(msg.SubscriptionID, event)
		if err != nil {
			r.logger.Errorw("Failed to encode stored event",
				"event_id", event.ID,
				"error", err,
			)
			continue
		}
		client.enqueue(frame)
	}

	frame, err := wire.MarshalEOSE(msg.SubscriptionID)
	if err != nil {
		r.logger.Errorw("Failed to encode EOSE", "error", err)
		return
	}
	client.enqueue(frame)
}

// handleClose removes one subscription. Unknown ids are ignored without a
// reply; CLOSED is reserved for server-initiated termination.
func (r *Relay) handleClose(client *Client, msg wire.CloseMessage) {
	sub, ok := r.sessions.RemoveSubscription(client.id, msg.SubscriptionID)
	if !ok {
		return
	}
	r.notifySubscriptionClosed(*sub)
}

// handleAuth runs the challenge/response sequence for one AUTH event.
func (r *Relay) handleAuth(client *Client, msg wire.AuthMessage) {
	event := msg.Event
	opts := r.options()

	if valid, err := event.CheckSignature(); err != nil || !valid {
		client.sendOK(event.ID, false, reasonInvalidEvent)
		return
	}

	conn, ok := r.sessions.Connection(client.id)
	if !ok {
		return
	}

	if opts.RequireRelayTag {
		tag := event.Tags.GetFirst([]string{"relay"})
		if tag == nil || tag.Value() != opts.URL {
			client.sendOK(event.ID, false, reasonRelayMismatch)
			return
		}
	}

	if conn.Challenge != "" {
		tag := event.Tags.GetFirst([]string{"challenge"})
		if tag == nil || tag.Value() != conn.Challenge {
			client.sendOK(event.ID, false, reasonBadChallenge)
			return
		}
	}

	hooks := r.currentHooks()
	if hooks.CheckAuth != nil {
		if err := hooks.CheckAuth(conn, &event); err != nil {
			client.sendOK(event.ID, false, err.Error())
			return
		}
	}

	r.sessions.SetAuthenticated(client.id, &event)
	client.sendOK(event.ID, true, reasonAuthenticated)
}

// handleDisconnect tears down all state for a closed connection.
func (r *Relay) handleDisconnect(client *Client) {
	removed := r.sessions.RemoveAllForConnection(client.id)
	for _, sub := range removed {
		r.notifySubscriptionClosed(*sub)
	}
	r.sessions.Unregister(client.id)
	r.unregisterClient(client)
	r.notifyDisconnect(client.id)
}
