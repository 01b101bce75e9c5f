package relay

import (
	"github.com/nbd-wtf/go-nostr"

	"github.com/teranos/beacon/session"
)

// Hooks are optional access-control checks the embedding application can
// install. Each hook runs synchronously inside the protocol handler; a nil
// hook allows the operation unconditionally.
type Hooks struct {
	// CheckAuth runs after an AUTH event passes signature, relay-tag and
	// challenge validation. Returning an error rejects the authentication
	// with the error's message as the OK reason.
	CheckAuth func(conn *session.Connection, authEvent *nostr.Event) error

	// CheckCreateSubscription runs before a REQ is registered. The
	// subscription is the proposed one, not yet visible to broadcasts.
	// Returning an error refuses the REQ with a CLOSED notice carrying the
	// error's message.
	CheckCreateSubscription func(conn *session.Connection, sub *session.Subscription, authEvent *nostr.Event) error

	// CheckReadEvent runs per stored event during REQ replay. Returning
	// false omits the event from the replay without ending the stream.
	CheckReadEvent func(conn *session.Connection, event *nostr.Event, authEvent *nostr.Event) bool
}
