// Package wire implements the client/relay message codec.
//
// Inbound frames are JSON arrays whose first element names the message kind.
// Decode maps them onto a closed set of tagged variants; anything outside
// the set is an error the caller drops silently, leaving the connection
// open. Outbound messages are encoded by the Marshal helpers.
package wire

import (
	"encoding/json"

	"github.com/nbd-wtf/go-nostr"

	"github.com/teranos/beacon/errors"
)

// ErrUnknownTag marks frames whose tag is not in the protocol's message set.
var ErrUnknownTag = errors.New("unknown message tag")

// Message is one decoded client message: ReqMessage, EventMessage,
// AuthMessage or CloseMessage.
type Message interface {
	messageTag() string
}

// ReqMessage opens or updates a subscription: ["REQ", subId, ...filters]
type ReqMessage struct {
	SubscriptionID string
	Filters        nostr.Filters
}

// EventMessage publishes an event: ["EVENT", event]
type EventMessage struct {
	Event nostr.Event
}

// AuthMessage answers a challenge: ["AUTH", event]
type AuthMessage struct {
	Event nostr.Event
}

// CloseMessage tears down a subscription: ["CLOSE", subId]
type CloseMessage struct {
	SubscriptionID string
}

func (ReqMessage) messageTag() string   { return "REQ" }
func (EventMessage) messageTag() string { return "EVENT" }
func (AuthMessage) messageTag() string  { return "AUTH" }
func (CloseMessage) messageTag() string { return "CLOSE" }

// Decode parses a transport frame into one of the tagged message variants.
func Decode(frame []byte) (Message, error) {
	var elements []json.RawMessage
	if err := json.Unmarshal(frame, &elements); err != nil {
		return nil, errors.Wrap(err, "frame is not a JSON array")
	}
	if len(elements) == 0 {
		return nil, errors.New("empty message")
	}

	var tag string
	if err := json.Unmarshal(elements[0], &tag); err != nil {
		return nil, errors.Wrap(err, "message tag is not a string")
	}

	switch tag {
	case "REQ":
		return decodeReq(elements)
	case "EVENT":
		return decodeEvent(elements)
	case "AUTH":
		return decodeAuth(elements)
	case "CLOSE":
		return decodeClose(elements)
	default:
		return nil, errors.Wrapf(ErrUnknownTag, "%q", tag)
	}
}

func decodeReq(elements []json.RawMessage) (Message, error) {
	if len(elements) < 2 {
		return nil, errors.New("REQ requires a subscription id")
	}

	var msg ReqMessage
	if err := json.Unmarshal(elements[1], &msg.SubscriptionID); err != nil {
		return nil, errors.Wrap(err, "REQ subscription id is not a string")
	}

	for _, raw := range elements[2:] {
		var filter nostr.Filter
		if err := json.Unmarshal(raw, &filter); err != nil {
			return nil, errors.Wrap(err, "REQ filter is malformed")
		}
		msg.Filters = append(msg.Filters, filter)
	}

	return msg, nil
}

func decodeEvent(elements []json.RawMessage) (Message, error) {
	if len(elements) < 2 {
		return nil, errors.New("EVENT requires an event")
	}

	var msg EventMessage
	if err := json.Unmarshal(elements[1], &msg.Event); err != nil {
		return nil, errors.Wrap(err, "EVENT payload is malformed")
	}
	return msg, nil
}

func decodeAuth(elements []json.RawMessage) (Message, error) {
	if len(elements) < 2 {
		return nil, errors.New("AUTH requires an event")
	}

	var msg AuthMessage
	if err := json.Unmarshal(elements[1], &msg.Event); err != nil {
		return nil, errors.Wrap(err, "AUTH payload is malformed")
	}
	return msg, nil
}

func decodeClose(elements []json.RawMessage) (Message, error) {
	if len(elements) < 2 {
		return nil, errors.New("CLOSE requires a subscription id")
	}

	var msg CloseMessage
	if err := json.Unmarshal(elements[1], &msg.SubscriptionID); err != nil {
		return nil, errors.Wrap(err, "CLOSE subscription id is not a string")
	}
	return msg, nil
}
