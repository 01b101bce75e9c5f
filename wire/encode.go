package wire

import (
	"encoding/json"

	"github.com/nbd-wtf/go-nostr"
)

// MarshalEvent encodes ["EVENT", subId, event]
func MarshalEvent(subID string, event *nostr.Event) ([]byte, error) {
	return json.Marshal([]interface{}{"EVENT", subID, event})
}

// MarshalEOSE encodes ["EOSE", subId]
func MarshalEOSE(subID string) ([]byte, error) {
	return json.Marshal([]interface{}{"EOSE", subID})
}

// MarshalOK encodes ["OK", eventId, success, message]
func MarshalOK(eventID string, success bool, message string) ([]byte, error) {
	return json.Marshal([]interface{}{"OK", eventID, success, message})
}

// MarshalClosed encodes ["CLOSED", subId, message]
func MarshalClosed(subID string, message string) ([]byte, error) {
	return json.Marshal([]interface{}{"CLOSED", subID, message})
}

// MarshalAuthChallenge encodes ["AUTH", challenge]
func MarshalAuthChallenge(challenge string) ([]byte, error) {
	return json.Marshal([]interface{}{"AUTH", challenge})
}
