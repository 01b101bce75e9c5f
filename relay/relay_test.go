package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/beacon/errors"
	beacontest "github.com/teranos/beacon/internal/testing"
	"github.com/teranos/beacon/session"
	"github.com/teranos/beacon/store"
)

func newTestRelay(t *testing.T, opts Options) *Relay {
	t.Helper()
	eventStore := store.New(beacontest.CreateTestDB(t), nil)
	return New(eventStore, opts, nil)
}

func dialTestRelay(t *testing.T, r *Relay) *websocket.Conn {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(r.HandleWebSocket))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return conn
}

// readFrame reads one protocol frame and decodes its array elements.
func readFrame(t *testing.T, conn *websocket.Conn) []json.RawMessage {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var elements []json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &elements))
	require.NotEmpty(t, elements)
	return elements
}

func frameTag(t *testing.T, elements []json.RawMessage) string {
	t.Helper()
	var tag string
	require.NoError(t, json.Unmarshal(elements[0], &tag))
	return tag
}

// readOK reads a frame and asserts it is an OK for the given event.
func readOK(t *testing.T, conn *websocket.Conn, eventID string) (bool, string) {
	t.Helper()

	elements := readFrame(t, conn)
	require.Equal(t, "OK", frameTag(t, elements))
	require.Len(t, elements, 4)

	var id string
	require.NoError(t, json.Unmarshal(elements[1], &id))
	assert.Equal(t, eventID, id)

	var success bool
	require.NoError(t, json.Unmarshal(elements[2], &success))
	var message string
	require.NoError(t, json.Unmarshal(elements[3], &message))
	return success, message
}

func expectNoFrame(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
}

func signedEvent(t *testing.T, sk string, kind int, content string, tags nostr.Tags, createdAt int64) nostr.Event {
	t.Helper()
	if tags == nil {
		tags = nostr.Tags{}
	}
	event := nostr.Event{
		Kind:      kind,
		CreatedAt: nostr.Timestamp(createdAt),
		Tags:      tags,
		Content:   content,
	}
	require.NoError(t, event.Sign(sk))
	return event
}

func publish(t *testing.T, conn *websocket.Conn, event nostr.Event) {
	t.Helper()
	require.NoError(t, conn.WriteJSON([]interface{}{"EVENT", event}))
}

func subscribe(t *testing.T, conn *websocket.Conn, subID string, filters ...nostr.Filter) {
	t.Helper()
	payload := []interface{}{"REQ", subID}
	for _, f := range filters {
		payload = append(payload, f)
	}
	require.NoError(t, conn.WriteJSON(payload))
}

func TestPublishAcceptedAndEchoedOK(t *testing.T) {
	r := newTestRelay(t, Options{})
	conn := dialTestRelay(t, r)

	sk := nostr.GeneratePrivateKey()
	event := signedEvent(t, sk, 1, "hello", nil, time.Now().Unix())

	publish(t, conn, event)
	success, message := readOK(t, conn, event.ID)
	assert.True(t, success)
	assert.Equal(t, "accepted", message)
}

func TestPublishRejectsBadSignature(t *testing.T) {
	r := newTestRelay(t, Options{})
	conn := dialTestRelay(t, r)

	sk := nostr.GeneratePrivateKey()
	event := signedEvent(t, sk, 1, "hello", nil, time.Now().Unix())
	event.Content = "tampered"

	publish(t, conn, event)
	success, message := readOK(t, conn, event.ID)
	assert.False(t, success)
	assert.Contains(t, message, "invalid")
}

func TestPublishDuplicate(t *testing.T) {
	r := newTestRelay(t, Options{})
	conn := dialTestRelay(t, r)

	sk := nostr.GeneratePrivateKey()
	event := signedEvent(t, sk, 1, "hello", nil, time.Now().Unix())

	publish(t, conn, event)
	success, _ := readOK(t, conn, event.ID)
	require.True(t, success)

	publish(t, conn, event)
	success, message := readOK(t, conn, event.ID)
	assert.True(t, success)
	assert.Equal(t, "duplicate", message)
}

func TestPublishStaleReplaceableRejected(t *testing.T) {
	r := newTestRelay(t, Options{})
	conn := dialTestRelay(t, r)

	sk := nostr.GeneratePrivateKey()
	now := time.Now().Unix()

	newer := signedEvent(t, sk, 0, `{"name":"new"}`, nil, now)
	publish(t, conn, newer)
	success, _ := readOK(t, conn, newer.ID)
	require.True(t, success)

	older := signedEvent(t, sk, 0, `{"name":"old"}`, nil, now-100)
	publish(t, conn, older)
	success, message := readOK(t, conn, older.ID)
	assert.False(t, success)
	assert.Contains(t, message, "rejected")
}

func TestSubscribeReplaysStoredEventsThenEOSE(t *testing.T) {
	r := newTestRelay(t, Options{})
	conn := dialTestRelay(t, r)

	sk := nostr.GeneratePrivateKey()
	now := time.Now().Unix()
	first := signedEvent(t, sk, 1, "first", nil, now-10)
	second := signedEvent(t, sk, 1, "second", nil, now)

	for _, event := range []nostr.Event{first, second} {
		publish(t, conn, event)
		success, _ := readOK(t, conn, event.ID)
		require.True(t, success)
	}

	subscribe(t, conn, "replay", nostr.Filter{Kinds: []int{1}})

	// Newest first.
	elements := readFrame(t, conn)
	require.Equal(t, "EVENT", frameTag(t, elements))
	var got nostr.Event
	require.NoError(t, json.Unmarshal(elements[2], &got))
	assert.Equal(t, second.ID, got.ID)

	elements = readFrame(t, conn)
	require.Equal(t, "EVENT", frameTag(t, elements))
	require.NoError(t, json.Unmarshal(elements[2], &got))
	assert.Equal(t, first.ID, got.ID)

	elements = readFrame(t, conn)
	assert.Equal(t, "EOSE", frameTag(t, elements))
}

func TestLiveEventReachesMatchingSubscriber(t *testing.T) {
	r := newTestRelay(t, Options{})
	subscriber := dialTestRelay(t, r)
	publisher := dialTestRelay(t, r)

	subscribe(t, subscriber, "live", nostr.Filter{Kinds: []int{1}})
	elements := readFrame(t, subscriber)
	require.Equal(t, "EOSE", frameTag(t, elements))

	sk := nostr.GeneratePrivateKey()
	event := signedEvent(t, sk, 1, "broadcast me", nil, time.Now().Unix())
	publish(t, publisher, event)
	success, _ := readOK(t, publisher, event.ID)
	require.True(t, success)

	elements = readFrame(t, subscriber)
	require.Equal(t, "EVENT", frameTag(t, elements))

	var subID string
	require.NoError(t, json.Unmarshal(elements[1], &subID))
	assert.Equal(t, "live", subID)

	var got nostr.Event
	require.NoError(t, json.Unmarshal(elements[2], &got))
	assert.Equal(t, event.ID, got.ID)
}

func TestLocalPublishDeliveredExactlyOnce(t *testing.T) {
	r := newTestRelay(t, Options{})
	subscriber := dialTestRelay(t, r)
	publisher := dialTestRelay(t, r)

	subscribe(t, subscriber, "once", nostr.Filter{Kinds: []int{1}})
	elements := readFrame(t, subscriber)
	require.Equal(t, "EOSE", frameTag(t, elements))

	sk := nostr.GeneratePrivateKey()
	event := signedEvent(t, sk, 1, "single copy", nil, time.Now().Unix())
	publish(t, publisher, event)
	success, _ := readOK(t, publisher, event.ID)
	require.True(t, success)

	elements = readFrame(t, subscriber)
	require.Equal(t, "EVENT", frameTag(t, elements))
	var got nostr.Event
	require.NoError(t, json.Unmarshal(elements[2], &got))
	require.Equal(t, event.ID, got.ID)

	// The store feed also fires for this insert; the suppression of the
	// last local insert must prevent a second copy.
	expectNoFrame(t, subscriber)
}

func TestStoreFeedInsertReachesSubscribers(t *testing.T) {
	r := newTestRelay(t, Options{})
	subscriber := dialTestRelay(t, r)

	subscribe(t, subscriber, "feed", nostr.Filter{Kinds: []int{1}})
	elements := readFrame(t, subscriber)
	require.Equal(t, "EOSE", frameTag(t, elements))

	// A write through the store directly, as another process sharing the
	// database would perform, fans out via the insertion feed.
	sk := nostr.GeneratePrivateKey()
	event := signedEvent(t, sk, 1, "external write", nil, time.Now().Unix())
	result, err := r.eventStore.Insert(&event, store.InsertOptions{})
	require.NoError(t, err)
	require.Equal(t, store.Accepted, result)

	elements = readFrame(t, subscriber)
	require.Equal(t, "EVENT", frameTag(t, elements))

	var subID string
	require.NoError(t, json.Unmarshal(elements[1], &subID))
	assert.Equal(t, "feed", subID)

	var got nostr.Event
	require.NoError(t, json.Unmarshal(elements[2], &got))
	assert.Equal(t, event.ID, got.ID)
}

func TestRepeatedReqUpdatesFiltersInPlace(t *testing.T) {
	r := newTestRelay(t, Options{})
	subscriber := dialTestRelay(t, r)
	publisher := dialTestRelay(t, r)

	subscribe(t, subscriber, "mine", nostr.Filter{Kinds: []int{1}})
	elements := readFrame(t, subscriber)
	require.Equal(t, "EOSE", frameTag(t, elements))
	require.Equal(t, 1, r.Sessions().SubscriptionCount())

	// Same id again with different filters: updated in place, second EOSE.
	subscribe(t, subscriber, "mine", nostr.Filter{Kinds: []int{7}})
	elements = readFrame(t, subscriber)
	require.Equal(t, "EOSE", frameTag(t, elements))
	require.Equal(t, 1, r.Sessions().SubscriptionCount())

	sk := nostr.GeneratePrivateKey()

	// The old filters no longer apply.
	oldKind := signedEvent(t, sk, 1, "stale interest", nil, time.Now().Unix())
	publish(t, publisher, oldKind)
	success, _ := readOK(t, publisher, oldKind.ID)
	require.True(t, success)
	expectNoFrame(t, subscriber)

	// The new ones do.
	newKind := signedEvent(t, sk, 7, "fresh interest", nil, time.Now().Unix())
	publish(t, publisher, newKind)
	success, _ = readOK(t, publisher, newKind.ID)
	require.True(t, success)

	elements = readFrame(t, subscriber)
	require.Equal(t, "EVENT", frameTag(t, elements))
	var got nostr.Event
	require.NoError(t, json.Unmarshal(elements[2], &got))
	assert.Equal(t, newKind.ID, got.ID)
}

func TestEphemeralEventNotStoredNotBroadcast(t *testing.T) {
	r := newTestRelay(t, Options{})
	subscriber := dialTestRelay(t, r)
	publisher := dialTestRelay(t, r)

	subscribe(t, subscriber, "eph", nostr.Filter{Kinds: []int{20001}})
	elements := readFrame(t, subscriber)
	require.Equal(t, "EOSE", frameTag(t, elements))

	sk := nostr.GeneratePrivateKey()
	event := signedEvent(t, sk, 20001, "now you see me", nil, time.Now().Unix())
	publish(t, publisher, event)

	success, message := readOK(t, publisher, event.ID)
	assert.True(t, success)
	assert.Equal(t, "duplicate", message)

	expectNoFrame(t, subscriber)
}

func TestCloseStopsDelivery(t *testing.T) {
	r := newTestRelay(t, Options{})
	subscriber := dialTestRelay(t, r)
	publisher := dialTestRelay(t, r)

	subscribe(t, subscriber, "brief", nostr.Filter{Kinds: []int{1}})
	elements := readFrame(t, subscriber)
	require.Equal(t, "EOSE", frameTag(t, elements))

	require.NoError(t, subscriber.WriteJSON([]interface{}{"CLOSE", "brief"}))

	// Removal races the publish below without a sync point; poll the
	// registry instead of sleeping a fixed interval.
	require.Eventually(t, func() bool {
		return r.Sessions().SubscriptionCount() == 0
	}, 2*time.Second, 10*time.Millisecond)

	sk := nostr.GeneratePrivateKey()
	event := signedEvent(t, sk, 1, "unheard", nil, time.Now().Unix())
	publish(t, publisher, event)
	success, _ := readOK(t, publisher, event.ID)
	require.True(t, success)

	expectNoFrame(t, subscriber)
}

func TestDisconnectRemovesSessionState(t *testing.T) {
	r := newTestRelay(t, Options{})
	conn := dialTestRelay(t, r)

	subscribe(t, conn, "gone", nostr.Filter{Kinds: []int{1}})
	elements := readFrame(t, conn)
	require.Equal(t, "EOSE", frameTag(t, elements))

	require.Equal(t, 1, r.Sessions().ConnectionCount())
	conn.Close()

	require.Eventually(t, func() bool {
		return r.Sessions().ConnectionCount() == 0 && r.Sessions().SubscriptionCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAuthChallengeGreetingAndSuccess(t *testing.T) {
	r := newTestRelay(t, Options{Challenge: true})
	conn := dialTestRelay(t, r)

	elements := readFrame(t, conn)
	require.Equal(t, "AUTH", frameTag(t, elements))
	var challenge string
	require.NoError(t, json.Unmarshal(elements[1], &challenge))
	require.NotEmpty(t, challenge)

	sk := nostr.GeneratePrivateKey()
	auth := signedEvent(t, sk, 22242, "",
		nostr.Tags{{"challenge", challenge}}, time.Now().Unix())
	require.NoError(t, conn.WriteJSON([]interface{}{"AUTH", auth}))

	success, message := readOK(t, conn, auth.ID)
	assert.True(t, success)
	assert.Equal(t, "Authenticated", message)
}

func TestAuthRejectsWrongChallenge(t *testing.T) {
	r := newTestRelay(t, Options{Challenge: true})
	conn := dialTestRelay(t, r)

	elements := readFrame(t, conn)
	require.Equal(t, "AUTH", frameTag(t, elements))

	sk := nostr.GeneratePrivateKey()
	auth := signedEvent(t, sk, 22242, "",
		nostr.Tags{{"challenge", "not-the-nonce"}}, time.Now().Unix())
	require.NoError(t, conn.WriteJSON([]interface{}{"AUTH", auth}))

	success, message := readOK(t, conn, auth.ID)
	assert.False(t, success)
	assert.Equal(t, "Bad challenge", message)
}

func TestAuthRequiresMatchingRelayTag(t *testing.T) {
	r := newTestRelay(t, Options{
		URL:             "wss://relay.example.com",
		RequireRelayTag: true,
	})
	conn := dialTestRelay(t, r)

	sk := nostr.GeneratePrivateKey()
	auth := signedEvent(t, sk, 22242, "",
		nostr.Tags{{"relay", "wss://other.example.com"}}, time.Now().Unix())
	require.NoError(t, conn.WriteJSON([]interface{}{"AUTH", auth}))

	success, message := readOK(t, conn, auth.ID)
	assert.False(t, success)
	assert.Contains(t, message, "relay tag")
}

func TestCheckAuthHookRejection(t *testing.T) {
	r := newTestRelay(t, Options{})
	r.SetHooks(Hooks{
		CheckAuth: func(conn *session.Connection, authEvent *nostr.Event) error {
			return errors.New("restricted: not on the list")
		},
	})
	conn := dialTestRelay(t, r)

	sk := nostr.GeneratePrivateKey()
	auth := signedEvent(t, sk, 22242, "", nil, time.Now().Unix())
	require.NoError(t, conn.WriteJSON([]interface{}{"AUTH", auth}))

	success, message := readOK(t, conn, auth.ID)
	assert.False(t, success)
	assert.Equal(t, "restricted: not on the list", message)
}

func TestCheckCreateSubscriptionHookSendsClosed(t *testing.T) {
	r := newTestRelay(t, Options{})
	r.SetHooks(Hooks{
		CheckCreateSubscription: func(conn *session.Connection, sub *session.Subscription, authEvent *nostr.Event) error {
			return errors.New("auth-required: subscriptions need auth")
		},
	})
	conn := dialTestRelay(t, r)

	subscribe(t, conn, "denied", nostr.Filter{Kinds: []int{1}})

	elements := readFrame(t, conn)
	require.Equal(t, "CLOSED", frameTag(t, elements))

	var subID string
	require.NoError(t, json.Unmarshal(elements[1], &subID))
	assert.Equal(t, "denied", subID)

	var message string
	require.NoError(t, json.Unmarshal(elements[2], &message))
	assert.Contains(t, message, "auth-required")

	assert.Equal(t, 0, r.Sessions().SubscriptionCount())
}

func TestCheckReadEventHookFiltersReplay(t *testing.T) {
	r := newTestRelay(t, Options{})
	conn := dialTestRelay(t, r)

	sk := nostr.GeneratePrivateKey()
	now := time.Now().Unix()
	visible := signedEvent(t, sk, 1, "public", nil, now-5)
	hidden := signedEvent(t, sk, 1, "private", nil, now)

	for _, event := range []nostr.Event{visible, hidden} {
		publish(t, conn, event)
		success, _ := readOK(t, conn, event.ID)
		require.True(t, success)
	}

	hiddenID := hidden.ID
	r.SetHooks(Hooks{
		CheckReadEvent: func(conn *session.Connection, event *nostr.Event, authEvent *nostr.Event) bool {
			return event.ID != hiddenID
		},
	})

	subscribe(t, conn, "filtered", nostr.Filter{Kinds: []int{1}})

	elements := readFrame(t, conn)
	require.Equal(t, "EVENT", frameTag(t, elements))
	var got nostr.Event
	require.NoError(t, json.Unmarshal(elements[2], &got))
	assert.Equal(t, visible.ID, got.ID)

	elements = readFrame(t, conn)
	assert.Equal(t, "EOSE", frameTag(t, elements))
}

func TestListenerLifecycleNotifications(t *testing.T) {
	r := newTestRelay(t, Options{})

	type record struct {
		kind string
		id   string
	}
	events := make(chan record, 16)
	r.AddListener(Listener{
		OnConnect: func(connID string) { events <- record{"connect", connID} },
		OnEventInserted: func(event nostr.Event, connID string) {
			events <- record{"inserted", event.ID}
		},
		OnSubscriptionCreated: func(sub session.Subscription) {
			events <- record{"sub_created", sub.ID}
		},
	})

	conn := dialTestRelay(t, r)

	sk := nostr.GeneratePrivateKey()
	event := signedEvent(t, sk, 1, "observed", nil, time.Now().Unix())
	publish(t, conn, event)
	success, _ := readOK(t, conn, event.ID)
	require.True(t, success)

	subscribe(t, conn, "watched", nostr.Filter{Kinds: []int{1}})
	elements := readFrame(t, conn)
	require.Equal(t, "EVENT", frameTag(t, elements))
	elements = readFrame(t, conn)
	require.Equal(t, "EOSE", frameTag(t, elements))

	got := map[string]string{}
	for len(got) < 3 {
		select {
		case rec := <-events:
			got[rec.kind] = rec.id
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for notifications, have %v", got)
		}
	}
	assert.Equal(t, event.ID, got["inserted"])
	assert.Equal(t, "watched", got["sub_created"])
}

func TestPublishRateLimit(t *testing.T) {
	r := newTestRelay(t, Options{MaxEventsPerMinute: 1})
	conn := dialTestRelay(t, r)

	sk := nostr.GeneratePrivateKey()
	now := time.Now().Unix()

	first := signedEvent(t, sk, 1, "one", nil, now)
	publish(t, conn, first)
	success, _ := readOK(t, conn, first.ID)
	require.True(t, success)

	second := signedEvent(t, sk, 1, "two", nil, now)
	publish(t, conn, second)
	success, message := readOK(t, conn, second.ID)
	assert.False(t, success)
	assert.Contains(t, message, "rate-limited")
}

func TestMalformedFrameIgnored(t *testing.T) {
	r := newTestRelay(t, Options{})
	conn := dialTestRelay(t, r)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`["NOPE"]`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))

	// The connection survives and still handles well-formed traffic.
	sk := nostr.GeneratePrivateKey()
	event := signedEvent(t, sk, 1, "still here", nil, time.Now().Unix())
	publish(t, conn, event)
	success, _ := readOK(t, conn, event.ID)
	assert.True(t, success)
}
