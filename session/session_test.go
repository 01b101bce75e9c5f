package session

import (
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterUnregister(t *testing.T) {
	r := NewRegistry(nil)

	r.Register(&Connection{ID: "c1", Challenge: "nonce"})
	conn, ok := r.Connection("c1")
	require.True(t, ok)
	assert.Equal(t, "nonce", conn.Challenge)
	assert.Equal(t, 1, r.ConnectionCount())

	r.Unregister("c1")
	_, ok = r.Connection("c1")
	assert.False(t, ok)
	assert.Equal(t, 0, r.ConnectionCount())
}

func TestSetAuthenticated(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(&Connection{ID: "c1"})

	event := &nostr.Event{ID: "aa", Kind: 22242}
	r.SetAuthenticated("c1", event)

	conn, ok := r.Connection("c1")
	require.True(t, ok)
	assert.Equal(t, event, conn.AuthedEvent)
}

func TestAddOrUpdateSubscription(t *testing.T) {
	r := NewRegistry(nil)

	filters := nostr.Filters{{Kinds: []int{1}}}
	sub, created := r.AddOrUpdateSubscription("c1", "s1", filters)
	require.True(t, created)
	assert.Equal(t, "c1", sub.ConnectionID)
	assert.Equal(t, 1, r.SubscriptionCount())

	// Re-issuing the same id on the same connection replaces filters in
	// place without growing the set
	updated := nostr.Filters{{Kinds: []int{7}}}
	sub, created = r.AddOrUpdateSubscription("c1", "s1", updated)
	require.False(t, created)
	assert.Equal(t, updated, sub.Filters)
	assert.Equal(t, 1, r.SubscriptionCount())
}

func TestSubscriptionKeyedByConnectionAndID(t *testing.T) {
	r := NewRegistry(nil)

	_, created := r.AddOrUpdateSubscription("c1", "s1", nil)
	require.True(t, created)

	// The same id on a different connection is a distinct subscription
	_, created = r.AddOrUpdateSubscription("c2", "s1", nil)
	require.True(t, created)
	assert.Equal(t, 2, r.SubscriptionCount())

	// Removal only touches the owning connection's subscription
	_, ok := r.RemoveSubscription("c1", "s1")
	require.True(t, ok)
	assert.Equal(t, 1, r.SubscriptionCount())
}

func TestRemoveUnknownSubscriptionIsNoop(t *testing.T) {
	r := NewRegistry(nil)

	_, ok := r.RemoveSubscription("c1", "nope")
	assert.False(t, ok)
	assert.Equal(t, 0, r.SubscriptionCount())
}

func TestRemoveAllForConnection(t *testing.T) {
	r := NewRegistry(nil)

	r.AddOrUpdateSubscription("c1", "s1", nil)
	r.AddOrUpdateSubscription("c1", "s2", nil)
	r.AddOrUpdateSubscription("c2", "s1", nil)

	removed := r.RemoveAllForConnection("c1")
	require.Len(t, removed, 2)
	assert.Equal(t, "s1", removed[0].ID)
	assert.Equal(t, "s2", removed[1].ID)
	assert.Equal(t, 1, r.SubscriptionCount())
}

func TestForEachMatching(t *testing.T) {
	r := NewRegistry(nil)

	r.AddOrUpdateSubscription("c1", "kind1", nostr.Filters{{Kinds: []int{1}}})
	r.AddOrUpdateSubscription("c2", "kind7", nostr.Filters{{Kinds: []int{7}}})
	r.AddOrUpdateSubscription("c3", "either", nostr.Filters{{Kinds: []int{1}}, {Kinds: []int{7}}})

	event := &nostr.Event{Kind: 1, Tags: nostr.Tags{}}

	var matched []string
	r.ForEachMatching(event, func(sub *Subscription) {
		matched = append(matched, sub.ID)
	})

	assert.Equal(t, []string{"kind1", "either"}, matched)
}

func TestForEachMatchingEmptyFilterList(t *testing.T) {
	r := NewRegistry(nil)
	r.AddOrUpdateSubscription("c1", "s1", nostr.Filters{})

	var matched int
	r.ForEachMatching(&nostr.Event{Kind: 1, Tags: nostr.Tags{}}, func(*Subscription) {
		matched++
	})

	// A subscription with no filters matches nothing
	assert.Equal(t, 0, matched)
}
