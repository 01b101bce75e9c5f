// Package relay implements the beacon protocol state machine: per-connection
// message handling, challenge/response authentication, subscription
// management and event fan-out over WebSocket connections.
package relay

import (
	"context"
	"net/http"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"

	"github.com/teranos/beacon/config"
	"github.com/teranos/beacon/session"
	"github.com/teranos/beacon/store"
	"github.com/teranos/beacon/wire"
)

// Options holds the protocol-level settings for a Relay.
type Options struct {
	// Name is used in logs only.
	Name string
	// URL is the relay's public URL, matched against AUTH relay tags when
	// RequireRelayTag is set.
	URL string
	// Challenge enables issuing an AUTH challenge on connect.
	Challenge bool
	// RequireRelayTag requires AUTH events to carry a relay tag equal to URL.
	RequireRelayTag bool
	// MaxMessageBytes caps inbound frames; 0 uses the default.
	MaxMessageBytes int64
	// MaxEventsPerMinute limits publishes per connection; 0 disables.
	MaxEventsPerMinute int
	// AllowedOrigins restricts WebSocket upgrades by Origin header prefix.
	// Empty means any origin.
	AllowedOrigins []string
}

// OptionsFromConfig maps the relay section of the configuration onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Name:               cfg.Relay.Name,
		URL:                cfg.Relay.URL,
		Challenge:          cfg.Relay.Auth.Challenge,
		RequireRelayTag:    cfg.Relay.Auth.RequireRelayTag,
		MaxMessageBytes:    cfg.Relay.MaxMessageBytes,
		MaxEventsPerMinute: cfg.Relay.MaxEventsPerMinute,
		AllowedOrigins:     cfg.Server.AllowedOrigins,
	}
}

// Relay coordinates the event store and the session registry. One Relay
// serves many concurrent connections, each driven by its own read pump.
type Relay struct {
	eventStore *store.Store
	sessions   *session.Registry
	logger     *zap.SugaredLogger

	optsMu sync.RWMutex
	opts   Options

	hooksMu sync.RWMutex
	hooks   Hooks

	clientsMu sync.RWMutex
	clients   map[string]*Client

	listenerMu sync.RWMutex
	listeners  []Listener

	// publishMu serializes local publishes so the synchronous broadcast of
	// one insert completes before the next begins.
	publishMu sync.Mutex

	// lastMu guards lastInserted, the id of the most recent local insert.
	// Its only purpose is suppressing the store notification for our own
	// write, which we broadcast synchronously instead.
	lastMu       sync.Mutex
	lastInserted string

	httpServer *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Relay on the given store. The relay subscribes to the
// store's insertion feed so events written by other processes sharing the
// database are fanned out too.
func New(eventStore *store.Store, opts Options, logger *zap.SugaredLogger) *Relay {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	ctx, cancel := context.WithCancel(context.Background())

	r := &Relay{
		eventStore: eventStore,
		sessions:   session.NewRegistry(logger),
		logger:     logger,
		opts:       opts,
		clients:    make(map[string]*Client),
		ctx:        ctx,
		cancel:     cancel,
	}

	eventStore.OnInserted(func(event nostr.Event) {
		// Our own inserts are broadcast synchronously by the EVENT
		// handler; everything else on the feed came from another writer
		if r.lastInsertedID() == event.ID {
			return
		}
		r.broadcast(&event)
	})

	return r
}

// Sessions exposes the session registry to collaborators (read-mostly use).
func (r *Relay) Sessions() *session.Registry {
	return r.sessions
}

// SetHooks installs the access-control hooks. Nil fields disable the
// corresponding check.
func (r *Relay) SetHooks(hooks Hooks) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.hooks = hooks
}

func (r *Relay) currentHooks() Hooks {
	r.hooksMu.RLock()
	defer r.hooksMu.RUnlock()
	return r.hooks
}

// ApplyConfig updates runtime-adjustable options, used by the config
// watcher. Connection-scoped settings (read limit) apply to new connections.
func (r *Relay) ApplyConfig(cfg *config.Config) error {
	opts := OptionsFromConfig(cfg)
	r.optsMu.Lock()
	r.opts = opts
	r.optsMu.Unlock()

	r.logger.Infow("Relay options updated",
		"relay_name", opts.Name,
		"challenge", opts.Challenge,
		"require_relay_tag", opts.RequireRelayTag,
	)
	return nil
}

func (r *Relay) options() Options {
	r.optsMu.RLock()
	defer r.optsMu.RUnlock()
	return r.opts
}

func (r *Relay) setLastInserted(id string) {
	r.lastMu.Lock()
	r.lastInserted = id
	r.lastMu.Unlock()
}

func (r *Relay) lastInsertedID() string {
	r.lastMu.Lock()
	defer r.lastMu.Unlock()
	return r.lastInserted
}

func (r *Relay) registerClient(client *Client) {
	r.clientsMu.Lock()
	r.clients[client.id] = client
	r.clientsMu.Unlock()
}

func (r *Relay) unregisterClient(client *Client) {
	r.clientsMu.Lock()
	delete(r.clients, client.id)
	r.clientsMu.Unlock()
}

func (r *Relay) client(connID string) *Client {
	r.clientsMu.RLock()
	defer r.clientsMu.RUnlock()
	return r.clients[connID]
}

// ClientCount reports how many connections are currently open.
func (r *Relay) ClientCount() int {
	r.clientsMu.RLock()
	defer r.clientsMu.RUnlock()
	return len(r.clients)
}

// broadcast delivers an event to every live subscription whose filters
// match it. Matching uses the same OR-across-filters semantics as store
// queries. Delivery is an enqueue onto each client's send channel, so the
// registry lock held during iteration is never held across network I/O.
func (r *Relay) broadcast(event *nostr.Event) {
	r.sessions.ForEachMatching(event, func(sub *session.Subscription) {
		client := r.client(sub.ConnectionID)
		if client == nil {
			return
		}
		frame, err := wire.MarshalEvent(sub.ID, event)
		if err != nil {
			r.logger.Errorw("Failed to encode broadcast event",
				"event_id", event.ID,
				"sub_id", sub.ID,
				"error", err,
			)
			return
		}
		client.enqueue(frame)
	})
}

// dispatch routes one decoded message to its handler.
func (r *Relay) dispatch(client *Client, msg wire.Message) {
	switch m := msg.(type) {
	case wire.ReqMessage:
		r.handleReq(client, m)
	case wire.EventMessage:
		r.handleEvent(client, m)
	case wire.AuthMessage:
		r.handleAuth(client, m)
	case wire.CloseMessage:
		r.handleClose(client, m)
	}
}
