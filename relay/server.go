package relay

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/teranos/beacon/errors"
	"github.com/teranos/beacon/session"
	"github.com/teranos/beacon/wire"
)

// HandleWebSocket upgrades an HTTP request and starts the connection's
// pumps. Usable directly on any mux for embedding the relay in a larger
// server.
func (r *Relay) HandleWebSocket(w http.ResponseWriter, req *http.Request) {
	opts := r.options()

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warnw("WebSocket upgrade failed",
			"remote_addr", req.RemoteAddr,
			"error", err,
		)
		return
	}

	connID := uuid.NewString()

	var challenge string
	if opts.Challenge {
		challenge = uuid.NewString()
	}

	r.sessions.Register(&session.Connection{
		ID:        connID,
		Challenge: challenge,
	})

	client := &Client{
		relay: r,
		conn:  conn,
		id:    connID,
		send:  make(chan []byte, sendQueueSize),
	}
	if opts.MaxEventsPerMinute > 0 {
		client.publishLimiter = rate.NewLimiter(
			rate.Limit(float64(opts.MaxEventsPerMinute)/60.0),
			opts.MaxEventsPerMinute,
		)
	}
	r.registerClient(client)

	r.logger.Debugw("Connection accepted",
		"conn_id", connID,
		"remote_addr", req.RemoteAddr,
	)
	r.notifyConnect(connID)

	// The greeting goes onto the queue before the pumps start, so it is
	// the first frame the peer sees.
	if challenge != "" {
		frame, err := wire.MarshalAuthChallenge(challenge)
		if err != nil {
			r.logger.Errorw("Failed to encode AUTH challenge", "error", err)
		} else {
			client.enqueue(frame)
		}
	}

	r.wg.Add(1)
	go client.writePump()
	go client.readPump(opts.MaxMessageBytes)
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(req *http.Request) bool {
		if len(allowed) == 0 {
			return true
		}
		origin := req.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, prefix := range allowed {
			if strings.HasPrefix(origin, prefix) {
				return true
			}
		}
		return false
	}
}

// ListenAndServe runs an HTTP server that upgrades every request path to
// the relay protocol. Blocks until Shutdown.
func (r *Relay) ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", r.HandleWebSocket)

	r.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	r.logger.Infow("Relay listening",
		"addr", addr,
		"relay_name", r.options().Name,
	)

	if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "relay server")
	}
	return nil
}

// Shutdown closes every client connection and stops the HTTP listener.
// Connections are drained before this returns so the store can be closed
// safely afterwards.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warnw("Timed out waiting for connections to drain")
	}

	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(ctx); err != nil {
			return errors.Wrap(err, "shutting down relay server")
		}
	}
	return nil
}
