// mlsmeow - Group session orchestration over a membership-agnostic relay.
// Copyright (C) 2026 mlsmeow contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package relay implements the membership-agnostic message relay. Every
// websocket connection gets an actor goroutine, and every binary frame a peer
// sends is forwarded to all other connected peers. The relay never looks
// inside the frames.
package relay

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

const (
	DefaultQueueSize    = 8
	DefaultReadLimit    = 1024 * 1024
	DefaultWriteTimeout = 10 * time.Second
)

type Relay struct {
	Log      zerolog.Logger
	Registry *Registry
	Metrics  *Metrics

	QueueSize     int
	ReadLimit     int64
	WriteTimeout  time.Duration
	AcceptOptions *websocket.AcceptOptions

	ctx    context.Context
	cancel context.CancelFunc
	// lock guards closed and every wg.Add, so Close can't race with a new
	// connection.
	lock   sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func New(log zerolog.Logger, reg prometheus.Registerer) *Relay {
	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		Log:          log,
		Registry:     NewRegistry(),
		Metrics:      NewMetrics(reg),
		QueueSize:    DefaultQueueSize,
		ReadLimit:    DefaultReadLimit,
		WriteTimeout: DefaultWriteTimeout,

		ctx:    ctx,
		cancel: cancel,
	}
}

// Register adds the websocket endpoint GET /{identity}/messages to router.
// The identity path segment is only used for logging. Like the directory
// routes, it is matched in its escaped form.
func (r *Relay) Register(router *mux.Router) {
	router.UseEncodedPath()
	router.HandleFunc("/{identity}/messages", r.ServeHTTP).Methods(http.MethodGet)
}

func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	identity := mux.Vars(req)["identity"]
	if unescaped, err := url.PathUnescape(identity); err == nil {
		identity = unescaped
	}
	log := r.Log.With().Str("identity", identity).Logger()
	if !r.acquire() {
		http.Error(w, "relay is shutting down", http.StatusServiceUnavailable)
		return
	}
	defer r.wg.Done()
	conn, err := websocket.Accept(w, req, r.AcceptOptions)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to accept websocket upgrade")
		return
	}
	r.serve(identity, conn)
}

// acquire registers a connection with the wait group unless the relay has
// been closed.
func (r *Relay) acquire() bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.closed {
		return false
	}
	r.wg.Add(1)
	return true
}

// Serve runs an actor for an already upgraded connection and blocks until it
// stops. The actor is registered before it starts reading. If the relay is
// already closed, the connection is closed immediately.
func (r *Relay) Serve(identity string, conn *websocket.Conn) {
	if !r.acquire() {
		_ = conn.Close(websocket.StatusGoingAway, "relay is shutting down")
		return
	}
	defer r.wg.Done()
	r.serve(identity, conn)
}

func (r *Relay) serve(identity string, conn *websocket.Conn) {
	if r.ReadLimit > 0 {
		conn.SetReadLimit(r.ReadLimit)
	}
	queueSize := r.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	writeTimeout := r.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	handle := newPeerHandle(identity, queueSize)
	actor := &peerActor{
		handle:   handle,
		conn:     conn,
		registry: r.Registry,
		metrics:  r.Metrics,
		log: r.Log.With().
			Str("identity", identity).
			Stringer("peer_id", handle.ID).
			Logger(),
		writeTimeout: writeTimeout,
	}
	r.Registry.Add(handle)
	actor.log.Info().Msg("Peer connected")
	actor.run(r.ctx)
	actor.log.Info().Msg("Peer disconnected")
}

// Close stops every actor and waits for them to exit. New connections are
// refused afterwards.
func (r *Relay) Close() {
	r.lock.Lock()
	r.closed = true
	r.cancel()
	r.lock.Unlock()
	r.wg.Wait()
}
