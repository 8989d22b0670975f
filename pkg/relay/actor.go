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

package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

var (
	ErrPeerStopped = errors.New("peer actor has stopped")
	ErrQueueFull   = errors.New("peer queue is full")
)

type PeerState int32

const (
	PeerConnecting PeerState = iota
	PeerRunning
	PeerStopped
)

func (s PeerState) String() string {
	switch s {
	case PeerConnecting:
		return "connecting"
	case PeerRunning:
		return "running"
	case PeerStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// PeerHandle is the only way other components can reach a peer. The
// connection itself is owned by the actor goroutine.
type PeerHandle struct {
	ID       uuid.UUID
	Identity string

	inbox    chan []byte
	done     chan struct{}
	stopOnce sync.Once
	state    atomic.Int32
}

func newPeerHandle(identity string, queueSize int) *PeerHandle {
	return &PeerHandle{
		ID:       uuid.New(),
		Identity: identity,
		inbox:    make(chan []byte, queueSize),
		done:     make(chan struct{}),
	}
}

// Forward queues payload to be written to the peer. It never blocks: a peer
// whose queue is full misses this payload.
func (h *PeerHandle) Forward(payload []byte) error {
	select {
	case <-h.done:
		return ErrPeerStopped
	default:
	}
	select {
	case h.inbox <- payload:
		return nil
	case <-h.done:
		return ErrPeerStopped
	default:
		return ErrQueueFull
	}
}

func (h *PeerHandle) State() PeerState {
	return PeerState(h.state.Load())
}

// Done is closed once the actor has stopped.
func (h *PeerHandle) Done() <-chan struct{} {
	return h.done
}

func (h *PeerHandle) markStopped() {
	h.stopOnce.Do(func() {
		h.state.Store(int32(PeerStopped))
		close(h.done)
	})
}

type frame struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

type peerActor struct {
	handle       *PeerHandle
	conn         *websocket.Conn
	registry     *Registry
	metrics      *Metrics
	log          zerolog.Logger
	writeTimeout time.Duration
}

type instruction int

const (
	instructionContinue instruction = iota
	instructionStop
)

func (a *peerActor) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer a.stop(cancel)

	frames := make(chan frame)
	go a.readLoop(ctx, frames)

	a.handle.state.Store(int32(PeerRunning))
	a.metrics.connectedPeers.Inc()
	a.log.Debug().Msg("Actor started")
	for {
		result := instructionStop
		select {
		case payload := <-a.handle.inbox:
			result = a.handleForward(ctx, payload)
		case f, ok := <-frames:
			if ok {
				result = a.handleFrame(ctx, f)
			}
		case <-ctx.Done():
		}
		if result == instructionStop {
			return
		}
	}
}

func (a *peerActor) stop(cancel context.CancelFunc) {
	a.handle.markStopped()
	cancel()
	_ = a.conn.Close(websocket.StatusNormalClosure, "")
	a.registry.Remove(a.handle.ID)
	a.metrics.connectedPeers.Dec()
	a.log.Debug().Msg("Actor stopped")
}

func (a *peerActor) readLoop(ctx context.Context, frames chan<- frame) {
	defer close(frames)
	for {
		typ, data, err := a.conn.Read(ctx)
		select {
		case frames <- frame{typ: typ, data: data, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (a *peerActor) handleFrame(ctx context.Context, f frame) instruction {
	if f.err != nil {
		if status := websocket.CloseStatus(f.err); status != -1 {
			a.log.Debug().Stringer("status", status).Msg("Received close frame")
		} else if ctx.Err() == nil {
			a.log.Debug().Err(f.err).Msg("Transport closed")
		}
		return instructionStop
	}
	switch f.typ {
	case websocket.MessageBinary:
		a.metrics.frames.WithLabelValues("binary").Inc()
		a.broadcast(f.data)
	default:
		a.metrics.frames.WithLabelValues("other").Inc()
		a.log.Warn().Stringer("frame_type", f.typ).Msg("Received unexpected frame type, ignoring")
	}
	return instructionContinue
}

func (a *peerActor) broadcast(payload []byte) {
	var dead []uuid.UUID
	for _, other := range a.registry.Others(a.handle.ID) {
		err := other.Forward(payload)
		switch {
		case err == nil:
			a.metrics.forwards.WithLabelValues("ok").Inc()
		case errors.Is(err, ErrQueueFull):
			a.metrics.forwards.WithLabelValues("queue_full").Inc()
			a.log.Warn().Stringer("target_id", other.ID).Msg("Target queue is full, dropping frame for it")
		default:
			a.metrics.forwards.WithLabelValues("stopped").Inc()
			a.log.Debug().Err(err).Stringer("target_id", other.ID).Msg("Failed to forward frame")
			dead = append(dead, other.ID)
		}
	}
	if len(dead) > 0 {
		removed := a.registry.Remove(dead...)
		a.metrics.prunedPeers.Add(float64(removed))
		a.log.Debug().Int("count", removed).Msg("Pruned dead peers from registry")
	}
}

func (a *peerActor) handleForward(ctx context.Context, payload []byte) instruction {
	writeCtx, cancel := context.WithTimeout(ctx, a.writeTimeout)
	defer cancel()
	err := a.conn.Write(writeCtx, websocket.MessageBinary, payload)
	if err != nil {
		a.log.Debug().Err(err).Msg("Failed to write to peer")
		return instructionStop
	}
	return instructionContinue
}
