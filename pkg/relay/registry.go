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
	"sync"

	"github.com/google/uuid"
)

// Registry is the shared set of live peer handles. Its lock is only held for
// map operations, never while talking to a peer.
type Registry struct {
	peers map[uuid.UUID]*PeerHandle
	lock  sync.Mutex
}

func NewRegistry() *Registry {
	return &Registry{peers: make(map[uuid.UUID]*PeerHandle)}
}

func (r *Registry) Add(peer *PeerHandle) {
	r.lock.Lock()
	r.peers[peer.ID] = peer
	r.lock.Unlock()
}

func (r *Registry) Remove(ids ...uuid.UUID) (removed int) {
	r.lock.Lock()
	defer r.lock.Unlock()
	for _, id := range ids {
		if _, ok := r.peers[id]; ok {
			delete(r.peers, id)
			removed++
		}
	}
	return
}

func (r *Registry) Contains(id uuid.UUID) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	_, ok := r.peers[id]
	return ok
}

func (r *Registry) Len() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.peers)
}

// Others returns a snapshot of every registered peer except the given one.
// Peers registering after the snapshot won't see the current broadcast.
func (r *Registry) Others(self uuid.UUID) []*PeerHandle {
	r.lock.Lock()
	defer r.lock.Unlock()
	others := make([]*PeerHandle, 0, len(r.peers))
	for id, peer := range r.peers {
		if id != self {
			others = append(others, peer)
		}
	}
	return others
}
