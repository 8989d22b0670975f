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

package directory

import (
	"bytes"
	"context"
	"errors"
	"sync"

	"golang.org/x/exp/maps"
)

var (
	ErrNotFound          = errors.New("no key package published for identity")
	ErrMalformedIdentity = errors.New("identity is not valid text")
	ErrMalformedPackage  = errors.New("malformed key package")
)

// Store maps identities to the last key package published for them.
type Store interface {
	Publish(ctx context.Context, identity string, keyPackage []byte) error
	List(ctx context.Context) ([]string, error)
	Get(ctx context.Context, identity string) ([]byte, error)
}

var _ Store = (*MemoryStore)(nil)

type MemoryStore struct {
	packages map[string][]byte
	lock     sync.RWMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{packages: make(map[string][]byte)}
}

func (ms *MemoryStore) Publish(_ context.Context, identity string, keyPackage []byte) error {
	ms.lock.Lock()
	ms.packages[identity] = bytes.Clone(keyPackage)
	ms.lock.Unlock()
	return nil
}

func (ms *MemoryStore) List(_ context.Context) ([]string, error) {
	ms.lock.RLock()
	defer ms.lock.RUnlock()
	return maps.Keys(ms.packages), nil
}

func (ms *MemoryStore) Get(_ context.Context, identity string) ([]byte, error) {
	ms.lock.RLock()
	defer ms.lock.RUnlock()
	keyPackage, ok := ms.packages[identity]
	if !ok {
		return nil, ErrNotFound
	}
	return bytes.Clone(keyPackage), nil
}
