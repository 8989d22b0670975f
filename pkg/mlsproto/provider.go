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

package mlsproto

import (
	"sync"
)

type initKeyPair struct {
	private []byte
	public  []byte
}

// Provider is the process-local key store. It keeps the private init keys of
// key packages created here until a welcome consumes them. Nothing in it is
// persisted.
type Provider struct {
	lock     sync.Mutex
	initKeys map[KeyPackageRef]initKeyPair
}

func NewProvider() *Provider {
	return &Provider{initKeys: make(map[KeyPackageRef]initKeyPair)}
}

func (p *Provider) storeInitKey(ref KeyPackageRef, kp initKeyPair) {
	p.lock.Lock()
	p.initKeys[ref] = kp
	p.lock.Unlock()
}

func (p *Provider) initKey(ref KeyPackageRef) (initKeyPair, bool) {
	p.lock.Lock()
	defer p.lock.Unlock()
	kp, ok := p.initKeys[ref]
	return kp, ok
}

func (p *Provider) deleteInitKey(ref KeyPackageRef) {
	p.lock.Lock()
	delete(p.initKeys, ref)
	p.lock.Unlock()
}

// PendingKeyPackages returns how many published key packages have not been
// consumed by a welcome yet.
func (p *Provider) PendingKeyPackages() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return len(p.initKeys)
}
