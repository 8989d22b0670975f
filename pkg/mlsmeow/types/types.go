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

package types

import (
	"encoding/base64"
)

// GroupID is the transport encoding of a protocol group id: unpadded
// URL-safe base64.
type GroupID string

func NewGroupID(raw []byte) GroupID {
	return GroupID(base64.RawURLEncoding.EncodeToString(raw))
}

func (id GroupID) Bytes() ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(string(id))
}

func (id GroupID) String() string {
	return string(id)
}

// EncodeIdentity encodes a credential identity the same way as group ids.
func EncodeIdentity(identity []byte) string {
	return base64.RawURLEncoding.EncodeToString(identity)
}
