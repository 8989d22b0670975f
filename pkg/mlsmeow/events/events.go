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

package events

import (
	"go.mau.fi/mlsmeow/pkg/mlsmeow/types"
)

// GroupEvent is implemented by every event the client surfaces to the
// presentation layer.
type GroupEvent interface {
	isGroupEvent()
}

func (*Joined) isGroupEvent()          {}
func (*MessageReceived) isGroupEvent() {}

// Joined is emitted after a welcome was accepted and the group is usable.
type Joined struct {
	GroupID types.GroupID `json:"group_id"`
}

type MessageReceived struct {
	GroupID   types.GroupID `json:"group_id"`
	Sender    string        `json:"sender"`
	Plaintext []byte        `json:"plaintext"`
}
