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

package web

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

const relayWriteTimeout = 10 * time.Second

// DefaultRelayReadLimit matches the default frame size limit of the relay
// server.
const DefaultRelayReadLimit = 1 << 20

// RelayConn is one client-side relay stream. Every binary frame is one
// protocol envelope.
type RelayConn struct {
	ws *websocket.Conn
}

// DialRelay opens a relay stream. Frames larger than readLimit end the
// stream, so it should be at least the relay's own limit. Zero means
// DefaultRelayReadLimit.
func DialRelay(ctx context.Context, relayURL string, readLimit int64) (*RelayConn, error) {
	ws, _, err := websocket.Dial(ctx, relayURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relay: %w", err)
	}
	if readLimit <= 0 {
		readLimit = DefaultRelayReadLimit
	}
	ws.SetReadLimit(readLimit)
	return &RelayConn{ws: ws}, nil
}

func (rc *RelayConn) Send(ctx context.Context, envelope []byte) error {
	ctx, cancel := context.WithTimeout(ctx, relayWriteTimeout)
	defer cancel()
	return rc.ws.Write(ctx, websocket.MessageBinary, envelope)
}

// ReadLoop calls handler for every binary frame until the stream ends or ctx
// is canceled. A normal closure returns nil.
func (rc *RelayConn) ReadLoop(ctx context.Context, handler func(envelope []byte)) error {
	log := zerolog.Ctx(ctx)
	for {
		typ, data, err := rc.ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to read from relay: %w", err)
		}
		if typ != websocket.MessageBinary {
			log.Warn().Stringer("frame_type", typ).Msg("Ignoring non-binary frame from relay")
			continue
		}
		handler(data)
	}
}

func (rc *RelayConn) Close() error {
	return rc.ws.Close(websocket.StatusNormalClosure, "")
}
