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

package mlsmeow

import (
	"context"
	"errors"

	"go.mau.fi/mlsmeow/pkg/mlsmeow/web"
)

var ErrAlreadyConnected = errors.New("relay is already connected")

// ConnectRelay opens the relay stream for the local user. Every received
// envelope goes through ProcessIncoming and resulting events are passed to
// EventHandler. The stream stays open until Disconnect is called, ctx is
// canceled or the relay goes away.
func (cli *Client) ConnectRelay(ctx context.Context) error {
	name, err := cli.Name()
	if err != nil {
		return err
	}
	cli.relayLock.Lock()
	defer cli.relayLock.Unlock()
	if cli.relay != nil {
		return ErrAlreadyConnected
	}
	conn, err := web.DialRelay(ctx, cli.Directory.RelayURL(name), cli.RelayReadLimit)
	if err != nil {
		return wrapErr(KindNotConnected, err)
	}
	log := cli.Log.With().Str("component", "relay").Logger()
	loopCtx, cancel := context.WithCancel(log.WithContext(ctx))
	cli.relay = conn
	cli.relayCancel = cancel
	cli.relayWg.Add(1)
	go func() {
		defer cli.relayWg.Done()
		err := conn.ReadLoop(loopCtx, func(envelope []byte) {
			cli.handleEnvelope(loopCtx, envelope)
		})
		if err != nil {
			log.Err(err).Msg("Relay connection lost")
		} else {
			log.Debug().Msg("Relay connection closed")
		}
		cli.relayLock.Lock()
		if cli.relay == conn {
			cli.relay = nil
			cli.relayCancel = nil
		}
		cli.relayLock.Unlock()
		cancel()
		_ = conn.Close()
	}()
	log.Info().Msg("Connected to relay")
	return nil
}

func (cli *Client) IsConnected() bool {
	cli.relayLock.Lock()
	defer cli.relayLock.Unlock()
	return cli.relay != nil
}

// handleEnvelope processes a frame from the relay. The relay forwards every
// frame to every peer, so envelopes for groups this client isn't in are
// expected and only logged.
func (cli *Client) handleEnvelope(ctx context.Context, envelope []byte) {
	evt, err := cli.ProcessIncoming(ctx, envelope)
	if err != nil {
		cli.Log.Debug().
			Err(err).
			Str("error_kind", string(KindOf(err))).
			Int("envelope_len", len(envelope)).
			Msg("Dropped envelope from relay")
		return
	}
	if evt != nil {
		cli.handleEvent(evt)
	}
}

// SendEnvelope writes one serialized envelope to the relay.
func (cli *Client) SendEnvelope(ctx context.Context, envelope []byte) error {
	cli.relayLock.Lock()
	conn := cli.relay
	cli.relayLock.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if err := conn.Send(ctx, envelope); err != nil {
		return wrapErr(KindSendFailed, err)
	}
	return nil
}

// Disconnect closes the relay stream and waits for the read loop to exit.
func (cli *Client) Disconnect() {
	cli.relayLock.Lock()
	conn, cancel := cli.relay, cli.relayCancel
	cli.relay, cli.relayCancel = nil, nil
	cli.relayLock.Unlock()
	if conn != nil {
		_ = conn.Close()
		cancel()
	}
	cli.relayWg.Wait()
}
