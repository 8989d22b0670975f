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
	"fmt"

	"github.com/rs/zerolog"

	"go.mau.fi/mlsmeow/pkg/mlsmeow/events"
	"go.mau.fi/mlsmeow/pkg/mlsmeow/types"
	"go.mau.fi/mlsmeow/pkg/mlsproto"
)

// ProcessIncoming absorbs one envelope received from the network. Welcomes
// produce a Joined event and application messages a MessageReceived event.
// Commits from other members are merged and proposals are acknowledged, both
// without an event, in which case the returned event is nil.
func (cli *Client) ProcessIncoming(ctx context.Context, data []byte) (events.GroupEvent, error) {
	message, err := mlsproto.DeserializeMessage(data)
	if err != nil {
		return nil, wrapErr(KindDeserializeFailed, err)
	}
	switch body := message.Body.(type) {
	case *mlsproto.Welcome:
		return cli.handleWelcome(ctx, body)
	case *mlsproto.PrivateMessage:
		return cli.handlePrivateMessage(ctx, body)
	default:
		return nil, wrapErr(KindUnsupportedEnvelope, fmt.Errorf("wire format %s", body.WireFormat()))
	}
}

func (cli *Client) handleWelcome(ctx context.Context, welcome *mlsproto.Welcome) (events.GroupEvent, error) {
	group, err := mlsproto.NewGroupFromWelcome(cli.provider, groupConfig, welcome)
	if err != nil {
		return nil, wrapErr(KindJoinFailed, err)
	}
	groupID, ok := cli.putGroup(group)
	if !ok {
		zerolog.Ctx(ctx).Warn().Stringer("group_id", groupID).Msg("Ignoring welcome for a group that is already joined")
		return nil, wrapErr(KindJoinFailed, fmt.Errorf("already a member of group %s", groupID))
	}
	zerolog.Ctx(ctx).Info().
		Stringer("group_id", groupID).
		Uint64("epoch", group.Epoch()).
		Int("member_count", len(group.Members())).
		Msg("Joined group from welcome")
	return &events.Joined{GroupID: groupID}, nil
}

func (cli *Client) handlePrivateMessage(ctx context.Context, msg *mlsproto.PrivateMessage) (events.GroupEvent, error) {
	groupID := types.NewGroupID(msg.GroupID)
	log := zerolog.Ctx(ctx).With().
		Stringer("group_id", groupID).
		Uint64("epoch", msg.Epoch).
		Logger()
	var evt events.GroupEvent
	err := cli.withGroup(groupID, func(session *groupSession) error {
		processed, err := session.group.ProcessMessage(msg)
		if err != nil {
			return wrapErr(KindProcessingFailed, err)
		}
		sender, _ := processed.Sender.Credential.IdentityString()
		switch content := processed.Content.(type) {
		case *mlsproto.ApplicationMessage:
			log.Debug().
				Str("sender", sender).
				Int("plaintext_len", len(content.Bytes)).
				Msg("Decrypted application message")
			evt = &events.MessageReceived{
				GroupID:   groupID,
				Sender:    sender,
				Plaintext: content.Bytes,
			}
		case *mlsproto.StagedCommitMessage:
			if err = session.group.MergeStagedCommit(content); err != nil {
				return wrapErr(KindProcessingFailed, fmt.Errorf("failed to merge commit: %w", err))
			}
			log.Debug().
				Str("sender", sender).
				Int("added_count", len(content.Added)).
				Uint64("new_epoch", session.group.Epoch()).
				Msg("Merged commit from group member")
		case *mlsproto.ProposalMessage:
			log.Debug().Str("sender", sender).Msg("Ignoring proposal")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return evt, nil
}
