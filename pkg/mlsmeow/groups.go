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
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"go.mau.fi/mlsmeow/pkg/mlsmeow/types"
	"go.mau.fi/mlsmeow/pkg/mlsproto"
)

// groupConfig is used for created and joined groups alike, so any member can
// send welcomes that new members are able to join from.
var groupConfig = mlsproto.GroupConfig{
	UseRatchetTreeExtension: true,
}

// Invitation is the result of adding a member to a group. Welcome must reach
// the invitee, Commit must reach the members that were already in the group.
type Invitation struct {
	GroupID types.GroupID
	Welcome []byte
	Commit  []byte
}

func (cli *Client) getGroup(groupID types.GroupID) (*groupSession, error) {
	cli.groupsLock.RLock()
	defer cli.groupsLock.RUnlock()
	session, ok := cli.groups[groupID]
	if !ok {
		return nil, ErrGroupNotFound
	}
	return session, nil
}

// putGroup stores a new group state. It never replaces an existing one, ok is
// false if the id is already taken.
func (cli *Client) putGroup(group *mlsproto.Group) (groupID types.GroupID, ok bool) {
	groupID = types.NewGroupID(group.GroupID())
	cli.groupsLock.Lock()
	defer cli.groupsLock.Unlock()
	if _, exists := cli.groups[groupID]; exists {
		return groupID, false
	}
	cli.groups[groupID] = &groupSession{group: group}
	return groupID, true
}

// discardGroup must be called with session.lock held.
func (cli *Client) discardGroup(groupID types.GroupID, session *groupSession) {
	session.group = nil
	cli.groupsLock.Lock()
	if cli.groups[groupID] == session {
		delete(cli.groups, groupID)
	}
	cli.groupsLock.Unlock()
}

// withGroup runs fn with exclusive access to the state of one group.
func (cli *Client) withGroup(groupID types.GroupID, fn func(session *groupSession) error) error {
	session, err := cli.getGroup(groupID)
	if err != nil {
		return err
	}
	session.lock.Lock()
	defer session.lock.Unlock()
	if session.group == nil {
		return ErrGroupNotFound
	}
	return fn(session)
}

func (cli *Client) CreateGroup() (types.GroupID, error) {
	user, err := cli.getUser()
	if err != nil {
		return "", err
	}
	group, err := mlsproto.NewGroup(cli.provider, user.signer, groupConfig, user.credential)
	if err != nil {
		return "", wrapErr(KindCreateFailed, fmt.Errorf("failed to create group: %w", err))
	}
	groupID, ok := cli.putGroup(group)
	if !ok {
		return "", wrapErr(KindCreateFailed, fmt.Errorf("group id %s is already in use", groupID))
	}
	cli.Log.Info().Stringer("group_id", groupID).Msg("Created group")
	return groupID, nil
}

// ListGroups returns the ids of all groups this client is a member of, sorted.
func (cli *Client) ListGroups() []types.GroupID {
	cli.groupsLock.RLock()
	ids := maps.Keys(cli.groups)
	cli.groupsLock.RUnlock()
	slices.Sort(ids)
	return ids
}

// Invite adds the member published under identity to the group and returns
// the serialized welcome for them.
func (cli *Client) Invite(ctx context.Context, groupID types.GroupID, identity string) ([]byte, error) {
	invitation, err := cli.InviteMember(ctx, groupID, identity)
	if err != nil {
		return nil, err
	}
	return invitation.Welcome, nil
}

// InviteMember is like Invite, but also returns the commit for the existing
// members of the group.
//
// The key package is fetched without holding any lock. Adding the member and
// merging the resulting commit happen under the group's lock, so no other
// operation on the group can observe the pending commit.
func (cli *Client) InviteMember(ctx context.Context, groupID types.GroupID, identity string) (*Invitation, error) {
	user, err := cli.getUser()
	if err != nil {
		return nil, err
	}
	if _, err = cli.getGroup(groupID); err != nil {
		return nil, err
	}
	log := zerolog.Ctx(ctx).With().
		Stringer("group_id", groupID).
		Str("invitee", identity).
		Logger()

	data, err := cli.Directory.FetchKeyPackage(ctx, identity)
	if err != nil {
		return nil, wrapErr(KindPackageFetchFailed, err)
	}
	keyPackageIn, err := mlsproto.DeserializeKeyPackage(data)
	if err != nil {
		return nil, wrapErr(KindPackageInvalid, err)
	}
	keyPackage, err := keyPackageIn.Validate(mlsproto.DefaultProtocolVersion)
	if err != nil {
		return nil, wrapErr(KindPackageInvalid, err)
	}

	var commit, welcome *mlsproto.MlsMessage
	err = cli.withGroup(groupID, func(session *groupSession) error {
		commit, welcome, err = session.group.AddMembers(cli.provider, user.signer, []*mlsproto.KeyPackage{keyPackage})
		if err != nil {
			return wrapErr(KindAddMemberFailed, err)
		}
		if err = session.group.MergePendingCommit(); err != nil {
			log.Err(err).Msg("Failed to merge pending commit, discarding group")
			cli.discardGroup(groupID, session)
			return wrapErr(KindGroupCorrupted, err)
		}
		log.Debug().Uint64("epoch", session.group.Epoch()).Msg("Added member to group")
		return nil
	})
	if err != nil {
		return nil, err
	}

	invitation := &Invitation{GroupID: groupID}
	if invitation.Welcome, err = welcome.Serialize(); err != nil {
		return nil, wrapErr(KindSerializeFailed, fmt.Errorf("failed to serialize welcome: %w", err))
	} else if invitation.Commit, err = commit.Serialize(); err != nil {
		return nil, wrapErr(KindSerializeFailed, fmt.Errorf("failed to serialize commit: %w", err))
	}
	return invitation, nil
}

// CreateMessage encrypts plaintext for the current epoch of the group.
func (cli *Client) CreateMessage(groupID types.GroupID, plaintext []byte) ([]byte, error) {
	user, err := cli.getUser()
	if err != nil {
		return nil, err
	}
	var message *mlsproto.MlsMessage
	err = cli.withGroup(groupID, func(session *groupSession) error {
		message, err = session.group.CreateMessage(user.signer, plaintext)
		if err != nil {
			return wrapErr(KindCreateFailed, fmt.Errorf("failed to create message: %w", err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	data, err := message.Serialize()
	if err != nil {
		return nil, wrapErr(KindSerializeFailed, err)
	}
	return data, nil
}
