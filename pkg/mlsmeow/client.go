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

// Package mlsmeow is the client-side group session manager. It owns the local
// user and the group states of one process, talks to the key package
// directory over HTTP and exchanges envelopes through the relay.
package mlsmeow

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"go.mau.fi/mlsmeow/pkg/mlsmeow/events"
	"go.mau.fi/mlsmeow/pkg/mlsmeow/types"
	"go.mau.fi/mlsmeow/pkg/mlsmeow/web"
	"go.mau.fi/mlsmeow/pkg/mlsproto"
)

type localUser struct {
	credential mlsproto.CredentialWithKey
	signer     *mlsproto.SignatureKeyPair
}

// groupSession guards one group state. A nil group means the session was
// discarded after being looked up.
type groupSession struct {
	lock  sync.Mutex
	group *mlsproto.Group
}

type Client struct {
	Log       zerolog.Logger
	Directory *web.DirectoryClient

	EventHandler func(events.GroupEvent)
	// RelayReadLimit is the largest relay frame ConnectRelay accepts.
	RelayReadLimit int64

	provider *mlsproto.Provider

	userLock sync.RWMutex
	user     *localUser

	groupsLock sync.RWMutex
	groups     map[types.GroupID]*groupSession

	relayLock   sync.Mutex
	relay       *web.RelayConn
	relayCancel context.CancelFunc
	relayWg     sync.WaitGroup
}

func NewClient(directory *web.DirectoryClient, log zerolog.Logger, evtHandler func(events.GroupEvent)) *Client {
	return &Client{
		Log:            log,
		Directory:      directory,
		EventHandler:   evtHandler,
		RelayReadLimit: web.DefaultRelayReadLimit,
		provider:       mlsproto.NewProvider(),
		groups:         make(map[types.GroupID]*groupSession),
	}
}

func (cli *Client) handleEvent(evt events.GroupEvent) {
	if cli.EventHandler != nil {
		cli.EventHandler(evt)
	}
}

// CreateUser installs the local identity. It can only be called once.
func (cli *Client) CreateUser(name string) error {
	cli.userLock.Lock()
	defer cli.userLock.Unlock()
	if cli.user != nil {
		return ErrUserExists
	}
	credential, err := mlsproto.NewBasicCredential([]byte(name))
	if err != nil {
		return wrapErr(KindCreateFailed, fmt.Errorf("failed to create credential: %w", err))
	}
	signer, err := mlsproto.GenerateSignatureKeyPair()
	if err != nil {
		return wrapErr(KindCreateFailed, fmt.Errorf("failed to create signature key pair: %w", err))
	}
	cli.user = &localUser{
		credential: mlsproto.CredentialWithKey{
			Credential:   *credential,
			SignatureKey: signer.Public(),
		},
		signer: signer,
	}
	cli.Log.Debug().Str("name", name).Msg("Created local user")
	return nil
}

func (cli *Client) IsAuthenticated() bool {
	cli.userLock.RLock()
	defer cli.userLock.RUnlock()
	return cli.user != nil
}

func (cli *Client) getUser() (*localUser, error) {
	cli.userLock.RLock()
	defer cli.userLock.RUnlock()
	if cli.user == nil {
		return nil, ErrNoUser
	}
	return cli.user, nil
}

// Identity returns the local credential identity in transport encoding.
func (cli *Client) Identity() (string, error) {
	user, err := cli.getUser()
	if err != nil {
		return "", err
	}
	return types.EncodeIdentity(user.credential.Credential.Identity), nil
}

// Name returns the identity the local user was created with, which is also
// the key it is published under in the directory.
func (cli *Client) Name() (string, error) {
	user, err := cli.getUser()
	if err != nil {
		return "", err
	}
	return string(user.credential.Credential.Identity), nil
}

// PublishKeyPackage creates a fresh key package and uploads it to the
// directory, replacing the previous one.
func (cli *Client) PublishKeyPackage(ctx context.Context) error {
	user, err := cli.getUser()
	if err != nil {
		return err
	}
	keyPackage, err := mlsproto.NewKeyPackage(cli.provider, user.signer, user.credential)
	if err != nil {
		return wrapErr(KindCreateFailed, fmt.Errorf("failed to create key package: %w", err))
	}
	data, err := keyPackage.Serialize()
	if err != nil {
		return wrapErr(KindSerializeFailed, err)
	}
	err = cli.Directory.PublishKeyPackage(ctx, data)
	if err != nil {
		return wrapErr(KindPublishFailed, err)
	}
	zerolog.Ctx(ctx).Debug().
		Stringer("key_package_ref", keyPackage.Ref()).
		Int("package_len", len(data)).
		Msg("Published key package")
	return nil
}

// ListIdentities returns the identities that currently have a key package in
// the directory.
func (cli *Client) ListIdentities(ctx context.Context) ([]string, error) {
	identities, err := cli.Directory.ListIdentities(ctx)
	if err != nil {
		return nil, wrapErr(KindPackageFetchFailed, err)
	}
	return identities, nil
}
