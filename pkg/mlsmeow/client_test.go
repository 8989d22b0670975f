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

package mlsmeow_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.mau.fi/mlsmeow/pkg/directory"
	"go.mau.fi/mlsmeow/pkg/mlsmeow"
	"go.mau.fi/mlsmeow/pkg/mlsmeow/events"
	"go.mau.fi/mlsmeow/pkg/mlsmeow/types"
	"go.mau.fi/mlsmeow/pkg/mlsmeow/web"
	"go.mau.fi/mlsmeow/pkg/mlsproto"
	"go.mau.fi/mlsmeow/pkg/relay"
)

func newTestServer(t *testing.T) (string, *relay.Relay) {
	t.Helper()
	router := mux.NewRouter()
	dir := directory.New(directory.NewMemoryStore(), zerolog.Nop(), nil)
	directory.NewHandler(dir).Register(router)
	rel := relay.New(zerolog.Nop(), nil)
	rel.Register(router)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	t.Cleanup(rel.Close)
	return srv.URL, rel
}

func newDirectoryClient(t *testing.T, serverURL string) *web.DirectoryClient {
	t.Helper()
	dc, err := web.NewDirectoryClient(serverURL)
	require.NoError(t, err)
	return dc
}

// newUser creates a client with a user that has published a key package.
func newUser(t *testing.T, serverURL, name string) *mlsmeow.Client {
	t.Helper()
	cli := mlsmeow.NewClient(newDirectoryClient(t, serverURL), zerolog.Nop(), nil)
	require.NoError(t, cli.CreateUser(name))
	require.NoError(t, cli.PublishKeyPackage(context.Background()))
	return cli
}

func join(t *testing.T, inviter, invitee *mlsmeow.Client, groupID types.GroupID, identity string) *mlsmeow.Invitation {
	t.Helper()
	ctx := context.Background()
	invitation, err := inviter.InviteMember(ctx, groupID, identity)
	require.NoError(t, err)
	assert.Equal(t, groupID, invitation.GroupID)
	evt, err := invitee.ProcessIncoming(ctx, invitation.Welcome)
	require.NoError(t, err)
	assert.Equal(t, &events.Joined{GroupID: groupID}, evt)
	return invitation
}

func TestOperationsRequireUser(t *testing.T) {
	ctx := context.Background()
	cli := mlsmeow.NewClient(newDirectoryClient(t, "http://127.0.0.1:1"), zerolog.Nop(), nil)
	assert.False(t, cli.IsAuthenticated())

	_, err := cli.CreateMessage("group", []byte("hi"))
	assert.ErrorIs(t, err, mlsmeow.ErrNoUser)
	_, err = cli.CreateGroup()
	assert.ErrorIs(t, err, mlsmeow.ErrNoUser)
	_, err = cli.Invite(ctx, "group", "bob")
	assert.ErrorIs(t, err, mlsmeow.ErrNoUser)
	assert.ErrorIs(t, cli.PublishKeyPackage(ctx), mlsmeow.ErrNoUser)
	_, err = cli.Identity()
	assert.ErrorIs(t, err, mlsmeow.ErrNoUser)
	assert.ErrorIs(t, cli.ConnectRelay(ctx), mlsmeow.ErrNoUser)

	require.NoError(t, cli.CreateUser("alice"))
	assert.True(t, cli.IsAuthenticated())
	assert.ErrorIs(t, cli.CreateUser("alice"), mlsmeow.ErrUserExists)

	identity, err := cli.Identity()
	require.NoError(t, err)
	assert.Equal(t, types.EncodeIdentity([]byte("alice")), identity)
	name, err := cli.Name()
	require.NoError(t, err)
	assert.Equal(t, "alice", name)
}

func TestUnknownGroup(t *testing.T) {
	serverURL, _ := newTestServer(t)
	alice := newUser(t, serverURL, "alice")
	newUser(t, serverURL, "bob")

	_, err := alice.Invite(context.Background(), "nonexistent", "bob")
	assert.ErrorIs(t, err, mlsmeow.ErrGroupNotFound)
	_, err = alice.CreateMessage("nonexistent", []byte("hi"))
	assert.ErrorIs(t, err, mlsmeow.ErrGroupNotFound)
	assert.Empty(t, alice.ListGroups())
}

func TestInviteUnknownIdentity(t *testing.T) {
	serverURL, _ := newTestServer(t)
	alice := newUser(t, serverURL, "alice")
	groupID, err := alice.CreateGroup()
	require.NoError(t, err)

	_, err = alice.Invite(context.Background(), groupID, "nobody")
	assert.ErrorIs(t, err, mlsmeow.ErrPackageFetchFailed)
	assert.ErrorIs(t, err, web.ErrIdentityNotFound)

	_, err = alice.CreateMessage(groupID, []byte("still usable"))
	assert.NoError(t, err)
}

func TestInviteRejectsForgedPackage(t *testing.T) {
	ctx := context.Background()
	serverURL, _ := newTestServer(t)
	alice := newUser(t, serverURL, "alice")
	groupID, err := alice.CreateGroup()
	require.NoError(t, err)

	signer, err := mlsproto.GenerateSignatureKeyPair()
	require.NoError(t, err)
	cred, err := mlsproto.NewBasicCredential([]byte("mallory"))
	require.NoError(t, err)
	kp, err := mlsproto.NewKeyPackage(mlsproto.NewProvider(), signer, mlsproto.CredentialWithKey{
		Credential:   *cred,
		SignatureKey: signer.Public(),
	})
	require.NoError(t, err)
	data, err := kp.Serialize()
	require.NoError(t, err)
	forged, err := mlsproto.DeserializeKeyPackage(data)
	require.NoError(t, err)
	forged.Credential.Identity = []byte("bob")
	data, err = forged.Serialize()
	require.NoError(t, err)
	require.NoError(t, newDirectoryClient(t, serverURL).PublishKeyPackage(ctx, data))

	_, err = alice.Invite(ctx, groupID, "bob")
	assert.ErrorIs(t, err, mlsmeow.ErrPackageInvalid)
	assert.ErrorIs(t, err, mlsproto.ErrInvalidSignature)
}

func TestJoinAndExchangeMessages(t *testing.T) {
	ctx := context.Background()
	serverURL, _ := newTestServer(t)
	alice := newUser(t, serverURL, "alice")
	bob := newUser(t, serverURL, "bob")

	identities, err := alice.ListIdentities(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, identities)

	groupID, err := alice.CreateGroup()
	require.NoError(t, err)
	assert.Equal(t, []types.GroupID{groupID}, alice.ListGroups())

	welcome, err := alice.Invite(ctx, groupID, "bob")
	require.NoError(t, err)
	// The commit must already be merged, otherwise this fails.
	message, err := alice.CreateMessage(groupID, []byte("hello bob"))
	require.NoError(t, err)

	evt, err := bob.ProcessIncoming(ctx, welcome)
	require.NoError(t, err)
	assert.Equal(t, &events.Joined{GroupID: groupID}, evt)
	assert.Equal(t, []types.GroupID{groupID}, bob.ListGroups())

	evt, err = bob.ProcessIncoming(ctx, message)
	require.NoError(t, err)
	assert.Equal(t, &events.MessageReceived{
		GroupID:   groupID,
		Sender:    "alice",
		Plaintext: []byte("hello bob"),
	}, evt)

	reply, err := bob.CreateMessage(groupID, []byte("hi alice"))
	require.NoError(t, err)
	evt, err = alice.ProcessIncoming(ctx, reply)
	require.NoError(t, err)
	require.IsType(t, &events.MessageReceived{}, evt)
	assert.Equal(t, []byte("hi alice"), evt.(*events.MessageReceived).Plaintext)

	_, err = bob.ProcessIncoming(ctx, message)
	assert.ErrorIs(t, err, mlsmeow.ErrProcessingFailed)
	assert.ErrorIs(t, err, mlsproto.ErrDuplicateMessage)
}

func TestCommitReachesExistingMembers(t *testing.T) {
	ctx := context.Background()
	serverURL, _ := newTestServer(t)
	alice := newUser(t, serverURL, "alice")
	bob := newUser(t, serverURL, "bob")
	carol := newUser(t, serverURL, "carol")

	groupID, err := alice.CreateGroup()
	require.NoError(t, err)
	join(t, alice, bob, groupID, "bob")
	invitation := join(t, alice, carol, groupID, "carol")

	evt, err := bob.ProcessIncoming(ctx, invitation.Commit)
	require.NoError(t, err)
	assert.Nil(t, evt)

	message, err := alice.CreateMessage(groupID, []byte("hello everyone"))
	require.NoError(t, err)
	for _, member := range []*mlsmeow.Client{bob, carol} {
		evt, err = member.ProcessIncoming(ctx, message)
		require.NoError(t, err)
		require.IsType(t, &events.MessageReceived{}, evt)
		assert.Equal(t, []byte("hello everyone"), evt.(*events.MessageReceived).Plaintext)
	}

	// Carol joined after the commit, so it's for an epoch she never had.
	_, err = carol.ProcessIncoming(ctx, invitation.Commit)
	assert.ErrorIs(t, err, mlsmeow.ErrProcessingFailed)
	assert.ErrorIs(t, err, mlsproto.ErrWrongEpoch)
}

func TestJoinedMemberCanInvite(t *testing.T) {
	ctx := context.Background()
	serverURL, _ := newTestServer(t)
	alice := newUser(t, serverURL, "alice")
	bob := newUser(t, serverURL, "bob")
	carol := newUser(t, serverURL, "carol")

	groupID, err := alice.CreateGroup()
	require.NoError(t, err)
	join(t, alice, bob, groupID, "bob")
	invitation := join(t, bob, carol, groupID, "carol")

	evt, err := alice.ProcessIncoming(ctx, invitation.Commit)
	require.NoError(t, err)
	assert.Nil(t, evt)

	message, err := carol.CreateMessage(groupID, []byte("thanks for the invite"))
	require.NoError(t, err)
	for _, member := range []*mlsmeow.Client{alice, bob} {
		evt, err = member.ProcessIncoming(ctx, message)
		require.NoError(t, err)
		assert.Equal(t, &events.MessageReceived{
			GroupID:   groupID,
			Sender:    "carol",
			Plaintext: []byte("thanks for the invite"),
		}, evt)
	}
}

func TestIdentityWithSlash(t *testing.T) {
	ctx := context.Background()
	serverURL, rel := newTestServer(t)
	alice := newUser(t, serverURL, "alice")
	bob := newUser(t, serverURL, "team/bob")

	identities, err := alice.ListIdentities(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "team/bob"}, identities)

	groupID, err := alice.CreateGroup()
	require.NoError(t, err)
	join(t, alice, bob, groupID, "team/bob")

	require.NoError(t, bob.ConnectRelay(ctx))
	t.Cleanup(bob.Disconnect)
	require.Eventually(t, func() bool {
		return rel.Registry.Len() == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSecondWelcomeKeepsGroup(t *testing.T) {
	ctx := context.Background()
	serverURL, _ := newTestServer(t)
	alice := newUser(t, serverURL, "alice")
	bob := newUser(t, serverURL, "bob")

	groupID, err := alice.CreateGroup()
	require.NoError(t, err)
	join(t, alice, bob, groupID, "bob")

	require.NoError(t, bob.PublishKeyPackage(ctx))
	second, err := alice.InviteMember(ctx, groupID, "bob")
	require.NoError(t, err)
	_, err = bob.ProcessIncoming(ctx, second.Welcome)
	assert.ErrorIs(t, err, mlsmeow.ErrJoinFailed)
	assert.Equal(t, []types.GroupID{groupID}, bob.ListGroups())

	// The original state is still there, so the commit for the same
	// invite applies on top of it.
	evt, err := bob.ProcessIncoming(ctx, second.Commit)
	require.NoError(t, err)
	assert.Nil(t, evt)
	message, err := alice.CreateMessage(groupID, []byte("still here"))
	require.NoError(t, err)
	evt, err = bob.ProcessIncoming(ctx, message)
	require.NoError(t, err)
	require.IsType(t, &events.MessageReceived{}, evt)
	assert.Equal(t, []byte("still here"), evt.(*events.MessageReceived).Plaintext)
}

func TestProcessIncomingRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	serverURL, _ := newTestServer(t)
	alice := newUser(t, serverURL, "alice")
	bob := newUser(t, serverURL, "bob")
	carol := newUser(t, serverURL, "carol")
	groupID, err := alice.CreateGroup()
	require.NoError(t, err)
	welcome, err := alice.Invite(ctx, groupID, "bob")
	require.NoError(t, err)

	for _, input := range [][]byte{nil, {}, []byte("garbage"), welcome[:len(welcome)/2], append(welcome, 0)} {
		_, err = bob.ProcessIncoming(ctx, input)
		assert.ErrorIs(t, err, mlsmeow.ErrDeserializeFailed)
	}

	_, err = carol.ProcessIncoming(ctx, welcome)
	assert.ErrorIs(t, err, mlsmeow.ErrJoinFailed)
	assert.ErrorIs(t, err, mlsproto.ErrNoMatchingKeyPackage)

	message, err := alice.CreateMessage(groupID, []byte("not for carol"))
	require.NoError(t, err)
	_, err = carol.ProcessIncoming(ctx, message)
	assert.ErrorIs(t, err, mlsmeow.ErrGroupNotFound)

	signer, err := mlsproto.GenerateSignatureKeyPair()
	require.NoError(t, err)
	cred, err := mlsproto.NewBasicCredential([]byte("dave"))
	require.NoError(t, err)
	kp, err := mlsproto.NewKeyPackage(mlsproto.NewProvider(), signer, mlsproto.CredentialWithKey{
		Credential:   *cred,
		SignatureKey: signer.Public(),
	})
	require.NoError(t, err)
	kpData, err := kp.Serialize()
	require.NoError(t, err)
	kpIn, err := mlsproto.DeserializeKeyPackage(kpData)
	require.NoError(t, err)
	envelope, err := (&mlsproto.MlsMessage{Version: mlsproto.DefaultProtocolVersion, Body: kpIn}).Serialize()
	require.NoError(t, err)
	_, err = bob.ProcessIncoming(ctx, envelope)
	assert.ErrorIs(t, err, mlsmeow.ErrUnsupportedEnvelope)
}

func TestErrorKeepsKind(t *testing.T) {
	cli := mlsmeow.NewClient(newDirectoryClient(t, "http://127.0.0.1:1"), zerolog.Nop(), nil)
	_, err := cli.CreateGroup()
	require.Error(t, err)
	assert.Equal(t, mlsmeow.KindNoUser, mlsmeow.KindOf(err))

	data, err := json.Marshal(err)
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"no_user","message":"no user is signed in"}`, string(data))

	_, err = cli.ProcessIncoming(context.Background(), []byte{0x01})
	var mErr *mlsmeow.Error
	require.ErrorAs(t, err, &mErr)
	assert.Equal(t, mlsmeow.KindDeserializeFailed, mErr.Kind)
	assert.Equal(t, mlsproto.ErrorCodeMalformed, mlsproto.CodeOf(err))
	assert.NotErrorIs(t, err, mlsmeow.ErrJoinFailed)
}

func TestRelayDelivery(t *testing.T) {
	ctx := context.Background()
	serverURL, rel := newTestServer(t)
	alice := newUser(t, serverURL, "alice")
	bob := newUser(t, serverURL, "bob")
	bobEvents := make(chan events.GroupEvent, 16)
	bob.EventHandler = func(evt events.GroupEvent) {
		bobEvents <- evt
	}

	assert.ErrorIs(t, alice.SendEnvelope(ctx, []byte("x")), mlsmeow.ErrNotConnected)
	require.NoError(t, alice.ConnectRelay(ctx))
	t.Cleanup(alice.Disconnect)
	require.NoError(t, bob.ConnectRelay(ctx))
	t.Cleanup(bob.Disconnect)
	assert.ErrorIs(t, bob.ConnectRelay(ctx), mlsmeow.ErrAlreadyConnected)
	require.Eventually(t, func() bool {
		return rel.Registry.Len() == 2
	}, 5*time.Second, 10*time.Millisecond)

	groupID, err := alice.CreateGroup()
	require.NoError(t, err)
	welcome, err := alice.Invite(ctx, groupID, "bob")
	require.NoError(t, err)
	require.NoError(t, alice.SendEnvelope(ctx, welcome))
	// Garbage on the relay is dropped without affecting the stream.
	require.NoError(t, alice.SendEnvelope(ctx, []byte("garbage")))
	message, err := alice.CreateMessage(groupID, []byte("over the relay"))
	require.NoError(t, err)
	require.NoError(t, alice.SendEnvelope(ctx, message))

	select {
	case evt := <-bobEvents:
		assert.Equal(t, &events.Joined{GroupID: groupID}, evt)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for join event")
	}
	select {
	case evt := <-bobEvents:
		assert.Equal(t, &events.MessageReceived{
			GroupID:   groupID,
			Sender:    "alice",
			Plaintext: []byte("over the relay"),
		}, evt)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message event")
	}

	bob.Disconnect()
	assert.False(t, bob.IsConnected())
	require.Eventually(t, func() bool {
		return rel.Registry.Len() == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRelayDeliversLargeEnvelopes(t *testing.T) {
	ctx := context.Background()
	serverURL, rel := newTestServer(t)
	alice := newUser(t, serverURL, "alice")
	bob := newUser(t, serverURL, "bob")
	bobEvents := make(chan events.GroupEvent, 16)
	bob.EventHandler = func(evt events.GroupEvent) {
		bobEvents <- evt
	}
	require.NoError(t, alice.ConnectRelay(ctx))
	t.Cleanup(alice.Disconnect)
	require.NoError(t, bob.ConnectRelay(ctx))
	t.Cleanup(bob.Disconnect)
	require.Eventually(t, func() bool {
		return rel.Registry.Len() == 2
	}, 5*time.Second, 10*time.Millisecond)

	groupID, err := alice.CreateGroup()
	require.NoError(t, err)
	join(t, alice, bob, groupID, "bob")

	plaintext := bytes.Repeat([]byte("A"), 40*1024)
	message, err := alice.CreateMessage(groupID, plaintext)
	require.NoError(t, err)
	require.Greater(t, len(message), 32*1024)
	require.NoError(t, alice.SendEnvelope(ctx, message))

	select {
	case evt := <-bobEvents:
		require.IsType(t, &events.MessageReceived{}, evt)
		assert.Equal(t, plaintext, evt.(*events.MessageReceived).Plaintext)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message event")
	}
	assert.True(t, bob.IsConnected())
}

func TestConcurrentInvitesAndMessages(t *testing.T) {
	ctx := context.Background()
	serverURL, _ := newTestServer(t)
	alice := newUser(t, serverURL, "alice")
	bob := newUser(t, serverURL, "bob")
	groupID, err := alice.CreateGroup()
	require.NoError(t, err)
	join(t, alice, bob, groupID, "bob")

	invitees := []string{"carol", "dave", "erin", "frank"}
	for _, name := range invitees {
		newUser(t, serverURL, name)
	}
	incoming := make([][]byte, 8)
	for i := range incoming {
		incoming[i], err = bob.CreateMessage(groupID, []byte(fmt.Sprintf("message %d", i)))
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(invitees)+2*len(incoming))
	for _, name := range invitees {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			_, err := alice.InviteMember(ctx, groupID, name)
			errs <- err
		}(name)
	}
	for _, envelope := range incoming {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := alice.CreateMessage(groupID, []byte("hi"))
			errs <- err
		}()
		go func(envelope []byte) {
			defer wg.Done()
			// Messages from the old epoch are expected to be rejected once an
			// invite has advanced it, but never because of a pending commit.
			_, err := alice.ProcessIncoming(ctx, envelope)
			if !errors.Is(err, mlsproto.ErrWrongEpoch) {
				errs <- err
			}
		}(envelope)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NotErrorIs(t, err, mlsproto.ErrPendingCommit)
		assert.NoError(t, err)
	}

	_, err = alice.CreateMessage(groupID, []byte("after"))
	assert.NoError(t, err)
}

func TestBlockedKeyPackageFetchDoesNotBlockGroups(t *testing.T) {
	ctx := context.Background()
	router := mux.NewRouter()
	dir := directory.New(directory.NewMemoryStore(), zerolog.Nop(), nil)
	directory.NewHandler(dir).Register(router)

	fetching := make(chan struct{})
	release := make(chan struct{})
	var fetchOnce, releaseOnce sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/packages/") {
			fetchOnce.Do(func() { close(fetching) })
			<-release
		}
		router.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	// Runs before srv.Close so a failing test doesn't leave the handler hanging.
	t.Cleanup(func() { releaseOnce.Do(func() { close(release) }) })

	alice := newUser(t, srv.URL, "alice")
	bob := newUser(t, srv.URL, "bob")
	groupID, err := alice.CreateGroup()
	require.NoError(t, err)

	inviteResult := make(chan *mlsmeow.Invitation, 1)
	inviteErr := make(chan error, 1)
	go func() {
		invitation, err := alice.InviteMember(ctx, groupID, "bob")
		inviteResult <- invitation
		inviteErr <- err
	}()
	select {
	case <-fetching:
	case <-time.After(5 * time.Second):
		t.Fatal("invite never fetched the key package")
	}

	done := make(chan error, 1)
	go func() {
		if _, err := alice.CreateMessage(groupID, []byte("same group")); err != nil {
			done <- err
			return
		}
		otherID, err := alice.CreateGroup()
		if err != nil {
			done <- err
			return
		}
		_, err = alice.CreateMessage(otherID, []byte("other group"))
		done <- err
	}()
	select {
	case err = <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("group operations blocked by the key package fetch")
	}
	assert.Len(t, alice.ListGroups(), 2)

	releaseOnce.Do(func() { close(release) })
	var invitation *mlsmeow.Invitation
	select {
	case invitation = <-inviteResult:
		require.NoError(t, <-inviteErr)
	case <-time.After(5 * time.Second):
		t.Fatal("invite didn't finish after the fetch was released")
	}
	evt, err := bob.ProcessIncoming(ctx, invitation.Welcome)
	require.NoError(t, err)
	assert.Equal(t, &events.Joined{GroupID: groupID}, evt)
}
