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

package mlsproto_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.mau.fi/mlsmeow/pkg/mlsproto"
)

type testMember struct {
	provider *mlsproto.Provider
	signer   *mlsproto.SignatureKeyPair
	cred     mlsproto.CredentialWithKey
}

func newTestMember(t *testing.T, name string) *testMember {
	t.Helper()
	signer, err := mlsproto.GenerateSignatureKeyPair()
	require.NoError(t, err)
	cred, err := mlsproto.NewBasicCredential([]byte(name))
	require.NoError(t, err)
	return &testMember{
		provider: mlsproto.NewProvider(),
		signer:   signer,
		cred:     mlsproto.CredentialWithKey{Credential: *cred, SignatureKey: signer.Public()},
	}
}

// publish creates a key package and returns it the way a directory would
// hand it out: serialized, then decoded and validated by the inviter.
func (m *testMember) publish(t *testing.T) *mlsproto.KeyPackage {
	t.Helper()
	kp, err := mlsproto.NewKeyPackage(m.provider, m.signer, m.cred)
	require.NoError(t, err)
	data, err := kp.Serialize()
	require.NoError(t, err)
	in, err := mlsproto.DeserializeKeyPackage(data)
	require.NoError(t, err)
	validated, err := in.Validate(mlsproto.DefaultProtocolVersion)
	require.NoError(t, err)
	assert.Equal(t, kp.Ref(), validated.Ref())
	return validated
}

var treeConfig = mlsproto.GroupConfig{UseRatchetTreeExtension: true}

func transmit(t *testing.T, msg *mlsproto.MlsMessage) *mlsproto.MlsMessage {
	t.Helper()
	data, err := msg.Serialize()
	require.NoError(t, err)
	decoded, err := mlsproto.DeserializeMessage(data)
	require.NoError(t, err)
	return decoded
}

func joinPair(t *testing.T) (alice, bob *testMember, aliceGroup, bobGroup *mlsproto.Group) {
	t.Helper()
	alice = newTestMember(t, "alice")
	bob = newTestMember(t, "bob")
	aliceGroup, err := mlsproto.NewGroup(alice.provider, alice.signer, treeConfig, alice.cred)
	require.NoError(t, err)

	_, welcome, err := aliceGroup.AddMembers(alice.provider, alice.signer, []*mlsproto.KeyPackage{bob.publish(t)})
	require.NoError(t, err)
	require.True(t, aliceGroup.HasPendingCommit())
	require.NoError(t, aliceGroup.MergePendingCommit())

	received := transmit(t, welcome)
	w, ok := received.Body.(*mlsproto.Welcome)
	require.True(t, ok)
	bobGroup, err = mlsproto.NewGroupFromWelcome(bob.provider, treeConfig, w)
	require.NoError(t, err)
	return
}

func TestJoinAndExchangeMessages(t *testing.T) {
	alice, bob, aliceGroup, bobGroup := joinPair(t)

	assert.Equal(t, aliceGroup.GroupID(), bobGroup.GroupID())
	assert.Equal(t, uint64(1), aliceGroup.Epoch())
	assert.Equal(t, aliceGroup.Epoch(), bobGroup.Epoch())
	assert.Len(t, bobGroup.Members(), 2)
	assert.Equal(t, uint32(1), bobGroup.OwnIndex())
	assert.Equal(t, 0, bob.provider.PendingKeyPackages())

	msg, err := aliceGroup.CreateMessage(alice.signer, []byte("hello bob"))
	require.NoError(t, err)
	processed, err := bobGroup.ProcessMessage(transmit(t, msg).Body.(*mlsproto.PrivateMessage))
	require.NoError(t, err)
	app, ok := processed.Content.(*mlsproto.ApplicationMessage)
	require.True(t, ok)
	assert.Equal(t, []byte("hello bob"), app.Bytes)
	assert.Equal(t, []byte("alice"), processed.Sender.Credential.Identity)

	reply, err := bobGroup.CreateMessage(bob.signer, []byte("hi alice"))
	require.NoError(t, err)
	processed, err = aliceGroup.ProcessMessage(transmit(t, reply).Body.(*mlsproto.PrivateMessage))
	require.NoError(t, err)
	assert.Equal(t, []byte("hi alice"), processed.Content.(*mlsproto.ApplicationMessage).Bytes)
}

func TestProcessMessageRejectsReplayAndTampering(t *testing.T) {
	alice, _, aliceGroup, bobGroup := joinPair(t)

	msg, err := aliceGroup.CreateMessage(alice.signer, []byte("once"))
	require.NoError(t, err)
	pm := transmit(t, msg).Body.(*mlsproto.PrivateMessage)
	_, err = bobGroup.ProcessMessage(pm)
	require.NoError(t, err)
	_, err = bobGroup.ProcessMessage(pm)
	assert.ErrorIs(t, err, mlsproto.ErrDuplicateMessage)

	msg, err = aliceGroup.CreateMessage(alice.signer, []byte("tampered"))
	require.NoError(t, err)
	pm = transmit(t, msg).Body.(*mlsproto.PrivateMessage)
	pm.Ciphertext[0] ^= 0xff
	_, err = bobGroup.ProcessMessage(pm)
	assert.ErrorIs(t, err, mlsproto.ErrDecryptionFailed)

	msg, err = aliceGroup.CreateMessage(alice.signer, []byte("stale"))
	require.NoError(t, err)
	pm = transmit(t, msg).Body.(*mlsproto.PrivateMessage)
	pm.Epoch++
	_, err = bobGroup.ProcessMessage(pm)
	assert.ErrorIs(t, err, mlsproto.ErrWrongEpoch)
}

func TestOwnMessagesAreRejected(t *testing.T) {
	alice, _, aliceGroup, _ := joinPair(t)
	msg, err := aliceGroup.CreateMessage(alice.signer, []byte("echo"))
	require.NoError(t, err)
	_, err = aliceGroup.ProcessMessage(msg.Body.(*mlsproto.PrivateMessage))
	assert.Equal(t, mlsproto.ErrorCodeOwnMessage, mlsproto.CodeOf(err))
}

func TestPendingCommitBlocksGroup(t *testing.T) {
	alice := newTestMember(t, "alice")
	bob := newTestMember(t, "bob")
	group, err := mlsproto.NewGroup(alice.provider, alice.signer, treeConfig, alice.cred)
	require.NoError(t, err)
	_, _, err = group.AddMembers(alice.provider, alice.signer, []*mlsproto.KeyPackage{bob.publish(t)})
	require.NoError(t, err)

	_, err = group.CreateMessage(alice.signer, []byte("too early"))
	assert.ErrorIs(t, err, mlsproto.ErrPendingCommit)
	_, _, err = group.AddMembers(alice.provider, alice.signer, []*mlsproto.KeyPackage{bob.publish(t)})
	assert.ErrorIs(t, err, mlsproto.ErrPendingCommit)

	require.NoError(t, group.MergePendingCommit())
	assert.ErrorIs(t, group.MergePendingCommit(), mlsproto.ErrNoPendingCommit)
	_, err = group.CreateMessage(alice.signer, []byte("fine now"))
	assert.NoError(t, err)
}

func TestClearPendingCommitKeepsEpoch(t *testing.T) {
	alice := newTestMember(t, "alice")
	bob := newTestMember(t, "bob")
	group, err := mlsproto.NewGroup(alice.provider, alice.signer, treeConfig, alice.cred)
	require.NoError(t, err)
	_, _, err = group.AddMembers(alice.provider, alice.signer, []*mlsproto.KeyPackage{bob.publish(t)})
	require.NoError(t, err)
	require.True(t, group.HasPendingCommit())

	group.ClearPendingCommit()
	assert.False(t, group.HasPendingCommit())
	assert.ErrorIs(t, group.MergePendingCommit(), mlsproto.ErrNoPendingCommit)
	assert.Equal(t, uint64(0), group.Epoch())
	assert.Len(t, group.Members(), 1)
	_, err = group.CreateMessage(alice.signer, []byte("still at epoch 0"))
	assert.NoError(t, err)
}

func TestCommitAdvancesExistingMembers(t *testing.T) {
	alice, bob, aliceGroup, bobGroup := joinPair(t)
	carol := newTestMember(t, "carol")

	commit, welcome, err := aliceGroup.AddMembers(alice.provider, alice.signer, []*mlsproto.KeyPackage{carol.publish(t)})
	require.NoError(t, err)
	require.NoError(t, aliceGroup.MergePendingCommit())

	processed, err := bobGroup.ProcessMessage(transmit(t, commit).Body.(*mlsproto.PrivateMessage))
	require.NoError(t, err)
	staged, ok := processed.Content.(*mlsproto.StagedCommitMessage)
	require.True(t, ok)
	require.Len(t, staged.Added, 1)
	assert.Equal(t, []byte("carol"), staged.Added[0].Credential.Identity)
	require.NoError(t, bobGroup.MergeStagedCommit(staged))
	assert.Equal(t, aliceGroup.Epoch(), bobGroup.Epoch())

	carolGroup, err := mlsproto.NewGroupFromWelcome(carol.provider, treeConfig, transmit(t, welcome).Body.(*mlsproto.Welcome))
	require.NoError(t, err)

	msg, err := bobGroup.CreateMessage(bob.signer, []byte("welcome carol"))
	require.NoError(t, err)
	wire := transmit(t, msg).Body.(*mlsproto.PrivateMessage)
	for _, group := range []*mlsproto.Group{aliceGroup, carolGroup} {
		processed, err = group.ProcessMessage(wire)
		require.NoError(t, err)
		assert.Equal(t, []byte("welcome carol"), processed.Content.(*mlsproto.ApplicationMessage).Bytes)
	}
}

func TestWelcomeRequiresRatchetTree(t *testing.T) {
	alice := newTestMember(t, "alice")
	bob := newTestMember(t, "bob")
	group, err := mlsproto.NewGroup(alice.provider, alice.signer, mlsproto.GroupConfig{}, alice.cred)
	require.NoError(t, err)
	_, welcome, err := group.AddMembers(alice.provider, alice.signer, []*mlsproto.KeyPackage{bob.publish(t)})
	require.NoError(t, err)
	require.NoError(t, group.MergePendingCommit())

	_, err = mlsproto.NewGroupFromWelcome(bob.provider, treeConfig, welcome.Body.(*mlsproto.Welcome))
	assert.ErrorIs(t, err, mlsproto.ErrMissingRatchetTree)
}

func TestWelcomeForSomeoneElse(t *testing.T) {
	alice := newTestMember(t, "alice")
	bob := newTestMember(t, "bob")
	eve := newTestMember(t, "eve")
	group, err := mlsproto.NewGroup(alice.provider, alice.signer, treeConfig, alice.cred)
	require.NoError(t, err)
	_, welcome, err := group.AddMembers(alice.provider, alice.signer, []*mlsproto.KeyPackage{bob.publish(t)})
	require.NoError(t, err)

	_, err = mlsproto.NewGroupFromWelcome(eve.provider, treeConfig, welcome.Body.(*mlsproto.Welcome))
	assert.ErrorIs(t, err, mlsproto.ErrNoMatchingKeyPackage)
}

func TestValidateRejectsForgedKeyPackage(t *testing.T) {
	bob := newTestMember(t, "bob")
	kp, err := mlsproto.NewKeyPackage(bob.provider, bob.signer, bob.cred)
	require.NoError(t, err)
	data, err := kp.Serialize()
	require.NoError(t, err)

	in, err := mlsproto.DeserializeKeyPackage(data)
	require.NoError(t, err)
	in.Credential.Identity = []byte("mallory")
	_, err = in.Validate(mlsproto.DefaultProtocolVersion)
	assert.ErrorIs(t, err, mlsproto.ErrInvalidSignature)

	in, err = mlsproto.DeserializeKeyPackage(data)
	require.NoError(t, err)
	_, err = in.Validate(mlsproto.ProtocolVersion(7))
	assert.Equal(t, mlsproto.ErrorCodeUnsupportedVersion, mlsproto.CodeOf(err))
}

func TestDeserializeGarbage(t *testing.T) {
	bob := newTestMember(t, "bob")
	kp, err := mlsproto.NewKeyPackage(bob.provider, bob.signer, bob.cred)
	require.NoError(t, err)
	valid, err := kp.Serialize()
	require.NoError(t, err)

	inputs := [][]byte{
		nil,
		{},
		{0x00},
		{0xff, 0xff, 0xff},
		[]byte("definitely not an envelope"),
		valid[:len(valid)/2],
		append(append([]byte{}, valid...), 0x00),
	}
	for _, input := range inputs {
		assert.NotPanics(t, func() {
			_, err := mlsproto.DeserializeMessage(input)
			assert.Error(t, err)
		})
	}
}
