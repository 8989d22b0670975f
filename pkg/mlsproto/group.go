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
	"bytes"
	"crypto/ed25519"
	"crypto/subtle"
	"encoding/binary"
	"math"

	"go.mau.fi/util/random"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

const (
	groupIDLength = 16
	secretLength  = 32
)

// GroupConfig holds per-group options that are not part of the shared state.
type GroupConfig struct {
	// UseRatchetTreeExtension makes welcomes carry the member list so joiners
	// don't need another round trip to learn it. Joining fails without it.
	UseRatchetTreeExtension bool
}

type Member struct {
	Index         uint32     `cbor:"index"`
	Credential    Credential `cbor:"credential"`
	SignatureKey  []byte     `cbor:"signature_key"`
	EncryptionKey []byte     `cbor:"encryption_key"`
}

func (m Member) clone() Member {
	return Member{
		Index:         m.Index,
		Credential:    Credential{Identity: bytes.Clone(m.Credential.Identity)},
		SignatureKey:  bytes.Clone(m.SignatureKey),
		EncryptionKey: bytes.Clone(m.EncryptionKey),
	}
}

type stagedCommit struct {
	epoch       uint64
	epochSecret []byte
	members     []Member
}

type senderGeneration struct {
	sender     uint32
	generation uint32
}

// Group is the local cryptographic state of one group. It is not safe for
// concurrent use and must never be copied between sessions.
type Group struct {
	config GroupConfig

	id          []byte
	epoch       uint64
	epochSecret []byte
	members     []Member
	ownIndex    uint32

	generation uint32
	seen       map[senderGeneration]struct{}

	pending *stagedCommit
}

// NewGroup creates a group at epoch 0 whose only member is the creator.
func NewGroup(provider *Provider, signer *SignatureKeyPair, config GroupConfig, cred CredentialWithKey) (*Group, error) {
	if err := cred.Credential.check(); err != nil {
		return nil, err
	} else if !bytes.Equal(cred.SignatureKey, signer.public) {
		return nil, newError(ErrorCodeInvalidKey, "credential signature key does not belong to signer")
	}
	_, encPub, err := generateInitKey()
	if err != nil {
		return nil, err
	}
	return &Group{
		config:      config,
		id:          random.Bytes(groupIDLength),
		epochSecret: random.Bytes(secretLength),
		members: []Member{{
			Index:         0,
			Credential:    Credential{Identity: bytes.Clone(cred.Credential.Identity)},
			SignatureKey:  signer.Public(),
			EncryptionKey: encPub,
		}},
		seen: make(map[senderGeneration]struct{}),
	}, nil
}

func (g *Group) GroupID() []byte {
	return bytes.Clone(g.id)
}

func (g *Group) Epoch() uint64 {
	return g.epoch
}

func (g *Group) OwnIndex() uint32 {
	return g.ownIndex
}

func (g *Group) Members() []Member {
	members := make([]Member, len(g.members))
	for i, member := range g.members {
		members[i] = member.clone()
	}
	return members
}

func (g *Group) HasPendingCommit() bool {
	return g.pending != nil
}

// AddMembers stages a commit adding the given key packages. It returns the
// commit for existing members and a welcome for the new ones. The staged
// commit must be merged with MergePendingCommit (or dropped with
// ClearPendingCommit) before the group can be used again.
func (g *Group) AddMembers(provider *Provider, signer *SignatureKeyPair, keyPackages []*KeyPackage) (commit, welcome *MlsMessage, err error) {
	if g.pending != nil {
		return nil, nil, newError(ErrorCodePendingCommit, "group already has a pending commit")
	} else if len(keyPackages) == 0 {
		return nil, nil, newError(ErrorCodeMalformed, "no key packages to add")
	} else if len(g.members)+len(keyPackages) > math.MaxUint16 {
		return nil, nil, newError(ErrorCodeMalformed, "group would be too large")
	}
	added := make([]Member, len(keyPackages))
	for i, kp := range keyPackages {
		added[i] = Member{
			Index:         uint32(len(g.members) + i),
			Credential:    kp.Credential(),
			SignatureKey:  kp.SignatureKey(),
			EncryptionKey: kp.InitKey(),
		}
	}
	commitSecret := random.Bytes(secretLength)
	next, err := g.stage(added, commitSecret)
	if err != nil {
		return nil, nil, err
	}

	content, err := marshal(&commitContent{Added: added, CommitSecret: commitSecret})
	if err != nil {
		return nil, nil, err
	}
	commitMsg, err := g.encrypt(signer, ContentTypeCommit, content)
	if err != nil {
		return nil, nil, err
	}

	info := &groupInfo{
		GroupID:     g.GroupID(),
		Epoch:       next.epoch,
		EpochSecret: next.epochSecret,
		Signer:      g.ownIndex,
	}
	if g.config.UseRatchetTreeExtension {
		info.Members = next.members
	}
	tbs, err := info.toBeSigned()
	if err != nil {
		return nil, nil, err
	}
	info.Signature = signer.sign("GroupInfoTBS", tbs)
	sealedInfo, err := marshal(info)
	if err != nil {
		return nil, nil, err
	}
	welcomeBody := &Welcome{Ciphersuite: CiphersuiteX25519ChaCha20SHA256Ed25519}
	for _, kp := range keyPackages {
		ref := kp.Ref()
		enc, ciphertext, err := sealTo(kp.in.InitKey, []byte("Welcome"), ref[:], sealedInfo)
		if err != nil {
			return nil, nil, err
		}
		welcomeBody.Secrets = append(welcomeBody.Secrets, EncryptedGroupSecrets{
			NewMember:  ref[:],
			Enc:        enc,
			Ciphertext: ciphertext,
		})
	}
	g.pending = next
	return commitMsg, newMessage(welcomeBody), nil
}

func (g *Group) stage(added []Member, commitSecret []byte) (*stagedCommit, error) {
	nextEpoch := g.epoch + 1
	var ctx [groupIDLength + 8]byte
	copy(ctx[:], g.id)
	binary.BigEndian.PutUint64(ctx[len(g.id):], nextEpoch)
	secret, err := expand(append(bytes.Clone(g.epochSecret), commitSecret...), "epoch", ctx[:len(g.id)+8], secretLength)
	if err != nil {
		return nil, err
	}
	members := make([]Member, 0, len(g.members)+len(added))
	for _, member := range g.members {
		members = append(members, member.clone())
	}
	for _, member := range added {
		members = append(members, member.clone())
	}
	return &stagedCommit{epoch: nextEpoch, epochSecret: secret, members: members}, nil
}

func (g *Group) apply(commit *stagedCommit) {
	g.epoch = commit.epoch
	g.epochSecret = commit.epochSecret
	g.members = commit.members
	g.generation = 0
	g.seen = make(map[senderGeneration]struct{})
}

// MergePendingCommit applies the commit staged by AddMembers.
func (g *Group) MergePendingCommit() error {
	if g.pending == nil {
		return ErrNoPendingCommit
	}
	g.apply(g.pending)
	g.pending = nil
	return nil
}

// ClearPendingCommit drops the commit staged by AddMembers.
func (g *Group) ClearPendingCommit() {
	g.pending = nil
}

// NewGroupFromWelcome joins a group using a welcome addressed to one of the
// key packages created with provider. The matching init key is consumed.
func NewGroupFromWelcome(provider *Provider, config GroupConfig, welcome *Welcome) (*Group, error) {
	if welcome.Ciphersuite != CiphersuiteX25519ChaCha20SHA256Ed25519 {
		return nil, newError(ErrorCodeUnsupportedCiphersuite, "ciphersuite %#04x", uint16(welcome.Ciphersuite))
	}
	var secrets *EncryptedGroupSecrets
	var ref KeyPackageRef
	var initKey initKeyPair
	for i := range welcome.Secrets {
		if len(welcome.Secrets[i].NewMember) != len(ref) {
			continue
		}
		copy(ref[:], welcome.Secrets[i].NewMember)
		var ok bool
		if initKey, ok = provider.initKey(ref); ok {
			secrets = &welcome.Secrets[i]
			break
		}
	}
	if secrets == nil {
		return nil, ErrNoMatchingKeyPackage
	}
	plaintext, err := openFrom(initKey.private, initKey.public, secrets.Enc, []byte("Welcome"), ref[:], secrets.Ciphertext)
	if err != nil {
		return nil, err
	}
	var info groupInfo
	if err = unmarshal(plaintext, &info); err != nil {
		return nil, err
	}
	if len(info.Members) == 0 {
		return nil, ErrMissingRatchetTree
	} else if len(info.GroupID) != groupIDLength || len(info.EpochSecret) != secretLength {
		return nil, newError(ErrorCodeMalformed, "group info has invalid group id or secret")
	} else if int(info.Signer) >= len(info.Members) {
		return nil, newError(ErrorCodeUnknownSender, "group info signer %d is not a member", info.Signer)
	}
	for i, member := range info.Members {
		if member.Index != uint32(i) {
			return nil, newError(ErrorCodeMalformed, "member %d has index %d", i, member.Index)
		}
	}
	tbs, err := info.toBeSigned()
	if err != nil {
		return nil, err
	}
	if err = verifySignature(info.Members[info.Signer].SignatureKey, "GroupInfoTBS", tbs, info.Signature); err != nil {
		return nil, err
	}
	ownIndex := -1
	for i, member := range info.Members {
		if subtle.ConstantTimeCompare(member.EncryptionKey, initKey.public) == 1 {
			ownIndex = i
			break
		}
	}
	if ownIndex < 0 {
		return nil, newError(ErrorCodeMalformed, "welcome does not list the joining member")
	}
	provider.deleteInitKey(ref)
	return &Group{
		config:      config,
		id:          info.GroupID,
		epoch:       info.Epoch,
		epochSecret: info.EpochSecret,
		members:     info.Members,
		ownIndex:    uint32(ownIndex),
		seen:        make(map[senderGeneration]struct{}),
	}, nil
}

func (g *Group) messageKey(sender, generation uint32, contentType ContentType) ([]byte, error) {
	ctx := make([]byte, 0, len(g.id)+8+4+4+1)
	ctx = append(ctx, g.id...)
	ctx = binary.BigEndian.AppendUint64(ctx, g.epoch)
	ctx = binary.BigEndian.AppendUint32(ctx, sender)
	ctx = binary.BigEndian.AppendUint32(ctx, generation)
	ctx = append(ctx, byte(contentType))
	return expand(g.epochSecret, "message key", ctx, chacha20poly1305.KeySize)
}

func (g *Group) encrypt(signer *SignatureKeyPair, contentType ContentType, content []byte) (*MlsMessage, error) {
	if g.generation == math.MaxUint32 {
		return nil, newError(ErrorCodeCryptoFailure, "generation counter exhausted for this epoch")
	}
	pm := &PrivateMessage{
		GroupID:     g.GroupID(),
		Epoch:       g.epoch,
		ContentType: contentType,
		Sender:      g.ownIndex,
		Generation:  g.generation,
		Nonce:       random.Bytes(chacha20poly1305.NonceSize),
	}
	aad, err := pm.additionalData()
	if err != nil {
		return nil, err
	}
	framed, err := marshal(&framedContent{
		Content:   content,
		Signature: signer.sign("FramedContentTBS", append(bytes.Clone(aad), content...)),
	})
	if err != nil {
		return nil, err
	}
	key, err := g.messageKey(pm.Sender, pm.Generation, contentType)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, newError(ErrorCodeCryptoFailure, "failed to create aead: %v", err)
	}
	pm.Ciphertext = aead.Seal(nil, pm.Nonce, framed, aad)
	g.generation++
	return newMessage(pm), nil
}

// CreateMessage encrypts an application message for the current epoch.
func (g *Group) CreateMessage(signer *SignatureKeyPair, plaintext []byte) (*MlsMessage, error) {
	if g.pending != nil {
		return nil, newError(ErrorCodePendingCommit, "merge or clear the pending commit first")
	}
	return g.encrypt(signer, ContentTypeApplication, plaintext)
}

// ProcessedContent is one of *ApplicationMessage, *StagedCommitMessage or
// *ProposalMessage.
type ProcessedContent interface {
	ContentType() ContentType
}

type ApplicationMessage struct {
	Bytes []byte
}

// StagedCommitMessage is a verified commit from another member. It takes
// effect once passed to MergeStagedCommit.
type StagedCommitMessage struct {
	commit *stagedCommit
	Added  []Member
}

type ProposalMessage struct {
	Raw []byte
}

func (*ApplicationMessage) ContentType() ContentType  { return ContentTypeApplication }
func (*StagedCommitMessage) ContentType() ContentType { return ContentTypeCommit }
func (*ProposalMessage) ContentType() ContentType     { return ContentTypeProposal }

type ProcessedMessage struct {
	GroupID []byte
	Epoch   uint64
	Sender  Member
	Content ProcessedContent
}

// ProcessMessage authenticates and decrypts a message from another member.
func (g *Group) ProcessMessage(pm *PrivateMessage) (*ProcessedMessage, error) {
	if g.pending != nil {
		return nil, newError(ErrorCodePendingCommit, "merge or clear the pending commit first")
	} else if !bytes.Equal(pm.GroupID, g.id) {
		return nil, newError(ErrorCodeWrongGroup, "message is for another group")
	} else if pm.Epoch != g.epoch {
		return nil, newError(ErrorCodeWrongEpoch, "message is for epoch %d, group is at %d", pm.Epoch, g.epoch)
	} else if int64(pm.Sender) >= int64(len(g.members)) {
		return nil, newError(ErrorCodeUnknownSender, "sender %d is not a member", pm.Sender)
	} else if pm.Sender == g.ownIndex {
		return nil, newError(ErrorCodeOwnMessage, "can't process messages sent by this member")
	} else if len(pm.Nonce) != chacha20poly1305.NonceSize {
		return nil, newError(ErrorCodeMalformed, "nonce has length %d", len(pm.Nonce))
	}
	switch pm.ContentType {
	case ContentTypeApplication, ContentTypeCommit, ContentTypeProposal:
	default:
		return nil, newError(ErrorCodeUnsupportedContent, "content type %d", pm.ContentType)
	}
	seenKey := senderGeneration{sender: pm.Sender, generation: pm.Generation}
	if _, replayed := g.seen[seenKey]; replayed {
		return nil, newError(ErrorCodeDuplicateMessage, "generation %d of sender %d was already processed", pm.Generation, pm.Sender)
	}

	aad, err := pm.additionalData()
	if err != nil {
		return nil, err
	}
	key, err := g.messageKey(pm.Sender, pm.Generation, pm.ContentType)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, newError(ErrorCodeCryptoFailure, "failed to create aead: %v", err)
	}
	plaintext, err := aead.Open(nil, pm.Nonce, pm.Ciphertext, aad)
	if err != nil {
		return nil, newError(ErrorCodeDecryptionFailed, "message failed authentication")
	}
	var framed framedContent
	if err = unmarshal(plaintext, &framed); err != nil {
		return nil, err
	}
	sender := g.members[pm.Sender]
	if err = verifySignature(sender.SignatureKey, "FramedContentTBS", append(aad, framed.Content...), framed.Signature); err != nil {
		return nil, err
	}
	g.seen[seenKey] = struct{}{}

	processed := &ProcessedMessage{
		GroupID: g.GroupID(),
		Epoch:   g.epoch,
		Sender:  sender.clone(),
	}
	switch pm.ContentType {
	case ContentTypeApplication:
		processed.Content = &ApplicationMessage{Bytes: framed.Content}
	case ContentTypeProposal:
		processed.Content = &ProposalMessage{Raw: framed.Content}
	case ContentTypeCommit:
		staged, added, err := g.stageReceivedCommit(framed.Content)
		if err != nil {
			return nil, err
		}
		processed.Content = &StagedCommitMessage{commit: staged, Added: added}
	}
	return processed, nil
}

func (g *Group) stageReceivedCommit(content []byte) (*stagedCommit, []Member, error) {
	var commit commitContent
	if err := unmarshal(content, &commit); err != nil {
		return nil, nil, err
	}
	if len(commit.CommitSecret) != secretLength {
		return nil, nil, newError(ErrorCodeMalformed, "commit secret has length %d", len(commit.CommitSecret))
	} else if len(commit.Added) == 0 {
		return nil, nil, newError(ErrorCodeMalformed, "commit adds no members")
	}
	for i, member := range commit.Added {
		if member.Index != uint32(len(g.members)+i) {
			return nil, nil, newError(ErrorCodeMalformed, "added member has index %d, expected %d", member.Index, len(g.members)+i)
		} else if len(member.SignatureKey) != ed25519.PublicKeySize || len(member.EncryptionKey) != curve25519.PointSize {
			return nil, nil, newError(ErrorCodeInvalidKey, "added member %d has invalid keys", member.Index)
		} else if err := member.Credential.check(); err != nil {
			return nil, nil, err
		}
	}
	staged, err := g.stage(commit.Added, commit.CommitSecret)
	if err != nil {
		return nil, nil, err
	}
	return staged, commit.Added, nil
}

// MergeStagedCommit applies a commit returned by ProcessMessage. Commits
// staged for an older epoch are rejected.
func (g *Group) MergeStagedCommit(msg *StagedCommitMessage) error {
	if msg == nil || msg.commit == nil {
		return ErrNoPendingCommit
	} else if msg.commit.epoch != g.epoch+1 {
		return newError(ErrorCodeWrongEpoch, "commit leads to epoch %d, group is at %d", msg.commit.epoch, g.epoch)
	}
	g.apply(msg.commit)
	return nil
}
