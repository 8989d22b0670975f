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
	"github.com/fxamacker/cbor/v2"
)

type WireFormat uint16

const (
	WireFormatPublicMessage  WireFormat = 1
	WireFormatPrivateMessage WireFormat = 2
	WireFormatWelcome        WireFormat = 3
	WireFormatGroupInfo      WireFormat = 4
	WireFormatKeyPackage     WireFormat = 5
)

func (wf WireFormat) String() string {
	switch wf {
	case WireFormatPublicMessage:
		return "public_message"
	case WireFormatPrivateMessage:
		return "private_message"
	case WireFormatWelcome:
		return "welcome"
	case WireFormatGroupInfo:
		return "group_info"
	case WireFormatKeyPackage:
		return "key_package"
	default:
		return "unknown"
	}
}

// MessageBody is the decoded body of an envelope. The set of implementations
// is closed: *Welcome, *PrivateMessage, *KeyPackageIn and *OtherBody.
type MessageBody interface {
	WireFormat() WireFormat
}

// OtherBody is any envelope body this package does not interpret.
type OtherBody struct {
	Format WireFormat
	Raw    []byte
}

func (b *OtherBody) WireFormat() WireFormat    { return b.Format }
func (*Welcome) WireFormat() WireFormat        { return WireFormatWelcome }
func (*PrivateMessage) WireFormat() WireFormat { return WireFormatPrivateMessage }
func (*KeyPackageIn) WireFormat() WireFormat   { return WireFormatKeyPackage }

type rawMessage struct {
	Version    ProtocolVersion `cbor:"version"`
	WireFormat WireFormat      `cbor:"wire_format"`
	Body       cbor.RawMessage `cbor:"body"`
}

// MlsMessage is the outer envelope. One relay frame carries exactly one.
type MlsMessage struct {
	Version ProtocolVersion
	Body    MessageBody
}

func newMessage(body MessageBody) *MlsMessage {
	return &MlsMessage{Version: DefaultProtocolVersion, Body: body}
}

func (m *MlsMessage) Serialize() ([]byte, error) {
	var body []byte
	var err error
	if other, ok := m.Body.(*OtherBody); ok {
		body = other.Raw
	} else if body, err = marshal(m.Body); err != nil {
		return nil, err
	}
	return marshal(&rawMessage{
		Version:    m.Version,
		WireFormat: m.Body.WireFormat(),
		Body:       body,
	})
}

// DeserializeMessage decodes an envelope and its body. Input is assumed to be
// hostile: any structural problem is returned as ErrMalformed.
func DeserializeMessage(data []byte) (*MlsMessage, error) {
	var raw rawMessage
	if err := unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if raw.Version != DefaultProtocolVersion {
		return nil, newError(ErrorCodeUnsupportedVersion, "envelope has version %d", raw.Version)
	} else if len(raw.Body) == 0 {
		return nil, newError(ErrorCodeMalformed, "envelope has no body")
	}
	msg := &MlsMessage{Version: raw.Version}
	switch raw.WireFormat {
	case WireFormatWelcome:
		var welcome Welcome
		if err := unmarshal(raw.Body, &welcome); err != nil {
			return nil, err
		}
		msg.Body = &welcome
	case WireFormatPrivateMessage:
		var pm PrivateMessage
		if err := unmarshal(raw.Body, &pm); err != nil {
			return nil, err
		}
		msg.Body = &pm
	case WireFormatKeyPackage:
		kp, err := DeserializeKeyPackage(raw.Body)
		if err != nil {
			return nil, err
		}
		msg.Body = kp
	default:
		msg.Body = &OtherBody{Format: raw.WireFormat, Raw: raw.Body}
	}
	return msg, nil
}

type ContentType uint8

const (
	ContentTypeApplication ContentType = 1
	ContentTypeProposal    ContentType = 2
	ContentTypeCommit      ContentType = 3
)

// PrivateMessage is an encrypted, signed message of one group member in one
// epoch.
type PrivateMessage struct {
	GroupID     []byte      `cbor:"group_id"`
	Epoch       uint64      `cbor:"epoch"`
	ContentType ContentType `cbor:"content_type"`
	Sender      uint32      `cbor:"sender"`
	Generation  uint32      `cbor:"generation"`
	Nonce       []byte      `cbor:"nonce"`
	Ciphertext  []byte      `cbor:"ciphertext"`
}

func (pm *PrivateMessage) additionalData() ([]byte, error) {
	header := *pm
	header.Ciphertext = nil
	return marshal(&header)
}

type framedContent struct {
	Content   []byte `cbor:"content"`
	Signature []byte `cbor:"signature"`
}

// EncryptedGroupSecrets carries the sealed group info for one new member.
type EncryptedGroupSecrets struct {
	NewMember  []byte `cbor:"new_member"`
	Enc        []byte `cbor:"enc"`
	Ciphertext []byte `cbor:"ciphertext"`
}

// Welcome lets the members it addresses derive the group state.
type Welcome struct {
	Ciphersuite Ciphersuite             `cbor:"ciphersuite"`
	Secrets     []EncryptedGroupSecrets `cbor:"secrets"`
}

type groupInfo struct {
	GroupID     []byte   `cbor:"group_id"`
	Epoch       uint64   `cbor:"epoch"`
	EpochSecret []byte   `cbor:"epoch_secret"`
	Members     []Member `cbor:"members"`
	Signer      uint32   `cbor:"signer"`
	Signature   []byte   `cbor:"signature"`
}

func (gi *groupInfo) toBeSigned() ([]byte, error) {
	tbs := *gi
	tbs.Signature = nil
	return marshal(&tbs)
}

type commitContent struct {
	Added        []Member `cbor:"added"`
	CommitSecret []byte   `cbor:"commit_secret"`
}
