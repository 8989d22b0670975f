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
	"crypto/sha256"
	"encoding/hex"

	"golang.org/x/crypto/curve25519"
)

// KeyPackageRef is the hash of a serialized key package. Welcomes address new
// members by it.
type KeyPackageRef [sha256.Size]byte

func (ref KeyPackageRef) String() string {
	return hex.EncodeToString(ref[:])
}

// KeyPackageIn is a key package as received from the network. Its signature
// has not been checked; call Validate before using it.
type KeyPackageIn struct {
	Version      ProtocolVersion `cbor:"version"`
	Ciphersuite  Ciphersuite     `cbor:"ciphersuite"`
	InitKey      []byte          `cbor:"init_key"`
	Credential   Credential      `cbor:"credential"`
	SignatureKey []byte          `cbor:"signature_key"`
	Signature    []byte          `cbor:"signature"`
}

// KeyPackage is a key package whose signature and parameters were verified.
type KeyPackage struct {
	in  KeyPackageIn
	ref KeyPackageRef
}

// NewKeyPackage creates a fresh signed key package for the given credential.
// The private init key stays in provider until a welcome for it is processed.
func NewKeyPackage(provider *Provider, signer *SignatureKeyPair, cred CredentialWithKey) (*KeyPackage, error) {
	if err := cred.Credential.check(); err != nil {
		return nil, err
	} else if !bytes.Equal(cred.SignatureKey, signer.public) {
		return nil, newError(ErrorCodeInvalidKey, "credential signature key does not belong to signer")
	}
	initPriv, initPub, err := generateInitKey()
	if err != nil {
		return nil, err
	}
	in := KeyPackageIn{
		Version:      DefaultProtocolVersion,
		Ciphersuite:  CiphersuiteX25519ChaCha20SHA256Ed25519,
		InitKey:      initPub,
		Credential:   Credential{Identity: bytes.Clone(cred.Credential.Identity)},
		SignatureKey: signer.Public(),
	}
	tbs, err := in.toBeSigned()
	if err != nil {
		return nil, err
	}
	in.Signature = signer.sign("KeyPackageTBS", tbs)
	kp := &KeyPackage{in: in}
	if kp.ref, err = in.computeRef(); err != nil {
		return nil, err
	}
	provider.storeInitKey(kp.ref, initKeyPair{private: initPriv, public: initPub})
	return kp, nil
}

// DeserializeKeyPackage decodes a key package without verifying it. Servers
// use it to learn the identity a package claims.
func DeserializeKeyPackage(data []byte) (*KeyPackageIn, error) {
	var in KeyPackageIn
	if err := unmarshal(data, &in); err != nil {
		return nil, err
	}
	return &in, nil
}

func (in *KeyPackageIn) toBeSigned() ([]byte, error) {
	tbs := *in
	tbs.Signature = nil
	return marshal(&tbs)
}

func (in *KeyPackageIn) computeRef() (KeyPackageRef, error) {
	data, err := marshal(in)
	if err != nil {
		return KeyPackageRef{}, err
	}
	return sha256.Sum256(data), nil
}

// Validate checks the protocol version, ciphersuite, key sizes and signature
// of the key package.
func (in *KeyPackageIn) Validate(version ProtocolVersion) (*KeyPackage, error) {
	if in.Version != version {
		return nil, newError(ErrorCodeUnsupportedVersion, "key package has version %d, expected %d", in.Version, version)
	} else if in.Ciphersuite != CiphersuiteX25519ChaCha20SHA256Ed25519 {
		return nil, newError(ErrorCodeUnsupportedCiphersuite, "ciphersuite %#04x", uint16(in.Ciphersuite))
	} else if len(in.InitKey) != curve25519.PointSize {
		return nil, newError(ErrorCodeInvalidKey, "init key has length %d", len(in.InitKey))
	} else if len(in.SignatureKey) != ed25519.PublicKeySize {
		return nil, newError(ErrorCodeInvalidKey, "signature key has length %d", len(in.SignatureKey))
	} else if err := in.Credential.check(); err != nil {
		return nil, err
	}
	tbs, err := in.toBeSigned()
	if err != nil {
		return nil, err
	}
	if err = verifySignature(in.SignatureKey, "KeyPackageTBS", tbs, in.Signature); err != nil {
		return nil, err
	}
	kp := &KeyPackage{in: *in}
	if kp.ref, err = in.computeRef(); err != nil {
		return nil, err
	}
	return kp, nil
}

func (in *KeyPackageIn) Serialize() ([]byte, error) {
	return marshal(in)
}

func (kp *KeyPackage) Serialize() ([]byte, error) {
	return kp.in.Serialize()
}

func (kp *KeyPackage) Ref() KeyPackageRef {
	return kp.ref
}

func (kp *KeyPackage) Credential() Credential {
	return Credential{Identity: bytes.Clone(kp.in.Credential.Identity)}
}

func (kp *KeyPackage) SignatureKey() []byte {
	return bytes.Clone(kp.in.SignatureKey)
}

func (kp *KeyPackage) InitKey() []byte {
	return bytes.Clone(kp.in.InitKey)
}
