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
	"crypto/rand"
	"unicode/utf8"
)

type ProtocolVersion uint16

const ProtocolVersion10 ProtocolVersion = 1

// DefaultProtocolVersion is the only version this package speaks.
const DefaultProtocolVersion = ProtocolVersion10

type Ciphersuite uint16

// CiphersuiteX25519ChaCha20SHA256Ed25519 is the only supported suite: X25519
// key agreement, ChaCha20-Poly1305 AEAD, SHA-256 and Ed25519 signatures.
const CiphersuiteX25519ChaCha20SHA256Ed25519 Ciphersuite = 0x0003

const MaxIdentityLength = 256

// Credential is a basic credential, i.e. a bare identity with no certificate.
type Credential struct {
	Identity []byte `cbor:"identity"`
}

func NewBasicCredential(identity []byte) (*Credential, error) {
	cred := &Credential{Identity: bytes.Clone(identity)}
	if err := cred.check(); err != nil {
		return nil, err
	}
	return cred, nil
}

func (c *Credential) check() error {
	if len(c.Identity) == 0 {
		return newError(ErrorCodeInvalidCredential, "empty identity")
	} else if len(c.Identity) > MaxIdentityLength {
		return newError(ErrorCodeInvalidCredential, "identity longer than %d bytes", MaxIdentityLength)
	}
	return nil
}

// IdentityString returns the identity as text if it is valid UTF-8.
func (c *Credential) IdentityString() (string, bool) {
	if !utf8.Valid(c.Identity) {
		return "", false
	}
	return string(c.Identity), true
}

// CredentialWithKey binds a credential to the public half of a signature key.
type CredentialWithKey struct {
	Credential   Credential `cbor:"credential"`
	SignatureKey []byte     `cbor:"signature_key"`
}

type SignatureKeyPair struct {
	private ed25519.PrivateKey
	public  ed25519.PublicKey
}

func GenerateSignatureKeyPair() (*SignatureKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, newError(ErrorCodeCryptoFailure, "failed to generate signature key: %v", err)
	}
	return &SignatureKeyPair{private: priv, public: pub}, nil
}

func (kp *SignatureKeyPair) Public() []byte {
	return bytes.Clone(kp.public)
}

func (kp *SignatureKeyPair) sign(label string, content []byte) []byte {
	return ed25519.Sign(kp.private, signContent(label, content))
}

func verifySignature(publicKey []byte, label string, content, signature []byte) error {
	if len(publicKey) != ed25519.PublicKeySize {
		return newError(ErrorCodeInvalidKey, "signature key has length %d", len(publicKey))
	} else if len(signature) != ed25519.SignatureSize || !ed25519.Verify(publicKey, signContent(label, content), signature) {
		return newError(ErrorCodeInvalidSignature, "%s signature does not verify", label)
	}
	return nil
}

func signContent(label string, content []byte) []byte {
	out := make([]byte, 0, len(signLabelPrefix)+len(label)+1+len(content))
	out = append(out, signLabelPrefix...)
	out = append(out, label...)
	out = append(out, 0)
	return append(out, content...)
}

const signLabelPrefix = "mlsmeow 1.0 "
