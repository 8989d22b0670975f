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
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// A minimal single-shot HPKE-style seal: an ephemeral X25519 exchange keys a
// ChaCha20-Poly1305 AEAD for exactly one message.

func generateInitKey() (priv, pub []byte, err error) {
	priv = make([]byte, curve25519.ScalarSize)
	if _, err = rand.Read(priv); err != nil {
		return nil, nil, newError(ErrorCodeCryptoFailure, "failed to read randomness: %v", err)
	}
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, newError(ErrorCodeCryptoFailure, "failed to derive init key: %v", err)
	}
	return priv, pub, nil
}

func sealTo(recipient, info, aad, plaintext []byte) (enc, ciphertext []byte, err error) {
	if len(recipient) != curve25519.PointSize {
		return nil, nil, newError(ErrorCodeInvalidKey, "init key has length %d", len(recipient))
	}
	ephPriv, ephPub, err := generateInitKey()
	if err != nil {
		return nil, nil, err
	}
	shared, err := curve25519.X25519(ephPriv, recipient)
	if err != nil {
		return nil, nil, newError(ErrorCodeInvalidKey, "key agreement failed: %v", err)
	}
	aead, nonce, err := hpkeContext(shared, ephPub, recipient, info)
	if err != nil {
		return nil, nil, err
	}
	return ephPub, aead.Seal(nil, nonce, plaintext, aad), nil
}

func openFrom(priv, pub, enc, info, aad, ciphertext []byte) ([]byte, error) {
	if len(enc) != curve25519.PointSize {
		return nil, newError(ErrorCodeMalformed, "encapsulated key has length %d", len(enc))
	}
	shared, err := curve25519.X25519(priv, enc)
	if err != nil {
		return nil, newError(ErrorCodeInvalidKey, "key agreement failed: %v", err)
	}
	aead, nonce, err := hpkeContext(shared, enc, pub, info)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, newError(ErrorCodeDecryptionFailed, "failed to open sealed secrets")
	}
	return plaintext, nil
}

func hpkeContext(shared, enc, recipient, info []byte) (cipher.AEAD, []byte, error) {
	salt := make([]byte, 0, len(enc)+len(recipient))
	salt = append(append(salt, enc...), recipient...)
	okm := make([]byte, chacha20poly1305.KeySize+chacha20poly1305.NonceSize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt, info), okm); err != nil {
		return nil, nil, newError(ErrorCodeCryptoFailure, "failed to expand sealing key: %v", err)
	}
	aead, err := chacha20poly1305.New(okm[:chacha20poly1305.KeySize])
	if err != nil {
		return nil, nil, newError(ErrorCodeCryptoFailure, "failed to create aead: %v", err)
	}
	return aead, okm[chacha20poly1305.KeySize:], nil
}

// expand derives length bytes from secret, bound to label and context.
func expand(secret []byte, label string, context []byte, length int) ([]byte, error) {
	info := make([]byte, 0, len(signLabelPrefix)+len(label)+len(context))
	info = append(append(append(info, signLabelPrefix...), label...), context...)
	out := make([]byte, length)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, info), out); err != nil {
		return nil, newError(ErrorCodeCryptoFailure, "failed to expand %s: %v", label, err)
	}
	return out, nil
}
