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
	"errors"
	"fmt"
)

type ErrorCode int

const (
	ErrorCodeMalformed              ErrorCode = 1
	ErrorCodeUnsupportedVersion     ErrorCode = 2
	ErrorCodeUnsupportedCiphersuite ErrorCode = 3
	ErrorCodeInvalidKey             ErrorCode = 10
	ErrorCodeInvalidSignature       ErrorCode = 11
	ErrorCodeInvalidCredential      ErrorCode = 12
	ErrorCodeWrongGroup             ErrorCode = 20
	ErrorCodeWrongEpoch             ErrorCode = 21
	ErrorCodeUnknownSender          ErrorCode = 22
	ErrorCodeOwnMessage             ErrorCode = 23
	ErrorCodeDuplicateMessage       ErrorCode = 24
	ErrorCodeDecryptionFailed       ErrorCode = 25
	ErrorCodeUnsupportedContent     ErrorCode = 26
	ErrorCodePendingCommit          ErrorCode = 30
	ErrorCodeNoPendingCommit        ErrorCode = 31
	ErrorCodeNoMatchingKeyPackage   ErrorCode = 40
	ErrorCodeMissingRatchetTree     ErrorCode = 41
	ErrorCodeCryptoFailure          ErrorCode = 50
)

var errorCodeNames = map[ErrorCode]string{
	ErrorCodeMalformed:              "malformed",
	ErrorCodeUnsupportedVersion:     "unsupported version",
	ErrorCodeUnsupportedCiphersuite: "unsupported ciphersuite",
	ErrorCodeInvalidKey:             "invalid key",
	ErrorCodeInvalidSignature:       "invalid signature",
	ErrorCodeInvalidCredential:      "invalid credential",
	ErrorCodeWrongGroup:             "wrong group",
	ErrorCodeWrongEpoch:             "wrong epoch",
	ErrorCodeUnknownSender:          "unknown sender",
	ErrorCodeOwnMessage:             "own message",
	ErrorCodeDuplicateMessage:       "duplicate message",
	ErrorCodeDecryptionFailed:       "decryption failed",
	ErrorCodeUnsupportedContent:     "unsupported content",
	ErrorCodePendingCommit:          "pending commit",
	ErrorCodeNoPendingCommit:        "no pending commit",
	ErrorCodeNoMatchingKeyPackage:   "no matching key package",
	ErrorCodeMissingRatchetTree:     "missing ratchet tree",
	ErrorCodeCryptoFailure:          "crypto failure",
}

func (code ErrorCode) String() string {
	if name, ok := errorCodeNames[code]; ok {
		return name
	}
	return fmt.Sprintf("unknown error code %d", int(code))
}

// Error is the only error type returned by this package. Errors with the same
// code match each other in errors.Is, so callers can compare against the
// exported sentinels below.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

func newError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

var (
	ErrMalformed            = &Error{Code: ErrorCodeMalformed}
	ErrInvalidSignature     = &Error{Code: ErrorCodeInvalidSignature}
	ErrWrongEpoch           = &Error{Code: ErrorCodeWrongEpoch}
	ErrDuplicateMessage     = &Error{Code: ErrorCodeDuplicateMessage}
	ErrDecryptionFailed     = &Error{Code: ErrorCodeDecryptionFailed}
	ErrPendingCommit        = &Error{Code: ErrorCodePendingCommit}
	ErrNoPendingCommit      = &Error{Code: ErrorCodeNoPendingCommit}
	ErrNoMatchingKeyPackage = &Error{Code: ErrorCodeNoMatchingKeyPackage}
	ErrMissingRatchetTree   = &Error{Code: ErrorCodeMissingRatchetTree}
)

// CodeOf returns the protocol error code carried by err, or 0 if err did not
// come from this package.
func CodeOf(err error) ErrorCode {
	var protoErr *Error
	if errors.As(err, &protoErr) {
		return protoErr.Code
	}
	return 0
}
