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
	"encoding/json"
	"errors"
)

type ErrorKind string

const (
	KindNoUser              ErrorKind = "no_user"
	KindUserExists          ErrorKind = "user_exists"
	KindGroupNotFound       ErrorKind = "group_not_found"
	KindPackageFetchFailed  ErrorKind = "package_fetch_failed"
	KindPackageInvalid      ErrorKind = "package_invalid"
	KindDeserializeFailed   ErrorKind = "deserialize_failed"
	KindJoinFailed          ErrorKind = "join_failed"
	KindProcessingFailed    ErrorKind = "processing_failed"
	KindUnsupportedEnvelope ErrorKind = "unsupported_envelope"
	KindPublishFailed       ErrorKind = "publish_failed"
	KindSerializeFailed     ErrorKind = "serialize_failed"
	KindCreateFailed        ErrorKind = "create_failed"
	KindAddMemberFailed     ErrorKind = "add_member_failed"
	KindGroupCorrupted      ErrorKind = "group_corrupted"
	KindNotConnected        ErrorKind = "not_connected"
	KindSendFailed          ErrorKind = "send_failed"
)

var kindMessages = map[ErrorKind]string{
	KindNoUser:              "no user is signed in",
	KindUserExists:          "user already exists",
	KindGroupNotFound:       "group not found",
	KindPackageFetchFailed:  "error getting package from server",
	KindPackageInvalid:      "error validating package",
	KindDeserializeFailed:   "error deserializing message",
	KindJoinFailed:          "error joining group",
	KindProcessingFailed:    "error processing message",
	KindUnsupportedEnvelope: "unsupported message type",
	KindPublishFailed:       "error publishing key package",
	KindSerializeFailed:     "error serializing message",
	KindCreateFailed:        "error creating protocol object",
	KindAddMemberFailed:     "error adding member to group",
	KindGroupCorrupted:      "group state was left with an unmerged commit and has been discarded",
	KindNotConnected:        "not connected to relay",
	KindSendFailed:          "error sending message to relay",
}

// Error is returned by every Client operation. The kind survives wrapping and
// JSON encoding, the cause is reachable with errors.As.
type Error struct {
	Kind ErrorKind
	Err  error
}

var (
	ErrNoUser              = &Error{Kind: KindNoUser}
	ErrUserExists          = &Error{Kind: KindUserExists}
	ErrGroupNotFound       = &Error{Kind: KindGroupNotFound}
	ErrPackageFetchFailed  = &Error{Kind: KindPackageFetchFailed}
	ErrPackageInvalid      = &Error{Kind: KindPackageInvalid}
	ErrDeserializeFailed   = &Error{Kind: KindDeserializeFailed}
	ErrJoinFailed          = &Error{Kind: KindJoinFailed}
	ErrProcessingFailed    = &Error{Kind: KindProcessingFailed}
	ErrUnsupportedEnvelope = &Error{Kind: KindUnsupportedEnvelope}
	ErrPublishFailed       = &Error{Kind: KindPublishFailed}
	ErrSerializeFailed     = &Error{Kind: KindSerializeFailed}
	ErrCreateFailed        = &Error{Kind: KindCreateFailed}
	ErrAddMemberFailed     = &Error{Kind: KindAddMemberFailed}
	ErrGroupCorrupted      = &Error{Kind: KindGroupCorrupted}
	ErrNotConnected        = &Error{Kind: KindNotConnected}
	ErrSendFailed          = &Error{Kind: KindSendFailed}
)

func wrapErr(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

func (e *Error) Error() string {
	msg, ok := kindMessages[e.Kind]
	if !ok {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the exported sentinels can be
// used with errors.Is.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	return ok && other.Kind == e.Kind
}

func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{
		"kind":    string(e.Kind),
		"message": e.Error(),
	})
}

// KindOf returns the kind of the first *Error in err's chain, or an empty
// string if there is none.
func KindOf(err error) ErrorKind {
	var mErr *Error
	if errors.As(err, &mErr) {
		return mErr.Kind
	}
	return ""
}
