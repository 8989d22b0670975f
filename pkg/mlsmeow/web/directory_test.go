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

package web_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.mau.fi/mlsmeow/pkg/mlsmeow/web"
)

func newClient(t *testing.T, body string, status int) *web.DirectoryClient {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	dc, err := web.NewDirectoryClient(srv.URL)
	require.NoError(t, err)
	return dc
}

func TestListIdentities(t *testing.T) {
	ctx := context.Background()
	identities, err := newClient(t, `["alice","bob"]`, http.StatusOK).ListIdentities(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, identities)

	identities, err = newClient(t, `null`, http.StatusOK).ListIdentities(ctx)
	require.NoError(t, err)
	assert.Empty(t, identities)

	for _, body := range []string{`{"alice":1}`, `["alice",1]`, `[`} {
		_, err = newClient(t, body, http.StatusOK).ListIdentities(ctx)
		assert.ErrorIs(t, err, web.ErrUnexpectedBody, body)
	}

	_, err = newClient(t, "boom", http.StatusInternalServerError).ListIdentities(ctx)
	var httpErr web.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusInternalServerError, httpErr.Status)
	assert.Equal(t, "boom", httpErr.Body)
}

func TestFetchKeyPackageNotFound(t *testing.T) {
	_, err := newClient(t, "", http.StatusNotFound).FetchKeyPackage(context.Background(), "alice")
	assert.ErrorIs(t, err, web.ErrIdentityNotFound)
}

func TestFetchKeyPackageEscapesIdentity(t *testing.T) {
	var requested string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requested = r.URL.EscapedPath()
		_, _ = w.Write([]byte("pkg"))
	}))
	t.Cleanup(srv.Close)
	dc, err := web.NewDirectoryClient(srv.URL)
	require.NoError(t, err)

	data, err := dc.FetchKeyPackage(context.Background(), "team/alice")
	require.NoError(t, err)
	assert.Equal(t, []byte("pkg"), data)
	assert.Equal(t, "/packages/team%2Falice", requested)
}

func TestRelayURL(t *testing.T) {
	dc, err := web.NewDirectoryClient("http://example.com:3000/")
	require.NoError(t, err)
	assert.Equal(t, "ws://example.com:3000/alice/messages", dc.RelayURL("alice"))
	assert.Equal(t, "ws://example.com:3000/team%2Falice/messages", dc.RelayURL("team/alice"))

	dc, err = web.NewDirectoryClient("https://example.com/mls")
	require.NoError(t, err)
	assert.Equal(t, "wss://example.com/mls/alice/messages", dc.RelayURL("alice"))

	_, err = web.NewDirectoryClient("ftp://example.com")
	assert.Error(t, err)
}
