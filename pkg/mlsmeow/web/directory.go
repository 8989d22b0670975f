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

package web

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
)

const maxResponseSize = 1024 * 1024

var (
	ErrIdentityNotFound = errors.New("identity has no published key package")
	ErrUnexpectedBody   = errors.New("unexpected response body")
)

type HTTPError struct {
	Status int
	Body   string
}

func (e HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("unexpected status %d: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("unexpected status %d", e.Status)
}

// DirectoryClient talks to the HTTP surface of a key package directory.
type DirectoryClient struct {
	BaseURL *url.URL
	HTTP    *http.Client
}

func NewDirectoryClient(baseURL string) (*DirectoryClient, error) {
	parsed, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse server URL: %w", err)
	} else if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("unsupported server URL scheme %q", parsed.Scheme)
	}
	return &DirectoryClient{BaseURL: parsed, HTTP: &http.Client{}}, nil
}

func (dc *DirectoryClient) endpoint(path ...string) string {
	return dc.BaseURL.JoinPath(path...).String()
}

// identityEndpoint is like endpoint, but escapes identity so that it stays a
// single path segment.
func (dc *DirectoryClient) identityEndpoint(prefix, identity, suffix string) *url.URL {
	escaped := strings.TrimSuffix(dc.BaseURL.EscapedPath(), "/")
	if prefix != "" {
		escaped += "/" + prefix
	}
	escaped += "/" + url.PathEscape(identity)
	if suffix != "" {
		escaped += "/" + suffix
	}
	target := *dc.BaseURL
	target.Path, _ = url.PathUnescape(escaped)
	target.RawPath = escaped
	return &target
}

func (dc *DirectoryClient) do(ctx context.Context, method, target string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to prepare request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}
	resp, err := dc.HTTP.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

func (dc *DirectoryClient) PublishKeyPackage(ctx context.Context, keyPackage []byte) error {
	status, body, err := dc.do(ctx, http.MethodPost, dc.endpoint("packages"), keyPackage)
	if err != nil {
		return err
	} else if status != http.StatusOK {
		return HTTPError{Status: status, Body: strings.TrimSpace(string(body))}
	}
	return nil
}

func (dc *DirectoryClient) ListIdentities(ctx context.Context) ([]string, error) {
	status, body, err := dc.do(ctx, http.MethodGet, dc.endpoint("packages"), nil)
	if err != nil {
		return nil, err
	} else if status != http.StatusOK {
		return nil, HTTPError{Status: status, Body: strings.TrimSpace(string(body))}
	} else if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: invalid JSON", ErrUnexpectedBody)
	}
	result := gjson.ParseBytes(body)
	if result.Type == gjson.Null {
		return []string{}, nil
	} else if !result.IsArray() {
		return nil, fmt.Errorf("%w: expected an array", ErrUnexpectedBody)
	}
	identities := make([]string, 0, len(result.Array()))
	for _, item := range result.Array() {
		if item.Type != gjson.String {
			return nil, fmt.Errorf("%w: expected an array of strings", ErrUnexpectedBody)
		}
		identities = append(identities, item.Str)
	}
	return identities, nil
}

func (dc *DirectoryClient) FetchKeyPackage(ctx context.Context, identity string) ([]byte, error) {
	status, body, err := dc.do(ctx, http.MethodGet, dc.identityEndpoint("packages", identity, "").String(), nil)
	if err != nil {
		return nil, err
	} else if status == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrIdentityNotFound, identity)
	} else if status != http.StatusOK {
		return nil, HTTPError{Status: status, Body: strings.TrimSpace(string(body))}
	}
	return body, nil
}

// RelayURL returns the websocket URL of the relay stream for identity.
func (dc *DirectoryClient) RelayURL(identity string) string {
	relayURL := dc.identityEndpoint("", identity, "messages")
	if relayURL.Scheme == "https" {
		relayURL.Scheme = "wss"
	} else {
		relayURL.Scheme = "ws"
	}
	return relayURL.String()
}
