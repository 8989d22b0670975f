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

// Package directory implements the key package directory: an identity to key
// package map with an HTTP surface. Packages are not verified on publish; the
// member that fetches one validates it before use.
package directory

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"go.mau.fi/mlsmeow/pkg/mlsproto"
)

type Directory struct {
	Store Store
	Log   zerolog.Logger

	metrics *metrics
}

type metrics struct {
	publishes *prometheus.CounterVec
	lookups   *prometheus.CounterVec
}

// New creates a directory backed by store. A nil reg leaves the metrics
// unregistered.
func New(store Store, log zerolog.Logger, reg prometheus.Registerer) *Directory {
	factory := promauto.With(reg)
	return &Directory{
		Store: store,
		Log:   log,
		metrics: &metrics{
			publishes: factory.NewCounterVec(prometheus.CounterOpts{
				Name: "directory_publishes_total",
				Help: "Key package publish attempts by result",
			}, []string{"result"}),
			lookups: factory.NewCounterVec(prometheus.CounterOpts{
				Name: "directory_lookups_total",
				Help: "Key package lookups by result",
			}, []string{"result"}),
		},
	}
}

func (dir *Directory) countPublish(result string) {
	dir.metrics.publishes.WithLabelValues(result).Inc()
}

func (dir *Directory) countLookup(result string) {
	dir.metrics.lookups.WithLabelValues(result).Inc()
}

// Publish stores keyPackage under identity, replacing any previous entry.
func (dir *Directory) Publish(ctx context.Context, identity []byte, keyPackage []byte) error {
	if len(identity) == 0 || !utf8.Valid(identity) {
		dir.countPublish("malformed_identity")
		return ErrMalformedIdentity
	}
	err := dir.Store.Publish(ctx, string(identity), keyPackage)
	if err != nil {
		dir.countPublish("error")
		return err
	}
	dir.countPublish("ok")
	zerolog.Ctx(ctx).Debug().
		Str("identity", string(identity)).
		Int("package_len", len(keyPackage)).
		Msg("Stored key package")
	return nil
}

// PublishSerialized reads the identity from the credential embedded in a
// serialized key package and publishes it. The signature is not checked.
func (dir *Directory) PublishSerialized(ctx context.Context, data []byte) (string, error) {
	kp, err := mlsproto.DeserializeKeyPackage(data)
	if err != nil {
		dir.countPublish("malformed_package")
		return "", fmt.Errorf("%w: %w", ErrMalformedPackage, err)
	}
	identity := kp.Credential.Identity
	if err = dir.Publish(ctx, identity, data); err != nil {
		return "", err
	}
	return string(identity), nil
}

func (dir *Directory) List(ctx context.Context) ([]string, error) {
	return dir.Store.List(ctx)
}

func (dir *Directory) Get(ctx context.Context, identity string) ([]byte, error) {
	keyPackage, err := dir.Store.Get(ctx, identity)
	switch {
	case err == nil:
		dir.countLookup("ok")
	case errors.Is(err, ErrNotFound):
		dir.countLookup("not_found")
	default:
		dir.countLookup("error")
	}
	return keyPackage, err
}
