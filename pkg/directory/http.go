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

package directory

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/gorilla/mux"
)

// DefaultMaxPackageSize bounds the request body of POST /packages.
const DefaultMaxPackageSize = 64 * 1024

type Handler struct {
	*Directory
	MaxPackageSize int64
}

func NewHandler(dir *Directory) *Handler {
	return &Handler{Directory: dir, MaxPackageSize: DefaultMaxPackageSize}
}

// Register adds the directory routes to router:
//
//	POST /packages             publish a serialized key package
//	GET  /packages             JSON array of known identities
//	GET  /packages/{identity}  serialized key package
//
// The router is switched to matching escaped paths so that identities
// containing a slash still form a single path segment.
func (h *Handler) Register(router *mux.Router) {
	router.UseEncodedPath()
	router.HandleFunc("/packages", h.PostPackage).Methods(http.MethodPost)
	router.HandleFunc("/packages", h.ListPackages).Methods(http.MethodGet)
	router.HandleFunc("/packages/{identity}", h.GetPackage).Methods(http.MethodGet)
}

func (h *Handler) PostPackage(w http.ResponseWriter, r *http.Request) {
	log := h.Log.With().Str("action", "publish key package").Logger()
	ctx := log.WithContext(r.Context())
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.MaxPackageSize))
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			http.Error(w, "key package too large", http.StatusRequestEntityTooLarge)
		} else {
			http.Error(w, "failed to read body", http.StatusBadRequest)
		}
		return
	}
	identity, err := h.PublishSerialized(ctx, body)
	if errors.Is(err, ErrMalformedPackage) || errors.Is(err, ErrMalformedIdentity) {
		log.Debug().Err(err).Msg("Rejected key package")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	} else if err != nil {
		log.Err(err).Msg("Failed to store key package")
		http.Error(w, "failed to store key package", http.StatusInternalServerError)
		return
	}
	log.Info().Str("identity", identity).Msg("Key package published")
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) ListPackages(w http.ResponseWriter, r *http.Request) {
	identities, err := h.List(r.Context())
	if err != nil {
		h.Log.Err(err).Msg("Failed to list identities")
		http.Error(w, "failed to list identities", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(identities)
}

func (h *Handler) GetPackage(w http.ResponseWriter, r *http.Request) {
	identity, err := url.PathUnescape(mux.Vars(r)["identity"])
	if err != nil {
		http.Error(w, "malformed identity", http.StatusBadRequest)
		return
	}
	keyPackage, err := h.Get(r.Context(), identity)
	if errors.Is(err, ErrNotFound) {
		http.Error(w, "no key package for identity", http.StatusNotFound)
		return
	} else if err != nil {
		h.Log.Err(err).Str("identity", identity).Msg("Failed to get key package")
		http.Error(w, "failed to get key package", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(keyPackage)
}
