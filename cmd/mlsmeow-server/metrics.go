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

package main

import (
	"context"
	"errors"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"go.mau.fi/mlsmeow/pkg/directory"
)

const statsInterval = 10 * time.Second

type MetricsHandler struct {
	Registry *prometheus.Registry

	dir    *directory.Directory
	server *http.Server
	log    zerolog.Logger

	ctx          context.Context
	stopRecorder context.CancelFunc

	countCollection prometheus.Histogram
	identityCount   prometheus.Gauge
}

// NewMetricsHandler creates the metrics registry. If address is empty, the
// caller is expected to mount Handler on its own router.
func NewMetricsHandler(address string, log zerolog.Logger) *MetricsHandler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)
	mh := &MetricsHandler{
		Registry: reg,
		log:      log,

		countCollection: factory.NewHistogram(prometheus.HistogramOpts{
			Name: "directory_count_collection",
			Help: "Time spent collecting the directory_identities metric",
		}),
		identityCount: factory.NewGauge(prometheus.GaugeOpts{
			Name: "directory_identities",
			Help: "Number of identities with a published key package",
		}),
	}
	if address != "" {
		mh.server = &http.Server{Addr: address, Handler: mh.Handler()}
	}
	return mh
}

func (mh *MetricsHandler) Handler() http.Handler {
	return promhttp.HandlerFor(mh.Registry, promhttp.HandlerOpts{})
}

// SetDirectory sets the directory whose size is recorded. It must be called
// before Start.
func (mh *MetricsHandler) SetDirectory(dir *directory.Directory) {
	mh.dir = dir
}

func (mh *MetricsHandler) updateStats() {
	if mh.dir == nil {
		return
	}
	start := time.Now()
	ctx, cancel := context.WithTimeout(mh.ctx, statsInterval)
	defer cancel()
	identities, err := mh.dir.List(ctx)
	if err != nil {
		mh.log.Warn().Err(err).Msg("Failed to count published identities")
	} else {
		mh.identityCount.Set(float64(len(identities)))
	}
	mh.countCollection.Observe(time.Since(start).Seconds())
}

func (mh *MetricsHandler) startUpdatingStats() {
	defer func() {
		err := recover()
		if err != nil {
			mh.log.Error().
				Str("stack", string(debug.Stack())).
				Interface("panic", err).
				Msg("Panic in metric updater")
		}
	}()
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		mh.updateStats()
		select {
		case <-mh.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Start runs the stats updater and, if a separate listener was configured,
// serves metrics until Stop is called.
func (mh *MetricsHandler) Start() {
	mh.ctx, mh.stopRecorder = context.WithCancel(context.Background())
	go mh.startUpdatingStats()
	if mh.server == nil {
		return
	}
	go func() {
		mh.log.Info().Str("address", mh.server.Addr).Msg("Starting metrics listener")
		err := mh.server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			mh.log.Err(err).Msg("Error in metrics listener")
		}
	}()
}

func (mh *MetricsHandler) Stop() {
	if mh.stopRecorder == nil {
		return
	}
	mh.stopRecorder()
	if mh.server != nil {
		if err := mh.server.Close(); err != nil {
			mh.log.Err(err).Msg("Error closing metrics listener")
		}
	}
}
