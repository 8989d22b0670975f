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

package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	connectedPeers prometheus.Gauge
	frames         *prometheus.CounterVec
	forwards       *prometheus.CounterVec
	prunedPeers    prometheus.Counter
}

// NewMetrics registers the relay collectors in reg. A nil reg creates
// unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		connectedPeers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_connected_peers",
			Help: "Number of peers with a running actor",
		}),
		frames: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_frames_received_total",
			Help: "Websocket frames received from peers by frame type",
		}, []string{"type"}),
		forwards: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_forwards_total",
			Help: "Per-target forward attempts during broadcasts by result",
		}, []string{"result"}),
		prunedPeers: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_pruned_peers_total",
			Help: "Dead peers removed from the registry after a failed forward",
		}),
	}
}
