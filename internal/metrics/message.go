// tunnelbroker - post-quantum secured TCP tunnel broker
// Copyright (C) 2026 tunnelbroker contributors
//
// This file is part of tunnelbroker.
//
// tunnelbroker is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// tunnelbroker is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with tunnelbroker. If not, see <https://www.gnu.org/licenses/>.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FramesRouted tracks frames the session proxy routed between the
	// server-facing stream and a backend channel stream.
	FramesRouted = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "frames_routed_total",
			Help:      "Total number of frames routed by the session proxy",
		},
		[]string{"direction"}, // server_to_client, client_to_server
	)

	// FramesDropped tracks frames the session proxy discarded because the
	// addressed side was detached.
	FramesDropped = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "frames_dropped_total",
			Help:      "Total number of frames dropped because the target endpoint was detached",
		},
		[]string{"direction"},
	)

	// ReplayAttacksDetected tracks sequence numbers rejected by the AEAD
	// record layer as replays.
	ReplayAttacksDetected = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "replay_attacks_detected_total",
			Help:      "Total number of replayed sequence numbers rejected",
		},
	)

	// InvalidChannelFrames tracks server frames addressed to channel 0 or
	// to a channel id never attached on that proxy. Either condition ends
	// the session's proxy, since it signals a peer no longer speaking the
	// expected framing rather than a transient detach.
	InvalidChannelFrames = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "invalid_channel_frames_total",
			Help:      "Total number of server frames addressed to an invalid channel id, each of which terminates its session proxy",
		},
	)

	// EndpointAttachments tracks server/client endpoint attach and detach
	// events on the session proxy's control mailbox.
	EndpointAttachments = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "endpoint_attachments_total",
			Help:      "Total number of endpoint attach/detach events handled by the session proxy",
		},
		[]string{"endpoint", "action"}, // server/client, attach/detach
	)

	// FrameProcessingDuration tracks how long the proxy spends routing one
	// frame end to end.
	FrameProcessingDuration = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "frame_processing_duration_seconds",
			Help:      "Frame processing duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 12), // 0.1ms to 205ms
		},
	)

	// FrameSize tracks frame payload sizes.
	FrameSize = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "frame_size_bytes",
			Help:      "Frame payload size in bytes",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 10), // 64B to 16MB
		},
	)
)
