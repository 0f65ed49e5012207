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
	// BrokerRequests tracks authorization broker HTTP requests by command
	// and outcome.
	BrokerRequests = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "requests_total",
			Help:      "Total number of authorization broker requests",
		},
		[]string{"command", "status"}, // start/stop, success/failure
	)

	// BrokerRequestDuration tracks authorization broker request latency.
	BrokerRequestDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "request_duration_seconds",
			Help:      "Authorization broker request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"command"},
	)

	// BrokerCoalescedRequests tracks singleflight-coalesced start requests
	// that were served by an already in-flight call for the same ticket.
	BrokerCoalescedRequests = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "coalesced_requests_total",
			Help:      "Total number of start requests served by an in-flight request for the same ticket",
		},
	)

	// HandshakeFailuresByIP tracks failed handshakes bucketed by source IP,
	// a best-effort counter an operator can build IP blocking on top of.
	HandshakeFailuresByIP = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "handshakes",
			Name:      "failures_by_ip_total",
			Help:      "Total number of failed handshakes, bucketed by source IP",
		},
		[]string{"source_ip"},
	)
)
