// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes package-level Prometheus counters/gauges for the
// proxy. Registration is eager in init(). Label cardinality stays bounded:
// deny reasons and outcomes are the only labels, and both sets are closed.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hlsproxy_requests_total",
		Help: "Total proxied requests by outcome (allow/deny/redirect).",
	}, []string{"outcome"})

	DeniesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hlsproxy_denies_total",
		Help: "Total denied requests by reason.",
	}, []string{"reason"})

	BytesTransferredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hlsproxy_bytes_transferred_total",
		Help: "Total bytes streamed to clients.",
	})

	ActiveTransfers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hlsproxy_active_transfers",
		Help: "Number of in-flight transfers.",
	})

	M3U8LimitHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hlsproxy_m3u8_limit_exceeded_total",
		Help: "Total requests denied by the m3u8 adaptive access counter.",
	})

	TrafficReportsFailedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hlsproxy_traffic_reports_failed_total",
		Help: "Total traffic report POSTs that did not receive a 2xx.",
	})

	RedisErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hlsproxy_redis_errors_total",
		Help: "Total unexpected Redis command failures observed by the pipeline.",
	})
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		DeniesTotal,
		BytesTransferredTotal,
		ActiveTransfers,
		M3U8LimitHits,
		TrafficReportsFailedTotal,
		RedisErrorsTotal,
	)
}
