// Copyright (c) 2026 John Earle
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

// Package metrics holds the Prometheus collectors of the tracker. Every
// method is safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "opentrack"

// Metrics groups the tracker's collectors.
type Metrics struct {
	Requests        *prometheus.CounterVec
	Rejections      *prometheus.CounterVec
	Upserts         *prometheus.CounterVec
	SinkErrors      *prometheus.CounterVec
	RecordDuration  prometheus.Histogram
	SendGridEvents  *prometheus.CounterVec
	SuspiciousAdded prometheus.Counter

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them on reg. A nil reg uses a
// fresh registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		Requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Tracking requests by endpoint and outcome.",
			},
			[]string{"endpoint", "outcome"},
		),
		Rejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rejections_total",
				Help:      "Opens rejected by the classifier, by reason.",
			},
			[]string{"reason"},
		),
		Upserts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upserts_total",
				Help:      "Row upserts by action.",
			},
			[]string{"action"},
		),
		SinkErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sink_errors_total",
				Help:      "Failed writes by sink.",
			},
			[]string{"sink"},
		),
		RecordDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "record_duration_seconds",
				Help:      "Time spent recording an accepted open.",
				Buckets:   prometheus.DefBuckets,
			},
		),
		SendGridEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sendgrid_events_total",
				Help:      "SendGrid webhook events by disposition.",
			},
			[]string{"disposition"},
		),
		SuspiciousAdded: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "suspicious_ips_added_total",
				Help:      "Addresses added to the suspicious-IP set.",
			},
		),
		gatherer: reg,
	}

	reg.MustRegister(
		m.Requests,
		m.Rejections,
		m.Upserts,
		m.SinkErrors,
		m.RecordDuration,
		m.SendGridEvents,
		m.SuspiciousAdded,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) IncRequest(endpoint, outcome string) {
	if m == nil || m.Requests == nil {
		return
	}
	m.Requests.WithLabelValues(endpoint, outcome).Inc()
}

func (m *Metrics) IncRejection(reason string) {
	if m == nil || m.Rejections == nil {
		return
	}
	m.Rejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncUpsert(action string) {
	if m == nil || m.Upserts == nil {
		return
	}
	m.Upserts.WithLabelValues(action).Inc()
}

func (m *Metrics) IncSinkError(sink string) {
	if m == nil || m.SinkErrors == nil {
		return
	}
	m.SinkErrors.WithLabelValues(sink).Inc()
}

func (m *Metrics) IncSendGrid(disposition string) {
	if m == nil || m.SendGridEvents == nil {
		return
	}
	m.SendGridEvents.WithLabelValues(disposition).Inc()
}

func (m *Metrics) IncSuspicious() {
	if m == nil || m.SuspiciousAdded == nil {
		return
	}
	m.SuspiciousAdded.Inc()
}

// ObserveRecord records how long a write took.
func (m *Metrics) ObserveRecord(d time.Duration) {
	if m == nil || m.RecordDuration == nil {
		return
	}
	m.RecordDuration.Observe(d.Seconds())
}
