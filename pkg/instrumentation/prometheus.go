// Copyright 2022 Intel Corporation. All Rights Reserved.
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


package instrumentation

import (
	"strings"
	"sync"
	"time"

	"contrib.go.opencensus.io/exporter/prometheus"
	pclient "github.com/prometheus/client_golang/prometheus"
	model "github.com/prometheus/client_model/go"
	"go.opencensus.io/stats/view"
)

const (
	// PrometheusMetricsPath is the URL path for exposing metrics to Prometheus.
	PrometheusMetricsPath = "/metrics"
)

// dynamically registered prometheus gatherers
var dynamicGatherers = &gatherers{gatherers: pclient.Gatherers{}}

// metrics encapsulates the state of our Prometheus exporter.
type metrics struct {
	exporter *prometheus.Exporter
	period   time.Duration
}

// start creates and registers the Prometheus exporter, if enabled.
func (m *metrics) start(mux *serveMux, period time.Duration, export bool) error {
	if !export {
		log.Info("Prometheus metrics export is disabled")
		return nil
	}

	exp, err := prometheus.NewExporter(prometheus.Options{
		Namespace: prometheusNamespace(ServiceName),
		Gatherer:  pclient.Gatherers{dynamicGatherers},
		OnError:   func(err error) { log.Error("prometheus export error: %v", err) },
	})
	if err != nil {
		return instrumentationError("failed to create Prometheus exporter: %v", err)
	}

	m.exporter = exp
	m.period = period

	mux.Handle(PrometheusMetricsPath, m.exporter)
	view.RegisterExporter(m.exporter)
	if period > 0 {
		view.SetReportingPeriod(period)
	}

	return nil
}

// stop unregisters the Prometheus exporter.
func (m *metrics) stop(mux *serveMux) {
	if m.exporter == nil {
		return
	}
	view.UnregisterExporter(m.exporter)
	mux.Unregister(PrometheusMetricsPath)
	*m = metrics{}
}

// reconfigure reconfigures the Prometheus exporter.
func (m *metrics) reconfigure(mux *serveMux, period time.Duration, export bool) error {
	if !export {
		m.stop(mux)
		return nil
	}
	if m.exporter != nil {
		if period != m.period && period > 0 {
			view.SetReportingPeriod(period)
			m.period = period
		}
		return nil
	}
	return m.start(mux, period, export)
}

// mutate service name into a valid Prometheus namespace name.
func prometheusNamespace(service string) string {
	return strings.ReplaceAll(strings.ToLower(service), "-", "_")
}

// gatherers is a trivial wrapper around prometheus Gatherers.
type gatherers struct {
	sync.RWMutex
	gatherers pclient.Gatherers
}

// Register registers a new gatherer.
func (g *gatherers) Register(gatherer pclient.Gatherer) {
	g.Lock()
	defer g.Unlock()
	g.gatherers = append(g.gatherers, gatherer)
}

// Gather implements the pclient.Gatherer interface.
func (g *gatherers) Gather() ([]*model.MetricFamily, error) {
	g.RLock()
	defer g.RUnlock()
	return g.gatherers.Gather()
}
