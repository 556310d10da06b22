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
	"fmt"
	"net/http"
	"sync"

	pclient "github.com/prometheus/client_golang/prometheus"

	logger "github.com/intel/telepaging/pkg/log"
)

const (
	// ServiceName is our service name in external tracing and metrics services.
	ServiceName = "telepaged"
)

// Our logger instance.
var log = logger.NewLogger("instrumentation")

// Our instrumentation service instance.
var svc = newService()

// service is the state of our instrumentation services: HTTP endpoint, trace/metrics exporters.
type service struct {
	sync.RWMutex
	http    *server
	tracing *tracing
	metrics *metrics
}

func newService() *service {
	return &service{
		http:    newServer(),
		tracing: &tracing{},
		metrics: &metrics{},
	}
}

// Start starts our instrumentation services.
func Start() error {
	return svc.Start()
}

// Stop stops our instrumentation services.
func Stop() {
	svc.Stop()
}

// Restart restarts our instrumentation services.
func Restart() error {
	svc.Stop()
	return svc.Start()
}

// HTTPAddress returns the address the HTTP endpoint is bound to, if any.
func HTTPAddress() string {
	return svc.http.address()
}

// HandleFunc registers an extra HTTP handler on our endpoint.
func HandleFunc(pattern string, fn func(http.ResponseWriter, *http.Request)) {
	svc.http.mux.HandleFunc(pattern, fn)
}

// TracingEnabled returns true if trace sampling is not disabled.
func TracingEnabled() bool {
	return svc.TracingEnabled()
}

// RegisterGatherer registers a prometheus Gatherer for /metrics.
func RegisterGatherer(g pclient.Gatherer) {
	dynamicGatherers.Register(g)
}

// Start starts instrumentation services.
func (s *service) Start() error {
	log.Info("starting instrumentation services...")

	s.Lock()
	defer s.Unlock()

	if err := s.http.start(opt.HTTPEndpoint); err != nil {
		return instrumentationError("failed to start HTTP server: %v", err)
	}
	if err := s.tracing.apply(opt); err != nil {
		s.http.stop()
		return instrumentationError("failed to start tracing: %v", err)
	}
	if err := s.metrics.start(s.http.mux, opt.ReportPeriod.Std(), opt.PrometheusExport); err != nil {
		s.tracing.stop()
		s.http.stop()
		return instrumentationError("failed to start metrics: %v", err)
	}

	return nil
}

// Stop stops instrumentation services.
func (s *service) Stop() {
	s.Lock()
	defer s.Unlock()

	s.metrics.stop(s.http.mux)
	s.tracing.stop()
	s.http.stop()
}

// reconfigure reconfigures instrumentation services.
func (s *service) reconfigure() error {
	s.Lock()
	defer s.Unlock()

	if err := s.http.reconfigure(opt.HTTPEndpoint); err != nil {
		return instrumentationError("failed to reconfigure HTTP server: %v", err)
	}
	if err := s.tracing.apply(opt); err != nil {
		return instrumentationError("failed to reconfigure tracing: %v", err)
	}
	if err := s.metrics.reconfigure(s.http.mux, opt.ReportPeriod.Std(), opt.PrometheusExport); err != nil {
		return instrumentationError("failed to reconfigure metrics: %v", err)
	}
	return nil
}

// TracingEnabled returns true if the Jaeger tracing sampler is not disabled.
func (s *service) TracingEnabled() bool {
	s.RLock()
	defer s.RUnlock()

	return s.tracing.exporter != nil && float64(opt.Sampling) > 0.0
}

// instrumentationError produces a formatted instrumentation-specific error.
func instrumentationError(format string, args ...interface{}) error {
	return fmt.Errorf("instrumentation: "+format, args...)
}
