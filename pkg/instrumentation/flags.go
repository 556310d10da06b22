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
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opencensus.io/trace"

	"github.com/intel/telepaging/pkg/config"
)

// Sampling defines how often trace samples are taken.
type Sampling float64

const (
	// Disabled is the trace configuration for disabling tracing.
	Disabled Sampling = 0.0
	// Production is a trace configuration for production use.
	Production Sampling = 0.1
	// Testing is a trace configuration for testing.
	Testing Sampling = 1.0

	// defaultReportPeriod is the default report period
	defaultReportPeriod = 15 * time.Second
)

// options encapsulates our configurable instrumentation parameters.
type options struct {
	// Sampling is the sampling frequency for traces.
	Sampling Sampling
	// ReportPeriod is the OpenCensus view reporting period.
	ReportPeriod config.Duration
	// JaegerCollector is the URL to the Jaeger HTTP Thrift collector.
	JaegerCollector string
	// JaegerAgent, if set, defines the address of a Jaeger agent to send spans to.
	JaegerAgent string
	// HTTPEndpoint is our HTTP endpoint, used among others to export Prometheus /metrics.
	HTTPEndpoint string
	// PrometheusExport defines whether we export /metrics to/for Prometheus.
	PrometheusExport bool
}

// Our instrumentation options.
var opt = &options{}

// Reset implements config.Fragment, taking defaults from the environment.
func (o *options) Reset() {
	*o = options{ReportPeriod: config.Duration(defaultReportPeriod)}

	parseEnv("JAEGER_COLLECTOR", func(v string) error { o.JaegerCollector = v; return nil })
	parseEnv("JAEGER_AGENT", func(v string) error { o.JaegerAgent = v; return nil })
	parseEnv("HTTP_ENDPOINT", func(v string) error { o.HTTPEndpoint = v; return nil })
	parseEnv("SAMPLING_FREQUENCY", o.Sampling.Parse)
	parseEnv("PROMETHEUS_EXPORT", func(v string) error {
		enabled, err := strconv.ParseBool(v)
		o.PrometheusExport = enabled
		return err
	})
}

// Describe implements config.Fragment.
func (o *options) Describe() string {
	return `Instrumentation for traces and metrics.
  HTTPEndpoint:     address to serve /metrics on, empty to disable
  PrometheusExport: whether to export metrics on /metrics
  ReportPeriod:     OpenCensus view reporting period
  Sampling:         trace sampling, disabled, production, testing or a probability
  JaegerAgent:      Jaeger agent endpoint
  JaegerCollector:  Jaeger collector endpoint`
}

// Validate implements config.FragmentValidator.
func (o *options) Validate() error {
	if o.Sampling < 0 || o.Sampling > 1 {
		return instrumentationError("invalid Sampling %v, not in [0, 1]", float64(o.Sampling))
	}
	if o.ReportPeriod < 0 {
		return instrumentationError("invalid negative ReportPeriod %v", o.ReportPeriod)
	}
	return nil
}

// MarshalJSON is the JSON marshaller for Sampling values.
func (s Sampling) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON is the JSON unmarshaller for Sampling values.
func (s *Sampling) UnmarshalJSON(raw []byte) error {
	var obj interface{}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return instrumentationError("failed to unmarshal Sampling value: %v", err)
	}
	switch v := obj.(type) {
	case string:
		return s.Parse(v)
	case float64:
		*s = Sampling(v)
	default:
		return instrumentationError("invalid Sampling value of type %T: %v", obj, obj)
	}
	return nil
}

// Parse parses the given string to a Sampling value.
func (s *Sampling) Parse(value string) error {
	switch strings.ToLower(value) {
	case "disabled":
		*s = Disabled
	case "testing":
		*s = Testing
	case "production":
		*s = Production
	default:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return instrumentationError("invalid Sampling value '%s': %v", value, err)
		}
		*s = Sampling(f)
	}
	return nil
}

// String returns the Sampling value as a string.
func (s Sampling) String() string {
	switch s {
	case Disabled:
		return "disabled"
	case Production:
		return "production"
	case Testing:
		return "testing"
	}
	return strconv.FormatFloat(float64(s), 'f', -1, 64)
}

// Sampler returns a trace.Sampler corresponding to the Sampling value.
func (s Sampling) Sampler() trace.Sampler {
	if s == Disabled {
		return trace.NeverSample()
	}
	return trace.ProbabilitySampler(float64(s))
}

// parseEnv parses the named environment variable if it is set.
func parseEnv(name string, parsefn func(string) error) {
	if value := os.Getenv(name); value != "" {
		if err := parsefn(value); err != nil {
			log.Error("invalid environment %s=%q: %v", name, value, err)
		}
	}
}

// configNotify is our configuration update notification handler.
func configNotify(_ config.Event, _ config.Source) error {
	log.Info("reconfiguring...")
	if err := svc.reconfigure(); err != nil {
		log.Error("failed to reconfigure instrumentation: %v", err)
		return err
	}
	return nil
}

func init() {
	config.MustRegister("instrumentation", opt)
	config.WatchUpdates(configNotify)
}
