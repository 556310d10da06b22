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
	"contrib.go.opencensus.io/exporter/jaeger"
	"go.opencensus.io/trace"
)

// tracing exports the fault, migration and transfer spans to Jaeger.
type tracing struct {
	exporter *jaeger.Exporter
	// endpoints the exporter was created for, agent then collector
	endpoints [2]string
}

// apply brings the exporter in sync with the given options, recreating
// it only if the endpoints change.
func (t *tracing) apply(o *options) error {
	endpoints := [2]string{o.JaegerAgent, o.JaegerCollector}
	if t.exporter != nil && t.endpoints != endpoints {
		t.stop()
	}
	if endpoints == [2]string{} {
		log.Info("span export is disabled")
		return nil
	}

	if t.exporter == nil {
		exp, err := jaeger.NewExporter(jaeger.Options{
			ServiceName:       ServiceName,
			AgentEndpoint:     o.JaegerAgent,
			CollectorEndpoint: o.JaegerCollector,
			Process:           jaeger.Process{ServiceName: ServiceName},
			OnError:           func(err error) { log.Error("span export failed: %v", err) },
		})
		if err != nil {
			return instrumentationError("failed to create Jaeger exporter: %v", err)
		}
		log.Info("exporting spans to agent %q, collector %q", o.JaegerAgent, o.JaegerCollector)
		trace.RegisterExporter(exp)
		t.exporter = exp
		t.endpoints = endpoints
	}

	trace.ApplyConfig(trace.Config{DefaultSampler: o.Sampling.Sampler()})
	return nil
}

// stop flushes pending spans and unregisters the exporter.
func (t *tracing) stop() {
	if t.exporter == nil {
		return
	}
	t.exporter.Flush()
	trace.UnregisterExporter(t.exporter)
	trace.ApplyConfig(trace.Config{DefaultSampler: trace.NeverSample()})
	*t = tracing{}
}
