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

package telepage

import (
	"context"
	"time"

	"go.opencensus.io/stats"
	ocview "go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

var (
	faultLatency = stats.Float64("telepage/fault_latency", "Latency of resolved page faults", stats.UnitMilliseconds)
	keyResult    = tag.MustNewKey("result")

	// FaultLatencyView is the distribution of fault latencies by result.
	FaultLatencyView = &ocview.View{
		Name:        "telepage_fault_latency",
		Description: "Latency of resolved page faults",
		Measure:     faultLatency,
		TagKeys:     []tag.Key{keyResult},
		Aggregation: ocview.Distribution(0.01, 0.05, 0.1, 0.5, 1, 5, 10, 50, 100, 500, 1000, 5000),
	}
)

func recordFaultLatency(ctx context.Context, result FaultResult, latency time.Duration) {
	err := stats.RecordWithTags(ctx, []tag.Mutator{tag.Upsert(keyResult, result.String())},
		faultLatency.M(float64(latency)/float64(time.Millisecond)))
	if err != nil {
		rlog.Warn("failed to record fault latency: %v", err)
	}
}

// RegisterViews registers the opencensus views of the subsystem.
func RegisterViews() error {
	return ocview.Register(FaultLatencyView)
}
