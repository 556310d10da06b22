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
	"io"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestSamplingIdempotency(t *testing.T) {
	for _, tc := range []Sampling{Disabled, Testing, Production, 0.2, 0.25, 0.5, 0.75, 0.8} {
		var chk Sampling
		require.NoError(t, chk.Parse(tc.String()))
		require.Equal(t, tc, chk)
	}

	var s Sampling
	require.NoError(t, s.UnmarshalJSON([]byte(`0.5`)))
	require.Equal(t, Sampling(0.5), s)
	require.Error(t, s.UnmarshalJSON([]byte(`true`)))
}

func TestPrometheusConfiguration(t *testing.T) {
	saved := *opt
	defer func() { *opt = saved }()

	opt.HTTPEndpoint = "127.0.0.1:0"
	opt.PrometheusExport = false

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "instrumentation_test_total",
		Help: "Test counter.",
	})
	reg := prometheus.NewRegistry()
	reg.MustRegister(counter)
	RegisterGatherer(reg)

	s := newService()
	require.NoError(t, s.Start())
	defer s.Stop()

	address := s.http.addr
	require.NotEmpty(t, address)

	for _, export := range []bool{false, true, false, true} {
		opt.PrometheusExport = export
		require.NoError(t, s.reconfigure())
		require.Equal(t, address, s.http.addr, "endpoint should not be restarted")
		checkPrometheus(t, address, export)
	}
}

func checkPrometheus(t *testing.T, server string, exported bool) {
	rpl, err := http.Get("http://" + server + PrometheusMetricsPath)
	require.NoError(t, err)
	defer rpl.Body.Close()

	if !exported {
		require.Equal(t, http.StatusNotFound, rpl.StatusCode)
		return
	}

	require.Equal(t, http.StatusOK, rpl.StatusCode)
	body, err := io.ReadAll(rpl.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "instrumentation_test_total")
}
