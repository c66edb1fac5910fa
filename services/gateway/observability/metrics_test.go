// Copyright (C) 2025 Sysdr Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package observability

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

var initOnce sync.Once

// testMetrics returns the singleton; InitMetrics registers on the
// default registry and must run exactly once per test binary.
func testMetrics() *GatewayMetrics {
	initOnce.Do(func() { InitMetrics() })
	return DefaultMetrics
}

func TestSetBreakerStateGauge(t *testing.T) {
	m := testMetrics()

	m.SetBreakerState("gemini", 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BreakerState.WithLabelValues("gemini")))

	m.SetBreakerState("gemini", 2)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.BreakerState.WithLabelValues("gemini")))

	m.SetBreakerState("gemini", 0)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.BreakerState.WithLabelValues("gemini")))
}

func TestRecordFailoverCounter(t *testing.T) {
	m := testMetrics()

	before := testutil.ToFloat64(m.BackendFailoversTotal.WithLabelValues("ollama"))
	m.RecordFailover("ollama")
	assert.Equal(t, before+1, testutil.ToFloat64(m.BackendFailoversTotal.WithLabelValues("ollama")))
}
