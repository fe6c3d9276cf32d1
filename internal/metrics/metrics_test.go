// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Write("integer")
		m.Read("ok")
		m.Notified(3)
		m.SessionStarted()
		m.SessionRemoved()
		m.QueueDropped("mqtt")
		m.UpstreamSent("mqtt")
		m.UpstreamError("mqtt")
		m.PersistenceFailure("tree")
	})
}

func TestMetrics_Counters(t *testing.T) {
	m := New()
	m.Write("integer")
	m.Write("integer")
	m.QueueDropped("mqtt")
	m.SessionStarted()
	m.SessionStarted()
	m.SessionRemoved()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.writes.WithLabelValues("integer")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.queueDropped.WithLabelValues("mqtt")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessions))
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.UpstreamSent("lwm2m")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `datarouter_upstream_sent_total{protocol="lwm2m"} 1`))
}
