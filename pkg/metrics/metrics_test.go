package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())

	m.ConnectionOpened("raw")
	m.ConnectionOpened("raw")
	m.ConnectionOpened("websocket")
	m.ConnectionClosed("raw")
	m.Request("snd")
	m.Request("fch")
	m.Request("fch")
	m.RecordPushed()
	m.RecordsServed(25)
	m.ProtocolError("websocket")
	m.StorageCorruption()
	m.Rejected()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.connections.WithLabelValues("raw")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeConnections.WithLabelValues("raw")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeConnections.WithLabelValues("websocket")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues("fch")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.recordsPushed))
	assert.Equal(t, 25.0, testutil.ToFloat64(m.recordsServed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.protocolErrors.WithLabelValues("websocket")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.storageCorrupt))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rejected))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.ConnectionOpened("raw")
		m.ConnectionClosed("raw")
		m.Request("qry")
		m.RecordPushed()
		m.RecordsServed(3)
		m.ProtocolError("raw")
		m.StorageCorruption()
		m.Rejected()
	})
	assert.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}

func TestHandler(t *testing.T) {
	m := New()
	m.RecordPushed()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "publichat_records_pushed_total 1"))
	assert.True(t, strings.Contains(body, "go_goroutines"))
}
