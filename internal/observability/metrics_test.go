package observability

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danmuck/crisscross/internal/testutil/testlog"
)

func TestRegisterMetricsIsIdempotent(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()
}

func TestProtocolRecorderCounts(t *testing.T) {
	testlog.Start(t)
	rec := NewProtocolRecorder("node-recorder")

	rec.FrameDecoded(10, 5)
	rec.FrameDecoded(1, 1)
	rec.Resync("bad_start_magic", 7)
	rec.MalformedBody("content")
	rec.PacketEncoded(20, 3)
	rec.EncodeFailed("content")

	assert.Equal(t, 2.0, testutil.ToFloat64(framesDecoded.WithLabelValues("node-recorder")))
	assert.Equal(t, 17.0, testutil.ToFloat64(bytesDecoded.WithLabelValues("node-recorder")))
	assert.Equal(t, 1.0, testutil.ToFloat64(resyncs.WithLabelValues("node-recorder", "bad_start_magic")))
	assert.Equal(t, 7.0, testutil.ToFloat64(discardedBytes.WithLabelValues("node-recorder")))
	assert.Equal(t, 1.0, testutil.ToFloat64(malformedBodies.WithLabelValues("node-recorder", "content")))
	assert.Equal(t, 1.0, testutil.ToFloat64(packetsEncoded.WithLabelValues("node-recorder")))
	assert.Equal(t, 1.0, testutil.ToFloat64(encodeFailures.WithLabelValues("node-recorder", "content")))
}

func TestRecordConnectionTracksActive(t *testing.T) {
	testlog.Start(t)
	done := RecordConnection("node-conn", "server")
	assert.Equal(t, 1.0, testutil.ToFloat64(activeConnections.WithLabelValues("node-conn", "server")))
	done()
	assert.Equal(t, 0.0, testutil.ToFloat64(activeConnections.WithLabelValues("node-conn", "server")))
	assert.Equal(t, 1.0, testutil.ToFloat64(connections.WithLabelValues("node-conn", "server")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	testlog.Start(t)
	NewProtocolRecorder("node-http").FrameDecoded(1, 1)

	rr := httptest.NewRecorder()
	Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, strings.Contains(rr.Body.String(), "crisscross_stream_frames_decoded_total"))
}

func TestServeMetricsStopsWithContext(t *testing.T) {
	testlog.Start(t)
	NewProtocolRecorder("node-serve").FrameDecoded(1, 1)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- ServeMetrics(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `crisscross_stream_frames_decoded_total{node="node-serve"} 1`)

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("metrics server did not stop")
	}
}
