package observability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	framesDecoded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crisscross",
			Subsystem: "stream",
			Name:      "frames_decoded_total",
			Help:      "Frames delivered to a handler.",
		},
		[]string{"node"},
	)
	bytesDecoded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crisscross",
			Subsystem: "stream",
			Name:      "body_bytes_decoded_total",
			Help:      "Header and content bytes of delivered frames.",
		},
		[]string{"node"},
	)
	resyncs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crisscross",
			Subsystem: "stream",
			Name:      "resyncs_total",
			Help:      "Decoder resets caused by framing violations.",
		},
		[]string{"node", "reason"},
	)
	discardedBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crisscross",
			Subsystem: "stream",
			Name:      "discarded_bytes_total",
			Help:      "Buffered bytes dropped by resyncs.",
		},
		[]string{"node"},
	)
	malformedBodies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crisscross",
			Subsystem: "stream",
			Name:      "malformed_bodies_total",
			Help:      "Delimited frames dropped because a body did not decode.",
		},
		[]string{"node", "part"},
	)
	packetsEncoded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crisscross",
			Subsystem: "packet",
			Name:      "encoded_total",
			Help:      "Packets encoded.",
		},
		[]string{"node"},
	)
	packetBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "crisscross",
			Subsystem: "packet",
			Name:      "body_bytes",
			Help:      "Header plus content bytes per encoded packet.",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 8),
		},
		[]string{"node"},
	)
	encodeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crisscross",
			Subsystem: "packet",
			Name:      "encode_failures_total",
			Help:      "Packets that could not be encoded.",
		},
		[]string{"node", "stage"},
	)
	connections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crisscross",
			Subsystem: "transport",
			Name:      "connections_total",
			Help:      "Connections opened.",
		},
		[]string{"node", "role"},
	)
	activeConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "crisscross",
			Subsystem: "transport",
			Name:      "active_connections",
			Help:      "Connections currently open.",
		},
		[]string{"node", "role"},
	)
	connectionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "crisscross",
			Subsystem: "transport",
			Name:      "connection_duration_seconds",
			Help:      "Connection lifetime in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "role"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			framesDecoded, bytesDecoded, resyncs, discardedBytes, malformedBodies,
			packetsEncoded, packetBytes, encodeFailures,
			connections, activeConnections, connectionDuration,
		)
	})
}

// Handler serves the default registry for /metrics.
func Handler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}

// ServeMetrics exposes /metrics on ln until ctx ends.
func ServeMetrics(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	defer stop()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ProtocolRecorder feeds decoder and encoder activity for one node into the
// collectors above. It satisfies stream.Recorder and packet.Recorder.
type ProtocolRecorder struct {
	Node string
}

func NewProtocolRecorder(node string) ProtocolRecorder {
	RegisterMetrics()
	return ProtocolRecorder{Node: node}
}

func (r ProtocolRecorder) FrameDecoded(headerBytes, contentBytes int) {
	framesDecoded.WithLabelValues(r.Node).Inc()
	bytesDecoded.WithLabelValues(r.Node).Add(float64(headerBytes + contentBytes))
}

func (r ProtocolRecorder) Resync(reason string, discarded int) {
	resyncs.WithLabelValues(r.Node, reason).Inc()
	discardedBytes.WithLabelValues(r.Node).Add(float64(discarded))
}

func (r ProtocolRecorder) MalformedBody(part string) {
	malformedBodies.WithLabelValues(r.Node, part).Inc()
}

func (r ProtocolRecorder) PacketEncoded(headerBytes, contentBytes int) {
	packetsEncoded.WithLabelValues(r.Node).Inc()
	packetBytes.WithLabelValues(r.Node).Observe(float64(headerBytes + contentBytes))
}

func (r ProtocolRecorder) EncodeFailed(stage string) {
	encodeFailures.WithLabelValues(r.Node, stage).Inc()
}

// RecordConnection marks a connection open and returns the func that marks
// it closed.
func RecordConnection(node, role string) func() {
	RegisterMetrics()
	start := time.Now()
	connections.WithLabelValues(node, role).Inc()
	activeConnections.WithLabelValues(node, role).Inc()
	return func() {
		activeConnections.WithLabelValues(node, role).Dec()
		connectionDuration.WithLabelValues(node, role).Observe(time.Since(start).Seconds())
	}
}
