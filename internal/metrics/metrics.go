package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StreamMetrics instruments the streaming client.
type StreamMetrics struct {
	framesReceived    prometheus.Counter
	recordsDispatched prometheus.Counter
	parseErrors       prometheus.Counter
	reconnects        prometheus.Counter
	connectionUp      prometheus.Gauge
}

// NewStreamMetrics creates and registers stream instruments.
func NewStreamMetrics(reg prometheus.Registerer) *StreamMetrics {
	m := &StreamMetrics{
		framesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stream_frames_received_total",
			Help: "Inbound WebSocket frames received.",
		}),
		recordsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stream_records_dispatched_total",
			Help: "Tagged records routed to an event.",
		}),
		parseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stream_parse_errors_total",
			Help: "Frames or records dropped as unparsable.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stream_reconnects_total",
			Help: "Reconnect attempts scheduled after unexpected closes.",
		}),
		connectionUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stream_connection_up",
			Help: "1 while the client is authenticated and streaming.",
		}),
	}
	reg.MustRegister(m.framesReceived, m.recordsDispatched, m.parseErrors, m.reconnects, m.connectionUp)
	return m
}

// FrameReceived counts one inbound frame.
func (m *StreamMetrics) FrameReceived() {
	if m == nil {
		return
	}
	m.framesReceived.Inc()
}

// RecordDispatched counts one routed record.
func (m *StreamMetrics) RecordDispatched() {
	if m == nil {
		return
	}
	m.recordsDispatched.Inc()
}

// ParseError counts one dropped frame or record.
func (m *StreamMetrics) ParseError() {
	if m == nil {
		return
	}
	m.parseErrors.Inc()
}

// ReconnectScheduled counts one reconnect attempt.
func (m *StreamMetrics) ReconnectScheduled() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

// SetConnected flips the connection gauge.
func (m *StreamMetrics) SetConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.connectionUp.Set(1)
	} else {
		m.connectionUp.Set(0)
	}
}

// RecorderMetrics instruments the event recorder.
type RecorderMetrics struct {
	inserts prometheus.Counter
	flushes prometheus.Counter
	errors  prometheus.Counter
}

// NewRecorderMetrics creates and registers recorder instruments.
func NewRecorderMetrics(reg prometheus.Registerer) *RecorderMetrics {
	m := &RecorderMetrics{
		inserts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recorder_rows_inserted_total",
			Help: "Rows written to the database.",
		}),
		flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recorder_flushes_total",
			Help: "Batch flushes executed.",
		}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recorder_errors_total",
			Help: "Failed batch writes.",
		}),
	}
	reg.MustRegister(m.inserts, m.flushes, m.errors)
	return m
}

// RowsInserted counts written rows.
func (m *RecorderMetrics) RowsInserted(n int) {
	if m == nil {
		return
	}
	m.inserts.Add(float64(n))
}

// Flush counts one executed flush.
func (m *RecorderMetrics) Flush() {
	if m == nil {
		return
	}
	m.flushes.Inc()
}

// Error counts one failed batch write.
func (m *RecorderMetrics) Error() {
	if m == nil {
		return
	}
	m.errors.Inc()
}

// Serve runs the metrics HTTP endpoint until ctx is cancelled.
func Serve(ctx context.Context, addr, path string, reg *prometheus.Registry, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.Info("metrics server started", "addr", addr, "path", path)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
