package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors for the live monitoring pipeline. Registered on the default
// registry and served by the HTTP API under /metrics.
var (
	FramesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attendance_frames_received_total",
		Help: "Number of video frames received over the stream channel.",
	})

	DetectionBatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attendance_detection_batches_total",
		Help: "Number of detection batches received over the stream channel.",
	})

	DecodeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attendance_decode_failures_total",
		Help: "Number of stream payloads that fell back to log/binary decoding.",
	})

	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attendance_stream_reconnects_total",
		Help: "Number of reconnect attempts scheduled by the stream channel.",
	})

	FramesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attendance_frames_sent_total",
		Help: "Number of frames transmitted by the sender.",
	})

	PresentCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "attendance_present_identities",
		Help: "Number of identities currently marked present.",
	})

	SessionActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "attendance_session_active",
		Help: "Whether a lecture session is currently running (0 or 1).",
	})
)
