package streamer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fmstreamer",
		Name:      "session_attempts_total",
		Help:      "Session attempts started.",
	})

	metricRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fmstreamer",
		Name:      "session_restarts_total",
		Help:      "Session attempts that ended and were retried, by cause.",
	}, []string{"cause"})

	metricStreaming = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fmstreamer",
		Name:      "session_streaming",
		Help:      "1 while a session attempt is streaming.",
	})

	metricForwardedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fmstreamer",
		Name:      "audio_forwarded_bytes_total",
		Help:      "PCM bytes written to the encoder.",
	})

	metricRDSUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fmstreamer",
		Name:      "rds_updates_total",
		Help:      "RDS text changes sent to the encoder.",
	}, []string{"kind"})
)
