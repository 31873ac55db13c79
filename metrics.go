package sqsio

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	resultOK    = "ok"
	resultError = "error"
)

type readerMetrics struct {
	receives      *prometheus.CounterVec
	received      prometheus.Counter
	acked         prometheus.Counter
	rejected      prometheus.Counter
	expiring      prometheus.Counter
	skippedPolls  prometheus.Counter
	trackedExpiry prometheus.Gauge
}

// newReaderMetrics creates the reader collectors. A nil registerer leaves
// them unregistered.
func newReaderMetrics(reg prometheus.Registerer, queueURL string) *readerMetrics {
	f := promauto.With(reg)
	labels := prometheus.Labels{"queue": queueURL}
	return &readerMetrics{
		receives: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "sqsio_reader_receives_total",
				Help:        "Total number of receive calls by result",
				ConstLabels: labels,
			},
			[]string{"result"},
		),
		received: f.NewCounter(prometheus.CounterOpts{
			Name:        "sqsio_reader_messages_received_total",
			Help:        "Total number of messages received",
			ConstLabels: labels,
		}),
		acked: f.NewCounter(prometheus.CounterOpts{
			Name:        "sqsio_reader_messages_acked_total",
			Help:        "Total number of messages acknowledged",
			ConstLabels: labels,
		}),
		rejected: f.NewCounter(prometheus.CounterOpts{
			Name:        "sqsio_reader_messages_rejected_total",
			Help:        "Total number of messages a handler returned an error for",
			ConstLabels: labels,
		}),
		expiring: f.NewCounter(prometheus.CounterOpts{
			Name:        "sqsio_reader_messages_expiring_total",
			Help:        "Total number of expiring notifications",
			ConstLabels: labels,
		}),
		skippedPolls: f.NewCounter(prometheus.CounterOpts{
			Name:        "sqsio_reader_polls_skipped_total",
			Help:        "Total number of poll ticks skipped because receives were still in flight",
			ConstLabels: labels,
		}),
		trackedExpiry: f.NewGauge(prometheus.GaugeOpts{
			Name:        "sqsio_reader_tracked_messages",
			Help:        "Number of messages with an armed expiry timer",
			ConstLabels: labels,
		}),
	}
}

type writerMetrics struct {
	publishes *prometheus.CounterVec
	batches   *prometheus.CounterVec
	sent      prometheus.Counter
	requeued  prometheus.Counter
	dropped   prometheus.Counter
	buffered  prometheus.Gauge
}

// newWriterMetrics creates the writer collectors. A nil registerer leaves
// them unregistered.
func newWriterMetrics(reg prometheus.Registerer, queueURL string) *writerMetrics {
	f := promauto.With(reg)
	labels := prometheus.Labels{"queue": queueURL}
	return &writerMetrics{
		publishes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "sqsio_writer_publishes_total",
				Help:        "Total number of single message sends by result",
				ConstLabels: labels,
			},
			[]string{"result"},
		),
		batches: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "sqsio_writer_batches_total",
				Help:        "Total number of batch sends by result",
				ConstLabels: labels,
			},
			[]string{"result"},
		),
		sent: f.NewCounter(prometheus.CounterOpts{
			Name:        "sqsio_writer_entries_sent_total",
			Help:        "Total number of batch entries accepted by the queue",
			ConstLabels: labels,
		}),
		requeued: f.NewCounter(prometheus.CounterOpts{
			Name:        "sqsio_writer_entries_requeued_total",
			Help:        "Total number of failed batch entries put back into the buffer",
			ConstLabels: labels,
		}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Name:        "sqsio_writer_entries_dropped_total",
			Help:        "Total number of failed batch entries that were not retried",
			ConstLabels: labels,
		}),
		buffered: f.NewGauge(prometheus.GaugeOpts{
			Name:        "sqsio_writer_buffered_entries",
			Help:        "Number of entries waiting in the buffer",
			ConstLabels: labels,
		}),
	}
}
