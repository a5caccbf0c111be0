package thinpool

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusObserver exports pool activity as prometheus metrics. It
// registers its collectors on the registerer passed to the
// constructor.
type PrometheusObserver struct {
	ios        *prometheus.CounterVec
	ioBytes    *prometheus.CounterVec
	ioErrors   *prometheus.CounterVec
	ioLatency  *prometheus.HistogramVec
	commits    prometheus.Counter
	commitErrs prometheus.Counter
	provisions prometheus.Counter
	cowBreaks  prometheus.Counter
	mode       prometheus.Gauge
}

// NewPrometheusObserver creates and registers the observer. The pool
// label distinguishes multiple pools in one process.
func NewPrometheusObserver(reg prometheus.Registerer, pool string) (*PrometheusObserver, error) {
	labels := prometheus.Labels{"pool": pool}

	o := &PrometheusObserver{
		ios: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "thinpool_ios_total",
			Help:        "Bios completed against the data device.",
			ConstLabels: labels,
		}, []string{"op"}),
		ioBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "thinpool_io_bytes_total",
			Help:        "Bytes transferred, by operation.",
			ConstLabels: labels,
		}, []string{"op"}),
		ioErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "thinpool_io_errors_total",
			Help:        "Failed bios, by operation.",
			ConstLabels: labels,
		}, []string{"op"}),
		ioLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "thinpool_io_latency_seconds",
			Help:        "Bio service time, by operation.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(1e-6, 10, 8),
		}, []string{"op"}),
		commits: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "thinpool_commits_total",
			Help:        "Metadata commit attempts.",
			ConstLabels: labels,
		}),
		commitErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "thinpool_commit_errors_total",
			Help:        "Failed metadata commits.",
			ConstLabels: labels,
		}),
		provisions: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "thinpool_blocks_provisioned_total",
			Help:        "Data blocks allocated, for first writes and sharing breaks.",
			ConstLabels: labels,
		}),
		cowBreaks: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "thinpool_sharing_breaks_total",
			Help:        "Copy-on-write copies scheduled for shared blocks.",
			ConstLabels: labels,
		}),
		mode: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "thinpool_mode",
			Help:        "Pool mode (0=rw, 1=ro, 2=fail).",
			ConstLabels: labels,
		}),
	}

	for _, c := range []prometheus.Collector{
		o.ios, o.ioBytes, o.ioErrors, o.ioLatency,
		o.commits, o.commitErrs, o.provisions, o.cowBreaks, o.mode,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func (o *PrometheusObserver) ObserveIO(op BioOp, bytes uint64, latencyNs uint64, success bool) {
	label := op.String()
	o.ios.WithLabelValues(label).Inc()
	o.ioLatency.WithLabelValues(label).Observe(float64(latencyNs) / 1e9)
	if success {
		o.ioBytes.WithLabelValues(label).Add(float64(bytes))
	} else {
		o.ioErrors.WithLabelValues(label).Inc()
	}
}

func (o *PrometheusObserver) ObserveCommit(latencyNs uint64, success bool) {
	o.commits.Inc()
	if !success {
		o.commitErrs.Inc()
	}
}

func (o *PrometheusObserver) ObserveProvision() {
	o.provisions.Inc()
}

func (o *PrometheusObserver) ObserveBreakSharing() {
	o.cowBreaks.Inc()
}

func (o *PrometheusObserver) ObserveModeChange(mode PoolMode) {
	o.mode.Set(float64(mode))
}

var _ Observer = (*PrometheusObserver)(nil)
