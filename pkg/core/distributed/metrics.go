package distributed

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "sharding"
	metricsSubsystem = "tensor"
)

// Metrics collected by ShardedTensor operations. They are not registered anywhere until Register is called.
type Metrics struct {
	constructions       *prometheus.CounterVec
	gatheredBytes       prometheus.Counter
	reshards            *prometheus.CounterVec
	reshardBytes        *prometheus.CounterVec
	remoteRegistrations prometheus.Counter
	opsDispatched       *prometheus.CounterVec
}

// NewMetrics creates a new, unregistered, set of metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		constructions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "constructions_total",
			Help:      "number of sharded tensors constructed, by construction protocol",
		}, []string{"protocol"}),
		gatheredBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "gathered_bytes_total",
			Help:      "bytes assembled by gather on the destination participant",
		}),
		reshards: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "reshards_total",
			Help:      "number of reshard operations, by mode",
		}, []string{"mode"}),
		reshardBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "reshard_sent_bytes_total",
			Help:      "bytes sent to other participants while resharding, by mode",
		}, []string{"mode"}),
		remoteRegistrations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "remote_shard_registrations_total",
			Help:      "number of remote shard lists received from peers",
		}),
		opsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "ops_dispatched_total",
			Help:      "number of custom operations dispatched, by operation",
		}, []string{"op"}),
	}
}

// DefaultMetrics is used when no metrics are configured with WithMetrics.
var DefaultMetrics = NewMetrics()

// Register all metrics with reg, e.g. prometheus.DefaultRegisterer.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.constructions, m.gatheredBytes, m.reshards, m.reshardBytes, m.remoteRegistrations, m.opsDispatched,
	} {
		if err := reg.Register(c); err != nil {
			return errors.Wrap(err, "failed to register sharded tensor metrics")
		}
	}
	return nil
}
