// Package metrics contains a thin abstraction over Prometheus so that the
// firehose engine can run with or without metrics enabled. When the caller
// supplies a *prometheus.Registry, labeled collectors are created and
// registered; otherwise a no-op sink is used and the hot path does not pay
// for metric updates.
//
// Metric names follow Prometheus best practices, suffixed with "_total" for
// counters. Gauges reflect point-in-time state (verifier saturation,
// per-shard read-only flags) plus the cumulative per-shard bytes_written.
//
// © 2025 firehose authors. MIT License.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Sink is the internal interface abstracting away the concrete backend
// (Prometheus vs noop). Every subsystem depends only on this interface, never
// directly on *prometheus.Registry.
type Sink interface {
	IncDecoded(shard uint8)
	IncDecodeError(shard uint8, kind string)
	IncDuplicate()
	IncVerified(shard uint8)
	IncVerifyFailed(shard uint8)
	IncIdentityMiss()
	SetVerifierSaturated(saturated bool)
	IncClusterFlushed(shard uint8)
	IncSegmentSealed(shard uint8)
	AddBytesWritten(shard uint8, delta int64)
	IncTombstoneSet()
	SetShardReadOnly(shard uint8, readOnly bool)
	IncEgressMasked()
	IncEgressServed()
	IncConnectionReconnect(host string)
}

/* -------------------------------------------------------------------------
   No-op implementation
   ------------------------------------------------------------------------- */

type noopSink struct{}

// Noop returns a Sink that discards every observation; used when the caller
// does not opt into metrics.
func Noop() Sink { return noopSink{} }

func (noopSink) IncDecoded(uint8)                 {}
func (noopSink) IncDecodeError(uint8, string)     {}
func (noopSink) IncDuplicate()                    {}
func (noopSink) IncVerified(uint8)                {}
func (noopSink) IncVerifyFailed(uint8)            {}
func (noopSink) IncIdentityMiss()                 {}
func (noopSink) SetVerifierSaturated(bool)        {}
func (noopSink) IncClusterFlushed(uint8)          {}
func (noopSink) IncSegmentSealed(uint8)           {}
func (noopSink) AddBytesWritten(uint8, int64)     {}
func (noopSink) IncTombstoneSet()                 {}
func (noopSink) SetShardReadOnly(uint8, bool)     {}
func (noopSink) IncEgressMasked()                 {}
func (noopSink) IncEgressServed()                 {}
func (noopSink) IncConnectionReconnect(string)    {}

/* -------------------------------------------------------------------------
   Prometheus implementation
   ------------------------------------------------------------------------- */

type promSink struct {
	decoded         *prometheus.CounterVec
	decodeErrors    *prometheus.CounterVec
	duplicates      prometheus.Counter
	verified        *prometheus.CounterVec
	verifyFailed    *prometheus.CounterVec
	identityMisses  prometheus.Counter
	saturated       prometheus.Gauge
	clustersFlushed *prometheus.CounterVec
	segmentsSealed  *prometheus.CounterVec
	bytesWritten    *prometheus.GaugeVec
	tombstonesSet   prometheus.Counter
	shardReadOnly   *prometheus.GaugeVec
	egressMasked    prometheus.Counter
	egressServed    prometheus.Counter
	reconnects      *prometheus.CounterVec
}

// NewProm constructs a Prometheus-backed Sink and registers its collectors
// with reg. Caller must not pass a nil registry.
func NewProm(reg *prometheus.Registry) Sink {
	shardLabel := []string{"shard"}

	s := &promSink{
		decoded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "firehose", Name: "events_decoded_total", Help: "Envelopes decoded.",
		}, shardLabel),
		decodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "firehose", Name: "decode_errors_total", Help: "Decode failures by kind.",
		}, []string{"kind"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "firehose", Name: "duplicates_total", Help: "CIDs rejected as duplicates.",
		}),
		verified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "firehose", Name: "verified_total", Help: "Signatures verified successfully.",
		}, shardLabel),
		verifyFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "firehose", Name: "verify_failed_total", Help: "Signature verification failures.",
		}, shardLabel),
		identityMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "firehose", Name: "identity_misses_total", Help: "Identity Map lookup misses.",
		}),
		saturated: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "firehose", Name: "verifier_saturated", Help: "1 if the verifier channel is currently full.",
		}),
		clustersFlushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "firehose", Name: "clusters_flushed_total", Help: "Clusters flushed to disk.",
		}, shardLabel),
		segmentsSealed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "firehose", Name: "segments_sealed_total", Help: "Segments sealed with a Merkle footer.",
		}, shardLabel),
		bytesWritten: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "firehose", Name: "bytes_written", Help: "Cumulative bytes written to a shard's data file.",
		}, shardLabel),
		tombstonesSet: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "firehose", Name: "tombstones_set_total", Help: "Tombstone bits set.",
		}),
		shardReadOnly: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "firehose", Name: "shard_read_only", Help: "1 if the shard is read-only due to a disk error.",
		}, shardLabel),
		egressMasked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "firehose", Name: "egress_masked_total", Help: "Messages omitted from egress due to tombstones.",
		}),
		egressServed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "firehose", Name: "egress_served_total", Help: "Messages served to subscribers.",
		}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "firehose", Name: "connection_reconnects_total", Help: "Supervisor reconnect attempts by host.",
		}, []string{"host"}),
	}

	reg.MustRegister(
		s.decoded, s.decodeErrors, s.duplicates, s.verified, s.verifyFailed,
		s.identityMisses, s.saturated, s.clustersFlushed, s.segmentsSealed,
		s.bytesWritten, s.tombstonesSet, s.shardReadOnly, s.egressMasked,
		s.egressServed, s.reconnects,
	)
	return s
}

func shardLabelValue(shard uint8) string { return strconv.Itoa(int(shard)) }

func (s *promSink) IncDecoded(shard uint8) { s.decoded.WithLabelValues(shardLabelValue(shard)).Inc() }
func (s *promSink) IncDecodeError(shard uint8, kind string) {
	_ = shard
	s.decodeErrors.WithLabelValues(kind).Inc()
}
func (s *promSink) IncDuplicate() { s.duplicates.Inc() }
func (s *promSink) IncVerified(shard uint8) {
	s.verified.WithLabelValues(shardLabelValue(shard)).Inc()
}
func (s *promSink) IncVerifyFailed(shard uint8) {
	s.verifyFailed.WithLabelValues(shardLabelValue(shard)).Inc()
}
func (s *promSink) IncIdentityMiss() { s.identityMisses.Inc() }
func (s *promSink) SetVerifierSaturated(saturated bool) {
	if saturated {
		s.saturated.Set(1)
	} else {
		s.saturated.Set(0)
	}
}
func (s *promSink) IncClusterFlushed(shard uint8) {
	s.clustersFlushed.WithLabelValues(shardLabelValue(shard)).Inc()
}
func (s *promSink) IncSegmentSealed(shard uint8) {
	s.segmentsSealed.WithLabelValues(shardLabelValue(shard)).Inc()
}
func (s *promSink) AddBytesWritten(shard uint8, delta int64) {
	s.bytesWritten.WithLabelValues(shardLabelValue(shard)).Add(float64(delta))
}
func (s *promSink) IncTombstoneSet() { s.tombstonesSet.Inc() }
func (s *promSink) SetShardReadOnly(shard uint8, readOnly bool) {
	v := 0.0
	if readOnly {
		v = 1.0
	}
	s.shardReadOnly.WithLabelValues(shardLabelValue(shard)).Set(v)
}
func (s *promSink) IncEgressMasked()                    { s.egressMasked.Inc() }
func (s *promSink) IncEgressServed()                    { s.egressServed.Inc() }
func (s *promSink) IncConnectionReconnect(host string)  { s.reconnects.WithLabelValues(host).Inc() }
