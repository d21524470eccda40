package firehose

// ShardSnapshot is one archive shard's point-in-time diagnostic state,
// served at /debug/firehose/snapshot per spec.md §6.
type ShardSnapshot struct {
	Shard           uint8  `json:"shard"`
	SeqCount        int64  `json:"seq_count"`
	ReadOnly        bool   `json:"read_only"`
	BytesWritten    int64  `json:"bytes_written"`
	ClustersFlushed uint64 `json:"clusters_flushed"`
	SegmentsSealed  uint64 `json:"segments_sealed"`
}

// Snapshot is the full engine diagnostic snapshot returned by
// Engine.Snapshot.
type Snapshot struct {
	IdentityCount     uint64          `json:"identity_count"`
	IdentityCapacity  uint64          `json:"identity_capacity"`
	VerifierQueueCap  int             `json:"verifier_queue_capacity"`
	VerifierSaturated bool            `json:"verifier_saturated"`
	Shards            []ShardSnapshot `json:"shards"`
}

// Snapshot gathers a best-effort, racy-by-design diagnostic view across
// every subsystem: racy because a hot, lock-free ingestion path must never
// block on a diagnostic read, matching the Identity Map's and archive
// indices' own best-effort Count()/SeqCount() contracts.
func (e *Engine) Snapshot() Snapshot {
	n := e.arc.ShardCount()
	shards := make([]ShardSnapshot, n)
	for i := 0; i < n; i++ {
		sw := e.arc.Shard(uint8(i))
		shards[i] = ShardSnapshot{
			Shard:           uint8(i),
			SeqCount:        sw.SeqCount(),
			ReadOnly:        sw.ReadOnly(),
			BytesWritten:    sw.BytesWritten(),
			ClustersFlushed: sw.ClustersFlushed(),
			SegmentsSealed:  sw.SegmentsSealed(),
		}
	}

	return Snapshot{
		IdentityCount:     e.identity.Count(),
		IdentityCapacity:  e.identity.Capacity(),
		VerifierQueueCap:  e.cfg.VerifierWorkers * e.cfg.VerifierQueueMultiplier,
		VerifierSaturated: e.verifyPool.Saturated(),
		Shards:            shards,
	}
}
