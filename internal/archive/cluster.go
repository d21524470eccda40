package archive

// bufferedMsg is one message waiting in a shard's per-DID mini-queue,
// staged until the cluster flush trigger fires. envelope is what actually
// gets written to the cluster and Merkle-leaf-hashed: the message's CID
// prefixed to its payload, so egress can recover the CID without a
// separate per-message index field.
type bufferedMsg struct {
	did      string
	path     string
	pathHash uint64
	cid      [36]byte
	payload  []byte
}

// envelope returns the on-disk/leaf-hashed representation of m.
func (m bufferedMsg) envelope() []byte {
	buf := make([]byte, 36+len(m.payload))
	copy(buf[:36], m.cid[:])
	copy(buf[36:], m.payload)
	return buf
}

// clusterBuffer groups buffered messages by DID, grounded on the teacher's
// per-shard-mutex-plus-map idiom (pkg/cache.go's shard type) generalized
// from K,V cache entries to DID-keyed message queues.
type clusterBuffer struct {
	queues    map[string][]bufferedMsg
	didOrder  []string // first-seen order, for stable (did, arrival) tie-breaking
	bytes     int
}

func newClusterBuffer() *clusterBuffer {
	return &clusterBuffer{queues: make(map[string][]bufferedMsg)}
}

func (c *clusterBuffer) add(m bufferedMsg) {
	if _, ok := c.queues[m.did]; !ok {
		c.didOrder = append(c.didOrder, m.did)
	}
	c.queues[m.did] = append(c.queues[m.did], m)
	c.bytes += 36 + len(m.payload)
}

func (c *clusterBuffer) distinctDIDs() int { return len(c.queues) }

func (c *clusterBuffer) empty() bool { return len(c.didOrder) == 0 }

// drain returns every buffered message in (did, arrival) order — the
// cluster's tie-breaking rule — and resets the buffer.
func (c *clusterBuffer) drain() []bufferedMsg {
	var out []bufferedMsg
	for _, did := range c.didOrder {
		out = append(out, c.queues[did]...)
	}
	c.queues = make(map[string][]bufferedMsg)
	c.didOrder = nil
	c.bytes = 0
	return out
}
