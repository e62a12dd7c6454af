// Package metrics holds the node's in-process counters and gauges. There
// is no exporter here — callers that want Prometheus or similar wire
// these values into their own registry; this package just keeps them
// safe for concurrent updates from the single-threaded event loop and
// whatever reports on it.
package metrics

import "sync/atomic"

// Counter is a monotonically increasing value.
type Counter struct {
	v int64
}

func (c *Counter) Inc()         { atomic.AddInt64(&c.v, 1) }
func (c *Counter) Add(n int64)  { atomic.AddInt64(&c.v, n) }
func (c *Counter) Value() int64 { return atomic.LoadInt64(&c.v) }

// Gauge is a value that can move in either direction.
type Gauge struct {
	v int64
}

func (g *Gauge) Set(n int64)  { atomic.StoreInt64(&g.v, n) }
func (g *Gauge) Value() int64 { return atomic.LoadInt64(&g.v) }

var (
	// CHEATS counts detected equivocation (two micro blocks from the
	// same leader at the same view).
	CHEATS Counter
	// FORKS counts accepted fork rollbacks.
	FORKS Counter
	// AUTOCOMMIT counts macro blocks sealed via a merged single-signer
	// quorum rather than a full precommit round.
	AUTOCOMMIT Counter
	// MicroBlockViewChanges and KeyBlockViewChanges count view changes
	// by the block kind whose proposal stalled.
	MicroBlockViewChanges Counter
	KeyBlockViewChanges   Counter

	// MempoolTransactions, MempoolInputs, and MempoolOutputs track
	// current mempool occupancy.
	MempoolTransactions Gauge
	MempoolInputs       Gauge
	MempoolOutputs      Gauge

	// Synchronized is 1 while the node judges itself caught up with the
	// network, 0 otherwise.
	Synchronized Gauge

	// BlockLag, BlockLocalTimestamp, and BlockRemoteTimestamp track the
	// clock skew observed on the most recently applied block.
	BlockLag             Gauge
	BlockLocalTimestamp  Gauge
	BlockRemoteTimestamp Gauge
)

// TimeToTimestampMs converts a duration since the Unix epoch (in
// nanoseconds, as produced by time.Time.UnixNano) to milliseconds.
func TimeToTimestampMs(unixNano int64) int64 {
	return unixNano / int64(1_000_000)
}
