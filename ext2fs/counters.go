package ext2fs

import (
	"runtime"
	"sync/atomic"
)

// approxCounter is a sharded, eventually-consistent counter, standing in
// for the per-CPU partitioned counters spec §5/§9 describes for the
// filesystem's free-blocks, free-inodes, and directory-count hints. Reads
// (Sum) are approximate: a writer racing a reader may be observed on one
// shard but not another. Values never go negative in aggregate, though an
// individual shard may transiently hold a negative delta.
type approxCounter struct {
	shards []atomic.Int64
}

func newApproxCounter(initial int64) *approxCounter {
	n := runtime.GOMAXPROCS(0)
	if n < 1 {
		n = 1
	}
	c := &approxCounter{shards: make([]atomic.Int64, n)}
	c.shards[0].Store(initial)
	return c
}

func (c *approxCounter) shard() *atomic.Int64 {
	// A cheap, deterministic-enough shard picker; this is a hint counter,
	// not a correctness-critical structure, so goroutine-id-free sharding
	// by a rotating index is sufficient to spread contention.
	return &c.shards[fastrandn(len(c.shards))]
}

func (c *approxCounter) Add(delta int64) {
	c.shard().Add(delta)
}

func (c *approxCounter) Sum() int64 {
	var total int64
	for i := range c.shards {
		total += c.shards[i].Load()
	}
	return total
}

// Set collapses every shard into shard zero holding v. Used when
// initializing the counter from an authoritative on-disk sum (e.g. after
// mount, or after a full descriptor rescan).
func (c *approxCounter) Set(v int64) {
	for i := range c.shards {
		c.shards[i].Store(0)
	}
	c.shards[0].Store(v)
}

var shardCursor atomic.Uint32

// fastrandn returns the next index in [0, n) from a shared rotating
// cursor, used only to spread counter contention across shards.
func fastrandn(n int) int {
	if n <= 1 {
		return 0
	}
	v := shardCursor.Add(1)
	return int(v) % n
}
