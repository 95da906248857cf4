package blockchain

import (
	"go.uber.org/atomic"
)

// Stats are lifetime mining counters, safe for concurrent use.
type Stats struct {
	HashAttempts  *atomic.Int64
	BlocksSealed  *atomic.Int64
	StaleRestarts *atomic.Int64
	EntriesAdded  *atomic.Int64
	// ArchiveFailures counts sealed blocks storage refused.
	ArchiveFailures *atomic.Int64
	// LastMineNanos is the wall time of the last successful Mine call.
	LastMineNanos *atomic.Int64
}

func newStats() *Stats {
	return &Stats{
		HashAttempts:    atomic.NewInt64(0),
		BlocksSealed:    atomic.NewInt64(0),
		StaleRestarts:   atomic.NewInt64(0),
		EntriesAdded:    atomic.NewInt64(0),
		ArchiveFailures: atomic.NewInt64(0),
		LastMineNanos:   atomic.NewInt64(0),
	}
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	HashAttempts    int64 `json:"hash_attempts"`
	BlocksSealed    int64 `json:"blocks_sealed"`
	StaleRestarts   int64 `json:"stale_restarts"`
	EntriesAdded    int64 `json:"entries_added"`
	ArchiveFailures int64 `json:"archive_failures"`
	LastMineNanos   int64 `json:"last_mine_ns"`
}

func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		HashAttempts:    s.HashAttempts.Load(),
		BlocksSealed:    s.BlocksSealed.Load(),
		StaleRestarts:   s.StaleRestarts.Load(),
		EntriesAdded:    s.EntriesAdded.Load(),
		ArchiveFailures: s.ArchiveFailures.Load(),
		LastMineNanos:   s.LastMineNanos.Load(),
	}
}
