// Package timeutil produces block timestamps: a monotonic source that
// can be pinned, offset, or driven by a fixed interval, built on plain
// time.Now arithmetic (see DESIGN.md for why no library backs this).
package timeutil

import (
	"sync"
	"time"
)

// Manager produces the timestamp for the next mined block. It supports
// three modes, applied in this order: a one-shot forced next timestamp
// (SetNextBlockTimestamp), then a fixed interval since the parent block,
// then the wall clock shifted by an accumulated offset (IncreaseTime).
// The offset applies to wall-clock timestamps only; forced and interval
// timestamps ignore it.
type Manager struct {
	mu sync.Mutex

	offset       time.Duration
	forcedNext   *uint64
	lastBlock    uint64 // unix seconds of the last produced timestamp
	intervalSecs uint64 // 0 disables interval mining
}

// New returns a Manager anchored at the current wall-clock time.
func New() *Manager {
	return &Manager{lastBlock: uint64(time.Now().Unix())}
}

// SetInterval fixes the gap between consecutive block timestamps to
// secs seconds, independent of wall-clock time; 0 restores wall-clock
// based timestamps.
func (m *Manager) SetInterval(secs uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.intervalSecs = secs
}

// IncreaseTime adds secs to the offset applied to future wall-clock
// timestamps, the devnet "fast forward the clock" cheat op; forced and
// interval timestamps are not shifted. Returns the new cumulative offset
// in seconds.
func (m *Manager) IncreaseTime(secs int64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offset += time.Duration(secs) * time.Second
	return int64(m.offset / time.Second)
}

// SetNextBlockTimestamp forces the very next Next() call to return ts
// exactly. The forced value is consumed after one use.
func (m *Manager) SetNextBlockTimestamp(ts uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forcedNext = &ts
}

// Reset clears any forced-next value and offset and records base, the
// timestamp of the block a rollback/reorg is rewinding to, as the last
// timestamp. Next takes its floor from the parentTime passed to it, so
// base does not change what Next returns. Interval mode, if set, is left
// untouched — rewinding
// the clock doesn't change how the devnet is configured to advance it
// afterward.
func (m *Manager) Reset(base uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offset = 0
	m.forcedNext = nil
	m.lastBlock = base
}

// Next returns the timestamp for the block built on top of parentTime
// and records it as the new baseline. The result is always strictly
// greater than parentTime, bumping by one second if whatever source
// produced it would otherwise tie or go backwards.
func (m *Manager) Next(parentTime uint64) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var next uint64
	switch {
	case m.forcedNext != nil:
		next = *m.forcedNext
		m.forcedNext = nil
	case m.intervalSecs > 0:
		next = parentTime + m.intervalSecs
	default:
		next = uint64(time.Now().Add(m.offset).Unix())
	}
	if next <= parentTime {
		next = parentTime + 1
	}
	m.lastBlock = next
	return next
}
