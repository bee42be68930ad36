// Package historical caches per-block post-execution state roots in a
// bounded LRU, with an optional pebble-backed disk spill for entries
// evicted from memory, so time-travel queries against old blocks keep
// working without holding the whole history resident.
package historical

import (
	"container/list"
	"encoding/binary"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
)

// States is a bounded cache of historical state roots keyed by block
// number, used to answer eth_call/eth_getBalance-style queries "as of"
// a past block. Entries beyond the in-memory capacity are spilled to an
// on-disk pebble store rather than dropped outright, so an old query
// still succeeds, just slower.
type States struct {
	mu sync.Mutex

	capacity int
	order    *list.List // front = most recently used
	index    map[uint64]*list.Element
	roots    map[uint64]common.Hash

	disk *pebble.DB // nil disables disk spill
}

// Option configures a States cache at construction.
type Option func(*States)

// WithDiskSpill opens (or creates) a pebble store at dir for entries
// evicted from memory. Passing "" keeps the cache memory-only.
func WithDiskSpill(dir string) Option {
	return func(s *States) {
		if dir == "" {
			return
		}
		db, err := pebble.Open(dir, &pebble.Options{})
		if err != nil {
			log.Error("historical: failed to open disk spill", "dir", dir, "err", err)
			return
		}
		s.disk = db
	}
}

// New returns a States cache holding at most capacity entries in
// memory before spilling the least-recently-used one to disk.
func New(capacity int, opts ...Option) *States {
	s := &States{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[uint64]*list.Element),
		roots:    make(map[uint64]common.Hash),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close releases the disk store, if any.
func (s *States) Close() error {
	if s.disk != nil {
		return s.disk.Close()
	}
	return nil
}

// Put records the post-execution state root for blockNum, evicting the
// least-recently-used entry to disk if the cache is at capacity.
func (s *States) Put(blockNum uint64, root common.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.index[blockNum]; ok {
		s.order.MoveToFront(elem)
		s.roots[blockNum] = root
		return
	}
	elem := s.order.PushFront(blockNum)
	s.index[blockNum] = elem
	s.roots[blockNum] = root

	if s.capacity > 0 && s.order.Len() > s.capacity {
		s.evictOldest()
	}
}

func (s *States) evictOldest() {
	back := s.order.Back()
	if back == nil {
		return
	}
	num := back.Value.(uint64)
	root := s.roots[num]
	s.order.Remove(back)
	delete(s.index, num)
	delete(s.roots, num)

	if s.disk == nil {
		log.Debug("historical: evicted with no disk spill configured", "block", num)
		return
	}
	if err := s.disk.Set(key(num), root.Bytes(), pebble.Sync); err != nil {
		log.Error("historical: disk spill write failed", "block", num, "err", err)
	}
}

// Get returns the state root recorded for blockNum, checking the
// in-memory LRU first and falling back to the disk spill. The second
// return value is false when no root for the block is held in memory or
// on disk (never retained, forgotten, or evicted with no disk spill).
func (s *States) Get(blockNum uint64) (common.Hash, bool) {
	s.mu.Lock()
	if elem, ok := s.index[blockNum]; ok {
		s.order.MoveToFront(elem)
		root := s.roots[blockNum]
		s.mu.Unlock()
		return root, true
	}
	disk := s.disk
	s.mu.Unlock()

	if disk == nil {
		return common.Hash{}, false
	}
	val, closer, err := disk.Get(key(blockNum))
	if err != nil {
		return common.Hash{}, false
	}
	defer closer.Close()
	return common.BytesToHash(val), true
}

// Resize re-bounds the in-memory LRU, evicting immediately if the new
// capacity is already exceeded. Interval mining recomputes the cap so
// long-running auto-mined chains don't grow memory without bound.
func (s *States) Resize(capacity int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.capacity = capacity
	if capacity <= 0 {
		return
	}
	for s.order.Len() > capacity {
		s.evictOldest()
	}
}

// Forget discards every entry for a block number above num, used when
// the chain tail is rolled back or reorged — a forgotten block's state
// is no longer queryable even if it's still sitting in the disk spill,
// since its root may no longer correspond to any live block.
func (s *States) Forget(aboveNum uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for num, elem := range s.index {
		if num > aboveNum {
			s.order.Remove(elem)
			delete(s.index, num)
			delete(s.roots, num)
			if s.disk != nil {
				if err := s.disk.Delete(key(num), pebble.Sync); err != nil {
					log.Error("historical: disk spill delete failed", "block", num, "err", err)
				}
			}
		}
	}
	if s.disk != nil && aboveNum != ^uint64(0) {
		// Entries already evicted to disk have no in-memory index entry,
		// so the whole key range above aboveNum is dropped as well.
		end := append([]byte(nil), keyPrefix...)
		end[len(end)-1]++
		if err := s.disk.DeleteRange(key(aboveNum+1), end, pebble.Sync); err != nil {
			log.Error("historical: disk spill range delete failed", "above", aboveNum, "err", err)
		}
	}
}

func key(blockNum uint64) []byte {
	buf := make([]byte, len(keyPrefix)+8)
	copy(buf, keyPrefix)
	binary.BigEndian.PutUint64(buf[len(keyPrefix):], blockNum)
	return buf
}

var keyPrefix = []byte("hist/")
