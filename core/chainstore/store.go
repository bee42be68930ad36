// Package chainstore implements the devnet's chain storage: an
// append-only in-memory index of mined blocks, transactions, and
// receipts, keyed the way go-ethereum's rawdb accessors are keyed (by
// hash and by number) but without persisting to disk — an ephemeral
// devnet's chain dies with the process unless explicitly dumped.
package chainstore

import (
	"fmt"
	"math/big"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	devnettypes "github.com/ethdevnet/anvil/core/types"
)

// Store is the append-only chain index: every block ever mined, plus a
// hash/number lookup and a flat transaction index. Entries are never
// removed except by rollback/reorg truncation from the tail and by the
// optional transaction retention cap, which drops old tx-index entries
// while keeping their block headers.
type Store struct {
	mu sync.RWMutex

	// base is the number of the first block this Store holds: 0 for a
	// fresh chain, the fork point when branching off a remote upstream,
	// so a devnet forked at a live height N still append-indexes its own
	// blocks N+1, N+2, ... in a dense slice without N empty placeholder
	// entries.
	base uint64

	blocksByNumber []*gethtypes.Block
	hashToNumber   map[common.Hash]uint64
	txIndex        map[common.Hash]*devnettypes.MinedTransaction
	receipts       map[common.Hash][]*gethtypes.Receipt // keyed by block hash

	genesisHash common.Hash
	td          *big.Int // sum of appended difficulties

	// known is the set of tx hashes currently in the transaction index,
	// answered by IsKnown; pruning and truncation remove hashes from it.
	known mapset.Set[common.Hash]
}

// New returns an empty Store with no genesis block yet appended, whose
// first appended block must be numbered 0.
func New() *Store { return NewAt(0) }

// NewAt returns an empty Store whose first appended block must be
// numbered base, used when forking from upstream height base.
func NewAt(base uint64) *Store {
	return &Store{
		base:         base,
		hashToNumber: make(map[common.Hash]uint64),
		txIndex:      make(map[common.Hash]*devnettypes.MinedTransaction),
		receipts:     make(map[common.Hash][]*gethtypes.Receipt),
		td:           new(big.Int),
		known:        mapset.NewSet[common.Hash](),
	}
}

// Append indexes a newly mined block along with its receipts, which
// must be in the same order as block.Transactions(). Block numbers must
// arrive strictly increasing and contiguous; Append panics on a gap,
// since that can only mean a caller bug inside this module, never
// external input.
func (s *Store) Append(block *gethtypes.Block, receipts []*gethtypes.Receipt) {
	s.mu.Lock()
	defer s.mu.Unlock()

	num := block.NumberU64()
	if want := s.base + uint64(len(s.blocksByNumber)); num != want {
		panic(fmt.Sprintf("chainstore: non-contiguous append, want block %d got %d", want, num))
	}
	if len(s.blocksByNumber) == 0 {
		s.genesisHash = block.Hash()
	}
	s.blocksByNumber = append(s.blocksByNumber, block)
	s.hashToNumber[block.Hash()] = num
	s.receipts[block.Hash()] = receipts
	if diff := block.Header().Difficulty; diff != nil {
		s.td.Add(s.td, diff)
	}

	for i, tx := range block.Transactions() {
		var receipt *gethtypes.Receipt
		if i < len(receipts) {
			receipt = receipts[i]
		}
		s.txIndex[tx.Hash()] = &devnettypes.MinedTransaction{
			Tx:          tx,
			Receipt:     receipt,
			BlockHash:   block.Hash(),
			BlockNumber: num,
		}
		s.known.Add(tx.Hash())
	}
}

// BlockByNumber returns the block at num, or nil if it doesn't exist.
func (s *Store) BlockByNumber(num uint64) *gethtypes.Block {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if num < s.base || num-s.base >= uint64(len(s.blocksByNumber)) {
		return nil
	}
	return s.blocksByNumber[num-s.base]
}

// BlockByHash returns the block with the given hash, or nil.
func (s *Store) BlockByHash(hash common.Hash) *gethtypes.Block {
	s.mu.RLock()
	defer s.mu.RUnlock()
	num, ok := s.hashToNumber[hash]
	if !ok {
		return nil
	}
	return s.blocksByNumber[num-s.base]
}

// Base returns the number of the first block this Store holds (the fork
// point in forked mode, 0 otherwise).
func (s *Store) Base() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.base
}

// GenesisHash returns the hash of the first block ever appended.
func (s *Store) GenesisHash() common.Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.genesisHash
}

// TotalDifficulty returns the running sum of appended block
// difficulties. Post-merge chains mine every block at difficulty zero,
// so this stays at the genesis value there.
func (s *Store) TotalDifficulty() *big.Int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return new(big.Int).Set(s.td)
}

// Head returns the highest-numbered block, or nil on an empty store.
func (s *Store) Head() *gethtypes.Block {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.blocksByNumber) == 0 {
		return nil
	}
	return s.blocksByNumber[len(s.blocksByNumber)-1]
}

// Transaction returns the indexed transaction entry, or nil if unknown.
func (s *Store) Transaction(hash common.Hash) *devnettypes.MinedTransaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.txIndex[hash]
}

// Receipts returns the receipts mined in the block with the given hash.
func (s *Store) Receipts(blockHash common.Hash) []*gethtypes.Receipt {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.receipts[blockHash]
}

// IsKnown reports whether hash is a mined transaction still held in the
// index; one dropped by PruneBlockTransactions or TruncateAfter reads as
// unknown.
func (s *Store) IsKnown(hash common.Hash) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.known.Contains(hash)
}

// PruneBlockTransactions drops the tx-index and receipt entries of the
// block at num while keeping the block itself, enforcing a transaction
// retention cap: an old block's header and body stay queryable, but its
// transactions no longer resolve by hash.
func (s *Store) PruneBlockTransactions(num uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if num < s.base || num-s.base >= uint64(len(s.blocksByNumber)) {
		return
	}
	block := s.blocksByNumber[num-s.base]
	delete(s.receipts, block.Hash())
	for _, tx := range block.Transactions() {
		delete(s.txIndex, tx.Hash())
		s.known.Remove(tx.Hash())
	}
}

// TruncateAfter discards every block above (not including) num, used by
// both rollback (revert to a snapshot taken at an earlier block) and
// reorg (replace the tail with a freshly mined chain). Transactions and
// receipts belonging to discarded blocks are removed from the indexes
// too, so a rolled-back transaction hash reads as unknown again.
func (s *Store) TruncateAfter(num uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if num < s.base {
		return
	}
	idx := num - s.base
	if idx+1 >= uint64(len(s.blocksByNumber)) {
		return
	}
	for _, block := range s.blocksByNumber[idx+1:] {
		delete(s.hashToNumber, block.Hash())
		delete(s.receipts, block.Hash())
		if diff := block.Header().Difficulty; diff != nil {
			s.td.Sub(s.td, diff)
		}
		for _, tx := range block.Transactions() {
			delete(s.txIndex, tx.Hash())
			s.known.Remove(tx.Hash())
		}
	}
	s.blocksByNumber = s.blocksByNumber[:idx+1]
}
