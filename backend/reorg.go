package backend

import (
	"fmt"

	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

// Reorg rewinds to commonBlock (discarding every block above it, the
// same rewind primitive Rollback uses) and then mines len(txsPerHeight)
// new blocks on top, each sealing the transactions supplied for that
// height. There is no competing chain tip to switch to in a
// single-writer devnet, so a reorg is rollback followed by remining
// rather than a fork-choice switch.
func (b *Backend) Reorg(commonBlock uint64, txsPerHeight [][]*gethtypes.Transaction) ([]*gethtypes.Block, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.rollbackLocked(commonBlock); err != nil {
		return nil, fmt.Errorf("backend: reorg: %w", err)
	}

	blocks := make([]*gethtypes.Block, 0, len(txsPerHeight))
	for i, txs := range txsPerHeight {
		b.pending = append(b.pending, txs...)
		block, err := b.mineLocked()
		if err != nil {
			return nil, fmt.Errorf("backend: reorg: mine height %d: %w", commonBlock+uint64(i)+1, err)
		}
		blocks = append(blocks, block)
	}
	return blocks, nil
}
