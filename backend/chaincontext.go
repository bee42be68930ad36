package backend

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/consensus"
	"github.com/ethereum/go-ethereum/consensus/ethash"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/ethdevnet/anvil/core/chainstore"
)

// chainContext adapts chainstore.Store to core.ChainContext, the
// minimal surface the EVM needs for the BLOCKHASH opcode's history
// window. No real consensus engine runs here — Engine() returns a
// no-op faker purely to satisfy core.ApplyTransaction's plumbing.
type chainContext struct {
	store *chainstore.Store
}

func newChainContext(store *chainstore.Store) *chainContext {
	return &chainContext{store: store}
}

func (c *chainContext) Engine() consensus.Engine { return ethash.NewFaker() }

func (c *chainContext) GetHeader(hash common.Hash, number uint64) *gethtypes.Header {
	block := c.store.BlockByNumber(number)
	if block == nil || block.Hash() != hash {
		return nil
	}
	return block.Header()
}
