// Package types holds the devnet-specific value types layered on top of
// go-ethereum's core/types: the hardfork-ordered spec ID, the execution
// environment, account views for dump/load, and the mined-transaction index
// entry. Transaction, Receipt, Block and Header themselves are consumed
// directly from go-ethereum/core/types — there is no local re-encoding of
// the wire format.
package types

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
)

// SpecID is a strictly ordered hardfork selector, collapsing
// params.ChainConfig's IsLondon/IsCancun/... predicates into one ordered
// enum. Keeping it ordered (rather than a set of booleans) is what lets
// the Validator ask "are we at least at Cancun" with a single comparison.
type SpecID uint8

const (
	Frontier SpecID = iota
	Homestead
	SpuriousDragon
	Byzantium
	Istanbul
	Berlin
	London
	Paris
	Shanghai
	Cancun
	Prague
)

// AtLeast reports whether this SpecID is at or after the given milestone.
func (s SpecID) AtLeast(other SpecID) bool { return s >= other }

// SpecFor collapses cfg's active hardforks at (num, time) into a SpecID,
// checking from newest to oldest so the first hit is the highest fork.
func SpecFor(cfg *params.ChainConfig, num *big.Int, time uint64) SpecID {
	switch {
	case cfg.IsPrague(num, time):
		return Prague
	case cfg.IsCancun(num, time):
		return Cancun
	case cfg.IsShanghai(num, time):
		return Shanghai
	case cfg.IsLondon(num):
		return London
	case cfg.IsBerlin(num):
		return Berlin
	case cfg.IsIstanbul(num):
		return Istanbul
	case cfg.IsByzantium(num):
		return Byzantium
	case cfg.IsEIP155(num):
		return SpuriousDragon
	case cfg.IsHomestead(num):
		return Homestead
	default:
		return Frontier
	}
}

// BlockEnv is the per-block execution context: everything the EVM's
// BlockContext needs plus the devnet-chosen fields (coinbase, prevrandao)
// that a real consensus engine would otherwise derive.
type BlockEnv struct {
	Number                uint64
	Timestamp             uint64
	GasLimit              uint64
	Beneficiary           common.Address
	BaseFee               *big.Int // nil pre-London
	Prevrandao            common.Hash
	Difficulty            *big.Int // zero post-Merge
	BlobExcessGasAndPrice *BlobGasAndPrice
}

// BlobGasAndPrice bundles EIP-4844's excess blob gas with the price it
// implies, so callers don't recompute CalcBlobFee redundantly.
type BlobGasAndPrice struct {
	ExcessBlobGas uint64
	BlobGasPrice  *big.Int
}

// Copy returns a deep-enough copy for use in a scratch (non-committing)
// execution such as Backend.Call or Backend.Simulate.
func (b *BlockEnv) Copy() *BlockEnv {
	cpy := *b
	if b.BaseFee != nil {
		cpy.BaseFee = new(big.Int).Set(b.BaseFee)
	}
	if b.Difficulty != nil {
		cpy.Difficulty = new(big.Int).Set(b.Difficulty)
	}
	if b.BlobExcessGasAndPrice != nil {
		bg := *b.BlobExcessGasAndPrice
		if bg.BlobGasPrice != nil {
			bg.BlobGasPrice = new(big.Int).Set(bg.BlobGasPrice)
		}
		cpy.BlobExcessGasAndPrice = &bg
	}
	return &cpy
}

// Env is the full execution environment: chain identity, hardfork
// selector, the Optimism/deposit-tx flag, and the current block context.
// BlockEnv.Number strictly increases between mined blocks and
// BlockEnv.Timestamp never decreases.
type Env struct {
	ChainID    *big.Int
	SpecID     SpecID
	IsOptimism bool
	Block      *BlockEnv
}

// Copy deep-copies the Env, used when building a scratch environment for
// call/simulate so the live chain environment is never mutated.
func (e *Env) Copy() *Env {
	return &Env{
		ChainID:    new(big.Int).Set(e.ChainID),
		SpecID:     e.SpecID,
		IsOptimism: e.IsOptimism,
		Block:      e.Block.Copy(),
	}
}

// MinedTransaction is the index entry the chain store keeps per
// transaction hash: the transaction itself, its receipt, and the block
// it landed in.
type MinedTransaction struct {
	Tx          *gethtypes.Transaction
	Receipt     *gethtypes.Receipt
	BlockHash   common.Hash
	BlockNumber uint64
}

// NewBlockNotification is delivered to block subscribers in mining
// order, one per mined block.
type NewBlockNotification struct {
	Hash   common.Hash
	Header *gethtypes.Header
}
