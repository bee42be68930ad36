// Package fees derives per-block fee parameters: the EIP-1559 base fee
// and EIP-4844 blob fee, plus the manual base-fee override a devnet
// needs for deterministic gas pricing in tests. The formulas come from
// consensus/misc/eip1559 and consensus/misc/eip4844 verbatim rather
// than being re-derived here.
package fees

import (
	"math/big"

	"github.com/ethereum/go-ethereum/consensus/misc/eip1559"
	"github.com/ethereum/go-ethereum/consensus/misc/eip4844"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"

	devnettypes "github.com/ethdevnet/anvil/core/types"
)

// Manager derives per-block base fee and blob fee, with an optional
// manual override so tests can pin gas pricing.
type Manager struct {
	cfg *params.ChainConfig

	override *big.Int // non-nil pins BaseFee regardless of eip1559.CalcBaseFee
}

// NewManager builds a FeeManager against a chain configuration; cfg
// determines which hardforks (London/Cancun) are active at a given
// block/time pair and therefore which formulas apply.
func NewManager(cfg *params.ChainConfig) *Manager {
	return &Manager{cfg: cfg}
}

// SetBaseFeeOverride pins every subsequent NextBaseFee result to fee,
// until cleared with ClearBaseFeeOverride.
func (m *Manager) SetBaseFeeOverride(fee *big.Int) { m.override = fee }

// ClearBaseFeeOverride restores normal EIP-1559 derivation.
func (m *Manager) ClearBaseFeeOverride() { m.override = nil }

// NextBaseFee computes the base fee for the block built on top of
// parent, honoring a pinned override if one is set. Returns nil on a
// pre-London chain, matching header.BaseFee's own nil-ness there.
func (m *Manager) NextBaseFee(parent *gethtypes.Header, nextNumber *big.Int) *big.Int {
	if !m.cfg.IsLondon(nextNumber) {
		return nil
	}
	if m.override != nil {
		return new(big.Int).Set(m.override)
	}
	return eip1559.CalcBaseFee(m.cfg, parent, parent.Time)
}

// NextBlobFee computes the excess blob gas and the blob gas price it
// implies for the block built on top of parent. Returns a zero-valued
// result pre-Cancun.
func (m *Manager) NextBlobFee(parent *gethtypes.Header, nextTime uint64) *devnettypes.BlobGasAndPrice {
	if !m.cfg.IsCancun(new(big.Int).Add(parent.Number, common1), nextTime) {
		return &devnettypes.BlobGasAndPrice{}
	}
	var excess uint64
	if m.cfg.IsCancun(parent.Number, parent.Time) {
		excess = eip4844.CalcExcessBlobGas(m.cfg, parent, nextTime)
	}
	next := &gethtypes.Header{Time: nextTime, ExcessBlobGas: &excess}
	price := eip4844.CalcBlobFee(m.cfg, next)
	return &devnettypes.BlobGasAndPrice{ExcessBlobGas: excess, BlobGasPrice: price}
}

// MaxBlobsPerBlock reports the EIP-4844 per-block blob cap in effect at
// the given header's time, used to stop packing blob transactions once
// the block is full.
func (m *Manager) MaxBlobsPerBlock(header *gethtypes.Header) int {
	return eip4844.MaxBlobsPerBlock(m.cfg, header.Time)
}

var common1 = big.NewInt(1)
