package backend

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	gethcore "github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/tracing"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"

	devnettypes "github.com/ethdevnet/anvil/core/types"
)

// CallRequest is a scratch message: the devnet's eth_call/eth_estimateGas
// surface minus the JSON-RPC encoding, which lives one layer up. Nil
// GasPrice/GasFeeCap/GasTipCap default to zero, the usual "free call"
// convention for read-only execution.
type CallRequest struct {
	From      common.Address
	To        *common.Address
	Gas       uint64
	GasPrice  *big.Int
	GasFeeCap *big.Int
	GasTipCap *big.Int
	Value     *big.Int
	Data      []byte

	// StateOverrides applies scratch account overrides before execution
	// (balance/nonce/code/storage), without ever touching the live
	// state database.
	StateOverrides map[common.Address]*devnettypes.Account
}

// CallResult is the outcome of a scratch execution: the return data, gas
// used, and — on revert/halt — the EVM-level error, which is a receipt
// status at the backend layer, not a Go error.
type CallResult struct {
	ReturnData []byte
	UsedGas    uint64
	VMErr      error
}

// Call executes req read-only against the state at blockNum (nil means
// the current head), never committing to the live state database.
// EIP-3607, the base-fee check, and the nonce check are all disabled
// (CallRequest carries no nonce), mirroring eth_call's relaxed preflight.
func (b *Backend) Call(req CallRequest, blockNum *uint64) (*CallResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	stdb, header, err := b.scratchStateAtLocked(blockNum)
	if err != nil {
		return nil, err
	}
	applyOverrides(stdb, req.StateOverrides)
	return b.runCall(stdb, header, req, true)
}

func (b *Backend) runCall(stdb vm.StateDB, header *gethtypes.Header, req CallRequest, noBaseFee bool) (*CallResult, error) {
	msg := &gethcore.Message{
		From:              req.From,
		To:                req.To,
		Value:             nonNilBig(req.Value),
		GasLimit:          req.Gas,
		GasPrice:          nonNilBig(req.GasPrice),
		GasFeeCap:         nonNilBig(req.GasFeeCap),
		GasTipCap:         nonNilBig(req.GasTipCap),
		Data:              req.Data,
		SkipAccountChecks: true,
	}
	if msg.GasLimit == 0 {
		msg.GasLimit = header.GasLimit
	}

	blockCtx := gethcore.NewEVMBlockContext(header, b.chain, &header.Coinbase, b.cfg.ChainConfig, stdb)
	evm := vm.NewEVM(blockCtx, stdb, b.cfg.ChainConfig, vm.Config{NoBaseFee: noBaseFee})
	gp := new(gethcore.GasPool).AddGas(msg.GasLimit)

	result, err := gethcore.ApplyMessage(evm, msg, gp)
	if err != nil {
		return nil, fmt.Errorf("backend: call: %w", err)
	}
	return &CallResult{
		ReturnData: result.ReturnData,
		UsedGas:    result.UsedGas,
		VMErr:      result.Err,
	}, nil
}

// scratchStateAtLocked resolves a throwaway vm.StateDB for blockNum (or
// the live head if nil), used by Call/Simulate/TraceCall. When the
// Backend is forked, the returned state is a ForkDB so a miss on any
// address falls through to the upstream chain at the fork block instead
// of reading as empty. Callers must already hold b.mu.
func (b *Backend) scratchStateAtLocked(blockNum *uint64) (vm.StateDB, *gethtypes.Header, error) {
	head := b.store.Head()
	if blockNum == nil || *blockNum == head.NumberU64() {
		stdb, err := b.state.OpenForkAt(head.Root())
		if err != nil {
			return nil, nil, err
		}
		return stdb, head.Header(), nil
	}

	num := *blockNum
	block := b.store.BlockByNumber(num)
	if block == nil {
		return nil, nil, &devnettypes.DataUnavailable{What: fmt.Sprintf("block %d", num)}
	}
	root, ok := b.hist.Get(num)
	if !ok {
		return nil, nil, &devnettypes.DataUnavailable{What: fmt.Sprintf("historical state at block %d", num)}
	}
	stdb, err := b.state.OpenForkAt(root)
	if err != nil {
		return nil, nil, err
	}
	return stdb, block.Header(), nil
}

// applyOverrides writes a caller-supplied account view into a scratch
// StateDB, mutating only the in-memory copy Call/Simulate just opened.
func applyOverrides(stdb vm.StateDB, overrides map[common.Address]*devnettypes.Account) {
	for addr, acc := range overrides {
		if acc == nil {
			continue
		}
		if acc.Balance != nil {
			stdb.SetBalance(addr, acc.Balance, tracing.BalanceChangeUnspecified)
		}
		stdb.SetNonce(addr, acc.Nonce, tracing.NonceChangeUnspecified)
		if len(acc.Code) > 0 {
			stdb.SetCode(addr, acc.Code)
		}
		for k, v := range acc.Storage {
			stdb.SetState(addr, k, v)
		}
	}
}

func nonNilBig(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
