package backend

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	gethcore "github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/tracing"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/eth/tracers"
	"github.com/ethereum/go-ethereum/eth/tracers/logger"
	"github.com/ethereum/go-ethereum/params"

	// Register the native tracers (callTracer, prestateTracer, ...) with
	// the default directory.
	_ "github.com/ethereum/go-ethereum/eth/tracers/native"

	devnettypes "github.com/ethdevnet/anvil/core/types"
)

// TraceConfig selects how an execution is observed: an empty Tracer
// means the opcode-level struct logger; any other name is resolved
// against the registered tracer directory (callTracer, prestateTracer,
// ...), with TracerConfig passed through to it untouched.
type TraceConfig struct {
	Tracer       string
	TracerConfig json.RawMessage
}

// TraceTransaction re-executes a mined transaction with a tracer
// attached and returns the tracer's JSON result. The transactions before
// it in the same block are replayed untraced on the parent block's state
// to rebuild the exact pre-tx state.
// Transactions not mined locally are delegated to the fork upstream's
// debug API when one is configured.
func (b *Backend) TraceTransaction(hash common.Hash, cfg TraceConfig) (json.RawMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	mt := b.store.Transaction(hash)
	if mt == nil {
		if b.fork != nil {
			out, err := b.fork.DebugTraceTransaction(context.Background(), hash, cfg.Tracer)
			if err != nil {
				return nil, &devnettypes.ForkProviderError{Op: "DebugTraceTransaction", Err: err}
			}
			return out, nil
		}
		return nil, &devnettypes.DataUnavailable{What: fmt.Sprintf("transaction %s", hash)}
	}

	block := b.store.BlockByHash(mt.BlockHash)
	if block == nil {
		return nil, &devnettypes.DataUnavailable{What: fmt.Sprintf("block %s", mt.BlockHash)}
	}
	root, ok := b.hist.Get(mt.BlockNumber - 1)
	if !ok {
		return nil, &devnettypes.DataUnavailable{What: fmt.Sprintf("pre-state of block %d", mt.BlockNumber)}
	}
	stdb, err := b.state.OpenAt(root)
	if err != nil {
		return nil, err
	}

	signer := gethtypes.MakeSigner(b.cfg.ChainConfig, block.Number(), block.Time())
	for idx, tx := range block.Transactions() {
		msg, err := gethcore.TransactionToMessage(tx, signer, block.BaseFee())
		if err != nil {
			return nil, fmt.Errorf("backend: trace: message for %s: %w", tx.Hash(), err)
		}
		stdb.SetTxContext(tx.Hash(), idx)

		if tx.Hash() == hash {
			hooks, result, err := newTracerHooks(cfg, b.cfg.ChainConfig, &tracers.Context{
				BlockHash:   block.Hash(),
				BlockNumber: block.Number(),
				TxIndex:     idx,
				TxHash:      hash,
			})
			if err != nil {
				return nil, err
			}
			blockCtx := gethcore.NewEVMBlockContext(block.Header(), b.chain, nil, b.cfg.ChainConfig, stdb)
			evm := vm.NewEVM(blockCtx, stdb, b.cfg.ChainConfig, vm.Config{Tracer: hooks})
			if hooks.OnTxStart != nil {
				hooks.OnTxStart(evm.GetVMContext(), tx, msg.From)
			}
			res, applyErr := gethcore.ApplyMessage(evm, msg, new(gethcore.GasPool).AddGas(msg.GasLimit))
			if hooks.OnTxEnd != nil {
				receipt := &gethtypes.Receipt{TxHash: hash}
				if res != nil {
					receipt.GasUsed = res.UsedGas
				}
				hooks.OnTxEnd(receipt, applyErr)
			}
			if applyErr != nil {
				return nil, fmt.Errorf("backend: trace: replay %s: %w", hash, applyErr)
			}
			return result()
		}

		blockCtx := gethcore.NewEVMBlockContext(block.Header(), b.chain, nil, b.cfg.ChainConfig, stdb)
		evm := vm.NewEVM(blockCtx, stdb, b.cfg.ChainConfig, vm.Config{})
		if _, err := gethcore.ApplyMessage(evm, msg, new(gethcore.GasPool).AddGas(msg.GasLimit)); err != nil {
			return nil, fmt.Errorf("backend: trace: replay predecessor %s: %w", tx.Hash(), err)
		}
		stdb.Finalise(true)
	}
	return nil, fmt.Errorf("backend: trace: tx %s missing from its indexed block", hash)
}

// TraceCall executes req like Call but with a tracer attached, returning
// the tracer's JSON result instead of the call's return data.
func (b *Backend) TraceCall(req CallRequest, blockNum *uint64, cfg TraceConfig) (json.RawMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	stdb, header, err := b.scratchStateAtLocked(blockNum)
	if err != nil {
		return nil, err
	}
	applyOverrides(stdb, req.StateOverrides)

	hooks, result, err := newTracerHooks(cfg, b.cfg.ChainConfig, &tracers.Context{
		BlockNumber: header.Number,
	})
	if err != nil {
		return nil, err
	}

	msg := callMessage(req, header)
	blockCtx := gethcore.NewEVMBlockContext(header, b.chain, &header.Coinbase, b.cfg.ChainConfig, stdb)
	evm := vm.NewEVM(blockCtx, stdb, b.cfg.ChainConfig, vm.Config{Tracer: hooks, NoBaseFee: true})
	if hooks.OnTxStart != nil {
		hooks.OnTxStart(evm.GetVMContext(), callTransaction(req, msg), msg.From)
	}
	res, applyErr := gethcore.ApplyMessage(evm, msg, new(gethcore.GasPool).AddGas(msg.GasLimit))
	if hooks.OnTxEnd != nil {
		receipt := &gethtypes.Receipt{}
		if res != nil {
			receipt.GasUsed = res.UsedGas
		}
		hooks.OnTxEnd(receipt, applyErr)
	}
	if applyErr != nil {
		return nil, fmt.Errorf("backend: trace call: %w", applyErr)
	}
	return result()
}

// CreateAccessList simulates req and reports every address and storage
// slot it touched, iterating until the produced list no longer changes
// the execution's footprint (a cold access in one round becomes a warm
// declared access in the next).
func (b *Backend) CreateAccessList(req CallRequest, blockNum *uint64) (gethtypes.AccessList, uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	stdb, header, err := b.scratchStateAtLocked(blockNum)
	if err != nil {
		return nil, 0, err
	}

	to := req.To
	if to == nil {
		created := crypto.CreateAddress(req.From, stdb.GetNonce(req.From))
		to = &created
	}
	rules := b.cfg.ChainConfig.Rules(header.Number, header.Difficulty != nil && header.Difficulty.Sign() == 0, header.Time)
	precompiles := vm.ActivePrecompiles(rules)

	prevTracer := logger.NewAccessListTracer(nil, req.From, *to, precompiles)
	for i := 0; ; i++ {
		accessList := prevTracer.AccessList()
		scratch, _, err := b.scratchStateAtLocked(blockNum)
		if err != nil {
			return nil, 0, err
		}
		applyOverrides(scratch, req.StateOverrides)

		tracer := logger.NewAccessListTracer(accessList, req.From, *to, precompiles)
		msg := callMessage(req, header)
		msg.AccessList = accessList
		blockCtx := gethcore.NewEVMBlockContext(header, b.chain, &header.Coinbase, b.cfg.ChainConfig, scratch)
		evm := vm.NewEVM(blockCtx, scratch, b.cfg.ChainConfig, vm.Config{Tracer: tracer.Hooks(), NoBaseFee: true})
		res, err := gethcore.ApplyMessage(evm, msg, new(gethcore.GasPool).AddGas(msg.GasLimit))
		if err != nil {
			return nil, 0, fmt.Errorf("backend: access list: %w", err)
		}
		if tracer.Equal(prevTracer) || i >= maxAccessListRounds {
			return accessList, res.UsedGas, nil
		}
		prevTracer = tracer
	}
}

const maxAccessListRounds = 8

// callMessage converts a CallRequest into the relaxed message shape
// Call itself executes: account checks skipped, zero defaults for
// absent fee fields.
func callMessage(req CallRequest, header *gethtypes.Header) *gethcore.Message {
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
	return msg
}

// callTransaction synthesizes a transaction envelope for tracer hooks
// that want one; it is never signed or submitted.
func callTransaction(req CallRequest, msg *gethcore.Message) *gethtypes.Transaction {
	return gethtypes.NewTx(&gethtypes.LegacyTx{
		To:       req.To,
		Value:    nonNilBig(req.Value),
		Gas:      msg.GasLimit,
		GasPrice: nonNilBig(req.GasPrice),
		Data:     req.Data,
	})
}

// newTracerHooks resolves cfg into hook callbacks plus a result
// function: the struct logger when no tracer is named, the directory
// lookup otherwise.
func newTracerHooks(cfg TraceConfig, chainConfig *params.ChainConfig, ctx *tracers.Context) (*tracing.Hooks, func() (json.RawMessage, error), error) {
	if cfg.Tracer == "" {
		sl := logger.NewStructLogger(&logger.Config{})
		return sl.Hooks(), sl.GetResult, nil
	}
	tracer, err := tracers.DefaultDirectory.New(cfg.Tracer, ctx, cfg.TracerConfig, chainConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("backend: tracer %q: %w", cfg.Tracer, err)
	}
	return tracer.Hooks, tracer.GetResult, nil
}
