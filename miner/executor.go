// Package miner drives the EVM over a list of pending transactions to
// assemble one block. Unlike a full node's sealing loop there is no
// recommit timer and no txpool feed: the backend hands over an explicit
// ordered batch and decides exactly when a block is produced.
package miner

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/consensus/misc/eip4844"
	"github.com/ethereum/go-ethereum/core"
	gethstate "github.com/ethereum/go-ethereum/core/state"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/params"
	mapset "github.com/deckarep/golang-set/v2"

	devnettypes "github.com/ethdevnet/anvil/core/types"
	"github.com/ethdevnet/anvil/core/validator"
)

// environment is the in-progress sealing block: state, gas pool, and the
// transactions/receipts accumulated so far.
type environment struct {
	signer   gethtypes.Signer
	state    *gethstate.StateDB
	tcount   int
	gasPool  *core.GasPool
	coinbase common.Address
	evm      *vm.EVM

	header   *gethtypes.Header
	txs      []*gethtypes.Transaction
	receipts []*gethtypes.Receipt
	sidecars []*gethtypes.BlobTxSidecar
	blobs    int
}

// copy deep-copies env for scratch (non-committing) use, e.g. a
// call/simulate built on top of the live pending block without
// mutating it.
func (env *environment) copy(chain core.ChainContext, cfg *params.ChainConfig) *environment {
	cpy := &environment{
		signer:   env.signer,
		state:    env.state.Copy(),
		tcount:   env.tcount,
		coinbase: env.coinbase,
		header:   gethtypes.CopyHeader(env.header),
		receipts: copyReceipts(env.receipts),
		blobs:    env.blobs,
	}
	if env.gasPool != nil {
		gp := *env.gasPool
		cpy.gasPool = &gp
	}
	if env.evm != nil {
		blockCtx := core.NewEVMBlockContext(cpy.header, chain, nil, cfg, cpy.state)
		cpy.evm = vm.NewEVM(blockCtx, cpy.state, cfg, env.evm.Config)
	}
	cpy.txs = append([]*gethtypes.Transaction(nil), env.txs...)
	cpy.sidecars = append([]*gethtypes.BlobTxSidecar(nil), env.sidecars...)
	return cpy
}

func copyReceipts(receipts []*gethtypes.Receipt) []*gethtypes.Receipt {
	out := make([]*gethtypes.Receipt, len(receipts))
	for i, r := range receipts {
		cpy := *r
		out[i] = &cpy
	}
	return out
}

// Result is what mining one block produces: the assembled transactions,
// receipts, fees earned, and the classification of the submitted batch —
// which hashes landed (Included) and which were rejected outright
// (Invalid), each with its reason.
type Result struct {
	Header   *gethtypes.Header
	Txs      []*gethtypes.Transaction
	Receipts []*gethtypes.Receipt
	Sidecars []*gethtypes.BlobTxSidecar
	Fees     *big.Int
	StateDB  *gethstate.StateDB

	Included mapset.Set[common.Hash]
	Invalid  map[common.Hash]error
}

// Executor drives the EVM over a caller-supplied ordered list of pending
// transactions to build one block on top of a given header/state.
type Executor struct {
	chainConfig *params.ChainConfig
	chain       core.ChainContext
}

// New returns an Executor bound to cfg/chain, reused across every mined
// block for the lifetime of the backend.
func New(cfg *params.ChainConfig, chain core.ChainContext) *Executor {
	return &Executor{chainConfig: cfg, chain: chain}
}

// Mine assembles one block on top of header/state from pending, in the
// order given. The caller is responsible for any fee-based ordering;
// the Executor itself is strictly order-preserving, since a devnet's
// only transaction source is the caller's explicit batch.
func (e *Executor) Mine(header *gethtypes.Header, state *gethstate.StateDB, pending []*gethtypes.Transaction, impersonated map[common.Address]struct{}) (*Result, error) {
	env := &environment{
		signer:   gethtypes.MakeSigner(e.chainConfig, header.Number, header.Time),
		state:    state,
		coinbase: header.Coinbase,
		header:   header,
		gasPool:  new(core.GasPool).AddGas(header.GasLimit),
		evm:      vm.NewEVM(core.NewEVMBlockContext(header, e.chain, &header.Coinbase, e.chainConfig, state), state, e.chainConfig, vm.Config{}),
	}

	included := mapset.NewSet[common.Hash]()
	invalid := make(map[common.Hash]error)

	for _, tx := range pending {
		hash := tx.Hash()
		env.state.SetTxContext(hash, env.tcount)

		if env.gasPool.Gas() < tx.Gas() {
			invalid[hash] = devnettypes.ErrOutOfBlockGas
			continue
		}
		if err := e.validateForInclusion(env, tx, impersonated); err != nil {
			invalid[hash] = err
			continue
		}
		if err := e.commitTransaction(env, tx); err != nil {
			log.Debug("executor: transaction rejected", "hash", hash, "err", err)
			invalid[hash] = err
			continue
		}
		included.Add(hash)
	}

	return &Result{
		Header:   env.header,
		Txs:      env.txs,
		Receipts: env.receipts,
		Sidecars: env.sidecars,
		Fees:     totalFees(env.txs, env.receipts, env.header.BaseFee),
		StateDB:  env.state,
		Included: included,
		Invalid:  invalid,
	}, nil
}

// validateForInclusion applies validator.ValidateForInclusion against the
// sender's current nonce (post every earlier transaction already applied
// in this block), skipping it for an unrecoverable sender or an address
// under active impersonation — both bypass signature/nonce rules, the
// same carve-out the backend applies at pooling time.
func (e *Executor) validateForInclusion(env *environment, tx *gethtypes.Transaction, impersonated map[common.Address]struct{}) error {
	from, err := gethtypes.Sender(env.signer, tx)
	if err != nil {
		return nil
	}
	if _, ok := impersonated[from]; ok {
		return nil
	}
	return validator.ValidateForInclusion(tx, env.state.GetNonce(from))
}

func (e *Executor) commitTransaction(env *environment, tx *gethtypes.Transaction) error {
	if tx.Type() == gethtypes.BlobTxType {
		return e.commitBlobTransaction(env, tx)
	}
	receipt, err := e.applyTransaction(env, tx)
	if err != nil {
		return err
	}
	env.txs = append(env.txs, tx)
	env.receipts = append(env.receipts, receipt)
	env.tcount++
	return nil
}

func (e *Executor) commitBlobTransaction(env *environment, tx *gethtypes.Transaction) error {
	sc := tx.BlobTxSidecar()
	if sc == nil {
		return errors.New("blob transaction without sidecar")
	}
	// The blob cap is checked at block validation time, not during
	// execution, so core.ApplyTransaction would happily pack a block
	// over the limit; enforce it here before applying.
	if env.blobs+len(sc.Blobs) > eip4844.MaxBlobsPerBlock(e.chainConfig, env.header.Time) {
		return devnettypes.ErrTooManyBlobs
	}
	receipt, err := e.applyTransaction(env, tx)
	if err != nil {
		return err
	}
	env.txs = append(env.txs, tx.WithoutBlobTxSidecar())
	env.receipts = append(env.receipts, receipt)
	env.sidecars = append(env.sidecars, sc)
	env.blobs += len(sc.Blobs)
	if env.header.BlobGasUsed == nil {
		env.header.BlobGasUsed = new(uint64)
	}
	*env.header.BlobGasUsed += receipt.BlobGasUsed
	env.tcount++
	return nil
}

// applyTransaction runs tx through the EVM via core.ApplyTransaction,
// reverting state and the gas pool together on failure so a rejected
// transaction leaves no trace.
func (e *Executor) applyTransaction(env *environment, tx *gethtypes.Transaction) (*gethtypes.Receipt, error) {
	snap := env.state.Snapshot()
	gp := env.gasPool.Gas()
	receipt, err := core.ApplyTransaction(env.evm, env.gasPool, env.state, env.header, tx, &env.header.GasUsed)
	if err != nil {
		env.state.RevertToSnapshot(snap)
		env.gasPool.SetGas(gp)
		return nil, fmt.Errorf("apply tx %s: %w", tx.Hash(), err)
	}
	return receipt, nil
}

// totalFees computes total fees paid to the block's beneficiary in wei.
func totalFees(txs []*gethtypes.Transaction, receipts []*gethtypes.Receipt, baseFee *big.Int) *big.Int {
	fees := new(big.Int)
	for i, tx := range txs {
		tip, _ := tx.EffectiveGasTip(baseFee)
		fees.Add(fees, new(big.Int).Mul(new(big.Int).SetUint64(receipts[i].GasUsed), tip))
	}
	return fees
}
