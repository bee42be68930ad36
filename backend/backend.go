// Package backend implements the devnet's orchestrator: it wires the
// state database, chain store, historical states, fee and time
// managers, validator, executor and (optionally) the fork client into
// the single entry point RPC handlers and CLI commands drive — block
// production, read-only calls, simulation, tracing, snapshots, reorgs,
// and state dump/load all live behind one lock here.
package backend

import (
	"context"
	crand "crypto/rand"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/consensus/ethash"
	"github.com/ethereum/go-ethereum/consensus/misc/eip4844"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/params"
	"github.com/holiman/uint256"

	"github.com/ethdevnet/anvil/core/chainstore"
	"github.com/ethdevnet/anvil/core/fees"
	"github.com/ethdevnet/anvil/core/historical"
	devnetstate "github.com/ethdevnet/anvil/core/state"
	"github.com/ethdevnet/anvil/core/timeutil"
	devnettypes "github.com/ethdevnet/anvil/core/types"
	"github.com/ethdevnet/anvil/core/validator"
	"github.com/ethdevnet/anvil/fork"
	"github.com/ethdevnet/anvil/miner"
)

// Backend is the devnet's single orchestration point. Every exported
// method other than SubscribeChainHead and SubscribeRemovedLogs takes
// Backend's own lock; callers never need to coordinate
// access to the components it wires together.
type Backend struct {
	mu sync.Mutex

	cfg   Config
	state *devnetstate.Database
	store *chainstore.Store
	hist  *historical.States
	fees  *fees.Manager
	time  *timeutil.Manager
	exec  *miner.Executor
	chain *chainContext

	fork *fork.Client // nil unless Config.ForkURL is set

	listeners listeners

	pending      []*gethtypes.Transaction
	impersonated map[common.Address]struct{}

	gasLimitOverride *uint64
	minGasPrice      *uint256.Int

	// snapshotBlocks records the chain head's block number at the moment
	// each state snapshot id was taken, index-aligned with the ids
	// b.state.Snapshot() hands out (both only ever grow through
	// Backend.Snapshot, one call each). RevertToSnapshot reads the
	// recorded number directly instead of searching hist for a state
	// root, since distinct blocks — most commonly a run of empty ones —
	// can legitimately share a root.
	snapshotBlocks []uint64
}

// New constructs a Backend, dials the upstream chain first if ForkURL is
// set (so genesis can be numbered at the fork point), and then applies
// the genesis allocation.
func New(cfg Config) (*Backend, error) {
	var forkClient *fork.Client
	forkBlock := uint64(0)
	if cfg.ForkURL != "" {
		client, pinned, err := dialFork(context.Background(), cfg.ForkURL, cfg.ForkBlock, cfg.ForkCacheBytes)
		if err != nil {
			return nil, err
		}
		forkClient = client
		forkBlock = pinned
		cfg.ForkBlock = pinned
	}

	stateDB, err := devnetstate.New()
	if err != nil {
		return nil, fmt.Errorf("backend: open state: %w", err)
	}
	if forkClient != nil {
		stateDB.SetRemote(forkClient, forkBlock)
	}
	if err := seedGenesis(stateDB, applyOdysseyMode(cfg, cfg.Genesis)); err != nil {
		return nil, err
	}
	if _, err := stateDB.Commit(forkBlock); err != nil {
		return nil, fmt.Errorf("backend: commit genesis: %w", err)
	}

	store := chainstore.NewAt(forkBlock)
	genesisHeader := &gethtypes.Header{
		Number:     new(big.Int).SetUint64(forkBlock),
		GasLimit:   cfg.GasLimit,
		Root:       stateDB.Root(),
		Time:       cfg.GenesisTimestamp,
		Difficulty: new(big.Int),
		Coinbase:   cfg.Coinbase,
	}
	if cfg.ChainConfig.IsLondon(genesisHeader.Number) {
		genesisHeader.BaseFee = new(big.Int).SetUint64(params.InitialBaseFee)
	}
	genesis := gethtypes.NewBlockWithHeader(genesisHeader)
	store.Append(genesis, nil)

	hist := newHistoricalStates(cfg)
	hist.Put(forkBlock, stateDB.Root())

	chain := newChainContext(store)
	b := &Backend{
		cfg:          cfg,
		state:        stateDB,
		store:        store,
		hist:         hist,
		fees:         fees.NewManager(cfg.ChainConfig),
		time:         timeutil.New(),
		exec:         miner.New(cfg.ChainConfig, chain),
		chain:        chain,
		fork:         forkClient,
		impersonated: make(map[common.Address]struct{}),
		minGasPrice:  cfg.MinGasPrice,
	}
	return b, nil
}

// dialFork connects to url and resolves the fork point: an explicit
// blockNumber is used as-is, otherwise the upstream's current head.
func dialFork(ctx context.Context, url string, blockNumber uint64, cacheBytes int) (*fork.Client, uint64, error) {
	if cacheBytes <= 0 {
		cacheBytes = 64 << 20
	}
	if blockNumber != 0 {
		client, err := fork.Dial(ctx, url, blockNumber, cacheBytes)
		if err != nil {
			return nil, 0, err
		}
		return client, blockNumber, nil
	}
	probe, err := fork.Dial(ctx, url, 0, cacheBytes)
	if err != nil {
		return nil, 0, err
	}
	latest, err := probe.LatestBlockNumber(ctx)
	if err != nil {
		probe.Close()
		return nil, 0, fmt.Errorf("backend: resolve latest fork block: %w", err)
	}
	probe.Rebase(latest)
	return probe, latest, nil
}

// seedGenesis writes the genesis allocation into stateDB, used by both
// New and ResetFork (a fork reset reapplies the same genesis after
// wiping local state).
func seedGenesis(stateDB *devnetstate.Database, genesis map[common.Address]gethtypes.Account) error {
	for addr, acc := range genesis {
		dacc := devnettypes.NewEmptyAccount()
		if acc.Balance != nil {
			u, overflow := uint256.FromBig(acc.Balance)
			if overflow {
				return fmt.Errorf("backend: genesis balance overflow for %s", addr)
			}
			dacc.Balance = u
		}
		dacc.Nonce = acc.Nonce
		dacc.Code = acc.Code
		if len(acc.Storage) > 0 {
			dacc.Storage = make(map[common.Hash]common.Hash, len(acc.Storage))
			for k, v := range acc.Storage {
				dacc.Storage[k] = v
			}
		}
		stateDB.SetAccount(addr, dacc)
	}
	return nil
}

// newHistoricalStates builds the historical-state cache from cfg,
// factored out so ResetFork can rebuild a fresh one after wiping state.
func newHistoricalStates(cfg Config) *historical.States {
	var histOpts []historical.Option
	if cfg.HistoryDiskSpillDir != "" {
		histOpts = append(histOpts, historical.WithDiskSpill(cfg.HistoryDiskSpillDir))
	}
	capacity := cfg.HistoryCapacity
	if capacity <= 0 {
		capacity = defaultHistoryCapacity
	}
	return historical.New(capacity, histOpts...)
}

const defaultHistoryCapacity = 256

// Close releases any resources the Backend owns (disk spill, fork RPC).
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fork != nil {
		b.fork.Close()
	}
	b.listeners.close()
	return b.hist.Close()
}

// SubmitTransaction validates tx against the current pending state and
// queues it for the next mined block. With Config.AutoMine set, it also
// mines a block immediately, the devnet's default "instant mining" mode.
func (b *Backend) SubmitTransaction(tx *gethtypes.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.validateLocked(tx); err != nil {
		return err
	}
	b.pending = append(b.pending, tx)
	if b.cfg.AutoMine {
		_, err := b.mineLocked()
		return err
	}
	return nil
}

func (b *Backend) validateLocked(tx *gethtypes.Transaction) error {
	from, err := gethtypes.Sender(gethtypes.LatestSignerForChainID(b.cfg.ChainID), tx)
	impersonated := false
	if err != nil {
		// The signature didn't recover a sender; only acceptable under
		// an active impersonation.
		impersonated = true
	} else if _, ok := b.impersonated[from]; ok {
		impersonated = true
	}

	head := b.store.Head()
	parentHeader := head.Header()
	nextNumber := new(big.Int).SetUint64(head.NumberU64() + 1)
	nextTime := parentHeader.Time + 1
	blockEnv := &devnettypes.BlockEnv{
		Number:   head.NumberU64() + 1,
		GasLimit: b.effectiveGasLimit(),
		BaseFee:  b.fees.NextBaseFee(parentHeader, nextNumber),
	}
	maxBlobs := 0
	if blob := b.fees.NextBlobFee(parentHeader, nextTime); blob.BlobGasPrice != nil {
		blockEnv.BlobExcessGasAndPrice = blob
		maxBlobs = eip4844.MaxBlobsPerBlock(b.cfg.ChainConfig, nextTime)
	}
	env := &devnettypes.Env{
		ChainID: b.cfg.ChainID,
		SpecID:  devnettypes.SpecFor(b.cfg.ChainConfig, nextNumber, nextTime),
		Block:   blockEnv,
	}
	sdb := b.state.StateDB()
	ctx := &validator.Context{
		Env:              env,
		SenderBalance:    sdb.GetBalance(from).ToBig(),
		SenderNonce:      sdb.GetNonce(from),
		Impersonated:     impersonated,
		MinGasPrice:      minGasPriceBig(b.minGasPrice),
		MaxBlobsPerBlock: maxBlobs,
	}
	return validator.Validate(tx, ctx)
}

func minGasPriceBig(u *uint256.Int) *big.Int {
	if u == nil {
		return nil
	}
	return u.ToBig()
}

func (b *Backend) effectiveGasLimit() uint64 {
	if b.gasLimitOverride != nil {
		return *b.gasLimitOverride
	}
	return b.cfg.GasLimit
}

// Mine seals the pending transactions into one new block. Transactions
// the executor rejected stay out of the block and are dropped from
// pending rather than retried.
func (b *Backend) Mine() (*gethtypes.Block, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mineLocked()
}

func (b *Backend) mineLocked() (*gethtypes.Block, error) {
	parent := b.store.Head()
	parentHeader := parent.Header()
	number := new(big.Int).Add(parentHeader.Number, common.Big1)
	timestamp := b.time.Next(parentHeader.Time)

	header := &gethtypes.Header{
		ParentHash: parent.Hash(),
		Number:     number,
		GasLimit:   b.effectiveGasLimit(),
		Time:       timestamp,
		Coinbase:   b.cfg.Coinbase,
		Difficulty: new(big.Int),
		MixDigest:  randomPrevrandao(),
		BaseFee:    b.fees.NextBaseFee(parentHeader, number),
	}
	if blob := b.fees.NextBlobFee(parentHeader, timestamp); blob.BlobGasPrice != nil {
		header.BlobGasUsed = new(uint64)
		header.ExcessBlobGas = &blob.ExcessBlobGas
	}

	txs := b.pending
	b.pending = nil
	b.warmForkedAddressesLocked(txs)

	result, err := b.exec.Mine(header, b.state.StateDB(), txs, b.impersonated)
	if err != nil {
		return nil, err
	}

	engine := ethash.NewFaker()
	body := &gethtypes.Body{Transactions: result.Txs}
	block, err := engine.FinalizeAndAssemble(b.chain, result.Header, result.StateDB, body, result.Receipts)
	if err != nil {
		return nil, fmt.Errorf("backend: finalize block %d: %w", number, err)
	}

	root, err := b.state.Commit(number.Uint64())
	if err != nil {
		return nil, err
	}
	b.store.Append(block, result.Receipts)
	b.hist.Put(number.Uint64(), root)
	b.pruneOldTransactionsLocked(number.Uint64())

	for hash, reason := range result.Invalid {
		log.Debug("backend: transaction not included", "hash", hash, "reason", reason)
	}

	b.listeners.notifyChainHead(block.Header())
	return block, nil
}

// randomPrevrandao draws a fresh prevrandao value for a mined block's
// MixDigest field, standing in for the randomness a beacon chain would
// supply.
func randomPrevrandao() common.Hash {
	var h common.Hash
	if _, err := crand.Read(h[:]); err != nil {
		log.Warn("backend: prevrandao randomness unavailable", "err", err)
	}
	return h
}

// pruneOldTransactionsLocked enforces Config.TransactionBlockKeeper:
// once the chain is more than K blocks long, the block K+1 blocks behind
// the new head loses its tx-index entries while its header remains.
func (b *Backend) pruneOldTransactionsLocked(minedNumber uint64) {
	keep := b.cfg.TransactionBlockKeeper
	if keep == 0 || minedNumber < keep+1 {
		return
	}
	b.store.PruneBlockTransactions(minedNumber - keep - 1)
}

// warmForkedAddressesLocked prefetches every address txs are known to
// touch — sender, recipient, and any access-list entry — into the live
// StateDB before mining. core.ApplyTransaction takes a concrete
// *state.StateDB, so unlike Call/Simulate's ForkDB wrapping, a forked
// backend can't fall through to the remote mid-execution; warming the
// addresses a transaction declares up front is the substitute. An
// address only a CALL opcode discovers during execution is not covered
// by this prefetch. A no-op when the backend isn't forked.
func (b *Backend) warmForkedAddressesLocked(txs []*gethtypes.Transaction) {
	if b.fork == nil {
		return
	}
	signer := gethtypes.LatestSignerForChainID(b.cfg.ChainID)
	for _, tx := range txs {
		if from, err := gethtypes.Sender(signer, tx); err == nil {
			b.state.WarmAddress(from)
		}
		if to := tx.To(); to != nil {
			b.state.WarmAddress(*to)
		}
		for _, entry := range tx.AccessList() {
			b.state.WarmAddress(entry.Address)
			for _, slot := range entry.StorageKeys {
				b.state.WarmStorage(entry.Address, slot)
			}
		}
	}
}

// SetIntervalMining fixes the timestamp gap between consecutive blocks
// to secs seconds and re-bounds the historical-state cache so a chain
// auto-mined on an interval doesn't grow history without limit: the
// shorter the interval, the more blocks per wall-clock hour, the fewer
// roots each one may pin. Zero restores wall-clock timestamps and the
// configured capacity.
func (b *Backend) SetIntervalMining(secs uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.time.SetInterval(secs)
	capacity := b.cfg.HistoryCapacity
	if capacity <= 0 {
		capacity = defaultHistoryCapacity
	}
	if secs > 0 {
		if scaled := int(secs) * 4; scaled < capacity {
			capacity = scaled
		}
		if capacity < minHistoryCapacity {
			capacity = minHistoryCapacity
		}
	}
	b.hist.Resize(capacity)
}

const minHistoryCapacity = 8

// Snapshot records a rollback point over both state and chain length,
// returning its id.
func (b *Backend) Snapshot() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.state.Snapshot()
	b.snapshotBlocks = append(b.snapshotBlocks, b.store.Head().NumberU64())
	return id
}

// RevertToSnapshot restores state to the given snapshot id and discards
// every block mined since; id itself and every snapshot taken after it
// are forgotten. The
// block number to truncate to is the one Snapshot recorded at creation
// time, not recovered by searching history for a matching state root —
// two distinct blocks, most commonly a run of empty ones, can share a
// root, which would truncate to the wrong height.
func (b *Backend) RevertToSnapshot(id uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if id >= uint64(len(b.snapshotBlocks)) {
		return fmt.Errorf("backend: unknown snapshot %d", id)
	}
	target := b.snapshotBlocks[id]
	if err := b.state.RevertToSnapshot(id); err != nil {
		return err
	}
	b.snapshotBlocks = b.snapshotBlocks[:id]
	b.notifyDiscardedLogsLocked(target)
	b.store.TruncateAfter(target)
	b.hist.Forget(target)
	return nil
}

// Rollback discards every block above toBlockNum and restores state to
// that block's root, a coarser-grained alternative to the snapshot
// stack for "go back N blocks" tooling.
func (b *Backend) Rollback(toBlockNum uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rollbackLocked(toBlockNum)
}

// rollbackLocked is Rollback's body, factored out so Reorg can share it
// under one lock acquisition instead of re-entering Rollback.
func (b *Backend) rollbackLocked(toBlockNum uint64) error {
	root, ok := b.hist.Get(toBlockNum)
	if !ok {
		return fmt.Errorf("backend: no retained state for block %d", toBlockNum)
	}
	b.notifyDiscardedLogsLocked(toBlockNum)
	b.store.TruncateAfter(toBlockNum)
	b.hist.Forget(toBlockNum)
	b.pending = nil
	if err := b.state.RevertToRoot(root); err != nil {
		return err
	}
	b.snapshotBlocks = nil
	if block := b.store.BlockByNumber(toBlockNum); block != nil {
		b.time.Reset(block.Time())
	}
	return nil
}

// notifyDiscardedLogsLocked collects the logs of every block strictly
// above keepNum and posts them as removed, so log subscribers can
// retract entries the rollback is about to un-mine. Must run before the
// store is truncated.
func (b *Backend) notifyDiscardedLogsLocked(keepNum uint64) {
	head := b.store.Head()
	if head == nil {
		return
	}
	var removed []*gethtypes.Log
	for num := keepNum + 1; num <= head.NumberU64(); num++ {
		block := b.store.BlockByNumber(num)
		if block == nil {
			continue
		}
		for _, receipt := range b.store.Receipts(block.Hash()) {
			removed = append(removed, receipt.Logs...)
		}
	}
	b.listeners.notifyRemovedLogs(removed)
}

// ImpersonateAccount disables signature/sender-derivation checks for
// addr, letting callers act as any address without its key.
func (b *Backend) ImpersonateAccount(addr common.Address) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.impersonated[addr] = struct{}{}
}

// StopImpersonatingAccount re-enables normal signature checks for addr.
func (b *Backend) StopImpersonatingAccount(addr common.Address) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.impersonated, addr)
}

// IsImpersonatedAccount reports whether addr currently bypasses
// signature checks.
func (b *Backend) IsImpersonatedAccount(addr common.Address) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.impersonated[addr]
	return ok
}

// SetBlockGasLimit overrides the gas limit used by every subsequently
// mined block.
func (b *Backend) SetBlockGasLimit(limit uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gasLimitOverride = &limit
}

// SetMinGasPrice floors the fee cap the validator accepts.
func (b *Backend) SetMinGasPrice(price *uint256.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.minGasPrice = price
}

// SubscribeChainHead lets callers observe every mined block in order.
func (b *Backend) SubscribeChainHead(ch chan<- ChainHeadEvent) event.Subscription {
	return b.listeners.SubscribeChainHead(ch)
}

// SubscribeRemovedLogs lets callers observe logs retracted by rollbacks
// and reorgs.
func (b *Backend) SubscribeRemovedLogs(ch chan<- RemovedLogsEvent) event.Subscription {
	return b.listeners.SubscribeRemovedLogs(ch)
}

// CurrentBlock returns the chain head.
func (b *Backend) CurrentBlock() *gethtypes.Block {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.store.Head()
}

// BlockByNumber returns the block at num, or nil.
func (b *Backend) BlockByNumber(num uint64) *gethtypes.Block {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.store.BlockByNumber(num)
}

// Transaction returns the indexed entry for hash, or nil if unmined.
func (b *Backend) Transaction(hash common.Hash) *devnettypes.MinedTransaction {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.store.Transaction(hash)
}

// Account returns the live account view for addr.
func (b *Backend) Account(addr common.Address) *devnettypes.Account {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.Account(addr)
}

// StorageAt returns the live value of a single storage slot of addr.
func (b *Backend) StorageAt(addr common.Address, slot common.Hash) common.Hash {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.StorageAt(addr, slot)
}

// SetBalance overwrites addr's live balance, leaving nonce/code/storage
// untouched.
func (b *Backend) SetBalance(addr common.Address, balance *uint256.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state.SetBalance(addr, balance)
}

// SetNonce overwrites addr's live nonce.
func (b *Backend) SetNonce(addr common.Address, nonce uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state.SetNonce(addr, nonce)
}

// SetCode overwrites addr's live code.
func (b *Backend) SetCode(addr common.Address, code []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state.SetCode(addr, code)
}

// SetStorageAt overwrites a single live storage slot of addr.
func (b *Backend) SetStorageAt(addr common.Address, slot, value common.Hash) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state.SetStorageAt(addr, slot, value)
}
