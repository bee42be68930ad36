package backend

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	devnettypes "github.com/ethdevnet/anvil/core/types"
)

// BlockByNumberOrFork returns the block at num, consulting the fork
// upstream when num predates the local chain's first retained block:
// heights newer than the fork point are answered locally, everything
// older is delegated upstream.
func (b *Backend) BlockByNumberOrFork(num uint64) (*gethtypes.Block, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if block := b.store.BlockByNumber(num); block != nil {
		return block, nil
	}
	if b.fork == nil || !b.fork.PredatesForkInclusive(num) {
		return nil, nil
	}
	block, err := b.fork.BlockByNumber(context.Background(), num)
	if err != nil {
		return nil, &devnettypes.ForkProviderError{Op: "BlockByNumber", Err: err}
	}
	return block, nil
}

// BlockByHashOrFork returns the block with the given hash, falling
// through to the fork upstream for hashes the local chain never mined.
func (b *Backend) BlockByHashOrFork(hash common.Hash) (*gethtypes.Block, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if block := b.store.BlockByHash(hash); block != nil {
		return block, nil
	}
	if b.fork == nil {
		return nil, nil
	}
	block, err := b.fork.BlockByHash(context.Background(), hash)
	if err != nil {
		return nil, &devnettypes.ForkProviderError{Op: "BlockByHash", Err: err}
	}
	return block, nil
}

// TransactionOrFork returns the indexed entry for hash, falling through
// to the fork upstream for transactions mined before the local chain
// began.
func (b *Backend) TransactionOrFork(hash common.Hash) (*devnettypes.MinedTransaction, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if mt := b.store.Transaction(hash); mt != nil {
		return mt, nil
	}
	if b.fork == nil {
		return nil, nil
	}
	tx, pending, err := b.fork.TransactionByHash(context.Background(), hash)
	if err != nil {
		return nil, &devnettypes.ForkProviderError{Op: "TransactionByHash", Err: err}
	}
	if pending || tx == nil {
		return nil, nil
	}
	receipt, err := b.fork.TransactionReceipt(context.Background(), hash)
	if err != nil {
		return nil, &devnettypes.ForkProviderError{Op: "TransactionReceipt", Err: err}
	}
	mt := &devnettypes.MinedTransaction{Tx: tx, Receipt: receipt}
	if receipt != nil {
		mt.BlockHash = receipt.BlockHash
		mt.BlockNumber = receipt.BlockNumber.Uint64()
	}
	return mt, nil
}

// ReceiptsByNumberOrFork returns every receipt of the block at num,
// answered locally for mined blocks and delegated upstream for heights
// at or before the fork point.
func (b *Backend) ReceiptsByNumberOrFork(num uint64) ([]*gethtypes.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if block := b.store.BlockByNumber(num); block != nil {
		return b.store.Receipts(block.Hash()), nil
	}
	if b.fork == nil || !b.fork.PredatesForkInclusive(num) {
		return nil, nil
	}
	receipts, err := b.fork.BlockReceipts(context.Background(), num)
	if err != nil {
		return nil, &devnettypes.ForkProviderError{Op: "BlockReceipts", Err: err}
	}
	return receipts, nil
}

// LogFilter selects logs by block range, emitting address, and topic
// positions, with the same nil-means-wildcard semantics as an
// ethereum.FilterQuery.
type LogFilter struct {
	FromBlock uint64
	ToBlock   uint64
	Addresses []common.Address
	Topics    [][]common.Hash
}

// Logs returns the logs matching filter, in block-then-log order. The
// part of the range at or before the fork point is fetched from the
// upstream chain; the locally mined part is scanned from retained
// receipts. The two never overlap, since local mining starts strictly
// above the fork point.
func (b *Backend) Logs(filter LogFilter) ([]*gethtypes.Log, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if filter.ToBlock == 0 {
		filter.ToBlock = b.store.Head().NumberU64()
	}
	var out []*gethtypes.Log

	if b.fork != nil && b.fork.PredatesForkInclusive(filter.FromBlock) {
		remoteTo := filter.ToBlock
		if !b.fork.PredatesForkInclusive(remoteTo) {
			remoteTo = b.fork.ForkBlockNumber()
		}
		q := ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(filter.FromBlock),
			ToBlock:   new(big.Int).SetUint64(remoteTo),
			Addresses: filter.Addresses,
			Topics:    filter.Topics,
		}
		logs, err := b.fork.FilterLogs(context.Background(), q)
		if err != nil {
			return nil, &devnettypes.ForkProviderError{Op: "FilterLogs", Err: err}
		}
		for i := range logs {
			out = append(out, &logs[i])
		}
	}

	start := filter.FromBlock
	if base := b.store.Base(); start <= base {
		start = base + 1
	}
	for num := start; num <= filter.ToBlock; num++ {
		block := b.store.BlockByNumber(num)
		if block == nil {
			continue
		}
		for _, receipt := range b.store.Receipts(block.Hash()) {
			for _, lg := range receipt.Logs {
				if logMatches(lg, filter) {
					out = append(out, lg)
				}
			}
		}
	}
	return out, nil
}

// logMatches applies the address and positional-topic predicates of
// filter to a single log.
func logMatches(lg *gethtypes.Log, filter LogFilter) bool {
	if len(filter.Addresses) > 0 {
		found := false
		for _, addr := range filter.Addresses {
			if lg.Address == addr {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(filter.Topics) > len(lg.Topics) {
		return false
	}
	for i, alternatives := range filter.Topics {
		if len(alternatives) == 0 {
			continue
		}
		matched := false
		for _, topic := range alternatives {
			if lg.Topics[i] == topic {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// AccountAt returns the account view for addr as of blockNum (nil for
// the live head). A height with a retained historical root is answered
// locally; a height at or before the fork point falls through to the
// remote upstream regardless of local chain height; anything else is
// DataUnavailable.
func (b *Backend) AccountAt(addr common.Address, blockNum *uint64) (*devnettypes.Account, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	head := b.store.Head()
	if blockNum == nil || *blockNum == head.NumberU64() {
		return b.state.Account(addr), nil
	}

	num := *blockNum
	if root, ok := b.hist.Get(num); ok {
		// OpenForkAt, not OpenAt: at a retained height above the fork
		// point an address never touched locally must still resolve to
		// the upstream's account at the fork block, exactly as the
		// live-head read does.
		stdb, err := b.state.OpenForkAt(root)
		if err != nil {
			return nil, err
		}
		acc := devnettypes.NewEmptyAccount()
		acc.Balance = new(uint256.Int).Set(stdb.GetBalance(addr))
		acc.Nonce = stdb.GetNonce(addr)
		if code := stdb.GetCode(addr); len(code) > 0 {
			acc.Code = code
			acc.CodeHash = crypto.Keccak256Hash(code)
		}
		return acc, nil
	}
	if b.fork != nil && b.fork.PredatesForkInclusive(num) {
		return b.accountFromForkLocked(addr)
	}
	return nil, &devnettypes.DataUnavailable{What: fmt.Sprintf("state at block %d", num)}
}

func (b *Backend) accountFromForkLocked(addr common.Address) (*devnettypes.Account, error) {
	bal, err := b.fork.BalanceAt(addr)
	if err != nil {
		return nil, &devnettypes.ForkProviderError{Op: "BalanceAt", Err: err}
	}
	nonce, err := b.fork.NonceAt(addr)
	if err != nil {
		return nil, &devnettypes.ForkProviderError{Op: "NonceAt", Err: err}
	}
	code, err := b.fork.CodeAt(addr)
	if err != nil {
		return nil, &devnettypes.ForkProviderError{Op: "CodeAt", Err: err}
	}
	acc := devnettypes.NewEmptyAccount()
	acc.Balance = bal
	acc.Nonce = nonce
	if len(code) > 0 {
		acc.Code = code
		acc.CodeHash = crypto.Keccak256Hash(code)
	}
	return acc, nil
}
