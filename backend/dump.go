package backend

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
	"github.com/klauspost/compress/gzip"

	"github.com/ethdevnet/anvil/core/chainstore"
	devnettypes "github.com/ethdevnet/anvil/core/types"
	"github.com/ethdevnet/anvil/miner"
)

// stateDump is the top-level JSON shape written by DumpState, gzip
// framed. Blocks travel RLP-encoded so the exact header bytes (and
// therefore hashes) survive the round trip; receipts are keyed by block
// hash in transaction order, which is all Append needs to rebuild the
// transaction index.
type stateDump struct {
	BlockEnv        dumpBlockEnv                               `json:"blockEnv"`
	BestBlockNumber uint64                                     `json:"bestBlockNumber"`
	Blocks          []hexutil.Bytes                            `json:"blocks,omitempty"`
	Receipts        map[common.Hash][]*gethtypes.Receipt       `json:"receipts,omitempty"`
	Accounts        map[common.Address]devnettypes.DumpAccount `json:"accounts"`
}

// dumpBlockEnv carries the head-block execution context alongside the
// chain data, so a consumer can rebuild the environment without
// decoding the newest block first.
type dumpBlockEnv struct {
	Number    uint64          `json:"number"`
	Timestamp uint64          `json:"timestamp"`
	GasLimit  uint64          `json:"gasLimit"`
	Coinbase  common.Address  `json:"coinbase"`
	BaseFee   *hexutil.Big    `json:"baseFee,omitempty"`
}

// DumpState serializes the whole devnet — every account in the state
// trie, every retained block with its receipts, and the head execution
// context — as gzip-compressed JSON. klauspost/compress/gzip stands in
// for compress/gzip as a faster drop-in for the same interface.
func (b *Backend) DumpState() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	head := b.store.Head()
	dump := stateDump{
		BestBlockNumber: head.NumberU64(),
		BlockEnv: dumpBlockEnv{
			Number:    head.NumberU64(),
			Timestamp: head.Time(),
			GasLimit:  head.GasLimit(),
			Coinbase:  head.Coinbase(),
			BaseFee:   (*hexutil.Big)(head.BaseFee()),
		},
		Receipts: make(map[common.Hash][]*gethtypes.Receipt),
		Accounts: b.state.DumpAccounts(),
	}
	for num := b.store.Base(); num <= head.NumberU64(); num++ {
		block := b.store.BlockByNumber(num)
		if block == nil {
			continue
		}
		enc, err := rlp.EncodeToBytes(block)
		if err != nil {
			return nil, fmt.Errorf("backend: encode block %d: %w", num, err)
		}
		dump.Blocks = append(dump.Blocks, enc)
		if receipts := b.store.Receipts(block.Hash()); len(receipts) > 0 {
			dump.Receipts[block.Hash()] = receipts
		}
	}

	raw, err := json.Marshal(dump)
	if err != nil {
		return nil, fmt.Errorf("backend: marshal dump: %w", err)
	}
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(raw); err != nil {
		return nil, fmt.Errorf("backend: gzip dump: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("backend: gzip dump: %w", err)
	}
	return buf.Bytes(), nil
}

// LoadState replays a dump produced by DumpState: accounts overwrite the
// live state, and the saved chain replaces the local one when it reaches
// beyond what this backend is pinned to. Raw (ungzipped) JSON is
// accepted transparently. On a forked backend whose saved chain does not
// extend past the fork point, only the accounts are adopted and the
// chain stays numbered from the fork block.
func (b *Backend) LoadState(data []byte) error {
	raw, err := maybeGunzip(data)
	if err != nil {
		return err
	}
	var dump stateDump
	if err := json.Unmarshal(raw, &dump); err != nil {
		return fmt.Errorf("backend: unmarshal dump: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	adoptChain := len(dump.Blocks) > 0
	if b.fork != nil && dump.BestBlockNumber <= b.fork.ForkBlockNumber() {
		adoptChain = false
	}
	if adoptChain {
		if err := b.adoptDumpedChainLocked(&dump); err != nil {
			return err
		}
	}

	for addr, da := range dump.Accounts {
		acc := devnettypes.NewEmptyAccount()
		bal, err := uint256.FromDecimal(da.Balance)
		if err != nil {
			return fmt.Errorf("backend: bad balance for %s: %w", addr, err)
		}
		acc.Balance = bal
		acc.Nonce = da.Nonce
		acc.Code = da.Code
		if len(da.Storage) > 0 {
			acc.Storage = make(map[common.Hash]common.Hash, len(da.Storage))
			for k, v := range da.Storage {
				acc.Storage[common.HexToHash(k)] = common.HexToHash(v)
			}
		}
		b.state.SetAccount(addr, acc)
	}
	root, err := b.state.Commit(b.store.Head().NumberU64())
	if err != nil {
		return err
	}
	b.hist.Put(b.store.Head().NumberU64(), root)
	return nil
}

// adoptDumpedChainLocked swaps the local chain for the dump's, decoding
// every block in order and re-indexing its receipts.
func (b *Backend) adoptDumpedChainLocked(dump *stateDump) error {
	blocks := make([]*gethtypes.Block, 0, len(dump.Blocks))
	for i, enc := range dump.Blocks {
		var block gethtypes.Block
		if err := rlp.DecodeBytes(enc, &block); err != nil {
			return fmt.Errorf("backend: decode dumped block %d: %w", i, err)
		}
		blocks = append(blocks, &block)
	}
	if len(blocks) == 0 {
		return nil
	}

	store := chainstore.NewAt(blocks[0].NumberU64())
	for _, block := range blocks {
		store.Append(block, dump.Receipts[block.Hash()])
	}
	b.store = store
	b.chain = newChainContext(store)
	b.exec = miner.New(b.cfg.ChainConfig, b.chain)
	b.hist.Forget(blocks[0].NumberU64())
	b.pending = nil
	b.time.Reset(store.Head().Time())
	return nil
}

// maybeGunzip returns the decompressed payload when data carries the
// gzip magic bytes, and data itself otherwise, so both framed and plain
// dumps load.
func maybeGunzip(data []byte) ([]byte, error) {
	if len(data) < 2 || data[0] != 0x1f || data[1] != 0x8b {
		return data, nil
	}
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("backend: gunzip load: %w", err)
	}
	defer gz.Close()
	raw, err := io.ReadAll(gz)
	if err != nil {
		return nil, fmt.Errorf("backend: gunzip load: %w", err)
	}
	return raw, nil
}
