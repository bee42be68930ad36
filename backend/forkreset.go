package backend

import (
	"context"
	"fmt"
	"math/big"

	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"

	"github.com/ethdevnet/anvil/core/chainstore"
	devnetstate "github.com/ethdevnet/anvil/core/state"
	devnettypes "github.com/ethdevnet/anvil/core/types"
	"github.com/ethdevnet/anvil/miner"
)

// ResetFork re-dials the upstream (or reuses the current URL when url
// is empty), re-pins the fork point, and wipes every piece of local
// state — state database, chain store, historical states, snapshots —
// before reapplying genesis at the new fork block. An absent url with
// no previously configured one is InvalidParams; an absent blockNumber
// resolves to the upstream's current head.
func (b *Backend) ResetFork(url string, blockNumber *uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if url == "" {
		if b.cfg.ForkURL == "" {
			return devnettypes.ErrInvalidParams
		}
		url = b.cfg.ForkURL
	}

	var requested uint64
	if blockNumber != nil {
		requested = *blockNumber
	}
	client, forkBlock, err := dialFork(context.Background(), url, requested, b.cfg.ForkCacheBytes)
	if err != nil {
		return fmt.Errorf("backend: reset fork: %w", err)
	}

	stateDB, err := devnetstate.New()
	if err != nil {
		client.Close()
		return fmt.Errorf("backend: reset fork: reopen state: %w", err)
	}
	stateDB.SetRemote(client, forkBlock)
	if err := seedGenesis(stateDB, applyOdysseyMode(b.cfg, b.cfg.Genesis)); err != nil {
		client.Close()
		return err
	}
	if _, err := stateDB.Commit(forkBlock); err != nil {
		client.Close()
		return fmt.Errorf("backend: reset fork: commit genesis: %w", err)
	}

	store := chainstore.NewAt(forkBlock)
	genesisHeader := &gethtypes.Header{
		Number:     new(big.Int).SetUint64(forkBlock),
		GasLimit:   b.effectiveGasLimit(),
		Root:       stateDB.Root(),
		Time:       b.cfg.GenesisTimestamp,
		Difficulty: new(big.Int),
		Coinbase:   b.cfg.Coinbase,
	}
	if b.cfg.ChainConfig.IsLondon(genesisHeader.Number) {
		genesisHeader.BaseFee = new(big.Int).SetUint64(params.InitialBaseFee)
	}
	genesis := gethtypes.NewBlockWithHeader(genesisHeader)
	store.Append(genesis, nil)

	hist := newHistoricalStates(b.cfg)
	hist.Put(forkBlock, stateDB.Root())
	if err := b.hist.Close(); err != nil {
		return fmt.Errorf("backend: reset fork: closing previous history store: %w", err)
	}

	if b.fork != nil {
		b.fork.Close()
	}
	b.fork = client
	b.cfg.ForkURL = url
	b.cfg.ForkBlock = forkBlock

	chain := newChainContext(store)
	b.state = stateDB
	b.store = store
	b.hist = hist
	b.chain = chain
	b.exec = miner.New(b.cfg.ChainConfig, chain)
	b.pending = nil
	b.snapshotBlocks = nil
	b.time.Reset(0)
	return nil
}
