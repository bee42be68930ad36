package backend

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	"github.com/stretchr/testify/require"
)

// Dumping a chain and loading it into a fresh backend must restore the
// accounts, the block index with its hashes, and the transaction index.
func TestDumpLoadRoundTrip(t *testing.T) {
	b, s := setupBackend(t)
	recipient := common.HexToAddress("0xabc0000000000000000000000000000000000a")

	tx := s.sign(t, gethtypes.NewTransaction(0, recipient, big.NewInt(1000), 21000, big.NewInt(params.InitialBaseFee), nil), b.cfg.ChainID)
	require.NoError(t, b.SubmitTransaction(tx))
	minedBlock, err := b.Mine()
	require.NoError(t, err)

	dumped, err := b.DumpState()
	require.NoError(t, err)

	fresh, _ := setupBackend(t)
	require.NoError(t, fresh.LoadState(dumped))

	require.Equal(t, minedBlock.NumberU64(), fresh.CurrentBlock().NumberU64())
	require.Equal(t, minedBlock.Hash(), fresh.CurrentBlock().Hash())

	mt := fresh.Transaction(tx.Hash())
	require.NotNil(t, mt)
	require.Equal(t, minedBlock.Hash(), mt.BlockHash)
	require.NotNil(t, mt.Receipt)

	require.Equal(t, uint64(1000), fresh.Account(recipient).Balance.Uint64())
	require.Equal(t, uint64(1), fresh.Account(s.addr).Nonce)
}

// LoadState accepts a plain JSON payload without the gzip frame.
func TestLoadStateAcceptsRawJSON(t *testing.T) {
	b, s := setupBackend(t)

	gzipped, err := b.DumpState()
	require.NoError(t, err)
	raw, err := maybeGunzip(gzipped)
	require.NoError(t, err)
	require.True(t, json.Valid(raw))

	fresh, _ := setupBackend(t)
	require.NoError(t, fresh.LoadState(raw))
	require.Equal(t, b.Account(s.addr).Balance, fresh.Account(s.addr).Balance)
}

// With a transaction retention cap of K, mining block N prunes the
// transactions of block N-K-1 while its header survives.
func TestTransactionBlockKeeperPrunesOldTxIndex(t *testing.T) {
	b, s := setupBackend(t)
	b.cfg.TransactionBlockKeeper = 1
	recipient := common.HexToAddress("0xabc0000000000000000000000000000000000a")

	var txs []*gethtypes.Transaction
	for nonce := uint64(0); nonce < 3; nonce++ {
		tx := s.sign(t, gethtypes.NewTransaction(nonce, recipient, big.NewInt(1), 21000, big.NewInt(params.InitialBaseFee), nil), b.cfg.ChainID)
		require.NoError(t, b.SubmitTransaction(tx))
		_, err := b.Mine()
		require.NoError(t, err)
		txs = append(txs, tx)
	}

	// Head is block 3; block 1 (= 3 - 1 - 1) lost its tx entries.
	require.Nil(t, b.Transaction(txs[0].Hash()))
	require.NotNil(t, b.BlockByNumber(1))
	require.NotNil(t, b.Transaction(txs[1].Hash()))
	require.NotNil(t, b.Transaction(txs[2].Hash()))
}
