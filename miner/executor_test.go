package miner

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/consensus"
	"github.com/ethereum/go-ethereum/consensus/ethash"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/rawdb"
	gethstate "github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/tracing"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/crypto/kzg4844"
	"github.com/ethereum/go-ethereum/params"
	"github.com/ethereum/go-ethereum/triedb"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

// fakeChainContext is the minimal core.ChainContext a scratch EVM needs
// for BLOCKHASH lookups; it never actually backs a real chain.
type fakeChainContext struct{}

func (fakeChainContext) Engine() consensus.Engine { return ethash.NewFaker() }

func (fakeChainContext) GetHeader(hash common.Hash, number uint64) *gethtypes.Header {
	return &gethtypes.Header{Number: big.NewInt(int64(number)), ParentHash: hash, Time: 1000}
}

// TestEnvironmentCopy checks that copying an environment does not alias
// the original's mutable state.
func TestEnvironmentCopy(t *testing.T) {
	db := rawdb.NewMemoryDatabase()
	stateDB, err := gethstate.New(common.Hash{}, gethstate.NewDatabase(triedb.NewDatabase(db, nil), nil))
	require.NoError(t, err)

	cfg := params.AllEthashProtocolChanges

	original := &environment{
		signer:   gethtypes.LatestSignerForChainID(big.NewInt(1)),
		state:    stateDB,
		tcount:   10,
		coinbase: common.HexToAddress("0x1234567890123456789012345678901234567890"),
		header: &gethtypes.Header{
			Number:     big.NewInt(1),
			ParentHash: common.HexToHash("0x123"),
			Time:       1000,
			Difficulty: new(big.Int),
		},
		gasPool: new(core.GasPool).AddGas(1_000_000),
		blobs:   5,
	}
	original.txs = []*gethtypes.Transaction{
		gethtypes.NewTransaction(1, common.HexToAddress("0x1"), big.NewInt(100), 21000, big.NewInt(1), nil),
	}
	original.receipts = []*gethtypes.Receipt{
		{Status: gethtypes.ReceiptStatusSuccessful, CumulativeGasUsed: 21000, Logs: []*gethtypes.Log{}},
	}
	original.sidecars = []*gethtypes.BlobTxSidecar{
		{
			Blobs:       []kzg4844.Blob{{1, 2, 3}},
			Commitments: []kzg4844.Commitment{{4, 5, 6}},
			Proofs:      []kzg4844.Proof{{7, 8, 9}},
		},
	}
	blockCtx := core.NewEVMBlockContext(original.header, fakeChainContext{}, nil, cfg, original.state)
	original.evm = vm.NewEVM(blockCtx, original.state, cfg, vm.Config{})

	copied := original.copy(fakeChainContext{}, cfg)

	require.Equal(t, 0, copied.signer.ChainID().Cmp(original.signer.ChainID()))
	require.Equal(t, original.tcount, copied.tcount)
	require.Equal(t, original.coinbase, copied.coinbase)
	require.Equal(t, original.blobs, copied.blobs)
	require.Equal(t, 0, copied.header.Number.Cmp(original.header.Number))
	require.Equal(t, original.header.ParentHash, copied.header.ParentHash)
	require.Equal(t, original.gasPool.Gas(), copied.gasPool.Gas())
	require.Len(t, copied.txs, len(original.txs))
	require.Equal(t, original.txs[0].Hash(), copied.txs[0].Hash())
	require.Len(t, copied.sidecars, len(original.sidecars))
	require.Len(t, copied.sidecars[0].Blobs, len(original.sidecars[0].Blobs))

	// Mutating the copy's state must not affect the original's.
	copied.state.SetNonce(original.coinbase, 42, tracing.NonceChangeUnspecified)
	require.NotEqual(t, copied.state.GetNonce(original.coinbase), original.state.GetNonce(original.coinbase))
}

// TestExecutorMineSimpleTransfer exercises Mine end to end against a
// single funded account sending a legacy value transfer.
func TestExecutorMineSimpleTransfer(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	sender := crypto.PubkeyToAddress(key.PublicKey)
	recipient := common.HexToAddress("0xabc0000000000000000000000000000000000a")

	db := rawdb.NewMemoryDatabase()
	tdb := triedb.NewDatabase(db, nil)
	cache := gethstate.NewDatabase(tdb, nil)
	stateDB, err := gethstate.New(common.Hash{}, cache)
	require.NoError(t, err)

	stateDB.SetBalance(sender, uint256.NewInt(0).SetUint64(1_000_000_000_000_000_000), tracing.BalanceChangeUnspecified)

	cfg := params.AllEthashProtocolChanges
	header := &gethtypes.Header{
		Number:     big.NewInt(1),
		ParentHash: common.Hash{},
		Time:       1000,
		GasLimit:   8_000_000,
		Coinbase:   common.HexToAddress("0xc0ffee0000000000000000000000000000c0de"),
		BaseFee:    big.NewInt(1),
		Difficulty: new(big.Int),
	}

	signer := gethtypes.LatestSignerForChainID(cfg.ChainID)
	tx, err := gethtypes.SignTx(gethtypes.NewTransaction(0, recipient, big.NewInt(1000), 21000, big.NewInt(2), nil), signer, key)
	require.NoError(t, err)

	exec := New(cfg, fakeChainContext{})
	result, err := exec.Mine(header, stateDB, []*gethtypes.Transaction{tx}, nil)
	require.NoError(t, err)

	require.True(t, result.Included.Contains(tx.Hash()))
	require.Empty(t, result.Invalid)
	require.Len(t, result.Receipts, 1)
	require.Equal(t, gethtypes.ReceiptStatusSuccessful, result.Receipts[0].Status)
	require.Equal(t, uint64(1000), result.StateDB.GetBalance(recipient).Uint64())
}
