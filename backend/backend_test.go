package backend

import (
	"crypto/ecdsa"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	devnettypes "github.com/ethdevnet/anvil/core/types"
)

// sender bundles a funded account's key and address, used by tests that
// need to submit signed transactions.
type sender struct {
	addr common.Address
	key  *ecdsa.PrivateKey
}

// setupBackend returns an unforked Backend with a single funded dev
// account, mirroring cmd/anvilgo's own genesis convention.
func setupBackend(t *testing.T) (*Backend, *sender) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey)

	cfg := Config{
		ChainConfig: params.AllEthashProtocolChanges,
		ChainID:     params.AllEthashProtocolChanges.ChainID,
		GasLimit:    8_000_000,
		MinGasPrice: uint256.NewInt(0),
		Genesis: map[common.Address]gethtypes.Account{
			addr: {Balance: new(big.Int).SetUint64(1_000_000_000_000_000_000)},
		},
	}
	b, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, b.Close()) })
	return b, &sender{addr: addr, key: key}
}

func (s *sender) sign(t *testing.T, tx *gethtypes.Transaction, chainID *big.Int) *gethtypes.Transaction {
	t.Helper()
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(chainID), s.key)
	require.NoError(t, err)
	return signed
}

// TestReorgRewindsAndRemines mines two blocks, then reorgs back to the
// first and remines the second height with a different transaction set.
func TestReorgRewindsAndRemines(t *testing.T) {
	b, s := setupBackend(t)
	recipient := common.HexToAddress("0xabc0000000000000000000000000000000000a")

	tx0 := s.sign(t, gethtypes.NewTransaction(0, recipient, big.NewInt(1), 21000, big.NewInt(params.InitialBaseFee), nil), b.cfg.ChainID)
	require.NoError(t, b.SubmitTransaction(tx0))
	blockA, err := b.Mine()
	require.NoError(t, err)

	tx1 := s.sign(t, gethtypes.NewTransaction(1, recipient, big.NewInt(2), 21000, big.NewInt(params.InitialBaseFee), nil), b.cfg.ChainID)
	require.NoError(t, b.SubmitTransaction(tx1))
	_, err = b.Mine()
	require.NoError(t, err)
	require.Equal(t, uint64(2), b.CurrentBlock().NumberU64())

	replacement := s.sign(t, gethtypes.NewTransaction(1, recipient, big.NewInt(5), 21000, big.NewInt(params.InitialBaseFee), nil), b.cfg.ChainID)
	blocks, err := b.Reorg(blockA.NumberU64(), [][]*gethtypes.Transaction{{replacement}})
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	require.Equal(t, blockA.NumberU64()+1, blocks[0].NumberU64())

	require.Nil(t, b.Transaction(tx1.Hash()))
	mt := b.Transaction(replacement.Hash())
	require.NotNil(t, mt)
	require.Equal(t, blocks[0].Hash(), mt.BlockHash)
}

// TestRevertToSnapshotDiscardsMinedBlocks mirrors evm_snapshot/evm_revert:
// taking a snapshot, mining past it, then reverting must both restore
// state and un-mine every block sealed after the snapshot.
func TestRevertToSnapshotDiscardsMinedBlocks(t *testing.T) {
	b, s := setupBackend(t)
	recipient := common.HexToAddress("0xabc0000000000000000000000000000000000a")

	id := b.Snapshot()

	tx := s.sign(t, gethtypes.NewTransaction(0, recipient, big.NewInt(1), 21000, big.NewInt(params.InitialBaseFee), nil), b.cfg.ChainID)
	require.NoError(t, b.SubmitTransaction(tx))
	_, err := b.Mine()
	require.NoError(t, err)
	require.Equal(t, uint64(1), b.CurrentBlock().NumberU64())

	require.NoError(t, b.RevertToSnapshot(id))
	require.Equal(t, uint64(0), b.CurrentBlock().NumberU64())
	require.Nil(t, b.Transaction(tx.Hash()))
}

func TestCallReadsWithoutMutatingLiveState(t *testing.T) {
	b, s := setupBackend(t)

	before := b.Account(s.addr)
	to := common.HexToAddress("0xabc0000000000000000000000000000000000a")
	res, err := b.Call(CallRequest{
		From:  s.addr,
		To:    &to,
		Value: big.NewInt(0),
		Gas:   100000,
	}, nil)
	require.NoError(t, err)
	require.Nil(t, res.VMErr)

	after := b.Account(s.addr)
	require.Equal(t, before.Balance.Uint64(), after.Balance.Uint64())
}

func TestAccountAtUnretainedHeightWithoutForkIsDataUnavailable(t *testing.T) {
	b, _ := setupBackend(t)
	missing := uint64(999)
	_, err := b.AccountAt(common.Address{}, &missing)
	require.Error(t, err)
	var dataErr *devnettypes.DataUnavailable
	require.ErrorAs(t, err, &dataErr)
}

// TestSimulateAdvancesNumberAndTimePerBlock checks Simulate's synthetic
// block progression and that it never touches the live chain.
func TestSimulateAdvancesNumberAndTimePerBlock(t *testing.T) {
	b, s := setupBackend(t)
	recipient := common.HexToAddress("0xabc0000000000000000000000000000000000a")

	payload := SimulatePayload{
		Blocks: []struct{ Calls []CallRequest }{
			{Calls: []CallRequest{{From: s.addr, To: &recipient, Value: big.NewInt(10), Gas: 21000}}},
			{Calls: []CallRequest{{From: s.addr, To: &recipient, Value: big.NewInt(20), Gas: 21000}}},
		},
	}
	out, err := b.Simulate(payload, nil)
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, out[0].Header.Number.Uint64()+1, out[1].Header.Number.Uint64())
	require.Equal(t, out[0].Header.Time+12, out[1].Header.Time)

	require.Equal(t, uint64(0), b.CurrentBlock().NumberU64())
}

// TestSetBalanceOverwritesOnlyBalance checks the granular setter leaves
// nonce/code untouched, unlike a full SetAccount replace.
func TestSetBalanceOverwritesOnlyBalance(t *testing.T) {
	b, s := setupBackend(t)

	b.SetNonce(s.addr, 7)
	b.SetCode(s.addr, []byte{0x60, 0x00})

	b.SetBalance(s.addr, uint256.NewInt(42))

	after := b.Account(s.addr)
	require.Equal(t, uint64(42), after.Balance.Uint64())
	require.Equal(t, uint64(7), after.Nonce)
	require.Equal(t, []byte{0x60, 0x00}, after.Code)
}

func TestSetStorageAtOverwritesSingleSlot(t *testing.T) {
	b, s := setupBackend(t)
	slot := common.HexToHash("0x1")
	value := common.HexToHash("0x2a")

	b.SetStorageAt(s.addr, slot, value)

	require.Equal(t, value, b.StorageAt(s.addr, slot))
}
