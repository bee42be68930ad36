package state

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	d, err := New()
	require.NoError(t, err)
	return d
}

func TestGranularSettersDoNotClobber(t *testing.T) {
	d := newTestDB(t)
	addr := common.HexToAddress("0xaaaa")

	d.SetBalance(addr, uint256.NewInt(100))
	d.SetNonce(addr, 7)
	d.SetCode(addr, []byte{0x60, 0x00})
	d.SetStorageAt(addr, common.HexToHash("0x1"), common.HexToHash("0x2a"))

	acc := d.Account(addr)
	require.Equal(t, uint64(100), acc.Balance.Uint64())
	require.Equal(t, uint64(7), acc.Nonce)
	require.Equal(t, []byte{0x60, 0x00}, acc.Code)
	require.Equal(t, common.HexToHash("0x2a"), d.StorageAt(addr, common.HexToHash("0x1")))

	d.SetBalance(addr, uint256.NewInt(42))
	acc = d.Account(addr)
	require.Equal(t, uint64(42), acc.Balance.Uint64())
	require.Equal(t, uint64(7), acc.Nonce)
}

// Snapshot ids are dense and increasing, and reverting to one restores
// the committed root while forgetting that id and every later one.
func TestSnapshotStack(t *testing.T) {
	d := newTestDB(t)
	addr := common.HexToAddress("0xaaaa")

	d.SetBalance(addr, uint256.NewInt(1))
	_, err := d.Commit(1)
	require.NoError(t, err)

	id0 := d.Snapshot()
	require.Equal(t, uint64(0), id0)

	d.SetBalance(addr, uint256.NewInt(2))
	_, err = d.Commit(2)
	require.NoError(t, err)
	id1 := d.Snapshot()
	require.Equal(t, uint64(1), id1)

	require.NoError(t, d.RevertToSnapshot(id0))
	require.Equal(t, uint64(1), d.Account(addr).Balance.Uint64())

	// id0 and id1 were both forgotten by the revert: reverting to id1
	// fails, and the next snapshot hands out id0's number again.
	require.Error(t, d.RevertToSnapshot(id1))
	require.Equal(t, uint64(0), d.Snapshot())
}

func TestRevertToRootRestoresCommittedState(t *testing.T) {
	d := newTestDB(t)
	addr := common.HexToAddress("0xaaaa")

	d.SetBalance(addr, uint256.NewInt(1))
	root1, err := d.Commit(1)
	require.NoError(t, err)

	d.SetBalance(addr, uint256.NewInt(2))
	_, err = d.Commit(2)
	require.NoError(t, err)

	require.NoError(t, d.RevertToRoot(root1))
	require.Equal(t, uint64(1), d.Account(addr).Balance.Uint64())
}

func TestDumpAccountsWalksCommittedState(t *testing.T) {
	d := newTestDB(t)
	a := common.HexToAddress("0xaaaa")
	b := common.HexToAddress("0xbbbb")

	d.SetBalance(a, uint256.NewInt(5))
	d.SetStorageAt(a, common.HexToHash("0x1"), common.HexToHash("0x2a"))
	d.SetBalance(b, uint256.NewInt(9))
	_, err := d.Commit(1)
	require.NoError(t, err)

	dump := d.DumpAccounts()
	require.Len(t, dump, 2)
	require.Equal(t, "5", dump[a].Balance)
	require.Equal(t, "9", dump[b].Balance)
	require.Contains(t, dump[a].Storage, common.HexToHash("0x1").Hex())
}

// fakeRemote is a map-backed RemoteProvider standing in for an upstream
// chain in fork tests.
type fakeRemote struct {
	balances map[common.Address]*uint256.Int
	nonces   map[common.Address]uint64
	codes    map[common.Address][]byte
	storage  map[common.Address]map[common.Hash]common.Hash

	balanceCalls int
}

func (f *fakeRemote) BalanceAt(addr common.Address) (*uint256.Int, error) {
	f.balanceCalls++
	if bal, ok := f.balances[addr]; ok {
		return new(uint256.Int).Set(bal), nil
	}
	return uint256.NewInt(0), nil
}

func (f *fakeRemote) NonceAt(addr common.Address) (uint64, error) {
	return f.nonces[addr], nil
}

func (f *fakeRemote) CodeAt(addr common.Address) ([]byte, error) {
	return f.codes[addr], nil
}

func (f *fakeRemote) StorageAt(addr common.Address, slot common.Hash) (common.Hash, error) {
	return f.storage[addr][slot], nil
}

func TestForkedAccountReadFetchesAndCaches(t *testing.T) {
	d := newTestDB(t)
	addr := common.HexToAddress("0xcccc")
	remote := &fakeRemote{
		balances: map[common.Address]*uint256.Int{addr: uint256.NewInt(777)},
		nonces:   map[common.Address]uint64{addr: 3},
	}
	d.SetRemote(remote, 100)

	acc := d.Account(addr)
	require.Equal(t, uint64(777), acc.Balance.Uint64())
	require.Equal(t, uint64(3), acc.Nonce)

	// The second read answers from the local cache.
	calls := remote.balanceCalls
	_ = d.Account(addr)
	require.Equal(t, calls, remote.balanceCalls)
}

func TestForkDBLocalWriteShadowsRemote(t *testing.T) {
	d := newTestDB(t)
	addr := common.HexToAddress("0xcccc")
	remote := &fakeRemote{
		balances: map[common.Address]*uint256.Int{addr: uint256.NewInt(777)},
		storage: map[common.Address]map[common.Hash]common.Hash{
			addr: {common.HexToHash("0x1"): common.HexToHash("0x2a")},
		},
	}
	d.SetRemote(remote, 100)
	root, err := d.Commit(100)
	require.NoError(t, err)

	sdb, err := d.OpenForkAt(root)
	require.NoError(t, err)
	fdb, ok := sdb.(*ForkDB)
	require.True(t, ok)

	require.Equal(t, uint64(777), fdb.GetBalance(addr).Uint64())
	require.Equal(t, common.HexToHash("0x2a"), fdb.GetState(addr, common.HexToHash("0x1")))

	fdb.SetState(addr, common.HexToHash("0x1"), common.HexToHash("0xff"))
	require.Equal(t, common.HexToHash("0xff"), fdb.GetState(addr, common.HexToHash("0x1")))
}

// A local write of zero must keep shadowing the remote's nonzero value:
// clearing a slot is a write like any other, not an invitation to read
// upstream again.
func TestStorageAtZeroWriteShadowsRemote(t *testing.T) {
	d := newTestDB(t)
	addr := common.HexToAddress("0xcccc")
	slot := common.HexToHash("0x1")
	remote := &fakeRemote{
		storage: map[common.Address]map[common.Hash]common.Hash{
			addr: {slot: common.HexToHash("0x2a")},
		},
	}
	d.SetRemote(remote, 100)

	require.Equal(t, common.HexToHash("0x2a"), d.StorageAt(addr, slot))

	d.SetStorageAt(addr, slot, common.Hash{})
	require.Equal(t, common.Hash{}, d.StorageAt(addr, slot))

	// A slot zeroed before it was ever read stays zero too.
	other := common.HexToHash("0x2")
	remote.storage[addr][other] = common.HexToHash("0x99")
	d.SetStorageAt(addr, other, common.Hash{})
	require.Equal(t, common.Hash{}, d.StorageAt(addr, other))
}

func TestForkDBZeroWriteShadowsRemote(t *testing.T) {
	d := newTestDB(t)
	addr := common.HexToAddress("0xcccc")
	slot := common.HexToHash("0x1")
	remote := &fakeRemote{
		storage: map[common.Address]map[common.Hash]common.Hash{
			addr: {slot: common.HexToHash("0x2a")},
		},
	}
	d.SetRemote(remote, 100)
	root, err := d.Commit(100)
	require.NoError(t, err)

	sdb, err := d.OpenForkAt(root)
	require.NoError(t, err)
	fdb := sdb.(*ForkDB)

	require.Equal(t, common.HexToHash("0x2a"), fdb.GetState(addr, slot))
	fdb.SetState(addr, slot, common.Hash{})
	require.Equal(t, common.Hash{}, fdb.GetState(addr, slot))
}

func TestWarmStorageLoadsSlotIntoLiveState(t *testing.T) {
	d := newTestDB(t)
	addr := common.HexToAddress("0xcccc")
	remote := &fakeRemote{
		storage: map[common.Address]map[common.Hash]common.Hash{
			addr: {common.HexToHash("0x1"): common.HexToHash("0x2a")},
		},
	}
	d.SetRemote(remote, 100)

	d.WarmStorage(addr, common.HexToHash("0x1"))
	require.Equal(t, common.HexToHash("0x2a"), d.StateDB().GetState(addr, common.HexToHash("0x1")))
}
