package backend

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

// fakeRemote is a map-backed state.RemoteProvider standing in for an
// upstream chain, so fork-routing paths can be exercised without a
// network endpoint.
type fakeRemote struct {
	balances map[common.Address]*uint256.Int
	nonces   map[common.Address]uint64
	codes    map[common.Address][]byte
	storage  map[common.Address]map[common.Hash]common.Hash
}

func (f *fakeRemote) BalanceAt(addr common.Address) (*uint256.Int, error) {
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

// An address known only to the fork upstream must resolve to the
// upstream's account at every retained local height, not just the live
// head: mining past the fork point must not make historical reads of
// untouched addresses go empty.
func TestAccountAtHistoricalHeightFallsThroughToFork(t *testing.T) {
	b, _ := setupBackend(t)
	remoteOnly := common.HexToAddress("0xfacefacefacefacefacefacefacefacefaceface")
	b.state.SetRemote(&fakeRemote{
		balances: map[common.Address]*uint256.Int{remoteOnly: uint256.NewInt(987)},
		nonces:   map[common.Address]uint64{remoteOnly: 4},
	}, 0)

	_, err := b.Mine()
	require.NoError(t, err)
	_, err = b.Mine()
	require.NoError(t, err)

	height := uint64(1)
	acc, err := b.AccountAt(remoteOnly, &height)
	require.NoError(t, err)
	require.Equal(t, uint64(987), acc.Balance.Uint64())
	require.Equal(t, uint64(4), acc.Nonce)

	// The live head answers identically.
	live, err := b.AccountAt(remoteOnly, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(987), live.Balance.Uint64())
}
