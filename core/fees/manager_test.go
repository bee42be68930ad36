package fees

import (
	"math/big"
	"testing"

	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	"github.com/stretchr/testify/require"
)

func TestNextBaseFeePreLondon(t *testing.T) {
	cfg := &params.ChainConfig{ChainID: big.NewInt(1)}
	m := NewManager(cfg)
	parent := &gethtypes.Header{Number: big.NewInt(1), GasUsed: 1000, GasLimit: 10000}
	require.Nil(t, m.NextBaseFee(parent, big.NewInt(2)))
}

func TestNextBaseFeeOverride(t *testing.T) {
	cfg := params.AllEthashProtocolChanges
	m := NewManager(cfg)
	m.SetBaseFeeOverride(big.NewInt(42))
	parent := &gethtypes.Header{Number: big.NewInt(1), BaseFee: big.NewInt(10), GasUsed: 0, GasLimit: 10_000_000}
	got := m.NextBaseFee(parent, big.NewInt(2))
	require.Equal(t, big.NewInt(42), got)

	m.ClearBaseFeeOverride()
	got = m.NextBaseFee(parent, big.NewInt(2))
	require.NotNil(t, got)
	require.NotEqual(t, big.NewInt(42), got)
}
