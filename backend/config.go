package backend

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	"github.com/holiman/uint256"
)

// Config configures a Backend at construction: an exported-field struct
// literal, no builder, no framework.
type Config struct {
	ChainConfig *params.ChainConfig
	ChainID     *big.Int

	// GasLimit is the block gas limit new blocks are sealed with,
	// overridable at runtime via Backend.SetBlockGasLimit.
	GasLimit uint64

	// Coinbase is the beneficiary every mined block pays fees to.
	Coinbase common.Address

	// Genesis allocates initial account balances/code, keyed by address.
	Genesis map[common.Address]gethtypes.Account

	// GenesisTimestamp seeds the genesis header's Time field. Zero means
	// the chain starts at the unix epoch.
	GenesisTimestamp uint64

	// AutoMine, when true, mines a block immediately after each accepted
	// transaction rather than waiting for an explicit mine call.
	AutoMine bool

	// MinGasPrice floors the fee cap the validator accepts.
	MinGasPrice *uint256.Int

	// TransactionBlockKeeper caps how many recent blocks keep their
	// transactions resolvable by hash; once the chain grows past it, the
	// oldest block's tx-index entries are pruned while its header stays.
	// Zero retains everything.
	TransactionBlockKeeper uint64

	// Odyssey, when true, predeploys a fixed P256-signature delegation
	// contract and an experimental ERC20 at fixed addresses.
	Odyssey bool

	// HistoryCapacity bounds the in-memory LRU of historical state roots.
	HistoryCapacity int

	// HistoryDiskSpillDir, if non-empty, enables the pebble disk spill
	// for evicted historical states at this path.
	HistoryDiskSpillDir string

	// ForkURL and ForkBlock configure forking off a remote upstream;
	// ForkURL == "" means no fork. ForkBlock == 0 resolves to the
	// upstream's latest height at startup.
	ForkURL        string
	ForkBlock      uint64
	ForkCacheBytes int
}
