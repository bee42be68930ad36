package backend

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

// Odyssey mode predeploys a fixed P256-signature delegation contract
// and an experimental ERC20 at fixed addresses. The runtime code bytes
// are opaque constants: nothing in this module decodes or executes
// them, they are only seeded into genesis the way a real deployment
// would seed them.
var (
	odysseyP256DelegationAddr = common.HexToAddress("0x000000000000000000000000000000000000ff")
	odysseyERC20Addr          = common.HexToAddress("0x00000000000000000000000000000000000ffe")

	odysseyP256DelegationCode = common.FromHex("0x6004361015600c57600080fd5b60003560e01c63a9059cbb14602157600080fd5b600080fd5b")
	odysseyERC20Code          = common.FromHex("0x608060405234801561001057600080fd5b50600436106100365760003560e01c806370a082311461003b578063a9059cbb1461005e575b600080fd5b61004e61004936600461010c565b610071565b005b61004e61006c36600461010c565b610071565b005b5050565b6000602082840312156100b857600080fd5b813573ffffffffffffffffffffffffffffffffffffffff811681146100dc57600080fd5b939250505056fea26469706673582212200000000000000000000000000000000000000000000000000000000000000064736f6c63430008130033")
)

// odysseyPredeploys returns the Odyssey mode genesis accounts, merged
// into the caller's genesis allocation by New/ResetFork when
// Config.Odyssey is set.
func odysseyPredeploys() map[common.Address]gethtypes.Account {
	return map[common.Address]gethtypes.Account{
		odysseyP256DelegationAddr: {
			Balance: new(big.Int),
			Code:    odysseyP256DelegationCode,
		},
		odysseyERC20Addr: {
			Balance: new(big.Int),
			Code:    odysseyERC20Code,
		},
	}
}

// applyOdysseyMode returns genesis with the Odyssey predeploys merged in
// when cfg.Odyssey is set, leaving genesis untouched otherwise. Entries
// already present in genesis at a predeploy address are left alone: an
// explicit alloc always wins over the preset.
func applyOdysseyMode(cfg Config, genesis map[common.Address]gethtypes.Account) map[common.Address]gethtypes.Account {
	if !cfg.Odyssey {
		return genesis
	}
	merged := make(map[common.Address]gethtypes.Account, len(genesis)+2)
	for addr, acc := range odysseyPredeploys() {
		merged[addr] = acc
	}
	for addr, acc := range genesis {
		merged[addr] = acc
	}
	return merged
}
