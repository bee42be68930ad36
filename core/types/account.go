package types

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// KeccakEmptyCode is the code hash of an account with no code.
var KeccakEmptyCode = crypto.Keccak256Hash(nil)

// Account is the dump/load view of a single account: balance, nonce,
// code hash plus the code itself when non-empty, and its storage slots.
// Invariant: if Code is non-empty, CodeHash == keccak256(Code); otherwise
// CodeHash == KeccakEmptyCode.
type Account struct {
	Balance  *uint256.Int                `json:"balance"`
	Nonce    uint64                      `json:"nonce"`
	CodeHash common.Hash                 `json:"codeHash"`
	Code     []byte                      `json:"code,omitempty"`
	Storage  map[common.Hash]common.Hash `json:"storage,omitempty"`
}

// NewEmptyAccount returns a zero-value account with the empty code hash,
// matching how a never-written address reads in the state database.
func NewEmptyAccount() *Account {
	return &Account{
		Balance:  uint256.NewInt(0),
		CodeHash: KeccakEmptyCode,
	}
}

// DumpAccount is the JSON shape of one account inside a state dump:
// storage keyed by hex slot rather than common.Hash so it round-trips
// through encoding/json without a custom marshaler on the map key type.
type DumpAccount struct {
	Balance string            `json:"balance"`
	Nonce   uint64            `json:"nonce"`
	Code    []byte            `json:"code,omitempty"`
	Storage map[string]string `json:"storage,omitempty"`
}
