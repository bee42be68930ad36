package types

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Sentinel validation errors, compared with errors.Is the same way
// callers compare against core.ErrNonceTooLow and friends in
// go-ethereum's mining code.
var (
	ErrInvalidChainID            = errors.New("invalid chain id")
	ErrIncompatibleEIP155        = errors.New("legacy transaction missing EIP-155 chain id after Spurious Dragon")
	ErrGasTooLow                 = errors.New("intrinsic gas too low")
	ErrGasTooHigh                = errors.New("gas limit exceeds block gas limit")
	ErrNonceTooLow               = errors.New("nonce too low")
	ErrNonceTooHigh              = errors.New("nonce too high")
	ErrFeeCapTooLow              = errors.New("max fee per gas below block base fee")
	ErrTipAboveFeeCap            = errors.New("max priority fee per gas above max fee per gas")
	ErrBlobFeeCapTooLow          = errors.New("max fee per blob gas below block blob base fee")
	ErrNoBlobHashes              = errors.New("blob transaction missing blob hashes")
	ErrTooManyBlobs              = errors.New("blob transaction exceeds per-block blob limit")
	ErrBlobTransactionValidation = errors.New("blob transaction failed KZG validation")
	ErrInsufficientFunds         = errors.New("insufficient funds for gas * price + value")

	// ErrOutOfBlockGas classifies a transaction rejected because the
	// block being built has no gas budget left for it, a mining-time
	// condition rather than a property of the transaction itself.
	ErrOutOfBlockGas = errors.New("transaction exceeds remaining block gas")
)

// InvalidTransactionError wraps one of the sentinels above with the
// offending transaction hash, so mining can record the rejection without
// losing which rule fired.
type InvalidTransactionError struct {
	TxHash common.Hash
	Reason error
}

func (e *InvalidTransactionError) Error() string {
	return fmt.Sprintf("tx %s: %v", e.TxHash, e.Reason)
}

func (e *InvalidTransactionError) Unwrap() error { return e.Reason }

func NewInvalidTransactionError(hash common.Hash, reason error) *InvalidTransactionError {
	return &InvalidTransactionError{TxHash: hash, Reason: reason}
}

// ErrInvalidParams classifies a malformed cheat-op/command argument,
// e.g. a fork reset with neither a supplied nor a previously configured
// upstream URL.
var ErrInvalidParams = errors.New("invalid params")

// DataUnavailable classifies a query for state/history that is neither
// retained locally nor answerable by the fork upstream.
type DataUnavailable struct {
	What string
}

func (e *DataUnavailable) Error() string { return "data unavailable: " + e.What }

// ForkProviderError wraps a transport/JSON-RPC failure from the upstream
// remote during a fork-mode read.
type ForkProviderError struct {
	Op  string
	Err error
}

func (e *ForkProviderError) Error() string { return fmt.Sprintf("fork provider %s: %v", e.Op, e.Err) }

func (e *ForkProviderError) Unwrap() error { return e.Err }
