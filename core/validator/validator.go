// Package validator implements pre-flight transaction checks run before
// the executor ever hands a candidate to the EVM, mirroring the
// nonce/balance/fee-cap ordering of go-ethereum's state-transition
// preCheck and txpool validation but classified through this module's
// own sentinel error set.
package validator

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto/kzg4844"

	devnettypes "github.com/ethdevnet/anvil/core/types"
)

// Context bundles everything the Validator needs about a candidate
// transaction's surrounding block, so its rules don't need the Backend's
// full orchestration surface.
type Context struct {
	Env           *devnettypes.Env
	SenderBalance *big.Int
	SenderNonce   uint64
	// Impersonated skips the signature-derived rules (nonce floor), the
	// devnet's "act as any address" developer mode.
	Impersonated bool
	MinGasPrice  *big.Int
	// MaxBlobsPerBlock caps a blob transaction's blob count; zero means
	// the chain has no blob support at this height.
	MaxBlobsPerBlock int
}

// Validate runs every applicable rule against tx and returns the first
// violation found, wrapped in InvalidTransactionError with tx's hash, or
// nil if tx may proceed. Order: chain id, then gas bounds, then nonce,
// then fee-cap/tip ordering, then blob rules, then balance —
// cheapest/most-specific checks first.
func Validate(tx *gethtypes.Transaction, ctx *Context) error {
	hash := tx.Hash()
	wrap := func(reason error) error { return devnettypes.NewInvalidTransactionError(hash, reason) }

	if tx.Type() == gethtypes.LegacyTxType && !tx.Protected() {
		// An unprotected legacy transaction carries no chain id at all;
		// once EIP-155 is in force it is replayable across chains and
		// gets its own rejection class rather than a generic mismatch.
		// Impersonated senders bypass signature rules entirely.
		if !ctx.Impersonated && ctx.Env.SpecID.AtLeast(devnettypes.SpuriousDragon) {
			return wrap(devnettypes.ErrIncompatibleEIP155)
		}
	} else if id := tx.ChainId(); id != nil && id.Sign() != 0 && ctx.Env.ChainID.Cmp(id) != 0 {
		return wrap(devnettypes.ErrInvalidChainID)
	}

	if tx.Gas() < minimumTxGas {
		return wrap(devnettypes.ErrGasTooLow)
	}
	if tx.Gas() > ctx.Env.Block.GasLimit {
		return wrap(devnettypes.ErrGasTooHigh)
	}

	if !ctx.Impersonated && tx.Type() != gethtypes.DepositTxType && tx.Nonce() < ctx.SenderNonce {
		return wrap(devnettypes.ErrNonceTooLow)
	}

	if tx.Type() != gethtypes.DepositTxType {
		// GasFeeCap doubles as the gas price for legacy/access-list
		// transactions, so the base-fee floor applies uniformly.
		if ctx.Env.Block.BaseFee != nil && tx.GasFeeCapIntCmp(ctx.Env.Block.BaseFee) < 0 {
			return wrap(devnettypes.ErrFeeCapTooLow)
		}
		if tx.Type() >= gethtypes.DynamicFeeTxType && tx.GasTipCapIntCmp(tx.GasFeeCap()) > 0 {
			return wrap(devnettypes.ErrTipAboveFeeCap)
		}
		if ctx.MinGasPrice != nil && tx.GasFeeCapIntCmp(ctx.MinGasPrice) < 0 {
			return wrap(devnettypes.ErrFeeCapTooLow)
		}
	}

	if tx.Type() == gethtypes.BlobTxType {
		if ctx.Env.Block.BlobExcessGasAndPrice == nil {
			return wrap(devnettypes.ErrNoBlobHashes)
		}
		if tx.BlobGasFeeCapIntCmp(ctx.Env.Block.BlobExcessGasAndPrice.BlobGasPrice) < 0 {
			return wrap(devnettypes.ErrBlobFeeCapTooLow)
		}
		hashes := tx.BlobHashes()
		if len(hashes) == 0 {
			return wrap(devnettypes.ErrNoBlobHashes)
		}
		if ctx.MaxBlobsPerBlock > 0 && len(hashes) > ctx.MaxBlobsPerBlock {
			return wrap(devnettypes.ErrTooManyBlobs)
		}
		if !ctx.Impersonated {
			if err := validateBlobSidecar(tx, hashes); err != nil {
				return wrap(fmt.Errorf("%w: %v", devnettypes.ErrBlobTransactionValidation, err))
			}
		}
	}

	if tx.Type() == gethtypes.DepositTxType {
		// Deposit gas is prepaid on the settlement layer and never
		// charged again locally, so the only local debit is value; the
		// mint credits the sender before the debit is checked.
		mint := tx.Mint()
		if mint == nil {
			mint = new(big.Int)
		}
		effectiveBalance := new(big.Int).Add(ctx.SenderBalance, mint)
		if effectiveBalance.Cmp(tx.Value()) < 0 {
			return wrap(devnettypes.ErrInsufficientFunds)
		}
	} else if cost := tx.Cost(); ctx.SenderBalance.Cmp(cost) < 0 {
		return wrap(devnettypes.ErrInsufficientFunds)
	}

	return nil
}

// ValidateForInclusion applies the stricter nonce-ceiling rule reserved
// for the moment a transaction is actually about to be applied, not when
// it is merely queued: a future-nonce transaction may legitimately sit
// in the pool waiting for an earlier one to land, but the transaction
// chosen for inclusion in a block must match the sender's nonce exactly.
// senderNonce is read fresh from the executing state, so this also
// catches a nonce that became stale between pooling and inclusion.
func ValidateForInclusion(tx *gethtypes.Transaction, senderNonce uint64) error {
	if tx.Type() == gethtypes.DepositTxType {
		return nil
	}
	if tx.Nonce() > senderNonce {
		return devnettypes.NewInvalidTransactionError(tx.Hash(), devnettypes.ErrNonceTooHigh)
	}
	if tx.Nonce() < senderNonce {
		return devnettypes.NewInvalidTransactionError(tx.Hash(), devnettypes.ErrNonceTooLow)
	}
	return nil
}

// validateBlobSidecar checks a blob transaction's sidecar against its
// versioned hashes: each commitment must hash to the declared versioned
// hash and each KZG proof must verify against its blob and commitment.
func validateBlobSidecar(tx *gethtypes.Transaction, hashes []common.Hash) error {
	sidecar := tx.BlobTxSidecar()
	if sidecar == nil {
		return errors.New("missing sidecar")
	}
	if len(sidecar.Blobs) != len(hashes) || len(sidecar.Commitments) != len(hashes) || len(sidecar.Proofs) != len(hashes) {
		return fmt.Errorf("sidecar carries %d blobs, %d commitments, %d proofs for %d hashes",
			len(sidecar.Blobs), len(sidecar.Commitments), len(sidecar.Proofs), len(hashes))
	}
	hasher := sha256.New()
	for i := range hashes {
		if kzg4844.CalcBlobHashV1(hasher, &sidecar.Commitments[i]) != hashes[i] {
			return fmt.Errorf("commitment %d does not match versioned hash", i)
		}
		if err := kzg4844.VerifyBlobProof(&sidecar.Blobs[i], sidecar.Commitments[i], sidecar.Proofs[i]); err != nil {
			return fmt.Errorf("blob %d: %w", i, err)
		}
	}
	return nil
}

// minimumTxGas is the base intrinsic gas floor. A full IntrinsicGas
// recompute (access lists, calldata zero/non-zero bytes, authorization
// lists) is the executor's job once the tx is actually being applied;
// this rule only rejects transactions that couldn't possibly pay for
// themselves.
const minimumTxGas = 21000
