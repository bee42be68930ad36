package backend

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

// SimulatedCall is one call within a synthetic block submitted to
// Simulate.
type SimulatedCall struct {
	Request CallRequest
	Result  *CallResult
}

// SimulatedBlock is one synthetic block Simulate produced: the header it
// built and the calls executed against it, in order.
type SimulatedBlock struct {
	Header *gethtypes.Header
	Calls  []SimulatedCall
}

// SimulatePayload is a sequence of synthetic blocks, each containing an
// ordered batch of calls.
type SimulatePayload struct {
	Blocks []struct {
		Calls []CallRequest
	}
	// Validation, when false, zeroes the base fee and disables the
	// base-fee check for every call in the payload.
	Validation bool
	// TraceTransfers, when set, has Simulate synthesize a log for every
	// plain value transfer among the payload's calls and add it to the
	// scratch state; the returned SimulatedBlock and SimulatedCall values
	// carry no logs.
	TraceTransfers bool
}

// Simulate executes payload as a sequence of scratch blocks stacked on
// top of blockNum (nil for the current head), never touching the live
// state database or chain store. Between synthetic blocks, number
// advances by 1 and timestamp by 12 seconds, and the base fee is
// recomputed from the prior synthetic header exactly as it would be for
// a real mined block.
func (b *Backend) Simulate(payload SimulatePayload, blockNum *uint64) ([]*SimulatedBlock, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	stdb, header, err := b.scratchStateAtLocked(blockNum)
	if err != nil {
		return nil, err
	}

	noBaseFee := !payload.Validation
	cur := gethtypes.CopyHeader(header)
	out := make([]*SimulatedBlock, 0, len(payload.Blocks))

	for _, synth := range payload.Blocks {
		next := &gethtypes.Header{
			ParentHash: cur.Hash(),
			Number:     new(big.Int).Add(cur.Number, common.Big1),
			Time:       cur.Time + 12,
			GasLimit:   cur.GasLimit,
			Coinbase:   cur.Coinbase,
			Difficulty: new(big.Int),
			MixDigest:  cur.MixDigest,
		}
		if cur.BaseFee != nil {
			next.BaseFee = b.fees.NextBaseFee(cur, next.Number)
		}
		if noBaseFee {
			next.BaseFee = big.NewInt(0)
		}

		block := &SimulatedBlock{Header: next}
		for _, req := range synth.Calls {
			res, err := b.runCall(stdb, next, req, noBaseFee)
			if err != nil {
				return nil, fmt.Errorf("backend: simulate block %d: %w", next.Number, err)
			}
			next.GasUsed += res.UsedGas
			if payload.TraceTransfers && req.Value != nil && req.Value.Sign() > 0 && len(req.Data) == 0 {
				stdb.AddLog(transferLog(req, next.Number.Uint64()))
			}
			block.Calls = append(block.Calls, SimulatedCall{Request: req, Result: res})
		}
		out = append(out, block)
		cur = next
	}
	return out, nil
}

// transferLog synthesizes a Transfer(address,address,uint256)-shaped log
// entry for a plain value transfer, laid out like an ERC20 Transfer
// event.
func transferLog(req CallRequest, blockNumber uint64) *gethtypes.Log {
	topics := []common.Hash{transferEventSignature, addressTopic(req.From)}
	if req.To != nil {
		topics = append(topics, addressTopic(*req.To))
	}
	data := make([]byte, 32)
	req.Value.FillBytes(data)
	return &gethtypes.Log{
		Topics:      topics,
		Data:        data,
		BlockNumber: blockNumber,
	}
}

func addressTopic(addr common.Address) common.Hash {
	var h common.Hash
	copy(h[12:], addr.Bytes())
	return h
}

var transferEventSignature = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")
