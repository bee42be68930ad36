package backend

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	"github.com/stretchr/testify/require"
)

// structLogResult is the struct logger's JSON shape, trimmed to the
// fields the tests assert on.
type structLogResult struct {
	Gas        uint64 `json:"gas"`
	Failed     bool   `json:"failed"`
	StructLogs []any  `json:"structLogs"`
}

func TestTraceTransactionStructLogger(t *testing.T) {
	b, s := setupBackend(t)
	recipient := common.HexToAddress("0xabc0000000000000000000000000000000000a")

	tx := s.sign(t, gethtypes.NewTransaction(0, recipient, big.NewInt(1000), 21000, big.NewInt(params.InitialBaseFee), nil), b.cfg.ChainID)
	require.NoError(t, b.SubmitTransaction(tx))
	_, err := b.Mine()
	require.NoError(t, err)

	raw, err := b.TraceTransaction(tx.Hash(), TraceConfig{})
	require.NoError(t, err)

	var res structLogResult
	require.NoError(t, json.Unmarshal(raw, &res))
	require.False(t, res.Failed)
	require.Equal(t, uint64(21000), res.Gas)
	// A plain transfer executes no opcodes.
	require.Empty(t, res.StructLogs)
}

func TestTraceTransactionCallTracer(t *testing.T) {
	b, s := setupBackend(t)
	recipient := common.HexToAddress("0xabc0000000000000000000000000000000000a")

	tx := s.sign(t, gethtypes.NewTransaction(0, recipient, big.NewInt(1000), 21000, big.NewInt(params.InitialBaseFee), nil), b.cfg.ChainID)
	require.NoError(t, b.SubmitTransaction(tx))
	_, err := b.Mine()
	require.NoError(t, err)

	raw, err := b.TraceTransaction(tx.Hash(), TraceConfig{Tracer: "callTracer"})
	require.NoError(t, err)

	var frame struct {
		Type string         `json:"type"`
		From common.Address `json:"from"`
		To   common.Address `json:"to"`
	}
	require.NoError(t, json.Unmarshal(raw, &frame))
	require.Equal(t, "CALL", frame.Type)
	require.Equal(t, s.addr, frame.From)
	require.Equal(t, recipient, frame.To)
}

func TestTraceTransactionUnknownHashWithoutFork(t *testing.T) {
	b, _ := setupBackend(t)
	_, err := b.TraceTransaction(common.HexToHash("0xdead"), TraceConfig{})
	require.Error(t, err)
}

func TestTraceCallStructLogger(t *testing.T) {
	b, s := setupBackend(t)
	recipient := common.HexToAddress("0xabc0000000000000000000000000000000000a")

	raw, err := b.TraceCall(CallRequest{
		From:  s.addr,
		To:    &recipient,
		Value: big.NewInt(1),
		Gas:   50000,
	}, nil, TraceConfig{})
	require.NoError(t, err)

	var res structLogResult
	require.NoError(t, json.Unmarshal(raw, &res))
	require.False(t, res.Failed)
}

func TestCreateAccessListForPlainTransfer(t *testing.T) {
	b, s := setupBackend(t)
	recipient := common.HexToAddress("0xabc0000000000000000000000000000000000a")

	acl, gasUsed, err := b.CreateAccessList(CallRequest{
		From:  s.addr,
		To:    &recipient,
		Value: big.NewInt(1),
		Gas:   50000,
	}, nil)
	require.NoError(t, err)
	require.Empty(t, acl)
	require.Equal(t, uint64(21000), gasUsed)
}
