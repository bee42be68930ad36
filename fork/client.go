// Package fork talks to the upstream chain a devnet branched off from:
// a remote JSON-RPC client servicing lazy state reads and history
// passthroughs, with a singleflight-deduped, fastcache-backed cache in
// front so the same account or slot is never fetched twice. The wire
// transport is ethclient; nothing here hand-rolls a codec.
package fork

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/holiman/uint256"
	"golang.org/x/sync/singleflight"
)

// Client is a RemoteProvider (core/state.RemoteProvider) backed by a
// real upstream JSON-RPC endpoint, pinned at a fixed block number. The
// fork point never advances once the devnet has started; only an
// explicit reset re-pins it.
type Client struct {
	rpc       *ethclient.Client
	forkBlock uint64

	cache *fastcache.Cache
	group singleflight.Group
}

// Dial connects to the upstream endpoint (an HTTP(S) or WS JSON-RPC URL)
// and pins reads at forkBlock. cacheBytes sizes the in-process read
// cache.
func Dial(ctx context.Context, url string, forkBlock uint64, cacheBytes int) (*Client, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("fork: dial %s: %w", url, err)
	}
	return &Client{
		rpc:       client,
		forkBlock: forkBlock,
		cache:     fastcache.New(cacheBytes),
	}, nil
}

// Close releases the underlying RPC connection.
func (c *Client) Close() { c.rpc.Close() }

// LatestBlockNumber queries the upstream chain's current head height,
// used to resolve a fork request that named no explicit height.
func (c *Client) LatestBlockNumber(ctx context.Context) (uint64, error) {
	header, err := c.rpc.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("fork: LatestBlockNumber: %w", err)
	}
	return header.Number.Uint64(), nil
}

// ForkBlockNumber reports the upstream height this client is pinned at.
func (c *Client) ForkBlockNumber() uint64 { return c.forkBlock }

// PredatesFork reports whether num is strictly before the fork point.
func (c *Client) PredatesFork(num uint64) bool { return num < c.forkBlock }

// PredatesForkInclusive reports whether num is at or before the fork
// point.
func (c *Client) PredatesForkInclusive(num uint64) bool { return num <= c.forkBlock }

// BlockByNumber passes a full-block query through to the upstream chain,
// used for history strictly older than the local fork point.
func (c *Client) BlockByNumber(ctx context.Context, num uint64) (*gethtypes.Block, error) {
	block, err := c.rpc.BlockByNumber(ctx, blockNumberBig(num))
	if err != nil {
		return nil, fmt.Errorf("fork: BlockByNumber %d: %w", num, err)
	}
	return block, nil
}

// BlockByHash passes a full-block query through to the upstream chain.
func (c *Client) BlockByHash(ctx context.Context, hash common.Hash) (*gethtypes.Block, error) {
	block, err := c.rpc.BlockByHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("fork: BlockByHash %s: %w", hash, err)
	}
	return block, nil
}

// TransactionByHash passes a transaction lookup through to the upstream
// chain, used for transactions mined before the local fork point.
func (c *Client) TransactionByHash(ctx context.Context, hash common.Hash) (*gethtypes.Transaction, bool, error) {
	tx, pending, err := c.rpc.TransactionByHash(ctx, hash)
	if err != nil {
		return nil, false, fmt.Errorf("fork: TransactionByHash %s: %w", hash, err)
	}
	return tx, pending, nil
}

// TransactionReceipt passes a receipt lookup through to the upstream chain.
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	receipt, err := c.rpc.TransactionReceipt(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("fork: TransactionReceipt %s: %w", hash, err)
	}
	return receipt, nil
}

// Rebase re-pins the client at a new fork block after a fork reset. The
// read cache is dropped since entries are keyed by the old fork block
// and would otherwise never be reused.
func (c *Client) Rebase(forkBlock uint64) {
	c.forkBlock = forkBlock
	c.cache.Reset()
}

// FilterLogs passes a log filter through to the upstream chain, used
// for log queries over ranges predating the fork point.
func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error) {
	logs, err := c.rpc.FilterLogs(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("fork: FilterLogs: %w", err)
	}
	return logs, nil
}

// BlockReceipts fetches every receipt of the block at num from the
// upstream chain.
func (c *Client) BlockReceipts(ctx context.Context, num uint64) ([]*gethtypes.Receipt, error) {
	receipts, err := c.rpc.BlockReceipts(ctx, rpc.BlockNumberOrHashWithNumber(rpc.BlockNumber(num)))
	if err != nil {
		return nil, fmt.Errorf("fork: BlockReceipts %d: %w", num, err)
	}
	return receipts, nil
}

// DebugTraceTransaction passes a debug trace through to the upstream
// chain for transactions mined before the fork point; the result is the
// upstream tracer's raw JSON, forwarded untouched.
func (c *Client) DebugTraceTransaction(ctx context.Context, hash common.Hash, tracerName string) (json.RawMessage, error) {
	var result json.RawMessage
	var cfg any
	if tracerName != "" {
		cfg = map[string]string{"tracer": tracerName}
	}
	if err := c.rpc.Client().CallContext(ctx, &result, "debug_traceTransaction", hash, cfg); err != nil {
		return nil, fmt.Errorf("fork: DebugTraceTransaction %s: %w", hash, err)
	}
	return result, nil
}

func blockNumberBig(n uint64) *big.Int { return new(big.Int).SetUint64(n) }

func (c *Client) BalanceAt(addr common.Address) (*uint256.Int, error) {
	key := cacheKey("bal", addr, c.forkBlock)
	if v, ok := c.cache.HasGet(nil, key); ok {
		return new(uint256.Int).SetBytes(v), nil
	}
	v, err, _ := c.group.Do(string(key), func() (interface{}, error) {
		bal, err := c.rpc.BalanceAt(context.Background(), addr, blockNumberBig(c.forkBlock))
		if err != nil {
			return nil, err
		}
		u, overflow := uint256.FromBig(bal)
		if overflow {
			return nil, fmt.Errorf("fork: balance overflow for %s", addr)
		}
		return u, nil
	})
	if err != nil {
		return nil, fmt.Errorf("fork: BalanceAt %s: %w", addr, err)
	}
	u := v.(*uint256.Int)
	c.cache.Set(key, u.Bytes())
	return u, nil
}

func (c *Client) NonceAt(addr common.Address) (uint64, error) {
	key := cacheKey("nonce", addr, c.forkBlock)
	if v, ok := c.cache.HasGet(nil, key); ok && len(v) == 8 {
		return binary.BigEndian.Uint64(v), nil
	}
	v, err, _ := c.group.Do(string(key), func() (interface{}, error) {
		return c.rpc.NonceAt(context.Background(), addr, blockNumberBig(c.forkBlock))
	})
	if err != nil {
		return 0, fmt.Errorf("fork: NonceAt %s: %w", addr, err)
	}
	nonce := v.(uint64)
	c.cache.Set(key, binary.BigEndian.AppendUint64(nil, nonce))
	return nonce, nil
}

func (c *Client) CodeAt(addr common.Address) ([]byte, error) {
	key := cacheKey("code", addr, c.forkBlock)
	if v, ok := c.cache.HasGet(nil, key); ok {
		return v, nil
	}
	v, err, _ := c.group.Do(string(key), func() (interface{}, error) {
		return c.rpc.CodeAt(context.Background(), addr, blockNumberBig(c.forkBlock))
	})
	if err != nil {
		return nil, fmt.Errorf("fork: CodeAt %s: %w", addr, err)
	}
	code := v.([]byte)
	c.cache.Set(key, code)
	return code, nil
}

func (c *Client) StorageAt(addr common.Address, slot common.Hash) (common.Hash, error) {
	key := cacheKeySlot(addr, slot, c.forkBlock)
	if v, ok := c.cache.HasGet(nil, key); ok {
		return common.BytesToHash(v), nil
	}
	v, err, _ := c.group.Do(string(key), func() (interface{}, error) {
		return c.rpc.StorageAt(context.Background(), addr, slot, blockNumberBig(c.forkBlock))
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("fork: StorageAt %s/%s: %w", addr, slot, err)
	}
	raw := v.([]byte)
	c.cache.Set(key, raw)
	return common.BytesToHash(raw), nil
}

func cacheKey(kind string, addr common.Address, block uint64) []byte {
	buf := make([]byte, len(kind)+common.AddressLength+8)
	n := copy(buf, kind)
	n += copy(buf[n:], addr.Bytes())
	binary.BigEndian.PutUint64(buf[n:], block)
	return buf
}

func cacheKeySlot(addr common.Address, slot common.Hash, block uint64) []byte {
	buf := make([]byte, common.AddressLength+common.HashLength+8)
	n := copy(buf, addr.Bytes())
	n += copy(buf[n:], slot.Bytes())
	binary.BigEndian.PutUint64(buf[n:], block)
	return buf
}
