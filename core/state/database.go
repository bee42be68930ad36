// Package state implements the devnet's state database: a thin façade
// over go-ethereum's trie-backed state.StateDB that adds snapshot-stack
// semantics, dump/load views, and an optional remote fallback for forked
// chains on top of what the EVM's StateDB interface itself provides.
package state

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/rawdb"
	gethstate "github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/triedb"
	"github.com/holiman/uint256"

	devnettypes "github.com/ethdevnet/anvil/core/types"
)

// Database owns the live state.StateDB plus the snapshot stack backing
// the devnet's rollback/revert surface. It is not safe for concurrent
// use without the caller holding the backend's lock; the live StateDB
// is only ever touched from one mining goroutine at a time.
type Database struct {
	mu sync.Mutex

	diskdb ethdb.Database
	triedb *triedb.Database
	cache  gethstate.Database

	root common.Hash
	stdb *gethstate.StateDB

	// remote, when non-nil, services reads for addresses absent locally:
	// each is fetched at most once, cached into stdb, and shadowed by any
	// local write from then on. forkBlockNum is carried for log context;
	// the provider itself is already pinned at the fork block.
	remote       RemoteProvider
	forkBlockNum uint64

	// storageSeen marks slots resolved locally — written by a cheat op
	// or genesis/load, prefetched from the remote, or observed nonzero.
	// A marked slot is answered from local state even when it reads
	// zero, so clearing a slot locally shadows the remote's value.
	storageSeen map[common.Address]map[common.Hash]struct{}

	// snapshots holds one root per live snapshot id, in creation order.
	// Reverting forgets every id at and above the target, which is why
	// this is a slice rather than a map: ids are dense and monotonically
	// increasing.
	snapshots []common.Hash
	nextID    uint64
}

// New creates an empty in-memory state database rooted at the empty
// trie: a memory ethdb, a triedb.Database over it, then state.New.
// Preimages are recorded so a full-state dump can resolve trie keys
// back to addresses.
func New() (*Database, error) {
	diskdb := rawdb.NewMemoryDatabase()
	tdb := triedb.NewDatabase(diskdb, &triedb.Config{Preimages: true})
	cache := gethstate.NewDatabase(tdb, nil)
	stdb, err := gethstate.New(common.Hash{}, cache)
	if err != nil {
		return nil, fmt.Errorf("state: open empty trie: %w", err)
	}
	return &Database{
		diskdb:      diskdb,
		triedb:      tdb,
		cache:       cache,
		stdb:        stdb,
		storageSeen: make(map[common.Address]map[common.Hash]struct{}),
	}, nil
}

// SetRemote wires a RemoteProvider into the Database, making
// Account/WarmAddress/WarmStorage and OpenForkAt fall through to it for
// any address not present locally. Called once at construction when a
// fork upstream is configured; left nil for a plain in-memory backend.
func (d *Database) SetRemote(remote RemoteProvider, forkBlockNum uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.remote = remote
	d.forkBlockNum = forkBlockNum
}

// StateDB returns the live *state.StateDB for the executor to drive
// transactions against. Callers must not retain it across a Commit/
// RevertToSnapshot on the Database, since those swap it out wholesale.
func (d *Database) StateDB() *gethstate.StateDB {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stdb
}

// Root returns the last-committed state root.
func (d *Database) Root() common.Hash {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.root
}

// Commit finalizes the pending changes in the live StateDB, advances the
// root, and opens a fresh StateDB on top of it.
func (d *Database) Commit(blockNum uint64) (common.Hash, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	root, err := d.stdb.Commit(blockNum, true, false)
	if err != nil {
		return common.Hash{}, fmt.Errorf("state: commit block %d: %w", blockNum, err)
	}
	stdb, err := gethstate.New(root, d.cache)
	if err != nil {
		return common.Hash{}, fmt.Errorf("state: reopen at %s: %w", root, err)
	}
	d.root = root
	d.stdb = stdb
	return root, nil
}

// RevertToRoot reopens the live StateDB at an arbitrary previously
// committed root, used by rollback to restore the state as of a retained
// historical block rather than a snapshot-stack id.
func (d *Database) RevertToRoot(root common.Hash) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	stdb, err := gethstate.New(root, d.cache)
	if err != nil {
		return fmt.Errorf("state: reopen at %s: %w", root, err)
	}
	d.root = root
	d.stdb = stdb
	d.snapshots = nil
	d.nextID = 0
	// Local-resolution marks may describe writes the rewind just undid;
	// dropping them lets an unwritten slot fall back to the remote again.
	d.storageSeen = make(map[common.Address]map[common.Hash]struct{})
	return nil
}

// OpenAt returns a fresh, independent *state.StateDB rooted at root,
// sharing the underlying trie cache but not the live d.stdb — used for
// scratch executions against a past or current state without disturbing
// the mining head.
func (d *Database) OpenAt(root common.Hash) (*gethstate.StateDB, error) {
	d.mu.Lock()
	cache := d.cache
	d.mu.Unlock()
	return gethstate.New(root, cache)
}

// OpenForkAt is OpenAt wrapped in a ForkDB when a RemoteProvider is
// configured, returned as vm.StateDB so scratch call/simulate executions
// drive the EVM against an account/storage view that falls through to
// the upstream on a miss — core.ApplyMessage takes the EVM's statedb
// purely through the vm.StateDB interface, so the wrapping is
// transparent to the caller. A plain (unforked) Database returns the
// same *state.StateDB OpenAt would.
func (d *Database) OpenForkAt(root common.Hash) (vm.StateDB, error) {
	d.mu.Lock()
	cache := d.cache
	remote := d.remote
	forkBlockNum := d.forkBlockNum
	d.mu.Unlock()

	stdb, err := gethstate.New(root, cache)
	if err != nil {
		return nil, err
	}
	if remote == nil {
		return stdb, nil
	}
	return NewForkDB(stdb, remote, forkBlockNum), nil
}

// WarmAddress ensures addr is present in the live StateDB, fetching it
// from the remote on a miss. Used to prefetch the accounts a pending
// transaction is known to touch (sender, recipient, access-list
// entries) before core.ApplyTransaction runs — that call takes a
// concrete *state.StateDB, so a ForkDB wrapper can't sit underneath it
// the way OpenForkAt's vm.StateDB can for call/simulate; prefetching the
// addresses a transaction declares up front is the mining-time
// substitute. Addresses a contract call discovers dynamically
// mid-execution (an arbitrary CALL target not in the access list) are
// not covered by this prefetch; see DESIGN.md.
func (d *Database) WarmAddress(addr common.Address) {
	d.mu.Lock()
	stdb := d.stdb
	remote := d.remote
	d.mu.Unlock()

	if remote == nil || stdb.Exist(addr) {
		return
	}
	warmAccount(stdb, remote, addr)
}

// WarmStorage ensures addr/slot is present in the live StateDB, fetching
// it from the remote on a miss. See WarmAddress for why this exists
// alongside OpenForkAt.
func (d *Database) WarmStorage(addr common.Address, slot common.Hash) {
	d.mu.Lock()
	stdb := d.stdb
	remote := d.remote
	d.mu.Unlock()

	if remote == nil {
		return
	}
	if !stdb.Exist(addr) {
		warmAccount(stdb, remote, addr)
	}
	if v := stdb.GetState(addr, slot); v != (common.Hash{}) {
		return
	}
	val, err := remote.StorageAt(addr, slot)
	if err != nil {
		log.Warn("state: storage warm failed", "addr", addr, "slot", slot, "err", err)
		return
	}
	if val != (common.Hash{}) {
		stdb.SetState(addr, slot, val)
	}
	d.markStorageSeen(addr, slot)
}

// Snapshot records a rollback point and returns its id. Ids are strictly
// increasing, and reverting to one forgets it and every snapshot taken
// after it, so the next Snapshot hands out that id again.
func (d *Database) Snapshot() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.nextID
	d.nextID++
	d.snapshots = append(d.snapshots, d.root)
	log.Debug("state snapshot taken", "id", id, "root", d.root)
	return id
}

// RevertToSnapshot restores state to the root captured at id, discarding
// id itself and every later snapshot. Reverting to an id that was never taken, or was
// already discarded, is an error.
func (d *Database) RevertToSnapshot(id uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if id >= uint64(len(d.snapshots)) {
		return fmt.Errorf("state: unknown snapshot %d", id)
	}
	root := d.snapshots[id]
	d.snapshots = d.snapshots[:id]
	d.nextID = id

	stdb, err := gethstate.New(root, d.cache)
	if err != nil {
		return fmt.Errorf("state: reopen snapshot %d at %s: %w", id, root, err)
	}
	d.root = root
	d.stdb = stdb
	d.storageSeen = make(map[common.Address]map[common.Hash]struct{})
	log.Debug("state reverted", "id", id, "root", root)
	return nil
}

// Account reads addr's balance/nonce/code at the live state, used for
// RPC-style account inspection. For a forked Database, an
// address never touched locally is fetched from the remote and cached
// before being read, so the answer matches the upstream account at the
// fork block regardless of how far local mining has advanced. A plain
// in-memory Database returns a zero-value account for an address that
// has never been touched, matching state.StateDB's own semantics for
// unknown addresses. Storage is not enumerated here; use StorageAt for
// individual slots or DumpAccounts for the whole trie.
func (d *Database) Account(addr common.Address) *devnettypes.Account {
	d.mu.Lock()
	stdb := d.stdb
	remote := d.remote
	d.mu.Unlock()

	if remote != nil && !stdb.Exist(addr) {
		warmAccount(stdb, remote, addr)
	}

	acc := devnettypes.NewEmptyAccount()
	if !stdb.Exist(addr) {
		return acc
	}
	bal := stdb.GetBalance(addr)
	acc.Balance = new(uint256.Int).Set(bal)
	acc.Nonce = stdb.GetNonce(addr)
	acc.CodeHash = common.BytesToHash(stdb.GetCodeHash(addr).Bytes())
	if code := stdb.GetCode(addr); len(code) > 0 {
		acc.Code = code
	}
	return acc
}

// StorageAt reads a single storage slot at the live state, with the
// same remote fallback behavior as Account. A slot that has ever been
// resolved locally — written by a cheat op, prefetched, or previously
// read — is answered from local state even when it holds zero, so a
// local clear shadows the remote's value instead of being overridden by
// it.
func (d *Database) StorageAt(addr common.Address, slot common.Hash) common.Hash {
	d.mu.Lock()
	stdb := d.stdb
	remote := d.remote
	_, seen := d.storageSeen[addr][slot]
	d.mu.Unlock()

	if seen || remote == nil {
		return stdb.GetState(addr, slot)
	}
	if v := stdb.GetState(addr, slot); v != (common.Hash{}) {
		d.markStorageSeen(addr, slot)
		return v
	}
	val, err := remote.StorageAt(addr, slot)
	if err != nil {
		log.Warn("state: remote storage read failed", "addr", addr, "slot", slot, "err", err)
		return common.Hash{}
	}
	if val != (common.Hash{}) {
		stdb.SetState(addr, slot, val)
	}
	d.markStorageSeen(addr, slot)
	return val
}

func (d *Database) markStorageSeen(addr common.Address, slot common.Hash) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.storageSeen[addr] == nil {
		d.storageSeen[addr] = make(map[common.Hash]struct{})
	}
	d.storageSeen[addr][slot] = struct{}{}
}

// DumpAccounts walks the committed state trie and returns every account
// with its full storage, the raw material for a state dump. Only
// committed state is visible; callers flush pending writes with Commit
// first.
func (d *Database) DumpAccounts() map[common.Address]devnettypes.DumpAccount {
	d.mu.Lock()
	stdb := d.stdb
	d.mu.Unlock()

	raw := stdb.RawDump(&gethstate.DumpConfig{})
	out := make(map[common.Address]devnettypes.DumpAccount, len(raw.Accounts))
	for addr, acc := range raw.Accounts {
		da := devnettypes.DumpAccount{
			Balance: acc.Balance,
			Nonce:   acc.Nonce,
			Code:    acc.Code,
		}
		if len(acc.Storage) > 0 {
			da.Storage = make(map[string]string, len(acc.Storage))
			for slot, val := range acc.Storage {
				da.Storage[slot.Hex()] = val
			}
		}
		out[common.HexToAddress(addr)] = da
	}
	return out
}

// SetBalance overwrites addr's balance, leaving nonce/code/storage
// untouched — the granular form of SetAccount the set-balance cheat
// uses, so setting one field of an account never clobbers the rest.
func (d *Database) SetBalance(addr common.Address, balance *uint256.Int) {
	d.mu.Lock()
	stdb := d.stdb
	d.mu.Unlock()
	stdb.SetBalance(addr, balance, tracing.BalanceChangeUnspecified)
}

// SetNonce overwrites addr's nonce.
func (d *Database) SetNonce(addr common.Address, nonce uint64) {
	d.mu.Lock()
	stdb := d.stdb
	d.mu.Unlock()
	stdb.SetNonce(addr, nonce, tracing.NonceChangeUnspecified)
}

// SetCode overwrites addr's code.
func (d *Database) SetCode(addr common.Address, code []byte) {
	d.mu.Lock()
	stdb := d.stdb
	d.mu.Unlock()
	stdb.SetCode(addr, code, tracing.CodeChangeUnspecified)
}

// SetStorageAt overwrites a single storage slot of addr. The slot is
// recorded as locally resolved so a zero write shadows any remote value.
func (d *Database) SetStorageAt(addr common.Address, slot, value common.Hash) {
	d.mu.Lock()
	stdb := d.stdb
	d.mu.Unlock()
	stdb.SetState(addr, slot, value)
	d.markStorageSeen(addr, slot)
}

// SetAccount writes an account view, used by genesis allocation and
// state load. Balance and nonce are always overwritten; code is written
// only when acc carries some, and only the slots listed in acc.Storage
// are written, so existing code and other slots are left in place.
func (d *Database) SetAccount(addr common.Address, acc *devnettypes.Account) {
	d.mu.Lock()
	stdb := d.stdb
	d.mu.Unlock()

	stdb.SetBalance(addr, acc.Balance, tracing.BalanceChangeUnspecified)
	stdb.SetNonce(addr, acc.Nonce, tracing.NonceChangeUnspecified)
	if len(acc.Code) > 0 {
		stdb.SetCode(addr, acc.Code, tracing.CodeChangeUnspecified)
	}
	for k, v := range acc.Storage {
		stdb.SetState(addr, k, v)
		d.markStorageSeen(addr, k)
	}
}
