package state

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	gethstate "github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"
)

// RemoteProvider is the minimal read surface ForkDB needs from an
// upstream chain: account basics and storage slots as of a fixed block
// number. fork.Client implements this over ethclient/rpc; tests use a
// map-backed fake.
type RemoteProvider interface {
	BalanceAt(addr common.Address) (*uint256.Int, error)
	NonceAt(addr common.Address) (uint64, error)
	CodeAt(addr common.Address) ([]byte, error)
	StorageAt(addr common.Address, slot common.Hash) (common.Hash, error)
}

// ForkDB embeds the live *state.StateDB and shadows only the read paths
// that need a "check local, else fetch upstream and cache" step. Every
// other vm.StateDB method — SetBalance, Snapshot/RevertToSnapshot,
// AddLog, SelfDestruct, and so on — is satisfied by promotion straight
// through to the embedded StateDB, which is what resolves the
// overlay/database cyclic-reference design note: the overlay doesn't
// need to re-implement vm.StateDB, just the handful of methods that
// differ.
//
// A shadowed getter's "local" check is whether the account has ever
// been loaded into the embedded StateDB (state.StateDB.Exist), since
// that db was seeded empty and only ever gains entries through either a
// local write or a prior fork fetch via this type.
type ForkDB struct {
	*gethstate.StateDB

	remote    RemoteProvider
	forkBlock uint64

	mu     sync.Mutex
	loaded map[common.Address]bool
	// slots marks storage slots resolved locally — fetched from the
	// remote once, or read before a local write. A marked slot never
	// consults the remote again, so a local write of zero keeps
	// shadowing whatever the upstream holds there.
	slots map[common.Address]map[common.Hash]bool
}

// NewForkDB wraps stdb with remote fallback reads pinned at forkBlock.
func NewForkDB(stdb *gethstate.StateDB, remote RemoteProvider, forkBlock uint64) *ForkDB {
	return &ForkDB{
		StateDB:   stdb,
		remote:    remote,
		forkBlock: forkBlock,
		loaded:    make(map[common.Address]bool),
		slots:     make(map[common.Address]map[common.Hash]bool),
	}
}

func (f *ForkDB) slotResolved(addr common.Address, key common.Hash) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.slots[addr][key]
}

func (f *ForkDB) markSlot(addr common.Address, key common.Hash) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.slots[addr] == nil {
		f.slots[addr] = make(map[common.Hash]bool)
	}
	f.slots[addr][key] = true
}

// ensureLoaded fetches balance/nonce/code from upstream exactly once per
// address, caching the result into the embedded StateDB so subsequent
// reads (including GetCommittedState/GetState via promotion) hit the
// local trie like any other account.
func (f *ForkDB) ensureLoaded(addr common.Address) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loaded[addr] || f.StateDB.Exist(addr) {
		f.loaded[addr] = true
		return
	}
	warmAccount(f.StateDB, f.remote, addr)
	f.loaded[addr] = true
}

// warmAccount fetches addr's balance/nonce/code from remote and writes
// them into stdb, creating the account if it didn't exist. Shared by
// ForkDB's opcode-time reads (ensureLoaded above) and Database's plain
// account reads/prefetch (Account/WarmAddress/WarmStorage in
// database.go), so a forked address reads identically regardless of
// which path reached it first.
func warmAccount(stdb *gethstate.StateDB, remote RemoteProvider, addr common.Address) {
	bal, err := remote.BalanceAt(addr)
	if err != nil {
		log.Warn("fork: balance fetch failed", "addr", addr, "err", err)
		bal = uint256.NewInt(0)
	}
	nonce, err := remote.NonceAt(addr)
	if err != nil {
		log.Warn("fork: nonce fetch failed", "addr", addr, "err", err)
	}
	code, err := remote.CodeAt(addr)
	if err != nil {
		log.Warn("fork: code fetch failed", "addr", addr, "err", err)
	}
	stdb.CreateAccount(addr)
	stdb.SetBalance(addr, bal, tracing.BalanceChangeUnspecified)
	stdb.SetNonce(addr, nonce, tracing.NonceChangeUnspecified)
	if len(code) > 0 {
		stdb.SetCode(addr, code, tracing.CodeChangeUnspecified)
	}
}

func (f *ForkDB) GetBalance(addr common.Address) *uint256.Int {
	f.ensureLoaded(addr)
	return f.StateDB.GetBalance(addr)
}

func (f *ForkDB) GetNonce(addr common.Address) uint64 {
	f.ensureLoaded(addr)
	return f.StateDB.GetNonce(addr)
}

func (f *ForkDB) GetCode(addr common.Address) []byte {
	f.ensureLoaded(addr)
	return f.StateDB.GetCode(addr)
}

func (f *ForkDB) GetCodeSize(addr common.Address) int {
	f.ensureLoaded(addr)
	return f.StateDB.GetCodeSize(addr)
}

func (f *ForkDB) GetCodeHash(addr common.Address) common.Hash {
	f.ensureLoaded(addr)
	return f.StateDB.GetCodeHash(addr)
}

// GetState resolves a slot locally once it has been seen — a slot
// fetched from the remote before, one carrying a nonzero local value,
// or one read ahead of a local write — and consults the remote only for
// the very first touch. Marking on first read (rather than branching on
// value-equals-zero) is what keeps a local write of zero authoritative:
// the EVM's SSTORE always reads a slot before writing it, so by the
// time a zero lands locally the slot is already resolved and the remote
// is never asked again.
func (f *ForkDB) GetState(addr common.Address, key common.Hash) common.Hash {
	if f.slotResolved(addr, key) {
		return f.StateDB.GetState(addr, key)
	}
	if v := f.StateDB.GetState(addr, key); v != (common.Hash{}) {
		f.markSlot(addr, key)
		return v
	}
	val, err := f.remote.StorageAt(addr, key)
	if err != nil {
		log.Warn("fork: storage fetch failed", "addr", addr, "key", key, "err", err)
		return common.Hash{}
	}
	if val != (common.Hash{}) {
		f.StateDB.SetState(addr, key, val)
	}
	f.markSlot(addr, key)
	return val
}

func (f *ForkDB) GetCommittedState(addr common.Address, key common.Hash) common.Hash {
	return f.GetState(addr, key)
}
