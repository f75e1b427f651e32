package txm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
)

// AccountKey identifies a nonce record. Using a struct key instead of a
// joined string keeps lookups typo-proof and allocation-free.
type AccountKey struct {
	ChainID uint64
	Address common.Address
}

// String renders the storage key form, address lowercased.
func (k AccountKey) String() string {
	return fmt.Sprintf("%d:%s", k.ChainID, strings.ToLower(k.Address.Hex()))
}

// NonceSnapshot is the read-only control-plane view of a nonce record.
type NonceSnapshot struct {
	Next       uint64    `json:"next"`
	Pending    uint64    `json:"pending"`
	Confirmed  uint64    `json:"confirmed"`
	LastSynced time.Time `json:"lastSynced"`
}

// nonceRecord holds per-account nonce state. Invariant:
// confirmed <= pendingHigh <= next. All access goes through mu.
type nonceRecord struct {
	mu sync.Mutex

	initialized    bool
	next           uint64
	pendingHigh    uint64
	confirmed      uint64
	lastReconciled time.Time
	holes          int
}

// NonceLedger tracks per-(chain, address) nonce state across every chain
// the process touches. Allocation for a given key is strictly serialized;
// different keys never contend with each other.
type NonceLedger struct {
	lggr     *zap.SugaredLogger
	resolver ProviderResolver
	store    RecordStore

	mu      sync.RWMutex
	records map[AccountKey]*nonceRecord
}

func NewNonceLedger(lggr *zap.SugaredLogger, resolver ProviderResolver, store RecordStore) *NonceLedger {
	return &NonceLedger{
		lggr:     lggr.Named("NonceLedger"),
		resolver: resolver,
		store:    store,
		records:  make(map[AccountKey]*nonceRecord),
	}
}

func (l *NonceLedger) record(key AccountKey) *nonceRecord {
	l.mu.RLock()
	rec, ok := l.records[key]
	l.mu.RUnlock()
	if ok {
		return rec
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if rec, ok = l.records[key]; ok {
		return rec
	}
	rec = &nonceRecord{}
	l.records[key] = rec
	return rec
}

func (l *NonceLedger) chainCount(ctx context.Context, key AccountKey) (uint64, error) {
	provider, err := l.resolver.Provider(ctx, key.ChainID)
	if err != nil {
		return 0, err
	}
	count, err := provider.TransactionCount(ctx, key.Address)
	if err != nil {
		return 0, &ProviderError{Op: "transaction count", Err: err}
	}
	return count, nil
}

// Allocate returns the next nonce for the account and reserves it. The
// first allocation for a key initializes the record from chain truth. The
// chain fetch happens under the record lock so two racing first
// allocations cannot both initialize.
func (l *NonceLedger) Allocate(ctx context.Context, chainID uint64, addr common.Address) (uint64, error) {
	key := AccountKey{ChainID: chainID, Address: addr}
	rec := l.record(key)

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if !rec.initialized {
		count, err := l.chainCount(ctx, key)
		if err != nil {
			return 0, err
		}
		rec.initialized = true
		rec.next = count
		rec.pendingHigh = count
		rec.confirmed = count
		rec.lastReconciled = time.Now()
	}

	nonce := rec.next
	rec.next++
	rec.pendingHigh = rec.next
	l.persist(ctx, key, rec)

	l.lggr.Debugw("allocated nonce", "chain", ChainName(chainID), "address", addr.Hex(), "nonce", nonce)
	return nonce, nil
}

// Reconcile syncs the record against the chain's transaction count. It
// only ever raises values: confirmed moves to the chain count, and a chain
// count above next closes a local gap (crash recovery, externally
// submitted transactions). Trust-the-chain, never the reverse.
func (l *NonceLedger) Reconcile(ctx context.Context, chainID uint64, addr common.Address) (uint64, error) {
	key := AccountKey{ChainID: chainID, Address: addr}
	count, err := l.chainCount(ctx, key)
	if err != nil {
		return 0, err
	}

	rec := l.record(key)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if !rec.initialized {
		rec.initialized = true
		rec.next = count
		rec.pendingHigh = count
		rec.confirmed = count
	}
	if count > rec.confirmed {
		rec.confirmed = count
	}
	if count > rec.next {
		l.lggr.Warnw("nonce gap closed from chain truth",
			"chain", ChainName(chainID), "address", addr.Hex(),
			"localNext", rec.next, "chainCount", count)
		rec.next = count
		rec.pendingHigh = count
	}
	rec.lastReconciled = time.Now()
	l.persist(ctx, key, rec)

	return count, nil
}

// Reset discards all local pending assumptions and forces the record to
// chain truth. Operator recovery only.
func (l *NonceLedger) Reset(ctx context.Context, chainID uint64, addr common.Address) (uint64, error) {
	key := AccountKey{ChainID: chainID, Address: addr}
	count, err := l.chainCount(ctx, key)
	if err != nil {
		return 0, err
	}

	rec := l.record(key)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	rec.initialized = true
	rec.next = count
	rec.pendingHigh = count
	rec.confirmed = count
	rec.holes = 0
	rec.lastReconciled = time.Now()
	l.persist(ctx, key, rec)

	l.lggr.Infow("nonce reset to chain truth", "chain", ChainName(chainID), "address", addr.Hex(), "nonce", count)
	return count, nil
}

// ReleaseOnFailure hands a nonce back after a submission that never
// reached the chain. Only the most recently issued nonce can be un-issued;
// anything older leaves a hole that reconciliation heals later. In-flight
// transactions are never renumbered.
func (l *NonceLedger) ReleaseOnFailure(chainID uint64, addr common.Address, nonce uint64) {
	key := AccountKey{ChainID: chainID, Address: addr}
	rec := l.record(key)

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.initialized && rec.next > rec.confirmed && nonce == rec.next-1 {
		rec.next--
		rec.pendingHigh = rec.next
		l.lggr.Debugw("released nonce", "chain", ChainName(chainID), "address", addr.Hex(), "nonce", nonce)
		return
	}
	rec.holes++
	l.lggr.Warnw("nonce hole recorded, will heal via reconcile",
		"chain", ChainName(chainID), "address", addr.Hex(), "nonce", nonce, "next", rec.next)
}

// RaiseConfirmed moves the confirmed watermark up to at least the given
// value. Called by confirmation monitors with nonce+1.
func (l *NonceLedger) RaiseConfirmed(chainID uint64, addr common.Address, confirmed uint64) {
	rec := l.record(AccountKey{ChainID: chainID, Address: addr})
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if confirmed > rec.confirmed {
		rec.confirmed = confirmed
	}
}

// Snapshot returns the current record state without allocating. ErrNotFound
// for untracked keys.
func (l *NonceLedger) Snapshot(chainID uint64, addr common.Address) (NonceSnapshot, error) {
	l.mu.RLock()
	rec, ok := l.records[AccountKey{ChainID: chainID, Address: addr}]
	l.mu.RUnlock()
	if !ok {
		return NonceSnapshot{}, ErrNotFound
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !rec.initialized {
		return NonceSnapshot{}, ErrNotFound
	}
	return NonceSnapshot{
		Next:       rec.next,
		Pending:    rec.pendingHigh,
		Confirmed:  rec.confirmed,
		LastSynced: rec.lastReconciled,
	}, nil
}

// Keys lists every tracked account, for the periodic reconcile sweep.
func (l *NonceLedger) Keys() []AccountKey {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return maps.Keys(l.records)
}

// persist mirrors the record to the durable store. Best effort: nonce
// truth lives on-chain and the in-memory ledger re-reconciles on restart.
func (l *NonceLedger) persist(ctx context.Context, key AccountKey, rec *nonceRecord) {
	if l.store == nil {
		return
	}
	snap := NonceSnapshot{
		Next:       rec.next,
		Pending:    rec.pendingHigh,
		Confirmed:  rec.confirmed,
		LastSynced: rec.lastReconciled,
	}
	if err := l.store.PutNonce(ctx, key.ChainID, key.Address, snap); err != nil {
		l.lggr.Errorw("failed to persist nonce record", "key", key.String(), "error", err)
	}
}
