package txm

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryStore is a RecordStore kept entirely in process memory. It backs
// tests and store-less deployments; production wiring uses the Redis
// implementation in the store package. TTLs are honored lazily on read.
type MemoryStore struct {
	mu sync.RWMutex

	txs    map[string]*storedTx
	byHash map[common.Hash]string
	failed map[string]*FailedSubmission
	nonces map[string]NonceSnapshot

	now func() time.Time
}

type storedTx struct {
	rec       *TxRecord
	expiresAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		txs:    make(map[string]*storedTx),
		byHash: make(map[common.Hash]string),
		failed: make(map[string]*FailedSubmission),
		nonces: make(map[string]NonceSnapshot),
		now:    time.Now,
	}
}

func (m *MemoryStore) PutTransaction(_ context.Context, rec *TxRecord, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := *rec
	entry := &storedTx{rec: &clone}
	if ttl > 0 {
		entry.expiresAt = m.now().Add(ttl)
	}
	m.txs[rec.ID] = entry
	if rec.Hash != (common.Hash{}) {
		m.byHash[rec.Hash] = rec.ID
	}
	return nil
}

func (m *MemoryStore) GetTransaction(_ context.Context, txID string) (*TxRecord, error) {
	m.mu.RLock()
	entry, ok := m.txs[txID]
	m.mu.RUnlock()
	if !ok || m.expired(entry) {
		return nil, ErrNotFound
	}
	clone := *entry.rec
	return &clone, nil
}

func (m *MemoryStore) GetTransactionByHash(ctx context.Context, hash common.Hash) (*TxRecord, error) {
	m.mu.RLock()
	id, ok := m.byHash[hash]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return m.GetTransaction(ctx, id)
}

func (m *MemoryStore) PendingTransactions(_ context.Context) ([]*TxRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var pending []*TxRecord
	for _, entry := range m.txs {
		if entry.rec.Status == StatusSubmitted && !m.expired(entry) {
			clone := *entry.rec
			pending = append(pending, &clone)
		}
	}
	return pending, nil
}

func (m *MemoryStore) PutFailedSubmission(_ context.Context, failed *FailedSubmission, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed[failed.TxID] = failed
	return nil
}

// FailedSubmission returns a recorded exhausted-retry entry, for tests and
// the control plane.
func (m *MemoryStore) FailedSubmission(txID string) (*FailedSubmission, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	failed, ok := m.failed[txID]
	return failed, ok
}

func (m *MemoryStore) PutNonce(_ context.Context, chainID uint64, addr common.Address, snap NonceSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nonces[AccountKey{ChainID: chainID, Address: addr}.String()] = snap
	return nil
}

func (m *MemoryStore) expired(entry *storedTx) bool {
	return !entry.expiresAt.IsZero() && m.now().After(entry.expiresAt)
}
