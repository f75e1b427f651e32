package txm

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestLedger(t *testing.T, provider *fakeProvider) *NonceLedger {
	return NewNonceLedger(zaptest.NewLogger(t).Sugar(), &fakeResolver{provider: provider}, NewMemoryStore())
}

func TestNonceLedgerAllocateInitializesFromChain(t *testing.T) {
	provider := newFakeProvider()
	provider.nonce = 5
	ledger := newTestLedger(t, provider)

	nonce, err := ledger.Allocate(context.Background(), testChainID, testAddr)
	require.NoError(t, err)
	require.Equal(t, uint64(5), nonce)

	nonce, err = ledger.Allocate(context.Background(), testChainID, testAddr)
	require.NoError(t, err)
	require.Equal(t, uint64(6), nonce)

	// Initialization hits the chain exactly once.
	require.Equal(t, 1, provider.countCalls)
}

func TestNonceLedgerAllocateConcurrentDense(t *testing.T) {
	provider := newFakeProvider()
	ledger := newTestLedger(t, provider)

	const n = 50
	var wg sync.WaitGroup
	results := make([]uint64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			nonce, err := ledger.Allocate(context.Background(), testChainID, testAddr)
			require.NoError(t, err)
			results[i] = nonce
		}(i)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i] < results[j] })
	for i, nonce := range results {
		require.Equal(t, uint64(i), nonce, "allocation must be dense and duplicate-free")
	}
}

func TestNonceLedgerAllocateProviderError(t *testing.T) {
	provider := newFakeProvider()
	provider.countErr = errors.New("connection refused")
	ledger := newTestLedger(t, provider)

	_, err := ledger.Allocate(context.Background(), testChainID, testAddr)
	require.Error(t, err)

	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
}

func TestNonceLedgerReconcileOnlyRaises(t *testing.T) {
	provider := newFakeProvider()
	provider.nonce = 3
	ledger := newTestLedger(t, provider)

	for i := 0; i < 4; i++ {
		_, err := ledger.Allocate(context.Background(), testChainID, testAddr)
		require.NoError(t, err)
	}
	// local next is now 7, chain still reports 3
	count, err := ledger.Reconcile(context.Background(), testChainID, testAddr)
	require.NoError(t, err)
	require.Equal(t, uint64(3), count)

	snap, err := ledger.Snapshot(testChainID, testAddr)
	require.NoError(t, err)
	require.Equal(t, uint64(7), snap.Next, "reconcile must never lower next below locally issued nonces")

	// chain jumps ahead of local state (external submissions)
	provider.mu.Lock()
	provider.nonce = 20
	provider.mu.Unlock()
	_, err = ledger.Reconcile(context.Background(), testChainID, testAddr)
	require.NoError(t, err)

	snap, err = ledger.Snapshot(testChainID, testAddr)
	require.NoError(t, err)
	require.Equal(t, uint64(20), snap.Next)
	require.Equal(t, uint64(20), snap.Confirmed)
}

func TestNonceLedgerReleaseOnFailure(t *testing.T) {
	provider := newFakeProvider()
	ledger := newTestLedger(t, provider)

	first, err := ledger.Allocate(context.Background(), testChainID, testAddr)
	require.NoError(t, err)
	second, err := ledger.Allocate(context.Background(), testChainID, testAddr)
	require.NoError(t, err)

	// Releasing the most recent allocation un-issues it.
	ledger.ReleaseOnFailure(testChainID, testAddr, second)
	snap, err := ledger.Snapshot(testChainID, testAddr)
	require.NoError(t, err)
	require.Equal(t, second, snap.Next)

	reused, err := ledger.Allocate(context.Background(), testChainID, testAddr)
	require.NoError(t, err)
	require.Equal(t, second, reused)

	// Releasing an older nonce leaves the sequence untouched (hole).
	ledger.ReleaseOnFailure(testChainID, testAddr, first)
	snap, err = ledger.Snapshot(testChainID, testAddr)
	require.NoError(t, err)
	require.Equal(t, second+1, snap.Next)
}

func TestNonceLedgerResetForcesChainTruth(t *testing.T) {
	provider := newFakeProvider()
	provider.nonce = 2
	ledger := newTestLedger(t, provider)

	for i := 0; i < 5; i++ {
		_, err := ledger.Allocate(context.Background(), testChainID, testAddr)
		require.NoError(t, err)
	}

	nonce, err := ledger.Reset(context.Background(), testChainID, testAddr)
	require.NoError(t, err)
	require.Equal(t, uint64(2), nonce)

	snap, err := ledger.Snapshot(testChainID, testAddr)
	require.NoError(t, err)
	require.Equal(t, uint64(2), snap.Next)
	require.Equal(t, uint64(2), snap.Confirmed)
}

func TestNonceLedgerRaiseConfirmedMonotone(t *testing.T) {
	provider := newFakeProvider()
	ledger := newTestLedger(t, provider)

	_, err := ledger.Allocate(context.Background(), testChainID, testAddr)
	require.NoError(t, err)

	ledger.RaiseConfirmed(testChainID, testAddr, 5)
	ledger.RaiseConfirmed(testChainID, testAddr, 3)

	snap, err := ledger.Snapshot(testChainID, testAddr)
	require.NoError(t, err)
	require.Equal(t, uint64(5), snap.Confirmed)
}

func TestNonceLedgerSnapshotUntracked(t *testing.T) {
	ledger := newTestLedger(t, newFakeProvider())

	_, err := ledger.Snapshot(testChainID, testAddr)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestNonceLedgerKeysPerAccount(t *testing.T) {
	provider := newFakeProvider()
	ledger := newTestLedger(t, provider)

	other := testAddr
	other[19]++

	_, err := ledger.Allocate(context.Background(), testChainID, testAddr)
	require.NoError(t, err)
	_, err = ledger.Allocate(context.Background(), testChainID, other)
	require.NoError(t, err)
	_, err = ledger.Allocate(context.Background(), 1, testAddr)
	require.NoError(t, err)

	require.Len(t, ledger.Keys(), 3)
}
