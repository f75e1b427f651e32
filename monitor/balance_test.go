package monitor

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/relaykit/txmgr/testutils"
	"github.com/relaykit/txmgr/txm"
)

type staticSource []txm.AccountKey

func (s staticSource) Keys() []txm.AccountKey { return s }

func TestBalanceMonitorPollsAllAccounts(t *testing.T) {
	accounts := staticSource{
		{ChainID: 137, Address: common.HexToAddress("0x01")},
		{ChainID: 137, Address: common.HexToAddress("0x02")},
		{ChainID: 137, Address: common.HexToAddress("0x03")},
	}
	balances := map[common.Address]*big.Int{
		accounts[0].Address: big.NewInt(0),
		accounts[1].Address: big.NewInt(1),
		accounts[2].Address: big.NewInt(1_000_000_000_000_000_000),
	}

	provider := testutils.NewFakeProvider()
	provider.BalanceAtFn = func(_ context.Context, addr common.Address) (*big.Int, error) {
		return balances[addr], nil
	}

	b := NewBalanceMonitor(
		zaptest.NewLogger(t).Sugar(),
		accounts,
		testutils.NewFakeResolver(137, provider),
		10*time.Millisecond,
	)

	var mu sync.Mutex
	got := make(map[common.Address]*big.Int)
	b.updateFn = func(key txm.AccountKey, wei *big.Int) {
		mu.Lock()
		defer mu.Unlock()
		got[key.Address] = wei
	}

	require.NoError(t, b.Start(context.Background()))
	require.Error(t, b.Start(context.Background()), "double start")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == len(accounts)
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	for addr, want := range balances {
		require.Equal(t, want, got[addr])
	}
	mu.Unlock()

	require.NoError(t, b.Close())
	require.Error(t, b.Close(), "double close")
}

func TestWeiToEther(t *testing.T) {
	require.Equal(t, 0.0, weiToEther(big.NewInt(0)))
	require.Equal(t, 1.0, weiToEther(big.NewInt(1_000_000_000_000_000_000)))
	require.InDelta(t, 0.5, weiToEther(big.NewInt(500_000_000_000_000_000)), 1e-9)
}

func TestWithJitterStaysNearPeriod(t *testing.T) {
	period := time.Second
	for i := 0; i < 100; i++ {
		d := withJitter(period)
		require.GreaterOrEqual(t, d, period-period/10)
		require.LessOrEqual(t, d, period+period/10)
	}
}
