// Package monitor reports the native balance of every account the
// manager allocates nonces for, so operators can alert on underfunded
// sender keys before submissions start failing.
package monitor

import (
	"context"
	"fmt"
	"math/big"
	"math/rand"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/relaykit/txmgr/txm"
)

const DefaultPollPeriod = time.Minute

// AccountSource lists the accounts to watch. The nonce ledger satisfies
// this: an account appears here once the first nonce was allocated for it.
type AccountSource interface {
	Keys() []txm.AccountKey
}

// BalanceMonitor polls each tracked account's balance once per period and
// feeds the prometheus gauge.
type BalanceMonitor struct {
	lggr       *zap.SugaredLogger
	source     AccountSource
	resolver   txm.ProviderResolver
	pollPeriod time.Duration

	// updateFn is overridable for testing.
	updateFn func(key txm.AccountKey, wei *big.Int)

	started atomic.Bool
	stopped atomic.Bool
	stop    chan struct{}
	done    chan struct{}
}

func NewBalanceMonitor(lggr *zap.SugaredLogger, source AccountSource, resolver txm.ProviderResolver, pollPeriod time.Duration) *BalanceMonitor {
	if pollPeriod <= 0 {
		pollPeriod = DefaultPollPeriod
	}
	b := &BalanceMonitor{
		lggr:       lggr.Named("BalanceMonitor"),
		source:     source,
		resolver:   resolver,
		pollPeriod: pollPeriod,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	b.updateFn = b.updateProm
	return b
}

func (b *BalanceMonitor) Name() string { return "BalanceMonitor" }

func (b *BalanceMonitor) Start(context.Context) error {
	if !b.started.CompareAndSwap(false, true) {
		return fmt.Errorf("already started")
	}
	go b.monitor()
	return nil
}

func (b *BalanceMonitor) Close() error {
	if !b.stopped.CompareAndSwap(false, true) {
		return fmt.Errorf("already stopped")
	}
	close(b.stop)
	<-b.done
	return nil
}

func (b *BalanceMonitor) HealthReport() map[string]error {
	var err error
	if !b.started.Load() {
		err = fmt.Errorf("not started")
	} else if b.stopped.Load() {
		err = fmt.Errorf("stopped")
	}
	return map[string]error{b.Name(): err}
}

func (b *BalanceMonitor) monitor() {
	defer close(b.done)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-b.stop
		cancel()
	}()

	tick := time.After(withJitter(b.pollPeriod))
	for {
		select {
		case <-b.stop:
			return
		case <-tick:
			b.updateBalances(ctx)
			tick = time.After(withJitter(b.pollPeriod))
		}
	}
}

func (b *BalanceMonitor) updateBalances(ctx context.Context) {
	keys := b.source.Keys()
	if len(keys) == 0 {
		return
	}
	for _, key := range keys {
		// Check for shutdown between accounts, since balance calls block
		// and may be slow.
		select {
		case <-b.stop:
			return
		default:
		}

		provider, err := b.resolver.Provider(ctx, key.ChainID)
		if err != nil {
			b.lggr.Warnw("provider unavailable for balance poll", "chainID", key.ChainID, "error", err)
			continue
		}
		wei, err := provider.BalanceAt(ctx, key.Address)
		if err != nil {
			b.lggr.Warnw("balance poll failed, account may have no funds",
				"account", key.Address.Hex(), "chainID", key.ChainID, "error", err)
			continue
		}
		b.updateFn(key, wei)
	}
}

// withJitter spreads polls by +-10% so multiple monitors do not align.
func withJitter(d time.Duration) time.Duration {
	span := int64(d) / 5
	if span <= 0 {
		return d
	}
	jitter := rand.Int63n(span)
	return d - d/10 + time.Duration(jitter)
}
