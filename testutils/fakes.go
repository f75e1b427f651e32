// Package testutils holds configurable fakes for the manager's
// collaborator interfaces. Every fake returns sane defaults and exposes
// func fields to override individual calls plus counters for assertions.
package testutils

import (
	"context"
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/relaykit/txmgr/txm"
)

type FakeProvider struct {
	Nonce    uint64
	Balance  *big.Int
	GasPrice *big.Int
	GasUsed  uint64

	TransactionCountFn   func(ctx context.Context, addr common.Address) (uint64, error)
	BalanceAtFn          func(ctx context.Context, addr common.Address) (*big.Int, error)
	EstimateGasFn        func(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SuggestGasPriceFn    func(ctx context.Context) (*big.Int, error)
	SendRawTransactionFn func(ctx context.Context, raw []byte) (common.Hash, error)
	TransactionReceiptFn func(ctx context.Context, hash common.Hash) (*types.Receipt, error)

	SendCalls    atomic.Int64
	ReceiptCalls atomic.Int64

	mu       sync.Mutex
	receipts map[common.Hash]*types.Receipt
}

var _ txm.Provider = (*FakeProvider)(nil)

func NewFakeProvider() *FakeProvider {
	return &FakeProvider{
		Balance:  big.NewInt(1_000_000_000_000_000_000),
		GasPrice: big.NewInt(2_000_000_000),
		GasUsed:  21000,
		receipts: make(map[common.Hash]*types.Receipt),
	}
}

func (p *FakeProvider) TransactionCount(ctx context.Context, addr common.Address) (uint64, error) {
	if p.TransactionCountFn != nil {
		return p.TransactionCountFn(ctx, addr)
	}
	return p.Nonce, nil
}

func (p *FakeProvider) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	if p.BalanceAtFn != nil {
		return p.BalanceAtFn(ctx, addr)
	}
	return new(big.Int).Set(p.Balance), nil
}

func (p *FakeProvider) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	if p.EstimateGasFn != nil {
		return p.EstimateGasFn(ctx, call)
	}
	return p.GasUsed, nil
}

func (p *FakeProvider) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	if p.SuggestGasPriceFn != nil {
		return p.SuggestGasPriceFn(ctx)
	}
	return new(big.Int).Set(p.GasPrice), nil
}

func (p *FakeProvider) SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error) {
	p.SendCalls.Add(1)
	if p.SendRawTransactionFn != nil {
		return p.SendRawTransactionFn(ctx, raw)
	}
	return crypto.Keccak256Hash(raw), nil
}

func (p *FakeProvider) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	p.ReceiptCalls.Add(1)
	if p.TransactionReceiptFn != nil {
		return p.TransactionReceiptFn(ctx, hash)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	receipt, ok := p.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

// SetReceipt makes the default TransactionReceipt return a receipt for
// hash on subsequent polls.
func (p *FakeProvider) SetReceipt(hash common.Hash, receipt *types.Receipt) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.receipts[hash] = receipt
}

type FakeResolver struct {
	Providers  map[uint64]txm.Provider
	ProviderFn func(ctx context.Context, chainID uint64) (txm.Provider, error)
}

var _ txm.ProviderResolver = (*FakeResolver)(nil)

func NewFakeResolver(chainID uint64, provider txm.Provider) *FakeResolver {
	return &FakeResolver{Providers: map[uint64]txm.Provider{chainID: provider}}
}

func (r *FakeResolver) Provider(ctx context.Context, chainID uint64) (txm.Provider, error) {
	if r.ProviderFn != nil {
		return r.ProviderFn(ctx, chainID)
	}
	provider, ok := r.Providers[chainID]
	if !ok {
		return nil, &txm.ProviderError{Op: "resolve", Err: txm.ErrNotFound}
	}
	return provider, nil
}

type FakeSigner struct {
	SignFn    func(ctx context.Context, keyRef string, tx *txm.UnsignedTx) ([]byte, error)
	SignCalls atomic.Int64
}

var _ txm.Signer = (*FakeSigner)(nil)

// SignTransaction returns a deterministic payload derived from the
// nonce so distinct transactions broadcast distinct hashes.
func (s *FakeSigner) SignTransaction(ctx context.Context, keyRef string, tx *txm.UnsignedTx) ([]byte, error) {
	s.SignCalls.Add(1)
	if s.SignFn != nil {
		return s.SignFn(ctx, keyRef, tx)
	}
	payload := []byte(keyRef)
	payload = append(payload, byte(tx.Nonce), byte(tx.Nonce>>8), byte(tx.ChainID))
	return payload, nil
}

type FakeOracle struct {
	Params txm.GasParams
	FeesFn func(ctx context.Context, chainID uint64, strategy string) (txm.GasParams, error)
}

var _ txm.GasOracle = (*FakeOracle)(nil)

func (o *FakeOracle) Fees(ctx context.Context, chainID uint64, strategy string) (txm.GasParams, error) {
	if o.FeesFn != nil {
		return o.FeesFn(ctx, chainID, strategy)
	}
	return o.Params, nil
}

// CapturePublisher records every published event for later inspection.
type CapturePublisher struct {
	mu     sync.Mutex
	events []txm.Event
}

var _ txm.EventPublisher = (*CapturePublisher)(nil)

func (c *CapturePublisher) Publish(ctx context.Context, ev txm.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *CapturePublisher) Events() []txm.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]txm.Event, len(c.events))
	copy(out, c.events)
	return out
}

func (c *CapturePublisher) EventsOf(typ txm.EventType) []txm.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []txm.Event
	for _, ev := range c.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}
