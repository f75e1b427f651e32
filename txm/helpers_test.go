package txm

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const testChainID = uint64(137)

var testAddr = common.HexToAddress("0x00000000000000000000000000000000000000aa")

type fakeProvider struct {
	mu sync.Mutex

	nonce    uint64
	balance  *big.Int
	gasPrice *big.Int
	estimate uint64
	receipts map[common.Hash]*types.Receipt

	countErr    error
	estimateErr error
	sendErr     error
	receiptErr  error

	// failFirst limits sendErr to the first N sends; zero means every send.
	failFirst int

	sendCalls  int
	countCalls int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		balance:  big.NewInt(1_000_000_000_000_000_000),
		gasPrice: big.NewInt(2_000_000_000),
		estimate: 50_000,
		receipts: make(map[common.Hash]*types.Receipt),
	}
}

func (p *fakeProvider) TransactionCount(_ context.Context, _ common.Address) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.countCalls++
	if p.countErr != nil {
		return 0, p.countErr
	}
	return p.nonce, nil
}

func (p *fakeProvider) BalanceAt(_ context.Context, _ common.Address) (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return new(big.Int).Set(p.balance), nil
}

func (p *fakeProvider) EstimateGas(_ context.Context, _ ethereum.CallMsg) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.estimateErr != nil {
		return 0, p.estimateErr
	}
	return p.estimate, nil
}

func (p *fakeProvider) SuggestGasPrice(_ context.Context) (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return new(big.Int).Set(p.gasPrice), nil
}

func (p *fakeProvider) SendRawTransaction(_ context.Context, raw []byte) (common.Hash, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sendCalls++
	if p.sendErr != nil && (p.failFirst == 0 || p.sendCalls <= p.failFirst) {
		return common.Hash{}, p.sendErr
	}
	return crypto.Keccak256Hash(raw), nil
}

func (p *fakeProvider) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.receiptErr != nil {
		return nil, p.receiptErr
	}
	receipt, ok := p.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func (p *fakeProvider) setReceipt(hash common.Hash, receipt *types.Receipt) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.receipts[hash] = receipt
}

func (p *fakeProvider) sent() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sendCalls
}

type fakeResolver struct {
	provider Provider
	err      error
}

func (r *fakeResolver) Provider(_ context.Context, _ uint64) (Provider, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.provider, nil
}

type fakeSigner struct {
	err   error
	calls int
	mu    sync.Mutex

	// gate, when set, blocks every sign call until the channel closes.
	gate chan struct{}
}

func (s *fakeSigner) SignTransaction(_ context.Context, keyRef string, tx *UnsignedTx) ([]byte, error) {
	s.mu.Lock()
	s.calls++
	err, gate := s.err, s.gate
	s.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	payload := []byte(keyRef)
	payload = append(payload, byte(tx.Nonce), byte(tx.Nonce>>8), byte(tx.ChainID))
	return payload, nil
}

func (s *fakeSigner) signCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fakeOracle struct {
	params GasParams
	err    error
}

func (o *fakeOracle) Fees(_ context.Context, _ uint64, _ string) (GasParams, error) {
	if o.err != nil {
		return GasParams{}, o.err
	}
	return o.params, nil
}

type capturePublisher struct {
	mu     sync.Mutex
	events []Event
}

func (c *capturePublisher) Publish(_ context.Context, ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *capturePublisher) ofType(typ EventType) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, ev := range c.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func legacyParams(priceWei int64) GasParams {
	return GasParams{
		Mode:     FeeModeLegacy,
		GasLimit: DefaultTransferGasLimit,
		GasPrice: bigToHex(big.NewInt(priceWei)),
	}
}

// noSleep replaces the retry backoff so tests run instantly.
func noSleep(_ context.Context, _ time.Duration) error { return nil }
