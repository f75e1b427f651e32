package txm

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Provider is the minimal chain RPC surface the manager needs. The
// chain package adapts an ethclient to it; tests supply fakes.
type Provider interface {
	// TransactionCount returns the pending-inclusive transaction count for
	// an account, i.e. the next nonce the chain expects.
	TransactionCount(ctx context.Context, addr common.Address) (uint64, error)
	BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	// SendRawTransaction broadcasts a signed payload and returns the
	// chain-assigned hash.
	SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// ProviderResolver hands out an RPC client for a chain id. Endpoint
// discovery and caching live behind this interface.
type ProviderResolver interface {
	Provider(ctx context.Context, chainID uint64) (Provider, error)
}

// Signer signs an unsigned descriptor with an externally held key and
// returns the raw signed payload ready for broadcast.
type Signer interface {
	SignTransaction(ctx context.Context, keyRef string, tx *UnsignedTx) ([]byte, error)
}

// GasOracle computes fee parameters for a chain and strategy name. The
// builder falls back to a fixed legacy price when the oracle errors.
type GasOracle interface {
	Fees(ctx context.Context, chainID uint64, strategy string) (GasParams, error)
}

// EventType names a lifecycle event on the fire-and-forget stream.
type EventType string

const (
	EventSubmitted EventType = "TX_SUBMITTED"
	EventConfirmed EventType = "TX_CONFIRMED"
	EventFailed    EventType = "TX_FAILED"
	EventTimeout   EventType = "TX_TIMEOUT"
)

// Event is published at least once per lifecycle transition.
type Event struct {
	Type      EventType   `json:"event"`
	TxID      string      `json:"txId"`
	TxHash    common.Hash `json:"txHash"`
	ChainID   uint64      `json:"chainId"`
	Timestamp time.Time   `json:"timestamp"`
}

// EventPublisher delivers lifecycle events. Publish must not block the
// caller on slow consumers; delivery is best effort, at least once.
type EventPublisher interface {
	Publish(ctx context.Context, ev Event)
}

// RecordStore is the durable flat key-value view of transaction and nonce
// state. Terminal transaction records expire after the configured TTL;
// pending records never expire on their own.
type RecordStore interface {
	PutTransaction(ctx context.Context, rec *TxRecord, ttl time.Duration) error
	GetTransaction(ctx context.Context, txID string) (*TxRecord, error)
	GetTransactionByHash(ctx context.Context, hash common.Hash) (*TxRecord, error)
	// PendingTransactions returns every persisted record still in
	// SUBMITTED state, used to re-spawn monitors after a restart.
	PendingTransactions(ctx context.Context) ([]*TxRecord, error)
	PutFailedSubmission(ctx context.Context, failed *FailedSubmission, ttl time.Duration) error
	PutNonce(ctx context.Context, chainID uint64, addr common.Address, snap NonceSnapshot) error
}
