package txm

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// TxStatus is the lifecycle state of a managed transaction. BUILDING,
// SIGNING and BROADCASTING are engine-internal per-attempt states; only
// SUBMITTED and the terminal states are ever persisted.
type TxStatus string

const (
	StatusBuilding     TxStatus = "BUILDING"
	StatusSigning      TxStatus = "SIGNING"
	StatusBroadcasting TxStatus = "BROADCASTING"
	StatusSubmitted    TxStatus = "SUBMITTED"
	StatusConfirmed    TxStatus = "CONFIRMED"
	StatusFailed       TxStatus = "FAILED"
	StatusTimeout      TxStatus = "TIMEOUT"
)

var statusTransitions = map[TxStatus][]TxStatus{
	StatusBuilding:     {StatusSigning},
	StatusSigning:      {StatusBroadcasting, StatusFailed},
	StatusBroadcasting: {StatusSubmitted, StatusSigning, StatusFailed},
	StatusSubmitted:    {StatusConfirmed, StatusFailed, StatusTimeout},
}

// CanTransitionTo reports whether moving from s to t is a legal lifecycle
// transition. Terminal states have no outgoing transitions.
func (s TxStatus) CanTransitionTo(t TxStatus) bool {
	for _, allowed := range statusTransitions[s] {
		if t == allowed {
			return true
		}
	}
	return false
}

// Terminal reports whether s is a final state. A TIMEOUT record is
// unresolved-by-deadline, not reverted; it is still terminal for the
// monitor.
func (s TxStatus) Terminal() bool {
	switch s {
	case StatusConfirmed, StatusFailed, StatusTimeout:
		return true
	}
	return false
}

// FeeMode tags the pricing model of a GasParams value.
type FeeMode string

const (
	FeeModeLegacy  FeeMode = "legacy"
	FeeModeDynamic FeeMode = "dynamic"
)

// GasParams is either a legacy gas price or EIP-1559 fee-market parameters,
// plus the gas limit. Immutable once attached to a record.
type GasParams struct {
	Mode                 FeeMode      `json:"mode"`
	GasLimit             uint64       `json:"gasLimit"`
	GasPrice             *hexutil.Big `json:"gasPrice,omitempty"`
	MaxFeePerGas         *hexutil.Big `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas *hexutil.Big `json:"maxPriorityFeePerGas,omitempty"`
}

func (g GasParams) Validate() error {
	if g.GasLimit == 0 {
		return fmt.Errorf("gas limit must be set")
	}
	switch g.Mode {
	case FeeModeLegacy:
		if g.GasPrice == nil {
			return fmt.Errorf("legacy fee params require gasPrice")
		}
		if g.MaxFeePerGas != nil || g.MaxPriorityFeePerGas != nil {
			return fmt.Errorf("legacy fee params must not carry fee-market fields")
		}
	case FeeModeDynamic:
		if g.MaxFeePerGas == nil || g.MaxPriorityFeePerGas == nil {
			return fmt.Errorf("dynamic fee params require maxFeePerGas and maxPriorityFeePerGas")
		}
		if g.GasPrice != nil {
			return fmt.Errorf("dynamic fee params must not carry gasPrice")
		}
	default:
		return fmt.Errorf("unknown fee mode: %q", g.Mode)
	}
	return nil
}

// UnsignedTx is the chain-agnostic descriptor handed to the Signer. The
// nonce is fixed at build time and must not change across submission
// attempts.
type UnsignedTx struct {
	ChainID uint64         `json:"chainId"`
	From    common.Address `json:"from"`
	To      common.Address `json:"to"`
	Value   *hexutil.Big   `json:"value"`
	Data    hexutil.Bytes  `json:"data"`
	Nonce   uint64         `json:"nonce"`
	Gas     GasParams      `json:"gas"`
}

// TxRecord is the unit of lifecycle tracking. It is created by the
// submission engine and driven to its terminal state by a single
// confirmation monitor, under the TxStore lock; once terminal it is
// immutable. Lookups hand out copies, never the tracked record itself.
type TxRecord struct {
	ID        string         `json:"txId"`
	Hash      common.Hash    `json:"txHash"`
	ChainID   uint64         `json:"chainId"`
	ChainName string         `json:"chainName"`
	From      common.Address `json:"from"`
	To        common.Address `json:"to"`
	Value     *hexutil.Big   `json:"value"`
	Data      hexutil.Bytes  `json:"data"`
	Nonce     uint64         `json:"nonce"`
	Status    TxStatus       `json:"status"`

	SubmittedAt time.Time  `json:"submittedAt"`
	ConfirmedAt *time.Time `json:"confirmedAt,omitempty"`
	FailedAt    *time.Time `json:"failedAt,omitempty"`
	TimedOutAt  *time.Time `json:"timedOutAt,omitempty"`

	BlockNumber       *uint64      `json:"blockNumber,omitempty"`
	GasUsed           uint64       `json:"gasUsed,omitempty"`
	EffectiveGasPrice *hexutil.Big `json:"effectiveGasPrice,omitempty"`

	GasParams          GasParams     `json:"gasParams"`
	RetryCount         int           `json:"retryCount"`
	KeyRef             string        `json:"keyRef"`
	TimeoutAt          time.Time     `json:"timeoutAt"`
	ConfirmationTarget uint64        `json:"confirmationTarget"`
	Latency            time.Duration `json:"confirmationLatency,omitempty"`
	Error              string        `json:"error,omitempty"`

	// ReplacedBy is reserved for a future replace/speed-up flow. Nothing
	// writes it today.
	ReplacedBy string `json:"replacedBy,omitempty"`
}

// FailedSubmission records a submission that exhausted its retry budget
// without ever reaching the chain. Write-once.
type FailedSubmission struct {
	TxID        string      `json:"txId"`
	ChainID     uint64      `json:"chainId"`
	Transaction *UnsignedTx `json:"transaction"`
	Error       string      `json:"error"`
	Attempts    int         `json:"attempts"`
	Timestamp   time.Time   `json:"timestamp"`
}

// MetricsSnapshot is the control-plane view of the process-wide counters.
type MetricsSnapshot struct {
	TotalSubmitted uint64        `json:"totalSubmitted"`
	TotalConfirmed uint64        `json:"totalConfirmed"`
	TotalFailed    uint64        `json:"totalFailed"`
	TotalTimedOut  uint64        `json:"totalTimedOut"`
	AvgConfirmTime time.Duration `json:"avgConfirmationTime"`
	StartTime      time.Time     `json:"startTime"`
}

var chainNames = map[uint64]string{
	1:     "Ethereum",
	10:    "Optimism",
	56:    "BSC",
	137:   "Polygon",
	250:   "Fantom",
	8453:  "Base",
	42161: "Arbitrum",
	43114: "Avalanche",
}

// ChainName returns a human-readable chain name for known chain ids.
func ChainName(chainID uint64) string {
	if name, ok := chainNames[chainID]; ok {
		return name
	}
	return fmt.Sprintf("Chain %d", chainID)
}

func bigToHex(v *big.Int) *hexutil.Big {
	if v == nil {
		return nil
	}
	return (*hexutil.Big)(new(big.Int).Set(v))
}
