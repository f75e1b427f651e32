package txm

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"
)

const (
	// Gas limit defaults when estimation fails: plain value transfer vs
	// contract call with payload.
	DefaultTransferGasLimit = 21_000
	DefaultCallGasLimit     = 200_000

	// Estimates get a 20% safety buffer.
	gasBufferNumerator   = 120
	gasBufferDenominator = 100

	DefaultFeeStrategy = "fast"
)

// FallbackGasPrice (10 gwei) is used when the gas oracle is unreachable.
// Conservative on purpose: a build must not fail because fee advice is
// down.
var FallbackGasPrice = big.NewInt(10_000_000_000)

// BuildRequest is the caller's intent, still in wire form. The builder
// validates it and turns it into a complete UnsignedTx.
type BuildRequest struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	Data        string `json:"data"`
	FeeStrategy string `json:"feeStrategy"`

	// Overrides skip estimation / oracle lookup for the fields provided.
	GasLimit             *uint64      `json:"gasLimit,omitempty"`
	GasPrice             *hexutil.Big `json:"gasPrice,omitempty"`
	MaxFeePerGas         *hexutil.Big `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas *hexutil.Big `json:"maxPriorityFeePerGas,omitempty"`
}

// Builder assembles unsigned descriptors: it allocates the nonce, resolves
// the gas limit and resolves fee parameters. It holds no mutable state of
// its own.
type Builder struct {
	lggr     *zap.SugaredLogger
	ledger   *NonceLedger
	resolver ProviderResolver
	oracle   GasOracle
}

func NewBuilder(lggr *zap.SugaredLogger, ledger *NonceLedger, resolver ProviderResolver, oracle GasOracle) *Builder {
	return &Builder{
		lggr:     lggr.Named("Builder"),
		ledger:   ledger,
		resolver: resolver,
		oracle:   oracle,
	}
}

// Build validates the request, allocates a nonce and returns a descriptor
// ready for signing. The allocated nonce counts as pending from here on;
// if submission later fails before broadcast, the engine releases it.
func (b *Builder) Build(ctx context.Context, chainID uint64, req BuildRequest) (*UnsignedTx, error) {
	if !common.IsHexAddress(req.From) {
		return nil, &InvalidRequestError{Reason: "invalid from address: " + req.From}
	}
	if !common.IsHexAddress(req.To) {
		return nil, &InvalidRequestError{Reason: "invalid to address: " + req.To}
	}
	from := common.HexToAddress(req.From)
	to := common.HexToAddress(req.To)

	value := new(big.Int)
	if req.Value != "" {
		if _, ok := value.SetString(req.Value, 10); !ok {
			return nil, &InvalidRequestError{Reason: "invalid value: " + req.Value}
		}
		if value.Sign() < 0 {
			return nil, &InvalidRequestError{Reason: "value must be non-negative"}
		}
	}

	var data []byte
	if req.Data != "" && req.Data != "0x" {
		decoded, err := hexutil.Decode(req.Data)
		if err != nil {
			return nil, &InvalidRequestError{Reason: "invalid data: " + err.Error()}
		}
		data = decoded
	}

	nonce, err := b.ledger.Allocate(ctx, chainID, from)
	if err != nil {
		return nil, err
	}

	gasLimit := b.resolveGasLimit(ctx, chainID, from, to, value, data, req.GasLimit)
	fees := b.resolveFees(ctx, chainID, req)
	fees.GasLimit = gasLimit

	b.lggr.Infow("transaction built",
		"chain", ChainName(chainID), "from", from.Hex(), "to", to.Hex(),
		"nonce", nonce, "gasLimit", gasLimit, "feeMode", fees.Mode)

	return &UnsignedTx{
		ChainID: chainID,
		From:    from,
		To:      to,
		Value:   bigToHex(value),
		Data:    data,
		Nonce:   nonce,
		Gas:     fees,
	}, nil
}

// resolveGasLimit prefers the caller's override, then a provider estimate
// with a 20% buffer, then a fixed default. Estimation failure is
// deliberately non-fatal.
func (b *Builder) resolveGasLimit(ctx context.Context, chainID uint64, from, to common.Address, value *big.Int, data []byte, override *uint64) uint64 {
	if override != nil && *override > 0 {
		return *override
	}

	fallback := uint64(DefaultTransferGasLimit)
	if len(data) > 0 {
		fallback = DefaultCallGasLimit
	}

	provider, err := b.resolver.Provider(ctx, chainID)
	if err != nil {
		b.lggr.Warnw("provider unavailable for gas estimation, using default",
			"chain", ChainName(chainID), "default", fallback, "error", err)
		return fallback
	}
	estimate, err := provider.EstimateGas(ctx, ethereum.CallMsg{
		From:  from,
		To:    &to,
		Value: value,
		Data:  data,
	})
	if err != nil {
		b.lggr.Warnw("gas estimation failed, using default",
			"chain", ChainName(chainID), "default", fallback, "error", err)
		return fallback
	}
	return estimate * gasBufferNumerator / gasBufferDenominator
}

// resolveFees prefers caller overrides, then the gas oracle, then the
// fixed legacy fallback.
func (b *Builder) resolveFees(ctx context.Context, chainID uint64, req BuildRequest) GasParams {
	if req.MaxFeePerGas != nil {
		tip := req.MaxPriorityFeePerGas
		if tip == nil {
			tip = req.MaxFeePerGas
		}
		return GasParams{Mode: FeeModeDynamic, MaxFeePerGas: req.MaxFeePerGas, MaxPriorityFeePerGas: tip}
	}
	if req.GasPrice != nil {
		return GasParams{Mode: FeeModeLegacy, GasPrice: req.GasPrice}
	}

	strategy := req.FeeStrategy
	if strings.TrimSpace(strategy) == "" {
		strategy = DefaultFeeStrategy
	}
	fees, err := b.oracle.Fees(ctx, chainID, strategy)
	if err != nil {
		b.lggr.Warnw("gas oracle unavailable, using fallback gas price",
			"chain", ChainName(chainID), "strategy", strategy, "error", err)
		return GasParams{Mode: FeeModeLegacy, GasPrice: bigToHex(FallbackGasPrice)}
	}
	return fees
}
