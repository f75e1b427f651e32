// Package gas queries the external gas-manager for fee parameters. Fee
// strategy computation is out of scope here; this is only the wire
// client plus decoding into the tagged GasParams union.
package gas

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/pkg/errors"

	"github.com/relaykit/txmgr/txm"
)

const defaultTimeout = 5 * time.Second

// Client implements txm.GasOracle against the gas-manager HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

var _ txm.GasOracle = (*Client)(nil)

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) Fees(ctx context.Context, chainID uint64, strategy string) (txm.GasParams, error) {
	payload, err := json.Marshal(map[string]string{"strategy": strategy})
	if err != nil {
		return txm.GasParams{}, err
	}

	url := fmt.Sprintf("%s/gas/%d/calculate", c.baseURL, chainID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return txm.GasParams{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return txm.GasParams{}, errors.Wrap(err, "gas manager unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return txm.GasParams{}, fmt.Errorf("gas manager returned status %d", resp.StatusCode)
	}

	var body struct {
		GasParams struct {
			Type                 uint8  `json:"type"`
			GasPrice             string `json:"gasPrice"`
			MaxFeePerGas         string `json:"maxFeePerGas"`
			MaxPriorityFeePerGas string `json:"maxPriorityFeePerGas"`
		} `json:"gasParams"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return txm.GasParams{}, errors.Wrap(err, "invalid gas manager response")
	}

	// Type 2 is fee-market, anything else is treated as legacy, matching
	// EVM transaction type tags.
	if body.GasParams.Type == 2 {
		maxFee, err := parseWei(body.GasParams.MaxFeePerGas)
		if err != nil {
			return txm.GasParams{}, errors.Wrap(err, "maxFeePerGas")
		}
		tip, err := parseWei(body.GasParams.MaxPriorityFeePerGas)
		if err != nil {
			return txm.GasParams{}, errors.Wrap(err, "maxPriorityFeePerGas")
		}
		return txm.GasParams{
			Mode:                 txm.FeeModeDynamic,
			MaxFeePerGas:         (*hexutil.Big)(maxFee),
			MaxPriorityFeePerGas: (*hexutil.Big)(tip),
		}, nil
	}

	price, err := parseWei(body.GasParams.GasPrice)
	if err != nil {
		return txm.GasParams{}, errors.Wrap(err, "gasPrice")
	}
	return txm.GasParams{Mode: txm.FeeModeLegacy, GasPrice: (*hexutil.Big)(price)}, nil
}

func parseWei(s string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("missing value")
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid decimal value: %q", s)
	}
	return v, nil
}
