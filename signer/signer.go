// Package signer talks to the external key-manager service. Key custody
// and the signing algorithm live entirely on the other side of this
// client.
package signer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/pkg/errors"

	"github.com/relaykit/txmgr/txm"
)

const defaultTimeout = 10 * time.Second

// Remote signs transactions through the key-manager's HTTP API.
type Remote struct {
	baseURL    string
	httpClient *http.Client
}

var _ txm.Signer = (*Remote)(nil)

func NewRemote(baseURL string, timeout time.Duration) *Remote {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Remote{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (r *Remote) SignTransaction(ctx context.Context, keyRef string, tx *txm.UnsignedTx) ([]byte, error) {
	payload, err := json.Marshal(tx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode transaction")
	}

	url := fmt.Sprintf("%s/key/%s/sign/transaction", r.baseURL, keyRef)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "key manager unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("key manager returned status %d for key %s", resp.StatusCode, keyRef)
	}

	var body struct {
		SignedTransaction string `json:"signedTransaction"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, errors.Wrap(err, "invalid key manager response")
	}
	if body.SignedTransaction == "" {
		return nil, fmt.Errorf("no signed transaction in key manager response")
	}

	raw, err := hexutil.Decode(body.SignedTransaction)
	if err != nil {
		return nil, errors.Wrap(err, "signed transaction is not valid hex")
	}
	return raw, nil
}
