// Package chain resolves chain ids to RPC clients. Endpoint discovery is
// delegated to the chain-connector service; resolved clients are cached
// with a TTL so the connector is not consulted on every call.
package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/relaykit/txmgr/txm"
)

const DefaultCacheTTL = time.Hour

type cachedClient struct {
	client    *Client
	expiresAt time.Time
}

// Resolver implements txm.ProviderResolver against the chain-connector's
// HTTP discovery endpoint.
type Resolver struct {
	lggr         *zap.SugaredLogger
	connectorURL string
	httpClient   *http.Client
	cacheTTL     time.Duration

	mu    sync.Mutex
	cache map[uint64]cachedClient
}

var _ txm.ProviderResolver = (*Resolver)(nil)

func NewResolver(lggr *zap.SugaredLogger, connectorURL string, cacheTTL time.Duration) *Resolver {
	if cacheTTL <= 0 {
		cacheTTL = DefaultCacheTTL
	}
	return &Resolver{
		lggr:         lggr.Named("ChainResolver"),
		connectorURL: connectorURL,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		cacheTTL:     cacheTTL,
		cache:        make(map[uint64]cachedClient),
	}
}

func (r *Resolver) Provider(ctx context.Context, chainID uint64) (txm.Provider, error) {
	r.mu.Lock()
	cached, ok := r.cache[chainID]
	r.mu.Unlock()
	if ok && time.Now().Before(cached.expiresAt) {
		return cached.client, nil
	}

	rpcURL, err := r.lookupRPC(ctx, chainID)
	if err != nil {
		// A stale cached client beats no client at all.
		if ok {
			r.lggr.Warnw("endpoint lookup failed, reusing cached client", "chainID", chainID, "error", err)
			return cached.client, nil
		}
		return nil, err
	}

	client, err := Dial(ctx, rpcURL)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial rpc for chain %d", chainID)
	}

	r.mu.Lock()
	if old, ok := r.cache[chainID]; ok {
		old.client.Close()
	}
	r.cache[chainID] = cachedClient{client: client, expiresAt: time.Now().Add(r.cacheTTL)}
	r.mu.Unlock()

	r.lggr.Debugw("resolved chain provider", "chainID", chainID)
	return client, nil
}

func (r *Resolver) lookupRPC(ctx context.Context, chainID uint64) (string, error) {
	url := fmt.Sprintf("%s/provider/%d", r.connectorURL, chainID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "chain connector unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("chain connector returned status %d for chain %d", resp.StatusCode, chainID)
	}

	var body struct {
		RPC string `json:"rpc"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", errors.Wrap(err, "invalid chain connector response")
	}
	if body.RPC == "" {
		return "", fmt.Errorf("chain connector returned no rpc url for chain %d", chainID)
	}
	return body.RPC, nil
}

// Close releases every cached client.
func (r *Resolver) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, cached := range r.cache {
		cached.client.Close()
		delete(r.cache, id)
	}
}
