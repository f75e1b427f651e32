package chain

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newConnector(t *testing.T, rpcURL string, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		require.Equal(t, http.MethodGet, r.Method)
		fmt.Fprintf(w, `{"rpc": %q}`, rpcURL)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestResolverCachesClients(t *testing.T) {
	// Any HTTP endpoint works as the RPC target: dialing is lazy.
	rpcServer := httptest.NewServer(http.NotFoundHandler())
	defer rpcServer.Close()

	var hits atomic.Int64
	connector := newConnector(t, rpcServer.URL, &hits)

	resolver := NewResolver(zaptest.NewLogger(t).Sugar(), connector.URL, time.Hour)
	defer resolver.Close()

	first, err := resolver.Provider(context.Background(), 137)
	require.NoError(t, err)
	second, err := resolver.Provider(context.Background(), 137)
	require.NoError(t, err)

	require.Same(t, first, second)
	require.EqualValues(t, 1, hits.Load(), "second resolve must come from cache")
}

func TestResolverExpiredCacheRefetches(t *testing.T) {
	rpcServer := httptest.NewServer(http.NotFoundHandler())
	defer rpcServer.Close()

	var hits atomic.Int64
	connector := newConnector(t, rpcServer.URL, &hits)

	resolver := NewResolver(zaptest.NewLogger(t).Sugar(), connector.URL, time.Nanosecond)
	defer resolver.Close()

	_, err := resolver.Provider(context.Background(), 137)
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	_, err = resolver.Provider(context.Background(), 137)
	require.NoError(t, err)

	require.EqualValues(t, 2, hits.Load())
}

func TestResolverStaleFallback(t *testing.T) {
	rpcServer := httptest.NewServer(http.NotFoundHandler())
	defer rpcServer.Close()

	var hits atomic.Int64
	connector := newConnector(t, rpcServer.URL, &hits)

	resolver := NewResolver(zaptest.NewLogger(t).Sugar(), connector.URL, time.Nanosecond)
	defer resolver.Close()

	first, err := resolver.Provider(context.Background(), 137)
	require.NoError(t, err)

	// connector goes away; the expired cache entry is still served
	connector.Close()
	time.Sleep(time.Millisecond)

	second, err := resolver.Provider(context.Background(), 137)
	require.NoError(t, err)
	require.Same(t, first, second)
}

func TestResolverConnectorErrors(t *testing.T) {
	lggr := zaptest.NewLogger(t).Sugar()

	t.Run("unreachable", func(t *testing.T) {
		resolver := NewResolver(lggr, "http://127.0.0.1:1", time.Hour)
		defer resolver.Close()
		_, err := resolver.Provider(context.Background(), 137)
		require.Error(t, err)
	})

	t.Run("unknown chain", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "unknown chain", http.StatusNotFound)
		}))
		defer server.Close()
		resolver := NewResolver(lggr, server.URL, time.Hour)
		defer resolver.Close()
		_, err := resolver.Provider(context.Background(), 137)
		require.ErrorContains(t, err, "status 404")
	})

	t.Run("empty rpc url", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"rpc": ""}`)
		}))
		defer server.Close()
		resolver := NewResolver(lggr, server.URL, time.Hour)
		defer resolver.Close()
		_, err := resolver.Provider(context.Background(), 137)
		require.ErrorContains(t, err, "no rpc url")
	})
}
