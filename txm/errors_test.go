package txm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyBroadcastError(t *testing.T) {
	rejected := ClassifyBroadcastError(errors.New("INTERNAL_ERROR: Nonce too low: next nonce 5, tx nonce 3"))
	var brej *BroadcastRejectedError
	require.ErrorAs(t, rejected, &brej)
	require.Equal(t, "nonce too low", brej.Reason)
	require.False(t, Retryable(rejected))

	transient := ClassifyBroadcastError(errors.New("dial tcp 10.0.0.1:8545: connect: connection refused"))
	var perr *ProviderError
	require.ErrorAs(t, transient, &perr)
	require.True(t, Retryable(transient))

	require.NoError(t, ClassifyBroadcastError(nil))
}

func TestRetryable(t *testing.T) {
	require.True(t, Retryable(&ProviderError{Op: "broadcast", Err: errors.New("timeout")}))
	require.True(t, Retryable(&SigningError{KeyRef: "k", Err: errors.New("unreachable")}))
	require.False(t, Retryable(&InvalidRequestError{Reason: "bad address"}))
	require.False(t, Retryable(&BroadcastRejectedError{Reason: "already known"}))
	require.False(t, Retryable(errors.New("plain")))
}

func TestBackoffDelayLinear(t *testing.T) {
	policy := BackoffPolicy{BaseDelay: 100, MaxRetries: 3}
	require.EqualValues(t, 100, policy.Delay(0))
	require.EqualValues(t, 200, policy.Delay(1))
	require.EqualValues(t, 300, policy.Delay(2))
}
