package txm

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatusTransitions(t *testing.T) {
	require.True(t, StatusBuilding.CanTransitionTo(StatusSigning))
	require.True(t, StatusSigning.CanTransitionTo(StatusBroadcasting))
	require.True(t, StatusBroadcasting.CanTransitionTo(StatusSubmitted))
	require.True(t, StatusBroadcasting.CanTransitionTo(StatusSigning))
	require.True(t, StatusSubmitted.CanTransitionTo(StatusConfirmed))
	require.True(t, StatusSubmitted.CanTransitionTo(StatusFailed))
	require.True(t, StatusSubmitted.CanTransitionTo(StatusTimeout))

	require.False(t, StatusBuilding.CanTransitionTo(StatusSubmitted))
	require.False(t, StatusSubmitted.CanTransitionTo(StatusSigning))

	for _, terminal := range []TxStatus{StatusConfirmed, StatusFailed, StatusTimeout} {
		require.True(t, terminal.Terminal())
		for _, next := range []TxStatus{StatusBuilding, StatusSigning, StatusBroadcasting, StatusSubmitted, StatusConfirmed, StatusFailed, StatusTimeout} {
			require.False(t, terminal.CanTransitionTo(next), "%s -> %s", terminal, next)
		}
	}
	require.False(t, StatusSubmitted.Terminal())
}

func TestGasParamsValidate(t *testing.T) {
	legacy := legacyParams(1_000_000_000)
	require.NoError(t, legacy.Validate())

	dynamic := GasParams{
		Mode:                 FeeModeDynamic,
		GasLimit:             21_000,
		MaxFeePerGas:         bigToHex(big.NewInt(30_000_000_000)),
		MaxPriorityFeePerGas: bigToHex(big.NewInt(2_000_000_000)),
	}
	require.NoError(t, dynamic.Validate())

	missingLimit := legacyParams(1)
	missingLimit.GasLimit = 0
	require.Error(t, missingLimit.Validate())

	mixed := legacy
	mixed.MaxFeePerGas = bigToHex(big.NewInt(1))
	require.Error(t, mixed.Validate(), "legacy params must not carry fee-market fields")

	halfDynamic := dynamic
	halfDynamic.MaxPriorityFeePerGas = nil
	require.Error(t, halfDynamic.Validate())

	unknown := GasParams{Mode: "eip4844", GasLimit: 21_000}
	require.Error(t, unknown.Validate())
}

func TestChainName(t *testing.T) {
	require.Equal(t, "Ethereum", ChainName(1))
	require.Equal(t, "Polygon", ChainName(137))
	require.Equal(t, "Arbitrum", ChainName(42161))
	require.Equal(t, "Chain 99999", ChainName(99999))
}
