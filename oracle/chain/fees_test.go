package chain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestComputeFee(t *testing.T) {
	testCases := []struct {
		price    string
		limit    uint64
		expected string
	}{
		{"10uallo", 300000, "3000000uallo"},
		{"0.025uallo", 200000, "5000uallo"},
		{"0.3uallo", 7, "3uallo"}, // 2.1 rounds up
		{"0uallo", 100, ""},
	}

	for _, tc := range testCases {
		price, err := ParseGasPrice(tc.price)
		require.NoError(t, err)
		require.Equal(t, tc.expected, ComputeFee(price, tc.limit).String(), tc.price)
	}
}

func TestParseGasPrice_Invalid(t *testing.T) {
	_, err := ParseGasPrice("ten")
	require.Error(t, err)
}

func TestAdjustGas(t *testing.T) {
	require.Equal(t, uint64(120), AdjustGas(100, 1.2))
	require.Equal(t, uint64(101), AdjustGas(100, 1.001))
	require.Equal(t, uint64(100), AdjustGas(100, 0))
}
