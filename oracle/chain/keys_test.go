package chain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func TestDeriveKey_KnownAddress(t *testing.T) {
	addr, err := AddressFromMnemonic(testMnemonic, DefaultHDPath, "cosmos")
	require.NoError(t, err)
	require.Equal(t, "cosmos19rl4cm2hmr8afy4kldpxz3fka4jguq0auqdal4", addr)
}

func TestDeriveKey_Deterministic(t *testing.T) {
	a, err := DeriveKey(testMnemonic, DefaultHDPath)
	require.NoError(t, err)
	b, err := DeriveKey(testMnemonic, DefaultHDPath)
	require.NoError(t, err)
	require.True(t, a.Equals(b))

	other, err := DeriveKey(testMnemonic, "m/44'/118'/0'/0/1")
	require.NoError(t, err)
	require.False(t, a.Equals(other))

	// compressed public key
	require.Len(t, a.PubKey().Bytes(), 33)
}

func TestDeriveKey_Prefix(t *testing.T) {
	addr, err := AddressFromMnemonic(testMnemonic, DefaultHDPath, "allo")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(addr, "allo1"))
}

func TestDeriveKey_InvalidMnemonic(t *testing.T) {
	_, err := DeriveKey("not a mnemonic", DefaultHDPath)
	require.Error(t, err)
}
