package chain

import (
	"fmt"

	"github.com/cosmos/cosmos-sdk/crypto/hd"
	"github.com/cosmos/cosmos-sdk/crypto/keys/secp256k1"
	"github.com/cosmos/cosmos-sdk/types/bech32"
)

const DefaultHDPath = "m/44'/118'/0'/0/0"

// DeriveKey derives the secp256k1 key at hdPath from a BIP-39 mnemonic.
func DeriveKey(mnemonic, hdPath string) (*secp256k1.PrivKey, error) {
	seed, err := hd.Secp256k1.Derive()(mnemonic, "", hdPath)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}

	priv, ok := hd.Secp256k1.Generate()(seed).(*secp256k1.PrivKey)
	if !ok {
		return nil, fmt.Errorf("unexpected key type")
	}
	return priv, nil
}

// Bech32Address renders the account address of priv under prefix.
func Bech32Address(priv *secp256k1.PrivKey, prefix string) (string, error) {
	return bech32.ConvertAndEncode(prefix, priv.PubKey().Address())
}

// AddressFromMnemonic is DeriveKey followed by Bech32Address.
func AddressFromMnemonic(mnemonic, hdPath, prefix string) (string, error) {
	priv, err := DeriveKey(mnemonic, hdPath)
	if err != nil {
		return "", err
	}
	return Bech32Address(priv, prefix)
}
