package chain

import (
	"fmt"

	"github.com/cosmos/cosmos-sdk/client"
	"github.com/cosmos/cosmos-sdk/client/tx"
	"github.com/cosmos/cosmos-sdk/codec"
	codectypes "github.com/cosmos/cosmos-sdk/codec/types"
	"github.com/cosmos/cosmos-sdk/crypto/hd"
	"github.com/cosmos/cosmos-sdk/crypto/keyring"
	"github.com/cosmos/cosmos-sdk/std"
	sdk "github.com/cosmos/cosmos-sdk/types"
	"github.com/cosmos/cosmos-sdk/types/tx/signing"
	authtx "github.com/cosmos/cosmos-sdk/x/auth/tx"
	banktypes "github.com/cosmos/cosmos-sdk/x/bank/types"
)

const bankSignerUID = "sender"

// BankSigner builds and signs native bank transfers.
type BankSigner struct {
	cdc     codec.Codec
	txCfg   client.TxConfig
	chainID string
	hdPath  string
}

func NewBankSigner(chainID, hdPath string) *BankSigner {
	registry := codectypes.NewInterfaceRegistry()
	std.RegisterInterfaces(registry)
	banktypes.RegisterInterfaces(registry)

	cdc := codec.NewProtoCodec(registry)
	return &BankSigner{
		cdc:     cdc,
		txCfg:   authtx.NewTxConfig(cdc, authtx.DefaultSignModes),
		chainID: chainID,
		hdPath:  hdPath,
	}
}

type SendRequest struct {
	Mnemonic string
	From     string
	To       string
	Amount   sdk.Coins
	Account  Account
	GasLimit uint64
	Fee      sdk.Coins
}

// SignSend returns the encoded, signed MsgSend transaction.
func (b *BankSigner) SignSend(req SendRequest) ([]byte, error) {
	kr := keyring.NewInMemory(b.cdc)
	if _, err := kr.NewAccount(bankSignerUID, req.Mnemonic, "", b.hdPath, hd.Secp256k1); err != nil {
		return nil, fmt.Errorf("failed to import key: %w", err)
	}

	msg := &banktypes.MsgSend{
		FromAddress: req.From,
		ToAddress:   req.To,
		Amount:      req.Amount,
	}

	factory := tx.Factory{}.
		WithTxConfig(b.txCfg).
		WithKeybase(kr).
		WithChainID(b.chainID).
		WithGas(req.GasLimit).
		WithFees(req.Fee.String()).
		WithAccountNumber(req.Account.Number).
		WithSequence(req.Account.Sequence).
		WithSignMode(signing.SignMode_SIGN_MODE_DIRECT)

	builder, err := factory.BuildUnsignedTx(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to build tx: %w", err)
	}

	if err := tx.Sign(factory, bankSignerUID, builder, true); err != nil {
		return nil, fmt.Errorf("failed to sign tx: %w", err)
	}

	bz, err := b.txCfg.TxEncoder()(builder.GetTx())
	if err != nil {
		return nil, fmt.Errorf("failed to encode tx: %w", err)
	}
	return bz, nil
}

// Decode is the inverse of SignSend's encoding.
func (b *BankSigner) Decode(bz []byte) (sdk.Tx, error) {
	return b.txCfg.TxDecoder()(bz)
}
