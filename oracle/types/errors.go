package types

import (
	errorsmod "cosmossdk.io/errors"
)

const Codespace = "inferd"

var (
	ErrTopicNotFound      = errorsmod.Register(Codespace, 2, "topic not found")
	ErrUnavailable        = errorsmod.Register(Codespace, 3, "ledger unavailable")
	ErrLedgerRejected     = errorsmod.Register(Codespace, 4, "transaction rejected by ledger")
	ErrInvalidPrediction  = errorsmod.Register(Codespace, 5, "invalid prediction")
	ErrWebhookUnavailable = errorsmod.Register(Codespace, 6, "webhook unavailable")
	ErrSecretNotFound     = errorsmod.Register(Codespace, 7, "secret not found")
	ErrNotFound           = errorsmod.Register(Codespace, 8, "record not found")
	ErrProvisioning       = errorsmod.Register(Codespace, 9, "wallet provisioning failed")
	ErrWindowClosed       = errorsmod.Register(Codespace, 10, "submission window closed")
	ErrModelInactive      = errorsmod.Register(Codespace, 11, "model inactive")
)
