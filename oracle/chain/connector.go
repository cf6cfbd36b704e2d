package chain

import (
	"context"
	"errors"
	"fmt"
	"sync"

	errorsmod "cosmossdk.io/errors"
	sdkmath "cosmossdk.io/math"
	"github.com/cosmos/cosmos-sdk/crypto/keys/secp256k1"
	sdk "github.com/cosmos/cosmos-sdk/types"
	sdkerrors "github.com/cosmos/cosmos-sdk/types/errors"
	coretypes "github.com/tendermint/tendermint/rpc/core/types"

	"github.com/GPTx-global/inferd/oracle/log"
	"github.com/GPTx-global/inferd/oracle/retry"
	"github.com/GPTx-global/inferd/oracle/types"
)

// Broadcaster is satisfied by NodePool.
type Broadcaster interface {
	LatestHeight(ctx context.Context) (int64, error)
	BroadcastTxSync(ctx context.Context, txBytes []byte) (*coretypes.ResultBroadcastTx, error)
}

type Config struct {
	ChainID       string
	Denom         string
	AddressPrefix string
	HDPath        string
	GasPrice      sdk.DecCoin
	GasLimit      uint64
	GasAdjustment float64
	FastBroadcast bool
	Retry         *retry.Config
}

type SubmitRequest struct {
	Mnemonic   string
	Nonce      types.Nonce
	Prediction types.Prediction
	GasPrice   string // optional override of Config.GasPrice
}

type TxResult struct {
	Hash   string
	Code   uint32
	RawLog string
}

// Connector is the single entry point for ledger reads and signed writes.
// Every call goes through the same retry policy.
type Connector struct {
	cfg     Config
	reader  Reader
	nodes   Broadcaster
	encoder TxEncoder
	bank    *BankSigner
}

var prefixOnce sync.Once

// SetAddressPrefix configures the process-wide bech32 account prefix used
// when validating message signers. It only takes effect once.
func SetAddressPrefix(prefix string) {
	prefixOnce.Do(func() {
		sdk.GetConfig().SetBech32PrefixForAccount(prefix, prefix+sdk.PrefixPublic)
	})
}

func NewConnector(cfg Config, reader Reader, nodes Broadcaster, encoder TxEncoder) *Connector {
	if cfg.Retry == nil {
		cfg.Retry = retry.ConnectorConfig()
	}
	if cfg.HDPath == "" {
		cfg.HDPath = DefaultHDPath
	}
	if encoder == nil {
		encoder = JSONTxEncoder{}
	}
	SetAddressPrefix(cfg.AddressPrefix)

	return &Connector{
		cfg:     cfg,
		reader:  reader,
		nodes:   nodes,
		encoder: encoder,
		bank:    NewBankSigner(cfg.ChainID, cfg.HDPath),
	}
}

func (c *Connector) Denom() string { return c.cfg.Denom }

// AddressOf derives the account address controlled by mnemonic.
func (c *Connector) AddressOf(mnemonic string) (string, error) {
	return AddressFromMnemonic(mnemonic, c.cfg.HDPath, c.cfg.AddressPrefix)
}

// readRetryable retries everything except definite answers such as a
// missing topic or account.
func readRetryable(err error) bool {
	return !errors.Is(err, types.ErrTopicNotFound) && !errors.Is(err, types.ErrNotFound)
}

func (c *Connector) QueryTopic(ctx context.Context, topicID uint64) (types.Topic, error) {
	return retry.Do(ctx, c.cfg.Retry, "query topic", func(ctx context.Context) (types.Topic, error) {
		return c.reader.Topic(ctx, topicID)
	}, readRetryable)
}

func (c *Connector) CurrentHeight(ctx context.Context) (int64, error) {
	return retry.Do(ctx, c.cfg.Retry, "current height", c.nodes.LatestHeight, readRetryable)
}

func (c *Connector) Balance(ctx context.Context, address string) (sdkmath.Int, error) {
	return retry.Do(ctx, c.cfg.Retry, "balance", func(ctx context.Context) (sdkmath.Int, error) {
		return c.reader.Balance(ctx, address, c.cfg.Denom)
	}, readRetryable)
}

func (c *Connector) IsWorkerNonceUnfulfilled(ctx context.Context, topicID uint64, height int64) (bool, error) {
	return retry.Do(ctx, c.cfg.Retry, "nonce unfulfilled", func(ctx context.Context) (bool, error) {
		return c.reader.IsWorkerNonceUnfulfilled(ctx, topicID, height)
	}, readRetryable)
}

func (c *Connector) CanSubmitWorkerPayload(ctx context.Context, topicID uint64, address string) (bool, error) {
	return retry.Do(ctx, c.cfg.Retry, "can submit", func(ctx context.Context) (bool, error) {
		return c.reader.CanSubmitWorkerPayload(ctx, topicID, address)
	}, readRetryable)
}

func (c *Connector) ActiveInferers(ctx context.Context, topicID uint64, height int64) ([]string, error) {
	return retry.Do(ctx, c.cfg.Retry, "active inferers", func(ctx context.Context) ([]string, error) {
		return c.reader.ActiveInferers(ctx, topicID, height)
	}, readRetryable)
}

// Transfer sends amount of the configured denom from the mnemonic's account.
func (c *Connector) Transfer(ctx context.Context, fromMnemonic, to string, amount sdkmath.Int) (string, error) {
	from, err := c.AddressOf(fromMnemonic)
	if err != nil {
		return "", err
	}

	res, err := retry.Do(ctx, c.cfg.Retry, "transfer", func(ctx context.Context) (TxResult, error) {
		acc, err := c.reader.Account(ctx, from)
		if err != nil {
			return TxResult{}, err
		}

		bz, err := c.bank.SignSend(SendRequest{
			Mnemonic: fromMnemonic,
			From:     from,
			To:       to,
			Amount:   sdk.NewCoins(sdk.NewCoin(c.cfg.Denom, amount)),
			Account:  acc,
			GasLimit: c.cfg.GasLimit,
			Fee:      ComputeFee(c.cfg.GasPrice, c.cfg.GasLimit),
		})
		if err != nil {
			return TxResult{}, retry.Permanent(err)
		}
		return c.broadcast(ctx, bz)
	}, readRetryable)
	if err != nil {
		return "", err
	}

	log.Infof("transferred %s%s from %s to %s: %s", amount, c.cfg.Denom, from, to, res.Hash)
	return res.Hash, nil
}

// SignAndSubmit signs the worker payload for req.Nonce offline and broadcasts it.
func (c *Connector) SignAndSubmit(ctx context.Context, req SubmitRequest) (TxResult, error) {
	priv, err := DeriveKey(req.Mnemonic, c.cfg.HDPath)
	if err != nil {
		return TxResult{}, err
	}
	worker, err := Bech32Address(priv, c.cfg.AddressPrefix)
	if err != nil {
		return TxResult{}, err
	}

	price := c.cfg.GasPrice
	if req.GasPrice != "" {
		if price, err = ParseGasPrice(req.GasPrice); err != nil {
			return TxResult{}, err
		}
	}

	msg, err := NewWorkerPayload(priv, worker, req.Nonce, req.Prediction)
	if err != nil {
		return TxResult{}, err
	}

	return retry.Do(ctx, c.cfg.Retry, "sign and submit", func(ctx context.Context) (TxResult, error) {
		acc, err := c.reader.Account(ctx, worker)
		if err != nil {
			return TxResult{}, err
		}

		sd := SignerData{
			ChainID:       c.cfg.ChainID,
			AccountNumber: acc.Number,
			Sequence:      acc.Sequence,
			GasLimit:      c.cfg.GasLimit,
			Fee:           ComputeFee(price, c.cfg.GasLimit),
		}

		if !c.cfg.FastBroadcast {
			sd.GasLimit = c.estimateGas(ctx, priv, msg, sd)
			sd.Fee = ComputeFee(price, sd.GasLimit)
		}

		bz, err := c.encoder.EncodeWorkerTx(priv, msg, sd)
		if err != nil {
			return TxResult{}, retry.Permanent(err)
		}
		return c.broadcast(ctx, bz)
	}, readRetryable)
}

// estimateGas simulates the tx and falls back to the fixed limit on failure.
func (c *Connector) estimateGas(ctx context.Context, priv *secp256k1.PrivKey, msg *MsgInsertWorkerPayload, sd SignerData) uint64 {
	sim, ok := c.reader.(Simulator)
	if !ok {
		return c.cfg.GasLimit
	}

	bz, err := c.encoder.EncodeWorkerTx(priv, msg, sd)
	if err != nil {
		return c.cfg.GasLimit
	}
	used, err := sim.Simulate(ctx, bz)
	if err != nil {
		log.Warnf("gas simulation failed, using fixed limit %d: %v", c.cfg.GasLimit, err)
		return c.cfg.GasLimit
	}
	return AdjustGas(used, c.cfg.GasAdjustment)
}

func (c *Connector) broadcast(ctx context.Context, bz []byte) (TxResult, error) {
	res, err := c.nodes.BroadcastTxSync(ctx, bz)
	if err != nil {
		return TxResult{}, err
	}

	out := TxResult{Hash: res.Hash.String(), Code: res.Code, RawLog: res.Log}
	if res.Code == 0 {
		return out, nil
	}

	if res.Codespace == sdkerrors.RootCodespace {
		switch res.Code {
		case sdkerrors.ErrTxInMempoolCache.ABCICode():
			// a previous attempt already reached the mempool
			log.Infof("tx %s already in mempool", out.Hash)
			out.Code = 0
			return out, nil
		case sdkerrors.ErrWrongSequence.ABCICode():
			return out, fmt.Errorf("account sequence mismatch: %s", res.Log)
		}
	}

	return out, retry.Permanent(errorsmod.Wrapf(types.ErrLedgerRejected, "code %d: %s", res.Code, res.Log))
}
