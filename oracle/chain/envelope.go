package chain

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/cosmos/cosmos-sdk/crypto/keys/secp256k1"
	sdk "github.com/cosmos/cosmos-sdk/types"
	"github.com/tidwall/sjson"

	"github.com/GPTx-global/inferd/oracle/types"
)

const (
	msgInsertWorkerPayload = "/emissions.v9.InsertWorkerPayloadRequest"
	pubKeyTypeURL          = "/cosmos.crypto.secp256k1.PubKey"
	signModeDirect         = "SIGN_MODE_DIRECT"
)

// The worker payload types mirror the emissions module messages. They are
// encoded as JSON; TxEncoder is the seam for a native encoding.

type Inference struct {
	TopicID     uint64 `json:"topic_id,string"`
	BlockHeight int64  `json:"block_height,string"`
	Inferer     string `json:"inferer"`
	Value       string `json:"value"`
	ExtraData   []byte `json:"extra_data,omitempty"`
	Proof       string `json:"proof,omitempty"`
}

type ForecastElement struct {
	Inferer string `json:"inferer"`
	Value   string `json:"value"`
}

type Forecast struct {
	TopicID          uint64            `json:"topic_id,string"`
	BlockHeight      int64             `json:"block_height,string"`
	Forecaster       string            `json:"forecaster"`
	ForecastElements []ForecastElement `json:"forecast_elements"`
	ExtraData        []byte            `json:"extra_data,omitempty"`
}

type InferenceForecastBundle struct {
	Inference *Inference `json:"inference,omitempty"`
	Forecast  *Forecast  `json:"forecast,omitempty"`
}

type WorkerNonce struct {
	BlockHeight int64 `json:"block_height,string"`
}

type WorkerDataBundle struct {
	Worker                             string                   `json:"worker"`
	Nonce                              WorkerNonce              `json:"nonce"`
	TopicID                            uint64                   `json:"topic_id,string"`
	InferenceForecastsBundle           *InferenceForecastBundle `json:"inference_forecasts_bundle"`
	InferencesForecastsBundleSignature []byte                   `json:"inferences_forecasts_bundle_signature"`
	Pubkey                             string                   `json:"pubkey"`
}

// SignBytes is the canonical encoding of the inner bundle that gets signed:
// compact JSON with object keys sorted at every level.
func (b *WorkerDataBundle) SignBytes() ([]byte, error) {
	bz, err := json.Marshal(b.InferenceForecastsBundle)
	if err != nil {
		return nil, err
	}
	return sdk.SortJSON(bz)
}

type MsgInsertWorkerPayload struct {
	Type             string            `json:"@type"`
	Sender           string            `json:"sender"`
	WorkerDataBundle *WorkerDataBundle `json:"worker_data_bundle"`
}

// NewWorkerPayload builds and signs the worker bundle for one nonce.
func NewWorkerPayload(priv *secp256k1.PrivKey, worker string, nonce types.Nonce, p types.Prediction) (*MsgInsertWorkerPayload, error) {
	if p.Empty() {
		return nil, types.ErrInvalidPrediction
	}

	bundle := &InferenceForecastBundle{}
	if p.InferenceValue != "" {
		bundle.Inference = &Inference{
			TopicID:     nonce.TopicID,
			BlockHeight: nonce.Height,
			Inferer:     worker,
			Value:       p.InferenceValue,
			ExtraData:   p.ExtraData,
			Proof:       p.Proof,
		}
	}
	if len(p.Forecasts) > 0 {
		elements := make([]ForecastElement, 0, len(p.Forecasts))
		for _, f := range p.Forecasts {
			elements = append(elements, ForecastElement{Inferer: f.WorkerAddress, Value: f.ForecastedValue})
		}
		bundle.Forecast = &Forecast{
			TopicID:          nonce.TopicID,
			BlockHeight:      nonce.Height,
			Forecaster:       worker,
			ForecastElements: elements,
			ExtraData:        p.ExtraData,
		}
	}

	wdb := &WorkerDataBundle{
		Worker:                   worker,
		Nonce:                    WorkerNonce{BlockHeight: nonce.Height},
		TopicID:                  nonce.TopicID,
		InferenceForecastsBundle: bundle,
		Pubkey:                   hex.EncodeToString(priv.PubKey().Bytes()),
	}

	signBytes, err := wdb.SignBytes()
	if err != nil {
		return nil, fmt.Errorf("failed to encode bundle: %w", err)
	}
	sig, err := priv.Sign(signBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to sign bundle: %w", err)
	}
	wdb.InferencesForecastsBundleSignature = sig

	return &MsgInsertWorkerPayload{
		Type:             msgInsertWorkerPayload,
		Sender:           worker,
		WorkerDataBundle: wdb,
	}, nil
}

// SignerData carries everything needed to sign the outer transaction.
type SignerData struct {
	ChainID       string
	AccountNumber uint64
	Sequence      uint64
	Fee           sdk.Coins
	GasLimit      uint64
	Memo          string
}

// TxEncoder turns a signed worker message into broadcastable tx bytes.
type TxEncoder interface {
	EncodeWorkerTx(priv *secp256k1.PrivKey, msg *MsgInsertWorkerPayload, sd SignerData) ([]byte, error)
}

type txBody struct {
	Messages []*MsgInsertWorkerPayload `json:"messages"`
	Memo     string                    `json:"memo"`
}

type pubKey struct {
	Type string `json:"@type"`
	Key  []byte `json:"key"`
}

type signerInfo struct {
	PublicKey pubKey `json:"public_key"`
	ModeInfo  struct {
		Single struct {
			Mode string `json:"mode"`
		} `json:"single"`
	} `json:"mode_info"`
	Sequence uint64 `json:"sequence,string"`
}

type fee struct {
	Amount   sdk.Coins `json:"amount"`
	GasLimit uint64    `json:"gas_limit,string"`
}

type authInfo struct {
	SignerInfos []signerInfo `json:"signer_infos"`
	Fee         fee          `json:"fee"`
}

type signDoc struct {
	Body          txBody   `json:"body"`
	AuthInfo      authInfo `json:"auth_info"`
	ChainID       string   `json:"chain_id"`
	AccountNumber uint64   `json:"account_number,string"`
}

// JSONTxEncoder signs the sorted sign doc and derives the broadcast tx from
// those exact bytes, so body and auth_info on the wire are what was signed.
type JSONTxEncoder struct{}

func (JSONTxEncoder) EncodeWorkerTx(priv *secp256k1.PrivKey, msg *MsgInsertWorkerPayload, sd SignerData) ([]byte, error) {
	si := signerInfo{
		PublicKey: pubKey{Type: pubKeyTypeURL, Key: priv.PubKey().Bytes()},
		Sequence:  sd.Sequence,
	}
	si.ModeInfo.Single.Mode = signModeDirect

	body := txBody{Messages: []*MsgInsertWorkerPayload{msg}, Memo: sd.Memo}
	auth := authInfo{
		SignerInfos: []signerInfo{si},
		Fee:         fee{Amount: sd.Fee, GasLimit: sd.GasLimit},
	}

	doc, err := json.Marshal(signDoc{
		Body:          body,
		AuthInfo:      auth,
		ChainID:       sd.ChainID,
		AccountNumber: sd.AccountNumber,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode sign doc: %w", err)
	}
	signBytes, err := sdk.SortJSON(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to sort sign doc: %w", err)
	}
	sig, err := priv.Sign(signBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to sign tx: %w", err)
	}

	bz, err := sjson.DeleteBytes(signBytes, "account_number")
	if err != nil {
		return nil, fmt.Errorf("failed to encode tx: %w", err)
	}
	if bz, err = sjson.DeleteBytes(bz, "chain_id"); err != nil {
		return nil, fmt.Errorf("failed to encode tx: %w", err)
	}
	return sjson.SetRawBytes(bz, "signatures", []byte(`["`+base64.StdEncoding.EncodeToString(sig)+`"]`))
}
