package worker

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	errorsmod "cosmossdk.io/errors"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/shopspring/decimal"
	"github.com/spf13/cast"
	"github.com/tidwall/gjson"

	"github.com/GPTx-global/inferd/oracle/log"
	"github.com/GPTx-global/inferd/oracle/types"
)

const (
	maxResponseBytes = 1 << 20
	// maxDigits bounds the rendered length of a value, enough for any
	// 256-bit integer part with 18 decimals.
	maxDigits = 100
)

type webhookRequest struct {
	ActiveWorkers []string `json:"activeWorkers"`
}

// Webhook calls model endpoints for predictions. Connection errors and 5xx
// responses are retried by the client; the whole call is bounded by timeout.
type Webhook struct {
	client  *retryablehttp.Client
	timeout time.Duration
}

func NewWebhook(timeout time.Duration, retries int) *Webhook {
	client := retryablehttp.NewClient()
	client.RetryMax = retries
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.Logger = log.Leveled()
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.HTTPClient.Timeout = timeout

	return &Webhook{client: client, timeout: timeout}
}

func (w *Webhook) Predict(ctx context.Context, url string, activeWorkers []string) (types.Prediction, error) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	if activeWorkers == nil {
		activeWorkers = []string{}
	}
	body, err := json.Marshal(webhookRequest{ActiveWorkers: activeWorkers})
	if err != nil {
		return types.Prediction{}, err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return types.Prediction{}, errorsmod.Wrapf(types.ErrInvalidPrediction, "bad webhook url %q: %s", url, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "inferd/1.0")

	resp, err := w.client.Do(req)
	if err != nil {
		return types.Prediction{}, errorsmod.Wrap(types.ErrWebhookUnavailable, err.Error())
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return types.Prediction{}, errorsmod.Wrapf(types.ErrWebhookUnavailable, "read body: %s", err)
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return types.Prediction{}, errorsmod.Wrapf(types.ErrWebhookUnavailable, "HTTP %d: %s", resp.StatusCode, truncate(raw))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return types.Prediction{}, errorsmod.Wrapf(types.ErrInvalidPrediction, "HTTP %d: %s", resp.StatusCode, truncate(raw))
	}

	p, err := ParsePrediction(raw)
	if err != nil {
		return types.Prediction{}, err
	}
	if p.Empty() {
		return types.Prediction{}, errorsmod.Wrap(types.ErrInvalidPrediction, "no inference value or forecasts")
	}
	return p, nil
}

type parseStrategy struct {
	name  string
	parse func(raw []byte) (types.Prediction, bool, error)
}

var strategies = []parseStrategy{
	{"structured", parseStructured},
	{"scalar", parseScalar},
}

// ParsePrediction tries each strategy in order; the first that recognises
// the body decides the result.
func ParsePrediction(raw []byte) (types.Prediction, error) {
	for _, s := range strategies {
		p, ok, err := s.parse(raw)
		if err != nil {
			return types.Prediction{}, errorsmod.Wrapf(types.ErrInvalidPrediction, "%s response: %s", s.name, err)
		}
		if ok {
			return p, nil
		}
	}
	return types.Prediction{}, errorsmod.Wrapf(types.ErrInvalidPrediction, "unrecognized response: %s", truncate(raw))
}

// parseStructured reads {inferenceValue, forecasts, extraData, proof}.
func parseStructured(raw []byte) (types.Prediction, bool, error) {
	if !gjson.ValidBytes(raw) {
		return types.Prediction{}, false, nil
	}
	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return types.Prediction{}, false, nil
	}

	var p types.Prediction
	if v := doc.Get("inferenceValue"); v.Exists() && v.Type != gjson.Null && v.String() != "" {
		value, err := numeric(valueOf(v))
		if err != nil {
			return types.Prediction{}, false, fmt.Errorf("inferenceValue: %w", err)
		}
		p.InferenceValue = value
	}

	var ferr error
	doc.Get("forecasts").ForEach(func(_, f gjson.Result) bool {
		worker := f.Get("workerAddress").String()
		if worker == "" {
			ferr = fmt.Errorf("forecast without workerAddress")
			return false
		}
		value, err := numeric(valueOf(f.Get("forecastedValue")))
		if err != nil {
			ferr = fmt.Errorf("forecast for %s: %w", worker, err)
			return false
		}
		p.Forecasts = append(p.Forecasts, types.Forecast{WorkerAddress: worker, ForecastedValue: value})
		return true
	})
	if ferr != nil {
		return types.Prediction{}, false, ferr
	}

	if v := doc.Get("extraData"); v.Exists() && v.String() != "" {
		extra, err := base64.StdEncoding.DecodeString(v.String())
		if err != nil {
			return types.Prediction{}, false, fmt.Errorf("extraData: %w", err)
		}
		p.ExtraData = extra
	}
	p.Proof = doc.Get("proof").String()

	return p, true, nil
}

// parseScalar accepts a bare number, either as JSON or plain text.
func parseScalar(raw []byte) (types.Prediction, bool, error) {
	text := strings.TrimSpace(string(raw))
	if gjson.Valid(text) {
		r := gjson.Parse(text)
		if r.Type != gjson.Number && r.Type != gjson.String {
			return types.Prediction{}, false, nil
		}
		text = r.String()
	}

	value, err := numeric(text)
	if err != nil {
		return types.Prediction{}, false, nil
	}
	return types.Prediction{InferenceValue: value}, true, nil
}

// valueOf keeps the raw digits of JSON numbers.
func valueOf(r gjson.Result) interface{} {
	if r.Type == gjson.Number {
		return r.Raw
	}
	return r.Value()
}

// numeric coerces v to a canonical decimal string.
func numeric(v interface{}) (string, error) {
	s, err := cast.ToStringE(v)
	if err != nil {
		return "", err
	}
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("not a number: %q", s)
	}
	if d.IsZero() {
		return "0", nil
	}
	if n := renderedDigits(d); n > maxDigits {
		return "", fmt.Errorf("number too long: %d digits", n)
	}
	return d.String(), nil
}

// renderedDigits is the digit count of d in plain notation, computed without
// rendering it.
func renderedDigits(d decimal.Decimal) int64 {
	coef := int64(len(d.Coefficient().String()))
	if d.Sign() < 0 {
		coef--
	}
	exp := int64(d.Exponent())
	if exp >= 0 {
		return coef + exp
	}
	if -exp >= coef {
		return -exp + 1
	}
	return coef
}

func truncate(raw []byte) string {
	const limit = 256
	if len(raw) > limit {
		return string(raw[:limit]) + "..."
	}
	return string(raw)
}
