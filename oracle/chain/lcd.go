package chain

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	errorsmod "cosmossdk.io/errors"
	sdkmath "cosmossdk.io/math"
	"github.com/tidwall/gjson"

	"github.com/GPTx-global/inferd/oracle/types"
)

const (
	emissionsAPI = "/emissions/v9"

	// gRPC NotFound as returned by the gateway
	grpcNotFound = 5
)

// LCDReader queries the REST gateway of a node.
type LCDReader struct {
	endpoint string
	client   *http.Client
}

func NewLCDReader(endpoint string, timeout time.Duration) *LCDReader {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        50,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}

	return &LCDReader{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{Timeout: timeout, Transport: transport},
	}
}

func (r *LCDReader) Topic(ctx context.Context, topicID uint64) (types.Topic, error) {
	res, err := r.get(ctx, fmt.Sprintf("%s/topics/%d", emissionsAPI, topicID))
	if errors.Is(err, types.ErrNotFound) {
		return types.Topic{}, errorsmod.Wrapf(types.ErrTopicNotFound, "topic %d", topicID)
	}
	if err != nil {
		return types.Topic{}, err
	}

	t := res.Get("topic")
	if !t.Exists() || t.Type == gjson.Null {
		return types.Topic{}, errorsmod.Wrapf(types.ErrTopicNotFound, "topic %d", topicID)
	}

	topic := types.Topic{
		ID:                     topicID,
		Creator:                t.Get("creator").String(),
		Metadata:               t.Get("metadata").String(),
		EpochLength:            t.Get("epoch_length").Int(),
		EpochLastEnded:         t.Get("epoch_last_ended").Int(),
		WorkerSubmissionWindow: t.Get("worker_submission_window").Int(),
	}

	active, err := r.get(ctx, fmt.Sprintf("%s/is_topic_active/%d", emissionsAPI, topicID))
	if err != nil {
		return types.Topic{}, err
	}
	topic.IsActive = active.Get("is_active").Bool()

	return topic, nil
}

func (r *LCDReader) IsWorkerNonceUnfulfilled(ctx context.Context, topicID uint64, height int64) (bool, error) {
	res, err := r.get(ctx, fmt.Sprintf("%s/is_worker_nonce_unfulfilled/%d/%d", emissionsAPI, topicID, height))
	if err != nil {
		return false, err
	}
	return res.Get("is_worker_nonce_unfulfilled").Bool(), nil
}

func (r *LCDReader) CanSubmitWorkerPayload(ctx context.Context, topicID uint64, address string) (bool, error) {
	res, err := r.get(ctx, fmt.Sprintf("%s/can_submit_worker_payload/%d/%s", emissionsAPI, topicID, address))
	if err != nil {
		return false, err
	}
	return res.Get("can_submit_worker_payload").Bool(), nil
}

func (r *LCDReader) ActiveInferers(ctx context.Context, topicID uint64, height int64) ([]string, error) {
	res, err := r.get(ctx, fmt.Sprintf("%s/active_inferers/%d/%d", emissionsAPI, topicID, height))
	if err != nil {
		return nil, err
	}

	inferers := make([]string, 0)
	for _, v := range res.Get("inferers").Array() {
		inferers = append(inferers, v.String())
	}
	return inferers, nil
}

func (r *LCDReader) Balance(ctx context.Context, address, denom string) (sdkmath.Int, error) {
	path := fmt.Sprintf("/cosmos/bank/v1beta1/balances/%s/by_denom?denom=%s", address, url.QueryEscape(denom))
	res, err := r.get(ctx, path)
	if err != nil {
		return sdkmath.Int{}, err
	}

	amount := res.Get("balance.amount").String()
	if amount == "" {
		return sdkmath.ZeroInt(), nil
	}
	v, ok := sdkmath.NewIntFromString(amount)
	if !ok {
		return sdkmath.Int{}, fmt.Errorf("invalid balance amount %q", amount)
	}
	return v, nil
}

func (r *LCDReader) Account(ctx context.Context, address string) (Account, error) {
	res, err := r.get(ctx, "/cosmos/auth/v1beta1/accounts/"+address)
	if err != nil {
		return Account{}, err
	}

	acc := res.Get("account")
	// vesting accounts nest the base account
	if base := acc.Get("base_account"); base.Exists() {
		acc = base
	} else if base := acc.Get("base_vesting_account.base_account"); base.Exists() {
		acc = base
	}

	return Account{
		Number:   acc.Get("account_number").Uint(),
		Sequence: acc.Get("sequence").Uint(),
	}, nil
}

func (r *LCDReader) Simulate(ctx context.Context, txBytes []byte) (uint64, error) {
	body, err := json.Marshal(map[string]string{
		"tx_bytes": base64.StdEncoding.EncodeToString(txBytes),
	})
	if err != nil {
		return 0, err
	}

	res, err := r.do(ctx, http.MethodPost, "/cosmos/tx/v1beta1/simulate", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}

	used := res.Get("gas_info.gas_used").String()
	gas, err := strconv.ParseUint(used, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid gas_used %q: %w", used, err)
	}
	return gas, nil
}

func (r *LCDReader) get(ctx context.Context, path string) (gjson.Result, error) {
	return r.do(ctx, http.MethodGet, path, nil)
}

func (r *LCDReader) do(ctx context.Context, method, path string, body io.Reader) (gjson.Result, error) {
	req, err := http.NewRequestWithContext(ctx, method, r.endpoint+path, body)
	if err != nil {
		return gjson.Result{}, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return gjson.Result{}, errorsmod.Wrap(types.ErrUnavailable, err.Error())
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return gjson.Result{}, errorsmod.Wrap(types.ErrUnavailable, err.Error())
	}
	if resp.StatusCode == http.StatusNotFound {
		return gjson.Result{}, errorsmod.Wrapf(types.ErrNotFound, "%s: %s", path, gjson.GetBytes(data, "message").String())
	}
	if !gjson.ValidBytes(data) {
		return gjson.Result{}, errorsmod.Wrapf(types.ErrUnavailable, "%s %s: non-JSON response (status %d)", method, path, resp.StatusCode)
	}

	res := gjson.ParseBytes(data)
	if res.Get("code").Int() == grpcNotFound {
		return gjson.Result{}, errorsmod.Wrapf(types.ErrNotFound, "%s: %s", path, res.Get("message").String())
	}
	if resp.StatusCode != http.StatusOK {
		return gjson.Result{}, errorsmod.Wrapf(types.ErrUnavailable, "%s %s: status %d: %s", method, path, resp.StatusCode, res.Get("message").String())
	}
	return res, nil
}
