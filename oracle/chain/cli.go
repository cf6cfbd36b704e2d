package chain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	errorsmod "cosmossdk.io/errors"
	sdkmath "cosmossdk.io/math"
	"github.com/tidwall/gjson"
	"sigs.k8s.io/yaml"

	"github.com/GPTx-global/inferd/oracle/log"
	"github.com/GPTx-global/inferd/oracle/types"
)

// errorMarker in stderr means the command failed even if it exited zero.
const errorMarker = "Error:"

// Runner executes the chain binary and returns its stdout and stderr.
type Runner func(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// CLIReader answers queries by invoking `<binary> query ...`.
type CLIReader struct {
	binary string
	node   string
	run    Runner
}

func NewCLIReader(binary, node string) *CLIReader {
	return &CLIReader{binary: binary, node: node, run: execRunner}
}

// WithRunner replaces the process runner.
func (r *CLIReader) WithRunner(run Runner) *CLIReader {
	r.run = run
	return r
}

func (r *CLIReader) Topic(ctx context.Context, topicID uint64) (types.Topic, error) {
	id := strconv.FormatUint(topicID, 10)
	res, err := r.query(ctx, "emissions", "topic", id)
	if errors.Is(err, types.ErrNotFound) {
		return types.Topic{}, errorsmod.Wrapf(types.ErrTopicNotFound, "topic %d", topicID)
	}
	if err != nil {
		return types.Topic{}, err
	}

	t := res.Get("topic")
	if !t.Exists() {
		return types.Topic{}, errorsmod.Wrapf(types.ErrTopicNotFound, "topic %d", topicID)
	}

	active, err := r.query(ctx, "emissions", "is-topic-active", id)
	if err != nil {
		return types.Topic{}, err
	}

	return types.Topic{
		ID:                     topicID,
		Creator:                t.Get("creator").String(),
		Metadata:               t.Get("metadata").String(),
		EpochLength:            t.Get("epoch_length").Int(),
		EpochLastEnded:         t.Get("epoch_last_ended").Int(),
		WorkerSubmissionWindow: t.Get("worker_submission_window").Int(),
		IsActive:               active.Get("is_active").Bool(),
	}, nil
}

func (r *CLIReader) IsWorkerNonceUnfulfilled(ctx context.Context, topicID uint64, height int64) (bool, error) {
	res, err := r.query(ctx, "emissions", "is-worker-nonce-unfulfilled",
		strconv.FormatUint(topicID, 10), strconv.FormatInt(height, 10))
	if err != nil {
		return false, err
	}
	return res.Get("is_worker_nonce_unfulfilled").Bool(), nil
}

func (r *CLIReader) CanSubmitWorkerPayload(ctx context.Context, topicID uint64, address string) (bool, error) {
	res, err := r.query(ctx, "emissions", "can-submit-worker-payload", strconv.FormatUint(topicID, 10), address)
	if err != nil {
		return false, err
	}
	return res.Get("can_submit_worker_payload").Bool(), nil
}

func (r *CLIReader) ActiveInferers(ctx context.Context, topicID uint64, height int64) ([]string, error) {
	res, err := r.query(ctx, "emissions", "active-inferers",
		strconv.FormatUint(topicID, 10), strconv.FormatInt(height, 10))
	if err != nil {
		return nil, err
	}

	inferers := make([]string, 0)
	for _, v := range res.Get("inferers").Array() {
		inferers = append(inferers, v.String())
	}
	return inferers, nil
}

func (r *CLIReader) Balance(ctx context.Context, address, denom string) (sdkmath.Int, error) {
	res, err := r.query(ctx, "bank", "balance", address, denom)
	if err != nil {
		return sdkmath.Int{}, err
	}

	amount := res.Get("balance.amount").String()
	if amount == "" {
		amount = res.Get("amount").String()
	}
	if amount == "" {
		return sdkmath.ZeroInt(), nil
	}
	v, ok := sdkmath.NewIntFromString(amount)
	if !ok {
		return sdkmath.Int{}, fmt.Errorf("invalid balance amount %q", amount)
	}
	return v, nil
}

func (r *CLIReader) Account(ctx context.Context, address string) (Account, error) {
	res, err := r.query(ctx, "auth", "account", address)
	if err != nil {
		return Account{}, err
	}

	acc := res.Get("account")
	if v := acc.Get("value"); v.Exists() {
		acc = v
	}
	if base := acc.Get("base_account"); base.Exists() {
		acc = base
	}
	return Account{
		Number:   acc.Get("account_number").Uint(),
		Sequence: acc.Get("sequence").Uint(),
	}, nil
}

func (r *CLIReader) query(ctx context.Context, args ...string) (gjson.Result, error) {
	full := append([]string{"query"}, args...)
	full = append(full, "--node", r.node, "--output", "json")

	stdout, stderr, err := r.run(ctx, r.binary, full...)
	cmd := strings.Join(args, " ")

	if msg := strings.TrimSpace(string(stderr)); msg != "" {
		if strings.Contains(msg, errorMarker) {
			if strings.Contains(msg, "not found") {
				return gjson.Result{}, errorsmod.Wrapf(types.ErrNotFound, "%s: %s", cmd, msg)
			}
			return gjson.Result{}, errorsmod.Wrapf(types.ErrUnavailable, "%s: %s", cmd, msg)
		}
		log.Warnf("%s: %s", cmd, msg)
	}
	if err != nil {
		return gjson.Result{}, errorsmod.Wrapf(types.ErrUnavailable, "%s: %v", cmd, err)
	}

	res, ok := parseOutput(stdout)
	if !ok {
		return gjson.Result{}, errorsmod.Wrapf(types.ErrUnavailable, "%s: unrecognized output %q", cmd, truncate(stdout, 200))
	}
	return res, nil
}

// parseStrategy turns raw command output into a JSON document.
type parseStrategy func(out []byte) (gjson.Result, bool)

var parseStrategies = []parseStrategy{parseJSON, parseYAML, parseKeyValue}

func parseOutput(out []byte) (gjson.Result, bool) {
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return gjson.Result{}, false
	}
	for _, strategy := range parseStrategies {
		if res, ok := strategy(out); ok {
			return res, true
		}
	}
	return gjson.Result{}, false
}

func parseJSON(out []byte) (gjson.Result, bool) {
	if !gjson.ValidBytes(out) {
		return gjson.Result{}, false
	}
	res := gjson.ParseBytes(out)
	return res, res.IsObject()
}

func parseYAML(out []byte) (gjson.Result, bool) {
	bz, err := yaml.YAMLToJSON(out)
	if err != nil || !gjson.ValidBytes(bz) {
		return gjson.Result{}, false
	}
	res := gjson.ParseBytes(bz)
	return res, res.IsObject()
}

var keyValueLine = regexp.MustCompile(`^\s*([a-z_]+)\s*[:=]\s*"?([^"]*)"?\s*$`)

// parseKeyValue handles flat `key: value` output that is not valid YAML.
func parseKeyValue(out []byte) (gjson.Result, bool) {
	fields := make([]string, 0)
	for _, line := range strings.Split(string(out), "\n") {
		m := keyValueLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		fields = append(fields, fmt.Sprintf("%q:%q", m[1], m[2]))
	}
	if len(fields) == 0 {
		return gjson.Result{}, false
	}
	return gjson.Parse("{" + strings.Join(fields, ",") + "}"), true
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
