package pipeline

import (
	"context"
	"errors"
	"time"

	errorsmod "cosmossdk.io/errors"

	"github.com/GPTx-global/inferd/oracle/chain"
	"github.com/GPTx-global/inferd/oracle/log"
	"github.com/GPTx-global/inferd/oracle/nonce"
	"github.com/GPTx-global/inferd/oracle/types"
)

// Ledger is the write side of the connector plus the inferer lookup.
type Ledger interface {
	ActiveInferers(ctx context.Context, topicID uint64, height int64) ([]string, error)
	SignAndSubmit(ctx context.Context, req chain.SubmitRequest) (chain.TxResult, error)
}

type Predictor interface {
	Predict(ctx context.Context, url string, activeWorkers []string) (types.Prediction, error)
}

type Wallets interface {
	Wallet(ctx context.Context, walletID string) (types.Wallet, error)
	SigningSecret(ctx context.Context, walletID string) (types.Wallet, string, error)
	EnsureFunded(ctx context.Context, address string) error
}

type Models interface {
	Model(ctx context.Context, id string) (types.Model, error)
}

type Submissions interface {
	InsertSubmission(ctx context.Context, s types.Submission) error
}

type Config struct {
	// BypassEligibility skips the ledger's can-submit check. Development only.
	BypassEligibility bool
}

type Deps struct {
	Ledger      Ledger
	Resolver    *nonce.Resolver
	Predictor   Predictor
	Wallets     Wallets
	Models      Models
	Submissions Submissions
}

// Outcome is the result of one job attempt. Submission is nil when nothing
// was recorded.
type Outcome struct {
	State      types.JobState
	Submission *types.Submission
	Err        error
}

type Handler struct {
	cfg   Config
	deps  Deps
	locks *topicLocks
	now   func() time.Time
}

func NewHandler(cfg Config, deps Deps) *Handler {
	return &Handler{
		cfg:   cfg,
		deps:  deps,
		locks: newTopicLocks(),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Handle runs one attempt of job. All chain interaction happens while the
// topic lock is held.
func (h *Handler) Handle(ctx context.Context, job *types.Job) Outcome {
	model, err := h.deps.Models.Model(ctx, job.ModelID)
	if errors.Is(err, types.ErrNotFound) || (err == nil && !model.IsActive) {
		log.Infof("job %s: model %s inactive or removed, skipping", job.ID, job.ModelID)
		return Outcome{State: types.JobSkipped, Err: errorsmod.Wrap(types.ErrModelInactive, job.ModelID)}
	}
	if err != nil {
		return Outcome{State: types.JobFailedRetryable, Err: err}
	}

	unlock := h.locks.lock(model.TopicID)
	defer unlock()

	return h.attempt(ctx, job, model)
}

func (h *Handler) attempt(ctx context.Context, job *types.Job, model types.Model) Outcome {
	n, ok, err := h.deps.Resolver.DeriveOpenNonce(ctx, model.TopicID)
	if err != nil {
		return h.fail(ctx, model, types.Nonce{TopicID: model.TopicID}, err)
	}
	if !ok {
		return Outcome{State: types.JobSkipped}
	}

	w, err := h.deps.Wallets.Wallet(ctx, model.WalletID)
	if err != nil {
		return h.fail(ctx, model, n, err)
	}

	if !h.cfg.BypassEligibility && !h.deps.Resolver.CanSubmit(ctx, model.TopicID, w.Address) {
		log.Infof("job %s: %s not eligible for topic %d", job.ID, w.Address, model.TopicID)
		return Outcome{State: types.JobSkipped}
	}

	activeWorkers, err := h.deps.Ledger.ActiveInferers(ctx, model.TopicID, n.Height)
	if err != nil {
		log.Warnf("job %s: active inferers for topic %d unavailable: %v", job.ID, model.TopicID, err)
		activeWorkers = []string{}
	}

	prediction, err := h.deps.Predictor.Predict(ctx, webhookURL(job, model), activeWorkers)
	if err != nil {
		return h.fail(ctx, model, n, err)
	}
	if prediction.Empty() {
		return h.fail(ctx, model, n, errorsmod.Wrap(types.ErrInvalidPrediction, "no inference value or forecasts"))
	}

	_, mnemonic, err := h.deps.Wallets.SigningSecret(ctx, model.WalletID)
	if err != nil {
		return h.fail(ctx, model, n, err)
	}

	if err := h.deps.Wallets.EnsureFunded(ctx, w.Address); err != nil {
		log.Warnf("job %s: funding %s: %v", job.ID, w.Address, err)
	}

	open, err := h.deps.Resolver.StillOpen(ctx, n)
	if err != nil {
		return h.fail(ctx, model, n, err)
	}
	if !open {
		log.Infof("job %s: nonce %d of topic %d closed before submission", job.ID, n.Height, n.TopicID)
		return Outcome{State: types.JobSkipped, Err: errorsmod.Wrapf(types.ErrWindowClosed, "nonce %d", n.Height)}
	}

	res, err := h.deps.Ledger.SignAndSubmit(ctx, chain.SubmitRequest{
		Mnemonic:   mnemonic,
		Nonce:      n,
		Prediction: prediction,
		GasPrice:   model.MaxGasPrice,
	})
	if err != nil {
		return h.fail(ctx, model, n, err)
	}

	sub := types.Submission{
		ModelID:     model.ID,
		TopicID:     n.TopicID,
		NonceHeight: n.Height,
		TxHash:      res.Hash,
		Status:      types.StatusSuccess,
		RawLog:      res.RawLog,
		CreatedAt:   h.now(),
	}
	h.record(ctx, sub)
	log.Infof("job %s: submitted topic %d nonce %d: %s", job.ID, n.TopicID, n.Height, res.Hash)
	return Outcome{State: types.JobSucceeded, Submission: &sub}
}

// webhookURL prefers the url the job was scheduled with. Jobs enqueued
// without one use the model's current url.
func webhookURL(job *types.Job, model types.Model) string {
	if job.WebhookURL != "" {
		return job.WebhookURL
	}
	return model.WebhookURL
}

func (h *Handler) fail(ctx context.Context, model types.Model, n types.Nonce, err error) Outcome {
	sub := types.Submission{
		ModelID:     model.ID,
		TopicID:     model.TopicID,
		NonceHeight: n.Height,
		Status:      types.StatusFailed,
		RawLog:      err.Error(),
		CreatedAt:   h.now(),
	}
	h.record(ctx, sub)

	state := Classify(err)
	log.Warnf("model %s topic %d nonce %d: %s: %v", model.ID, model.TopicID, n.Height, state, err)
	return Outcome{State: state, Submission: &sub, Err: err}
}

// record persists sub. An insert failure is logged and leaves the outcome
// unchanged.
func (h *Handler) record(ctx context.Context, sub types.Submission) {
	if err := h.deps.Submissions.InsertSubmission(context.WithoutCancel(ctx), sub); err != nil {
		log.Errorf("failed to persist submission for model %s nonce %d: %v", sub.ModelID, sub.NonceHeight, err)
	}
}

// Classify maps an attempt error to a terminal or retryable state.
func Classify(err error) types.JobState {
	switch {
	case err == nil:
		return types.JobSucceeded
	case errors.Is(err, types.ErrInvalidPrediction),
		errors.Is(err, types.ErrLedgerRejected),
		errors.Is(err, types.ErrTopicNotFound),
		errors.Is(err, types.ErrNotFound),
		errors.Is(err, types.ErrSecretNotFound),
		errors.Is(err, types.ErrModelInactive):
		return types.JobFailedTerminal
	default:
		return types.JobFailedRetryable
	}
}
