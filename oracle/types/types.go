package types

import (
	"time"

	"github.com/google/uuid"
)

// Topic is the ledger-side view of a prediction topic.
type Topic struct {
	ID                     uint64
	Creator                string
	Metadata               string
	EpochLength            int64
	EpochLastEnded         int64
	WorkerSubmissionWindow int64
	IsActive               bool
}

// Nonce is the block height a worker payload is submitted against.
type Nonce struct {
	TopicID uint64
	Height  int64
}

type Wallet struct {
	ID        string
	Address   string
	SecretRef string
}

type Model struct {
	ID          string
	TopicID     uint64
	WebhookURL  string
	WalletID    string
	MaxGasPrice string // optional DecCoin, e.g. "20uallo"
	IsActive    bool
}

type SubmissionStatus string

const (
	StatusSuccess SubmissionStatus = "success"
	StatusFailed  SubmissionStatus = "failed"
)

// Submission is one recorded attempt. TxHash is set on success only.
type Submission struct {
	ModelID     string
	TopicID     uint64
	NonceHeight int64
	TxHash      string
	Status      SubmissionStatus
	RawLog      string
	CreatedAt   time.Time
}

type Job struct {
	ID         string `json:"id"`
	ModelID    string `json:"modelId"`
	WebhookURL string `json:"webhookUrl"`
	TopicID    uint64 `json:"topicId"`
	Attempt    int    `json:"attempt"`
}

func NewJob(m Model) *Job {
	return &Job{
		ID:         uuid.NewString(),
		ModelID:    m.ID,
		WebhookURL: m.WebhookURL,
		TopicID:    m.TopicID,
	}
}

type JobState byte

const (
	JobEnqueued JobState = iota
	JobInFlight
	JobSucceeded
	JobSkipped
	JobFailedRetryable
	JobFailedTerminal
)

func (s JobState) String() string {
	switch s {
	case JobEnqueued:
		return "enqueued"
	case JobInFlight:
		return "in_flight"
	case JobSucceeded:
		return "succeeded"
	case JobSkipped:
		return "skipped"
	case JobFailedRetryable:
		return "failed_retryable"
	case JobFailedTerminal:
		return "failed_terminal"
	default:
		return "unknown"
	}
}

type Forecast struct {
	WorkerAddress   string `json:"workerAddress"`
	ForecastedValue string `json:"forecastedValue"`
}

// Prediction is a validated webhook response.
type Prediction struct {
	InferenceValue string     `json:"inferenceValue,omitempty"`
	Forecasts      []Forecast `json:"forecasts,omitempty"`
	ExtraData      []byte     `json:"extraData,omitempty"`
	Proof          string     `json:"proof,omitempty"`
}

func (p Prediction) Empty() bool {
	return p.InferenceValue == "" && len(p.Forecasts) == 0
}
