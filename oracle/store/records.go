package store

import (
	"time"

	"github.com/GPTx-global/inferd/oracle/types"
)

var entities = []interface{}{
	WalletRecord{},
	ModelRecord{},
	SubmissionRecord{},
}

type WalletRecord struct {
	ID        string `gorm:"primaryKey;type:varchar(36)"`
	Address   string `gorm:"type:varchar(128);uniqueIndex"`
	SecretRef string `gorm:"type:varchar(255);uniqueIndex"`
	CreatedAt time.Time
}

func (WalletRecord) TableName() string { return "wallets" }

func (r WalletRecord) toWallet() types.Wallet {
	return types.Wallet{ID: r.ID, Address: r.Address, SecretRef: r.SecretRef}
}

// ModelRecord is written by the model registry; the daemon only reads it.
type ModelRecord struct {
	ID          string  `gorm:"primaryKey;type:varchar(36)"`
	TopicID     uint64  `gorm:"index"`
	WebhookURL  string  `gorm:"type:varchar(2048)"`
	WalletID    string  `gorm:"type:varchar(36);index"`
	MaxGasPrice *string `gorm:"type:varchar(64)"`
	IsActive    bool    `gorm:"index"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (ModelRecord) TableName() string { return "models" }

func (r ModelRecord) toModel() types.Model {
	m := types.Model{
		ID:         r.ID,
		TopicID:    r.TopicID,
		WebhookURL: r.WebhookURL,
		WalletID:   r.WalletID,
		IsActive:   r.IsActive,
	}
	if r.MaxGasPrice != nil {
		m.MaxGasPrice = *r.MaxGasPrice
	}
	return m
}

// SubmissionRecord is append-only.
type SubmissionRecord struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement"`
	ModelID     string `gorm:"type:varchar(36);index"`
	TopicID     uint64 `gorm:"index"`
	NonceHeight int64
	TxHash      *string   `gorm:"type:varchar(64)"`
	Status      string    `gorm:"type:varchar(16)"`
	RawLog      string    `gorm:"type:text"`
	CreatedAt   time.Time `gorm:"index"`
}

func (SubmissionRecord) TableName() string { return "submissions" }

func submissionRecord(s types.Submission) SubmissionRecord {
	r := SubmissionRecord{
		ModelID:     s.ModelID,
		TopicID:     s.TopicID,
		NonceHeight: s.NonceHeight,
		Status:      string(s.Status),
		RawLog:      s.RawLog,
		CreatedAt:   s.CreatedAt,
	}
	if s.TxHash != "" && s.Status == types.StatusSuccess {
		hash := s.TxHash
		r.TxHash = &hash
	}
	return r
}

func (r SubmissionRecord) toSubmission() types.Submission {
	s := types.Submission{
		ModelID:     r.ModelID,
		TopicID:     r.TopicID,
		NonceHeight: r.NonceHeight,
		Status:      types.SubmissionStatus(r.Status),
		RawLog:      r.RawLog,
		CreatedAt:   r.CreatedAt,
	}
	if r.TxHash != nil {
		s.TxHash = *r.TxHash
	}
	return s
}
