package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	errorsmod "cosmossdk.io/errors"
	"github.com/pkg/errors"
	gormMysql "gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/GPTx-global/inferd/oracle/config"
	"github.com/GPTx-global/inferd/oracle/types"
)

type Store struct {
	db *gorm.DB
}

// Open connects with the configured driver and migrates the tables.
func Open(cfg config.DBConfig) (*Store, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(cfg.Driver) {
	case config.DriverPostgres:
		dialector = postgres.Open(cfg.DSN)
	case config.DriverMySQL:
		dialector = gormMysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown db driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  newGormLog(cfg.LogQueries),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, errors.Wrap(err, "Open: gorm.Open")
	}

	s := New(db)
	if err := db.AutoMigrate(entities...); err != nil {
		_ = s.Close()
		return nil, errors.Wrap(err, "Open: AutoMigrate")
	}

	return s, nil
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) DB() *gorm.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) CreateWallet(ctx context.Context, w types.Wallet) error {
	rec := WalletRecord{ID: w.ID, Address: w.Address, SecretRef: w.SecretRef}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return errors.Wrap(err, "CreateWallet")
	}
	return nil
}

func (s *Store) Wallet(ctx context.Context, id string) (types.Wallet, error) {
	var rec WalletRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.Wallet{}, errorsmod.Wrapf(types.ErrNotFound, "wallet %s", id)
	}
	if err != nil {
		return types.Wallet{}, errors.Wrap(err, "Wallet")
	}
	return rec.toWallet(), nil
}

func (s *Store) Model(ctx context.Context, id string) (types.Model, error) {
	var rec ModelRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.Model{}, errorsmod.Wrapf(types.ErrNotFound, "model %s", id)
	}
	if err != nil {
		return types.Model{}, errors.Wrap(err, "Model")
	}
	return rec.toModel(), nil
}

func (s *Store) ActiveModels(ctx context.Context) ([]types.Model, error) {
	var recs []ModelRecord
	err := s.db.WithContext(ctx).Where("is_active = ?", true).Order("id").Find(&recs).Error
	if err != nil {
		return nil, errors.Wrap(err, "ActiveModels")
	}

	models := make([]types.Model, 0, len(recs))
	for _, r := range recs {
		models = append(models, r.toModel())
	}
	return models, nil
}

// InsertSubmission appends one attempt record.
func (s *Store) InsertSubmission(ctx context.Context, sub types.Submission) error {
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	rec := submissionRecord(sub)
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return errors.Wrap(err, "InsertSubmission")
	}
	return nil
}

// Submissions returns the latest attempts of a model, newest first.
func (s *Store) Submissions(ctx context.Context, modelID string, limit int) ([]types.Submission, error) {
	var recs []SubmissionRecord
	err := s.db.WithContext(ctx).
		Where("model_id = ?", modelID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, errors.Wrap(err, "Submissions")
	}

	subs := make([]types.Submission, 0, len(recs))
	for _, r := range recs {
		subs = append(subs, r.toSubmission())
	}
	return subs, nil
}
