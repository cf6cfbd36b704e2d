package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/GPTx-global/inferd/oracle/config"
	"github.com/GPTx-global/inferd/oracle/types"
)

func TestSubmissionRecord_FailedHasNoHash(t *testing.T) {
	rec := submissionRecord(types.Submission{
		ModelID:     "m1",
		TopicID:     1,
		NonceHeight: 100,
		TxHash:      "ABCD",
		Status:      types.StatusFailed,
		RawLog:      "webhook returned empty prediction",
	})
	require.Nil(t, rec.TxHash)
	require.Equal(t, "failed", rec.Status)

	sub := rec.toSubmission()
	require.Empty(t, sub.TxHash)
	require.Equal(t, types.StatusFailed, sub.Status)
}

func TestSubmissionRecord_SuccessKeepsHash(t *testing.T) {
	now := time.Now().UTC()
	in := types.Submission{
		ModelID:     "m1",
		TopicID:     7,
		NonceHeight: 120,
		TxHash:      "ABCD",
		Status:      types.StatusSuccess,
		CreatedAt:   now,
	}
	rec := submissionRecord(in)
	require.NotNil(t, rec.TxHash)
	require.Equal(t, in, rec.toSubmission())
}

func TestModelRecord_MaxGasPrice(t *testing.T) {
	rec := ModelRecord{ID: "m1", TopicID: 3, WebhookURL: "http://x", WalletID: "w1", IsActive: true}
	require.Empty(t, rec.toModel().MaxGasPrice)

	price := "20uallo"
	rec.MaxGasPrice = &price
	require.Equal(t, "20uallo", rec.toModel().MaxGasPrice)
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(config.DBConfig{Driver: "sqlite", DSN: "file::memory:"})
	require.ErrorContains(t, err, "unknown db driver")
}

// StoreIntegrationSuite runs against a real database named by
// INFERD_TEST_DB_DRIVER and INFERD_TEST_DB_DSN.
type StoreIntegrationSuite struct {
	suite.Suite
	store *Store
}

func TestStoreIntegration(t *testing.T) {
	dsn := os.Getenv("INFERD_TEST_DB_DSN")
	if dsn == "" {
		t.Skip("INFERD_TEST_DB_DSN not set")
	}
	suite.Run(t, new(StoreIntegrationSuite))
}

func (suite *StoreIntegrationSuite) SetupSuite() {
	driver := os.Getenv("INFERD_TEST_DB_DRIVER")
	if driver == "" {
		driver = config.DriverPostgres
	}
	s, err := Open(config.DBConfig{Driver: driver, DSN: os.Getenv("INFERD_TEST_DB_DSN")})
	suite.Require().NoError(err)
	suite.store = s
}

func (suite *StoreIntegrationSuite) TearDownSuite() {
	if suite.store != nil {
		suite.NoError(suite.store.Close())
	}
}

func (suite *StoreIntegrationSuite) TestWalletRoundTrip() {
	ctx := context.Background()

	// Given
	w := types.Wallet{ID: uuid.NewString(), Address: "allo1" + uuid.NewString()[:8], SecretRef: "inferd/" + uuid.NewString()}

	// When
	suite.Require().NoError(suite.store.CreateWallet(ctx, w))
	got, err := suite.store.Wallet(ctx, w.ID)

	// Then
	suite.Require().NoError(err)
	suite.Equal(w, got)

	_, err = suite.store.Wallet(ctx, uuid.NewString())
	suite.ErrorIs(err, types.ErrNotFound)
}

func (suite *StoreIntegrationSuite) TestActiveModelsAndSubmissions() {
	ctx := context.Background()
	db := suite.store.DB()

	// Given
	active := ModelRecord{ID: uuid.NewString(), TopicID: 1, WebhookURL: "http://a", WalletID: uuid.NewString(), IsActive: true}
	inactive := ModelRecord{ID: uuid.NewString(), TopicID: 1, WebhookURL: "http://b", WalletID: uuid.NewString()}
	suite.Require().NoError(db.Create(&active).Error)
	suite.Require().NoError(db.Create(&inactive).Error)

	// When
	models, err := suite.store.ActiveModels(ctx)

	// Then
	suite.Require().NoError(err)
	ids := make(map[string]bool)
	for _, m := range models {
		ids[m.ID] = true
	}
	suite.True(ids[active.ID])
	suite.False(ids[inactive.ID])

	// When
	base := time.Now().UTC().Add(-time.Minute)
	suite.Require().NoError(suite.store.InsertSubmission(ctx, types.Submission{
		ModelID: active.ID, TopicID: 1, NonceHeight: 100, Status: types.StatusFailed, RawLog: "first", CreatedAt: base,
	}))
	suite.Require().NoError(suite.store.InsertSubmission(ctx, types.Submission{
		ModelID: active.ID, TopicID: 1, NonceHeight: 100, TxHash: "AA", Status: types.StatusSuccess, CreatedAt: base.Add(time.Second),
	}))
	subs, err := suite.store.Submissions(ctx, active.ID, 10)

	// Then
	suite.Require().NoError(err)
	suite.Require().Len(subs, 2)
	suite.Equal(types.StatusSuccess, subs[0].Status)
	suite.Equal("AA", subs[0].TxHash)
	suite.Equal("first", subs[1].RawLog)
}
