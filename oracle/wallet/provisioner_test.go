package wallet

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/cosmos/go-bip39"
	"github.com/stretchr/testify/suite"

	"github.com/GPTx-global/inferd/oracle/config"
	"github.com/GPTx-global/inferd/oracle/retry"
	"github.com/GPTx-global/inferd/oracle/secrets"
	"github.com/GPTx-global/inferd/oracle/types"
)

type credit struct {
	to      string
	amount  sdkmath.Int
	visible time.Time
}

// fakeLedger credits transfers after commitDelay, like a sync broadcast that
// lands in a later block.
type fakeLedger struct {
	mu          sync.Mutex
	balances    map[string]sdkmath.Int
	credits     []credit
	commitDelay time.Duration
	transfers   []string
	failXfer    error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{balances: make(map[string]sdkmath.Int)}
}

func (f *fakeLedger) AddressOf(mnemonic string) (string, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return "", errors.New("invalid mnemonic")
	}
	return "allo1" + strings.Fields(mnemonic)[0], nil
}

func (f *fakeLedger) Balance(_ context.Context, address string) (sdkmath.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.balances[address]
	if !ok {
		b = sdkmath.ZeroInt()
	}
	now := time.Now()
	for _, c := range f.credits {
		if c.to == address && !now.Before(c.visible) {
			b = b.Add(c.amount)
		}
	}
	return b, nil
}

func (f *fakeLedger) Transfer(_ context.Context, fromMnemonic, to string, amount sdkmath.Int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failXfer != nil {
		return "", f.failXfer
	}
	f.transfers = append(f.transfers, fromMnemonic+"->"+to)
	if f.commitDelay > 0 {
		f.credits = append(f.credits, credit{to: to, amount: amount, visible: time.Now().Add(f.commitDelay)})
		return "HASH", nil
	}
	cur, ok := f.balances[to]
	if !ok {
		cur = sdkmath.ZeroInt()
	}
	f.balances[to] = cur.Add(amount)
	return "HASH", nil
}

type fakeRepo struct {
	mu      sync.Mutex
	wallets map[string]types.Wallet
	failErr error
}

func (r *fakeRepo) CreateWallet(_ context.Context, w types.Wallet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failErr != nil {
		return r.failErr
	}
	r.wallets[w.ID] = w
	return nil
}

func (r *fakeRepo) Wallet(_ context.Context, id string) (types.Wallet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.wallets[id]
	if !ok {
		return types.Wallet{}, types.ErrNotFound
	}
	return w, nil
}

type ProvisionerTestSuite struct {
	suite.Suite
	ledger  *fakeLedger
	secrets *secrets.Memory
	repo    *fakeRepo
	p       *Provisioner
}

func TestProvisionerSuite(t *testing.T) {
	suite.Run(t, new(ProvisionerTestSuite))
}

func (suite *ProvisionerTestSuite) SetupTest() {
	suite.ledger = newFakeLedger()
	suite.secrets = secrets.NewMemory()
	suite.repo = &fakeRepo{wallets: make(map[string]types.Wallet)}

	cfg, err := NewConfig(config.Default().Wallet, config.Default().Secrets)
	suite.Require().NoError(err)
	cfg.Settle = &retry.Config{MaxAttempts: 10, BaseDelay: 10 * time.Millisecond, MaxDelay: 40 * time.Millisecond, Multiplier: 2}
	suite.p = NewProvisioner(cfg, suite.ledger, suite.secrets, suite.repo)

	suite.Require().NoError(suite.secrets.Put(context.Background(), "treasury", "treasury words"))
}

func (suite *ProvisionerTestSuite) TestCreateWallet() {
	ctx := context.Background()

	// When
	w, err := suite.p.CreateWallet(ctx)

	// Then
	suite.Require().NoError(err)
	suite.True(strings.HasPrefix(w.SecretRef, "inferd/"))
	suite.True(strings.HasPrefix(w.Address, "allo1"))

	stored, err := suite.repo.Wallet(ctx, w.ID)
	suite.Require().NoError(err)
	suite.Equal(w, stored)

	_, mnemonic, err := suite.p.SigningSecret(ctx, w.ID)
	suite.Require().NoError(err)
	suite.Len(strings.Fields(mnemonic), 24)
	addr, _ := suite.ledger.AddressOf(mnemonic)
	suite.Equal(w.Address, addr)
}

func (suite *ProvisionerTestSuite) TestCreateWallet_RollbackLeavesNoSecret() {
	// Given
	suite.repo.failErr = errors.New("insert failed")
	before := suite.secrets.Len()

	// When
	_, err := suite.p.CreateWallet(context.Background())

	// Then
	suite.Require().Error(err)
	suite.ErrorIs(err, types.ErrProvisioning)
	suite.Contains(err.Error(), "insert failed")
	suite.Equal(before, suite.secrets.Len())
	suite.Empty(suite.repo.wallets)
}

func (suite *ProvisionerTestSuite) TestSigningSecret_UnknownWallet() {
	_, _, err := suite.p.SigningSecret(context.Background(), "missing")
	suite.ErrorIs(err, types.ErrNotFound)
}

func (suite *ProvisionerTestSuite) TestEnsureFunded_TopUp() {
	// Given
	suite.ledger.balances["allo1low"] = sdkmath.NewInt(10)

	// When
	err := suite.p.EnsureFunded(context.Background(), "allo1low")

	// Then
	suite.Require().NoError(err)
	suite.Equal([]string{"treasury words->allo1low"}, suite.ledger.transfers)
	suite.Equal("5000010", suite.ledger.balances["allo1low"].String())
}

func (suite *ProvisionerTestSuite) TestEnsureFunded_WaitsForCommit() {
	// Given a transfer that becomes visible a few polls later
	suite.ledger.balances["allo1slow"] = sdkmath.NewInt(10)
	suite.ledger.commitDelay = 60 * time.Millisecond

	// When
	err := suite.p.EnsureFunded(context.Background(), "allo1slow")

	// Then
	suite.Require().NoError(err)
	suite.Len(suite.ledger.transfers, 1)
	b, _ := suite.ledger.Balance(context.Background(), "allo1slow")
	suite.Equal("5000010", b.String())
}

func (suite *ProvisionerTestSuite) TestEnsureFunded_PendingTopUpNotRepeated() {
	// Given a transfer that does not land within the settle window
	suite.ledger.commitDelay = time.Hour

	// When
	first := suite.p.EnsureFunded(context.Background(), "allo1stuck")
	second := suite.p.EnsureFunded(context.Background(), "allo1stuck")

	// Then the first reports the missing credit and the second sends nothing
	suite.ErrorIs(first, errTopUpNotVisible)
	suite.NoError(second)
	suite.Len(suite.ledger.transfers, 1)
}

func (suite *ProvisionerTestSuite) TestEnsureFunded_FailedTransferNotPending() {
	suite.ledger.failXfer = types.ErrUnavailable
	suite.Error(suite.p.EnsureFunded(context.Background(), "allo1retry"))

	suite.ledger.failXfer = nil
	suite.NoError(suite.p.EnsureFunded(context.Background(), "allo1retry"))
	suite.Len(suite.ledger.transfers, 1)
}

func (suite *ProvisionerTestSuite) TestEnsureFunded_AboveFloor() {
	suite.ledger.balances["allo1rich"] = sdkmath.NewInt(1000000)

	suite.NoError(suite.p.EnsureFunded(context.Background(), "allo1rich"))
	suite.Empty(suite.ledger.transfers)
}

func (suite *ProvisionerTestSuite) TestEnsureFunded_TransferFailureReported() {
	suite.ledger.failXfer = types.ErrUnavailable

	err := suite.p.EnsureFunded(context.Background(), "allo1empty")
	suite.ErrorIs(err, types.ErrUnavailable)
}

func (suite *ProvisionerTestSuite) TestFund_ConcurrentTransfersSerialized() {
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := suite.p.Fund(context.Background(), "allo1x", sdkmath.NewInt(1))
			suite.NoError(err)
		}()
	}
	wg.Wait()

	suite.Len(suite.ledger.transfers, 8)
	suite.Equal("8", suite.ledger.balances["allo1x"].String())
}

func (suite *ProvisionerTestSuite) TestNewConfig_InvalidAmount() {
	w := config.Default().Wallet
	w.MinBalance = "ten"
	_, err := NewConfig(w, config.Default().Secrets)
	suite.Error(err)
}
