package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	errorsmod "cosmossdk.io/errors"
	sdkmath "cosmossdk.io/math"
	"github.com/cosmos/go-bip39"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/GPTx-global/inferd/oracle/config"
	"github.com/GPTx-global/inferd/oracle/log"
	"github.com/GPTx-global/inferd/oracle/retry"
	"github.com/GPTx-global/inferd/oracle/secrets"
	"github.com/GPTx-global/inferd/oracle/types"
)

const (
	entropyBits = 256

	defaultPendingTTL = time.Minute
)

var errTopUpNotVisible = errors.New("top-up not visible yet")

// DefaultSettle polls the balance for roughly two block times after a
// top-up broadcast.
func DefaultSettle() *retry.Config {
	return &retry.Config{
		MaxAttempts: 6,
		BaseDelay:   time.Second,
		MaxDelay:    5 * time.Second,
		Multiplier:  1.5,
	}
}

// Ledger is the part of the connector the provisioner needs.
type Ledger interface {
	AddressOf(mnemonic string) (string, error)
	Balance(ctx context.Context, address string) (sdkmath.Int, error)
	Transfer(ctx context.Context, fromMnemonic, to string, amount sdkmath.Int) (string, error)
}

type Repository interface {
	CreateWallet(ctx context.Context, w types.Wallet) error
	Wallet(ctx context.Context, id string) (types.Wallet, error)
}

type Config struct {
	SecretPrefix      string
	TreasurySecretRef string
	MinBalance        sdkmath.Int
	TopUpAmount       sdkmath.Int
	// Settle is how long a broadcast top-up is polled for before giving up.
	Settle *retry.Config
	// PendingTTL suppresses a second top-up to the same address while the
	// first may still be on its way into a block.
	PendingTTL time.Duration
}

func NewConfig(w config.WalletConfig, s config.SecretsConfig) (Config, error) {
	minBalance, ok := sdkmath.NewIntFromString(w.MinBalance)
	if !ok {
		return Config{}, fmt.Errorf("invalid min balance %q", w.MinBalance)
	}
	topUp, ok := sdkmath.NewIntFromString(w.TopUpAmount)
	if !ok {
		return Config{}, fmt.Errorf("invalid top-up amount %q", w.TopUpAmount)
	}
	return Config{
		SecretPrefix:      s.AWSPrefix,
		TreasurySecretRef: w.TreasurySecretRef,
		MinBalance:        minBalance,
		TopUpAmount:       topUp,
		Settle:            DefaultSettle(),
		PendingTTL:        defaultPendingTTL,
	}, nil
}

type Provisioner struct {
	cfg     Config
	ledger  Ledger
	secrets secrets.Store
	repo    Repository

	// treasury transfers share one account sequence
	treasuryMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]time.Time
}

func NewProvisioner(cfg Config, ledger Ledger, store secrets.Store, repo Repository) *Provisioner {
	if cfg.Settle == nil {
		cfg.Settle = DefaultSettle()
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = defaultPendingTTL
	}
	return &Provisioner{
		cfg:     cfg,
		ledger:  ledger,
		secrets: store,
		repo:    repo,
		pending: make(map[string]time.Time),
	}
}

// CreateWallet generates a mnemonic, stores it under a fresh key and persists
// the wallet row. A failed insert removes the stored secret before returning.
func (p *Provisioner) CreateWallet(ctx context.Context) (types.Wallet, error) {
	entropy, err := bip39.NewEntropy(entropyBits)
	if err != nil {
		return types.Wallet{}, errorsmod.Wrap(types.ErrProvisioning, err.Error())
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return types.Wallet{}, errorsmod.Wrap(types.ErrProvisioning, err.Error())
	}

	address, err := p.ledger.AddressOf(mnemonic)
	if err != nil {
		return types.Wallet{}, errorsmod.Wrapf(types.ErrProvisioning, "derive address: %s", err)
	}

	ref := secrets.NewKey(p.cfg.SecretPrefix)
	if err := p.secrets.Put(ctx, ref, mnemonic); err != nil {
		return types.Wallet{}, errorsmod.Wrapf(types.ErrProvisioning, "store secret: %s", err)
	}

	w := types.Wallet{ID: uuid.NewString(), Address: address, SecretRef: ref}
	if err := p.repo.CreateWallet(ctx, w); err != nil {
		var result *multierror.Error
		result = multierror.Append(result, errorsmod.Wrapf(types.ErrProvisioning, "persist wallet: %s", err))

		if delErr := p.secrets.Delete(context.WithoutCancel(ctx), ref); delErr != nil {
			result = multierror.Append(result, fmt.Errorf("delete orphaned secret %s: %w", ref, delErr))
		}

		log.Errorf("wallet provisioning rolled back for %s: %v", address, result)
		return types.Wallet{}, result.ErrorOrNil()
	}

	log.Infof("wallet %s provisioned: address=%s", w.ID, w.Address)
	return w, nil
}

func (p *Provisioner) Wallet(ctx context.Context, walletID string) (types.Wallet, error) {
	return p.repo.Wallet(ctx, walletID)
}

// SigningSecret loads the wallet row and its mnemonic.
func (p *Provisioner) SigningSecret(ctx context.Context, walletID string) (types.Wallet, string, error) {
	w, err := p.repo.Wallet(ctx, walletID)
	if err != nil {
		return types.Wallet{}, "", err
	}
	mnemonic, err := p.secrets.Get(ctx, w.SecretRef)
	if err != nil {
		return types.Wallet{}, "", err
	}
	return w, mnemonic, nil
}

// Fund transfers amount from the treasury wallet to address.
func (p *Provisioner) Fund(ctx context.Context, address string, amount sdkmath.Int) (string, error) {
	if !amount.IsPositive() {
		return "", fmt.Errorf("funding amount must be positive")
	}

	treasury, err := p.secrets.Get(ctx, p.cfg.TreasurySecretRef)
	if err != nil {
		return "", errorsmod.Wrap(err, "load treasury secret")
	}

	p.treasuryMu.Lock()
	defer p.treasuryMu.Unlock()

	hash, err := p.ledger.Transfer(ctx, treasury, address, amount)
	if err != nil {
		return "", err
	}
	log.Infof("funded %s with %s: tx=%s", address, amount, hash)
	return hash, nil
}

// EnsureFunded tops address up when its balance is below the floor and waits
// until the transfer is visible. While a top-up is pending for address no
// second one is sent. The caller treats a returned error as a warning.
func (p *Provisioner) EnsureFunded(ctx context.Context, address string) error {
	if p.cfg.MinBalance.IsNil() || !p.cfg.MinBalance.IsPositive() {
		return nil
	}

	balance, err := p.ledger.Balance(ctx, address)
	if err != nil {
		return fmt.Errorf("balance of %s: %w", address, err)
	}
	if balance.GTE(p.cfg.MinBalance) {
		p.clearPending(address)
		return nil
	}

	if !p.reservePending(address) {
		log.Debugf("top-up of %s already pending", address)
		return nil
	}

	log.Infof("balance of %s is %s, below %s: topping up", address, balance, p.cfg.MinBalance)
	if _, err := p.Fund(ctx, address, p.cfg.TopUpAmount); err != nil {
		p.clearPending(address)
		return fmt.Errorf("top up %s: %w", address, err)
	}

	if _, err := retry.Do(ctx, p.cfg.Settle, "confirm top-up", func(ctx context.Context) (sdkmath.Int, error) {
		b, err := p.ledger.Balance(ctx, address)
		if err != nil {
			return b, err
		}
		if b.LT(p.cfg.MinBalance) {
			return b, fmt.Errorf("%w: balance of %s is %s", errTopUpNotVisible, address, b)
		}
		return b, nil
	}, retry.Always); err != nil {
		return fmt.Errorf("confirm top-up of %s: %w", address, err)
	}

	p.clearPending(address)
	return nil
}

func (p *Provisioner) reservePending(address string) bool {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()

	now := time.Now()
	if until, ok := p.pending[address]; ok && now.Before(until) {
		return false
	}
	p.pending[address] = now.Add(p.cfg.PendingTTL)
	return true
}

func (p *Provisioner) clearPending(address string) {
	p.pendingMu.Lock()
	delete(p.pending, address)
	p.pendingMu.Unlock()
}
