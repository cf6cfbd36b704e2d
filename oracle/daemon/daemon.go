package daemon

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/armon/go-metrics"
	"golang.org/x/sync/errgroup"

	"github.com/GPTx-global/inferd/oracle/chain"
	"github.com/GPTx-global/inferd/oracle/config"
	"github.com/GPTx-global/inferd/oracle/health"
	"github.com/GPTx-global/inferd/oracle/log"
	"github.com/GPTx-global/inferd/oracle/nonce"
	"github.com/GPTx-global/inferd/oracle/pipeline"
	"github.com/GPTx-global/inferd/oracle/queue"
	"github.com/GPTx-global/inferd/oracle/retry"
	"github.com/GPTx-global/inferd/oracle/scheduler"
	"github.com/GPTx-global/inferd/oracle/secrets"
	"github.com/GPTx-global/inferd/oracle/store"
	"github.com/GPTx-global/inferd/oracle/wallet"
	"github.com/GPTx-global/inferd/oracle/worker"
)

type Daemon struct {
	cfg *config.Config

	nodes       *chain.NodePool
	connector   *chain.Connector
	secrets     secrets.Store
	store       *store.Store
	queue       queue.Queue
	provisioner *wallet.Provisioner
	pool        *worker.Pool
	scheduler   *scheduler.Scheduler
	checker     *health.Checker
	sink        *metrics.InmemSink
}

// New constructs every component. Nothing runs until Run.
func New(ctx context.Context, cfg *config.Config) (*Daemon, error) {
	d := &Daemon{cfg: cfg}

	var err error
	if d.nodes, d.connector, err = NewConnector(cfg); err != nil {
		return nil, err
	}
	if d.secrets, err = NewSecrets(cfg.Secrets); err != nil {
		return nil, err
	}
	if d.store, err = store.Open(cfg.DB); err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if d.queue, err = queue.New(ctx, cfg.Queue, cfg.Pipeline.Concurrency*16); err != nil {
		d.store.Close()
		return nil, fmt.Errorf("failed to open queue: %w", err)
	}

	walletCfg, err := wallet.NewConfig(cfg.Wallet, cfg.Secrets)
	if err != nil {
		d.close()
		return nil, err
	}
	d.provisioner = wallet.NewProvisioner(walletCfg, d.connector, d.secrets, d.store)

	handler := pipeline.NewHandler(pipeline.Config{
		BypassEligibility: cfg.Pipeline.BypassEligibility,
	}, pipeline.Deps{
		Ledger:      d.connector,
		Resolver:    nonce.NewResolver(d.connector, cfg.Pipeline.NonceScanCap),
		Predictor:   worker.NewWebhook(cfg.Pipeline.WebhookTimeout.Std(), cfg.Pipeline.WebhookRetries),
		Wallets:     d.provisioner,
		Models:      d.store,
		Submissions: d.store,
	})

	d.sink = metrics.NewInmemSink(10*time.Second, time.Minute)
	metricsConf := metrics.DefaultConfig("inferd")
	metricsConf.EnableHostname = false
	m, err := metrics.New(metricsConf, d.sink)
	if err != nil {
		d.close()
		return nil, fmt.Errorf("failed to set up metrics: %w", err)
	}

	d.pool = worker.NewPool(worker.Config{
		Concurrency:     cfg.Pipeline.Concurrency,
		RateLimitJobs:   cfg.Pipeline.RateLimitJobs,
		RateLimitWindow: cfg.Pipeline.RateLimitWindow.Std(),
		Retry:           retry.JobConfig(cfg.Pipeline.MaxAttempts, cfg.Pipeline.RetryBackoff.Std()),
		Metrics:         m,
	}, d.queue, handler)

	if d.scheduler, err = scheduler.New(ctx, cfg.Pipeline.Schedule, d.store, d.queue); err != nil {
		d.close()
		return nil, err
	}

	d.checker = health.NewChecker(cfg.Health.Interval.Std())
	d.checker.Add(health.NewCheck("rpc", func(ctx context.Context) error {
		_, err := d.nodes.LatestHeight(ctx)
		return err
	}))
	d.checker.Add(health.NewCheck("database", d.store.Ping))
	if cfg.Secrets.Backend != config.SecretsMemory {
		d.checker.Add(health.NewCheck("secrets", func(ctx context.Context) error {
			_, err := d.secrets.Get(ctx, cfg.Wallet.TreasurySecretRef)
			return err
		}))
	}
	d.checker.Add(health.NewCheck("queue", func(ctx context.Context) error {
		_, err := d.queue.Len(ctx)
		return err
	}))

	return d, nil
}

// Run starts the workers, the scheduler and the health server and blocks
// until ctx is done. Shutdown stops the scheduler, drains the pool and then
// closes the queue and the database.
func (d *Daemon) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	d.pool.Start(gctx)
	d.scheduler.Start()

	g.Go(func() error {
		d.checker.Start(gctx)
		return nil
	})
	g.Go(func() error {
		return health.Serve(gctx, d.cfg.Health.ListenAddr, d.router())
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Infof("shutting down")
		d.scheduler.Stop()
		d.pool.Stop()
		d.close()
		return nil
	})

	return g.Wait()
}

func (d *Daemon) router() http.Handler {
	router := health.NewRouter(d.checker, d.status)
	router.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		data, err := d.sink.DisplayMetrics(w, r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		health.WriteJSON(w, http.StatusOK, data)
	}).Methods(http.MethodGet)
	return router
}

func (d *Daemon) status() any {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	return map[string]any{
		"chainId":   d.cfg.Chain.ID,
		"pool":      d.pool.Stats(ctx),
		"endpoints": d.nodes.Endpoints(),
	}
}

func (d *Daemon) close() {
	if d.queue != nil {
		if err := d.queue.Close(); err != nil {
			log.Warnf("failed to close queue: %v", err)
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			log.Warnf("failed to close database: %v", err)
		}
	}
}

// NewConnector builds the RPC pool, the configured chain reader and the
// connector on top of them.
func NewConnector(cfg *config.Config) (*chain.NodePool, *chain.Connector, error) {
	nodes, err := chain.NewNodePool(cfg.Chain.RPCEndpoints, cfg.RPC.Timeout.Std())
	if err != nil {
		return nil, nil, err
	}

	var reader chain.Reader
	switch cfg.Chain.Reader {
	case config.ReaderLCD:
		reader = chain.NewLCDReader(cfg.Chain.LCDEndpoint, cfg.RPC.Timeout.Std())
	case config.ReaderCLI:
		reader = chain.NewCLIReader(cfg.Chain.CLIBinary, cfg.Chain.RPCEndpoints[0])
	default:
		return nil, nil, fmt.Errorf("unknown chain reader %q", cfg.Chain.Reader)
	}

	price, err := chain.ParseGasPrice(cfg.Gas.Prices)
	if err != nil {
		return nil, nil, err
	}

	connector := chain.NewConnector(chain.Config{
		ChainID:       cfg.Chain.ID,
		Denom:         cfg.Chain.Denom,
		AddressPrefix: cfg.Chain.AddressPrefix,
		HDPath:        cfg.Chain.HDPath,
		GasPrice:      price,
		GasLimit:      cfg.Gas.Limit,
		GasAdjustment: cfg.Gas.Adjustment,
		FastBroadcast: cfg.Gas.FastBroadcast,
		Retry: &retry.Config{
			MaxAttempts: cfg.RPC.MaxRetries,
			BaseDelay:   cfg.RPC.BaseBackoff.Std(),
			MaxDelay:    30 * time.Second,
			Multiplier:  2,
		},
	}, reader, nodes, nil)

	return nodes, connector, nil
}

func NewSecrets(cfg config.SecretsConfig) (secrets.Store, error) {
	switch cfg.Backend {
	case config.SecretsMemory:
		log.Warnf("using the in-memory secret store, secrets are lost on exit")
		return secrets.NewMemory(), nil
	case config.SecretsAWS:
		return secrets.NewAWS(cfg.AWSRegion)
	default:
		return nil, fmt.Errorf("unknown secrets backend %q", cfg.Backend)
	}
}

// NewProvisioner wires only what wallet management needs. The returned func
// closes the database.
func NewProvisioner(cfg *config.Config) (*wallet.Provisioner, func() error, error) {
	_, connector, err := NewConnector(cfg)
	if err != nil {
		return nil, nil, err
	}
	secretStore, err := NewSecrets(cfg.Secrets)
	if err != nil {
		return nil, nil, err
	}
	walletCfg, err := wallet.NewConfig(cfg.Wallet, cfg.Secrets)
	if err != nil {
		return nil, nil, err
	}
	db, err := store.Open(cfg.DB)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	return wallet.NewProvisioner(walletCfg, connector, secretStore, db), db.Close, nil
}
