// Package app assembles the engine from configuration. Both the API server
// and the CLI build on it so the two always wire the same components.
//
// Initialization order:
//  1. Ledger backend (EVM endpoint, or the seeded in-memory devnet)
//  2. Signing wallet
//  3. Agent directory, primed from the ledger
//  4. Session store and answer receipts (Redis, or in-process)
//  5. Settlement journal (PostgreSQL), when persistence is on
//  6. Answer client, orchestrators and reconciler
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/kelpejol/agentpay/internal/answer"
	"github.com/kelpejol/agentpay/internal/api"
	"github.com/kelpejol/agentpay/internal/catalog"
	"github.com/kelpejol/agentpay/internal/config"
	"github.com/kelpejol/agentpay/internal/journal"
	"github.com/kelpejol/agentpay/internal/ledger"
	"github.com/kelpejol/agentpay/internal/ledger/evm"
	"github.com/kelpejol/agentpay/internal/ledger/memledger"
	"github.com/kelpejol/agentpay/internal/metrics"
	"github.com/kelpejol/agentpay/internal/reconcile"
	"github.com/kelpejol/agentpay/internal/rest"
	"github.com/kelpejol/agentpay/internal/session"
	"github.com/kelpejol/agentpay/internal/settlement"
)

// Options selects how much of the stack is built.
type Options struct {
	// Dev runs against the seeded in-memory ledger as memledger.DevUser.
	Dev bool
	// Persistence connects Redis and PostgreSQL. Outside development a
	// connection failure is fatal; in development the engine falls back to
	// in-process stores.
	Persistence bool
	// Confirm is asked before every EVM transaction.
	Confirm evm.ConfirmFunc
	// Registerer receives the engine metrics. Nil disables metrics.
	Registerer prometheus.Registerer
}

// App holds the wired components.
type App struct {
	Config *config.Config

	Reader ledger.Reader
	// Wallet is the process signing identity; nil for a read-only process.
	Wallet ledger.Wallet
	Signer api.Signer
	// Devnet is set in development mode.
	Devnet *memledger.Ledger

	Agents   *catalog.Directory
	Store    settlement.SessionStore
	Sessions *session.Store
	DB       *sql.DB
	Journal  *journal.Journal
	Metrics  *metrics.Metrics

	Answerer   settlement.Answerer
	Payments   *settlement.PaymentOrchestrator
	Purchases  *settlement.PurchaseOrchestrator
	Credits    *settlement.CreditPurchaser
	Reconciler *reconcile.Reconciler

	// Ready lists the readiness probes of every external dependency.
	Ready []rest.Check

	closers []func()
	log     zerolog.Logger
}

// ErrReadOnly is returned by the signer of a process without a key.
var ErrReadOnly = errors.New("no signing key configured")

// New builds an App. Close releases everything it opened.
func New(ctx context.Context, cfg *config.Config, opts Options, logger zerolog.Logger) (*App, error) {
	a := &App{Config: cfg, log: logger.With().Str("component", "app").Logger()}
	if err := a.build(ctx, opts, logger); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, opts Options, logger zerolog.Logger) error {
	cfg := a.Config

	if err := a.openLedger(ctx, opts); err != nil {
		return err
	}

	a.Agents = catalog.New(a.Reader, catalog.DefaultSize, cfg.AgentCacheTTL, logger)
	n, err := a.Agents.Refresh(ctx)
	if err != nil {
		a.log.Warn().Err(err).Msg("agent directory not primed")
	} else {
		a.log.Info().Int("agents", n).Msg("agent directory primed")
	}

	var receipts answer.ReceiptStore = answer.NewMemoryReceipts(0)
	a.Store = settlement.NewMemoryStore()
	if opts.Persistence {
		if err := a.openPersistence(ctx, opts, logger); err != nil {
			if !opts.Dev && !cfg.IsDevelopment() {
				return err
			}
			a.log.Warn().Err(err).Msg("persistence unavailable, using in-process stores")
		}
		if a.Sessions != nil {
			a.Store = a.Sessions
			receipts = a.Sessions
		}
	}

	var recorders []settlement.Recorder
	if opts.Registerer != nil {
		a.Metrics = metrics.New(opts.Registerer)
		recorders = append(recorders, a.Metrics)
	}
	if a.Journal != nil {
		recorders = append(recorders, a.Journal)
	}

	switch {
	case cfg.AnswerURL != "":
		a.Answerer = answer.NewCached(answer.NewClient(cfg.AnswerURL, answer.Options{
			Timeout:     cfg.AnswerTimeout,
			MaxAttempts: cfg.AnswerMaxAttempts,
		}, logger), receipts, logger)
	case a.Devnet != nil:
		a.Answerer = answer.NewCached(answer.Echo(), receipts, logger)
	default:
		return errors.New("ANSWER_URL is required")
	}

	scfg := settlement.Config{
		ConfirmationTimeout: cfg.ConfirmationTimeout,
		CreditsPerUnit:      cfg.CreditsPerUnit,
	}
	a.Payments = settlement.NewPaymentOrchestrator(a.Reader, a.Agents, a.Answerer, a.Store, scfg, logger, recorders...)
	a.Purchases = settlement.NewPurchaseOrchestrator(a.Reader, a.Agents, a.Store, scfg, logger, recorders...)
	a.Credits = settlement.NewCreditPurchaser(a.Reader, a.Store, scfg, logger, recorders...)

	a.Reconciler = reconcile.New(a.Reader, reconcile.Options{
		ProtocolFeeRate: cfg.ProtocolFeeRate,
		CreditsPerUnit:  cfg.CreditsPerUnit,
		PriceTiers:      cfg.PriceTiers,
		FromBlock:       cfg.DeploymentBlock,
	}, logger)

	a.Ready = append(a.Ready, rest.Check{Name: "ledger", Run: func(ctx context.Context) error {
		_, err := a.Reader.AgentIDs(ctx)
		return err
	}})
	return nil
}

func (a *App) openLedger(ctx context.Context, opts Options) error {
	cfg := a.Config
	if opts.Dev {
		a.Devnet = memledger.NewDevnet(cfg.CreditsPerUnit)
		a.Reader = a.Devnet
		a.Wallet = a.Devnet.Wallet(memledger.DevUser)
		a.Signer = api.AddressSigner(a.Devnet.Wallet)
		a.log.Info().Str("user", memledger.DevUser.Hex()).Msg("using in-memory devnet")
		return nil
	}

	if err := cfg.RequireChain(); err != nil {
		return err
	}
	client, err := evm.Dial(ctx, cfg.RPCURL, cfg.Contracts, evm.Options{DeploymentBlock: cfg.DeploymentBlock}, a.log)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, client.Close)
	a.Reader = client

	if cfg.PrivateKey == "" {
		a.Signer = api.SignerFunc(func(context.Context, string) (ledger.Wallet, error) {
			return nil, fmt.Errorf("%w: %w", settlement.ErrNoIdentity, ErrReadOnly)
		})
		a.log.Warn().Msg("no PRIVATE_KEY, running read-only")
		return nil
	}
	key, err := crypto.HexToECDSA(cfg.PrivateKey)
	if err != nil {
		return fmt.Errorf("PRIVATE_KEY: %w", err)
	}
	chainID := big.NewInt(cfg.ChainID)
	if remote, err := client.ChainID(ctx); err == nil && remote.Cmp(chainID) != 0 {
		return fmt.Errorf("CHAIN_ID %s does not match endpoint chain %s", chainID, remote)
	}
	a.Wallet, err = client.NewWallet(key, chainID, opts.Confirm)
	if err != nil {
		return err
	}
	a.Signer = api.KeySigner(a.Wallet)
	a.log.Info().Str("address", a.Wallet.Address().Hex()).Msg("signing wallet loaded")
	return nil
}

func (a *App) openPersistence(ctx context.Context, opts Options, logger zerolog.Logger) error {
	cfg := a.Config

	rdb, err := session.Dial(ctx, cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() { rdb.Close() })
	a.Sessions = session.NewStore(rdb, session.Options{}, logger)
	a.Ready = append(a.Ready, rest.Check{Name: "redis", Run: a.Sessions.Ping})
	a.log.Info().Str("addr", cfg.RedisAddr).Msg("connected to redis")

	db, err := journal.Open(ctx, cfg.PostgresURL)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() { db.Close() })
	if err := journal.Migrate(ctx, db); err != nil {
		return err
	}
	a.DB = db
	a.Journal = journal.New(db, journal.Options{}, logger)
	a.closers = append(a.closers, a.Journal.Close)
	a.Ready = append(a.Ready, rest.Check{Name: "postgres", Run: db.PingContext})
	a.log.Info().Msg("settlement journal ready")
	return nil
}

// RefreshInterval is how often RefreshAgents reloads the directory: half
// the cache TTL, so a refresh always lands before loaded entries expire.
func (a *App) RefreshInterval() time.Duration {
	ttl := a.Config.AgentCacheTTL
	if ttl <= 0 {
		return time.Second
	}
	if ttl/2 > 0 {
		return ttl / 2
	}
	return ttl
}

// RefreshAgents reloads the agent directory every RefreshInterval until
// ctx ends.
func (a *App) RefreshAgents(ctx context.Context) {
	ticker := time.NewTicker(a.RefreshInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := a.Agents.Refresh(ctx); err != nil {
				a.log.Warn().Err(err).Msg("agent directory refresh failed")
			} else {
				a.log.Debug().Int("agents", n).Msg("agent directory refreshed")
			}
		}
	}
}

// Close releases resources in reverse order of acquisition. The journal
// drains before its database closes.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
