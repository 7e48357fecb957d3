// Package settlement drives the client side of paying for, and buying,
// knowledge agents on the ledger.
//
// Every flow is an explicit state machine (see Transition). A step that
// writes to the ledger submits a transaction and then suspends on
// ledger.Await until the transaction is confirmed, reverted or timed out;
// the next step never starts before the previous one is confirmed. Nothing
// is retried as a payment. The only thing that may be retried is the answer
// fetch, and only keyed by the already-confirmed payment proof.
//
// Orchestrators share no mutable state with each other. The one-session
// per surface rule is enforced by the injected SessionStore, and
// CreditBalance is only ever changed through confirmed ledger writes.
package settlement

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/kelpejol/agentpay/internal/ledger"
)

const (
	DefaultConfirmationTimeout = 45 * time.Second
	DefaultCreditsPerUnit      = 100
)

// Config holds the tunables shared by every orchestrator.
type Config struct {
	// ConfirmationTimeout bounds each wait for a transaction to reach a
	// terminal status.
	ConfirmationTimeout time.Duration
	// CreditsPerUnit is how many credits one whole token is worth.
	CreditsPerUnit int64
}

func (c Config) withDefaults() Config {
	if c.ConfirmationTimeout <= 0 {
		c.ConfirmationTimeout = DefaultConfirmationTimeout
	}
	if c.CreditsPerUnit <= 0 {
		c.CreditsPerUnit = DefaultCreditsPerUnit
	}
	return c
}

// RequiredCredits is ceil(price × creditsPerUnit), with price in base units.
func RequiredCredits(price *big.Int, creditsPerUnit int64) uint64 {
	v := ledger.ToValue(price).Mul(decimal.NewFromInt(creditsPerUnit)).Ceil()
	if v.Sign() <= 0 {
		return 0
	}
	return v.BigInt().Uint64()
}

// engine is the machinery every flow is built from.
type engine struct {
	reader    ledger.Reader
	store     SessionStore
	recorders []Recorder
	cfg       Config
	log       zerolog.Logger
	now       func() time.Time
}

func newEngine(reader ledger.Reader, store SessionStore, cfg Config, logger zerolog.Logger, recorders []Recorder) engine {
	if store == nil {
		store = NewMemoryStore()
	}
	return engine{
		reader:    reader,
		store:     store,
		recorders: recorders,
		cfg:       cfg.withDefaults(),
		log:       logger,
		now:       time.Now,
	}
}

// step advances s and persists it. A store failure is logged and does not
// interrupt a flow that may already have moved funds.
func (e *engine) step(ctx context.Context, s *Session, next State) error {
	if err := s.advance(next); err != nil {
		return &StepError{Step: s.State, Err: err}
	}
	if err := e.store.Update(ctx, s); err != nil {
		e.log.Warn().Err(err).
			Str("session_id", s.ID).
			Str("state", next.String()).
			Msg("session update failed")
	}
	e.log.Debug().
		Str("session_id", s.ID).
		Str("flow", s.Flow.String()).
		Str("state", next.String()).
		Msg("session advanced")
	return nil
}

// confirm submits a transaction for the current step and waits for it to
// reach a terminal status.
func (e *engine) confirm(ctx context.Context, s *Session, submit func(context.Context) (ledger.Tx, error)) (ledger.Confirmation, error) {
	step := s.State
	tx, err := submit(ctx)
	if err != nil {
		return ledger.Confirmation{}, &StepError{Step: step, Err: err}
	}
	s.addTx(step, tx.Hash())
	if err := e.store.Update(ctx, s); err != nil {
		e.log.Warn().Err(err).Str("session_id", s.ID).Msg("session update failed")
	}

	start := e.now()
	c, err := ledger.Await(ctx, tx, e.cfg.ConfirmationTimeout)
	if err != nil {
		return c, &StepError{Step: step, TxHash: tx.Hash(), Err: err}
	}
	s.setTxStatus(tx.Hash(), c.Status)

	e.log.Debug().
		Str("session_id", s.ID).
		Str("state", step.String()).
		Str("tx_hash", tx.Hash()).
		Str("status", c.Status.String()).
		Dur("duration", e.now().Sub(start)).
		Msg("transaction settled")

	switch c.Status {
	case ledger.Confirmed:
		return c, nil
	case ledger.Reverted:
		return c, &StepError{Step: step, TxHash: tx.Hash(), Err: ErrTransactionReverted}
	default:
		return c, &StepError{Step: step, TxHash: tx.Hash(), Err: ErrConfirmationTimeout}
	}
}

// ensureAllowance checks that the wallet holds amount and that spender may
// move it, approving exactly amount when the current allowance falls short.
// On return s is in Approved.
func (e *engine) ensureAllowance(ctx context.Context, s *Session, w ledger.Wallet, spender common.Address, amount *big.Int) error {
	allowance, balance, err := e.funds(ctx, w.Address(), spender)
	if err != nil {
		return &StepError{Step: s.State, Err: err}
	}
	if balance.Cmp(amount) < 0 {
		return &StepError{Step: s.State, Err: fmt.Errorf("balance %s below %s: %w",
			ledger.FormatValue(balance), ledger.FormatValue(amount), ErrInsufficientFunds)}
	}
	if allowance.Cmp(amount) >= 0 {
		e.log.Debug().
			Str("session_id", s.ID).
			Str("allowance", ledger.FormatValue(allowance)).
			Msg("existing allowance reused")
		return e.step(ctx, s, Approved)
	}

	if err := e.step(ctx, s, Approving); err != nil {
		return err
	}
	if _, err := e.confirm(ctx, s, func(ctx context.Context) (ledger.Tx, error) {
		return w.IncreaseAllowance(ctx, spender, amount)
	}); err != nil {
		return err
	}
	if err := e.step(ctx, s, Approved); err != nil {
		return err
	}

	// The approval wait is long enough for the balance or allowance to move
	// underneath us.
	allowance, balance, err = e.funds(ctx, w.Address(), spender)
	if err != nil {
		return &StepError{Step: s.State, Err: err}
	}
	if allowance.Cmp(amount) < 0 || balance.Cmp(amount) < 0 {
		return &StepError{Step: s.State, Err: fmt.Errorf("after approval allowance %s balance %s need %s: %w",
			ledger.FormatValue(allowance), ledger.FormatValue(balance), ledger.FormatValue(amount), ErrInsufficientFunds)}
	}
	return nil
}

func (e *engine) funds(ctx context.Context, owner, spender common.Address) (allowance, balance *big.Int, err error) {
	allowance, err = e.reader.Allowance(ctx, owner, spender)
	if err != nil {
		return nil, nil, fmt.Errorf("read allowance: %w", err)
	}
	balance, err = e.reader.TokenBalance(ctx, owner)
	if err != nil {
		return nil, nil, fmt.Errorf("read balance: %w", err)
	}
	return allowance, balance, nil
}

// fail moves s to Failed and releases its surface.
func (e *engine) fail(ctx context.Context, s *Session, err error) (*Session, error) {
	if _, ok := err.(*StepError); !ok {
		err = &StepError{Step: s.State, Err: err}
	}
	s.Err = err
	s.Reason = Reason(err)
	if advErr := s.advance(Failed); advErr != nil {
		e.log.Error().Err(advErr).Str("session_id", s.ID).Msg("cannot fail session")
	}
	e.end(ctx, s)

	level := zerolog.InfoLevel
	if s.Degraded {
		level = zerolog.WarnLevel
	}
	e.log.WithLevel(level).Err(err).
		Str("session_id", s.ID).
		Str("flow", s.Flow.String()).
		Uint64("agent_id", uint64(s.AgentID)).
		Str("reason", s.Reason).
		Bool("degraded", s.Degraded).
		Msg("session failed")
	return s, err
}

// end releases the surface and notifies recorders. It runs even when ctx is
// already cancelled.
func (e *engine) end(ctx context.Context, s *Session) {
	s.EndedAt = e.now()
	if err := e.store.End(context.WithoutCancel(ctx), s); err != nil {
		e.log.Error().Err(err).Str("session_id", s.ID).Msg("session release failed")
	}
	snap := s.Snapshot()
	for _, r := range e.recorders {
		r.Record(snap)
	}
}
