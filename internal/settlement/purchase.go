package settlement

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/kelpejol/agentpay/internal/ledger"
)

// PurchaseRequest buys an agent outright.
type PurchaseRequest struct {
	Surface string
	AgentID ledger.AgentID
}

// PurchaseOrchestrator runs approve then purchase-agent. A confirmed
// purchase flips ownership on the ledger, and the agent is re-read into
// the directory so the next admission sees the new owner.
type PurchaseOrchestrator struct {
	engine
	agents Directory
}

func NewPurchaseOrchestrator(reader ledger.Reader, agents Directory, store SessionStore, cfg Config, logger zerolog.Logger, recorders ...Recorder) *PurchaseOrchestrator {
	return &PurchaseOrchestrator{
		engine: newEngine(reader, store, cfg, logger.With().Str("component", "purchase_orchestrator").Logger(), recorders),
		agents: agents,
	}
}

// Purchase buys req.AgentID. Buying an agent the wallet already owns
// succeeds immediately without any transaction.
func (o *PurchaseOrchestrator) Purchase(ctx context.Context, w ledger.Wallet, req PurchaseRequest) (*Session, error) {
	if w == nil || w.Address() == (common.Address{}) {
		return nil, ErrNoIdentity
	}
	agent, err := o.agents.Resolve(ctx, req.AgentID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotReady, err)
	}

	s := newSession(FlowPurchase, req.Surface, w.Address(), o.now())
	s.AgentID = agent.ID
	s.Amount = new(big.Int)
	if agent.SalePrice != nil {
		s.Amount.Set(agent.SalePrice)
	}
	s.Payee = agent.Owner

	if agent.OwnedBy(w.Address()) {
		if err := s.advance(Bought); err != nil {
			return nil, err
		}
		o.end(ctx, s)
		o.log.Info().
			Str("session_id", s.ID).
			Uint64("agent_id", uint64(s.AgentID)).
			Msg("agent already owned")
		return s, nil
	}
	if !agent.IsForSale {
		return nil, fmt.Errorf("agent %d: %w", agent.ID, ErrNotForSale)
	}

	if err := o.store.Begin(ctx, s); err != nil {
		return nil, err
	}
	o.log.Info().
		Str("session_id", s.ID).
		Uint64("agent_id", uint64(s.AgentID)).
		Str("price", ledger.FormatValue(s.Amount)).
		Msg("purchase session started")

	if err := o.ensureAllowance(ctx, s, w, o.reader.Contracts().Agents, s.Amount); err != nil {
		return o.fail(ctx, s, err)
	}
	if err := o.step(ctx, s, Buying); err != nil {
		return o.fail(ctx, s, err)
	}
	c, err := o.confirm(ctx, s, func(ctx context.Context) (ledger.Tx, error) {
		return w.PurchaseAgent(ctx, s.AgentID)
	})
	if err != nil {
		return o.fail(ctx, s, err)
	}
	s.Proof = c.TxHash
	if err := o.step(ctx, s, Bought); err != nil {
		return o.fail(ctx, s, err)
	}
	if err := o.agents.Load(ctx, s.AgentID); err != nil {
		o.log.Warn().Err(err).
			Str("session_id", s.ID).
			Uint64("agent_id", uint64(s.AgentID)).
			Msg("agent re-read after purchase failed")
	}
	o.end(ctx, s)

	o.log.Info().
		Str("session_id", s.ID).
		Uint64("agent_id", uint64(s.AgentID)).
		Str("tx_hash", s.Proof).
		Dur("duration", s.Duration()).
		Msg("agent purchased")
	return s, nil
}

// TopUpRequest buys prepaid credits for Amount base units.
type TopUpRequest struct {
	Surface string
	Amount  *big.Int
}

// CreditPurchaser tops up a wallet's credit balance through the same
// approve-then-act sequence as an agent purchase.
type CreditPurchaser struct {
	engine
}

func NewCreditPurchaser(reader ledger.Reader, store SessionStore, cfg Config, logger zerolog.Logger, recorders ...Recorder) *CreditPurchaser {
	return &CreditPurchaser{
		engine: newEngine(reader, store, cfg, logger.With().Str("component", "credit_purchaser").Logger(), recorders),
	}
}

// TopUp approves the credits contract and purchases credits. The session
// records the balance before and after.
func (p *CreditPurchaser) TopUp(ctx context.Context, w ledger.Wallet, req TopUpRequest) (*Session, error) {
	if w == nil || w.Address() == (common.Address{}) {
		return nil, ErrNoIdentity
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	spender := p.reader.Contracts().Credits
	s := newSession(FlowTopUp, req.Surface, w.Address(), p.now())
	s.Amount = new(big.Int).Set(req.Amount)
	s.Payee = spender
	s.RequiredCredits = creditsFor(req.Amount, p.cfg.CreditsPerUnit)

	if err := p.store.Begin(ctx, s); err != nil {
		return nil, err
	}
	before, err := p.reader.CreditBalance(ctx, s.User)
	if err != nil {
		return p.fail(ctx, s, fmt.Errorf("read credits: %w", err))
	}
	s.CreditsBefore = before.Credits

	if err := p.ensureAllowance(ctx, s, w, spender, s.Amount); err != nil {
		return p.fail(ctx, s, err)
	}
	if err := p.step(ctx, s, Buying); err != nil {
		return p.fail(ctx, s, err)
	}
	c, err := p.confirm(ctx, s, func(ctx context.Context) (ledger.Tx, error) {
		return w.PurchaseCredits(ctx, s.Amount)
	})
	if err != nil {
		return p.fail(ctx, s, err)
	}
	s.Proof = c.TxHash
	if err := p.step(ctx, s, Bought); err != nil {
		return p.fail(ctx, s, err)
	}
	if after, err := p.reader.CreditBalance(ctx, s.User); err != nil {
		p.log.Warn().Err(err).Str("session_id", s.ID).Msg("credit balance re-read failed")
	} else {
		s.CreditsAfter = after.Credits
	}
	p.end(ctx, s)

	p.log.Info().
		Str("session_id", s.ID).
		Str("amount", ledger.FormatValue(s.Amount)).
		Uint64("credits_before", s.CreditsBefore).
		Uint64("credits_after", s.CreditsAfter).
		Msg("credits purchased")
	return s, nil
}

// creditsFor is the number of whole credits amount buys.
func creditsFor(amount *big.Int, creditsPerUnit int64) uint64 {
	v := ledger.ToValue(amount).Mul(decimal.NewFromInt(creditsPerUnit)).Floor()
	if v.Sign() <= 0 {
		return 0
	}
	return v.BigInt().Uint64()
}
