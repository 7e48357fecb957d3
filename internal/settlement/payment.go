package settlement

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/kelpejol/agentpay/internal/ledger"
)

// QueryRequest is one paid question.
type QueryRequest struct {
	// Surface identifies the interaction surface. Empty means the wallet
	// address.
	Surface  string
	AgentID  ledger.AgentID
	Question string
	Rail     Rail
}

// PaymentOrchestrator proves payment on one of two rails and then calls the
// answer service exactly once.
type PaymentOrchestrator struct {
	engine
	agents   Directory
	answerer Answerer
}

func NewPaymentOrchestrator(reader ledger.Reader, agents Directory, answerer Answerer, store SessionStore, cfg Config, logger zerolog.Logger, recorders ...Recorder) *PaymentOrchestrator {
	return &PaymentOrchestrator{
		engine:   newEngine(reader, store, cfg, logger.With().Str("component", "payment_orchestrator").Logger(), recorders),
		agents:   agents,
		answerer: answerer,
	}
}

// Submit runs a query session to a terminal state and returns it.
//
// Admission errors return a nil session. Every other error comes with the
// Failed session, except one: when payment was confirmed but the answer
// fetch failed, the session is Delivered and Degraded, carries the proof,
// and the error wraps ErrAnswerService.
func (o *PaymentOrchestrator) Submit(ctx context.Context, w ledger.Wallet, req QueryRequest) (*Session, error) {
	if w == nil || w.Address() == (common.Address{}) {
		return nil, ErrNoIdentity
	}
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, ErrEmptyQuestion
	}
	if req.Rail != RailDirect && req.Rail != RailCredit {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRail, req.Rail)
	}
	agent, err := o.agents.Resolve(ctx, req.AgentID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotReady, err)
	}
	if !agent.IsActive {
		return nil, fmt.Errorf("agent %d: %w", agent.ID, ErrAgentInactive)
	}

	s := newSession(FlowFor(req.Rail), req.Surface, w.Address(), o.now())
	s.AgentID = agent.ID
	s.Question = question
	s.Amount = new(big.Int)
	if agent.PricePerQuery != nil {
		s.Amount.Set(agent.PricePerQuery)
	}
	s.Payee = agent.Creator

	if err := o.store.Begin(ctx, s); err != nil {
		return nil, err
	}
	o.log.Info().
		Str("session_id", s.ID).
		Str("surface", s.Surface).
		Str("rail", req.Rail.String()).
		Uint64("agent_id", uint64(s.AgentID)).
		Str("price", ledger.FormatValue(s.Amount)).
		Msg("query session started")

	if req.Rail == RailCredit {
		err = o.payWithCredits(ctx, w, s)
	} else {
		err = o.payDirect(ctx, w, s)
	}
	if err != nil {
		return o.fail(ctx, s, err)
	}
	return o.dispatch(ctx, s)
}

func (o *PaymentOrchestrator) payDirect(ctx context.Context, w ledger.Wallet, s *Session) error {
	if err := o.step(ctx, s, CheckingBalance); err != nil {
		return err
	}
	if err := o.ensureAllowance(ctx, s, w, o.reader.Contracts().Payments, s.Amount); err != nil {
		return err
	}
	if err := o.step(ctx, s, Paying); err != nil {
		return err
	}
	c, err := o.confirm(ctx, s, func(ctx context.Context) (ledger.Tx, error) {
		return w.PayForQuery(ctx, s.Payee, s.Amount, s.AgentID)
	})
	if err != nil {
		return err
	}
	s.Proof = c.TxHash
	return o.step(ctx, s, Paid)
}

func (o *PaymentOrchestrator) payWithCredits(ctx context.Context, w ledger.Wallet, s *Session) error {
	if err := o.step(ctx, s, CheckingCredits); err != nil {
		return err
	}
	s.RequiredCredits = RequiredCredits(s.Amount, o.cfg.CreditsPerUnit)
	before, err := o.reader.CreditBalance(ctx, s.User)
	if err != nil {
		return &StepError{Step: s.State, Err: fmt.Errorf("read credits: %w", err)}
	}
	s.CreditsBefore = before.Credits
	if before.Credits < s.RequiredCredits {
		return &StepError{Step: s.State, Err: fmt.Errorf("have %d credits, need %d: %w",
			before.Credits, s.RequiredCredits, ErrInsufficientCredits)}
	}

	if err := o.step(ctx, s, Consuming); err != nil {
		return err
	}
	c, err := o.confirm(ctx, s, func(ctx context.Context) (ledger.Tx, error) {
		return w.ConsumeCredits(ctx, s.User, s.AgentID, s.RequiredCredits)
	})
	if err != nil {
		return err
	}
	s.Proof = c.TxHash
	if err := o.step(ctx, s, Consumed); err != nil {
		return err
	}

	after, err := o.reader.CreditBalance(ctx, s.User)
	if err != nil {
		o.log.Warn().Err(err).Str("session_id", s.ID).Msg("credit balance re-read failed")
		return nil
	}
	s.CreditsAfter = after.Credits
	if s.CreditsBefore-s.CreditsAfter != s.RequiredCredits {
		// Another session on the same account can land in between.
		o.log.Warn().
			Str("session_id", s.ID).
			Uint64("before", s.CreditsBefore).
			Uint64("after", s.CreditsAfter).
			Uint64("required", s.RequiredCredits).
			Msg("credit balance moved by more than this session")
	}
	return nil
}

// dispatch calls the answer service exactly once for a confirmed payment.
func (o *PaymentOrchestrator) dispatch(ctx context.Context, s *Session) (*Session, error) {
	if err := o.step(ctx, s, Dispatching); err != nil {
		return o.fail(ctx, s, err)
	}
	answer, err := o.answerer.Answer(ctx, s.answerRequest())
	if err != nil {
		return o.degrade(ctx, s, &StepError{Step: Dispatching, TxHash: s.Proof, Err: fmt.Errorf("%w: %w", ErrAnswerService, err)})
	}
	s.Answer = answer
	if err := o.step(ctx, s, Delivered); err != nil {
		return o.fail(ctx, s, err)
	}
	o.end(ctx, s)

	o.log.Info().
		Str("session_id", s.ID).
		Str("flow", s.Flow.String()).
		Uint64("agent_id", uint64(s.AgentID)).
		Str("tx_hash", s.Proof).
		Dur("duration", s.Duration()).
		Msg("answer delivered")
	return s, nil
}

// degrade ends a paid session whose answer could not be fetched. Payment is
// final, so the session is Delivered without an answer and Redeliver can
// fetch it later under the same proof.
func (o *PaymentOrchestrator) degrade(ctx context.Context, s *Session, err error) (*Session, error) {
	s.Degraded = true
	s.Err = err
	s.Reason = Reason(err)
	if advErr := s.advance(Delivered); advErr != nil {
		return o.fail(ctx, s, advErr)
	}
	o.end(ctx, s)

	o.log.Warn().Err(err).
		Str("session_id", s.ID).
		Str("flow", s.Flow.String()).
		Uint64("agent_id", uint64(s.AgentID)).
		Str("tx_hash", s.Proof).
		Msg("payment confirmed, answer not delivered")
	return s, err
}

// Redeliver fetches the answer again for a session whose payment was
// confirmed. It never touches the ledger.
func (o *PaymentOrchestrator) Redeliver(ctx context.Context, s *Session) (string, error) {
	if s == nil || s.Proof == "" {
		return "", ErrNoProof
	}
	answer, err := o.answerer.Answer(ctx, s.answerRequest())
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrAnswerService, err)
	}
	s.Answer = answer
	o.log.Info().
		Str("session_id", s.ID).
		Str("tx_hash", s.Proof).
		Msg("answer redelivered")
	return answer, nil
}

func (s *Session) answerRequest() AnswerRequest {
	return AnswerRequest{
		Question:     s.Question,
		AgentID:      s.AgentID,
		PaymentProof: s.Proof,
		UserIdentity: s.User,
	}
}
