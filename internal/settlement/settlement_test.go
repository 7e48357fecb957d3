package settlement

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelpejol/agentpay/internal/catalog"
	"github.com/kelpejol/agentpay/internal/ledger"
	"github.com/kelpejol/agentpay/internal/ledger/memledger"
	"github.com/kelpejol/agentpay/internal/tokenid"
)

var (
	creator = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	user    = common.HexToAddress("0x00000000000000000000000000000000000000b1")
)

func units(s string) *big.Int {
	v, err := ledger.ParseValue(s)
	if err != nil {
		panic(err)
	}
	return v
}

type answerCall struct {
	req       AnswerRequest
	confirmed bool
}

// fakeAnswerer records every call and whether the proof was already
// confirmed on the ledger when it was made.
type fakeAnswerer struct {
	mu     sync.Mutex
	ledger *memledger.Ledger
	calls  []answerCall
	err    error
}

func (f *fakeAnswerer) Answer(_ context.Context, req AnswerRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, answerCall{req: req, confirmed: f.ledger.Confirmed(req.PaymentProof)})
	if f.err != nil {
		return "", f.err
	}
	return "answer to " + req.Question, nil
}

type recorded struct {
	mu       sync.Mutex
	sessions []Session
}

func (r *recorded) Record(s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, s)
}

type fixture struct {
	ledger   *memledger.Ledger
	dir      *catalog.Directory
	answerer *fakeAnswerer
	store    *MemoryStore
	rec      *recorded
	pay      *PaymentOrchestrator
	buy      *PurchaseOrchestrator
	topUp    *CreditPurchaser
	agent    ledger.AgentID
	wallet   ledger.Wallet
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	l := memledger.New(memledger.DefaultContracts(), 100)
	id := l.AddAgent(ledger.Agent{
		Creator:       creator,
		PricePerQuery: units("0.10"),
		SalePrice:     units("5.00"),
		IsActive:      true,
	})
	dir := catalog.New(l, 0, time.Minute, zerolog.Nop())
	_, err := dir.Refresh(context.Background())
	require.NoError(t, err)

	f := &fixture{
		ledger:   l,
		dir:      dir,
		answerer: &fakeAnswerer{ledger: l},
		store:    NewMemoryStore(),
		rec:      &recorded{},
		agent:    id,
		wallet:   l.Wallet(user),
	}
	f.pay = NewPaymentOrchestrator(l, dir, f.answerer, f.store, cfg, zerolog.Nop(), f.rec)
	f.buy = NewPurchaseOrchestrator(l, dir, f.store, cfg, zerolog.Nop(), f.rec)
	f.topUp = NewCreditPurchaser(l, f.store, cfg, zerolog.Nop(), f.rec)
	return f
}

func ops(subs []memledger.Submission) []memledger.Op {
	out := make([]memledger.Op, len(subs))
	for i, s := range subs {
		out[i] = s.Op
	}
	return out
}

func TestSubmit_DirectRailDelivers(t *testing.T) {
	f := newFixture(t, Config{})
	f.ledger.Mint(user, units("1.00"))

	s, err := f.pay.Submit(context.Background(), f.wallet, QueryRequest{
		AgentID:  f.agent,
		Question: "what is settlement?",
		Rail:     RailDirect,
	})
	require.NoError(t, err)

	assert.Equal(t, Delivered, s.State)
	assert.Equal(t, []State{Idle, CheckingBalance, Approving, Approved, Paying, Paid, Dispatching, Delivered}, s.History)
	assert.Equal(t, "answer to what is settlement?", s.Answer)
	assert.Equal(t, []memledger.Op{memledger.OpApprove, memledger.OpPay}, ops(f.ledger.Submissions()))

	require.Len(t, f.answerer.calls, 1)
	call := f.answerer.calls[0]
	assert.True(t, call.confirmed, "answer must be requested after the payment is confirmed")
	assert.Equal(t, s.Proof, call.req.PaymentProof)
	assert.Equal(t, user, call.req.UserIdentity)

	ctx := context.Background()
	allowance, err := f.ledger.Allowance(ctx, user, f.ledger.Contracts().Payments)
	require.NoError(t, err)
	assert.Zero(t, allowance.Sign(), "the approved 0.10 is consumed by the payment")

	balance, err := f.ledger.TokenBalance(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, units("0.90"), balance)

	earned, err := f.ledger.TokenBalance(ctx, creator)
	require.NoError(t, err)
	assert.Equal(t, units("0.10"), earned)

	events, err := f.ledger.Logs(ctx, ledger.LogQuery{Kind: ledger.QueryPaidDirect})
	require.NoError(t, err)
	require.Len(t, events, 1)
	id, ok := tokenid.DecodeUint64(events[0].Topics[ledger.QueryPaidDirect.AgentTopic()])
	require.True(t, ok)
	assert.Equal(t, uint64(f.agent), id)
	assert.Equal(t, s.Proof, events[0].TxHash)

	_, active := f.store.Active(user.Hex())
	assert.False(t, active, "surface is released after a terminal state")
	require.Len(t, f.rec.sessions, 1)
	assert.Equal(t, Delivered, f.rec.sessions[0].State)
}

func TestSubmit_ReusesExistingAllowance(t *testing.T) {
	f := newFixture(t, Config{})
	f.ledger.Mint(user, units("1.00"))

	ctx := context.Background()
	tx, err := f.wallet.IncreaseAllowance(ctx, f.ledger.Contracts().Payments, units("0.50"))
	require.NoError(t, err)
	_, err = tx.Wait(ctx)
	require.NoError(t, err)

	s, err := f.pay.Submit(ctx, f.wallet, QueryRequest{AgentID: f.agent, Question: "q", Rail: RailDirect})
	require.NoError(t, err)

	assert.Equal(t, []State{Idle, CheckingBalance, Approved, Paying, Paid, Dispatching, Delivered}, s.History)
	assert.Equal(t, []memledger.Op{memledger.OpApprove, memledger.OpPay}, ops(f.ledger.Submissions()),
		"only the manual approval and the payment")
	require.Len(t, s.Txs, 1)
	assert.Equal(t, Paying, s.Txs[0].Step)
}

func TestSubmit_InsufficientFundsIssuesNothing(t *testing.T) {
	f := newFixture(t, Config{})
	f.ledger.Mint(user, units("0.05"))

	s, err := f.pay.Submit(context.Background(), f.wallet, QueryRequest{AgentID: f.agent, Question: "q", Rail: RailDirect})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	require.NotNil(t, s)
	assert.Equal(t, Failed, s.State)
	assert.Equal(t, "insufficient_funds", s.Reason)
	assert.Empty(t, f.ledger.Submissions())
	assert.Empty(t, f.answerer.calls)

	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, CheckingBalance, stepErr.Step)
}

func TestSubmit_CreditRailInsufficientCredits(t *testing.T) {
	f := newFixture(t, Config{CreditsPerUnit: 100})
	f.ledger.GrantCredits(user, 5)

	s, err := f.pay.Submit(context.Background(), f.wallet, QueryRequest{AgentID: f.agent, Question: "q", Rail: RailCredit})
	assert.ErrorIs(t, err, ErrInsufficientCredits)
	require.NotNil(t, s)
	assert.Equal(t, uint64(10), s.RequiredCredits)
	assert.Equal(t, uint64(5), s.CreditsBefore)
	assert.Empty(t, f.ledger.Submissions())
	assert.Empty(t, f.answerer.calls)
}

func TestSubmit_CreditRailConsumesExactly(t *testing.T) {
	f := newFixture(t, Config{CreditsPerUnit: 100})
	f.ledger.GrantCredits(user, 25)

	s, err := f.pay.Submit(context.Background(), f.wallet, QueryRequest{AgentID: f.agent, Question: "q", Rail: RailCredit})
	require.NoError(t, err)

	assert.Equal(t, []State{Idle, CheckingCredits, Consuming, Consumed, Dispatching, Delivered}, s.History)
	assert.Equal(t, uint64(25), s.CreditsBefore)
	assert.Equal(t, uint64(15), s.CreditsAfter)
	assert.Equal(t, []memledger.Op{memledger.OpConsume}, ops(f.ledger.Submissions()))

	cb, err := f.ledger.CreditBalance(context.Background(), user)
	require.NoError(t, err)
	assert.Equal(t, uint64(15), cb.Credits)

	require.Len(t, f.answerer.calls, 1)
	assert.True(t, f.answerer.calls[0].confirmed)
}

func TestSubmit_UserRejectedApproval(t *testing.T) {
	f := newFixture(t, Config{})
	f.ledger.Mint(user, units("1.00"))
	f.ledger.Inject(memledger.OpApprove, memledger.Reject)

	s, err := f.pay.Submit(context.Background(), f.wallet, QueryRequest{AgentID: f.agent, Question: "q", Rail: RailDirect})
	assert.ErrorIs(t, err, ErrUserRejected)
	assert.Equal(t, Failed, s.State)
	assert.Equal(t, "user_rejected", s.Reason)
	assert.Empty(t, f.ledger.Submissions())
	assert.Empty(t, f.answerer.calls)
}

func TestSubmit_RevertedPaymentNeverDispatches(t *testing.T) {
	f := newFixture(t, Config{})
	f.ledger.Mint(user, units("1.00"))
	f.ledger.Inject(memledger.OpPay, memledger.Revert)

	s, err := f.pay.Submit(context.Background(), f.wallet, QueryRequest{AgentID: f.agent, Question: "q", Rail: RailDirect})
	assert.ErrorIs(t, err, ErrTransactionReverted)
	assert.Equal(t, "transaction_reverted", s.Reason)
	assert.Empty(t, s.Proof)
	assert.Empty(t, f.answerer.calls)

	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, Paying, stepErr.Step)
	assert.NotEmpty(t, stepErr.TxHash)

	// The confirmed approval is left in place for the next session.
	allowance, err := f.ledger.Allowance(context.Background(), user, f.ledger.Contracts().Payments)
	require.NoError(t, err)
	assert.Equal(t, units("0.10"), allowance)

	s, err = f.pay.Submit(context.Background(), f.wallet, QueryRequest{AgentID: f.agent, Question: "q", Rail: RailDirect})
	require.NoError(t, err)
	assert.NotContains(t, s.History, Approving)
}

func TestSubmit_ConfirmationTimeout(t *testing.T) {
	f := newFixture(t, Config{ConfirmationTimeout: 20 * time.Millisecond})
	f.ledger.GrantCredits(user, 100)
	f.ledger.Inject(memledger.OpConsume, memledger.Hang)

	s, err := f.pay.Submit(context.Background(), f.wallet, QueryRequest{AgentID: f.agent, Question: "q", Rail: RailCredit})
	assert.ErrorIs(t, err, ErrConfirmationTimeout)
	assert.NotErrorIs(t, err, ErrTransactionReverted)
	assert.Equal(t, "confirmation_timeout", s.Reason)
	require.Len(t, s.Txs, 1)
	assert.Equal(t, ledger.TimedOut, s.Txs[0].Status)
	assert.Empty(t, f.answerer.calls)
}

func TestSubmit_AnswerFailureIsDegraded(t *testing.T) {
	f := newFixture(t, Config{})
	f.ledger.Mint(user, units("1.00"))
	f.answerer.err = errors.New("503 from answer service")

	s, err := f.pay.Submit(context.Background(), f.wallet, QueryRequest{AgentID: f.agent, Question: "q", Rail: RailDirect})
	assert.ErrorIs(t, err, ErrAnswerService)
	require.NotNil(t, s)
	assert.True(t, s.Degraded)
	assert.Equal(t, Delivered, s.State, "a confirmed payment is never reported as failed")
	assert.Equal(t, "answer_service_error", s.Reason)
	assert.Empty(t, s.Answer)
	assert.Equal(t, []State{Idle, CheckingBalance, Approving, Approved, Paying, Paid, Dispatching, Delivered}, s.History)
	require.Len(t, f.rec.sessions, 1)
	assert.True(t, f.rec.sessions[0].Degraded)
	assert.True(t, f.ledger.Confirmed(s.Proof))
	assert.Len(t, f.answerer.calls, 1)

	f.answerer.err = nil
	answer, err := f.pay.Redeliver(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, "answer to q", answer)
	require.Len(t, f.answerer.calls, 2)
	assert.Equal(t, f.answerer.calls[0].req.PaymentProof, f.answerer.calls[1].req.PaymentProof)
	assert.Equal(t, []memledger.Op{memledger.OpApprove, memledger.OpPay}, ops(f.ledger.Submissions()),
		"redelivery never pays again")
}

func TestRedeliver_RequiresProof(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.pay.Redeliver(context.Background(), &Session{})
	assert.ErrorIs(t, err, ErrNoProof)
}

func TestSubmit_AdmissionErrors(t *testing.T) {
	f := newFixture(t, Config{})
	f.ledger.Mint(user, units("1.00"))
	inactive := f.ledger.AddAgent(ledger.Agent{Creator: creator, PricePerQuery: units("0.10")})
	require.NoError(t, f.dir.Load(context.Background(), inactive))

	tests := []struct {
		name   string
		wallet ledger.Wallet
		req    QueryRequest
		want   error
	}{
		{"no identity", nil, QueryRequest{AgentID: f.agent, Question: "q", Rail: RailDirect}, ErrNoIdentity},
		{"empty question", f.wallet, QueryRequest{AgentID: f.agent, Question: "  ", Rail: RailDirect}, ErrEmptyQuestion},
		{"unknown rail", f.wallet, QueryRequest{AgentID: f.agent, Question: "q"}, ErrUnknownRail},
		{"unknown agent", f.wallet, QueryRequest{AgentID: 999, Question: "q", Rail: RailDirect}, ErrNotReady},
		{"inactive", f.wallet, QueryRequest{AgentID: inactive, Question: "q", Rail: RailDirect}, ErrAgentInactive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := f.pay.Submit(context.Background(), tt.wallet, tt.req)
			assert.ErrorIs(t, err, tt.want)
			assert.Nil(t, s)
		})
	}
	assert.Empty(t, f.ledger.Submissions())
	assert.Empty(t, f.rec.sessions)
}

func TestSubmit_RejectsConcurrentSessionOnSurface(t *testing.T) {
	f := newFixture(t, Config{})
	f.ledger.Mint(user, units("1.00"))
	busy := newSession(FlowDirect, "tab-1", user, time.Now())
	require.NoError(t, f.store.Begin(context.Background(), busy))

	s, err := f.pay.Submit(context.Background(), f.wallet, QueryRequest{Surface: "tab-1", AgentID: f.agent, Question: "q", Rail: RailDirect})
	assert.ErrorIs(t, err, ErrAlreadyInFlight)
	assert.Nil(t, s)
	assert.Empty(t, f.ledger.Submissions())

	_, err = f.pay.Submit(context.Background(), f.wallet, QueryRequest{Surface: "tab-2", AgentID: f.agent, Question: "q", Rail: RailDirect})
	assert.NoError(t, err)
}

func TestPurchase_BuysAgent(t *testing.T) {
	f := newFixture(t, Config{})
	f.ledger.Mint(user, units("10.00"))
	f.ledger.UpdateAgent(f.agent, func(a *ledger.Agent) { a.IsForSale = true })
	require.NoError(t, f.dir.Load(context.Background(), f.agent))

	s, err := f.buy.Purchase(context.Background(), f.wallet, PurchaseRequest{AgentID: f.agent})
	require.NoError(t, err)
	assert.Equal(t, []State{Idle, Approving, Approved, Buying, Bought}, s.History)
	assert.Equal(t, []memledger.Op{memledger.OpApprove, memledger.OpPurchaseAgent}, ops(f.ledger.Submissions()))

	cached, err := f.dir.Get(f.agent)
	require.NoError(t, err, "purchase re-reads the agent into the directory")
	assert.Equal(t, user, cached.Owner)
	assert.False(t, cached.IsForSale)
}

func TestPurchase_ThenAskAndBuyAgain(t *testing.T) {
	f := newFixture(t, Config{})
	f.ledger.Mint(user, units("10.00"))
	f.ledger.UpdateAgent(f.agent, func(a *ledger.Agent) { a.IsForSale = true })
	require.NoError(t, f.dir.Load(context.Background(), f.agent))

	_, err := f.buy.Purchase(context.Background(), f.wallet, PurchaseRequest{AgentID: f.agent})
	require.NoError(t, err)

	s, err := f.pay.Submit(context.Background(), f.wallet, QueryRequest{AgentID: f.agent, Question: "q", Rail: RailDirect})
	require.NoError(t, err)
	assert.Equal(t, Delivered, s.State)

	again, err := f.buy.Purchase(context.Background(), f.wallet, PurchaseRequest{AgentID: f.agent})
	require.NoError(t, err)
	assert.Equal(t, Bought, again.State)
	assert.Empty(t, again.Txs)
	assert.Equal(t, []memledger.Op{
		memledger.OpApprove, memledger.OpPurchaseAgent,
		memledger.OpApprove, memledger.OpPay,
	}, ops(f.ledger.Submissions()), "the repeat purchase issues nothing")
}

func TestSubmit_ResolvesExpiredAgent(t *testing.T) {
	f := newFixture(t, Config{})
	f.ledger.Mint(user, units("1.00"))
	fresh := f.ledger.AddAgent(ledger.Agent{Creator: creator, PricePerQuery: units("0.10"), IsActive: true})

	s, err := f.pay.Submit(context.Background(), f.wallet, QueryRequest{AgentID: fresh, Question: "q", Rail: RailDirect})
	require.NoError(t, err)
	assert.Equal(t, Delivered, s.State)
}

func TestPurchase_AlreadyOwnedIsNoop(t *testing.T) {
	f := newFixture(t, Config{})
	owned := f.ledger.AddAgent(ledger.Agent{Creator: creator, Owner: user, IsActive: true, SalePrice: units("1.00")})
	require.NoError(t, f.dir.Load(context.Background(), owned))

	s, err := f.buy.Purchase(context.Background(), f.wallet, PurchaseRequest{AgentID: owned})
	require.NoError(t, err)
	assert.Equal(t, Bought, s.State)
	assert.Empty(t, s.Txs)
	assert.Empty(t, f.ledger.Submissions())
}

func TestPurchase_NotForSale(t *testing.T) {
	f := newFixture(t, Config{})
	f.ledger.Mint(user, units("10.00"))

	s, err := f.buy.Purchase(context.Background(), f.wallet, PurchaseRequest{AgentID: f.agent})
	assert.ErrorIs(t, err, ErrNotForSale)
	assert.Nil(t, s)
	assert.Empty(t, f.ledger.Submissions())
}

func TestTopUp_PurchasesCredits(t *testing.T) {
	f := newFixture(t, Config{CreditsPerUnit: 100})
	f.ledger.Mint(user, units("2.00"))
	f.ledger.GrantCredits(user, 3)

	s, err := f.topUp.TopUp(context.Background(), f.wallet, TopUpRequest{Amount: units("1.00")})
	require.NoError(t, err)
	assert.Equal(t, Bought, s.State)
	assert.Equal(t, uint64(100), s.RequiredCredits)
	assert.Equal(t, uint64(3), s.CreditsBefore)
	assert.Equal(t, uint64(103), s.CreditsAfter)
	assert.Equal(t, []memledger.Op{memledger.OpApprove, memledger.OpPurchaseCredits}, ops(f.ledger.Submissions()))
}

func TestTopUp_RejectsNonPositiveAmount(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.topUp.TopUp(context.Background(), f.wallet, TopUpRequest{Amount: big.NewInt(0)})
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestRequiredCredits(t *testing.T) {
	assert.Equal(t, uint64(10), RequiredCredits(units("0.10"), 100))
	assert.Equal(t, uint64(1), RequiredCredits(units("0.001"), 100), "fractions round up")
	assert.Equal(t, uint64(0), RequiredCredits(big.NewInt(0), 100))
	assert.Equal(t, uint64(13), RequiredCredits(units("0.125"), 100))
}
