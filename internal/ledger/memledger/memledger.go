// Package memledger is an in-memory ledger implementing the ledger façade.
//
// It mirrors the contract behaviour the engine relies on: writes take
// effect only when the transaction is mined (on the first Wait), and a write
// whose preconditions no longer hold at mining time reverts. Mined writes
// append logs with the same topic layout the real contracts emit. Faults can
// be injected per operation to exercise rejection, revert and timeout paths.
package memledger

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/kelpejol/agentpay/internal/ledger"
	"github.com/kelpejol/agentpay/internal/tokenid"
)

// Op names a write operation for fault injection and bookkeeping.
type Op string

const (
	OpApprove         Op = "increase_allowance"
	OpPay             Op = "pay_for_query"
	OpConsume         Op = "consume_credits"
	OpPurchaseCredits Op = "purchase_credits"
	OpPurchaseAgent   Op = "purchase_agent"
)

// Fault is a one-shot failure injected into the next write of an Op.
type Fault int

const (
	// Reject makes the wallet decline to sign.
	Reject Fault = iota + 1
	// Revert mines the transaction with a failed status and no effect.
	Revert
	// Hang makes the transaction never reach a terminal status.
	Hang
)

// Submission records one transaction handed to the ledger.
type Submission struct {
	Op   Op
	From common.Address
	Hash string
}

// Ledger is a goroutine-safe in-memory ledger.
type Ledger struct {
	mu sync.Mutex

	contracts      ledger.Contracts
	creditsPerUnit int64
	now            func() time.Time

	agents     map[ledger.AgentID]*ledger.Agent
	nextAgent  ledger.AgentID
	balances   map[common.Address]*big.Int
	allowances map[[2]common.Address]*big.Int
	credits    map[common.Address]ledger.CreditBalance

	faults      map[Op][]Fault
	submissions []Submission
	receipts    map[string]*ledger.Receipt
	logs        []ledger.Event
	block       uint64
	nonce       uint64
	repeatLogs  bool
}

// New returns an empty ledger. creditsPerUnit is the number of credits one
// whole token buys.
func New(contracts ledger.Contracts, creditsPerUnit int64) *Ledger {
	return &Ledger{
		contracts:      contracts,
		creditsPerUnit: creditsPerUnit,
		now:            time.Now,
		agents:         make(map[ledger.AgentID]*ledger.Agent),
		nextAgent:      1,
		balances:       make(map[common.Address]*big.Int),
		allowances:     make(map[[2]common.Address]*big.Int),
		credits:        make(map[common.Address]ledger.CreditBalance),
		faults:         make(map[Op][]Fault),
		receipts:       make(map[string]*ledger.Receipt),
		block:          1,
	}
}

// DefaultContracts returns fixed placeholder addresses for tests and dev mode.
func DefaultContracts() ledger.Contracts {
	return ledger.Contracts{
		Token:    common.HexToAddress("0x00000000000000000000000000000000000000a1"),
		Payments: common.HexToAddress("0x00000000000000000000000000000000000000a2"),
		Credits:  common.HexToAddress("0x00000000000000000000000000000000000000a3"),
		Agents:   common.HexToAddress("0x00000000000000000000000000000000000000a4"),
	}
}

// SetClock replaces the clock used to timestamp mined events.
func (l *Ledger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// RepeatLogs makes Logs return every event twice, as a flaky transport would.
func (l *Ledger) RepeatLogs(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.repeatLogs = on
}

// AddAgent registers an agent and returns its id. a.ID is ignored.
func (l *Ledger) AddAgent(a ledger.Agent) ledger.AgentID {
	l.mu.Lock()
	defer l.mu.Unlock()
	a.ID = l.nextAgent
	l.nextAgent++
	if a.Owner == (common.Address{}) {
		a.Owner = a.Creator
	}
	a.PricePerQuery = copyInt(a.PricePerQuery)
	a.SalePrice = copyInt(a.SalePrice)
	l.agents[a.ID] = &a
	return a.ID
}

// UpdateAgent applies fn to a stored agent.
func (l *Ledger) UpdateAgent(id ledger.AgentID, fn func(*ledger.Agent)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if a, ok := l.agents[id]; ok {
		fn(a)
	}
}

// Mint credits amount base units of the settlement token to addr.
func (l *Ledger) Mint(addr common.Address, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balanceOf(addr).Add(l.balanceOf(addr), amount)
}

// GrantCredits adds prepaid credits to addr without a purchase.
func (l *Ledger) GrantCredits(addr common.Address, n uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cb := l.credits[addr]
	cb.User = addr
	cb.Credits += n
	cb.UpdatedAt = l.now()
	l.credits[addr] = cb
}

// Inject queues a one-shot fault for the next write of op.
func (l *Ledger) Inject(op Op, f Fault) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.faults[op] = append(l.faults[op], f)
}

// AppendEvent appends a raw event to the history as-is.
func (l *Ledger) AppendEvent(ev ledger.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logs = append(l.logs, ev)
}

// Submissions returns every transaction submitted so far, in order.
func (l *Ledger) Submissions() []Submission {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Submission(nil), l.submissions...)
}

// Confirmed reports whether hash was mined successfully.
func (l *Ledger) Confirmed(hash string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.receipts[hash]
	return ok && r.Succeeded
}

// Wallet returns a wallet signing as addr.
func (l *Ledger) Wallet(addr common.Address) ledger.Wallet {
	return &wallet{l: l, addr: addr}
}

func (l *Ledger) Contracts() ledger.Contracts { return l.contracts }

func (l *Ledger) Agent(_ context.Context, id ledger.AgentID) (ledger.Agent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.agents[id]
	if !ok {
		return ledger.Agent{}, fmt.Errorf("agent %d: %w", id, ledger.ErrAgentNotFound)
	}
	out := *a
	out.PricePerQuery = copyInt(a.PricePerQuery)
	out.SalePrice = copyInt(a.SalePrice)
	return out, nil
}

func (l *Ledger) AgentIDs(context.Context) ([]ledger.AgentID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]ledger.AgentID, 0, len(l.agents))
	for id := range l.agents {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (l *Ledger) CreditBalance(_ context.Context, user common.Address) (ledger.CreditBalance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cb := l.credits[user]
	cb.User = user
	return cb, nil
}

func (l *Ledger) Allowance(_ context.Context, owner, spender common.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return copyInt(l.allowanceOf(owner, spender)), nil
}

func (l *Ledger) TokenBalance(_ context.Context, owner common.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return copyInt(l.balanceOf(owner)), nil
}

func (l *Ledger) Logs(_ context.Context, q ledger.LogQuery) ([]ledger.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []ledger.Event
	for _, ev := range l.logs {
		if ev.Kind != q.Kind || ev.BlockNumber < q.FromBlock {
			continue
		}
		if q.ToBlock != 0 && ev.BlockNumber > q.ToBlock {
			continue
		}
		out = append(out, ev)
		if l.repeatLogs {
			out = append(out, ev)
		}
	}
	return out, nil
}

// submit registers a transaction whose effect runs when it is mined.
func (l *Ledger) submit(op Op, from common.Address, effect func() bool) (ledger.Tx, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var fault Fault
	if q := l.faults[op]; len(q) > 0 {
		fault, l.faults[op] = q[0], q[1:]
	}
	if fault == Reject {
		return nil, fmt.Errorf("%s: %w", op, ledger.ErrUserRejected)
	}

	l.nonce++
	var seed [8]byte
	binary.BigEndian.PutUint64(seed[:], l.nonce)
	hash := crypto.Keccak256Hash(seed[:], from.Bytes(), []byte(op)).Hex()
	l.submissions = append(l.submissions, Submission{Op: op, From: from, Hash: hash})

	return &tx{l: l, hash: hash, fault: fault, effect: effect}, nil
}

// mine applies the effect once and records the receipt. Caller holds l.mu.
func (l *Ledger) mine(t *tx) *ledger.Receipt {
	if r, ok := l.receipts[t.hash]; ok {
		return r
	}
	l.block++
	t.blockNumber = l.block
	ok := t.fault != Revert && t.effect()
	r := &ledger.Receipt{TxHash: t.hash, BlockNumber: l.block, Succeeded: ok}
	l.receipts[t.hash] = r
	return r
}

func (l *Ledger) emit(t *tx, kind ledger.EventKind, topics []string, amount *big.Int) {
	l.logs = append(l.logs, ledger.Event{
		Kind:        kind,
		TxHash:      t.hash,
		LogIndex:    0,
		BlockNumber: l.block,
		Topics:      append([]string{kind.Topic().Hex()}, topics...),
		Data:        common.LeftPadBytes(amount.Bytes(), 32),
		Timestamp:   l.now().UTC(),
	})
}

func (l *Ledger) balanceOf(addr common.Address) *big.Int {
	b, ok := l.balances[addr]
	if !ok {
		b = new(big.Int)
		l.balances[addr] = b
	}
	return b
}

func (l *Ledger) allowanceOf(owner, spender common.Address) *big.Int {
	k := [2]common.Address{owner, spender}
	a, ok := l.allowances[k]
	if !ok {
		a = new(big.Int)
		l.allowances[k] = a
	}
	return a
}

// spend moves amount from owner to payee through spender's allowance.
// Caller holds l.mu.
func (l *Ledger) spend(owner, spender, payee common.Address, amount *big.Int) bool {
	allowance := l.allowanceOf(owner, spender)
	balance := l.balanceOf(owner)
	if allowance.Cmp(amount) < 0 || balance.Cmp(amount) < 0 {
		return false
	}
	allowance.Sub(allowance, amount)
	balance.Sub(balance, amount)
	l.balanceOf(payee).Add(l.balanceOf(payee), amount)
	return true
}

type tx struct {
	l           *Ledger
	hash        string
	fault       Fault
	effect      func() bool
	blockNumber uint64
}

func (t *tx) Hash() string { return t.hash }

func (t *tx) Wait(ctx context.Context) (*ledger.Receipt, error) {
	if t.fault == Hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.l.mu.Lock()
	defer t.l.mu.Unlock()
	r := *t.l.mine(t)
	return &r, nil
}

type wallet struct {
	l    *Ledger
	addr common.Address
}

func (w *wallet) Address() common.Address { return w.addr }

func (w *wallet) IncreaseAllowance(_ context.Context, spender common.Address, amount *big.Int) (ledger.Tx, error) {
	amount = copyInt(amount)
	return w.l.submit(OpApprove, w.addr, func() bool {
		a := w.l.allowanceOf(w.addr, spender)
		a.Add(a, amount)
		return true
	})
}

func (w *wallet) PayForQuery(_ context.Context, payee common.Address, amount *big.Int, agent ledger.AgentID) (ledger.Tx, error) {
	amount = copyInt(amount)
	var t ledger.Tx
	t, err := w.l.submit(OpPay, w.addr, func() bool {
		a, ok := w.l.agents[agent]
		if !ok || !a.IsActive {
			return false
		}
		if !w.l.spend(w.addr, w.l.contracts.Payments, payee, amount) {
			return false
		}
		w.l.emit(t.(*tx), ledger.QueryPaidDirect, []string{
			ledger.AddressTopic(w.addr),
			ledger.AddressTopic(payee),
			tokenid.EncodeUint64(uint64(agent)),
		}, amount)
		return true
	})
	return t, err
}

func (w *wallet) ConsumeCredits(_ context.Context, user common.Address, agent ledger.AgentID, n uint64) (ledger.Tx, error) {
	var t ledger.Tx
	t, err := w.l.submit(OpConsume, w.addr, func() bool {
		a, ok := w.l.agents[agent]
		if !ok || !a.IsActive {
			return false
		}
		cb := w.l.credits[user]
		if cb.Credits < n {
			return false
		}
		cb.User = user
		cb.Credits -= n
		cb.UpdatedAt = w.l.now()
		w.l.credits[user] = cb
		w.l.emit(t.(*tx), ledger.CreditsConsumed, []string{
			ledger.AddressTopic(user),
			tokenid.EncodeUint64(uint64(agent)),
		}, new(big.Int).SetUint64(n))
		return true
	})
	return t, err
}

func (w *wallet) PurchaseCredits(_ context.Context, amount *big.Int) (ledger.Tx, error) {
	amount = copyInt(amount)
	return w.l.submit(OpPurchaseCredits, w.addr, func() bool {
		if !w.l.spend(w.addr, w.l.contracts.Credits, w.l.contracts.Credits, amount) {
			return false
		}
		bought := new(big.Int).Mul(amount, big.NewInt(w.l.creditsPerUnit))
		bought.Quo(bought, new(big.Int).Exp(big.NewInt(10), big.NewInt(ledger.Decimals), nil))
		cb := w.l.credits[w.addr]
		cb.User = w.addr
		cb.Credits += bought.Uint64()
		cb.UpdatedAt = w.l.now()
		w.l.credits[w.addr] = cb
		return true
	})
}

func (w *wallet) PurchaseAgent(_ context.Context, agent ledger.AgentID) (ledger.Tx, error) {
	var t ledger.Tx
	t, err := w.l.submit(OpPurchaseAgent, w.addr, func() bool {
		a, ok := w.l.agents[agent]
		if !ok || !a.IsForSale || a.Owner == w.addr {
			return false
		}
		seller := a.Owner
		price := copyInt(a.SalePrice)
		if !w.l.spend(w.addr, w.l.contracts.Agents, seller, price) {
			return false
		}
		a.Owner = w.addr
		a.IsForSale = false
		w.l.emit(t.(*tx), ledger.AgentPurchased, []string{
			ledger.AddressTopic(w.addr),
			ledger.AddressTopic(seller),
			tokenid.EncodeUint64(uint64(agent)),
		}, price)
		return true
	})
	return t, err
}

func copyInt(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

var (
	_ ledger.Reader = (*Ledger)(nil)
	_ ledger.Wallet = (*wallet)(nil)
)
