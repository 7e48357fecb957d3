// Package ledger is the façade the settlement engine uses to talk to the
// public ledger.
//
// The ledger owns agents, token balances, allowances, prepaid credits and the
// append-only event history. Nothing in this module mutates that state except
// through a Wallet write, and no write has any effect until the returned
// transaction is confirmed. Orchestration and reconciliation code depends on
// the Reader and Wallet interfaces only; the concrete transports live in the
// evm and memledger subpackages.
//
// Amounts are *big.Int in the token's base units (6 decimals). Credits are
// plain integers.
package ledger

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Decimals is the fixed-point precision of the settlement token.
const Decimals = 6

var (
	// ErrUserRejected is returned by a Wallet when the signer declines to
	// sign a transaction.
	ErrUserRejected = errors.New("user rejected transaction")

	// ErrAgentNotFound is returned by Reader.Agent for ids the ledger has
	// never assigned.
	ErrAgentNotFound = errors.New("agent not found")
)

// AgentID identifies an agent. Ids are assigned by the ledger.
type AgentID uint64

// Agent is the ledger's record of a knowledge agent.
type Agent struct {
	ID            AgentID
	Creator       common.Address
	Owner         common.Address
	PricePerQuery *big.Int
	SalePrice     *big.Int
	IsActive      bool
	IsForSale     bool
}

// OwnedBy reports whether addr currently owns the agent.
func (a Agent) OwnedBy(addr common.Address) bool {
	return a.Owner == addr
}

// CreditBalance is a user's prepaid credit balance.
type CreditBalance struct {
	User      common.Address
	Credits   uint64
	UpdatedAt time.Time
}

// Contracts names the ledger contracts the engine interacts with. Payments,
// Credits and Agents are also the spenders a wallet approves before paying
// for a query, topping up credits, or buying an agent.
type Contracts struct {
	Token    common.Address
	Payments common.Address
	Credits  common.Address
	Agents   common.Address
}

// LogQuery selects the event history of one kind. ToBlock zero means the
// latest block.
type LogQuery struct {
	Kind      EventKind
	FromBlock uint64
	ToBlock   uint64
}

// Reader is the view-call surface. Reads need no signature and no
// confirmation.
type Reader interface {
	Contracts() Contracts
	Agent(ctx context.Context, id AgentID) (Agent, error)
	AgentIDs(ctx context.Context) ([]AgentID, error)
	CreditBalance(ctx context.Context, user common.Address) (CreditBalance, error)
	Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error)
	TokenBalance(ctx context.Context, owner common.Address) (*big.Int, error)
	Logs(ctx context.Context, q LogQuery) ([]Event, error)
}

// Wallet is the state-changing surface, bound to one signing identity. Every
// method returns as soon as the transaction is submitted; use Await to reach
// a terminal status.
type Wallet interface {
	Address() common.Address
	IncreaseAllowance(ctx context.Context, spender common.Address, amount *big.Int) (Tx, error)
	PayForQuery(ctx context.Context, payee common.Address, amount *big.Int, agent AgentID) (Tx, error)
	ConsumeCredits(ctx context.Context, user common.Address, agent AgentID, credits uint64) (Tx, error)
	PurchaseCredits(ctx context.Context, amount *big.Int) (Tx, error)
	PurchaseAgent(ctx context.Context, agent AgentID) (Tx, error)
}

// Tx is a submitted transaction.
type Tx interface {
	Hash() string
	// Wait blocks until the transaction reaches a terminal status or ctx is
	// done.
	Wait(ctx context.Context) (*Receipt, error)
}

// Receipt is the terminal record of a mined transaction.
type Receipt struct {
	TxHash      string
	BlockNumber uint64
	Succeeded   bool
}
