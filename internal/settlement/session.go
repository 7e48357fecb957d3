package settlement

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/kelpejol/agentpay/internal/ledger"
)

// TxRecord is one transaction a session issued.
type TxRecord struct {
	Step   State
	Hash   string
	Status ledger.ConfirmationStatus
}

// Session is the in-flight record of one query, purchase or top-up.
type Session struct {
	ID      string
	Surface string
	Flow    Flow
	User    common.Address
	AgentID ledger.AgentID

	Question string
	// Amount is the price snapshotted at admission: the query price, the
	// sale price, or the top-up amount.
	Amount          *big.Int
	Payee           common.Address
	RequiredCredits uint64
	CreditsBefore   uint64
	CreditsAfter    uint64

	State   State
	History []State
	Txs     []TxRecord

	// Proof is the confirmed transaction hash handed to the answer service.
	Proof    string
	Answer   string
	Degraded bool
	Err      error
	Reason   string

	StartedAt time.Time
	EndedAt   time.Time
}

func newSession(flow Flow, surface string, user common.Address, now time.Time) *Session {
	if surface == "" {
		surface = user.Hex()
	}
	return &Session{
		ID:        uuid.NewString(),
		Surface:   surface,
		Flow:      flow,
		User:      user,
		State:     Idle,
		History:   []State{Idle},
		StartedAt: now,
	}
}

// advance moves the session to next through the flow's transition table.
func (s *Session) advance(next State) error {
	if err := Transition(s.Flow, s.State, next); err != nil {
		return err
	}
	s.State = next
	s.History = append(s.History, next)
	return nil
}

func (s *Session) addTx(step State, hash string) {
	s.Txs = append(s.Txs, TxRecord{Step: step, Hash: hash})
}

func (s *Session) setTxStatus(hash string, status ledger.ConfirmationStatus) {
	for i := range s.Txs {
		if s.Txs[i].Hash == hash {
			s.Txs[i].Status = status
		}
	}
}

// Snapshot returns a copy safe to hand to another goroutine.
func (s *Session) Snapshot() Session {
	c := *s
	c.History = append([]State(nil), s.History...)
	c.Txs = append([]TxRecord(nil), s.Txs...)
	if s.Amount != nil {
		c.Amount = new(big.Int).Set(s.Amount)
	}
	return c
}

// TxHashes lists the session's transaction hashes in issue order.
func (s *Session) TxHashes() []string {
	out := make([]string, len(s.Txs))
	for i, t := range s.Txs {
		out[i] = t.Hash
	}
	return out
}

// Duration is the wall time between admission and the terminal state.
func (s *Session) Duration() time.Duration {
	if s.EndedAt.IsZero() {
		return 0
	}
	return s.EndedAt.Sub(s.StartedAt)
}
