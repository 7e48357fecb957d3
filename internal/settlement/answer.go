package settlement

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/kelpejol/agentpay/internal/ledger"
)

// AnswerRequest is what the answer service receives once payment is
// confirmed.
type AnswerRequest struct {
	Question     string
	AgentID      ledger.AgentID
	PaymentProof string
	UserIdentity common.Address
}

// Answerer fetches an answer for a paid question. Implementations may retry
// internally but must key every attempt by PaymentProof.
type Answerer interface {
	Answer(ctx context.Context, req AnswerRequest) (string, error)
}

// AnswererFunc adapts a function to Answerer.
type AnswererFunc func(ctx context.Context, req AnswerRequest) (string, error)

func (f AnswererFunc) Answer(ctx context.Context, req AnswerRequest) (string, error) {
	return f(ctx, req)
}

// Recorder observes sessions as they end. Record must not block; slow
// sinks queue internally.
type Recorder interface {
	Record(s Session)
}

// Directory resolves admission-time agent snapshots.
type Directory interface {
	Resolve(ctx context.Context, id ledger.AgentID) (ledger.Agent, error)
	Load(ctx context.Context, ids ...ledger.AgentID) error
}
