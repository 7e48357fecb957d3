package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/kelpejol/agentpay/internal/ledger"
)

// Pre-flight failures. No transaction has been issued when these are
// returned.
var (
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrInsufficientCredits = errors.New("insufficient credits")
)

// Mid-flow failures. The session ends Failed with the error attached.
var (
	ErrUserRejected        = ledger.ErrUserRejected
	ErrTransactionReverted = errors.New("transaction reverted")
	ErrConfirmationTimeout = errors.New("confirmation timeout")

	// ErrAnswerService means payment was confirmed but the answer could not
	// be fetched. The payment proof stays valid for Redeliver.
	ErrAnswerService = errors.New("answer service error")
)

// Admission failures. Nothing is written and no session is started.
var (
	ErrNotReady        = errors.New("agent data not ready")
	ErrAlreadyInFlight = errors.New("session already in flight")
	ErrAgentInactive   = errors.New("agent inactive")
	ErrNotForSale      = errors.New("agent not for sale")
	ErrNoIdentity      = errors.New("no connected identity")
	ErrEmptyQuestion   = errors.New("empty question")
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrUnknownRail     = errors.New("unknown rail")
)

// ErrNoProof is returned by Redeliver for a session that never confirmed a
// payment.
var ErrNoProof = errors.New("no confirmed payment proof")

// ErrIllegalTransition is returned when a state change is not in the flow's
// transition table. It indicates a bug, not a ledger condition.
var ErrIllegalTransition = errors.New("illegal state transition")

// StepError ties a mid-flow failure to the state it happened in and the
// transaction involved, if any.
type StepError struct {
	Step   State
	TxHash string
	Err    error
}

func (e *StepError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("%s: tx %s: %v", e.Step, e.TxHash, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Reason maps err to a stable, machine-readable failure reason.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAnswerService):
		return "answer_service_error"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrInsufficientCredits):
		return "insufficient_credits"
	case errors.Is(err, ErrUserRejected):
		return "user_rejected"
	case errors.Is(err, ErrTransactionReverted):
		return "transaction_reverted"
	case errors.Is(err, ErrConfirmationTimeout):
		return "confirmation_timeout"
	case errors.Is(err, ErrNotReady):
		return "not_ready"
	case errors.Is(err, ErrAlreadyInFlight):
		return "already_in_flight"
	case errors.Is(err, ErrAgentInactive):
		return "agent_inactive"
	case errors.Is(err, ErrNotForSale):
		return "not_for_sale"
	case errors.Is(err, ErrNoIdentity):
		return "no_identity"
	case errors.Is(err, ErrEmptyQuestion):
		return "empty_question"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrUnknownRail):
		return "unknown_rail"
	case errors.Is(err, ErrNoProof):
		return "no_proof"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "ledger_error"
	}
}
