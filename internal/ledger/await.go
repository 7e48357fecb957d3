package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ConfirmationStatus is the terminal state of an awaited transaction.
type ConfirmationStatus int

const (
	Confirmed ConfirmationStatus = iota + 1
	Reverted
	TimedOut
)

func (s ConfirmationStatus) String() string {
	switch s {
	case Confirmed:
		return "confirmed"
	case Reverted:
		return "reverted"
	case TimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Confirmation is the outcome of Await.
type Confirmation struct {
	Status      ConfirmationStatus
	TxHash      string
	BlockNumber uint64
}

// Await blocks until tx is mined or timeout elapses. A timeout is reported
// as a TimedOut confirmation, not an error; the transaction may still be
// mined later. Cancellation of ctx itself is returned as ctx.Err().
func Await(ctx context.Context, tx Tx, timeout time.Duration) (Confirmation, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	receipt, err := tx.Wait(waitCtx)
	if err != nil {
		if ctx.Err() != nil {
			return Confirmation{TxHash: tx.Hash()}, ctx.Err()
		}
		if waitCtx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
			return Confirmation{Status: TimedOut, TxHash: tx.Hash()}, nil
		}
		return Confirmation{TxHash: tx.Hash()}, fmt.Errorf("await %s: %w", tx.Hash(), err)
	}

	c := Confirmation{
		Status:      Confirmed,
		TxHash:      receipt.TxHash,
		BlockNumber: receipt.BlockNumber,
	}
	if !receipt.Succeeded {
		c.Status = Reverted
	}
	return c, nil
}
