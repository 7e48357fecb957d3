package ledger

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubTx struct {
	hash    string
	receipt *Receipt
	err     error
	block   bool
}

func (t stubTx) Hash() string { return t.hash }

func (t stubTx) Wait(ctx context.Context) (*Receipt, error) {
	if t.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return t.receipt, t.err
}

func TestAwait_Confirmed(t *testing.T) {
	tx := stubTx{hash: "0x1", receipt: &Receipt{TxHash: "0x1", BlockNumber: 9, Succeeded: true}}
	c, err := Await(context.Background(), tx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, Confirmed, c.Status)
	assert.Equal(t, uint64(9), c.BlockNumber)
}

func TestAwait_Reverted(t *testing.T) {
	tx := stubTx{hash: "0x2", receipt: &Receipt{TxHash: "0x2", Succeeded: false}}
	c, err := Await(context.Background(), tx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, Reverted, c.Status)
}

func TestAwait_TimedOut(t *testing.T) {
	tx := stubTx{hash: "0x3", block: true}
	c, err := Await(context.Background(), tx, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, TimedOut, c.Status)
	assert.Equal(t, "0x3", c.TxHash)
}

func TestAwait_CallerCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Await(ctx, stubTx{hash: "0x4", block: true}, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAwait_TransportError(t *testing.T) {
	boom := errors.New("connection reset")
	_, err := Await(context.Background(), stubTx{hash: "0x5", err: boom}, time.Second)
	assert.ErrorIs(t, err, boom)
}

func TestValueConversions(t *testing.T) {
	amount, err := ParseValue("0.10")
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(100_000), amount)
	assert.Equal(t, "0.100000", FormatValue(amount))
	assert.True(t, ToValue(amount).Equal(decimal.RequireFromString("0.1")))
	assert.Equal(t, big.NewInt(1), FromValue(decimal.RequireFromString("0.0000019")))
}

func TestEventKind_TopicLayout(t *testing.T) {
	assert.Equal(t, 4, QueryPaidDirect.MinTopics())
	assert.Equal(t, 3, CreditsConsumed.MinTopics())
	assert.Equal(t, 4, AgentPurchased.MinTopics())
	assert.NotEqual(t, QueryPaidDirect.Topic(), AgentPurchased.Topic())
}
