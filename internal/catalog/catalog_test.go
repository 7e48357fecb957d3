package catalog

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelpejol/agentpay/internal/ledger"
	"github.com/kelpejol/agentpay/internal/ledger/memledger"
)

func TestDirectory_NotLoadedUntilFetched(t *testing.T) {
	l := memledger.New(memledger.DefaultContracts(), 100)
	id := l.AddAgent(ledger.Agent{
		Creator:       common.HexToAddress("0x01"),
		PricePerQuery: big.NewInt(100_000),
		IsActive:      true,
	})
	d := New(l, 0, time.Minute, zerolog.Nop())

	_, err := d.Get(id)
	assert.ErrorIs(t, err, ErrNotLoaded)

	n, err := d.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	a, err := d.Get(id)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(100_000), a.PricePerQuery)
}

func TestDirectory_Expires(t *testing.T) {
	l := memledger.New(memledger.DefaultContracts(), 100)
	id := l.AddAgent(ledger.Agent{Creator: common.HexToAddress("0x01"), IsActive: true})
	d := New(l, 0, 20*time.Millisecond, zerolog.Nop())
	require.NoError(t, d.Load(context.Background(), id))

	assert.Eventually(t, func() bool {
		_, err := d.Get(id)
		return err != nil
	}, time.Second, 10*time.Millisecond)
}

func TestDirectory_LoadUnknown(t *testing.T) {
	l := memledger.New(memledger.DefaultContracts(), 100)
	d := New(l, 0, time.Minute, zerolog.Nop())
	err := d.Load(context.Background(), 99)
	assert.ErrorIs(t, err, ledger.ErrAgentNotFound)
}

func TestDirectory_ListOrdered(t *testing.T) {
	l := memledger.New(memledger.DefaultContracts(), 100)
	for i := 0; i < 3; i++ {
		l.AddAgent(ledger.Agent{Creator: common.HexToAddress("0x01"), IsActive: true})
	}
	d := New(l, 0, time.Minute, zerolog.Nop())
	_, err := d.Refresh(context.Background())
	require.NoError(t, err)

	list := d.List()
	require.Len(t, list, 3)
	assert.Equal(t, ledger.AgentID(1), list[0].ID)
	assert.Equal(t, ledger.AgentID(3), list[2].ID)
}

func TestDirectory_ResolveLoadsMissing(t *testing.T) {
	l := memledger.New(memledger.DefaultContracts(), 100)
	id := l.AddAgent(ledger.Agent{Creator: common.HexToAddress("0x01"), IsActive: true})
	d := New(l, 0, time.Minute, zerolog.Nop())

	a, err := d.Resolve(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, a.ID)

	_, err = d.Get(id)
	assert.NoError(t, err, "resolved agents stay cached")

	_, err = d.Resolve(context.Background(), 99)
	assert.ErrorIs(t, err, ErrNotLoaded)
	assert.ErrorIs(t, err, ledger.ErrAgentNotFound)
}

type flakyReader struct {
	*memledger.Ledger
	broken ledger.AgentID
}

func (r flakyReader) Agent(ctx context.Context, id ledger.AgentID) (ledger.Agent, error) {
	if id == r.broken {
		return ledger.Agent{}, errors.New("rpc timeout")
	}
	return r.Ledger.Agent(ctx, id)
}

func TestDirectory_RefreshSkipsUnreadableAgent(t *testing.T) {
	l := memledger.New(memledger.DefaultContracts(), 100)
	var ids []ledger.AgentID
	for i := 0; i < 3; i++ {
		ids = append(ids, l.AddAgent(ledger.Agent{Creator: common.HexToAddress("0x01"), IsActive: true}))
	}
	d := New(flakyReader{Ledger: l, broken: ids[0]}, 0, time.Minute, zerolog.Nop())

	n, err := d.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = d.Get(ids[0])
	assert.ErrorIs(t, err, ErrNotLoaded)
	for _, id := range ids[1:] {
		_, err := d.Get(id)
		assert.NoError(t, err)
	}
}

func TestDirectory_RefreshFailsWhenNothingReadable(t *testing.T) {
	l := memledger.New(memledger.DefaultContracts(), 100)
	id := l.AddAgent(ledger.Agent{Creator: common.HexToAddress("0x01"), IsActive: true})
	d := New(flakyReader{Ledger: l, broken: id}, 0, time.Minute, zerolog.Nop())

	_, err := d.Refresh(context.Background())
	assert.Error(t, err)
}
