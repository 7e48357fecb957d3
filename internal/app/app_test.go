package app

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelpejol/agentpay/internal/config"
	"github.com/kelpejol/agentpay/internal/ledger/memledger"
	"github.com/kelpejol/agentpay/internal/reconcile"
	"github.com/kelpejol/agentpay/internal/settlement"
)

func devConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.RedisAddr = "127.0.0.1:1"
	return cfg
}

func TestNew_Devnet(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, devConfig(t), Options{Dev: true, Registerer: prometheus.NewRegistry()}, zerolog.Nop())
	require.NoError(t, err)
	defer a.Close()

	require.NotNil(t, a.Devnet)
	assert.Equal(t, memledger.DevUser, a.Wallet.Address())
	assert.Len(t, a.Agents.List(), 3)

	s, err := a.Payments.Submit(ctx, a.Wallet, settlement.QueryRequest{
		AgentID:  a.Agents.List()[0].ID,
		Question: "hello",
		Rail:     settlement.RailCredit,
	})
	require.NoError(t, err)
	assert.Equal(t, settlement.Delivered, s.State)
	assert.Contains(t, s.Answer, `"hello"`)

	agg, err := a.Reconciler.Reconcile(ctx, reconcile.Filter{})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), agg.CreditQueries)

	require.Len(t, a.Ready, 1)
	assert.NoError(t, a.Ready[0].Run(ctx))
}

func TestNew_DevFallsBackWithoutRedis(t *testing.T) {
	a, err := New(context.Background(), devConfig(t), Options{Dev: true, Persistence: true}, zerolog.Nop())
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.Sessions)
	assert.Nil(t, a.Journal)
	assert.IsType(t, &settlement.MemoryStore{}, a.Store)
}

func TestNew_RequiresChainOutsideDev(t *testing.T) {
	_, err := New(context.Background(), devConfig(t), Options{}, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RPC_URL")
}

func TestRefreshInterval_BeatsCacheExpiry(t *testing.T) {
	cfg := devConfig(t)
	cfg.AgentCacheTTL = time.Minute
	a := &App{Config: cfg}
	assert.Equal(t, 30*time.Second, a.RefreshInterval())

	cfg.AgentCacheTTL = 0
	assert.Equal(t, time.Second, a.RefreshInterval())
}

func TestNew_DevnetAskAfterPurchase(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, devConfig(t), Options{Dev: true, Registerer: prometheus.NewRegistry()}, zerolog.Nop())
	require.NoError(t, err)
	defer a.Close()

	var forSale settlement.PurchaseRequest
	for _, ag := range a.Agents.List() {
		if ag.IsForSale {
			forSale.AgentID = ag.ID
		}
	}
	require.NotZero(t, forSale.AgentID)

	s, err := a.Purchases.Purchase(ctx, a.Wallet, forSale)
	require.NoError(t, err)
	assert.Equal(t, settlement.Bought, s.State)

	s, err = a.Payments.Submit(ctx, a.Wallet, settlement.QueryRequest{AgentID: forSale.AgentID, Question: "mine now?", Rail: settlement.RailDirect})
	require.NoError(t, err)
	assert.Equal(t, settlement.Delivered, s.State)
}
