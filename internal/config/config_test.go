package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agentpay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.ConfirmationTimeout)
	assert.Equal(t, int64(100), cfg.CreditsPerUnit)
	assert.True(t, cfg.ProtocolFeeRate.Equal(decimal.RequireFromString("0.05")))
	require.Len(t, cfg.PriceTiers, 5)
	assert.True(t, cfg.PriceTiers[4].Equal(decimal.NewFromInt(1)))
	assert.Equal(t, "9090", cfg.GRPCPort)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoadFileThenEnv(t *testing.T) {
	path := writeFile(t, `
rpc_url: http://node:8545
chain_id: 8453
token_address: "0x00000000000000000000000000000000000000a1"
confirmation_timeout: 90s
protocol_fee_rate: 0.1
price_tiers: "0.1, 1, 10"
answer_url: http://answers:9000/
`)
	t.Setenv("CONFIRMATION_TIMEOUT", "30s")
	t.Setenv("CREDITS_PER_UNIT", "50")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://node:8545", cfg.RPCURL)
	assert.Equal(t, int64(8453), cfg.ChainID)
	assert.Equal(t, common.HexToAddress("0xa1"), cfg.Contracts.Token)
	assert.Equal(t, 30*time.Second, cfg.ConfirmationTimeout, "environment wins over the file")
	assert.Equal(t, int64(50), cfg.CreditsPerUnit)
	assert.True(t, cfg.ProtocolFeeRate.Equal(decimal.RequireFromString("0.1")))
	assert.Len(t, cfg.PriceTiers, 3)
	assert.Equal(t, "http://answers:9000", cfg.AnswerURL)
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"bad duration", map[string]string{"CONFIRMATION_TIMEOUT": "soon"}, "CONFIRMATION_TIMEOUT"},
		{"bad address", map[string]string{"AGENTS_ADDRESS": "0x12"}, "AGENTS_ADDRESS"},
		{"fee too high", map[string]string{"PROTOCOL_FEE_RATE": "1"}, "PROTOCOL_FEE_RATE"},
		{"tiers not ascending", map[string]string{"PRICE_TIERS": "0.5,0.1"}, "ascending"},
		{"zero credits", map[string]string{"CREDITS_PER_UNIT": "0"}, "CREDITS_PER_UNIT"},
		{"zero attempts", map[string]string{"ANSWER_MAX_ATTEMPTS": "0"}, "ANSWER_MAX_ATTEMPTS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestRequireChain(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	err = cfg.RequireChain()
	require.Error(t, err)
	assert.Equal(t, "missing chain settings: AGENTS_ADDRESS, CREDITS_ADDRESS, PAYMENTS_ADDRESS, RPC_URL, TOKEN_ADDRESS", err.Error())

	cfg.RPCURL = "http://node"
	cfg.Contracts.Token = common.HexToAddress("0x1")
	cfg.Contracts.Payments = common.HexToAddress("0x2")
	cfg.Contracts.Credits = common.HexToAddress("0x3")
	cfg.Contracts.Agents = common.HexToAddress("0x4")
	assert.NoError(t, cfg.RequireChain())
}
