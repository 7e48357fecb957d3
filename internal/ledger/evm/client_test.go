package evm

import (
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelpejol/agentpay/internal/ledger"
	"github.com/kelpejol/agentpay/internal/tokenid"
)

func TestEventTopicsMatchABI(t *testing.T) {
	cases := []struct {
		src  string
		name string
		kind ledger.EventKind
	}{
		{paymentsABI, "QueryPaid", ledger.QueryPaidDirect},
		{creditsABI, "CreditsConsumed", ledger.CreditsConsumed},
		{agentsABI, "AgentPurchased", ledger.AgentPurchased},
	}
	for _, tc := range cases {
		parsed, err := abi.JSON(strings.NewReader(tc.src))
		require.NoError(t, err)
		ev, ok := parsed.Events[tc.name]
		require.True(t, ok, tc.name)
		assert.Equal(t, tc.kind.Topic(), ev.ID, tc.name)

		indexed := 0
		for _, in := range ev.Inputs {
			if in.Indexed {
				indexed++
			}
		}
		assert.Equal(t, tc.kind.MinTopics(), indexed+1, tc.name)
	}
}

func TestABIs_Parse(t *testing.T) {
	for _, src := range []string{tokenABI, paymentsABI, creditsABI, agentsABI} {
		_, err := abi.JSON(strings.NewReader(src))
		require.NoError(t, err)
	}
}

func TestToEvent(t *testing.T) {
	payer := common.HexToAddress("0x1000000000000000000000000000000000000001")
	payee := common.HexToAddress("0x2000000000000000000000000000000000000002")
	agent := common.BigToHash(big.NewInt(42))
	lg := types.Log{
		Topics:      []common.Hash{ledger.QueryPaidDirect.Topic(), common.BytesToHash(payer.Bytes()), common.BytesToHash(payee.Bytes()), agent},
		Data:        common.LeftPadBytes(big.NewInt(100_000).Bytes(), 32),
		BlockNumber: 77,
		TxHash:      common.HexToHash("0xabc"),
		Index:       3,
	}
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	ev := toEvent(ledger.QueryPaidDirect, lg, ts)

	assert.Equal(t, uint(3), ev.LogIndex)
	assert.Equal(t, uint64(77), ev.BlockNumber)
	assert.Equal(t, ts, ev.Timestamp)
	require.Len(t, ev.Topics, 4)
	assert.Equal(t, ledger.AddressTopic(payer), ev.Topics[1])
	id, ok := tokenid.DecodeUint64(ev.Topics[ledger.QueryPaidDirect.AgentTopic()])
	require.True(t, ok)
	assert.Equal(t, uint64(42), id)

	lg.Data[31] = 0
	assert.NotEqual(t, lg.Data, ev.Data, "payload must be copied")
}
