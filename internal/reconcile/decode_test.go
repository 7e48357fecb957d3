package reconcile

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelpejol/agentpay/internal/ledger"
	"github.com/kelpejol/agentpay/internal/tokenid"
)

func TestDecode_AgentFieldPositions(t *testing.T) {
	amount := common.LeftPadBytes([]byte{0x01, 0x86, 0xa0}, 32) // 100000

	direct, err := Decode(ledger.Event{
		Kind: ledger.QueryPaidDirect,
		Topics: []string{
			ledger.QueryPaidDirect.Topic().Hex(),
			ledger.AddressTopic(payer1),
			ledger.AddressTopic(alice),
			tokenid.EncodeUint64(42),
		},
		Data: amount,
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.AgentID(42), direct.AgentID)
	assert.Equal(t, payer1, direct.Payer)
	assert.Equal(t, alice, direct.Payee)
	assert.True(t, dec("0.1").Equal(direct.Value(100)))

	credit, err := Decode(ledger.Event{
		Kind: ledger.CreditsConsumed,
		Topics: []string{
			ledger.CreditsConsumed.Topic().Hex(),
			ledger.AddressTopic(payer1),
			tokenid.EncodeUint64(7),
		},
		Data: common.LeftPadBytes([]byte{25}, 32),
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.AgentID(7), credit.AgentID)
	assert.True(t, dec("0.25").Equal(credit.Value(100)))

	purchase, err := Decode(ledger.Event{
		Kind: ledger.AgentPurchased,
		Topics: []string{
			ledger.AgentPurchased.Topic().Hex(),
			ledger.AddressTopic(payer1),
			ledger.AddressTopic(bob),
			tokenid.Zero,
		},
		Data: amount,
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.AgentID(0), purchase.AgentID, "the all-zero field is agent 0")
	assert.False(t, purchase.IsQuery())
}

func TestDecode_Malformed(t *testing.T) {
	good := []string{
		ledger.QueryPaidDirect.Topic().Hex(),
		ledger.AddressTopic(payer1),
		ledger.AddressTopic(alice),
		tokenid.EncodeUint64(1),
	}
	data := common.LeftPadBytes([]byte{1}, 32)

	tests := []struct {
		name   string
		topics []string
		data   []byte
	}{
		{"short topics", good[:3], data},
		{"wrong signature", append([]string{ledger.CreditsConsumed.Topic().Hex()}, good[1:]...), data},
		{"bad agent field", append(append([]string{}, good[:3]...), "0x1234"), data},
		{"dirty address", append([]string{good[0], "0x" + "ff" + tokenid.Zero[4:]}, good[2:]...), data},
		{"short payload", good, []byte{1, 2, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(ledger.Event{Kind: ledger.QueryPaidDirect, Topics: tt.topics, Data: tt.data})
			assert.ErrorIs(t, err, ErrMalformedEvent)
		})
	}
}
