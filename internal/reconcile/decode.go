package reconcile

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/kelpejol/agentpay/internal/ledger"
	"github.com/kelpejol/agentpay/internal/tokenid"
)

// ErrMalformedEvent marks a record that cannot be decoded. It is counted and
// dropped, never returned from Reconcile.
var ErrMalformedEvent = errors.New("malformed event")

// Record is a decoded ledger event.
type Record struct {
	Kind      ledger.EventKind
	Key       ledger.Key
	AgentID   ledger.AgentID
	Payer     common.Address
	Payee     common.Address
	Amount    *big.Int
	Timestamp time.Time
	Block     uint64
}

// Value is the record's gross value in token units. Credit consumption is
// converted at creditsPerUnit.
func (r Record) Value(creditsPerUnit int64) decimal.Decimal {
	if r.Kind == ledger.CreditsConsumed {
		return decimal.NewFromBigInt(r.Amount, 0).Div(decimal.NewFromInt(creditsPerUnit))
	}
	return ledger.ToValue(r.Amount)
}

// IsQuery reports whether the record paid for a query.
func (r Record) IsQuery() bool {
	return r.Kind == ledger.QueryPaidDirect || r.Kind == ledger.CreditsConsumed
}

// Decode validates ev against its kind's layout and extracts the agent id,
// the counterparties and the amount.
func Decode(ev ledger.Event) (Record, error) {
	kind := ev.Kind
	if kind.AgentTopic() < 0 {
		return Record{}, fmt.Errorf("%w: unknown kind %s", ErrMalformedEvent, kind)
	}
	if len(ev.Topics) < kind.MinTopics() {
		return Record{}, fmt.Errorf("%w: %s has %d topics, want %d", ErrMalformedEvent, kind, len(ev.Topics), kind.MinTopics())
	}
	if !strings.EqualFold(ev.Topics[0], kind.Topic().Hex()) {
		return Record{}, fmt.Errorf("%w: %s signature mismatch", ErrMalformedEvent, kind)
	}
	id, ok := tokenid.DecodeUint64(ev.Topics[kind.AgentTopic()])
	if !ok {
		return Record{}, fmt.Errorf("%w: %s agent field %q", ErrMalformedEvent, kind, ev.Topics[kind.AgentTopic()])
	}
	if len(ev.Data) < 32 {
		return Record{}, fmt.Errorf("%w: %s payload is %d bytes", ErrMalformedEvent, kind, len(ev.Data))
	}
	payer, ok := topicAddress(ev.Topics[1])
	if !ok {
		return Record{}, fmt.Errorf("%w: %s address field %q", ErrMalformedEvent, kind, ev.Topics[1])
	}

	r := Record{
		Kind:      kind,
		Key:       ev.Key(),
		AgentID:   ledger.AgentID(id),
		Payer:     payer,
		Amount:    new(big.Int).SetBytes(ev.Data[:32]),
		Timestamp: ev.Timestamp.UTC(),
		Block:     ev.BlockNumber,
	}
	if kind == ledger.QueryPaidDirect || kind == ledger.AgentPurchased {
		payee, ok := topicAddress(ev.Topics[2])
		if !ok {
			return Record{}, fmt.Errorf("%w: %s address field %q", ErrMalformedEvent, kind, ev.Topics[2])
		}
		r.Payee = payee
	}
	return r, nil
}

// topicAddress reads an address from a 32-byte indexed field. The upper 12
// bytes must be zero.
func topicAddress(field string) (common.Address, bool) {
	hex := strings.TrimPrefix(strings.TrimPrefix(field, "0x"), "0X")
	if len(hex) != tokenid.FieldWidth || strings.Trim(hex[:24], "0") != "" {
		return common.Address{}, false
	}
	if !common.IsHexAddress(hex[24:]) {
		return common.Address{}, false
	}
	return common.HexToAddress(hex[24:]), true
}

// History is a deduplicated, decoded event set plus the agent reads taken
// alongside it.
type History struct {
	Records    []Record
	Agents     []ledger.Agent
	Malformed  int
	Duplicates int
}

// newHistory decodes and deduplicates events by (transaction, log index).
// Records come out in (time, block, tx, log) order regardless of input
// order.
func newHistory(events []ledger.Event, agents []ledger.Agent) *History {
	h := &History{Agents: agents}
	seen := make(map[ledger.Key]struct{}, len(events))
	for _, ev := range events {
		key := ev.Key()
		key.TxHash = strings.ToLower(key.TxHash)
		if _, dup := seen[key]; dup {
			h.Duplicates++
			continue
		}
		seen[key] = struct{}{}

		r, err := Decode(ev)
		if err != nil {
			h.Malformed++
			continue
		}
		r.Key = key
		h.Records = append(h.Records, r)
	}
	sort.Slice(h.Records, func(i, j int) bool {
		a, b := h.Records[i], h.Records[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if a.Block != b.Block {
			return a.Block < b.Block
		}
		if a.Key.TxHash != b.Key.TxHash {
			return a.Key.TxHash < b.Key.TxHash
		}
		return a.Key.LogIndex < b.Key.LogIndex
	})
	sort.Slice(h.Agents, func(i, j int) bool { return h.Agents[i].ID < h.Agents[j].ID })
	return h
}

// TxHashes returns the set of transaction hashes in the history, lower-cased.
func (h *History) TxHashes() map[string]bool {
	out := make(map[string]bool, len(h.Records))
	for _, r := range h.Records {
		out[r.Key.TxHash] = true
	}
	return out
}
