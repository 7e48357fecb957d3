package ledger

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// EventKind enumerates the ledger events the engine consumes.
type EventKind int

const (
	QueryPaidDirect EventKind = iota + 1
	CreditsConsumed
	AgentPurchased
)

// EventKinds lists every consumed kind in a stable order.
var EventKinds = []EventKind{QueryPaidDirect, CreditsConsumed, AgentPurchased}

func (k EventKind) String() string {
	switch k {
	case QueryPaidDirect:
		return "QueryPaidDirect"
	case CreditsConsumed:
		return "CreditsConsumed"
	case AgentPurchased:
		return "AgentPurchased"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Signature is the canonical event signature whose hash is the first topic.
func (k EventKind) Signature() string {
	switch k {
	case QueryPaidDirect:
		return "QueryPaid(address,address,uint256,uint256)"
	case CreditsConsumed:
		return "CreditsConsumed(address,uint256,uint256)"
	case AgentPurchased:
		return "AgentPurchased(address,address,uint256,uint256)"
	default:
		return ""
	}
}

// Topic is the keccak hash of Signature.
func (k EventKind) Topic() common.Hash {
	return crypto.Keccak256Hash([]byte(k.Signature()))
}

// AgentTopic is the position of the agent id among the event's topics,
// counting the signature topic as position 0. A direct payment carries the
// agent in its fourth indexed field, a credit consumption in its third, and
// a purchase in its fourth.
func (k EventKind) AgentTopic() int {
	switch k {
	case QueryPaidDirect:
		return 3
	case CreditsConsumed:
		return 2
	case AgentPurchased:
		return 3
	default:
		return -1
	}
}

// MinTopics is the number of topics a well-formed event of this kind has.
func (k EventKind) MinTopics() int {
	return k.AgentTopic() + 1
}

// Event is one decoded-enough log record: the raw indexed topics as hex
// strings, the raw non-indexed payload, and the block time.
type Event struct {
	Kind        EventKind
	TxHash      string
	LogIndex    uint
	BlockNumber uint64
	Topics      []string
	Data        []byte
	Timestamp   time.Time
}

// Key is the deduplication identity of the event.
type Key struct {
	TxHash   string
	LogIndex uint
}

// Key returns the event's (transaction, log position) identity.
func (e Event) Key() Key {
	return Key{TxHash: e.TxHash, LogIndex: e.LogIndex}
}

// AddressTopic renders addr the way the ledger indexes address fields.
func AddressTopic(addr common.Address) string {
	return common.BytesToHash(addr.Bytes()).Hex()
}
