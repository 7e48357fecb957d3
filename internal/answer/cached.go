package answer

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/kelpejol/agentpay/internal/settlement"
)

// ReceiptStore remembers delivered answers by payment proof.
type ReceiptStore interface {
	Get(ctx context.Context, proof string) (string, bool, error)
	Put(ctx context.Context, proof, answer string) error
}

// Cached serves answers already delivered for a proof from a ReceiptStore,
// so a redelivery never reaches the service twice for the same payment.
type Cached struct {
	next     settlement.Answerer
	receipts ReceiptStore
	log      zerolog.Logger
}

func NewCached(next settlement.Answerer, receipts ReceiptStore, logger zerolog.Logger) *Cached {
	return &Cached{
		next:     next,
		receipts: receipts,
		log:      logger.With().Str("component", "answer_cache").Logger(),
	}
}

func (c *Cached) Answer(ctx context.Context, req settlement.AnswerRequest) (string, error) {
	answer, ok, err := c.receipts.Get(ctx, req.PaymentProof)
	if err != nil {
		c.log.Warn().Err(err).Str("tx_hash", req.PaymentProof).Msg("receipt lookup failed")
	} else if ok {
		c.log.Debug().Str("tx_hash", req.PaymentProof).Msg("answer served from receipt")
		return answer, nil
	}

	answer, err = c.next.Answer(ctx, req)
	if err != nil {
		return "", err
	}
	if err := c.receipts.Put(ctx, req.PaymentProof, answer); err != nil {
		c.log.Warn().Err(err).Str("tx_hash", req.PaymentProof).Msg("receipt store failed")
	}
	return answer, nil
}

// MemoryReceipts is a bounded in-process ReceiptStore.
type MemoryReceipts struct {
	cache *lru.Cache[string, string]
}

// NewMemoryReceipts keeps at most size receipts. size <= 0 means 1024.
func NewMemoryReceipts(size int) *MemoryReceipts {
	if size <= 0 {
		size = 1024
	}
	// lru.New only fails for a non-positive size.
	cache, _ := lru.New[string, string](size)
	return &MemoryReceipts{cache: cache}
}

func (m *MemoryReceipts) Get(_ context.Context, proof string) (string, bool, error) {
	a, ok := m.cache.Get(proof)
	return a, ok, nil
}

func (m *MemoryReceipts) Put(_ context.Context, proof, answer string) error {
	m.cache.Add(proof, answer)
	return nil
}
