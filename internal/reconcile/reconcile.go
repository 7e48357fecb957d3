// Package reconcile rebuilds usage and revenue analytics from the ledger's
// event history.
//
// There is no database of record. Every pass fetches the complete history
// of the three consumed event kinds in parallel, decodes each record with
// the shared token id codec, drops malformed records, deduplicates by
// (transaction, log index) and folds what is left into a fresh Aggregate.
// Price-tier and market-status histograms come from a second, independent
// read of the current agents.
//
// A pass is read-only and may run concurrently with any number of payment
// sessions; it simply does not reflect payments that have not confirmed
// yet. A transport failure fails the whole pass, because a partial
// aggregate is worse than none.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/kelpejol/agentpay/internal/ledger"
)

// Defaults for Options.
var (
	DefaultProtocolFeeRate = decimal.RequireFromString("0.05")
	DefaultPriceTiers      = []decimal.Decimal{
		decimal.RequireFromString("0.01"),
		decimal.RequireFromString("0.05"),
		decimal.RequireFromString("0.10"),
		decimal.RequireFromString("0.50"),
		decimal.RequireFromString("1.00"),
	}
)

const DefaultCreditsPerUnit = 100

// Options configures the fold.
type Options struct {
	// ProtocolFeeRate is the fraction of gross query value kept by the
	// platform.
	ProtocolFeeRate decimal.Decimal
	// CreditsPerUnit converts consumed credits to token value.
	CreditsPerUnit int64
	// PriceTiers are ascending upper bounds; prices above the last one fall
	// in a final open bucket.
	PriceTiers []decimal.Decimal
	// FromBlock is where the history starts. The ledger transport clamps it
	// to the deployment block.
	FromBlock uint64
}

func (o Options) withDefaults() Options {
	if o.ProtocolFeeRate.IsZero() {
		o.ProtocolFeeRate = DefaultProtocolFeeRate
	}
	if o.CreditsPerUnit <= 0 {
		o.CreditsPerUnit = DefaultCreditsPerUnit
	}
	if len(o.PriceTiers) == 0 {
		o.PriceTiers = DefaultPriceTiers
	}
	return o
}

// Reconciler runs reconciliation passes against a ledger reader.
type Reconciler struct {
	reader ledger.Reader
	opts   Options
	log    zerolog.Logger
}

func New(reader ledger.Reader, opts Options, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		reader: reader,
		opts:   opts.withDefaults(),
		log:    logger.With().Str("component", "reconciler").Logger(),
	}
}

// Reconcile runs one full pass and folds it through f.
func (r *Reconciler) Reconcile(ctx context.Context, f Filter) (*Aggregate, error) {
	start := time.Now()
	h, err := r.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	agg := fold(h, f, r.opts)

	r.log.Info().
		Int("records", len(h.Records)).
		Int("agents", len(h.Agents)).
		Int("malformed", h.Malformed).
		Int("duplicates", h.Duplicates).
		Uint64("total_queries", agg.TotalQueries).
		Dur("duration", time.Since(start)).
		Msg("reconciliation complete")
	return agg, nil
}

// Fold applies the reconciler's options to an already fetched history.
func (r *Reconciler) Fold(h *History, f Filter) *Aggregate {
	return fold(h, f, r.opts)
}

// Fetch pulls every event kind and every agent in parallel and returns the
// decoded, deduplicated history.
func (r *Reconciler) Fetch(ctx context.Context) (*History, error) {
	g, gctx := errgroup.WithContext(ctx)

	var (
		mu     sync.Mutex
		events []ledger.Event
		agents []ledger.Agent
	)
	for _, kind := range ledger.EventKinds {
		kind := kind
		g.Go(func() error {
			evs, err := r.reader.Logs(gctx, ledger.LogQuery{Kind: kind, FromBlock: r.opts.FromBlock})
			if err != nil {
				return fmt.Errorf("fetch %s events: %w", kind, err)
			}
			mu.Lock()
			events = append(events, evs...)
			mu.Unlock()
			return nil
		})
	}
	g.Go(func() error {
		ids, err := r.reader.AgentIDs(gctx)
		if err != nil {
			return fmt.Errorf("list agents: %w", err)
		}
		out := make([]ledger.Agent, 0, len(ids))
		for _, id := range ids {
			a, err := r.reader.Agent(gctx, id)
			if err != nil {
				return fmt.Errorf("read agent %d: %w", id, err)
			}
			out = append(out, a)
		}
		agents = out
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return newHistory(events, agents), nil
}
