// Package audit cross-checks the settlement journal against the ledger.
//
// The ledger is the source of truth for every payment. The journal is what
// operators query, so if the two disagree we have a problem: a journaled
// proof that never shows up in the ledger history means a session reported
// success for a transaction the chain does not know about.
//
// The audit strategy:
//   - After every reconciliation pass: verify all journaled proofs older
//     than a grace period against the pass's history
//   - On demand: the CLI runs the same check against a fresh fetch
//
// The grace period covers sessions that ended while the history was being
// fetched and logs that the RPC node has not indexed yet.
package audit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/kelpejol/agentpay/internal/journal"
	"github.com/kelpejol/agentpay/internal/reconcile"
)

// DefaultGrace is how old a journaled session must be before its proof is
// expected in the ledger history.
const DefaultGrace = 10 * time.Minute

// HistoryFunc returns a reconciled history and when its fetch started.
type HistoryFunc func(ctx context.Context) (*reconcile.History, time.Time, error)

// Verifier checks journaled proofs. *journal.Journal implements it.
type Verifier interface {
	Verify(ctx context.Context, onLedger map[string]bool, cutoff time.Time) (*journal.Report, error)
}

// ReportFunc observes each completed audit.
type ReportFunc func(r *journal.Report)

// Auditor verifies journal integrity.
type Auditor struct {
	history  HistoryFunc
	verifier Verifier
	grace    time.Duration
	onReport ReportFunc
	log      zerolog.Logger

	mu   sync.RWMutex
	last *journal.Report

	started  atomic.Bool
	startOne sync.Once
	stopOne  sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// NewAuditor creates an Auditor. grace <= 0 means DefaultGrace.
func NewAuditor(history HistoryFunc, verifier Verifier, grace time.Duration, logger zerolog.Logger, onReport ReportFunc) *Auditor {
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &Auditor{
		history:  history,
		verifier: verifier,
		grace:    grace,
		onReport: onReport,
		log:      logger.With().Str("component", "auditor").Logger(),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// FromScheduler reads the latest history of a running scheduler.
func FromScheduler(s *reconcile.Scheduler) HistoryFunc {
	return func(context.Context) (*reconcile.History, time.Time, error) {
		h, err := s.History()
		if err != nil {
			return nil, time.Time{}, err
		}
		_, fetchedAt, err := s.Snapshot()
		return h, fetchedAt, err
	}
}

// FromReconciler fetches a fresh history for every audit.
func FromReconciler(r *reconcile.Reconciler) HistoryFunc {
	return func(ctx context.Context) (*reconcile.History, time.Time, error) {
		start := time.Now()
		h, err := r.Fetch(ctx)
		return h, start, err
	}
}

// VerifyIntegrity runs one audit and returns its report.
//
// Every missing proof is logged; the report is also kept for Last.
func (a *Auditor) VerifyIntegrity(ctx context.Context) (*journal.Report, error) {
	h, fetchedAt, err := a.history(ctx)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	report, err := a.verifier.Verify(ctx, h.TxHashes(), fetchedAt.Add(-a.grace))
	if err != nil {
		return nil, err
	}

	for _, d := range report.Missing {
		a.log.Warn().
			Str("session_id", d.SessionID).
			Str("flow", d.Flow).
			Str("tx_hash", d.Proof).
			Time("ended_at", d.EndedAt).
			Msg("journaled proof missing from ledger history")
	}
	a.log.Info().
		Int("checked", report.Checked).
		Int("missing", len(report.Missing)).
		Msg("journal audit complete")

	a.mu.Lock()
	a.last = report
	a.mu.Unlock()
	if a.onReport != nil {
		a.onReport(report)
	}
	return report, nil
}

// Last returns the most recent report, or nil before the first audit.
func (a *Auditor) Last() *journal.Report {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.last
}

// StartPeriodicAudit runs VerifyIntegrity every interval until Stop. Only
// the first call starts a loop.
func (a *Auditor) StartPeriodicAudit(interval time.Duration) {
	a.startOne.Do(func() { a.start(interval) })
}

func (a *Auditor) start(interval time.Duration) {
	a.log.Info().Dur("interval", interval).Msg("starting periodic journal audit")

	a.started.Store(true)
	ticker := time.NewTicker(interval)
	go func() {
		defer close(a.done)
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
				if _, err := a.VerifyIntegrity(ctx); err != nil {
					a.log.Error().Err(err).Msg("periodic journal audit failed")
				}
				cancel()
			case <-a.stopCh:
				ticker.Stop()
				a.log.Info().Msg("periodic journal audit stopped")
				return
			}
		}
	}()
}

// Stop stops the periodic audit goroutine and waits for it. Repeated calls
// return immediately.
func (a *Auditor) Stop() {
	a.stopOne.Do(func() { close(a.stopCh) })
	if a.started.Load() {
		<-a.done
	}
}
