package reconcile

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ErrNoSnapshot is returned before the first successful pass.
var ErrNoSnapshot = errors.New("no reconciliation snapshot yet")

// PassFunc observes each scheduled pass.
type PassFunc func(agg *Aggregate, duration time.Duration, err error)

// Scheduler rebuilds the history on an interval and keeps the latest good
// one. A failed pass leaves the previous snapshot in place.
type Scheduler struct {
	rec    *Reconciler
	log    zerolog.Logger
	onPass PassFunc

	mu        sync.RWMutex
	history   *History
	aggregate *Aggregate
	updatedAt time.Time

	started  atomic.Bool
	startOne sync.Once
	stopOne  sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

func NewScheduler(rec *Reconciler, logger zerolog.Logger, onPass PassFunc) *Scheduler {
	return &Scheduler{
		rec:    rec,
		log:    logger.With().Str("component", "reconcile_scheduler").Logger(),
		onPass: onPass,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// RunOnce performs one pass and, on success, replaces the snapshot.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	start := time.Now()
	h, err := s.rec.Fetch(ctx)
	var agg *Aggregate
	if err == nil {
		agg = s.rec.Fold(h, Filter{})
		s.mu.Lock()
		s.history, s.aggregate, s.updatedAt = h, agg, start
		s.mu.Unlock()
	}
	if s.onPass != nil {
		s.onPass(agg, time.Since(start), err)
	}
	return err
}

// Start runs a pass every interval until Stop. Each pass gets its own
// timeout of one interval. Only the first call starts a loop.
func (s *Scheduler) Start(interval time.Duration) {
	s.startOne.Do(func() { s.start(interval) })
}

func (s *Scheduler) start(interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	s.log.Info().Dur("interval", interval).Msg("starting periodic reconciliation")

	s.started.Store(true)
	ticker := time.NewTicker(interval)
	go func() {
		defer close(s.done)
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				if err := s.RunOnce(ctx); err != nil {
					s.log.Error().Err(err).Msg("periodic reconciliation failed")
				}
				cancel()
			case <-s.stopCh:
				ticker.Stop()
				s.log.Info().Msg("periodic reconciliation stopped")
				return
			}
		}
	}()
}

// Stop ends the periodic loop started by Start and waits for it. It is
// safe to call more than once, and without Start.
func (s *Scheduler) Stop() {
	s.stopOne.Do(func() { close(s.stopCh) })
	if s.started.Load() {
		<-s.done
	}
}

// Snapshot returns the latest unfiltered aggregate and when its history
// fetch started.
func (s *Scheduler) Snapshot() (*Aggregate, time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.aggregate == nil {
		return nil, time.Time{}, ErrNoSnapshot
	}
	return s.aggregate, s.updatedAt, nil
}

// Query folds the latest history through f without touching the ledger.
func (s *Scheduler) Query(f Filter) (*Aggregate, error) {
	s.mu.RLock()
	h := s.history
	s.mu.RUnlock()
	if h == nil {
		return nil, ErrNoSnapshot
	}
	return s.rec.Fold(h, f), nil
}

// History returns the latest fetched history.
func (s *Scheduler) History() (*History, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.history == nil {
		return nil, ErrNoSnapshot
	}
	return s.history, nil
}
