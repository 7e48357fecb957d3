// Package journal keeps a durable audit trail of settlement sessions in
// PostgreSQL.
//
// The journal is never on the payment path. Orchestrators hand finished
// sessions to Record, which queues them; background workers write them with
// retries. If the queue is full the entry is dropped and logged, because
// the ledger itself remains the record of what was paid. Verify cross-checks
// journaled payment proofs against a reconciled event history.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/kelpejol/agentpay/internal/ledger"
	"github.com/kelpejol/agentpay/internal/settlement"
)

// Schema creates the journal table. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS settlement_sessions (
	session_id       UUID PRIMARY KEY,
	surface          TEXT NOT NULL,
	flow             TEXT NOT NULL,
	state            TEXT NOT NULL,
	reason           TEXT NOT NULL DEFAULT '',
	degraded         BOOLEAN NOT NULL DEFAULT FALSE,
	user_address     TEXT NOT NULL,
	agent_id         BIGINT NOT NULL,
	amount           NUMERIC(38, 6) NOT NULL,
	required_credits BIGINT NOT NULL DEFAULT 0,
	proof            TEXT NOT NULL DEFAULT '',
	tx_hashes        TEXT[] NOT NULL DEFAULT '{}',
	started_at       TIMESTAMPTZ NOT NULL,
	ended_at         TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS settlement_sessions_proof_idx ON settlement_sessions (proof) WHERE proof <> '';
CREATE INDEX IF NOT EXISTS settlement_sessions_ended_idx ON settlement_sessions (ended_at);
`

// Options tunes the write queue.
type Options struct {
	Workers   int
	QueueSize int
	// MaxAttempts bounds the writes tried for one entry.
	MaxAttempts int
	// Backoff is the delay before the first retry; later delays grow
	// exponentially.
	Backoff time.Duration
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 1000
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.Backoff <= 0 {
		o.Backoff = 100 * time.Millisecond
	}
	return o
}

// Entry is one journaled session.
type Entry struct {
	SessionID       string
	Surface         string
	Flow            string
	State           string
	Reason          string
	Degraded        bool
	User            string
	AgentID         uint64
	Amount          string
	RequiredCredits uint64
	Proof           string
	TxHashes        []string
	StartedAt       time.Time
	EndedAt         time.Time
}

// EntryFrom flattens a finished session.
func EntryFrom(s settlement.Session) Entry {
	return Entry{
		SessionID:       s.ID,
		Surface:         s.Surface,
		Flow:            s.Flow.String(),
		State:           s.State.String(),
		Reason:          s.Reason,
		Degraded:        s.Degraded,
		User:            s.User.Hex(),
		AgentID:         uint64(s.AgentID),
		Amount:          ledger.FormatValue(s.Amount),
		RequiredCredits: s.RequiredCredits,
		Proof:           s.Proof,
		TxHashes:        s.TxHashes(),
		StartedAt:       s.StartedAt.UTC(),
		EndedAt:         s.EndedAt.UTC(),
	}
}

// Journal writes settlement sessions to PostgreSQL asynchronously.
//
// Lifecycle: create with New, hand it to the orchestrators as a
// settlement.Recorder, and call Close during shutdown to drain the queue.
type Journal struct {
	db   *sql.DB
	opts Options
	log  zerolog.Logger

	queue chan Entry
	wg    sync.WaitGroup
}

// Open connects to PostgreSQL with pool settings suited to queued writes.
func Open(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("postgres connection failed: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(time.Minute)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	return db, nil
}

// Migrate applies Schema.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply journal schema: %w", err)
	}
	return nil
}

// New starts the write workers.
func New(db *sql.DB, opts Options, logger zerolog.Logger) *Journal {
	opts = opts.withDefaults()
	j := &Journal{
		db:    db,
		opts:  opts,
		log:   logger.With().Str("component", "journal").Logger(),
		queue: make(chan Entry, opts.QueueSize),
	}
	j.wg.Add(opts.Workers)
	for i := 0; i < opts.Workers; i++ {
		go j.worker(i)
	}
	j.log.Info().Int("num_workers", opts.Workers).Msg("journal workers started")
	return j
}

// Record queues a finished session. It never blocks.
func (j *Journal) Record(s settlement.Session) {
	select {
	case j.queue <- EntryFrom(s):
	default:
		j.log.Warn().Str("session_id", s.ID).Msg("journal queue full, dropping entry")
	}
}

func (j *Journal) worker(id int) {
	defer j.wg.Done()
	logger := j.log.With().Int("worker_id", id).Logger()

	for e := range j.queue {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = j.opts.Backoff
		b.MaxElapsedTime = 0

		attempts := 0
		err := backoff.RetryNotify(func() error {
			attempts++
			return j.write(context.Background(), e)
		}, backoff.WithMaxRetries(b, uint64(j.opts.MaxAttempts-1)), func(err error, wait time.Duration) {
			logger.Warn().Err(err).
				Int("attempt", attempts).
				Dur("backoff", wait).
				Str("session_id", e.SessionID).
				Msg("journal write failed, retrying")
		})
		if err != nil {
			logger.Error().Err(err).
				Int("attempts", attempts).
				Str("session_id", e.SessionID).
				Msg("journal write failed after all retries")
		}
	}
}

func (j *Journal) write(ctx context.Context, e Entry) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := j.db.ExecContext(ctx, `
		INSERT INTO settlement_sessions (
			session_id, surface, flow, state, reason, degraded,
			user_address, agent_id, amount, required_credits,
			proof, tx_hashes, started_at, ended_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (session_id) DO UPDATE SET
			state = EXCLUDED.state,
			reason = EXCLUDED.reason,
			degraded = EXCLUDED.degraded,
			proof = EXCLUDED.proof,
			tx_hashes = EXCLUDED.tx_hashes,
			ended_at = EXCLUDED.ended_at
	`, e.SessionID, e.Surface, e.Flow, e.State, e.Reason, e.Degraded,
		e.User, e.AgentID, e.Amount, e.RequiredCredits,
		e.Proof, pq.Array(e.TxHashes), e.StartedAt, e.EndedAt)
	return err
}

// Close stops accepting entries and waits for queued writes to finish. It
// does not close the database handle.
func (j *Journal) Close() {
	close(j.queue)
	j.wg.Wait()
	j.log.Info().Msg("journal drained")
}

// Discrepancy is a journaled proof the ledger history does not contain.
type Discrepancy struct {
	SessionID string
	Flow      string
	Proof     string
	EndedAt   time.Time
}

// Report is the outcome of Verify.
type Report struct {
	Checked int
	Missing []Discrepancy
}

// Verify checks every proof journaled before cutoff against onLedger, the
// lower-cased transaction hashes of a reconciled history. Top-ups are
// skipped because they emit no consumed event kind.
func (j *Journal) Verify(ctx context.Context, onLedger map[string]bool, cutoff time.Time) (*Report, error) {
	return Verify(ctx, j.db, onLedger, cutoff)
}

// Verify is Journal.Verify for a bare database handle.
func Verify(ctx context.Context, db *sql.DB, onLedger map[string]bool, cutoff time.Time) (*Report, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT session_id, flow, proof, ended_at
		FROM settlement_sessions
		WHERE proof <> '' AND flow = ANY($1) AND ended_at < $2
		ORDER BY ended_at
	`, pq.Array([]string{
		settlement.FlowDirect.String(),
		settlement.FlowCredit.String(),
		settlement.FlowPurchase.String(),
	}), cutoff)
	if err != nil {
		return nil, fmt.Errorf("query journaled proofs: %w", err)
	}
	defer rows.Close()

	report := &Report{}
	for rows.Next() {
		var d Discrepancy
		if err := rows.Scan(&d.SessionID, &d.Flow, &d.Proof, &d.EndedAt); err != nil {
			return nil, fmt.Errorf("scan journaled proof: %w", err)
		}
		report.Checked++
		if !onLedger[strings.ToLower(d.Proof)] {
			report.Missing = append(report.Missing, d)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return report, nil
}

var _ settlement.Recorder = (*Journal)(nil)
