// Package session keeps settlement state that must outlive a single process
// in Redis.
//
// Two things live here:
//
//  1. The surface lock. Each interaction surface may run one session at a
//     time. The lock is a key set with NX and a TTL, taken and released by
//     Lua scripts so the check and the write are one atomic step. The TTL
//     is a safety net for crashed processes; normal release is explicit.
//  2. Answer receipts. Once an answer is delivered for a payment proof it is
//     stored under that proof, so redelivery is served without calling the
//     answer service again.
//
// Session hashes are kept for a retention window after they end so
// operators can inspect what happened to a payment.
package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/kelpejol/agentpay/internal/ledger"
	"github.com/kelpejol/agentpay/internal/settlement"
)

const (
	DefaultLockTTL    = 10 * time.Minute
	DefaultRetention  = 24 * time.Hour
	DefaultReceiptTTL = 7 * 24 * time.Hour
)

// ErrNotFound is returned by Lookup for unknown or expired sessions.
var ErrNotFound = errors.New("session not found")

// Options tunes a Store.
type Options struct {
	// LockTTL bounds how long a crashed process can hold a surface.
	LockTTL time.Duration
	// Retention is how long a session hash is kept after it ends.
	Retention time.Duration
	// ReceiptTTL is how long a delivered answer is kept by proof.
	ReceiptTTL time.Duration
}

// Store is a settlement.SessionStore and answer.ReceiptStore on Redis.
type Store struct {
	redis *redis.Client
	opts  Options
	log   zerolog.Logger

	beginScript *redis.Script
	endScript   *redis.Script
}

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, addr, password string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,

		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,

		PoolSize:     50,
		MinIdleConns: 5,
		IdleTimeout:  5 * time.Minute,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

// NewStore wraps an established Redis client.
func NewStore(rdb *redis.Client, opts Options, logger zerolog.Logger) *Store {
	if opts.LockTTL <= 0 {
		opts.LockTTL = DefaultLockTTL
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.ReceiptTTL <= 0 {
		opts.ReceiptTTL = DefaultReceiptTTL
	}
	return &Store{
		redis:       rdb,
		opts:        opts,
		log:         logger.With().Str("component", "session_store").Logger(),
		beginScript: redis.NewScript(beginLua),
		endScript:   redis.NewScript(endLua),
	}
}

// KEYS[1] surface lock, KEYS[2] session hash.
// ARGV: id, lock ttl ms, surface, flow, state, agent_id, user, amount,
// started_at, retention seconds.
const beginLua = `
local ok = redis.call('SET', KEYS[1], ARGV[1], 'NX', 'PX', ARGV[2])
if not ok then
    return {0, redis.call('GET', KEYS[1]) or ''}
end
redis.call('HSET', KEYS[2],
    'surface', ARGV[3],
    'flow', ARGV[4],
    'state', ARGV[5],
    'agent_id', ARGV[6],
    'user', ARGV[7],
    'amount', ARGV[8],
    'started_at', ARGV[9]
)
redis.call('EXPIRE', KEYS[2], ARGV[10])
return {1, ARGV[1]}
`

// KEYS[1] surface lock, KEYS[2] session hash.
// ARGV: id, state, reason, proof, txs, degraded, ended_at, retention seconds.
const endLua = `
local released = 0
if redis.call('GET', KEYS[1]) == ARGV[1] then
    redis.call('DEL', KEYS[1])
    released = 1
end
redis.call('HSET', KEYS[2],
    'state', ARGV[2],
    'reason', ARGV[3],
    'proof', ARGV[4],
    'txs', ARGV[5],
    'degraded', ARGV[6],
    'ended_at', ARGV[7]
)
redis.call('EXPIRE', KEYS[2], ARGV[8])
return released
`

func surfaceKey(surface string) string { return "agentpay:surface:" + surface }
func sessionKey(id string) string      { return "agentpay:session:" + id }
func receiptKey(proof string) string   { return "agentpay:receipt:" + strings.ToLower(proof) }

func (s *Store) Begin(ctx context.Context, sess *settlement.Session) error {
	res, err := s.beginScript.Run(ctx, s.redis,
		[]string{surfaceKey(sess.Surface), sessionKey(sess.ID)},
		sess.ID,
		s.opts.LockTTL.Milliseconds(),
		sess.Surface,
		sess.Flow.String(),
		sess.State.String(),
		uint64(sess.AgentID),
		sess.User.Hex(),
		ledger.FormatValue(sess.Amount),
		sess.StartedAt.UTC().Format(time.RFC3339Nano),
		int64(s.opts.Retention.Seconds()),
	).Result()
	if err != nil {
		return fmt.Errorf("begin session script failed: %w", err)
	}

	values, ok := res.([]interface{})
	if !ok || len(values) != 2 {
		return fmt.Errorf("begin session script: unexpected result %v", res)
	}
	if acquired, _ := values[0].(int64); acquired != 1 {
		holder, _ := values[1].(string)
		return fmt.Errorf("surface %s has session %s: %w", sess.Surface, holder, settlement.ErrAlreadyInFlight)
	}

	s.log.Debug().
		Str("session_id", sess.ID).
		Str("surface", sess.Surface).
		Msg("surface acquired")
	return nil
}

func (s *Store) Update(ctx context.Context, sess *settlement.Session) error {
	err := s.redis.HSet(ctx, sessionKey(sess.ID),
		"state", sess.State.String(),
		"txs", strings.Join(sess.TxHashes(), ","),
		"proof", sess.Proof,
		"updated_at", time.Now().UTC().Format(time.RFC3339Nano),
	).Err()
	if err != nil {
		return fmt.Errorf("update session %s: %w", sess.ID, err)
	}
	return nil
}

func (s *Store) End(ctx context.Context, sess *settlement.Session) error {
	released, err := s.endScript.Run(ctx, s.redis,
		[]string{surfaceKey(sess.Surface), sessionKey(sess.ID)},
		sess.ID,
		sess.State.String(),
		sess.Reason,
		sess.Proof,
		strings.Join(sess.TxHashes(), ","),
		strconv.FormatBool(sess.Degraded),
		sess.EndedAt.UTC().Format(time.RFC3339Nano),
		int64(s.opts.Retention.Seconds()),
	).Int()
	if err != nil {
		return fmt.Errorf("end session script failed: %w", err)
	}
	s.log.Debug().
		Str("session_id", sess.ID).
		Str("state", sess.State.String()).
		Bool("released", released == 1).
		Msg("session ended")
	return nil
}

// Record is the persisted view of a session.
type Record struct {
	ID        string   `json:"id"`
	Surface   string   `json:"surface"`
	Flow      string   `json:"flow"`
	State     string   `json:"state"`
	AgentID   uint64   `json:"agentId,string"`
	User      string   `json:"user"`
	Amount    string   `json:"amount,omitempty"`
	Proof     string   `json:"proof,omitempty"`
	Reason    string   `json:"reason,omitempty"`
	Degraded  bool     `json:"degraded"`
	TxHashes  []string `json:"txHashes"`
	StartedAt string   `json:"startedAt"`
	EndedAt   string   `json:"endedAt,omitempty"`
}

// Lookup returns the persisted view of session id.
func (s *Store) Lookup(ctx context.Context, id string) (Record, error) {
	fields, err := s.redis.HGetAll(ctx, sessionKey(id)).Result()
	if err != nil {
		return Record{}, fmt.Errorf("lookup session %s: %w", id, err)
	}
	if len(fields) == 0 {
		return Record{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	agentID, _ := strconv.ParseUint(fields["agent_id"], 10, 64)
	degraded, _ := strconv.ParseBool(fields["degraded"])
	var txs []string
	if fields["txs"] != "" {
		txs = strings.Split(fields["txs"], ",")
	}
	return Record{
		ID:        id,
		Surface:   fields["surface"],
		Flow:      fields["flow"],
		State:     fields["state"],
		AgentID:   agentID,
		User:      fields["user"],
		Amount:    fields["amount"],
		Proof:     fields["proof"],
		Reason:    fields["reason"],
		Degraded:  degraded,
		TxHashes:  txs,
		StartedAt: fields["started_at"],
		EndedAt:   fields["ended_at"],
	}, nil
}

// Get returns the answer delivered for proof, if any.
func (s *Store) Get(ctx context.Context, proof string) (string, bool, error) {
	answer, err := s.redis.Get(ctx, receiptKey(proof)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get receipt: %w", err)
	}
	return answer, true, nil
}

// Put stores the answer delivered for proof. The first answer wins.
func (s *Store) Put(ctx context.Context, proof, answer string) error {
	if err := s.redis.SetNX(ctx, receiptKey(proof), answer, s.opts.ReceiptTTL).Err(); err != nil {
		return fmt.Errorf("put receipt: %w", err)
	}
	return nil
}

// Ping reports whether Redis is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.redis.Ping(ctx).Err()
}

var _ settlement.SessionStore = (*Store)(nil)
