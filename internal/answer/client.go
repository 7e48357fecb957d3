// Package answer talks to the off-chain answer service.
//
// The service is called only after a payment has been confirmed, and every
// request carries the confirmed transaction hash as both the payment proof
// and the Idempotency-Key header. That makes a retried request the same
// request as far as the service is concerned, so transient failures are
// retried here with exponential backoff. A 4xx response is final.
package answer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/kelpejol/agentpay/internal/settlement"
)

const (
	DefaultTimeout     = 30 * time.Second
	DefaultMaxAttempts = 3
)

// ErrRejected is returned when the service answers with a 4xx status.
var ErrRejected = errors.New("answer request rejected")

// Options tunes a Client.
type Options struct {
	// Timeout bounds a single attempt.
	Timeout time.Duration
	// MaxAttempts bounds the number of attempts for one proof.
	MaxAttempts int
	// InitialInterval is the first backoff delay.
	InitialInterval time.Duration
}

// Client is a settlement.Answerer over HTTP.
type Client struct {
	endpoint string
	http     *http.Client
	opts     Options
	log      zerolog.Logger
}

func NewClient(baseURL string, opts Options, logger zerolog.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 200 * time.Millisecond
	}
	return &Client{
		endpoint: strings.TrimRight(baseURL, "/") + "/answer",
		http:     &http.Client{Timeout: opts.Timeout},
		opts:     opts,
		log:      logger.With().Str("component", "answer_client").Logger(),
	}
}

type answerBody struct {
	Question     string `json:"question"`
	AgentID      uint64 `json:"agentId"`
	PaymentProof string `json:"paymentProof"`
	UserIdentity string `json:"userIdentity"`
}

type answerResponse struct {
	Answer string `json:"answer"`
	Error  string `json:"error,omitempty"`
}

// Answer posts the question and returns the service's answer.
func (c *Client) Answer(ctx context.Context, req settlement.AnswerRequest) (string, error) {
	payload, err := json.Marshal(answerBody{
		Question:     req.Question,
		AgentID:      uint64(req.AgentID),
		PaymentProof: req.PaymentProof,
		UserIdentity: req.UserIdentity.Hex(),
	})
	if err != nil {
		return "", fmt.Errorf("encode answer request: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.InitialInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.opts.MaxAttempts-1)), ctx)

	start := time.Now()
	attempts := 0
	var answer string
	err = backoff.RetryNotify(func() error {
		attempts++
		var err error
		answer, err = c.post(ctx, req.PaymentProof, payload)
		return err
	}, policy, func(err error, wait time.Duration) {
		c.log.Warn().Err(err).
			Str("tx_hash", req.PaymentProof).
			Int("attempt", attempts).
			Dur("backoff", wait).
			Msg("answer request failed, retrying")
	})
	if err != nil {
		return "", fmt.Errorf("answer for %s after %d attempts: %w", req.PaymentProof, attempts, err)
	}

	c.log.Debug().
		Str("tx_hash", req.PaymentProof).
		Uint64("agent_id", uint64(req.AgentID)).
		Int("attempts", attempts).
		Dur("duration", time.Since(start)).
		Msg("answer received")
	return answer, nil
}

func (c *Client) post(ctx context.Context, proof string, payload []byte) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", backoff.Permanent(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", proof)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}

	var out answerResponse
	switch {
	case resp.StatusCode >= 500:
		return "", fmt.Errorf("answer service returned %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		_ = json.Unmarshal(body, &out)
		return "", backoff.Permanent(fmt.Errorf("%w: status %d %s", ErrRejected, resp.StatusCode, out.Error))
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", backoff.Permanent(fmt.Errorf("decode answer: %w", err))
	}
	return out.Answer, nil
}

var _ settlement.Answerer = (*Client)(nil)
