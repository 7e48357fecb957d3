// Package evm implements the ledger façade on an EVM chain through
// go-ethereum.
//
// Reads are eth_call view calls against bound contracts. Writes are signed
// locally and submitted; the returned Tx waits for the receipt. Event
// history comes from eth_getLogs filtered by contract and signature, with
// block timestamps resolved from headers and cached.
package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/kelpejol/agentpay/internal/ledger"
)

// BlockTimeCacheSize bounds the header timestamp cache.
var BlockTimeCacheSize = 4096

// Options tunes a Client.
type Options struct {
	// DeploymentBlock is the first block that can hold engine events. Log
	// queries never start earlier.
	DeploymentBlock uint64
}

// Client is a ledger.Reader backed by an Ethereum JSON-RPC endpoint.
type Client struct {
	eth       *ethclient.Client
	contracts ledger.Contracts
	opts      Options
	log       zerolog.Logger

	token    *bind.BoundContract
	payments *bind.BoundContract
	credits  *bind.BoundContract
	agents   *bind.BoundContract

	blockTimes *lru.Cache[uint64, time.Time]
}

// Dial connects to rpcURL and binds the engine contracts.
func Dial(ctx context.Context, rpcURL string, contracts ledger.Contracts, opts Options, logger zerolog.Logger) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rpcURL, err)
	}
	c, err := newClient(eth, contracts, opts, logger)
	if err != nil {
		eth.Close()
		return nil, err
	}
	return c, nil
}

func newClient(eth *ethclient.Client, contracts ledger.Contracts, opts Options, logger zerolog.Logger) (*Client, error) {
	parsed := make(map[string]abi.ABI, 4)
	for name, src := range map[string]string{
		"token":    tokenABI,
		"payments": paymentsABI,
		"credits":  creditsABI,
		"agents":   agentsABI,
	} {
		a, err := abi.JSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("parse %s abi: %w", name, err)
		}
		parsed[name] = a
	}

	cache, err := lru.New[uint64, time.Time](BlockTimeCacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating block time LRU: %w", err)
	}

	return &Client{
		eth:        eth,
		contracts:  contracts,
		opts:       opts,
		log:        logger.With().Str("component", "evm_ledger").Logger(),
		token:      bind.NewBoundContract(contracts.Token, parsed["token"], eth, eth, eth),
		payments:   bind.NewBoundContract(contracts.Payments, parsed["payments"], eth, eth, eth),
		credits:    bind.NewBoundContract(contracts.Credits, parsed["credits"], eth, eth, eth),
		agents:     bind.NewBoundContract(contracts.Agents, parsed["agents"], eth, eth, eth),
		blockTimes: cache,
	}, nil
}

// Close releases the RPC connection.
func (c *Client) Close() {
	c.eth.Close()
}

func (c *Client) Contracts() ledger.Contracts { return c.contracts }

// ChainID returns the chain id reported by the endpoint.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	return c.eth.ChainID(ctx)
}

func (c *Client) Agent(ctx context.Context, id ledger.AgentID) (ledger.Agent, error) {
	var out []interface{}
	err := c.agents.Call(&bind.CallOpts{Context: ctx}, &out, "getAgent", new(big.Int).SetUint64(uint64(id)))
	if err != nil {
		return ledger.Agent{}, fmt.Errorf("getAgent(%d): %w", id, err)
	}
	if len(out) != 6 {
		return ledger.Agent{}, fmt.Errorf("getAgent(%d): unexpected output arity %d", id, len(out))
	}
	a := ledger.Agent{
		ID:            id,
		Creator:       *abi.ConvertType(out[0], new(common.Address)).(*common.Address),
		Owner:         *abi.ConvertType(out[1], new(common.Address)).(*common.Address),
		PricePerQuery: abi.ConvertType(out[2], new(big.Int)).(*big.Int),
		SalePrice:     abi.ConvertType(out[3], new(big.Int)).(*big.Int),
		IsActive:      *abi.ConvertType(out[4], new(bool)).(*bool),
		IsForSale:     *abi.ConvertType(out[5], new(bool)).(*bool),
	}
	if a.Creator == (common.Address{}) {
		return ledger.Agent{}, fmt.Errorf("agent %d: %w", id, ledger.ErrAgentNotFound)
	}
	return a, nil
}

func (c *Client) AgentIDs(ctx context.Context) ([]ledger.AgentID, error) {
	total, err := c.callUint(ctx, c.agents, "totalAgents")
	if err != nil {
		return nil, err
	}
	if !total.IsUint64() {
		return nil, fmt.Errorf("totalAgents: value %s out of range", total)
	}
	n := total.Uint64()
	ids := make([]ledger.AgentID, 0, n)
	for i := uint64(1); i <= n; i++ {
		ids = append(ids, ledger.AgentID(i))
	}
	return ids, nil
}

func (c *Client) CreditBalance(ctx context.Context, user common.Address) (ledger.CreditBalance, error) {
	var out []interface{}
	if err := c.credits.Call(&bind.CallOpts{Context: ctx}, &out, "getCredits", user); err != nil {
		return ledger.CreditBalance{}, fmt.Errorf("getCredits(%s): %w", user.Hex(), err)
	}
	if len(out) != 2 {
		return ledger.CreditBalance{}, fmt.Errorf("getCredits: unexpected output arity %d", len(out))
	}
	balance := abi.ConvertType(out[0], new(big.Int)).(*big.Int)
	updated := abi.ConvertType(out[1], new(big.Int)).(*big.Int)
	if !balance.IsUint64() {
		return ledger.CreditBalance{}, fmt.Errorf("getCredits: balance %s out of range", balance)
	}
	return ledger.CreditBalance{
		User:      user,
		Credits:   balance.Uint64(),
		UpdatedAt: time.Unix(updated.Int64(), 0).UTC(),
	}, nil
}

func (c *Client) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	return c.callUint(ctx, c.token, "allowance", owner, spender)
}

func (c *Client) TokenBalance(ctx context.Context, owner common.Address) (*big.Int, error) {
	return c.callUint(ctx, c.token, "balanceOf", owner)
}

func (c *Client) Logs(ctx context.Context, q ledger.LogQuery) ([]ledger.Event, error) {
	address, ok := c.eventContract(q.Kind)
	if !ok {
		return nil, fmt.Errorf("unsupported event kind %s", q.Kind)
	}
	from := q.FromBlock
	if from < c.opts.DeploymentBlock {
		from = c.opts.DeploymentBlock
	}
	filter := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		Addresses: []common.Address{address},
		Topics:    [][]common.Hash{{q.Kind.Topic()}},
	}
	if q.ToBlock != 0 {
		filter.ToBlock = new(big.Int).SetUint64(q.ToBlock)
	}

	start := time.Now()
	logs, err := c.eth.FilterLogs(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("filter %s logs: %w", q.Kind, err)
	}

	events := make([]ledger.Event, 0, len(logs))
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		ts, err := c.blockTime(ctx, lg.BlockNumber)
		if err != nil {
			return nil, err
		}
		events = append(events, toEvent(q.Kind, lg, ts))
	}

	c.log.Debug().
		Str("kind", q.Kind.String()).
		Uint64("from_block", from).
		Int("count", len(events)).
		Dur("duration", time.Since(start)).
		Msg("logs fetched")

	return events, nil
}

func (c *Client) eventContract(kind ledger.EventKind) (common.Address, bool) {
	switch kind {
	case ledger.QueryPaidDirect:
		return c.contracts.Payments, true
	case ledger.CreditsConsumed:
		return c.contracts.Credits, true
	case ledger.AgentPurchased:
		return c.contracts.Agents, true
	default:
		return common.Address{}, false
	}
}

func (c *Client) blockTime(ctx context.Context, number uint64) (time.Time, error) {
	if ts, ok := c.blockTimes.Get(number); ok {
		return ts, nil
	}
	header, err := c.eth.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return time.Time{}, fmt.Errorf("header %d: %w", number, err)
	}
	ts := time.Unix(int64(header.Time), 0).UTC()
	c.blockTimes.Add(number, ts)
	return ts, nil
}

func (c *Client) callUint(ctx context.Context, contract *bind.BoundContract, method string, args ...interface{}) (*big.Int, error) {
	var out []interface{}
	if err := contract.Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("%s: unexpected output arity %d", method, len(out))
	}
	return abi.ConvertType(out[0], new(big.Int)).(*big.Int), nil
}

// toEvent keeps the raw topics and payload; decoding belongs to the
// reconciler.
func toEvent(kind ledger.EventKind, lg types.Log, ts time.Time) ledger.Event {
	topics := make([]string, len(lg.Topics))
	for i, t := range lg.Topics {
		topics[i] = t.Hex()
	}
	return ledger.Event{
		Kind:        kind,
		TxHash:      lg.TxHash.Hex(),
		LogIndex:    lg.Index,
		BlockNumber: lg.BlockNumber,
		Topics:      topics,
		Data:        append([]byte(nil), lg.Data...),
		Timestamp:   ts,
	}
}

// NewWallet returns a wallet signing with key. confirm, when non-nil, is
// asked before every submission and may decline.
func (c *Client) NewWallet(key *ecdsa.PrivateKey, chainID *big.Int, confirm ConfirmFunc) (ledger.Wallet, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return nil, fmt.Errorf("transactor: %w", err)
	}
	return &wallet{c: c, opts: opts, confirm: confirm}, nil
}

var _ ledger.Reader = (*Client)(nil)
