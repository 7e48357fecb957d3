package evm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/kelpejol/agentpay/internal/ledger"
)

// Intent describes a transaction about to be signed.
type Intent struct {
	Contract common.Address
	Method   string
	Args     []interface{}
}

// ConfirmFunc approves or declines an intent. Any error is treated as the
// user declining.
type ConfirmFunc func(ctx context.Context, intent Intent) error

type wallet struct {
	c       *Client
	opts    *bind.TransactOpts
	confirm ConfirmFunc
}

func (w *wallet) Address() common.Address { return w.opts.From }

func (w *wallet) IncreaseAllowance(ctx context.Context, spender common.Address, amount *big.Int) (ledger.Tx, error) {
	return w.transact(ctx, w.c.token, w.c.contracts.Token, "increaseAllowance", spender, amount)
}

func (w *wallet) PayForQuery(ctx context.Context, payee common.Address, amount *big.Int, agent ledger.AgentID) (ledger.Tx, error) {
	return w.transact(ctx, w.c.payments, w.c.contracts.Payments, "payForQuery", payee, amount, agentArg(agent))
}

func (w *wallet) ConsumeCredits(ctx context.Context, user common.Address, agent ledger.AgentID, credits uint64) (ledger.Tx, error) {
	return w.transact(ctx, w.c.credits, w.c.contracts.Credits, "consumeCredits", user, agentArg(agent), new(big.Int).SetUint64(credits))
}

func (w *wallet) PurchaseCredits(ctx context.Context, amount *big.Int) (ledger.Tx, error) {
	return w.transact(ctx, w.c.credits, w.c.contracts.Credits, "purchaseCredits", amount)
}

func (w *wallet) PurchaseAgent(ctx context.Context, agent ledger.AgentID) (ledger.Tx, error) {
	return w.transact(ctx, w.c.agents, w.c.contracts.Agents, "purchaseAgent", agentArg(agent))
}

func (w *wallet) transact(ctx context.Context, contract *bind.BoundContract, address common.Address, method string, args ...interface{}) (ledger.Tx, error) {
	if w.confirm != nil {
		if err := w.confirm(ctx, Intent{Contract: address, Method: method, Args: args}); err != nil {
			return nil, fmt.Errorf("%s: %v: %w", method, err, ledger.ErrUserRejected)
		}
	}

	opts := *w.opts
	opts.Context = ctx
	tx, err := contract.Transact(&opts, method, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}

	w.c.log.Info().
		Str("method", method).
		Str("contract", address.Hex()).
		Str("tx_hash", tx.Hash().Hex()).
		Msg("transaction submitted")

	return &pendingTx{c: w.c, tx: tx}, nil
}

func agentArg(id ledger.AgentID) *big.Int {
	return new(big.Int).SetUint64(uint64(id))
}

type pendingTx struct {
	c  *Client
	tx *types.Transaction
}

func (p *pendingTx) Hash() string { return p.tx.Hash().Hex() }

func (p *pendingTx) Wait(ctx context.Context) (*ledger.Receipt, error) {
	r, err := bind.WaitMined(ctx, p.c.eth, p.tx)
	if err != nil {
		return nil, err
	}
	return &ledger.Receipt{
		TxHash:      r.TxHash.Hex(),
		BlockNumber: r.BlockNumber.Uint64(),
		Succeeded:   r.Status == types.ReceiptStatusSuccessful,
	}, nil
}

var _ ledger.Wallet = (*wallet)(nil)
