// Package ledger submits pool contract transactions over JSON-RPC.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/kurolabs/kuro/go/internal/models"
	"github.com/kurolabs/kuro/go/internal/round/reconcile"
)

var (
	ErrReverted       = errors.New("transaction reverted")
	ErrInvalidAddress = errors.New("invalid contract address")
	ErrInvalidRoundID = errors.New("round id is not an unsigned integer")
)

// Client wraps go-ethereum RPC and sends pool transactions from one key.
type Client struct {
	rpcClient *rpc.Client
	ethClient *ethclient.Client

	signer   *KeySigner
	chainID  *big.Int
	decimals int32
}

var _ reconcile.Ledger = (*Client)(nil)

// NewClient dials rpcURL. A nil chainID is read from the node.
func NewClient(ctx context.Context, rpcURL string, signer *KeySigner, chainID *big.Int, decimals int32) (*Client, error) {
	rpcClient, err := rpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial rpc: %w", err)
	}
	ethClient := ethclient.NewClient(rpcClient)

	if chainID == nil || chainID.Sign() == 0 {
		chainID, err = ethClient.ChainID(ctx)
		if err != nil {
			rpcClient.Close()
			return nil, fmt.Errorf("failed to get chain id: %w", err)
		}
	}

	return &Client{
		rpcClient: rpcClient,
		ethClient: ethClient,
		signer:    signer,
		chainID:   chainID,
		decimals:  decimals,
	}, nil
}

// Close closes the underlying RPC client.
func (c *Client) Close() {
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
}

// ChainID returns the chain transactions are signed for.
func (c *Client) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// Deposit sends value, in display units, to the pool's payable deposit.
func (c *Client) Deposit(ctx context.Context, pool string, value decimal.Decimal) (reconcile.TxHandle, error) {
	wei, err := ToWei(value, c.decimals)
	if err != nil {
		return nil, err
	}
	return c.transact(ctx, pool, wei, MethodDeposit)
}

func (c *Client) ClaimPrizes(ctx context.Context, pool string, roundID models.RoundID, depositIndices []uint64) (reconcile.TxHandle, error) {
	return c.withdrawal(ctx, pool, MethodClaimPrizes, roundID, depositIndices)
}

func (c *Client) WithdrawDeposits(ctx context.Context, pool string, roundID models.RoundID, depositIndices []uint64) (reconcile.TxHandle, error) {
	return c.withdrawal(ctx, pool, MethodWithdrawDeposits, roundID, depositIndices)
}

func (c *Client) withdrawal(ctx context.Context, pool, method string, roundID models.RoundID, indices []uint64) (reconcile.TxHandle, error) {
	id, ok := new(big.Int).SetString(roundID.String(), 10)
	if !ok || id.Sign() < 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRoundID, roundID)
	}
	return c.transact(ctx, pool, nil, method, newWithdrawalCalldata(id, indices))
}

func (c *Client) transact(ctx context.Context, pool string, value *big.Int, method string, params ...any) (reconcile.TxHandle, error) {
	if c.signer == nil {
		return nil, ErrNoKey
	}
	if !common.IsHexAddress(pool) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, pool)
	}

	parsed, err := PoolABI()
	if err != nil {
		return nil, fmt.Errorf("failed to parse pool abi: %w", err)
	}
	contract := bind.NewBoundContract(common.HexToAddress(pool), parsed, c.ethClient, c.ethClient, c.ethClient)

	opts, err := bind.NewKeyedTransactorWithChainID(c.signer.key, c.chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %w", err)
	}
	opts.Context = ctx
	opts.Value = value

	tx, err := contract.Transact(opts, method, params...)
	if err != nil {
		return nil, fmt.Errorf("failed to send %s: %w", method, err)
	}

	log.Info().
		Str("method", method).
		Str("pool", pool).
		Str("tx_hash", tx.Hash().Hex()).
		Msg("pool transaction sent")
	return &Tx{tx: tx, backend: c.ethClient}, nil
}

// Tx is a sent transaction.
type Tx struct {
	tx      *types.Transaction
	backend bind.DeployBackend
}

func (t *Tx) Hash() string {
	return t.tx.Hash().Hex()
}

// Wait blocks until the transaction is mined and fails on a reverted receipt.
func (t *Tx) Wait(ctx context.Context) error {
	receipt, err := bind.WaitMined(ctx, t.backend, t.tx)
	if err != nil {
		return fmt.Errorf("failed waiting for %s: %w", t.Hash(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("%w: %s in block %s", ErrReverted, t.Hash(), receipt.BlockNumber)
	}
	return nil
}

// ToWei converts a display amount to the smallest unit. Fractions finer than
// the unit are rejected.
func ToWei(amount decimal.Decimal, decimals int32) (*big.Int, error) {
	shifted := amount.Shift(decimals)
	if !shifted.IsInteger() {
		return nil, fmt.Errorf("amount %s has more than %d decimals", amount, decimals)
	}
	if shifted.IsNegative() {
		return nil, fmt.Errorf("amount %s is negative", amount)
	}
	return shifted.BigInt(), nil
}
