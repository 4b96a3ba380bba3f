// Package evm implements the domain's on-chain interfaces against an
// EVM lending market, swap router, and price oracle. State-changing calls
// route through an automation executor contract that the user has granted a
// standing authorization to; the contract reverts the whole call list when
// any leg fails, which is what gives a step its all-or-nothing property.
package evm

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/looplabs/loopkeeper/internal/domain"
)

// executorABI is the automation executor contract: execute runs an ordered
// call list atomically, flashExecute does the same inside a flash loan it
// takes out first.
const executorABI = `[
	{"type":"function","name":"execute","stateMutability":"nonpayable","inputs":[
		{"name":"calls","type":"tuple[]","components":[
			{"name":"target","type":"address"},
			{"name":"data","type":"bytes"}]}],"outputs":[]},
	{"type":"function","name":"flashExecute","stateMutability":"nonpayable","inputs":[
		{"name":"asset","type":"address"},
		{"name":"amount","type":"uint256"},
		{"name":"calls","type":"tuple[]","components":[
			{"name":"target","type":"address"},
			{"name":"data","type":"bytes"}]}],"outputs":[]},
	{"type":"function","name":"revokeApprovals","stateMutability":"nonpayable","inputs":[
		{"name":"user","type":"address"}],"outputs":[]}
]`

// call is one queued leg of an atomic scope.
type call struct {
	Target common.Address
	Data   []byte
}

type batch struct {
	calls []call
}

type batchKey struct{}

func batchFrom(ctx context.Context) *batch {
	b, _ := ctx.Value(batchKey{}).(*batch)
	return b
}

// ClientConfig holds connection parameters for the EVM client.
type ClientConfig struct {
	RPCURL       string
	ExecutorAddr common.Address
	ReceiptWait  time.Duration // how long to poll for a receipt
}

// Client wraps an Ethereum RPC connection plus the automation executor
// contract. It implements domain.ChainReader and domain.AtomicRunner.
type Client struct {
	eth      *ethclient.Client
	signer   *Signer
	executor common.Address
	execABI  abi.ABI
	wait     time.Duration
	logger   *slog.Logger
}

// Dial connects to the RPC endpoint and prepares the executor binding.
func Dial(ctx context.Context, cfg ClientConfig, signer *Signer, logger *slog.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.RPCURL) == "" {
		return nil, fmt.Errorf("evm: rpc url required")
	}
	eth, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("evm: dial %s: %w", cfg.RPCURL, err)
	}
	parsed, err := abi.JSON(strings.NewReader(executorABI))
	if err != nil {
		return nil, fmt.Errorf("evm: parse executor abi: %w", err)
	}
	wait := cfg.ReceiptWait
	if wait == 0 {
		wait = 2 * time.Minute
	}
	return &Client{
		eth:      eth,
		signer:   signer,
		executor: cfg.ExecutorAddr,
		execABI:  parsed,
		wait:     wait,
		logger:   logger.With(slog.String("component", "evm_client")),
	}, nil
}

// Close tears down the RPC connection.
func (c *Client) Close() {
	c.eth.Close()
}

// Operator returns the keeper's own address.
func (c *Client) Operator() common.Address {
	return c.signer.Address()
}

// BlockHeight returns the current chain head number.
func (c *Client) BlockHeight(ctx context.Context) (uint64, error) {
	n, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("evm: block number: %w", err)
	}
	return n, nil
}

// RunAtomic collects every state-changing call made inside fn and submits
// them as one executor transaction. A nested scope joins the outer one, so
// the outermost caller owns the transaction boundary.
func (c *Client) RunAtomic(ctx context.Context, fn func(ctx context.Context) error) error {
	if batchFrom(ctx) != nil {
		return fn(ctx)
	}

	b := &batch{}
	if err := fn(context.WithValue(ctx, batchKey{}, b)); err != nil {
		return err
	}
	if len(b.calls) == 0 {
		return nil
	}

	data, err := c.execABI.Pack("execute", b.calls)
	if err != nil {
		return fmt.Errorf("evm: pack execute: %w", err)
	}
	if err := c.sendAndWait(ctx, data); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrAtomicReverted, err)
	}
	return nil
}

// submit queues a call into the open atomic scope, or runs it as a
// single-leg executor transaction when no scope is open.
func (c *Client) submit(ctx context.Context, target common.Address, data []byte) error {
	if b := batchFrom(ctx); b != nil {
		b.calls = append(b.calls, call{Target: target, Data: data})
		return nil
	}
	packed, err := c.execABI.Pack("execute", []call{{Target: target, Data: data}})
	if err != nil {
		return fmt.Errorf("evm: pack execute: %w", err)
	}
	return c.sendAndWait(ctx, packed)
}

// view performs an eth_call against target and unpacks the named method's
// outputs.
func (c *Client) view(ctx context.Context, contract abi.ABI, target common.Address, method string, args ...any) ([]any, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("evm: pack %s: %w", method, err)
	}
	raw, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &target, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("evm: call %s: %w", method, err)
	}
	out, err := contract.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("evm: unpack %s: %w", method, err)
	}
	return out, nil
}

// sendAndWait signs and submits a transaction to the executor contract and
// polls until it is mined. A reverted receipt is an error.
func (c *Client) sendAndWait(ctx context.Context, data []byte) error {
	from := c.signer.Address()

	nonce, err := c.eth.PendingNonceAt(ctx, from)
	if err != nil {
		return fmt.Errorf("pending nonce: %w", err)
	}
	tip, err := c.eth.SuggestGasTipCap(ctx)
	if err != nil {
		return fmt.Errorf("gas tip: %w", err)
	}
	head, err := c.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return fmt.Errorf("chain head: %w", err)
	}
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))

	gas, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{
		From: from,
		To:   &c.executor,
		Data: data,
	})
	if err != nil {
		// Estimation failing means the call list would revert; surface it
		// before spending gas.
		return fmt.Errorf("estimate gas: %w", err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.signer.ChainID(),
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas + gas/5,
		To:        &c.executor,
		Data:      data,
	})
	signed, err := c.signer.SignTx(tx)
	if err != nil {
		return err
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return fmt.Errorf("send tx: %w", err)
	}

	c.logger.Debug("transaction submitted",
		slog.String("hash", signed.Hash().Hex()),
		slog.Uint64("nonce", nonce),
	)
	return c.waitMined(ctx, signed.Hash())
}

func (c *Client) waitMined(ctx context.Context, hash common.Hash) error {
	deadline := time.Now().Add(c.wait)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		receipt, err := c.eth.TransactionReceipt(ctx, hash)
		if err == nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return fmt.Errorf("tx %s reverted", hash.Hex())
			}
			return nil
		}
		if err != ethereum.NotFound {
			return fmt.Errorf("receipt %s: %w", hash.Hex(), err)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("tx %s not mined within %s", hash.Hex(), c.wait)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RevokeApprovals tells the executor contract to drop its allowances for
// user, ending the standing authorization.
func (c *Client) RevokeApprovals(ctx context.Context, user common.Address) error {
	data, err := c.execABI.Pack("revokeApprovals", user)
	if err != nil {
		return fmt.Errorf("evm: pack revokeApprovals: %w", err)
	}
	return c.sendAndWait(ctx, data)
}

var (
	_ domain.ChainReader  = (*Client)(nil)
	_ domain.AtomicRunner = (*Client)(nil)
)
