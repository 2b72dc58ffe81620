package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"launchpad/agent/internal/logger"
	"launchpad/agent/internal/retry"
)

const erc20ABIJSON = `[
{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

// The curve verifies the platform signature over (trader, amount, minOut,
// nonce, deadline) before settling.
const curveABIJSON = `[
{"type":"function","name":"buy","stateMutability":"nonpayable","inputs":[{"name":"usdcAmount","type":"uint256"},{"name":"minTokensOut","type":"uint256"},{"name":"nonce","type":"uint256"},{"name":"deadline","type":"uint256"},{"name":"signature","type":"bytes"}],"outputs":[]},
{"type":"function","name":"sell","stateMutability":"nonpayable","inputs":[{"name":"tokenAmount","type":"uint256"},{"name":"minUsdcOut","type":"uint256"},{"name":"nonce","type":"uint256"},{"name":"deadline","type":"uint256"},{"name":"signature","type":"bytes"}],"outputs":[]}
]`

var (
	erc20ABI = mustABI(erc20ABIJSON)
	curveABI = mustABI(curveABIJSON)
)

var (
	ErrNoSigner = errors.New("chain client has no signing key")
	// ErrAllowanceNotVisible means an approval was mined but the RPC node
	// does not report the new allowance yet.
	ErrAllowanceNotVisible = errors.New("allowance not visible after approval")
)

func mustABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("parse abi: %v", err))
	}
	return parsed
}

// CurveCall is a platform-authorized bonding-curve trade ready to submit.
type CurveCall struct {
	BondingCurve common.Address
	Amount       *big.Int
	MinAmountOut *big.Int
	Nonce        *big.Int
	Deadline     *big.Int
	Signature    []byte
}

type Options struct {
	Network Network
	// Key signs approvals and curve calls; read-only clients leave it nil.
	Key *ecdsa.PrivateKey
	// Policy is the per-endpoint retry budget for reads.
	Policy         retry.Policy
	CallTimeout    time.Duration
	ReceiptTimeout time.Duration
	// AllowanceCheck bounds the re-verification after an approval.
	AllowanceCheck retry.Policy
}

// Client reads balances and submits transactions over the fallback RPC pool.
type Client struct {
	network        Network
	key            *ecdsa.PrivateKey
	address        common.Address
	fallback       *retry.Fallback
	callTimeout    time.Duration
	receiptTimeout time.Duration
	allowanceCheck retry.Policy

	mu      sync.Mutex
	clients map[string]*ethclient.Client
}

func NewClient(opts Options) (*Client, error) {
	if opts.Network.ChainID == nil {
		return nil, errors.New("chain client requires a resolved network")
	}
	policy := opts.Policy
	if policy.MaxAttempts <= 0 {
		policy = retry.DefaultPolicy()
	}
	fb, err := retry.NewFallback(opts.Network.RPCURLs, policy)
	if err != nil {
		return nil, err
	}
	c := &Client{
		network:        opts.Network,
		key:            opts.Key,
		fallback:       fb,
		callTimeout:    opts.CallTimeout,
		receiptTimeout: opts.ReceiptTimeout,
		allowanceCheck: opts.AllowanceCheck,
		clients:        map[string]*ethclient.Client{},
	}
	if c.callTimeout <= 0 {
		c.callTimeout = 10 * time.Second
	}
	if c.receiptTimeout <= 0 {
		c.receiptTimeout = 2 * time.Minute
	}
	if c.allowanceCheck.MaxAttempts <= 0 {
		c.allowanceCheck = retry.Policy{MaxAttempts: 5, BaseDelay: 2 * time.Second, MaxDelay: 2 * time.Second}
	}
	if opts.Key != nil {
		c.address = crypto.PubkeyToAddress(opts.Key.PublicKey)
	}
	return c, nil
}

func (c *Client) Network() Network        { return c.network }
func (c *Client) Address() common.Address { return c.address }

// Endpoint is the RPC URL the next call starts on.
func (c *Client) Endpoint() string { return c.fallback.Current() }

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for url, client := range c.clients {
		client.Close()
		delete(c.clients, url)
	}
}

func (c *Client) dial(ctx context.Context, endpoint string) (*ethclient.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if client, ok := c.clients[endpoint]; ok {
		return client, nil
	}
	client, err := ethclient.DialContext(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	c.clients[endpoint] = client
	return client, nil
}

func (c *Client) NativeBalance(ctx context.Context, owner common.Address) (*big.Int, error) {
	return retry.Execute(ctx, c.fallback, func(ctx context.Context, endpoint string) (*big.Int, error) {
		client, err := c.dial(ctx, endpoint)
		if err != nil {
			return nil, err
		}
		callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
		return client.BalanceAt(callCtx, owner, nil)
	})
}

func (c *Client) TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	return c.callUint(ctx, token, erc20ABI, "balanceOf", owner)
}

func (c *Client) USDCBalance(ctx context.Context, owner common.Address) (*big.Int, error) {
	return c.TokenBalance(ctx, c.network.USDC, owner)
}

func (c *Client) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	return c.callUint(ctx, token, erc20ABI, "allowance", owner, spender)
}

// HasGasFor reports whether owner holds at least min wei.
func (c *Client) HasGasFor(ctx context.Context, owner common.Address, min *big.Int) (bool, error) {
	bal, err := c.NativeBalance(ctx, owner)
	if err != nil {
		return false, err
	}
	return bal.Cmp(min) >= 0, nil
}

func (c *Client) callUint(ctx context.Context, to common.Address, contract abi.ABI, method string, args ...any) (*big.Int, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := retry.Execute(ctx, c.fallback, func(ctx context.Context, endpoint string) ([]byte, error) {
		client, err := c.dial(ctx, endpoint)
		if err != nil {
			return nil, err
		}
		callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
		return client.CallContract(callCtx, ethereum.CallMsg{To: &to, Data: data}, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("%s on %s: %w", method, to.Hex(), err)
	}
	values, err := contract.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("unpack %s: expected 1 value, got %d", method, len(values))
	}
	v, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unpack %s: unexpected type %T", method, values[0])
	}
	return v, nil
}

// EnsureAllowance approves spender for amount of token when the current
// allowance is lower, then polls until the node reports it.
func (c *Client) EnsureAllowance(ctx context.Context, token, spender common.Address, amount *big.Int) error {
	if c.key == nil {
		return ErrNoSigner
	}
	current, err := c.Allowance(ctx, token, c.address, spender)
	if err != nil {
		return err
	}
	if current.Cmp(amount) >= 0 {
		return nil
	}
	logger.Infof("[chain] allowance %s < %s on %s, approving %s", current, amount, token.Hex(), spender.Hex())
	if _, err := c.transact(ctx, token, erc20ABI, "approve", spender, amount); err != nil {
		return err
	}
	return awaitAllowance(ctx, c.allowanceCheck, amount, func(ctx context.Context) (*big.Int, error) {
		return c.Allowance(ctx, token, c.address, spender)
	})
}

// awaitAllowance polls read until it reports at least amount, absorbing
// the lag between a mined approval and the node serving the new state.
func awaitAllowance(ctx context.Context, p retry.Policy, amount *big.Int, read func(context.Context) (*big.Int, error)) error {
	return retry.Do(ctx, p, func(ctx context.Context) error {
		got, err := read(ctx)
		if err != nil {
			return err
		}
		if got.Cmp(amount) < 0 {
			return retry.Transient(fmt.Errorf("%w: have %s, want %s", ErrAllowanceNotVisible, got, amount))
		}
		return nil
	})
}

func (c *Client) SubmitBuy(ctx context.Context, call CurveCall) (common.Hash, error) {
	return c.submitCurve(ctx, "buy", call)
}

func (c *Client) SubmitSell(ctx context.Context, call CurveCall) (common.Hash, error) {
	return c.submitCurve(ctx, "sell", call)
}

func (c *Client) submitCurve(ctx context.Context, method string, call CurveCall) (common.Hash, error) {
	if call.BondingCurve == (common.Address{}) {
		return common.Hash{}, errors.New("missing bonding curve address")
	}
	if call.Amount == nil || call.Nonce == nil || call.Deadline == nil {
		return common.Hash{}, fmt.Errorf("incomplete %s authorization", method)
	}
	minOut := call.MinAmountOut
	if minOut == nil {
		minOut = new(big.Int)
	}
	receipt, err := c.transact(ctx, call.BondingCurve, curveABI, method, call.Amount, minOut, call.Nonce, call.Deadline, call.Signature)
	if err != nil {
		return common.Hash{}, err
	}
	return receipt.TxHash, nil
}

// transact signs and sends one transaction on the current endpoint and waits
// for its receipt. Sends are not retried across endpoints.
func (c *Client) transact(ctx context.Context, to common.Address, contract abi.ABI, method string, args ...any) (*types.Receipt, error) {
	if c.key == nil {
		return nil, ErrNoSigner
	}
	backend, err := c.dial(ctx, c.fallback.Current())
	if err != nil {
		return nil, err
	}
	opts, err := bind.NewKeyedTransactorWithChainID(c.key, c.network.ChainID)
	if err != nil {
		return nil, fmt.Errorf("transactor: %w", err)
	}
	opts.Context = ctx
	bound := bind.NewBoundContract(to, contract, backend, backend, backend)
	tx, err := bound.Transact(opts, method, args...)
	if err != nil {
		return nil, fmt.Errorf("send %s: %w", method, err)
	}
	logger.Infof("[chain] sent %s to %s tx=%s", method, to.Hex(), tx.Hash().Hex())

	waitCtx, cancel := context.WithTimeout(ctx, c.receiptTimeout)
	defer cancel()
	receipt, err := bind.WaitMined(waitCtx, backend, tx)
	if err != nil {
		return nil, fmt.Errorf("wait for %s %s: %w", method, tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("%s transaction %s reverted", method, tx.Hash().Hex())
	}
	return receipt, nil
}
