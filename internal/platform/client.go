package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"launchpad/agent/internal/payment"
)

const apiPrefix = "/api/v1"

const (
	defaultDiscoverLimit = 20
	defaultSort          = "volume24h"
	defaultOrder         = "desc"
	defaultSlippageBps   = 100
)

// Client talks to the launchpad REST API. Every call goes through the
// payment requester, so any endpoint may be payment-gated.
type Client struct {
	req *payment.Requester
}

func New(req *payment.Requester) *Client {
	return &Client{req: req}
}

// BaseURL normalizes a configured platform URL for the requester. Paths
// already carry the /api/v1 prefix, so a base ending in it is trimmed.
func BaseURL(raw string) string {
	base := strings.TrimRight(strings.TrimSpace(raw), "/")
	return strings.TrimRight(strings.TrimSuffix(base, apiPrefix), "/")
}

// Requester exposes the underlying payment requester.
func (c *Client) Requester() *payment.Requester { return c.req }

func (c *Client) Discover(ctx context.Context, p DiscoverParams) ([]Token, error) {
	if p.Page <= 0 {
		p.Page = 1
	}
	if p.Limit <= 0 {
		p.Limit = defaultDiscoverLimit
	}
	if strings.TrimSpace(p.Sort) == "" {
		p.Sort = defaultSort
	}
	if strings.TrimSpace(p.Order) == "" {
		p.Order = defaultOrder
	}
	var raw json.RawMessage
	err := c.req.Do(ctx, payment.Request{
		Method: http.MethodGet,
		Path:   apiPrefix + "/tokens",
		Query: map[string]string{
			"page":  strconv.Itoa(p.Page),
			"limit": strconv.Itoa(p.Limit),
			"sort":  p.Sort,
			"order": p.Order,
		},
	}, &raw)
	if err != nil {
		return nil, err
	}
	return decodeTokenList(raw)
}

// decodeTokenList accepts a bare array or an envelope keyed by tokens/data.
func decodeTokenList(raw json.RawMessage) ([]Token, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var tokens []Token
	if err := json.Unmarshal(raw, &tokens); err == nil {
		return tokens, nil
	}
	var envelope struct {
		Tokens []Token `json:"tokens"`
		Data   []Token `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("decode token list: %w", err)
	}
	if len(envelope.Tokens) > 0 {
		return envelope.Tokens, nil
	}
	return envelope.Data, nil
}

// MarketSnapshot returns the top n tokens by 24h volume.
func (c *Client) MarketSnapshot(ctx context.Context, n int) ([]Token, error) {
	return c.Discover(ctx, DiscoverParams{Page: 1, Limit: n, Sort: defaultSort, Order: defaultOrder})
}

func (c *Client) TokenInfo(ctx context.Context, address string) (TokenInfo, error) {
	addr, err := tokenPath(address)
	if err != nil {
		return TokenInfo{}, err
	}
	var info TokenInfo
	if err := c.req.RequestWithPayment(ctx, http.MethodGet, apiPrefix+"/tokens/"+addr, nil, &info); err != nil {
		return TokenInfo{}, err
	}
	return info, nil
}

func (c *Client) BuyQuote(ctx context.Context, token string, usdcAtomic *big.Int) (Quote, error) {
	return c.quote(ctx, token, "buy", "usdcAmount", usdcAtomic)
}

func (c *Client) SellQuote(ctx context.Context, token string, tokenAtomic *big.Int) (Quote, error) {
	return c.quote(ctx, token, "sell", "tokenAmount", tokenAtomic)
}

func (c *Client) quote(ctx context.Context, token, side, param string, amount *big.Int) (Quote, error) {
	addr, err := tokenPath(token)
	if err != nil {
		return Quote{}, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return Quote{}, fmt.Errorf("%s quote requires a positive amount", side)
	}
	var q Quote
	err = c.req.Do(ctx, payment.Request{
		Method: http.MethodGet,
		Path:   apiPrefix + "/tokens/" + addr + "/quote/" + side,
		Query:  map[string]string{param: amount.String()},
	}, &q)
	if err != nil {
		return Quote{}, err
	}
	return q, nil
}

func (c *Client) Launch(ctx context.Context, req LaunchRequest) (LaunchResult, error) {
	var out LaunchResult
	if err := c.req.RequestWithPayment(ctx, http.MethodPost, apiPrefix+"/tokens/launch", req, &out); err != nil {
		return LaunchResult{}, err
	}
	return out, nil
}

type tradeBody struct {
	TokenAddress  string           `json:"tokenAddress"`
	USDCAmount    string           `json:"usdcAmount,omitempty"`
	TokenAmount   string           `json:"tokenAmount,omitempty"`
	SlippageBps   int              `json:"slippageBps,omitempty"`
	Trader        string           `json:"trader,omitempty"`
	Authorization *payment.Payload `json:"authorization,omitempty"`
}

// Buy is the gasless path: the platform submits the transaction.
func (c *Client) Buy(ctx context.Context, req BuyRequest) (TradeResult, error) {
	if req.USDCAmount == nil || req.USDCAmount.Sign() <= 0 {
		return TradeResult{}, errors.New("buy requires a positive usdc amount")
	}
	body := tradeBody{TokenAddress: req.TokenAddress, USDCAmount: req.USDCAmount.String(), SlippageBps: slippage(req.SlippageBps)}
	return c.trade(ctx, "/trade/buy", body)
}

// Sell is the gasless path: the platform submits the transaction.
func (c *Client) Sell(ctx context.Context, req SellRequest) (TradeResult, error) {
	if req.TokenAmount == nil || req.TokenAmount.Sign() <= 0 {
		return TradeResult{}, errors.New("sell requires a positive token amount")
	}
	body := tradeBody{TokenAddress: req.TokenAddress, TokenAmount: req.TokenAmount.String(), SlippageBps: slippage(req.SlippageBps)}
	return c.trade(ctx, "/trade/sell", body)
}

// SellWithAuthorization hands the platform a signed transfer authorization
// for the tokens instead of relying on an allowance.
func (c *Client) SellWithAuthorization(ctx context.Context, token string, amount *big.Int, auth payment.Payload) (TradeResult, error) {
	if amount == nil || amount.Sign() <= 0 {
		return TradeResult{}, errors.New("sell requires a positive token amount")
	}
	body := tradeBody{TokenAddress: token, TokenAmount: amount.String(), Authorization: &auth}
	return c.trade(ctx, "/trade/sell/authorized", body)
}

func (c *Client) SignBuy(ctx context.Context, token string, usdcAtomic *big.Int, trader common.Address) (SignedIntent, error) {
	body := tradeBody{TokenAddress: token, USDCAmount: usdcAtomic.String(), Trader: trader.Hex()}
	return c.sign(ctx, "/trade/buy/sign", body)
}

func (c *Client) SignSell(ctx context.Context, token string, tokenAtomic *big.Int, trader common.Address) (SignedIntent, error) {
	body := tradeBody{TokenAddress: token, TokenAmount: tokenAtomic.String(), Trader: trader.Hex()}
	return c.sign(ctx, "/trade/sell/sign", body)
}

func (c *Client) trade(ctx context.Context, path string, body tradeBody) (TradeResult, error) {
	if _, err := tokenPath(body.TokenAddress); err != nil {
		return TradeResult{}, err
	}
	var out TradeResult
	if err := c.req.RequestWithPayment(ctx, http.MethodPost, apiPrefix+path, body, &out); err != nil {
		return TradeResult{}, err
	}
	return out, nil
}

func (c *Client) sign(ctx context.Context, path string, body tradeBody) (SignedIntent, error) {
	if _, err := tokenPath(body.TokenAddress); err != nil {
		return SignedIntent{}, err
	}
	var out SignedIntent
	if err := c.req.RequestWithPayment(ctx, http.MethodPost, apiPrefix+path, body, &out); err != nil {
		return SignedIntent{}, err
	}
	if !common.IsHexAddress(out.BondingCurve) || strings.TrimSpace(out.Signature) == "" {
		return SignedIntent{}, fmt.Errorf("incomplete signing response from %s", path)
	}
	return out, nil
}

func tokenPath(address string) (string, error) {
	address = strings.TrimSpace(address)
	if !common.IsHexAddress(address) {
		return "", fmt.Errorf("invalid token address %q", address)
	}
	return url.PathEscape(address), nil
}

func slippage(bps int) int {
	if bps <= 0 {
		return defaultSlippageBps
	}
	return bps
}
