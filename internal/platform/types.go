package platform

import (
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

type Token struct {
	Address      string          `json:"address"`
	Name         string          `json:"name"`
	Symbol       string          `json:"symbol"`
	Price        decimal.Decimal `json:"price"`
	Volume24h    decimal.Decimal `json:"volume24h"`
	Change24h    decimal.Decimal `json:"change24h"`
	MarketCap    decimal.Decimal `json:"marketCap"`
	Holders      int             `json:"holders"`
	BondingCurve string          `json:"bondingCurve,omitempty"`
	Graduated    bool            `json:"graduated,omitempty"`
}

type TokenInfo struct {
	Token
	Description string          `json:"description"`
	Creator     string          `json:"creator"`
	CreatedAt   string          `json:"createdAt"`
	TotalSupply string          `json:"totalSupply"`
	Reserve     string          `json:"reserve"`
	Progress    decimal.Decimal `json:"progress"`
}

type Quote struct {
	AmountIn    string          `json:"amountIn"`
	AmountOut   string          `json:"amountOut"`
	Price       decimal.Decimal `json:"price"`
	Fee         string          `json:"fee"`
	PriceImpact decimal.Decimal `json:"priceImpact"`
}

// Out parses AmountOut as atomic units; malformed values read as zero.
func (q Quote) Out() *big.Int { return atomic(q.AmountOut) }

type DiscoverParams struct {
	Page  int
	Limit int
	Sort  string
	Order string
}

type LaunchRequest struct {
	Name        string `json:"name"`
	Symbol      string `json:"symbol"`
	Description string `json:"description"`
	ImageURL    string `json:"imageUrl,omitempty"`
}

type LaunchResult struct {
	TokenAddress string `json:"tokenAddress"`
	BondingCurve string `json:"bondingCurve,omitempty"`
	TxHash       string `json:"txHash,omitempty"`
}

type BuyRequest struct {
	TokenAddress string
	USDCAmount   *big.Int
	SlippageBps  int
}

type SellRequest struct {
	TokenAddress string
	TokenAmount  *big.Int
	SlippageBps  int
}

type TradeResult struct {
	TxHash      string          `json:"txHash"`
	TokenAmount string          `json:"tokenAmount"`
	USDCAmount  string          `json:"usdcAmount"`
	Price       decimal.Decimal `json:"price"`
	Fee         string          `json:"fee,omitempty"`
}

func (t TradeResult) Tokens() *big.Int { return atomic(t.TokenAmount) }
func (t TradeResult) USDC() *big.Int   { return atomic(t.USDCAmount) }

// SignedIntent is the platform's authorization for a self-executed curve
// trade.
type SignedIntent struct {
	BondingCurve string `json:"bondingCurve"`
	Nonce        string `json:"nonce"`
	Deadline     string `json:"deadline"`
	Signature    string `json:"signature"`
	MinAmountOut string `json:"minAmountOut"`
}

func atomic(s string) *big.Int {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return new(big.Int)
	}
	return v
}
