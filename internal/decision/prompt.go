package decision

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	"launchpad/agent/internal/llm"
	"launchpad/agent/internal/portfolio"
)

const (
	promptMarketRows  = 10
	promptHistoryRows = 5

	takeProfitPct = 15
	cutLossPct    = -10
)

type MarketToken struct {
	Address   string
	Symbol    string
	Name      string
	Price     decimal.Decimal
	Volume24h decimal.Decimal
	Change24h decimal.Decimal
	MarketCap decimal.Decimal
	Holders   int
}

type Limits struct {
	MaxPositionSize *big.Int
	MaxPositions    int
	MinBalance      *big.Int
}

// Input is everything a decision is computed from. Portfolio is a snapshot;
// the provider never mutates it.
type Input struct {
	Strategy string
	Market   []MarketToken
	// MarketNote replaces the market table when the snapshot is unavailable.
	MarketNote string
	Portfolio  portfolio.Snapshot
	Limits     Limits
	Mode       string
}

const systemPrompt = `You are an autonomous trading agent on a token launchpad. Tokens trade against USDC on bonding curves.
Each cycle you choose exactly one action. Reply with a single JSON object and nothing else:
{"action": "<action>", "params": {...}, "reasoning": "<one or two sentences>", "confidence": <0..1>}

Actions:
- buy: {"tokenAddress": "0x...", "usdcAmount": "5.0"} spend USDC on a token
- sell: {"tokenAddress": "0x...", "tokenAmount": "1000.5"} sell tokens you hold
- launch: {"name": "...", "ticker": "ABC", "description": "..."} create a new token (ticker 3-10 letters/digits)
- analyze: {"tokenAddress": "0x..."} fetch details on one token
- discover: {} look for new tokens
- wait: {} do nothing this cycle
- stop: {} end the session

Amounts are decimal strings in whole units (USDC, tokens), not atomic units.`

// BuildPrompt renders the prompt for in. It is deterministic and does no I/O.
func BuildPrompt(in Input) llm.Prompt {
	var b strings.Builder

	b.WriteString("## Strategy\n")
	if s := strings.TrimSpace(in.Strategy); s != "" {
		b.WriteString(s)
	} else {
		b.WriteString("Trade cautiously. Prefer small positions in liquid tokens.")
	}
	b.WriteString("\n\n")

	prices := map[string]decimal.Decimal{}
	symbols := map[string]string{}
	for _, t := range in.Market {
		key := strings.ToLower(t.Address)
		prices[key] = t.Price
		symbols[key] = t.Symbol
	}

	snap := in.Portfolio
	b.WriteString("## Wallet\n")
	fmt.Fprintf(&b, "Balance: %s USDC\n", FormatUSDC(snap.Balance))
	if in.Mode != "" {
		fmt.Fprintf(&b, "Execution mode: %s\n", in.Mode)
	}
	fmt.Fprintf(&b, "Open positions (%d/%d):\n", len(snap.Positions), in.Limits.MaxPositions)
	if len(snap.Positions) == 0 {
		b.WriteString("- none\n")
	}
	for _, p := range snap.Positions {
		key := strings.ToLower(p.Asset)
		label := symbols[key]
		if label == "" {
			label = "?"
		}
		fmt.Fprintf(&b, "- %s %s amount=%s invested=%s USDC entry=%s",
			label, p.Asset, FormatTokens(p.Amount), FormatUSDC(p.Invested), p.EntryPrice.String())
		if price, ok := prices[key]; ok && price.Sign() > 0 {
			pct := unrealizedPct(p, price)
			fmt.Fprintf(&b, " now=%s pnl=%s%%", price.String(), signed(pct))
			if pct.GreaterThanOrEqual(decimal.NewFromInt(takeProfitPct)) {
				b.WriteString(" TAKE-PROFIT")
			} else if pct.LessThanOrEqual(decimal.NewFromInt(cutLossPct)) {
				b.WriteString(" CUT-LOSS")
			}
		} else {
			b.WriteString(" now=unknown")
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Cumulative P&L: %s USDC (wins %d, losses %d)\n\n", signedUSDC(snap.CumulativePnL), snap.Wins, snap.Losses)

	fmt.Fprintf(&b, "## Market (top %d by 24h volume)\n", promptMarketRows)
	switch {
	case len(in.Market) == 0 && strings.TrimSpace(in.MarketNote) != "":
		b.WriteString(strings.TrimSpace(in.MarketNote))
		b.WriteString("\n")
	case len(in.Market) == 0:
		b.WriteString("No tokens listed.\n")
	}
	for i, t := range in.Market {
		if i == promptMarketRows {
			break
		}
		fmt.Fprintf(&b, "%d. %s (%s) %s price=%s vol24h=%s change24h=%s%% mcap=%s holders=%d\n",
			i+1, t.Symbol, t.Name, t.Address, t.Price.String(), t.Volume24h.StringFixed(2),
			signed(t.Change24h), t.MarketCap.StringFixed(2), t.Holders)
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "## Recent activity (last %d)\n", promptHistoryRows)
	history := snap.History
	if len(history) > promptHistoryRows {
		history = history[len(history)-promptHistoryRows:]
	}
	if len(history) == 0 {
		b.WriteString("- none yet\n")
	}
	for _, h := range history {
		status := "ok"
		if !h.Success {
			status = "FAILED"
		}
		fmt.Fprintf(&b, "- cycle %d %s %s", h.Cycle, h.Action, status)
		if h.Summary != "" {
			fmt.Fprintf(&b, ": %s", trimForPrompt(h.Summary, 120))
		}
		if !h.Success && h.Error != "" {
			fmt.Fprintf(&b, " error=%s (do not repeat)", trimForPrompt(h.Error, 120))
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Learning hints: %s\n\n", lessons(snap.History))

	b.WriteString("## Launched by you\n")
	if len(snap.Launched) == 0 {
		b.WriteString("- none\n")
	}
	for _, addr := range snap.Launched {
		fmt.Fprintf(&b, "- %s\n", addr)
	}
	b.WriteString("\n")

	b.WriteString("## Risk limits\n")
	fmt.Fprintf(&b, "- max position size: %s USDC\n", FormatUSDC(in.Limits.MaxPositionSize))
	fmt.Fprintf(&b, "- max open positions: %d\n", in.Limits.MaxPositions)
	fmt.Fprintf(&b, "- minimum balance: %s USDC\n", FormatUSDC(in.Limits.MinBalance))
	b.WriteString("\nChoose one action now.")

	return llm.Prompt{System: systemPrompt, User: b.String()}
}

// unrealizedPct compares the position's value at price against what was
// paid. Without an invested amount it falls back to the entry price.
func unrealizedPct(p portfolio.Position, price decimal.Decimal) decimal.Decimal {
	hundred := decimal.NewFromInt(100)
	invested := FromAtomic(p.Invested, USDCDecimals)
	if invested.Sign() > 0 && p.Amount != nil && p.Amount.Sign() > 0 {
		value := FromAtomic(p.Amount, TokenDecimals).Mul(price)
		return value.Sub(invested).Div(invested).Mul(hundred).Round(1)
	}
	if p.EntryPrice.Sign() > 0 {
		return price.Sub(p.EntryPrice).Div(p.EntryPrice).Mul(hundred).Round(1)
	}
	return decimal.Zero
}

// lessons summarizes recent outcomes into short guidance.
func lessons(history []portfolio.HistoryEntry) string {
	if len(history) == 0 {
		return "keep sizes small and reply with the exact JSON schema"
	}
	executed, failures, insufficient, schema, limits := 0, 0, 0, 0, 0
	for _, h := range history {
		if h.Action != string(ActionWait) && h.Success {
			executed++
		}
		if !h.Success {
			failures++
		}
		errMsg := strings.ToLower(h.Error)
		switch {
		case strings.Contains(errMsg, "insufficient") || strings.Contains(errMsg, "exceeds balance"):
			insufficient++
		case strings.Contains(errMsg, "is required") || strings.Contains(errMsg, "malformed") || strings.Contains(errMsg, "ticker"):
			schema++
		case strings.Contains(errMsg, "max positions") || strings.Contains(errMsg, "below minimum"):
			limits++
		}
	}
	var notes []string
	if schema > 0 {
		notes = append(notes, "include every required param with the documented names")
	}
	if insufficient > 0 {
		notes = append(notes, "reduce sizes to fit the balance")
	}
	if limits > 0 {
		notes = append(notes, "respect the risk limits; sell or wait when they are reached")
	}
	if failures > executed {
		notes = append(notes, "failure rate high: prefer one conservative action over retries")
	}
	if len(notes) == 0 {
		return "execution quality stable"
	}
	return strings.Join(notes, "; ")
}

func signed(d decimal.Decimal) string {
	if d.Sign() > 0 {
		return "+" + d.String()
	}
	return d.String()
}

func signedUSDC(v *big.Int) string {
	if v != nil && v.Sign() > 0 {
		return "+" + FormatUSDC(v)
	}
	return FormatUSDC(v)
}

func trimForPrompt(text string, max int) string {
	text = strings.Join(strings.Fields(text), " ")
	if len(text) <= max {
		return text
	}
	return text[:max-3] + "..."
}
