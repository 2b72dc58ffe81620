package runtime

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"launchpad/agent/internal/decision"
	"launchpad/agent/internal/executor"
	"launchpad/agent/internal/portfolio"
	"launchpad/agent/internal/store"
)

// ExecutionResult is the record of one cycle, successful or not. Balances
// and ProfitLoss are USDC atomic units.
type ExecutionResult struct {
	ID            string            `json:"id"`
	AgentID       string            `json:"agentId"`
	Cycle         uint64            `json:"cycle"`
	Success       bool              `json:"success"`
	Action        decision.Action   `json:"action"`
	Decision      decision.Decision `json:"decision"`
	Data          any               `json:"data,omitempty"`
	Error         string            `json:"error,omitempty"`
	TxHash        string            `json:"txHash,omitempty"`
	Mode          executor.Mode     `json:"mode"`
	StartedAt     time.Time         `json:"startedAt"`
	FinishedAt    time.Time         `json:"finishedAt"`
	BalanceBefore *big.Int          `json:"balanceBefore,omitempty"`
	BalanceAfter  *big.Int          `json:"balanceAfter,omitempty"`
	ProfitLoss    *big.Int          `json:"profitLoss,omitempty"`
	ModelLatency  time.Duration     `json:"modelLatency"`
	CycleDuration time.Duration     `json:"cycleDuration"`
}

// Summary is a one-line description used in history and logs.
func (r ExecutionResult) Summary() string {
	var b strings.Builder
	b.WriteString(string(r.Action))
	if len(r.Decision.Params) > 0 {
		if addr, ok := r.Decision.Params["tokenAddress"].(string); ok && addr != "" {
			fmt.Fprintf(&b, " %s", shortAddr(addr))
		}
		for _, key := range []string{"usdcAmount", "tokenAmount", "ticker", "symbol"} {
			if v, ok := r.Decision.Params[key]; ok {
				fmt.Fprintf(&b, " %s=%v", key, v)
			}
		}
	}
	if r.ProfitLoss != nil && r.ProfitLoss.Sign() != 0 {
		fmt.Fprintf(&b, " pnl=%s USDC", decision.FormatUSDC(r.ProfitLoss))
	}
	if reason := strings.TrimSpace(r.Decision.Reasoning); reason != "" {
		fmt.Fprintf(&b, " (%s)", reason)
	}
	return b.String()
}

func (r ExecutionResult) historyEntry() portfolio.HistoryEntry {
	return portfolio.HistoryEntry{
		Cycle:      r.Cycle,
		Action:     string(r.Action),
		Success:    r.Success,
		Error:      r.Error,
		Summary:    r.Summary(),
		Confidence: r.Decision.Confidence,
		At:         r.FinishedAt,
	}
}

func (r ExecutionResult) record() store.Execution {
	return store.Execution{
		ID:            r.ID,
		AgentID:       r.AgentID,
		Cycle:         r.Cycle,
		Action:        string(r.Action),
		Success:       r.Success,
		Error:         r.Error,
		Summary:       r.Summary(),
		Reasoning:     r.Decision.Reasoning,
		Confidence:    r.Decision.Confidence,
		Mode:          string(r.Mode),
		TxHash:        r.TxHash,
		BalanceBefore: intString(r.BalanceBefore),
		BalanceAfter:  intString(r.BalanceAfter),
		ProfitLoss:    intString(r.ProfitLoss),
		ModelLatency:  r.ModelLatency,
		StartedAt:     r.StartedAt,
		FinishedAt:    r.FinishedAt,
	}
}

// entryFromRecord rebuilds prompt history from a journal row.
func entryFromRecord(e store.Execution) portfolio.HistoryEntry {
	return portfolio.HistoryEntry{
		Cycle:      e.Cycle,
		Action:     e.Action,
		Success:    e.Success,
		Error:      e.Error,
		Summary:    e.Summary,
		Confidence: e.Confidence,
		At:         e.FinishedAt,
	}
}

func intString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}

func shortAddr(addr string) string {
	if len(addr) <= 12 {
		return addr
	}
	return addr[:6] + "..." + addr[len(addr)-4:]
}
