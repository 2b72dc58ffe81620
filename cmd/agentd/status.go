package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"launchpad/agent/internal/decision"
	"launchpad/agent/internal/store"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Summarize the execution journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			agentID := agentIDFlag(cmd, cfg.Agent.ID)
			journal, err := store.Open(cfg.Journal.Path)
			if err != nil {
				return err
			}
			defer journal.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			st, err := journal.Stats(ctx, agentID)
			if err != nil {
				return err
			}
			renderStats(agentID, st)
			return nil
		},
	}
	cmd.Flags().String("agent-id", "", "agent id to summarize")
	return cmd
}

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent cycles from the execution journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			limit, _ := cmd.Flags().GetInt("limit")
			journal, err := store.Open(cfg.Journal.Path)
			if err != nil {
				return err
			}
			defer journal.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			rows, err := journal.Recent(ctx, agentIDFlag(cmd, cfg.Agent.ID), limit)
			if err != nil {
				return err
			}
			renderHistory(rows)
			return nil
		},
	}
	cmd.Flags().String("agent-id", "", "agent id to show")
	cmd.Flags().Int("limit", 20, "number of cycles")
	return cmd
}

func agentIDFlag(cmd *cobra.Command, fallback string) string {
	if id, _ := cmd.Flags().GetString("agent-id"); strings.TrimSpace(id) != "" {
		return strings.TrimSpace(id)
	}
	return fallback
}

func renderStats(agentID string, st store.Stats) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.SetTitle("agent " + agentID)
	t.AppendRow(table.Row{"cycles", st.Total})
	t.AppendRow(table.Row{"succeeded", st.Succeeded})
	t.AppendRow(table.Row{"failed", st.Failed})
	t.AppendRow(table.Row{"net USDC flow", signedUSDC(st.ProfitLoss)})
	if !st.First.IsZero() {
		t.AppendRow(table.Row{"first cycle", st.First.Local().Format(time.DateTime)})
		t.AppendRow(table.Row{"last cycle", st.Last.Local().Format(time.DateTime)})
	}
	actions := make([]string, 0, len(st.ByAction))
	for a := range st.ByAction {
		actions = append(actions, a)
	}
	sort.Strings(actions)
	for _, a := range actions {
		t.AppendRow(table.Row{"action " + a, st.ByAction[a]})
	}
	t.Render()
}

func renderHistory(rows []store.Execution) {
	if len(rows) == 0 {
		fmt.Println("no cycles recorded")
		return
	}
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"cycle", "time", "action", "ok", "pnl", "detail"})
	for _, r := range rows {
		ok := "yes"
		detail := r.Summary
		if !r.Success {
			ok = "no"
			detail = r.Error
		}
		pnl := ""
		if v, parsed := new(big.Int).SetString(r.ProfitLoss, 10); parsed && v.Sign() != 0 {
			pnl = signedUSDC(v)
		}
		t.AppendRow(table.Row{r.Cycle, r.StartedAt.Local().Format(time.DateTime), r.Action, ok, pnl, truncate(detail, 60)})
	}
	t.Render()
}

func signedUSDC(v *big.Int) string {
	if v != nil && v.Sign() > 0 {
		return "+" + decision.FormatUSDC(v)
	}
	return decision.FormatUSDC(v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
