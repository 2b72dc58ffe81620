package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"launchpad/agent/internal/api"
	"launchpad/agent/internal/chain"
	"launchpad/agent/internal/config"
	"launchpad/agent/internal/decision"
	"launchpad/agent/internal/executor"
	"launchpad/agent/internal/keys"
	"launchpad/agent/internal/llm"
	"launchpad/agent/internal/logger"
	"launchpad/agent/internal/payment"
	"launchpad/agent/internal/platform"
	"launchpad/agent/internal/portfolio"
	"launchpad/agent/internal/runtime"
	"launchpad/agent/internal/store"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the agent loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if id, _ := cmd.Flags().GetString("agent-id"); strings.TrimSpace(id) != "" {
				cfg.Agent.ID = strings.TrimSpace(id)
			}
			if cmd.Flags().Changed("api") {
				cfg.API.Enabled, _ = cmd.Flags().GetBool("api")
			}
			if addr, _ := cmd.Flags().GetString("api-addr"); addr != "" {
				cfg.API.Addr = addr
			}
			return run(cfg)
		},
	}
	cmd.Flags().String("agent-id", "", "agent id used for the journal and logs")
	cmd.Flags().Bool("api", false, "serve the control API")
	cmd.Flags().String("api-addr", "", "control API listen address")
	return cmd
}

func run(cfg config.Config) error {
	ac, err := cfg.AgentConfiguration()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger.Setup(logger.Options{
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		Level:      cfg.Log.Level,
		JSON:       cfg.Log.JSON,
	})

	key, err := keys.Resolve(keys.DefaultAgentKeyPath(cfg.Agent.KeyStore), "agent")
	if err != nil {
		return fmt.Errorf("agent key not found, run agentd init or set %s: %w", keys.EnvPrivateKey, err)
	}
	priv, err := key.PrivateKey()
	if err != nil {
		return err
	}

	network, err := chain.ResolveNetwork(cfg.Chain.ChainID, cfg.Chain.Network, cfg.Chain.USDC, cfg.Chain.RPCURLs)
	if err != nil {
		return err
	}
	chainClient, err := chain.NewClient(chain.Options{Network: network, Key: priv})
	if err != nil {
		return err
	}
	defer chainClient.Close()

	signer, err := payment.NewEIP3009Signer(priv, network.ChainID, network.Name)
	if err != nil {
		return err
	}
	platformMax, _ := config.USDCAtomic(cfg.Platform.MaxPaymentUSDC)
	headers := map[string]string{}
	if cfg.Platform.APIKey != "" {
		headers["Authorization"] = "Bearer " + cfg.Platform.APIKey
	}
	plat := platform.New(payment.NewRequester(payment.Options{
		BaseURL:    platform.BaseURL(cfg.Platform.URL),
		Timeout:    time.Duration(cfg.Platform.TimeoutSeconds) * time.Second,
		Headers:    headers,
		Signer:     signer,
		Network:    network.Name,
		MaxPayment: platformMax,
	}))

	llmMax, _ := config.USDCAtomic(cfg.LLM.MaxPaymentUSDC)
	model, err := llm.New(llm.Config{
		Provider:        cfg.LLM.Provider,
		Model:           cfg.LLM.Model,
		BaseURL:         cfg.LLM.BaseURL,
		APIKey:          cfg.LLM.APIKey,
		Temperature:     cfg.LLM.Temperature,
		MaxOutputTokens: cfg.LLM.MaxOutputTokens,
		TimeoutSeconds:  cfg.LLM.TimeoutSeconds,
		Path:            cfg.LLM.Path,
		Signer:          signer,
		Network:         network.Name,
		MaxPayment:      llmMax,
	})
	if err != nil {
		return err
	}

	mode, err := executor.ParseMode(ac.ExecutionMode)
	if err != nil {
		return err
	}
	limits := decision.Limits{MaxPositionSize: ac.MaxPositionSize, MaxPositions: ac.MaxPositions, MinBalance: ac.MinBalance}
	state := portfolio.New()
	var sellSigner payment.Signer
	if ac.DirectSell {
		sellSigner = signer
	}
	dispatcher := executor.New(executor.Options{
		Platform:    plat,
		Chain:       chainClient,
		State:       state,
		Limits:      limits,
		Mode:        mode,
		Owner:       key.Addr(),
		USDC:        network.USDC,
		Signer:      sellSigner,
		Network:     network.Name,
		SlippageBps: ac.SlippageBps,
	})

	journal, err := store.Open(cfg.Journal.Path)
	if err != nil {
		return err
	}
	defer journal.Close()

	var hours *runtime.WorkingHours
	if ac.StartHour != ac.EndHour {
		if hours, err = runtime.NewWorkingHours(ac.StartHour, ac.EndHour, ac.Timezone); err != nil {
			return err
		}
	}

	hub := api.NewHub()
	runner, err := runtime.New(runtime.Config{
		AgentID:        ac.ID,
		Owner:          key.Addr(),
		Strategy:       ac.Strategy,
		Limits:         limits,
		Mode:           mode,
		ReviewInterval: ac.ReviewInterval,
		Hours:          hours,
	}, runtime.Deps{
		Wallet:     chainClient,
		Market:     plat,
		Model:      decision.NewProvider(model),
		Dispatcher: dispatcher,
		State:      state,
		Journal:    journal,
		Notifier:   hub,
	})
	if err != nil {
		return err
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()

	fmt.Printf("agentd running agent %s (%s)\n", ac.ID, key.Address)
	fmt.Printf("llm provider: %s (%s), network: %s, rpc: %s\n", model.Provider(), model.Model(), network.Name, chainClient.Endpoint())
	logger.Debugf("[runner] llm key %s, platform key %s", logger.Redact(cfg.LLM.APIKey), logger.Redact(cfg.Platform.APIKey))
	defer func() {
		logger.Infof("[payment] %d platform payments authorized this run", plat.Requester().PaymentsMade())
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// The API goes down with the loop.
		defer cancel()
		err := runner.Start(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	if cfg.API.Enabled {
		srv, err := api.NewServer(cfg.API.Addr, runner, hub)
		if err != nil {
			return err
		}
		g.Go(func() error { return srv.Start(gctx) })
	}
	return g.Wait()
}
