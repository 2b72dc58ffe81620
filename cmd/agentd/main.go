package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"launchpad/agent/internal/config"
	"launchpad/agent/internal/keys"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "agentd",
		Short:         "Autonomous trading agent for a token launchpad",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "config file (.yaml or .toml); defaults to ~/.launchagent/config.yaml")
	root.PersistentFlags().String("env-file", ".env", "dotenv file loaded before env overrides")

	root.AddCommand(newInitCmd())
	root.AddCommand(newRunCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newHistoryCmd())
	root.AddCommand(newAddressCmd())
	return root
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config and create the agent wallet key",
		RunE: func(cmd *cobra.Command, args []string) error {
			home, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			cfgPath, err := configPath(cmd)
			if err != nil {
				return err
			}
			cfg := config.Default(home)
			if existing, err := config.Load(cfgPath, home); err == nil {
				cfg = existing
			}
			if err := os.MkdirAll(cfg.Agent.KeyStore, 0o700); err != nil {
				return err
			}
			agentKeyPath := keys.DefaultAgentKeyPath(cfg.Agent.KeyStore)
			agentKey, created, err := keys.EnsureKey(agentKeyPath, "agent")
			if err != nil {
				return err
			}
			if err := config.Write(cfgPath, cfg); err != nil {
				return err
			}

			fmt.Printf("initialized %s\n", cfgPath)
			fmt.Printf("agent address: %s\n", agentKey.Address)
			if created {
				fmt.Printf("key stored in %s\n", agentKeyPath)
			}
			fmt.Println("fund the address with USDC (and a little ETH for self-execute mode), then run: agentd run")
			return nil
		},
	}
}

func newAddressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "address",
		Short: "Print the agent wallet address",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			key, err := keys.Resolve(keys.DefaultAgentKeyPath(cfg.Agent.KeyStore), "agent")
			if err != nil {
				return fmt.Errorf("agent key not found, run agentd init: %w", err)
			}
			fmt.Println(key.Address)
			return nil
		},
	}
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	if err := config.LoadEnv(envFile); err != nil {
		return config.Config{}, err
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return config.Config{}, err
	}
	cfgPath, err := configPath(cmd)
	if err != nil {
		return config.Config{}, err
	}
	cfg, err := config.Load(cfgPath, home)
	if err != nil {
		return config.Config{}, fmt.Errorf("config not found, run agentd init: %w", err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func configPath(cmd *cobra.Command) (string, error) {
	if p, _ := cmd.Flags().GetString("config"); strings.TrimSpace(p) != "" {
		return p, nil
	}
	if p := strings.TrimSpace(os.Getenv("AGENT_CONFIG")); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return config.DefaultPath(home), nil
}
