package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/GPTx-global/inferd/oracle/config"
	"github.com/GPTx-global/inferd/oracle/daemon"
	"github.com/GPTx-global/inferd/oracle/log"
	"github.com/GPTx-global/inferd/oracle/store"
)

const flagHome = "home"

func defaultHome() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		return ".inferd"
	}
	return filepath.Join(dir, ".inferd")
}

// NewRootCmd builds the inferd command tree.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "inferd",
		Short:         "Prediction submission daemon",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().String(flagHome, defaultHome(), "directory holding config.toml and .env")

	rootCmd.AddCommand(
		startCmd(),
		walletCmd(),
		submissionsCmd(),
		configCmd(),
	)
	return rootCmd
}

func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	home, err := cmd.Flags().GetString(flagHome)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(home)
	if err != nil {
		return nil, "", err
	}
	return cfg, home, nil
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the scheduler, the worker pool and the health server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, home, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := log.ResetLogger(home, cfg.LogOptions()); err != nil {
				return fmt.Errorf("failed to set up logger: %w", err)
			}
			cfg.Print()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			d, err := daemon.New(ctx, cfg)
			if err != nil {
				return fmt.Errorf("failed to create daemon: %w", err)
			}
			return d.Run(ctx)
		},
	}
}

func walletCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wallet",
		Short: "Manage submission wallets",
	}

	create := &cobra.Command{
		Use:   "create",
		Short: "Generate a wallet, store its mnemonic and register it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Secrets.Backend == config.SecretsMemory {
				return fmt.Errorf("secrets backend %q does not outlive this command, the mnemonic would be lost; set [secrets] backend = %q", config.SecretsMemory, config.SecretsAWS)
			}
			p, closeDB, err := daemon.NewProvisioner(cfg)
			if err != nil {
				return err
			}
			defer closeDB()

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			w, err := p.CreateWallet(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "id:         %s\n", w.ID)
			fmt.Fprintf(out, "address:    %s\n", w.Address)
			fmt.Fprintf(out, "secret ref: %s\n", w.SecretRef)
			return nil
		},
	}

	fund := &cobra.Command{
		Use:   "fund [wallet-id]",
		Short: "Top up a wallet from the treasury when it is below the floor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			p, closeDB, err := daemon.NewProvisioner(cfg)
			if err != nil {
				return err
			}
			defer closeDB()

			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()

			w, err := p.Wallet(ctx, args[0])
			if err != nil {
				return err
			}
			if err := p.EnsureFunded(ctx, w.Address); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is funded\n", w.Address)
			return nil
		},
	}

	cmd.AddCommand(create, fund)
	return cmd
}

func submissionsCmd() *cobra.Command {
	var (
		modelID string
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "submissions",
		Short: "List recorded submission attempts for a model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			db, err := store.Open(cfg.DB)
			if err != nil {
				return err
			}
			defer db.Close()

			subs, err := db.Submissions(cmd.Context(), modelID, limit)
			if err != nil {
				return err
			}

			renderSubmissions(cmd.OutOrStdout(), subs)
			return nil
		},
	}
	cmd.Flags().StringVar(&modelID, "model", "", "model id")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows, newest first")
	_ = cmd.MarkFlagRequired("model")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the configuration after file and environment overrides",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			data, err := toml.Marshal(cfg.Redacted())
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	})
	return cmd
}
