package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/stake-plus/daget/src/config"
	"github.com/stake-plus/daget/src/logging"
)

const programName = "daget"

var globalFlags = struct {
	configFile string
	debug      bool
}{}

type ctxKey struct{}

type runtimeEnv struct {
	cfg config.Config
	log *slog.Logger
}

func envFrom(cmd *cobra.Command) runtimeEnv {
	return cmd.Context().Value(ctxKey{}).(runtimeEnv)
}

func main() {
	rootCmd := &cobra.Command{
		Use:           programName,
		Short:         "Token giveaway claims with on-chain settlement",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(globalFlags.configFile)
			if err != nil {
				return err
			}
			if globalFlags.debug {
				cfg.Logging.Level = "debug"
			}
			log, err := logging.New(cfg.Logging, nil)
			if err != nil {
				return err
			}
			if _, err := maxprocs.Set(maxprocs.Logger(func(format string, v ...any) {
				log.Info(fmt.Sprintf(format, v...), "component", programName)
			})); err != nil {
				log.Warn("maxprocs: " + err.Error())
			}
			cmd.SetContext(context.WithValue(cmd.Context(), ctxKey{}, runtimeEnv{cfg: cfg, log: log}))
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVarP(&globalFlags.configFile, "config", "c", "", "path to YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&globalFlags.debug, "debug", "D", false, "enable debug logging")

	rootCmd.AddCommand(
		serveCommand("serve", "Run the HTTP API and the settlement worker", true, true),
		serveCommand("api", "Run only the HTTP API", true, false),
		serveCommand("worker", "Run only the settlement worker", false, true),
		migrateCommand(),
		settingsCommand(),
		claimsCommand(),
		walletCommand(),
		tokenCommand(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
