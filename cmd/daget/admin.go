package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/stake-plus/daget/src/api/webserver"
	"github.com/stake-plus/daget/src/claims"
	"github.com/stake-plus/daget/src/config"
	"github.com/stake-plus/daget/src/data"
)

func migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env := envFrom(cmd)
			db, err := data.Connect(env.cfg.Database, env.log)
			if err != nil {
				return err
			}
			defer func() { _ = data.Close(db) }()
			if err := data.Migrate(db); err != nil {
				return err
			}
			env.log.Info("schema migrated", "driver", env.cfg.Database.Driver)
			return nil
		},
	}
}

func settingsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Manage values stored in the settings table",
	}
	set := &cobra.Command{
		Use:   "set <name> <value>",
		Short: "Store a setting that overrides file and env config on the next start",
		Args:  cobra.ExactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			if err := config.CheckSetting(args[0]); err != nil {
				return err
			}
			env := envFrom(c)
			db, err := data.Connect(env.cfg.Database, env.log)
			if err != nil {
				return err
			}
			defer func() { _ = data.Close(db) }()
			if err := data.PutSetting(db.WithContext(c.Context()), args[0], args[1]); err != nil {
				return err
			}
			env.log.Info("setting stored", "name", args[0])
			return nil
		},
	}
	cmd.AddCommand(set)
	return cmd
}

func claimsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "claims",
		Short: "Inspect claims and act on parked ones",
	}
	action := func(use, short string, run func(*claims.Service, *cobra.Command, string) (claims.StatusView, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <claim-id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(c *cobra.Command, args []string) error {
				a, err := openApp(c.Context(), envFrom(c))
				if err != nil {
					return err
				}
				defer a.Close()
				view, err := run(claims.NewService(a.db, a.metrics, a.log), c, args[0])
				if err != nil {
					return err
				}
				return printJSON(view)
			},
		}
	}
	cmd.AddCommand(
		action("status", "Show a claim", func(s *claims.Service, c *cobra.Command, id string) (claims.StatusView, error) {
			return s.Status(c.Context(), id)
		}),
		action("retry", "Requeue a failed_permanent claim", func(s *claims.Service, c *cobra.Command, id string) (claims.StatusView, error) {
			return s.Retry(c.Context(), id)
		}),
		action("release", "Return a failed_permanent claim's amount to the pool", func(s *claims.Service, c *cobra.Command, id string) (claims.StatusView, error) {
			return s.Release(c.Context(), id)
		}),
	)
	return cmd
}

func walletCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wallet",
		Short: "Manage campaign signing wallets",
	}
	create := &cobra.Command{
		Use:   "create",
		Short: "Generate a wallet and print its recovery phrase once",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			a, err := openApp(c.Context(), envFrom(c))
			if err != nil {
				return err
			}
			defer a.Close()
			v, err := a.vault()
			if err != nil {
				return err
			}
			w, phrase, err := v.CreateWallet(c.Context())
			if err != nil {
				return err
			}
			return printJSON(map[string]string{"wallet_id": w.ID, "address": w.Address, "mnemonic": phrase})
		},
	}
	imp := &cobra.Command{
		Use:   "import",
		Short: "Import a mnemonic or 0x mini secret read from stdin",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			a, err := openApp(c.Context(), envFrom(c))
			if err != nil {
				return err
			}
			defer a.Close()
			v, err := a.vault()
			if err != nil {
				return err
			}
			buf, err := readSecret(c)
			if err != nil {
				return err
			}
			w, err := v.ImportWallet(c.Context(), buf)
			if err != nil {
				return err
			}
			return printJSON(map[string]string{"wallet_id": w.ID, "address": w.Address})
		},
	}
	cmd.AddCommand(create, imp)
	return cmd
}

func readSecret(c *cobra.Command) (string, error) {
	buf, err := io.ReadAll(io.LimitReader(c.InOrStdin(), 4096))
	if err != nil {
		return "", err
	}
	s := strings.TrimSpace(string(buf))
	if s == "" {
		return "", fmt.Errorf("no secret on stdin")
	}
	return s, nil
}

func tokenCommand() *cobra.Command {
	var sub, role string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an API bearer token",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			env := envFrom(c)
			if env.cfg.HTTP.JWTSecret == "" {
				return fmt.Errorf("http.jwt_secret is not set")
			}
			tok, err := webserver.IssueToken([]byte(env.cfg.HTTP.JWTSecret), sub, role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(c.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&sub, "sub", "", "subject (Discord user id)")
	cmd.Flags().StringVar(&role, "role", "", "role claim, e.g. operator")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime, 0 for none")
	_ = cmd.MarkFlagRequired("sub")
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
