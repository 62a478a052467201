package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/stake-plus/daget/src/api/webserver"
	"github.com/stake-plus/daget/src/claims"
	"github.com/stake-plus/daget/src/core"
	"github.com/stake-plus/daget/src/discord"
	"github.com/stake-plus/daget/src/idempotency"
	"github.com/stake-plus/daget/src/lease"
	"github.com/stake-plus/daget/src/reservation"
	"github.com/stake-plus/daget/src/settlement"
	"github.com/stake-plus/daget/src/settlement/substrate"
	"github.com/stake-plus/daget/src/types"
	"github.com/stake-plus/daget/src/worker"
)

const janitorInterval = time.Hour

func serveCommand(use, short string, withAPI, withWorker bool) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, envFrom(cmd))
			if err != nil {
				return err
			}
			defer a.Close()

			mgr := core.NewManager(a.log)
			if withAPI {
				mod, err := a.apiModules(ctx)
				if err != nil {
					return err
				}
				for _, m := range mod {
					if err := mgr.Add(m); err != nil {
						return err
					}
				}
			}
			if withWorker {
				w, err := a.workerModule(ctx)
				if err != nil {
					return err
				}
				if err := mgr.Add(w); err != nil {
					return err
				}
			}

			timeout := a.cfg.HTTP.ShutdownTimeout
			return mgr.Run(ctx, func() (context.Context, context.CancelFunc) {
				return context.WithTimeout(context.Background(), timeout+5*time.Second)
			})
		},
	}
}

func (a *app) apiModules(ctx context.Context) ([]core.Module, error) {
	if a.cfg.HTTP.JWTSecret == "" {
		return nil, errors.New("http.jwt_secret is required to serve the API")
	}
	rdb, err := a.redis(ctx)
	if err != nil {
		return nil, err
	}
	session, err := a.discordSession()
	if err != nil {
		return nil, err
	}

	store := idempotency.NewStore(a.db, rdb, a.cfg.Idempotency.TTL, a.cfg.Idempotency.InFlightTTL, a.log)
	opts := []reservation.Option{
		reservation.WithIdempotency(store),
		reservation.WithMetrics(a.metrics),
		reservation.WithLogger(a.log),
	}
	if session != nil {
		opts = append(opts, reservation.WithEligibility(
			discord.NewEligibility(session, rdb, a.cfg.Discord.GuildID, a.cfg.Discord.EligibleTTL, a.log)))
	} else {
		a.log.Warn("discord token not set; role gated dagets cannot be claimed")
		opts = append(opts, reservation.WithEligibility(withoutDiscord{}))
	}

	reserver := reservation.NewManager(a.db, opts...)
	claimSvc := claims.NewService(a.db, a.metrics, a.log)
	srv := webserver.NewServer(a.cfg.HTTP, webserver.Deps{
		Reserver: reserver,
		Claims:   claimSvc,
		Gatherer: a.reg,
		Health:   a.health,
		Log:      a.log,
	})
	mods := []core.Module{idempotency.NewJanitor(store, janitorInterval, a.log), srv}
	if a.cfg.Discord.Commands {
		bot, err := discord.NewBot(a.cfg.Discord.Token, a.cfg.Discord.GuildID, discord.NewCommands(reserver, claimSvc, a.log), a.log)
		if err != nil {
			return nil, err
		}
		mods = append(mods, bot)
	}
	return mods, nil
}

func (a *app) workerModule(ctx context.Context) (core.Module, error) {
	vault, err := a.vault()
	if err != nil {
		return nil, err
	}
	sink, err := a.notifier(ctx)
	if err != nil {
		return nil, err
	}
	chain, err := substrate.Dial(ctx, a.cfg.Chain.Endpoint, a.cfg.Chain.ConnectTries, a.cfg.Chain.RetryInterval, a.log)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, chain.Close)
	backend, err := substrate.NewBackend(chain, a.cfg.Chain.ScanDepth, a.log)
	if err != nil {
		return nil, err
	}

	engine := settlement.NewEngine(a.db, backend, vault,
		settlement.WithNotifier(sink),
		settlement.WithMetrics(a.metrics),
		settlement.WithLogger(a.log),
		settlement.WithConfig(settlement.Config{
			ConfirmTimeout: a.cfg.Settlement.ConfirmTimeout,
			PollInterval:   a.cfg.Settlement.ConfirmPollInterval,
			MaxAttempts:    a.cfg.Settlement.MaxAttempts,
			NotifyTimeout:  a.cfg.Settlement.NotifyTimeout,
		}),
	)
	return worker.New(lease.NewRepository(a.db, a.cfg.Worker.Lease), engine, worker.Config{
		PollInterval: a.cfg.Worker.PollInterval,
		BatchSize:    a.cfg.Worker.BatchSize,
		Concurrency:  a.cfg.Worker.Concurrency,
	}, a.metrics, a.log), nil
}

// withoutDiscord admits ungated dagets and refuses role gated ones.
type withoutDiscord struct{}

func (withoutDiscord) IsEligible(_ context.Context, _ string, c types.Campaign) (bool, error) {
	return c.DiscordGuildID == "" && c.DiscordRoleID == "", nil
}
