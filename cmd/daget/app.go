package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/stake-plus/daget/src/config"
	"github.com/stake-plus/daget/src/custody"
	"github.com/stake-plus/daget/src/data"
	"github.com/stake-plus/daget/src/discord"
	"github.com/stake-plus/daget/src/metrics"
	"github.com/stake-plus/daget/src/notify"
)

// app holds the shared clients a command needs. Close releases them.
type app struct {
	cfg     config.Config
	log     *slog.Logger
	db      *gorm.DB
	rdb     *redis.Client
	discord *discordgo.Session
	reg     *prometheus.Registry
	metrics *metrics.Metrics
	closers []func()
}

// openApp connects storage and applies settings rows over the loaded config.
func openApp(ctx context.Context, env runtimeEnv) (*app, error) {
	a := &app{cfg: env.cfg, log: env.log}
	db, err := data.Connect(a.cfg.Database, a.log)
	if err != nil {
		return nil, err
	}
	a.db = db
	a.closers = append(a.closers, func() { _ = data.Close(db) })

	if err := data.LoadSettings(db); err != nil {
		a.log.Warn("settings table not loaded", "err", err)
	}
	a.cfg.ApplySettings()
	if err := a.cfg.Validate(); err != nil {
		a.Close()
		return nil, fmt.Errorf("config: %w", err)
	}

	a.reg = prometheus.NewRegistry()
	a.reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.reg)
	return a, nil
}

func (a *app) redis(ctx context.Context) (*redis.Client, error) {
	if a.rdb != nil {
		return a.rdb, nil
	}
	rdb, err := data.OpenRedis(ctx, a.cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	a.rdb = rdb
	a.closers = append(a.closers, func() { _ = rdb.Close() })
	return rdb, nil
}

// discordSession is a REST-only session; nil when no bot token is configured.
func (a *app) discordSession() (*discordgo.Session, error) {
	if a.discord != nil || a.cfg.Discord.Token == "" {
		return a.discord, nil
	}
	s, err := discordgo.New("Bot " + a.cfg.Discord.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: %w", err)
	}
	a.discord = s
	return s, nil
}

func (a *app) vault() (*custody.Vault, error) {
	key, err := a.cfg.MasterKey()
	if err != nil {
		return nil, err
	}
	return custody.NewVault(a.db, key, a.cfg.Chain.SS58Prefix)
}

// notifier fans settlement events out to the redis stream and, when enabled, Discord DMs.
func (a *app) notifier(ctx context.Context) (notify.Sink, error) {
	rdb, err := a.redis(ctx)
	if err != nil {
		return nil, err
	}
	sinks := notify.Multi{notify.NewRedisStream(rdb)}
	if a.cfg.Discord.NotifyDirect {
		s, err := a.discordSession()
		if err != nil {
			return nil, err
		}
		if s == nil {
			return nil, errors.New("discord.notify_direct needs discord.token")
		}
		sinks = append(sinks, discord.NewDMNotifier(s))
	}
	return sinks, nil
}

func (a *app) health(ctx context.Context) error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if a.rdb != nil {
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
