package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/redis/go-redis/v9"

	"github.com/stake-plus/daget/src/types"
)

const eligibilityPrefix = "daget:eligible:"

var ErrNoGuild = errors.New("discord: campaign is role gated but no guild is configured")

// Members is the slice of *discordgo.Session used for role checks.
type Members interface {
	GuildMember(guildID, userID string, options ...discordgo.RequestOption) (*discordgo.Member, error)
}

// HasRole checks whether a user has a role in a guild. An empty roleID only requires
// guild membership. Unknown members are not an error.
func HasRole(ctx context.Context, m Members, guildID, userID, roleID string) (bool, error) {
	member, err := m.GuildMember(guildID, userID, discordgo.WithContext(ctx))
	if err != nil {
		var rest *discordgo.RESTError
		if errors.As(err, &rest) && rest.Message != nil &&
			(rest.Message.Code == discordgo.ErrCodeUnknownMember || rest.Message.Code == discordgo.ErrCodeUnknownUser) {
			return false, nil
		}
		return false, fmt.Errorf("discord: guild member %s/%s: %w", guildID, userID, err)
	}
	if roleID == "" {
		return true, nil
	}
	for _, role := range member.Roles {
		if role == roleID {
			return true, nil
		}
	}
	return false, nil
}

// Eligibility gates campaigns on Discord guild roles. Answers are cached in redis.
type Eligibility struct {
	members      Members
	rdb          redis.Cmdable
	defaultGuild string
	ttl          time.Duration
	log          *slog.Logger
}

func NewEligibility(members Members, rdb redis.Cmdable, defaultGuild string, ttl time.Duration, log *slog.Logger) *Eligibility {
	if log == nil {
		log = slog.Default()
	}
	return &Eligibility{members: members, rdb: rdb, defaultGuild: defaultGuild, ttl: ttl, log: log}
}

func (e *Eligibility) IsEligible(ctx context.Context, claimantID string, camp types.Campaign) (bool, error) {
	if camp.DiscordGuildID == "" && camp.DiscordRoleID == "" {
		return true, nil
	}
	guild := camp.DiscordGuildID
	if guild == "" {
		guild = e.defaultGuild
	}
	if guild == "" {
		return false, ErrNoGuild
	}

	key := eligibilityPrefix + guild + ":" + camp.DiscordRoleID + ":" + claimantID
	if e.rdb != nil && e.ttl > 0 {
		v, err := e.rdb.Get(ctx, key).Result()
		switch {
		case err == nil:
			return v == "1", nil
		case !errors.Is(err, redis.Nil):
			e.log.Warn("discord: eligibility cache read failed", "err", err)
		}
	}

	ok, err := HasRole(ctx, e.members, guild, claimantID, camp.DiscordRoleID)
	if err != nil {
		return false, err
	}
	if e.rdb != nil && e.ttl > 0 {
		v := "0"
		if ok {
			v = "1"
		}
		if err := e.rdb.Set(ctx, key, v, e.ttl).Err(); err != nil {
			e.log.Warn("discord: eligibility cache write failed", "err", err)
		}
	}
	return ok, nil
}
