package discord

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stake-plus/daget/src/data/datatest"
	"github.com/stake-plus/daget/src/logging"
	"github.com/stake-plus/daget/src/notify"
	"github.com/stake-plus/daget/src/types"
)

type fakeMembers struct {
	roles map[string][]string
	err   error
	calls int
}

func (f *fakeMembers) GuildMember(_, userID string, _ ...discordgo.RequestOption) (*discordgo.Member, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	roles, ok := f.roles[userID]
	if !ok {
		return nil, &discordgo.RESTError{
			Response: &http.Response{Status: "404 Not Found"},
			Message:  &discordgo.APIErrorMessage{Code: discordgo.ErrCodeUnknownMember, Message: "Unknown Member"},
		}
	}
	return &discordgo.Member{Roles: roles}, nil
}

func gated(role string) types.Campaign {
	return types.Campaign{DiscordGuildID: "guild-1", DiscordRoleID: role}
}

func TestHasRole(t *testing.T) {
	m := &fakeMembers{roles: map[string][]string{"alice": {"r1", "r2"}}}
	ctx := context.Background()

	ok, err := HasRole(ctx, m, "g", "alice", "r2")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = HasRole(ctx, m, "g", "alice", "r9")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = HasRole(ctx, m, "g", "alice", "")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = HasRole(ctx, m, "g", "mallory", "")
	require.NoError(t, err)
	assert.False(t, ok)

	m.err = errors.New("gateway timeout")
	_, err = HasRole(ctx, m, "g", "alice", "r1")
	assert.Error(t, err)
}

func TestEligibilityCachesAnswers(t *testing.T) {
	rdb, mr := datatest.NewRedis(t)
	m := &fakeMembers{roles: map[string][]string{"alice": {"holder"}}}
	e := NewEligibility(m, rdb, "", time.Minute, logging.Discard())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := e.IsEligible(ctx, "alice", gated("holder"))
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = e.IsEligible(ctx, "bob", gated("holder"))
		require.NoError(t, err)
		assert.False(t, ok)
	}
	assert.Equal(t, 2, m.calls)

	mr.FastForward(2 * time.Minute)
	_, err := e.IsEligible(ctx, "alice", gated("holder"))
	require.NoError(t, err)
	assert.Equal(t, 3, m.calls)
}

func TestEligibilityUngatedAndDefaults(t *testing.T) {
	m := &fakeMembers{roles: map[string][]string{"alice": {"holder"}}}
	ctx := context.Background()

	ok, err := NewEligibility(m, nil, "", 0, nil).IsEligible(ctx, "anyone", types.Campaign{})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, m.calls)

	_, err = NewEligibility(m, nil, "", 0, nil).IsEligible(ctx, "alice", types.Campaign{DiscordRoleID: "holder"})
	assert.ErrorIs(t, err, ErrNoGuild)

	ok, err = NewEligibility(m, nil, "default-guild", 0, nil).IsEligible(ctx, "alice", types.Campaign{DiscordRoleID: "holder"})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEligibilityErrorsAreNotCached(t *testing.T) {
	rdb, _ := datatest.NewRedis(t)
	m := &fakeMembers{err: errors.New("discord down")}
	e := NewEligibility(m, rdb, "", time.Minute, logging.Discard())

	_, err := e.IsEligible(context.Background(), "alice", gated("holder"))
	require.Error(t, err)

	m.err = nil
	m.roles = map[string][]string{"alice": {"holder"}}
	ok, err := e.IsEligible(context.Background(), "alice", gated("holder"))
	require.NoError(t, err)
	assert.True(t, ok)
}

type fakeDM struct {
	opened []string
	embeds []*discordgo.MessageEmbed
	err    error
}

func (f *fakeDM) UserChannelCreate(recipientID string, _ ...discordgo.RequestOption) (*discordgo.Channel, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.opened = append(f.opened, recipientID)
	return &discordgo.Channel{ID: "dm-" + recipientID}, nil
}

func (f *fakeDM) ChannelMessageSendEmbed(_ string, embed *discordgo.MessageEmbed, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.embeds = append(f.embeds, embed)
	return &discordgo.Message{}, nil
}

func TestDMNotifier(t *testing.T) {
	dm := &fakeDM{}
	n := NewDMNotifier(dm)
	ctx := context.Background()

	require.NoError(t, n.Notify(ctx, "alice", notify.ClaimConfirmed, notify.Payload{
		ClaimID: "c1", Campaign: "launch", Amount: "1.50", Token: "native", Signature: "0xabc",
	}))
	require.NoError(t, n.Notify(ctx, "creator", notify.ClaimFailed, notify.Payload{ClaimID: "c2", Reason: "Balances.InsufficientBalance"}))

	assert.Equal(t, []string{"alice", "creator"}, dm.opened)
	require.Len(t, dm.embeds, 2)
	assert.Equal(t, "Claim confirmed", dm.embeds[0].Title)
	assert.Equal(t, "1.50 native", dm.embeds[0].Fields[1].Value)
	assert.Equal(t, "`0xabc`", dm.embeds[0].Fields[3].Value)
	assert.Equal(t, "Claim needs attention", dm.embeds[1].Title)
	assert.Equal(t, "Balances.InsufficientBalance", dm.embeds[1].Fields[len(dm.embeds[1].Fields)-1].Value)

	dm.err = errors.New("cannot send messages to this user")
	assert.Error(t, n.Notify(ctx, "bob", notify.ClaimConfirmed, notify.Payload{}))
}
