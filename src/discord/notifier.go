package discord

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/stake-plus/daget/src/notify"
)

const (
	colorConfirmed = 0x2ecc71
	colorFailed    = 0xe74c3c
)

// DirectMessages is the slice of *discordgo.Session used to DM users.
type DirectMessages interface {
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// DMNotifier sends claim events to the recipient as a Discord direct message.
type DMNotifier struct {
	dm DirectMessages
}

func NewDMNotifier(dm DirectMessages) *DMNotifier {
	return &DMNotifier{dm: dm}
}

func (n *DMNotifier) Notify(ctx context.Context, recipient string, event notify.Event, p notify.Payload) error {
	ch, err := n.dm.UserChannelCreate(recipient, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord: open dm with %s: %w", recipient, err)
	}
	if _, err := n.dm.ChannelMessageSendEmbed(ch.ID, buildEmbed(event, p), discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord: send dm to %s: %w", recipient, err)
	}
	return nil
}

func buildEmbed(event notify.Event, p notify.Payload) *discordgo.MessageEmbed {
	amount := p.Amount
	if p.Token != "" {
		amount += " " + p.Token
	}
	fields := []*discordgo.MessageEmbedField{
		{Name: "Daget", Value: orDash(p.Campaign), Inline: true},
		{Name: "Amount", Value: orDash(amount), Inline: true},
		{Name: "Claim", Value: orDash(p.ClaimID)},
	}
	if p.Signature != "" {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Transaction", Value: "`" + p.Signature + "`"})
	}

	embed := &discordgo.MessageEmbed{Fields: fields}
	switch event {
	case notify.ClaimConfirmed:
		embed.Title = "Claim confirmed"
		embed.Description = "Your tokens have been sent."
		embed.Color = colorConfirmed
	case notify.ClaimFailed:
		embed.Title = "Claim needs attention"
		embed.Description = "A claim on your daget failed and was parked for review."
		embed.Color = colorFailed
		if p.Reason != "" {
			embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: "Reason", Value: truncate(p.Reason, 1024)})
		}
	default:
		embed.Title = string(event)
	}
	return embed
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
