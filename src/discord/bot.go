package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/stake-plus/daget/src/claims"
	"github.com/stake-plus/daget/src/custody"
	"github.com/stake-plus/daget/src/idempotency"
	"github.com/stake-plus/daget/src/reservation"
	"github.com/stake-plus/daget/src/types"
)

const commandTimeout = 15 * time.Second

// Reserver takes a campaign slot for a claimant.
type Reserver interface {
	Reserve(ctx context.Context, req reservation.Request) (reservation.Result, error)
}

// ClaimReader looks up a claim.
type ClaimReader interface {
	Status(ctx context.Context, id string) (claims.StatusView, error)
}

// Commands answers the claim slash commands. It holds no Discord state so replies can
// be tested without a gateway.
type Commands struct {
	reserver Reserver
	claims   ClaimReader
	log      *slog.Logger
}

func NewCommands(r Reserver, c ClaimReader, log *slog.Logger) *Commands {
	if log == nil {
		log = slog.Default()
	}
	return &Commands{reserver: r, claims: c, log: log}
}

// Reply runs one command for userID and returns the ephemeral reply. The interaction
// id doubles as the idempotency key, so a redelivered interaction replays its answer.
func (c *Commands) Reply(ctx context.Context, userID, interactionID string, data discordgo.ApplicationCommandInteractionData) string {
	opts := map[string]string{}
	for _, o := range data.Options {
		if o.Type == discordgo.ApplicationCommandOptionString {
			opts[o.Name] = strings.TrimSpace(o.StringValue())
		}
	}
	switch data.Name {
	case CommandClaim:
		return c.claim(ctx, userID, interactionID, opts[optionDaget], opts[optionAddress])
	case CommandClaimStatus:
		return c.status(ctx, userID, opts[optionClaimID])
	default:
		return "Unknown command."
	}
}

func (c *Commands) claim(ctx context.Context, userID, interactionID, slug, address string) string {
	if _, _, err := custody.DecodeSS58(address); err != nil {
		return "That is not a valid SS58 address."
	}
	res, err := c.reserver.Reserve(ctx, reservation.Request{
		Slug:           slug,
		ClaimantID:     userID,
		Address:        address,
		IdempotencyKey: "discord:" + interactionID,
	})
	if err == nil {
		return fmt.Sprintf("Reserved %d units for you. Claim id: `%s`\nThe transfer is sent in the background; use `/%s` to follow it.",
			res.Amount, res.ClaimID, CommandClaimStatus)
	}

	if re, ok := reservation.AsReject(err); ok {
		switch re.Reason {
		case reservation.ReasonAlreadyClaimed:
			if re.ClaimID != "" {
				return fmt.Sprintf("You already claimed this daget (claim `%s`).", re.ClaimID)
			}
			return "You already claimed this daget."
		case reservation.ReasonAddressAlreadyUsed:
			return "That address already received a claim from this daget."
		case reservation.ReasonCampaignNotActive:
			return "This daget is not active."
		case reservation.ReasonFullyClaimed:
			return "This daget has been fully claimed."
		case reservation.ReasonNotEligible:
			return "You don't have the role required for this daget."
		}
	}
	if errors.Is(err, idempotency.ErrInFlight) {
		return "Your claim is already being processed."
	}
	if errors.Is(err, reservation.ErrInvalidRequest) {
		return "Both the daget and the address are required."
	}
	c.log.Error("discord: claim command failed", "daget", slug, "user", userID, "err", err)
	return "Something went wrong, please try again later."
}

func (c *Commands) status(ctx context.Context, userID, claimID string) string {
	view, err := c.claims.Status(ctx, claimID)
	if errors.Is(err, claims.ErrClaimNotFound) || (err == nil && view.ClaimantID != userID) {
		return "No claim with that id."
	}
	if err != nil {
		c.log.Error("discord: status command failed", "claim", claimID, "user", userID, "err", err)
		return "Something went wrong, please try again later."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Claim `%s`: **%s**, %d units", view.ClaimID, view.Status, view.Amount)
	if view.TxSignature != "" {
		fmt.Fprintf(&b, "\nTransaction: `%s`", view.TxSignature)
	}
	if view.Status == types.ClaimFailedPermanent {
		b.WriteString("\nSettlement failed; the daget creator has been notified.")
	}
	return b.String()
}

// Bot serves the claim slash commands over the Discord gateway.
type Bot struct {
	session *discordgo.Session
	guildID string
	cmds    *Commands
	log     *slog.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewBot registers commands in guildID, or globally when it is empty.
func NewBot(token, guildID string, cmds *Commands, log *slog.Logger) (*Bot, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds
	if log == nil {
		log = slog.Default()
	}
	b := &Bot{session: session, guildID: guildID, cmds: cmds, log: log}
	session.AddHandler(b.onReady)
	session.AddHandler(b.onInteractionCreate)
	return b, nil
}

func (b *Bot) Name() string { return "discord-bot" }

func (b *Bot) Start(ctx context.Context) error {
	b.mu.Lock()
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.mu.Unlock()
	if err := b.session.Open(); err != nil {
		b.cancel()
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	return nil
}

func (b *Bot) Stop(context.Context) {
	b.mu.Lock()
	if b.cancel != nil {
		b.cancel()
	}
	b.mu.Unlock()
	if err := b.session.Close(); err != nil {
		b.log.Warn("discord: close gateway", "err", err)
	}
}

func (b *Bot) onReady(s *discordgo.Session, r *discordgo.Ready) {
	b.log.Info("discord: bot connected", "user", r.User.Username)
	if err := RegisterSlashCommands(s, r.User.ID, b.guildID, b.log); err != nil {
		b.log.Error("discord: register slash commands", "err", err)
	}
}

func (b *Bot) runtimeContext() context.Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctx == nil {
		return context.Background()
	}
	return b.ctx
}

func (b *Bot) onInteractionCreate(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	data := i.ApplicationCommandData()
	if _, ok := commandDefinitions[data.Name]; !ok {
		return
	}
	userID := interactionUser(i.Interaction)
	if userID == "" {
		return
	}

	if err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Flags: discordgo.MessageFlagsEphemeral},
	}); err != nil {
		b.log.Warn("discord: acknowledge interaction", "command", data.Name, "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(b.runtimeContext(), commandTimeout)
	defer cancel()
	reply := b.cmds.Reply(ctx, userID, i.ID, data)
	if _, err := s.InteractionResponseEdit(i.Interaction, &discordgo.WebhookEdit{Content: &reply}); err != nil {
		b.log.Warn("discord: edit interaction reply", "command", data.Name, "err", err)
	}
}

func interactionUser(i *discordgo.Interaction) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}
