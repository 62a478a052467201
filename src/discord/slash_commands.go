package discord

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"
)

const (
	CommandClaim       = "claim"
	CommandClaimStatus = "claim-status"

	optionDaget   = "daget"
	optionAddress = "address"
	optionClaimID = "claim"
)

var commandDefinitions = map[string]*discordgo.ApplicationCommand{
	CommandClaim: {
		Name:        CommandClaim,
		Description: "Claim your share of a daget",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        optionDaget,
				Description: "The daget slug",
				Required:    true,
			},
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        optionAddress,
				Description: "Your receiving address (SS58)",
				Required:    true,
			},
		},
	},
	CommandClaimStatus: {
		Name:        CommandClaimStatus,
		Description: "Show the settlement status of one of your claims",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        optionClaimID,
				Description: "The claim id returned by /claim",
				Required:    true,
			},
		},
	},
}

var defaultCommandOrder = []string{CommandClaim, CommandClaimStatus}

// CommandRegistry is the slice of *discordgo.Session used to manage application commands.
type CommandRegistry interface {
	ApplicationCommandCreate(appID, guildID string, cmd *discordgo.ApplicationCommand, options ...discordgo.RequestOption) (*discordgo.ApplicationCommand, error)
	ApplicationCommands(appID, guildID string, options ...discordgo.RequestOption) ([]*discordgo.ApplicationCommand, error)
	ApplicationCommandDelete(appID, guildID, cmdID string, options ...discordgo.RequestOption) error
}

// RegisterSlashCommands registers the requested commands for a guild, or globally
// when guildID is empty. With no names every known command is registered.
func RegisterSlashCommands(s CommandRegistry, appID, guildID string, log *slog.Logger, names ...string) error {
	if len(names) == 0 {
		names = defaultCommandOrder
	}

	var failures []string
	for _, name := range names {
		definition, ok := commandDefinitions[name]
		if !ok {
			log.Warn("discord: unknown slash command", "command", name)
			continue
		}
		if _, err := s.ApplicationCommandCreate(appID, guildID, definition); err != nil {
			if isDuplicateCommandError(err) {
				log.Debug("discord: slash command already registered", "command", name)
				continue
			}
			failures = append(failures, fmt.Sprintf("%s: %v", name, err))
		}
	}
	if len(failures) > 0 {
		return fmt.Errorf("discord: slash command registration errors: %s", strings.Join(failures, "; "))
	}
	return nil
}

// DeleteSlashCommands removes every command this application registered in guildID.
func DeleteSlashCommands(s CommandRegistry, appID, guildID string) error {
	commands, err := s.ApplicationCommands(appID, guildID)
	if err != nil {
		return err
	}
	for _, cmd := range commands {
		if err := s.ApplicationCommandDelete(appID, guildID, cmd.ID); err != nil {
			return err
		}
	}
	return nil
}

func isDuplicateCommandError(err error) bool {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Message != nil {
		if strings.Contains(strings.ToLower(restErr.Message.Message), "already exists") {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "50035") && strings.Contains(msg, "already exists")
}
