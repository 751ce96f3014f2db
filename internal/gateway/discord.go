package gateway

import (
	"fmt"
	"log"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/kavitha/snapseat/internal/observability"
)

type DiscordGateway struct {
	Session *discordgo.Session
}

func NewDiscordGateway(token string) (*DiscordGateway, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages

	return &DiscordGateway{Session: session}, nil
}

func (dg *DiscordGateway) Start() error {
	dg.Session.AddHandler(dg.onMessage)

	if err := dg.Session.Open(); err != nil {
		return err
	}

	log.Printf("Authorized on Discord account %s", dg.Session.State.User.Username)
	return nil
}

func (dg *DiscordGateway) onMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author.ID == s.State.User.ID {
		return
	}

	var response string
	switch m.Content {
	case "!id":
		response = fmt.Sprintf("This channel ID is `%s`", m.ChannelID)
	case "!status":
		phase, plan, lastHB := observability.GetStatus()
		if plan == "" {
			plan = "none"
		}
		response = fmt.Sprintf("Phase: **%s**\nActive plan: %s\nLast heartbeat: %s ago",
			phase, plan, time.Since(lastHB).Round(time.Second))
	default:
		return
	}

	if _, err := s.ChannelMessageSend(m.ChannelID, response); err != nil {
		log.Printf("Discord reply failed: %v", err)
	}
}

func (dg *DiscordGateway) Send(chatID string, text string) error {
	_, err := dg.Session.ChannelMessageSend(chatID, text)
	return err
}

func (dg *DiscordGateway) Stop() error {
	return dg.Session.Close()
}
