// Package discord posts activities to a Discord channel.
package discord

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/dvloznov/teamledger/internal/domain"
	"github.com/dvloznov/teamledger/internal/notify"
)

// Sender is the part of a discordgo session the transport uses.
type Sender interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// NewSession creates a REST-only bot session. No gateway connection is
// opened; the transport only posts messages.
func NewSession(token string) (*discordgo.Session, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("NewSession: failed to create Discord session: %w", err)
	}
	return session, nil
}

// Transport posts one embed per activity. Discord has no idempotency key,
// so the transport remembers the last delivered activity ids and skips
// repeats within that window.
type Transport struct {
	sender    Sender
	channelID string
	log       zerolog.Logger

	mu     sync.Mutex
	seen   map[string]struct{}
	order  []string
	next   int
	window int
}

// NewTransport creates a Transport remembering up to window activity ids.
func NewTransport(sender Sender, channelID string, window int, log zerolog.Logger) *Transport {
	if window <= 0 {
		window = 1024
	}
	return &Transport{
		sender:    sender,
		channelID: channelID,
		log:       log,
		seen:      make(map[string]struct{}, window),
		order:     make([]string, window),
		window:    window,
	}
}

// Name identifies the transport in logs.
func (t *Transport) Name() string { return "discord" }

// Deliver posts a unless it was delivered recently.
func (t *Transport) Deliver(ctx context.Context, a *domain.Activity) error {
	if t.delivered(a.ID) {
		t.log.Debug().Str("activity_id", a.ID).Msg("Activity already posted to Discord")
		return nil
	}
	msg, err := t.sender.ChannelMessageSendComplex(t.channelID, Message(a), discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("Deliver: posting activity %s: %w", a.ID, err)
	}
	t.remember(a.ID)
	t.log.Info().
		Str("activity_id", a.ID).
		Str("team_id", string(a.TeamID)).
		Str("message_id", msg.ID).
		Msg("Activity posted to Discord")
	return nil
}

func (t *Transport) delivered(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.seen[id]
	return ok
}

// remember records id, evicting the oldest once the window is full.
func (t *Transport) remember(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.seen[id]; ok {
		return
	}
	if old := t.order[t.next]; old != "" {
		delete(t.seen, old)
	}
	t.order[t.next] = id
	t.seen[id] = struct{}{}
	t.next = (t.next + 1) % t.window
}

// Message renders an activity as an embed.
func Message(a *domain.Activity) *discordgo.MessageSend {
	embed := &discordgo.MessageEmbed{
		Title:     notify.Summary(a),
		Color:     color(a.Type),
		Timestamp: a.CreatedAt.UTC().Format(time.RFC3339),
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Team", Value: string(a.TeamID), Inline: true},
			{Name: "Type", Value: string(a.Type), Inline: true},
			{Name: "Source", Value: string(a.Source), Inline: true},
		},
		Footer: &discordgo.MessageEmbedFooter{Text: a.ID},
	}
	if details := notify.Details(a); details != "" {
		embed.Description = "```\n" + details + "\n```"
	}
	return &discordgo.MessageSend{Embeds: []*discordgo.MessageEmbed{embed}}
}

func color(t domain.ActivityType) int {
	switch t {
	case domain.ActivityInboxAutoMatched, domain.ActivityInboxCrossCurrencyMatched,
		domain.ActivityInboxMatchConfirmed, domain.ActivityInvoicePaid:
		return 0x2ecc71
	case domain.ActivityInboxNeedsReview:
		return 0xf1c40f
	case domain.ActivityInvoiceOverdue, domain.ActivityInvoiceCanceled:
		return 0xe74c3c
	}
	return 0x3498db
}
