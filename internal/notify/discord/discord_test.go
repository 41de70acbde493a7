package discord

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/dvloznov/teamledger/internal/domain"
)

type fakeSender struct {
	sent []*discordgo.MessageSend
	err  error
}

func (f *fakeSender) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, data)
	return &discordgo.Message{ID: fmt.Sprintf("msg-%d", len(f.sent)), ChannelID: channelID}, nil
}

func activity(id string) *domain.Activity {
	return &domain.Activity{
		ID:        id,
		TeamID:    "team-a",
		Type:      domain.ActivityInboxNeedsReview,
		Source:    domain.ActivitySourceSystem,
		Metadata:  map[string]any{"inbox_id": "in-1", "display_name": "Blue Bottle", "suggestions": 2},
		CreatedAt: time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC),
	}
}

func TestDeliverSkipsRecentDuplicates(t *testing.T) {
	sender := &fakeSender{}
	tr := NewTransport(sender, "chan-1", 2, zerolog.Nop())
	ctx := context.Background()

	for _, id := range []string{"a", "a", "b", "a"} {
		if err := tr.Deliver(ctx, activity(id)); err != nil {
			t.Fatalf("Deliver(%s): %v", id, err)
		}
	}
	if len(sender.sent) != 2 {
		t.Fatalf("sent = %d, want 2", len(sender.sent))
	}

	// "c" evicts "a" from a window of two.
	_ = tr.Deliver(ctx, activity("c"))
	_ = tr.Deliver(ctx, activity("a"))
	if len(sender.sent) != 4 {
		t.Errorf("sent = %d, want 4 after eviction", len(sender.sent))
	}
}

func TestDeliverFailureIsRetryable(t *testing.T) {
	sender := &fakeSender{err: errors.New("429 too many requests")}
	tr := NewTransport(sender, "chan-1", 8, zerolog.Nop())

	if err := tr.Deliver(context.Background(), activity("a")); err == nil {
		t.Fatal("expected an error")
	}
	sender.err = nil
	if err := tr.Deliver(context.Background(), activity("a")); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Errorf("sent = %d, want 1", len(sender.sent))
	}
}

func TestMessage(t *testing.T) {
	msg := Message(activity("act-9"))
	if len(msg.Embeds) != 1 {
		t.Fatalf("embeds = %d", len(msg.Embeds))
	}
	e := msg.Embeds[0]
	if e.Title != `Inbox item "Blue Bottle" has 2 suggestion(s) to review` {
		t.Errorf("title = %q", e.Title)
	}
	if e.Footer.Text != "act-9" || e.Color != 0xf1c40f {
		t.Errorf("footer/color = %q %x", e.Footer.Text, e.Color)
	}
	if !strings.Contains(e.Description, "inbox_id=in-1") {
		t.Errorf("description = %q", e.Description)
	}
	if e.Timestamp != "2024-01-10T09:00:00Z" {
		t.Errorf("timestamp = %q", e.Timestamp)
	}
}
