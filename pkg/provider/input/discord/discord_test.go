package discord

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/vtuberkit/stagehand/pkg/provider"
	"github.com/vtuberkit/stagehand/pkg/vtuber"
)

// newStarted returns a provider with the stream wired up but no live
// session, so tests can drive onMessage directly.
func newStarted(t *testing.T, channels []string) (*Provider, <-chan vtuber.NormalizedMessage) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	p := &Provider{
		token:    "x",
		channels: channels,
		out:      make(chan vtuber.NormalizedMessage, 8),
		ctx:      ctx,
		cancel:   cancel,
	}
	t.Cleanup(cancel)
	return p, p.out
}

func msgEvent(author, nickname, channel, content string, bot bool) *discordgo.MessageCreate {
	m := &discordgo.MessageCreate{Message: &discordgo.Message{
		Content:   content,
		ChannelID: channel,
		Author:    &discordgo.User{ID: author, Username: nickname, Bot: bot},
	}}
	return m
}

func TestForwardsChannelMessages(t *testing.T) {
	p, ch := newStarted(t, nil)

	p.onMessage(msgEvent("u1", "ann", "c1", "hello there", false))

	select {
	case msg := <-ch:
		if !msg.Valid() || msg.Text != "hello there" || msg.UserID() != "u1" {
			t.Fatalf("message = %+v", msg)
		}
		if msg.DataType != vtuber.DataTypeText || msg.Metadata["user_nickname"] != "ann" {
			t.Fatalf("message = %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("no message forwarded")
	}
}

func TestDropsBotsAndForeignChannels(t *testing.T) {
	p, ch := newStarted(t, []string{"allowed"})

	p.onMessage(msgEvent("u1", "bot", "allowed", "beep", true))
	p.onMessage(msgEvent("u2", "ann", "other", "wrong room", false))
	p.onMessage(msgEvent("u3", "cyd", "allowed", "", false))
	p.onMessage(msgEvent("u4", "dee", "allowed", "this one counts", false))

	msg := <-ch
	if msg.Text != "this one counts" {
		t.Fatalf("forwarded = %+v", msg)
	}
	select {
	case extra := <-ch:
		t.Fatalf("unexpected extra message: %+v", extra)
	default:
	}
}

func TestMemberNickWins(t *testing.T) {
	p, ch := newStarted(t, nil)

	ev := msgEvent("u1", "ann", "c1", "hi", false)
	ev.Member = &discordgo.Member{Nick: "Annie"}
	p.onMessage(ev)

	if msg := <-ch; msg.Metadata["user_nickname"] != "Annie" {
		t.Fatalf("nickname = %q, want member nick", msg.Metadata["user_nickname"])
	}
}

func TestFactoryRequiresToken(t *testing.T) {
	if _, err := Factory(map[string]any{}, provider.Context{}); err == nil {
		t.Fatal("missing token must fail")
	}
	p, err := Factory(map[string]any{"token": "abc", "channel_ids": []any{"c1", "c2"}}, provider.Context{})
	if err != nil {
		t.Fatalf("Factory: %v", err)
	}
	if got := p.(*Provider).channels; len(got) != 2 || got[0] != "c1" {
		t.Fatalf("channels = %v", got)
	}
}
