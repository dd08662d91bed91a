// Package discord provides an input provider that turns Discord channel
// messages into normalized chat messages. It owns a discordgo.Session and
// listens for MessageCreate gateway events on the configured channels.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/vtuberkit/stagehand/pkg/provider"
	"github.com/vtuberkit/stagehand/pkg/provider/input"
	"github.com/vtuberkit/stagehand/pkg/vtuber"
)

// Name is the provider's registry name.
const Name = "discord_input"

// Provider bridges Discord MessageCreate events to the message stream.
type Provider struct {
	token    string
	channels []string // empty means every channel the bot can read

	session  *discordgo.Session
	out      chan vtuber.NormalizedMessage
	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

var _ input.Provider = (*Provider)(nil)

// Factory builds the provider from its merged config table. The token key is
// required; channel_ids restricts listening to the listed channels.
func Factory(cfg map[string]any, _ provider.Context) (input.Provider, error) {
	opts := provider.Options(cfg)
	token, err := opts.Require(Name, "token")
	if err != nil {
		return nil, err
	}
	return &Provider{token: token, channels: opts.Strings("channel_ids")}, nil
}

// Defaults returns the provider's config defaults.
func Defaults() map[string]any {
	return map[string]any{
		"token":       "",
		"channel_ids": []string{},
	}
}

func (p *Provider) Name() string { return Name }

// Start opens the gateway session and returns the message stream.
func (p *Provider) Start(ctx context.Context) (<-chan vtuber.NormalizedMessage, error) {
	session, err := discordgo.New("Bot " + p.token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentMessageContent

	p.ctx, p.cancel = context.WithCancel(ctx)
	p.out = make(chan vtuber.NormalizedMessage)
	session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		p.onMessage(m)
	})

	if err := session.Open(); err != nil {
		p.cancel()
		return nil, fmt.Errorf("discord: open session: %w", err)
	}
	p.session = session

	// Closer goroutine: the handler never closes the channel itself.
	go func() {
		<-p.ctx.Done()
		close(p.out)
	}()

	return p.out, nil
}

// onMessage filters and forwards one gateway event. Bot-authored messages
// and messages outside the configured channels are dropped.
func (p *Provider) onMessage(m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.Content == "" {
		return
	}
	if len(p.channels) > 0 && !slices.Contains(p.channels, m.ChannelID) {
		return
	}

	nickname := m.Author.Username
	if m.Member != nil && m.Member.Nick != "" {
		nickname = m.Member.Nick
	}
	msg := vtuber.NormalizedMessage{
		Text:       m.Content,
		Source:     Name,
		DataType:   vtuber.DataTypeText,
		Importance: 0.5,
		Timestamp:  time.Now(),
		Metadata: map[string]string{
			"user_id":       m.Author.ID,
			"user_nickname": nickname,
			"channel_id":    m.ChannelID,
		},
	}

	select {
	case p.out <- msg:
	case <-p.ctx.Done():
	}
}

// Stop closes the gateway session and the stream.
func (p *Provider) Stop() error {
	var err error
	p.stopOnce.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
		err = p.Cleanup()
	})
	return err
}

// Cleanup closes the discordgo session.
func (p *Provider) Cleanup() error {
	if p.session == nil {
		return nil
	}
	if err := p.session.Close(); err != nil {
		slog.Warn("discord: session close failed", "error", err)
		return err
	}
	p.session = nil
	return nil
}
