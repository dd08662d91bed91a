// Package danmaku provides a live-chat input provider speaking a JSON
// WebSocket protocol: the client joins a room, then receives one JSON frame
// per chat event (message, gift, super chat, follow). Reconnects with
// exponential backoff when the socket drops.
package danmaku

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/vtuberkit/stagehand/internal/resilience"
	"github.com/vtuberkit/stagehand/pkg/provider"
	"github.com/vtuberkit/stagehand/pkg/provider/input"
	"github.com/vtuberkit/stagehand/pkg/vtuber"
)

// Name is the provider's registry name.
const Name = "danmaku_input"

// frame is one chat event received from the danmaku gateway.
type frame struct {
	Op       string  `json:"op"` // "chat", "gift", "super_chat", "follow"
	UID      string  `json:"uid"`
	Nickname string  `json:"nickname"`
	Text     string  `json:"text"`
	GiftName string  `json:"gift_name,omitempty"`
	GiftNum  int     `json:"gift_num,omitempty"`
	Price    float64 `json:"price,omitempty"`
}

// joinRequest is the first frame the client sends after dialing.
type joinRequest struct {
	Op     string `json:"op"`
	RoomID string `json:"room_id"`
}

// Provider maintains the gateway connection and translates frames into
// normalized messages.
type Provider struct {
	url    string
	roomID string

	cancel   context.CancelFunc
	stopOnce sync.Once
	done     chan struct{}
}

var _ input.Provider = (*Provider)(nil)

// Factory builds the provider from its merged config table. The url and
// room_id keys are required.
func Factory(cfg map[string]any, _ provider.Context) (input.Provider, error) {
	opts := provider.Options(cfg)
	url, err := opts.Require(Name, "url")
	if err != nil {
		return nil, err
	}
	roomID, err := opts.Require(Name, "room_id")
	if err != nil {
		return nil, err
	}
	return &Provider{url: url, roomID: roomID, done: make(chan struct{})}, nil
}

// Defaults returns the provider's config defaults.
func Defaults() map[string]any {
	return map[string]any{
		"url":     "",
		"room_id": "",
	}
}

func (p *Provider) Name() string { return Name }

// Start dials the gateway, joins the room, and spawns the read loop. The
// first dial must succeed; later disconnects reconnect with backoff inside
// the loop.
func (p *Provider) Start(ctx context.Context) (<-chan vtuber.NormalizedMessage, error) {
	ctx, cancel := context.WithCancel(ctx)

	conn, err := p.connect(ctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("danmaku: connect %s: %w", p.url, err)
	}
	p.cancel = cancel

	out := make(chan vtuber.NormalizedMessage)
	go p.run(ctx, conn, out)
	return out, nil
}

// connect dials and joins the configured room.
func (p *Provider) connect(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, p.url, nil)
	if err != nil {
		return nil, err
	}

	join, _ := json.Marshal(joinRequest{Op: "join", RoomID: p.roomID})
	if err := conn.Write(dialCtx, websocket.MessageText, join); err != nil {
		conn.Close(websocket.StatusInternalError, "join failed")
		return nil, fmt.Errorf("send join: %w", err)
	}
	return conn, nil
}

// run reads frames until ctx ends, reconnecting on socket errors.
func (p *Provider) run(ctx context.Context, conn *websocket.Conn, out chan<- vtuber.NormalizedMessage) {
	defer close(p.done)
	defer close(out)

	for {
		err := p.readLoop(ctx, conn, out)
		conn.Close(websocket.StatusNormalClosure, "done")
		if ctx.Err() != nil {
			return
		}
		slog.Warn("danmaku: connection lost, reconnecting", "room_id", p.roomID, "error", err)

		conn, err = resilience.RetryValue(ctx, resilience.RetryConfig{
			MaxAttempts:    5,
			InitialBackoff: time.Second,
			MaxBackoff:     30 * time.Second,
		}, func(int) (*websocket.Conn, error) {
			return p.connect(ctx)
		})
		if err != nil {
			slog.Error("danmaku: reconnect failed, giving up", "room_id", p.roomID, "error", err)
			return
		}
	}
}

func (p *Provider) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- vtuber.NormalizedMessage) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			slog.Warn("danmaku: malformed frame discarded", "error", err)
			continue
		}
		msg, ok := normalize(f)
		if !ok {
			continue
		}
		select {
		case out <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// normalize maps one gateway frame to a message. Unknown ops and empty chat
// lines are dropped.
func normalize(f frame) (vtuber.NormalizedMessage, bool) {
	meta := map[string]string{
		"user_id":       f.UID,
		"user_nickname": f.Nickname,
	}
	msg := vtuber.NormalizedMessage{
		Source:    Name,
		Timestamp: time.Now(),
		Metadata:  meta,
	}

	switch f.Op {
	case "chat":
		if f.Text == "" {
			return vtuber.NormalizedMessage{}, false
		}
		msg.Text = f.Text
		msg.DataType = vtuber.DataTypeText
		msg.Importance = 0.5

	case "gift":
		msg.Text = fmt.Sprintf("%s sent %d x %s", f.Nickname, f.GiftNum, f.GiftName)
		msg.DataType = vtuber.DataTypeGift
		msg.Importance = 0.8
		meta["gift_name"] = f.GiftName
		meta["gift_num"] = strconv.Itoa(f.GiftNum)

	case "super_chat":
		msg.Text = fmt.Sprintf("%s sent a super chat (%.2f): %s", f.Nickname, f.Price, f.Text)
		msg.DataType = vtuber.DataTypeSuperChat
		msg.Importance = 1.0

	case "follow":
		msg.Text = fmt.Sprintf("%s just followed the stream", f.Nickname)
		msg.DataType = vtuber.DataTypeFollow
		msg.Importance = 0.6

	default:
		return vtuber.NormalizedMessage{}, false
	}
	return msg, true
}

// Stop cancels the read loop and waits for the stream to close.
func (p *Provider) Stop() error {
	p.stopOnce.Do(func() {
		if p.cancel != nil {
			p.cancel()
			<-p.done
		}
	})
	return p.Cleanup()
}

func (p *Provider) Cleanup() error { return nil }
