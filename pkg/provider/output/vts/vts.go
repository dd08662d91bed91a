// Package vts provides the avatar-control output provider: a WebSocket
// client speaking a VTube-Studio-style JSON API. Intents trigger emotion
// hotkeys and action directives; a lip-sync subscription on the audio channel
// drives the avatar's mouth parameter from PCM loudness while speech plays.
package vts

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/vtuberkit/stagehand/pkg/audio"
	"github.com/vtuberkit/stagehand/pkg/provider"
	"github.com/vtuberkit/stagehand/pkg/provider/output"
	"github.com/vtuberkit/stagehand/pkg/vtuber"
)

// Name is the provider's registry name.
const Name = "vts"

const apiName = "VTubeStudioPublicAPI"

// request is the envelope of every client-to-studio frame.
type request struct {
	APIName     string `json:"apiName"`
	RequestID   string `json:"requestID"`
	MessageType string `json:"messageType"`
	Data        any    `json:"data,omitempty"`
}

type authData struct {
	Token string `json:"authenticationToken"`
}

type hotkeyData struct {
	HotkeyID string `json:"hotkeyID"`
}

type injectParamData struct {
	Mode            string       `json:"mode"`
	ParameterValues []paramValue `json:"parameterValues"`
}

type paramValue struct {
	ID    string  `json:"id"`
	Value float64 `json:"value"`
}

// Provider owns the studio connection and the lip-sync subscription.
type Provider struct {
	url        string
	token      string
	mouthParam string
	mouthGain  float64
	hotkeys    map[string]string // emotion → hotkey id
	timeout    time.Duration
	channel    *audio.StreamChannel

	mu     sync.Mutex
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	subID  string
}

var _ output.Provider = (*Provider)(nil)

// Factory builds the provider from its merged config table. The url key is
// required.
func Factory(cfg map[string]any, pctx provider.Context) (output.Provider, error) {
	opts := provider.Options(cfg)
	url, err := opts.Require(Name, "url")
	if err != nil {
		return nil, err
	}

	hotkeys := make(map[string]string)
	if table, ok := cfg["emotion_hotkeys"].(map[string]any); ok {
		for emotion, id := range table {
			if s, ok := id.(string); ok {
				hotkeys[emotion] = s
			}
		}
	}

	return &Provider{
		url:        url,
		token:      opts.String("auth_token", ""),
		mouthParam: opts.String("mouth_param", "MouthOpen"),
		mouthGain:  opts.Float("mouth_gain", 2.5),
		hotkeys:    hotkeys,
		timeout:    opts.Seconds("render_timeout_seconds", 5*time.Second),
		channel:    pctx.Audio,
	}, nil
}

// Defaults returns the provider's config defaults.
func Defaults() map[string]any {
	return map[string]any{
		"url":                    "",
		"auth_token":             "",
		"mouth_param":            "MouthOpen",
		"mouth_gain":             2.5,
		"render_timeout_seconds": 5,
		"emotion_hotkeys":        map[string]any{},
	}
}

func (p *Provider) Name() string       { return Name }
func (p *Provider) OutputType() string { return "avatar" }

// Start dials the studio, authenticates, and registers the lip-sync
// subscription.
func (p *Provider) Start(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, p.url, nil)
	if err != nil {
		return fmt.Errorf("vts: connect %s: %w", p.url, err)
	}

	p.mu.Lock()
	p.conn = conn
	p.ctx, p.cancel = context.WithCancel(context.WithoutCancel(ctx))
	p.mu.Unlock()

	if p.token != "" {
		if err := p.send(dialCtx, "AuthenticationRequest", authData{Token: p.token}); err != nil {
			p.Cleanup()
			return fmt.Errorf("vts: authenticate: %w", err)
		}
	}

	if p.channel != nil {
		subID, err := p.channel.Subscribe(Name, audio.Callbacks{
			OnChunk: p.onAudioChunk,
			OnEnd:   p.onAudioEnd,
		}, audio.SubscriberConfig{
			QueueSize:            50,
			Backpressure:         audio.DropOldest,
			DegradationThreshold: 0.3,
		})
		if err != nil {
			p.Cleanup()
			return fmt.Errorf("vts: audio subscribe: %w", err)
		}
		p.mu.Lock()
		p.subID = subID
		p.mu.Unlock()
	}
	return nil
}

// Execute triggers the emotion hotkey, then the intent's actions in
// descending priority order.
func (p *Provider) Execute(ctx context.Context, intent vtuber.Intent) error {
	if hotkey, ok := p.hotkeys[string(intent.Emotion)]; ok {
		if err := p.send(ctx, "HotkeyTriggerRequest", hotkeyData{HotkeyID: hotkey}); err != nil {
			return fmt.Errorf("vts: emotion hotkey: %w", err)
		}
	}

	actions := make([]vtuber.IntentAction, len(intent.Actions))
	copy(actions, intent.Actions)
	sort.SliceStable(actions, func(i, j int) bool { return actions[i].Priority > actions[j].Priority })

	for _, action := range actions {
		if err := p.runAction(ctx, action); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

func (p *Provider) runAction(ctx context.Context, action vtuber.IntentAction) error {
	switch action.Type {
	case vtuber.ActionHotkey:
		id, _ := action.Params["id"].(string)
		if id == "" {
			return nil
		}
		return p.send(ctx, "HotkeyTriggerRequest", hotkeyData{HotkeyID: id})

	case vtuber.ActionExpression:
		name, _ := action.Params["name"].(string)
		if name == "" {
			return nil
		}
		return p.send(ctx, "ExpressionActivationRequest", map[string]any{
			"expressionFile": name,
			"active":         true,
		})

	case vtuber.ActionBlink, vtuber.ActionNod, vtuber.ActionShake,
		vtuber.ActionWave, vtuber.ActionClap, vtuber.ActionMotion:
		// Canned motions map onto hotkeys named after the action.
		if hotkey, ok := p.hotkeys[string(action.Type)]; ok {
			return p.send(ctx, "HotkeyTriggerRequest", hotkeyData{HotkeyID: hotkey})
		}
		return nil

	default:
		return nil
	}
}

// onAudioChunk maps chunk loudness to the mouth parameter.
func (p *Provider) onAudioChunk(chunk audio.Chunk) error {
	p.mu.Lock()
	ctx := p.ctx
	p.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return nil
	}

	level := math.Min(1, rms(chunk.Data)*p.mouthGain)
	return p.send(ctx, "InjectParameterDataRequest", injectParamData{
		Mode:            "set",
		ParameterValues: []paramValue{{ID: p.mouthParam, Value: level}},
	})
}

// onAudioEnd closes the mouth after the utterance.
func (p *Provider) onAudioEnd(audio.Metadata) error {
	p.mu.Lock()
	ctx := p.ctx
	p.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return nil
	}
	return p.send(ctx, "InjectParameterDataRequest", injectParamData{
		Mode:            "set",
		ParameterValues: []paramValue{{ID: p.mouthParam, Value: 0}},
	})
}

// rms computes the root-mean-square level of little-endian int16 PCM in [0, 1].
func rms(data []byte) float64 {
	n := len(data) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(data[i*2:])))
		sum += s * s
	}
	return math.Sqrt(sum/float64(n)) / math.MaxInt16
}

// send writes one request frame. Serialized; coder/websocket forbids
// concurrent writers.
func (p *Provider) send(ctx context.Context, messageType string, data any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return fmt.Errorf("vts: not connected")
	}
	frame, err := json.Marshal(request{
		APIName:     apiName,
		RequestID:   uuid.NewString(),
		MessageType: messageType,
		Data:        data,
	})
	if err != nil {
		return err
	}
	return p.conn.Write(ctx, websocket.MessageText, frame)
}

func (p *Provider) RenderTimeout() time.Duration { return p.timeout }

func (p *Provider) Stop() error { return p.Cleanup() }

// Cleanup drops the lip-sync subscription and closes the socket.
func (p *Provider) Cleanup() error {
	p.mu.Lock()
	conn, subID, cancel := p.conn, p.subID, p.cancel
	p.conn, p.subID, p.cancel = nil, "", nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if subID != "" && p.channel != nil {
		p.channel.Unsubscribe(subID)
	}
	if conn != nil {
		if err := conn.Close(websocket.StatusNormalClosure, "shutdown"); err != nil {
			slog.Debug("vts: close", "error", err)
		}
	}
	return nil
}
