// Package voice provides the speech output provider. A pluggable
// [Synthesizer] turns the intent's response text into PCM chunks; the
// provider is the single publisher on the audio stream channel for the
// duration of each utterance (start, chunks, end).
package voice

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/vtuberkit/stagehand/pkg/audio"
	"github.com/vtuberkit/stagehand/pkg/provider"
	"github.com/vtuberkit/stagehand/pkg/provider/output"
	"github.com/vtuberkit/stagehand/pkg/vtuber"
)

// Name is the provider's registry name.
const Name = "voice"

// Synthesizer turns text into a stream of PCM chunks. The channel must be
// closed when synthesis finishes or fails; chunks carry sequence numbers
// starting at 1.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (audio.Metadata, <-chan audio.Chunk, error)
}

// Provider speaks intents through the audio channel.
type Provider struct {
	synth   Synthesizer
	channel *audio.StreamChannel
	timeout time.Duration

	// publishMu serializes utterances: one publisher at a time keeps
	// subscriber sequences monotonic.
	publishMu sync.Mutex
}

var _ output.Provider = (*Provider)(nil)

// Factory builds the provider with the built-in synthesizer. Deployments
// with a real TTS engine swap it via [New].
func Factory(cfg map[string]any, pctx provider.Context) (output.Provider, error) {
	opts := provider.Options(cfg)
	synth := &toneSynthesizer{
		sampleRate: opts.Int("sample_rate", 24000),
		perRune:    opts.Seconds("seconds_per_rune", 60*time.Millisecond),
		chunkMS:    opts.Int("chunk_ms", 20),
	}
	return New(synth, pctx.Audio, opts.Seconds("render_timeout_seconds", 30*time.Second))
}

// New builds the provider around an explicit synthesizer.
func New(synth Synthesizer, channel *audio.StreamChannel, timeout time.Duration) (*Provider, error) {
	if synth == nil {
		return nil, fmt.Errorf("voice: synthesizer is required")
	}
	if channel == nil {
		return nil, fmt.Errorf("voice: audio channel is required")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Provider{synth: synth, channel: channel, timeout: timeout}, nil
}

// Defaults returns the provider's config defaults.
func Defaults() map[string]any {
	return map[string]any{
		"sample_rate":            24000,
		"seconds_per_rune":       0.06,
		"chunk_ms":               20,
		"render_timeout_seconds": 30,
	}
}

func (p *Provider) Name() string       { return Name }
func (p *Provider) OutputType() string { return "speech" }

func (p *Provider) Start(context.Context) error { return nil }

// Execute synthesizes the response text and publishes the utterance. Chunk
// drops are subscriber business (their backpressure strategy); only channel
// failures abort the render.
func (p *Provider) Execute(ctx context.Context, intent vtuber.Intent) error {
	if intent.ResponseText == "" {
		return nil
	}

	meta, chunks, err := p.synth.Synthesize(ctx, intent.ResponseText)
	if err != nil {
		return fmt.Errorf("voice: synthesize: %w", err)
	}

	p.publishMu.Lock()
	defer p.publishMu.Unlock()

	if err := p.channel.NotifyStart(meta); err != nil {
		go audio.Drain(chunks)
		return fmt.Errorf("voice: utterance start: %w", err)
	}
	defer func() {
		meta.Timestamp = time.Now()
		if err := p.channel.NotifyEnd(meta); err != nil {
			slog.Warn("voice: utterance end notify failed", "error", err)
		}
	}()

	var dropped int
	for chunk := range chunks {
		if ctx.Err() != nil {
			go audio.Drain(chunks)
			return ctx.Err()
		}
		res, err := p.channel.Publish(ctx, chunk)
		if err != nil {
			go audio.Drain(chunks)
			return fmt.Errorf("voice: publish chunk %d: %w", chunk.Sequence, err)
		}
		dropped += res.DropCount
	}
	if dropped > 0 {
		slog.Debug("voice: utterance finished with drops", "dropped_chunks", dropped)
	}
	return nil
}

func (p *Provider) RenderTimeout() time.Duration { return p.timeout }

func (p *Provider) Stop() error { return p.Cleanup() }

func (p *Provider) Cleanup() error { return nil }

// ── built-in synthesizer ──────────────────────────────────────────────────────

// toneSynthesizer produces silent PCM paced to the text length. It stands in
// for a real TTS engine so the full audio path (channel, lip-sync, timing)
// works out of the box.
type toneSynthesizer struct {
	sampleRate int
	perRune    time.Duration
	chunkMS    int
}

func (s *toneSynthesizer) Synthesize(ctx context.Context, text string) (audio.Metadata, <-chan audio.Chunk, error) {
	sampleRate := s.sampleRate
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	chunkMS := s.chunkMS
	if chunkMS <= 0 {
		chunkMS = 20
	}

	total := time.Duration(utf8.RuneCountInString(text)) * s.perRune
	if total <= 0 {
		total = 200 * time.Millisecond
	}
	chunkDur := time.Duration(chunkMS) * time.Millisecond
	count := int(total / chunkDur)
	if count < 1 {
		count = 1
	}
	samplesPerChunk := sampleRate * chunkMS / 1000

	meta := audio.Metadata{
		Text:       text,
		SampleRate: sampleRate,
		Channels:   1,
		Timestamp:  time.Now(),
	}

	out := make(chan audio.Chunk)
	go func() {
		defer close(out)
		for seq := 1; seq <= count; seq++ {
			chunk := audio.Chunk{
				Data:       make([]byte, samplesPerChunk*2),
				SampleRate: sampleRate,
				Channels:   1,
				Sequence:   int64(seq),
				Timestamp:  time.Now(),
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return meta, out, nil
}
