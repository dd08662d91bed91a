// Package console provides a line-oriented input provider reading from an
// io.Reader (stdin by default). Intended for local testing of the full
// message-to-render pipeline without a live chat connection.
package console

import (
	"bufio"
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/vtuberkit/stagehand/pkg/provider"
	"github.com/vtuberkit/stagehand/pkg/provider/input"
	"github.com/vtuberkit/stagehand/pkg/vtuber"
)

// Name is the provider's registry name.
const Name = "console_input"

// Provider reads lines and emits them as text messages attributed to a
// single synthetic user.
type Provider struct {
	reader     *bufio.Scanner
	userID     string
	nickname   string
	importance float64

	stopOnce sync.Once
	stop     chan struct{}
}

var _ input.Provider = (*Provider)(nil)

// Factory builds the provider from its merged config table.
func Factory(cfg map[string]any, _ provider.Context) (input.Provider, error) {
	opts := provider.Options(cfg)
	return &Provider{
		reader:     bufio.NewScanner(os.Stdin),
		userID:     opts.String("user_id", "console"),
		nickname:   opts.String("nickname", "Console"),
		importance: opts.Float("importance", 0.5),
		stop:       make(chan struct{}),
	}, nil
}

// Defaults returns the provider's config defaults.
func Defaults() map[string]any {
	return map[string]any{
		"user_id":    "console",
		"nickname":   "Console",
		"importance": 0.5,
	}
}

// newWithReader is the test seam: a provider reading from r instead of stdin.
func newWithReader(r *bufio.Scanner, userID string, importance float64) *Provider {
	return &Provider{
		reader:     r,
		userID:     userID,
		nickname:   userID,
		importance: importance,
		stop:       make(chan struct{}),
	}
}

func (p *Provider) Name() string { return Name }

// Start spawns the reader goroutine. The returned channel closes on EOF,
// Stop, or ctx cancellation. Blank lines are skipped.
func (p *Provider) Start(ctx context.Context) (<-chan vtuber.NormalizedMessage, error) {
	out := make(chan vtuber.NormalizedMessage)

	go func() {
		defer close(out)
		for p.reader.Scan() {
			text := strings.TrimSpace(p.reader.Text())
			if text == "" {
				continue
			}
			msg := vtuber.NormalizedMessage{
				Text:       text,
				Source:     Name,
				DataType:   vtuber.DataTypeText,
				Importance: p.importance,
				Timestamp:  time.Now(),
				Metadata: map[string]string{
					"user_id":       p.userID,
					"user_nickname": p.nickname,
				},
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			case <-p.stop:
				return
			}
		}
		if err := p.reader.Err(); err != nil {
			slog.Warn("console: read failed", "error", err)
		}
	}()

	return out, nil
}

// Stop ends the stream. The blocked Scan (if any) finishes on the next line
// or EOF; the goroutine then observes the stop signal and exits.
func (p *Provider) Stop() error {
	p.stopOnce.Do(func() { close(p.stop) })
	return p.Cleanup()
}

func (p *Provider) Cleanup() error { return nil }
