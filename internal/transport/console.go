package transport

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/awalczyk/anima-agent/internal/config"
	"github.com/awalczyk/anima-agent/internal/statefile"
)

// Console exchanges messages through two JSON files: an inbox the user
// (or a helper script) appends to, and an outbox the agent appends to.
// Poll returns inbox entries newer than a per-process watermark, so a
// restart does not replay history.
type Console struct {
	inboxFile  string
	outboxFile string
	watermark  int64

	*userSet
	logger *slog.Logger
	now    func() time.Time
}

// outboxEntry is one reply in the outbox file.
type outboxEntry struct {
	Recipient string `json:"recipient"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// NewConsole creates the console transport. The watermark starts at
// construction time.
func NewConsole(cfg config.ConsoleConfig, logger *slog.Logger) *Console {
	c := &Console{
		inboxFile:  cfg.InboxFile,
		outboxFile: cfg.OutboxFile,
		userSet:    newUserSet(),
		logger:     logger,
		now:        time.Now,
	}
	c.watermark = c.now().Unix() - 1
	return c
}

// Poll reads the inbox file and returns entries past the watermark.
// A missing inbox file is an empty poll, not an error.
func (c *Console) Poll(_ context.Context) ([]Message, error) {
	var entries []Message
	if err := statefile.Load(c.inboxFile, &entries); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read console inbox: %w", err)
	}

	var fresh []Message
	for _, m := range entries {
		if m.Timestamp <= c.watermark {
			continue
		}
		if m.Content == "" {
			continue
		}
		if m.Sender == "" {
			m.Sender = "console"
		}
		c.add(m.Sender)
		fresh = append(fresh, m)
		if m.Timestamp > c.watermark {
			c.watermark = m.Timestamp
		}
	}
	return fresh, nil
}

// Send appends the reply to the outbox file.
func (c *Console) Send(_ context.Context, recipient, text string) error {
	var entries []outboxEntry
	if err := statefile.Load(c.outboxFile, &entries); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("read console outbox: %w", err)
	}
	entries = append(entries, outboxEntry{
		Recipient: recipient,
		Text:      text,
		Timestamp: c.now().Unix(),
	})
	if err := statefile.Save(c.outboxFile, entries); err != nil {
		return fmt.Errorf("write console outbox: %w", err)
	}
	return nil
}

// Close is a no-op; the outbox is flushed on every send.
func (c *Console) Close() error { return nil }

var _ Transport = (*Console)(nil)
