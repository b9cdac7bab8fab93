// Package transport defines the uniform chat-transport interface and
// its adapters: console (JSON file exchange), signal (signal-cli
// wrapper), telegram (Bot API long polling), and mqtt (broker
// pub/sub). The platform is selected by name at startup.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/awalczyk/anima-agent/internal/config"
)

// Message is one inbound chat message.
type Message struct {
	Sender    string            `json:"sender"`
	Content   string            `json:"content"`
	Timestamp int64             `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Transport is the uniform adapter contract. Poll returns only
// messages not previously returned.
type Transport interface {
	Poll(ctx context.Context) ([]Message, error)
	Send(ctx context.Context, recipient, text string) error
	Close() error

	// ActiveUsers lists senders seen since startup; initiations go to
	// them.
	ActiveUsers() []string
}

// New selects and constructs the configured transport.
func New(ctx context.Context, cfg config.TransportConfig, logger *slog.Logger) (Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Platform {
	case "console":
		return NewConsole(cfg.Console, logger), nil
	case "signal":
		return NewSignal(cfg.Signal, logger)
	case "telegram":
		return NewTelegram(cfg.Telegram, logger)
	case "mqtt":
		return NewMQTT(ctx, cfg.MQTT, logger)
	default:
		return nil, fmt.Errorf("unknown transport platform %q", cfg.Platform)
	}
}

// userSet is the shared seen-senders tracker; adapters embed it.
type userSet struct {
	mu    sync.Mutex
	users map[string]struct{}
}

func newUserSet() *userSet {
	return &userSet{users: make(map[string]struct{})}
}

func (s *userSet) add(user string) {
	if user == "" {
		return
	}
	s.mu.Lock()
	s.users[user] = struct{}{}
	s.mu.Unlock()
}

// ActiveUsers returns the seen senders in stable order.
func (s *userSet) ActiveUsers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.users))
	for u := range s.users {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}
