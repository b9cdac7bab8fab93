package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/awalczyk/anima-agent/internal/config"
)

// commandRunner executes an external command and returns its stdout.
// Indirection keeps the adapter testable without signal-cli installed.
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stdout bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return stdout.Bytes(), err
	}
	return stdout.Bytes(), nil
}

// Signal wraps the signal-cli command-line tool. Poll parses one JSON
// envelope per line from the receive output and filters by a
// monotonically increasing millisecond-timestamp watermark.
type Signal struct {
	cliPath string
	account string

	watermarkMs int64

	*userSet
	run    commandRunner
	logger *slog.Logger
}

// signalEnvelope is the per-line receive payload. Entries without
// dataMessage.message (receipts, typing indicators) are skipped.
type signalEnvelope struct {
	Envelope struct {
		Source      string `json:"source"`
		Timestamp   int64  `json:"timestamp"` // milliseconds
		DataMessage *struct {
			Message   string `json:"message"`
			Timestamp int64  `json:"timestamp"`
		} `json:"dataMessage"`
	} `json:"envelope"`
}

// NewSignal creates the signal transport.
func NewSignal(cfg config.SignalConfig, logger *slog.Logger) (*Signal, error) {
	if cfg.Account == "" {
		return nil, fmt.Errorf("signal transport requires an account")
	}
	cli := cfg.CLIPath
	if cli == "" {
		cli = "signal-cli"
	}
	return &Signal{
		cliPath:     cli,
		account:     cfg.Account,
		watermarkMs: time.Now().UnixMilli(),
		userSet:     newUserSet(),
		run:         execRunner,
		logger:      logger,
	}, nil
}

// Poll invokes signal-cli receive and parses fresh messages.
func (s *Signal) Poll(ctx context.Context) ([]Message, error) {
	out, err := s.run(ctx, s.cliPath, "-a", s.account, "receive", "--json", "-t", "2")
	if err != nil {
		return nil, fmt.Errorf("signal-cli receive: %w", err)
	}

	var fresh []Message
	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var env signalEnvelope
		if err := json.Unmarshal(line, &env); err != nil {
			s.logger.Warn("signal envelope unparseable", "error", err)
			continue
		}
		dm := env.Envelope.DataMessage
		if dm == nil || dm.Message == "" {
			continue
		}
		ts := env.Envelope.Timestamp
		if ts <= s.watermarkMs {
			continue
		}
		s.watermarkMs = ts
		s.add(env.Envelope.Source)
		fresh = append(fresh, Message{
			Sender:    env.Envelope.Source,
			Content:   dm.Message,
			Timestamp: ts / 1000,
			Metadata:  map[string]string{"platform": "signal"},
		})
	}
	if err := scanner.Err(); err != nil {
		return fresh, fmt.Errorf("scan signal-cli output: %w", err)
	}
	return fresh, nil
}

// Send delivers text to a recipient via signal-cli.
func (s *Signal) Send(ctx context.Context, recipient, text string) error {
	if _, err := s.run(ctx, s.cliPath, "-a", s.account, "send", "-m", text, recipient); err != nil {
		return fmt.Errorf("signal-cli send to %s: %w", recipient, err)
	}
	return nil
}

// Close is a no-op; signal-cli holds no session of ours.
func (s *Signal) Close() error { return nil }

var _ Transport = (*Signal)(nil)
