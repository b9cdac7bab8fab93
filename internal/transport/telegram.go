package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/awalczyk/anima-agent/internal/config"
	"github.com/awalczyk/anima-agent/internal/fetch"
	"github.com/awalczyk/anima-agent/internal/httpkit"
	"github.com/awalczyk/anima-agent/internal/statefile"
)

// telegramAPI is the Bot API root; the bot token is appended per call.
const telegramAPI = "https://api.telegram.org"

// telegramMaxRunes is the Bot API message length limit.
const telegramMaxRunes = 4096

// Telegram long-polls getUpdates and answers via sendMessage. The last
// processed update_id persists to disk so restarts do not replay
// updates.
type Telegram struct {
	baseURL    string
	token      string
	allowed    map[int64]bool
	offsetFile string
	offset     int64

	*userSet
	httpClient *http.Client
	logger     *slog.Logger
}

// NewTelegram creates the telegram transport.
func NewTelegram(cfg config.TelegramConfig, logger *slog.Logger) (*Telegram, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram transport requires a bot token")
	}
	t := &Telegram{
		baseURL:    telegramAPI,
		token:      cfg.Token,
		offsetFile: cfg.OffsetFile,
		userSet:    newUserSet(),
		httpClient: httpkit.NewClient(httpkit.WithTimeout(35 * time.Second)),
		logger:     logger,
	}
	if len(cfg.AllowedUserIDs) > 0 {
		t.allowed = make(map[int64]bool, len(cfg.AllowedUserIDs))
		for _, id := range cfg.AllowedUserIDs {
			t.allowed[id] = true
		}
	}

	if cfg.OffsetFile != "" {
		var persisted struct {
			Offset int64 `json:"offset"`
		}
		err := statefile.Load(cfg.OffsetFile, &persisted)
		if err == nil {
			t.offset = persisted.Offset
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load telegram offset: %w", err)
		}
	}
	return t, nil
}

type telegramUpdate struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		Text string `json:"text"`
		Date int64  `json:"date"`
		From struct {
			ID int64 `json:"id"`
		} `json:"from"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
	} `json:"message"`
}

type telegramResponse struct {
	OK     bool             `json:"ok"`
	Result []telegramUpdate `json:"result"`
}

// Poll fetches updates past the persisted offset. Updates from users
// outside the allow-list still advance the offset but yield nothing.
func (t *Telegram) Poll(ctx context.Context) ([]Message, error) {
	params := url.Values{"timeout": {"25"}}
	if t.offset > 0 {
		params.Set("offset", strconv.FormatInt(t.offset+1, 10))
	}

	reqURL := fmt.Sprintf("%s/bot%s/getUpdates?%s", t.baseURL, t.token, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("telegram: build request: %w", err)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram: getUpdates: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return nil, fmt.Errorf("telegram: HTTP %d: %s", resp.StatusCode, body)
	}

	var tr telegramResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("telegram: decode updates: %w", err)
	}
	if !tr.OK {
		return nil, fmt.Errorf("telegram: getUpdates returned ok=false")
	}

	var fresh []Message
	advanced := false
	for _, u := range tr.Result {
		if u.UpdateID > t.offset {
			t.offset = u.UpdateID
			advanced = true
		}
		if u.Message == nil || u.Message.Text == "" {
			continue
		}
		if t.allowed != nil && !t.allowed[u.Message.From.ID] {
			t.logger.Warn("telegram message from unlisted user dropped", "user_id", u.Message.From.ID)
			continue
		}
		sender := strconv.FormatInt(u.Message.Chat.ID, 10)
		t.add(sender)
		fresh = append(fresh, Message{
			Sender:    sender,
			Content:   u.Message.Text,
			Timestamp: u.Message.Date,
			Metadata:  map[string]string{"platform": "telegram"},
		})
	}

	if advanced {
		if err := t.saveOffset(); err != nil {
			t.logger.Warn("persist telegram offset failed", "error", err)
		}
	}
	return fresh, nil
}

// Send posts text to a chat, stripped of HTML-like tags and truncated
// at the API's length limit on a rune boundary.
func (t *Telegram) Send(ctx context.Context, recipient, text string) error {
	text = strings.TrimSpace(fetch.StripTags(text))
	if runes := []rune(text); len(runes) > telegramMaxRunes {
		text = string(runes[:telegramMaxRunes])
	}

	form := url.Values{
		"chat_id": {recipient},
		"text":    {text},
	}
	reqURL := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("telegram: build send: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: sendMessage: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return fmt.Errorf("telegram: sendMessage HTTP %d: %s", resp.StatusCode, body)
	}
	httpkit.DrainAndClose(resp.Body, 4096)
	return nil
}

// Close flushes the update offset.
func (t *Telegram) Close() error {
	return t.saveOffset()
}

func (t *Telegram) saveOffset() error {
	if t.offsetFile == "" {
		return nil
	}
	return statefile.Save(t.offsetFile, struct {
		Offset int64 `json:"offset"`
	}{t.offset})
}

var _ Transport = (*Telegram)(nil)
