package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/awalczyk/anima-agent/internal/config"
	"github.com/awalczyk/anima-agent/internal/httpkit"
	"github.com/awalczyk/anima-agent/internal/statefile"
)

// OllamaModel is a Model backed by Ollama's /api/generate endpoint.
type OllamaModel struct {
	baseURL    string
	name       string
	profile    config.Profile
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaModel creates an Ollama-backed model.
func NewOllamaModel(cfg config.ModelConfig, logger *slog.Logger) *OllamaModel {
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := cfg.OllamaURL
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &OllamaModel{
		baseURL: baseURL,
		name:    cfg.Name,
		profile: cfg.Profile,
		httpClient: httpkit.NewClient(
			// Large local models need time to load and generate.
			httpkit.WithTimeout(5 * time.Minute),
		),
		logger: logger,
	}
}

// generateRequest is the Ollama generate API request.
type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

// generateOptions maps the generation profile onto Ollama's option
// names. MinLength and NoRepeatNgramSize have no Ollama equivalent and
// are carried in the profile for checkpoint fidelity only.
type generateOptions struct {
	Temperature   float64  `json:"temperature,omitempty"`
	TopP          float64  `json:"top_p,omitempty"`
	TopK          int      `json:"top_k,omitempty"`
	NumPredict    int      `json:"num_predict,omitempty"`
	RepeatPenalty float64  `json:"repeat_penalty,omitempty"`
	Stop          []string `json:"stop,omitempty"`
}

// generateResponse is the Ollama generate API response.
type generateResponse struct {
	Model     string `json:"model"`
	Response  string `json:"response"`
	Done      bool   `json:"done"`
	EvalCount int    `json:"eval_count,omitempty"`
}

// Generate sends a completion request to Ollama.
func (m *OllamaModel) Generate(ctx context.Context, prompt string) (string, error) {
	req := generateRequest{
		Model:  m.name,
		Prompt: prompt,
		Stream: false,
		Options: generateOptions{
			Temperature:   m.profile.Temperature,
			TopP:          m.profile.TopP,
			TopK:          m.profile.TopK,
			NumPredict:    m.profile.MaxNewTokens,
			RepeatPenalty: m.profile.RepetitionPenalty,
			Stop:          m.profile.Stop,
		},
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	m.logger.Log(ctx, config.LevelTrace, "model request",
		"model", m.name,
		"payload", string(body),
	)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 512)
		return "", fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, errBody)
	}

	var genResp generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&genResp); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	m.logger.Log(ctx, config.LevelTrace, "model response",
		"model", genResp.Model,
		"eval_count", genResp.EvalCount,
		"response", genResp.Response,
	)

	return genResp.Response, nil
}

// Name returns the model identifier.
func (m *OllamaModel) Name() string { return m.name }

// Profile returns a copy of the current generation profile.
func (m *OllamaModel) Profile() config.Profile { return m.profile }

// SetProfile replaces the generation profile.
func (m *OllamaModel) SetProfile(p config.Profile) { m.profile = p }

// checkpoint is the on-disk model snapshot format.
type checkpoint struct {
	Model   string         `json:"model"`
	Profile config.Profile `json:"profile"`
	SavedAt int64          `json:"saved_at"`
}

// SaveCheckpoint snapshots the model name and profile to path.
func (m *OllamaModel) SaveCheckpoint(path string) error {
	return statefile.Save(path, checkpoint{
		Model:   m.name,
		Profile: m.profile,
		SavedAt: time.Now().Unix(),
	})
}

// LoadCheckpoint restores a snapshot written by SaveCheckpoint.
func (m *OllamaModel) LoadCheckpoint(path string) error {
	var cp checkpoint
	if err := statefile.Load(path, &cp); err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if cp.Model != "" {
		m.name = cp.Model
	}
	m.profile = cp.Profile
	return nil
}

// Ensure OllamaModel implements Model.
var _ Model = (*OllamaModel)(nil)
