package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/awalczyk/anima-agent/internal/config"
)

func testModelConfig(url string) config.ModelConfig {
	return config.ModelConfig{
		OllamaURL: url,
		Name:      "test-model",
		Profile: config.Profile{
			Temperature:  0.7,
			TopP:         0.9,
			TopK:         40,
			MaxNewTokens: 128,
		},
	}
}

func TestGenerate(t *testing.T) {
	var gotReq generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(generateResponse{
			Model:    "test-model",
			Response: "hello there",
			Done:     true,
		})
	}))
	defer srv.Close()

	m := NewOllamaModel(testModelConfig(srv.URL), nil)
	out, err := m.Generate(context.Background(), "say hello")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if out != "hello there" {
		t.Errorf("got %q", out)
	}
	if gotReq.Options.Temperature != 0.7 {
		t.Errorf("profile temperature not sent: %v", gotReq.Options.Temperature)
	}
	if gotReq.Stream {
		t.Error("stream should be false")
	}
}

func TestGenerateServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	m := NewOllamaModel(testModelConfig(srv.URL), nil)
	if _, err := m.Generate(context.Background(), "x"); err == nil {
		t.Fatal("expected error for 404 response")
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	m := NewOllamaModel(testModelConfig("http://localhost:11434"), nil)
	path := filepath.Join(t.TempDir(), "model.ckpt")

	if err := m.SaveCheckpoint(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Perturb the profile, then roll back.
	p := m.Profile()
	p.Temperature = 1.5
	m.SetProfile(p)

	if err := m.LoadCheckpoint(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := m.Profile().Temperature; got != 0.7 {
		t.Errorf("rollback did not restore temperature: %v", got)
	}
}

func TestProfileIsCopied(t *testing.T) {
	m := NewOllamaModel(testModelConfig("http://localhost:11434"), nil)
	p := m.Profile()
	p.TopK = 999
	if m.Profile().TopK == 999 {
		t.Error("Profile() leaked internal state")
	}
}
