package memory

import (
	"context"
	"hash/fnv"
	"strings"
	"testing"
	"time"

	"github.com/awalczyk/anima-agent/internal/config"
)

// hashEmbedder produces deterministic pseudo-embeddings so tests run
// without an embedding service. Similarity is meaningless but stable.
type hashEmbedder struct{}

func (hashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float32, 8)
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float32(seed%1000)/1000.0 + 0.001
	}
	return vec, nil
}

func newTestStore(t *testing.T, cfg config.MemoryConfig) *Store {
	t.Helper()
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 5
	}
	if cfg.ContextStrategy == "" {
		cfg.ContextStrategy = "hybrid"
	}
	if cfg.MaxSemanticResults == 0 {
		cfg.MaxSemanticResults = 3
	}
	s, err := NewStore(cfg, hashEmbedder{}, nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func msg(sender, content string, ts int64) Message {
	return Message{Sender: sender, Content: content, Timestamp: ts}
}

func TestStoreAndRetrieveInteraction(t *testing.T) {
	s := newTestStore(t, config.MemoryConfig{})
	ctx := context.Background()

	m := msg("jarek", "Moje hobby to muzyka", time.Now().Unix())
	if err := s.StoreInteraction(ctx, m); err != nil {
		t.Fatalf("store: %v", err)
	}

	got, err := s.RetrieveRelevantContext(ctx, "muzyka", 3)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 context item, got %d", len(got))
	}
	if got[0] != m.Content {
		t.Errorf("document text changed in round trip: %q", got[0])
	}
}

func TestConversationQueueBound(t *testing.T) {
	s := newTestStore(t, config.MemoryConfig{QueueSize: 3})
	ctx := context.Background()

	for i, text := range []string{"one", "two", "three", "four", "five"} {
		m := msg("u", "q", int64(1000+i))
		if err := s.StoreInteraction(ctx, m); err != nil {
			t.Fatal(err)
		}
		if err := s.StoreResponse(ctx, text, m); err != nil {
			t.Fatal(err)
		}
	}

	if s.QueueLen() != 3 {
		t.Fatalf("queue length %d, want 3", s.QueueLen())
	}
	got := s.ConversationContext(3)
	want := []string{"three", "four", "five"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("queue[%d] = %q, want %q (oldest first)", i, got[i], want[i])
		}
	}
}

func TestRetrieveLastInteractionsPairing(t *testing.T) {
	s := newTestStore(t, config.MemoryConfig{})
	ctx := context.Background()

	m1 := msg("jarek", "Lubię książki SF", 100)
	m2 := msg("jarek", "Czy pamiętasz jak mam na imię?", 200)

	if err := s.StoreInteraction(ctx, m1); err != nil {
		t.Fatal(err)
	}
	if err := s.StoreResponse(ctx, "Dobrze wiedzieć!", m1); err != nil {
		t.Fatal(err)
	}
	if err := s.StoreInteraction(ctx, m2); err != nil {
		t.Fatal(err)
	}
	if err := s.StoreResponse(ctx, "Tak, jarek.", m2); err != nil {
		t.Fatal(err)
	}

	pairs := s.RetrieveLastInteractions(2)
	if len(pairs) != 2 {
		t.Fatalf("expected 2 pairs, got %d", len(pairs))
	}
	if pairs[0].UserMessage.Content != m1.Content || pairs[0].ResponseText != "Dobrze wiedzieć!" {
		t.Errorf("pair 0 mismatched: %+v", pairs[0])
	}
	if pairs[1].UserMessage.Content != m2.Content || pairs[1].ResponseText != "Tak, jarek." {
		t.Errorf("pair 1 mismatched: %+v", pairs[1])
	}
}

func TestPairingRequiresAllThreeLinkFields(t *testing.T) {
	s := newTestStore(t, config.MemoryConfig{})
	ctx := context.Background()

	m := msg("alice", "hello", 100)
	if err := s.StoreInteraction(ctx, m); err != nil {
		t.Fatal(err)
	}
	// Response linked to a different timestamp must not pair.
	other := msg("alice", "hello", 999)
	if err := s.StoreResponse(ctx, "wrong link", other); err != nil {
		t.Fatal(err)
	}

	pairs := s.RetrieveLastInteractions(1)
	if len(pairs) != 1 {
		t.Fatalf("expected 1 pair, got %d", len(pairs))
	}
	if pairs[0].ResponseText != "" {
		t.Errorf("mismatched link fields paired anyway: %q", pairs[0].ResponseText)
	}
}

func TestPairingNeverMatchesUserMessage(t *testing.T) {
	s := newTestStore(t, config.MemoryConfig{})
	ctx := context.Background()

	m := msg("bob", "echo", 100)
	if err := s.StoreInteraction(ctx, m); err != nil {
		t.Fatal(err)
	}
	// Another user message with identical text must not satisfy the
	// pairing even though its content equals in_response_to.
	if err := s.StoreInteraction(ctx, msg("bob", "echo", 101)); err != nil {
		t.Fatal(err)
	}

	pairs := s.RetrieveLastInteractions(2)
	for _, p := range pairs {
		if p.ResponseText != "" {
			t.Errorf("user message paired as response: %+v", p)
		}
	}
}

func TestHybridContextEmptyQueue(t *testing.T) {
	s := newTestStore(t, config.MemoryConfig{ContextStrategy: "hybrid"})
	out, err := s.HybridContext(context.Background(), "anything")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, "Recent conversation:") {
		t.Error("empty queue produced a conversation block")
	}
}

func TestSemanticStrategyZeroResults(t *testing.T) {
	s := newTestStore(t, config.MemoryConfig{ContextStrategy: "semantic", MaxSemanticResults: -1})
	s.maxSemantic = 0
	ctx := context.Background()

	m := msg("u", "content", 1)
	if err := s.StoreInteraction(ctx, m); err != nil {
		t.Fatal(err)
	}

	out, err := s.HybridContext(ctx, "content")
	if err != nil {
		t.Fatal(err)
	}
	if out != "" {
		t.Errorf("semantic strategy with zero results should be empty, got %q", out)
	}
}

func TestHybridContextContainsBothParts(t *testing.T) {
	s := newTestStore(t, config.MemoryConfig{ContextStrategy: "hybrid"})
	ctx := context.Background()

	m := msg("jarek", "Cześć", 10)
	if err := s.StoreInteraction(ctx, m); err != nil {
		t.Fatal(err)
	}
	if err := s.StoreResponse(ctx, "Cześć, jarek!", m); err != nil {
		t.Fatal(err)
	}

	out, err := s.HybridContext(ctx, "Cześć")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Cześć") {
		t.Error("semantic part missing")
	}
	if !strings.Contains(out, "Recent conversation:") {
		t.Error("conversation block missing")
	}
	if !strings.Contains(out, "Cześć, jarek!") {
		t.Error("conversation block lacks latest reply")
	}
}

func TestReflectionsArePrefixed(t *testing.T) {
	s := newTestStore(t, config.MemoryConfig{})
	ctx := context.Background()

	if err := s.StoreReflection(ctx, "I notice I repeat myself"); err != nil {
		t.Fatal(err)
	}

	got, err := s.RetrieveRelevantContext(ctx, "repetition", 3)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, item := range got {
		if strings.HasPrefix(item, "[reflection] ") {
			found = true
		}
	}
	if !found {
		t.Errorf("reflection not prefixed: %v", got)
	}
}
