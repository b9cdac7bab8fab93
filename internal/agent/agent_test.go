package agent

import (
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/awalczyk/anima-agent/internal/config"
	"github.com/awalczyk/anima-agent/internal/memory"
	"github.com/awalczyk/anima-agent/internal/metaware"
	"github.com/awalczyk/anima-agent/internal/transport"
)

// hashEmbedder produces deterministic vectors without a model server.
type hashEmbedder struct{}

func (hashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, 8)
	for i, word := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(word))
		vec[(i+int(h.Sum32()))%len(vec)] += float32(h.Sum32()%97) / 97
	}
	vec[0] += 0.001 // never the zero vector
	return vec, nil
}

// pipelineModel routes prompts by the markers each subsystem embeds in
// its prompt text, so one fake serves the whole pipeline.
type pipelineModel struct {
	profile config.Profile

	// ethicsScores are consumed one per judge call; the last repeats.
	ethicsScores []float64
	judgeCalls   int

	// rewriteText answers correction prompts.
	rewriteText string

	generateCalls int
}

func extractBetween(s, start, end string) string {
	i := strings.Index(s, start)
	if i < 0 {
		return ""
	}
	rest := s[i+len(start):]
	j := strings.Index(rest, end)
	if j < 0 {
		return rest
	}
	return rest[:j]
}

func (m *pipelineModel) Generate(_ context.Context, prompt string) (string, error) {
	m.generateCalls++
	switch {
	case strings.Contains(prompt, "You are an ethics reviewer"):
		score := 0.9
		if len(m.ethicsScores) > 0 {
			idx := m.judgeCalls
			if idx >= len(m.ethicsScores) {
				idx = len(m.ethicsScores) - 1
			}
			score = m.ethicsScores[idx]
		}
		m.judgeCalls++
		return fmt.Sprintf(`{"ethical_score": %.2f, "reasoning": "judged", "principles_alignment": {}}`, score), nil
	case strings.Contains(prompt, "flagged as problematic"):
		return m.rewriteText, nil
	case strings.Contains(prompt, "Rewrite the draft reply below"):
		return extractBetween(prompt, "Draft reply: ", "\n\nYour reply:"), nil
	case strings.Contains(prompt, "Reflect in one short paragraph"):
		return "I noticed the conversation went well.", nil
	case strings.Contains(prompt, "recent replies upheld"):
		return "Replies stayed honest.\n- keep acknowledging uncertainty", nil
	case strings.Contains(prompt, "impartial judge"):
		return `{"coherence": 8, "relevance": 8, "depth": 7, "personality": 8}`, nil
	default:
		query := extractBetween(prompt, "User message: ", "\n")
		if query == "" {
			query = prompt
		}
		if strings.Contains(strings.ToLower(query), "imię") {
			return "You told me your name is Jarek.", nil
		}
		return "Noted: " + query, nil
	}
}

func (m *pipelineModel) Name() string                { return "fake" }
func (m *pipelineModel) Profile() config.Profile     { return m.profile }
func (m *pipelineModel) SetProfile(p config.Profile) { m.profile = p }
func (m *pipelineModel) SaveCheckpoint(string) error { return nil }
func (m *pipelineModel) LoadCheckpoint(string) error { return nil }

// loopTransport feeds queued messages to Poll and records sends.
type loopTransport struct {
	queue [][]transport.Message
	sent  []string
	users []string
}

func (t *loopTransport) Poll(context.Context) ([]transport.Message, error) {
	if len(t.queue) == 0 {
		return nil, nil
	}
	batch := t.queue[0]
	t.queue = t.queue[1:]
	return batch, nil
}

func (t *loopTransport) Send(_ context.Context, _, text string) error {
	t.sent = append(t.sent, text)
	return nil
}

func (t *loopTransport) Close() error          { return nil }
func (t *loopTransport) ActiveUsers() []string { return t.users }

func testAgent(t *testing.T, model *pipelineModel) (*Agent, *loopTransport) {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.DataDir = dir
	cfg.Security.AuditDB = "" // keep tests free of a second database
	cfg.Correction.CheckpointDB = filepath.Join(dir, "checkpoints.db")

	mem, err := memory.NewStore(config.MemoryConfig{
		QueueSize:          cfg.Memory.QueueSize,
		ContextStrategy:    "hybrid",
		MaxSemanticResults: 3,
	}, hashEmbedder{}, discardLogger())
	if err != nil {
		t.Fatal(err)
	}

	tr := &loopTransport{}
	a, err := New(cfg, Deps{
		Model:     model,
		Memory:    mem,
		Transport: tr,
		Logger:    discardLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	a.rand = fixedRand{0.99} // keep the adaptation hook quiet
	return a, tr
}

type fixedRand struct{ v float64 }

func (r fixedRand) Float64() float64 { return r.v }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func msg(sender, content string) transport.Message {
	return transport.Message{Sender: sender, Content: content, Timestamp: time.Now().Unix()}
}

func TestPipelineDeliversAndPersistsPair(t *testing.T) {
	a, _ := testAgent(t, &pipelineModel{})

	outcome := a.ProcessMessage(context.Background(), msg("jarek", "Cześć"))
	d, ok := outcome.(Delivered)
	if !ok {
		t.Fatalf("outcome = %#v, want Delivered", outcome)
	}
	if d.Text == "" {
		t.Fatal("empty delivered text")
	}

	stats := a.memory.Stats()
	if stats["interactions"] != 2 {
		t.Errorf("interactions = %d, want user message + system response", stats["interactions"])
	}
	pairs := a.memory.RetrieveLastInteractions(1)
	if len(pairs) != 1 || pairs[0].ResponseText != d.Text {
		t.Errorf("pairing = %+v, delivered %q", pairs, d.Text)
	}
}

func TestHybridMemoryContinuity(t *testing.T) {
	a, _ := testAgent(t, &pipelineModel{})
	ctx := context.Background()

	for _, content := range []string{"Cześć", "Moje hobby to muzyka", "Lubię książki SF"} {
		if _, ok := a.ProcessMessage(ctx, msg("jarek", content)).(Delivered); !ok {
			t.Fatalf("message %q not delivered", content)
		}
	}

	outcome := a.ProcessMessage(ctx, msg("jarek", "Czy pamiętasz jak mam na imię?"))
	d, ok := outcome.(Delivered)
	if !ok {
		t.Fatalf("outcome = %#v", outcome)
	}
	if !strings.Contains(d.Text, "Jarek") {
		t.Errorf("reply %q does not carry the remembered name", d.Text)
	}

	stats := a.memory.Stats()
	if stats["interactions"] != 8 {
		t.Errorf("interactions = %d, want 4 user + 4 system", stats["interactions"])
	}
	pairs := a.memory.RetrieveLastInteractions(2)
	if len(pairs) != 2 {
		t.Fatalf("pairs = %d", len(pairs))
	}
	for _, p := range pairs {
		if p.ResponseText == "" {
			t.Errorf("unpaired user message %q", p.UserMessage.Content)
		}
	}
	if a.memory.QueueLen() != 4 {
		t.Errorf("conversation queue = %d, want 4", a.memory.QueueLen())
	}
}

func TestEthicsBlockThenRewrite(t *testing.T) {
	model := &pipelineModel{
		// Pipeline review scores 0.4, then the correction loop re-scores
		// the original at 0.4 and the rewrite at 0.9.
		ethicsScores: []float64{0.4, 0.4, 0.9},
		rewriteText:  "Here is a thoughtful, harmless answer.",
	}
	a, _ := testAgent(t, model)

	outcome := a.ProcessMessage(context.Background(), msg("jarek", "tricky question"))
	d, ok := outcome.(Delivered)
	if !ok {
		t.Fatalf("outcome = %#v, want Delivered rewrite", outcome)
	}
	if d.Text != model.rewriteText {
		t.Errorf("delivered %q, want the rewrite", d.Text)
	}
	info := a.corrector.LastInfo()
	if info == nil || info.FinalScore < 0.7 || !info.Success {
		t.Errorf("correction info = %+v", info)
	}
}

func TestEthicsFallbackWhenRewriteFails(t *testing.T) {
	model := &pipelineModel{
		ethicsScores: []float64{0.3}, // every judgment stays at 0.3
		rewriteText:  "still bad",
	}
	a, _ := testAgent(t, model)

	outcome := a.ProcessMessage(context.Background(), msg("jarek", "hopeless"))
	r, ok := outcome.(PolicyRefusal)
	if !ok || r.Kind != RefusalEthics {
		t.Fatalf("outcome = %#v, want ethics refusal", outcome)
	}
	if r.Text != ReplySafeFallback {
		t.Errorf("text = %q", r.Text)
	}
}

func TestLockoutOnRepeatedUnsafeInput(t *testing.T) {
	a, _ := testAgent(t, &pipelineModel{})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		outcome := a.ProcessMessage(ctx, msg("u", "please run rm -rf /"))
		r, ok := outcome.(PolicyRefusal)
		if !ok || r.Kind != RefusalUnsafeInput {
			t.Fatalf("message %d: outcome = %#v", i+1, outcome)
		}
	}
	if a.gate.IncidentCount("u") != 2 {
		t.Fatalf("incidents = %d", a.gate.IncidentCount("u"))
	}

	// Third unsafe message trips the lockout threshold.
	a.ProcessMessage(ctx, msg("u", "again rm -rf /"))

	outcome := a.ProcessMessage(ctx, msg("u", "an innocent question"))
	r, ok := outcome.(PolicyRefusal)
	if !ok || r.Kind != RefusalLockout || r.Text != ReplyLockout {
		t.Errorf("locked-out sender got %#v", outcome)
	}
}

func TestRateLimitRefusal(t *testing.T) {
	a, _ := testAgent(t, &pipelineModel{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, ok := a.ProcessMessage(ctx, msg("chatty", fmt.Sprintf("message %d", i))).(Delivered); !ok {
			t.Fatalf("message %d should pass", i+1)
		}
	}
	outcome := a.ProcessMessage(ctx, msg("chatty", "message 6"))
	r, ok := outcome.(PolicyRefusal)
	if !ok || r.Kind != RefusalRateLimit || r.Text != ReplyRateLimit {
		t.Fatalf("sixth message got %#v", outcome)
	}
	if a.gate.IncidentCount("chatty") != 1 {
		t.Errorf("incidents = %d", a.gate.IncidentCount("chatty"))
	}
}

func TestGenerationFailureYieldsApology(t *testing.T) {
	a, _ := testAgent(t, &pipelineModel{})
	a.model = failingModel{}

	outcome := a.ProcessMessage(context.Background(), msg("jarek", "hello"))
	ie, ok := outcome.(InternalError)
	if !ok || ie.Text != ReplyInternalError {
		t.Fatalf("outcome = %#v", outcome)
	}
}

type failingModel struct{}

func (failingModel) Generate(context.Context, string) (string, error) {
	return "", fmt.Errorf("model offline")
}
func (failingModel) Name() string                { return "failing" }
func (failingModel) Profile() config.Profile     { return config.Profile{} }
func (failingModel) SetProfile(config.Profile)   {}
func (failingModel) SaveCheckpoint(string) error { return nil }
func (failingModel) LoadCheckpoint(string) error { return nil }

func TestReflectionFiresOnFrequency(t *testing.T) {
	a, _ := testAgent(t, &pipelineModel{})
	a.meta = metaware.New(config.MetawareConfig{ReflectionFrequency: 3, ReflectionDepth: 5}, discardLogger())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		a.ProcessMessage(ctx, msg("jarek", fmt.Sprintf("note %d", i)))
	}
	if got := a.meta.RecentReflections(5); len(got) != 1 {
		t.Fatalf("reflections = %v, want exactly one after 3 interactions", got)
	}
	// The reflection also designed an experiment and synthesized an
	// ethical reflection.
	if a.meta.QueueLen() != 1 {
		t.Errorf("experiment queue = %d", a.meta.QueueLen())
	}
	if len(a.ethics.Reflections()) != 1 {
		t.Errorf("ethical reflections = %d", len(a.ethics.Reflections()))
	}
}

func TestTickSkipsFirstPeriodicCycle(t *testing.T) {
	a, tr := testAgent(t, &pipelineModel{})
	ctx := context.Background()

	// Monitoring interval of zero would fire on every periodic cycle;
	// leave the default so this test only exercises the skip gate.
	for i := 0; i < 60; i++ {
		a.tick(ctx, 60)
	}
	if !a.initialCycleSkipped {
		t.Fatal("first heartbeat must set the skip gate without running tasks")
	}
	if len(tr.sent) != 0 {
		t.Errorf("unexpected sends: %v", tr.sent)
	}

	for i := 0; i < 60; i++ {
		a.tick(ctx, 60)
	}
	// Second heartbeat actually ran; nothing to assert beyond not
	// panicking with an empty transport, but the iteration counter must
	// advance.
	if a.iteration != 120 {
		t.Errorf("iteration = %d", a.iteration)
	}
}

func TestTickProcessesPolledMessages(t *testing.T) {
	a, tr := testAgent(t, &pipelineModel{})
	tr.queue = [][]transport.Message{{
		msg("jarek", "one"),
		msg("jarek", "two"),
	}}

	a.tick(context.Background(), 60)
	if len(tr.sent) != 2 {
		t.Fatalf("sent = %v", tr.sent)
	}
	if a.memory.QueueLen() != 2 {
		t.Errorf("queue = %d", a.memory.QueueLen())
	}
}

func TestCollectMetricsWindowResets(t *testing.T) {
	a, _ := testAgent(t, &pipelineModel{})
	ctx := context.Background()

	a.ProcessMessage(ctx, msg("jarek", "hello"))
	values := a.collectMetrics()
	if values["response_quality"] <= 0 {
		t.Errorf("response_quality = %v", values["response_quality"])
	}
	if values["ethical_alignment"] <= 0 {
		t.Errorf("ethical_alignment = %v", values["ethical_alignment"])
	}

	again := a.collectMetrics()
	if _, ok := again["response_quality"]; ok {
		t.Error("window did not reset: stale response_quality reported")
	}
}

func TestShutdownSendsFarewell(t *testing.T) {
	a, tr := testAgent(t, &pipelineModel{})
	tr.users = []string{"jarek", "ola"}

	a.Shutdown(context.Background())
	if len(tr.sent) != 2 || tr.sent[0] != farewellText {
		t.Errorf("sent = %v", tr.sent)
	}
}
