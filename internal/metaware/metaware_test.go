package metaware

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/awalczyk/anima-agent/internal/config"
	"github.com/awalczyk/anima-agent/internal/memory"
)

type fixedRand struct{ value float64 }

func (r *fixedRand) Float64() float64 { return r.value }

type echoModel struct {
	reply   string
	err     error
	prompts []string
}

func (m *echoModel) Generate(_ context.Context, prompt string) (string, error) {
	m.prompts = append(m.prompts, prompt)
	if m.err != nil {
		return "", m.err
	}
	return m.reply, nil
}

func (m *echoModel) Name() string                { return "echo" }
func (m *echoModel) Profile() config.Profile     { return config.Profile{} }
func (m *echoModel) SetProfile(config.Profile)   {}
func (m *echoModel) SaveCheckpoint(string) error { return nil }
func (m *echoModel) LoadCheckpoint(string) error { return nil }

type fakeConversation struct {
	pairs  []memory.Pair
	stored []string
}

func (c *fakeConversation) RetrieveLastInteractions(n int) []memory.Pair {
	if n > len(c.pairs) {
		n = len(c.pairs)
	}
	return c.pairs[len(c.pairs)-n:]
}

func (c *fakeConversation) StoreReflection(_ context.Context, text string) error {
	c.stored = append(c.stored, text)
	return nil
}

func newEngine() *Engine {
	return New(config.MetawareConfig{ReflectionFrequency: 10, ReflectionDepth: 5}, nil)
}

func TestReflectionPredicate(t *testing.T) {
	e := newEngine()
	if e.ShouldReflect() {
		t.Fatal("counter at zero must not reflect")
	}
	for i := 1; i <= 25; i++ {
		e.RecordInteraction()
		want := i%10 == 0
		if got := e.ShouldReflect(); got != want {
			t.Errorf("count %d: ShouldReflect = %v, want %v", i, got, want)
		}
	}
}

func TestReflectUsesRecentPairsAndPersists(t *testing.T) {
	e := newEngine()
	conv := &fakeConversation{pairs: []memory.Pair{
		{UserMessage: memory.Message{Sender: "u", Content: "hello"}, ResponseText: "hi there"},
		{UserMessage: memory.Message{Sender: "u", Content: "tell me about jazz"}, ResponseText: "gladly"},
	}}
	m := &echoModel{reply: "I noticed the user enjoys music."}

	text, err := e.Reflect(context.Background(), m, conv)
	if err != nil {
		t.Fatalf("reflect: %v", err)
	}
	if text != "I noticed the user enjoys music." {
		t.Errorf("got %q", text)
	}
	if !strings.Contains(m.prompts[0], "tell me about jazz") || !strings.Contains(m.prompts[0], "gladly") {
		t.Error("prompt should embed the recent pairs")
	}
	if len(conv.stored) != 1 {
		t.Errorf("reflection should be persisted, stored=%d", len(conv.stored))
	}
	if got := e.RecentReflections(5); len(got) != 1 || got[0] != text {
		t.Errorf("recent reflections = %v", got)
	}
}

func TestReflectModelFailure(t *testing.T) {
	e := newEngine()
	m := &echoModel{err: errors.New("down")}
	if _, err := e.Reflect(context.Background(), m, &fakeConversation{}); err == nil {
		t.Fatal("model failure should surface")
	}
	if len(e.RecentReflections(5)) != 0 {
		t.Error("failed reflection must not be recorded")
	}
}

func TestProcessDiscoveries(t *testing.T) {
	e := newEngine()
	m := &echoModel{reply: "an insight"}
	e.ProcessDiscoveries(context.Background(), m, []string{"topic a", "topic b"})
	if got := e.RecentInsights(10); len(got) != 2 {
		t.Fatalf("insights = %v", got)
	}
	if len(m.prompts) != 2 || !strings.Contains(m.prompts[1], "topic b") {
		t.Errorf("prompts = %v", m.prompts)
	}
}

func TestRecentInsightsTail(t *testing.T) {
	e := newEngine()
	e.insights = []string{"a", "b", "c", "d"}
	got := e.RecentInsights(2)
	if len(got) != 2 || got[0] != "c" || got[1] != "d" {
		t.Errorf("tail = %v", got)
	}
	// The returned slice is a copy.
	got[0] = "mutated"
	if e.insights[2] != "c" {
		t.Error("caller mutation leaked into engine state")
	}
}

func TestDesignExperimentQueuesPlanned(t *testing.T) {
	e := newEngine()
	e.rand = &fixedRand{value: 0.0} // first candidate, first value

	exp := e.DesignExperiment("responses feel flat lately")
	if exp == nil {
		t.Fatal("no experiment designed")
	}
	if exp.Status != StatusPlanned {
		t.Errorf("status = %q", exp.Status)
	}
	if v, ok := exp.Parameters["temperature"]; !ok || v != 0.5 {
		t.Errorf("parameters = %v", exp.Parameters)
	}
	if !strings.Contains(exp.Hypothesis, "temperature") {
		t.Errorf("hypothesis = %q", exp.Hypothesis)
	}
	if e.QueueLen() != 1 {
		t.Errorf("queue = %d", e.QueueLen())
	}
}

func TestNextPlannedDequeues(t *testing.T) {
	e := newEngine()
	e.rand = &fixedRand{value: 0.0}

	first := e.DesignExperiment("one")
	e.DesignExperiment("two")

	got := e.NextPlanned()
	if got == nil || got.ID != first.ID {
		t.Errorf("should dequeue oldest planned, got %+v", got)
	}
	if e.QueueLen() != 1 {
		t.Errorf("queue after dequeue = %d", e.QueueLen())
	}
	e.NextPlanned()
	if e.NextPlanned() != nil {
		t.Error("empty queue should yield nil")
	}
}
