package persona

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/awalczyk/anima-agent/internal/config"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(config.PersonaConfig{
		File:                filepath.Join(t.TempDir(), "persona.json"),
		AutosaveIntervalSec: 300,
		ChangesThreshold:    10,
	}, nil)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

func TestDetectFeedback(t *testing.T) {
	tests := []struct {
		query string
		want  Feedback
	}{
		{"thanks, that was great", FeedbackPositive},
		{"dzięki za pomoc", FeedbackPositive},
		{"that's not what I asked, wrong", FeedbackNegative},
		{"to źle", FeedbackNegative},
		{"what is the weather like", FeedbackNeutral},
	}
	for _, tt := range tests {
		if got := DetectFeedback(tt.query); got != tt.want {
			t.Errorf("DetectFeedback(%q) = %v, want %v", tt.query, got, tt.want)
		}
	}
}

func TestPositiveFeedbackOnInterest(t *testing.T) {
	m := newTestManager(t)
	before := m.Snapshot()

	m.RecordInteraction("thanks, I love talking about music", FeedbackPositive)

	after := m.Snapshot()
	if after.Traits["curiosity"] <= before.Traits["curiosity"] {
		t.Error("curiosity should rise on positive interest-matching feedback")
	}
	if after.Traits["friendliness"] <= before.Traits["friendliness"] {
		t.Error("friendliness should rise on positive feedback")
	}
	if after.SelfPerception.IdentityStrength <= before.SelfPerception.IdentityStrength {
		t.Error("identity strength should rise on positive feedback")
	}
}

func TestNegativeFeedbackPenalizesDominant(t *testing.T) {
	m := newTestManager(t)
	dominant := m.DominantTrait()
	before := m.Snapshot().Traits[dominant]

	m.RecordInteraction("that answer was wrong", FeedbackNegative)

	after := m.Snapshot()
	if after.Traits[dominant] >= before {
		t.Errorf("dominant trait %q should fall on negative feedback", dominant)
	}
	if after.Traits["analytical"] <= 0.5 {
		t.Error("analytical should rise on negative feedback")
	}
}

func TestDominantTraitTieBreakIsLexicographic(t *testing.T) {
	m := newTestManager(t)
	m.persona.Traits = map[string]float64{
		"zeal":       0.8,
		"analytical": 0.8,
		"curiosity":  0.3,
	}
	if got := m.DominantTrait(); got != "analytical" {
		t.Errorf("tie-break should pick lexicographically first, got %q", got)
	}
}

func TestMetaKeywordsRaiseSelfPerception(t *testing.T) {
	m := newTestManager(t)
	before := m.Snapshot().SelfPerception

	m.RecordInteraction("tell me about your self-awareness", FeedbackNeutral)

	after := m.Snapshot().SelfPerception
	if after.SelfAwarenessLevel <= before.SelfAwarenessLevel {
		t.Error("self-awareness level should rise")
	}
	if after.MetacognitionDepth <= before.MetacognitionDepth {
		t.Error("metacognition depth should rise")
	}
}

func TestTraitsClampToUnitInterval(t *testing.T) {
	m := newTestManager(t)
	for i := 0; i < 100; i++ {
		m.RecordInteraction("thanks, great ai stuff", FeedbackPositive)
	}
	for name, v := range m.Snapshot().Traits {
		if v < 0 || v > 1 {
			t.Errorf("trait %q out of range: %v", name, v)
		}
	}
	sp := m.Snapshot().SelfPerception
	if sp.IdentityStrength > 1 {
		t.Errorf("identity strength out of range: %v", sp.IdentityStrength)
	}
}

func TestAutosavePredicateOnChanges(t *testing.T) {
	m := newTestManager(t)
	m.changesThreshold = 3

	if m.ShouldSave() {
		t.Fatal("fresh persona should not need a save")
	}
	for i := 0; i < 3; i++ {
		m.RecordInteraction("thanks", FeedbackPositive)
	}
	if !m.ShouldSave() {
		t.Fatal("change threshold reached, save should fire")
	}

	saved, err := m.MaybeAutosave()
	if err != nil || !saved {
		t.Fatalf("autosave: saved=%v err=%v", saved, err)
	}
	if m.ChangesSinceSave() != 0 {
		t.Errorf("change counter should reset after save, got %d", m.ChangesSinceSave())
	}
	if m.ShouldSave() {
		t.Error("predicate should be false immediately after save")
	}
}

func TestAutosavePredicateOnElapsedTime(t *testing.T) {
	m := newTestManager(t)

	fake := time.Now()
	m.now = func() time.Time { return fake }
	m.lastSaved = fake

	if m.ShouldSave() {
		t.Fatal("no time elapsed, should not save")
	}
	fake = fake.Add(6 * time.Minute)
	if !m.ShouldSave() {
		t.Fatal("interval elapsed, save should fire")
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "persona.json")

	m1, err := NewManager(config.PersonaConfig{File: file, AutosaveIntervalSec: 300, ChangesThreshold: 10}, nil)
	if err != nil {
		t.Fatal(err)
	}
	m1.RecordInteraction("thanks for the music tips", FeedbackPositive)
	m1.RecordDiscovery("quantum computing", 0.9)
	if err := m1.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}
	want := m1.Snapshot()

	m2, err := NewManager(config.PersonaConfig{File: file, AutosaveIntervalSec: 300, ChangesThreshold: 10}, nil)
	if err != nil {
		t.Fatal(err)
	}
	got := m2.Snapshot()

	if got.Name != want.Name {
		t.Errorf("name: %q != %q", got.Name, want.Name)
	}
	for k, v := range want.Traits {
		if got.Traits[k] != v {
			t.Errorf("trait %q: %v != %v", k, got.Traits[k], v)
		}
	}
	if len(got.Interests) != len(want.Interests) {
		t.Errorf("interests: %v != %v", got.Interests, want.Interests)
	}
	if got.SelfPerception != want.SelfPerception {
		t.Errorf("self perception: %+v != %+v", got.SelfPerception, want.SelfPerception)
	}
	if len(got.History) != len(want.History) {
		t.Errorf("history length: %d != %d", len(got.History), len(want.History))
	}
}

func TestRecordDiscoveryAddsImportantInterest(t *testing.T) {
	m := newTestManager(t)
	m.RecordDiscovery("deep sea biology", 0.95)
	if !m.matchesInterest("tell me about deep sea biology") {
		t.Error("important discovery should become an interest")
	}

	before := len(m.Snapshot().Interests)
	m.RecordDiscovery("mild curiosity topic", 0.5)
	if len(m.Snapshot().Interests) != before {
		t.Error("low-importance discovery should not add an interest")
	}
}

func TestOverlayPromptContract(t *testing.T) {
	m := newTestManager(t)
	prompt := m.OverlayPrompt("how are you?", "The system is functioning normally.")

	if !strings.Contains(prompt, "Anima") {
		t.Error("prompt should name the persona")
	}
	if !strings.Contains(prompt, "The system is functioning normally.") {
		t.Error("prompt should embed the draft response")
	}
	if !strings.Contains(prompt, "first-person") {
		t.Error("prompt should demand first-person voice")
	}
}
