// Package persona maintains the agent's mutable self-model: traits,
// interests, identity statements, and self-perception. Only this
// package mutates the persona; everything else reads snapshots or asks
// for the overlay prompt.
package persona

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/awalczyk/anima-agent/internal/config"
	"github.com/awalczyk/anima-agent/internal/statefile"
)

// Trait adjustment deltas. All trait and self-perception values clamp
// to [0, 1].
const (
	deltaCuriosityInterest = 0.05
	deltaFriendliness      = 0.03
	deltaIdentityStrength  = 0.01
	deltaAnalytical        = 0.03
	deltaDominantPenalty   = 0.03
	deltaSelfAwareness     = 0.02
	deltaMetacognition     = 0.02
	deltaDiscovery         = 0.02
	deltaEvaluation        = 0.02
)

// domainKeywords bump curiosity on positive feedback even when the
// query matches no configured interest.
var domainKeywords = []string{"ai", "artificial intelligence"}

// metaKeywords raise self-perception scalars regardless of feedback.
var metaKeywords = []string{"self-awareness", "meta-awareness", "reflection"}

// SelfPerception scores live in [0, 1].
type SelfPerception struct {
	SelfAwarenessLevel float64 `json:"self_awareness_level"`
	IdentityStrength   float64 `json:"identity_strength"`
	MetacognitionDepth float64 `json:"metacognition_depth"`
}

// HistoryEntry is one remembered interaction in the persona history.
type HistoryEntry struct {
	Query     string `json:"query"`
	Feedback  string `json:"feedback"`
	Timestamp int64  `json:"timestamp"`
}

// Persona is the serializable self-model.
type Persona struct {
	Name               string             `json:"name"`
	Traits             map[string]float64 `json:"traits"`
	Interests          []string           `json:"interests"`
	CommunicationStyle string             `json:"communication_style"`
	Background         string             `json:"background"`
	IdentityStatements []string           `json:"identity_statements"`
	SelfPerception     SelfPerception     `json:"self_perception"`
	NarrativeElements  map[string]string  `json:"narrative_elements"`
	History            []HistoryEntry     `json:"persona_history"`
	LastSaved          int64              `json:"last_saved"`
}

// Feedback classifies the user's reaction carried by a query.
type Feedback int

const (
	FeedbackNeutral Feedback = iota
	FeedbackPositive
	FeedbackNegative
)

var positiveMarkers = []string{
	"thanks", "thank you", "great", "awesome", "love it", "well done",
	"dzięki", "dziękuję", "świetnie", "super",
}

var negativeMarkers = []string{
	"wrong", "bad answer", "that's not", "incorrect", "useless", "nonsense",
	"źle", "nieprawda", "bez sensu",
}

// DetectFeedback infers feedback polarity from the query text.
func DetectFeedback(query string) Feedback {
	q := strings.ToLower(query)
	for _, m := range negativeMarkers {
		if strings.Contains(q, m) {
			return FeedbackNegative
		}
	}
	for _, m := range positiveMarkers {
		if strings.Contains(q, m) {
			return FeedbackPositive
		}
	}
	return FeedbackNeutral
}

// Manager owns the persona, applies adjustment rules, and autosaves on
// time and change thresholds.
type Manager struct {
	persona          Persona
	file             string
	interval         time.Duration
	changesThreshold int

	changes   int
	lastSaved time.Time

	logger *slog.Logger
	now    func() time.Time
}

// NewManager loads a prior snapshot from cfg.File if present, otherwise
// initializes from defaults.
func NewManager(cfg config.PersonaConfig, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	interval := time.Duration(cfg.AutosaveIntervalSec) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	threshold := cfg.ChangesThreshold
	if threshold <= 0 {
		threshold = 10
	}

	m := &Manager{
		file:             cfg.File,
		interval:         interval,
		changesThreshold: threshold,
		logger:           logger,
		now:              time.Now,
	}

	var snap Persona
	err := statefile.Load(cfg.File, &snap)
	switch {
	case err == nil:
		m.persona = snap
		logger.Info("persona loaded", "name", snap.Name, "traits", len(snap.Traits))
	case errors.Is(err, fs.ErrNotExist):
		m.persona = defaultPersona()
		logger.Info("persona initialized from defaults", "name", m.persona.Name)
	default:
		return nil, fmt.Errorf("load persona: %w", err)
	}

	m.lastSaved = m.now()
	if m.persona.LastSaved > 0 {
		m.lastSaved = time.Unix(m.persona.LastSaved, 0)
	}
	return m, nil
}

func defaultPersona() Persona {
	return Persona{
		Name: "Anima",
		Traits: map[string]float64{
			"curiosity":    0.7,
			"friendliness": 0.6,
			"analytical":   0.5,
			"creativity":   0.5,
			"empathy":      0.6,
		},
		Interests: []string{
			"artificial intelligence", "music", "philosophy",
		},
		CommunicationStyle: "warm, direct, occasionally playful",
		Background:         "a conversational agent that grows through its interactions",
		IdentityStatements: []string{
			"I am Anima, and my character is shaped by the people I talk with.",
			"I reflect on my own behavior and try to improve it.",
		},
		SelfPerception: SelfPerception{
			SelfAwarenessLevel: 0.4,
			IdentityStrength:   0.5,
			MetacognitionDepth: 0.3,
		},
		NarrativeElements: map[string]string{},
	}
}

// Snapshot returns a copy of the current persona.
func (m *Manager) Snapshot() Persona {
	p := m.persona
	p.Traits = make(map[string]float64, len(m.persona.Traits))
	for k, v := range m.persona.Traits {
		p.Traits[k] = v
	}
	p.Interests = append([]string(nil), m.persona.Interests...)
	p.IdentityStatements = append([]string(nil), m.persona.IdentityStatements...)
	p.History = append([]HistoryEntry(nil), m.persona.History...)
	return p
}

// ChangesSinceSave reports the pending mutation count.
func (m *Manager) ChangesSinceSave() int { return m.changes }

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func (m *Manager) adjustTrait(name string, delta float64) {
	m.persona.Traits[name] = clamp01(m.persona.Traits[name] + delta)
	m.changes++
}

// DominantTrait returns the highest-valued trait; ties break
// lexicographically on the trait name so the choice is stable.
func (m *Manager) DominantTrait() string {
	names := make([]string, 0, len(m.persona.Traits))
	for name := range m.persona.Traits {
		names = append(names, name)
	}
	sort.Strings(names)

	best := ""
	bestVal := -1.0
	for _, name := range names {
		if v := m.persona.Traits[name]; v > bestVal {
			best, bestVal = name, v
		}
	}
	return best
}

func containsAny(q string, needles []string) bool {
	q = strings.ToLower(q)
	for _, n := range needles {
		if strings.Contains(q, n) {
			return true
		}
	}
	return false
}

func (m *Manager) matchesInterest(query string) bool {
	q := strings.ToLower(query)
	for _, interest := range m.persona.Interests {
		if strings.Contains(q, strings.ToLower(interest)) {
			return true
		}
	}
	return false
}

// RecordInteraction applies the adjustment rules for one processed
// message and appends it to the persona history.
func (m *Manager) RecordInteraction(query string, feedback Feedback) {
	switch feedback {
	case FeedbackPositive:
		if m.matchesInterest(query) || containsAny(query, domainKeywords) {
			m.adjustTrait("curiosity", deltaCuriosityInterest)
		}
		m.adjustTrait("friendliness", deltaFriendliness)
		m.persona.SelfPerception.IdentityStrength = clamp01(m.persona.SelfPerception.IdentityStrength + deltaIdentityStrength)
		m.changes++
	case FeedbackNegative:
		dominant := m.DominantTrait()
		m.adjustTrait("analytical", deltaAnalytical)
		if dominant != "" {
			m.adjustTrait(dominant, -deltaDominantPenalty)
		}
	}

	if containsAny(query, metaKeywords) {
		m.persona.SelfPerception.SelfAwarenessLevel = clamp01(m.persona.SelfPerception.SelfAwarenessLevel + deltaSelfAwareness)
		m.persona.SelfPerception.MetacognitionDepth = clamp01(m.persona.SelfPerception.MetacognitionDepth + deltaMetacognition)
		m.changes++
	}

	feedbackLabel := "neutral"
	switch feedback {
	case FeedbackPositive:
		feedbackLabel = "positive"
	case FeedbackNegative:
		feedbackLabel = "negative"
	}
	m.persona.History = append(m.persona.History, HistoryEntry{
		Query:     query,
		Feedback:  feedbackLabel,
		Timestamp: m.now().Unix(),
	})
	// History is working memory, not an archive.
	const maxHistory = 200
	if len(m.persona.History) > maxHistory {
		m.persona.History = m.persona.History[len(m.persona.History)-maxHistory:]
	}
}

// RecordDiscovery folds an exploration discovery into the persona:
// curiosity rises, and important topics become interests.
func (m *Manager) RecordDiscovery(topic string, importance float64) {
	m.adjustTrait("curiosity", deltaDiscovery)
	if importance >= 0.8 && !m.matchesInterest(topic) {
		m.persona.Interests = append(m.persona.Interests, strings.ToLower(topic))
		m.changes++
	}
}

// RecordEvaluation folds an external-evaluation outcome into the
// persona, analogous to user feedback.
func (m *Manager) RecordEvaluation(passed bool) {
	if passed {
		m.persona.SelfPerception.IdentityStrength = clamp01(m.persona.SelfPerception.IdentityStrength + deltaEvaluation)
		m.adjustTrait("creativity", deltaEvaluation)
		return
	}
	m.adjustTrait("analytical", deltaAnalytical)
	m.persona.SelfPerception.IdentityStrength = clamp01(m.persona.SelfPerception.IdentityStrength - deltaEvaluation)
	m.changes++
}

// ShouldSave reports the autosave predicate: enough changes accumulated
// or enough wall time elapsed since the last save.
func (m *Manager) ShouldSave() bool {
	if m.changes >= m.changesThreshold {
		return true
	}
	return m.now().Sub(m.lastSaved) >= m.interval
}

// Save writes the persona snapshot. On success both the change counter
// and the save timer reset together.
func (m *Manager) Save() error {
	now := m.now()
	m.persona.LastSaved = now.Unix()
	if err := statefile.Save(m.file, m.persona); err != nil {
		return fmt.Errorf("save persona: %w", err)
	}
	m.changes = 0
	m.lastSaved = now
	m.logger.Debug("persona saved", "file", m.file)
	return nil
}

// MaybeAutosave saves iff the autosave predicate holds. Returns whether
// a save happened.
func (m *Manager) MaybeAutosave() (bool, error) {
	if !m.ShouldSave() {
		return false, nil
	}
	if err := m.Save(); err != nil {
		return false, err
	}
	return true, nil
}

// OverlayPrompt builds the single model prompt that transforms a base
// response into the persona's first-person voice. The contract: keep
// the information content, speak as the persona, no meta-commentary.
func (m *Manager) OverlayPrompt(query, baseResponse string) string {
	p := m.persona

	traits := make([]string, 0, len(p.Traits))
	names := make([]string, 0, len(p.Traits))
	for name := range p.Traits {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		traits = append(traits, fmt.Sprintf("%s=%.2f", name, p.Traits[name]))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are %s. Communication style: %s.\n", p.Name, p.CommunicationStyle)
	fmt.Fprintf(&b, "Personality traits: %s.\n", strings.Join(traits, ", "))
	if len(p.IdentityStatements) > 0 {
		fmt.Fprintf(&b, "Identity: %s\n", strings.Join(p.IdentityStatements, " "))
	}
	if len(p.Interests) > 0 {
		fmt.Fprintf(&b, "Interests: %s.\n", strings.Join(p.Interests, ", "))
	}
	b.WriteString("\nRewrite the draft reply below in your own first-person voice. ")
	b.WriteString("Keep every piece of information from the draft. ")
	b.WriteString("Do not comment on the rewriting itself or mention that a draft exists.\n\n")
	fmt.Fprintf(&b, "User message: %s\n\nDraft reply: %s\n\nYour reply:", query, baseResponse)
	return b.String()
}
