package evaluation

import (
	"context"
	"math"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/awalczyk/anima-agent/internal/config"
	"github.com/awalczyk/anima-agent/internal/statefile"
)

// judgeModel answers case prompts with a fixed reply and judge prompts
// with a scripted rubric.
type judgeModel struct {
	rubric string
	calls  int
}

func (m *judgeModel) Generate(_ context.Context, prompt string) (string, error) {
	m.calls++
	if strings.Contains(prompt, "impartial judge") {
		return m.rubric, nil
	}
	return "a generated answer", nil
}

func (m *judgeModel) Name() string                { return "judge" }
func (m *judgeModel) Profile() config.Profile     { return config.Profile{} }
func (m *judgeModel) SetProfile(config.Profile)   {}
func (m *judgeModel) SaveCheckpoint(string) error { return nil }
func (m *judgeModel) LoadCheckpoint(string) error { return nil }

func testConfig(dir string) config.EvaluationConfig {
	return config.EvaluationConfig{
		FrequencySec: 86400,
		Criteria:     []string{"coherence", "relevance"},
		Scale:        10,
		Threshold:    0.7,
		CasesFile:    filepath.Join(dir, "cases.json"),
		HistoryFile:  filepath.Join(dir, "history.json"),
	}
}

func TestRunAggregatesNormalizedScores(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	if err := statefile.Save(cfg.CasesFile, struct {
		Cases []string `json:"cases"`
	}{[]string{"case one", "case two"}}); err != nil {
		t.Fatal(err)
	}

	e, err := New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	m := &judgeModel{rubric: `{"coherence": 8, "relevance": 6}`}

	result, err := e.Run(context.Background(), m)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.ResponsesEvaluated != 2 {
		t.Errorf("evaluated = %d", result.ResponsesEvaluated)
	}
	if math.Abs(result.CriteriaScores["coherence"]-0.8) > 1e-9 {
		t.Errorf("coherence = %v, want 0.8", result.CriteriaScores["coherence"])
	}
	if math.Abs(result.OverallScore-0.7) > 1e-9 {
		t.Errorf("overall = %v, want 0.7", result.OverallScore)
	}
	if !result.Passed {
		t.Error("overall at threshold should pass")
	}
	if len(result.Analysis.Strengths) != 1 || result.Analysis.Strengths[0] != "coherence" {
		t.Errorf("strengths = %v", result.Analysis.Strengths)
	}
	if len(result.Analysis.Weaknesses) != 1 || result.Analysis.Weaknesses[0] != "relevance" {
		t.Errorf("weaknesses = %v", result.Analysis.Weaknesses)
	}
	// Two model calls per case: generation and judging.
	if m.calls != 4 {
		t.Errorf("model calls = %d, want 4", m.calls)
	}
}

func TestRunSkipsUnparseableJudgments(t *testing.T) {
	e, err := New(testConfig(t.TempDir()), nil)
	if err != nil {
		t.Fatal(err)
	}
	m := &judgeModel{rubric: "I refuse to emit JSON"}

	if _, err := e.Run(context.Background(), m); err == nil {
		t.Fatal("all judgments unusable should be an error")
	}
	if len(e.History()) != 0 {
		t.Error("failed run should not enter history")
	}
}

func TestRunFallsBackToBuiltInCases(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.CasesFile = "" // no file configured
	e, err := New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	m := &judgeModel{rubric: `{"coherence": 9, "relevance": 9}`}
	result, err := e.Run(context.Background(), m)
	if err != nil {
		t.Fatal(err)
	}
	if result.ResponsesEvaluated != len(defaultCases) {
		t.Errorf("evaluated = %d, want %d", result.ResponsesEvaluated, len(defaultCases))
	}
}

func TestShouldRunArmsOnFirstCheck(t *testing.T) {
	e, err := New(testConfig(t.TempDir()), nil)
	if err != nil {
		t.Fatal(err)
	}
	fake := time.Now()
	e.now = func() time.Time { return fake }

	// A fresh evaluator never fires immediately; the first check arms
	// the timer.
	if e.ShouldRun() {
		t.Fatal("fresh evaluator must not run at startup")
	}
	if e.ShouldRun() {
		t.Fatal("timer just armed, must not run")
	}

	fake = fake.Add(25 * time.Hour)
	if !e.ShouldRun() {
		t.Error("window elapsed, should run")
	}
}

func TestHistorySurvivesReload(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.CasesFile = ""

	e1, err := New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e1.Run(context.Background(), &judgeModel{rubric: `{"coherence": 8, "relevance": 8}`}); err != nil {
		t.Fatal(err)
	}

	e2, err := New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(e2.History()) != 1 {
		t.Fatalf("history after reload = %d", len(e2.History()))
	}
	if e2.lastEvaluationTime == 0 {
		t.Error("last evaluation time should persist")
	}
	if e2.Latest() == nil || !e2.Latest().Passed {
		t.Errorf("latest = %+v", e2.Latest())
	}
}
