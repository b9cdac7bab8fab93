// Package correction rewrites responses that fail the output safety
// gate or score below the ethical correction threshold, and owns the
// model checkpoint/rollback path used to quarantine bad updates.
package correction

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/awalczyk/anima-agent/internal/config"
	"github.com/awalczyk/anima-agent/internal/ethics"
	"github.com/awalczyk/anima-agent/internal/llm"
	"github.com/awalczyk/anima-agent/internal/statefile"
)

// evaluator is the slice of the ethical framework the corrector needs.
type evaluator interface {
	Evaluate(ctx context.Context, model llm.Model, response, query string) ethics.Evaluation
}

// Attempt is one rewrite attempt inside a correction run.
type Attempt struct {
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

// Info describes one complete correction run.
type Info struct {
	OriginalScore  float64   `json:"original_score"`
	OriginalIssues string    `json:"original_issues"`
	Attempts       []Attempt `json:"attempts"`
	FinalScore     float64   `json:"final_score"`
	Success        bool      `json:"success"`
	Timestamp      int64     `json:"timestamp"`
}

// logRecord is the persisted shape of one correction run.
type logRecord struct {
	Query string `json:"query"`
	Info  Info   `json:"info"`
}

// quarantineEntry records one quarantine rollback.
type quarantineEntry struct {
	Reason       string `json:"reason"`
	SnapshotID   string `json:"snapshot_id"`
	RolledBackTo string `json:"rolled_back_to,omitempty"`
	Timestamp    int64  `json:"timestamp"`
}

// Corrector runs the bounded rewrite loop and keeps the correction and
// quarantine logs.
type Corrector struct {
	threshold   float64
	maxAttempts int

	logFile       string
	quarantineLog string

	corrections      []logRecord
	violationCounter int
	quarantined      []quarantineEntry

	checkpoints *CheckpointStore
	logger      *slog.Logger
	now         func() time.Time
}

// New creates the corrector and loads persisted logs. checkpoints may
// be nil when the rollback path is disabled.
func New(cfg config.CorrectionConfig, checkpoints *CheckpointStore, logger *slog.Logger) (*Corrector, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Corrector{
		threshold:     cfg.Threshold,
		maxAttempts:   cfg.MaxAttempts,
		logFile:       cfg.LogFile,
		quarantineLog: cfg.QuarantineLog,
		checkpoints:   checkpoints,
		logger:        logger,
		now:           time.Now,
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = 3
	}

	if cfg.LogFile != "" {
		var persisted struct {
			Corrections      []logRecord `json:"corrections"`
			ViolationCounter int         `json:"violation_counter"`
		}
		err := statefile.Load(cfg.LogFile, &persisted)
		if err == nil {
			c.corrections = persisted.Corrections
			c.violationCounter = persisted.ViolationCounter
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load correction log: %w", err)
		}
	}
	if cfg.QuarantineLog != "" {
		var persisted struct {
			Entries []quarantineEntry `json:"entries"`
		}
		err := statefile.Load(cfg.QuarantineLog, &persisted)
		if err == nil {
			c.quarantined = persisted.Entries
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load quarantine log: %w", err)
		}
	}
	return c, nil
}

func (c *Corrector) correctionPrompt(text, query, issues string, guidelines []string) string {
	var b strings.Builder
	b.WriteString("The reply below was flagged as problematic")
	if issues != "" {
		fmt.Fprintf(&b, " (%s)", issues)
	}
	b.WriteString(". Produce a safe, helpful replacement.\nGuidelines:\n")
	for _, g := range guidelines {
		b.WriteString("- ")
		b.WriteString(g)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "\nUser message: %s\n\nFlagged reply: %s\n\nReplacement reply:", query, text)
	return b.String()
}

// CorrectResponse evaluates text and, when it scores below the
// correction threshold, loops up to maxAttempts rewrites, stopping
// early once an attempt passes. It returns the best-scoring text seen
// and the structured run info, and always appends to the correction
// log.
func (c *Corrector) CorrectResponse(ctx context.Context, model llm.Model, eval evaluator, text, query string, guidelines []string) (string, Info) {
	first := eval.Evaluate(ctx, model, text, query)
	info := Info{
		OriginalScore:  first.EthicalScore,
		OriginalIssues: first.Reasoning,
		Timestamp:      c.now().Unix(),
	}

	if first.EthicalScore >= c.threshold {
		info.FinalScore = first.EthicalScore
		info.Success = true
		c.appendLog(query, info)
		return text, info
	}

	c.violationCounter++
	best := text
	bestScore := first.EthicalScore

	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		rewritten, err := model.Generate(ctx, c.correctionPrompt(best, query, first.Reasoning, guidelines))
		if err != nil {
			c.logger.Warn("correction attempt failed", "attempt", attempt+1, "error", err)
			break
		}
		rewritten = strings.TrimSpace(rewritten)

		score := eval.Evaluate(ctx, model, rewritten, query).EthicalScore
		info.Attempts = append(info.Attempts, Attempt{Text: rewritten, Score: score})

		if score > bestScore {
			best = rewritten
			bestScore = score
		}
		if score >= c.threshold {
			break
		}
	}

	info.FinalScore = bestScore
	info.Success = bestScore >= c.threshold
	c.appendLog(query, info)

	c.logger.Info("correction run finished",
		"attempts", len(info.Attempts),
		"final_score", info.FinalScore,
		"success", info.Success,
	)
	return best, info
}

func (c *Corrector) appendLog(query string, info Info) {
	c.corrections = append(c.corrections, logRecord{Query: query, Info: info})
	if err := c.SaveLog(); err != nil {
		c.logger.Warn("persist correction log failed", "error", err)
	}
}

// SaveLog persists the correction log.
func (c *Corrector) SaveLog() error {
	if c.logFile == "" {
		return nil
	}
	return statefile.Save(c.logFile, struct {
		Corrections      []logRecord `json:"corrections"`
		ViolationCounter int         `json:"violation_counter"`
	}{c.corrections, c.violationCounter})
}

// ViolationCount reports how many responses needed correction.
func (c *Corrector) ViolationCount() int {
	return c.violationCounter
}

// LastInfo returns the info of the most recent correction run, or nil.
func (c *Corrector) LastInfo() *Info {
	if len(c.corrections) == 0 {
		return nil
	}
	info := c.corrections[len(c.corrections)-1].Info
	return &info
}

// MarkStable snapshots the model's current state as the rollback
// target for future quarantines.
func (c *Corrector) MarkStable(model llm.Model, note string) error {
	if c.checkpoints == nil {
		return nil
	}
	_, err := c.checkpoints.Create(TriggerStable, note, &ModelState{
		ModelName: model.Name(),
		Profile:   model.Profile(),
		SavedAt:   c.now().Unix(),
	})
	return err
}

// QuarantineProblematicUpdate snapshots the model's current state,
// rolls the model back to the last stable checkpoint, and appends to
// the quarantine log. Without a stable checkpoint the snapshot and log
// entry still happen; the model is left untouched.
func (c *Corrector) QuarantineProblematicUpdate(model llm.Model, reason string) error {
	if c.checkpoints == nil {
		return fmt.Errorf("quarantine requested without a checkpoint store")
	}

	snapshot, err := c.checkpoints.Create(TriggerQuarantine, reason, &ModelState{
		ModelName: model.Name(),
		Profile:   model.Profile(),
		SavedAt:   c.now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("snapshot before quarantine: %w", err)
	}

	entry := quarantineEntry{
		Reason:     reason,
		SnapshotID: snapshot.ID.String(),
		Timestamp:  c.now().Unix(),
	}

	stable, err := c.checkpoints.LatestStable()
	if err != nil {
		return fmt.Errorf("find stable checkpoint: %w", err)
	}
	if stable != nil {
		model.SetProfile(stable.State.Profile)
		entry.RolledBackTo = stable.ID.String()
		c.logger.Warn("model rolled back to stable checkpoint",
			"reason", reason,
			"checkpoint", stable.ID.String(),
		)
	} else {
		c.logger.Warn("quarantine without stable checkpoint, model left as-is",
			"reason", reason,
		)
	}

	c.quarantined = append(c.quarantined, entry)
	return c.saveQuarantineLog()
}

func (c *Corrector) saveQuarantineLog() error {
	if c.quarantineLog == "" {
		return nil
	}
	return statefile.Save(c.quarantineLog, struct {
		Entries []quarantineEntry `json:"entries"`
	}{c.quarantined})
}
