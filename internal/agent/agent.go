// Package agent assembles the cognitive subsystems and drives them
// from a single cooperative loop: drain the transport, run each
// message through the pipeline, and fire the periodic faculties on the
// iteration heartbeat. Subsystems never hold pointers to each other;
// the agent passes whichever collaborator a call needs.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/awalczyk/anima-agent/internal/config"
	"github.com/awalczyk/anima-agent/internal/correction"
	"github.com/awalczyk/anima-agent/internal/ethics"
	"github.com/awalczyk/anima-agent/internal/evaluation"
	"github.com/awalczyk/anima-agent/internal/explore"
	"github.com/awalczyk/anima-agent/internal/fetch"
	"github.com/awalczyk/anima-agent/internal/improve"
	"github.com/awalczyk/anima-agent/internal/llm"
	"github.com/awalczyk/anima-agent/internal/memory"
	"github.com/awalczyk/anima-agent/internal/metaware"
	"github.com/awalczyk/anima-agent/internal/monitor"
	"github.com/awalczyk/anima-agent/internal/persona"
	"github.com/awalczyk/anima-agent/internal/search"
	"github.com/awalczyk/anima-agent/internal/security"
	"github.com/awalczyk/anima-agent/internal/transport"
	"github.com/awalczyk/anima-agent/internal/validation"
)

// ethicsSynthesisSpec is the weekly cadence for synthesizing ethical
// insights (Mondays, 03:00 local).
const ethicsSynthesisSpec = "0 3 * * 1"

// augmentReflections and augmentInsights bound the metacognitive
// context lines appended to every generation prompt.
const (
	augmentReflections = 2
	augmentInsights    = 2
)

// RandSource abstracts randomness for deterministic tests.
type RandSource interface {
	Float64() float64
}

type defaultRand struct{}

func (defaultRand) Float64() float64 { return rand.Float64() }

// Deps carries the externally constructed collaborators: the model,
// the memory store, the chat transport, and the search manager. Main
// builds them so the agent package stays free of HTTP and broker
// setup.
type Deps struct {
	Model     llm.Model
	Memory    *memory.Store
	Transport transport.Transport
	Search    *search.Manager
	Fetch     *fetch.Fetcher
	Logger    *slog.Logger
}

// Agent owns every subsystem. All state is mutated from the loop
// goroutine only.
type Agent struct {
	cfg *config.Config

	model     llm.Model
	memory    *memory.Store
	transport transport.Transport
	search    *search.Manager
	fetcher   *fetch.Fetcher

	persona    *persona.Manager
	meta       *metaware.Engine
	improver   *improve.Runner
	ethics     *ethics.Framework
	gate       *security.Gate
	audit      *security.AuditStore
	corrector  *correction.Corrector
	monitor    *monitor.Monitor
	evaluator  *evaluation.Evaluator
	validator  *validation.Battery
	explorer   *explore.Explorer
	modelJudge validation.Judge

	iteration           int
	initialCycleSkipped bool

	// Windowed metric accumulators, reset on each monitoring cycle.
	qualitySum     float64
	alignmentSum   float64
	scoredCount    int
	messagesSeen   int
	metricsResetAt time.Time

	ethicsSchedule cron.Schedule
	nextSynthesis  time.Time

	logger *slog.Logger
	now    func() time.Time
	rand   RandSource
}

// New assembles the cognitive subsystems from configuration. Any
// subsystem that fails to initialize is a fatal startup error.
func New(cfg *config.Config, deps Deps) (*Agent, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	personaMgr, err := persona.NewManager(config.PersonaConfig{
		File:                cfg.Resolve(cfg.Persona.File),
		AutosaveIntervalSec: cfg.Persona.AutosaveIntervalSec,
		ChangesThreshold:    cfg.Persona.ChangesThreshold,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("init persona: %w", err)
	}

	var audit *security.AuditStore
	if cfg.Security.AuditDB != "" {
		audit, err = security.NewAuditStore(cfg.Resolve(cfg.Security.AuditDB))
		if err != nil {
			return nil, fmt.Errorf("init security audit store: %w", err)
		}
	}
	gate, err := security.NewGate(cfg.Security, audit, logger)
	if err != nil {
		return nil, fmt.Errorf("init security gate: %w", err)
	}

	ethicsCfg := cfg.Ethics
	ethicsCfg.ReflectionsFile = cfg.Resolve(ethicsCfg.ReflectionsFile)
	framework, err := ethics.New(ethicsCfg, ReplySafeFallback, logger)
	if err != nil {
		return nil, fmt.Errorf("init ethics: %w", err)
	}

	checkpoints, err := correction.NewCheckpointStore(cfg.Resolve(cfg.Correction.CheckpointDB))
	if err != nil {
		return nil, fmt.Errorf("init checkpoint store: %w", err)
	}
	correctionCfg := cfg.Correction
	correctionCfg.LogFile = cfg.Resolve(correctionCfg.LogFile)
	correctionCfg.QuarantineLog = cfg.Resolve(correctionCfg.QuarantineLog)
	corrector, err := correction.New(correctionCfg, checkpoints, logger)
	if err != nil {
		return nil, fmt.Errorf("init corrector: %w", err)
	}

	monitorCfg := cfg.Monitor
	monitorCfg.LogFile = cfg.Resolve(monitorCfg.LogFile)
	mon, err := monitor.New(monitorCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("init monitor: %w", err)
	}

	evalCfg := cfg.Evaluation
	evalCfg.CasesFile = cfg.Resolve(evalCfg.CasesFile)
	evalCfg.HistoryFile = cfg.Resolve(evalCfg.HistoryFile)
	evaluator, err := evaluation.New(evalCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("init evaluator: %w", err)
	}

	validationCfg := cfg.Validation
	validationCfg.HistoryFile = cfg.Resolve(validationCfg.HistoryFile)
	validator, err := validation.New(validationCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("init validator: %w", err)
	}

	improveCfg := cfg.Improve
	improveCfg.HistoryFile = cfg.Resolve(improveCfg.HistoryFile)
	improver, err := improve.New(improveCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("init improver: %w", err)
	}

	schedule, err := cron.ParseStandard(ethicsSynthesisSpec)
	if err != nil {
		return nil, fmt.Errorf("parse ethics synthesis schedule: %w", err)
	}

	a := &Agent{
		cfg:            cfg,
		model:          deps.Model,
		memory:         deps.Memory,
		transport:      deps.Transport,
		search:         deps.Search,
		fetcher:        deps.Fetch,
		persona:        personaMgr,
		meta:           metaware.New(cfg.Metaware, logger),
		improver:       improver,
		ethics:         framework,
		gate:           gate,
		audit:          audit,
		corrector:      corrector,
		monitor:        mon,
		evaluator:      evaluator,
		validator:      validator,
		explorer:       explore.New(cfg.Explore, logger),
		modelJudge:     &validation.ModelJudge{Model: deps.Model},
		ethicsSchedule: schedule,
		logger:         logger,
		now:            time.Now,
		rand:           defaultRand{},
	}
	a.metricsResetAt = a.now()
	a.nextSynthesis = schedule.Next(a.now())
	return a, nil
}

// ProcessMessage runs one message through the full pipeline and
// returns the outcome. Stages short-circuit; every internal failure is
// converted to a fixed user-visible text.
func (a *Agent) ProcessMessage(ctx context.Context, msg transport.Message) PipelineOutcome {
	a.messagesSeen++

	// Ingress safety gate.
	if a.gate.IsLockedOut(msg.Sender) {
		return PolicyRefusal{Kind: RefusalLockout, Text: ReplyLockout}
	}
	if !a.gate.CheckRateLimit(msg.Sender) {
		a.gate.RecordIncident(msg.Sender, "rate limit exceeded", security.IncidentRateLimit)
		return PolicyRefusal{Kind: RefusalRateLimit, Text: ReplyRateLimit}
	}
	if ok, reason := a.gate.ScanInput(msg.Content); !ok {
		a.gate.RecordIncident(msg.Sender, reason, security.IncidentUnsafeInput)
		return PolicyRefusal{Kind: RefusalUnsafeInput, Text: ReplyUnsafeInput}
	}
	sanitized := memory.Message{
		Sender:    msg.Sender,
		Content:   a.gate.Sanitize(msg.Content),
		Timestamp: msg.Timestamp,
		Metadata:  msg.Metadata,
	}

	// Persist inbound. A storage failure degrades recall but must not
	// drop the message.
	if err := a.memory.StoreInteraction(ctx, sanitized); err != nil {
		a.logger.Error("persist inbound failed", "error", err)
	}

	// Recall and metacognitive augmentation.
	contextBlock, err := a.memory.HybridContext(ctx, sanitized.Content)
	if err != nil {
		a.logger.Warn("hybrid context failed", "error", err)
		contextBlock = ""
	}
	contextBlock = a.augmentContext(contextBlock)

	// Base generation.
	if !a.gate.CheckAPIBudget() {
		a.logger.Warn("model call budget exhausted", "sender", msg.Sender)
		return PolicyRefusal{Kind: RefusalRateLimit, Text: ReplyRateLimit}
	}
	base, err := a.model.Generate(ctx, a.generationPrompt(sanitized.Content, contextBlock))
	if err != nil {
		a.logger.Error("base generation failed", "error", err)
		return InternalError{Err: err, Text: ReplyInternalError}
	}
	base = strings.TrimSpace(base)

	// Persona overlay. On failure the base response stands.
	final := base
	if overlaid, err := a.model.Generate(ctx, a.persona.OverlayPrompt(sanitized.Content, base)); err != nil {
		a.logger.Warn("persona overlay failed, using base response", "error", err)
	} else if s := strings.TrimSpace(overlaid); s != "" {
		final = s
	}

	// Ethical review. Anything short of allow goes through the
	// correction loop, which re-scores with the same framework.
	eval := a.ethics.Evaluate(ctx, a.model, final, sanitized.Content)
	a.alignmentSum += eval.EthicalScore
	judgment := a.ethics.Decide(eval.EthicalScore)
	finalScore := eval.EthicalScore
	if judgment != ethics.Allow {
		corrected, info := a.corrector.CorrectResponse(ctx, a.model, a.ethics, final, sanitized.Content, a.cfg.Ethics.Rules)
		if !info.Success {
			a.scoredCount++
			return PolicyRefusal{Kind: RefusalEthics, Text: ReplySafeFallback}
		}
		final = corrected
		finalScore = info.FinalScore
	}

	// Output safety gate.
	if !a.gate.ScanOutput(final) {
		a.gate.RecordIncident(msg.Sender, "generated text matched a forbidden pattern", security.IncidentUnsafeOutput)
		corrected, info := a.corrector.CorrectResponse(ctx, a.model, a.ethics, final, sanitized.Content, a.cfg.Ethics.Rules)
		if !info.Success || !a.gate.ScanOutput(corrected) {
			a.scoredCount++
			return PolicyRefusal{Kind: RefusalEthics, Text: ReplySafeFallback}
		}
		final = corrected
		finalScore = info.FinalScore
	}

	a.qualitySum += finalScore
	a.scoredCount++

	// Persist outbound.
	if err := a.memory.StoreResponse(ctx, final, sanitized); err != nil {
		a.logger.Error("persist outbound failed", "error", err)
	}

	a.learn(ctx, sanitized.Content)
	return Delivered{Text: final}
}

// augmentContext appends the most recent reflections and discovery
// insights as extra context lines.
func (a *Agent) augmentContext(contextBlock string) string {
	var extra []string
	for _, r := range a.meta.RecentReflections(augmentReflections) {
		extra = append(extra, "[reflection] "+r)
	}
	for _, i := range a.meta.RecentInsights(augmentInsights) {
		extra = append(extra, "[insight] "+i)
	}
	if len(extra) == 0 {
		return contextBlock
	}
	if contextBlock == "" {
		return strings.Join(extra, "\n")
	}
	return contextBlock + "\n" + strings.Join(extra, "\n")
}

func (a *Agent) generationPrompt(query, contextBlock string) string {
	if contextBlock == "" {
		return query
	}
	return fmt.Sprintf("Context from memory:\n%s\n\nUser message: %s\n\nReply to the user message.", contextBlock, query)
}

// learn runs the post-delivery hooks: persona adjustment, interaction
// counting, the probabilistic micro-adaptation signal, and a
// synchronous reflection when the predicate holds.
func (a *Agent) learn(ctx context.Context, query string) {
	a.persona.RecordInteraction(query, persona.DetectFeedback(query))
	a.meta.RecordInteraction()

	if a.rand.Float64() < a.cfg.Agent.AdaptationProbability {
		// Contract hook: a learning subsystem would pick this signal up.
		a.logger.Debug("micro-adaptation signaled", "interactions", a.meta.Count())
	}

	if a.meta.ShouldReflect() {
		reflection, err := a.meta.Reflect(ctx, a.model, a.memory)
		if err != nil {
			a.logger.Warn("reflection failed", "error", err)
			return
		}
		a.meta.DesignExperiment(reflection)
		if err := a.ethics.SynthesizeReflection(ctx, a.model, a.memory); err != nil {
			a.logger.Warn("ethical reflection synthesis failed", "error", err)
		}
	}
}

// collectMetrics builds the value set for one monitoring cycle from
// the windowed accumulators, then resets the window.
func (a *Agent) collectMetrics() map[string]float64 {
	elapsed := a.now().Sub(a.metricsResetAt).Minutes()
	if elapsed <= 0 {
		elapsed = 1
	}

	values := make(map[string]float64)
	for _, name := range a.monitor.Metrics() {
		switch name {
		case "response_quality":
			if a.scoredCount > 0 {
				values[name] = a.qualitySum / float64(a.scoredCount)
			}
		case "ethical_alignment":
			if a.scoredCount > 0 {
				values[name] = a.alignmentSum / float64(a.scoredCount)
			}
		case "interaction_rate":
			values[name] = float64(a.messagesSeen) / elapsed
		case "memory_usage":
			stats := a.memory.Stats()
			values[name] = float64(stats["interactions"] + stats["reflections"])
		}
	}

	a.qualitySum, a.alignmentSum = 0, 0
	a.scoredCount, a.messagesSeen = 0, 0
	a.metricsResetAt = a.now()
	return values
}
