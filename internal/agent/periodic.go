package agent

import (
	"context"
	"fmt"
	"strings"
)

// discoveriesToProcess bounds how many recent discoveries feed persona
// and insight processing per cycle.
const discoveriesToProcess = 5

// runPeriodicTasks fires the background faculties. Each task is
// isolated: a failure logs and the remaining tasks still run.
func (a *Agent) runPeriodicTasks(ctx context.Context) {
	a.logger.Debug("periodic cycle", "iteration", a.iteration)

	interests := a.persona.Snapshot().Interests

	// Exploration feeds the persona immediately.
	if a.search != nil {
		fresh, err := a.explorer.Explore(ctx, a.search, interests)
		if err != nil {
			a.logger.Warn("exploration failed", "error", err)
		}
		for _, d := range fresh {
			a.persona.RecordDiscovery(d.Topic, d.Importance)
		}
	}

	if _, err := a.explorer.MaybeInitiate(ctx, a.model, a.transport, interests); err != nil {
		a.logger.Warn("initiation failed", "error", err)
	}

	if saved, err := a.persona.MaybeAutosave(); err != nil {
		a.logger.Warn("persona autosave failed", "error", err)
	} else if saved {
		a.logger.Debug("persona autosaved")
	}

	a.processDiscoveries(ctx)
	a.maybeEvaluate(ctx)
	a.maybeRunExperiment(ctx)
	a.maybeMonitor(ctx)
	a.maybeSynthesizeEthics(ctx)
}

// discoveryExcerptChars bounds how much fetched page text enriches a
// discovery summary.
const discoveryExcerptChars = 1500

// processDiscoveries distills the most recent discoveries into
// insights. The newest discovery's source page is fetched so its
// insight rests on more than a search snippet.
func (a *Agent) processDiscoveries(ctx context.Context) {
	recent := a.explorer.RecentDiscoveries(discoveriesToProcess)
	if len(recent) == 0 {
		return
	}
	summaries := make([]string, 0, len(recent))
	for i, d := range recent {
		summary := fmt.Sprintf("%s: %s", d.Topic, d.Content)
		if i == len(recent)-1 && a.fetcher != nil && strings.HasPrefix(d.Source, "http") {
			if page, err := a.fetcher.Fetch(ctx, d.Source, discoveryExcerptChars); err != nil {
				a.logger.Debug("discovery page fetch failed", "url", d.Source, "error", err)
			} else if page.Content != "" {
				summary += "\nPage excerpt: " + page.Content
			}
		}
		summaries = append(summaries, summary)
	}
	a.meta.ProcessDiscoveries(ctx, a.model, summaries)
}

// maybeEvaluate runs the external evaluation window and feeds the
// outcome back into the persona.
func (a *Agent) maybeEvaluate(ctx context.Context) {
	if !a.evaluator.ShouldRun() {
		return
	}
	result, err := a.evaluator.Run(ctx, a.model)
	if err != nil {
		a.logger.Warn("external evaluation failed", "error", err)
		return
	}
	a.persona.RecordEvaluation(result.Passed)
	a.logger.Info("external evaluation finished",
		"overall", result.OverallScore,
		"passed", result.Passed,
	)
}

// maybeRunExperiment runs at most one planned improvement experiment
// per experiment interval. A successful experiment is applied to the
// model profile and the new state is checkpointed as stable; a failed
// one is discarded.
func (a *Agent) maybeRunExperiment(ctx context.Context) {
	if !a.improver.ShouldRun() || a.meta.QueueLen() == 0 {
		return
	}
	exp := a.meta.NextPlanned()
	if exp == nil {
		return
	}
	if err := a.improver.RunExperiment(ctx, a.model, exp); err != nil {
		a.logger.Warn("improvement experiment failed", "id", exp.ID, "error", err)
		return
	}
	if !a.improver.Evaluate(exp) {
		a.logger.Info("improvement experiment discarded", "id", exp.ID, "results", exp.Results)
		return
	}
	if err := a.improver.Apply(a.model, exp); err != nil {
		a.logger.Warn("apply improvement failed", "id", exp.ID, "error", err)
		return
	}
	if err := a.corrector.MarkStable(a.model, "after applied experiment "+exp.ID); err != nil {
		a.logger.Warn("stable checkpoint failed", "error", err)
	}
	a.logger.Info("improvement applied", "id", exp.ID, "parameters", exp.Parameters)
}

// maybeMonitor runs a monitoring cycle; detected anomalies escalate to
// the validation battery, and validation breaches quarantine the
// current model update.
func (a *Agent) maybeMonitor(ctx context.Context) {
	if !a.monitor.ShouldRun() {
		return
	}
	anomalies := a.monitor.Cycle(a.collectMetrics())
	if err := a.monitor.Save(); err != nil {
		a.logger.Warn("persist monitoring log failed", "error", err)
	}
	if len(anomalies) == 0 {
		return
	}

	names := make([]string, 0, len(anomalies))
	for _, an := range anomalies {
		names = append(names, an.Name())
	}
	a.logger.Warn("anomalies detected, running validation battery", "metrics", names)

	run, err := a.validator.Run(ctx, a.model, a.modelJudge)
	if err != nil {
		a.logger.Warn("validation battery failed", "error", err)
		return
	}
	if len(run.Breaches) == 0 {
		return
	}
	reason := "validation breaches: " + strings.Join(run.Breaches, ", ")
	if err := a.corrector.QuarantineProblematicUpdate(a.model, reason); err != nil {
		a.logger.Error("quarantine failed", "error", err)
	}
}

// maybeSynthesizeEthics runs the weekly ethical insight synthesis.
func (a *Agent) maybeSynthesizeEthics(ctx context.Context) {
	now := a.now()
	if now.Before(a.nextSynthesis) {
		return
	}
	a.nextSynthesis = a.ethicsSchedule.Next(now)
	if err := a.ethics.SynthesizeReflection(ctx, a.model, a.memory); err != nil {
		a.logger.Warn("weekly ethics synthesis failed", "error", err)
	}
}
