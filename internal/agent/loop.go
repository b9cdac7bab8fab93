package agent

import (
	"context"
	"time"
)

// Run drives the control loop until ctx is cancelled. Each tick drains
// the transport, pipelines every message in order, and fires the
// periodic faculties on the iteration heartbeat. The first heartbeat
// after startup is skipped so the system is warm before background
// work begins.
func (a *Agent) Run(ctx context.Context) error {
	tick := time.Duration(a.cfg.Agent.TickIntervalSec) * time.Second
	if tick <= 0 {
		tick = time.Second
	}
	every := a.cfg.Agent.PeriodicEvery
	if every <= 0 {
		every = 60
	}

	a.logger.Info("agent loop started",
		"tick", tick,
		"periodic_every", every,
	)

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("agent loop stopping", "iterations", a.iteration)
			return nil
		case <-ticker.C:
		}

		a.tick(ctx, every)
	}
}

// tick is one loop iteration: drain, pipeline, heartbeat.
func (a *Agent) tick(ctx context.Context, every int) {
	msgs, err := a.transport.Poll(ctx)
	if err != nil {
		a.logger.Warn("transport poll failed", "error", err)
	}
	for _, msg := range msgs {
		outcome := a.ProcessMessage(ctx, msg)
		if err := a.transport.Send(ctx, msg.Sender, outcome.Reply()); err != nil {
			a.logger.Warn("transport send failed", "recipient", msg.Sender, "error", err)
		}
	}

	a.iteration++
	if a.iteration%every == 0 {
		if !a.initialCycleSkipped {
			a.initialCycleSkipped = true
			a.logger.Debug("initial periodic cycle skipped")
			return
		}
		a.runPeriodicTasks(ctx)
	}
}

// Shutdown sends a farewell to every active user and persists all
// subsystem state. It is called once, after the loop has stopped.
func (a *Agent) Shutdown(ctx context.Context) {
	for _, user := range a.transport.ActiveUsers() {
		if err := a.transport.Send(ctx, user, farewellText); err != nil {
			a.logger.Warn("farewell send failed", "recipient", user, "error", err)
		}
	}
	a.PersistAll()
	if err := a.transport.Close(); err != nil {
		a.logger.Warn("transport close failed", "error", err)
	}
	if a.audit != nil {
		if err := a.audit.Close(); err != nil {
			a.logger.Warn("audit store close failed", "error", err)
		}
	}
	a.logger.Info("agent shut down")
}

// PersistAll flushes every subsystem's durable state. Individual
// failures are logged and do not stop the remaining saves.
func (a *Agent) PersistAll() {
	saves := []struct {
		name string
		fn   func() error
	}{
		{"memory", a.memory.SaveState},
		{"persona", a.persona.Save},
		{"evaluation history", a.evaluator.SaveHistory},
		{"improvement history", a.improver.SaveHistory},
		{"monitoring log", a.monitor.Save},
		{"correction log", a.corrector.SaveLog},
		{"validation history", a.validator.Save},
		{"ethical reflections", a.ethics.SaveReflections},
	}
	for _, s := range saves {
		if err := s.fn(); err != nil {
			a.logger.Error("persist failed", "subsystem", s.name, "error", err)
		}
	}
}
