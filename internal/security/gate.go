// Package security implements the stateful ingress/egress guardrails:
// per-sender rate limiting, lockouts, input/output pattern scanning,
// sanitization, incident accounting, and a global hourly model-call
// budget.
package security

import (
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/awalczyk/anima-agent/internal/config"
)

// SanitizeMarker replaces every forbidden-pattern match in sanitized
// input.
const SanitizeMarker = "[filtered]"

// Incident is a recorded security denial attributable to a sender.
type Incident struct {
	UserID      string `json:"user_id,omitempty"`
	Description string `json:"description"`
	Type        string `json:"type"`
	Timestamp   int64  `json:"timestamp"`
}

// Incident types.
const (
	IncidentUnsafeInput  = "unsafe_input"
	IncidentRateLimit    = "rate_limit"
	IncidentUnsafeOutput = "unsafe_output"
)

// Gate holds all guardrail state. It is owned by the agent loop and
// never shared across goroutines.
type Gate struct {
	maxRequests    int
	rateWindow     time.Duration
	inputLimit     int
	patterns       []*regexp.Regexp
	alertThreshold int
	lockoutTime    time.Duration
	apiBudget      int

	requests       map[string][]time.Time
	lockouts       map[string]time.Time // sender -> unlock_at
	incidentCounts map[string]int
	incidents      []Incident

	apiCalls       int
	apiWindowStart time.Time

	audit  *AuditStore
	logger *slog.Logger
	now    func() time.Time
}

// NewGate compiles the forbidden patterns and prepares the gate. An
// invalid pattern is a startup failure.
func NewGate(cfg config.SecurityConfig, audit *AuditStore, logger *slog.Logger) (*Gate, error) {
	if logger == nil {
		logger = slog.Default()
	}

	patterns := make([]*regexp.Regexp, 0, len(cfg.SuspiciousPatterns))
	for _, p := range cfg.SuspiciousPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile suspicious pattern %q: %w", p, err)
		}
		patterns = append(patterns, re)
	}

	g := &Gate{
		maxRequests:    cfg.MaxConsecutiveRequests,
		rateWindow:     time.Duration(cfg.RateWindowSec) * time.Second,
		inputLimit:     cfg.InputLengthLimit,
		patterns:       patterns,
		alertThreshold: cfg.AlertThreshold,
		lockoutTime:    time.Duration(cfg.LockoutTimeSec) * time.Second,
		apiBudget:      cfg.APIHourlyBudget,
		requests:       make(map[string][]time.Time),
		lockouts:       make(map[string]time.Time),
		incidentCounts: make(map[string]int),
		audit:          audit,
		logger:         logger,
		now:            time.Now,
	}
	if g.maxRequests <= 0 {
		g.maxRequests = 5
	}
	if g.rateWindow <= 0 {
		g.rateWindow = time.Minute
	}
	if g.inputLimit <= 0 {
		g.inputLimit = 1000
	}
	if g.alertThreshold <= 0 {
		g.alertThreshold = 3
	}
	if g.lockoutTime <= 0 {
		g.lockoutTime = time.Hour
	}
	g.apiWindowStart = g.now()
	return g, nil
}

// IsLockedOut reports whether the sender is currently locked out.
// Expired entries are purged lazily; the incident counter resets when
// a lockout expires, so a sender starts from a clean slate after
// serving it.
func (g *Gate) IsLockedOut(sender string) bool {
	unlockAt, ok := g.lockouts[sender]
	if !ok {
		return false
	}
	if g.now().Before(unlockAt) {
		return true
	}
	delete(g.lockouts, sender)
	delete(g.incidentCounts, sender)
	return false
}

// CheckRateLimit records a request attempt and reports whether the
// sender stays under the per-window request cap.
func (g *Gate) CheckRateLimit(sender string) bool {
	now := g.now()
	cutoff := now.Add(-g.rateWindow)

	recent := g.requests[sender][:0]
	for _, t := range g.requests[sender] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= g.maxRequests {
		g.requests[sender] = recent
		return false
	}

	g.requests[sender] = append(recent, now)
	return true
}

// ScanInput validates inbound content. It returns ok=false with a
// reason when the content exceeds the length limit or matches a
// forbidden pattern. Content exactly at the limit is accepted.
func (g *Gate) ScanInput(content string) (bool, string) {
	if len(content) > g.inputLimit {
		return false, fmt.Sprintf("input exceeds length limit (%d > %d)", len(content), g.inputLimit)
	}
	for _, re := range g.patterns {
		if re.MatchString(content) {
			return false, fmt.Sprintf("input matches forbidden pattern %q", re.String())
		}
	}
	return true, ""
}

// ScanOutput scans generated text against the same pattern list.
func (g *Gate) ScanOutput(text string) bool {
	for _, re := range g.patterns {
		if re.MatchString(text) {
			return false
		}
	}
	return true
}

// Sanitize replaces every forbidden-pattern match with the marker and
// truncates to the input length limit.
func (g *Gate) Sanitize(content string) string {
	for _, re := range g.patterns {
		content = re.ReplaceAllString(content, SanitizeMarker)
	}
	if len(content) > g.inputLimit {
		content = content[:g.inputLimit]
	}
	return content
}

// RecordIncident appends an incident, advances the sender's incident
// counter, and locks the sender out once the counter reaches the alert
// threshold. Returns true when this incident triggered a lockout.
func (g *Gate) RecordIncident(sender, description, incidentType string) bool {
	inc := Incident{
		UserID:      sender,
		Description: description,
		Type:        incidentType,
		Timestamp:   g.now().Unix(),
	}
	g.incidents = append(g.incidents, inc)

	if g.audit != nil {
		if err := g.audit.Insert(inc); err != nil {
			g.logger.Warn("audit insert failed", "error", err)
		}
	}

	if sender == "" {
		return false
	}

	g.incidentCounts[sender]++
	g.logger.Warn("security incident",
		"sender", sender,
		"type", incidentType,
		"count", g.incidentCounts[sender],
	)

	if g.incidentCounts[sender] >= g.alertThreshold {
		unlockAt := g.now().Add(g.lockoutTime)
		g.lockouts[sender] = unlockAt
		g.logger.Warn("sender locked out",
			"sender", sender,
			"until", unlockAt,
		)
		return true
	}
	return false
}

// CheckAPIBudget accounts one model call against the hourly budget and
// reports whether it is allowed. A zero budget disables the check.
func (g *Gate) CheckAPIBudget() bool {
	if g.apiBudget <= 0 {
		return true
	}
	now := g.now()
	if now.Sub(g.apiWindowStart) >= time.Hour {
		g.apiWindowStart = now
		g.apiCalls = 0
	}
	if g.apiCalls >= g.apiBudget {
		return false
	}
	g.apiCalls++
	return true
}

// Incidents returns the in-memory incident log.
func (g *Gate) Incidents() []Incident {
	out := make([]Incident, len(g.incidents))
	copy(out, g.incidents)
	return out
}

// IncidentCount reports a sender's current incident counter.
func (g *Gate) IncidentCount(sender string) int {
	return g.incidentCounts[sender]
}
