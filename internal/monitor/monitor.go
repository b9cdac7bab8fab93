// Package monitor collects development metrics into a bounded ring,
// classifies per-metric trends, and flags anomalies against recent
// history.
package monitor

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"time"

	"github.com/awalczyk/anima-agent/internal/config"
	"github.com/awalczyk/anima-agent/internal/statefile"
)

// Trend classifications.
const (
	TrendIncreasing = "increasing"
	TrendDecreasing = "decreasing"
	TrendStable     = "stable"
)

// trendBand is the slope magnitude below which a trend counts as
// stable.
const trendBand = 0.05

// zScoreLimit flags a latest value as a statistical anomaly.
const zScoreLimit = 2.0

// Anomaly is a detected irregularity in one metric. The two variants
// are StatisticalAnomaly and SuddenDrop.
type Anomaly interface {
	anomaly()
	Name() string
}

// StatisticalAnomaly flags a value far outside recent history.
type StatisticalAnomaly struct {
	Metric string
	Value  float64
	Z      float64
}

func (StatisticalAnomaly) anomaly()       {}
func (a StatisticalAnomaly) Name() string { return a.Metric }

// SuddenDrop flags a value that fell harder than the configured
// tolerance since the previous record.
type SuddenDrop struct {
	Metric    string
	Delta     float64
	Threshold float64
}

func (SuddenDrop) anomaly()       {}
func (a SuddenDrop) Name() string { return a.Metric }

// Record is one timestamped metric collection.
type Record struct {
	Timestamp int64              `json:"timestamp"`
	Values    map[string]float64 `json:"values"`
}

// Alert wraps an anomaly for the retained alert list.
type Alert struct {
	Metric    string `json:"metric"`
	Type      string `json:"type"` // statistical_anomaly or sudden_drop
	Severity  string `json:"severity"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// Monitor owns the metric ring and alert list.
type Monitor struct {
	interval      time.Duration
	historyLength int
	metrics       []string
	thresholds    map[string]float64
	maxAlerts     int
	logFile       string

	records             []Record
	alerts              []Alert
	lastMonitoringTime  int64
	lastDashboardUpdate int64

	logger *slog.Logger
	now    func() time.Time
}

// New creates the monitor and loads the persisted monitoring log.
func New(cfg config.MonitorConfig, logger *slog.Logger) (*Monitor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{
		interval:      time.Duration(cfg.IntervalSec) * time.Second,
		historyLength: cfg.HistoryLength,
		metrics:       cfg.Metrics,
		thresholds:    cfg.AlertThresholds,
		maxAlerts:     cfg.MaxAlerts,
		logFile:       cfg.LogFile,
		logger:        logger,
		now:           time.Now,
	}
	if m.interval <= 0 {
		m.interval = 5 * time.Minute
	}
	if m.historyLength <= 0 {
		m.historyLength = 100
	}
	if m.maxAlerts <= 0 {
		m.maxAlerts = 100
	}

	if cfg.LogFile != "" {
		var persisted struct {
			Records             []Record `json:"records"`
			Alerts              []Alert  `json:"alerts"`
			LastMonitoringTime  int64    `json:"last_monitoring_time"`
			LastDashboardUpdate int64    `json:"last_dashboard_update"`
		}
		err := statefile.Load(cfg.LogFile, &persisted)
		if err == nil {
			m.records = persisted.Records
			m.alerts = persisted.Alerts
			m.lastMonitoringTime = persisted.LastMonitoringTime
			m.lastDashboardUpdate = persisted.LastDashboardUpdate
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load monitoring log: %w", err)
		}
	}
	return m, nil
}

// ShouldRun reports whether the monitoring interval has elapsed.
func (m *Monitor) ShouldRun() bool {
	if m.lastMonitoringTime == 0 {
		return true
	}
	return m.now().Sub(time.Unix(m.lastMonitoringTime, 0)) >= m.interval
}

// Metrics returns the configured metric names.
func (m *Monitor) Metrics() []string {
	return m.metrics
}

// Cycle appends one metric record to the ring, detects anomalies
// against the prior history, emits alerts for them, and returns the
// anomalies for the caller to act on.
func (m *Monitor) Cycle(values map[string]float64) []Anomaly {
	now := m.now().Unix()
	m.records = append(m.records, Record{Timestamp: now, Values: values})
	if len(m.records) > m.historyLength {
		m.records = m.records[len(m.records)-m.historyLength:]
	}
	m.lastMonitoringTime = now

	anomalies := m.detect()
	for _, a := range anomalies {
		m.emit(a, now)
	}
	return anomalies
}

// detect inspects the latest record's metrics against the prior ring
// contents. A sudden drop takes precedence over a statistical anomaly
// for the same metric.
func (m *Monitor) detect() []Anomaly {
	if len(m.records) < 2 {
		return nil
	}
	latest := m.records[len(m.records)-1]
	previous := m.records[len(m.records)-2]

	var out []Anomaly
	for _, metric := range m.metrics {
		value, ok := latest.Values[metric]
		if !ok {
			continue
		}

		if threshold, ok := m.thresholds[metric+"_drop"]; ok {
			if prev, ok := previous.Values[metric]; ok {
				if delta := value - prev; delta < -threshold {
					out = append(out, SuddenDrop{Metric: metric, Delta: delta, Threshold: threshold})
					continue
				}
			}
		}

		mean, stdev := m.priorStats(metric)
		if stdev > 0 {
			if z := math.Abs(value-mean) / stdev; z > zScoreLimit {
				out = append(out, StatisticalAnomaly{Metric: metric, Value: value, Z: z})
			}
		}
	}
	return out
}

// priorStats computes mean and standard deviation of a metric over all
// records except the latest.
func (m *Monitor) priorStats(metric string) (float64, float64) {
	var values []float64
	for _, r := range m.records[:len(m.records)-1] {
		if v, ok := r.Values[metric]; ok {
			values = append(values, v)
		}
	}
	if len(values) < 2 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var variance float64
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(values))
	return mean, math.Sqrt(variance)
}

func (m *Monitor) emit(a Anomaly, now int64) {
	var alert Alert
	switch v := a.(type) {
	case SuddenDrop:
		alert = Alert{
			Metric:   v.Metric,
			Type:     "sudden_drop",
			Severity: "high",
			Message:  fmt.Sprintf("%s fell by %.3f (tolerance %.3f)", v.Metric, -v.Delta, v.Threshold),
		}
	case StatisticalAnomaly:
		alert = Alert{
			Metric:   v.Metric,
			Type:     "statistical_anomaly",
			Severity: "medium",
			Message:  fmt.Sprintf("%s at %.3f is %.1f standard deviations from recent history", v.Metric, v.Value, v.Z),
		}
	default:
		return
	}
	alert.Timestamp = now

	m.alerts = append(m.alerts, alert)
	if len(m.alerts) > m.maxAlerts {
		m.alerts = m.alerts[len(m.alerts)-m.maxAlerts:]
	}
	m.logger.Warn("monitoring alert",
		"metric", alert.Metric,
		"type", alert.Type,
		"severity", alert.Severity,
	)
}

// Trend classifies a metric's average slope across the ring.
func (m *Monitor) Trend(metric string) string {
	var values []float64
	for _, r := range m.records {
		if v, ok := r.Values[metric]; ok {
			values = append(values, v)
		}
	}
	if len(values) < 2 {
		return TrendStable
	}
	var slope float64
	for i := 1; i < len(values); i++ {
		slope += values[i] - values[i-1]
	}
	slope /= float64(len(values) - 1)

	switch {
	case slope > trendBand:
		return TrendIncreasing
	case slope < -trendBand:
		return TrendDecreasing
	default:
		return TrendStable
	}
}

// Alerts returns the retained alert list, oldest first.
func (m *Monitor) Alerts() []Alert {
	out := make([]Alert, len(m.alerts))
	copy(out, m.alerts)
	return out
}

// RecordCount reports how many records the ring currently holds.
func (m *Monitor) RecordCount() int {
	return len(m.records)
}

// Save persists the monitoring log.
func (m *Monitor) Save() error {
	if m.logFile == "" {
		return nil
	}
	m.lastDashboardUpdate = m.now().Unix()
	return statefile.Save(m.logFile, struct {
		Records             []Record `json:"records"`
		Alerts              []Alert  `json:"alerts"`
		LastMonitoringTime  int64    `json:"last_monitoring_time"`
		LastDashboardUpdate int64    `json:"last_dashboard_update"`
	}{m.records, m.alerts, m.lastMonitoringTime, m.lastDashboardUpdate})
}
