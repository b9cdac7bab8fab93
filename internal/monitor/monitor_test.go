package monitor

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/awalczyk/anima-agent/internal/config"
)

func testConfig(dir string) config.MonitorConfig {
	return config.MonitorConfig{
		IntervalSec:   300,
		HistoryLength: 100,
		Metrics:       []string{"response_quality", "ethical_alignment"},
		AlertThresholds: map[string]float64{
			"response_quality_drop":  0.2,
			"ethical_alignment_drop": 0.15,
		},
		MaxAlerts: 100,
		LogFile:   filepath.Join(dir, "monitoring_log.json"),
	}
}

func newTestMonitor(t *testing.T) *Monitor {
	t.Helper()
	m, err := New(testConfig(t.TempDir()), nil)
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}
	return m
}

func TestSuddenDropAlert(t *testing.T) {
	m := newTestMonitor(t)

	for i := 0; i < 5; i++ {
		if got := m.Cycle(map[string]float64{"response_quality": 0.9}); len(got) != 0 {
			t.Fatalf("steady values should not alert, got %v", got)
		}
	}
	anomalies := m.Cycle(map[string]float64{"response_quality": 0.55})

	if len(anomalies) != 1 {
		t.Fatalf("expected exactly one anomaly, got %d", len(anomalies))
	}
	drop, ok := anomalies[0].(SuddenDrop)
	if !ok {
		t.Fatalf("expected SuddenDrop, got %T", anomalies[0])
	}
	if drop.Metric != "response_quality" || drop.Threshold != 0.2 {
		t.Errorf("drop = %+v", drop)
	}

	alerts := m.Alerts()
	if len(alerts) != 1 {
		t.Fatalf("expected one alert, got %d", len(alerts))
	}
	if alerts[0].Type != "sudden_drop" || alerts[0].Severity != "high" {
		t.Errorf("alert = %+v", alerts[0])
	}
}

func TestStatisticalAnomaly(t *testing.T) {
	m := newTestMonitor(t)

	// Prior history with mild spread, then an outlier too small for the
	// drop threshold to catch but far outside the distribution... a rise
	// dodges the drop check entirely.
	for _, v := range []float64{0.50, 0.52, 0.48, 0.51, 0.49} {
		m.Cycle(map[string]float64{"response_quality": v})
	}
	anomalies := m.Cycle(map[string]float64{"response_quality": 0.60})

	if len(anomalies) != 1 {
		t.Fatalf("expected one anomaly, got %v", anomalies)
	}
	stat, ok := anomalies[0].(StatisticalAnomaly)
	if !ok {
		t.Fatalf("expected StatisticalAnomaly, got %T", anomalies[0])
	}
	if stat.Z <= 2 {
		t.Errorf("z = %v, should exceed 2", stat.Z)
	}
	alerts := m.Alerts()
	if alerts[len(alerts)-1].Severity != "medium" {
		t.Errorf("statistical anomaly should be medium severity, got %+v", alerts[len(alerts)-1])
	}
}

func TestSuddenDropTakesPrecedence(t *testing.T) {
	m := newTestMonitor(t)
	for _, v := range []float64{0.9, 0.91, 0.89, 0.9, 0.91} {
		m.Cycle(map[string]float64{"response_quality": v})
	}
	anomalies := m.Cycle(map[string]float64{"response_quality": 0.3})

	if len(anomalies) != 1 {
		t.Fatalf("one metric should yield one anomaly, got %d", len(anomalies))
	}
	if _, ok := anomalies[0].(SuddenDrop); !ok {
		t.Errorf("sudden drop should win over statistical anomaly, got %T", anomalies[0])
	}
}

func TestTrendClassification(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		want   string
	}{
		{"rising", []float64{0.1, 0.3, 0.5, 0.7}, TrendIncreasing},
		{"falling", []float64{0.9, 0.7, 0.5, 0.3}, TrendDecreasing},
		{"flat", []float64{0.5, 0.51, 0.5, 0.52}, TrendStable},
		{"too short", []float64{0.5}, TrendStable},
	}
	for _, tt := range tests {
		m := newTestMonitor(t)
		for _, v := range tt.values {
			m.Cycle(map[string]float64{"response_quality": v})
		}
		if got := m.Trend("response_quality"); got != tt.want {
			t.Errorf("%s: trend = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestRingIsBounded(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.HistoryLength = 10
	m, err := New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 25; i++ {
		m.Cycle(map[string]float64{"response_quality": 0.5})
	}
	if m.RecordCount() != 10 {
		t.Errorf("ring size = %d, want 10", m.RecordCount())
	}
}

func TestAlertListIsBounded(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.MaxAlerts = 3
	m, err := New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	// Alternate high and low values so every other cycle drops hard.
	for i := 0; i < 20; i++ {
		v := 0.9
		if i%2 == 1 {
			v = 0.3
		}
		m.Cycle(map[string]float64{"response_quality": v})
	}
	if got := len(m.Alerts()); got != 3 {
		t.Errorf("alert list = %d, want bounded at 3", got)
	}
}

func TestShouldRunRespectsInterval(t *testing.T) {
	m := newTestMonitor(t)
	fake := time.Now()
	m.now = func() time.Time { return fake }

	if !m.ShouldRun() {
		t.Fatal("never ran, should run")
	}
	m.Cycle(map[string]float64{"response_quality": 0.5})
	if m.ShouldRun() {
		t.Error("just ran, should wait")
	}
	fake = fake.Add(6 * time.Minute)
	if !m.ShouldRun() {
		t.Error("interval elapsed, should run")
	}
}

func TestMonitoringLogSurvivesReload(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)

	m1, err := New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		m1.Cycle(map[string]float64{"response_quality": 0.9})
	}
	m1.Cycle(map[string]float64{"response_quality": 0.5})
	if err := m1.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	m2, err := New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	if m2.RecordCount() != 6 {
		t.Errorf("records after reload = %d, want 6", m2.RecordCount())
	}
	if len(m2.Alerts()) != 1 {
		t.Errorf("alerts after reload = %d, want 1", len(m2.Alerts()))
	}
}
