package daemon

import (
	"github.com/awalczyk/anima-agent/internal/statefile"
)

// StatusRecord is the persisted daemon status file.
type StatusRecord struct {
	Status    string `json:"status"`
	StartTime int64  `json:"start_time,omitempty"`
	StopTime  int64  `json:"stop_time,omitempty"`
	ErrorTime int64  `json:"error_time,omitempty"`
	Error     string `json:"error,omitempty"`
	PID       int    `json:"pid"`
	Platform  string `json:"platform,omitempty"`
}

// Status values written to the status file.
const (
	StatusRunning = "running"
	StatusStopped = "stopped"
	StatusError   = "error"
)

// WriteStatus persists the status record.
func WriteStatus(path string, rec StatusRecord) error {
	if path == "" {
		return nil
	}
	return statefile.Save(path, rec)
}

// ReadStatus loads the status record.
func ReadStatus(path string) (StatusRecord, error) {
	var rec StatusRecord
	err := statefile.Load(path, &rec)
	return rec, err
}
