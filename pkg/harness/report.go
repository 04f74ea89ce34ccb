package harness

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// SessionStatus is the outcome of one scoped instance session.
type SessionStatus string

const (
	StatusPassed  SessionStatus = "passed"
	StatusFailed  SessionStatus = "failed"
	StatusSkipped SessionStatus = "skipped"
)

// SessionResult records one session for the run report.
type SessionResult struct {
	NodeID     string        `json:"nodeId"`
	Instance   string        `json:"instance,omitempty"`
	Status     SessionStatus `json:"status"`
	SkipReason string        `json:"skipReason,omitempty"`
	Error      string        `json:"error,omitempty"`
	StartTime  time.Time     `json:"startTime"`
	Duration   float64       `json:"durationSeconds"`
}

// RunReport summarizes an entire harness run.
type RunReport struct {
	RunID     string          `json:"runId"`
	Platform  string          `json:"platform"`
	Image     string          `json:"image,omitempty"`
	Source    string          `json:"source"`
	StartTime time.Time       `json:"startTime"`
	EndTime   time.Time       `json:"endTime"`
	Sessions  []SessionResult `json:"sessions"`
}

// reportRecorder accumulates session results. Sessions may run from
// parallel tests, hence the lock.
type reportRecorder struct {
	mu     sync.Mutex
	report RunReport
}

func newReportRecorder(runID, platform, image, source string) *reportRecorder {
	return &reportRecorder{
		report: RunReport{
			RunID:     runID,
			Platform:  platform,
			Image:     image,
			Source:    source,
			StartTime: time.Now(),
		},
	}
}

func (r *reportRecorder) record(res SessionResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.report.Sessions = append(r.report.Sessions, res)
}

func (r *reportRecorder) finalize() RunReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.report.EndTime = time.Now()
	return r.report
}

// WriteFiles writes report.json and report.txt into dir.
func (rep RunReport) WriteFiles(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}

	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "report.json"), data, 0o644); err != nil {
		return fmt.Errorf("failed to write report.json: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "report.txt"), []byte(rep.Text()), 0o644); err != nil {
		return fmt.Errorf("failed to write report.txt: %w", err)
	}

	return nil
}

// Text renders a human-readable run summary.
func (rep RunReport) Text() string {
	var sb strings.Builder

	var passed, failed, skipped int
	for _, s := range rep.Sessions {
		switch s.Status {
		case StatusPassed:
			passed++
		case StatusFailed:
			failed++
		case StatusSkipped:
			skipped++
		}
	}

	sb.WriteString(strings.Repeat("=", 60) + "\n")
	sb.WriteString("SEEDTEST RUN REPORT\n")
	sb.WriteString(strings.Repeat("=", 60) + "\n")
	sb.WriteString(fmt.Sprintf("Run ID:   %s\n", rep.RunID))
	sb.WriteString(fmt.Sprintf("Platform: %s\n", rep.Platform))
	if rep.Image != "" {
		sb.WriteString(fmt.Sprintf("Image:    %s\n", rep.Image))
	}
	sb.WriteString(fmt.Sprintf("Source:   %s\n", rep.Source))
	sb.WriteString(fmt.Sprintf("Started:  %s\n", rep.StartTime.Format(time.RFC3339)))
	sb.WriteString(fmt.Sprintf("Finished: %s\n", rep.EndTime.Format(time.RFC3339)))
	sb.WriteString(fmt.Sprintf("Duration: %.2fs\n\n", rep.EndTime.Sub(rep.StartTime).Seconds()))

	sb.WriteString(fmt.Sprintf("Sessions: %d total, %d passed, %d failed, %d skipped\n\n",
		len(rep.Sessions), passed, failed, skipped))

	for _, s := range rep.Sessions {
		symbol := "✓"
		switch s.Status {
		case StatusFailed:
			symbol = "✗"
		case StatusSkipped:
			symbol = "-"
		}
		sb.WriteString(fmt.Sprintf("%s %-8s %s (%.2fs)\n", symbol, s.Status, s.NodeID, s.Duration))
		if s.SkipReason != "" {
			sb.WriteString(fmt.Sprintf("  Reason: %s\n", s.SkipReason))
		}
		if s.Error != "" {
			sb.WriteString(fmt.Sprintf("  Error:  %s\n", s.Error))
		}
	}

	sb.WriteString(strings.Repeat("=", 60) + "\n")
	return sb.String()
}
