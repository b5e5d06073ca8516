// Package harvest defines core types shared across the harvester subsystems.
package harvest

import (
	"time"
)

// JobStatus represents the lifecycle state of an execution.
type JobStatus string

// Execution status values exposed to API consumers.
const (
	JobStatusStarting  JobStatus = "starting"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible from s.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// DateLayout is the wire format for dates in job parameters.
const DateLayout = "2006-01-02"

// JobParameters captures what a single execution should harvest.
type JobParameters struct {
	CNPJ      string
	Password  string
	StartDate time.Time
	EndDate   time.Time
	Headless  bool
}

// SanitizedParameters is the display-safe view of JobParameters. It never
// carries the password.
type SanitizedParameters struct {
	CNPJ      string `json:"cnpj"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
	Headless  bool   `json:"headless"`
}

// Sanitized masks the identity token and drops the secret.
func (p JobParameters) Sanitized() SanitizedParameters {
	return SanitizedParameters{
		CNPJ:      MaskCNPJ(p.CNPJ),
		StartDate: p.StartDate.Format(DateLayout),
		EndDate:   p.EndDate.Format(DateLayout),
		Headless:  p.Headless,
	}
}

// Progress is the live counter snapshot of a running execution.
type Progress struct {
	PagesProcessed int    `json:"pages_processed"`
	NotesFound     int    `json:"notes_found"`
	Downloaded     int    `json:"downloaded"`
	Skipped        int    `json:"skipped"`
	Duplicates     int    `json:"duplicates"`
	Failed         int    `json:"failed"`
	Retries        int    `json:"retries"`
	CurrentPeriod  string `json:"current_period,omitempty"`
	CurrentPage    int    `json:"current_page,omitempty"`
}

// PeriodReport aggregates the outcome of one monthly pass.
type PeriodReport struct {
	Period         string `json:"period"`
	PagesProcessed int    `json:"pages_processed"`
	NotesFound     int    `json:"notes_found"`
	Downloaded     int    `json:"downloaded"`
	Skipped        int    `json:"skipped"`
	Duplicates     int    `json:"duplicates"`
	Failures       int    `json:"failures"`
	Error          string `json:"error,omitempty"`
}

// Report is the final summary of an execution.
type Report struct {
	Success            bool           `json:"success"`
	Duration           time.Duration  `json:"duration"`
	PagesProcessed     int            `json:"pages_processed"`
	NotesFound         int            `json:"notes_found"`
	XMLsDownloaded     int            `json:"xmls_downloaded"`
	XMLsSkipped        int            `json:"xmls_skipped"`
	DuplicatesDetected int            `json:"duplicates_detected"`
	Failures           int            `json:"failures"`
	Retries            int            `json:"retries"`
	SuccessRate        float64        `json:"success_rate"`
	DownloadPath       string         `json:"download_path"`
	Periods            []PeriodReport `json:"periods,omitempty"`
}

// ComputeSuccessRate returns downloaded/found, or 0 when nothing was found.
func ComputeSuccessRate(downloaded, found int) float64 {
	if found <= 0 {
		return 0
	}
	return float64(downloaded) / float64(found)
}

// IngestResult summarizes a batch handed to an IngestionSink.
type IngestResult struct {
	Total   int `json:"total"`
	Success int `json:"success"`
	Errors  int `json:"errors"`
}

// Add merges another batch result into r.
func (r *IngestResult) Add(other IngestResult) {
	r.Total += other.Total
	r.Success += other.Success
	r.Errors += other.Errors
}

// Completion is published once an execution reaches a terminal state.
type Completion struct {
	JobID      int64               `json:"job_id"`
	Status     JobStatus           `json:"status"`
	Parameters SanitizedParameters `json:"parameters"`
	Report     *Report             `json:"report,omitempty"`
	Error      string              `json:"error,omitempty"`
	FinishedAt time.Time           `json:"finished_at"`
}
