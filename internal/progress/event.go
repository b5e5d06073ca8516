package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the milestone an Event represents.
type Stage string

// Supported progress stages.
const (
	StageJobStart     Stage = "JOB_START"
	StageJobDone      Stage = "JOB_DONE"
	StageJobError     Stage = "JOB_ERROR"
	StageJobCancelled Stage = "JOB_CANCELLED"
	StagePeriodStart  Stage = "PERIOD_START"
	StagePeriodDone   Stage = "PERIOD_DONE"
	StagePeriodError  Stage = "PERIOD_ERROR"
	StagePageDone     Stage = "PAGE_DONE"
)

// Event captures a single step of execution progress. Counters are deltas
// since the previous event of the same execution.
type Event struct {
	// JobID is the execution's identifier.
	JobID int64
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	// Period is the yyyy-mm label of the period being processed.
	Period string
	// Page is the 1-based result page for PAGE_DONE events.
	Page       int
	NotesFound int
	Downloaded int
	Skipped    int
	Duplicates int
	Failed     int
	Retries    int
	// Dur is the page, period or execution wall time.
	Dur time.Duration
	// Note carries low-volume context such as an error message. It must
	// never contain credentials.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID <= 0 {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobStart, StageJobDone, StageJobError, StageJobCancelled:
	case StagePeriodStart, StagePeriodDone, StagePeriodError:
		if e.Period == "" {
			return fmt.Errorf("%s requires period", e.Stage)
		}
	case StagePageDone:
		if e.Period == "" || e.Page < 1 {
			return errors.New("page event requires period and page")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.NotesFound < 0 || e.Downloaded < 0 || e.Skipped < 0 || e.Duplicates < 0 || e.Failed < 0 || e.Retries < 0 {
		return errors.New("counters must be >= 0")
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Terminal reports whether the event ends its execution.
func (e Event) Terminal() bool {
	switch e.Stage {
	case StageJobDone, StageJobError, StageJobCancelled:
		return true
	default:
		return false
	}
}
