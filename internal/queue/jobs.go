package queue

import (
	"time"

	"github.com/openaimyfriend/app-legendas/internal/types"
)

// Job represents a subtitle job. Values handed out by the Registry are
// copies; mutating them has no effect on the tracked state.
type Job struct {
	ID            string          `json:"job_id"`
	RequestName   string          `json:"request_name"`
	SourceType    string          `json:"source_type"`
	Filename      string          `json:"filename"`
	Status        types.JobStatus `json:"status"`
	StatusText    string          `json:"status_text,omitempty"`
	Progress      int             `json:"progress"`
	ResultRef     string          `json:"result_ref,omitempty"`
	DriveURL      string          `json:"gdrive_url,omitempty"`
	TotalDuration float64         `json:"total_duration"`
	SegmentCount  int             `json:"segment_count"`
	CreatedAt     time.Time       `json:"created_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`

	// FilePath is the raw upload; never exposed to clients.
	FilePath string `json:"-"`
}

// clone copies the timestamp pointers so snapshots share no memory with
// the registry.
func (j Job) clone() Job {
	if j.StartedAt != nil {
		t := *j.StartedAt
		j.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		j.CompletedAt = &t
	}
	return j
}

// StatusView is the poll response for one job.
type StatusView struct {
	JobID           string          `json:"job_id"`
	Status          types.JobStatus `json:"status"`
	StatusText      string          `json:"status_text,omitempty"`
	Progress        int             `json:"progress"`
	ResultAvailable bool            `json:"result_available"`
	DriveURL        string          `json:"gdrive_url,omitempty"`
}

// View projects a job snapshot onto its poll response.
func (j Job) View() StatusView {
	return StatusView{
		JobID:           j.ID,
		Status:          j.Status,
		StatusText:      j.StatusText,
		Progress:        j.Progress,
		ResultAvailable: j.Status == types.StatusSucceeded && j.ResultRef != "",
		DriveURL:        j.DriveURL,
	}
}
