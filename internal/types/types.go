package types

import "strings"

// JobStatus is the lifecycle state of a subtitle job
type JobStatus string

// Job status constants
const (
	StatusQueued    JobStatus = "QUEUED"
	StatusRunning   JobStatus = "RUNNING"
	StatusSucceeded JobStatus = "SUCCEEDED"
	StatusFailed    JobStatus = "FAILED"
)

// Terminal reports whether no further transitions are allowed from s.
func (s JobStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Source type constants
const (
	SourceUpload = "upload"
	SourceGDrive = "gdrive"
	SourceStream = "stream"
)

// Segment represents a timestamped segment of transcription
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Blank reports whether the segment carries no text after trimming.
func (s Segment) Blank() bool {
	return strings.TrimSpace(s.Text) == ""
}
