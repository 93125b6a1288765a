package domain

import (
	"strings"
	"time"
)

type JobStatus string

const (
	JobStatusStaged      JobStatus = "staged"
	JobStatusDispatching JobStatus = "dispatching"
	JobStatusCompleted   JobStatus = "completed"
	JobStatusCancelled   JobStatus = "cancelled"
)

// Row is one recipient's record as parsed from the uploaded file. All fields
// are raw strings; per-row validation happens at dispatch time, not here.
type Row struct {
	EmployeeID     string `json:"employeeId"`
	Name           string `json:"name"`
	Amount         string `json:"amount"`
	Absences       string `json:"absences"`
	HolidaysWorked string `json:"holidaysWorked"`
}

// Blank reports whether every field of the row is empty.
func (r Row) Blank() bool {
	return strings.TrimSpace(r.EmployeeID) == "" &&
		strings.TrimSpace(r.Name) == "" &&
		strings.TrimSpace(r.Amount) == "" &&
		strings.TrimSpace(r.Absences) == "" &&
		strings.TrimSpace(r.HolidaysWorked) == ""
}

// NotifyJob is one uploaded artifact's processing unit. It is created only
// after the file parsed with valid headers and exists until an explicit
// confirm or cancel action (or the store TTL) removes it.
type NotifyJob struct {
	ID        string    `json:"jobId"`
	Status    JobStatus `json:"status"`
	CreatedAt time.Time `json:"createdAt"`

	// Originating signal. ChannelID receives the prompt and final report;
	// UserID is the only user allowed to confirm or cancel.
	ChannelID string `json:"channelId"`
	UserID    string `json:"userId"`

	// Source artifact.
	FileID   string `json:"fileId"`
	FileName string `json:"fileName"`
	// LocalPath is the temp copy on disk; ArtifactOSSKey the optional mirror.
	LocalPath      string `json:"-"`
	ArtifactOSSKey string `json:"-"`

	// Confirmation prompt message, updated in place to progress/report.
	PromptTS string `json:"promptTs"`

	Rows []Row `json:"rows"`
}

// JobIDForFile derives the stable job identifier from the platform-assigned
// artifact identifier, so duplicate file-shared signals collide on one job.
func JobIDForFile(fileID string) string {
	return "job_" + strings.TrimSpace(fileID)
}

// RowStatus classifies a single dispatch attempt.
type RowStatus string

const (
	RowSent               RowStatus = "sent"
	RowSkippedMissingData RowStatus = "skipped-missing-data"
	RowSkippedInvalidNum  RowStatus = "skipped-invalid-numeric"
	RowSendFailed         RowStatus = "send-failed"
)

// RowOutcome is the per-row dispatch result, in row order.
type RowOutcome struct {
	EmployeeID string    `json:"employeeId"`
	Name       string    `json:"name"`
	Status     RowStatus `json:"status"`
	MessageTS  string    `json:"messageTs,omitempty"`
	Error      string    `json:"error,omitempty"`
}
