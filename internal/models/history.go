package models

import (
	"time"
)

// TaskHistory is the persisted record of a terminal task outcome. Live
// task state stays in memory with the manager; only terminal outcomes
// are written here so past downloads survive restarts.
type TaskHistory struct {
	// ID is the task ID the record belongs to.
	ID string `gorm:"primaryKey;size:36" json:"id"`

	Name   string     `gorm:"size:255" json:"name"`
	Status TaskStatus `gorm:"not null;size:20;index" json:"status"`

	OutputPath string `gorm:"size:1024" json:"output_path,omitempty"`

	TotalSegments   int   `json:"total_segments"`
	DownloadedBytes int64 `json:"downloaded_bytes"`

	SubmittedAt time.Time  `gorm:"index" json:"submitted_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`

	DurationMs int64 `json:"duration_ms,omitempty"`

	// ErrorKind and the fields below describe the failure for Failed tasks.
	ErrorKind    string `gorm:"size:40" json:"error_kind,omitempty"`
	ErrorMessage string `gorm:"size:4096" json:"error_message,omitempty"`
	FailedIndex  int    `gorm:"default:-1" json:"failed_index"`
	Attempts     int    `json:"attempts,omitempty"`
}

// TableName returns the table name for TaskHistory.
func (TaskHistory) TableName() string {
	return "task_history"
}

// NewTaskHistory builds a history record from a terminal snapshot.
func NewTaskHistory(snap TaskSnapshot, finishedAt time.Time) *TaskHistory {
	h := &TaskHistory{
		ID:              string(snap.ID),
		Name:            snap.Name,
		Status:          snap.Status,
		OutputPath:      snap.OutputPath,
		TotalSegments:   snap.Progress.TotalSegments,
		DownloadedBytes: snap.Progress.DownloadedBytes,
		SubmittedAt:     snap.SubmittedAt,
		FinishedAt:      &finishedAt,
		DurationMs:      finishedAt.Sub(snap.SubmittedAt).Milliseconds(),
		FailedIndex:     -1,
	}
	if snap.Error != nil {
		h.ErrorKind = string(snap.Error.Kind)
		h.ErrorMessage = snap.Error.Message
		h.FailedIndex = snap.Error.SegmentIndex
		h.Attempts = snap.Error.Attempts
	}
	return h
}
