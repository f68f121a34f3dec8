package domain

import "time"

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// JobSource tags where a job came from. Sources exist for observability and
// grouping only; no control flow branches on them, except that the
// regenerate sources clear prior rows on bulk enqueue.
type JobSource string

const (
	SourceManual         JobSource = "manual"
	SourceAuto           JobSource = "auto"
	SourceBulk           JobSource = "bulk"
	SourceBulkRegenerate JobSource = "bulk-regenerate"
	SourceUpload         JobSource = "upload"
	SourceAjax           JobSource = "ajax"
)

// Regenerate reports whether this source expresses a fresh-attempt intent
// that should not be blocked by stale completed or failed rows.
func (s JobSource) Regenerate() bool {
	return s == SourceBulkRegenerate
}

// Job is one unit of alt-text generation work. SubjectID is opaque to the
// queue; it is only used as the deduplication key for active rows.
type Job struct {
	ID          int64
	SubjectID   string
	Status      JobStatus
	Attempts    int
	Source      JobSource
	LastError   string
	ResultText  string
	EnqueuedAt  time.Time
	LockedAt    *time.Time
	CompletedAt *time.Time
}

// QueueStats aggregates job counts for the status endpoint.
// CompletedRecent counts completions within the trailing 24 hours.
type QueueStats struct {
	Pending         int64 `json:"pending"`
	Processing      int64 `json:"processing"`
	Failed          int64 `json:"failed"`
	Completed       int64 `json:"completed"`
	CompletedRecent int64 `json:"completed_recent"`
}
