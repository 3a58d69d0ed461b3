package models

import (
	"time"
)

// JobStatus enumerates the lifecycle of one generation job as reported by the service.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether the status can never change again.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Rank orders statuses along Pending -> Processing -> {Completed|Failed}.
// Unknown statuses rank below Pending so they never count as progress.
func (s JobStatus) Rank() int {
	switch s {
	case JobPending:
		return 0
	case JobProcessing:
		return 1
	case JobCompleted, JobFailed:
		return 2
	default:
		return -1
	}
}

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	return s.Rank() >= 0
}

// GeneratedAd is the result payload of a completed job.
type GeneratedAd struct {
	AdID                  string             `json:"ad_id"`
	IdeaID                string             `json:"idea_id"`
	ImageURL              string             `json:"image_url"`
	ThumbnailURL          string             `json:"thumbnail_url,omitempty"`
	PromptUsed            string             `json:"prompt_used"`
	PerformancePrediction map[string]float64 `json:"performance_prediction,omitempty"`
	CreatedAt             time.Time          `json:"created_at"`
}

// JobRecord tracks one asynchronous generation unit.
type JobRecord struct {
	JobID        string       `json:"job_id"`
	Status       JobStatus    `json:"status"`
	Progress     *int         `json:"progress,omitempty"`
	Result       *GeneratedAd `json:"result,omitempty"`
	Error        string       `json:"error,omitempty"`
	LastPolledAt time.Time    `json:"last_polled_at,omitempty"`
}

// NewJobRecord returns a freshly submitted, pending record.
func NewJobRecord(id string) JobRecord {
	return JobRecord{JobID: id, Status: JobPending}
}

// Clone returns a deep copy.
func (r JobRecord) Clone() JobRecord {
	out := r
	if r.Progress != nil {
		p := *r.Progress
		out.Progress = &p
	}
	if r.Result != nil {
		res := *r.Result
		if r.Result.PerformancePrediction != nil {
			res.PerformancePrediction = make(map[string]float64, len(r.Result.PerformancePrediction))
			for k, v := range r.Result.PerformancePrediction {
				res.PerformancePrediction[k] = v
			}
		}
		out.Result = &res
	}
	return out
}
