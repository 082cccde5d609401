// Package webhook tells a caller-supplied URL that a conversion job reached
// a terminal state. Delivery is best effort: bounded retries, failures
// logged and counted, never returned to the job's owner.
package webhook

import (
	"time"

	"convertapi/models"
)

// Payload is the JSON body POSTed to the callback URL. Optional fields are
// encoded as null when absent.
type Payload struct {
	JobID          string     `json:"jobId"`
	Status         string     `json:"status"`
	SourceFormat   string     `json:"sourceFormat"`
	TargetFormat   string     `json:"targetFormat"`
	InputFileName  string     `json:"inputFileName"`
	OutputFileName *string    `json:"outputFileName"`
	ErrorMessage   *string    `json:"errorMessage"`
	CreatedAt      time.Time  `json:"createdAt"`
	CompletedAt    *time.Time `json:"completedAt"`
}

func NewPayload(s models.JobSnapshot) Payload {
	p := Payload{
		JobID:          s.ID.String(),
		Status:         string(s.Status),
		SourceFormat:   s.SourceFormat,
		TargetFormat:   s.TargetFormat,
		InputFileName:  s.InputFileName,
		OutputFileName: optional(s.OutputFileName),
		ErrorMessage:   optional(s.ErrorMessage),
		CreatedAt:      s.CreatedAt.UTC(),
	}
	if s.CompletedAt != nil {
		t := s.CompletedAt.UTC()
		p.CompletedAt = &t
	}
	return p
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func eventName(status models.JobStatus) string {
	if status == models.JobStatusCompleted {
		return "conversion.completed"
	}
	return "conversion.failed"
}
