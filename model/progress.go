package model

import "time"

// ProgressRecord is the derived, non-authoritative summary of one stage used
// for display. It is recomputed whenever the stage list changes and never
// persisted.
type ProgressRecord struct {
	StageID              string     `json:"stage_id"`
	CurrentStep          int        `json:"current_step"`
	TotalSteps           int        `json:"total_steps"`
	CompletionPercentage int        `json:"completion_percentage"`
	Status               string     `json:"status"`
	StartedAt            *time.Time `json:"started_at,omitempty"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
}

// ProgressSnapshot is the backend's authoritative view of intervention
// progress, returned by the progress read operation.
type ProgressSnapshot struct {
	Steps              []Stage `json:"steps"`
	ProgressPercentage int     `json:"progress_percentage"`
}
