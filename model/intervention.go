package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Intervention status constants.
const (
	InterventionNotStarted = "not_started"
	InterventionInProgress = "in_progress"
	InterventionPaused     = "paused"
	InterventionCompleted  = "completed"
)

// Stage status constants.
const (
	StageStatusPending    = "pending"
	StageStatusInProgress = "in_progress"
	StageStatusCompleted  = "completed"
	StageStatusSkipped    = "skipped"
)

// StageKind identifies which collected-data schema a stage carries.
type StageKind string

// Stage kinds of the PPF installation template. StageGeneric is used by
// workflow templates without a specialized schema.
const (
	StageInspection   StageKind = "inspection"
	StagePreparation  StageKind = "preparation"
	StageInstallation StageKind = "installation"
	StageFinalization StageKind = "finalization"
	StageGeneric      StageKind = "generic"
)

// Intervention is one execution of the staged technician workflow for a job.
// The ordered Steps sequence is fixed at creation by the template.
type Intervention struct {
	ID            string     `json:"id"`
	TaskID        string     `json:"task_id"`
	TemplateID    string     `json:"template_id"`
	Status        string     `json:"status"`
	CurrentStepID string     `json:"current_step_id,omitempty"`
	Steps         []Stage    `json:"steps"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	CreatedBy     string     `json:"created_by"`
	UpdatedBy     string     `json:"updated_by,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`

	// Version is a monotonic concurrency token. Mutations carry it and the
	// backend rejects stale writes with CONFLICT.
	Version int `json:"version"`
}

// Step returns the stage with the given ID, or nil if absent.
func (iv *Intervention) Step(stepID string) *Stage {
	for i := range iv.Steps {
		if iv.Steps[i].ID == stepID {
			return &iv.Steps[i]
		}
	}
	return nil
}

// StepByOrder returns the stage at the given 1-based order, or nil.
func (iv *Intervention) StepByOrder(order int) *Stage {
	for i := range iv.Steps {
		if iv.Steps[i].Order == order {
			return &iv.Steps[i]
		}
	}
	return nil
}

// CurrentStep returns the currently open stage, or nil if none is open or
// CurrentStepID does not reference a known stage.
func (iv *Intervention) CurrentStep() *Stage {
	if iv.CurrentStepID == "" {
		return nil
	}
	return iv.Step(iv.CurrentStepID)
}

// Validate checks the structural invariants of an intervention: a set
// CurrentStepID must reference a stage in Steps, stage orders must be unique,
// and a completed intervention may not carry an unfinished required stage.
func (iv *Intervention) Validate() error {
	if iv.CurrentStepID != "" && iv.Step(iv.CurrentStepID) == nil {
		return fmt.Errorf("intervention %s: current step %q not in steps", iv.ID, iv.CurrentStepID)
	}

	seen := make(map[int]string, len(iv.Steps))
	for i := range iv.Steps {
		s := &iv.Steps[i]
		if prev, dup := seen[s.Order]; dup {
			return fmt.Errorf("intervention %s: stages %q and %q share order %d", iv.ID, prev, s.ID, s.Order)
		}
		seen[s.Order] = s.ID
	}

	if iv.Status == InterventionCompleted {
		for i := range iv.Steps {
			s := &iv.Steps[i]
			if s.Required && s.Status != StageStatusCompleted && s.Status != StageStatusSkipped {
				return fmt.Errorf("intervention %s: completed but required stage %q is %s", iv.ID, s.ID, s.Status)
			}
		}
	}
	return nil
}

// Stage is one ordered step of an intervention. A stage only moves forward:
// pending → in_progress → {completed, skipped}; completed and skipped are
// terminal.
type Stage struct {
	ID             string          `json:"id"`
	InterventionID string          `json:"workflow_execution_id"`
	Name           string          `json:"name"`
	Kind           StageKind       `json:"kind"`
	Order          int             `json:"order"`
	Required       bool            `json:"required"`
	Status         string          `json:"status"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	DurationSecs   int64           `json:"duration_seconds,omitempty"`
	Notes          string          `json:"notes,omitempty"`
	Photos         []string        `json:"photos,omitempty"`
	Checklist      map[string]bool `json:"checklist_completion,omitempty"`
	Collected      CollectedData   `json:"collected_data,omitempty"`
	StartedBy      string          `json:"started_by,omitempty"`
	CompletedBy    string          `json:"completed_by,omitempty"`
}

// Terminal reports whether the stage has reached a terminal status.
func (s *Stage) Terminal() bool {
	return s.Status == StageStatusCompleted || s.Status == StageStatusSkipped
}

// CanTransitionTo reports whether the forward-only stage state machine
// permits moving from the stage's current status to next.
func (s *Stage) CanTransitionTo(next string) bool {
	switch s.Status {
	case StageStatusPending:
		return next == StageStatusInProgress || next == StageStatusSkipped
	case StageStatusInProgress:
		return next == StageStatusCompleted || next == StageStatusSkipped
	default:
		// completed and skipped are terminal.
		return false
	}
}

// stageAlias avoids recursion in UnmarshalJSON.
type stageAlias Stage

type stageWire struct {
	stageAlias
	Collected json.RawMessage `json:"collected_data,omitempty"`
}

// UnmarshalJSON decodes a stage and parses its collected_data payload
// according to the stage kind.
func (s *Stage) UnmarshalJSON(data []byte) error {
	var w stageWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*s = Stage(w.stageAlias)
	if len(w.Collected) > 0 {
		cd, err := ParseCollectedData(s.Kind, w.Collected)
		if err != nil {
			return fmt.Errorf("stage %s: %w", s.ID, err)
		}
		s.Collected = cd
	} else {
		s.Collected = CollectedData{Kind: s.Kind}
	}
	return nil
}

// Signature is an opaque signature payload captured during the finalization
// stage.
type Signature struct {
	Type      string    `json:"type"` // customer | technician
	Data      string    `json:"data"`
	StageID   string    `json:"stage_id"`
	Signatory string    `json:"signatory,omitempty"`
	Comments  string    `json:"comments,omitempty"`
	SignedAt  time.Time `json:"signed_at"`
}

// Signature type constants.
const (
	SignatureCustomer   = "customer"
	SignatureTechnician = "technician"
)

// Defect is a film or paint defect recorded during the inspection stage.
type Defect struct {
	Zone     string `json:"zone"`
	Type     string `json:"type"`
	Severity string `json:"severity"`
	Notes    string `json:"notes,omitempty"`
}

// StartParams are the creation parameters for a new intervention.
type StartParams struct {
	TemplateID string         `json:"template_id,omitempty"`
	VehicleVIN string         `json:"vehicle_vin,omitempty"`
	Notes      string         `json:"notes,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
}
