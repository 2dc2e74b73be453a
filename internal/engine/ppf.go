package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/wrapforge/fieldflow/model"
)

// PPFTemplateID is the fixed four-stage paint-protection-film template:
// inspection, preparation, installation, finalization.
const PPFTemplateID = "ppf-standard"

// ppfStageSequence is the stage-kind order the template prescribes.
var ppfStageSequence = []model.StageKind{
	model.StageInspection,
	model.StagePreparation,
	model.StageInstallation,
	model.StageFinalization,
}

// PPFController wraps the generic controller with typed helpers for the PPF
// installation workflow. Each helper validates the stage kind before merging
// its typed payload, so inspection data can never land on a finalization
// stage.
type PPFController struct {
	*Controller
}

// NewPPFController wraps a controller for the PPF template.
func NewPPFController(c *Controller) *PPFController {
	return &PPFController{Controller: c}
}

// ValidateTemplate checks that a loaded intervention carries the four PPF
// stages in template order. Interventions created by older template versions
// fail this check and should be handled by the generic controller.
func ValidateTemplate(iv *model.Intervention) error {
	if iv == nil {
		return model.NewNotFoundError("no intervention loaded")
	}
	steps := orderedSteps(iv)
	if len(steps) != len(ppfStageSequence) {
		return model.NewValidationError([]model.FieldError{{
			Field:   "steps",
			Code:    "template_mismatch",
			Message: fmt.Sprintf("expected %d stages, found %d", len(ppfStageSequence), len(steps)),
		}})
	}
	for i, s := range steps {
		if s.Kind != ppfStageSequence[i] {
			return model.NewValidationError([]model.FieldError{{
				Field:   "steps",
				Code:    "template_mismatch",
				Message: fmt.Sprintf("stage %d is %s, expected %s", i+1, s.Kind, ppfStageSequence[i]),
			}})
		}
	}
	return nil
}

// StartPPF starts a new intervention on the PPF template, overriding any
// template id in params.
func (p *PPFController) StartPPF(ctx context.Context, params model.StartParams) (*model.Intervention, error) {
	params.TemplateID = PPFTemplateID
	return p.Start(ctx, params)
}

// RecordDefect appends a defect to the inspection stage. Recording the same
// defect twice keeps both entries: two scratches in the same zone are two
// defects.
func (p *PPFController) RecordDefect(ctx context.Context, defect model.Defect) (*model.Intervention, error) {
	stage, err := p.stageOfKind(model.StageInspection)
	if err != nil {
		return nil, err
	}

	var defects []model.Defect
	if stage.Collected.Inspection != nil {
		defects = append(defects, stage.Collected.Inspection.Defects...)
	}
	defects = append(defects, defect)

	return p.UpdateStageData(ctx, stage.ID, map[string]any{
		"defects": toWire(defects),
	})
}

// RecordEnvironment stores the ambient temperature and humidity reading on
// the preparation stage.
func (p *PPFController) RecordEnvironment(ctx context.Context, reading model.EnvironmentReading) (*model.Intervention, error) {
	stage, err := p.stageOfKind(model.StagePreparation)
	if err != nil {
		return nil, err
	}
	return p.UpdateStageData(ctx, stage.ID, map[string]any{
		"environment": toWire(reading),
	})
}

// SetPrepChecklist replaces the surface-preparation checklist.
func (p *PPFController) SetPrepChecklist(ctx context.Context, checklist model.PrepChecklist) (*model.Intervention, error) {
	stage, err := p.stageOfKind(model.StagePreparation)
	if err != nil {
		return nil, err
	}
	return p.UpdateStageData(ctx, stage.ID, map[string]any{
		"checklist": toWire(checklist),
	})
}

// RecordQualityCheck replaces the final quality-control checklist on the
// finalization stage.
func (p *PPFController) RecordQualityCheck(ctx context.Context, qc model.QCChecklist) (*model.Intervention, error) {
	stage, err := p.stageOfKind(model.StageFinalization)
	if err != nil {
		return nil, err
	}
	return p.UpdateStageData(ctx, stage.ID, map[string]any{
		"qc_checklist": toWire(qc),
	})
}

// AttachCustomerSignature records the customer sign-off on the finalization
// stage.
func (p *PPFController) AttachCustomerSignature(ctx context.Context, sig model.CustomerSignature) (*model.Intervention, error) {
	stage, err := p.stageOfKind(model.StageFinalization)
	if err != nil {
		return nil, err
	}
	if sig.Signatory == "" {
		return nil, model.NewValidationError([]model.FieldError{{
			Field:   "signatory",
			Code:    "required",
			Message: "customer signature requires a signatory name",
		}})
	}
	return p.UpdateStageData(ctx, stage.ID, map[string]any{
		"customer_signature": toWire(sig),
	})
}

// stageOfKind finds the unique stage of a kind in the loaded intervention.
func (p *PPFController) stageOfKind(kind model.StageKind) (*model.Stage, error) {
	iv := p.Intervention()
	if iv == nil {
		return nil, model.NewNotFoundError(fmt.Sprintf("no active intervention for task %s", p.TaskID()))
	}
	for i := range iv.Steps {
		if iv.Steps[i].Kind == kind {
			return &iv.Steps[i], nil
		}
	}
	return nil, model.NewValidationError([]model.FieldError{{
		Field:   "stage_kind",
		Code:    "missing",
		Message: fmt.Sprintf("intervention has no %s stage", kind),
	}})
}

// toWire lowers a typed payload to the open map representation collected
// data merges operate on.
func toWire(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}
