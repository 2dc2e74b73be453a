package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wrapforge/fieldflow/internal/gateway"
	"github.com/wrapforge/fieldflow/internal/observability"
	"github.com/wrapforge/fieldflow/model"
)

// Gateway is the slice of the persistence gateway the controller consumes.
// *gateway.Client satisfies it; tests substitute a mock.
type Gateway interface {
	ActiveInterventionByTask(ctx context.Context, taskID string) (*model.Intervention, error)
	InterventionProgress(ctx context.Context, interventionID string) (*model.ProgressSnapshot, error)
	StartIntervention(ctx context.Context, taskID string, params model.StartParams) (*gateway.StartResult, error)
	StartStep(ctx context.Context, interventionID, stepID string) error
	AdvanceStep(ctx context.Context, req gateway.AdvanceStepRequest) (*gateway.AdvanceStepResult, error)
	SaveStepProgress(ctx context.Context, req gateway.SaveStepRequest) error
	FinalizeIntervention(ctx context.Context, req gateway.FinalizeRequest) (*gateway.FinalizeResult, error)
}

// PhotoUploader is the capture-subsystem boundary. It returns stable remote
// references only after confirmed storage, never local paths.
type PhotoUploader interface {
	UploadPhotos(ctx context.Context, entityID string, files []gateway.PhotoFile, photoType string) ([]string, error)
}

// CompleteStageData carries the payload of a stage completion.
type CompleteStageData struct {
	Notes              string          `json:"notes,omitempty"`
	Checklist          map[string]bool `json:"checklist_completion,omitempty"`
	Extra              map[string]any  `json:"extra,omitempty"`
	Photos             []string        `json:"photos,omitempty"`
	QualityCheckPassed *bool           `json:"quality_check_passed,omitempty"`
	Issues             []string        `json:"issues,omitempty"`
}

// FinalizeParams carries the close-out payload of an intervention.
type FinalizeParams struct {
	CustomerSatisfaction int               `json:"customer_satisfaction,omitempty"`
	QualityScore         int               `json:"quality_score,omitempty"`
	FinalObservations    string            `json:"final_observations,omitempty"`
	CustomerSignature    string            `json:"customer_signature,omitempty"`
	CustomerComments     string            `json:"customer_comments,omitempty"`
	Signatures           []model.Signature `json:"signatures,omitempty"`
}

// Controller is the single owner of intervention state for one task. Views
// never mutate state directly; they issue intents through the controller,
// which validates them against the navigation policy, performs the remote
// mutation through the gateway, and reloads authoritative state.
//
// All operations are serialized by an internal mutex, so two intents against
// the same task cannot interleave their read-mutate-reload cycles.
type Controller struct {
	taskID   string
	gw       Gateway
	uploader PhotoUploader
	timing   *TimingRecorder
	logger   *zap.Logger
	metrics  *observability.Metrics

	mu           sync.Mutex
	intervention *model.Intervention
	lastErr      error
	lastUsed     time.Time

	// gen counts adopted mutation reloads. Load compares it across its
	// unlocked fetch to detect a mutation that landed in between.
	gen uint64
}

// NewController creates a controller for one task. uploader, timing and
// metrics may be nil; logger may be nil.
func NewController(taskID string, gw Gateway, uploader PhotoUploader, timing *TimingRecorder, logger *zap.Logger, metrics *observability.Metrics) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		taskID:   taskID,
		gw:       gw,
		uploader: uploader,
		timing:   timing,
		logger:   logger.With(zap.String("task_id", taskID)),
		metrics:  metrics,
		lastUsed: time.Now(),
	}
}

// TaskID returns the task this controller owns.
func (c *Controller) TaskID() string { return c.taskID }

// Intervention returns a copy of the current intervention, or nil when none
// is loaded. The copy keeps views from mutating shared state.
func (c *Controller) Intervention() *model.Intervention {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneIntervention(c.intervention)
}

// Err returns the error left by the last failed load, if any.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Load fetches the active intervention for the task. No active intervention
// is not an error: the controller settles into the empty "not started" state.
// A failed load leaves the previous state in place with the error recorded.
//
// The fetch runs outside the controller mutex so that concurrent loads are
// simultaneously in flight and collapse into one remote call in the gateway.
// If a mutation reload lands while the fetch is out, the mutation's state is
// newer and wins; the stale response is discarded.
func (c *Controller) Load(ctx context.Context) (*model.Intervention, error) {
	c.mu.Lock()
	c.touch()
	gen := c.gen
	c.mu.Unlock()

	iv, err := c.gw.ActiveInterventionByTask(ctx, c.taskID)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.lastErr = err
		return nil, err
	}
	c.lastErr = nil
	if c.gen != gen {
		return cloneIntervention(c.intervention), nil
	}
	c.intervention = iv
	return cloneIntervention(iv), nil
}

func (c *Controller) loadLocked(ctx context.Context) (*model.Intervention, error) {
	c.touch()
	iv, err := c.gw.ActiveInterventionByTask(ctx, c.taskID)
	if err != nil {
		c.lastErr = err
		return nil, err
	}
	c.lastErr = nil
	c.intervention = iv
	c.gen++
	return cloneIntervention(iv), nil
}

// Start creates a new intervention for the task and adopts the authoritative
// state the backend answers with. A task with an existing active intervention
// fails with CREATION_ERROR.
func (c *Controller) Start(ctx context.Context, params model.StartParams) (*model.Intervention, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.touch()

	if c.intervention != nil && c.intervention.Status != model.InterventionCompleted {
		return nil, model.NewCreationError(fmt.Sprintf("task %s already has an active intervention", c.taskID))
	}

	if _, err := c.gw.StartIntervention(ctx, c.taskID, params); err != nil {
		return nil, err
	}
	if c.metrics != nil {
		c.metrics.RecordInterventionStart(params.TemplateID)
	}
	c.logger.Info("intervention started", zap.String("template_id", params.TemplateID))
	return c.loadLocked(ctx)
}

// StartStage opens a stage: the navigation policy must admit it and the
// stage must still be pending. Timing intent is signalled before the remote
// start so elapsed time covers the whole visit.
func (c *Controller) StartStage(ctx context.Context, stageID string) (*model.Intervention, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.touch()

	stage, err := c.stageLocked(stageID)
	if err != nil {
		return nil, err
	}
	if !canAccessStep(c.intervention, stageID) {
		return nil, c.rejectNavigation(stage, "previous stage is not finished")
	}
	if stage.Status == model.StageStatusInProgress {
		// Reopening the stage a technician is already in is a no-op.
		c.intervention.CurrentStepID = stageID
		return cloneIntervention(c.intervention), nil
	}
	if !stage.CanTransitionTo(model.StageStatusInProgress) {
		return nil, c.rejectNavigation(stage, fmt.Sprintf("stage is already %s", stage.Status))
	}

	if c.timing != nil {
		c.timing.Start(ctx, stageID)
	}
	if err := c.gw.StartStep(ctx, c.intervention.ID, stageID); err != nil {
		return nil, err
	}
	if c.metrics != nil {
		c.metrics.RecordStageTransition(string(stage.Kind), "start")
	}
	return c.loadLocked(ctx)
}

// PauseStage signals that work on an in-progress stage is paused. The signal
// is advisory and cannot fail the operation; the intervention is marked
// paused locally so views reflect the idle state immediately. Authoritative
// elapsed time stays backend-computed.
func (c *Controller) PauseStage(ctx context.Context, stageID string) (*model.Intervention, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.touch()

	stage, err := c.stageLocked(stageID)
	if err != nil {
		return nil, err
	}
	if stage.Status != model.StageStatusInProgress {
		return nil, model.NewConflictError(fmt.Sprintf("stage %s is %s, only an in-progress stage can pause", stageID, stage.Status))
	}
	if c.intervention.Status == model.InterventionPaused {
		return cloneIntervention(c.intervention), nil
	}

	if c.timing != nil {
		c.timing.Pause(ctx, stageID)
	}
	c.intervention.Status = model.InterventionPaused
	c.gen++
	if c.metrics != nil {
		c.metrics.RecordStageTransition(string(stage.Kind), "pause")
	}
	c.logger.Info("stage paused", zap.String("stage_id", stageID))
	return cloneIntervention(c.intervention), nil
}

// ResumeStage signals that work on a paused stage has resumed and returns
// the intervention to in_progress.
func (c *Controller) ResumeStage(ctx context.Context, stageID string) (*model.Intervention, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.touch()

	stage, err := c.stageLocked(stageID)
	if err != nil {
		return nil, err
	}
	if c.intervention.Status != model.InterventionPaused {
		return nil, model.NewConflictError(fmt.Sprintf("intervention is %s, only a paused intervention can resume", c.intervention.Status))
	}
	if stage.Status != model.StageStatusInProgress {
		return nil, model.NewConflictError(fmt.Sprintf("stage %s is %s, only an in-progress stage can resume", stageID, stage.Status))
	}

	if c.timing != nil {
		c.timing.Resume(ctx, stageID)
	}
	c.intervention.Status = model.InterventionInProgress
	c.gen++
	if c.metrics != nil {
		c.metrics.RecordStageTransition(string(stage.Kind), "resume")
	}
	c.logger.Info("stage resumed", zap.String("stage_id", stageID))
	return cloneIntervention(c.intervention), nil
}

// CompleteStage completes an in-progress stage, merging the supplied notes,
// checklist and extra fields into the stage's collected data before the
// remote advance.
func (c *Controller) CompleteStage(ctx context.Context, stageID string, data CompleteStageData) (*model.Intervention, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.touch()

	stage, err := c.stageLocked(stageID)
	if err != nil {
		return nil, err
	}
	if stage.Status != model.StageStatusInProgress {
		return nil, model.NewNavigationError(fmt.Sprintf("stage %s is %s, not in progress", stageID, stage.Status))
	}

	merged, err := mergeCompletion(stage, data)
	if err != nil {
		return nil, err
	}

	startedAt := stage.StartedAt
	kind := stage.Kind

	if _, err := c.gw.AdvanceStep(ctx, gateway.AdvanceStepRequest{
		InterventionID:     c.intervention.ID,
		StepID:             stageID,
		CollectedData:      &merged,
		Photos:             appendUnique(stage.Photos, data.Photos),
		Notes:              data.Notes,
		QualityCheckPassed: data.QualityCheckPassed,
		Issues:             data.Issues,
	}); err != nil {
		return nil, err
	}

	if c.metrics != nil {
		c.metrics.RecordStageTransition(string(kind), "complete")
		if startedAt != nil {
			c.metrics.RecordStageDuration(string(kind), time.Since(*startedAt).Seconds())
		}
	}
	return c.loadLocked(ctx)
}

// SkipStage skips a stage, recording the reason in its collected data.
// Required stages may not be skipped from the field; the backend owns any
// override flow.
func (c *Controller) SkipStage(ctx context.Context, stageID, reason string) (*model.Intervention, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.touch()

	stage, err := c.stageLocked(stageID)
	if err != nil {
		return nil, err
	}
	if stage.Required {
		return nil, model.NewValidationError([]model.FieldError{{
			Field:   "stage_id",
			Code:    "required_stage",
			Message: fmt.Sprintf("required stage %s cannot be skipped", stageID),
		}})
	}
	if stage.Terminal() {
		return nil, model.NewNavigationError(fmt.Sprintf("stage %s is already %s", stageID, stage.Status))
	}

	merged := stageCollected(stage)
	if reason != "" {
		merged, err = merged.Merge(map[string]any{"skip_reason": reason})
		if err != nil {
			return nil, err
		}
	}

	if _, err := c.gw.AdvanceStep(ctx, gateway.AdvanceStepRequest{
		InterventionID: c.intervention.ID,
		StepID:         stageID,
		CollectedData:  &merged,
		Skip:           true,
	}); err != nil {
		return nil, err
	}
	if c.metrics != nil {
		c.metrics.RecordStageTransition(string(stage.Kind), "skip")
	}
	return c.loadLocked(ctx)
}

// GoToStage is pure navigation: it moves the current-stage pointer without
// any remote mutation. A stage the policy does not admit fails with
// NAVIGATION_ERROR and changes nothing.
func (c *Controller) GoToStage(stageID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.goToStageLocked(stageID)
}

func (c *Controller) goToStageLocked(stageID string) error {
	c.touch()

	stage, err := c.stageLocked(stageID)
	if err != nil {
		return err
	}
	if !canAccessStep(c.intervention, stageID) {
		return c.rejectNavigation(stage, "stage is locked")
	}
	c.intervention.CurrentStepID = stageID
	return nil
}

// GoToNext moves to the next stage in order. A no-op on the last stage or
// when no current stage is set.
func (c *Controller) GoToNext() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := currentIndex(c.intervention)
	if idx < 0 || idx >= len(c.intervention.Steps)-1 {
		return nil
	}
	return c.goToStageLocked(orderedSteps(c.intervention)[idx+1].ID)
}

// GoToPrevious moves to the previous stage in order. A no-op on the first
// stage or when no current stage is set.
func (c *Controller) GoToPrevious() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := currentIndex(c.intervention)
	if idx <= 0 {
		return nil
	}
	return c.goToStageLocked(orderedSteps(c.intervention)[idx-1].ID)
}

// UpdateStageData persists a partial stage-data save without a status
// change. Merging replaces fields rather than appending, so repeating the
// same save is idempotent.
func (c *Controller) UpdateStageData(ctx context.Context, stageID string, partial map[string]any) (*model.Intervention, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updateStageDataLocked(ctx, stageID, partial)
}

func (c *Controller) updateStageDataLocked(ctx context.Context, stageID string, partial map[string]any) (*model.Intervention, error) {
	c.touch()

	stage, err := c.stageLocked(stageID)
	if err != nil {
		return nil, err
	}
	merged, err := stageCollected(stage).Merge(partial)
	if err != nil {
		return nil, model.NewValidationError([]model.FieldError{{
			Field:   "collected_data",
			Code:    "invalid",
			Message: err.Error(),
		}})
	}

	if err := c.gw.SaveStepProgress(ctx, gateway.SaveStepRequest{
		StepID:        stageID,
		CollectedData: &merged,
	}); err != nil {
		return nil, err
	}
	return c.loadLocked(ctx)
}

// AddSignature attaches a signature to the current stage's collected data.
// Fails with MISSING_STEP when no stage is current.
func (c *Controller) AddSignature(ctx context.Context, sig model.Signature) (*model.Intervention, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.touch()

	if c.intervention == nil {
		return nil, model.NewNotFoundError(fmt.Sprintf("no active intervention for task %s", c.taskID))
	}
	current := c.intervention.CurrentStep()
	if current == nil {
		return nil, model.NewMissingStepError("no stage is currently open")
	}

	sig.StageID = current.ID
	if sig.SignedAt.IsZero() {
		sig.SignedAt = time.Now().UTC()
	}

	existing := signaturesFromCollected(current.Collected)
	replaced := false
	for i := range existing {
		if existing[i].Type == sig.Type {
			existing[i] = sig
			replaced = true
			break
		}
	}
	if !replaced {
		existing = append(existing, sig)
	}

	return c.updateStageDataLocked(ctx, current.ID, map[string]any{
		"signatures": toAnySlice(existing),
	})
}

// UploadPhotos sends the files through the capture boundary and appends the
// returned stable references to the stage's photo list, locally and
// remotely. On partial upload failure the stored references are persisted
// and the error is still surfaced.
func (c *Controller) UploadPhotos(ctx context.Context, stageID string, files []gateway.PhotoFile) (*model.Intervention, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.touch()

	stage, err := c.stageLocked(stageID)
	if err != nil {
		return nil, err
	}
	if c.uploader == nil {
		return nil, model.NewBadRequestError("photo capture is not configured")
	}

	refs, uploadErr := c.uploader.UploadPhotos(ctx, c.intervention.ID, files, string(stage.Kind))
	if len(refs) > 0 {
		photos := appendUnique(stage.Photos, refs)
		if err := c.gw.SaveStepProgress(ctx, gateway.SaveStepRequest{
			StepID: stageID,
			Photos: photos,
		}); err != nil {
			return nil, err
		}
		stage.Photos = photos
	}
	if uploadErr != nil {
		return nil, uploadErr
	}
	return c.loadLocked(ctx)
}

// Finalize closes out the intervention. The backend rejects finalization
// while a required stage is unfinished; that CONFLICT leaves the controller
// in_progress, untouched.
func (c *Controller) Finalize(ctx context.Context, params FinalizeParams) (*model.Intervention, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.touch()

	if c.intervention == nil {
		return nil, model.NewNotFoundError(fmt.Sprintf("no active intervention for task %s", c.taskID))
	}

	var collected *model.CollectedData
	if current := c.intervention.CurrentStep(); current != nil && !current.Collected.IsZero() {
		cd := current.Collected
		collected = &cd
	}

	templateID := c.intervention.TemplateID
	if _, err := c.gw.FinalizeIntervention(ctx, gateway.FinalizeRequest{
		InterventionID:       c.intervention.ID,
		CollectedData:        collected,
		CustomerSatisfaction: params.CustomerSatisfaction,
		QualityScore:         params.QualityScore,
		FinalObservations:    params.FinalObservations,
		CustomerSignature:    params.CustomerSignature,
		CustomerComments:     params.CustomerComments,
		Signatures:           params.Signatures,
	}); err != nil {
		return nil, err
	}
	if c.metrics != nil {
		c.metrics.RecordInterventionCompletion(templateID)
	}
	c.logger.Info("intervention finalized")
	return c.loadLocked(ctx)
}

// Progress returns the locally derived progress snapshot.
func (c *Controller) Progress() *model.ProgressSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return buildProgress(c.intervention)
}

// ProgressRecords returns the derived per-stage progress records.
func (c *Controller) ProgressRecords() []model.ProgressRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return progressRecords(c.intervention)
}

// RefreshProgress fetches the backend's authoritative progress view.
func (c *Controller) RefreshProgress(ctx context.Context) (*model.ProgressSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.touch()
	if c.intervention == nil {
		return nil, model.NewNotFoundError(fmt.Sprintf("no active intervention for task %s", c.taskID))
	}
	return c.gw.InterventionProgress(ctx, c.intervention.ID)
}

// IsFirstStep reports whether the current stage is first in sequence.
func (c *Controller) IsFirstStep() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return isFirstStep(c.intervention)
}

// IsLastStep reports whether the current stage is last in sequence.
func (c *Controller) IsLastStep() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return isLastStep(c.intervention)
}

// CanAccessStep reports whether the navigation policy admits a stage.
func (c *Controller) CanAccessStep(stageID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return canAccessStep(c.intervention, stageID)
}

// Reset clears all local state. In-flight remote calls are not cancelled;
// their results are discarded when they land on a reset controller.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.intervention = nil
	c.lastErr = nil
	c.gen++
	c.touch()
}

// LastUsed returns when the controller last served an operation.
func (c *Controller) LastUsed() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsed
}

func (c *Controller) touch() {
	c.lastUsed = time.Now()
}

// stageLocked resolves a stage or returns the typed errors for the two ways
// resolution fails: no intervention loaded, or an unknown stage id.
func (c *Controller) stageLocked(stageID string) (*model.Stage, error) {
	if c.intervention == nil {
		return nil, model.NewNotFoundError(fmt.Sprintf("no active intervention for task %s", c.taskID))
	}
	stage := c.intervention.Step(stageID)
	if stage == nil {
		return nil, model.NewNotFoundError(fmt.Sprintf("stage %s not found", stageID))
	}
	return stage, nil
}

func (c *Controller) rejectNavigation(stage *model.Stage, reason string) error {
	if c.metrics != nil {
		c.metrics.RecordNavigationRejection(string(stage.Kind))
	}
	c.logger.Debug("navigation rejected",
		zap.String("stage_id", stage.ID),
		zap.String("reason", reason))
	return model.NewNavigationError(fmt.Sprintf("stage %s: %s", stage.ID, reason))
}

// stageCollected returns the stage's collected data with its kind filled
// in, so merges always parse against the right schema.
func stageCollected(s *model.Stage) model.CollectedData {
	cd := s.Collected
	if cd.Kind == "" {
		cd.Kind = s.Kind
	}
	return cd
}

// mergeCompletion folds a completion payload into the stage's collected
// data.
func mergeCompletion(stage *model.Stage, data CompleteStageData) (model.CollectedData, error) {
	partial := make(map[string]any, len(data.Extra)+2)
	for k, v := range data.Extra {
		partial[k] = v
	}
	if data.Notes != "" {
		partial["notes"] = data.Notes
	}
	if len(data.Checklist) > 0 {
		cl := make(map[string]any, len(data.Checklist))
		for k, v := range data.Checklist {
			cl[k] = v
		}
		partial["checklist_completion"] = cl
	}
	return stageCollected(stage).Merge(partial)
}

func signaturesFromCollected(cd model.CollectedData) []model.Signature {
	raw, ok := cd.Extra["signatures"]
	if !ok {
		return nil
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var sigs []model.Signature
	if err := json.Unmarshal(encoded, &sigs); err != nil {
		return nil
	}
	return sigs
}

func toAnySlice(sigs []model.Signature) []any {
	out := make([]any, 0, len(sigs))
	for _, s := range sigs {
		out = append(out, s)
	}
	return out
}

func appendUnique(existing, refs []string) []string {
	seen := make(map[string]bool, len(existing))
	out := make([]string, 0, len(existing)+len(refs))
	for _, p := range existing {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, r := range refs {
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	return out
}

func cloneIntervention(iv *model.Intervention) *model.Intervention {
	if iv == nil {
		return nil
	}
	out := *iv
	out.Steps = make([]model.Stage, len(iv.Steps))
	copy(out.Steps, iv.Steps)
	return &out
}
