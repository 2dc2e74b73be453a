package gateway

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"

	"github.com/wrapforge/fieldflow/model"
)

// AdvanceStepRequest asks the backend to complete or skip a step and open
// the next one.
type AdvanceStepRequest struct {
	InterventionID     string               `json:"intervention_id"`
	StepID             string               `json:"step_id"`
	CollectedData      *model.CollectedData `json:"collected_data,omitempty"`
	Photos             []string             `json:"photos,omitempty"`
	Notes              string               `json:"notes,omitempty"`
	QualityCheckPassed *bool                `json:"quality_check_passed,omitempty"`
	Issues             []string             `json:"issues,omitempty"`
	Skip               bool                 `json:"skip,omitempty"`
}

// AdvanceStepResult is the backend's answer to an advance.
type AdvanceStepResult struct {
	Step               *model.Stage `json:"step"`
	NextStep           *model.Stage `json:"next_step"`
	ProgressPercentage int          `json:"progress_percentage"`
}

// SaveStepRequest persists partial step data without a status change.
type SaveStepRequest struct {
	StepID        string               `json:"step_id"`
	CollectedData *model.CollectedData `json:"collected_data,omitempty"`
	Notes         string               `json:"notes,omitempty"`
	Photos        []string             `json:"photos,omitempty"`
}

// FinalizeRequest closes out an intervention.
type FinalizeRequest struct {
	InterventionID       string               `json:"intervention_id"`
	CollectedData        *model.CollectedData `json:"collected_data,omitempty"`
	Photos               []string             `json:"photos,omitempty"`
	CustomerSatisfaction int                  `json:"customer_satisfaction,omitempty"`
	QualityScore         int                  `json:"quality_score,omitempty"`
	FinalObservations    string               `json:"final_observations,omitempty"`
	CustomerSignature    string               `json:"customer_signature,omitempty"`
	CustomerComments     string               `json:"customer_comments,omitempty"`
	Signatures           []model.Signature    `json:"signatures,omitempty"`
}

// FinalizeResult carries the completed intervention and the backend's
// computed metrics for it.
type FinalizeResult struct {
	Intervention *model.Intervention `json:"intervention"`
	Metrics      map[string]any      `json:"metrics,omitempty"`
}

// StartResult is the backend's answer to a start.
type StartResult struct {
	Intervention *model.Intervention `json:"intervention"`
	Steps        []model.Stage       `json:"steps"`
}

// PhotoFile is one file handed to UploadPhoto.
type PhotoFile struct {
	Name        string
	ContentType string
	Data        []byte
}

// TimingAction is an advisory timing signal for a step.
type TimingAction string

const (
	TimingStart  TimingAction = "start"
	TimingPause  TimingAction = "pause"
	TimingResume TimingAction = "resume"
)

// ActiveInterventionByTask returns the active intervention for a task, or
// (nil, nil) when the task has none. Concurrent calls for the same task are
// collapsed into a single remote request.
func (c *Client) ActiveInterventionByTask(ctx context.Context, taskID string) (*model.Intervention, error) {
	result, err, shared := c.loads.Do(taskID, func() (any, error) {
		var iv model.Intervention
		u := fmt.Sprintf("%s/tasks/%s/interventions/active", c.baseURL, url.PathEscape(taskID))
		if err := c.read(ctx, "active_intervention", u, &iv); err != nil {
			if model.IsCode(err, model.ErrNotFound) {
				return (*model.Intervention)(nil), nil
			}
			return nil, err
		}
		if iv.ID == "" {
			// Backend may answer 200 with an empty object when no
			// intervention is active.
			return (*model.Intervention)(nil), nil
		}
		return &iv, nil
	})
	if shared && c.metrics != nil {
		c.metrics.RecordLoadDeduplication()
	}
	if err != nil {
		return nil, err
	}
	return result.(*model.Intervention), nil
}

// InterventionProgress fetches the backend's view of per-step progress.
func (c *Client) InterventionProgress(ctx context.Context, interventionID string) (*model.ProgressSnapshot, error) {
	var snap model.ProgressSnapshot
	u := fmt.Sprintf("%s/interventions/%s/progress", c.baseURL, url.PathEscape(interventionID))
	if err := c.read(ctx, "intervention_progress", u, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// StartIntervention creates an intervention for a task. The backend enforces
// the one-active-intervention-per-task rule; a 409 surfaces as CREATION_ERROR
// so callers can distinguish it from other conflicts.
func (c *Client) StartIntervention(ctx context.Context, taskID string, params model.StartParams) (*StartResult, error) {
	var out StartResult
	u := fmt.Sprintf("%s/tasks/%s/interventions", c.baseURL, url.PathEscape(taskID))
	err := c.writeJSON(ctx, "start_intervention", http.MethodPost, u, params, &out)
	if err != nil {
		if model.IsCode(err, model.ErrConflict) {
			return nil, model.NewCreationError(fmt.Sprintf("task %s already has an active intervention", taskID))
		}
		return nil, err
	}
	return &out, nil
}

// StartStep opens a step on the backend, making it the intervention's
// current step.
func (c *Client) StartStep(ctx context.Context, interventionID, stepID string) error {
	u := fmt.Sprintf("%s/interventions/%s/steps/%s/start",
		c.baseURL, url.PathEscape(interventionID), url.PathEscape(stepID))
	return c.writeJSON(ctx, "start_step", http.MethodPost, u, nil, nil)
}

// AdvanceStep completes (or skips) a step on the backend.
func (c *Client) AdvanceStep(ctx context.Context, req AdvanceStepRequest) (*AdvanceStepResult, error) {
	var out AdvanceStepResult
	u := fmt.Sprintf("%s/interventions/%s/steps/%s/advance",
		c.baseURL, url.PathEscape(req.InterventionID), url.PathEscape(req.StepID))
	if err := c.writeJSON(ctx, "advance_step", http.MethodPost, u, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SaveStepProgress persists a partial step save (autosave path).
func (c *Client) SaveStepProgress(ctx context.Context, req SaveStepRequest) error {
	u := fmt.Sprintf("%s/steps/%s/progress", c.baseURL, url.PathEscape(req.StepID))
	return c.writeJSON(ctx, "save_step_progress", http.MethodPut, u, req, nil)
}

// FinalizeIntervention closes out an intervention on the backend.
func (c *Client) FinalizeIntervention(ctx context.Context, req FinalizeRequest) (*FinalizeResult, error) {
	var out FinalizeResult
	u := fmt.Sprintf("%s/interventions/%s/finalize", c.baseURL, url.PathEscape(req.InterventionID))
	if err := c.writeJSON(ctx, "finalize_intervention", http.MethodPost, u, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UploadPhoto stores a photo for an entity and returns the stable remote
// reference. Uploads run under the write retry policy: photos are technician
// labor and must survive a flaky connection.
func (c *Client) UploadPhoto(ctx context.Context, entityID string, file PhotoFile, photoType string) (string, error) {
	u := fmt.Sprintf("%s/entities/%s/photos", c.uploadBaseURL, url.PathEscape(entityID))

	var out struct {
		FilePath    string `json:"file_path"`
		DownloadURL string `json:"download_url"`
	}
	err := c.write(ctx, "upload_photo", func(attemptCtx context.Context) error {
		body, contentType, err := encodePhotoForm(file, photoType)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, u, body)
		if err != nil {
			return internalError(fmt.Sprintf("build upload_photo request: %v", err))
		}
		req.Header.Set("Content-Type", contentType)
		return c.exchange(attemptCtx, "upload_photo", req, &out)
	})
	if err != nil {
		if c.metrics != nil {
			c.metrics.RecordPhotoUpload("failure")
		}
		return "", err
	}
	if c.metrics != nil {
		c.metrics.RecordPhotoUpload("success")
	}
	if out.DownloadURL != "" {
		return out.DownloadURL, nil
	}
	return out.FilePath, nil
}

// SignalTiming sends an advisory timing signal for a step. One attempt,
// never retried: timing is non-critical and the caller swallows failures.
func (c *Client) SignalTiming(ctx context.Context, stepID string, action TimingAction) error {
	attemptCtx, cancel := context.WithTimeout(ctx, c.retry.AttemptDeadline)
	defer cancel()
	u := fmt.Sprintf("%s/steps/%s/timing", c.baseURL, url.PathEscape(stepID))
	body := map[string]string{"action": string(action)}
	return unwrapRetryable(c.call(attemptCtx, "signal_timing", http.MethodPost, u, body, nil))
}

func encodePhotoForm(file PhotoFile, photoType string) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("type", photoType); err != nil {
		return nil, "", internalError(fmt.Sprintf("encode photo form: %v", err))
	}
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, file.Name))
	contentType := file.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	hdr.Set("Content-Type", contentType)
	part, err := w.CreatePart(hdr)
	if err != nil {
		return nil, "", internalError(fmt.Sprintf("encode photo form: %v", err))
	}
	if _, err := part.Write(file.Data); err != nil {
		return nil, "", internalError(fmt.Sprintf("encode photo form: %v", err))
	}
	if err := w.Close(); err != nil {
		return nil, "", internalError(fmt.Sprintf("encode photo form: %v", err))
	}
	return &buf, w.FormDataContentType(), nil
}
