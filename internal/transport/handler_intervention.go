package transport

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/wrapforge/fieldflow/internal/engine"
	"github.com/wrapforge/fieldflow/internal/gateway"
	"github.com/wrapforge/fieldflow/model"
)

// maxPhotoUploadBytes bounds a single photo-upload request body.
const maxPhotoUploadBytes = 32 << 20

// InterventionHandler serves the intervention workflow API. It resolves the
// per-task controller through the manager and translates HTTP requests into
// controller intents.
type InterventionHandler struct {
	manager         *engine.Manager
	logger          *zap.Logger
	defaultTemplate string
}

// NewInterventionHandler creates the handler. logger may be nil.
func NewInterventionHandler(manager *engine.Manager, logger *zap.Logger, defaultTemplate string) *InterventionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if defaultTemplate == "" {
		defaultTemplate = engine.PPFTemplateID
	}
	return &InterventionHandler{
		manager:         manager,
		logger:          logger,
		defaultTemplate: defaultTemplate,
	}
}

// interventionResponse is the envelope every workflow mutation answers with:
// the authoritative state plus the derived navigation and progress fields
// views bind to.
type interventionResponse struct {
	Intervention       *model.Intervention    `json:"intervention"`
	Progress           []model.ProgressRecord `json:"progress,omitempty"`
	ProgressPercentage int                    `json:"progress_percentage"`
	IsFirstStep        bool                   `json:"is_first_step"`
	IsLastStep         bool                   `json:"is_last_step"`
}

func (h *InterventionHandler) respond(w http.ResponseWriter, status int, c *engine.Controller, iv *model.Intervention) {
	resp := interventionResponse{
		Intervention: iv,
		IsFirstStep:  c.IsFirstStep(),
		IsLastStep:   c.IsLastStep(),
	}
	if iv != nil {
		resp.Progress = c.ProgressRecords()
		resp.ProgressPercentage = c.Progress().ProgressPercentage
	}
	WriteJSON(w, status, resp)
}

// GetIntervention handles GET /api/tasks/{taskId}/intervention. A task with
// no active intervention answers with a null intervention, not an error.
func (h *InterventionHandler) GetIntervention(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskId")
	c := h.manager.Get(taskID)
	iv, err := c.Load(r.Context())
	if err != nil {
		WriteError(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, c, iv)
}

// StartIntervention handles POST /api/tasks/{taskId}/intervention.
func (h *InterventionHandler) StartIntervention(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskId")

	var params model.StartParams
	if err := decodeBody(r, &params); err != nil {
		WriteError(w, r, err)
		return
	}
	if params.TemplateID == "" {
		params.TemplateID = h.defaultTemplate
	}

	c := h.manager.Get(taskID)
	if _, err := c.Load(r.Context()); err != nil {
		WriteError(w, r, err)
		return
	}
	iv, err := c.Start(r.Context(), params)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	h.respond(w, http.StatusCreated, c, iv)
}

// navigateRequest selects either an explicit step or a direction.
type navigateRequest struct {
	StepID    string `json:"step_id,omitempty"`
	Direction string `json:"direction,omitempty"` // next | previous
}

// Navigate handles POST /api/tasks/{taskId}/intervention/navigate. Pure
// navigation: no remote mutation is performed.
func (h *InterventionHandler) Navigate(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskId")

	var req navigateRequest
	if err := decodeBody(r, &req); err != nil {
		WriteError(w, r, err)
		return
	}

	c := h.manager.Get(taskID)
	var err error
	switch {
	case req.StepID != "":
		err = c.GoToStage(req.StepID)
	case req.Direction == "next":
		err = c.GoToNext()
	case req.Direction == "previous":
		err = c.GoToPrevious()
	default:
		WriteValidationError(w, r, []model.FieldError{{
			Field:   "direction",
			Code:    "invalid",
			Message: "step_id or direction (next|previous) is required",
		}})
		return
	}
	if err != nil {
		WriteError(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, c, c.Intervention())
}

// Progress handles GET /api/interventions/{interventionId}/progress,
// answering with the backend's authoritative progress view.
func (h *InterventionHandler) Progress(w http.ResponseWriter, r *http.Request) {
	c, ok := h.controllerFor(r)
	if !ok {
		WriteError(w, r, model.NewNotFoundError("no loaded intervention with this id"))
		return
	}
	snap, err := c.RefreshProgress(r.Context())
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, snap)
}

// StartStep handles POST /api/interventions/{interventionId}/steps/{stepId}/start.
func (h *InterventionHandler) StartStep(w http.ResponseWriter, r *http.Request) {
	c, ok := h.controllerFor(r)
	if !ok {
		WriteError(w, r, model.NewNotFoundError("no loaded intervention with this id"))
		return
	}
	iv, err := c.StartStage(r.Context(), chi.URLParam(r, "stepId"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, c, iv)
}

// PauseStep handles POST /api/interventions/{interventionId}/steps/{stepId}/pause.
func (h *InterventionHandler) PauseStep(w http.ResponseWriter, r *http.Request) {
	c, ok := h.controllerFor(r)
	if !ok {
		WriteError(w, r, model.NewNotFoundError("no loaded intervention with this id"))
		return
	}
	iv, err := c.PauseStage(r.Context(), chi.URLParam(r, "stepId"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, c, iv)
}

// ResumeStep handles POST /api/interventions/{interventionId}/steps/{stepId}/resume.
func (h *InterventionHandler) ResumeStep(w http.ResponseWriter, r *http.Request) {
	c, ok := h.controllerFor(r)
	if !ok {
		WriteError(w, r, model.NewNotFoundError("no loaded intervention with this id"))
		return
	}
	iv, err := c.ResumeStage(r.Context(), chi.URLParam(r, "stepId"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, c, iv)
}

// CompleteStep handles POST /api/interventions/{interventionId}/steps/{stepId}/complete.
func (h *InterventionHandler) CompleteStep(w http.ResponseWriter, r *http.Request) {
	c, ok := h.controllerFor(r)
	if !ok {
		WriteError(w, r, model.NewNotFoundError("no loaded intervention with this id"))
		return
	}

	var data engine.CompleteStageData
	if err := decodeBody(r, &data); err != nil {
		WriteError(w, r, err)
		return
	}
	iv, err := c.CompleteStage(r.Context(), chi.URLParam(r, "stepId"), data)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, c, iv)
}

// SkipStep handles POST /api/interventions/{interventionId}/steps/{stepId}/skip.
func (h *InterventionHandler) SkipStep(w http.ResponseWriter, r *http.Request) {
	c, ok := h.controllerFor(r)
	if !ok {
		WriteError(w, r, model.NewNotFoundError("no loaded intervention with this id"))
		return
	}

	var req struct {
		Reason string `json:"reason,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		WriteError(w, r, err)
		return
	}
	iv, err := c.SkipStage(r.Context(), chi.URLParam(r, "stepId"), req.Reason)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, c, iv)
}

// PatchStep handles PATCH /api/interventions/{interventionId}/steps/{stepId}:
// the autosave path, persisting partial stage data without a status change.
func (h *InterventionHandler) PatchStep(w http.ResponseWriter, r *http.Request) {
	c, ok := h.controllerFor(r)
	if !ok {
		WriteError(w, r, model.NewNotFoundError("no loaded intervention with this id"))
		return
	}

	var partial map[string]any
	if err := decodeBody(r, &partial); err != nil {
		WriteError(w, r, err)
		return
	}
	iv, err := c.UpdateStageData(r.Context(), chi.URLParam(r, "stepId"), partial)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, c, iv)
}

// UploadStepPhotos handles POST /api/interventions/{interventionId}/steps/{stepId}/photos
// with a multipart form carrying one or more files under the "photos" field.
func (h *InterventionHandler) UploadStepPhotos(w http.ResponseWriter, r *http.Request) {
	c, ok := h.controllerFor(r)
	if !ok {
		WriteError(w, r, model.NewNotFoundError("no loaded intervention with this id"))
		return
	}

	if err := r.ParseMultipartForm(maxPhotoUploadBytes); err != nil {
		WriteError(w, r, model.NewBadRequestError(fmt.Sprintf("parse multipart form: %v", err)))
		return
	}
	parts := r.MultipartForm.File["photos"]
	if len(parts) == 0 {
		WriteValidationError(w, r, []model.FieldError{{
			Field:   "photos",
			Code:    "required",
			Message: "at least one photo file is required",
		}})
		return
	}

	files := make([]gateway.PhotoFile, 0, len(parts))
	for _, p := range parts {
		f, err := p.Open()
		if err != nil {
			WriteError(w, r, model.NewBadRequestError(fmt.Sprintf("open %s: %v", p.Filename, err)))
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			WriteError(w, r, model.NewBadRequestError(fmt.Sprintf("read %s: %v", p.Filename, err)))
			return
		}
		files = append(files, gateway.PhotoFile{
			Name:        p.Filename,
			ContentType: p.Header.Get("Content-Type"),
			Data:        data,
		})
	}

	iv, err := c.UploadPhotos(r.Context(), chi.URLParam(r, "stepId"), files)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, c, iv)
}

// signatureRequest is the body of a signature capture.
type signatureRequest struct {
	Type      string `json:"type"` // customer | technician
	Data      string `json:"data"`
	Signatory string `json:"signatory,omitempty"`
	Comments  string `json:"comments,omitempty"`
}

// AddSignature handles POST /api/interventions/{interventionId}/signature,
// attaching a signature to the currently open stage.
func (h *InterventionHandler) AddSignature(w http.ResponseWriter, r *http.Request) {
	c, ok := h.controllerFor(r)
	if !ok {
		WriteError(w, r, model.NewNotFoundError("no loaded intervention with this id"))
		return
	}

	var req signatureRequest
	if err := decodeBody(r, &req); err != nil {
		WriteError(w, r, err)
		return
	}
	if req.Type != model.SignatureCustomer && req.Type != model.SignatureTechnician {
		WriteValidationError(w, r, []model.FieldError{{
			Field:   "type",
			Code:    "invalid",
			Message: "type must be customer or technician",
		}})
		return
	}
	if req.Data == "" {
		WriteValidationError(w, r, []model.FieldError{{
			Field:   "data",
			Code:    "required",
			Message: "signature payload is required",
		}})
		return
	}

	iv, err := c.AddSignature(r.Context(), model.Signature{
		Type:      req.Type,
		Data:      req.Data,
		Signatory: req.Signatory,
		Comments:  req.Comments,
	})
	if err != nil {
		WriteError(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, c, iv)
}

// Finalize handles POST /api/interventions/{interventionId}/finalize.
func (h *InterventionHandler) Finalize(w http.ResponseWriter, r *http.Request) {
	c, ok := h.controllerFor(r)
	if !ok {
		WriteError(w, r, model.NewNotFoundError("no loaded intervention with this id"))
		return
	}

	var params engine.FinalizeParams
	if err := decodeBody(r, &params); err != nil {
		WriteError(w, r, err)
		return
	}
	iv, err := c.Finalize(r.Context(), params)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, c, iv)
}

// controllerFor resolves the controller holding the intervention named in
// the route. Interventions are only addressable after a task-scoped load has
// adopted them.
func (h *InterventionHandler) controllerFor(r *http.Request) (*engine.Controller, bool) {
	return h.manager.FindByIntervention(chi.URLParam(r, "interventionId"))
}

// decodeBody decodes a JSON request body. An empty body decodes into the
// zero value; malformed JSON is a validation failure.
func decodeBody(r *http.Request, into any) error {
	defer io.Copy(io.Discard, r.Body)
	err := json.NewDecoder(r.Body).Decode(into)
	if err == nil || err == io.EOF {
		return nil
	}
	return model.NewValidationError([]model.FieldError{{
		Field:   "body",
		Code:    "malformed",
		Message: fmt.Sprintf("invalid JSON body: %v", err),
	}})
}
