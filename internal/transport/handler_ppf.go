package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/wrapforge/fieldflow/internal/engine"
	"github.com/wrapforge/fieldflow/model"
)

// PPFHandler exposes the PPF-specific capture endpoints. Each one writes a
// typed payload into the stage that owns it, regardless of which step the
// technician is currently viewing.
type PPFHandler struct {
	manager *engine.Manager
	logger  *zap.Logger
}

// NewPPFHandler creates the handler. logger may be nil.
func NewPPFHandler(manager *engine.Manager, logger *zap.Logger) *PPFHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PPFHandler{manager: manager, logger: logger}
}

func (h *PPFHandler) ppfFor(r *http.Request) (*engine.PPFController, bool) {
	c, ok := h.manager.FindByIntervention(chi.URLParam(r, "interventionId"))
	if !ok {
		return nil, false
	}
	return engine.NewPPFController(c), true
}

// RecordDefect handles POST /api/interventions/{interventionId}/ppf/defects.
func (h *PPFHandler) RecordDefect(w http.ResponseWriter, r *http.Request) {
	p, ok := h.ppfFor(r)
	if !ok {
		WriteError(w, r, model.NewNotFoundError("no loaded intervention with this id"))
		return
	}
	var defect model.Defect
	if err := decodeBody(r, &defect); err != nil {
		WriteError(w, r, err)
		return
	}
	iv, err := p.RecordDefect(r.Context(), defect)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, iv)
}

// RecordEnvironment handles POST /api/interventions/{interventionId}/ppf/environment.
func (h *PPFHandler) RecordEnvironment(w http.ResponseWriter, r *http.Request) {
	p, ok := h.ppfFor(r)
	if !ok {
		WriteError(w, r, model.NewNotFoundError("no loaded intervention with this id"))
		return
	}
	var reading model.EnvironmentReading
	if err := decodeBody(r, &reading); err != nil {
		WriteError(w, r, err)
		return
	}
	iv, err := p.RecordEnvironment(r.Context(), reading)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, iv)
}

// SetPrepChecklist handles PUT /api/interventions/{interventionId}/ppf/prep-checklist.
func (h *PPFHandler) SetPrepChecklist(w http.ResponseWriter, r *http.Request) {
	p, ok := h.ppfFor(r)
	if !ok {
		WriteError(w, r, model.NewNotFoundError("no loaded intervention with this id"))
		return
	}
	var checklist model.PrepChecklist
	if err := decodeBody(r, &checklist); err != nil {
		WriteError(w, r, err)
		return
	}
	iv, err := p.SetPrepChecklist(r.Context(), checklist)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, iv)
}

// RecordQualityCheck handles PUT /api/interventions/{interventionId}/ppf/qc-checklist.
func (h *PPFHandler) RecordQualityCheck(w http.ResponseWriter, r *http.Request) {
	p, ok := h.ppfFor(r)
	if !ok {
		WriteError(w, r, model.NewNotFoundError("no loaded intervention with this id"))
		return
	}
	var qc model.QCChecklist
	if err := decodeBody(r, &qc); err != nil {
		WriteError(w, r, err)
		return
	}
	iv, err := p.RecordQualityCheck(r.Context(), qc)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, iv)
}

// AttachCustomerSignature handles POST /api/interventions/{interventionId}/ppf/customer-signature.
func (h *PPFHandler) AttachCustomerSignature(w http.ResponseWriter, r *http.Request) {
	p, ok := h.ppfFor(r)
	if !ok {
		WriteError(w, r, model.NewNotFoundError("no loaded intervention with this id"))
		return
	}
	var sig model.CustomerSignature
	if err := decodeBody(r, &sig); err != nil {
		WriteError(w, r, err)
		return
	}
	iv, err := p.AttachCustomerSignature(r.Context(), sig)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, iv)
}
