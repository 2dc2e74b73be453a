package model

import (
	"encoding/json"
	"fmt"
)

// CollectedData is the per-stage payload: a tagged union keyed by stage kind
// with Extra as a free-form escape hatch for fields no schema claims yet.
// Exactly one typed variant is populated, matching Kind.
type CollectedData struct {
	Kind         StageKind
	Inspection   *InspectionData
	Preparation  *PreparationData
	Installation *InstallationData
	Finalization *FinalizationData
	Extra        map[string]any
}

// InspectionData is the inspection-stage schema.
type InspectionData struct {
	Notes   string   `json:"notes,omitempty"`
	Defects []Defect `json:"defects,omitempty"`
}

// EnvironmentReading captures ambient conditions at preparation time.
type EnvironmentReading struct {
	TempCelsius     float64 `json:"temp_celsius"`
	HumidityPercent float64 `json:"humidity_percent"`
}

// PrepChecklist is the surface-preparation checklist.
type PrepChecklist struct {
	Wash     bool `json:"wash"`
	ClayBar  bool `json:"clay_bar"`
	Degrease bool `json:"degrease"`
	Masking  bool `json:"masking"`
}

// PreparationData is the preparation-stage schema.
type PreparationData struct {
	Environment *EnvironmentReading `json:"environment,omitempty"`
	Checklist   *PrepChecklist      `json:"checklist,omitempty"`
}

// InstallationData is the installation-stage schema.
type InstallationData struct {
	Notes     string   `json:"notes,omitempty"`
	PhotoURLs []string `json:"photo_urls,omitempty"`
}

// QCChecklist is the final quality-control checklist.
type QCChecklist struct {
	EdgesSealed       bool `json:"edges_sealed"`
	NoBubbles         bool `json:"no_bubbles"`
	SmoothSurface     bool `json:"smooth_surface"`
	AlignmentCorrect  bool `json:"alignment_correct"`
	NoDust            bool `json:"no_dust"`
	CureTimeRespected bool `json:"cure_time_respected"`
}

// CustomerSignature is the customer sign-off recorded at finalization.
type CustomerSignature struct {
	Signatory        string `json:"signatory"`
	CustomerComments string `json:"customer_comments,omitempty"`
}

// FinalizationData is the finalization-stage schema.
type FinalizationData struct {
	QCChecklist       *QCChecklist       `json:"qc_checklist,omitempty"`
	CustomerSignature *CustomerSignature `json:"customer_signature,omitempty"`
}

// Top-level keys owned by each typed variant. Anything else lands in Extra.
var collectedKeys = map[StageKind][]string{
	StageInspection:   {"notes", "defects"},
	StagePreparation:  {"environment", "checklist"},
	StageInstallation: {"notes", "photo_urls"},
	StageFinalization: {"qc_checklist", "customer_signature"},
}

// IsZero reports whether no data has been collected yet.
func (cd CollectedData) IsZero() bool {
	return cd.Inspection == nil && cd.Preparation == nil &&
		cd.Installation == nil && cd.Finalization == nil && len(cd.Extra) == 0
}

// MarshalJSON flattens the typed variant and Extra into the open wire object
// the backend expects.
func (cd CollectedData) MarshalJSON() ([]byte, error) {
	return json.Marshal(cd.AsMap())
}

// AsMap returns the flattened wire representation. Typed fields win over
// colliding Extra keys.
func (cd CollectedData) AsMap() map[string]any {
	out := make(map[string]any, len(cd.Extra)+2)
	for k, v := range cd.Extra {
		out[k] = v
	}

	var variant any
	switch {
	case cd.Inspection != nil:
		variant = cd.Inspection
	case cd.Preparation != nil:
		variant = cd.Preparation
	case cd.Installation != nil:
		variant = cd.Installation
	case cd.Finalization != nil:
		variant = cd.Finalization
	}
	if variant != nil {
		raw, err := json.Marshal(variant)
		if err == nil {
			var m map[string]any
			if json.Unmarshal(raw, &m) == nil {
				for k, v := range m {
					out[k] = v
				}
			}
		}
	}
	return out
}

// UnmarshalJSON decodes a standalone payload with no kind information: every
// field lands in Extra. Kind-aware decoding goes through ParseCollectedData.
func (cd *CollectedData) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	cd.Kind = StageGeneric
	cd.Extra = m
	return nil
}

// ParseCollectedData decodes a raw collected_data object into the typed
// variant for the given stage kind. Keys the schema does not claim are kept
// in Extra so nothing collected in the field is ever dropped.
func ParseCollectedData(kind StageKind, raw json.RawMessage) (CollectedData, error) {
	cd := CollectedData{Kind: kind}

	var all map[string]any
	if err := json.Unmarshal(raw, &all); err != nil {
		return cd, fmt.Errorf("collected data: %w", err)
	}

	var err error
	switch kind {
	case StageInspection:
		v := &InspectionData{}
		err = json.Unmarshal(raw, v)
		cd.Inspection = v
	case StagePreparation:
		v := &PreparationData{}
		err = json.Unmarshal(raw, v)
		cd.Preparation = v
	case StageInstallation:
		v := &InstallationData{}
		err = json.Unmarshal(raw, v)
		cd.Installation = v
	case StageFinalization:
		v := &FinalizationData{}
		err = json.Unmarshal(raw, v)
		cd.Finalization = v
	default:
		cd.Extra = all
		return cd, nil
	}
	if err != nil {
		return cd, fmt.Errorf("collected data (%s): %w", kind, err)
	}

	for _, k := range collectedKeys[kind] {
		delete(all, k)
	}
	if len(all) > 0 {
		cd.Extra = all
	}
	return cd, nil
}

// Merge applies a partial update to the collected data and returns the
// result. Scalar fields and arrays are replaced, not appended, so applying
// the same partial twice yields the same value.
func (cd CollectedData) Merge(partial map[string]any) (CollectedData, error) {
	if len(partial) == 0 {
		return cd, nil
	}

	merged := cd.AsMap()
	for k, v := range partial {
		if existing, ok := merged[k].(map[string]any); ok {
			if nested, ok := v.(map[string]any); ok {
				merged[k] = mergeMaps(existing, nested)
				continue
			}
		}
		merged[k] = v
	}

	raw, err := json.Marshal(merged)
	if err != nil {
		return cd, err
	}
	return ParseCollectedData(cd.Kind, raw)
}

func mergeMaps(dst, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		if ev, ok := out[k].(map[string]any); ok {
			if nv, ok := v.(map[string]any); ok {
				out[k] = mergeMaps(ev, nv)
				continue
			}
		}
		out[k] = v
	}
	return out
}
