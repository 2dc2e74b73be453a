package engine

import (
	"math"

	"github.com/wrapforge/fieldflow/model"
)

// The progress accountant derives display progress from the stage list. Its
// output is never authoritative; the backend recomputes progress on every
// mutation and the controller adopts the backend's numbers on reload.

// completionPercentage returns round(100 × finished / total) where finished
// counts completed and skipped stages. An empty stage list is 0%.
func completionPercentage(steps []model.Stage) int {
	if len(steps) == 0 {
		return 0
	}
	finished := 0
	for i := range steps {
		if steps[i].Status == model.StageStatusCompleted || steps[i].Status == model.StageStatusSkipped {
			finished++
		}
	}
	return int(math.Round(100 * float64(finished) / float64(len(steps))))
}

// buildProgress computes the local progress snapshot for an intervention.
func buildProgress(iv *model.Intervention) *model.ProgressSnapshot {
	if iv == nil {
		return &model.ProgressSnapshot{}
	}
	steps := orderedSteps(iv)
	out := make([]model.Stage, 0, len(steps))
	for _, s := range steps {
		out = append(out, *s)
	}
	return &model.ProgressSnapshot{
		Steps:              out,
		ProgressPercentage: completionPercentage(iv.Steps),
	}
}

// progressRecords exposes the per-stage derived records for the transport
// layer.
func progressRecords(iv *model.Intervention) []model.ProgressRecord {
	if iv == nil {
		return nil
	}
	overall := completionPercentage(iv.Steps)
	steps := orderedSteps(iv)
	records := make([]model.ProgressRecord, 0, len(steps))
	for i, s := range steps {
		records = append(records, model.ProgressRecord{
			StageID:              s.ID,
			CurrentStep:          i + 1,
			TotalSteps:           len(steps),
			CompletionPercentage: overall,
			Status:               s.Status,
			StartedAt:            s.StartedAt,
			CompletedAt:          s.CompletedAt,
		})
	}
	return records
}
