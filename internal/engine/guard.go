package engine

import (
	"sort"

	"github.com/wrapforge/fieldflow/model"
)

// The navigation policy enforces strictly sequential progression through the
// stage list while allowing completed and in-progress stages to be revisited.

// orderedSteps returns the intervention's stages sorted by their 1-based
// order. The backend already delivers them sorted; sorting here keeps the
// policy correct regardless.
func orderedSteps(iv *model.Intervention) []*model.Stage {
	out := make([]*model.Stage, 0, len(iv.Steps))
	for i := range iv.Steps {
		out = append(out, &iv.Steps[i])
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].Order < out[b].Order })
	return out
}

// canAccessStep reports whether the given stage may currently be opened:
// it is the first stage, or it is already in progress or completed, or the
// immediately preceding stage is completed or skipped.
func canAccessStep(iv *model.Intervention, stageID string) bool {
	if iv == nil {
		return false
	}
	steps := orderedSteps(iv)
	for i, s := range steps {
		if s.ID != stageID {
			continue
		}
		if i == 0 {
			return true
		}
		if s.Status == model.StageStatusInProgress || s.Status == model.StageStatusCompleted {
			return true
		}
		prev := steps[i-1]
		return prev.Status == model.StageStatusCompleted || prev.Status == model.StageStatusSkipped
	}
	return false
}

// currentIndex returns the position of the current stage in the ordered
// list, or -1 when there is no current stage or it is unknown.
func currentIndex(iv *model.Intervention) int {
	if iv == nil || iv.CurrentStepID == "" {
		return -1
	}
	for i, s := range orderedSteps(iv) {
		if s.ID == iv.CurrentStepID {
			return i
		}
	}
	return -1
}

// isFirstStep reports whether the current stage is the first in sequence.
// False when there is no current stage or the stage list is empty.
func isFirstStep(iv *model.Intervention) bool {
	return currentIndex(iv) == 0
}

// isLastStep reports whether the current stage is the last in sequence.
// False when there is no current stage or the stage list is empty.
func isLastStep(iv *model.Intervention) bool {
	idx := currentIndex(iv)
	return idx >= 0 && idx == len(iv.Steps)-1
}
