package engine

import (
	"context"
	"sort"

	"caseflow/internal/domain"
	"caseflow/internal/repo"
)

// GetTrack returns the full approval history of a case, one entry per step
// instance ever created, ordered by step position then by occurrence. The
// chronologically newest instance carries IsLast.
func (e Engine) GetTrack(ctx context.Context, caseID string) ([]domain.TrackEntry, error) {
	c, err := e.Repo.GetCase(ctx, nil, caseID)
	if err != nil {
		return nil, err
	}
	instances, err := e.Repo.ListStepInstances(ctx, nil, c.ID)
	if err != nil {
		return nil, err
	}
	steps, err := e.Repo.ListStepDefinitions(ctx, nil, c.WorkflowID)
	if err != nil {
		return nil, err
	}
	stepsByID := map[string]domain.StepDefinition{}
	for _, s := range steps {
		stepsByID[s.ID] = s
	}

	maxSeq := 0
	for _, si := range instances {
		if si.Seq > maxSeq {
			maxSeq = si.Seq
		}
	}

	names := map[string]string{}
	entries := make([]domain.TrackEntry, 0, len(instances))
	for _, si := range instances {
		step := stepsByID[si.StepDefinitionID]
		entry := domain.TrackEntry{
			StepInstanceID: si.ID,
			StepKey:        step.StepKey,
			StepNumber:     step.Order,
			Title:          step.Name,
			Status:         si.Status,
			ApprovedAt:     si.ApprovedAt,
			IsLast:         si.Seq == maxSeq,
		}
		if si.Remarks != nil {
			entry.Remarks = *si.Remarks
		}
		if si.ApproverActorID != nil {
			name, ok := names[*si.ApproverActorID]
			if !ok {
				a, err := e.Repo.GetActor(ctx, nil, *si.ApproverActorID)
				if err == nil {
					name = a.DisplayName
				} else if err == repo.ErrNotFound {
					name = *si.ApproverActorID
				} else {
					return nil, err
				}
				names[*si.ApproverActorID] = name
			}
			entry.ApproverName = name
		}
		entries = append(entries, entry)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].StepNumber != entries[j].StepNumber {
			return entries[i].StepNumber < entries[j].StepNumber
		}
		return instanceSeq(instances, entries[i].StepInstanceID) < instanceSeq(instances, entries[j].StepInstanceID)
	})
	return entries, nil
}

func instanceSeq(instances []domain.StepInstance, id string) int {
	for _, si := range instances {
		if si.ID == id {
			return si.Seq
		}
	}
	return 0
}
