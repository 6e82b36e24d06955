package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"caseflow/internal/domain"
	"caseflow/internal/events"
	"caseflow/internal/repo"
)

// EvaluateChecklist computes the current checklist state for a step instance.
// AUTO items pass when a document of the required type is attached to the
// binding scope; MANUAL items reflect the latest recorded verification.
// Nothing is persisted.
func (e Engine) EvaluateChecklist(ctx context.Context, tx *sql.Tx, si domain.StepInstance, c domain.Case) (domain.ChecklistResult, error) {
	reqs, err := e.Repo.ListStepRequirements(ctx, tx, si.StepDefinitionID)
	if err != nil {
		return domain.ChecklistResult{}, err
	}
	verifications, err := e.Repo.ListManualVerifications(ctx, tx, si.ID)
	if err != nil {
		return domain.ChecklistResult{}, err
	}

	result := domain.ChecklistResult{StepInstanceID: si.ID, Items: []domain.RequirementResult{}}
	for _, req := range reqs {
		item := domain.RequirementResult{
			RequirementID: req.ID,
			Name:          req.Name,
			Required:      req.Required,
			Mode:          req.Mode,
			Status:        domain.ResultPending,
			DocTypeID:     req.DocTypeID,
		}
		switch req.Mode {
		case domain.RequirementAuto:
			if req.DocTypeID == nil {
				// Validate() rejects this at import; a row can only look like
				// this if it was written behind the config's back.
				return domain.ChecklistResult{}, fmt.Errorf("auto requirement %s (%s) has no doc type", req.ID, req.Name)
			}
			refID := c.ID
			if req.Binding == domain.BindingInstance {
				refID = si.ID
			}
			doc, err := e.Repo.LatestDocument(ctx, tx, refID, *req.DocTypeID)
			if err == nil {
				item.Status = domain.ResultPass
				item.EvidenceDocID = &doc.ID
			} else if err == repo.ErrNotFound {
				// missing evidence blocks a required item outright
				if req.Required {
					item.Status = domain.ResultFail
				}
			} else {
				return domain.ChecklistResult{}, err
			}
		case domain.RequirementManual:
			if v, ok := verifications[req.ID]; ok {
				item.Status = v.Status
				item.Notes = v.Notes
				item.VerifiedBy = v.VerifiedBy
				item.VerifiedAt = v.VerifiedAt
			}
		}
		result.Items = append(result.Items, item)

		if req.Required {
			result.Summary.RequiredTotal++
			if item.Status == domain.ResultPass {
				result.Summary.Passed++
			} else {
				result.Summary.Missing = append(result.Summary.Missing, req.Name)
			}
		}
	}
	if result.Summary.Missing == nil {
		result.Summary.Missing = []string{}
	}
	result.Summary.IsComplete = len(result.Summary.Missing) == 0
	return result, nil
}

// GetChecklist evaluates the checklist for a step instance outside any
// mutation.
func (e Engine) GetChecklist(ctx context.Context, stepInstanceID string) (domain.ChecklistResult, error) {
	si, err := e.Repo.GetStepInstance(ctx, nil, stepInstanceID)
	if err != nil {
		return domain.ChecklistResult{}, err
	}
	c, err := e.Repo.GetCase(ctx, nil, si.CaseID)
	if err != nil {
		return domain.ChecklistResult{}, err
	}
	return e.EvaluateChecklist(ctx, nil, si, c)
}

// VerifyOptions are parameters for recording a manual checklist decision.
type VerifyOptions struct {
	StepInstanceID string
	RequirementID  string
	Status         string
	Notes          string
	ActorID        string
}

// RecordManualVerification stores a pass/fail decision for a MANUAL
// requirement on a pending step instance and returns the refreshed checklist.
// A later decision for the same pair replaces the earlier one. Fail decisions
// must carry notes.
func (e Engine) RecordManualVerification(ctx context.Context, opts VerifyOptions) (domain.ChecklistResult, error) {
	if opts.Status != domain.ResultPass && opts.Status != domain.ResultFail {
		return domain.ChecklistResult{}, ValidationError{Field: "status", Reason: "must be pass or fail"}
	}
	if opts.Status == domain.ResultFail && strings.TrimSpace(opts.Notes) == "" {
		return domain.ChecklistResult{}, ValidationError{Field: "notes", Reason: "required when status is fail"}
	}
	si, err := e.Repo.GetStepInstance(ctx, nil, opts.StepInstanceID)
	if err != nil {
		return domain.ChecklistResult{}, err
	}
	unlock := e.locks.lock(si.CaseID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ChecklistResult{}, err
	}
	defer tx.Rollback()

	// re-read under the case lock; a concurrent approval or skip may have
	// closed the instance since the lookup above
	si, err = e.Repo.GetStepInstance(ctx, tx, opts.StepInstanceID)
	if err != nil {
		return domain.ChecklistResult{}, err
	}
	if si.Status != domain.StepPending {
		return domain.ChecklistResult{}, InvalidOperationError{Reason: "step instance " + si.ID + " is " + si.Status + ", not pending"}
	}
	c, err := e.Repo.GetCase(ctx, tx, si.CaseID)
	if err != nil {
		return domain.ChecklistResult{}, err
	}
	reqs, err := e.Repo.ListStepRequirements(ctx, tx, si.StepDefinitionID)
	if err != nil {
		return domain.ChecklistResult{}, err
	}
	var target *domain.StepRequirement
	for i := range reqs {
		if reqs[i].ID == opts.RequirementID {
			target = &reqs[i]
			break
		}
	}
	if target == nil {
		return domain.ChecklistResult{}, fmt.Errorf("requirement %s on step instance %s: %w", opts.RequirementID, si.ID, repo.ErrNotFound)
	}
	if target.Mode != domain.RequirementManual {
		return domain.ChecklistResult{}, InvalidOperationError{Reason: "requirement " + target.Name + " is auto-evaluated and cannot be verified manually"}
	}

	now := e.now().UTC().Format(time.RFC3339)
	v := domain.ManualVerification{
		StepInstanceID: si.ID,
		RequirementID:  target.ID,
		Status:         opts.Status,
		Notes:          opts.Notes,
		VerifiedBy:     opts.ActorID,
		VerifiedAt:     now,
	}
	if err := e.Repo.UpsertManualVerification(ctx, tx, v); err != nil {
		return domain.ChecklistResult{}, err
	}
	if err := e.Events.Append(ctx, tx, "checklist.verified", c.ID, "step_instance", si.ID, opts.ActorID, events.EventPayload{
		"requirement_id": target.ID,
		"name":           target.Name,
		"status":         opts.Status,
	}); err != nil {
		return domain.ChecklistResult{}, err
	}
	result, err := e.EvaluateChecklist(ctx, tx, si, c)
	if err != nil {
		return domain.ChecklistResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ChecklistResult{}, err
	}
	return result, nil
}
