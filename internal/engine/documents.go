package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"caseflow/internal/domain"
	"caseflow/internal/events"
	"caseflow/internal/repo"
)

// DocumentAttachOptions are parameters for registering checklist evidence.
// RefID is a case ID for case-bound requirements or a step instance ID for
// instance-bound ones.
type DocumentAttachOptions struct {
	RefID     string
	DocTypeID string
	FileName  string
	FileURL   string
	ActorID   string
}

// AttachDocument registers a document as checklist evidence. The newest
// document per (ref, type) wins during evaluation.
func (e Engine) AttachDocument(ctx context.Context, opts DocumentAttachOptions) (domain.DocumentRef, error) {
	if opts.RefID == "" {
		return domain.DocumentRef{}, ValidationError{Field: "ref_id", Reason: "required"}
	}
	if opts.DocTypeID == "" {
		return domain.DocumentRef{}, ValidationError{Field: "doc_type_id", Reason: "required"}
	}
	if opts.FileName == "" {
		return domain.DocumentRef{}, ValidationError{Field: "file_name", Reason: "required"}
	}
	if e.Config != nil && len(e.Config.DocTypes) > 0 {
		if _, ok := e.Config.DocTypes[opts.DocTypeID]; !ok {
			return domain.DocumentRef{}, ValidationError{Field: "doc_type_id", Reason: "unknown doc type " + opts.DocTypeID}
		}
	}

	caseID := ""
	if _, err := e.Repo.GetCase(ctx, nil, opts.RefID); err == nil {
		caseID = opts.RefID
	} else if err != repo.ErrNotFound {
		return domain.DocumentRef{}, err
	} else {
		si, err := e.Repo.GetStepInstance(ctx, nil, opts.RefID)
		if err == repo.ErrNotFound {
			return domain.DocumentRef{}, ValidationError{Field: "ref_id", Reason: "no case or step instance with id " + opts.RefID}
		}
		if err != nil {
			return domain.DocumentRef{}, err
		}
		caseID = si.CaseID
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.DocumentRef{}, err
	}
	defer tx.Rollback()

	d := domain.DocumentRef{
		ID:         uuid.NewString(),
		RefID:      opts.RefID,
		DocTypeID:  opts.DocTypeID,
		FileName:   opts.FileName,
		FileURL:    opts.FileURL,
		UploadedBy: opts.ActorID,
		CreatedAt:  e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertDocument(ctx, tx, d); err != nil {
		return domain.DocumentRef{}, err
	}
	if err := e.Events.Append(ctx, tx, "document.attached", caseID, "document", d.ID, opts.ActorID, events.EventPayload{
		"ref_id": d.RefID, "doc_type_id": d.DocTypeID, "file_name": d.FileName,
	}); err != nil {
		return domain.DocumentRef{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.DocumentRef{}, err
	}
	return d, nil
}
