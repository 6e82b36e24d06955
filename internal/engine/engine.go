package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"caseflow/internal/config"
	"caseflow/internal/domain"
	"caseflow/internal/engine/approver"
	"caseflow/internal/events"
	"caseflow/internal/repo"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Resolver *approver.Resolver
	Config   *config.Config
	Now      func() time.Time

	locks *caseLocks
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:       db,
		Repo:     r,
		Events:   events.Writer{DB: db},
		Resolver: approver.New(r),
		Config:   cfg,
		Now:      time.Now,
		locks:    newCaseLocks(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func stableID(parts ...string) string {
	key := ""
	for i, p := range parts {
		if i > 0 {
			key += "|"
		}
		key += p
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()
}

// ImportWorkflows loads workflow definitions from config into the database.
// Existing workflows are left untouched, so re-importing the same file is a
// no-op. Returns the IDs of newly imported workflows.
func (e Engine) ImportWorkflows(ctx context.Context, cfg *config.Config, actorID string) ([]string, error) {
	if cfg == nil {
		return nil, ValidationError{Field: "config", Reason: "not loaded"}
	}
	ids := make([]string, 0, len(cfg.Workflows))
	for id := range cfg.Workflows {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	var imported []string
	for _, wfID := range ids {
		def := cfg.Workflows[wfID]
		if _, err := e.Repo.GetWorkflow(ctx, wfID); err == nil {
			continue
		} else if err != repo.ErrNotFound {
			return nil, err
		}
		wf := domain.Workflow{ID: wfID, Name: def.Name, CaseType: def.CaseType, CreatedAt: now}
		if wf.Name == "" {
			wf.Name = wfID
		}
		if err := e.Repo.InsertWorkflow(ctx, tx, wf); err != nil {
			return nil, err
		}
		for i, step := range def.Steps {
			sd := domain.StepDefinition{
				ID:               stableID(wfID, step.Key),
				WorkflowID:       wfID,
				StepKey:          step.Key,
				Name:             step.Name,
				Order:            i + 1,
				ApproverStrategy: step.ApproverStrategy,
				ApproverValue:    step.ApproverValue,
				ApprovalMode:     step.ApprovalMode,
				CanSendBack:      step.CanSendBack,
				RejectTargetType: step.RejectTarget,
			}
			if sd.Name == "" {
				sd.Name = step.Key
			}
			if sd.ApprovalMode == "" {
				sd.ApprovalMode = domain.ModeAnyOne
			}
			if sd.RejectTargetType == "" {
				sd.RejectTargetType = domain.RejectPreviousStep
			}
			if sd.RejectTargetType == domain.RejectSpecific {
				target := stableID(wfID, step.RejectTargetStep)
				sd.RejectTargetStepID = &target
			}
			if err := e.Repo.InsertStepDefinition(ctx, tx, sd); err != nil {
				return nil, err
			}
			for j, req := range step.Requirements {
				sr := domain.StepRequirement{
					ID:               stableID(wfID, step.Key, req.Name),
					StepDefinitionID: sd.ID,
					Order:            j + 1,
					Name:             req.Name,
					Required:         req.Required == nil || *req.Required,
					Mode:             req.Mode,
					Binding:          req.Binding,
				}
				if req.DocType != "" {
					docType := req.DocType
					sr.DocTypeID = &docType
				}
				if sr.Binding == "" {
					sr.Binding = domain.BindingCase
				}
				if err := e.Repo.InsertStepRequirement(ctx, tx, sr); err != nil {
					return nil, err
				}
			}
		}
		if err := e.Events.Append(ctx, tx, "workflow.imported", "", "workflow", wfID, actorID, events.EventPayload{
			"name": wf.Name, "steps": len(def.Steps),
		}); err != nil {
			return nil, err
		}
		imported = append(imported, wfID)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return imported, nil
}

// CaseCreateOptions are parameters for opening a case.
type CaseCreateOptions struct {
	ID           string
	WorkflowID   string
	Title        string
	AmountCents  int64
	MetadataJSON string
	UnitID       string
	ActorID      string
}

// CreateCase opens a case and places it on the workflow's first step. The
// workflow definition is locked once the first case references it.
func (e Engine) CreateCase(ctx context.Context, opts CaseCreateOptions) (domain.Case, error) {
	if opts.WorkflowID == "" {
		return domain.Case{}, ValidationError{Field: "workflow_id", Reason: "required"}
	}
	if opts.Title == "" {
		return domain.Case{}, ValidationError{Field: "title", Reason: "required"}
	}
	if opts.AmountCents < 0 {
		return domain.Case{}, ValidationError{Field: "amount_cents", Reason: "must not be negative"}
	}
	if opts.MetadataJSON != "" && !json.Valid([]byte(opts.MetadataJSON)) {
		return domain.Case{}, ValidationError{Field: "metadata", Reason: "must be valid JSON"}
	}
	if _, err := e.Repo.GetWorkflow(ctx, opts.WorkflowID); err != nil {
		return domain.Case{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Case{}, err
	}
	defer tx.Rollback()

	steps, err := e.Repo.ListStepDefinitions(ctx, tx, opts.WorkflowID)
	if err != nil {
		return domain.Case{}, err
	}
	if len(steps) == 0 {
		return domain.Case{}, InvalidOperationError{Reason: "workflow " + opts.WorkflowID + " has no steps"}
	}
	first := steps[0]

	now := e.now().UTC().Format(time.RFC3339)
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	c := domain.Case{
		ID:          id,
		WorkflowID:  opts.WorkflowID,
		Title:       opts.Title,
		Status:      domain.CaseOpen,
		AmountCents: opts.AmountCents,
		CreatedBy:   opts.ActorID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if opts.MetadataJSON != "" {
		c.MetadataJSON = &opts.MetadataJSON
	}
	if opts.UnitID != "" {
		c.UnitID = &opts.UnitID
	}

	if _, err := e.Resolver.Resolve(ctx, tx, first, c); err != nil {
		return domain.Case{}, wrapResolve(err, first.StepKey)
	}

	si := domain.StepInstance{
		ID:               uuid.NewString(),
		CaseID:           c.ID,
		StepDefinitionID: first.ID,
		Seq:              1,
		Status:           domain.StepPending,
		CreatedAt:        now,
	}
	c.CurrentInstanceID = &si.ID

	if err := e.Repo.InsertCase(ctx, tx, c); err != nil {
		return domain.Case{}, err
	}
	if err := e.Repo.InsertStepInstance(ctx, tx, si); err != nil {
		return domain.Case{}, err
	}
	if err := e.Repo.LockWorkflow(ctx, tx, opts.WorkflowID); err != nil {
		return domain.Case{}, err
	}
	if err := e.Events.Append(ctx, tx, "case.created", c.ID, "case", c.ID, opts.ActorID, events.EventPayload{
		"workflow_id": c.WorkflowID, "title": c.Title, "first_step": first.StepKey,
	}); err != nil {
		return domain.Case{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Case{}, err
	}
	return c, nil
}

func wrapResolve(err error, stepKey string) error {
	if re, ok := err.(approver.ResolveError); ok {
		return UnresolvableApproverError{StepKey: stepKey, Strategy: re.Strategy, Detail: re.Detail}
	}
	return err
}

// ApproveOptions are parameters for approving the current step of a case.
type ApproveOptions struct {
	CaseID  string
	ActorID string
	Remarks string
}

// ApproveResult reports what the approval did. On an all_required step the
// case only advances once every resolved approver has concurred; until then
// Advanced is false and PendingActors lists who has not signed yet.
type ApproveResult struct {
	Case          domain.Case
	Instance      domain.StepInstance
	Advanced      bool
	CaseClosed    bool
	NextStepKey   string
	PendingActors []string
}

// Approve validates and applies one approval on the case's current step:
// the actor must be a resolved approver, the checklist must be complete, and
// the step must still be pending. On any_one steps a single approval
// advances the case; on all_required steps each approver concurs once and
// the final concurrence advances it.
func (e Engine) Approve(ctx context.Context, opts ApproveOptions) (ApproveResult, error) {
	unlock := e.locks.lock(opts.CaseID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ApproveResult{}, err
	}
	defer tx.Rollback()

	c, si, step, err := e.loadCurrent(ctx, tx, opts.CaseID)
	if err != nil {
		return ApproveResult{}, err
	}

	approvers, err := e.Resolver.Resolve(ctx, tx, step, c)
	if err != nil {
		return ApproveResult{}, wrapResolve(err, step.StepKey)
	}
	if !containsActor(approvers, opts.ActorID) {
		return ApproveResult{}, AuthorizationError{ActorID: opts.ActorID, StepKey: step.StepKey, Action: "approve"}
	}

	checklist, err := e.EvaluateChecklist(ctx, tx, si, c)
	if err != nil {
		return ApproveResult{}, err
	}
	if !checklist.Summary.IsComplete {
		return ApproveResult{}, ChecklistIncompleteError{StepInstanceID: si.ID, Missing: checklist.Summary.Missing}
	}

	now := e.now().UTC().Format(time.RFC3339)
	if step.ApprovalMode == domain.ModeAllRequired {
		already, err := e.Repo.HasConcurrence(ctx, tx, si.ID, opts.ActorID)
		if err != nil {
			return ApproveResult{}, err
		}
		if already {
			return ApproveResult{}, InvalidOperationError{Reason: "actor " + opts.ActorID + " already concurred on this step"}
		}
		if err := e.Repo.InsertConcurrence(ctx, tx, domain.Concurrence{
			StepInstanceID: si.ID, ActorID: opts.ActorID, Remarks: opts.Remarks, CreatedAt: now,
		}); err != nil {
			return ApproveResult{}, err
		}
		if err := e.Events.Append(ctx, tx, "step.concurred", c.ID, "step_instance", si.ID, opts.ActorID, events.EventPayload{
			"step_key": step.StepKey,
		}); err != nil {
			return ApproveResult{}, err
		}
		concurrences, err := e.Repo.ListConcurrences(ctx, tx, si.ID)
		if err != nil {
			return ApproveResult{}, err
		}
		signed := map[string]bool{}
		for _, cc := range concurrences {
			signed[cc.ActorID] = true
		}
		var pending []string
		for _, a := range approvers {
			if !signed[a.ID] {
				pending = append(pending, a.ID)
			}
		}
		if len(pending) > 0 {
			if err := tx.Commit(); err != nil {
				return ApproveResult{}, err
			}
			return ApproveResult{Case: c, Instance: si, PendingActors: pending}, nil
		}
	}

	return e.advance(ctx, tx, c, si, step, opts.ActorID, opts.Remarks, now)
}

// advance closes the current instance as approved and either opens the next
// step or closes the case. Runs inside the caller's transaction.
func (e Engine) advance(ctx context.Context, tx *sql.Tx, c domain.Case, si domain.StepInstance, step domain.StepDefinition, actorID, remarks, now string) (ApproveResult, error) {
	if err := e.Repo.CloseStepInstance(ctx, tx, si.ID, domain.StepApproved, &actorID, optionalString(remarks), now); err != nil {
		if err == repo.ErrNotFound {
			return ApproveResult{}, InvalidOperationError{Reason: "step instance " + si.ID + " is no longer pending"}
		}
		return ApproveResult{}, err
	}
	if err := e.Events.Append(ctx, tx, "step.approved", c.ID, "step_instance", si.ID, actorID, events.EventPayload{
		"step_key": step.StepKey,
	}); err != nil {
		return ApproveResult{}, err
	}

	steps, err := e.Repo.ListStepDefinitions(ctx, tx, c.WorkflowID)
	if err != nil {
		return ApproveResult{}, err
	}
	var next *domain.StepDefinition
	for i := range steps {
		if steps[i].Order > step.Order {
			next = &steps[i]
			break
		}
	}

	res := ApproveResult{Case: c, Instance: si, Advanced: true}
	if next == nil {
		if err := e.Repo.UpdateCaseCursor(ctx, tx, c.ID, domain.CaseClosed, nil, now); err != nil {
			return ApproveResult{}, err
		}
		if err := e.Events.Append(ctx, tx, "case.closed", c.ID, "case", c.ID, actorID, events.EventPayload{
			"last_step": step.StepKey,
		}); err != nil {
			return ApproveResult{}, err
		}
		c.Status = domain.CaseClosed
		c.CurrentInstanceID = nil
		res.Case = c
		res.CaseClosed = true
	} else {
		if _, err := e.Resolver.Resolve(ctx, tx, *next, c); err != nil {
			return ApproveResult{}, wrapResolve(err, next.StepKey)
		}
		nsi, err := e.openInstance(ctx, tx, c, *next, actorID, now)
		if err != nil {
			return ApproveResult{}, err
		}
		c.CurrentInstanceID = &nsi.ID
		res.Case = c
		res.NextStepKey = next.StepKey
	}
	if err := tx.Commit(); err != nil {
		return ApproveResult{}, err
	}
	return res, nil
}

func (e Engine) openInstance(ctx context.Context, tx *sql.Tx, c domain.Case, step domain.StepDefinition, actorID, now string) (domain.StepInstance, error) {
	seq, err := e.Repo.NextInstanceSeq(ctx, tx, c.ID)
	if err != nil {
		return domain.StepInstance{}, err
	}
	nsi := domain.StepInstance{
		ID:               uuid.NewString(),
		CaseID:           c.ID,
		StepDefinitionID: step.ID,
		Seq:              seq,
		Status:           domain.StepPending,
		CreatedAt:        now,
	}
	if err := e.Repo.InsertStepInstance(ctx, tx, nsi); err != nil {
		return domain.StepInstance{}, err
	}
	if err := e.Repo.UpdateCaseCursor(ctx, tx, c.ID, domain.CaseOpen, &nsi.ID, now); err != nil {
		return domain.StepInstance{}, err
	}
	if err := e.Events.Append(ctx, tx, "case.advanced", c.ID, "step_instance", nsi.ID, actorID, events.EventPayload{
		"step_key": step.StepKey, "seq": nsi.Seq,
	}); err != nil {
		return domain.StepInstance{}, err
	}
	return nsi, nil
}

// SendBackOptions are parameters for rejecting the current step back to an
// earlier one.
type SendBackOptions struct {
	CaseID  string
	ActorID string
	Remarks string
}

// SendBack rejects the case's current step and reopens it at the step's
// configured reject target. A rejection must be explained, so remarks are
// mandatory. The rejected instance stays in the track; the reopened step
// starts with a fresh checklist.
func (e Engine) SendBack(ctx context.Context, opts SendBackOptions) (domain.StepInstance, error) {
	unlock := e.locks.lock(opts.CaseID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.StepInstance{}, err
	}
	defer tx.Rollback()

	c, si, step, err := e.loadCurrent(ctx, tx, opts.CaseID)
	if err != nil {
		return domain.StepInstance{}, err
	}
	ok, err := e.Resolver.CanAct(ctx, tx, opts.ActorID, step, c)
	if err != nil {
		return domain.StepInstance{}, wrapResolve(err, step.StepKey)
	}
	if !ok {
		return domain.StepInstance{}, AuthorizationError{ActorID: opts.ActorID, StepKey: step.StepKey, Action: "send back"}
	}
	if !step.CanSendBack {
		return domain.StepInstance{}, InvalidOperationError{Reason: "step " + step.StepKey + " does not allow send-back"}
	}
	if strings.TrimSpace(opts.Remarks) == "" {
		return domain.StepInstance{}, ValidationError{Field: "remarks", Reason: "a rejection must be explained"}
	}

	steps, err := e.Repo.ListStepDefinitions(ctx, tx, c.WorkflowID)
	if err != nil {
		return domain.StepInstance{}, err
	}
	target, err := rejectTarget(step, steps)
	if err != nil {
		return domain.StepInstance{}, err
	}

	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.CloseStepInstance(ctx, tx, si.ID, domain.StepRejected, &opts.ActorID, optionalString(opts.Remarks), now); err != nil {
		if err == repo.ErrNotFound {
			return domain.StepInstance{}, InvalidOperationError{Reason: "step instance " + si.ID + " is no longer pending"}
		}
		return domain.StepInstance{}, err
	}
	if _, err := e.Resolver.Resolve(ctx, tx, target, c); err != nil {
		return domain.StepInstance{}, wrapResolve(err, target.StepKey)
	}
	nsi, err := e.openInstance(ctx, tx, c, target, opts.ActorID, now)
	if err != nil {
		return domain.StepInstance{}, err
	}
	if err := e.Events.Append(ctx, tx, "case.sent_back", c.ID, "step_instance", si.ID, opts.ActorID, events.EventPayload{
		"from_step": step.StepKey, "to_step": target.StepKey, "remarks": opts.Remarks,
	}); err != nil {
		return domain.StepInstance{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.StepInstance{}, err
	}
	return nsi, nil
}

func rejectTarget(step domain.StepDefinition, steps []domain.StepDefinition) (domain.StepDefinition, error) {
	switch step.RejectTargetType {
	case domain.RejectFirstStep:
		return steps[0], nil
	case domain.RejectSpecific:
		if step.RejectTargetStepID == nil {
			return domain.StepDefinition{}, InvalidOperationError{Reason: "step " + step.StepKey + " has no reject target configured"}
		}
		for _, s := range steps {
			if s.ID == *step.RejectTargetStepID {
				return s, nil
			}
		}
		return domain.StepDefinition{}, InvalidOperationError{Reason: "reject target of step " + step.StepKey + " not found"}
	default: // previous_step
		var prev *domain.StepDefinition
		for i := range steps {
			if steps[i].Order < step.Order {
				prev = &steps[i]
			}
		}
		if prev == nil {
			// already at the first step; it reopens in place
			return steps[0], nil
		}
		return *prev, nil
	}
}

// SkipOptions are parameters for administratively skipping the current step.
type SkipOptions struct {
	CaseID  string
	ActorID string
	Remarks string
}

// Skip closes the current step as skipped without checklist or approver
// checks and moves the case forward. Intended for administrative unblocking;
// the server restricts it to admins.
func (e Engine) Skip(ctx context.Context, opts SkipOptions) (ApproveResult, error) {
	unlock := e.locks.lock(opts.CaseID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ApproveResult{}, err
	}
	defer tx.Rollback()

	c, si, step, err := e.loadCurrent(ctx, tx, opts.CaseID)
	if err != nil {
		return ApproveResult{}, err
	}

	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.CloseStepInstance(ctx, tx, si.ID, domain.StepSkipped, &opts.ActorID, optionalString(opts.Remarks), now); err != nil {
		if err == repo.ErrNotFound {
			return ApproveResult{}, InvalidOperationError{Reason: "step instance " + si.ID + " is no longer pending"}
		}
		return ApproveResult{}, err
	}
	if err := e.Events.Append(ctx, tx, "step.skipped", c.ID, "step_instance", si.ID, opts.ActorID, events.EventPayload{
		"step_key": step.StepKey, "remarks": opts.Remarks,
	}); err != nil {
		return ApproveResult{}, err
	}

	steps, err := e.Repo.ListStepDefinitions(ctx, tx, c.WorkflowID)
	if err != nil {
		return ApproveResult{}, err
	}
	var next *domain.StepDefinition
	for i := range steps {
		if steps[i].Order > step.Order {
			next = &steps[i]
			break
		}
	}
	res := ApproveResult{Case: c, Instance: si, Advanced: true}
	if next == nil {
		if err := e.Repo.UpdateCaseCursor(ctx, tx, c.ID, domain.CaseClosed, nil, now); err != nil {
			return ApproveResult{}, err
		}
		if err := e.Events.Append(ctx, tx, "case.closed", c.ID, "case", c.ID, opts.ActorID, events.EventPayload{
			"last_step": step.StepKey,
		}); err != nil {
			return ApproveResult{}, err
		}
		c.Status = domain.CaseClosed
		c.CurrentInstanceID = nil
		res.Case = c
		res.CaseClosed = true
	} else {
		if _, err := e.Resolver.Resolve(ctx, tx, *next, c); err != nil {
			return ApproveResult{}, wrapResolve(err, next.StepKey)
		}
		nsi, err := e.openInstance(ctx, tx, c, *next, opts.ActorID, now)
		if err != nil {
			return ApproveResult{}, err
		}
		c.CurrentInstanceID = &nsi.ID
		res.Case = c
		res.NextStepKey = next.StepKey
	}
	if err := tx.Commit(); err != nil {
		return ApproveResult{}, err
	}
	return res, nil
}

// loadCurrent fetches the open case, its pending current instance, and the
// instance's step definition.
func (e Engine) loadCurrent(ctx context.Context, tx *sql.Tx, caseID string) (domain.Case, domain.StepInstance, domain.StepDefinition, error) {
	c, err := e.Repo.GetCase(ctx, tx, caseID)
	if err != nil {
		return domain.Case{}, domain.StepInstance{}, domain.StepDefinition{}, err
	}
	if c.Status != domain.CaseOpen {
		return c, domain.StepInstance{}, domain.StepDefinition{}, InvalidOperationError{Reason: "case " + c.ID + " is " + c.Status}
	}
	if c.CurrentInstanceID == nil {
		return c, domain.StepInstance{}, domain.StepDefinition{}, InvalidOperationError{Reason: "case " + c.ID + " has no current step"}
	}
	si, err := e.Repo.GetStepInstance(ctx, tx, *c.CurrentInstanceID)
	if err != nil {
		return c, domain.StepInstance{}, domain.StepDefinition{}, err
	}
	if si.Status != domain.StepPending {
		return c, si, domain.StepDefinition{}, InvalidOperationError{Reason: "step instance " + si.ID + " is " + si.Status + ", not pending"}
	}
	step, err := e.Repo.GetStepDefinition(ctx, tx, si.StepDefinitionID)
	if err != nil {
		return c, si, domain.StepDefinition{}, err
	}
	return c, si, step, nil
}

func containsActor(actors []domain.Actor, id string) bool {
	for _, a := range actors {
		if a.ID == id {
			return true
		}
	}
	return false
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
