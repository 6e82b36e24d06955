package engine_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"caseflow/internal/config"
	"caseflow/internal/db"
	"caseflow/internal/domain"
	"caseflow/internal/engine"
	"caseflow/internal/migrate"
)

const testConfigYAML = `org:
  id: test-org

doc_types:
  purchase_request:
    description: "Purchase request form"
  budget_certificate:
    description: "Budget certificate"
  inspection_report:
    description: "Inspection report"

workflows:
  wf.basic:
    name: Basic Approval
    case_type: procurement
    steps:
      - key: review
        name: Unit Review
        approver_strategy: fixed_user
        approver_value: alice
        can_send_back: true
        reject_target: previous_step
        requirements:
          - name: Purchase request form
            mode: auto
            doc_type: purchase_request
          - name: Scope confirmed
            mode: manual
      - key: budget
        name: Budget Check
        approver_strategy: role
        approver_value: budget_officer
        can_send_back: true
        reject_target: previous_step
      - key: final
        name: Final Approval
        approver_strategy: expression
        approver_value: 'case.amount_cents > 100000 ? "director" : "chief"'

  wf.panel:
    name: Panel Review
    case_type: acceptance
    steps:
      - key: panel
        name: Inspection Panel
        approver_strategy: role
        approver_value: inspector
        approval_mode: all_required
        requirements:
          - name: Inspection report
            mode: auto
            doc_type: inspection_report
            binding: instance
      - key: clearance
        name: Clearance
        approver_strategy: fixed_user
        approver_value: alice
`

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg, err := config.FromYAML([]byte(testConfigYAML))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.ImportWorkflows(ctx, cfg, "seed"); err != nil {
		t.Fatalf("import workflows: %v", err)
	}
	env := testEnv{Engine: eng, Ctx: ctx}
	env.seedActor(t, "alice", nil)
	env.seedActor(t, "dana", nil, "budget_officer")
	env.seedActor(t, "erin", nil, "chief")
	env.seedActor(t, "frank", nil, "director")
	env.seedActor(t, "bob", nil, "inspector")
	env.seedActor(t, "carol", nil, "inspector")
	return env
}

func (env testEnv) seedActor(t *testing.T, id string, unitID *string, roles ...string) {
	t.Helper()
	a := domain.Actor{ID: id, DisplayName: id, UnitID: unitID, Active: true}
	if _, err := env.Engine.UpsertActor(env.Ctx, a, roles, "seed"); err != nil {
		t.Fatalf("seed actor %s: %v", id, err)
	}
}

func (env testEnv) openCase(t *testing.T, workflowID string, amountCents int64) domain.Case {
	t.Helper()
	c, err := env.Engine.CreateCase(env.Ctx, engine.CaseCreateOptions{
		WorkflowID:  workflowID,
		Title:       "Test case",
		AmountCents: amountCents,
		ActorID:     "creator",
	})
	if err != nil {
		t.Fatalf("create case: %v", err)
	}
	return c
}

func (env testEnv) currentInstanceID(t *testing.T, caseID string) string {
	t.Helper()
	c, err := env.Engine.Repo.GetCase(env.Ctx, nil, caseID)
	if err != nil {
		t.Fatalf("get case: %v", err)
	}
	if c.CurrentInstanceID == nil {
		t.Fatalf("case %s has no current instance", caseID)
	}
	return *c.CurrentInstanceID
}

// completeReviewChecklist attaches the purchase request and passes the manual
// item so the review step can be approved.
func (env testEnv) completeReviewChecklist(t *testing.T, c domain.Case) {
	t.Helper()
	if _, err := env.Engine.AttachDocument(env.Ctx, engine.DocumentAttachOptions{
		RefID:     c.ID,
		DocTypeID: "purchase_request",
		FileName:  "pr.pdf",
		ActorID:   "creator",
	}); err != nil {
		t.Fatalf("attach document: %v", err)
	}
	instanceID := env.currentInstanceID(t, c.ID)
	checklist, err := env.Engine.GetChecklist(env.Ctx, instanceID)
	if err != nil {
		t.Fatalf("get checklist: %v", err)
	}
	for _, item := range checklist.Items {
		if item.Mode != domain.RequirementManual {
			continue
		}
		if _, err := env.Engine.RecordManualVerification(env.Ctx, engine.VerifyOptions{
			StepInstanceID: instanceID,
			RequirementID:  item.RequirementID,
			Status:         domain.ResultPass,
			ActorID:        "alice",
		}); err != nil {
			t.Fatalf("verify %s: %v", item.Name, err)
		}
	}
}

func TestImportWorkflowsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	again, err := env.Engine.ImportWorkflows(env.Ctx, env.Engine.Config, "seed")
	if err != nil {
		t.Fatalf("re-import: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected no new imports, got %v", again)
	}
}

func TestCaseHappyPath(t *testing.T) {
	env := newTestEnv(t)
	c := env.openCase(t, "wf.basic", 50000)

	wf, err := env.Engine.Repo.GetWorkflow(env.Ctx, "wf.basic")
	if err != nil || !wf.Locked {
		t.Fatalf("workflow should be locked after first case: %v locked=%v", err, wf.Locked)
	}

	env.completeReviewChecklist(t, c)
	res, err := env.Engine.Approve(env.Ctx, engine.ApproveOptions{CaseID: c.ID, ActorID: "alice"})
	if err != nil {
		t.Fatalf("approve review: %v", err)
	}
	if !res.Advanced || res.NextStepKey != "budget" {
		t.Fatalf("expected advance to budget, got %+v", res)
	}

	res, err = env.Engine.Approve(env.Ctx, engine.ApproveOptions{CaseID: c.ID, ActorID: "dana"})
	if err != nil {
		t.Fatalf("approve budget: %v", err)
	}
	if res.NextStepKey != "final" {
		t.Fatalf("expected advance to final, got %+v", res)
	}

	// amount below threshold resolves to the chief, not the director
	if _, err := env.Engine.Approve(env.Ctx, engine.ApproveOptions{CaseID: c.ID, ActorID: "frank"}); err == nil {
		t.Fatalf("director should not be eligible for a small case")
	}
	res, err = env.Engine.Approve(env.Ctx, engine.ApproveOptions{CaseID: c.ID, ActorID: "erin", Remarks: "ok"})
	if err != nil {
		t.Fatalf("approve final: %v", err)
	}
	if !res.CaseClosed {
		t.Fatalf("expected case closed, got %+v", res)
	}

	got, err := env.Engine.Repo.GetCase(env.Ctx, nil, c.ID)
	if err != nil {
		t.Fatalf("get case: %v", err)
	}
	if got.Status != domain.CaseClosed || got.CurrentInstanceID != nil {
		t.Fatalf("closed case should have no current instance: %+v", got)
	}
	pending, err := env.Engine.Repo.CountPendingInstances(env.Ctx, nil, c.ID)
	if err != nil || pending != 0 {
		t.Fatalf("expected 0 pending instances, got %d (%v)", pending, err)
	}

	track, err := env.Engine.GetTrack(env.Ctx, c.ID)
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	if len(track) != 3 {
		t.Fatalf("expected 3 track entries, got %d", len(track))
	}
	for i, entry := range track {
		if entry.Status != domain.StepApproved {
			t.Fatalf("entry %d should be approved: %+v", i, entry)
		}
	}
	if !track[2].IsLast {
		t.Fatalf("last entry not marked: %+v", track[2])
	}
}

func TestExpressionPicksDirectorForLargeAmounts(t *testing.T) {
	env := newTestEnv(t)
	c := env.openCase(t, "wf.basic", 200000)
	env.completeReviewChecklist(t, c)
	if _, err := env.Engine.Approve(env.Ctx, engine.ApproveOptions{CaseID: c.ID, ActorID: "alice"}); err != nil {
		t.Fatalf("approve review: %v", err)
	}
	if _, err := env.Engine.Approve(env.Ctx, engine.ApproveOptions{CaseID: c.ID, ActorID: "dana"}); err != nil {
		t.Fatalf("approve budget: %v", err)
	}
	if _, err := env.Engine.Approve(env.Ctx, engine.ApproveOptions{CaseID: c.ID, ActorID: "erin"}); err == nil {
		t.Fatalf("chief should not be eligible for a large case")
	}
	res, err := env.Engine.Approve(env.Ctx, engine.ApproveOptions{CaseID: c.ID, ActorID: "frank"})
	if err != nil || !res.CaseClosed {
		t.Fatalf("director approval should close the case: %v %+v", err, res)
	}
}

func TestChecklistGatesApproval(t *testing.T) {
	env := newTestEnv(t)
	c := env.openCase(t, "wf.basic", 50000)

	_, err := env.Engine.Approve(env.Ctx, engine.ApproveOptions{CaseID: c.ID, ActorID: "alice"})
	var incomplete engine.ChecklistIncompleteError
	if !errors.As(err, &incomplete) {
		t.Fatalf("expected ChecklistIncompleteError, got %v", err)
	}
	if len(incomplete.Missing) != 2 {
		t.Fatalf("expected both requirements missing, got %v", incomplete.Missing)
	}

	// attaching the document clears only the auto item
	if _, err := env.Engine.AttachDocument(env.Ctx, engine.DocumentAttachOptions{
		RefID: c.ID, DocTypeID: "purchase_request", FileName: "pr.pdf", ActorID: "creator",
	}); err != nil {
		t.Fatalf("attach: %v", err)
	}
	_, err = env.Engine.Approve(env.Ctx, engine.ApproveOptions{CaseID: c.ID, ActorID: "alice"})
	if !errors.As(err, &incomplete) || len(incomplete.Missing) != 1 || incomplete.Missing[0] != "Scope confirmed" {
		t.Fatalf("expected only manual item missing, got %v", err)
	}
}

func TestManualVerificationFailKeepsGate(t *testing.T) {
	env := newTestEnv(t)
	c := env.openCase(t, "wf.basic", 50000)
	if _, err := env.Engine.AttachDocument(env.Ctx, engine.DocumentAttachOptions{
		RefID: c.ID, DocTypeID: "purchase_request", FileName: "pr.pdf", ActorID: "creator",
	}); err != nil {
		t.Fatalf("attach: %v", err)
	}
	instanceID := env.currentInstanceID(t, c.ID)
	checklist, err := env.Engine.GetChecklist(env.Ctx, instanceID)
	if err != nil {
		t.Fatalf("checklist: %v", err)
	}
	var manualID string
	for _, item := range checklist.Items {
		if item.Mode == domain.RequirementManual {
			manualID = item.RequirementID
		}
	}

	// a fail decision without notes is rejected
	_, err = env.Engine.RecordManualVerification(env.Ctx, engine.VerifyOptions{
		StepInstanceID: instanceID, RequirementID: manualID, Status: domain.ResultFail, ActorID: "alice",
	})
	var validation engine.ValidationError
	if !errors.As(err, &validation) || validation.Field != "notes" {
		t.Fatalf("expected ValidationError on notes, got %v", err)
	}

	result, err := env.Engine.RecordManualVerification(env.Ctx, engine.VerifyOptions{
		StepInstanceID: instanceID, RequirementID: manualID, Status: domain.ResultFail,
		Notes: "scope unclear", ActorID: "alice",
	})
	if err != nil {
		t.Fatalf("verify fail: %v", err)
	}
	if result.Summary.IsComplete {
		t.Fatalf("failed verification should not complete the checklist")
	}

	// a later pass replaces the fail
	result, err = env.Engine.RecordManualVerification(env.Ctx, engine.VerifyOptions{
		StepInstanceID: instanceID, RequirementID: manualID, Status: domain.ResultPass, ActorID: "alice",
	})
	if err != nil {
		t.Fatalf("verify pass: %v", err)
	}
	if !result.Summary.IsComplete {
		t.Fatalf("expected complete checklist, got %+v", result.Summary)
	}
}

func TestApproveRequiresResolvedApprover(t *testing.T) {
	env := newTestEnv(t)
	c := env.openCase(t, "wf.basic", 50000)
	env.completeReviewChecklist(t, c)
	_, err := env.Engine.Approve(env.Ctx, engine.ApproveOptions{CaseID: c.ID, ActorID: "mallory"})
	var authErr engine.AuthorizationError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthorizationError, got %v", err)
	}
}

func TestAllRequiredConcurrence(t *testing.T) {
	env := newTestEnv(t)
	c := env.openCase(t, "wf.panel", 0)
	instanceID := env.currentInstanceID(t, c.ID)

	// instance-bound evidence attaches to the step instance, not the case
	if _, err := env.Engine.AttachDocument(env.Ctx, engine.DocumentAttachOptions{
		RefID: instanceID, DocTypeID: "inspection_report", FileName: "report.pdf", ActorID: "bob",
	}); err != nil {
		t.Fatalf("attach: %v", err)
	}

	res, err := env.Engine.Approve(env.Ctx, engine.ApproveOptions{CaseID: c.ID, ActorID: "bob"})
	if err != nil {
		t.Fatalf("first concurrence: %v", err)
	}
	if res.Advanced || len(res.PendingActors) != 1 || res.PendingActors[0] != "carol" {
		t.Fatalf("expected carol pending, got %+v", res)
	}

	_, err = env.Engine.Approve(env.Ctx, engine.ApproveOptions{CaseID: c.ID, ActorID: "bob"})
	var invalid engine.InvalidOperationError
	if !errors.As(err, &invalid) {
		t.Fatalf("duplicate concurrence should fail, got %v", err)
	}

	res, err = env.Engine.Approve(env.Ctx, engine.ApproveOptions{CaseID: c.ID, ActorID: "carol"})
	if err != nil {
		t.Fatalf("final concurrence: %v", err)
	}
	if !res.Advanced || res.NextStepKey != "clearance" {
		t.Fatalf("final concurrence should advance, got %+v", res)
	}
}

func TestSendBackReopensWithFreshChecklist(t *testing.T) {
	env := newTestEnv(t)
	c := env.openCase(t, "wf.basic", 50000)
	env.completeReviewChecklist(t, c)
	firstInstance := env.currentInstanceID(t, c.ID)
	if _, err := env.Engine.Approve(env.Ctx, engine.ApproveOptions{CaseID: c.ID, ActorID: "alice"}); err != nil {
		t.Fatalf("approve review: %v", err)
	}

	nsi, err := env.Engine.SendBack(env.Ctx, engine.SendBackOptions{CaseID: c.ID, ActorID: "dana", Remarks: "certificate missing"})
	if err != nil {
		t.Fatalf("send back: %v", err)
	}
	if nsi.Seq != 3 {
		t.Fatalf("reopened instance should be seq 3, got %d", nsi.Seq)
	}

	// one-pending invariant holds across the send-back
	pending, err := env.Engine.Repo.CountPendingInstances(env.Ctx, nil, c.ID)
	if err != nil || pending != 1 {
		t.Fatalf("expected 1 pending instance, got %d (%v)", pending, err)
	}

	checklist, err := env.Engine.GetChecklist(env.Ctx, nsi.ID)
	if err != nil {
		t.Fatalf("checklist: %v", err)
	}
	for _, item := range checklist.Items {
		switch item.Mode {
		case domain.RequirementAuto:
			// case-bound document still counts on the reopened step
			if item.Status != domain.ResultPass {
				t.Fatalf("auto item should still pass: %+v", item)
			}
		case domain.RequirementManual:
			if item.Status != domain.ResultPending {
				t.Fatalf("manual item should reset on the new instance: %+v", item)
			}
		}
	}

	track, err := env.Engine.GetTrack(env.Ctx, c.ID)
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	if len(track) != 3 {
		t.Fatalf("expected 3 track entries, got %d", len(track))
	}
	var sawRejected bool
	for _, entry := range track {
		if entry.Status == domain.StepRejected {
			sawRejected = true
			if entry.Remarks != "certificate missing" {
				t.Fatalf("rejection remarks lost: %+v", entry)
			}
		}
		if entry.StepInstanceID == firstInstance && entry.Status != domain.StepApproved {
			t.Fatalf("approved instance should stay in the track: %+v", entry)
		}
	}
	if !sawRejected {
		t.Fatalf("track should include the rejected instance: %+v", track)
	}
}

func TestSendBackRequiresRemarks(t *testing.T) {
	env := newTestEnv(t)
	c := env.openCase(t, "wf.basic", 50000)
	_, err := env.Engine.SendBack(env.Ctx, engine.SendBackOptions{CaseID: c.ID, ActorID: "alice"})
	var validation engine.ValidationError
	if !errors.As(err, &validation) || validation.Field != "remarks" {
		t.Fatalf("expected ValidationError on remarks, got %v", err)
	}
}

func TestSendBackOnFirstStepReopensIt(t *testing.T) {
	env := newTestEnv(t)
	c := env.openCase(t, "wf.basic", 50000)
	nsi, err := env.Engine.SendBack(env.Ctx, engine.SendBackOptions{CaseID: c.ID, ActorID: "alice", Remarks: "wrong form"})
	if err != nil {
		t.Fatalf("send back: %v", err)
	}
	if nsi.Seq != 2 {
		t.Fatalf("reopened instance should be seq 2, got %d", nsi.Seq)
	}
	track, err := env.Engine.GetTrack(env.Ctx, c.ID)
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	if len(track) != 2 || track[0].StepKey != "review" || track[1].StepKey != "review" {
		t.Fatalf("both instances should sit on the first step: %+v", track)
	}
	if track[0].Status != domain.StepRejected || track[1].Status != domain.StepPending {
		t.Fatalf("expected rejected then pending, got %+v", track)
	}
}

func TestSkipBypassesChecklistAndApprovers(t *testing.T) {
	env := newTestEnv(t)
	c := env.openCase(t, "wf.basic", 50000)
	res, err := env.Engine.Skip(env.Ctx, engine.SkipOptions{CaseID: c.ID, ActorID: "admin-1", Remarks: "unblock"})
	if err != nil {
		t.Fatalf("skip: %v", err)
	}
	if !res.Advanced || res.NextStepKey != "budget" {
		t.Fatalf("skip should advance, got %+v", res)
	}
	track, err := env.Engine.GetTrack(env.Ctx, c.ID)
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	if track[0].Status != domain.StepSkipped {
		t.Fatalf("first entry should be skipped: %+v", track[0])
	}
}

func TestCreateCaseFailsWhenApproverUnresolvable(t *testing.T) {
	env := newTestEnv(t)
	// deactivate the only reviewer before opening the case
	env.seedActorInactive(t, "alice")
	_, err := env.Engine.CreateCase(env.Ctx, engine.CaseCreateOptions{
		WorkflowID: "wf.basic", Title: "Doomed", ActorID: "creator",
	})
	var unresolvable engine.UnresolvableApproverError
	if !errors.As(err, &unresolvable) {
		t.Fatalf("expected UnresolvableApproverError, got %v", err)
	}
	if unresolvable.StepKey != "review" {
		t.Fatalf("error should name the step: %+v", unresolvable)
	}
}

func (env testEnv) seedActorInactive(t *testing.T, id string) {
	t.Helper()
	a := domain.Actor{ID: id, DisplayName: id, Active: false}
	if _, err := env.Engine.UpsertActor(env.Ctx, a, nil, "seed"); err != nil {
		t.Fatalf("deactivate actor %s: %v", id, err)
	}
}

func TestConcurrentMutationsOneWins(t *testing.T) {
	env := newTestEnv(t)
	c := env.openCase(t, "wf.basic", 50000)
	env.completeReviewChecklist(t, c)
	if _, err := env.Engine.Approve(env.Ctx, engine.ApproveOptions{CaseID: c.ID, ActorID: "alice"}); err != nil {
		t.Fatalf("approve review: %v", err)
	}
	if _, err := env.Engine.Approve(env.Ctx, engine.ApproveOptions{CaseID: c.ID, ActorID: "dana"}); err != nil {
		t.Fatalf("approve budget: %v", err)
	}

	// the final step has one approver; race an approval against an admin skip
	errs := make([]error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = env.Engine.Approve(env.Ctx, engine.ApproveOptions{CaseID: c.ID, ActorID: "erin"})
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = env.Engine.Skip(env.Ctx, engine.SkipOptions{CaseID: c.ID, ActorID: "admin-1"})
	}()
	wg.Wait()

	var won, lost int
	var invalid engine.InvalidOperationError
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case errors.As(err, &invalid):
			lost++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if won != 1 || lost != 1 {
		t.Fatalf("expected one winner and one InvalidOperationError, got %v", errs)
	}
	pending, err := env.Engine.Repo.CountPendingInstances(env.Ctx, nil, c.ID)
	if err != nil || pending != 0 {
		t.Fatalf("expected 0 pending instances after close, got %d (%v)", pending, err)
	}
	got, err := env.Engine.Repo.GetCase(env.Ctx, nil, c.ID)
	if err != nil || got.Status != domain.CaseClosed {
		t.Fatalf("case should be closed exactly once: %+v (%v)", got, err)
	}
}

func TestVerifyOnSkippedInstanceFails(t *testing.T) {
	env := newTestEnv(t)
	c := env.openCase(t, "wf.basic", 50000)
	instanceID := env.currentInstanceID(t, c.ID)
	checklist, err := env.Engine.GetChecklist(env.Ctx, instanceID)
	if err != nil {
		t.Fatalf("checklist: %v", err)
	}
	var manualID string
	for _, item := range checklist.Items {
		if item.Mode == domain.RequirementManual {
			manualID = item.RequirementID
		}
	}
	if _, err := env.Engine.Skip(env.Ctx, engine.SkipOptions{CaseID: c.ID, ActorID: "admin-1"}); err != nil {
		t.Fatalf("skip: %v", err)
	}

	_, err = env.Engine.RecordManualVerification(env.Ctx, engine.VerifyOptions{
		StepInstanceID: instanceID, RequirementID: manualID, Status: domain.ResultPass, ActorID: "alice",
	})
	var invalid engine.InvalidOperationError
	if !errors.As(err, &invalid) {
		t.Fatalf("verifying a skipped instance should fail, got %v", err)
	}
}

func TestChecklistRejectsAutoItemWithoutDocType(t *testing.T) {
	env := newTestEnv(t)
	c := env.openCase(t, "wf.basic", 50000)
	instanceID := env.currentInstanceID(t, c.ID)
	si, err := env.Engine.Repo.GetStepInstance(env.Ctx, nil, instanceID)
	if err != nil {
		t.Fatalf("get instance: %v", err)
	}
	// a row like this can only be written behind the config's back
	if err := env.Engine.Repo.InsertStepRequirement(env.Ctx, nil, domain.StepRequirement{
		ID: "req-stray", StepDefinitionID: si.StepDefinitionID, Order: 9,
		Name: "Stray", Required: true, Mode: domain.RequirementAuto, Binding: domain.BindingCase,
	}); err != nil {
		t.Fatalf("insert requirement: %v", err)
	}

	_, err = env.Engine.GetChecklist(env.Ctx, instanceID)
	if err == nil || !strings.Contains(err.Error(), "no doc type") {
		t.Fatalf("expected a doc type error, got %v", err)
	}
}

func TestActionsOnClosedCaseFail(t *testing.T) {
	env := newTestEnv(t)
	c := env.openCase(t, "wf.panel", 0)
	instanceID := env.currentInstanceID(t, c.ID)
	if _, err := env.Engine.AttachDocument(env.Ctx, engine.DocumentAttachOptions{
		RefID: instanceID, DocTypeID: "inspection_report", FileName: "r.pdf", ActorID: "bob",
	}); err != nil {
		t.Fatalf("attach: %v", err)
	}
	for _, actor := range []string{"bob", "carol"} {
		if _, err := env.Engine.Approve(env.Ctx, engine.ApproveOptions{CaseID: c.ID, ActorID: actor}); err != nil {
			t.Fatalf("approve panel as %s: %v", actor, err)
		}
	}
	if _, err := env.Engine.Approve(env.Ctx, engine.ApproveOptions{CaseID: c.ID, ActorID: "alice"}); err != nil {
		t.Fatalf("approve clearance: %v", err)
	}

	_, err := env.Engine.Approve(env.Ctx, engine.ApproveOptions{CaseID: c.ID, ActorID: "alice"})
	var invalid engine.InvalidOperationError
	if !errors.As(err, &invalid) {
		t.Fatalf("approving a closed case should fail, got %v", err)
	}
	_, err = env.Engine.Skip(env.Ctx, engine.SkipOptions{CaseID: c.ID, ActorID: "admin-1"})
	if !errors.As(err, &invalid) {
		t.Fatalf("skipping a closed case should fail, got %v", err)
	}
}
