package repo

import (
	"context"
	"database/sql"

	"caseflow/internal/domain"
)

func (r Repo) InsertWorkflow(ctx context.Context, tx *sql.Tx, wf domain.Workflow) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO workflows(id,name,case_type,locked,created_at) VALUES (?,?,?,?,?)`,
		wf.ID, wf.Name, wf.CaseType, boolInt(wf.Locked), wf.CreatedAt)
	return err
}

func (r Repo) LockWorkflow(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE workflows SET locked=1 WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetWorkflow(ctx context.Context, id string) (domain.Workflow, error) {
	var wf domain.Workflow
	var locked int
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,case_type,locked,created_at FROM workflows WHERE id=?`, id).
		Scan(&wf.ID, &wf.Name, &wf.CaseType, &locked, &wf.CreatedAt)
	if err == sql.ErrNoRows {
		return wf, ErrNotFound
	}
	if err != nil {
		return wf, err
	}
	wf.Locked = locked == 1
	return wf, nil
}

func (r Repo) ListWorkflows(ctx context.Context) ([]domain.Workflow, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,case_type,locked,created_at FROM workflows ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Workflow
	for rows.Next() {
		var wf domain.Workflow
		var locked int
		if err := rows.Scan(&wf.ID, &wf.Name, &wf.CaseType, &locked, &wf.CreatedAt); err != nil {
			return nil, err
		}
		wf.Locked = locked == 1
		res = append(res, wf)
	}
	return res, rows.Err()
}

func (r Repo) InsertStepDefinition(ctx context.Context, tx *sql.Tx, sd domain.StepDefinition) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO step_definitions(id,workflow_id,step_key,name,ord,approver_strategy,approver_value,approval_mode,can_send_back,reject_target_type,reject_target_step_id)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		sd.ID, sd.WorkflowID, sd.StepKey, sd.Name, sd.Order, sd.ApproverStrategy, sd.ApproverValue, sd.ApprovalMode,
		boolInt(sd.CanSendBack), sd.RejectTargetType, nullableStringPtr(sd.RejectTargetStepID))
	return err
}

func (r Repo) InsertStepRequirement(ctx context.Context, tx *sql.Tx, sr domain.StepRequirement) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO step_requirements(id,step_definition_id,ord,name,required,mode,doc_type_id,binding) VALUES (?,?,?,?,?,?,?,?)`,
		sr.ID, sr.StepDefinitionID, sr.Order, sr.Name, boolInt(sr.Required), sr.Mode, nullableStringPtr(sr.DocTypeID), sr.Binding)
	return err
}

func scanStepDefinition(scan func(dest ...any) error) (domain.StepDefinition, error) {
	var sd domain.StepDefinition
	var canSendBack int
	var rejectTarget sql.NullString
	err := scan(&sd.ID, &sd.WorkflowID, &sd.StepKey, &sd.Name, &sd.Order, &sd.ApproverStrategy, &sd.ApproverValue,
		&sd.ApprovalMode, &canSendBack, &sd.RejectTargetType, &rejectTarget)
	if err != nil {
		return sd, err
	}
	sd.CanSendBack = canSendBack == 1
	if rejectTarget.Valid {
		sd.RejectTargetStepID = &rejectTarget.String
	}
	return sd, nil
}

const stepDefinitionCols = `id,workflow_id,step_key,name,ord,approver_strategy,approver_value,approval_mode,can_send_back,reject_target_type,reject_target_step_id`

func (r Repo) GetStepDefinition(ctx context.Context, tx *sql.Tx, id string) (domain.StepDefinition, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+stepDefinitionCols+` FROM step_definitions WHERE id=?`, id)
	sd, err := scanStepDefinition(row.Scan)
	if err == sql.ErrNoRows {
		return sd, ErrNotFound
	}
	return sd, err
}

// ListStepDefinitions returns a workflow's steps in order.
func (r Repo) ListStepDefinitions(ctx context.Context, tx *sql.Tx, workflowID string) ([]domain.StepDefinition, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+stepDefinitionCols+` FROM step_definitions WHERE workflow_id=? ORDER BY ord ASC`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StepDefinition
	for rows.Next() {
		sd, err := scanStepDefinition(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, sd)
	}
	return res, rows.Err()
}

func (r Repo) ListStepRequirements(ctx context.Context, tx *sql.Tx, stepDefinitionID string) ([]domain.StepRequirement, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT id,step_definition_id,ord,name,required,mode,doc_type_id,binding FROM step_requirements WHERE step_definition_id=? ORDER BY ord ASC`, stepDefinitionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StepRequirement
	for rows.Next() {
		var sr domain.StepRequirement
		var required int
		var docType sql.NullString
		if err := rows.Scan(&sr.ID, &sr.StepDefinitionID, &sr.Order, &sr.Name, &required, &sr.Mode, &docType, &sr.Binding); err != nil {
			return nil, err
		}
		sr.Required = required == 1
		if docType.Valid {
			sr.DocTypeID = &docType.String
		}
		res = append(res, sr)
	}
	return res, rows.Err()
}
