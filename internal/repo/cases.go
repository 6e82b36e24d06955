package repo

import (
	"context"
	"database/sql"

	"caseflow/internal/domain"
)

const caseCols = `id,workflow_id,title,status,amount_cents,metadata_json,created_by,unit_id,current_instance_id,created_at,updated_at`

func scanCase(scan func(dest ...any) error) (domain.Case, error) {
	var c domain.Case
	var metadata, unitID, currentInstance sql.NullString
	err := scan(&c.ID, &c.WorkflowID, &c.Title, &c.Status, &c.AmountCents, &metadata, &c.CreatedBy, &unitID, &currentInstance, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return c, err
	}
	if metadata.Valid {
		c.MetadataJSON = &metadata.String
	}
	if unitID.Valid {
		c.UnitID = &unitID.String
	}
	if currentInstance.Valid {
		c.CurrentInstanceID = &currentInstance.String
	}
	return c, nil
}

func (r Repo) InsertCase(ctx context.Context, tx *sql.Tx, c domain.Case) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO cases(`+caseCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.WorkflowID, c.Title, c.Status, c.AmountCents, nullableStringPtr(c.MetadataJSON), c.CreatedBy,
		nullableStringPtr(c.UnitID), nullableStringPtr(c.CurrentInstanceID), c.CreatedAt, c.UpdatedAt)
	return err
}

func (r Repo) GetCase(ctx context.Context, tx *sql.Tx, id string) (domain.Case, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+caseCols+` FROM cases WHERE id=?`, id)
	c, err := scanCase(row.Scan)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

// UpdateCaseCursor moves the case pointer to a new current instance and bumps
// updated_at. Pass nil instanceID when the case closes.
func (r Repo) UpdateCaseCursor(ctx context.Context, tx *sql.Tx, caseID string, status string, instanceID *string, now string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE cases SET status=?, current_instance_id=?, updated_at=? WHERE id=?`,
		status, nullableStringPtr(instanceID), now, caseID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type CaseFilters struct {
	WorkflowID      string
	Status          string
	CreatedBy       string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListCases(ctx context.Context, f CaseFilters) ([]domain.Case, error) {
	var clauses []string
	var args []any
	if f.WorkflowID != "" {
		clauses = append(clauses, "workflow_id=?")
		args = append(args, f.WorkflowID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CreatedBy != "" {
		clauses = append(clauses, "created_by=?")
		args = append(args, f.CreatedBy)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + caseCols + ` FROM cases ` + buildWhere(clauses) + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Case
	for rows.Next() {
		c, err := scanCase(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

const instanceCols = `id,case_id,step_definition_id,seq,status,approver_actor_id,approved_at,remarks,created_at`

func scanInstance(scan func(dest ...any) error) (domain.StepInstance, error) {
	var si domain.StepInstance
	var approver, approvedAt, remarks sql.NullString
	err := scan(&si.ID, &si.CaseID, &si.StepDefinitionID, &si.Seq, &si.Status, &approver, &approvedAt, &remarks, &si.CreatedAt)
	if err != nil {
		return si, err
	}
	if approver.Valid {
		si.ApproverActorID = &approver.String
	}
	if approvedAt.Valid {
		si.ApprovedAt = &approvedAt.String
	}
	if remarks.Valid {
		si.Remarks = &remarks.String
	}
	return si, nil
}

func (r Repo) InsertStepInstance(ctx context.Context, tx *sql.Tx, si domain.StepInstance) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO step_instances(`+instanceCols+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		si.ID, si.CaseID, si.StepDefinitionID, si.Seq, si.Status, nullableStringPtr(si.ApproverActorID),
		nullableStringPtr(si.ApprovedAt), nullableStringPtr(si.Remarks), si.CreatedAt)
	return err
}

func (r Repo) GetStepInstance(ctx context.Context, tx *sql.Tx, id string) (domain.StepInstance, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+instanceCols+` FROM step_instances WHERE id=?`, id)
	si, err := scanInstance(row.Scan)
	if err == sql.ErrNoRows {
		return si, ErrNotFound
	}
	return si, err
}

// CloseStepInstance records a terminal status on a pending instance. Returns
// ErrNotFound when the instance is missing or no longer pending.
func (r Repo) CloseStepInstance(ctx context.Context, tx *sql.Tx, id, status string, approverActorID, remarks *string, approvedAt string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE step_instances SET status=?, approver_actor_id=?, approved_at=?, remarks=? WHERE id=? AND status=?`,
		status, nullableStringPtr(approverActorID), approvedAt, nullableStringPtr(remarks), id, domain.StepPending)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListStepInstances returns every instance of a case in creation order.
func (r Repo) ListStepInstances(ctx context.Context, tx *sql.Tx, caseID string) ([]domain.StepInstance, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+instanceCols+` FROM step_instances WHERE case_id=? ORDER BY seq ASC`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StepInstance
	for rows.Next() {
		si, err := scanInstance(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, si)
	}
	return res, rows.Err()
}

func (r Repo) NextInstanceSeq(ctx context.Context, tx *sql.Tx, caseID string) (int, error) {
	var seq int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM step_instances WHERE case_id=?`, caseID).Scan(&seq)
	return seq, err
}

func (r Repo) CountPendingInstances(ctx context.Context, tx *sql.Tx, caseID string) (int, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM step_instances WHERE case_id=? AND status=?`, caseID, domain.StepPending).Scan(&n)
	return n, err
}
