package repo

import (
	"context"
	"database/sql"

	"caseflow/internal/domain"
)

// UpsertManualVerification keeps only the latest decision per
// (instance, requirement) pair.
func (r Repo) UpsertManualVerification(ctx context.Context, tx *sql.Tx, v domain.ManualVerification) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO manual_verifications(step_instance_id,requirement_id,status,notes,verified_by,verified_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(step_instance_id, requirement_id) DO UPDATE SET status=excluded.status, notes=excluded.notes, verified_by=excluded.verified_by, verified_at=excluded.verified_at`,
		v.StepInstanceID, v.RequirementID, v.Status, nullable(v.Notes), v.VerifiedBy, v.VerifiedAt)
	return err
}

func (r Repo) ListManualVerifications(ctx context.Context, tx *sql.Tx, stepInstanceID string) (map[string]domain.ManualVerification, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT step_instance_id,requirement_id,status,COALESCE(notes,''),verified_by,verified_at FROM manual_verifications WHERE step_instance_id=?`, stepInstanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]domain.ManualVerification{}
	for rows.Next() {
		var v domain.ManualVerification
		if err := rows.Scan(&v.StepInstanceID, &v.RequirementID, &v.Status, &v.Notes, &v.VerifiedBy, &v.VerifiedAt); err != nil {
			return nil, err
		}
		res[v.RequirementID] = v
	}
	return res, rows.Err()
}

func (r Repo) InsertConcurrence(ctx context.Context, tx *sql.Tx, c domain.Concurrence) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO concurrences(step_instance_id,actor_id,remarks,created_at) VALUES (?,?,?,?)`,
		c.StepInstanceID, c.ActorID, nullable(c.Remarks), c.CreatedAt)
	return err
}

func (r Repo) ListConcurrences(ctx context.Context, tx *sql.Tx, stepInstanceID string) ([]domain.Concurrence, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT step_instance_id,actor_id,COALESCE(remarks,''),created_at FROM concurrences WHERE step_instance_id=? ORDER BY created_at ASC`, stepInstanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Concurrence
	for rows.Next() {
		var c domain.Concurrence
		if err := rows.Scan(&c.StepInstanceID, &c.ActorID, &c.Remarks, &c.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) HasConcurrence(ctx context.Context, tx *sql.Tx, stepInstanceID, actorID string) (bool, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM concurrences WHERE step_instance_id=? AND actor_id=?`, stepInstanceID, actorID).Scan(&n)
	return n > 0, err
}

func (r Repo) InsertDocument(ctx context.Context, tx *sql.Tx, d domain.DocumentRef) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO documents(id,ref_id,doc_type_id,file_name,file_url,uploaded_by,created_at) VALUES (?,?,?,?,?,?,?)`,
		d.ID, d.RefID, d.DocTypeID, d.FileName, nullable(d.FileURL), d.UploadedBy, d.CreatedAt)
	return err
}

// LatestDocument returns the newest document of a type attached to a ref
// (a case ID or a step instance ID).
func (r Repo) LatestDocument(ctx context.Context, tx *sql.Tx, refID, docTypeID string) (domain.DocumentRef, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT id,ref_id,doc_type_id,file_name,COALESCE(file_url,''),uploaded_by,created_at FROM documents WHERE ref_id=? AND doc_type_id=? ORDER BY created_at DESC, id DESC LIMIT 1`, refID, docTypeID)
	var d domain.DocumentRef
	err := row.Scan(&d.ID, &d.RefID, &d.DocTypeID, &d.FileName, &d.FileURL, &d.UploadedBy, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	return d, err
}

func (r Repo) ListDocuments(ctx context.Context, refID string) ([]domain.DocumentRef, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ref_id,doc_type_id,file_name,COALESCE(file_url,''),uploaded_by,created_at FROM documents WHERE ref_id=? ORDER BY created_at DESC, id DESC`, refID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DocumentRef
	for rows.Next() {
		var d domain.DocumentRef
		if err := rows.Scan(&d.ID, &d.RefID, &d.DocTypeID, &d.FileName, &d.FileURL, &d.UploadedBy, &d.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}
