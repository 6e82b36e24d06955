package repo

import (
	"context"
	"database/sql"

	"caseflow/internal/domain"
)

func (r Repo) UpsertOrgUnit(ctx context.Context, tx *sql.Tx, u domain.OrgUnit) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO org_units(id,name,parent_unit_id,head_actor_id,created_at) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, parent_unit_id=excluded.parent_unit_id, head_actor_id=excluded.head_actor_id`,
		u.ID, u.Name, nullableStringPtr(u.ParentUnitID), nullableStringPtr(u.HeadActorID), u.CreatedAt)
	return err
}

func (r Repo) GetOrgUnit(ctx context.Context, tx *sql.Tx, id string) (domain.OrgUnit, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT id,name,parent_unit_id,head_actor_id,created_at FROM org_units WHERE id=?`, id)
	var u domain.OrgUnit
	var parent, head sql.NullString
	err := row.Scan(&u.ID, &u.Name, &parent, &head, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	if parent.Valid {
		u.ParentUnitID = &parent.String
	}
	if head.Valid {
		u.HeadActorID = &head.String
	}
	return u, nil
}

func (r Repo) ListOrgUnits(ctx context.Context) ([]domain.OrgUnit, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,parent_unit_id,head_actor_id,created_at FROM org_units ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.OrgUnit
	for rows.Next() {
		var u domain.OrgUnit
		var parent, head sql.NullString
		if err := rows.Scan(&u.ID, &u.Name, &parent, &head, &u.CreatedAt); err != nil {
			return nil, err
		}
		if parent.Valid {
			u.ParentUnitID = &parent.String
		}
		if head.Valid {
			u.HeadActorID = &head.String
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

func (r Repo) UpsertActor(ctx context.Context, tx *sql.Tx, a domain.Actor) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO actors(id,display_name,unit_id,active,created_at) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET display_name=excluded.display_name, unit_id=excluded.unit_id, active=excluded.active`,
		a.ID, a.DisplayName, nullableStringPtr(a.UnitID), boolInt(a.Active), a.CreatedAt)
	return err
}

func (r Repo) EnsureActor(ctx context.Context, tx *sql.Tx, actorID, now string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO actors(id,display_name,active,created_at) VALUES (?,?,1,?)`, actorID, actorID, now)
	return err
}

func (r Repo) GetActor(ctx context.Context, tx *sql.Tx, id string) (domain.Actor, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT id,display_name,unit_id,active,created_at FROM actors WHERE id=?`, id)
	var a domain.Actor
	var unitID sql.NullString
	var active int
	err := row.Scan(&a.ID, &a.DisplayName, &unitID, &active, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if unitID.Valid {
		a.UnitID = &unitID.String
	}
	a.Active = active == 1
	return a, nil
}

func (r Repo) ListActors(ctx context.Context) ([]domain.Actor, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,display_name,unit_id,active,created_at FROM actors ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Actor
	for rows.Next() {
		var a domain.Actor
		var unitID sql.NullString
		var active int
		if err := rows.Scan(&a.ID, &a.DisplayName, &unitID, &active, &a.CreatedAt); err != nil {
			return nil, err
		}
		if unitID.Valid {
			a.UnitID = &unitID.String
		}
		a.Active = active == 1
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) AssignRole(ctx context.Context, tx *sql.Tx, actorID, role string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO actor_roles(actor_id, role) VALUES (?,?)`, actorID, role)
	return err
}

func (r Repo) RevokeRole(ctx context.Context, tx *sql.Tx, actorID, role string) error {
	_, err := r.q(tx).ExecContext(ctx, `DELETE FROM actor_roles WHERE actor_id=? AND role=?`, actorID, role)
	return err
}

func (r Repo) ActorRoles(ctx context.Context, tx *sql.Tx, actorID string) ([]string, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT role FROM actor_roles WHERE actor_id=? ORDER BY role ASC`, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func (r Repo) ActorHasRole(ctx context.Context, tx *sql.Tx, actorID, role string) (bool, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM actor_roles WHERE actor_id=? AND role=?`, actorID, role).Scan(&n)
	return n > 0, err
}

// ActorsWithRole lists active actors holding a role.
func (r Repo) ActorsWithRole(ctx context.Context, tx *sql.Tx, role string) ([]domain.Actor, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT a.id,a.display_name,a.unit_id,a.active,a.created_at
FROM actors a JOIN actor_roles ar ON ar.actor_id=a.id
WHERE ar.role=? AND a.active=1 ORDER BY a.id ASC`, role)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Actor
	for rows.Next() {
		var a domain.Actor
		var unitID sql.NullString
		var active int
		if err := rows.Scan(&a.ID, &a.DisplayName, &unitID, &active, &a.CreatedAt); err != nil {
			return nil, err
		}
		if unitID.Valid {
			a.UnitID = &unitID.String
		}
		a.Active = active == 1
		res = append(res, a)
	}
	return res, rows.Err()
}
