package engine

import (
	"context"
	"time"

	"caseflow/internal/domain"
	"caseflow/internal/events"
)

// UpsertOrgUnit creates or updates an org unit.
func (e Engine) UpsertOrgUnit(ctx context.Context, u domain.OrgUnit, actorID string) (domain.OrgUnit, error) {
	if u.ID == "" {
		return domain.OrgUnit{}, ValidationError{Field: "id", Reason: "required"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.OrgUnit{}, err
	}
	defer tx.Rollback()

	if u.CreatedAt == "" {
		u.CreatedAt = e.now().UTC().Format(time.RFC3339)
	}
	if err := e.Repo.UpsertOrgUnit(ctx, tx, u); err != nil {
		return domain.OrgUnit{}, err
	}
	if err := e.Events.Append(ctx, tx, "directory.unit_upserted", "", "directory", u.ID, actorID, events.EventPayload{
		"name": u.Name,
	}); err != nil {
		return domain.OrgUnit{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.OrgUnit{}, err
	}
	return u, nil
}

// UpsertActor creates or updates an actor and reconciles its role set.
func (e Engine) UpsertActor(ctx context.Context, a domain.Actor, roles []string, actorID string) (domain.Actor, error) {
	if a.ID == "" {
		return domain.Actor{}, ValidationError{Field: "id", Reason: "required"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Actor{}, err
	}
	defer tx.Rollback()

	if a.CreatedAt == "" {
		a.CreatedAt = e.now().UTC().Format(time.RFC3339)
	}
	if err := e.Repo.UpsertActor(ctx, tx, a); err != nil {
		return domain.Actor{}, err
	}
	if roles != nil {
		current, err := e.Repo.ActorRoles(ctx, tx, a.ID)
		if err != nil {
			return domain.Actor{}, err
		}
		wanted := map[string]bool{}
		for _, role := range roles {
			wanted[role] = true
			if err := e.Repo.AssignRole(ctx, tx, a.ID, role); err != nil {
				return domain.Actor{}, err
			}
		}
		for _, role := range current {
			if !wanted[role] {
				if err := e.Repo.RevokeRole(ctx, tx, a.ID, role); err != nil {
					return domain.Actor{}, err
				}
			}
		}
	}
	if err := e.Events.Append(ctx, tx, "directory.actor_upserted", "", "directory", a.ID, actorID, events.EventPayload{
		"display_name": a.DisplayName, "active": a.Active,
	}); err != nil {
		return domain.Actor{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Actor{}, err
	}
	return a, nil
}
