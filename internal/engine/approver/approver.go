// Package approver resolves step definitions to the concrete actors allowed
// to act on them.
package approver

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"caseflow/internal/domain"
	"caseflow/internal/repo"
)

// Org relations understood by the org_relation strategy.
const (
	RelationUnitHead       = "unit_head"
	RelationSupervisor     = "supervisor"
	RelationParentUnitHead = "parent_unit_head"
)

// Resolver maps a step definition plus a case to eligible approvers.
// Compiled approver expressions are cached per source string.
type Resolver struct {
	Repo repo.Repo

	mu    sync.Mutex
	cache map[string]*vm.Program
}

func New(r repo.Repo) *Resolver {
	return &Resolver{Repo: r, cache: map[string]*vm.Program{}}
}

// ResolveError carries why a strategy produced no actors.
type ResolveError struct {
	Strategy string
	Detail   string
}

func (e ResolveError) Error() string {
	return fmt.Sprintf("approver strategy %s: %s", e.Strategy, e.Detail)
}

// Resolve returns the active actors eligible to act on the step for the
// given case. An empty result is returned as a ResolveError.
func (r *Resolver) Resolve(ctx context.Context, tx *sql.Tx, step domain.StepDefinition, c domain.Case) ([]domain.Actor, error) {
	switch step.ApproverStrategy {
	case domain.StrategyFixedUser:
		return r.fixedUser(ctx, tx, step.ApproverValue)
	case domain.StrategyRole:
		return r.role(ctx, tx, step.ApproverValue)
	case domain.StrategyOrgRelation:
		return r.orgRelation(ctx, tx, step.ApproverValue, c)
	case domain.StrategyExpression:
		return r.expression(ctx, tx, step.ApproverValue, c, step.StepKey)
	default:
		return nil, ResolveError{Strategy: step.ApproverStrategy, Detail: "unknown strategy"}
	}
}

// CanAct reports whether the actor is among the step's resolved approvers.
func (r *Resolver) CanAct(ctx context.Context, tx *sql.Tx, actorID string, step domain.StepDefinition, c domain.Case) (bool, error) {
	actors, err := r.Resolve(ctx, tx, step, c)
	if err != nil {
		return false, err
	}
	for _, a := range actors {
		if a.ID == actorID {
			return true, nil
		}
	}
	return false, nil
}

func (r *Resolver) fixedUser(ctx context.Context, tx *sql.Tx, actorID string) ([]domain.Actor, error) {
	a, err := r.Repo.GetActor(ctx, tx, actorID)
	if err == repo.ErrNotFound {
		return nil, ResolveError{Strategy: domain.StrategyFixedUser, Detail: "actor " + actorID + " not found"}
	}
	if err != nil {
		return nil, err
	}
	if !a.Active {
		return nil, ResolveError{Strategy: domain.StrategyFixedUser, Detail: "actor " + actorID + " is inactive"}
	}
	return []domain.Actor{a}, nil
}

func (r *Resolver) role(ctx context.Context, tx *sql.Tx, role string) ([]domain.Actor, error) {
	actors, err := r.Repo.ActorsWithRole(ctx, tx, role)
	if err != nil {
		return nil, err
	}
	if len(actors) == 0 {
		return nil, ResolveError{Strategy: domain.StrategyRole, Detail: "no active actor holds role " + role}
	}
	return actors, nil
}

func (r *Resolver) orgRelation(ctx context.Context, tx *sql.Tx, relation string, c domain.Case) ([]domain.Actor, error) {
	var unitID string
	switch relation {
	case RelationUnitHead, RelationParentUnitHead:
		if c.UnitID == nil {
			return nil, ResolveError{Strategy: domain.StrategyOrgRelation, Detail: "case has no unit"}
		}
		unitID = *c.UnitID
	case RelationSupervisor:
		creator, err := r.Repo.GetActor(ctx, tx, c.CreatedBy)
		if err != nil {
			if err == repo.ErrNotFound {
				return nil, ResolveError{Strategy: domain.StrategyOrgRelation, Detail: "case creator " + c.CreatedBy + " not found"}
			}
			return nil, err
		}
		if creator.UnitID == nil {
			return nil, ResolveError{Strategy: domain.StrategyOrgRelation, Detail: "case creator has no unit"}
		}
		unitID = *creator.UnitID
	default:
		return nil, ResolveError{Strategy: domain.StrategyOrgRelation, Detail: "unknown relation " + relation}
	}

	unit, err := r.Repo.GetOrgUnit(ctx, tx, unitID)
	if err != nil {
		if err == repo.ErrNotFound {
			return nil, ResolveError{Strategy: domain.StrategyOrgRelation, Detail: "unit " + unitID + " not found"}
		}
		return nil, err
	}
	// a creator who heads their own unit escalates to the parent unit's head
	headsOwnUnit := relation == RelationSupervisor && unit.HeadActorID != nil && *unit.HeadActorID == c.CreatedBy
	if relation == RelationParentUnitHead || headsOwnUnit {
		if unit.ParentUnitID == nil {
			return nil, ResolveError{Strategy: domain.StrategyOrgRelation, Detail: "unit " + unitID + " has no parent"}
		}
		unit, err = r.Repo.GetOrgUnit(ctx, tx, *unit.ParentUnitID)
		if err != nil {
			if err == repo.ErrNotFound {
				return nil, ResolveError{Strategy: domain.StrategyOrgRelation, Detail: "parent unit not found"}
			}
			return nil, err
		}
	}
	if unit.HeadActorID == nil {
		return nil, ResolveError{Strategy: domain.StrategyOrgRelation, Detail: "unit " + unit.ID + " has no head"}
	}
	return r.fixedUserAs(ctx, tx, *unit.HeadActorID)
}

func (r *Resolver) fixedUserAs(ctx context.Context, tx *sql.Tx, actorID string) ([]domain.Actor, error) {
	actors, err := r.fixedUser(ctx, tx, actorID)
	if err != nil {
		if re, ok := err.(ResolveError); ok {
			re.Strategy = domain.StrategyOrgRelation
			return nil, re
		}
		return nil, err
	}
	return actors, nil
}

// expression evaluates the step's expression against the case. A string
// result is interpreted as a role name first, falling back to an actor ID
// when no active actor holds that role. A list result names actor IDs
// directly.
func (r *Resolver) expression(ctx context.Context, tx *sql.Tx, code string, c domain.Case, stepKey string) ([]domain.Actor, error) {
	prog, err := r.compile(code)
	if err != nil {
		return nil, ResolveError{Strategy: domain.StrategyExpression, Detail: err.Error()}
	}
	env := exprEnv(c, stepKey)
	out, err := expr.Run(prog, env)
	if err != nil {
		return nil, ResolveError{Strategy: domain.StrategyExpression, Detail: err.Error()}
	}
	switch v := out.(type) {
	case string:
		if v == "" {
			return nil, ResolveError{Strategy: domain.StrategyExpression, Detail: "expression yielded an empty string"}
		}
		return r.roleOrActor(ctx, tx, v)
	case []string:
		return r.actorList(ctx, tx, v)
	case []any:
		ids := make([]string, 0, len(v))
		for _, item := range v {
			id, ok := item.(string)
			if !ok {
				return nil, ResolveError{Strategy: domain.StrategyExpression, Detail: fmt.Sprintf("expression list must hold strings, got %T", item)}
			}
			ids = append(ids, id)
		}
		return r.actorList(ctx, tx, ids)
	default:
		return nil, ResolveError{Strategy: domain.StrategyExpression, Detail: fmt.Sprintf("expression must yield a non-empty string or a list of actor ids, got %T", out)}
	}
}

func (r *Resolver) roleOrActor(ctx context.Context, tx *sql.Tx, target string) ([]domain.Actor, error) {
	actors, err := r.Repo.ActorsWithRole(ctx, tx, target)
	if err != nil {
		return nil, err
	}
	if len(actors) > 0 {
		return actors, nil
	}
	a, err := r.Repo.GetActor(ctx, tx, target)
	if err == repo.ErrNotFound {
		return nil, ResolveError{Strategy: domain.StrategyExpression, Detail: "result " + target + " matches no role or actor"}
	}
	if err != nil {
		return nil, err
	}
	if !a.Active {
		return nil, ResolveError{Strategy: domain.StrategyExpression, Detail: "actor " + target + " is inactive"}
	}
	return []domain.Actor{a}, nil
}

func (r *Resolver) actorList(ctx context.Context, tx *sql.Tx, ids []string) ([]domain.Actor, error) {
	if len(ids) == 0 {
		return nil, ResolveError{Strategy: domain.StrategyExpression, Detail: "expression yielded an empty list"}
	}
	actors := make([]domain.Actor, 0, len(ids))
	for _, id := range ids {
		a, err := r.Repo.GetActor(ctx, tx, id)
		if err == repo.ErrNotFound {
			return nil, ResolveError{Strategy: domain.StrategyExpression, Detail: "actor " + id + " not found"}
		}
		if err != nil {
			return nil, err
		}
		if !a.Active {
			return nil, ResolveError{Strategy: domain.StrategyExpression, Detail: "actor " + id + " is inactive"}
		}
		actors = append(actors, a)
	}
	return actors, nil
}

func (r *Resolver) compile(code string) (*vm.Program, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prog, ok := r.cache[code]; ok {
		return prog, nil
	}
	prog, err := expr.Compile(code)
	if err != nil {
		return nil, err
	}
	if r.cache == nil {
		r.cache = map[string]*vm.Program{}
	}
	r.cache[code] = prog
	return prog, nil
}

func exprEnv(c domain.Case, stepKey string) map[string]any {
	metadata := map[string]any{}
	if c.MetadataJSON != nil {
		_ = json.Unmarshal([]byte(*c.MetadataJSON), &metadata)
	}
	unitID := ""
	if c.UnitID != nil {
		unitID = *c.UnitID
	}
	return map[string]any{
		"case": map[string]any{
			"id":           c.ID,
			"workflow_id":  c.WorkflowID,
			"title":        c.Title,
			"amount_cents": c.AmountCents,
			"created_by":   c.CreatedBy,
			"unit_id":      unitID,
			"metadata":     metadata,
		},
		"step_key": stepKey,
	}
}
