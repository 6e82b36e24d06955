package approver_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caseflow/internal/db"
	"caseflow/internal/domain"
	"caseflow/internal/engine/approver"
	"caseflow/internal/migrate"
	"caseflow/internal/repo"
)

func newResolver(t *testing.T) (*approver.Resolver, repo.Repo, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	r := repo.Repo{DB: conn}
	return approver.New(r), r, context.Background()
}

func seedActor(t *testing.T, r repo.Repo, ctx context.Context, id string, unitID *string, active bool, roles ...string) {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339)
	require.NoError(t, r.UpsertActor(ctx, nil, domain.Actor{
		ID: id, DisplayName: id, UnitID: unitID, Active: active, CreatedAt: now,
	}))
	for _, role := range roles {
		require.NoError(t, r.AssignRole(ctx, nil, id, role))
	}
}

func seedUnit(t *testing.T, r repo.Repo, ctx context.Context, id string, parent, head *string) {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339)
	require.NoError(t, r.UpsertOrgUnit(ctx, nil, domain.OrgUnit{
		ID: id, Name: id, ParentUnitID: parent, HeadActorID: head, CreatedAt: now,
	}))
}

func strPtr(s string) *string { return &s }

func step(strategy, value string) domain.StepDefinition {
	return domain.StepDefinition{
		ID: "sd-1", WorkflowID: "wf-1", StepKey: "step-1",
		ApproverStrategy: strategy, ApproverValue: value,
	}
}

func TestFixedUser(t *testing.T) {
	res, r, ctx := newResolver(t)
	seedActor(t, r, ctx, "alice", nil, true)

	actors, err := res.Resolve(ctx, nil, step(domain.StrategyFixedUser, "alice"), domain.Case{})
	require.NoError(t, err)
	require.Len(t, actors, 1)
	assert.Equal(t, "alice", actors[0].ID)

	_, err = res.Resolve(ctx, nil, step(domain.StrategyFixedUser, "ghost"), domain.Case{})
	assert.IsType(t, approver.ResolveError{}, err)
}

func TestFixedUserInactive(t *testing.T) {
	res, r, ctx := newResolver(t)
	seedActor(t, r, ctx, "alice", nil, false)
	_, err := res.Resolve(ctx, nil, step(domain.StrategyFixedUser, "alice"), domain.Case{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inactive")
}

func TestRole(t *testing.T) {
	res, r, ctx := newResolver(t)
	seedActor(t, r, ctx, "bob", nil, true, "inspector")
	seedActor(t, r, ctx, "carol", nil, true, "inspector")
	seedActor(t, r, ctx, "dora", nil, false, "inspector")

	actors, err := res.Resolve(ctx, nil, step(domain.StrategyRole, "inspector"), domain.Case{})
	require.NoError(t, err)
	require.Len(t, actors, 2, "inactive holders are excluded")

	_, err = res.Resolve(ctx, nil, step(domain.StrategyRole, "auditor"), domain.Case{})
	assert.IsType(t, approver.ResolveError{}, err)
}

func TestOrgRelationUnitHead(t *testing.T) {
	res, r, ctx := newResolver(t)
	seedActor(t, r, ctx, "head-1", nil, true)
	seedUnit(t, r, ctx, "unit-1", nil, strPtr("head-1"))
	c := domain.Case{ID: "case-1", UnitID: strPtr("unit-1")}

	actors, err := res.Resolve(ctx, nil, step(domain.StrategyOrgRelation, approver.RelationUnitHead), c)
	require.NoError(t, err)
	require.Len(t, actors, 1)
	assert.Equal(t, "head-1", actors[0].ID)

	// a case without a unit cannot resolve
	_, err = res.Resolve(ctx, nil, step(domain.StrategyOrgRelation, approver.RelationUnitHead), domain.Case{})
	assert.IsType(t, approver.ResolveError{}, err)
}

func TestOrgRelationSupervisor(t *testing.T) {
	res, r, ctx := newResolver(t)
	seedActor(t, r, ctx, "head-1", nil, true)
	seedUnit(t, r, ctx, "unit-1", nil, strPtr("head-1"))
	seedActor(t, r, ctx, "creator", strPtr("unit-1"), true)
	c := domain.Case{ID: "case-1", CreatedBy: "creator"}

	actors, err := res.Resolve(ctx, nil, step(domain.StrategyOrgRelation, approver.RelationSupervisor), c)
	require.NoError(t, err)
	require.Len(t, actors, 1)
	assert.Equal(t, "head-1", actors[0].ID)
}

func TestOrgRelationSupervisorEscalatesForUnitHead(t *testing.T) {
	res, r, ctx := newResolver(t)
	seedActor(t, r, ctx, "big-boss", nil, true)
	seedUnit(t, r, ctx, "division", nil, strPtr("big-boss"))
	seedActor(t, r, ctx, "section-head", strPtr("section"), true)
	seedUnit(t, r, ctx, "section", strPtr("division"), strPtr("section-head"))

	// a creator who heads their own unit goes up to the parent unit's head
	c := domain.Case{ID: "case-1", CreatedBy: "section-head"}
	actors, err := res.Resolve(ctx, nil, step(domain.StrategyOrgRelation, approver.RelationSupervisor), c)
	require.NoError(t, err)
	require.Len(t, actors, 1)
	assert.Equal(t, "big-boss", actors[0].ID)
}

func TestOrgRelationParentUnitHead(t *testing.T) {
	res, r, ctx := newResolver(t)
	seedActor(t, r, ctx, "big-boss", nil, true)
	seedUnit(t, r, ctx, "division", nil, strPtr("big-boss"))
	seedUnit(t, r, ctx, "section", strPtr("division"), nil)
	c := domain.Case{ID: "case-1", UnitID: strPtr("section")}

	actors, err := res.Resolve(ctx, nil, step(domain.StrategyOrgRelation, approver.RelationParentUnitHead), c)
	require.NoError(t, err)
	require.Len(t, actors, 1)
	assert.Equal(t, "big-boss", actors[0].ID)

	// root unit has no parent
	c.UnitID = strPtr("division")
	_, err = res.Resolve(ctx, nil, step(domain.StrategyOrgRelation, approver.RelationParentUnitHead), c)
	assert.IsType(t, approver.ResolveError{}, err)
}

func TestExpressionRoleThenActorFallback(t *testing.T) {
	res, r, ctx := newResolver(t)
	seedActor(t, r, ctx, "dir-1", nil, true, "director")
	seedActor(t, r, ctx, "erin", nil, true)

	// resolves as a role first
	c := domain.Case{ID: "case-1", AmountCents: 9000000}
	actors, err := res.Resolve(ctx, nil, step(domain.StrategyExpression, `case.amount_cents > 5000000 ? "director" : "erin"`), c)
	require.NoError(t, err)
	require.Len(t, actors, 1)
	assert.Equal(t, "dir-1", actors[0].ID)

	// no role match falls back to an actor ID
	c.AmountCents = 1000
	actors, err = res.Resolve(ctx, nil, step(domain.StrategyExpression, `case.amount_cents > 5000000 ? "director" : "erin"`), c)
	require.NoError(t, err)
	require.Len(t, actors, 1)
	assert.Equal(t, "erin", actors[0].ID)
}

func TestExpressionMetadataAccess(t *testing.T) {
	res, r, ctx := newResolver(t)
	seedActor(t, r, ctx, "legal-1", nil, true, "legal")
	seedActor(t, r, ctx, "chief-1", nil, true, "chief")

	meta := `{"contract": true}`
	c := domain.Case{ID: "case-1", MetadataJSON: &meta}
	actors, err := res.Resolve(ctx, nil, step(domain.StrategyExpression, `case.metadata.contract ? "legal" : "chief"`), c)
	require.NoError(t, err)
	require.Len(t, actors, 1)
	assert.Equal(t, "legal-1", actors[0].ID)
}

func TestExpressionListResult(t *testing.T) {
	res, r, ctx := newResolver(t)
	seedActor(t, r, ctx, "bob", nil, true)
	seedActor(t, r, ctx, "carol", nil, true)

	actors, err := res.Resolve(ctx, nil, step(domain.StrategyExpression, `["bob", "carol"]`), domain.Case{})
	require.NoError(t, err)
	require.Len(t, actors, 2)

	_, err = res.Resolve(ctx, nil, step(domain.StrategyExpression, `["bob", "ghost"]`), domain.Case{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestExpressionNonStringResult(t *testing.T) {
	res, _, ctx := newResolver(t)
	_, err := res.Resolve(ctx, nil, step(domain.StrategyExpression, `case.amount_cents`), domain.Case{AmountCents: 5})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-empty string")
}

func TestCanAct(t *testing.T) {
	res, r, ctx := newResolver(t)
	seedActor(t, r, ctx, "bob", nil, true, "inspector")
	st := step(domain.StrategyRole, "inspector")

	ok, err := res.CanAct(ctx, nil, "bob", st, domain.Case{})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = res.CanAct(ctx, nil, "mallory", st, domain.Case{})
	require.NoError(t, err)
	assert.False(t, ok)
}
