package server

import (
	"encoding/json"

	"caseflow/internal/domain"
	"caseflow/internal/engine"
)

func rawJSON(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}

type CreateCaseRequest struct {
	ID          string `json:"id,omitempty"`
	WorkflowID  string `json:"workflow_id"`
	Title       string `json:"title"`
	AmountCents int64  `json:"amount_cents,omitempty"`
	Metadata    any    `json:"metadata,omitempty"`
	UnitID      string `json:"unit_id,omitempty"`
}

type CaseResponse struct {
	ID                string  `json:"id"`
	WorkflowID        string  `json:"workflow_id"`
	Title             string  `json:"title"`
	Status            string  `json:"status"`
	AmountCents       int64   `json:"amount_cents"`
	Metadata          any     `json:"metadata,omitempty"`
	CreatedBy         string  `json:"created_by"`
	UnitID            *string `json:"unit_id,omitempty"`
	CurrentInstanceID *string `json:"current_instance_id,omitempty"`
	CreatedAt         string  `json:"created_at"`
	UpdatedAt         string  `json:"updated_at"`
}

type StepInstanceResponse struct {
	ID               string  `json:"id"`
	CaseID           string  `json:"case_id"`
	StepDefinitionID string  `json:"step_definition_id"`
	Seq              int     `json:"seq"`
	Status           string  `json:"status"`
	ApproverActorID  *string `json:"approver_actor_id,omitempty"`
	ApprovedAt       *string `json:"approved_at,omitempty"`
	Remarks          *string `json:"remarks,omitempty"`
	CreatedAt        string  `json:"created_at"`
}

type ApproveRequest struct {
	Remarks string `json:"remarks,omitempty"`
}

type ApproveResponse struct {
	Case          CaseResponse         `json:"case"`
	Instance      StepInstanceResponse `json:"instance"`
	Advanced      bool                 `json:"advanced"`
	CaseClosed    bool                 `json:"case_closed"`
	NextStepKey   string               `json:"next_step_key,omitempty"`
	PendingActors []string             `json:"pending_actors,omitempty"`
}

type SendBackRequest struct {
	Remarks string `json:"remarks,omitempty"`
}

type SkipRequest struct {
	Remarks string `json:"remarks,omitempty"`
}

type VerifyRequest struct {
	RequirementID string `json:"requirement_id"`
	Status        string `json:"status" enum:"pass,fail"`
	Notes         string `json:"notes,omitempty"`
}

type AttachDocumentRequest struct {
	RefID     string `json:"ref_id"`
	DocTypeID string `json:"doc_type_id"`
	FileName  string `json:"file_name"`
	FileURL   string `json:"file_url,omitempty"`
}

type WorkflowResponse struct {
	ID        string                  `json:"id"`
	Name      string                  `json:"name"`
	CaseType  string                  `json:"case_type"`
	Locked    bool                    `json:"locked"`
	CreatedAt string                  `json:"created_at"`
	Steps     []domain.StepDefinition `json:"steps,omitempty"`
}

type UpsertOrgUnitRequest struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	ParentUnitID *string `json:"parent_unit_id,omitempty"`
	HeadActorID  *string `json:"head_actor_id,omitempty"`
}

type UpsertActorRequest struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"display_name"`
	UnitID      *string  `json:"unit_id,omitempty"`
	Active      *bool    `json:"active,omitempty"`
	Roles       []string `json:"roles,omitempty"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	CaseID     string `json:"case_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json,omitempty"`
}

type paginatedCases struct {
	Items      []CaseResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
	Key     string `json:"key"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at"`
}

func caseResponse(c domain.Case) CaseResponse {
	resp := CaseResponse{
		ID:                c.ID,
		WorkflowID:        c.WorkflowID,
		Title:             c.Title,
		Status:            c.Status,
		AmountCents:       c.AmountCents,
		CreatedBy:         c.CreatedBy,
		UnitID:            c.UnitID,
		CurrentInstanceID: c.CurrentInstanceID,
		CreatedAt:         c.CreatedAt,
		UpdatedAt:         c.UpdatedAt,
	}
	if c.MetadataJSON != nil {
		resp.Metadata = rawJSON(*c.MetadataJSON)
	}
	return resp
}

func mapCases(items []domain.Case) []CaseResponse {
	res := make([]CaseResponse, 0, len(items))
	for _, c := range items {
		res = append(res, caseResponse(c))
	}
	return res
}

func instanceResponse(si domain.StepInstance) StepInstanceResponse {
	return StepInstanceResponse{
		ID:               si.ID,
		CaseID:           si.CaseID,
		StepDefinitionID: si.StepDefinitionID,
		Seq:              si.Seq,
		Status:           si.Status,
		ApproverActorID:  si.ApproverActorID,
		ApprovedAt:       si.ApprovedAt,
		Remarks:          si.Remarks,
		CreatedAt:        si.CreatedAt,
	}
}

func approveResponse(res engine.ApproveResult) ApproveResponse {
	return ApproveResponse{
		Case:          caseResponse(res.Case),
		Instance:      instanceResponse(res.Instance),
		Advanced:      res.Advanced,
		CaseClosed:    res.CaseClosed,
		NextStepKey:   res.NextStepKey,
		PendingActors: res.PendingActors,
	}
}

func workflowResponse(wf domain.Workflow) WorkflowResponse {
	return WorkflowResponse{
		ID:        wf.ID,
		Name:      wf.Name,
		CaseType:  wf.CaseType,
		Locked:    wf.Locked,
		CreatedAt: wf.CreatedAt,
		Steps:     wf.Steps,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		CaseID:     e.CaseID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    e.Payload,
	}
}
