package domain

// Case statuses.
const (
	CaseOpen   = "open"
	CaseClosed = "closed"
)

// Step instance statuses. All but pending are terminal for the instance.
const (
	StepPending  = "pending"
	StepApproved = "approved"
	StepRejected = "rejected"
	StepSkipped  = "skipped"
)

// Approver strategies.
const (
	StrategyFixedUser   = "fixed_user"
	StrategyRole        = "role"
	StrategyOrgRelation = "org_relation"
	StrategyExpression  = "expression"
)

// Approval modes.
const (
	ModeAnyOne      = "any_one"
	ModeAllRequired = "all_required"
)

// Reject targets for send-back.
const (
	RejectPreviousStep = "previous_step"
	RejectFirstStep    = "first_step"
	RejectSpecific     = "specific"
)

// Requirement modes and binding scopes.
const (
	RequirementAuto   = "auto"
	RequirementManual = "manual"

	BindingCase     = "case"
	BindingInstance = "instance"
)

// Requirement evaluation results.
const (
	ResultPass    = "pass"
	ResultFail    = "fail"
	ResultPending = "pending"
)

type Workflow struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CaseType  string `json:"case_type"`
	Locked    bool   `json:"locked"`
	CreatedAt string `json:"created_at" format:"date-time"`

	Steps []StepDefinition `json:"steps,omitempty"`
}

type StepDefinition struct {
	ID                 string  `json:"id"`
	WorkflowID         string  `json:"workflow_id"`
	StepKey            string  `json:"step_key"`
	Name               string  `json:"name"`
	Order              int     `json:"order"`
	ApproverStrategy   string  `json:"approver_strategy" enum:"fixed_user,role,org_relation,expression"`
	ApproverValue      string  `json:"approver_value"`
	ApprovalMode       string  `json:"approval_mode" enum:"any_one,all_required"`
	CanSendBack        bool    `json:"can_send_back"`
	RejectTargetType   string  `json:"reject_target_type" enum:"previous_step,first_step,specific"`
	RejectTargetStepID *string `json:"reject_target_step_id,omitempty"`

	Requirements []StepRequirement `json:"requirements,omitempty"`
}

type StepRequirement struct {
	ID               string  `json:"id"`
	StepDefinitionID string  `json:"step_definition_id"`
	Order            int     `json:"order"`
	Name             string  `json:"name"`
	Required         bool    `json:"required"`
	Mode             string  `json:"mode" enum:"auto,manual"`
	DocTypeID        *string `json:"doc_type_id,omitempty"`
	Binding          string  `json:"binding" enum:"case,instance"`
}

type Case struct {
	ID                string  `json:"id"`
	WorkflowID        string  `json:"workflow_id"`
	Title             string  `json:"title"`
	Status            string  `json:"status" enum:"open,closed"`
	AmountCents       int64   `json:"amount_cents"`
	MetadataJSON      *string `json:"metadata_json,omitempty"`
	CreatedBy         string  `json:"created_by"`
	UnitID            *string `json:"unit_id,omitempty"`
	CurrentInstanceID *string `json:"current_instance_id,omitempty"`
	CreatedAt         string  `json:"created_at" format:"date-time"`
	UpdatedAt         string  `json:"updated_at" format:"date-time"`
}

// StepInstance is one occurrence of a step definition for a case. Instances
// are append-only; a send-back leaves the rejected instance in place and
// creates a fresh one at the target step.
type StepInstance struct {
	ID               string  `json:"id"`
	CaseID           string  `json:"case_id"`
	StepDefinitionID string  `json:"step_definition_id"`
	Seq              int     `json:"seq"`
	Status           string  `json:"status" enum:"pending,approved,rejected,skipped"`
	ApproverActorID  *string `json:"approver_actor_id,omitempty"`
	ApprovedAt       *string `json:"approved_at,omitempty" format:"date-time"`
	Remarks          *string `json:"remarks,omitempty"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
}

// ManualVerification is the persisted outcome of a human checking a MANUAL
// requirement. Only the latest decision per (instance, requirement) is kept.
type ManualVerification struct {
	StepInstanceID string `json:"step_instance_id"`
	RequirementID  string `json:"requirement_id"`
	Status         string `json:"status" enum:"pass,fail"`
	Notes          string `json:"notes,omitempty"`
	VerifiedBy     string `json:"verified_by"`
	VerifiedAt     string `json:"verified_at" format:"date-time"`
}

// Concurrence is one approver's sign-off on an all_required step.
type Concurrence struct {
	StepInstanceID string `json:"step_instance_id"`
	ActorID        string `json:"actor_id"`
	Remarks        string `json:"remarks,omitempty"`
	CreatedAt      string `json:"created_at" format:"date-time"`
}

// DocumentRef points at a stored file usable as checklist evidence. The
// storage subsystem itself lives elsewhere; this registry only records that a
// document of a given type exists for a case or instance.
type DocumentRef struct {
	ID         string `json:"id"`
	RefID      string `json:"ref_id"`
	DocTypeID  string `json:"doc_type_id"`
	FileName   string `json:"file_name"`
	FileURL    string `json:"file_url,omitempty"`
	UploadedBy string `json:"uploaded_by"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type OrgUnit struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	ParentUnitID *string `json:"parent_unit_id,omitempty"`
	HeadActorID  *string `json:"head_actor_id,omitempty"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

type Actor struct {
	ID          string  `json:"id"`
	DisplayName string  `json:"display_name"`
	UnitID      *string `json:"unit_id,omitempty"`
	Active      bool    `json:"active"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	CaseID     string `json:"case_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// RequirementResult is the evaluated status of one requirement against one
// step instance. AUTO rows are computed on read; MANUAL rows reflect the
// persisted verification.
type RequirementResult struct {
	RequirementID string  `json:"requirement_id"`
	Name          string  `json:"name"`
	Required      bool    `json:"required"`
	Mode          string  `json:"mode" enum:"auto,manual"`
	Status        string  `json:"status" enum:"pass,fail,pending"`
	DocTypeID     *string `json:"doc_type_id,omitempty"`
	EvidenceDocID *string `json:"evidence_doc_id,omitempty"`
	Notes         string  `json:"notes,omitempty"`
	VerifiedBy    string  `json:"verified_by,omitempty"`
	VerifiedAt    string  `json:"verified_at,omitempty" format:"date-time"`
}

type ChecklistSummary struct {
	RequiredTotal int      `json:"required_total"`
	Passed        int      `json:"passed"`
	Missing       []string `json:"missing"`
	IsComplete    bool     `json:"is_complete"`
}

type ChecklistResult struct {
	StepInstanceID string              `json:"step_instance_id"`
	Items          []RequirementResult `json:"items"`
	Summary        ChecklistSummary    `json:"summary"`
}

// TrackEntry is one row of a case's workflow track, covering every instance
// ever created including ones superseded by send-back cycles.
type TrackEntry struct {
	StepInstanceID string  `json:"step_instance_id"`
	StepKey        string  `json:"step_key"`
	StepNumber     int     `json:"step_number"`
	Title          string  `json:"title"`
	ApproverName   string  `json:"approver_name,omitempty"`
	Status         string  `json:"status" enum:"pending,approved,rejected,skipped"`
	ApprovedAt     *string `json:"approved_at,omitempty" format:"date-time"`
	Remarks        string  `json:"remarks,omitempty"`
	IsLast         bool    `json:"is_last"`
}
