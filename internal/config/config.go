package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/expr-lang/expr"
	"gopkg.in/yaml.v3"

	"caseflow/internal/domain"
)

// Config models caseflow.yml.
type Config struct {
	Org struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"org"`
	DocTypes map[string]struct {
		Description string `yaml:"description"`
	} `yaml:"doc_types"`
	Workflows map[string]WorkflowDef `yaml:"workflows"`
	Webhooks  []WebhookDef           `yaml:"webhooks"`
	Auth      struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
}

type WorkflowDef struct {
	Name     string    `yaml:"name"`
	CaseType string    `yaml:"case_type"`
	Steps    []StepDef `yaml:"steps"`
}

type StepDef struct {
	Key              string           `yaml:"key"`
	Name             string           `yaml:"name"`
	ApproverStrategy string           `yaml:"approver_strategy"`
	ApproverValue    string           `yaml:"approver_value"`
	ApprovalMode     string           `yaml:"approval_mode"`
	CanSendBack      bool             `yaml:"can_send_back"`
	RejectTarget     string           `yaml:"reject_target"`
	RejectTargetStep string           `yaml:"reject_target_step"`
	Requirements     []RequirementDef `yaml:"requirements"`
}

type RequirementDef struct {
	Name     string `yaml:"name"`
	Required *bool  `yaml:"required"`
	Mode     string `yaml:"mode"`
	DocType  string `yaml:"doc_type"`
	Binding  string `yaml:"binding"`
}

type WebhookDef struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with cf workflow import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Org.ID == "" {
		return fmt.Errorf("config.org.id is required")
	}
	if len(c.Workflows) == 0 {
		return fmt.Errorf("config.workflows is required")
	}
	for wfID, wf := range c.Workflows {
		if wfID == "" {
			return fmt.Errorf("config.workflows contains empty workflow id")
		}
		if len(wf.Steps) == 0 {
			return fmt.Errorf("workflow %s has no steps", wfID)
		}
		keys := map[string]int{}
		for i, step := range wf.Steps {
			if step.Key == "" {
				return fmt.Errorf("workflow %s step %d has empty key", wfID, i+1)
			}
			if _, dup := keys[step.Key]; dup {
				return fmt.Errorf("workflow %s has duplicate step key %s", wfID, step.Key)
			}
			keys[step.Key] = i
			if err := validateStep(c, wfID, step, keys, i); err != nil {
				return err
			}
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

func validateStep(c *Config, wfID string, step StepDef, earlierKeys map[string]int, idx int) error {
	switch step.ApproverStrategy {
	case domain.StrategyFixedUser, domain.StrategyRole, domain.StrategyOrgRelation:
		if step.ApproverValue == "" {
			return fmt.Errorf("workflow %s step %s: approver_value required for strategy %s", wfID, step.Key, step.ApproverStrategy)
		}
	case domain.StrategyExpression:
		if _, err := expr.Compile(step.ApproverValue); err != nil {
			return fmt.Errorf("workflow %s step %s: invalid approver expression: %w", wfID, step.Key, err)
		}
	default:
		return fmt.Errorf("workflow %s step %s: unknown approver strategy %q", wfID, step.Key, step.ApproverStrategy)
	}
	switch step.ApprovalMode {
	case "", domain.ModeAnyOne, domain.ModeAllRequired:
	default:
		return fmt.Errorf("workflow %s step %s: unknown approval mode %q", wfID, step.Key, step.ApprovalMode)
	}
	switch step.RejectTarget {
	case "", domain.RejectPreviousStep, domain.RejectFirstStep:
	case domain.RejectSpecific:
		target, ok := earlierKeys[step.RejectTargetStep]
		if !ok || target > idx {
			return fmt.Errorf("workflow %s step %s: reject_target_step %q must name an earlier step of the same workflow", wfID, step.Key, step.RejectTargetStep)
		}
	default:
		return fmt.Errorf("workflow %s step %s: unknown reject target %q", wfID, step.Key, step.RejectTarget)
	}
	for _, req := range step.Requirements {
		if req.Name == "" {
			return fmt.Errorf("workflow %s step %s has a requirement with empty name", wfID, step.Key)
		}
		switch req.Mode {
		case domain.RequirementAuto:
			if req.DocType == "" {
				return fmt.Errorf("workflow %s step %s requirement %s: auto mode requires doc_type", wfID, step.Key, req.Name)
			}
			if len(c.DocTypes) > 0 {
				if _, ok := c.DocTypes[req.DocType]; !ok {
					return fmt.Errorf("workflow %s step %s requirement %s: unknown doc_type %s", wfID, step.Key, req.Name, req.DocType)
				}
			}
		case domain.RequirementManual:
		default:
			return fmt.Errorf("workflow %s step %s requirement %s: unknown mode %q", wfID, step.Key, req.Name, req.Mode)
		}
		switch req.Binding {
		case "", domain.BindingCase, domain.BindingInstance:
		default:
			return fmt.Errorf("workflow %s step %s requirement %s: unknown binding %q", wfID, step.Key, req.Name, req.Binding)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "caseflow.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(orgID string) string {
	return fmt.Sprintf(defaultTemplate, orgID)
}

// Default returns the default Config struct for an org.
func Default(orgID string) *Config {
	var cfg Config
	cfg.Org.ID = orgID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, orgID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `org:
  id: %s
  name: Default Org

doc_types:
  quotation:
    description: "Supplier quotation"
  purchase_request:
    description: "Signed purchase request form"
  budget_certificate:
    description: "Budget availability certificate"
  inspection_report:
    description: "Inspection and acceptance report"
  invoice:
    description: "Supplier invoice"

workflows:
  procurement.small_value:
    name: Small Value Procurement
    case_type: procurement
    steps:
      - key: unit_review
        name: Unit Review
        approver_strategy: org_relation
        approver_value: unit_head
        can_send_back: true
        reject_target: first_step
        requirements:
          - name: Purchase request form
            mode: auto
            doc_type: purchase_request
          - name: Three quotations obtained
            mode: manual
      - key: budget_check
        name: Budget Check
        approver_strategy: role
        approver_value: budget_officer
        can_send_back: true
        reject_target: previous_step
        requirements:
          - name: Budget availability certificate
            mode: auto
            doc_type: budget_certificate
      - key: final_approval
        name: Final Approval
        approver_strategy: expression
        approver_value: 'case.amount_cents > 5000000 ? "director" : "division_chief"'
        approval_mode: any_one
        reject_target: first_step

  procurement.acceptance:
    name: Delivery Acceptance
    case_type: acceptance
    steps:
      - key: inspection
        name: Inspection
        approver_strategy: role
        approver_value: inspector
        approval_mode: all_required
        requirements:
          - name: Inspection report
            mode: auto
            doc_type: inspection_report
            binding: instance
      - key: payment_clearance
        name: Payment Clearance
        approver_strategy: role
        approver_value: accountant
        requirements:
          - name: Supplier invoice
            mode: auto
            doc_type: invoice

webhooks: []
`
