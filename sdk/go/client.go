package caseflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Caseflow HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Case represents the API case model (partial).
type Case struct {
	ID                string `json:"id"`
	WorkflowID        string `json:"workflow_id"`
	Title             string `json:"title"`
	Status            string `json:"status"`
	AmountCents       int64  `json:"amount_cents"`
	CreatedBy         string `json:"created_by"`
	CurrentInstanceID string `json:"current_instance_id,omitempty"`
	CreatedAt         string `json:"created_at"`
}

// StepInstance represents one visit to a workflow step.
type StepInstance struct {
	ID               string `json:"id"`
	CaseID           string `json:"case_id"`
	StepDefinitionID string `json:"step_definition_id"`
	Seq              int    `json:"seq"`
	Status           string `json:"status"`
}

// ApproveResult is the outcome of an approval call.
type ApproveResult struct {
	Case          Case         `json:"case"`
	Instance      StepInstance `json:"instance"`
	Advanced      bool         `json:"advanced"`
	CaseClosed    bool         `json:"case_closed"`
	NextStepKey   string       `json:"next_step_key,omitempty"`
	PendingActors []string     `json:"pending_actors,omitempty"`
}

// ChecklistItem is one requirement's evaluated state.
type ChecklistItem struct {
	RequirementID string `json:"requirement_id"`
	Name          string `json:"name"`
	Mode          string `json:"mode"`
	Required      bool   `json:"required"`
	Status        string `json:"status"`
}

// Checklist is the evaluated checklist of a step instance.
type Checklist struct {
	StepInstanceID string          `json:"step_instance_id"`
	Items          []ChecklistItem `json:"items"`
	Summary        struct {
		RequiredTotal int      `json:"required_total"`
		Passed        int      `json:"passed"`
		Missing       []string `json:"missing"`
		IsComplete    bool     `json:"is_complete"`
	} `json:"summary"`
}

// Document represents attached checklist evidence.
type Document struct {
	ID        string `json:"id"`
	RefID     string `json:"ref_id"`
	DocTypeID string `json:"doc_type_id"`
	FileName  string `json:"file_name"`
	FileURL   string `json:"file_url,omitempty"`
	CreatedAt string `json:"created_at"`
}

// TrackEntry is one row of a case's approval track.
type TrackEntry struct {
	StepInstanceID string `json:"step_instance_id"`
	StepKey        string `json:"step_key"`
	StepNumber     int    `json:"step_number"`
	Title          string `json:"title"`
	ApproverName   string `json:"approver_name,omitempty"`
	Status         string `json:"status"`
	ApprovedAt     string `json:"approved_at,omitempty"`
	Remarks        string `json:"remarks,omitempty"`
	IsLast         bool   `json:"is_last"`
}

// Event represents a ledger entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	CaseID     string `json:"case_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedCases wraps case list responses with cursors.
type PaginatedCases struct {
	Items      []Case `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// PaginatedEvents wraps event list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateCase opens a case on a workflow.
func (c *Client) CreateCase(ctx context.Context, workflowID, title string, amountCents int64, metadata any) (Case, error) {
	body := map[string]any{
		"workflow_id":  workflowID,
		"title":        title,
		"amount_cents": amountCents,
	}
	if metadata != nil {
		body["metadata"] = metadata
	}
	var resp Case
	err := c.do(ctx, http.MethodPost, "v0/cases", body, &resp)
	return resp, err
}

// GetCase fetches a case by id.
func (c *Client) GetCase(ctx context.Context, id string) (Case, error) {
	var resp Case
	err := c.do(ctx, http.MethodGet, "v0/cases/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// CasesPage returns a paginated case listing.
func (c *Client) CasesPage(ctx context.Context, limit int, cursor string) (PaginatedCases, error) {
	endpoint := "v0/cases"
	endpoint = appendQuery(endpoint, "limit", fmt.Sprintf("%d", limit))
	if cursor != "" {
		endpoint = appendQuery(endpoint, "cursor", cursor)
	}
	var resp PaginatedCases
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Approve approves the current step of a case.
func (c *Client) Approve(ctx context.Context, caseID, remarks string) (ApproveResult, error) {
	var resp ApproveResult
	endpoint := fmt.Sprintf("v0/cases/%s/approve", url.PathEscape(caseID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"remarks": remarks}, &resp)
	return resp, err
}

// SendBack rejects the current step back to an earlier one.
func (c *Client) SendBack(ctx context.Context, caseID, remarks string) (StepInstance, error) {
	var resp StepInstance
	endpoint := fmt.Sprintf("v0/cases/%s/send-back", url.PathEscape(caseID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"remarks": remarks}, &resp)
	return resp, err
}

// Track returns the approval track of a case.
func (c *Client) Track(ctx context.Context, caseID string) ([]TrackEntry, error) {
	var resp []TrackEntry
	endpoint := fmt.Sprintf("v0/cases/%s/track", url.PathEscape(caseID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetChecklist evaluates the checklist of a step instance.
func (c *Client) GetChecklist(ctx context.Context, stepInstanceID string) (Checklist, error) {
	var resp Checklist
	endpoint := fmt.Sprintf("v0/step-instances/%s/checklist", url.PathEscape(stepInstanceID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Verify records a manual checklist verification.
func (c *Client) Verify(ctx context.Context, stepInstanceID, requirementID, status, notes string) (Checklist, error) {
	body := map[string]any{
		"requirement_id": requirementID,
		"status":         status,
		"notes":          notes,
	}
	var resp Checklist
	endpoint := fmt.Sprintf("v0/step-instances/%s/verify", url.PathEscape(stepInstanceID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// AttachDocument registers checklist evidence against a case or step instance.
func (c *Client) AttachDocument(ctx context.Context, refID, docTypeID, fileName, fileURL string) (Document, error) {
	body := map[string]any{
		"ref_id":      refID,
		"doc_type_id": docTypeID,
		"file_name":   fileName,
		"file_url":    fileURL,
	}
	var resp Document
	err := c.do(ctx, http.MethodPost, "v0/documents", body, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = appendQuery(endpoint, "limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		endpoint = appendQuery(endpoint, "cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func appendQuery(endpoint, key, value string) string {
	sep := "?"
	if strings.Contains(endpoint, "?") {
		sep = "&"
	}
	return endpoint + sep + key + "=" + url.QueryEscape(value)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
