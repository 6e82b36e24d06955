package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"caseflow/internal/config"
	"caseflow/internal/db"
	"caseflow/internal/domain"
	"caseflow/internal/engine"
	"caseflow/internal/migrate"
)

const serverTestConfig = `org:
  id: test-org

doc_types:
  purchase_request:
    description: "Purchase request form"

workflows:
  wf.basic:
    name: Basic Approval
    case_type: procurement
    steps:
      - key: review
        name: Unit Review
        approver_strategy: fixed_user
        approver_value: alice
        requirements:
          - name: Purchase request form
            mode: auto
            doc_type: purchase_request
      - key: final
        name: Final Approval
        approver_strategy: fixed_user
        approver_value: bob
`

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg, err := config.FromYAML([]byte(serverTestConfig))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	ctx := context.Background()
	if _, err := e.ImportWorkflows(ctx, cfg, "seed"); err != nil {
		t.Fatalf("import workflows: %v", err)
	}
	for _, id := range []string{"alice", "bob"} {
		if _, err := e.UpsertActor(ctx, domain.Actor{ID: id, DisplayName: id, Active: true}, nil, "seed"); err != nil {
			t.Fatalf("seed actor %s: %v", id, err)
		}
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: "test-secret", AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func asActor(id string) map[string]string {
	return map[string]string{"X-Actor-Id": id}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/cases", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", res.StatusCode)
	}
	// health stays open
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should not require auth, got %d", res.StatusCode)
	}
}

func TestDevLoginIssuesUsableToken(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": "alice",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil || login.Token == "" {
		t.Fatalf("unmarshal token: %v %s", err, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var me Principal
	if err := json.Unmarshal(data, &me); err != nil || me.ActorID != "alice" {
		t.Fatalf("unexpected principal: %v %s", err, string(data))
	}
}

func TestCaseLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases", map[string]any{
		"workflow_id":  "wf.basic",
		"title":        "Laptops for the records office",
		"amount_cents": 250000,
	}, asActor("creator"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create case status %d: %s", res.StatusCode, string(data))
	}
	var created CaseResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal case: %v", err)
	}
	if created.Status != "open" || created.CurrentInstanceID == nil {
		t.Fatalf("unexpected case: %+v", created)
	}

	// checklist incomplete blocks approval with a structured error
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases/"+created.ID+"/approve", map[string]any{}, asActor("alice"))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(data))
	}
	var envelope errorEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v %s", err, string(data))
	}
	if envelope.Error.Code != "checklist_incomplete" {
		t.Fatalf("expected checklist_incomplete, got %+v", envelope.Error)
	}
	if _, ok := envelope.Error.Details["missing"]; !ok {
		t.Fatalf("details should list missing items: %+v", envelope.Error)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/documents", map[string]any{
		"ref_id":      created.ID,
		"doc_type_id": "purchase_request",
		"file_name":   "pr.pdf",
	}, asActor("creator"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("attach document status %d: %s", res.StatusCode, string(data))
	}

	// wrong actor is rejected
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases/"+created.ID+"/approve", map[string]any{}, asActor("mallory"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases/"+created.ID+"/approve", map[string]any{
		"remarks": "looks good",
	}, asActor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(data))
	}
	var approved ApproveResponse
	if err := json.Unmarshal(data, &approved); err != nil {
		t.Fatalf("unmarshal approve: %v", err)
	}
	if !approved.Advanced || approved.NextStepKey != "final" {
		t.Fatalf("expected advance to final: %+v", approved)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases/"+created.ID+"/approve", map[string]any{}, asActor("bob"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("final approve status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &approved); err != nil || !approved.CaseClosed {
		t.Fatalf("expected closed case: %v %s", err, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/cases/"+created.ID+"/track", nil, asActor("creator"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("track status %d: %s", res.StatusCode, string(data))
	}
	var track []domain.TrackEntry
	if err := json.Unmarshal(data, &track); err != nil || len(track) != 2 {
		t.Fatalf("expected 2 track entries: %v %s", err, string(data))
	}
}

func TestSkipRequiresAdminRole(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases", map[string]any{
		"workflow_id": "wf.basic",
		"title":       "Skip target",
	}, asActor("creator"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create case status %d: %s", res.StatusCode, string(data))
	}
	var created CaseResponse
	_ = json.Unmarshal(data, &created)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases/"+created.ID+"/skip", map[string]any{}, asActor("creator"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin skip, got %d: %s", res.StatusCode, string(data))
	}

	// admin role carried in the JWT is honored
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": "root",
		"roles":    []string{"admin"},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	_ = json.Unmarshal(data, &login)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases/"+created.ID+"/skip", map[string]any{
		"remarks": "unblocking",
	}, map[string]string{"Authorization": "Bearer " + login.Token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("admin skip status %d: %s", res.StatusCode, string(data))
	}
	var skipped ApproveResponse
	if err := json.Unmarshal(data, &skipped); err != nil || !skipped.Advanced {
		t.Fatalf("skip should advance: %v %s", err, string(data))
	}
}

func TestNotFoundEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/cases/nope", nil, asActor("creator"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
	var envelope errorEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Error.Code != "not_found" {
		t.Fatalf("expected not_found envelope: %v %s", err, string(data))
	}
}

func TestEventsPagination(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	for i := 0; i < 3; i++ {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases", map[string]any{
			"workflow_id": "wf.basic",
			"title":       "Case",
		}, asActor("creator"))
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create case %d status %d: %s", i, res.StatusCode, string(data))
		}
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?limit=2", nil, asActor("creator"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("expected 2 items and a cursor: %+v", page)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?limit=2&cursor="+page.NextCursor, nil, asActor("creator"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events page 2 status %d: %s", res.StatusCode, string(data))
	}
	var page2 paginatedEvents
	if err := json.Unmarshal(data, &page2); err != nil || len(page2.Items) == 0 {
		t.Fatalf("expected more events: %v %s", err, string(data))
	}
	if page2.Items[0].ID >= page.Items[len(page.Items)-1].ID {
		t.Fatalf("cursor should move backwards through the log: %d vs %d", page2.Items[0].ID, page.Items[1].ID)
	}
}
