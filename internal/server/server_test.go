package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"revisaria/internal/config"
	"revisaria/internal/db"
	"revisaria/internal/engine"
	"revisaria/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
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
	cfg := config.Default("test-firm")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e, err := engine.New(conn, cfg)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := e.SeedRBAC(context.Background(), "tester"); err != nil {
		t.Fatalf("seed rbac: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowLegacyActorHeader: true},
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

func asTester() map[string]string {
	return map[string]string{"X-Actor-Id": "tester"}
}

func createTestProject(t *testing.T, srv *testServer) string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"typology": "DESARROLLO_SOFTWARE",
		"amount":   250000,
	}, asTester())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project status %d: %s", res.StatusCode, string(data))
	}
	var created ProjectResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal project: %v", err)
	}
	if created.CurrentPhase != "F0" {
		t.Fatalf("expected F0, got %s", created.CurrentPhase)
	}
	return created.ID
}

func TestProjectLifecycleThroughGate(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	projectID := createTestProject(t, srv)

	opRes, opBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+projectID+"/opinions", map[string]any{
		"agent_id":      "strategy",
		"decision":      "APPROVE",
		"justification": "fits the roadmap",
	}, asTester())
	if opRes.StatusCode != http.StatusCreated {
		t.Fatalf("submit opinion %d: %s", opRes.StatusCode, string(opBody))
	}

	docRes, docBody := doJSON(t, client, http.MethodPut, srv.URL+"/v0/projects/"+projectID+"/documents/solicitud_servicio", map[string]any{
		"present": true,
	}, asTester())
	if docRes.StatusCode != http.StatusOK {
		t.Fatalf("set document %d: %s", docRes.StatusCode, string(docBody))
	}

	gateRes, gateBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/"+projectID+"/gate", nil, asTester())
	if gateRes.StatusCode != http.StatusOK {
		t.Fatalf("gate %d: %s", gateRes.StatusCode, string(gateBody))
	}
	var gate struct {
		Allowed     bool   `json:"allowed"`
		ClosureType string `json:"closure_type"`
	}
	_ = json.Unmarshal(gateBody, &gate)
	if !gate.Allowed || gate.ClosureType != "NORMAL" {
		t.Fatalf("expected clean gate, got %s", string(gateBody))
	}

	advRes, advBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+projectID+"/advance", map[string]any{}, asTester())
	if advRes.StatusCode != http.StatusOK {
		t.Fatalf("advance %d: %s", advRes.StatusCode, string(advBody))
	}
	var adv struct {
		Project ProjectResponse `json:"project"`
	}
	if err := json.Unmarshal(advBody, &adv); err != nil {
		t.Fatalf("unmarshal advance: %v", err)
	}
	if adv.Project.CurrentPhase != "F1" {
		t.Fatalf("expected F1, got %s", adv.Project.CurrentPhase)
	}
}

func TestGateBlockedReturnsConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	projectID := createTestProject(t, srv)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/"+projectID+"/advance", map[string]any{}, asTester())
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
	var body struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if body.Error.Code != "gate_blocked" {
		t.Fatalf("expected gate_blocked, got %s", string(data))
	}
	if body.Error.Details["blocking_reasons"] == nil {
		t.Fatalf("expected blocking reasons in details: %s", string(data))
	}
}

func TestExceptionUnblocksGate(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	projectID := createTestProject(t, srv)

	excRes, excBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+projectID+"/exceptions", map[string]any{
		"responsible":    "cfo",
		"justification":  "board approved despite missing request form",
		"accepted_risks": []string{"request form pending"},
	}, asTester())
	if excRes.StatusCode != http.StatusCreated {
		t.Fatalf("record exception %d: %s", excRes.StatusCode, string(excBody))
	}

	advRes, advBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+projectID+"/advance", map[string]any{}, asTester())
	if advRes.StatusCode != http.StatusOK {
		t.Fatalf("advance with exception %d: %s", advRes.StatusCode, string(advBody))
	}
	var adv struct {
		Gate struct {
			ClosureType string `json:"closure_type"`
		} `json:"gate"`
	}
	_ = json.Unmarshal(advBody, &adv)
	if adv.Gate.ClosureType != "EXCEPTION" {
		t.Fatalf("expected EXCEPTION closure, got %s", string(advBody))
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}

	// health stays open
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should not need auth, got %d", res.StatusCode)
	}

	// garbage bearer token is rejected
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", res.StatusCode)
	}
}

func TestDevLoginAndBearerFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	loginRes, loginBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": "tester",
	}, nil)
	if loginRes.StatusCode != http.StatusOK {
		t.Fatalf("dev login %d: %s", loginRes.StatusCode, string(loginBody))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(loginBody, &login); err != nil || login.Token == "" {
		t.Fatalf("unmarshal login: %v %s", err, string(loginBody))
	}

	meRes, meBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if meRes.StatusCode != http.StatusOK {
		t.Fatalf("me %d: %s", meRes.StatusCode, string(meBody))
	}
	var me WhoAmIResponse
	if err := json.Unmarshal(meBody, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.ActorID != "tester" {
		t.Fatalf("expected tester, got %s", me.ActorID)
	}
	hasOwner := false
	for _, role := range me.Roles {
		if role == "owner" {
			hasOwner = true
		}
	}
	if !hasOwner {
		t.Fatalf("expected owner role, got %v", me.Roles)
	}
}

func TestPermissionDenied(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"typology": "DESARROLLO_SOFTWARE",
		"amount":   1000,
	}, map[string]string{"X-Actor-Id": "stranger"})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, string(data))
	}
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	_ = json.Unmarshal(data, &body)
	if body.Error.Code != "forbidden" {
		t.Fatalf("expected forbidden code, got %s", string(data))
	}
}

func TestEventsPagination(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	projectID := createTestProject(t, srv)

	for _, doc := range []string{"solicitud_servicio", "plan_trabajo", "cotizacion"} {
		res, body := doJSON(t, client, http.MethodPut, srv.URL+"/v0/projects/"+projectID+"/documents/"+doc, map[string]any{
			"present": true,
		}, asTester())
		if res.StatusCode != http.StatusOK {
			t.Fatalf("set %s: %d %s", doc, res.StatusCode, string(body))
		}
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/"+projectID+"/events?limit=2", nil, asTester())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events %d: %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(page.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(page.Items))
	}
	if page.NextCursor == "" {
		t.Fatalf("expected next cursor")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/"+projectID+"/events?limit=10&cursor="+page.NextCursor, nil, asTester())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events page 2: %d %s", res.StatusCode, string(data))
	}
	var rest paginatedEvents
	_ = json.Unmarshal(data, &rest)
	if len(rest.Items) == 0 {
		t.Fatalf("expected remaining events")
	}
	for _, item := range rest.Items {
		for _, seen := range page.Items {
			if item.ID == seen.ID {
				t.Fatalf("event %d returned twice", item.ID)
			}
		}
	}
}

func TestValidationErrors(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	// unknown typology
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"typology": "OUTSOURCING_NOMINA",
		"amount":   1000,
	}, asTester())
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}

	// unknown document type
	projectID := createTestProject(t, srv)
	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/projects/"+projectID+"/documents/carta_astral", map[string]any{
		"present": true,
	}, asTester())
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown doc, got %d: %s", res.StatusCode, string(data))
	}

	// missing project
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/nope", nil, asTester())
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.StatusCode)
	}
}
