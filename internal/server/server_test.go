package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"diwan/internal/config"
	"diwan/internal/db"
	"diwan/internal/engine"
	"diwan/internal/lifecycle"
	"diwan/internal/migrate"
)

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
	cfg := config.Default("test-council")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	ctx := context.Background()
	for actor, role := range map[string]lifecycle.Role{
		"admin-1":  lifecycle.RoleAdmin,
		"shaykh-1": lifecycle.RoleShaykh,
		"shaykh-2": lifecycle.RoleShaykh,
		"user-1":   lifecycle.RoleUser,
	} {
		if err := e.Repo.SetActorRole(ctx, actor, role, "2025-01-01T00:00:00Z"); err != nil {
			t.Fatalf("seed actor %s: %v", actor, err)
		}
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth: AuthConfig{
			JWTSecret:              "test-secret",
			AllowLegacyActorHeader: true,
		},
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

func asActor(id string) map[string]string {
	return map[string]string{"X-Actor-Id": id}
}

func createFatwa(t *testing.T, srv *testServer, creator string) string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/cases", map[string]any{
		"type":     "fatwa",
		"title":    "Inheritance shares",
		"question": "How is the estate divided among two daughters and a brother?",
	}, asActor(creator))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create case status %d: %s", res.StatusCode, string(data))
	}
	var created CaseResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal case: %v", err)
	}
	return created.ID
}

func TestFatwaLifecycleHappyPath(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	caseID := createFatwa(t, srv, "user-1")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/cases/"+caseID+"/actions/assign", map[string]any{
		"assigned_to": "shaykh-1",
	}, asActor("admin-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("assign status %d: %s", res.StatusCode, string(data))
	}
	var c CaseResponse
	if err := json.Unmarshal(data, &c); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if c.Status != "assigned" {
		t.Fatalf("expected assigned, got %s", c.Status)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/cases/"+caseID+"/actions/answer", map[string]any{
		"answer": "The estate is divided per the fixed shares.",
	}, asActor("shaykh-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("answer status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/cases/"+caseID+"/actions/approve", map[string]any{
		"comment": "Reviewed and confirmed.",
	}, asActor("admin-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &c); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if c.Status != "approved" {
		t.Fatalf("expected approved, got %s", c.Status)
	}
	if c.AnsweredBy == nil || *c.AnsweredBy != "shaykh-1" {
		t.Fatalf("expected answered_by shaykh-1, got %v", c.AnsweredBy)
	}
}

func TestAssignByNonAdminIsForbidden(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	caseID := createFatwa(t, srv, "user-1")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/cases/"+caseID+"/actions/assign", map[string]any{
		"assigned_to": "shaykh-1",
	}, asActor("user-1"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error body: %v", err)
	}
	if envelope.Error.Code != "permission_denied" {
		t.Fatalf("expected permission_denied, got %s", envelope.Error.Code)
	}
	if envelope.Error.Details["reason"] != "role_not_permitted" {
		t.Fatalf("expected role_not_permitted, got %v", envelope.Error.Details["reason"])
	}
}

func TestDoubleAssignConflicts(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	caseID := createFatwa(t, srv, "user-1")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/cases/"+caseID+"/actions/assign", map[string]any{
		"assigned_to": "shaykh-1",
	}, asActor("admin-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("first assign status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/cases/"+caseID+"/actions/assign", map[string]any{
		"assigned_to": "shaykh-2",
	}, asActor("admin-1"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error body: %v", err)
	}
	if envelope.Error.Code != "invalid_transition" {
		t.Fatalf("expected invalid_transition, got %s", envelope.Error.Code)
	}
}

func TestAnswerByUnassignedShaykhIsForbidden(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	caseID := createFatwa(t, srv, "user-1")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/cases/"+caseID+"/actions/assign", map[string]any{
		"assigned_to": "shaykh-1",
	}, asActor("admin-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("assign status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/cases/"+caseID+"/actions/answer", map[string]any{
		"answer": "not my case",
	}, asActor("shaykh-2"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, string(data))
	}
}

func TestMarriageMeetingsAndCompletion(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/cases", map[string]any{
		"type":  "marriage",
		"title": "Pre-marital counsel",
		"parties": map[string]any{
			"husband": "A",
			"wife":    "B",
		},
	}, asActor("user-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	var c CaseResponse
	if err := json.Unmarshal(data, &c); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	caseID := c.ID

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/cases/"+caseID+"/actions/assign", map[string]any{
		"assigned_to": "shaykh-1",
	}, asActor("admin-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("assign status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/cases/"+caseID+"/actions/schedule_meeting", map[string]any{
		"date": "2099-06-01",
		"time": "18:30",
	}, asActor("shaykh-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("schedule status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &c); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if c.Status != "in_progress" {
		t.Fatalf("expected in_progress after first meeting, got %s", c.Status)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/cases/"+caseID+"/actions/schedule_meeting", map[string]any{
		"date": "2000-01-01",
	}, asActor("shaykh-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second schedule status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/cases/"+caseID+"/meetings", nil, asActor("user-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("meetings status %d: %s", res.StatusCode, string(data))
	}
	var meetings MeetingsResponse
	if err := json.Unmarshal(data, &meetings); err != nil {
		t.Fatalf("unmarshal meetings: %v", err)
	}
	if len(meetings.Upcoming) != 1 || len(meetings.Past) != 1 {
		t.Fatalf("expected 1 upcoming and 1 past, got %d/%d", len(meetings.Upcoming), len(meetings.Past))
	}
	if meetings.Upcoming[0].Date != "2099-06-01" {
		t.Fatalf("unexpected upcoming meeting date %s", meetings.Upcoming[0].Date)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/cases/"+caseID+"/actions/complete", map[string]any{
		"outcome": "resolved",
		"details": "Counsel concluded amicably.",
	}, asActor("shaykh-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &c); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if c.Status != "resolved" {
		t.Fatalf("expected resolved, got %s", c.Status)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/cases/"+caseID+"/actions/schedule_meeting", map[string]any{
		"date": "2099-07-01",
	}, asActor("shaykh-1"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 after completion, got %d: %s", res.StatusCode, string(data))
	}
}

func TestFeedbackThreadOrder(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	caseID := createFatwa(t, srv, "user-1")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/cases/"+caseID+"/actions/assign", map[string]any{
		"assigned_to": "shaykh-1",
	}, asActor("admin-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("assign status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/cases/"+caseID+"/actions/answer", map[string]any{
		"answer": "See the attached ruling.",
	}, asActor("shaykh-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("answer status %d: %s", res.StatusCode, string(data))
	}

	for _, entry := range []struct {
		actor   string
		comment string
	}{
		{"user-1", "Could you clarify the second share?"},
		{"shaykh-1", "Clarified in an updated note."},
		{"user-1", "Understood, thank you."},
	} {
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/cases/"+caseID+"/actions/add_feedback", map[string]any{
			"comment": entry.comment,
		}, asActor(entry.actor))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("feedback by %s status %d: %s", entry.actor, res.StatusCode, string(data))
		}
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/cases/"+caseID+"/feedback", nil, asActor("user-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list feedback status %d: %s", res.StatusCode, string(data))
	}
	var thread []FeedbackResponse
	if err := json.Unmarshal(data, &thread); err != nil {
		t.Fatalf("unmarshal feedback: %v", err)
	}
	if len(thread) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(thread))
	}
	if thread[0].Comment != "Could you clarify the second share?" || thread[2].Comment != "Understood, thank you." {
		t.Fatalf("feedback out of order: %+v", thread)
	}
	if thread[1].AuthorRole != "shaykh" {
		t.Fatalf("expected shaykh author role, got %s", thread[1].AuthorRole)
	}
}

func TestUnapproveReopensForRevision(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	caseID := createFatwa(t, srv, "user-1")

	steps := []struct {
		action string
		body   map[string]any
		actor  string
	}{
		{"assign", map[string]any{"assigned_to": "shaykh-1"}, "admin-1"},
		{"answer", map[string]any{"answer": "First draft."}, "shaykh-1"},
		{"unapprove", nil, "admin-1"},
	}
	var c CaseResponse
	for _, s := range steps {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/cases/"+caseID+"/actions/"+s.action, s.body, asActor(s.actor))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("%s status %d: %s", s.action, res.StatusCode, string(data))
		}
		if err := json.Unmarshal(data, &c); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
	}
	if c.Status != "assigned" {
		t.Fatalf("expected assigned after unapprove, got %s", c.Status)
	}
	if c.AssignedTo == nil || *c.AssignedTo != "shaykh-1" {
		t.Fatalf("expected assignment preserved, got %v", c.AssignedTo)
	}
	if c.Answer == nil || *c.Answer != "First draft." {
		t.Fatalf("expected answer preserved, got %v", c.Answer)
	}
}

func TestAllowedActionsReflectRole(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	caseID := createFatwa(t, srv, "user-1")

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/cases/"+caseID+"/allowed-actions", nil, asActor("admin-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("allowed-actions status %d: %s", res.StatusCode, string(data))
	}
	var body struct {
		Actions []string `json:"actions"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	found := map[string]bool{}
	for _, a := range body.Actions {
		found[a] = true
	}
	if !found["assign"] {
		t.Fatalf("admin should see assign on a pending fatwa, got %v", body.Actions)
	}
	if found["answer"] || found["approve"] || found["cancel"] {
		t.Fatalf("answer/approve/cancel must not be offered on a pending fatwa, got %v", body.Actions)
	}
}

func TestEventsAreRecorded(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/cases", map[string]any{
		"type":  "reconciliation",
		"title": "Sibling dispute",
	}, asActor("user-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create case status %d: %s", res.StatusCode, string(data))
	}
	var created CaseResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal case: %v", err)
	}
	caseID := created.ID

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/cases/"+caseID+"/actions/cancel", map[string]any{
		"reason": "duplicate request",
	}, asActor("user-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cancel status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/events?entity_id="+caseID, nil, asActor("admin-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var events []EventResponse
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(events) < 2 {
		t.Fatalf("expected at least created and cancel events, got %d", len(events))
	}
	if events[0].Type != "case.cancel" {
		t.Fatalf("expected newest event case.cancel, got %s", events[0].Type)
	}
}

func TestJWTAndAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/dev/login", map[string]any{
		"actor_id": "admin-1",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var login struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var me struct {
		ActorID string `json:"actor_id"`
		Role    string `json:"role"`
		Source  string `json:"source"`
	}
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.ActorID != "admin-1" || me.Role != "admin" {
		t.Fatalf("unexpected principal %+v", me)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/apikeys", map[string]any{
		"actor_id": "shaykh-1",
		"name":     "ci key",
	}, map[string]string{"Authorization": "Bearer " + login.Token})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create api key status %d: %s", res.StatusCode, string(data))
	}
	var key APIKeyResponse
	if err := json.Unmarshal(data, &key); err != nil {
		t.Fatalf("unmarshal key: %v", err)
	}
	if key.Key == "" {
		t.Fatalf("expected plaintext key in create response")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{
		"X-Api-Key": key.Key,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me via api key status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.ActorID != "shaykh-1" || me.Role != "shaykh" {
		t.Fatalf("unexpected api key principal %+v", me)
	}
}

func TestMissingAuthIsUnauthorized(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/cases", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
}
