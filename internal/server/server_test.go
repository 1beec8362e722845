package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/sengac/fspec-sub012/internal/app"
	"github.com/sengac/fspec-sub012/internal/config"
	"github.com/sengac/fspec-sub012/internal/domain"
	"github.com/sengac/fspec-sub012/internal/engine"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	WS     *app.Workspace
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	ws, err := app.Open(context.Background(), t.TempDir(), app.Options{ActorID: "tester"})
	if err != nil {
		t.Fatalf("open workspace: %v", err)
	}
	handler, err := New(Config{Workspace: ws, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testSecret}})
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
		WS:     ws,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			ws.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func authHeaders(t *testing.T, actor string) map[string]string {
	t.Helper()
	tok, err := IssueToken(testSecret, actor)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + tok}
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

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env
}

func createUnit(t *testing.T, srv *testServer, headers map[string]string) domain.WorkUnit {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/work-units", map[string]any{
		"prefix": "auth",
		"title":  "User login",
	}, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	var w domain.WorkUnit
	if err := json.Unmarshal(data, &w); err != nil {
		t.Fatalf("unmarshal unit: %v", err)
	}
	return w
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
	if res.Header.Get("X-Request-Id") == "" {
		t.Fatalf("missing request id header")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/work-units", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "unauthorized" {
		t.Fatalf("code = %q", env.Error.Code)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/work-units", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "invalid_credentials" {
		t.Fatalf("code = %q", env.Error.Code)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/work-units", nil, map[string]string{"X-Actor-Id": "someone"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("actor header accepted without opt-in: %d %s", res.StatusCode, string(data))
	}
}

func TestTransitionLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	headers := authHeaders(t, "alice")

	w := createUnit(t, srv, headers)
	if w.ID != "AUTH-001" || w.Status != domain.StatusBacklog {
		t.Fatalf("created %+v", w)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/work-units/"+w.ID+"/transitions", map[string]any{
		"to": "specifying",
	}, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("transition status %d: %s", res.StatusCode, string(data))
	}
	var tr engine.TransitionResult
	if err := json.Unmarshal(data, &tr); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if !tr.Success || tr.PreviousStatus != domain.StatusBacklog || tr.NewStatus != domain.StatusSpecifying {
		t.Fatalf("result %+v", tr)
	}
	if tr.Reminder == "" {
		t.Fatalf("expected a reminder")
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/work-units/"+w.ID+"/transitions", map[string]any{
		"to": "implementing",
	}, headers)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(data))
	}
	env := decodeError(t, data)
	if env.Error.Code != string(domain.KindIllegalTransition) {
		t.Fatalf("code = %q", env.Error.Code)
	}
	result, _ := env.Error.Details["result"].(map[string]any)
	if result["previousStatus"] != "specifying" || result["success"] != false {
		t.Fatalf("details.result = %v", env.Error.Details["result"])
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/work-units/"+w.ID+"/transitions", map[string]any{
		"to": "sideways",
	}, headers)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/work-units/"+w.ID, nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get status %d: %s", res.StatusCode, string(data))
	}
	var fetched domain.WorkUnit
	_ = json.Unmarshal(data, &fetched)
	if fetched.Status != domain.StatusSpecifying || len(fetched.StateHistory) != 2 {
		t.Fatalf("fetched %+v", fetched)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/work-units?status=specifying", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var units []domain.WorkUnit
	_ = json.Unmarshal(data, &units)
	if len(units) != 1 {
		t.Fatalf("expected one specifying unit, got %d", len(units))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/work-units/NOPE-001", nil, headers)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}
}

func TestBlockingVirtualHookKeepsStatus(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	headers := authHeaders(t, "alice")
	w := createUnit(t, srv, headers)
	base := srv.URL + "/v0/work-units/" + w.ID

	res, data := doJSON(t, client, http.MethodPost, base+"/virtual-hooks", map[string]any{
		"event":    "pre-specifying",
		"command":  "echo not ready >&2; exit 2",
		"blocking": true,
	}, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add hook status %d: %s", res.StatusCode, string(data))
	}
	var hook domain.HookBinding
	_ = json.Unmarshal(data, &hook)
	if hook.Name != "pre-specifying-1" {
		t.Fatalf("hook name = %q", hook.Name)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/transitions", map[string]any{"to": "specifying"}, headers)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", res.StatusCode, string(data))
	}
	env := decodeError(t, data)
	if env.Error.Code != string(domain.KindHookBlocked) {
		t.Fatalf("code = %q", env.Error.Code)
	}
	hookDetail, _ := env.Error.Details["hook"].(map[string]any)
	if hookDetail["exitCode"] != float64(2) {
		t.Fatalf("hook detail = %v", env.Error.Details["hook"])
	}

	current, err := srv.WS.Engine.GetWorkUnit(w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if current.Status != domain.StatusBacklog {
		t.Fatalf("status changed to %s", current.Status)
	}

	res, data = doJSON(t, client, http.MethodDelete, base+"/virtual-hooks/"+hook.Name, nil, headers)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("remove hook status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodDelete, base+"/virtual-hooks/"+hook.Name, nil, headers)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 on second remove, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, base+"/transitions", map[string]any{"to": "specifying"}, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("transition after removal: %d %s", res.StatusCode, string(data))
	}
}

func TestCheckpointsUnavailableOutsideGit(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	headers := authHeaders(t, "alice")
	w := createUnit(t, srv, headers)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/checkpoint-counts", nil, headers)
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/work-units/"+w.ID+"/checkpoints", map[string]any{
		"name": "before-refactor",
	}, headers)
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != string(domain.KindCheckpointFailure) {
		t.Fatalf("code = %q", env.Error.Code)
	}
}

func TestEventsPaginationCarriesActor(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	headers := authHeaders(t, "bob")
	w := createUnit(t, srv, headers)
	doJSON(t, client, http.MethodPost, srv.URL+"/v0/work-units/"+w.ID+"/transitions", map[string]any{"to": "specifying"}, headers)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?work_unit_id="+w.ID+"&limit=1", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(page.Items) != 1 || page.NextCursor == "" {
		t.Fatalf("first page %+v", page)
	}
	first := page.Items[0]
	if first.Type != "transition.completed" || first.ActorID != "bob" || first.Payload["to"] != "specifying" {
		t.Fatalf("first event %+v", first)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?work_unit_id="+w.ID+"&limit=1&cursor="+page.NextCursor, nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events page 2 status %d: %s", res.StatusCode, string(data))
	}
	page = paginatedEvents{}
	_ = json.Unmarshal(data, &page)
	if len(page.Items) != 1 || page.Items[0].Type != "work_unit.created" || page.NextCursor != "" {
		t.Fatalf("second page %+v", page)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?cursor=abc", nil, headers)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad cursor, got %d", res.StatusCode)
	}
}

func TestWebhookDispatcherFiltersAndAdvances(t *testing.T) {
	var (
		mu       sync.Mutex
		received []webhookEvent
		secrets  []string
	)
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&evt)
		mu.Lock()
		received = append(received, evt)
		secrets = append(secrets, r.Header.Get("X-Fspec-Secret"))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer sink.Close()

	ctx := context.Background()
	ws, err := app.Open(ctx, t.TempDir(), app.Options{ActorID: "tester"})
	if err != nil {
		t.Fatalf("open workspace: %v", err)
	}
	defer ws.Close()

	old, err := ws.Engine.CreateWorkUnit(ctx, engine.CreateOptions{Prefix: "OLD", Title: "Before start"})
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.Default("demo")
	cfg.Webhooks = []config.WebhookConfig{{URL: sink.URL, Events: []string{"transition.*"}, Secret: "s3"}}
	d := NewWebhookDispatcher(ws.Journal, cfg, nil)
	d.DispatchAll(ctx)

	if _, err := ws.Engine.Transition(ctx, old.ID, domain.StatusSpecifying, engine.TransitionFlags{}); err != nil {
		t.Fatal(err)
	}
	if _, err := ws.Engine.CreateWorkUnit(ctx, engine.CreateOptions{Prefix: "NEW", Title: "After start"}); err != nil {
		t.Fatal(err)
	}
	d.DispatchAll(ctx)
	d.DispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected exactly one delivery, got %+v", received)
	}
	if received[0].Type != "transition.completed" || received[0].WorkUnitID != old.ID || received[0].Project != "demo" {
		t.Fatalf("delivered %+v", received[0])
	}
	if secrets[0] != "s3" {
		t.Fatalf("secret header = %q", secrets[0])
	}
}

func TestEventFilter(t *testing.T) {
	f := newEventFilter([]string{" checkpoint.* ", "hook.failed"})
	for evt, want := range map[string]bool{
		"checkpoint.created":   true,
		"checkpoint.restored":  true,
		"hook.failed":          true,
		"transition.completed": false,
	} {
		if got := f.match(evt); got != want {
			t.Fatalf("match(%s) = %v", evt, got)
		}
	}
	if !newEventFilter(nil).match("anything") || !newEventFilter([]string{"*"}).match("x") {
		t.Fatalf("empty and * filters must match everything")
	}
}

func TestCheckpointCountStream(t *testing.T) {
	ts, closeFn := newTestServer(t)
	defer closeFn()
	indexDir := filepath.Join(ts.WS.Root, "cp-index")
	ts.WS.Config.Paths.Checkpoints = indexDir

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v0/checkpoint-counts/stream"

	if _, _, err := websocket.Dial(ctx, wsURL, nil); err == nil {
		t.Fatalf("expected unauthenticated dial to fail")
	}

	header := http.Header{}
	for k, v := range authHeaders(t, "alice") {
		header.Set(k, v)
	}
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	read := func() CheckpointCountsResponse {
		t.Helper()
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var c CheckpointCountsResponse
		if err := json.Unmarshal(data, &c); err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
		return c
	}
	if first := read(); first.Display != "0 Manual, 0 Auto" {
		t.Fatalf("first = %+v", first)
	}

	idx := `{"checkpoints":[{"name":"baseline","message":"m","createdAt":"2025-01-01T00:00:00Z"},{"name":"AUTH-001-auto-testing","message":"m","createdAt":"2025-01-01T00:00:00Z"}]}`
	tmp := filepath.Join(t.TempDir(), "AUTH-001.json")
	if err := os.WriteFile(tmp, []byte(idx), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, filepath.Join(indexDir, "AUTH-001.json")); err != nil {
		t.Fatal(err)
	}
	for {
		c := read()
		if c.Manual == 1 && c.Auto == 1 {
			if c.Display != "1 Manual, 1 Auto" {
				t.Fatalf("display = %q", c.Display)
			}
			break
		}
	}
	conn.Close(websocket.StatusNormalClosure, "")
}
