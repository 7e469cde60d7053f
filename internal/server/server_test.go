package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/forgeworks/forge/internal/models"
	"github.com/forgeworks/forge/internal/observability"
	"github.com/forgeworks/forge/internal/pipeline"
	"github.com/forgeworks/forge/internal/storage"
)

func testServer(t *testing.T, handlers map[models.StepKind]pipeline.Handler, chains map[string]*models.Chain) (*httptest.Server, *pipeline.Service) {
	t.Helper()
	logger := observability.NewTestLogger(&strings.Builder{})
	p := pipeline.NewService(pipeline.Options{
		Store:           storage.NewMemory(),
		Logger:          logger,
		Chains:          chains,
		Handlers:        handlers,
		ApprovalTimeout: 5 * time.Second,
		ApprovalPoll:    time.Millisecond,
		StreamPoll:      time.Millisecond,
		RetentionGrace:  time.Minute,
	})
	srv := httptest.NewServer(New(p, nil, logger).Handler())
	t.Cleanup(srv.Close)
	return srv, p
}

func simpleChain() map[string]*models.Chain {
	return map[string]*models.Chain{
		"simple": {Name: "simple", Steps: []*models.StepDef{{Kind: "echo", Name: "echo"}}},
	}
}

func echoHandlers() map[models.StepKind]pipeline.Handler {
	return map[models.StepKind]pipeline.Handler{
		"echo": pipeline.HandlerFunc(func(sc *pipeline.StepContext, input any) (any, error) {
			return input, nil
		}),
	}
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func startRun(t *testing.T, srv *httptest.Server, chainName string) string {
	t.Helper()
	resp := postJSON(t, srv.URL+"/api/workflows", map[string]string{
		"user_id": "user-1",
		"chain":   chainName,
		"message": "detect things",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("start status = %d", resp.StatusCode)
	}
	var out struct {
		WorkflowID string `json:"workflow_id"`
	}
	json.NewDecoder(resp.Body).Decode(&out)
	if out.WorkflowID == "" {
		t.Fatal("no workflow id returned")
	}
	return out.WorkflowID
}

func waitHTTPStatus(t *testing.T, srv *httptest.Server, id, want string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(srv.URL + "/api/workflows/" + id + "/status")
		if err != nil {
			t.Fatal(err)
		}
		var body map[string]any
		json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		if body["status"] == want {
			return body
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("workflow never reached %s", want)
	return nil
}

func TestStartAndStatus(t *testing.T) {
	srv, _ := testServer(t, echoHandlers(), simpleChain())

	id := startRun(t, srv, "simple")
	body := waitHTTPStatus(t, srv, id, "completed")

	steps, ok := body["steps"].([]any)
	if !ok || len(steps) != 1 {
		t.Fatalf("steps = %v", body["steps"])
	}
}

func TestStatusNotFound(t *testing.T) {
	srv, _ := testServer(t, echoHandlers(), simpleChain())

	resp, err := http.Get(srv.URL + "/api/workflows/does-not-exist/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestStartUnknownChain(t *testing.T) {
	srv, _ := testServer(t, echoHandlers(), simpleChain())

	resp := postJSON(t, srv.URL+"/api/workflows", map[string]string{
		"message": "x", "chain": "missing",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func gatedServer(t *testing.T) (*httptest.Server, *pipeline.Service) {
	chains := map[string]*models.Chain{
		"gated": {Name: "gated", Steps: []*models.StepDef{{Kind: "gated", Name: "gated", Gated: true}}},
	}
	handlers := map[models.StepKind]pipeline.Handler{
		"gated": pipeline.HandlerFunc(func(sc *pipeline.StepContext, input any) (any, error) {
			if err := sc.RequestApproval("ok?", "", ""); err != nil {
				return nil, err
			}
			return "done", nil
		}),
	}
	return testServer(t, handlers, chains)
}

func TestApproveEndpoint(t *testing.T) {
	srv, p := gatedServer(t)

	id := startRun(t, srv, "gated")
	waitHTTPStatus(t, srv, id, "waiting_for_approval")

	pending, err := p.PendingApprovals(id)
	if err != nil || len(pending) == 0 {
		t.Fatalf("pending = %v, %v", pending, err)
	}

	resp := postJSON(t, srv.URL+"/api/workflows/"+id+"/approve", map[string]any{
		"approval_id": pending[0].ID,
		"approved":    true,
	})
	defer resp.Body.Close()
	var out map[string]bool
	json.NewDecoder(resp.Body).Decode(&out)
	if !out["found"] {
		t.Error("approval not found")
	}

	waitHTTPStatus(t, srv, id, "completed")
}

func TestApproveUnknownID(t *testing.T) {
	srv, _ := gatedServer(t)

	id := startRun(t, srv, "gated")
	waitHTTPStatus(t, srv, id, "waiting_for_approval")

	resp := postJSON(t, srv.URL+"/api/workflows/"+id+"/approve", map[string]any{
		"approval_id": "bogus",
		"approved":    true,
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out map[string]bool
	json.NewDecoder(resp.Body).Decode(&out)
	if out["found"] {
		t.Error("bogus approval reported found")
	}
}

func TestCancelEndpoint(t *testing.T) {
	chains := map[string]*models.Chain{
		"slow": {Name: "slow", Steps: []*models.StepDef{{Kind: "slow", Name: "slow"}}},
	}
	handlers := map[models.StepKind]pipeline.Handler{
		"slow": pipeline.HandlerFunc(func(sc *pipeline.StepContext, input any) (any, error) {
			<-sc.Context().Done()
			return nil, sc.Context().Err()
		}),
	}
	srv, _ := testServer(t, handlers, chains)

	id := startRun(t, srv, "slow")
	waitHTTPStatus(t, srv, id, "in_progress")

	resp := postJSON(t, srv.URL+"/api/workflows/"+id+"/cancel", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d", resp.StatusCode)
	}
	waitHTTPStatus(t, srv, id, "cancelled")

	// Cancelling again conflicts.
	resp = postJSON(t, srv.URL+"/api/workflows/"+id+"/cancel", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second cancel status = %d, want 409", resp.StatusCode)
	}
}

func TestSSEStream(t *testing.T) {
	srv, _ := testServer(t, echoHandlers(), simpleChain())

	id := startRun(t, srv, "simple")
	waitHTTPStatus(t, srv, id, "completed")

	resp, err := http.Get(srv.URL + "/api/workflows/" + id + "/stream")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}

	var kinds []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			kinds = append(kinds, strings.TrimPrefix(line, "event: "))
		}
	}
	if len(kinds) == 0 {
		t.Fatal("no SSE events received")
	}
	if kinds[0] != string(models.EventRunStarted) {
		t.Errorf("first event = %s", kinds[0])
	}
	if kinds[len(kinds)-1] != string(models.EventRunCompleted) {
		t.Errorf("last event = %s", kinds[len(kinds)-1])
	}
}

func TestWebSocketStream(t *testing.T) {
	srv, _ := testServer(t, echoHandlers(), simpleChain())

	id := startRun(t, srv, "simple")
	waitHTTPStatus(t, srv, id, "completed")

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/workflows/" + id + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var kinds []models.EventKind
	for {
		var e models.Event
		if err := conn.ReadJSON(&e); err != nil {
			break
		}
		kinds = append(kinds, e.Kind)
	}
	if len(kinds) == 0 {
		t.Fatal("no websocket events received")
	}
	if kinds[len(kinds)-1] != models.EventRunCompleted {
		t.Errorf("last event = %s", kinds[len(kinds)-1])
	}
}

func TestDeleteEndpoint(t *testing.T) {
	srv, _ := testServer(t, echoHandlers(), simpleChain())

	id := startRun(t, srv, "simple")
	waitHTTPStatus(t, srv, id, "completed")

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/workflows/"+id, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("delete status = %d, want 200", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/api/workflows/" + id + "/status")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status after delete = %d, want 404", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodDelete, srv.URL+"/api/workflows/missing", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("delete missing status = %d, want 404", resp.StatusCode)
	}
}

func TestStatusReportsPendingApproval(t *testing.T) {
	srv, _ := gatedServer(t)

	id := startRun(t, srv, "gated")
	body := waitHTTPStatus(t, srv, id, "waiting_for_approval")

	pending, ok := body["pending_approvals"].([]any)
	if !ok || len(pending) != 1 {
		t.Fatalf("pending_approvals = %v", body["pending_approvals"])
	}
	entry := pending[0].(map[string]any)
	if entry["approval_id"] == "" || entry["question"] != "ok?" {
		t.Errorf("entry = %v", entry)
	}
}

func TestChainsEndpoint(t *testing.T) {
	srv, _ := testServer(t, echoHandlers(), simpleChain())

	resp, err := http.Get(srv.URL + "/api/chains")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out []map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	// "simple" plus the built-in default.
	if len(out) < 2 {
		t.Errorf("chains = %v", out)
	}

	// The built-in chain marks its approval gates.
	var sawGate bool
	for _, c := range out {
		if c["name"] != "etw-detector" {
			continue
		}
		steps, _ := c["steps"].([]any)
		for _, s := range steps {
			step := s.(map[string]any)
			if step["name"] == "create-branch" && step["gated"] == true {
				sawGate = true
			}
		}
	}
	if !sawGate {
		t.Error("create-branch not reported as gated")
	}
}
