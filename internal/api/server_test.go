package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"launchpad/agent/internal/decision"
	"launchpad/agent/internal/runtime"
)

type fakeController struct {
	mu      sync.Mutex
	paused  bool
	running bool
	limit   int
	calls   []string
}

func (f *fakeController) Status() runtime.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return runtime.Status{AgentID: "alpha", Running: f.running, Paused: f.paused, Phase: runtime.PhaseWaiting}
}

func (f *fakeController) Results(n int) []runtime.ExecutionResult {
	f.mu.Lock()
	f.limit = n
	f.mu.Unlock()
	return []runtime.ExecutionResult{{ID: "r1", Cycle: 3, Action: decision.ActionBuy, Success: true}}
}

func (f *fakeController) Pause()  { f.record("pause", func() { f.paused = true }) }
func (f *fakeController) Resume() { f.record("resume", func() { f.paused = false }) }
func (f *fakeController) Stop()   { f.record("stop", func() { f.running = false }) }

func (f *fakeController) record(name string, fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	fn()
}

func (f *fakeController) snapshot() (calls []string, limit int, running bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...), f.limit, f.running
}

func newTestServer(t *testing.T) (*httptest.Server, *fakeController, *Server) {
	t.Helper()
	ctrl := &fakeController{running: true}
	s, err := NewServer("", ctrl, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts, ctrl, s
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return resp.StatusCode
}

func TestStatusAndHealth(t *testing.T) {
	ts, _, _ := newTestServer(t)

	var health map[string]any
	if code := getJSON(t, ts.URL+"/healthz", &health); code != http.StatusOK || health["ok"] != true {
		t.Fatalf("health %d %v", code, health)
	}
	var st runtime.Status
	if code := getJSON(t, ts.URL+"/v1/status", &st); code != http.StatusOK || st.AgentID != "alpha" || st.Phase != runtime.PhaseWaiting {
		t.Fatalf("status %d %+v", code, st)
	}
}

func TestHistoryLimit(t *testing.T) {
	ts, ctrl, _ := newTestServer(t)

	var body struct {
		Results []runtime.ExecutionResult `json:"results"`
	}
	if code := getJSON(t, ts.URL+"/v1/history?limit=5", &body); code != http.StatusOK {
		t.Fatalf("code %d", code)
	}
	if _, limit, _ := ctrl.snapshot(); len(body.Results) != 1 || body.Results[0].ID != "r1" || limit != 5 {
		t.Fatalf("body %+v limit %d", body, limit)
	}
	getJSON(t, ts.URL+"/v1/history", &body)
	if _, limit, _ := ctrl.snapshot(); limit != defaultHistoryLimit {
		t.Fatalf("default limit = %d", limit)
	}
	if code := getJSON(t, ts.URL+"/v1/history?limit=abc", nil); code != http.StatusBadRequest {
		t.Fatalf("code %d", code)
	}
}

func TestControlEndpoints(t *testing.T) {
	ts, ctrl, _ := newTestServer(t)
	for _, path := range []string{"/v1/pause", "/v1/resume", "/v1/stop"} {
		resp, err := http.Post(ts.URL+path, "application/json", nil)
		if err != nil {
			t.Fatalf("POST %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("POST %s = %d", path, resp.StatusCode)
		}
	}
	if calls, _, running := ctrl.snapshot(); strings.Join(calls, ",") != "pause,resume,stop" || running {
		t.Fatalf("calls %v running %v", calls, running)
	}
	resp, err := http.Get(ts.URL + "/v1/pause")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		t.Fatalf("GET on a control endpoint should not succeed")
	}
}

func TestStreamBroadcastsResults(t *testing.T) {
	ts, _, s := newTestServer(t)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for s.Hub().Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	s.Hub().Notify(runtime.ExecutionResult{ID: "r9", Cycle: 9, Action: decision.ActionSell, Success: true})

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got runtime.ExecutionResult
	if err := json.Unmarshal(msg, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != "r9" || got.Action != decision.ActionSell || got.Cycle != 9 {
		t.Fatalf("got %+v", got)
	}

	s.Hub().Close()
	if s.Hub().Clients() != 0 {
		t.Fatalf("clients left after Close")
	}
}

func TestNewServerRequiresController(t *testing.T) {
	if _, err := NewServer("", nil, nil); err == nil {
		t.Fatalf("expected error")
	}
}
