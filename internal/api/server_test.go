package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalsfoundry/fleet-simulator/internal/observability"
	"github.com/signalsfoundry/fleet-simulator/model"
)

const scenarioYAML = `
start_day: 0
end_day: 120
classes:
  - id: mi8
    oh: 3000
    repair_time: 20
    repair_bays: 1
fleet:
  - {id: 1, class: mi8, state: operations}
  - {id: 2, class: mi8, state: operations, ppr: 1500}
  - {id: 3, class: mi8, state: serviceable}
usage:
  classes:
    mi8:
      daily: 60
quotas:
  mi8:
    - {day: 0, target: 2}
`

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	reg := prometheus.NewRegistry()
	serverMetrics, err := observability.NewServerCollector(reg)
	if err != nil {
		t.Fatalf("NewServerCollector: %v", err)
	}
	fleetMetrics, err := observability.NewFleetCollector(reg)
	if err != nil {
		t.Fatalf("NewFleetCollector: %v", err)
	}
	s := NewServer(Config{Server: serverMetrics, Fleet: fleetMetrics, Workers: 2})
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return s, srv
}

func postRun(t *testing.T, srv *httptest.Server, query string) RunView {
	t.Helper()
	resp, err := http.Post(srv.URL+"/runs?"+query, "application/yaml", strings.NewReader(scenarioYAML))
	if err != nil {
		t.Fatalf("POST /runs: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("POST /runs status = %d: %s", resp.StatusCode, body)
	}
	var view RunView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatalf("decode run: %v", err)
	}
	return view
}

func getJSON(t *testing.T, url string, wantCode int, out any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantCode {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("GET %s status = %d, want %d: %s", url, resp.StatusCode, wantCode, body)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
}

func TestHealth(t *testing.T) {
	_, srv := newTestServer(t)
	var body map[string]string
	getJSON(t, srv.URL+"/health", http.StatusOK, &body)
	if body["status"] != "ok" {
		t.Fatalf("health = %v", body)
	}
}

func TestRunLifecycle(t *testing.T) {
	_, srv := newTestServer(t)
	view := postRun(t, srv, "wait=true&validate=true")
	if view.Status != StatusDone {
		t.Fatalf("status = %s (%s), want done", view.Status, view.Error)
	}
	if view.Validation == nil || !view.Validation.OK() {
		t.Fatalf("validation = %+v", view.Validation)
	}
	if view.Summary == nil || view.Summary.EventDays < 3 || view.Day != 120 {
		t.Fatalf("summary = %+v day = %d", view.Summary, view.Day)
	}

	var fetched RunView
	getJSON(t, srv.URL+"/runs/"+view.ID, http.StatusOK, &fetched)
	if fetched.ID != view.ID || fetched.Status != StatusDone {
		t.Fatalf("fetched = %+v", fetched)
	}

	var summaries []model.ClassSummary
	getJSON(t, srv.URL+"/runs/"+view.ID+"/summary", http.StatusOK, &summaries)
	if len(summaries) != 1 || summaries[0].Day != 120 || summaries[0].Count(model.StateOperations) > 2 {
		t.Fatalf("summaries = %+v", summaries)
	}

	var ent entityView
	getJSON(t, srv.URL+"/runs/"+view.ID+"/entities/2", http.StatusOK, &ent)
	if ent.Entity.ID != 2 || len(ent.History) == 0 || ent.History[0].Day != 0 {
		t.Fatalf("entity view = %+v", ent)
	}

	var runs []RunView
	getJSON(t, srv.URL+"/runs", http.StatusOK, &runs)
	if len(runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(runs))
	}
}

func TestRunErrors(t *testing.T) {
	_, srv := newTestServer(t)
	getJSON(t, srv.URL+"/runs/missing", http.StatusNotFound, nil)

	resp, err := http.Post(srv.URL+"/runs", "application/yaml", strings.NewReader("end_day: 0\n"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid scenario status = %d, want 400", resp.StatusCode)
	}

	view := postRun(t, srv, "wait=true")
	getJSON(t, srv.URL+"/runs/"+view.ID+"/entities/abc", http.StatusBadRequest, nil)
	getJSON(t, srv.URL+"/runs/"+view.ID+"/entities/999", http.StatusNotFound, nil)

	resp, err = http.Post(srv.URL+"/runs?defects=maybe", "application/yaml", strings.NewReader(scenarioYAML))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad defect policy status = %d, want 400", resp.StatusCode)
	}
}

func TestMetricsEndpointReportsRuns(t *testing.T) {
	_, srv := newTestServer(t)
	postRun(t, srv, "wait=true")

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{
		`fleet_runs_total{outcome="done"} 1`,
		"fleet_step_duration_seconds",
		`fleet_http_requests_total{code="200",method="POST"`,
		"fleet_timeline_rows_total",
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("expected %q in /metrics output:\n%s", want, body)
		}
	}
}

func TestTimelineStream(t *testing.T) {
	s, srv := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/timeline/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	})

	deadline := time.Now().Add(2 * time.Second)
	for s.cfg.Hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	view := postRun(t, srv, "wait=true")

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	days := 0
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var msg streamMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if msg.RunID != view.ID {
			t.Fatalf("message for run %q, want %q", msg.RunID, view.ID)
		}
		if msg.Type == "run_complete" {
			break
		}
		days++
	}
	if days != view.Summary.EventDays {
		t.Fatalf("streamed %d days, run had %d event days", days, view.Summary.EventDays)
	}
}

func TestRequestIDEchoed(t *testing.T) {
	_, srv := newTestServer(t)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/health", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("X-Request-ID", "trace-me")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-ID"); got != "trace-me" {
		t.Fatalf("X-Request-ID = %q, want trace-me", got)
	}

	resp, err = http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("expected a generated X-Request-ID")
	}
}
