package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ijoka-dev/ijoka/internal/attribution"
	ierrors "github.com/ijoka-dev/ijoka/internal/errors"
	"github.com/ijoka-dev/ijoka/internal/hub"
	"github.com/ijoka-dev/ijoka/internal/ingest"
	"github.com/ijoka-dev/ijoka/internal/insight"
	"github.com/ijoka-dev/ijoka/internal/keylock"
	"github.com/ijoka-dev/ijoka/internal/legacy"
	"github.com/ijoka-dev/ijoka/internal/lifecycle"
	"github.com/ijoka-dev/ijoka/internal/memstore"
	"github.com/ijoka-dev/ijoka/internal/metrics"
	"github.com/ijoka-dev/ijoka/internal/model"
	"github.com/ijoka-dev/ijoka/internal/store"
)

const project = "/work/demo"

type fixture struct {
	server *Server
	store  *memstore.Store
	hub    *hub.Hub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memstore.New()
	h := hub.New(hub.Options{Buffer: 8, SendTimeout: 100 * time.Millisecond})
	locks := keylock.New()
	attr := attribution.New(st, locks, h)
	lc := lifecycle.New(st, h, 10*time.Minute)

	s := NewServer(Deps{
		Store:      st,
		Pipeline:   ingest.New(st, locks, attr, lc, h),
		Attributor: attr,
		Lifecycle:  lc,
		Stats:      metrics.NewCollector(st, 10*time.Minute),
		Insights:   insight.New(st, h),
		Importer:   legacy.NewImporter(attr, st),
		Hub:        h,
	})
	return &fixture{server: s, store: st, hub: h}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func (f *fixture) createFeature(t *testing.T, desc string) string {
	t.Helper()
	w := f.do(t, http.MethodPost, "/features", map[string]interface{}{
		"projectPath": project,
		"description": desc,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var body map[string]interface{}
	decode(t, w, &body)
	return body["id"].(string)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]string
	decode(t, w, &body)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "connected", body["store"])
	assert.NotEmpty(t, body["timestamp"])

	f.store.FailOn("Ping", ierrors.StoreUnavailable("ping", errors.New("down")))
	w = f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &body)
	assert.Equal(t, "disconnected", body["store"])
}

func TestIngestSnakeAndCamelCase(t *testing.T) {
	f := newFixture(t)

	snake := `{"event_type":"ToolUse","source_agent":"claude-code","session_id":"s1","project_dir":"/work/demo","tool_name":"Edit","payload":{"b":1,"a":2}}`
	w := f.do(t, http.MethodPost, "/events", snake)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var res map[string]interface{}
	decode(t, w, &res)
	assert.Equal(t, "created", res["status"])
	assert.NotEmpty(t, res["id"])

	camel := `{"eventType":"Progress","sourceAgent":"codex-cli","sessionId":"s2","projectDir":"/work/demo"}`
	w = f.do(t, http.MethodPost, "/events", camel)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = f.do(t, http.MethodGet, "/events", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var events []model.Event
	decode(t, w, &events)
	require.Len(t, events, 2)
	assert.Equal(t, model.EventProgress, events[0].Type)
	require.NotNil(t, events[1].Payload)
	assert.Equal(t, `{"a":2,"b":1}`, *events[1].Payload)
}

func TestIngestErrors(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		body   string
		status int
		kind   ierrors.ErrorCode
	}{
		{"malformed json", `{"eventType":`, http.StatusBadRequest, ierrors.ErrCodeValidation},
		{"unknown type", `{"eventType":"Nope","sourceAgent":"hook","sessionId":"s","projectDir":"/p"}`, http.StatusBadRequest, ierrors.ErrCodeValidation},
		{"relative project", `{"eventType":"ToolUse","sourceAgent":"hook","sessionId":"s","projectDir":"p"}`, http.StatusBadRequest, ierrors.ErrCodeValidation},
		{"unknown feature", `{"eventType":"ToolUse","sourceAgent":"hook","sessionId":"s","projectDir":"/p","featureId":"missing"}`, http.StatusNotFound, ierrors.ErrCodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/events", tt.body)
			require.Equal(t, tt.status, w.Code, w.Body.String())
			var body errorBody
			decode(t, w, &body)
			assert.Equal(t, tt.kind, body.Kind)
			assert.NotEmpty(t, body.Error)
		})
	}

	events, err := f.store.ListEvents(context.Background(), store.EventQuery{})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestIngestStoreUnavailable(t *testing.T) {
	f := newFixture(t)
	f.store.FailOn("AppendEvent", ierrors.StoreUnavailable("append", errors.New("timeout")))

	w := f.do(t, http.MethodPost, "/events", `{"eventType":"ToolUse","sourceAgent":"hook","sessionId":"s","projectDir":"/p"}`)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	var body errorBody
	decode(t, w, &body)
	assert.Equal(t, ierrors.ErrCodeStoreUnavailable, body.Kind)
}

func TestIngestPartialAndRedrive(t *testing.T) {
	f := newFixture(t)
	f.store.FailOn("MarkEffectApplied", ierrors.StoreUnavailable("mark", errors.New("timeout")))

	w := f.do(t, http.MethodPost, "/events", `{"eventType":"ToolUse","sourceAgent":"hook","sessionId":"s","projectDir":"/p"}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var res map[string]string
	decode(t, w, &res)
	assert.Equal(t, "partial", res["status"])
	assert.NotEmpty(t, res["error"])

	f.store.FailOn("MarkEffectApplied", nil)
	w = f.do(t, http.MethodPost, "/events/"+res["id"]+"/redrive", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	applied, err := f.store.EffectApplied(context.Background(), res["id"])
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestEventsLimit(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		w := f.do(t, http.MethodPost, "/events", fmt.Sprintf(
			`{"eventType":"Progress","sourceAgent":"hook","sessionId":"s%d","projectDir":"/p"}`, i))
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := f.do(t, http.MethodGet, "/events?limit=3", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var events []model.Event
	decode(t, w, &events)
	require.Len(t, events, 3)
	assert.Equal(t, "s4", events[0].SessionID)

	w = f.do(t, http.MethodGet, "/events?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFeaturesUnknownProject(t *testing.T) {
	f := newFixture(t)

	for _, path := range []string{"/features", "/features?project_path=/nowhere"} {
		w := f.do(t, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, "[]", w.Body.String())
	}

	w := f.do(t, http.MethodGet, "/features?project_path=relative", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFeatureTransitions(t *testing.T) {
	f := newFixture(t)
	a := f.createFeature(t, "Search")
	b := f.createFeature(t, "Export")

	w := f.do(t, http.MethodPost, "/features/"+a+"/start", map[string]string{"agent": "claude-code"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = f.do(t, http.MethodPost, "/features/"+b+"/start", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.do(t, http.MethodGet, "/features?project_path="+project, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var views []struct {
		ID     string              `json:"id"`
		Status model.FeatureStatus `json:"status"`
	}
	decode(t, w, &views)
	statuses := map[string]model.FeatureStatus{}
	for _, v := range views {
		statuses[v.ID] = v.Status
	}
	assert.Equal(t, model.StatusPending, statuses[a])
	assert.Equal(t, model.StatusInProgress, statuses[b])

	w = f.do(t, http.MethodPost, "/features/"+b+"/block", map[string]string{"reason": "waiting on API"})
	require.Equal(t, http.StatusOK, w.Code)
	var feat map[string]interface{}
	decode(t, w, &feat)
	assert.Equal(t, "blocked", feat["status"])
	assert.Equal(t, "waiting on API", feat["blockedReason"])

	w = f.do(t, http.MethodPost, "/features/"+b+"/complete", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &feat)
	assert.Equal(t, "completed", feat["status"])

	w = f.do(t, http.MethodPost, "/features/"+b+"/reopen", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &feat)
	assert.Equal(t, "pending", feat["status"])

	w = f.do(t, http.MethodPost, "/features/missing/complete", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTransitionsAcceptEmptyChunkedBody(t *testing.T) {
	f := newFixture(t)
	id := f.createFeature(t, "Search")

	for _, verb := range []string{"start", "block"} {
		req := httptest.NewRequest(http.MethodPost, "/features/"+id+"/"+verb, nil)
		req.Body = io.NopCloser(strings.NewReader(""))
		req.ContentLength = -1
		req.TransferEncoding = []string{"chunked"}
		w := httptest.NewRecorder()
		f.server.Handler().ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code, "%s: %s", verb, w.Body.String())
	}

	w := f.do(t, http.MethodPost, "/features/"+id+"/block", "{not json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUpdateFeature(t *testing.T) {
	f := newFixture(t)
	id := f.createFeature(t, "Serch")

	w := f.do(t, http.MethodPatch, "/features/"+id, map[string]interface{}{
		"description": "Search",
		"category":    "ui",
		"priority":    300,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var feat map[string]interface{}
	decode(t, w, &feat)
	assert.Equal(t, "Search", feat["description"])
	assert.Equal(t, "ui", feat["category"])
	assert.EqualValues(t, 300, feat["priority"])
	assert.Equal(t, "pending", feat["status"])

	w = f.do(t, http.MethodPatch, "/features/"+id, map[string]string{"category": "nonsense"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPatch, "/features/missing", map[string]int{"priority": 1})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStartNextFeature(t *testing.T) {
	f := newFixture(t)
	f.createFeature(t, "Search")
	w := f.do(t, http.MethodPost, "/features", map[string]interface{}{
		"projectPath": project,
		"description": "Urgent",
		"priority":    900,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var urgent map[string]interface{}
	decode(t, w, &urgent)

	w = f.do(t, http.MethodPost, "/features/next/start", map[string]string{"projectPath": project, "agent": "claude-code"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var feat map[string]interface{}
	decode(t, w, &feat)
	assert.Equal(t, urgent["id"], feat["id"])
	assert.Equal(t, "in_progress", feat["status"])

	w = f.do(t, http.MethodPost, "/features/next/start", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/features/next/start?project_path=/work/empty", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestImport(t *testing.T) {
	f := newFixture(t)
	body := map[string]interface{}{
		"projectPath": project,
		"features": []map[string]interface{}{
			{"description": "Login", "category": "security", "passes": true},
			{"description": "Search", "category": "functional", "inProgress": true},
			{"description": "Export", "category": "whatever"},
		},
	}

	w := f.do(t, http.MethodPost, "/import", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var report legacy.Report
	decode(t, w, &report)
	assert.Equal(t, 3, report.Imported)

	w = f.do(t, http.MethodPost, "/import", body)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &report)
	assert.Equal(t, 0, report.Imported)
	assert.Equal(t, 3, report.Skipped)

	active, err := f.store.ActiveFeatures(context.Background(), project)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "Search", active[0].Description)

	w = f.do(t, http.MethodPost, "/import", map[string]interface{}{"projectPath": "relative"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFeatureStepsAndEvents(t *testing.T) {
	f := newFixture(t)
	id := f.createFeature(t, "Search")

	w := f.do(t, http.MethodPut, "/features/"+id+"/steps", map[string]interface{}{
		"steps": []map[string]interface{}{{"text": "index"}, {"text": "query", "completed": true}},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.do(t, http.MethodGet, "/features/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var feat model.Feature
	decode(t, w, &feat)
	require.Len(t, feat.Steps, 2)
	assert.True(t, feat.Steps[1].Completed)

	w = f.do(t, http.MethodPost, "/events", fmt.Sprintf(
		`{"eventType":"ToolUse","sourceAgent":"hook","sessionId":"s","projectDir":"%s","featureId":"%s"}`, project, id))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = f.do(t, http.MethodGet, "/features/"+id+"/events", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var events []model.Event
	decode(t, w, &events)
	require.Len(t, events, 1)

	w = f.do(t, http.MethodPut, "/features/"+id+"/steps", map[string]interface{}{
		"steps": []map[string]interface{}{{"text": " "}},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.EnsureProject(ctx, project))
	for i := 0; i < 10; i++ {
		feat := &model.Feature{ID: fmt.Sprintf("f%d", i), ProjectPath: project, Description: "x"}
		switch {
		case i < 4:
			feat.Passes = true
		case i == 4:
			feat.Blocked = true
		}
		require.NoError(t, f.store.CreateFeature(ctx, feat))
	}

	w := f.do(t, http.MethodGet, "/stats?project_path="+project, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t,
		`{"total":10,"completed":4,"inProgress":0,"pending":5,"blocked":1,"percentage":40,"activeSessions":0}`,
		w.Body.String())

	w = f.do(t, http.MethodGet, "/stats?project_path=/nowhere", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"total":0`)

	w = f.do(t, http.MethodGet, "/stats", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSessionsStartEnd(t *testing.T) {
	f := newFixture(t)
	start := `{"sessionId":"s1","sourceAgent":"claude-code","projectDir":"/work/demo"}`

	w := f.do(t, http.MethodPost, "/sessions/start", start)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = f.do(t, http.MethodPost, "/sessions/start", start)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.do(t, http.MethodGet, "/projects", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `["/work/demo"]`, w.Body.String())

	w = f.do(t, http.MethodGet, "/sessions?project_path="+project, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var sessions []model.Session
	decode(t, w, &sessions)
	require.Len(t, sessions, 1)
	assert.Equal(t, model.SessionActive, sessions[0].Status)

	w = f.do(t, http.MethodPost, "/sessions/end", `{"sessionId":"s1"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.do(t, http.MethodPost, "/sessions/end", `{"sessionId":"s1"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res map[string]interface{}
	decode(t, w, &res)
	assert.Equal(t, true, res["conflict"])

	sess, err := f.store.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, model.SessionEnded, sess.Status)

	w = f.do(t, http.MethodPost, "/sessions/end", `{"sessionId":"ghost"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestInsights(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/insights", map[string]interface{}{
		"projectPath": project,
		"text":        "run migrations before tests",
		"tags":        []string{"DB"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = f.do(t, http.MethodGet, "/insights?project_path="+project+"&tag=db", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var insights []model.Insight
	decode(t, w, &insights)
	require.Len(t, insights, 1)

	w = f.do(t, http.MethodGet, "/insights/export?project_path="+project, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "run migrations before tests")
	assert.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), "text/markdown"))
}

func TestStream(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.hub.Run(ctx)

	topic := hub.ProjectTopic(project)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/stream?topic=" + topic
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return f.hub.Subscribers(topic) == 1 }, time.Second, 10*time.Millisecond)

	w := f.do(t, http.MethodPost, "/events", `{"eventType":"Progress","sourceAgent":"hook","sessionId":"s","projectDir":"/work/demo"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var res map[string]string
	decode(t, w, &res)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var e model.Event
	require.NoError(t, conn.ReadJSON(&e))
	assert.Equal(t, res["id"], e.ID)
	assert.Equal(t, model.EventProgress, e.Type)
}

func TestStreamRejectsBadTopic(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/stream?topic=project:", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
