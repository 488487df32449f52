package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	ierrors "github.com/ijoka-dev/ijoka/internal/errors"
	"github.com/ijoka-dev/ijoka/internal/metrics"
	"github.com/ijoka-dev/ijoka/internal/model"
)

func TestClientDecodesSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/features" || r.URL.Query().Get("project_path") != "/work/demo" {
			t.Errorf("unexpected request %s", r.URL)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id":"f1","description":"Search","status":"in_progress"}]`))
	}))
	defer srv.Close()

	var features []featureRecord
	err := newClient(srv.URL+"/").do(context.Background(), http.MethodGet, "/features",
		map[string][]string{"project_path": {"/work/demo"}}, nil, &features)
	if err != nil {
		t.Fatalf("do() error = %v", err)
	}
	if len(features) != 1 || features[0].ID != "f1" || features[0].Status != model.StatusInProgress {
		t.Errorf("unexpected features %+v", features)
	}
}

func TestClientReturnsStructuredErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"feature 'x' not found","kind":"NOT_FOUND"}`))
	}))
	defer srv.Close()

	err := newClient(srv.URL).do(context.Background(), http.MethodPost, "/features/x/complete", nil, nil, nil)
	if !ierrors.Is(err, ierrors.ErrCodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
	if !strings.Contains(err.Error(), "feature 'x' not found") {
		t.Errorf("expected server message in %q", err.Error())
	}
}

func TestClientRawBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("# Insights\n"))
	}))
	defer srv.Close()

	var raw []byte
	if err := newClient(srv.URL).do(context.Background(), http.MethodGet, "/insights/export", nil, nil, &raw); err != nil {
		t.Fatalf("do() error = %v", err)
	}
	if string(raw) != "# Insights\n" {
		t.Errorf("unexpected body %q", raw)
	}
}

func TestImportGoesThroughServer(t *testing.T) {
	dir := t.TempDir()
	legacyFile := `[{"description":"Login","category":"security","passes":true},{"description":"Search","inProgress":true}]`
	if err := os.WriteFile(filepath.Join(dir, "feature_list.json"), []byte(legacyFile), 0o644); err != nil {
		t.Fatal(err)
	}

	var got struct {
		ProjectPath string `json:"projectPath"`
		Features    []struct {
			Description string `json:"description"`
		} `json:"features"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/import" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		w.Write([]byte(`{"imported":2,"skipped":0,"featureIds":["a","b"]}`))
	}))
	defer srv.Close()

	old := serverURL
	serverURL = srv.URL
	defer func() { serverURL = old }()

	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())
	report, err := importViaServer(cmd, dir)
	if err != nil {
		t.Fatalf("importViaServer() error = %v", err)
	}
	if report.Imported != 2 {
		t.Errorf("Imported = %d, want 2", report.Imported)
	}
	if got.ProjectPath != dir || len(got.Features) != 2 || got.Features[1].Description != "Search" {
		t.Errorf("unexpected request body %+v", got)
	}
}

func TestPrintStatusText(t *testing.T) {
	color.NoColor = true

	tool := "Edit"
	report := statusReport{
		Project: "/work/demo",
		Stats:   metrics.Stats{Total: 10, Completed: 4, Pending: 5, Blocked: 1, Percentage: 40, ActiveSessions: 2},
		Features: []*model.Feature{
			{ID: "a", Description: "Search", InProgress: true},
		},
		Events: []*model.Event{
			{Type: model.EventToolUse, ToolName: &tool, Attribution: model.Attributed("a"), CreatedAt: time.Now()},
		},
	}

	var buf bytes.Buffer
	printStatusText(&buf, report)
	out := buf.String()

	for _, want := range []string{"/work/demo", " 40%", "Blocked:       1", "Active sessions: 2", "Active feature: Search", "Edit", "feature:a"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}
}

func TestPrintStatusTextEmpty(t *testing.T) {
	color.NoColor = true

	var buf bytes.Buffer
	printStatusText(&buf, statusReport{Project: "/work/empty"})
	if !strings.Contains(buf.String(), "No activity yet.") {
		t.Errorf("expected empty activity message, got:\n%s", buf.String())
	}
}
