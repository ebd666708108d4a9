package githubworker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// sseHandler streams the given data lines as an event-stream response.
func sseHandler(t *testing.T, wantPath string, lines ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t.Helper()
		if r.URL.Path != wantPath {
			t.Errorf("expected path %s, got %s", wantPath, r.URL.Path)
		}
		if accept := r.Header.Get("Accept"); accept != "text/event-stream" {
			t.Errorf("expected event-stream accept header, got %s", accept)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			fmt.Fprintf(w, "data: %s\n\n", line)
		}
	}
}

func newTestClient(url string) *Client {
	return NewClient(url, time.Minute, slog.Default())
}

func Test_InitSession_ParsesCompletedResult(t *testing.T) {
	srv := httptest.NewServer(sseHandler(t, "/init-session",
		`{"type":"progress","message":"Cloning repository..."}`,
		`{"type":"progress","message":"Creating branch..."}`,
		`{"type":"completed","data":{"branch":"webedt/fix-login","baseBranch":"main","clonedPath":"repo","sessionTitle":"Fix login"}}`,
	))
	defer srv.Close()

	var progress []string
	result, err := newTestClient(srv.URL).InitSession(context.Background(), InitSessionRequest{
		SessionID: "sess-1",
		RepoURL:   "https://github.com/acme/app",
	}, func(event map[string]any) {
		msg, _ := event["message"].(string)
		progress = append(progress, msg)
	})
	if err != nil {
		t.Fatalf("init-session failed: %v", err)
	}

	if result.Branch != "webedt/fix-login" {
		t.Errorf("expected branch webedt/fix-login, got %s", result.Branch)
	}
	if result.BaseBranch != "main" || result.ClonedPath != "repo" {
		t.Errorf("unexpected result: %+v", result)
	}
	if len(progress) != 2 {
		t.Errorf("expected 2 progress events, got %d", len(progress))
	}
}

func Test_Call_ErrorEvent(t *testing.T) {
	srv := httptest.NewServer(sseHandler(t, "/clone-repository",
		`{"type":"error","message":"repository not found"}`,
	))
	defer srv.Close()

	_, err := newTestClient(srv.URL).CloneRepository(context.Background(), CloneRequest{
		SessionID: "sess-1",
		RepoURL:   "https://github.com/acme/missing",
	}, nil)
	if err == nil || !strings.Contains(err.Error(), "repository not found") {
		t.Errorf("expected error event surfaced, got %v", err)
	}
}

func Test_Call_StreamWithoutCompleted(t *testing.T) {
	srv := httptest.NewServer(sseHandler(t, "/create-branch",
		`{"type":"progress","message":"working"}`,
	))
	defer srv.Close()

	_, err := newTestClient(srv.URL).CreateBranch(context.Background(), CreateBranchRequest{
		SessionID:  "sess-1",
		BranchName: "b",
	}, nil)
	if err != ErrNoResult {
		t.Errorf("expected ErrNoResult, got %v", err)
	}
}

func Test_Call_BusyMapsToErrBusy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).InitSession(context.Background(), InitSessionRequest{}, nil)
	if !IsBusy(err) {
		t.Errorf("expected ErrBusy, got %v", err)
	}
}

func Test_Call_BadRequestSurfacesMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "repoUrl is required"})
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).CloneRepository(context.Background(), CloneRequest{}, nil)
	if err == nil || !strings.Contains(err.Error(), "repoUrl is required") {
		t.Errorf("expected 400 message surfaced, got %v", err)
	}
}

func Test_Call_SkipsMalformedEvents(t *testing.T) {
	srv := httptest.NewServer(sseHandler(t, "/commit-and-push",
		`not json at all`,
		`{"type":"completed","data":{"skipped":true,"message":"no changes"}}`,
	))
	defer srv.Close()

	result, err := newTestClient(srv.URL).CommitAndPush(context.Background(), CommitRequest{
		SessionID: "sess-1",
		RepoURL:   "https://github.com/acme/app",
		Branch:    "b",
	}, nil)
	if err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if !result.Skipped {
		t.Error("expected skipped commit result")
	}
}

func Test_Health(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	if !newTestClient(srv.URL).Health(context.Background()) {
		t.Error("expected healthy")
	}

	srv.Close()
	if newTestClient(srv.URL).Health(context.Background()) {
		t.Error("expected unhealthy after server close")
	}
}
