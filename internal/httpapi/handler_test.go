package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fpang/blob-recognizer/internal/audit"
	"github.com/fpang/blob-recognizer/internal/blobstore"
	"github.com/fpang/blob-recognizer/internal/callback"
	"github.com/fpang/blob-recognizer/internal/config"
	"github.com/fpang/blob-recognizer/internal/labels"
	"github.com/fpang/blob-recognizer/internal/machine"
	"github.com/fpang/blob-recognizer/internal/record"
	"github.com/fpang/blob-recognizer/internal/recognizer"
)

type noopDetector struct{}

func (noopDetector) DetectLabels(context.Context, string) ([]record.Label, error) {
	return nil, labels.ErrNoLabelsMatched
}

// newTestHandler builds the front door over in-memory stores. The long wait
// time keeps upload-watch executions parked for the duration of a test.
func newTestHandler(t *testing.T) (*Handler, *record.MemoryStore) {
	t.Helper()

	records := record.NewMemoryStore()
	executor := machine.NewExecutor(machine.NewMemoryExecutionStore())
	t.Cleanup(executor.Stop)

	opts := config.Options{
		PresignedURLTTL:      time.Minute,
		UploadingWaitingTime: time.Minute,
		MaxLabels:            10,
		MinConfidence:        50,
		CallbackTimeout:      time.Second,
	}
	svc, err := recognizer.NewService(records, blobstore.NewMemoryStore(), noopDetector{},
		callback.NewInvoker(opts.CallbackTimeout), audit.NewMemoryRecorder(), executor, opts)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return NewHandler(svc), records
}

func TestCreateBlob(t *testing.T) {
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/blobs",
		strings.NewReader(`{"callback_url":"https://client.example/hook"}`))
	rec := httptest.NewRecorder()
	h.Mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d; body %s", rec.Code, http.StatusCreated, rec.Body.String())
	}

	var grant recognizer.UploadGrant
	if err := json.Unmarshal(rec.Body.Bytes(), &grant); err != nil {
		t.Fatalf("response is not valid JSON: %v", err)
	}
	if grant.BlobID == "" || grant.UploadURL == "" {
		t.Errorf("incomplete grant: %+v", grant)
	}
	if grant.CallbackURL != "https://client.example/hook" {
		t.Errorf("callback URL = %q", grant.CallbackURL)
	}
}

func TestCreateBlobRejectsBadInput(t *testing.T) {
	h, _ := newTestHandler(t)

	tests := []struct {
		name string
		body string
	}{
		{"invalid callback URL", `{"callback_url":"ftp://example.com"}`},
		{"missing callback URL", `{}`},
		{"not JSON", `callback_url=x`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/blobs", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			h.Mux().ServeHTTP(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
			}
		})
	}
}

func TestCreateBlobMethodNotAllowed(t *testing.T) {
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/blobs", nil)
	rec := httptest.NewRecorder()
	h.Mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
}

func TestGetBlobResult(t *testing.T) {
	h, records := newTestHandler(t)

	now := time.Now().UTC()
	stored := &record.BlobRecord{
		BlobID:      "blob-labeled",
		Status:      record.StatusLabeled,
		CallbackURL: "https://client.example/hook",
		Labels:      []record.Label{{Name: "cat", Confidence: 91.5}},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := records.Put(context.Background(), stored); err != nil {
		t.Fatalf("Put: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/blobs/blob-labeled", nil)
	rec := httptest.NewRecorder()
	h.Mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body %s", rec.Code, http.StatusOK, rec.Body.String())
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not valid JSON: %v", err)
	}
	if body["blob_id"] != "blob-labeled" || body["status"] != string(record.StatusLabeled) {
		t.Errorf("body = %v", body)
	}
	if _, leaked := body["callback_url"]; leaked {
		t.Error("response exposes the callback URL")
	}
	lbls, ok := body["labels"].([]any)
	if !ok || len(lbls) != 1 {
		t.Errorf("labels = %v", body["labels"])
	}
}

func TestGetBlobResultNotFound(t *testing.T) {
	h, _ := newTestHandler(t)

	for _, path := range []string{"/blobs/nope", "/blobs/", "/blobs/a/b"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		h.Mux().ServeHTTP(rec, req)

		if rec.Code != http.StatusNotFound {
			t.Errorf("GET %s status = %d, want %d", path, rec.Code, http.StatusNotFound)
		}
		if body := rec.Body.String(); strings.Contains(body, "goroutine") || strings.Contains(body, "memory") {
			t.Errorf("GET %s leaks internals: %s", path, body)
		}
	}
}
