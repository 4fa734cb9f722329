package recognizer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/fpang/blob-recognizer/internal/audit"
	"github.com/fpang/blob-recognizer/internal/blobstore"
	"github.com/fpang/blob-recognizer/internal/callback"
	"github.com/fpang/blob-recognizer/internal/config"
	"github.com/fpang/blob-recognizer/internal/machine"
	"github.com/fpang/blob-recognizer/internal/record"
)

// stubDetector returns canned labels or a canned error.
type stubDetector struct {
	labels []record.Label
	err    error
}

func (d *stubDetector) DetectLabels(context.Context, string) ([]record.Label, error) {
	if d.err != nil {
		return nil, d.err
	}
	return append([]record.Label(nil), d.labels...), nil
}

// callbackSink is an httptest callback endpoint capturing payloads.
type callbackSink struct {
	mu       sync.Mutex
	payloads []callback.Payload
	status   int
	server   *httptest.Server
}

func newCallbackSink(t *testing.T, status int) *callbackSink {
	t.Helper()
	sink := &callbackSink{status: status}
	sink.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p callback.Payload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			t.Errorf("callback payload is not valid JSON: %v", err)
		}
		sink.mu.Lock()
		sink.payloads = append(sink.payloads, p)
		sink.mu.Unlock()
		w.WriteHeader(sink.status)
	}))
	t.Cleanup(sink.server.Close)
	return sink
}

func (s *callbackSink) received() []callback.Payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]callback.Payload(nil), s.payloads...)
}

type fixture struct {
	svc      *Service
	records  *record.MemoryStore
	objects  *blobstore.MemoryStore
	detector *stubDetector
	audits   *audit.MemoryRecorder
	executor *machine.Executor
}

func newFixture(t *testing.T, opts config.Options, detector *stubDetector) *fixture {
	t.Helper()

	f := &fixture{
		records:  record.NewMemoryStore(),
		objects:  blobstore.NewMemoryStore(),
		detector: detector,
		audits:   audit.NewMemoryRecorder(),
		executor: machine.NewExecutor(machine.NewMemoryExecutionStore()),
	}
	t.Cleanup(f.executor.Stop)

	svc, err := NewService(f.records, f.objects, detector,
		callback.NewInvoker(opts.CallbackTimeout), f.audits, f.executor, opts)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	f.svc = svc
	return f
}

func fastOptions() config.Options {
	return config.Options{
		PresignedURLTTL:      time.Second,
		UploadingWaitingTime: 10 * time.Millisecond,
		MaxLabels:            10,
		MinConfidence:        50,
		CallbackTimeout:      time.Second,
	}
}

// waitForStatus polls the record store until the blob reaches the wanted
// status or the deadline passes.
func waitForStatus(t *testing.T, f *fixture, blobID string, want record.Status) *record.BlobRecord {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := f.records.Get(context.Background(), blobID)
		if err != nil {
			t.Fatalf("Get(%s): %v", blobID, err)
		}
		if rec.Status == want {
			return rec
		}
		time.Sleep(5 * time.Millisecond)
	}
	rec, _ := f.records.Get(context.Background(), blobID)
	t.Fatalf("blob %s never reached %s; last status %s (errorKind %s)", blobID, want, rec.Status, rec.ErrorKind)
	return nil
}

func TestInitializeUploadCreatesPendingRecord(t *testing.T) {
	opts := fastOptions()
	opts.UploadingWaitingTime = time.Second // keep the watch parked for the test
	f := newFixture(t, opts, &stubDetector{})

	grant, err := f.svc.InitializeUpload(context.Background(), "https://client.example/hook")
	if err != nil {
		t.Fatalf("InitializeUpload: %v", err)
	}
	if grant.BlobID == "" || grant.UploadURL == "" {
		t.Fatalf("incomplete grant: %+v", grant)
	}
	if grant.CallbackURL != "https://client.example/hook" {
		t.Errorf("grant callback URL = %q", grant.CallbackURL)
	}

	rec, err := f.svc.GetResult(context.Background(), grant.BlobID)
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if rec.Status != record.StatusPendingUpload {
		t.Errorf("status before upload = %s, want %s", rec.Status, record.StatusPendingUpload)
	}
	if len(rec.Labels) != 0 || rec.ErrorKind != "" {
		t.Errorf("pending record carries results: %+v", rec)
	}
}

func TestInitializeUploadRejectsBadCallbackURL(t *testing.T) {
	f := newFixture(t, fastOptions(), &stubDetector{})

	for _, bad := range []string{"", "not a url", "ftp://example.com/hook", "/relative/path", "https://"} {
		if _, err := f.svc.InitializeUpload(context.Background(), bad); !errors.Is(err, ErrInvalidCallbackURL) {
			t.Errorf("InitializeUpload(%q) error = %v, want ErrInvalidCallbackURL", bad, err)
		}
	}
}

func TestUploadWatchTimesOut(t *testing.T) {
	opts := fastOptions()
	opts.MaxUploadChecks = 2
	f := newFixture(t, opts, &stubDetector{})

	start := time.Now()
	grant, err := f.svc.InitializeUpload(context.Background(), "https://client.example/hook")
	if err != nil {
		t.Fatalf("InitializeUpload: %v", err)
	}

	rec := waitForStatus(t, f, grant.BlobID, record.StatusFailed)
	if rec.ErrorKind != record.ErrorKindUploadTimeout {
		t.Errorf("errorKind = %s, want %s", rec.ErrorKind, record.ErrorKindUploadTimeout)
	}
	if elapsed := time.Since(start); elapsed < 2*opts.UploadingWaitingTime {
		t.Errorf("watch gave up after %s, before %d full wait cycles", elapsed, opts.MaxUploadChecks)
	}
}

func TestRecognitionHappyPath(t *testing.T) {
	sink := newCallbackSink(t, http.StatusNoContent)
	detector := &stubDetector{labels: []record.Label{
		{Name: "cat", Confidence: 90},
		{Name: "dog", Confidence: 40},
		{Name: "box", Confidence: 60},
	}}
	f := newFixture(t, fastOptions(), detector)

	grant, err := f.svc.InitializeUpload(context.Background(), sink.server.URL)
	if err != nil {
		t.Fatalf("InitializeUpload: %v", err)
	}
	if err := f.svc.HandleObjectCreated(context.Background(), grant.BlobID); err != nil {
		t.Fatalf("HandleObjectCreated: %v", err)
	}

	rec := waitForStatus(t, f, grant.BlobID, record.StatusLabeled)

	want := []record.Label{{Name: "cat", Confidence: 90}, {Name: "box", Confidence: 60}}
	if len(rec.Labels) != len(want) {
		t.Fatalf("labels = %+v, want %+v", rec.Labels, want)
	}
	for i := range want {
		if rec.Labels[i] != want[i] {
			t.Errorf("labels[%d] = %+v, want %+v", i, rec.Labels[i], want[i])
		}
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(sink.received()) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	got := sink.received()
	if len(got) != 1 {
		t.Fatalf("callback deliveries = %d, want 1", len(got))
	}
	if got[0].BlobID != grant.BlobID || got[0].Status != record.StatusLabeled {
		t.Errorf("callback payload = %+v", got[0])
	}

	deadline = time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		rec, _ = f.records.Get(context.Background(), grant.BlobID)
		if rec.CallbackStatus == record.CallbackDelivered {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if rec.CallbackStatus != record.CallbackDelivered {
		t.Errorf("callbackStatus = %s, want %s", rec.CallbackStatus, record.CallbackDelivered)
	}
	if len(f.audits.Entries()) != 0 {
		t.Errorf("happy path wrote audit entries: %+v", f.audits.Entries())
	}
}

func TestRecognitionViaObjectProbe(t *testing.T) {
	// No object-created notification arrives; the watch discovers the
	// object directly and applies the UPLOADED transition itself.
	sink := newCallbackSink(t, http.StatusOK)
	detector := &stubDetector{labels: []record.Label{{Name: "tree", Confidence: 99}}}
	f := newFixture(t, fastOptions(), detector)

	grant, err := f.svc.InitializeUpload(context.Background(), sink.server.URL)
	if err != nil {
		t.Fatalf("InitializeUpload: %v", err)
	}
	f.objects.MarkUploaded(grant.BlobID)

	rec := waitForStatus(t, f, grant.BlobID, record.StatusLabeled)
	if len(rec.Labels) != 1 || rec.Labels[0].Name != "tree" {
		t.Errorf("labels = %+v", rec.Labels)
	}
}

func TestDomainMismatchRouting(t *testing.T) {
	sink := newCallbackSink(t, http.StatusOK)
	detector := &stubDetector{labels: []record.Label{{Name: "blur", Confidence: 10}}}
	f := newFixture(t, fastOptions(), detector)

	grant, err := f.svc.InitializeUpload(context.Background(), sink.server.URL)
	if err != nil {
		t.Fatalf("InitializeUpload: %v", err)
	}
	if err := f.svc.HandleObjectCreated(context.Background(), grant.BlobID); err != nil {
		t.Fatalf("HandleObjectCreated: %v", err)
	}

	rec := waitForStatus(t, f, grant.BlobID, record.StatusFailed)
	if rec.ErrorKind != record.ErrorKindDomainMismatch {
		t.Errorf("errorKind = %s, want %s (never %s)",
			rec.ErrorKind, record.ErrorKindDomainMismatch, record.ErrorKindUnexpected)
	}
	if len(f.audits.Entries()) != 0 {
		t.Errorf("domain failure raised an audit entry: %+v", f.audits.Entries())
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(sink.received()) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	got := sink.received()
	if len(got) != 1 || got[0].ErrorKind != record.ErrorKindDomainMismatch {
		t.Errorf("failure callback = %+v, want one delivery with DomainMismatch", got)
	}
}

func TestBackendErrorIsAudited(t *testing.T) {
	sink := newCallbackSink(t, http.StatusOK)
	detector := &stubDetector{err: errors.New("backend unreachable")}
	f := newFixture(t, fastOptions(), detector)

	grant, err := f.svc.InitializeUpload(context.Background(), sink.server.URL)
	if err != nil {
		t.Fatalf("InitializeUpload: %v", err)
	}
	if err := f.svc.HandleObjectCreated(context.Background(), grant.BlobID); err != nil {
		t.Fatalf("HandleObjectCreated: %v", err)
	}

	rec := waitForStatus(t, f, grant.BlobID, record.StatusFailed)
	if rec.ErrorKind != record.ErrorKindUnexpected {
		t.Errorf("errorKind = %s, want %s", rec.ErrorKind, record.ErrorKindUnexpected)
	}

	deadline := time.Now().Add(3 * time.Second)
	var entries []audit.Entry
	for time.Now().Before(deadline) {
		entries = f.audits.Entries()
		if len(entries) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(entries) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(entries))
	}
	if entries[0].ExecutionID == "" {
		t.Error("audit entry has no execution ID")
	}
	if entries[0].BlobID != grant.BlobID {
		t.Errorf("audit blobId = %s, want %s", entries[0].BlobID, grant.BlobID)
	}
	if entries[0].ErrorKind != machine.KindRecognitionBackendError {
		t.Errorf("audit errorKind = %s, want %s", entries[0].ErrorKind, machine.KindRecognitionBackendError)
	}
}

func TestCallbackFailureLeavesRecordLabeled(t *testing.T) {
	sink := newCallbackSink(t, http.StatusInternalServerError)
	detector := &stubDetector{labels: []record.Label{{Name: "cat", Confidence: 95}}}
	f := newFixture(t, fastOptions(), detector)

	grant, err := f.svc.InitializeUpload(context.Background(), sink.server.URL)
	if err != nil {
		t.Fatalf("InitializeUpload: %v", err)
	}
	if err := f.svc.HandleObjectCreated(context.Background(), grant.BlobID); err != nil {
		t.Fatalf("HandleObjectCreated: %v", err)
	}

	rec := waitForStatus(t, f, grant.BlobID, record.StatusLabeled)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		rec, _ = f.records.Get(context.Background(), grant.BlobID)
		if rec.CallbackStatus != "" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if rec.Status != record.StatusLabeled {
		t.Errorf("status after callback failure = %s, want %s", rec.Status, record.StatusLabeled)
	}
	if rec.CallbackStatus != record.CallbackFailed {
		t.Errorf("callbackStatus = %s, want %s", rec.CallbackStatus, record.CallbackFailed)
	}
}

func TestSaveLabelsReplayIsNoOp(t *testing.T) {
	f := newFixture(t, fastOptions(), &stubDetector{})

	rec := &record.BlobRecord{
		BlobID:      "blob-1",
		Status:      record.StatusRecognizing,
		CallbackURL: "https://client.example/hook",
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	if err := f.records.Put(context.Background(), rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	in := machine.StepInput{
		ExecutionID: "exec-test",
		Workflow:    machine.Recognition,
		State:       StateSaveLabels,
		Context: map[string]any{
			ctxBlobID: "blob-1",
			ctxLabels: []record.Label{{Name: "cat", Confidence: 91}},
		},
	}

	if _, err := f.svc.saveLabels(context.Background(), in); err != nil {
		t.Fatalf("first saveLabels: %v", err)
	}
	first, _ := f.records.Get(context.Background(), "blob-1")

	// A crash between the write and the checkpoint replays the step.
	if _, err := f.svc.saveLabels(context.Background(), in); err != nil {
		t.Fatalf("replayed saveLabels: %v", err)
	}
	second, _ := f.records.Get(context.Background(), "blob-1")

	if second.Status != record.StatusLabeled {
		t.Errorf("status = %s, want %s", second.Status, record.StatusLabeled)
	}
	if len(first.Labels) != len(second.Labels) || first.Labels[0] != second.Labels[0] {
		t.Errorf("replay changed labels: %+v vs %+v", first.Labels, second.Labels)
	}
}

func TestHandleObjectCreatedEdgeCases(t *testing.T) {
	f := newFixture(t, fastOptions(), &stubDetector{})

	if err := f.svc.HandleObjectCreated(context.Background(), "no-such-blob"); err != nil {
		t.Errorf("unknown blob should be ignored, got %v", err)
	}

	rec := &record.BlobRecord{
		BlobID:      "blob-dup",
		Status:      record.StatusPendingUpload,
		CallbackURL: "https://client.example/hook",
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	if err := f.records.Put(context.Background(), rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := f.svc.HandleObjectCreated(context.Background(), "blob-dup"); err != nil {
		t.Fatalf("first notification: %v", err)
	}
	if err := f.svc.HandleObjectCreated(context.Background(), "blob-dup"); err != nil {
		t.Errorf("duplicate notification should be a no-op, got %v", err)
	}

	got, _ := f.records.Get(context.Background(), "blob-dup")
	if got.Status != record.StatusUploaded {
		t.Errorf("status = %s, want %s", got.Status, record.StatusUploaded)
	}
}
