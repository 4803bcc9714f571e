// ABOUTME: Tests for the job endpoints: cursor codec, enqueue, status, health.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/naga-ruthvik/edutrack-tasks/internal/broker"
	"github.com/naga-ruthvik/edutrack-tasks/internal/job"
	"github.com/naga-ruthvik/edutrack-tasks/internal/queue"
	"github.com/naga-ruthvik/edutrack-tasks/internal/store"
)

// ── cursor encode/decode ──────────────────────────────────────────────────────

func TestCursorRoundTrip(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	id := uuid.New()
	row := store.Record{ID: id, EnqueuedAt: ts}

	encoded := encodeCursor(row)
	if encoded == "" {
		t.Fatal("encodeCursor returned empty string")
	}

	decoded, err := decodeCursor(encoded)
	if err != nil {
		t.Fatalf("decodeCursor: %v", err)
	}
	if decoded == nil {
		t.Fatal("decodeCursor returned nil")
	}
	if decoded.ID != id.String() {
		t.Errorf("ID = %q, want %q", decoded.ID, id)
	}

	parsed, err := time.Parse(time.RFC3339Nano, decoded.EnqueuedAt)
	if err != nil {
		t.Fatalf("parse EnqueuedAt %q: %v", decoded.EnqueuedAt, err)
	}
	if !parsed.UTC().Equal(ts) {
		t.Errorf("EnqueuedAt round-trip: got %v, want %v", parsed.UTC(), ts)
	}
}

func TestDecodeCursorEmpty(t *testing.T) {
	t.Parallel()

	cur, err := decodeCursor("")
	if err != nil {
		t.Fatalf("decodeCursor(\"\") should return nil,nil; got error %v", err)
	}
	if cur != nil {
		t.Errorf("decodeCursor(\"\") = %+v, want nil", cur)
	}
}

func TestDecodeCursorInvalid(t *testing.T) {
	t.Parallel()

	if _, err := decodeCursor("!!!not-base64!!!"); err == nil {
		t.Error("expected error for invalid base64, got nil")
	}
	// Valid base64 of "{}": JSON with no id.
	if _, err := decodeCursor("e30"); err == nil {
		t.Error("expected error for cursor missing id, got nil")
	}
}

// ── endpoint smoke tests ──────────────────────────────────────────────────────

// fakeRecordStore implements queue.RecordStore in memory.
type fakeRecordStore struct {
	records map[uuid.UUID]store.Record
}

func newFakeRecordStore() *fakeRecordStore {
	return &fakeRecordStore{records: make(map[uuid.UUID]store.Record)}
}

func (f *fakeRecordStore) CreateRecord(_ context.Context, env *job.Envelope) error {
	f.records[env.ID] = store.Record{
		ID:          env.ID,
		Kind:        env.Kind,
		State:       job.StateQueued,
		MaxAttempts: env.MaxAttempts,
		EnqueuedAt:  env.EnqueuedAt,
		UpdatedAt:   env.EnqueuedAt,
	}
	return nil
}

func (f *fakeRecordStore) CreateFailedRecord(_ context.Context, env *job.Envelope, lastError string) error {
	f.records[env.ID] = store.Record{
		ID:          env.ID,
		Kind:        env.Kind,
		State:       job.StateFailed,
		MaxAttempts: env.MaxAttempts,
		LastError:   &lastError,
		EnqueuedAt:  env.EnqueuedAt,
		UpdatedAt:   env.EnqueuedAt,
	}
	return nil
}

func (f *fakeRecordStore) DeleteRecord(_ context.Context, id uuid.UUID) error {
	delete(f.records, id)
	return nil
}

func (f *fakeRecordStore) GetRecord(_ context.Context, id uuid.UUID) (*store.Record, error) {
	rec, ok := f.records[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (f *fakeRecordStore) ListRecords(_ context.Context, filter store.ListFilter) ([]store.Record, error) {
	out := make([]store.Record, 0, len(f.records))
	for _, r := range f.records {
		if filter.State != "" && string(r.State) != filter.State {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func newTestHandler(t *testing.T) (http.Handler, *fakeRecordStore) {
	t.Helper()
	rs := newFakeRecordStore()
	b := broker.NewMemory(time.Minute)
	producer := queue.New(b, rs, nil)
	return NewServer(producer, nil, b).Handler(), rs
}

func TestEnqueueJobEndpoint(t *testing.T) {
	t.Parallel()

	handler, rs := newTestHandler(t)

	body := bytes.NewBufferString(`{"kind":"send_email","payload":{"to":"a@b.edu","template":"account_activation"}}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", body)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201; body: %s", w.Code, w.Body)
	}

	var resp struct {
		ID    string `json:"id"`
		State string `json:"state"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.State != "queued" {
		t.Errorf("state = %q, want queued", resp.State)
	}
	id, err := uuid.Parse(resp.ID)
	if err != nil {
		t.Fatalf("response id %q not a uuid: %v", resp.ID, err)
	}
	if _, ok := rs.records[id]; !ok {
		t.Error("no record created for returned id")
	}
}

func TestEnqueueJobUnknownKind(t *testing.T) {
	t.Parallel()

	handler, rs := newTestHandler(t)

	body := bytes.NewBufferString(`{"kind":"award_unicorn","payload":{}}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", body)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	// Unknown kinds are accepted: the caller gets an ID and the record is
	// terminally failed, queryable through the normal status endpoint.
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201; body: %s", w.Code, w.Body)
	}

	var resp struct {
		ID    string `json:"id"`
		State string `json:"state"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.State != "failed-permanent" {
		t.Errorf("state = %q, want failed-permanent", resp.State)
	}

	id, err := uuid.Parse(resp.ID)
	if err != nil {
		t.Fatalf("response id %q not a uuid: %v", resp.ID, err)
	}
	rec, ok := rs.records[id]
	if !ok {
		t.Fatal("no record created for returned id")
	}
	if rec.LastError == nil || !strings.Contains(*rec.LastError, "unknown job kind") {
		t.Errorf("last_error = %v, want unknown job kind detail", rec.LastError)
	}
}

func TestGetJobEndpoint(t *testing.T) {
	t.Parallel()

	handler, rs := newTestHandler(t)

	id := uuid.New()
	lastErr := "endpoint HTTP 503"
	rs.records[id] = store.Record{
		ID:          id,
		Kind:        job.KindVerifyDocument,
		State:       job.StateRetrying,
		Attempt:     2,
		MaxAttempts: 5,
		LastError:   &lastErr,
		EnqueuedAt:  time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+id.String(), nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", w.Code, w.Body)
	}

	var resp JobResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.State != "failed-retrying" || resp.Attempt != 2 {
		t.Errorf("resp = %+v", resp)
	}
	if resp.LastError == nil || *resp.LastError != lastErr {
		t.Errorf("last_error = %v, want %q", resp.LastError, lastErr)
	}
}

func TestGetJobNotFound(t *testing.T) {
	t.Parallel()

	handler, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+uuid.New().String(), nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404; body: %s", w.Code, w.Body)
	}
}

func TestListJobsEndpoint(t *testing.T) {
	t.Parallel()

	handler, rs := newTestHandler(t)

	for i := 0; i < 3; i++ {
		id := uuid.New()
		rs.records[id] = store.Record{
			ID:         id,
			Kind:       job.KindSendEmail,
			State:      job.StateSucceeded,
			EnqueuedAt: time.Now().UTC(),
			UpdatedAt:  time.Now().UTC(),
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs?state=succeeded", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", w.Code, w.Body)
	}

	var resp ListJobsBody
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Items) != 3 {
		t.Errorf("items = %d, want 3", len(resp.Items))
	}
}

func TestHealthzDegradedWithoutDB(t *testing.T) {
	t.Parallel()

	handler, _ := newTestHandler(t) // nil db pool

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}

	var resp healthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "degraded" || resp.DB != "unavailable" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Broker != "" {
		t.Errorf("broker = %q, want reachable (empty)", resp.Broker)
	}
}

func TestSecurityHeaders(t *testing.T) {
	t.Parallel()

	handler, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
	if got := w.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q", got)
	}
}
