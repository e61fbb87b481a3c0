package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"qms/patient-queue/internal/models"
	"qms/patient-queue/internal/queue"
	"qms/patient-queue/internal/store"
)

type fakeService struct {
	enqueueFn     func(ctx context.Context, input queue.EnqueueInput) (models.QueueEntry, error)
	callNextFn    func(ctx context.Context, sp models.ServicePoint) (models.QueueEntry, error)
	applyFn       func(ctx context.Context, queueID string, action store.Action) (models.QueueEntry, error)
	transferFn    func(ctx context.Context, queueID string, destination models.ServicePoint) (queue.TransferResult, error)
	updateFn      func(ctx context.Context, queueID string, patch store.EntryPatch) (models.QueueEntry, error)
	getFn         func(ctx context.Context, queueID string) (models.QueueEntry, error)
	listFn        func(ctx context.Context, filter store.ListFilter) ([]models.QueueEntry, error)
	historyFn     func(ctx context.Context, queueID string) ([]store.EntryEvent, error)
	auditFn       func(ctx context.Context, queueID string) (queue.Audit, error)
	waitingFn     func(ctx context.Context, sp models.ServicePoint) ([]models.WaitingPosition, error)
	activeCallsFn func(ctx context.Context, sp models.ServicePoint) ([]models.ActiveCall, error)
	activeCallFn  func(ctx context.Context, sp models.ServicePoint, counter int) (models.ActiveCall, bool, error)
	pingFn        func(ctx context.Context) error
}

func (f fakeService) Enqueue(ctx context.Context, input queue.EnqueueInput) (models.QueueEntry, error) {
	if f.enqueueFn == nil {
		return models.QueueEntry{}, nil
	}
	return f.enqueueFn(ctx, input)
}

func (f fakeService) CallNext(ctx context.Context, sp models.ServicePoint) (models.QueueEntry, error) {
	if f.callNextFn == nil {
		return models.QueueEntry{}, store.ErrNoWaitingEntries
	}
	return f.callNextFn(ctx, sp)
}

func (f fakeService) Apply(ctx context.Context, queueID string, action store.Action) (models.QueueEntry, error) {
	if f.applyFn == nil {
		return models.QueueEntry{}, store.ErrNotFound
	}
	return f.applyFn(ctx, queueID, action)
}

func (f fakeService) Transfer(ctx context.Context, queueID string, destination models.ServicePoint) (queue.TransferResult, error) {
	if f.transferFn == nil {
		return queue.TransferResult{}, store.ErrNotFound
	}
	return f.transferFn(ctx, queueID, destination)
}

func (f fakeService) UpdateEntry(ctx context.Context, queueID string, patch store.EntryPatch) (models.QueueEntry, error) {
	if f.updateFn == nil {
		return models.QueueEntry{}, store.ErrNotFound
	}
	return f.updateFn(ctx, queueID, patch)
}

func (f fakeService) Get(ctx context.Context, queueID string) (models.QueueEntry, error) {
	if f.getFn == nil {
		return models.QueueEntry{}, store.ErrNotFound
	}
	return f.getFn(ctx, queueID)
}

func (f fakeService) List(ctx context.Context, filter store.ListFilter) ([]models.QueueEntry, error) {
	if f.listFn == nil {
		return nil, nil
	}
	return f.listFn(ctx, filter)
}

func (f fakeService) History(ctx context.Context, queueID string) ([]store.EntryEvent, error) {
	if f.historyFn == nil {
		return nil, nil
	}
	return f.historyFn(ctx, queueID)
}

func (f fakeService) Audit(ctx context.Context, queueID string) (queue.Audit, error) {
	if f.auditFn == nil {
		return queue.Audit{}, store.ErrNotFound
	}
	return f.auditFn(ctx, queueID)
}

func (f fakeService) Waiting(ctx context.Context, sp models.ServicePoint) ([]models.WaitingPosition, error) {
	if f.waitingFn == nil {
		return []models.WaitingPosition{}, nil
	}
	return f.waitingFn(ctx, sp)
}

func (f fakeService) ActiveCalls(ctx context.Context, sp models.ServicePoint) ([]models.ActiveCall, error) {
	if f.activeCallsFn == nil {
		return nil, nil
	}
	return f.activeCallsFn(ctx, sp)
}

func (f fakeService) ActiveCall(ctx context.Context, sp models.ServicePoint, counter int) (models.ActiveCall, bool, error) {
	if f.activeCallFn == nil {
		return models.ActiveCall{}, false, nil
	}
	return f.activeCallFn(ctx, sp, counter)
}

func (f fakeService) Ping(ctx context.Context) error {
	if f.pingFn == nil {
		return nil
	}
	return f.pingFn(ctx)
}

func serve(h *Handler, req *http.Request) *httptest.ResponseRecorder {
	resp := httptest.NewRecorder()
	RequestID(h.Routes()).ServeHTTP(resp, req)
	return resp
}

func decodeError(t *testing.T, resp *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var body errorResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body
}

func TestEnqueueSuccess(t *testing.T) {
	enqueuedAt := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	var got queue.EnqueueInput
	svc := fakeService{
		enqueueFn: func(ctx context.Context, input queue.EnqueueInput) (models.QueueEntry, error) {
			got = input
			return models.QueueEntry{
				QueueID:      "11111111-1111-1111-1111-111111111111",
				PatientID:    input.PatientID,
				ServicePoint: input.ServicePoint,
				TicketNumber: "T001",
				TicketSeq:    1,
				Priority:     input.Priority,
				Status:       models.StatusWaiting,
				EnqueueTime:  enqueuedAt,
			}, nil
		},
	}

	h := NewHandler(svc, Options{})
	body, _ := json.Marshal(map[string]string{
		"patient_id":    "P-1001",
		"service_point": "triage",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/queue-entries", bytes.NewReader(body))
	resp := serve(h, req)

	if resp.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d", resp.Code)
	}
	if got.Priority != models.PriorityNormal {
		t.Fatalf("expected default priority normal, got %s", got.Priority)
	}
	var entry models.QueueEntry
	if err := json.Unmarshal(resp.Body.Bytes(), &entry); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if entry.TicketNumber != "T001" || entry.Status != models.StatusWaiting {
		t.Fatalf("unexpected entry %+v", entry)
	}
}

func TestEnqueueValidation(t *testing.T) {
	h := NewHandler(fakeService{}, Options{})
	cases := []struct {
		name string
		body string
	}{
		{"missing patient", `{"service_point":"triage"}`},
		{"unknown service point", `{"patient_id":"P-1","service_point":"dentistry"}`},
		{"bad priority", `{"patient_id":"P-1","service_point":"triage","priority":"vip"}`},
		{"unknown field", `{"patient_id":"P-1","service_point":"triage","tenant_id":"x"}`},
		{"malformed", `{"patient_id":`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/queue-entries", bytes.NewBufferString(tc.body))
			resp := serve(h, req)
			if resp.Code != http.StatusBadRequest {
				t.Fatalf("expected status 400, got %d", resp.Code)
			}
		})
	}
}

func TestListParsesFilter(t *testing.T) {
	var got store.ListFilter
	svc := fakeService{
		listFn: func(ctx context.Context, filter store.ListFilter) ([]models.QueueEntry, error) {
			got = filter
			return nil, nil
		},
	}
	h := NewHandler(svc, Options{})
	req := httptest.NewRequest(http.MethodGet, "/api/queue-entries?service_point=laboratory&status=waiting,called&date=2026-03-02", nil)
	resp := serve(h, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	if got.ServicePoint != models.Laboratory || got.Day != "2026-03-02" || len(got.Statuses) != 2 {
		t.Fatalf("unexpected filter %+v", got)
	}
	if body := bytes.TrimSpace(resp.Body.Bytes()); string(body) != "[]" {
		t.Fatalf("expected empty array, got %s", body)
	}
}

func TestListRejectsBadDate(t *testing.T) {
	svc := fakeService{
		listFn: func(ctx context.Context, filter store.ListFilter) ([]models.QueueEntry, error) {
			t.Fatalf("list must not run for date %q", filter.Day)
			return nil, nil
		},
	}
	h := NewHandler(svc, Options{})
	for _, date := range []string{"03/02/2026", "2026-13-45", "0000-00-00", "2026-02-30"} {
		req := httptest.NewRequest(http.MethodGet, "/api/queue-entries?date="+date, nil)
		resp := serve(h, req)
		if resp.Code != http.StatusBadRequest {
			t.Fatalf("date %s: expected status 400, got %d", date, resp.Code)
		}
	}
}

func TestGetNotFound(t *testing.T) {
	h := NewHandler(fakeService{}, Options{})
	req := httptest.NewRequest(http.MethodGet, "/api/queue-entries/missing", nil)
	req.Header.Set("X-Request-ID", "req-42")
	resp := serve(h, req)

	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", resp.Code)
	}
	body := decodeError(t, resp)
	if body.RequestID != "req-42" || body.Error.Code != "entry_not_found" {
		t.Fatalf("unexpected error body %+v", body)
	}
}

func TestCallNextSuccess(t *testing.T) {
	calledAt := time.Date(2026, 3, 2, 8, 5, 0, 0, time.UTC)
	counter := 1
	svc := fakeService{
		callNextFn: func(ctx context.Context, sp models.ServicePoint) (models.QueueEntry, error) {
			if sp != models.Triage {
				t.Fatalf("expected triage, got %s", sp)
			}
			return models.QueueEntry{
				QueueID:         "q-1",
				ServicePoint:    sp,
				TicketNumber:    "T001",
				Status:          models.StatusCalled,
				CalledTime:      &calledAt,
				AssignedCounter: &counter,
			}, nil
		},
	}
	h := NewHandler(svc, Options{})
	req := httptest.NewRequest(http.MethodPost, "/api/service-points/triage/call-next", nil)
	resp := serve(h, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
}

func TestCallNextEmptyQueue(t *testing.T) {
	h := NewHandler(fakeService{}, Options{})
	req := httptest.NewRequest(http.MethodPost, "/api/service-points/pharmacy/call-next", nil)
	resp := serve(h, req)

	if resp.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", resp.Code)
	}
	if body := decodeError(t, resp); body.Error.Code != "queue_empty" {
		t.Fatalf("expected queue_empty, got %s", body.Error.Code)
	}
}

func TestUnknownServicePoint(t *testing.T) {
	h := NewHandler(fakeService{}, Options{})
	req := httptest.NewRequest(http.MethodPost, "/api/service-points/dentistry/call-next", nil)
	resp := serve(h, req)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", resp.Code)
	}
}

func TestActionInvalidTransitionDetails(t *testing.T) {
	svc := fakeService{
		applyFn: func(ctx context.Context, queueID string, action store.Action) (models.QueueEntry, error) {
			if action != store.ActionNoShow {
				t.Fatalf("expected no_show action, got %s", action)
			}
			return models.QueueEntry{}, &store.InvalidTransitionError{
				QueueID:   queueID,
				Action:    action,
				Current:   models.StatusServing,
				Requested: models.StatusNoShow,
			}
		},
	}
	h := NewHandler(svc, Options{})
	req := httptest.NewRequest(http.MethodPost, "/api/queue-entries/q-1/actions/no-show", nil)
	resp := serve(h, req)

	if resp.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", resp.Code)
	}
	body := decodeError(t, resp)
	if body.Error.Code != "invalid_transition" {
		t.Fatalf("expected invalid_transition, got %s", body.Error.Code)
	}
	if body.Error.Details["current"] != "serving" || body.Error.Details["requested"] != "no-show" {
		t.Fatalf("unexpected details %+v", body.Error.Details)
	}
}

func TestActionRejectsCall(t *testing.T) {
	h := NewHandler(fakeService{}, Options{})
	req := httptest.NewRequest(http.MethodPost, "/api/queue-entries/q-1/actions/call", nil)
	resp := serve(h, req)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", resp.Code)
	}
}

func TestTransfer(t *testing.T) {
	svc := fakeService{
		transferFn: func(ctx context.Context, queueID string, destination models.ServicePoint) (queue.TransferResult, error) {
			return queue.TransferResult{
				Source:      models.QueueEntry{QueueID: queueID, Status: models.StatusCompleted},
				Destination: models.QueueEntry{QueueID: "q-2", ServicePoint: destination, TicketNumber: "L001", TransferredFrom: queueID},
			}, nil
		},
	}
	h := NewHandler(svc, Options{})
	req := httptest.NewRequest(http.MethodPost, "/api/queue-entries/q-1/actions/transfer", bytes.NewBufferString(`{"to_service_point":"laboratory"}`))
	resp := serve(h, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	var result queue.TransferResult
	if err := json.Unmarshal(resp.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if result.Destination.TransferredFrom != "q-1" {
		t.Fatalf("expected transferred_from q-1, got %q", result.Destination.TransferredFrom)
	}
}

func TestTransferMissingDestination(t *testing.T) {
	h := NewHandler(fakeService{}, Options{})
	req := httptest.NewRequest(http.MethodPost, "/api/queue-entries/q-1/actions/transfer", bytes.NewBufferString(`{}`))
	resp := serve(h, req)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.Code)
	}
}

func TestUpdateNotEditable(t *testing.T) {
	svc := fakeService{
		updateFn: func(ctx context.Context, queueID string, patch store.EntryPatch) (models.QueueEntry, error) {
			if patch.Priority == nil || *patch.Priority != models.PriorityUrgent {
				t.Fatalf("expected urgent priority patch, got %+v", patch)
			}
			return models.QueueEntry{}, store.ErrNotEditable
		},
	}
	h := NewHandler(svc, Options{})
	req := httptest.NewRequest(http.MethodPatch, "/api/queue-entries/q-1", bytes.NewBufferString(`{"priority":"urgent"}`))
	resp := serve(h, req)
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", resp.Code)
	}
}

func TestUpdateEmptyPatch(t *testing.T) {
	h := NewHandler(fakeService{}, Options{})
	req := httptest.NewRequest(http.MethodPatch, "/api/queue-entries/q-1", bytes.NewBufferString(`{}`))
	resp := serve(h, req)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.Code)
	}
}

func TestStoreUnavailableSetsRetryAfter(t *testing.T) {
	svc := fakeService{
		getFn: func(ctx context.Context, queueID string) (models.QueueEntry, error) {
			return models.QueueEntry{}, store.Unavailable(errors.New("connection refused"))
		},
	}
	h := NewHandler(svc, Options{})
	req := httptest.NewRequest(http.MethodGet, "/api/queue-entries/q-1", nil)
	resp := serve(h, req)

	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", resp.Code)
	}
	if resp.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
}

func TestCounterNoContent(t *testing.T) {
	h := NewHandler(fakeService{}, Options{})
	req := httptest.NewRequest(http.MethodGet, "/api/service-points/triage/counters/2", nil)
	resp := serve(h, req)
	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", resp.Code)
	}
}

func TestCounterActiveCall(t *testing.T) {
	svc := fakeService{
		activeCallFn: func(ctx context.Context, sp models.ServicePoint, counter int) (models.ActiveCall, bool, error) {
			return models.ActiveCall{Counter: counter, QueueID: "q-1", TicketNumber: "T001", PatientLabel: "Budi"}, true, nil
		},
	}
	h := NewHandler(svc, Options{})
	req := httptest.NewRequest(http.MethodGet, "/api/service-points/triage/counters/1", nil)
	resp := serve(h, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	var call models.ActiveCall
	if err := json.Unmarshal(resp.Body.Bytes(), &call); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if call.Counter != 1 || call.PatientLabel != "Budi" {
		t.Fatalf("unexpected call %+v", call)
	}
}

func TestCounterInvalidNumber(t *testing.T) {
	h := NewHandler(fakeService{}, Options{})
	req := httptest.NewRequest(http.MethodGet, "/api/service-points/triage/counters/0", nil)
	resp := serve(h, req)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.Code)
	}
}

func TestHealthzUnavailable(t *testing.T) {
	svc := fakeService{
		pingFn: func(ctx context.Context) error { return errors.New("down") },
	}
	h := NewHandler(svc, Options{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	resp := serve(h, req)
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", resp.Code)
	}
}

func TestRequestIDGenerated(t *testing.T) {
	h := NewHandler(fakeService{}, Options{})
	req := httptest.NewRequest(http.MethodGet, "/api/queue-entries/q-1", nil)
	resp := serve(h, req)
	body := decodeError(t, resp)
	if body.RequestID == "" || body.RequestID != resp.Header().Get("X-Request-ID") {
		t.Fatalf("expected generated request id echoed, got %q / %q", body.RequestID, resp.Header().Get("X-Request-ID"))
	}
}

func TestRouteTemplate(t *testing.T) {
	cases := map[string]string{
		"/api/queue-entries":                      "/api/queue-entries",
		"/api/queue-entries/abc/actions/complete": "/api/queue-entries/{id}/actions/complete",
		"/api/service-points/triage/counters/3":   "/api/service-points/{service_point}/counters/{counter}",
		"/api/service-points/laboratory/waiting":  "/api/service-points/{service_point}/waiting",
		"/realtime/123/abcdef/websocket":          "/realtime",
	}
	for path, want := range cases {
		if got := routeTemplate(path); got != want {
			t.Fatalf("routeTemplate(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestAuditReportsChainState(t *testing.T) {
	svc := fakeService{
		auditFn: func(ctx context.Context, queueID string) (queue.Audit, error) {
			return queue.Audit{QueueID: queueID, Events: 3, ChainValid: false, ChainError: "event 2: hash mismatch"}, nil
		},
	}
	h := NewHandler(svc, Options{})
	req := httptest.NewRequest(http.MethodGet, "/api/queue-entries/q-1/audit", nil)
	resp := serve(h, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	var audit queue.Audit
	if err := json.Unmarshal(resp.Body.Bytes(), &audit); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if audit.ChainValid || audit.Events != 3 {
		t.Fatalf("unexpected audit %+v", audit)
	}
}

func TestAuditNotFound(t *testing.T) {
	h := NewHandler(fakeService{}, Options{})
	req := httptest.NewRequest(http.MethodGet, "/api/queue-entries/missing/audit", nil)
	resp := serve(h, req)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", resp.Code)
	}
}
