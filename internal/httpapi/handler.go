package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"qms/patient-queue/internal/models"
	"qms/patient-queue/internal/queue"
	"qms/patient-queue/internal/store"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const retryAfterSeconds = "2"

// QueueService is the subset of queue.Service the API serves.
type QueueService interface {
	Enqueue(ctx context.Context, input queue.EnqueueInput) (models.QueueEntry, error)
	CallNext(ctx context.Context, sp models.ServicePoint) (models.QueueEntry, error)
	Apply(ctx context.Context, queueID string, action store.Action) (models.QueueEntry, error)
	Transfer(ctx context.Context, queueID string, destination models.ServicePoint) (queue.TransferResult, error)
	UpdateEntry(ctx context.Context, queueID string, patch store.EntryPatch) (models.QueueEntry, error)
	Get(ctx context.Context, queueID string) (models.QueueEntry, error)
	List(ctx context.Context, filter store.ListFilter) ([]models.QueueEntry, error)
	History(ctx context.Context, queueID string) ([]store.EntryEvent, error)
	Audit(ctx context.Context, queueID string) (queue.Audit, error)
	Waiting(ctx context.Context, sp models.ServicePoint) ([]models.WaitingPosition, error)
	ActiveCalls(ctx context.Context, sp models.ServicePoint) ([]models.ActiveCall, error)
	ActiveCall(ctx context.Context, sp models.ServicePoint, counter int) (models.ActiveCall, bool, error)
	Ping(ctx context.Context) error
}

type Handler struct {
	svc      QueueService
	realtime http.Handler
	logger   zerolog.Logger
}

type Options struct {
	// Realtime is mounted under /realtime/ when set.
	Realtime http.Handler
	Logger   zerolog.Logger
}

type enqueueRequest struct {
	PatientID    string `json:"patient_id"`
	ServicePoint string `json:"service_point"`
	Priority     string `json:"priority"`
	Notes        string `json:"notes"`
}

type updateRequest struct {
	Notes    *string `json:"notes"`
	Priority *string `json:"priority"`
}

type transferRequest struct {
	ToServicePoint string `json:"to_service_point"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

func NewHandler(svc QueueService, options Options) *Handler {
	return &Handler{
		svc:      svc,
		realtime: options.Realtime,
		logger:   options.Logger,
	}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/queue-entries", h.handleQueueEntries)
	mux.HandleFunc("/api/queue-entries/", h.handleQueueEntry)
	mux.HandleFunc("/api/service-points/", h.handleServicePoint)
	if h.realtime != nil {
		mux.Handle("/realtime/", h.realtime)
	}
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := h.svc.Ping(r.Context()); err != nil {
		h.writeServiceError(w, r, store.Unavailable(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleQueueEntries(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handleEnqueue(w, r)
	case http.MethodGet:
		h.handleList(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	req.PatientID = strings.TrimSpace(req.PatientID)
	req.ServicePoint = strings.TrimSpace(req.ServicePoint)
	req.Priority = strings.TrimSpace(req.Priority)
	req.Notes = strings.TrimSpace(req.Notes)

	if req.PatientID == "" || req.ServicePoint == "" {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", "patient_id and service_point are required")
		return
	}
	sp, ok := models.ParseServicePoint(req.ServicePoint)
	if !ok {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", "unknown service_point")
		return
	}
	priority := models.PriorityNormal
	if req.Priority != "" {
		if priority, ok = models.ParsePriority(req.Priority); !ok {
			writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", "priority must be emergency, urgent or normal")
			return
		}
	}

	entry, err := h.svc.Enqueue(r.Context(), queue.EnqueueInput{
		PatientID:    req.PatientID,
		ServicePoint: sp,
		Priority:     priority,
		Notes:        req.Notes,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var filter store.ListFilter
	if raw := strings.TrimSpace(query.Get("service_point")); raw != "" {
		sp, ok := models.ParseServicePoint(raw)
		if !ok {
			writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", "unknown service_point")
			return
		}
		filter.ServicePoint = sp
	}
	for _, raw := range splitList(query.Get("status")) {
		status, ok := models.ParseStatus(raw)
		if !ok {
			writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", "unknown status "+strconv.Quote(raw))
			return
		}
		filter.Statuses = append(filter.Statuses, status)
	}
	if raw := strings.TrimSpace(query.Get("date")); raw != "" {
		if !isValidDate(raw) {
			writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", "date must be YYYY-MM-DD")
			return
		}
		filter.Day = raw
	}

	entries, err := h.svc.List(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if entries == nil {
		entries = []models.QueueEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleQueueEntry serves /api/queue-entries/{id}, /{id}/events, /{id}/audit
// and /{id}/actions/{action}.
func (h *Handler) handleQueueEntry(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/queue-entries/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	queueID := strings.TrimSpace(parts[0])
	if queueID == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch {
	case len(parts) == 1:
		switch r.Method {
		case http.MethodGet:
			h.handleGet(w, r, queueID)
		case http.MethodPatch:
			h.handleUpdate(w, r, queueID)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	case len(parts) == 2 && parts[1] == "events":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleEvents(w, r, queueID)
	case len(parts) == 2 && parts[1] == "audit":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleAudit(w, r, queueID)
	case len(parts) == 3 && parts[1] == "actions":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleAction(w, r, queueID, parts[2])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request, queueID string) {
	entry, err := h.svc.Get(r.Context(), queueID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request, queueID string) {
	var req updateRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	var patch store.EntryPatch
	if req.Notes != nil {
		notes := strings.TrimSpace(*req.Notes)
		patch.Notes = &notes
	}
	if req.Priority != nil {
		priority, ok := models.ParsePriority(strings.TrimSpace(*req.Priority))
		if !ok {
			writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", "priority must be emergency, urgent or normal")
			return
		}
		patch.Priority = &priority
	}
	if patch.Notes == nil && patch.Priority == nil {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", "notes or priority is required")
		return
	}

	entry, err := h.svc.UpdateEntry(r.Context(), queueID, patch)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request, queueID string) {
	events, err := h.svc.History(r.Context(), queueID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if events == nil {
		events = []store.EntryEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) handleAudit(w http.ResponseWriter, r *http.Request, queueID string) {
	audit, err := h.svc.Audit(r.Context(), queueID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, audit)
}

func (h *Handler) handleAction(w http.ResponseWriter, r *http.Request, queueID, name string) {
	if name == "transfer" {
		h.handleTransfer(w, r, queueID)
		return
	}
	action, ok := store.ParseAction(name)
	if !ok || action == store.ActionCall {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	entry, err := h.svc.Apply(r.Context(), queueID, action)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) handleTransfer(w http.ResponseWriter, r *http.Request, queueID string) {
	var req transferRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	destination, ok := models.ParseServicePoint(strings.TrimSpace(req.ToServicePoint))
	if !ok {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", "to_service_point must be a known service point")
		return
	}
	result, err := h.svc.Transfer(r.Context(), queueID, destination)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleServicePoint serves /api/service-points/{sp}/call-next, /waiting,
// /active-calls and /counters/{n}.
func (h *Handler) handleServicePoint(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/service-points/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 2 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	sp, ok := models.ParseServicePoint(parts[0])
	if !ok {
		writeError(w, requestID(r), http.StatusNotFound, "service_point_not_found", "unknown service point")
		return
	}

	switch {
	case len(parts) == 2 && parts[1] == "call-next":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleCallNext(w, r, sp)
	case len(parts) == 2 && parts[1] == "waiting":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleWaiting(w, r, sp)
	case len(parts) == 2 && parts[1] == "active-calls":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleActiveCalls(w, r, sp)
	case len(parts) == 3 && parts[1] == "counters":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		counter, err := strconv.Atoi(parts[2])
		if err != nil || counter < 1 {
			writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", "counter must be a positive integer")
			return
		}
		h.handleCounter(w, r, sp, counter)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleCallNext(w http.ResponseWriter, r *http.Request, sp models.ServicePoint) {
	entry, err := h.svc.CallNext(r.Context(), sp)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) handleWaiting(w http.ResponseWriter, r *http.Request, sp models.ServicePoint) {
	positions, err := h.svc.Waiting(r.Context(), sp)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, positions)
}

func (h *Handler) handleActiveCalls(w http.ResponseWriter, r *http.Request, sp models.ServicePoint) {
	calls, err := h.svc.ActiveCalls(r.Context(), sp)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if calls == nil {
		calls = []models.ActiveCall{}
	}
	writeJSON(w, http.StatusOK, calls)
}

func (h *Handler) handleCounter(w http.ResponseWriter, r *http.Request, sp models.ServicePoint, counter int) {
	call, ok, err := h.svc.ActiveCall(r.Context(), sp, counter)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, call)
}

func decodeRequest(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func splitList(raw string) []string {
	var values []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			values = append(values, part)
		}
	}
	return values
}

func isValidDate(value string) bool {
	_, err := time.Parse("2006-01-02", value)
	return err == nil
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, queue.ErrValidation):
		return http.StatusBadRequest, "invalid_request", err.Error()
	case errors.Is(err, store.ErrUnknownAction):
		return http.StatusBadRequest, "invalid_request", "unknown action"
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "entry_not_found", "queue entry not found"
	case errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition", "already handled by another terminal"
	case errors.Is(err, store.ErrNoWaitingEntries):
		return http.StatusConflict, "queue_empty", "no waiting entries"
	case errors.Is(err, store.ErrNotEditable):
		return http.StatusConflict, "not_editable", "priority can only change while waiting"
	case errors.Is(err, store.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "store_unavailable", "queue store unavailable, retry shortly"
	case errors.Is(err, store.ErrDuplicateTicket):
		return http.StatusInternalServerError, "duplicate_ticket", "ticket number already issued"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := mapError(err)
	resp := errorResponse{
		RequestID: requestID(r),
		Error:     responseError{Code: code, Message: msg},
	}
	var transitionErr *store.InvalidTransitionError
	if errors.As(err, &transitionErr) {
		resp.Error.Details = map[string]string{
			"queue_id":  transitionErr.QueueID,
			"current":   string(transitionErr.Current),
			"requested": string(transitionErr.Requested),
		}
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("request_id", resp.RequestID).Str("path", r.URL.Path).Msg("request failed")
	}
	writeJSON(w, status, resp)
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
