// Package handlers provides HTTP handlers for the ledger API.
package handlers

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-pharmatrace/internal/api/middleware"
	"github.com/drfirst/go-pharmatrace/internal/ledger"
	"github.com/drfirst/go-pharmatrace/pkg/idempotency"
)

// ContractName is reported by GET /api/name
const ContractName = "PharmaTraceability"

const maxBodyBytes = 1 << 20

// HoldingsReader lists the batches held by an owner
type HoldingsReader interface {
	Holdings(ctx context.Context, owner ledger.Identity) ([]string, error)
}

// HoldingsFunc adapts an owner lookup, such as postgres.Store.BatchesByOwner, to HoldingsReader
type HoldingsFunc func(ctx context.Context, owner ledger.Identity) ([]string, error)

// Holdings calls f(ctx, owner)
func (f HoldingsFunc) Holdings(ctx context.Context, owner ledger.Identity) ([]string, error) {
	return f(ctx, owner)
}

// Idempotency replays the stored result of a request seen before
type Idempotency interface {
	Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error)
}

// LedgerHandler serves the custody ledger operations
type LedgerHandler struct {
	engine   *ledger.Engine
	query    *ledger.Query
	holdings HoldingsReader
	inbox    Idempotency
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewLedgerHandler creates a new handler. holdings and inbox are optional.
func NewLedgerHandler(engine *ledger.Engine, query *ledger.Query, holdings HoldingsReader, inbox Idempotency, logger *zap.Logger) *LedgerHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LedgerHandler{
		engine:   engine,
		query:    query,
		holdings: holdings,
		inbox:    inbox,
		logger:   logger,
		tracer:   otel.Tracer("ledger-handler"),
	}
}

// Routes returns the handler routes
func (h *LedgerHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/name", h.Name)
	r.Post("/create_batch", h.CreateBatch)
	r.Post("/transfer_batch", h.TransferBatch)
	r.Post("/update_status", h.UpdateStatus)
	r.Get("/get_batch", h.GetBatch)
	r.Get("/get_history", h.GetHistory)
	r.Get("/verify_batch", h.VerifyBatch)
	r.Get("/holdings", h.Holdings)
	return r
}

// CreateRequest is the request body for creating a batch. Dates are unix seconds.
type CreateRequest struct {
	BatchID       string `json:"batch_id"`
	DrugName      string `json:"drug_name"`
	DosageForm    string `json:"dosage_form"`
	Strength      string `json:"strength"`
	Manufacturer  string `json:"manufacturer"`
	MfgDate       *int64 `json:"mfg_date"`
	ExpDate       *int64 `json:"exp_date"`
	FirstLocation string `json:"first_location"`
	Note          string `json:"note,omitempty"`
}

// TransferRequest is the request body for transferring a batch
type TransferRequest struct {
	BatchID  string `json:"batch_id"`
	To       string `json:"to"`
	Location string `json:"location"`
	Note     string `json:"note"`
}

// StatusRequest is the request body for changing a batch status (0 Active, 1 Recalled, 2 Dispensed)
type StatusRequest struct {
	BatchID string `json:"batch_id"`
	Status  *int   `json:"status"`
	Note    string `json:"note,omitempty"`
}

// BatchResponse is the dashboard view of a batch
type BatchResponse struct {
	BatchID      string `json:"batch_id"`
	DrugName     string `json:"drug_name"`
	DosageForm   string `json:"dosage_form"`
	Strength     string `json:"strength"`
	Manufacturer string `json:"manufacturer"`
	MfgDate      int64  `json:"mfg_date"`
	ExpDate      int64  `json:"exp_date"`
	CurrentOwner string `json:"current_owner"`
	Status       int    `json:"status"`
	StatusName   string `json:"status_name"`
	Exists       bool   `json:"exists"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
	BatchKey     string `json:"batch_key"`
	Fingerprint  string `json:"fingerprint"`
	HeadSequence uint64 `json:"head_sequence"`
	TxHash       string `json:"tx_hash"`
}

// HistoryRecord is one entry of GET /api/get_history
type HistoryRecord struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Timestamp int64  `json:"timestamp"`
	Location  string `json:"location"`
	Note      string `json:"note"`
	Sequence  uint64 `json:"sequence"`
	Kind      string `json:"kind"`
	Status    int    `json:"status"`
	PrevHash  string `json:"prev_hash"`
	TxHash    string `json:"tx_hash"`
}

// VerifyResponse reports the replay of a batch history
type VerifyResponse struct {
	ledger.Verification
	Error string `json:"error,omitempty"`
}

// Name handles GET /api/name
func (h *LedgerHandler) Name(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, http.StatusOK, map[string]string{"contract_name": ContractName})
}

// CreateBatch handles POST /api/create_batch
func (h *LedgerHandler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, string(ledger.OpCreate), func(ctx context.Context, requester ledger.Identity, body []byte) (int, any) {
		var req CreateRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return http.StatusBadRequest, errorBody("invalid request body")
		}
		ref, err := h.engine.CreateBatch(ctx, requester, ledger.CreateBatchRequest{
			BatchID:       req.BatchID,
			DrugName:      req.DrugName,
			DosageForm:    req.DosageForm,
			Strength:      req.Strength,
			Manufacturer:  req.Manufacturer,
			MfgDate:       unixTime(req.MfgDate),
			ExpDate:       unixTime(req.ExpDate),
			FirstLocation: req.FirstLocation,
			Note:          req.Note,
		})
		if err != nil {
			return h.errorResponse(ctx, w, err)
		}
		return http.StatusCreated, ref
	})
}

// TransferBatch handles POST /api/transfer_batch
func (h *LedgerHandler) TransferBatch(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, string(ledger.OpTransfer), func(ctx context.Context, requester ledger.Identity, body []byte) (int, any) {
		var req TransferRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return http.StatusBadRequest, errorBody("invalid request body")
		}
		ref, err := h.engine.TransferBatch(ctx, ledger.TransferRequest{
			BatchID:   req.BatchID,
			Requester: requester,
			To:        ledger.Identity(req.To),
			Location:  req.Location,
			Note:      req.Note,
		})
		if err != nil {
			return h.errorResponse(ctx, w, err)
		}
		return http.StatusOK, ref
	})
}

// UpdateStatus handles POST /api/update_status
func (h *LedgerHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, string(ledger.OpUpdateStatus), func(ctx context.Context, requester ledger.Identity, body []byte) (int, any) {
		var req StatusRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return http.StatusBadRequest, errorBody("invalid request body")
		}
		if req.Status == nil {
			return h.errorResponse(ctx, w, fmt.Errorf("%w: status", ledger.ErrMissingField))
		}
		status, err := ledger.ParseStatus(*req.Status)
		if err != nil {
			return h.errorResponse(ctx, w, err)
		}
		ref, err := h.engine.UpdateStatus(ctx, ledger.StatusRequest{
			BatchID:   req.BatchID,
			Requester: requester,
			Status:    status,
			Note:      req.Note,
		})
		if err != nil {
			return h.errorResponse(ctx, w, err)
		}
		return http.StatusOK, ref
	})
}

// GetBatch handles GET /api/get_batch?batch_id=
func (h *LedgerHandler) GetBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	batchID := r.URL.Query().Get("batch_id")
	if batchID == "" {
		h.writeError(ctx, w, fmt.Errorf("%w: batch_id", ledger.ErrMissingField))
		return
	}

	snap, err := h.query.GetBatch(ctx, batchID)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}

	h.jsonResponse(w, http.StatusOK, BatchResponse{
		BatchID:      snap.ID,
		DrugName:     snap.DrugName,
		DosageForm:   snap.DosageForm,
		Strength:     snap.Strength,
		Manufacturer: snap.Manufacturer,
		MfgDate:      snap.MfgDate.Unix(),
		ExpDate:      snap.ExpDate.Unix(),
		CurrentOwner: string(snap.CurrentOwner),
		Status:       int(snap.Status),
		StatusName:   snap.Status.String(),
		Exists:       true,
		CreatedAt:    snap.CreatedAt.Unix(),
		UpdatedAt:    snap.UpdatedAt.Unix(),
		BatchKey:     snap.BatchKey.Hex(),
		Fingerprint:  snap.Fingerprint.Hex(),
		HeadSequence: snap.HeadSequence,
		TxHash:       snap.HeadHash.Hex(),
	})
}

// GetHistory handles GET /api/get_history?batch_id=
func (h *LedgerHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	batchID := r.URL.Query().Get("batch_id")
	if batchID == "" {
		h.writeError(ctx, w, fmt.Errorf("%w: batch_id", ledger.ErrMissingField))
		return
	}

	seq, err := h.query.GetHistory(ctx, batchID)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}

	records := []HistoryRecord{}
	for ev, err := range seq {
		if err != nil {
			h.writeError(ctx, w, err)
			return
		}
		records = append(records, HistoryRecord{
			From:      string(ev.From),
			To:        string(ev.To),
			Timestamp: ev.Timestamp.Unix(),
			Location:  ev.Location,
			Note:      ev.Note,
			Sequence:  ev.Sequence,
			Kind:      string(ev.Kind),
			Status:    int(ev.Status),
			PrevHash:  ev.PrevHash.Hex(),
			TxHash:    ev.Hash.Hex(),
		})
	}
	h.jsonResponse(w, http.StatusOK, records)
}

// VerifyBatch handles GET /api/verify_batch?batch_id=
func (h *LedgerHandler) VerifyBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	batchID := r.URL.Query().Get("batch_id")
	if batchID == "" {
		h.writeError(ctx, w, fmt.Errorf("%w: batch_id", ledger.ErrMissingField))
		return
	}

	report, err := h.query.Verify(ctx, batchID)
	switch {
	case err == nil:
		h.jsonResponse(w, http.StatusOK, VerifyResponse{Verification: report})
	case errors.Is(err, ledger.ErrTampered):
		h.logger.Warn("Custody history failed verification",
			zap.String("batch_id", batchID),
			zap.Error(err))
		report.Valid = false
		h.jsonResponse(w, http.StatusOK, VerifyResponse{Verification: report, Error: err.Error()})
	default:
		h.writeError(ctx, w, err)
	}
}

// Holdings handles GET /api/holdings?owner=; owner defaults to the caller
func (h *LedgerHandler) Holdings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.holdings == nil {
		h.jsonResponse(w, http.StatusNotFound, errorBody("holdings index is not configured"))
		return
	}
	owner := ledger.Identity(r.URL.Query().Get("owner"))
	if owner == "" {
		owner = middleware.GetRequester(ctx)
	}

	ids, err := h.holdings.Holdings(ctx, owner)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	h.jsonResponse(w, http.StatusOK, map[string]any{"owner": owner, "batch_ids": ids})
}

// mutation runs one ledger operation and returns the HTTP status and body
type mutation func(ctx context.Context, requester ledger.Identity, body []byte) (int, any)

// storedResponse is what the idempotency inbox keeps for a finished request
type storedResponse struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// errRetryable keeps an inbox entry reprocessable when the operation failed transiently
var errRetryable = errors.New("retryable failure")

func (h *LedgerHandler) mutate(w http.ResponseWriter, r *http.Request, route string, fn mutation) {
	ctx, span := h.tracer.Start(r.Context(), route)
	defer span.End()

	requester := middleware.GetRequester(ctx)
	if requester == "" {
		h.jsonResponse(w, http.StatusUnauthorized, errorBody("missing requester identity"))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.jsonResponse(w, http.StatusBadRequest, errorBody("invalid request body"))
		return
	}

	clientKey := r.Header.Get("Idempotency-Key")
	if clientKey == "" || h.inbox == nil {
		status, resp := fn(ctx, requester, body)
		h.jsonResponse(w, status, resp)
		return
	}
	span.SetAttributes(attribute.Bool("idempotent", true))

	sum := sha256.Sum256(bytes.TrimSpace(body))
	payload, _ := json.Marshal(map[string]string{"request_sha256": hex.EncodeToString(sum[:])})
	key := idempotency.GenerateKey(string(requester), route, clientKey)

	var (
		ran    bool
		status int
		resp   any
	)
	result, err := h.inbox.Process(ctx, key, route, payload, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		ran = true
		status, resp = fn(ctx, requester, body)
		if status >= http.StatusInternalServerError {
			return nil, errRetryable
		}
		raw, err := json.Marshal(resp)
		if err != nil {
			return nil, err
		}
		return json.Marshal(storedResponse{Status: status, Body: raw})
	})

	switch {
	case ran:
		h.jsonResponse(w, status, resp)
	case err == nil:
		var stored storedResponse
		if jerr := json.Unmarshal(result.Result, &stored); jerr != nil {
			h.writeError(ctx, w, jerr)
			return
		}
		w.Header().Set("Idempotent-Replayed", "true")
		h.jsonResponse(w, stored.Status, stored.Body)
	case errors.Is(err, idempotency.ErrKeyReused):
		h.jsonResponse(w, http.StatusUnprocessableEntity, errorBody("idempotency key reused with a different request"))
	case errors.Is(err, idempotency.ErrMessageInProgress), errors.Is(err, idempotency.ErrDuplicateMessage):
		w.Header().Set("Retry-After", "1")
		h.jsonResponse(w, http.StatusConflict, errorBody("request with this idempotency key is in progress"))
	default:
		h.writeError(ctx, w, err)
	}
}

// errorResponse maps err to an HTTP status and body. Storage details are
// logged and never returned to the caller.
func (h *LedgerHandler) errorResponse(ctx context.Context, w http.ResponseWriter, err error) (int, any) {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound, errorBody(err.Error())
	case errors.Is(err, ledger.ErrUnauthorized):
		return http.StatusForbidden, errorBody(err.Error())
	case errors.Is(err, ledger.ErrAlreadyExists),
		errors.Is(err, ledger.ErrInvalidTransition),
		errors.Is(err, ledger.ErrBatchTerminal),
		errors.Is(err, ledger.ErrSameOwner):
		return http.StatusConflict, errorBody(err.Error())
	case errors.Is(err, ledger.ErrInvalidDates),
		errors.Is(err, ledger.ErrMissingField),
		errors.Is(err, ledger.ErrUnknownStatus):
		return http.StatusBadRequest, errorBody(err.Error())
	case errors.Is(err, ledger.ErrBusy):
		w.Header().Set("Retry-After", "1")
		return http.StatusServiceUnavailable, errorBody(ledger.ErrBusy.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, errorBody("request cancelled")
	default:
		h.logger.Error("Request failed",
			zap.String("request_id", middleware.GetRequestID(ctx)),
			zap.String("code", ledger.ErrorCode(err)),
			zap.Error(err))
		return http.StatusInternalServerError, errorBody("internal server error")
	}
}

func (h *LedgerHandler) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status, body := h.errorResponse(ctx, w, err)
	h.jsonResponse(w, status, body)
}

func (h *LedgerHandler) jsonResponse(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Debug("Failed to write response", zap.Error(err))
	}
}

func errorBody(message string) map[string]string {
	return map[string]string{"error": message}
}

// unixTime maps an absent date to the zero time; 0 is the epoch, not absent
func unixTime(v *int64) time.Time {
	if v == nil {
		return time.Time{}
	}
	return time.Unix(*v, 0).UTC()
}
