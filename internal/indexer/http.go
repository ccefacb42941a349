package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-pharmatrace/internal/archive"
	"github.com/drfirst/go-pharmatrace/internal/holdings"
	"github.com/drfirst/go-pharmatrace/internal/ledger"
)

// PositionReader reads the projected state of a batch
type PositionReader interface {
	Position(ctx context.Context, batchID string) (holdings.Position, bool, error)
}

// DocumentReader reads an archived audit document
type DocumentReader interface {
	Fetch(ctx context.Context, batchID string, sequence uint64) (archive.Document, error)
}

// ReadHandler serves the indexer's read models for operators. documents is optional.
type ReadHandler struct {
	positions PositionReader
	documents DocumentReader
	logger    *zap.Logger
}

// NewReadHandler creates the read handler
func NewReadHandler(positions PositionReader, documents DocumentReader, logger *zap.Logger) *ReadHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReadHandler{positions: positions, documents: documents, logger: logger}
}

// Routes returns the read routes
func (h *ReadHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/positions/{batchID}", h.GetPosition)
	r.Get("/archive/{batchID}/{sequence}", h.GetArchive)
	return r
}

// GetPosition handles GET /positions/{batchID}
func (h *ReadHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")
	pos, found, err := h.positions.Position(r.Context(), batchID)
	if err != nil {
		h.logger.Error("Position lookup failed", zap.String("batch_id", batchID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "batch not projected"})
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// GetArchive handles GET /archive/{batchID}/{sequence}
func (h *ReadHandler) GetArchive(w http.ResponseWriter, r *http.Request) {
	if h.documents == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "archive is not configured"})
		return
	}
	batchID := chi.URLParam(r, "batchID")
	seq, err := strconv.ParseUint(chi.URLParam(r, "sequence"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "sequence must be a non-negative integer"})
		return
	}

	doc, err := h.documents.Fetch(r.Context(), batchID, seq)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "archive not found"})
	case err != nil:
		h.logger.Error("Archive fetch failed", zap.String("batch_id", batchID), zap.Uint64("sequence", seq), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	default:
		writeJSON(w, http.StatusOK, doc)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
