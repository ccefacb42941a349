package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-pharmatrace/internal/archive"
	"github.com/drfirst/go-pharmatrace/internal/ledger"
)

type staticDocuments map[string]archive.Document

func (s staticDocuments) Fetch(_ context.Context, batchID string, sequence uint64) (archive.Document, error) {
	if batchID == "BROKEN" {
		return archive.Document{}, errors.New("s3: connection reset")
	}
	doc, ok := s[archive.ObjectKey(batchID, sequence)]
	if !ok {
		return archive.Document{}, fmt.Errorf("%w: archive %s/%d", ledger.ErrNotFound, batchID, sequence)
	}
	return doc, nil
}

func get(t *testing.T, srv *httptest.Server, path string) (int, map[string]any) {
	t.Helper()
	res, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	defer res.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	return res.StatusCode, body
}

func TestReadHandler_Positions(t *testing.T) {
	_, projection, _, _, ix := setup(t)
	ctx := context.Background()
	for _, ev := range recalledChain("BATCH001") {
		require.NoError(t, ix.Handle(ctx, message(t, ev)))
	}

	srv := httptest.NewServer(NewReadHandler(projection, nil, nil).Routes())
	defer srv.Close()

	code, body := get(t, srv, "/positions/BATCH001")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "0xPHARM", body["owner"])
	assert.EqualValues(t, ledger.StatusRecalled, body["status"])
	assert.EqualValues(t, 2, body["sequence"])

	code, _ = get(t, srv, "/positions/NOPE")
	assert.Equal(t, http.StatusNotFound, code)

	code, body = get(t, srv, "/archive/BATCH001/2")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "archive is not configured", body["error"])
}

func TestReadHandler_Archive(t *testing.T) {
	_, projection, _, _, _ := setup(t)
	docs := staticDocuments{
		archive.ObjectKey("BATCH001", 2): {
			Batch:  ledger.BatchSnapshot{Batch: ledger.Batch{ID: "BATCH001", Status: ledger.StatusRecalled}},
			Events: recalledChain("BATCH001"),
		},
	}
	srv := httptest.NewServer(NewReadHandler(projection, docs, nil).Routes())
	defer srv.Close()

	tests := []struct {
		name string
		path string
		code int
	}{
		{"archived", "/archive/BATCH001/2", http.StatusOK},
		{"missing", "/archive/BATCH001/1", http.StatusNotFound},
		{"bad sequence", "/archive/BATCH001/-1", http.StatusBadRequest},
		{"store failure", "/archive/BROKEN/2", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := get(t, srv, tt.path)
			assert.Equal(t, tt.code, code)
			if tt.code == http.StatusOK {
				assert.Len(t, body["events"], 3)
			} else {
				assert.NotEmpty(t, body["error"])
			}
		})
	}
}
