package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/drfirst/go-pharmatrace/internal/ledger"
)

func TestAPIKeyAuth(t *testing.T) {
	keys := map[string]ledger.Identity{"mfg-key": "0xMFG"}
	var seen ledger.Identity
	h := APIKeyAuth(keys)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequester(r.Context())
	}))

	tests := []struct {
		name   string
		header string
		value  string
		code   int
		want   ledger.Identity
		errMsg string
	}{
		{"x-api-key", "X-API-Key", "mfg-key", http.StatusOK, "0xMFG", ""},
		{"bearer", "Authorization", "Bearer mfg-key", http.StatusOK, "0xMFG", ""},
		{"missing", "", "", http.StatusUnauthorized, "", "missing API key"},
		{"unknown", "X-API-Key", "nope", http.StatusUnauthorized, "", "invalid API key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = ""
			req := httptest.NewRequest(http.MethodGet, "/api/name", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, tt.want, seen)
			if tt.errMsg != "" {
				assert.JSONEq(t, `{"error":"`+tt.errMsg+`"}`, rec.Body.String())
			}
		})
	}
}

func TestRequestID(t *testing.T) {
	var id string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id = GetRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, id)
	assert.Equal(t, id, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc")
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "abc", id)
}

func TestRecover(t *testing.T) {
	h := Recover(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"internal server error"}`, rec.Body.String())
}

func TestCORS_Preflight(t *testing.T) {
	called := false
	h := CORS(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/create_batch", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, called)
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "Idempotency-Key")
}
