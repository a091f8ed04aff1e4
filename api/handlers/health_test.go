package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newHealthMux(t *testing.T, checks ...HealthCheck) *http.ServeMux {
	h := NewHealthHandler(VersionInfo{Version: "1.2.3", GitCommit: "abc"}, zaptest.NewLogger(t))
	for _, c := range checks {
		h.RegisterCheck(c)
	}
	mux := http.NewServeMux()
	h.Register(mux)
	return mux
}

func TestHealthHandler_Liveness(t *testing.T) {
	mux := newHealthMux(t, CheckFunc{CheckName: "db", Fn: func(context.Context) error { return errors.New("down") }})

	for _, path := range []string{"/health", "/healthz"} {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}

func TestHealthHandler_Ready(t *testing.T) {
	tests := []struct {
		name       string
		dbErr      error
		wantStatus int
		want       string
	}{
		{"all pass", nil, http.StatusOK, "healthy"},
		{"db fails", errors.New("connection refused"), http.StatusServiceUnavailable, "unhealthy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := newHealthMux(t,
				CheckFunc{CheckName: "database", Fn: func(context.Context) error { return tt.dbErr }},
				CheckFunc{CheckName: "redis", Fn: func(context.Context) error { return nil }},
			)
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

			assert.Equal(t, tt.wantStatus, w.Code)
			var status HealthStatus
			require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
			assert.Equal(t, tt.want, status.Status)
			assert.Equal(t, "pass", status.Checks["redis"].Status)
			if tt.dbErr != nil {
				assert.Equal(t, "fail", status.Checks["database"].Status)
				assert.Equal(t, "connection refused", status.Checks["database"].Message)
			}
		})
	}
}

func TestHealthHandler_Version(t *testing.T) {
	mux := newHealthMux(t)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/version", nil))

	var info VersionInfo
	resp := decodeResponse(t, w, &info)
	assert.True(t, resp.Success)
	assert.Equal(t, "1.2.3", info.Version)
	assert.Equal(t, "abc", info.GitCommit)
}

func TestHealthHandler_MethodNotAllowed(t *testing.T) {
	mux := newHealthMux(t)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
