package sandbox

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeSandboxAPI struct {
	mu       sync.Mutex
	files    map[string]string
	commands []commandRequest
	deleted  []string
}

func (f *fakeSandboxAPI) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sandboxes", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		var req createRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 120, req.TimeoutSeconds)
		_ = json.NewEncoder(w).Encode(sandboxInfo{ID: "sb-1"})
	})
	mux.HandleFunc("GET /sandboxes/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "sb-1" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(sandboxInfo{ID: "sb-1"})
	})
	mux.HandleFunc("PUT /sandboxes/{id}/files", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.files[r.URL.Query().Get("path")] = string(body)
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /sandboxes/{id}/commands", func(w http.ResponseWriter, r *http.Request) {
		var req commandRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.mu.Lock()
		f.commands = append(f.commands, req)
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(CommandResult{ExitCode: 0, Stdout: "done"})
	})
	mux.HandleFunc("DELETE /sandboxes/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.deleted = append(f.deleted, r.PathValue("id"))
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func TestHTTPProvider_Lifecycle(t *testing.T) {
	api := &fakeSandboxAPI{files: map[string]string{}}
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()

	p, err := NewHTTPProvider(HTTPConfig{BaseURL: srv.URL + "/", APIKey: "key", Timeout: 5 * time.Second}, zaptest.NewLogger(t))
	require.NoError(t, err)
	ctx := context.Background()

	h, err := p.Create(ctx, CreateOptions{Image: "img", Timeout: 2 * time.Minute})
	require.NoError(t, err)
	assert.Equal(t, "sb-1", h.ID())

	require.NoError(t, h.WriteFile(ctx, "/tmp/x y.json", []byte(`{"a":1}`)))
	res, err := h.RunCommand(ctx, "ls", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "done", res.Stdout)
	require.NoError(t, h.StartDetached(ctx, "run.sh", "/tmp/log"))
	require.NoError(t, h.Kill(ctx))

	assert.Equal(t, `{"a":1}`, api.files["/tmp/x y.json"])
	require.Len(t, api.commands, 2)
	assert.False(t, api.commands[0].Background)
	assert.True(t, api.commands[1].Background)
	assert.Equal(t, "/tmp/log", api.commands[1].LogPath)
	assert.Equal(t, []string{"sb-1"}, api.deleted)
}

func TestHTTPProvider_ConnectNotFound(t *testing.T) {
	api := &fakeSandboxAPI{files: map[string]string{}}
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()

	p, err := NewHTTPProvider(HTTPConfig{BaseURL: srv.URL, APIKey: "key"}, nil)
	require.NoError(t, err)
	_, err = p.Connect(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = NewHTTPProvider(HTTPConfig{}, nil)
	assert.Error(t, err)
}
