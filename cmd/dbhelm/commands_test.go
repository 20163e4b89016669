package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorded struct {
	Method string
	Path   string
	Query  string
	Body   map[string]any
}

// apiStub answers every route with a canned success and records requests.
type apiStub struct {
	mu    sync.Mutex
	calls []recorded
	data  map[string]any
}

func (s *apiStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rec := recorded{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery}
	if b, _ := io.ReadAll(r.Body); len(b) > 0 {
		_ = json.Unmarshal(b, &rec.Body)
	}
	s.mu.Lock()
	s.calls = append(s.calls, rec)
	s.mu.Unlock()

	key := r.Method + " " + r.URL.Path
	data, ok := s.data[key]
	if !ok && r.Method == http.MethodGet && r.URL.Path == "/api/instances" {
		data, ok = []any{}, true
	}
	w.Header().Set("Content-Type", "application/json")
	if !ok && r.Method == http.MethodGet {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error": "instance not found"})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "data": data})
}

func (s *apiStub) last() recorded {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[len(s.calls)-1]
}

func runCLI(t *testing.T, stub *apiStub, args ...string) (string, error) {
	t.Helper()
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)
	root := buildRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--api-url", srv.URL + "/api"}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestAddCommandSendsFlags(t *testing.T) {
	stub := &apiStub{data: map[string]any{
		"POST /api/instances": map[string]any{"id": "abc", "name": "pg", "port": 5433},
	}}
	out, err := runCLI(t, stub, "add", "--name", "pg", "--engine", "postgresql", "--port", "5433", "--password", "pw")
	require.NoError(t, err)
	assert.Contains(t, out, "added pg (abc) on port 5433")

	call := stub.last()
	assert.Equal(t, "/api/instances", call.Path)
	assert.Equal(t, "postgresql", call.Body["engineType"])
	assert.Equal(t, "pw", call.Body["password"])
	assert.EqualValues(t, 5433, call.Body["port"])
}

func TestAddCommandRequiresFlags(t *testing.T) {
	_, err := runCLI(t, &apiStub{}, "add", "--name", "pg")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
}

func TestUpdateSendsOnlyChangedFields(t *testing.T) {
	stub := &apiStub{data: map[string]any{"PATCH /api/instances/pg": map[string]any{"id": "abc"}}}
	_, err := runCLI(t, stub, "update", "pg", "--port", "6000")
	require.NoError(t, err)
	call := stub.last()
	assert.Equal(t, http.MethodPatch, call.Method)
	assert.Equal(t, map[string]any{"port": float64(6000)}, call.Body)
}

func TestLifecycleCommands(t *testing.T) {
	stub := &apiStub{data: map[string]any{
		"GET /api/instances/pg/status": map[string]any{"id": "pg", "status": "running"},
	}}
	out, err := runCLI(t, stub, "start", "pg")
	require.NoError(t, err)
	assert.Contains(t, out, "started pg")
	assert.Equal(t, "/api/instances/pg/start", stub.last().Path)

	out, err = runCLI(t, stub, "status", "pg", "--verify")
	require.NoError(t, err)
	assert.Equal(t, "running", strings.TrimSpace(out))
	assert.Equal(t, "verify=1", stub.last().Query)

	_, err = runCLI(t, stub, "get", "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "instance not found")
}

func TestPortCommands(t *testing.T) {
	stub := &apiStub{data: map[string]any{
		"GET /api/ports/find":   map[string]any{"port": 5434},
		"GET /api/ports/banned": []int{6379, 27017},
	}}
	out, err := runCLI(t, stub, "port", "find", "5432", "--max", "10")
	require.NoError(t, err)
	assert.Equal(t, "5434", strings.TrimSpace(out))
	assert.Contains(t, stub.last().Query, "max=10")

	out, err = runCLI(t, stub, "port", "banned")
	require.NoError(t, err)
	assert.Equal(t, "6379\n27017\n", out)

	_, err = runCLI(t, stub, "port", "ban", "99999")
	require.Error(t, err)

	_, err = runCLI(t, stub, "port", "ban", "6380")
	require.NoError(t, err)
	assert.Equal(t, "port=6380", stub.last().Query)
}

func TestHelperActionCommand(t *testing.T) {
	stub := &apiStub{data: map[string]any{"POST /api/helper/install": map[string]any{"installed": true}}}
	out, err := runCLI(t, stub, "helper", "install")
	require.NoError(t, err)
	assert.Contains(t, out, `"installed": true`)
}

func TestUnreachableServer(t *testing.T) {
	root := buildRoot()
	root.SetOut(io.Discard)
	root.SetArgs([]string{"--api-url", "http://127.0.0.1:1/api", "list"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not reachable")
}
