package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caffeineduck/handoff/abi"
	"github.com/caffeineduck/handoff/engine"
	"github.com/caffeineduck/handoff/host"
	"github.com/caffeineduck/handoff/memory"
)

func setupTestServer(t *testing.T, opts ...abi.Option) (http.Handler, *host.Library) {
	t.Helper()
	return setupServerOn(t, host.InProcess(abi.New(memory.NewLinear(1, 0), opts...)))
}

// setupNativeServer serves a callee running inside wazero, where a
// cancelled call can close the module.
func setupNativeServer(t *testing.T) (http.Handler, *host.Library) {
	t.Helper()
	rt, err := host.New()
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close() })

	exp, err := rt.Native(context.Background())
	require.NoError(t, err)
	return setupServerOn(t, exp)
}

func setupServerOn(t *testing.T, exp host.Exports) (http.Handler, *host.Library) {
	t.Helper()

	ctx := context.Background()
	reg := prometheus.NewRegistry()
	lib, err := host.NewLibrary(ctx, exp, host.WithMetrics(host.NewMetrics(reg)))
	require.NoError(t, err)
	reg.MustRegister(host.NewStatsCollector(lib, 0))
	t.Cleanup(func() { lib.Close(ctx) })

	return newServer(lib, log.NewNopLogger(), reg).routes(), lib
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, bytes.NewBufferString(body))
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func compileVia(t *testing.T, h http.Handler, expr string) uint32 {
	t.Helper()
	body, err := json.Marshal(compileRequest{Pattern: expr})
	require.NoError(t, err)

	w := do(t, h, http.MethodPost, "/patterns", string(body))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp compileResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.NotZero(t, resp.Handle)
	return resp.Handle
}

func TestHealthEndpoint(t *testing.T) {
	h, _ := setupTestServer(t)

	w := do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
}

func TestCompileAndCount(t *testing.T) {
	h, _ := setupTestServer(t)
	handle := compileVia(t, h, "Twain")

	w := do(t, h, http.MethodPost, fmt.Sprintf("/patterns/%d/count", handle), `{"text":"Mark Twain. Twain!"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp countResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, 2, resp.Count)

	// the same handle answers repeatedly
	w = do(t, h, http.MethodPost, fmt.Sprintf("/patterns/%d/count", handle), `{"text":"no match here"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, 0, resp.Count)
}

func TestCompileInvalidPattern(t *testing.T) {
	h, lib := setupTestServer(t)

	w := do(t, h, http.MethodPost, "/patterns", `{"pattern":"("}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid pattern")

	w = do(t, h, http.MethodPost, "/patterns", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	st, err := lib.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, st.Patterns)
}

func TestDisposePattern(t *testing.T) {
	h, lib := setupTestServer(t)
	handle := compileVia(t, h, "[a-z]shing")
	path := fmt.Sprintf("/patterns/%d", handle)

	w := do(t, h, http.MethodDelete, path, "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, h, http.MethodDelete, path, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, h, http.MethodPost, path+"/count", `{"text":"fishing"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	st, err := lib.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, st.Patterns)
}

func TestUnknownHandle(t *testing.T) {
	h, _ := setupTestServer(t)

	w := do(t, h, http.MethodPost, "/patterns/12345/count", `{"text":"x"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, h, http.MethodPost, "/patterns/abc/count", `{"text":"x"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, h, http.MethodPost, "/patterns/99999999999/count", `{"text":"x"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStrlenEndpoint(t *testing.T) {
	h, _ := setupTestServer(t)

	w := do(t, h, http.MethodPost, "/strlen", `{"text":"Здравствуйте"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp lengthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, 12, resp.Length)
}

func TestPrependEndpoint(t *testing.T) {
	h, _ := setupTestServer(t)

	w := do(t, h, http.MethodPost, "/prepend", `{"text":"tester"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp prependResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "From Go: tester", resp.Text)

	w = do(t, h, http.MethodPost, "/prepend", `{"text":"a\u0000b"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatsEndpoint(t *testing.T) {
	h, _ := setupTestServer(t)
	compileVia(t, h, "Twain")

	w := do(t, h, http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp statsResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, 1, resp.Patterns)
	assert.Zero(t, resp.Targets)
	assert.GreaterOrEqual(t, resp.MemoryBytes, uint32(memory.PageSize))
}

func TestMetricsEndpoint(t *testing.T) {
	h, _ := setupTestServer(t)
	compileVia(t, h, "Twain")

	w := do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, "handoff_open_patterns 1")
	assert.True(t, strings.Contains(body, `export="compile_pattern"`), body)
}

func TestMethodNotAllowed(t *testing.T) {
	h, _ := setupTestServer(t)

	w := do(t, h, http.MethodGet, "/patterns", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestCancelledRequestKeepsCallee(t *testing.T) {
	h, lib := setupNativeServer(t)
	handle := compileVia(t, h, "Twain")
	path := fmt.Sprintf("/patterns/%d/count", handle)

	// the client is gone before the handler runs
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(`{"text":"Twain Twain"}`)).WithContext(ctx)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// later requests reach the same module and the same handle
	w = do(t, h, http.MethodPost, path, `{"text":"Mark Twain. Twain!"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp countResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, 2, resp.Count)

	w = do(t, h, http.MethodPost, "/strlen", `{"text":"tester"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	st, err := lib.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, st.Patterns)
}

func TestCountTimeoutIsUnprocessable(t *testing.T) {
	h, _ := setupTestServer(t, abi.WithEngine(engine.Backtrack{MatchTimeout: time.Millisecond}))
	handle := compileVia(t, h, "(a+)+b")
	path := fmt.Sprintf("/patterns/%d/count", handle)

	body, err := json.Marshal(textRequest{Text: "ab " + strings.Repeat("a", 40) + " ab"})
	require.NoError(t, err)
	w := do(t, h, http.MethodPost, path, string(body))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "match failed")

	w = do(t, h, http.MethodPost, path, `{"text":"aab"}`)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCloseReleasesServerPatterns(t *testing.T) {
	h, lib := setupTestServer(t)
	for _, expr := range []string{"a", "b", "c"} {
		compileVia(t, h, expr)
	}

	ctx := context.Background()
	st, err := lib.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Patterns)

	require.NoError(t, lib.Close(ctx))
	w := do(t, h, http.MethodPost, "/strlen", `{"text":"x"}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
