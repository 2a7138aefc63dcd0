package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohammad-safakhou/rivet/internal/agent/core"
	"github.com/mohammad-safakhou/rivet/internal/coverage"
	"github.com/mohammad-safakhou/rivet/internal/flow"
	"github.com/mohammad-safakhou/rivet/internal/store"
)

var secret = []byte("test-secret")

type fakeRouter struct{ got core.Query }

func (f *fakeRouter) Route(_ context.Context, q core.Query) core.RivetResponse {
	f.got = q
	return core.RivetResponse{ID: q.ID, Text: "answer", Route: coverage.RouteDecision{Kind: coverage.StrongMatch}}
}

type fakeFlows struct {
	reply     flow.Reply
	err       error
	restarted bool
	cancelled bool
	lastText  string
}

func (f *fakeFlows) Start(context.Context, int64, int64, string) (flow.Reply, error) {
	return f.reply, f.err
}

func (f *fakeFlows) Restart(context.Context, int64, int64, string) (flow.Reply, error) {
	f.restarted = true
	return f.reply, f.err
}

func (f *fakeFlows) HandleInput(_ context.Context, _, _ int64, _ string, raw string) (flow.Reply, error) {
	f.lastText = raw
	return f.reply, f.err
}

func (f *fakeFlows) Cancel(context.Context, int64, int64, string) error {
	f.cancelled = true
	return f.err
}

type fakeSweeper struct {
	n   int
	err error
}

func (f fakeSweeper) SweepExpired(context.Context) (int, error) { return f.n, f.err }

type fakeMachines struct{}

func (fakeMachines) ListMachines(_ context.Context, userID int64) ([]store.Machine, error) {
	return []store.Machine{{ID: "m1", UserID: userID, Nickname: "Press 1"}}, nil
}

func newTestServer(t *testing.T, router Router, flows FlowEngine, sweeper Sweeper) http.Handler {
	t.Helper()
	s, err := New(Options{
		Router:   router,
		Flows:    flows,
		Sweeper:  sweeper,
		Machines: fakeMachines{},
		Metrics:  http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("# metrics")) }),
		Secret:   secret,
	})
	require.NoError(t, err)
	return s.Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string, scopes ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if scopes != nil {
		tok, err := SignJWT("telegram-adapter", secret, time.Minute, scopes...)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNewRequiresSecret(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestHealthAndMetricsArePublic(t *testing.T) {
	h := newTestServer(t, &fakeRouter{}, &fakeFlows{}, fakeSweeper{})
	rec := do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "# metrics")
}

func TestAPIRequiresToken(t *testing.T) {
	h := newTestServer(t, &fakeRouter{}, &fakeFlows{}, fakeSweeper{})
	rec := do(t, h, http.MethodPost, "/api/route", `{"text":"x"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/route", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRoute(t *testing.T) {
	router := &fakeRouter{}
	h := newTestServer(t, router, &fakeFlows{}, fakeSweeper{})
	rec := do(t, h, http.MethodPost, "/api/route", `{"text":"reset E42 fault","hints":{"manufacturer":"Grundfos"}}`, "route")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp core.RivetResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "answer", resp.Text)
	assert.NotEmpty(t, router.got.ID)
	assert.Equal(t, "Grundfos", router.got.Hints["manufacturer"])
	assert.False(t, router.got.ReceivedAt.IsZero())
}

func TestFlowStartAndRestart(t *testing.T) {
	flows := &fakeFlows{reply: flow.Reply{Prompt: "Nickname?", Step: "nickname"}}
	h := newTestServer(t, &fakeRouter{}, flows, fakeSweeper{})

	rec := do(t, h, http.MethodPost, "/api/flows/add_machine/start", `{"user_id":42,"chat_id":7}`, "flows")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp flowResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "nickname", resp.Reply.Step)
	assert.False(t, flows.restarted)

	rec = do(t, h, http.MethodPost, "/api/flows/add_machine/start", `{"user_id":42,"chat_id":7,"restart":true}`, "flows")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, flows.restarted)

	rec = do(t, h, http.MethodPost, "/api/flows/add_machine/start", `{"chat_id":7}`, "flows")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFlowInputErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"validation", &flow.ValidationError{Step: "nickname", Message: "too short"}, http.StatusUnprocessableEntity},
		{"conflict", &flow.ConflictError{Field: "nickname", Value: "Press 1"}, http.StatusConflict},
		{"no dialog", flow.ErrNoActiveDialog, http.StatusNotFound},
		{"unknown kind", flow.ErrUnknownKind, http.StatusNotFound},
		{"finalize failed", errors.New("db down"), http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			flows := &fakeFlows{reply: flow.Reply{Prompt: "try again", Step: "nickname"}, err: tc.err}
			h := newTestServer(t, &fakeRouter{}, flows, fakeSweeper{})
			rec := do(t, h, http.MethodPost, "/api/flows/add_machine/input", `{"user_id":42,"chat_id":7,"text":"P"}`, "flows")
			assert.Equal(t, tc.code, rec.Code)
			assert.Equal(t, "P", flows.lastText)
		})
	}
}

func TestFlowCancel(t *testing.T) {
	flows := &fakeFlows{}
	h := newTestServer(t, &fakeRouter{}, flows, fakeSweeper{})
	rec := do(t, h, http.MethodDelete, "/api/flows/add_machine?user_id=42&chat_id=7", "", "flows")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.True(t, flows.cancelled)
}

func TestSweepRequiresScope(t *testing.T) {
	h := newTestServer(t, &fakeRouter{}, &fakeFlows{}, fakeSweeper{n: 4})
	rec := do(t, h, http.MethodPost, "/api/maintenance/sweep", "", "route")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/maintenance/sweep", "", ScopeMaintenance)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"removed":4}`, rec.Body.String())
}

func TestSweepPartialFailure(t *testing.T) {
	h := newTestServer(t, &fakeRouter{}, &fakeFlows{}, fakeSweeper{n: 2, err: errors.New("secondary: disk I/O error")})
	rec := do(t, h, http.MethodPost, "/api/maintenance/sweep", "", ScopeMaintenance)
	require.Equal(t, http.StatusMultiStatus, rec.Code)
	assert.Contains(t, rec.Body.String(), `"removed":2`)
}

func TestListMachines(t *testing.T) {
	h := newTestServer(t, &fakeRouter{}, &fakeFlows{}, fakeSweeper{})
	rec := do(t, h, http.MethodGet, "/api/machines?user_id=42", "", "flows")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Press 1")

	rec = do(t, h, http.MethodGet, "/api/machines", "", "flows")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScopeListAcceptsArrayOrString(t *testing.T) {
	var fromArray, fromString scopeList
	require.NoError(t, json.Unmarshal([]byte(`["a", " ", "b"]`), &fromArray))
	require.NoError(t, json.Unmarshal([]byte(`"a  b"`), &fromString))
	assert.Equal(t, scopeList{"a", "b"}, fromArray)
	assert.Equal(t, scopeList{"a", "b"}, fromString)
	assert.Error(t, json.Unmarshal([]byte(`42`), &fromArray))
}

func TestExpiredTokenRejected(t *testing.T) {
	h := newTestServer(t, &fakeRouter{}, &fakeFlows{}, fakeSweeper{})
	tok, err := SignJWT("telegram-adapter", secret, -time.Minute)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/route", strings.NewReader(`{"text":"x"}`))
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
