package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/davidahmann/docflow/internal/access"
	"github.com/davidahmann/docflow/internal/auth"
	"github.com/davidahmann/docflow/internal/directory"
	"github.com/davidahmann/docflow/internal/ledger"
	"github.com/davidahmann/docflow/internal/metrics"
	"github.com/davidahmann/docflow/internal/policy"
	"github.com/davidahmann/docflow/internal/workflow"
	"github.com/davidahmann/docflow/pkg/types"
)

var testTokens = map[string]string{
	"tok-author": "b1-user",
	"tok-mgr":    "b1-mgr",
	"tok-dir":    "b1-dir",
	"tok-admin":  "hq-admin",
	"tok-b2":     "b2-mgr",
}

type testServer struct {
	router  http.Handler
	metrics *metrics.Metrics
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return newTestServerWith(t, nil)
}

// newTestServerWith lets configure adjust the handler before the router is built.
func newTestServerWith(t *testing.T, configure func(*Handler)) *testServer {
	t.Helper()

	dir, err := directory.NewStatic(
		[]types.Branch{
			{Code: "HQ", Headquarters: true},
			{Code: "B1"},
			{Code: "B2"},
		},
		[]types.User{
			{ID: "hq-admin", BranchCode: "HQ", Roles: []string{types.RoleAdmin}, Active: true},
			{ID: "b1-user", BranchCode: "B1", Roles: []string{types.RoleUser}, Active: true},
			{ID: "b1-mgr", BranchCode: "B1", Roles: []string{types.RoleManager}, Active: true},
			{ID: "b1-dir", BranchCode: "B1", Roles: []string{types.RoleDirector}, Active: true},
			{ID: "b2-mgr", BranchCode: "B2", Roles: []string{types.RoleManager}, Active: true},
		},
	)
	if err != nil {
		t.Fatalf("directory: %v", err)
	}

	now := func() time.Time { return time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC) }
	acc := access.NewEvaluator()
	acc.Location = time.UTC
	acc.Now = now

	engine := workflow.New(ledger.NewInMemoryStore(), dir, policy.NewEngine(dir, policy.DefaultTiers().Tiers), acc)
	engine.Now = now

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	h := &Handler{
		Auth:     auth.NewStaticTokens(testTokens),
		Engine:   engine,
		Metrics:  m,
		Gatherer: reg,
		Idem:     NewInMemoryIdemStore(),
	}
	if configure != nil {
		configure(h)
	}
	return &testServer{router: NewRouter(h), metrics: m}
}

// do sends a JSON request and decodes a JSON response into out when non-nil.
func (s *testServer) do(t *testing.T, method, path, token string, body any, out any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res := httptest.NewRecorder()
	s.router.ServeHTTP(res, req)
	if out != nil {
		if err := json.Unmarshal(res.Body.Bytes(), out); err != nil {
			t.Fatalf("decode %s %s (%d): %v: %s", method, path, res.Code, err, res.Body.String())
		}
	}
	return res
}

func expectStatus(t *testing.T, res *httptest.ResponseRecorder, want int) {
	t.Helper()
	if res.Code != want {
		t.Fatalf("expected %d, got %d: %s", want, res.Code, res.Body.String())
	}
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func expectError(t *testing.T, res *httptest.ResponseRecorder, status int, kind string) {
	t.Helper()
	expectStatus(t, res, status)
	var body errorBody
	if err := json.Unmarshal(res.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Kind != kind || body.Error == "" {
		t.Fatalf("expected kind %s, got %+v", kind, body)
	}
}

// pendingDocument creates d1 with a SEQUENTIAL line and submits it.
func (s *testServer) pendingDocument(t *testing.T) []types.ApprovalStep {
	t.Helper()
	expectStatus(t, s.do(t, http.MethodPost, "/v1/documents", "tok-author", map[string]any{
		"id": "d1", "title": "Budget request", "amount": 500000,
	}, nil), http.StatusCreated)

	var created struct {
		Lines []types.ApprovalLine `json:"lines"`
	}
	expectStatus(t, s.do(t, http.MethodPost, "/v1/documents/d1/approval-lines", "tok-author", map[string]any{
		"policyName": "SEQUENTIAL",
	}, &created), http.StatusCreated)
	if len(created.Lines) != 1 || len(created.Lines[0].Steps) != 2 {
		t.Fatalf("unexpected lines: %+v", created.Lines)
	}

	expectStatus(t, s.do(t, http.MethodPost, "/v1/documents/d1/submit", "tok-author", nil, nil), http.StatusOK)
	return created.Lines[0].Steps
}

func (s *testServer) doWithHeader(t *testing.T, method, path, token, header, value string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return s.doFrom(t, "", method, path, token, header, value, body)
}

// doFrom sends a JSON request from remoteAddr (httptest's default when empty)
// with one extra header.
func (s *testServer) doFrom(t *testing.T, remoteAddr, method, path, token, header, value string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		t.Fatalf("encode: %v", err)
	}
	req := httptest.NewRequest(method, path, &buf)
	if remoteAddr != "" {
		req.RemoteAddr = remoteAddr
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if header != "" {
		req.Header.Set(header, value)
	}
	res := httptest.NewRecorder()
	s.router.ServeHTTP(res, req)
	return res
}

func decodeInto(t *testing.T, res *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(res.Body.Bytes(), out); err != nil {
		t.Fatalf("decode: %v: %s", err, res.Body.String())
	}
}
