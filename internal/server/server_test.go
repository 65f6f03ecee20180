package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-pricing/internal/auth"
	"github.com/kubilitics/kubilitics-pricing/internal/catalog"
	"github.com/kubilitics/kubilitics-pricing/internal/config"
	"github.com/kubilitics/kubilitics-pricing/internal/db"
	"github.com/kubilitics/kubilitics-pricing/internal/oracle"
	"github.com/kubilitics/kubilitics-pricing/internal/pipeline"
	"github.com/kubilitics/kubilitics-pricing/internal/pricing"
	"github.com/kubilitics/kubilitics-pricing/internal/tools"
	"github.com/kubilitics/kubilitics-pricing/internal/tracing"
)

// fixedOracle always proposes the same price.
type fixedOracle struct{ price float64 }

func (f fixedOracle) Name() string { return "fixed" }

func (f fixedOracle) Suggest(_ context.Context, _ string, _ []pricing.Product) (oracle.Suggestion, error) {
	p := f.price
	return oracle.Suggestion{Price: &p, Rationale: "fixed", Provider: "fixed"}, nil
}

type harness struct {
	server *Server
	agent  *pipeline.Agent
	hub    *Hub
	store  db.Store
	h      http.Handler
}

type harnessOpts struct {
	cfg    *config.Config
	issuer *auth.Issuer
	store  bool
	tools  bool
}

func newHarness(t *testing.T, o harnessOpts) *harness {
	t.Helper()
	cfg := o.cfg
	if cfg == nil {
		cfg = config.DefaultConfig()
		cfg.Server.RateLimitRPS = 0
	}
	cat, err := catalog.NewMemory([]pricing.Product{
		{
			ID: "SKU-C", Name: "Widget Classic", Cost: 40, CurrentPrice: 100,
			TargetMarginPercent: 30, StockLevel: 200, Elasticity: -1.5,
		},
	})
	require.NoError(t, err)

	hub := NewHub([]string{"*"}, nil)
	agentOpts := []pipeline.Option{
		pipeline.WithTracer(tracing.NoopTracer()),
		pipeline.WithSink(hub),
		pipeline.WithApprovalObserver(hub),
	}
	serverOpts := []Option{WithHub(hub)}

	var store db.Store
	if o.store {
		store, err = db.NewSQLiteStore(filepath.Join(t.TempDir(), "pricing.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		sink := db.NewSink(store, nil)
		agentOpts = append(agentOpts, pipeline.WithSink(sink), pipeline.WithApprovalObserver(sink))
		serverOpts = append(serverOpts, WithStore(store))
	}
	if o.issuer != nil {
		serverOpts = append(serverOpts, WithIssuer(o.issuer))
	}

	// A $10 proposal on a $100 item is clamped to $50 and needs a director.
	agent, err := pipeline.New(cfg, cat, fixedOracle{price: 10}, nil, agentOpts...)
	require.NoError(t, err)
	if o.tools {
		reg := tools.NewRegistry(nil, false)
		require.NoError(t, tools.RegisterPricingTools(reg, agent))
		serverOpts = append(serverOpts, WithTools(reg))
	}
	srv, err := New(cfg, agent, serverOpts...)
	require.NoError(t, err)
	t.Cleanup(hub.Close)
	return &harness{server: srv, agent: agent, hub: hub, store: store, h: srv.Handler()}
}

func (h *harness) do(t *testing.T, method, path string, body interface{}, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.h.ServeHTTP(w, req)
	return w
}

type recBody struct {
	ID                string   `json:"id"`
	Status            string   `json:"approval_status"`
	RiskLevel         string   `json:"risk_level"`
	ApprovalThreshold string   `json:"approval_threshold"`
	RecommendedPrice  *float64 `json:"recommended_price"`
	RejectedBy        string   `json:"rejected_by"`
	ApprovedBy        string   `json:"approved_by"`
	Expired           bool     `json:"expired"`
	Actionable        bool     `json:"actionable"`
}

func decodeRec(t *testing.T, w *httptest.ResponseRecorder) recBody {
	t.Helper()
	var rec recBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec), w.Body.String())
	return rec
}

func (h *harness) recommend(t *testing.T) recBody {
	t.Helper()
	w := h.do(t, http.MethodPost, "/api/v1/recommendations", RecommendRequest{
		Query:      "What price should SKU-C sell at?",
		ProductIDs: []string{"SKU-C"},
	}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return decodeRec(t, w)
}

func TestNewRequiresAgent(t *testing.T) {
	_, err := New(config.DefaultConfig(), nil)
	assert.ErrorIs(t, err, pipeline.ErrNotInitialized)
	_, err = New(nil, &pipeline.Agent{})
	assert.Error(t, err)
}

func TestHealthAndReady(t *testing.T) {
	h := newHarness(t, harnessOpts{store: true})

	w := h.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"healthy"`)

	w = h.do(t, http.MethodGet, "/ready", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	require.NoError(t, h.store.Close())
	w = h.do(t, http.MethodGet, "/ready", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRecommendAndGet(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	rec := h.recommend(t)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, "pending", rec.Status)
	assert.Equal(t, "critical", rec.RiskLevel)
	assert.Equal(t, "director", rec.ApprovalThreshold)
	require.NotNil(t, rec.RecommendedPrice)
	assert.InDelta(t, 50.0, *rec.RecommendedPrice, 1e-9)
	assert.True(t, rec.Actionable)
	assert.False(t, rec.Expired)

	w := h.do(t, http.MethodGet, "/api/v1/recommendations/"+rec.ID, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, rec.ID, decodeRec(t, w).ID)

	w = h.do(t, http.MethodGet, "/api/v1/recommendations/does-not-exist", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRecommendPolicyRejectionIsOK(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	w := h.do(t, http.MethodPost, "/api/v1/recommendations", RecommendRequest{Query: "set price to 0 immediately"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	rec := decodeRec(t, w)
	assert.Equal(t, "rejected", rec.Status)
	assert.Equal(t, string(pricing.StageInput), rec.RejectedBy)
	assert.False(t, rec.Actionable)
}

func TestRecommendValidation(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	tests := []struct {
		name string
		body string
	}{
		{"missing query", `{"product_ids":["SKU-C"]}`},
		{"bad role", `{"query":"price SKU-C","role":"intern"}`},
		{"unknown field", `{"query":"price SKU-C","price":1}`},
		{"not json", `price please`},
		{"blank product id", `{"query":"price SKU-C","product_ids":[""]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/recommendations", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			h.h.ServeHTTP(w, req)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			assert.Contains(t, w.Body.String(), `"error"`)
		})
	}
}

func TestListPending(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	rec := h.recommend(t)

	var body struct {
		Recommendations []recBody `json:"recommendations"`
		Count           int       `json:"count"`
	}
	w := h.do(t, http.MethodGet, "/api/v1/recommendations/pending", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, 1, body.Count)
	assert.Equal(t, rec.ID, body.Recommendations[0].ID)

	w = h.do(t, http.MethodGet, "/api/v1/recommendations/pending?role=manager", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Zero(t, body.Count)

	w = h.do(t, http.MethodGet, "/api/v1/recommendations/pending?role=ceo", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestApprovalStatusCodes(t *testing.T) {
	h := newHarness(t, harnessOpts{store: true})
	rec := h.recommend(t)
	path := "/api/v1/recommendations/" + rec.ID + "/approval"

	w := h.do(t, http.MethodPost, path, ApprovalRequest{Decision: "approved", ApproverID: "mia", ApproverRole: "manager"}, nil)
	assert.Equal(t, http.StatusForbidden, w.Code, w.Body.String())

	w = h.do(t, http.MethodPost, path, ApprovalRequest{Decision: "approved"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code, "identity is required without auth")

	w = h.do(t, http.MethodPost, path, ApprovalRequest{Decision: "maybe", ApproverID: "dana", ApproverRole: "director"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(t, http.MethodPost, "/api/v1/recommendations/nope/approval",
		ApprovalRequest{Decision: "approved", ApproverID: "dana", ApproverRole: "director"}, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = h.do(t, http.MethodPost, path, ApprovalRequest{Decision: "approved", ApproverID: "dana", ApproverRole: "director", Notes: "ok"}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := decodeRec(t, w)
	assert.Equal(t, "approved", got.Status)
	assert.Equal(t, "dana", got.ApprovedBy)
	assert.False(t, got.Actionable)

	w = h.do(t, http.MethodPost, path, ApprovalRequest{Decision: "rejected", ApproverID: "dana", ApproverRole: "director"}, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	var history struct {
		Approvals []pricing.ApprovalRecord `json:"approvals"`
	}
	w = h.do(t, http.MethodGet, "/api/v1/recommendations/"+rec.ID+"/approvals", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &history))
	// forbidden, approved, not pending; the not-found attempt belongs to another id
	require.Len(t, history.Approvals, 3)
	assert.False(t, history.Approvals[0].Succeeded)
	assert.True(t, history.Approvals[1].Succeeded)
	assert.Equal(t, pricing.RoleDirector, history.Approvals[1].Action.ApproverRole)

	var changes struct {
		Changes []db.ApprovedChange `json:"changes"`
		Count   int                 `json:"count"`
	}
	w = h.do(t, http.MethodGet, "/api/v1/changes?limit=10", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &changes))
	require.Equal(t, 1, changes.Count)
	assert.Equal(t, "SKU-C", changes.Changes[0].SKU)
	assert.InDelta(t, 100.0, changes.Changes[0].OldPrice, 1e-9)
	assert.InDelta(t, 50.0, changes.Changes[0].NewPrice, 1e-9)
	assert.Equal(t, "dana", changes.Changes[0].ApprovedBy)

	w = h.do(t, http.MethodGet, "/api/v1/changes?limit=0", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestApprovalHistoryUnknown(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	w := h.do(t, http.MethodGet, "/api/v1/recommendations/missing/approvals", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestChangesRouteNeedsStore(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	w := h.do(t, http.MethodGet, "/api/v1/changes", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestApprovalUsesTokenIdentity(t *testing.T) {
	issuer, err := auth.NewIssuer("test-secret", "kubilitics-pricing", time.Hour)
	require.NoError(t, err)
	h := newHarness(t, harnessOpts{issuer: issuer})
	rec := h.recommend(t)
	path := "/api/v1/recommendations/" + rec.ID + "/approval"

	w := h.do(t, http.MethodPost, path, ApprovalRequest{Decision: "approved", ApproverID: "dana", ApproverRole: "director"}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.NotEmpty(t, w.Header().Get("WWW-Authenticate"))

	w = h.do(t, http.MethodPost, path, ApprovalRequest{Decision: "approved"},
		map[string]string{"Authorization": "Bearer not-a-token"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// The body claims director, the token says manager. The token wins.
	managerToken, err := issuer.Issue("mia", pricing.RoleManager)
	require.NoError(t, err)
	w = h.do(t, http.MethodPost, path, ApprovalRequest{Decision: "approved", ApproverID: "dana", ApproverRole: "director"},
		map[string]string{"Authorization": "Bearer " + managerToken})
	assert.Equal(t, http.StatusForbidden, w.Code)

	directorToken, err := issuer.Issue("dana", pricing.RoleDirector)
	require.NoError(t, err)
	w = h.do(t, http.MethodPost, path, ApprovalRequest{Decision: "rejected", Notes: "too steep"},
		map[string]string{"Authorization": "Bearer " + directorToken})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := decodeRec(t, w)
	assert.Equal(t, "rejected", got.Status)
	assert.Equal(t, "dana", got.ApprovedBy)
}

func TestRateLimit(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.RateLimitRPS = 1
	cfg.Server.RateLimitBurst = 2
	cfg.Server.TrustedProxies = []string{"192.0.2.0/24"}
	h := newHarness(t, harnessOpts{cfg: cfg})

	for i := 0; i < 2; i++ {
		w := h.do(t, http.MethodGet, "/api/v1/recommendations/pending", nil, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
	}
	w := h.do(t, http.MethodGet, "/api/v1/recommendations/pending", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	// Another client behind the trusted proxy has its own bucket.
	w = h.do(t, http.MethodGet, "/api/v1/recommendations/pending", nil, map[string]string{"X-Forwarded-For": "203.0.113.9"})
	assert.Equal(t, http.StatusOK, w.Code)

	// Health checks are exempt.
	w = h.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimitIgnoresForwardedForFromUntrustedPeer(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.RateLimitRPS = 1
	cfg.Server.RateLimitBurst = 1
	h := newHarness(t, harnessOpts{cfg: cfg})

	w := h.do(t, http.MethodGet, "/api/v1/recommendations/pending", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	// Rotating the header does not buy a fresh bucket.
	for _, ip := range []string{"203.0.113.9", "203.0.113.10"} {
		w = h.do(t, http.MethodGet, "/api/v1/recommendations/pending", nil, map[string]string{"X-Forwarded-For": ip})
		assert.Equal(t, http.StatusTooManyRequests, w.Code, ip)
	}
}

func TestClientIP(t *testing.T) {
	proxies, err := parseTrustedProxies([]string{"10.0.0.0/8", "192.0.2.1"})
	require.NoError(t, err)

	tests := []struct {
		name   string
		remote string
		header map[string]string
		want   string
	}{
		{"direct peer", "198.51.100.7:5000", nil, "198.51.100.7"},
		{"untrusted peer spoofing", "198.51.100.7:5000", map[string]string{"X-Forwarded-For": "203.0.113.9"}, "198.51.100.7"},
		{"trusted proxy", "192.0.2.1:443", map[string]string{"X-Forwarded-For": "203.0.113.9"}, "203.0.113.9"},
		{"proxy chain", "10.1.2.3:443", map[string]string{"X-Forwarded-For": "1.1.1.1, 203.0.113.9, 10.4.4.4"}, "203.0.113.9"},
		{"real ip header", "10.1.2.3:443", map[string]string{"X-Real-IP": "203.0.113.20"}, "203.0.113.20"},
		{"trusted proxy without headers", "10.1.2.3:443", nil, "10.1.2.3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, proxies.clientIP(req))
		})
	}

	_, err = parseTrustedProxies([]string{"lb.internal"})
	assert.Error(t, err)
}

func TestRateLimiterEvictsIdleClients(t *testing.T) {
	l := newIPRateLimiter(1, 1)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	l.lastSweep = now

	first := l.get("203.0.113.1")
	assert.Same(t, first, l.get("203.0.113.1"))

	now = now.Add(limiterIdleTTL / 2)
	l.get("203.0.113.2")
	assert.Equal(t, 2, l.size())

	now = now.Add(limiterIdleTTL/2 + time.Second)
	l.get("203.0.113.2")
	assert.Equal(t, 1, l.size())
	assert.NotSame(t, first, l.get("203.0.113.1"))
}

func TestMetricsAndUnknownRoutes(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.recommend(t)

	w := h.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "kubilitics_pricing_recommendations_total")

	w = h.do(t, http.MethodGet, "/api/v1/nothing-here", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "route not found")

	w = h.do(t, http.MethodDelete, "/api/v1/recommendations", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"http://localhost:3000"})

	req := httptest.NewRequest(http.MethodGet, "http://pricing.local/api/v1/events", nil)
	assert.True(t, check(req), "no origin header")

	req.Header.Set("Origin", "http://localhost:3000")
	assert.True(t, check(req))

	req.Header.Set("Origin", "http://evil.example")
	assert.False(t, check(req))

	req.Header.Set("Origin", "http://pricing.local")
	assert.True(t, check(req), "same host")

	assert.True(t, originChecker([]string{"*"})(req))
}

func TestEventStream(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ts := httptest.NewServer(h.h)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/events"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	defer resp.Body.Close()
	require.Eventually(t, func() bool { return h.hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	rec := h.recommend(t)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, EventRecommendation, ev.Type)
	assert.Equal(t, rec.ID, ev.RecommendationID)
	assert.Equal(t, pricing.StatusPending, ev.Status)
	assert.Equal(t, "director", ev.Threshold)

	w := h.do(t, http.MethodPost, "/api/v1/recommendations/"+rec.ID+"/approval",
		ApprovalRequest{Decision: "approved", ApproverID: "mia", ApproverRole: "manager"}, nil)
	require.Equal(t, http.StatusForbidden, w.Code)

	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, EventApproval, ev.Type)
	require.NotNil(t, ev.Succeeded)
	assert.False(t, *ev.Succeeded)
	assert.Equal(t, "manager", ev.ApproverRole)
	assert.NotEmpty(t, ev.Error)

	h.hub.Close()
	assert.Zero(t, h.hub.Clients())
}

func TestStartStop(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.Port = 0
	cfg.Server.GRPCHealthPort = 0
	h := newHarness(t, harnessOpts{cfg: cfg})

	require.NoError(t, h.server.Start())
	assert.True(t, h.server.IsRunning())
	assert.Error(t, h.server.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.server.Stop(ctx))
	assert.False(t, h.server.IsRunning())
	assert.Error(t, h.server.Stop(ctx))
}

func TestToolEndpoints(t *testing.T) {
	h := newHarness(t, harnessOpts{tools: true})

	var list struct {
		Tools    []tools.Definition `json:"tools"`
		ReadOnly bool               `json:"read_only"`
	}
	w := h.do(t, http.MethodGet, "/api/v1/tools", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list.Tools, 5)
	assert.False(t, list.ReadOnly)

	var resp struct {
		Success bool    `json:"success"`
		Data    recBody `json:"data"`
		Error   string  `json:"error"`
	}
	w = h.do(t, http.MethodPost, "/api/v1/tools/call", ToolCallRequest{
		Tool:   tools.ToolRecommendPrice,
		Params: map[string]interface{}{"query": "What price should SKU-C sell at?", "product_ids": []string{"SKU-C"}},
	}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.True(t, resp.Success)
	id := resp.Data.ID
	assert.Equal(t, "pending", resp.Data.Status)

	tests := []struct {
		name   string
		req    ToolCallRequest
		status int
	}{
		{"unknown tool", ToolCallRequest{Tool: "drop_prices"}, http.StatusNotFound},
		{"bad params", ToolCallRequest{Tool: tools.ToolGetRecommendation}, http.StatusBadRequest},
		{"unknown id", ToolCallRequest{Tool: tools.ToolGetRecommendation, Params: map[string]interface{}{"id": "missing"}}, http.StatusNotFound},
		{"authority", ToolCallRequest{Tool: tools.ToolSubmitApproval, Params: map[string]interface{}{
			"id": id, "decision": "approved", "approver_id": "mia", "approver_role": "manager",
		}}, http.StatusForbidden},
		{"approve", ToolCallRequest{Tool: tools.ToolSubmitApproval, Params: map[string]interface{}{
			"id": id, "decision": "approved", "approver_id": "dana", "approver_role": "director",
		}}, http.StatusOK},
		{"already resolved", ToolCallRequest{Tool: tools.ToolSubmitApproval, Params: map[string]interface{}{
			"id": id, "decision": "rejected", "approver_id": "dana", "approver_role": "director",
		}}, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := h.do(t, http.MethodPost, "/api/v1/tools/call", tt.req, nil)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}

	w = h.do(t, http.MethodPost, "/api/v1/tools/call", map[string]string{}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code, "tool name is required")
}

func TestCORSPreflight(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	preflight := func(origin string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodOptions, "/api/v1/recommendations", nil)
		req.Header.Set("Origin", origin)
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		req.Header.Set("Access-Control-Request-Headers", "Content-Type")
		w := httptest.NewRecorder()
		h.h.ServeHTTP(w, req)
		return w
	}

	w := preflight("http://localhost:3000")
	assert.Less(t, w.Code, 300)
	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))

	w = preflight("https://evil.example")
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}
