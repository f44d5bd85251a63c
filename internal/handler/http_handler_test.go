package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-ops-approvals/internal/platform/auth"
	"github.com/pesio-ai/be-ops-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-ops-approvals/internal/repository"
	"github.com/pesio-ai/be-ops-approvals/internal/service"
)

const testTenant = "tenant-1"

type testServer struct {
	store   *repository.MemoryStore
	handler http.Handler
}

func newTestServer(t *testing.T, secret string, ping func(context.Context) error) *testServer {
	t.Helper()
	log := logger.Nop()
	store := repository.NewMemoryStore()
	reg := prometheus.NewRegistry()
	metrics := service.NewMetrics(reg)

	evaluator := service.NewThresholdEvaluator()
	resolver := service.NewRoleResolver(store, log)
	registry := service.NewFlowRegistry(store, evaluator, log)
	recorder := service.NewAuditRecorder(service.NewStoreAuditSink(store), store, metrics, log)
	manager := service.NewApprovalRequestManager(store, resolver, recorder, store, log, service.WithMetrics(metrics))
	t.Cleanup(manager.Wait)

	h := NewHTTPHandler(HTTPDeps{
		Gate:      service.NewApprovalGateService(registry, evaluator, manager, log),
		Manager:   manager,
		Inbox:     service.NewInboxQueryService(store, resolver, log),
		Flows:     registry,
		JWTSecret: secret,
		Gatherer:  reg,
		Ping:      ping,
	}, log)

	for _, u := range []string{"fin-1", "fin-2"} {
		store.AssignRole(repository.RoleAssignment{TenantID: testTenant, UserID: u, Role: "FINANCE", IsActive: true})
	}
	return &testServer{store: store, handler: h.Router()}
}

func (s *testServer) do(t *testing.T, method, path, user string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(auth.HeaderTenantID, testTenant)
		req.Header.Set(auth.HeaderUserID, user)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dest interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dest), rec.Body.String())
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decode(t, rec, &body)
	return body.Error.Code
}

var writeOffFlow = map[string]interface{}{
	"name":       "Write-offs",
	"entityType": "BAD_DEBT_WRITE_OFF",
	"triggerConditions": []map[string]interface{}{
		{"field": "amount", "operator": ">=", "value": 500},
	},
	"steps": []map[string]interface{}{
		{"approverRole": "FINANCE", "quorum": "all"},
	},
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, "", nil)
	rec := s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	down := newTestServer(t, "", func(context.Context) error { return fmt.Errorf("connection refused") })
	rec = down.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRequiresIdentity(t *testing.T) {
	s := newTestServer(t, "", nil)
	rec := s.do(t, http.MethodGet, "/api/v1/inbox", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHORIZED", errorCode(t, rec))
}

func TestApprovalLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t, "", nil)

	rec := s.do(t, http.MethodPost, "/api/v1/flows", "admin", writeOffFlow)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var flow repository.ApprovalFlow
	decode(t, rec, &flow)
	assert.Equal(t, 1, flow.Version)
	assert.Equal(t, testTenant, flow.TenantID)
	assert.Equal(t, "admin", flow.CreatedBy)

	// below threshold: not gated
	rec = s.do(t, http.MethodPost, "/api/v1/approvals/evaluate", "clerk", map[string]interface{}{
		"entityType": "BAD_DEBT_WRITE_OFF", "entityId": "debt-1", "context": map[string]interface{}{"amount": 120.50},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var gate service.GateResult
	decode(t, rec, &gate)
	assert.False(t, gate.Gated)

	rec = s.do(t, http.MethodPost, "/api/v1/approvals/evaluate", "clerk", map[string]interface{}{
		"entityType": "BAD_DEBT_WRITE_OFF", "entityId": "debt-1", "context": map[string]interface{}{"amount": 800},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	decode(t, rec, &gate)
	require.True(t, gate.Gated)
	id := gate.RequestID

	rec = s.do(t, http.MethodPost, "/api/v1/approvals/evaluate", "clerk", map[string]interface{}{
		"entityType": "BAD_DEBT_WRITE_OFF", "entityId": "debt-1", "context": map[string]interface{}{"amount": 800},
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "DUPLICATE_ACTIVE_REQUEST", errorCode(t, rec))

	rec = s.do(t, http.MethodGet, "/api/v1/inbox", "fin-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var inbox struct {
		Total int `json:"total"`
	}
	decode(t, rec, &inbox)
	assert.Equal(t, 1, inbox.Total)

	rec = s.do(t, http.MethodPost, "/api/v1/approvals/"+id+"/decisions", "outsider", map[string]interface{}{"decision": "APPROVE"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "NOT_AUTHORIZED_APPROVER", errorCode(t, rec))

	rec = s.do(t, http.MethodPost, "/api/v1/approvals/"+id+"/decisions", "fin-1", map[string]interface{}{
		"decision": "APPROVE", "expected_version": 9,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "STALE_REQUEST", errorCode(t, rec))

	rec = s.do(t, http.MethodPost, "/api/v1/approvals/"+id+"/decisions", "fin-1", map[string]interface{}{
		"decision": "APPROVE", "comment": "checked ledger", "expected_version": 1,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var decided struct {
		Request  repository.ApprovalRequest `json:"request"`
		Resolved bool                       `json:"resolved"`
	}
	decode(t, rec, &decided)
	assert.Equal(t, repository.StatusInReview, decided.Request.Status)
	assert.False(t, decided.Resolved)

	rec = s.do(t, http.MethodPost, "/api/v1/approvals/"+id+"/decisions", "fin-1", map[string]interface{}{"decision": "APPROVE"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "ALREADY_DECIDED", errorCode(t, rec))

	rec = s.do(t, http.MethodPost, "/api/v1/approvals/"+id+"/decisions", "fin-2", map[string]interface{}{"decision": "APPROVE"})
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &decided)
	assert.Equal(t, repository.StatusApproved, decided.Request.Status)
	assert.True(t, decided.Resolved)

	rec = s.do(t, http.MethodGet, "/api/v1/approvals/"+id+"/actions", "clerk", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var actions struct {
		Actions []repository.ApprovalAction `json:"actions"`
	}
	decode(t, rec, &actions)
	assert.Len(t, actions.Actions, 2)

	rec = s.do(t, http.MethodGet, "/api/v1/approvals/"+id+"/history", "clerk", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history struct {
		History []repository.AuditEntry `json:"history"`
	}
	decode(t, rec, &history)
	assert.Len(t, history.History, 3)

	rec = s.do(t, http.MethodPost, "/api/v1/approvals/"+id+"/cancel", "clerk", map[string]interface{}{"reason": "too late"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "INVALID_TRANSITION", errorCode(t, rec))

	rec = s.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "approvals_decisions_total")
}

func TestCreateAndCancelOverHTTP(t *testing.T) {
	s := newTestServer(t, "", nil)

	rec := s.do(t, http.MethodPost, "/api/v1/approvals", "clerk", map[string]interface{}{
		"entityType": "BAD_DEBT_WRITE_OFF", "entityId": "debt-7",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/flows", "admin", writeOffFlow)
	require.Equal(t, http.StatusCreated, rec.Code)

	// creation skips trigger conditions
	rec = s.do(t, http.MethodPost, "/api/v1/approvals", "clerk", map[string]interface{}{
		"entityType": "BAD_DEBT_WRITE_OFF", "entityId": "debt-7", "context": map[string]interface{}{"amount": 1},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created repository.ApprovalRequest
	decode(t, rec, &created)

	rec = s.do(t, http.MethodPost, "/api/v1/approvals/"+created.ID+"/cancel", "clerk", map[string]interface{}{"reason": "entity deleted"})
	require.Equal(t, http.StatusOK, rec.Code)
	var cancelled repository.ApprovalRequest
	decode(t, rec, &cancelled)
	assert.Equal(t, repository.StatusCancelled, cancelled.Status)

	rec = s.do(t, http.MethodGet, "/api/v1/approvals/missing", "clerk", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", errorCode(t, rec))
}

func TestFlowEndpoints(t *testing.T) {
	s := newTestServer(t, "", nil)

	rec := s.do(t, http.MethodPost, "/api/v1/flows", "admin", map[string]interface{}{
		"name": "broken", "entityType": "BAD_DEBT_WRITE_OFF", "steps": []interface{}{},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_INPUT", errorCode(t, rec))

	rec = s.do(t, http.MethodPost, "/api/v1/flows", "admin", writeOffFlow)
	require.Equal(t, http.StatusCreated, rec.Code)
	var v1 repository.ApprovalFlow
	decode(t, rec, &v1)

	rec = s.do(t, http.MethodPost, "/api/v1/flows", "admin", writeOffFlow)
	require.Equal(t, http.StatusCreated, rec.Code)
	var v2 repository.ApprovalFlow
	decode(t, rec, &v2)
	assert.Equal(t, 2, v2.Version)

	rec = s.do(t, http.MethodGet, "/api/v1/flows?active=true", "admin", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Flows []repository.ApprovalFlow `json:"flows"`
	}
	decode(t, rec, &listed)
	require.Len(t, listed.Flows, 1)
	assert.Equal(t, v2.ID, listed.Flows[0].ID)

	rec = s.do(t, http.MethodGet, "/api/v1/flows/"+v1.ID, "admin", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodDelete, "/api/v1/flows/"+v2.ID, "admin", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/flows?active=true", "admin", nil)
	decode(t, rec, &listed)
	assert.Empty(t, listed.Flows)
}

func TestBearerAuth(t *testing.T) {
	s := newTestServer(t, "s3cret", nil)

	rec := s.do(t, http.MethodGet, "/api/v1/inbox", "fin-1", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := auth.SignToken("s3cret", auth.UserContext{UserID: "fin-1", TenantID: testTenant})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/inbox", strings.NewReader(""))
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMalformedBody(t *testing.T) {
	s := newTestServer(t, "", nil)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/approvals/evaluate", strings.NewReader("{"))
	req.Header.Set(auth.HeaderTenantID, testTenant)
	req.Header.Set(auth.HeaderUserID, "clerk")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_INPUT", errorCode(t, rec))
}
