package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rahul/planrun/internal/runtime"
	"github.com/rahul/planrun/internal/store"
)

type stubService struct {
	submitted  []store.Plan
	approvals  []runtime.ApprovalDecision
	submitErr  error
	resolveErr error
	subject    store.Subject
	subjectErr error
	entry      *store.PersistedStepEntry
	entryErr   error
	depth      int
}

func (s *stubService) SubmitPlanSteps(ctx context.Context, plan store.Plan, traceID, requestID string, subject store.Subject) error {
	s.submitted = append(s.submitted, plan)
	return s.submitErr
}

func (s *stubService) ResolvePlanStepApproval(ctx context.Context, decision runtime.ApprovalDecision) error {
	s.approvals = append(s.approvals, decision)
	return s.resolveErr
}

func (s *stubService) GetPlanSubject(planID string) (store.Subject, error) {
	return s.subject, s.subjectErr
}

func (s *stubService) GetPersistedPlanStep(planID, stepID string) (*store.PersistedStepEntry, error) {
	return s.entry, s.entryErr
}

func (s *stubService) QueueDepth(topic string) (int, error) {
	return s.depth, nil
}

func newTestGateway(svc *stubService) http.Handler {
	g := NewHTTPGateway("127.0.0.1:0", svc, nil)
	return g.server.Handler
}

func TestGateway_SubmitPlan(t *testing.T) {
	svc := &stubService{}
	h := newTestGateway(svc)

	body := `{"plan":{"id":"p1","goal":"ship it","steps":[{"id":"s1","tool":"shell","capability":"shell:exec"}]},"subject":{"tenant":"acme"}}`
	req := httptest.NewRequest(http.MethodPost, "/v1/plans", bytes.NewBufferString(body))
	req.Header.Set("trace-id", "trace-7")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, svc.submitted, 1)
	assert.Equal(t, "p1", svc.submitted[0].ID)

	var resp struct {
		PlanID  string `json:"plan_id"`
		TraceID string `json:"trace_id"`
		Steps   int    `json:"steps"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "p1", resp.PlanID)
	assert.Equal(t, "trace-7", resp.TraceID)
	assert.Equal(t, 1, resp.Steps)
}

func TestGateway_SubmitPlanGeneratesIDs(t *testing.T) {
	svc := &stubService{}
	h := newTestGateway(svc)

	body := `{"plan":{"goal":"ship it","steps":[{"id":"s1","tool":"shell","capability":"shell:exec"}]}}`
	req := httptest.NewRequest(http.MethodPost, "/v1/plans", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, svc.submitted, 1)
	assert.NotEmpty(t, svc.submitted[0].ID)
}

func TestGateway_SubmitPlanRejectsEmpty(t *testing.T) {
	svc := &stubService{}
	h := newTestGateway(svc)

	req := httptest.NewRequest(http.MethodPost, "/v1/plans", bytes.NewBufferString(`{"plan":{"id":"p1"}}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, svc.submitted)
}

func TestGateway_Approval(t *testing.T) {
	svc := &stubService{}
	h := newTestGateway(svc)

	body := `{"approved":true,"summary":"looks safe"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/plans/p1/steps/s1/approval", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, svc.approvals, 1)
	assert.Equal(t, "p1", svc.approvals[0].PlanID)
	assert.Equal(t, "s1", svc.approvals[0].StepID)
	assert.True(t, svc.approvals[0].Approved)
	assert.Equal(t, "looks safe", svc.approvals[0].Summary)
}

func TestGateway_ApprovalConflictWhenNotSuspended(t *testing.T) {
	svc := &stubService{resolveErr: runtime.ErrNotWaitingApproval}
	h := newTestGateway(svc)

	req := httptest.NewRequest(http.MethodPost, "/v1/plans/p1/steps/s1/approval", bytes.NewBufferString(`{"approved":true}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGateway_ApprovalUnknownStep(t *testing.T) {
	svc := &stubService{resolveErr: store.ErrNotFound}
	h := newTestGateway(svc)

	req := httptest.NewRequest(http.MethodPost, "/v1/plans/p1/steps/nope/approval", bytes.NewBufferString(`{"approved":true}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGateway_GetStep(t *testing.T) {
	svc := &stubService{entry: &store.PersistedStepEntry{
		PlanID: "p1",
		Step:   store.PlanStep{ID: "s1", Tool: "shell", Capability: "shell:exec"},
		State:  store.StateCompleted,
	}}
	h := newTestGateway(svc)

	req := httptest.NewRequest(http.MethodGet, "/v1/plans/p1/steps/s1", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var entry store.PersistedStepEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entry))
	assert.Equal(t, store.StateCompleted, entry.State)
}

func TestGateway_GetSubject(t *testing.T) {
	svc := &stubService{subject: store.Subject{Tenant: "acme", Roles: []string{"operator"}}}
	h := newTestGateway(svc)

	req := httptest.NewRequest(http.MethodGet, "/v1/plans/p1/subject", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var subject store.Subject
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &subject))
	assert.Equal(t, "acme", subject.Tenant)
}

func TestGateway_QueueDepth(t *testing.T) {
	svc := &stubService{depth: 7}
	h := newTestGateway(svc)

	req := httptest.NewRequest(http.MethodGet, "/v1/queues/depth?topic=plan.completions", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Topic string `json:"topic"`
		Depth int    `json:"depth"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 7, resp.Depth)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/queues/depth", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
