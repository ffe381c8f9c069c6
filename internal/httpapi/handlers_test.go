package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outreach-platform/internal/audit"
	"outreach-platform/internal/auth"
	"outreach-platform/internal/campaigns"
	"outreach-platform/internal/config"
	"outreach-platform/internal/dialer"
	"outreach-platform/internal/jobs"
	"outreach-platform/internal/outbox"
	"outreach-platform/internal/rbac"
	"outreach-platform/pkg/logger"
)

type fixture struct {
	router *gin.Engine
	tokens *auth.Manager
	jobs   *jobs.MemoryStore
	audit  *audit.MemoryRepo
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	m, err := auth.NewManager(config.AuthConfig{JWTSecret: "test-secret"})
	require.NoError(t, err)

	f := &fixture{tokens: m, jobs: jobs.NewMemoryStore(), audit: audit.NewMemoryRepo()}
	auditSvc := audit.NewService(f.audit)

	dir := campaigns.NewMemoryDirectory()
	dir.PutMessage(campaigns.Message{ID: "m1", Text: "Fire drill at noon"})
	dir.PutContact(campaigns.Contact{ID: "c1", Phones: []dialer.Number{{PhoneID: "p1", Number: "+15550001", Primary: true}}})

	camp := campaigns.NewService(campaigns.Deps{
		Runs:      campaigns.NewMemoryRepo(),
		Directory: dir,
		Attempts:  dialer.NewMemoryStore(f.jobs),
		Jobs:      f.jobs,
		Audit:     auditSvc,
		Log:       logger.Discard(),
	})

	h := Handlers{
		Auth:      m,
		Campaigns: camp,
		Outbox:    outbox.NewService(f.jobs, auditSvc, nil, logger.Discard()),
	}
	f.router = gin.New()
	h.Mount(f.router)
	return f
}

func (f *fixture) do(t *testing.T, role, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "192.0.2.10:4000"
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if role != "" {
		pair, err := f.tokens.IssuePair(time.Now(), role+"-1", role)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestCampaignLifecycle(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, rbac.RoleTrigger, http.MethodPost, "/v1/campaigns", gin.H{"message_id": "m1", "contact_ids": []string{"c1"}})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	run := decode[campaigns.Run](t, w)
	assert.Equal(t, "trigger-1", run.CreatedBy)
	assert.Equal(t, []string{"c1"}, run.ContactIDs)

	w = f.do(t, rbac.RoleOperator, http.MethodGet, "/v1/campaigns/"+run.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	st := decode[campaigns.Status](t, w)
	assert.Equal(t, run.ID, st.Run.ID)

	w = f.do(t, rbac.RoleSupervisor, http.MethodPost, "/v1/campaigns/"+run.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotNil(t, decode[campaigns.Run](t, w).CancelledAt)

	evs := f.audit.ForRun(run.ID)
	require.Len(t, evs, 2)
	assert.Equal(t, audit.EventCampaignCancelled, evs[1].Type)
	assert.Equal(t, "supervisor-1", evs[1].ActorID)
	assert.Equal(t, "192.0.2.10", evs[1].IPAddress)
}

func TestStartCampaign_Errors(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name string
		role string
		body any
		want int
	}{
		{"no token", "", gin.H{"message_id": "m1", "contact_ids": []string{"c1"}}, http.StatusUnauthorized},
		{"operator cannot trigger", rbac.RoleOperator, gin.H{"message_id": "m1", "contact_ids": []string{"c1"}}, http.StatusForbidden},
		{"missing message", rbac.RoleTrigger, gin.H{"contact_ids": []string{"c1"}}, http.StatusBadRequest},
		{"unknown message", rbac.RoleTrigger, gin.H{"message_id": "nope", "contact_ids": []string{"c1"}}, http.StatusBadRequest},
		{"empty audience", rbac.RoleAdmin, gin.H{"message_id": "m1"}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := f.do(t, tc.role, http.MethodPost, "/v1/campaigns", tc.body)
			assert.Equal(t, tc.want, w.Code, w.Body.String())
		})
	}

	w := f.do(t, rbac.RoleTrigger, http.MethodGet, "/v1/campaigns/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func seedDeadLetter(t *testing.T, st *jobs.MemoryStore) jobs.Job {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	_, err := st.EnqueueAt(now, jobs.Job{
		Kind:        jobs.KindSMS,
		MaxAttempts: 1,
		AvailableAt: now.Add(-time.Second),
		Payload:     jobs.Payload{RunID: "run-x", ContactID: "c9", Phone: "+15550009"},
	})
	require.NoError(t, err)
	j, err := st.Claim(ctx, jobs.KindSMS, "w", now, time.Minute)
	require.NoError(t, err)
	j, err = st.Complete(ctx, j.Claim(), jobs.Completion{Status: jobs.StatusDeadLettered, Outcome: jobs.OutcomeExhausted, LastError: "gateway 503", CountAttempt: true}, now)
	require.NoError(t, err)
	return j
}

func TestOutbox_ListRequeueResolve(t *testing.T) {
	f := newFixture(t)
	j := seedDeadLetter(t, f.jobs)

	w := f.do(t, rbac.RoleTrigger, http.MethodGet, "/v1/outbox/jobs", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(t, rbac.RoleOperator, http.MethodGet, "/v1/outbox/jobs?kind=sms", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[struct {
		Jobs []outbox.Entry `json:"jobs"`
	}](t, w)
	require.Len(t, list.Jobs, 1)
	assert.Equal(t, j.ID, list.Jobs[0].JobID)
	assert.Equal(t, "c9", list.Jobs[0].ContactID)

	w = f.do(t, rbac.RoleOperator, http.MethodGet, "/v1/outbox/jobs?status=queued", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = f.do(t, rbac.RoleOperator, http.MethodGet, "/v1/outbox/jobs?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, rbac.RoleOperator, http.MethodGet, "/v1/outbox/jobs/"+j.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "gateway 503", decode[outbox.Entry](t, w).LastError)

	w = f.do(t, rbac.RoleSupervisor, http.MethodPost, "/v1/outbox/jobs/"+j.ID+"/requeue", nil)
	require.Equal(t, http.StatusOK, w.Code)
	e := decode[outbox.Entry](t, w)
	assert.Equal(t, jobs.StatusQueued, e.Status)
	assert.Equal(t, 1, e.Requeues)

	w = f.do(t, rbac.RoleSupervisor, http.MethodPost, "/v1/outbox/jobs/"+j.ID+"/requeue", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	w = f.do(t, rbac.RoleOperator, http.MethodPost, "/v1/outbox/jobs/"+j.ID+"/resolve", gin.H{"note": "sent by hand"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, rbac.RoleOperator, http.MethodPost, "/v1/outbox/jobs/missing/resolve", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestOutbox_Resolve(t *testing.T) {
	f := newFixture(t)
	j := seedDeadLetter(t, f.jobs)

	w := f.do(t, rbac.RoleOperator, http.MethodPost, "/v1/outbox/jobs/"+j.ID+"/resolve", gin.H{"note": "sent by hand"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	e := decode[outbox.Entry](t, w)
	assert.Equal(t, "operator-1", e.ResolvedBy)

	evs := f.audit.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, "resolved: sent by hand", evs[0].Message)
}

func TestRefresh(t *testing.T) {
	f := newFixture(t)
	pair, err := f.tokens.IssuePair(time.Now(), "svc", rbac.RoleTrigger)
	require.NoError(t, err)

	w := f.do(t, "", http.MethodPost, "/v1/auth/refresh", gin.H{"refresh_token": pair.RefreshToken})
	require.Equal(t, http.StatusOK, w.Code)
	next := decode[auth.TokenPair](t, w)
	claims, err := f.tokens.Verify(next.AccessToken, auth.TokenTypeAccess, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "svc", claims.UserID)

	w = f.do(t, "", http.MethodPost, "/v1/auth/refresh", gin.H{"refresh_token": pair.AccessToken})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = f.do(t, "", http.MethodPost, "/v1/auth/refresh", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
