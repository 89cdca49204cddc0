package api

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/docket/pkg/caselock"
	"github.com/Mindburn-Labs/docket/pkg/classifier"
	"github.com/Mindburn-Labs/docket/pkg/contracts"
	"github.com/Mindburn-Labs/docket/pkg/decision"
	"github.com/Mindburn-Labs/docket/pkg/dispatch"
	"github.com/Mindburn-Labs/docket/pkg/executor"
	"github.com/Mindburn-Labs/docket/pkg/inbound"
	"github.com/Mindburn-Labs/docket/pkg/lifecycle"
	"github.com/Mindburn-Labs/docket/pkg/mailer"
	"github.com/Mindburn-Labs/docket/pkg/notify"
	"github.com/Mindburn-Labs/docket/pkg/planner"
	"github.com/Mindburn-Labs/docket/pkg/policy"
	"github.com/Mindburn-Labs/docket/pkg/store"
	"github.com/Mindburn-Labs/docket/pkg/waitpoint"

	_ "modernc.org/sqlite"
)

const testSecret = "api-test-secret"

type nopSender struct{}

func (nopSender) Send(_ context.Context, _ mailer.Email, _ string) (*mailer.Receipt, error) {
	return &mailer.Receipt{ProviderMessageID: "prov-1"}, nil
}

type apiFixture struct {
	store      *store.Store
	dispatcher *dispatch.Dispatcher
	hub        *notify.Hub
	ts         *httptest.Server
}

// setupAPI stands up the whole engine behind a real HTTP listener.
func setupAPI(t *testing.T, opts ...ServerOption) *apiFixture {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// Every :memory: connection is its own database; keep the pool at one.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()

	st := store.New(db)
	require.NoError(t, st.Init(ctx))
	locks := caselock.NewManager(db)
	require.NoError(t, locks.Init(ctx))
	wp := waitpoint.NewManager(db)
	require.NoError(t, wp.Init(ctx))

	lc := lifecycle.NewEngine(st, locks)
	d := dispatch.New(st)
	profile := policy.Default()
	hub := notify.NewHub(16)

	dec, err := decision.NewDecisioner(st, wp, d, lc, nil, profile)
	require.NoError(t, err)
	pl := planner.New(st, classifier.Static{}, profile)
	ex := executor.New(st, lc, d, nopSender{}, nil, nil)

	pipe := inbound.New(st, locks, classifier.Static{}, pl, dec, lc, d, wp, hub, profile)
	pipe.Register()
	d.Register(dispatch.TaskExecuteProposal, ex.Handler())
	d.Register(dispatch.TaskSubmitPortal, func(ctx context.Context, t *dispatch.Task) error { return nil })
	d.Start(ctx)
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = d.Stop(sctx)
	})

	resolver := decision.NewResolver(st, wp, d, lc, nil, nil, hub)
	srv := NewServer(st, resolver, pipe, hub, NewTokenVerifier([]byte(testSecret)), opts...)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &apiFixture{store: st, dispatcher: d, hub: hub, ts: ts}
}

func mintToken(t *testing.T, subject string, roles ...string) string {
	t.Helper()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: roles,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

// call sends one JSON request and decodes the JSON response body.
func call(t *testing.T, f *apiFixture, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var reqBody []byte
	if body != nil {
		var err error
		reqBody, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, bytes.NewReader(reqBody))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	decoded := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp.StatusCode, decoded
}

func seedCase(t *testing.T, st *store.Store, mutate func(*contracts.Case)) *contracts.Case {
	t.Helper()
	now := time.Now().UTC()
	c := &contracts.Case{
		ID:            uuid.NewString(),
		OwnerID:       "user-1",
		Status:        contracts.CaseAwaitingResponse,
		AutopilotMode: contracts.ModeSupervised,
		AgencyName:    "Department of Examples",
		AgencyEmail:   "records@agency.example.gov",
		Subject:       "Request for inspection reports",
		RequestBody:   "All inspection reports from 2024.",
		ThreadID:      uuid.NewString(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if mutate != nil {
		mutate(c)
	}
	require.NoError(t, st.CreateCase(context.Background(), c))
	return c
}

func seedInbound(t *testing.T, st *store.Store, c *contracts.Case, subject, body string) *contracts.Message {
	t.Helper()
	m := &contracts.Message{
		ID:        uuid.NewString(),
		CaseID:    c.ID,
		ThreadID:  c.ThreadID,
		Direction: contracts.DirectionInbound,
		From:      c.AgencyEmail,
		To:        "requests@docket.example",
		Subject:   subject,
		BodyText:  body,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, st.CreateMessage(context.Background(), m))
	return m
}

func seedPendingProposal(t *testing.T, st *store.Store, c *contracts.Case) *contracts.Proposal {
	t.Helper()
	now := time.Now().UTC()
	p := &contracts.Proposal{
		ID:            uuid.NewString(),
		CaseID:        c.ID,
		ActionType:    contracts.ActionSendFollowup,
		Status:        contracts.ProposalPendingApproval,
		Confidence:    0.8,
		GateOptions:   []contracts.DecisionAction{contracts.DecisionApprove, contracts.DecisionDismiss, contracts.DecisionAdjust},
		DraftSubject:  "Re: " + c.Subject,
		DraftBodyText: "Following up on our request.",
		ProposalKey:   uuid.NewString(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	_, created, err := st.CreateProposal(context.Background(), p)
	require.NoError(t, err)
	require.True(t, created)
	return p
}

func TestHealthRequiresNoAuth(t *testing.T) {
	f := setupAPI(t)
	status, body := call(t, f, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
}

func TestMissingTokenRejected(t *testing.T) {
	f := setupAPI(t)
	req, err := http.NewRequest(http.MethodPost, f.ts.URL+"/api/v1/decisions/p-1", strings.NewReader("{}"))
	require.NoError(t, err)
	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))

	var problem ProblemDetail
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&problem))
	assert.Equal(t, "Unauthorized", problem.Title)
	assert.Equal(t, http.StatusUnauthorized, problem.Status)
}

func TestGarbageTokenRejected(t *testing.T) {
	f := setupAPI(t)
	status, _ := call(t, f, http.MethodPost, "/api/v1/decisions/p-1", "not-a-jwt", map[string]any{"action": "DISMISS"})
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestDismissDecisionSettlesInline(t *testing.T) {
	f := setupAPI(t)
	c := seedCase(t, f.store, func(c *contracts.Case) {
		c.Status = contracts.CaseNeedsHumanReview
		c.RequiresHuman = true
	})
	prop := seedPendingProposal(t, f.store, c)

	status, body := call(t, f, http.MethodPost, "/api/v1/decisions/"+prop.ID, mintToken(t, "user-1"),
		map[string]any{"action": "DISMISS", "reason": "not needed"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, prop.ID, body["proposal_id"])
	assert.Equal(t, c.ID, body["case_id"])

	got, err := f.store.GetProposal(context.Background(), prop.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ProposalDismissed, got.Status)
	require.NotNil(t, got.HumanDecision)
	assert.Equal(t, "user-1", got.HumanDecision.UserID)
}

func TestDecisionUnknownProposal(t *testing.T) {
	f := setupAPI(t)
	status, _ := call(t, f, http.MethodPost, "/api/v1/decisions/"+uuid.NewString(), mintToken(t, "user-1"),
		map[string]any{"action": "DISMISS"})
	assert.Equal(t, http.StatusNotFound, status)
}

func TestDecisionOutsideGateOptions(t *testing.T) {
	f := setupAPI(t)
	c := seedCase(t, f.store, func(c *contracts.Case) { c.Status = contracts.CaseNeedsHumanReview })
	prop := seedPendingProposal(t, f.store, c)

	status, _ := call(t, f, http.MethodPost, "/api/v1/decisions/"+prop.ID, mintToken(t, "user-1"),
		map[string]any{"action": "RETRY_RESEARCH"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = call(t, f, http.MethodPost, "/api/v1/decisions/"+prop.ID, mintToken(t, "user-1"),
		map[string]any{"action": "SHRED_EVERYTHING"})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestDecisionOnSettledProposalConflicts(t *testing.T) {
	f := setupAPI(t)
	c := seedCase(t, f.store, func(c *contracts.Case) { c.Status = contracts.CaseNeedsHumanReview })
	prop := seedPendingProposal(t, f.store, c)

	status, _ := call(t, f, http.MethodPost, "/api/v1/decisions/"+prop.ID, mintToken(t, "user-1"),
		map[string]any{"action": "DISMISS"})
	require.Equal(t, http.StatusOK, status)

	status, _ = call(t, f, http.MethodPost, "/api/v1/decisions/"+prop.ID, mintToken(t, "user-1"),
		map[string]any{"action": "DISMISS"})
	assert.Equal(t, http.StatusConflict, status)
}

func TestForeignCaseIsHidden(t *testing.T) {
	f := setupAPI(t)
	c := seedCase(t, f.store, func(c *contracts.Case) {
		c.OwnerID = "user-2"
		c.Status = contracts.CaseNeedsHumanReview
	})
	prop := seedPendingProposal(t, f.store, c)

	status, _ := call(t, f, http.MethodPost, "/api/v1/decisions/"+prop.ID, mintToken(t, "user-1"),
		map[string]any{"action": "DISMISS"})
	assert.Equal(t, http.StatusNotFound, status)

	// Admins cut across ownership.
	status, _ = call(t, f, http.MethodPost, "/api/v1/decisions/"+prop.ID, mintToken(t, "ops-1", "admin"),
		map[string]any{"action": "DISMISS"})
	assert.Equal(t, http.StatusOK, status)
}

func TestResetWithoutInboundConflicts(t *testing.T) {
	f := setupAPI(t)
	c := seedCase(t, f.store, nil)
	status, _ := call(t, f, http.MethodPost, "/api/v1/cases/"+c.ID+"/reset-to-last-inbound", mintToken(t, "user-1"), nil)
	assert.Equal(t, http.StatusConflict, status)
}

func TestResetUnknownCase(t *testing.T) {
	f := setupAPI(t)
	status, _ := call(t, f, http.MethodPost, "/api/v1/cases/"+uuid.NewString()+"/reset-to-last-inbound", mintToken(t, "user-1"), nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestResetSchedulesRun(t *testing.T) {
	f := setupAPI(t)
	c := seedCase(t, f.store, nil)
	seedInbound(t, f.store, c, "Re: "+c.Subject, "We received your request.")

	status, body := call(t, f, http.MethodPost, "/api/v1/cases/"+c.ID+"/reset-to-last-inbound", mintToken(t, "user-1"), nil)
	require.Equal(t, http.StatusAccepted, status)
	assert.NotEmpty(t, body["run_id"])
	require.NoError(t, f.dispatcher.Quiesce(context.Background()))
}

func TestTriggerWrongCase(t *testing.T) {
	f := setupAPI(t)
	a := seedCase(t, f.store, nil)
	b := seedCase(t, f.store, nil)
	m := seedInbound(t, f.store, b, "Re: "+b.Subject, "On another case.")

	status, _ := call(t, f, http.MethodPost,
		"/api/v1/cases/"+a.ID+"/trigger-inbound/"+m.ID, mintToken(t, "user-1"), nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestTriggerUnknownMessage(t *testing.T) {
	f := setupAPI(t)
	c := seedCase(t, f.store, nil)
	status, _ := call(t, f, http.MethodPost,
		"/api/v1/cases/"+c.ID+"/trigger-inbound/"+uuid.NewString(), mintToken(t, "user-1"), nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestTriggerSchedulesRun(t *testing.T) {
	f := setupAPI(t)
	c := seedCase(t, f.store, nil)
	m := seedInbound(t, f.store, c, "Re: "+c.Subject, "Please clarify the date range.")

	status, body := call(t, f, http.MethodPost,
		"/api/v1/cases/"+c.ID+"/trigger-inbound/"+m.ID, mintToken(t, "user-1"), nil)
	require.Equal(t, http.StatusAccepted, status)
	assert.NotEmpty(t, body["run_id"])
	require.NoError(t, f.dispatcher.Quiesce(context.Background()))
}

func TestEventsStreamFiltersByOwner(t *testing.T) {
	f := setupAPI(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.ts.URL+"/api/v1/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+mintToken(t, "user-1"))

	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, ": connected", strings.TrimSpace(line))

	// The foreign event goes first: if filtering were broken it would
	// arrive before the owned one.
	f.hub.Notify(ctx, notify.Event{Kind: notify.KindProposalGated, CaseID: "case-foreign", OwnerID: "user-2"})
	f.hub.Notify(ctx, notify.Event{Kind: notify.KindProposalGated, CaseID: "case-mine", OwnerID: "user-1"})

	var data string
	for {
		line, err = reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimSpace(strings.TrimPrefix(line, "data: "))
			break
		}
	}

	var got notify.Event
	require.NoError(t, json.Unmarshal([]byte(data), &got))
	assert.Equal(t, "case-mine", got.CaseID)
	assert.Equal(t, "user-1", got.OwnerID)
}

func TestRateLimitReturns429(t *testing.T) {
	f := setupAPI(t, WithRateLimit(0.5, 1))
	token := mintToken(t, "user-1")

	status, _ := call(t, f, http.MethodPost, "/api/v1/decisions/"+uuid.NewString(), token,
		map[string]any{"action": "DISMISS"})
	require.Equal(t, http.StatusNotFound, status)

	req, err := http.NewRequest(http.MethodPost, f.ts.URL+"/api/v1/decisions/"+uuid.NewString(),
		strings.NewReader(`{"action":"DISMISS"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "2", resp.Header.Get("Retry-After"))
}

func TestUnknownEndpointIsProblemJSON(t *testing.T) {
	f := setupAPI(t)
	req, err := http.NewRequest(http.MethodGet, f.ts.URL+"/api/v1/nope", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+mintToken(t, "user-1"))
	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
}

func TestActivityListsNewestFirst(t *testing.T) {
	f := setupAPI(t)
	c := seedCase(t, f.store, nil)
	ctx := context.Background()
	require.NoError(t, f.store.AppendActivity(ctx, c.ID, "case_created", "Case opened", nil))
	require.NoError(t, f.store.AppendActivity(ctx, c.ID, "message_received", "Agency replied", nil))

	status, body := call(t, f, http.MethodGet, "/api/v1/cases/"+c.ID+"/activity", mintToken(t, "user-1"), nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, c.ID, body["case_id"])
	entries, ok := body["activity"].([]any)
	require.True(t, ok)
	require.Len(t, entries, 2)
}

func TestActivityForeignCaseHidden(t *testing.T) {
	f := setupAPI(t)
	c := seedCase(t, f.store, func(c *contracts.Case) { c.OwnerID = "user-2" })

	status, _ := call(t, f, http.MethodGet, "/api/v1/cases/"+c.ID+"/activity", mintToken(t, "user-1"), nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestActivityRejectsBadLimit(t *testing.T) {
	f := setupAPI(t)
	c := seedCase(t, f.store, nil)

	status, _ := call(t, f, http.MethodGet, "/api/v1/cases/"+c.ID+"/activity?limit=0", mintToken(t, "user-1"), nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestTriggerRefusesOccupiedCase(t *testing.T) {
	f := setupAPI(t)
	c := seedCase(t, f.store, nil)
	m := seedInbound(t, f.store, c, "Re: "+c.Subject, "We received your request.")
	require.NoError(t, f.store.CreateRun(context.Background(), &contracts.AgentRun{
		ID:          uuid.NewString(),
		CaseID:      c.ID,
		TriggerType: contracts.TriggerInboundMessage,
		Status:      contracts.RunQueued,
		CreatedAt:   time.Now().UTC(),
	}))

	status, _ := call(t, f, http.MethodPost,
		"/api/v1/cases/"+c.ID+"/trigger-inbound/"+m.ID, mintToken(t, "user-1"), nil)
	assert.Equal(t, http.StatusConflict, status)
}

func TestTriggerForceSupersedesActiveRun(t *testing.T) {
	f := setupAPI(t)
	c := seedCase(t, f.store, nil)
	m := seedInbound(t, f.store, c, "Re: "+c.Subject, "We received your request.")
	stale := &contracts.AgentRun{
		ID:          uuid.NewString(),
		CaseID:      c.ID,
		TriggerType: contracts.TriggerInboundMessage,
		Status:      contracts.RunQueued,
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, f.store.CreateRun(context.Background(), stale))

	status, body := call(t, f, http.MethodPost,
		"/api/v1/cases/"+c.ID+"/trigger-inbound/"+m.ID, mintToken(t, "user-1"),
		map[string]any{"force_new_run": true})
	require.Equal(t, http.StatusAccepted, status)
	assert.NotEmpty(t, body["run_id"])
	require.NoError(t, f.dispatcher.Quiesce(context.Background()))

	got, err := f.store.GetRun(context.Background(), stale.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.RunCancelled, got.Status)
}
