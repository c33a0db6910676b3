package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"researchline/internal/app"
	"researchline/internal/config"
	"researchline/internal/domain"
	"researchline/internal/logger"
	"researchline/internal/provider/providertest"
	"researchline/internal/repo"
	"researchline/internal/stage/stagetest"
	researchlinesdk "researchline/sdk/go"
)

const (
	testSecret    = "test-secret"
	automationKey = "automation-secret"
)

type testServer struct {
	URL      string
	App      *app.App
	Provider *providertest.Provider
	client   *http.Client
	close    func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func (s *testServer) SDK(token string) *researchlinesdk.Client {
	c := researchlinesdk.New(s.URL + "/v0")
	c.BearerToken = token
	return c
}

func scripted() *providertest.Provider {
	return &providertest.Provider{Handler: stagetest.Script(map[domain.Stage]map[string]string{
		domain.StageTriage: {"AAA": stagetest.Consider, "BBB": stagetest.Uninvestible, "CCC": stagetest.Borderline},
		domain.StageMedium: {"AAA": stagetest.GoDeep, "*": stagetest.NoGoDeep},
		domain.StageDeep:   {"*": stagetest.DeepReport},
		domain.StageFocus:  {"*": stagetest.FocusReply},
	})}
}

func newTestServer(t *testing.T, cfg *config.Config, credential string) *testServer {
	t.Helper()
	p := scripted()
	a, err := app.Open(context.Background(), app.Options{
		Workspace:  t.TempDir(),
		Config:     cfg,
		Provider:   p,
		Credential: credential,
		Logger:     logger.NewNop(),
	})
	require.NoError(t, err)
	require.NoError(t, a.Repo.InsertAPIKey(context.Background(), nil, domain.APIKey{
		ID:         "key-cron",
		ActorID:    "cron",
		Name:       "scheduler",
		KeyHash:    repo.HashAPIKey(automationKey),
		Automation: true,
		CreatedAt:  time.Now().UTC(),
	}))

	handler, err := New(Config{App: a, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testSecret}})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:      "http://" + ln.Addr().String(),
		App:      a,
		Provider: p,
		client:   &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			a.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func token(t *testing.T, actor string, roles ...string) string {
	t.Helper()
	tok, err := SignToken(testSecret, actor, roles, time.Hour)
	require.NoError(t, err)
	return tok
}

func bearer(tok string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + tok}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env
}

func TestHealthNeedsNoCredentials(t *testing.T) {
	srv := newTestServer(t, nil, "test-key")
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	assert.Contains(t, string(body), `"ok"`)
}

func TestRejectsMissingAndBadCredentials(t *testing.T) {
	srv := newTestServer(t, nil, "test-key")

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/runs", nil, nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", decodeError(t, body).Error.Code)

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/runs", nil, bearer("not-a-jwt"))
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "invalid_credentials", decodeError(t, body).Error.Code)

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/runs", nil, map[string]string{"X-Api-Key": "unknown"})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "invalid_credentials", decodeError(t, body).Error.Code)

	other, err := SignToken("other-secret", "mallory", nil, time.Hour)
	require.NoError(t, err)
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/runs", nil, bearer(other))
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestCreateRunAndOrchestrate(t *testing.T) {
	srv := newTestServer(t, nil, "test-key")
	ctx := context.Background()
	client := srv.SDK(token(t, "alice", "admin"))

	created, err := client.CreateRun(ctx, researchlinesdk.CreateRunRequest{Tickers: []string{"aaa", "bbb", "ccc"}})
	require.NoError(t, err)
	assert.Equal(t, 3, created.TotalItems)
	assert.NotEmpty(t, created.RunID)
	assert.Greater(t, created.EstimatedCostUSD, 0.0)

	st, err := client.GetRun(ctx, created.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunQueued, st.Run.Status)
	assert.Equal(t, "alice", st.Run.CreatedBy)

	res, err := client.Orchestrate(ctx, researchlinesdk.OrchestrateRequest{RunID: created.RunID})
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, res.Status)
	assert.InDelta(t, 0.00468, res.TotalSpendUSD, 1e-9)
	assert.Equal(t, 6, srv.Provider.CallCount())

	resp, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/runs/"+created.RunID+"/events", nil, bearer(token(t, "alice", "admin")))
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var events EventList
	require.NoError(t, json.Unmarshal(body, &events))
	require.NotEmpty(t, events.Events)
	assert.Equal(t, events.Events[len(events.Events)-1].ID, events.NextCursor)
}

func TestConsumeRequiresSpend(t *testing.T) {
	srv := newTestServer(t, nil, "test-key")
	ctx := context.Background()
	admin := srv.SDK(token(t, "alice", "admin"))
	created, err := admin.CreateRun(ctx, researchlinesdk.CreateRunRequest{Tickers: []string{"AAA"}})
	require.NoError(t, err)

	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/stages/triage/consume",
		map[string]any{"run_id": created.RunID}, bearer(token(t, "bob")))
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(body))
	env := decodeError(t, body)
	assert.Equal(t, "forbidden", env.Error.Code)
	assert.Equal(t, "spend", env.Error.Details["capability"])
	assert.Zero(t, srv.Provider.CallCount())
}

func TestConsumeHaltedRunAnswersConflict(t *testing.T) {
	srv := newTestServer(t, nil, "test-key")
	ctx := context.Background()
	tok := token(t, "alice", "admin")
	client := srv.SDK(tok)

	created, err := client.CreateRun(ctx, researchlinesdk.CreateRunRequest{Tickers: []string{"AAA"}})
	require.NoError(t, err)
	run, err := client.SetStop(ctx, created.RunID, true)
	require.NoError(t, err)
	assert.True(t, run.StopRequested)

	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/stages/triage/consume",
		map[string]any{"run_id": created.RunID}, bearer(tok))
	require.Equal(t, http.StatusConflict, res.StatusCode, string(body))
	env := decodeError(t, body)
	assert.Equal(t, "halted", env.Error.Code)
	result, ok := env.Error.Details["result"].(map[string]any)
	require.True(t, ok, string(body))
	assert.Equal(t, true, result["halted"])
	assert.Equal(t, domain.HaltStopRequested, result["halted_reason"])

	sr, err := client.ConsumeStage(ctx, "triage", researchlinesdk.StageRequest{RunID: created.RunID})
	require.NoError(t, err)
	assert.True(t, sr.Halted)
	assert.Equal(t, "stage1", sr.Stage)
	assert.Zero(t, srv.Provider.CallCount())
}

func TestStopRequiresField(t *testing.T) {
	srv := newTestServer(t, nil, "test-key")
	ctx := context.Background()
	tok := token(t, "alice", "admin")
	created, err := srv.SDK(tok).CreateRun(ctx, researchlinesdk.CreateRunRequest{Tickers: []string{"AAA"}})
	require.NoError(t, err)

	for _, body := range []any{map[string]any{}, map[string]any{"stop_requested": nil}} {
		res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/runs/"+created.RunID+"/stop", body, bearer(tok))
		assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	}
}

func TestUnknownRunIsNotFound(t *testing.T) {
	srv := newTestServer(t, nil, "test-key")
	tok := token(t, "alice", "admin")

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/runs/missing", nil, bearer(tok))
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(body))
	assert.Equal(t, "not_found", decodeError(t, body).Error.Code)

	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/stages/deep/consume",
		map[string]any{"run_id": "missing"}, bearer(tok))
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(body))
}

func TestDispatchRequiresAutomationKey(t *testing.T) {
	srv := newTestServer(t, nil, "test-key")
	ctx := context.Background()
	tok := token(t, "alice", "admin")
	client := srv.SDK(tok)

	created, err := client.CreateRun(ctx, researchlinesdk.CreateRunRequest{Tickers: []string{"BBB"}})
	require.NoError(t, err)
	sched, err := client.PutSchedule(ctx, created.RunID, researchlinesdk.ScheduleRequest{CadenceSeconds: 3600, Active: true})
	require.NoError(t, err)
	assert.Equal(t, 3600, sched.CadenceSeconds)

	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/schedules/dispatch", map[string]any{}, bearer(tok))
	require.Equal(t, http.StatusUnauthorized, res.StatusCode, string(body))
	assert.Equal(t, "automation_key_required", decodeError(t, body).Error.Code)

	auto := researchlinesdk.New(srv.URL + "/v0")
	auto.APIKey = automationKey
	out, err := auto.Dispatch(ctx, researchlinesdk.DispatchRequest{})
	require.NoError(t, err)
	require.Len(t, out.Triggered, 1)
	assert.Equal(t, created.RunID, out.Triggered[0].RunID)
	assert.True(t, out.Triggered[0].OK, out.Triggered[0].Error)
	assert.Equal(t, 1, srv.Provider.CallCount())

	again, err := auto.Dispatch(ctx, researchlinesdk.DispatchRequest{})
	require.NoError(t, err)
	assert.Empty(t, again.Triggered)

	got, err := client.GetSchedule(ctx, created.RunID)
	require.NoError(t, err)
	require.NotNil(t, got.LastTriggeredAt)
}

func TestFocusRequestRoundTrip(t *testing.T) {
	srv := newTestServer(t, nil, "test-key")
	ctx := context.Background()
	tok := token(t, "alice", "admin")
	client := srv.SDK(tok)

	created, err := client.CreateRun(ctx, researchlinesdk.CreateRunRequest{Tickers: []string{"AAA"}})
	require.NoError(t, err)
	f, err := client.CreateFocus(ctx, created.RunID, researchlinesdk.FocusRequest{Ticker: "aaa", Question: "What is the moat?"})
	require.NoError(t, err)
	assert.Equal(t, "AAA", f.Ticker)

	_, err = client.CreateFocus(ctx, created.RunID, researchlinesdk.FocusRequest{Ticker: "ZZZ", Question: "?"})
	var apiErr *researchlinesdk.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/runs/"+created.RunID+"/focus", nil, bearer(tok))
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var list FocusList
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list.Requests, 1)
	assert.Equal(t, f.ID, list.Requests[0].ID)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, nil, "test-key")
	ctx := context.Background()
	client := srv.SDK(token(t, "alice", "admin"))
	created, err := client.CreateRun(ctx, researchlinesdk.CreateRunRequest{Tickers: []string{"BBB"}})
	require.NoError(t, err)
	_, err = client.ConsumeStage(ctx, "triage", researchlinesdk.StageRequest{RunID: created.RunID})
	require.NoError(t, err)

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/metrics", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.True(t, strings.Contains(string(body), "researchline_stage_items_total"), "metrics output missing stage counter")
}

func TestMisconfiguredStageAnswers500(t *testing.T) {
	cfg := config.Default()
	cfg.Provider.APIKeyEnv = "RESEARCHLINE_TEST_UNSET_PROVIDER_KEY"
	srv := newTestServer(t, cfg, "")
	ctx := context.Background()
	tok := token(t, "alice", "admin")
	created, err := srv.SDK(tok).CreateRun(ctx, researchlinesdk.CreateRunRequest{Tickers: []string{"AAA"}})
	require.NoError(t, err)

	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/stages/triage/consume",
		map[string]any{"run_id": created.RunID}, bearer(tok))
	require.Equal(t, http.StatusInternalServerError, res.StatusCode, string(body))
	env := decodeError(t, body)
	assert.Equal(t, "stage_misconfigured", env.Error.Code)
	assert.Equal(t, "stage1", env.Error.Details["stage"])
	assert.Zero(t, srv.Provider.CallCount())
}

func TestOpenAPIDocumentsAuth(t *testing.T) {
	srv := newTestServer(t, nil, "test-key")
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(body, &doc))
	components, _ := doc["components"].(map[string]any)
	schemes, _ := components["securitySchemes"].(map[string]any)
	assert.Contains(t, schemes, "bearerAuth")
	assert.Contains(t, schemes, "apiKeyAuth")
}
