package cli

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/lendbridge/internal/notify"
)

const (
	escrowFixture = `{"escrow":{"id":"esc_1","contractAddress":"0xabc0000000000000000000000000000000000001",` +
		`"borrowerAddress":"0xb0","lenderAddress":"0x10","arbitratorAddress":"0xa0","amount":250000,` +
		`"status":"PENDING","pendingAction":"RELEASED","pendingSince":"2026-03-01T10:05:00Z",` +
		`"createdAt":"2026-03-01T10:00:00Z","updatedAt":"2026-03-01T10:05:00Z"},` +
		`"chain":{"isReleased":true,"isRefunded":false,"state":"released"}}`

	listFixture = `{"escrows":[` +
		`{"id":"esc_1","contractAddress":"0xc1","amount":250000,"status":"DISPUTED","createdAt":"2026-03-01T10:00:00Z","updatedAt":"2026-03-01T10:00:00Z"},` +
		`{"id":"esc_loan_20260302_b","contractAddress":"0xc2","amount":75,"status":"DISPUTED","createdAt":"2026-03-02T10:00:00Z","updatedAt":"2026-03-02T10:00:00Z"}` +
		`],"count":2}`

	eventsFixture = `{"events":[` +
		`{"id":1,"escrowId":"esc_1","eventType":"ESCROW_CREATED","amount":250000,"txHash":"0xdead","createdAt":"2026-03-01T10:00:00Z"},` +
		`{"id":2,"escrowId":"esc_1","eventType":"ESCROW_RELEASED","amount":250000,"txHash":"0xbeef","createdAt":"2026-03-01T10:06:30Z"}` +
		`],"count":2}`

	reportFixture = `{"report":{"startedAt":"2026-03-01T11:00:00Z","duration":1500000,` +
		`"recovered":{"finalized":1},"checked":3,"errors":0,"warnings":[` +
		`{"escrowId":"esc_9","kind":"diverged","localStatus":"PENDING","chainState":"refunded","message":"ledger refunded"}]}}`
)

// fakeAPI answers one fixed body per path and records the last request.
type fakeAPI struct {
	responses map[string]string
	status    int
	lastReq   *http.Request
	lastBody  map[string]any
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.lastReq = r
	f.lastBody = nil
	_ = json.NewDecoder(r.Body).Decode(&f.lastBody)
	if f.status != 0 {
		w.WriteHeader(f.status)
		_, _ = w.Write([]byte(`{"error":"invalid_state","message":"escrow already RELEASED"}`))
		return
	}
	body, ok := f.responses[r.Method+" "+r.URL.Path]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"not_found","message":"no fixture"}`))
		return
	}
	_, _ = w.Write([]byte(body))
}

func newFakeAPI(t *testing.T, responses map[string]string) (*fakeAPI, string) {
	t.Helper()
	f := &fakeAPI{responses: responses}
	ts := httptest.NewServer(f)
	t.Cleanup(ts.Close)
	return f, ts.URL
}

func execute(t *testing.T, apiURL string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"--api-url", apiURL, "--api-key", "op_key"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func golden(t *testing.T) *goldie.Goldie {
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

func TestEscrowGet_Text(t *testing.T) {
	f, url := newFakeAPI(t, map[string]string{"GET /v1/escrow/esc_1": escrowFixture})

	out, err := execute(t, url, "escrow", "get", "esc_1", "--chain")
	require.NoError(t, err)
	assert.Equal(t, "true", f.lastReq.URL.Query().Get("chain"))
	assert.Equal(t, "Bearer op_key", f.lastReq.Header.Get("Authorization"))
	golden(t).Assert(t, "escrow_get", []byte(out))
}

func TestEscrowGet_JSON(t *testing.T) {
	_, url := newFakeAPI(t, map[string]string{"GET /v1/escrow/esc_1": escrowFixture})

	out, err := execute(t, url, "--format", "json", "escrow", "get", "esc_1")
	require.NoError(t, err)
	assert.JSONEq(t, escrowFixture, out)
	assert.Contains(t, out, "\n  \"escrow\": {")
}

func TestEscrowList_Text(t *testing.T) {
	f, url := newFakeAPI(t, map[string]string{"GET /v1/escrow": listFixture})

	out, err := execute(t, url, "escrow", "list", "--status", "DISPUTED", "--limit", "5")
	require.NoError(t, err)
	assert.Equal(t, "DISPUTED", f.lastReq.URL.Query().Get("status"))
	assert.Equal(t, "5", f.lastReq.URL.Query().Get("limit"))
	golden(t).Assert(t, "escrow_list", []byte(out))
}

func TestEscrowList_NextCursor(t *testing.T) {
	page := `{"escrows":[{"id":"esc_1","contractAddress":"0xc1","amount":5,"status":"PENDING",` +
		`"createdAt":"2026-03-01T10:00:00Z","updatedAt":"2026-03-01T10:00:00Z"}],"count":1,"hasMore":true,"nextCursor":"NDU2fGVzY18y"}`
	f, url := newFakeAPI(t, map[string]string{"GET /v1/escrow": page})

	out, err := execute(t, url, "escrow", "list", "--cursor", "MTIzfGVzY18x")
	require.NoError(t, err)
	assert.Equal(t, "MTIzfGVzY18x", f.lastReq.URL.Query().Get("cursor"))
	assert.Contains(t, out, "\nMore remain: --cursor NDU2fGVzY18y\n")
}

func TestEscrowList_Empty(t *testing.T) {
	_, url := newFakeAPI(t, map[string]string{"GET /v1/escrow": `{"escrows":[],"count":0}`})

	out, err := execute(t, url, "escrow", "list")
	require.NoError(t, err)
	assert.Equal(t, "No escrows.\n", out)
}

func TestEscrowEvents_Text(t *testing.T) {
	_, url := newFakeAPI(t, map[string]string{"GET /v1/escrow/esc_1/events": eventsFixture})

	out, err := execute(t, url, "escrow", "events", "esc_1")
	require.NoError(t, err)
	golden(t).Assert(t, "escrow_events", []byte(out))
}

func TestEscrowRelease(t *testing.T) {
	f, url := newFakeAPI(t, map[string]string{"POST /v1/escrow/esc_1/release": escrowFixture})

	_, err := execute(t, url, "escrow", "release", "esc_1")
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, f.lastReq.Method)
}

func TestEscrowDispute_SendsBody(t *testing.T) {
	f, url := newFakeAPI(t, map[string]string{"POST /v1/escrow/esc_1/dispute": escrowFixture})

	_, err := execute(t, url, "escrow", "dispute", "esc_1", "--by", "0xb0", "--reason", "late payment")
	require.NoError(t, err)
	assert.Equal(t, "0xb0", f.lastBody["raisedBy"])
	assert.Equal(t, "late payment", f.lastBody["reason"])
}

func TestEscrowDispute_RequiresFlags(t *testing.T) {
	_, url := newFakeAPI(t, nil)

	_, err := execute(t, url, "escrow", "dispute", "esc_1", "--by", "0xb0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
}

func TestEscrowResolve_RejectsBadOutcome(t *testing.T) {
	_, url := newFakeAPI(t, nil)

	_, err := execute(t, url, "escrow", "resolve", "esc_1", "--arbitrator", "0xa0", "--outcome", "SPLIT")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestAPIErrorExitsWithFailure(t *testing.T) {
	f, url := newFakeAPI(t, nil)
	f.status = http.StatusBadRequest

	_, err := execute(t, url, "escrow", "refund", "esc_1")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid_state")
}

func TestUnreachableServerIsCommandError(t *testing.T) {
	_, err := execute(t, "http://127.0.0.1:1", "escrow", "get", "esc_1")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestInvalidFormat(t *testing.T) {
	_, url := newFakeAPI(t, nil)

	_, err := execute(t, url, "--format", "yaml", "escrow", "get", "esc_1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestReconcile_Text(t *testing.T) {
	_, url := newFakeAPI(t, map[string]string{"POST /v1/admin/reconcile": reportFixture})

	out, err := execute(t, url, "reconcile")
	require.NoError(t, err)
	golden(t).Assert(t, "reconcile", []byte(out))
}

func TestWebhooksRecover_PassesFlags(t *testing.T) {
	f, url := newFakeAPI(t, map[string]string{"POST /v1/admin/webhooks/recover": `{"resolved":2}`})

	out, err := execute(t, url, "webhooks", "recover", "--older-than", "45s", "--limit", "10")
	require.NoError(t, err)
	assert.Equal(t, "45s", f.lastReq.URL.Query().Get("olderThan"))
	assert.Equal(t, "10", f.lastReq.URL.Query().Get("limit"))
	assert.JSONEq(t, `{"resolved":2}`, out)
}

func TestWebhooksGet(t *testing.T) {
	_, url := newFakeAPI(t, map[string]string{"GET /v1/webhooks/events/whk_1": `{"event":{"id":"whk_1"},"payload":"{}"}`})

	out, err := execute(t, url, "webhooks", "get", "whk_1")
	require.NoError(t, err)
	assert.Contains(t, out, `"id": "whk_1"`)
}

func TestLoanGet(t *testing.T) {
	_, url := newFakeAPI(t, map[string]string{"GET /v1/loans/prop-1": `{"loan":{"proposalId":"prop-1"},"payments":[]}`})

	out, err := execute(t, url, "loan", "get", "prop-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"loan":{"proposalId":"prop-1"},"payments":[]}`, out)
}

func TestEventsTail_RequiresRedis(t *testing.T) {
	t.Setenv("REDIS_URL", "")
	_, url := newFakeAPI(t, nil)

	_, err := execute(t, url, "events", "tail")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestWriteMessage(t *testing.T) {
	m := notify.Message{
		EscrowID:   "esc_1",
		EventType:  "ESCROW_RELEASED",
		Status:     "RELEASED",
		Amount:     250000,
		TxHash:     "0xbeef",
		OccurredAt: time.Date(2026, 3, 1, 10, 6, 30, 0, time.UTC),
	}

	var text bytes.Buffer
	require.NoError(t, writeMessage(&text, "text", m))
	golden(t).Assert(t, "event_line", text.Bytes())

	var js bytes.Buffer
	require.NoError(t, writeMessage(&js, "json", m))
	var back notify.Message
	require.NoError(t, json.Unmarshal(js.Bytes(), &back))
	assert.Equal(t, m, back)
}
