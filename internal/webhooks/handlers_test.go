package webhooks

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func setupTestRouter(t *testing.T, maxBody int64) (*gin.Engine, *fixture) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	f := newFixture(t)
	r := gin.New()
	h := NewHandler(f.ingress, maxBody)
	h.RegisterRoutes(r.Group("/v1"))
	h.RegisterInspectionRoutes(r.Group("/v1"))
	return r, f
}

func post(r *gin.Engine, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

func TestHandler_ProviderDelivery(t *testing.T) {
	r, f := setupTestRouter(t, 0)
	body := []byte(`{"proposalId":"prop-h","contractId":"ctr-1"}`)
	headers := map[string]string{
		"X-Event-Type": "contract.signed",
		"X-Signature":  "sha256=" + f.signer.Sign(body),
	}

	w := post(r, "/v1/webhooks/provider", body, headers)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	if resp["status"] != "PROCESSED" || resp["duplicate"] != false {
		t.Fatalf("unexpected response %v", resp)
	}

	w = post(r, "/v1/webhooks/provider", body, headers)
	resp = decode(t, w)
	if w.Code != http.StatusOK || resp["duplicate"] != true {
		t.Fatalf("expected duplicate ack, got %d %v", w.Code, resp)
	}

	id, _ := resp["webhookId"].(string)
	req := httptest.NewRequest(http.MethodGet, "/v1/webhooks/events/"+id, nil)
	gw := httptest.NewRecorder()
	r.ServeHTTP(gw, req)
	if gw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", gw.Code)
	}
	view := decode(t, gw)
	if view["payload"] != string(body) {
		t.Fatalf("expected raw payload, got %v", view["payload"])
	}
	if ev, _ := view["event"].(map[string]any); ev["duplicateOf"] == "" || ev["duplicateOf"] == nil {
		t.Fatalf("expected duplicateOf in stored event, got %v", ev)
	}
}

func TestHandler_InvalidSignature(t *testing.T) {
	r, _ := setupTestRouter(t, 0)

	w := post(r, "/v1/webhooks/provider", []byte(`{"proposalId":"p"}`), map[string]string{
		"X-Event-Type": "loan_repaid",
		"X-Signature":  "deadbeef",
	})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if resp := decode(t, w); resp["error"] != "invalid_signature" {
		t.Fatalf("unexpected error code %v", resp["error"])
	}
}

func TestHandler_UnsupportedTypeIsAcknowledged(t *testing.T) {
	r, f := setupTestRouter(t, 0)
	body := []byte(`{"event_type":"chain.reorg","data":{"block":1}}`)

	w := post(r, "/v1/webhooks/chain", body, map[string]string{"X-Signature": f.signer.Sign(body)})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	resp := decode(t, w)
	if resp["status"] != "FAILED" || !strings.HasPrefix(resp["errorMessage"].(string), "UnsupportedEventType") {
		t.Fatalf("unexpected response %v", resp)
	}
}

func TestHandler_BodyTooLarge(t *testing.T) {
	r, f := setupTestRouter(t, 64)
	body := []byte(`{"proposalId":"` + strings.Repeat("x", 128) + `"}`)

	w := post(r, "/v1/webhooks/provider", body, map[string]string{
		"X-Event-Type": "loan_repaid",
		"X-Signature":  f.signer.Sign(body),
	})
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", w.Code)
	}
	if got := len(f.rows(StatusPending)) + len(f.rows(StatusFailed)) + len(f.rows(StatusProcessed)); got != 0 {
		t.Fatalf("oversized body should not be stored, found %d rows", got)
	}
}

func TestHandler_EventNotFound(t *testing.T) {
	r, _ := setupTestRouter(t, 0)

	req := httptest.NewRequest(http.MethodGet, "/v1/webhooks/events/whk_missing", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}
