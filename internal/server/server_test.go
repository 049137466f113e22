package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/guthwine/guthwine/internal/config"
	"github.com/guthwine/guthwine/internal/rail"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:     "0",
		Env:      "test",
		LogLevel: "error",

		MasterKeySecret: "server-test-master-secret",
		MasterKeySalt:   "server-test-salt",

		MandateDefaultTTL:    5 * time.Minute,
		MandateMaxTTL:        15 * time.Minute,
		DelegationDefaultTTL: 24 * time.Hour,
		DelegationMaxDepth:   5,

		RateLimitWindow:   time.Hour,
		RateLimitMaxSpend: 10000,
		RateLimitMaxTxns:  100,

		// High enough that a handful of test requests never trips them.
		AnomalyWindow:             5 * time.Minute,
		AnomalyVelocityThreshold:  100000,
		AnomalySpendRateThreshold: 1e9,

		SemanticThreshold:    0.7,
		AuditRetentionYears:  7,
		MerkleInterval:       time.Hour,
		RetentionSweepPeriod: 24 * time.Hour,

		AllowedOrigins: []string{"*"},
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	srv, err := New(testConfig(), WithRail(&rail.StaticRail{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return srv
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	out := map[string]any{}
	if w.Body.Len() > 0 && strings.Contains(w.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode response %q: %v", w.Body.String(), err)
		}
	}
	return w, out
}

func TestInfoAndHealthEndpoints(t *testing.T) {
	srv := newTestServer(t)

	w, body := doJSON(t, srv, http.MethodGet, "/", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET / status = %d", w.Code)
	}
	if body["name"] != "Guthwine" {
		t.Errorf("name = %v", body["name"])
	}

	w, body = doJSON(t, srv, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health status = %d", w.Code)
	}
	if body["status"] != "healthy" {
		t.Errorf("status = %v", body["status"])
	}

	w, _ = doJSON(t, srv, http.MethodGet, "/health/live", nil)
	if w.Code != http.StatusOK {
		t.Errorf("GET /health/live status = %d", w.Code)
	}

	// Readiness flips only after Run starts.
	w, _ = doJSON(t, srv, http.MethodGet, "/health/ready", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("GET /health/ready status = %d, want 503 before Run", w.Code)
	}

	w, _ = doJSON(t, srv, http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Errorf("GET /metrics status = %d", w.Code)
	}
}

func registerAgent(t *testing.T, srv *Server, org, name string) string {
	t.Helper()

	w, body := doJSON(t, srv, http.MethodPost, "/v1/agents", map[string]any{
		"organizationId": org,
		"name":           name,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("POST /v1/agents status = %d: %v", w.Code, body)
	}
	agent, _ := body["agent"].(map[string]any)
	did, _ := agent["did"].(string)
	if did == "" {
		t.Fatalf("registration returned no DID: %v", body)
	}
	return did
}

func TestAgentLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	did := registerAgent(t, srv, "org_http", "shopper")

	w, body := doJSON(t, srv, http.MethodGet, "/v1/agents/"+did, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET agent status = %d", w.Code)
	}
	agent := body["agent"].(map[string]any)
	if agent["status"] != "ACTIVE" {
		t.Errorf("status = %v", agent["status"])
	}

	w, _ = doJSON(t, srv, http.MethodPost, "/v1/agents/"+did+"/freeze", map[string]any{
		"reason": "manual review", "actor": "ops",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("freeze status = %d", w.Code)
	}

	_, body = doJSON(t, srv, http.MethodGet, "/v1/agents/"+did, nil)
	agent = body["agent"].(map[string]any)
	if agent["status"] != "FROZEN" {
		t.Errorf("status after freeze = %v", agent["status"])
	}

	w, _ = doJSON(t, srv, http.MethodGet, "/v1/agents/did:guthwine:2j3k4m5n6p7q8r9s/freeze", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown route status = %d", w.Code)
	}
}

func TestAuthorizeAndExecuteFlow(t *testing.T) {
	srv := newTestServer(t)
	did := registerAgent(t, srv, "org_flow", "buyer")

	w, body := doJSON(t, srv, http.MethodPost, "/v1/authorize", map[string]any{
		"agentDid":       did,
		"organizationId": "org_flow",
		"amount":         42.50,
		"currency":       "USD",
		"merchantId":     "merch_001",
		"merchantName":   "Office Depot",
		"reasoning":      "restocking printer paper for the quarterly report",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("authorize status = %d: %v", w.Code, body)
	}
	if body["decision"] != "ALLOW" {
		t.Fatalf("decision = %v (%v)", body["decision"], body["reasonCodes"])
	}
	mandateObj, _ := body["mandate"].(map[string]any)
	token, _ := mandateObj["token"].(string)
	if token == "" {
		t.Fatal("ALLOW response carries no mandate token")
	}
	txnID, _ := body["transactionId"].(string)
	if txnID == "" {
		t.Fatal("no transaction id")
	}

	// Settle with the mandate.
	w, body = doJSON(t, srv, http.MethodPost, fmt.Sprintf("/v1/transactions/%s/execute", txnID), map[string]any{
		"mandate": token,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("execute status = %d: %v", w.Code, body)
	}
	receipt, _ := body["receipt"].(map[string]any)
	if receipt["status"] != "succeeded" {
		t.Errorf("receipt status = %v", receipt["status"])
	}

	// Replay: the transaction is already EXECUTED.
	w, _ = doJSON(t, srv, http.MethodPost, fmt.Sprintf("/v1/transactions/%s/execute", txnID), map[string]any{
		"mandate": token,
	})
	if w.Code != http.StatusConflict {
		t.Errorf("second execute status = %d, want 409", w.Code)
	}

	// Transaction record reflects settlement.
	w, body = doJSON(t, srv, http.MethodGet, "/v1/transactions/"+txnID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get transaction status = %d", w.Code)
	}
	txn := body["transaction"].(map[string]any)
	if txn["status"] != "EXECUTED" {
		t.Errorf("transaction status = %v", txn["status"])
	}

	// The decision trail is in the audit ledger.
	w, body = doJSON(t, srv, http.MethodGet, "/v1/audit/org_flow/verify", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("audit verify status = %d", w.Code)
	}
	report := body["report"].(map[string]any)
	if report["valid"] != true {
		t.Errorf("audit chain invalid: %v", report)
	}
}

func TestPolicyDenialOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	did := registerAgent(t, srv, "org_policy", "spender")

	w, body := doJSON(t, srv, http.MethodPost, "/v1/policies", map[string]any{
		"organizationId": "org_policy",
		"name":           "AmountCap",
		"rule":           map[string]any{">": []any{map[string]any{"var": "amount"}, 100.0}},
		"action":         "DENY",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create policy status = %d: %v", w.Code, body)
	}

	w, body = doJSON(t, srv, http.MethodPost, "/v1/authorize", map[string]any{
		"agentDid":       did,
		"organizationId": "org_policy",
		"amount":         5000.0,
		"currency":       "USD",
		"merchantId":     "merch_002",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("authorize status = %d", w.Code)
	}
	if body["decision"] == "ALLOW" {
		t.Fatalf("5000 against a 100 cap was allowed: %v", body)
	}
	if body["mandate"] != nil {
		t.Error("denied decision carries a mandate")
	}
}
