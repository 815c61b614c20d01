package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/x402-foundation/paidfetch"
	"github.com/x402-foundation/paidfetch/pkg/config"
	"github.com/x402-foundation/paidfetch/pkg/metrics"
)

const testChallenge = `{
	"x402Version": 1,
	"reason": "payment required",
	"accepts": [
		{"scheme":"exact","network":"solana","maxAmountRequired":"1000","payTo":"sol-payee","asset":"USDC"},
		{"scheme":"exact","network":"base","maxAmountRequired":"1000","payTo":"0xpayee","asset":"USDC"}
	]
}`

// paidServer gates /resource behind a 402 until it sees the expected
// X-PAYMENT header, and settles at the default settlement path.
type paidServer struct {
	t *testing.T

	mu              sync.Mutex
	resourceHits    int
	settleHits      int
	registerHits    int
	resourceBodies  []string
	resourceHeaders []http.Header
	settleBodies    []map[string]interface{}
	settleHeaders   []http.Header

	challenge       string
	alwaysChallenge bool
	settleStatus    int
	settleBody      string
	resourceStatus  int
}

func newPaidServer(t *testing.T) (*paidServer, *httptest.Server) {
	ps := &paidServer{
		t:              t,
		challenge:      testChallenge,
		settleStatus:   http.StatusOK,
		settleBody:     `{"paymentHeader":"abc","attemptId":"42","walletAddress":"wallet-1"}`,
		resourceStatus: http.StatusOK,
	}
	server := httptest.NewServer(ps)
	t.Cleanup(server.Close)
	return ps, server
}

func (ps *paidServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	switch r.URL.Path {
	case config.DefaultSettlementPath:
		ps.settleHits++
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		ps.settleBodies = append(ps.settleBodies, body)
		ps.settleHeaders = append(ps.settleHeaders, r.Header.Clone())
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(ps.settleStatus)
		io.WriteString(w, ps.settleBody)

	case config.DefaultRegisterPath:
		ps.registerHits++
		w.WriteHeader(http.StatusInternalServerError)

	default:
		ps.resourceHits++
		raw, _ := io.ReadAll(r.Body)
		ps.resourceBodies = append(ps.resourceBodies, string(raw))
		ps.resourceHeaders = append(ps.resourceHeaders, r.Header.Clone())

		if ps.alwaysChallenge || r.Header.Get(x402.HeaderPayment) == "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusPaymentRequired)
			io.WriteString(w, ps.challenge)
			return
		}
		w.WriteHeader(ps.resourceStatus)
		io.WriteString(w, "paid content")
	}
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.RegisterEnabled = false
	return cfg
}

func TestSendPassThrough(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		io.WriteString(w, "short and stout")
	}))
	defer server.Close()

	for _, maxAttempts := range []int{1, 2, 5} {
		client := NewClient(testConfig(), WithHTTPClient(server.Client()))
		result, err := client.Send(context.Background(), server.URL, RequestInit{}, SendOptions{MaxAttempts: maxAttempts})
		require.NoError(t, err)
		assert.Equal(t, http.StatusTeapot, result.Response.StatusCode)
		assert.Nil(t, result.PaymentReceipt)

		body, _ := io.ReadAll(result.Response.Body)
		assert.Equal(t, "short and stout", string(body))
	}
}

func TestSendPaysAndRetries(t *testing.T) {
	ps, server := newPaidServer(t)
	rec := newCountingRecorder()
	client := NewClient(testConfig(), WithHTTPClient(server.Client()), WithMetrics(rec))

	result, err := client.Send(context.Background(), server.URL+"/resource?q=1", RequestInit{
		Method: "post",
		Header: http.Header{
			"Content-Type":  {"application/json"},
			"authorization": {"Bearer user"},
			"Cookie":        {"do-not-forward"},
		},
		Body: []byte(`{"b":2,"a":1}`),
	}, SendOptions{Metadata: map[string]interface{}{"tool": "search"}})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, result.Response.StatusCode)
	require.NotNil(t, result.PaymentReceipt)
	assert.Equal(t, "abc", result.PaymentReceipt.Header)
	assert.Equal(t, "42", result.PaymentReceipt.AttemptID)
	assert.Equal(t, x402.Network("solana"), result.PaymentReceipt.Requirement.Network)

	ps.mu.Lock()
	defer ps.mu.Unlock()

	assert.Equal(t, 2, ps.resourceHits)
	assert.Equal(t, 1, ps.settleHits)

	// identical body bytes on every attempt
	assert.Equal(t, []string{`{"b":2,"a":1}`, `{"b":2,"a":1}`}, ps.resourceBodies)

	assert.Empty(t, ps.resourceHeaders[0].Get(x402.HeaderPayment))
	assert.Equal(t, "abc", ps.resourceHeaders[1].Get(x402.HeaderPayment))
	assert.Equal(t, "42", ps.resourceHeaders[1].Get(x402.HeaderPaymentAttemptID))
	assert.Equal(t, "Bearer user", ps.resourceHeaders[1].Get("Authorization"))

	settle := ps.settleBodies[0]
	assert.Equal(t, float64(1), settle["x402Version"])
	assert.Equal(t, map[string]interface{}{"method": "POST", "url": server.URL + "/resource?q=1"}, settle["request"])
	assert.Equal(t, "solana", settle["requirement"].(map[string]interface{})["network"])
	assert.Equal(t, map[string]interface{}{
		"tool": "search",
		"x402": map[string]interface{}{"attempt": float64(1), "reason": "payment required"},
	}, settle["metadata"])

	assert.Equal(t, "Bearer user", ps.settleHeaders[0].Get("Authorization"))
	assert.Empty(t, ps.settleHeaders[0].Get("Cookie"))

	assert.Equal(t, 1, rec.count(metrics.EventChallenge))
	assert.Equal(t, 1, rec.count(metrics.EventSettlementSuccess))
	assert.Equal(t, 1, rec.count(metrics.EventPassThrough))
}

func TestSendPreferredNetworks(t *testing.T) {
	ps, server := newPaidServer(t)
	client := NewClient(testConfig(), WithHTTPClient(server.Client()))

	result, err := client.Send(context.Background(), server.URL+"/resource", RequestInit{}, SendOptions{
		PreferredNetworks: []string{"base"},
	})
	require.NoError(t, err)
	assert.Equal(t, x402.Network("base"), result.PaymentReceipt.Requirement.Network)

	ps.mu.Lock()
	defer ps.mu.Unlock()
	assert.Equal(t, "base", ps.settleBodies[0]["requirement"].(map[string]interface{})["network"])
}

func TestSendCustomSelector(t *testing.T) {
	_, server := newPaidServer(t)
	client := NewClient(testConfig(), WithHTTPClient(server.Client()), WithSelector(
		func(accepts []x402.PaymentRequirement, _ []string) x402.PaymentRequirement {
			return accepts[len(accepts)-1]
		},
	))

	result, err := client.Send(context.Background(), server.URL+"/resource", RequestInit{}, SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, x402.Network("base"), result.PaymentReceipt.Requirement.Network)
}

func TestSendDisabled(t *testing.T) {
	ps, server := newPaidServer(t)
	disabled := false
	client := NewClient(testConfig(), WithHTTPClient(server.Client()))

	result, err := client.Send(context.Background(), server.URL+"/resource", RequestInit{}, SendOptions{Enabled: &disabled})
	require.NoError(t, err)
	assert.Equal(t, http.StatusPaymentRequired, result.Response.StatusCode)
	assert.Nil(t, result.PaymentReceipt)

	ps.mu.Lock()
	defer ps.mu.Unlock()
	assert.Equal(t, 0, ps.settleHits)
	assert.Equal(t, 1, ps.resourceHits)
}

func TestSendDisabledByConfig(t *testing.T) {
	ps, server := newPaidServer(t)
	cfg := testConfig()
	cfg.Enabled = false
	client := NewClient(cfg, WithHTTPClient(server.Client()))

	result, err := client.Send(context.Background(), server.URL+"/resource", RequestInit{}, SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusPaymentRequired, result.Response.StatusCode)

	ps.mu.Lock()
	defer ps.mu.Unlock()
	assert.Equal(t, 0, ps.settleHits)
}

func TestSendRetryLimitSingleAttempt(t *testing.T) {
	ps, server := newPaidServer(t)
	client := NewClient(testConfig(), WithHTTPClient(server.Client()))

	result, err := client.Send(context.Background(), server.URL+"/resource", RequestInit{}, SendOptions{MaxAttempts: 1})
	require.Error(t, err)
	assert.Nil(t, result)
	assert.True(t, errors.Is(err, x402.ErrRetryLimitExceeded))

	var pe *x402.PaymentError
	require.True(t, errors.As(err, &pe))
	require.NotNil(t, pe.Response)
	assert.Equal(t, http.StatusPaymentRequired, pe.StatusCode())
	assert.Same(t, pe.Response, pe.ChallengeResponse)

	body, _ := io.ReadAll(pe.Response.Body)
	assert.JSONEq(t, testChallenge, string(body))

	ps.mu.Lock()
	defer ps.mu.Unlock()
	assert.Equal(t, 0, ps.settleHits)
	assert.Equal(t, 1, ps.resourceHits)
}

func TestSendRetryLimitAfterPayment(t *testing.T) {
	ps, server := newPaidServer(t)
	ps.alwaysChallenge = true
	client := NewClient(testConfig(), WithHTTPClient(server.Client()))

	_, err := client.Send(context.Background(), server.URL+"/resource", RequestInit{}, SendOptions{MaxAttempts: 3})
	require.Error(t, err)
	assert.True(t, errors.Is(err, x402.ErrRetryLimitExceeded))

	ps.mu.Lock()
	defer ps.mu.Unlock()
	assert.Equal(t, 3, ps.resourceHits)
	assert.Equal(t, 2, ps.settleHits, "one settlement per non-final attempt")

	var attempts []float64
	for _, body := range ps.settleBodies {
		attempts = append(attempts, body["metadata"].(map[string]interface{})["x402"].(map[string]interface{})["attempt"].(float64))
	}
	assert.Equal(t, []float64{1, 2}, attempts)
}

func TestSendChallengeErrors(t *testing.T) {
	tests := []struct {
		name      string
		challenge string
		want      error
	}{
		{"empty accepts", `{"x402Version":1,"accepts":[]}`, x402.ErrMissingRequirements},
		{"missing accepts", `{"x402Version":1}`, x402.ErrMissingRequirements},
		{"empty body", ``, x402.ErrMissingRequirements},
		{"not json", `<html>pay me</html>`, x402.ErrInvalidChallengeBody},
		{"wrong shape", `{"accepts":"solana"}`, x402.ErrInvalidChallengeBody},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ps, server := newPaidServer(t)
			ps.challenge = tt.challenge
			client := NewClient(testConfig(), WithHTTPClient(server.Client()))

			_, err := client.Send(context.Background(), server.URL+"/resource", RequestInit{}, SendOptions{})
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)

			var pe *x402.PaymentError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, http.StatusPaymentRequired, pe.StatusCode())
			assert.NotNil(t, pe.ChallengeResponse)

			ps.mu.Lock()
			defer ps.mu.Unlock()
			assert.Equal(t, 0, ps.settleHits)
		})
	}
}

func TestSendSettlementFailure(t *testing.T) {
	ps, server := newPaidServer(t)
	ps.settleStatus = http.StatusPaymentRequired
	ps.settleBody = `{"error":"wallet empty"}`
	client := NewClient(testConfig(), WithHTTPClient(server.Client()))

	_, err := client.Send(context.Background(), server.URL+"/resource", RequestInit{}, SendOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, x402.ErrSettlementFailed))

	var pe *x402.PaymentError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, map[string]interface{}{"error": "wallet empty"}, pe.Details["details"])
	require.NotNil(t, pe.ChallengeResponse)
	assert.Equal(t, http.StatusPaymentRequired, pe.ChallengeResponse.StatusCode)

	ps.mu.Lock()
	defer ps.mu.Unlock()
	assert.Equal(t, 1, ps.resourceHits, "no retry after a failed settlement")
}

func TestSendSettlementMissingProof(t *testing.T) {
	ps, server := newPaidServer(t)
	ps.settleBody = `{"attemptId":"1"}`
	client := NewClient(testConfig(), WithHTTPClient(server.Client()))

	_, err := client.Send(context.Background(), server.URL+"/resource", RequestInit{}, SendOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, x402.ErrSettlementMissingProof))
}

func TestSendSpendLimit(t *testing.T) {
	ps, server := newPaidServer(t)
	client := NewClient(testConfig(), WithHTTPClient(server.Client()))

	_, err := client.Send(context.Background(), server.URL+"/resource", RequestInit{}, SendOptions{MaxAmount: "999"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, x402.ErrAmountExceedsLimit))

	ps.mu.Lock()
	assert.Equal(t, 0, ps.settleHits)
	ps.mu.Unlock()

	result, err := client.Send(context.Background(), server.URL+"/resource", RequestInit{}, SendOptions{MaxAmount: "1000"})
	require.NoError(t, err)
	assert.NotNil(t, result.PaymentReceipt)
}

func TestSendAuthHeaderOverrides(t *testing.T) {
	ps, server := newPaidServer(t)
	client := NewClient(testConfig(), WithHTTPClient(server.Client()))

	_, err := client.Send(context.Background(), server.URL+"/resource", RequestInit{
		Header: http.Header{"Authorization": {"Bearer request"}},
	}, SendOptions{
		AuthHeaders: http.Header{"mcp-session-id": {"s-1"}, "authorization": {"Bearer override"}},
	})
	require.NoError(t, err)

	ps.mu.Lock()
	defer ps.mu.Unlock()
	h := ps.settleHeaders[0]
	assert.Equal(t, "Bearer override", h.Get("Authorization"))
	assert.Equal(t, "s-1", h.Get("Mcp-Session-Id"))
}

func TestSetWireHeader(t *testing.T) {
	h := http.Header{"x-payment": {"stale"}, "X-Payment": {"older"}, "Accept": {"*/*"}}
	setWireHeader(h, x402.HeaderPayment, "fresh")
	assert.Equal(t, http.Header{"X-PAYMENT": {"fresh"}, "Accept": {"*/*"}}, h)
}

func TestSendTelemetryFailureDoesNotAffectOutcome(t *testing.T) {
	ps, server := newPaidServer(t)
	cfg := config.Default()
	cfg.APIBaseURL = server.URL
	rec := newCountingRecorder()
	client := NewClient(cfg, WithHTTPClient(server.Client()), WithMetrics(rec))

	result, err := client.Send(context.Background(), server.URL+"/resource", RequestInit{}, SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, result.Response.StatusCode)

	client.Telemetry().Wait()

	ps.mu.Lock()
	defer ps.mu.Unlock()
	assert.Equal(t, 1, ps.registerHits)
	assert.Equal(t, 1, rec.count(metrics.EventTelemetryDropped))
}

func TestSendRequestError(t *testing.T) {
	client := NewClient(testConfig())
	_, err := client.Send(context.Background(), "://bad", RequestInit{}, SendOptions{})
	require.Error(t, err)

	var pe *x402.PaymentError
	assert.False(t, errors.As(err, &pe))
}

func TestSendConcurrentCallsAreIndependent(t *testing.T) {
	var settles atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == config.DefaultSettlementPath {
			settles.Add(1)
			var body struct {
				Request RequestDescriptor `json:"request"`
			}
			json.NewDecoder(r.Body).Decode(&body)
			// echo the resource path as the proof
			json.NewEncoder(w).Encode(map[string]string{"paymentHeader": body.Request.URL[strings.LastIndex(body.Request.URL, "/")+1:]})
			return
		}
		proof := r.Header.Get(x402.HeaderPayment)
		if proof == "" {
			w.WriteHeader(http.StatusPaymentRequired)
			io.WriteString(w, testChallenge)
			return
		}
		if !strings.HasSuffix(r.URL.Path, "/"+proof) {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(testConfig(), WithHTTPClient(server.Client()))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := client.Send(context.Background(), server.URL+"/r/"+string(rune('a'+i)), RequestInit{}, SendOptions{})
			if assert.NoError(t, err) {
				assert.Equal(t, http.StatusOK, result.Response.StatusCode)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(8), settles.Load())
}

func TestWrapHTTPClientWithPayment(t *testing.T) {
	ps, server := newPaidServer(t)
	client := NewClient(testConfig())

	wrapped := WrapHTTPClientWithPayment(server.Client(), client, SendOptions{})
	resp, err := wrapped.Post(server.URL+"/resource", "application/json", strings.NewReader(`{"q":"x"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "paid content", string(body))

	ps.mu.Lock()
	defer ps.mu.Unlock()
	assert.Equal(t, []string{`{"q":"x"}`, `{"q":"x"}`}, ps.resourceBodies)
}

func TestConvenienceHelpers(t *testing.T) {
	_, server := newPaidServer(t)
	client := NewClient(testConfig(), WithHTTPClient(server.Client()))
	ctx := context.Background()

	resp, err := Get(ctx, server.URL+"/resource", client)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = Post(ctx, server.URL+"/resource", strings.NewReader(`{}`), client)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPut, server.URL+"/resource", strings.NewReader("x"))
	require.NoError(t, err)
	resp, err = Do(ctx, req, client)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	wrapped := WrapClient(server.Client(), client)
	resp, err = wrapped.Get(server.URL + "/resource")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetadataEnvelope(t *testing.T) {
	caller := map[string]interface{}{"a": 1, "x402": "overwritten"}
	got := metadataEnvelope(caller, 2, "")

	assert.Equal(t, map[string]interface{}{"attempt": 2}, got["x402"])
	assert.Equal(t, 1, got["a"])
	assert.Equal(t, "overwritten", caller["x402"], "caller map untouched")
}
