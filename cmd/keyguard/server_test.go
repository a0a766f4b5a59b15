package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hengadev/keyguard"
	"github.com/hengadev/keyguard/fieldcrypt"
	"github.com/hengadev/keyguard/internal/health"
	"github.com/hengadev/keyguard/internal/monitoring"
	"github.com/hengadev/keyguard/providers/local"
	"github.com/hengadev/keyguard/signing"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

const forgedSecret = `{"encrypted":"AAAA","iv":"AAAAAAAAAAAAAAAA","tag":"AAAAAAAAAAAAAAAAAAAAAA==","keyId":"database-encryption-key"}`

func newTestServer(t *testing.T) (*httptest.Server, *signing.Manager) {
	t.Helper()
	ctx := context.Background()

	kms, err := local.New(ctx, local.Config{Secret: "test-secret", Salt: "test-salt", ScryptN: 1 << 4, Logger: discard})
	require.NoError(t, err)
	t.Cleanup(func() { kms.Close() })
	store := keyguard.NewInMemorySecretStore()

	fields, err := fieldcrypt.New(kms, store, fieldcrypt.Config{
		Registry: keyguard.NewRegistry(map[string][]string{"webhooks": {"secret"}}),
		Logger:   discard,
	})
	require.NoError(t, err)
	t.Cleanup(func() { fields.Close() })

	metrics := monitoring.NewInMemoryMetricsCollector()
	lazy := signing.NewLazy(func(ctx context.Context) (*signing.Manager, error) {
		return signing.New(ctx, kms, store, signing.Config{
			EnvPrefix: "KEYGUARD_SERVER_TEST_",
			Hook:      monitoring.NewMetricsObservabilityHook(metrics),
			Logger:    discard,
		})
	})
	t.Cleanup(lazy.Destroy)
	keys, err := lazy.Get(ctx)
	require.NoError(t, err)

	hc := health.NewHealthChecker(keyguard.Version)
	require.NoError(t, hc.RegisterCheck(health.StoreHealthCheck(store)))
	require.NoError(t, hc.RegisterCheck(health.SigningHealthCheck(keys.CurrentKeyID)))

	s := &server{fields: fields, keys: lazy, health: hc, metrics: metrics, logger: discard}
	ts := httptest.NewServer(s.routes())
	t.Cleanup(ts.Close)
	return ts, keys
}

func post(t *testing.T, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case string:
		reader = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	resp, err := http.Post(url, "application/json", reader)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, out
}

func TestServer_Healthz(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var report health.HealthReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Equal(t, health.StatusHealthy, report.Status)
}

func TestServer_KeyStatsAndRotate(t *testing.T) {
	ts, keys := newTestServer(t)
	before := keys.CurrentKeyID()

	resp, err := http.Get(ts.URL + "/v1/keys/stats")
	require.NoError(t, err)
	var stats signing.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	resp.Body.Close()
	assert.Equal(t, before, stats.CurrentKeyID)
	assert.Equal(t, 1, stats.TotalKeys)

	resp, body := post(t, ts.URL+"/v1/keys/rotate?force=true", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var rotated struct {
		CurrentKeyID string `json:"currentKeyId"`
		Forced       bool   `json:"forced"`
	}
	require.NoError(t, json.Unmarshal(body, &rotated))
	assert.True(t, rotated.Forced)
	assert.NotEqual(t, before, rotated.CurrentKeyID)
	assert.Equal(t, rotated.CurrentKeyID, keys.CurrentKeyID())
}

func TestServer_FieldRoundTrip(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, body := post(t, ts.URL+"/v1/fields/webhooks/encrypt", map[string]any{"id": 7, "secret": "whsec_abc"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var enc map[string]any
	require.NoError(t, json.Unmarshal(body, &enc))
	assert.True(t, keyguard.IsEncrypted(enc["secret"].(string)))
	assert.EqualValues(t, 7, enc["id"])

	resp, body = post(t, ts.URL+"/v1/fields/webhooks/decrypt", enc)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var dec map[string]any
	require.NoError(t, json.Unmarshal(body, &dec))
	assert.Equal(t, "whsec_abc", dec["secret"])
}

func TestServer_FieldErrors(t *testing.T) {
	ts, _ := newTestServer(t)

	tests := []struct {
		name   string
		path   string
		body   any
		status int
		code   string
	}{
		{"malformed body", "/v1/fields/webhooks/encrypt", "{not json", http.StatusBadRequest, "INVALID_BODY"},
		{"null body", "/v1/fields/webhooks/encrypt", "null", http.StatusBadRequest, "INVALID_BODY"},
		{"non-string field", "/v1/fields/webhooks/encrypt", map[string]any{"secret": 12}, http.StatusBadRequest, "INVALID_FIELD"},
		{"forged ciphertext", "/v1/fields/webhooks/decrypt", map[string]any{"secret": forgedSecret}, http.StatusUnprocessableEntity, "DECRYPTION_FAILED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := post(t, ts.URL+tt.path, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)

			var e errorResponse
			require.NoError(t, json.Unmarshal(body, &e))
			assert.Equal(t, tt.code, e.Code)
			if tt.code == "DECRYPTION_FAILED" {
				assert.Equal(t, keyguard.PublicDecryptMessage, e.Message)
				assert.NotContains(t, string(body), "AAAA")
			}
		})
	}
}

func TestServer_BatchPartialFailure(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, body := post(t, ts.URL+"/v1/fields/webhooks/encrypt", []map[string]any{
		{"secret": "whsec_one"},
		{"secret": true},
	})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode, string(body))

	var out struct {
		Code    string           `json:"code"`
		Failed  []int            `json:"failed"`
		Records []map[string]any `json:"records"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "PARTIAL_FAILURE", out.Code)
	assert.Equal(t, []int{1}, out.Failed)
	require.Len(t, out.Records, 2)
	assert.True(t, keyguard.IsEncrypted(out.Records[0]["secret"].(string)))
	assert.Nil(t, out.Records[1])
}

func TestServer_BatchSuccess(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, body := post(t, ts.URL+"/v1/fields/webhooks/encrypt", []map[string]any{
		{"secret": "whsec_one"},
		{"secret": "whsec_two"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var out []map[string]any
	require.NoError(t, json.Unmarshal(body, &out))
	require.Len(t, out, 2)
	for _, rec := range out {
		assert.True(t, keyguard.IsEncrypted(rec["secret"].(string)))
	}
}

func TestServer_MetricsRecordKeyOperations(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, body := post(t, ts.URL+"/v1/keys/rotate", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, err := http.Get(ts.URL + "/v1/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snapshot map[string]float64
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snapshot))
	assert.Equal(t, 1.0, snapshot["keyguard.key_operations,operation=generate"])
	assert.Equal(t, 1.0, snapshot["keyguard.key_operations,operation=rotate"])
	assert.Equal(t, 1.0, snapshot["keyguard.operation.succeeded,operation=rotate,status=success"])
}
