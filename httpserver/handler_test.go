package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nodeup-sh/provisioning-backend/bootstrap"
	"github.com/nodeup-sh/provisioning-backend/cryptoutils"
	"github.com/nodeup-sh/provisioning-backend/interfaces"
	"github.com/nodeup-sh/provisioning-backend/jobrunner"
	"github.com/nodeup-sh/provisioning-backend/metrics"
	"github.com/nodeup-sh/provisioning-backend/provider"
	"github.com/nodeup-sh/provisioning-backend/provisioning"
	"github.com/nodeup-sh/provisioning-backend/storage"
)

type stubAdapter struct {
	kind      interfaces.ProviderKind
	createErr error
	cancelled []string
}

func (a *stubAdapter) Kind() interfaces.ProviderKind { return a.kind }

func (a *stubAdapter) CreateInstance(context.Context, interfaces.InstanceSpec) (string, error) {
	if a.createErr != nil {
		return "", a.createErr
	}
	return "abc123", nil
}

func (a *stubAdapter) PollStatus(context.Context, string) (interfaces.InstanceState, error) {
	return interfaces.InstanceState{Status: interfaces.StatusRunning, Address: "1.2.3.4"}, nil
}

func (a *stubAdapter) CancelInstance(_ context.Context, id string) error {
	a.cancelled = append(a.cancelled, id)
	return nil
}

type testEnv struct {
	server  *httptest.Server
	store   *storage.MemoryStore
	adapter *stubAdapter
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := slog.New(slog.DiscardHandler)

	adapter := &stubAdapter{kind: interfaces.ProviderContabo}
	store := storage.NewMemoryStore(map[interfaces.ProjectID]string{3: "elixir"})
	registry := provider.NewRegistry(adapter)
	coordinator := provisioning.NewCoordinator(registry, store,
		provisioning.Config{MaxPollAttempts: 3, PollInterval: time.Millisecond}, log)

	executor := bootstrap.NewExecutor(&staticTemplates{}, bootstrap.Config{
		MaxAttempts: 1,
		RetryDelay:  time.Millisecond,
		StageDelay:  time.Millisecond,
		DialTimeout: 100 * time.Millisecond,
	}, log)
	relay := bootstrap.NewRelay(bootstrap.RelayConfig{Port: 1, DialTimeout: 100 * time.Millisecond}, log)

	m := metrics.New("test")
	handler := NewHandler(coordinator, executor, relay, store, jobrunner.New(log), m, HandlerConfig{
		ProvisionTimeout: 5 * time.Second,
		BootstrapTimeout: 5 * time.Second,
	}, log)

	srv := New(&HTTPServerConfig{
		ListenAddr:               "127.0.0.1:0",
		Log:                      log,
		DrainDuration:            time.Millisecond,
		GracefulShutdownDuration: time.Second,
	}, handler, m)

	ts := httptest.NewServer(srv.getRouter())
	t.Cleanup(ts.Close)
	return &testEnv{server: ts, store: store, adapter: adapter}
}

type staticTemplates struct{}

func (s *staticTemplates) Load(_ context.Context, workload string) ([]byte, error) {
	if workload != "elixir" {
		return nil, interfaces.ErrTemplateNotFound
	}
	return []byte("IP={ip}\n"), nil
}

func (s *staticTemplates) LocationURI() string { return "static://" }

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestProvisionEndpoint(t *testing.T) {
	env := newTestEnv(t)

	resp := postJSON(t, env.server.URL+"/api/instances", map[string]any{
		"user_id":    7,
		"project_id": 3,
		"provider":   "contabo",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	result := decodeBody[interfaces.ProvisionResult](t, resp)
	require.Equal(t, "abc123", result.ProviderInstanceID)
	require.Equal(t, "1.2.3.4", result.Address)
	require.NotEmpty(t, result.RecordID)

	// The record is complete: address persisted, credential sealed.
	bundle, err := env.store.FetchCredentialBundle(context.Background(), result.RecordID)
	require.NoError(t, err)
	require.Equal(t, "1.2.3.4", bundle.Address)
	require.NotEmpty(t, bundle.SealedPassword)
}

func TestProvisionEndpointRejectsUnknownProvider(t *testing.T) {
	env := newTestEnv(t)

	resp := postJSON(t, env.server.URL+"/api/instances", map[string]any{
		"user_id":    7,
		"project_id": 3,
		"provider":   "gcp",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	apiErr := decodeBody[apiError](t, resp)
	require.Contains(t, apiErr.Error, "unsupported provider")
}

func TestProvisionEndpointRejectsMissingIDs(t *testing.T) {
	env := newTestEnv(t)

	resp := postJSON(t, env.server.URL+"/api/instances", map[string]any{"provider": "contabo"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestProvisionEndpointMapsProviderFailure(t *testing.T) {
	env := newTestEnv(t)
	env.adapter.createErr = interfaces.NewPipelineError(interfaces.KindPermanentProvider, "create_instance",
		fmt.Errorf("quota exceeded"))

	resp := postJSON(t, env.server.URL+"/api/instances", map[string]any{
		"user_id":    7,
		"project_id": 3,
		"provider":   "contabo",
	})
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)

	apiErr := decodeBody[apiError](t, resp)
	require.Equal(t, string(interfaces.KindPermanentProvider), apiErr.Kind)
}

func TestCancelEndpoint(t *testing.T) {
	env := newTestEnv(t)

	req, err := http.NewRequest(http.MethodDelete, env.server.URL+"/api/instances/abc123?provider=contabo", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody[map[string]bool](t, resp)
	require.True(t, body["ok"])
	require.Equal(t, []string{"abc123"}, env.adapter.cancelled)
}

func TestCancelEndpointRequiresProvider(t *testing.T) {
	env := newTestEnv(t)

	req, err := http.NewRequest(http.MethodDelete, env.server.URL+"/api/instances/abc123", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBootstrapEndpointUnknownRecord(t *testing.T) {
	env := newTestEnv(t)

	resp := postJSON(t, env.server.URL+"/api/records/nope/bootstrap", map[string]string{})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestWalletEndpoint(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	recordID, err := env.store.PersistInstanceRecord(ctx, 7, 3, "abc123", interfaces.ProviderContabo)
	require.NoError(t, err)
	_, key, err := cryptoutils.GenerateSecretAndKey()
	require.NoError(t, err)
	sealed, err := cryptoutils.Seal(key, []byte("root-password"))
	require.NoError(t, err)
	require.NoError(t, env.store.PersistEncryptedCredential(ctx, recordID, sealed, key))

	resp := postJSON(t, env.server.URL+"/api/records/"+string(recordID)+"/wallet", map[string]string{})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody[map[string]string](t, resp)
	require.True(t, strings.HasPrefix(body["address"], "0x"))

	// Both wallet fields are persisted sealed under the record's key and
	// decrypt back to consistent material.
	bundle, err := env.store.FetchCredentialBundle(ctx, recordID)
	require.NoError(t, err)
	address, err := cryptoutils.Open(bundle.WrappingKey, bundle.SealedPublicKey)
	require.NoError(t, err)
	require.Equal(t, body["address"], string(address))
	privKey, err := cryptoutils.Open(bundle.WrappingKey, bundle.SealedPrivateKey)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(privKey), "0x"))
}

func TestWalletEndpointWithoutWrappingKey(t *testing.T) {
	env := newTestEnv(t)

	recordID, err := env.store.PersistInstanceRecord(context.Background(), 7, 3, "abc123", interfaces.ProviderContabo)
	require.NoError(t, err)

	resp := postJSON(t, env.server.URL+"/api/records/"+string(recordID)+"/wallet", map[string]string{})
	defer resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestHealthAndDrainEndpoints(t *testing.T) {
	env := newTestEnv(t)

	get := func(path string) (*http.Response, string) {
		resp, err := http.Get(env.server.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp, string(body)
	}

	resp, _ := get("/livez")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = get("/readyz")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := get("/drain")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, body, "draining")

	resp, _ = get("/readyz")
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, _ = get("/undrain")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = get("/readyz")
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLogsEndpointUnknownRecord(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.server.URL + "/api/records/nope/logs")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
