package contabo

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nodeup-sh/provisioning-backend/interfaces"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *Adapter) {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/auth", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "password", r.Form.Get("grant_type"))
		json.NewEncoder(w).Encode(map[string]string{"access_token": "test-token"})
	})
	mux.HandleFunc("/", handler)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	adapter := New(Config{
		ClientID:     "client",
		ClientSecret: "secret",
		Username:     "user",
		Password:     "pass",
		AuthURL:      srv.URL + "/auth",
		APIURL:       srv.URL + "/v1/compute/instances",
	}, slog.New(slog.DiscardHandler))
	return srv, adapter
}

func TestCreateInstance(t *testing.T) {
	var gotPassword string
	_, adapter := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		require.NotEmpty(t, r.Header.Get("x-request-id"))

		var req createRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotPassword = req.RootPassword

		json.NewEncoder(w).Encode(apiResponse{Data: []instanceData{{InstanceID: 201234}}})
	})

	id, err := adapter.CreateInstance(context.Background(), interfaces.InstanceSpec{
		ImageID:      "img-uuid",
		ProductID:    "V45",
		RootPassword: "s3cret-root-pw",
	})
	require.NoError(t, err)
	require.Equal(t, "201234", id)
	require.Equal(t, "s3cret-root-pw", gotPassword, "root password must be set at creation")
}

func TestPollStatusRunningIncludesAddress(t *testing.T) {
	_, adapter := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		data := instanceData{InstanceID: 201234, Status: "running"}
		data.IPConfig.V4.IP = "1.2.3.4"
		json.NewEncoder(w).Encode(apiResponse{Data: []instanceData{data}})
	})

	state, err := adapter.PollStatus(context.Background(), "201234")
	require.NoError(t, err)
	require.Equal(t, interfaces.StatusRunning, state.Status)
	require.Equal(t, "1.2.3.4", state.Address)
}

func TestPollStatusProvisioningIsPending(t *testing.T) {
	_, adapter := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(apiResponse{Data: []instanceData{{InstanceID: 201234, Status: "provisioning"}}})
	})

	state, err := adapter.PollStatus(context.Background(), "201234")
	require.NoError(t, err)
	require.Equal(t, interfaces.StatusPending, state.Status)
	require.Empty(t, state.Address)
}

func TestValidationFailureIsPermanent(t *testing.T) {
	calls := 0
	_, adapter := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "bad request", http.StatusBadRequest)
	})

	_, err := adapter.CreateInstance(context.Background(), interfaces.InstanceSpec{})
	require.True(t, interfaces.IsKind(err, interfaces.KindPermanentProvider), "got %v", err)
	require.Equal(t, 1, calls, "validation failures must not be retried")
}

func TestCancelInstanceIdempotent(t *testing.T) {
	_, adapter := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	err := adapter.CancelInstance(context.Background(), "201234")
	require.NoError(t, err)
}
