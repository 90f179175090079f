// Package contabo implements the VPS provider adapter against the Contabo
// compute API. Authentication uses the OAuth2 password grant; every API
// call carries fresh x-request-id/x-trace-id headers.
package contabo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nodeup-sh/provisioning-backend/interfaces"
	"github.com/nodeup-sh/provisioning-backend/provider"
	"github.com/nodeup-sh/provisioning-backend/retry"
)

const (
	defaultAuthURL = "https://auth.contabo.com/auth/realms/contabo/protocol/openid-connect/token"
	defaultAPIURL  = "https://api.contabo.com/v1/compute/instances"

	requestTimeout = 30 * time.Second
)

// Config carries the Contabo API credentials and endpoints.
type Config struct {
	ClientID     string
	ClientSecret string
	Username     string
	Password     string

	// AuthURL and APIURL default to the public Contabo endpoints.
	AuthURL string
	APIURL  string

	// DefaultRegion and DefaultPeriod apply when the instance spec leaves them empty.
	DefaultRegion string
	DefaultPeriod int
}

// Adapter provisions VPS instances through the Contabo REST API.
type Adapter struct {
	cfg        Config
	httpClient *http.Client
	log        *slog.Logger
}

// New creates a Contabo adapter.
func New(cfg Config, log *slog.Logger) *Adapter {
	if cfg.AuthURL == "" {
		cfg.AuthURL = defaultAuthURL
	}
	if cfg.APIURL == "" {
		cfg.APIURL = defaultAPIURL
	}
	if cfg.DefaultRegion == "" {
		cfg.DefaultRegion = "EU"
	}
	if cfg.DefaultPeriod == 0 {
		cfg.DefaultPeriod = 1
	}

	return &Adapter{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: requestTimeout},
		log:        log,
	}
}

// Kind identifies the adapter as the Contabo VPS variant.
func (a *Adapter) Kind() interfaces.ProviderKind {
	return interfaces.ProviderContabo
}

type createRequest struct {
	ImageID       string         `json:"imageId"`
	ProductID     string         `json:"productId"`
	Region        string         `json:"region"`
	RootPassword  string         `json:"rootPassword"`
	Period        int            `json:"period"`
	DisplayName   string         `json:"displayName"`
	DefaultUser   string         `json:"defaultUser"`
	AddOns        map[string]any `json:"addOns"`
	ApplicationID string         `json:"applicationId"`
}

type instanceData struct {
	InstanceID int64  `json:"instanceId"`
	Status     string `json:"status"`
	IPConfig   struct {
		V4 struct {
			IP string `json:"ip"`
		} `json:"v4"`
	} `json:"ipConfig"`
}

type apiResponse struct {
	Data []instanceData `json:"data"`
}

// CreateInstance submits a creation request. The provider sets the root
// password from the generated secret at creation time.
func (a *Adapter) CreateInstance(ctx context.Context, spec interfaces.InstanceSpec) (string, error) {
	payload := createRequest{
		ImageID:      spec.ImageID,
		ProductID:    spec.ProductID,
		Region:       orDefault(spec.Region, a.cfg.DefaultRegion),
		RootPassword: spec.RootPassword,
		Period:       orDefaultInt(spec.Period, a.cfg.DefaultPeriod),
		DisplayName:  spec.DisplayName,
		DefaultUser:  "root",
		AddOns: map[string]any{
			"privateNetworking": map[string]any{},
			"additionalIps":     map[string]any{},
			"extraStorage":      map[string]any{},
			"customImage":       map[string]any{},
		},
		ApplicationID: spec.ImageID,
	}

	var instanceID string
	err := retry.WithExponentialBackoff(ctx, func() error {
		var resp apiResponse
		if err := a.doJSON(ctx, http.MethodPost, a.cfg.APIURL, payload, &resp); err != nil {
			return err
		}
		if len(resp.Data) == 0 {
			return retry.Fatal(fmt.Errorf("unexpected response format: no instance data"))
		}
		instanceID = strconv.FormatInt(resp.Data[0].InstanceID, 10)
		return nil
	})
	if err != nil {
		return "", provider.WrapAPIError("create_instance", "", err)
	}

	a.log.Info("Contabo instance created", slog.String("instance_id", instanceID))
	return instanceID, nil
}

// PollStatus performs a single status check against the instance endpoint.
func (a *Adapter) PollStatus(ctx context.Context, providerInstanceID string) (interfaces.InstanceState, error) {
	endpoint := fmt.Sprintf("%s/%s", a.cfg.APIURL, providerInstanceID)

	var state interfaces.InstanceState
	err := retry.WithExponentialBackoff(ctx, func() error {
		var resp apiResponse
		if err := a.doJSON(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
			return err
		}
		if len(resp.Data) == 0 {
			return retry.Fatal(fmt.Errorf("unexpected response format: instance %s missing from response", providerInstanceID))
		}

		data := resp.Data[0]
		state = interfaces.InstanceState{Status: mapStatus(data.Status)}
		if state.Status == interfaces.StatusRunning {
			state.Address = data.IPConfig.V4.IP
		}
		return nil
	})
	if err != nil {
		return interfaces.InstanceState{}, provider.WrapAPIError("poll_status", providerInstanceID, err)
	}

	return state, nil
}

// CancelInstance cancels the instance. A 404 means the instance is already
// gone and is treated as success.
func (a *Adapter) CancelInstance(ctx context.Context, providerInstanceID string) error {
	endpoint := fmt.Sprintf("%s/%s/cancel", a.cfg.APIURL, providerInstanceID)

	err := retry.WithExponentialBackoff(ctx, func() error {
		err := a.doJSON(ctx, http.MethodPost, endpoint, nil, nil)
		if isNotFound(err) {
			return nil
		}
		return err
	})
	if err != nil {
		return provider.WrapAPIError("cancel_instance", providerInstanceID, err)
	}

	a.log.Info("Contabo instance cancelled", slog.String("instance_id", providerInstanceID))
	return nil
}

// accessToken fetches a bearer token via the OAuth2 password grant.
func (a *Adapter) accessToken(ctx context.Context) (string, error) {
	form := url.Values{
		"grant_type":    {"password"},
		"client_id":     {a.cfg.ClientID},
		"client_secret": {a.cfg.ClientSecret},
		"username":      {a.cfg.Username},
		"password":      {a.cfg.Password},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.AuthURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", retry.Fatal(fmt.Errorf("failed to build auth request: %w", err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("auth request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return "", fmt.Errorf("authentication with Contabo API failed: %w", err)
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", fmt.Errorf("failed to parse auth response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return "", retry.Fatal(fmt.Errorf("access token not found in response"))
	}

	return tokenResp.AccessToken, nil
}

// doJSON performs one authenticated API call, decoding the response into
// out when it is non-nil.
func (a *Adapter) doJSON(ctx context.Context, method, endpoint string, payload, out any) error {
	token, err := a.accessToken(ctx)
	if err != nil {
		return err
	}

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return retry.Fatal(fmt.Errorf("failed to encode request: %w", err))
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return retry.Fatal(fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("x-request-id", uuid.New().String())
	req.Header.Set("x-trace-id", uuid.New().String()[:6])

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return err
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to parse response from %s: %w", endpoint, err)
		}
	}
	return nil
}

// statusError preserves the HTTP status for idempotency checks.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.code)
}

// classifyStatus turns non-2xx responses into errors; client errors are
// marked fatal so they are never retried.
func classifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500:
		return &statusError{code: code}
	default:
		return retry.Fatal(&statusError{code: code})
	}
}

func isNotFound(err error) bool {
	var se *statusError
	return errors.As(err, &se) && se.code == http.StatusNotFound
}

// mapStatus normalizes Contabo's status strings.
func mapStatus(status string) interfaces.InstanceStatus {
	switch strings.ToLower(status) {
	case "running":
		return interfaces.StatusRunning
	case "cancelled":
		return interfaces.StatusTerminated
	case "error":
		return interfaces.StatusError
	default:
		// provisioning, installing, stopped and friends are still pending
		// from the pipeline's point of view.
		return interfaces.StatusPending
	}
}

func orDefault(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}

func orDefaultInt(value, fallback int) int {
	if value != 0 {
		return value
	}
	return fallback
}
