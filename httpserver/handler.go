// Package httpserver is the thin request boundary over the provisioning
// pipeline. Handlers parse and validate, hand long-running work to the job
// runner and translate pipeline errors to structured JSON responses.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nodeup-sh/provisioning-backend/bootstrap"
	"github.com/nodeup-sh/provisioning-backend/cryptoutils"
	"github.com/nodeup-sh/provisioning-backend/interfaces"
	"github.com/nodeup-sh/provisioning-backend/jobrunner"
	"github.com/nodeup-sh/provisioning-backend/metrics"
	"github.com/nodeup-sh/provisioning-backend/provisioning"
	"github.com/nodeup-sh/provisioning-backend/wallet"
)

// maxBodySize is the maximum allowed request body size (1MB).
const maxBodySize = 1024 * 1024

// HandlerConfig carries the handler's operational knobs.
type HandlerConfig struct {
	// ProvisionTimeout bounds one provisioning job end to end.
	ProvisionTimeout time.Duration

	// BootstrapTimeout bounds one bootstrap job end to end.
	BootstrapTimeout time.Duration

	// BootstrapUser is the SSH login for bootstrap and log sessions.
	BootstrapUser string

	// BootstrapKey is the PEM private key used when a request selects
	// private-key auth.
	BootstrapKey []byte
}

func (c HandlerConfig) withDefaults() HandlerConfig {
	if c.ProvisionTimeout == 0 {
		c.ProvisionTimeout = 10 * time.Minute
	}
	if c.BootstrapTimeout == 0 {
		c.BootstrapTimeout = 10 * time.Minute
	}
	if c.BootstrapUser == "" {
		c.BootstrapUser = "root"
	}
	return c
}

// Handler processes the pipeline's HTTP requests.
type Handler struct {
	coordinator *provisioning.Coordinator
	executor    *bootstrap.Executor
	relay       *bootstrap.Relay
	store       interfaces.RecordStore
	jobs        *jobrunner.Runner
	metrics     *metrics.Metrics
	cfg         HandlerConfig
	log         *slog.Logger
}

// NewHandler creates the request handler over its pipeline collaborators.
func NewHandler(coordinator *provisioning.Coordinator, executor *bootstrap.Executor, relay *bootstrap.Relay, store interfaces.RecordStore, jobs *jobrunner.Runner, m *metrics.Metrics, cfg HandlerConfig, log *slog.Logger) *Handler {
	return &Handler{
		coordinator: coordinator,
		executor:    executor,
		relay:       relay,
		store:       store,
		jobs:        jobs,
		metrics:     m,
		cfg:         cfg.withDefaults(),
		log:         log,
	}
}

type provisionRequest struct {
	UserID          int64  `json:"user_id"`
	ProjectID       int64  `json:"project_id"`
	Provider        string `json:"provider"`
	ImageID         string `json:"image_id,omitempty"`
	ProductID       string `json:"product_id,omitempty"`
	Region          string `json:"region,omitempty"`
	DisplayName     string `json:"display_name,omitempty"`
	SSHKeyName      string `json:"ssh_key_name,omitempty"`
	SecurityGroupID string `json:"security_group_id,omitempty"`
	Period          int    `json:"period,omitempty"`
}

// HandleProvision starts a provisioning job and blocks until it completes
// or times out.
//
// URL format: POST /api/instances
func (h *Handler) HandleProvision(w http.ResponseWriter, r *http.Request) {
	var req provisionRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	kind, err := interfaces.ParseProviderKind(req.Provider)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.UserID <= 0 || req.ProjectID <= 0 {
		h.writeError(w, http.StatusBadRequest, errors.New("user_id and project_id are required"))
		return
	}

	start := time.Now()
	result, err := jobrunner.Run(r.Context(), h.jobs, "provision", h.cfg.ProvisionTimeout,
		func(ctx context.Context) (interfaces.ProvisionResult, error) {
			return h.coordinator.Provision(ctx, provisioning.Request{
				UserID:    interfaces.UserID(req.UserID),
				ProjectID: interfaces.ProjectID(req.ProjectID),
				Provider:  kind,
				Spec: interfaces.InstanceSpec{
					ImageID:         req.ImageID,
					ProductID:       req.ProductID,
					Region:          req.Region,
					DisplayName:     req.DisplayName,
					SSHKeyName:      req.SSHKeyName,
					SecurityGroupID: req.SecurityGroupID,
					Period:          req.Period,
				},
			})
		})
	h.metrics.ObserveProvision(string(kind), err, time.Since(start))
	if err != nil {
		h.writeError(w, statusForError(err), err)
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

type bootstrapRequest struct {
	// Mode selects password or private-key authentication. Defaults to
	// password.
	Mode string `json:"mode,omitempty"`
}

// HandleBootstrap runs the workload's bootstrap script on the record's
// instance.
//
// URL format: POST /api/records/{record_id}/bootstrap
func (h *Handler) HandleBootstrap(w http.ResponseWriter, r *http.Request) {
	recordID := interfaces.RecordID(chi.URLParam(r, "record_id"))

	var req bootstrapRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	mode := bootstrap.AuthMode(req.Mode)
	if mode == "" {
		mode = bootstrap.AuthPassword
	}

	target, workload, values, err := h.resolveTarget(r.Context(), recordID, mode)
	if err != nil {
		h.writeError(w, statusForError(err), err)
		return
	}

	_, err = jobrunner.Run(r.Context(), h.jobs, "bootstrap", h.cfg.BootstrapTimeout,
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, h.executor.Bootstrap(ctx, target, workload, values)
		})
	h.metrics.ObserveBootstrap(err)
	if err != nil {
		h.writeError(w, statusForError(err), err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

// BootstrapRecord runs the workload's bootstrap script on a record's
// instance using password auth. The reconciliation sweep uses it to pick
// up instances that came online between API calls.
func (h *Handler) BootstrapRecord(ctx context.Context, recordID interfaces.RecordID) error {
	target, workload, values, err := h.resolveTarget(ctx, recordID, bootstrap.AuthPassword)
	if err != nil {
		return err
	}
	err = h.executor.Bootstrap(ctx, target, workload, values)
	h.metrics.ObserveBootstrap(err)
	return err
}

// HandleLogs streams the instance's workload logs as chunked plain text
// until the remote process ends or the client disconnects.
//
// URL format: GET /api/records/{record_id}/logs
func (h *Handler) HandleLogs(w http.ResponseWriter, r *http.Request) {
	recordID := interfaces.RecordID(chi.URLParam(r, "record_id"))

	target, _, _, err := h.resolveTarget(r.Context(), recordID, bootstrap.AuthPassword)
	if err != nil {
		h.writeError(w, statusForError(err), err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	// The stream outlives any write deadline the server sets.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.metrics.ActiveLogStreams.Inc()
	defer h.metrics.ActiveLogStreams.Dec()

	// r.Context() is cancelled on client disconnect, which tears down the
	// relay's SSH session.
	for line := range h.relay.StreamLogs(r.Context(), target) {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return
		}
		flusher.Flush()
	}
}

// HandleCancel terminates an instance.
//
// URL format: DELETE /api/instances/{instance_id}?provider=contabo
func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	instanceID := chi.URLParam(r, "instance_id")

	kind, err := interfaces.ParseProviderKind(r.URL.Query().Get("provider"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := h.coordinator.Cancel(r.Context(), kind, instanceID); err != nil {
		h.writeError(w, statusForError(err), err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// HandleWallet generates a wallet for the record and persists both keys
// sealed under the record's wrapping key. Only the address leaves the
// service in clear.
//
// URL format: POST /api/records/{record_id}/wallet
func (h *Handler) HandleWallet(w http.ResponseWriter, r *http.Request) {
	recordID := interfaces.RecordID(chi.URLParam(r, "record_id"))

	bundle, err := h.store.FetchCredentialBundle(r.Context(), recordID)
	if err != nil {
		h.writeError(w, statusForError(err), err)
		return
	}
	if len(bundle.WrappingKey) == 0 {
		h.writeError(w, http.StatusConflict, fmt.Errorf("record %s has no wrapping key yet", recordID))
		return
	}

	wlt, err := wallet.Generate()
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}

	sealedAddress, err := cryptoutils.Seal(bundle.WrappingKey, []byte(wlt.Address))
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	sealedKey, err := cryptoutils.Seal(bundle.WrappingKey, []byte(wlt.PrivateKeyHex))
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}

	if err := h.store.PersistWalletKeys(r.Context(), recordID, sealedAddress, sealedKey); err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}

	h.log.Info("Wallet generated for record",
		slog.String("record_id", string(recordID)),
		slog.String("address", wlt.Address))
	h.writeJSON(w, http.StatusOK, map[string]string{"address": wlt.Address})
}

// resolveTarget loads a record's credential bundle, transiently decrypts
// the root password and assembles the SSH target plus the template values.
func (h *Handler) resolveTarget(ctx context.Context, recordID interfaces.RecordID, mode bootstrap.AuthMode) (bootstrap.Target, string, map[string]string, error) {
	bundle, err := h.store.FetchCredentialBundle(ctx, recordID)
	if err != nil {
		return bootstrap.Target{}, "", nil, err
	}
	if bundle.Address == "" {
		return bootstrap.Target{}, "", nil, fmt.Errorf("record %s has no instance address yet", recordID)
	}

	password, err := cryptoutils.Open(bundle.WrappingKey, bundle.SealedPassword)
	if err != nil {
		pe := interfaces.NewPipelineError(interfaces.KindDecryption, "open_credential", err)
		pe.RecordID = recordID
		return bootstrap.Target{}, "", nil, pe
	}

	values := map[string]string{"ip": bundle.Address}
	if len(bundle.SealedPublicKey) > 0 {
		address, err := cryptoutils.Open(bundle.WrappingKey, bundle.SealedPublicKey)
		if err == nil {
			values["wallet"] = string(address)
		}
	}
	if len(bundle.SealedPrivateKey) > 0 {
		key, err := cryptoutils.Open(bundle.WrappingKey, bundle.SealedPrivateKey)
		if err == nil {
			values["wallet_key"] = string(key)
		}
	}

	target := bootstrap.Target{
		Address:  bundle.Address,
		User:     h.cfg.BootstrapUser,
		Mode:     mode,
		Password: string(password),
	}
	if mode == bootstrap.AuthPrivateKey {
		target.PrivateKey = h.cfg.BootstrapKey
	}
	return target, bundle.Workload, values, nil
}

type apiError struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.log.Warn("Request failed",
		slog.Int("status", status),
		slog.String("err", err.Error()))
	h.writeJSON(w, status, apiError{Error: err.Error(), Kind: string(interfaces.KindOf(err))})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.log.Error("Failed to encode response", slog.String("err", err.Error()))
	}
}

// statusForError maps pipeline error kinds to HTTP statuses.
func statusForError(err error) int {
	if errors.Is(err, interfaces.ErrRecordNotFound) || errors.Is(err, interfaces.ErrTemplateNotFound) {
		return http.StatusNotFound
	}
	switch interfaces.KindOf(err) {
	case interfaces.KindJobTimeout, interfaces.KindProvisioningTimeout:
		return http.StatusGatewayTimeout
	case interfaces.KindPermanentProvider, interfaces.KindTransientProvider:
		return http.StatusBadGateway
	case interfaces.KindTemplateNotFound:
		return http.StatusNotFound
	case interfaces.KindRemoteAuth, interfaces.KindPrivilegeElevation, interfaces.KindDecryption:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

var errEmptyBody = errors.New("empty request body")

func decodeJSON(r *http.Request, into any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return errEmptyBody
	}
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodySize))
	if err := dec.Decode(into); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
