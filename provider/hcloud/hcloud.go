// Package hcloud implements the VPS provider adapter for Hetzner Cloud.
package hcloud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"

	"github.com/nodeup-sh/provisioning-backend/interfaces"
	"github.com/nodeup-sh/provisioning-backend/provider"
	"github.com/nodeup-sh/provisioning-backend/retry"
)

// Config carries the Hetzner Cloud API token and defaults.
type Config struct {
	Token string

	DefaultImage      string
	DefaultServerType string
	DefaultLocation   string
}

// serverAPI is the slice of the hcloud server client the adapter uses.
type serverAPI interface {
	Create(ctx context.Context, opts hcloud.ServerCreateOpts) (hcloud.ServerCreateResult, *hcloud.Response, error)
	GetByID(ctx context.Context, id int64) (*hcloud.Server, *hcloud.Response, error)
	Delete(ctx context.Context, server *hcloud.Server) (*hcloud.Response, error)
}

// Adapter provisions VPS instances through the Hetzner Cloud API.
type Adapter struct {
	servers serverAPI
	cfg     Config
	log     *slog.Logger
}

// New creates a Hetzner Cloud adapter.
func New(cfg Config, log *slog.Logger) *Adapter {
	client := hcloud.NewClient(hcloud.WithToken(cfg.Token))
	return &Adapter{servers: &client.Server, cfg: cfg, log: log}
}

// Kind identifies the adapter as the Hetzner VPS variant.
func (a *Adapter) Kind() interfaces.ProviderKind {
	return interfaces.ProviderHCloud
}

// CreateInstance creates a new server. Hetzner cannot take a chosen root
// password in the create call itself, so the generated credential is set
// through cloud-init user data at first boot.
func (a *Adapter) CreateInstance(ctx context.Context, spec interfaces.InstanceSpec) (string, error) {
	opts := hcloud.ServerCreateOpts{
		Name:       spec.DisplayName,
		ServerType: &hcloud.ServerType{Name: orDefault(spec.ProductID, a.cfg.DefaultServerType)},
		Image:      &hcloud.Image{Name: orDefault(spec.ImageID, a.cfg.DefaultImage)},
	}
	if loc := orDefault(spec.Region, a.cfg.DefaultLocation); loc != "" {
		opts.Location = &hcloud.Location{Name: loc}
	}
	if spec.RootPassword != "" {
		opts.UserData = rootPasswordUserData(spec.RootPassword)
	}

	var instanceID string
	err := retry.WithExponentialBackoff(ctx, func() error {
		result, _, err := a.servers.Create(ctx, opts)
		if err != nil {
			return classify(err)
		}
		instanceID = strconv.FormatInt(result.Server.ID, 10)
		return nil
	})
	if err != nil {
		return "", provider.WrapAPIError("create_instance", "", err)
	}

	a.log.Info("Hetzner server created", slog.String("instance_id", instanceID))
	return instanceID, nil
}

// PollStatus performs a single server lookup. A missing server counts as
// terminated.
func (a *Adapter) PollStatus(ctx context.Context, providerInstanceID string) (interfaces.InstanceState, error) {
	id, err := strconv.ParseInt(providerInstanceID, 10, 64)
	if err != nil {
		return interfaces.InstanceState{}, provider.WrapAPIError("poll_status", providerInstanceID,
			retry.Fatal(fmt.Errorf("invalid hcloud server id %q: %w", providerInstanceID, err)))
	}

	var state interfaces.InstanceState
	err = retry.WithExponentialBackoff(ctx, func() error {
		server, _, err := a.servers.GetByID(ctx, id)
		if err != nil {
			return classify(err)
		}
		if server == nil {
			state = interfaces.InstanceState{Status: interfaces.StatusTerminated}
			return nil
		}

		state = interfaces.InstanceState{Status: mapStatus(server.Status)}
		if state.Status == interfaces.StatusRunning && server.PublicNet.IPv4.IP != nil {
			state.Address = server.PublicNet.IPv4.IP.String()
		}
		return nil
	})
	if err != nil {
		return interfaces.InstanceState{}, provider.WrapAPIError("poll_status", providerInstanceID, err)
	}

	return state, nil
}

// CancelInstance deletes the server. Deleting a server that no longer
// exists is a no-op.
func (a *Adapter) CancelInstance(ctx context.Context, providerInstanceID string) error {
	id, err := strconv.ParseInt(providerInstanceID, 10, 64)
	if err != nil {
		return provider.WrapAPIError("cancel_instance", providerInstanceID,
			retry.Fatal(fmt.Errorf("invalid hcloud server id %q: %w", providerInstanceID, err)))
	}

	err = retry.WithExponentialBackoff(ctx, func() error {
		server, _, err := a.servers.GetByID(ctx, id)
		if err != nil {
			return classify(err)
		}
		if server == nil {
			return nil
		}

		if _, err := a.servers.Delete(ctx, server); err != nil {
			return classify(err)
		}
		return nil
	})
	if err != nil {
		return provider.WrapAPIError("cancel_instance", providerInstanceID, err)
	}

	a.log.Info("Hetzner server deleted", slog.String("instance_id", providerInstanceID))
	return nil
}

// rootPasswordUserData renders the cloud-init config that sets the root
// password and allows password SSH logins, matching what the Contabo API
// does natively at creation.
func rootPasswordUserData(password string) string {
	return fmt.Sprintf(`#cloud-config
chpasswd:
  expire: false
  users:
    - name: root
      password: %q
      type: text
ssh_pwauth: true
`, password)
}

func mapStatus(status hcloud.ServerStatus) interfaces.InstanceStatus {
	switch status {
	case hcloud.ServerStatusInitializing, hcloud.ServerStatusStarting:
		return interfaces.StatusPending
	case hcloud.ServerStatusRunning:
		return interfaces.StatusRunning
	case hcloud.ServerStatusDeleting:
		return interfaces.StatusTerminated
	default:
		return interfaces.StatusError
	}
}

// classify marks auth and validation failures fatal for the retry loop.
func classify(err error) error {
	var herr hcloud.Error
	if !errors.As(err, &herr) {
		return err
	}

	switch herr.Code {
	case hcloud.ErrorCodeUnauthorized, hcloud.ErrorCodeForbidden, hcloud.ErrorCodeInvalidInput,
		hcloud.ErrorCodeResourceLimitExceeded:
		return retry.Fatal(err)
	default:
		return err
	}
}

func orDefault(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}
