// Package provisioning orchestrates the end-to-end instance provisioning
// flow: secret generation, instance creation, the wait for a running state
// and record persistence. It also hosts the reconciliation sweep that picks
// up instances left without an address by timed-out or interrupted runs.
package provisioning

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nodeup-sh/provisioning-backend/cryptoutils"
	"github.com/nodeup-sh/provisioning-backend/interfaces"
	"github.com/nodeup-sh/provisioning-backend/provider"
)

// Request is one provisioning order: who it is for and what to create.
type Request struct {
	UserID    interfaces.UserID
	ProjectID interfaces.ProjectID
	Provider  interfaces.ProviderKind

	// Spec describes the instance. RootPassword is overwritten with the
	// freshly generated secret before the instance spec reaches the adapter.
	Spec interfaces.InstanceSpec
}

// Config bounds the coordinator's wait-until-running loop.
type Config struct {
	MaxPollAttempts int
	PollInterval    time.Duration
}

// DefaultConfig polls every 10s for up to 5 minutes.
func DefaultConfig() Config {
	return Config{MaxPollAttempts: 30, PollInterval: 10 * time.Second}
}

// Coordinator runs the provisioning sequence. Every step is fatal for the
// current run; there is no rollback. A timeout after instance creation
// leaves the instance running for the reconciliation sweep to pick up.
type Coordinator struct {
	registry *provider.Registry
	store    interfaces.RecordStore
	cfg      Config
	log      *slog.Logger
}

// NewCoordinator wires the coordinator to its adapter registry and record
// store.
func NewCoordinator(registry *provider.Registry, store interfaces.RecordStore, cfg Config, log *slog.Logger) *Coordinator {
	if cfg.MaxPollAttempts <= 0 {
		cfg = DefaultConfig()
	}
	return &Coordinator{registry: registry, store: store, cfg: cfg, log: log}
}

// Provision creates one instance and persists its record, sealed root
// credential and address. Steps run strictly in order; a failure at any
// step aborts the run with that step's error.
func (c *Coordinator) Provision(ctx context.Context, req Request) (interfaces.ProvisionResult, error) {
	var result interfaces.ProvisionResult

	adapter, err := c.registry.For(req.Provider)
	if err != nil {
		return result, err
	}

	secret, key, err := cryptoutils.GenerateSecretAndKey()
	if err != nil {
		return result, interfaces.NewPipelineError(interfaces.KindCredentialSeal, "generate_secret", err)
	}

	spec := req.Spec
	spec.RootPassword = secret

	instanceID, err := adapter.CreateInstance(ctx, spec)
	if err != nil {
		return result, err
	}
	c.log.Info("Instance created",
		slog.String("instance_id", instanceID),
		slog.String("provider", string(req.Provider)),
		slog.Int64("user_id", int64(req.UserID)),
		slog.Int64("project_id", int64(req.ProjectID)))

	address, err := provider.WaitUntilRunning(ctx, adapter, instanceID, c.cfg.MaxPollAttempts, c.cfg.PollInterval, c.log)
	if err != nil {
		// The instance stays up on timeout. The sweep reconciles it later.
		return result, err
	}

	if address == "" {
		state, err := adapter.PollStatus(ctx, instanceID)
		if err != nil {
			return result, err
		}
		address = state.Address
	}
	if address == "" {
		pe := interfaces.NewPipelineError(interfaces.KindTransientProvider, "fetch_address",
			fmt.Errorf("instance running but no public address assigned yet"))
		pe.InstanceID = instanceID
		return result, pe
	}

	recordID, err := c.store.PersistInstanceRecord(ctx, req.UserID, req.ProjectID, instanceID, req.Provider)
	if err != nil {
		return result, fmt.Errorf("failed to persist instance record: %w", err)
	}

	sealed, err := cryptoutils.Seal(key, []byte(secret))
	if err != nil {
		pe := interfaces.NewPipelineError(interfaces.KindCredentialSeal, "seal_credential", err)
		pe.RecordID = recordID
		return result, pe
	}
	if err := c.store.PersistEncryptedCredential(ctx, recordID, sealed, key); err != nil {
		return result, fmt.Errorf("failed to persist sealed credential for record %s: %w", recordID, err)
	}

	if err := c.store.PersistInstanceAddress(ctx, instanceID, address); err != nil {
		return result, fmt.Errorf("failed to persist address for instance %s: %w", instanceID, err)
	}

	c.log.Info("Provisioning completed",
		slog.String("record_id", string(recordID)),
		slog.String("instance_id", instanceID),
		slog.String("address", address))

	return interfaces.ProvisionResult{
		RecordID:           recordID,
		ProviderInstanceID: instanceID,
		Address:            address,
	}, nil
}

// Cancel terminates an instance through its provider adapter.
func (c *Coordinator) Cancel(ctx context.Context, kind interfaces.ProviderKind, providerInstanceID string) error {
	adapter, err := c.registry.For(kind)
	if err != nil {
		return err
	}
	return adapter.CancelInstance(ctx, providerInstanceID)
}
