// Package provider hosts the pieces shared by all provider adapters: the
// adapter registry and the poll-until-running loop.
package provider

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nodeup-sh/provisioning-backend/interfaces"
	"github.com/nodeup-sh/provisioning-backend/retry"
)

// Registry resolves a provider choice to its configured adapter.
type Registry struct {
	adapters map[interfaces.ProviderKind]interfaces.ProviderAdapter
}

// NewRegistry builds a registry over the configured adapters.
func NewRegistry(adapters ...interfaces.ProviderAdapter) *Registry {
	m := make(map[interfaces.ProviderKind]interfaces.ProviderAdapter, len(adapters))
	for _, a := range adapters {
		m[a.Kind()] = a
	}
	return &Registry{adapters: m}
}

// For returns the adapter for the given provider kind.
func (r *Registry) For(kind interfaces.ProviderKind) (interfaces.ProviderAdapter, error) {
	adapter, ok := r.adapters[kind]
	if !ok {
		return nil, fmt.Errorf("no adapter configured for provider %q", kind)
	}
	return adapter, nil
}

// WrapAPIError classifies a failed provider API call after its bounded
// retry has run its course. Errors the adapter marked fatal (auth,
// validation) surface as permanent; everything else is transient.
func WrapAPIError(stage, providerInstanceID string, err error) error {
	kind := interfaces.KindTransientProvider
	if retry.IsFatal(err) {
		kind = interfaces.KindPermanentProvider
	}
	pe := interfaces.NewPipelineError(kind, stage, err)
	pe.InstanceID = providerInstanceID
	return pe
}

// WaitUntilRunning polls the adapter until the instance reports running and
// returns its address. It returns a permanent error once the instance enters
// a terminal status, and a provisioning-timeout error when maxAttempts polls
// pass without reaching running. The fixed delay between polls blocks only
// this goroutine and is cancelable through ctx.
func WaitUntilRunning(ctx context.Context, adapter interfaces.ProviderAdapter, providerInstanceID string, maxAttempts int, interval time.Duration, log *slog.Logger) (string, error) {
	log.Info("Waiting for instance to enter running state",
		slog.String("instance_id", providerInstanceID),
		slog.String("provider", string(adapter.Kind())))

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		state, err := adapter.PollStatus(ctx, providerInstanceID)
		if err != nil {
			return "", err
		}

		log.Debug("Instance status",
			slog.String("instance_id", providerInstanceID),
			slog.String("status", string(state.Status)),
			slog.Int("attempt", attempt))

		switch {
		case state.Status == interfaces.StatusRunning:
			log.Info("Instance is running",
				slog.String("instance_id", providerInstanceID),
				slog.String("address", state.Address))
			return state.Address, nil

		case state.Status.Terminal():
			pe := interfaces.NewPipelineError(interfaces.KindPermanentProvider, "wait_until_running",
				fmt.Errorf("instance entered %s state", state.Status))
			pe.InstanceID = providerInstanceID
			return "", pe
		}

		// Last attempt used up; skip the final delay.
		if attempt == maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("wait for instance %s cancelled: %w", providerInstanceID, ctx.Err())
		case <-time.After(interval):
		}
	}

	pe := interfaces.NewPipelineError(interfaces.KindProvisioningTimeout, "wait_until_running",
		fmt.Errorf("instance did not reach running state within %d polls", maxAttempts))
	pe.InstanceID = providerInstanceID
	return "", pe
}
