package provisioning

import (
	"context"
	"log/slog"

	"github.com/nodeup-sh/provisioning-backend/interfaces"
	"github.com/nodeup-sh/provisioning-backend/provider"
)

// BootstrapFunc re-runs the remote bootstrap for a record the sweep just
// completed. Optional; nil disables re-bootstrap.
type BootstrapFunc func(ctx context.Context, recordID interfaces.RecordID) error

// Reconciler sweeps instances that reached the provider but never got an
// address persisted, the partial-failure mode left behind by provisioning
// timeouts. One poll per pending instance, no loop; instances still pending
// are picked up by the next sweep.
type Reconciler struct {
	registry  *provider.Registry
	store     interfaces.RecordStore
	bootstrap BootstrapFunc
	log       *slog.Logger
}

// NewReconciler builds a sweep over the given registry and store.
func NewReconciler(registry *provider.Registry, store interfaces.RecordStore, bootstrap BootstrapFunc, log *slog.Logger) *Reconciler {
	return &Reconciler{registry: registry, store: store, bootstrap: bootstrap, log: log}
}

// Sweep polls every pending instance once and persists the address of those
// now running. Per-instance failures are logged and skipped so one broken
// instance cannot starve the rest. Returns the number of instances whose
// address was persisted.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	pending, err := r.store.ListPendingInstances(ctx)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	r.log.Info("Reconciliation sweep started", slog.Int("pending", len(pending)))

	reconciled := 0
	for _, p := range pending {
		if err := ctx.Err(); err != nil {
			return reconciled, err
		}

		done, err := r.reconcileOne(ctx, p)
		if err != nil {
			r.log.Warn("Failed to reconcile pending instance",
				slog.String("record_id", string(p.RecordID)),
				slog.String("instance_id", p.ProviderInstanceID),
				slog.String("err", err.Error()))
			continue
		}
		if done {
			reconciled++
		}
	}

	r.log.Info("Reconciliation sweep finished",
		slog.Int("pending", len(pending)),
		slog.Int("reconciled", reconciled))
	return reconciled, nil
}

func (r *Reconciler) reconcileOne(ctx context.Context, p interfaces.PendingInstance) (bool, error) {
	adapter, err := r.registry.For(p.Provider)
	if err != nil {
		return false, err
	}

	state, err := adapter.PollStatus(ctx, p.ProviderInstanceID)
	if err != nil {
		return false, err
	}
	if state.Status != interfaces.StatusRunning || state.Address == "" {
		r.log.Debug("Pending instance not reconcilable yet",
			slog.String("instance_id", p.ProviderInstanceID),
			slog.String("status", string(state.Status)))
		return false, nil
	}

	if err := r.store.PersistInstanceAddress(ctx, p.ProviderInstanceID, state.Address); err != nil {
		return false, err
	}
	r.log.Info("Pending instance reconciled",
		slog.String("record_id", string(p.RecordID)),
		slog.String("instance_id", p.ProviderInstanceID),
		slog.String("address", state.Address))

	if r.bootstrap != nil {
		if err := r.bootstrap(ctx, p.RecordID); err != nil {
			return true, err
		}
	}
	return true, nil
}
