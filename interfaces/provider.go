package interfaces

import "context"

// ProviderAdapter translates generic provisioning calls into a specific
// cloud/VPS API's request/response shape. All adapters implement the same
// capability set; the coordinator is polymorphic over them.
//
// Every network call behind these methods is wrapped in a bounded retry
// (3 attempts, exponential backoff 4s..10s) applied only to failures
// classified transient. Auth and validation failures surface immediately
// as KindPermanentProvider.
type ProviderAdapter interface {
	// Kind identifies the provider variant.
	Kind() ProviderKind

	// CreateInstance submits a creation request and returns the
	// provider-assigned instance identifier.
	CreateInstance(ctx context.Context, spec InstanceSpec) (string, error)

	// PollStatus performs a single status check. It does not loop.
	PollStatus(ctx context.Context, providerInstanceID string) (InstanceState, error)

	// CancelInstance terminates an instance. Idempotent: terminating an
	// already-terminated instance is not an error.
	CancelInstance(ctx context.Context, providerInstanceID string) error
}
