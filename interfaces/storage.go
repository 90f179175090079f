package interfaces

import (
	"context"
	"errors"
)

// ErrRecordNotFound is returned by record stores when a record id is unknown.
var ErrRecordNotFound = errors.New("provisioning record not found")

// ErrTemplateNotFound is returned by template stores when no script template
// exists for a workload name.
var ErrTemplateNotFound = errors.New("bootstrap template not found")

// RecordStore is the persistence collaborator for provisioning records and
// their encrypted credentials. The pipeline only ever sees this interface;
// relational or KV details are the implementation's concern.
//
// Invariants the store must uphold: the wrapping key is persisted once, at
// record creation, before any payload; every sealed payload under one record
// uses that same key; at most one live instance per record.
type RecordStore interface {
	// PersistInstanceRecord links a user and a project to a newly created
	// instance and returns the opaque record id.
	PersistInstanceRecord(ctx context.Context, userID UserID, projectID ProjectID, providerInstanceID string, provider ProviderKind) (RecordID, error)

	// PersistEncryptedCredential stores the sealed root password together
	// with the record's wrapping key.
	PersistEncryptedCredential(ctx context.Context, recordID RecordID, sealedPassword []byte, key WrappingKey) error

	// PersistWalletKeys stores the sealed wallet key material under the
	// record's existing wrapping key.
	PersistWalletKeys(ctx context.Context, recordID RecordID, sealedPublicKey, sealedPrivateKey []byte) error

	// PersistInstanceAddress records the public address once the provider
	// reports the instance running.
	PersistInstanceAddress(ctx context.Context, providerInstanceID string, address string) error

	// FetchCredentialBundle returns the record's address, sealed secrets and
	// wrapping key. Decryption is the caller's transient concern.
	FetchCredentialBundle(ctx context.Context, recordID RecordID) (CredentialBundle, error)

	// ListPendingInstances returns instances with no address recorded yet,
	// feeding the reconciliation sweep.
	ListPendingInstances(ctx context.Context) ([]PendingInstance, error)
}

// TemplateStore loads bootstrap script templates by workload name.
type TemplateStore interface {
	// Load returns the raw template for the given workload, or
	// ErrTemplateNotFound.
	Load(ctx context.Context, workload string) ([]byte, error)

	// LocationURI identifies the backend for logging and diagnostics.
	LocationURI() string
}
