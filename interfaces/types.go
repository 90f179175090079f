// Package interfaces defines the core types and contracts of the instance
// provisioning pipeline. It provides the contract between components without
// implementation details.
package interfaces

import (
	"fmt"
	"strings"

	"github.com/nodeup-sh/provisioning-backend/cryptoutils"
)

// WrappingKey is the per-record symmetric key sealing that record's secrets.
type WrappingKey = cryptoutils.WrappingKey

// UserID identifies a user account in the record store.
type UserID int64

// ProjectID identifies a catalog project (workload) in the record store.
type ProjectID int64

// RecordID is the opaque identifier of a provisioning record, the persisted
// link between a user, a project and one cloud instance.
type RecordID string

// ProviderKind selects which provider adapter serves a request.
type ProviderKind string

const (
	// ProviderEC2 is the elastic-compute adapter (AWS EC2).
	ProviderEC2 ProviderKind = "ec2"
	// ProviderContabo is the Contabo VPS adapter.
	ProviderContabo ProviderKind = "contabo"
	// ProviderHCloud is the Hetzner Cloud VPS adapter.
	ProviderHCloud ProviderKind = "hcloud"
)

// ParseProviderKind validates a provider name from an API request.
func ParseProviderKind(s string) (ProviderKind, error) {
	switch ProviderKind(strings.ToLower(s)) {
	case ProviderEC2:
		return ProviderEC2, nil
	case ProviderContabo:
		return ProviderContabo, nil
	case ProviderHCloud:
		return ProviderHCloud, nil
	default:
		return "", fmt.Errorf("unsupported provider: %q", s)
	}
}

// InstanceStatus is the normalized lifecycle status of a cloud instance.
type InstanceStatus string

const (
	StatusPending    InstanceStatus = "pending"
	StatusRunning    InstanceStatus = "running"
	StatusTerminated InstanceStatus = "terminated"
	StatusError      InstanceStatus = "error"
)

// Terminal reports whether the status is a dead end for the polling loop.
func (s InstanceStatus) Terminal() bool {
	return s == StatusTerminated || s == StatusError
}

// InstanceSpec describes the instance to create. Provider adapters ignore
// fields that do not apply to their API.
type InstanceSpec struct {
	// ImageID is the machine image (AMI, Contabo image UUID, hcloud image name).
	ImageID string

	// ProductID is the size/class of the instance (EC2 instance type,
	// Contabo product id, hcloud server type).
	ProductID string

	// Region is the provider region or location.
	Region string

	// DisplayName is attached to the instance where the provider supports it.
	DisplayName string

	// RootPassword is the initial root credential. The VPS providers set it
	// at creation; the EC2 adapter defers initial access (see its docs).
	RootPassword string

	// SSHKeyName selects a provider-registered key pair (EC2 only).
	SSHKeyName string

	// SecurityGroupID is the EC2 security group for the instance.
	SecurityGroupID string

	// Period is the contract period in months (Contabo only).
	Period int
}

// InstanceState is the result of a single status poll.
type InstanceState struct {
	Status InstanceStatus

	// Address is the public IPv4 address, empty until the provider reports
	// the instance running.
	Address string
}

// ProvisionResult is the outcome of a completed provisioning run.
type ProvisionResult struct {
	RecordID           RecordID `json:"record_id"`
	ProviderInstanceID string   `json:"instance_id"`
	Address            string   `json:"ip"`
}

// CredentialBundle carries everything needed to open an SSH session to a
// record's instance. Sealed fields are decrypted transiently by the caller
// and never persisted in clear.
type CredentialBundle struct {
	Address          string
	SealedPublicKey  []byte
	SealedPrivateKey []byte
	SealedPassword   []byte
	WrappingKey      WrappingKey

	// Workload is the project name selecting the bootstrap script template.
	Workload string
}

// PendingInstance is an instance that reached the provider but has no
// address recorded yet. The reconciliation sweep picks these up.
type PendingInstance struct {
	RecordID           RecordID
	ProviderInstanceID string
	Provider           ProviderKind
}
