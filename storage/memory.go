package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/nodeup-sh/provisioning-backend/interfaces"
)

type memoryRecord struct {
	userID             interfaces.UserID
	projectID          interfaces.ProjectID
	providerInstanceID string
	provider           interfaces.ProviderKind
	address            string
	wrappingKey        interfaces.WrappingKey
	sealedPassword     []byte
	sealedPublicKey    []byte
	sealedPrivateKey   []byte
}

// MemoryStore is an in-process RecordStore for development and tests. All
// state is lost on restart.
type MemoryStore struct {
	mu        sync.RWMutex
	records   map[interfaces.RecordID]*memoryRecord
	byID      map[string]interfaces.RecordID
	workloads map[interfaces.ProjectID]string
}

// NewMemoryStore creates an empty store. workloads maps project ids to
// workload names for template selection; unknown projects get a synthetic
// name.
func NewMemoryStore(workloads map[interfaces.ProjectID]string) *MemoryStore {
	return &MemoryStore{
		records:   make(map[interfaces.RecordID]*memoryRecord),
		byID:      make(map[string]interfaces.RecordID),
		workloads: workloads,
	}
}

// PersistInstanceRecord creates a record and returns its id.
func (s *MemoryStore) PersistInstanceRecord(_ context.Context, userID interfaces.UserID, projectID interfaces.ProjectID, providerInstanceID string, provider interfaces.ProviderKind) (interfaces.RecordID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recordID := interfaces.RecordID(uuid.New().String())
	s.records[recordID] = &memoryRecord{
		userID:             userID,
		projectID:          projectID,
		providerInstanceID: providerInstanceID,
		provider:           provider,
	}
	s.byID[providerInstanceID] = recordID
	return recordID, nil
}

// PersistEncryptedCredential stores the sealed root password and the
// record's wrapping key.
func (s *MemoryStore) PersistEncryptedCredential(_ context.Context, recordID interfaces.RecordID, sealedPassword []byte, key interfaces.WrappingKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[recordID]
	if !ok {
		return interfaces.ErrRecordNotFound
	}
	rec.sealedPassword = append([]byte(nil), sealedPassword...)
	rec.wrappingKey = append(interfaces.WrappingKey(nil), key...)
	return nil
}

// PersistWalletKeys stores sealed wallet key material on the record.
func (s *MemoryStore) PersistWalletKeys(_ context.Context, recordID interfaces.RecordID, sealedPublicKey, sealedPrivateKey []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[recordID]
	if !ok {
		return interfaces.ErrRecordNotFound
	}
	rec.sealedPublicKey = append([]byte(nil), sealedPublicKey...)
	rec.sealedPrivateKey = append([]byte(nil), sealedPrivateKey...)
	return nil
}

// PersistInstanceAddress records the public address, keyed by the provider
// instance id.
func (s *MemoryStore) PersistInstanceAddress(_ context.Context, providerInstanceID, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	recordID, ok := s.byID[providerInstanceID]
	if !ok {
		return interfaces.ErrRecordNotFound
	}
	s.records[recordID].address = address
	return nil
}

// FetchCredentialBundle returns the record's address, sealed secrets and
// wrapping key.
func (s *MemoryStore) FetchCredentialBundle(_ context.Context, recordID interfaces.RecordID) (interfaces.CredentialBundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[recordID]
	if !ok {
		return interfaces.CredentialBundle{}, interfaces.ErrRecordNotFound
	}

	return interfaces.CredentialBundle{
		Address:          rec.address,
		SealedPublicKey:  append([]byte(nil), rec.sealedPublicKey...),
		SealedPrivateKey: append([]byte(nil), rec.sealedPrivateKey...),
		SealedPassword:   append([]byte(nil), rec.sealedPassword...),
		WrappingKey:      append(interfaces.WrappingKey(nil), rec.wrappingKey...),
		Workload:         s.workloadName(rec.projectID),
	}, nil
}

// ListPendingInstances returns records with no address persisted yet.
func (s *MemoryStore) ListPendingInstances(context.Context) ([]interfaces.PendingInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pending []interfaces.PendingInstance
	for recordID, rec := range s.records {
		if rec.address != "" {
			continue
		}
		pending = append(pending, interfaces.PendingInstance{
			RecordID:           recordID,
			ProviderInstanceID: rec.providerInstanceID,
			Provider:           rec.provider,
		})
	}
	return pending, nil
}

func (s *MemoryStore) workloadName(projectID interfaces.ProjectID) string {
	if name, ok := s.workloads[projectID]; ok {
		return name
	}
	return fmt.Sprintf("project-%d", projectID)
}
