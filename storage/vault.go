package storage

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/vault/api"

	"github.com/nodeup-sh/provisioning-backend/interfaces"
)

// vaultLogical is the slice of the Vault logical API the store uses.
// *api.Logical satisfies it; tests substitute a map-backed fake.
type vaultLogical interface {
	ReadWithContext(ctx context.Context, path string) (*api.Secret, error)
	WriteWithContext(ctx context.Context, path string, data map[string]interface{}) (*api.Secret, error)
	ListWithContext(ctx context.Context, path string) (*api.Secret, error)
}

// VaultStore is a RecordStore backed by HashiCorp Vault KV v2. Each record
// is one secret; sealed payloads and the wrapping key are stored base64
// encoded. A second tree maps provider instance ids back to record ids.
type VaultStore struct {
	logical   vaultLogical
	mountPath string
	dataPath  string
	workloads map[interfaces.ProjectID]string
	log       *slog.Logger
}

// NewVaultStore creates a Vault-backed record store using token
// authentication.
func NewVaultStore(address, token, mountPath, dataPath string, workloads map[interfaces.ProjectID]string, log *slog.Logger) (*VaultStore, error) {
	config := api.DefaultConfig()
	config.Address = address
	config.Timeout = 30 * time.Second

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	client.SetToken(token)

	return &VaultStore{
		logical:   client.Logical(),
		mountPath: strings.TrimSuffix(mountPath, "/"),
		dataPath:  strings.Trim(dataPath, "/"),
		workloads: workloads,
		log:       log,
	}, nil
}

// PersistInstanceRecord writes a fresh record secret and the instance id
// index entry.
func (s *VaultStore) PersistInstanceRecord(ctx context.Context, userID interfaces.UserID, projectID interfaces.ProjectID, providerInstanceID string, provider interfaces.ProviderKind) (interfaces.RecordID, error) {
	recordID := interfaces.RecordID(uuid.New().String())

	record := map[string]interface{}{
		"user_id":     strconv.FormatInt(int64(userID), 10),
		"project_id":  strconv.FormatInt(int64(projectID), 10),
		"instance_id": providerInstanceID,
		"provider":    string(provider),
		"address":     "",
	}
	if err := s.writeKV(ctx, s.recordPath(recordID), record); err != nil {
		return "", fmt.Errorf("failed to write record to Vault: %w", err)
	}

	index := map[string]interface{}{"record_id": string(recordID)}
	if err := s.writeKV(ctx, s.instancePath(providerInstanceID), index); err != nil {
		return "", fmt.Errorf("failed to write instance index to Vault: %w", err)
	}

	s.log.Debug("Record persisted in Vault",
		slog.String("record_id", string(recordID)),
		slog.String("instance_id", providerInstanceID))
	return recordID, nil
}

// PersistEncryptedCredential stores the sealed root password and wrapping
// key on the record.
func (s *VaultStore) PersistEncryptedCredential(ctx context.Context, recordID interfaces.RecordID, sealedPassword []byte, key interfaces.WrappingKey) error {
	return s.updateRecord(ctx, recordID, map[string]interface{}{
		"sealed_password": base64.StdEncoding.EncodeToString(sealedPassword),
		"wrapping_key":    base64.StdEncoding.EncodeToString(key),
	})
}

// PersistWalletKeys stores sealed wallet key material on the record.
func (s *VaultStore) PersistWalletKeys(ctx context.Context, recordID interfaces.RecordID, sealedPublicKey, sealedPrivateKey []byte) error {
	return s.updateRecord(ctx, recordID, map[string]interface{}{
		"sealed_public_key":  base64.StdEncoding.EncodeToString(sealedPublicKey),
		"sealed_private_key": base64.StdEncoding.EncodeToString(sealedPrivateKey),
	})
}

// PersistInstanceAddress resolves the record through the instance index and
// records the address on it.
func (s *VaultStore) PersistInstanceAddress(ctx context.Context, providerInstanceID, address string) error {
	index, err := s.readKV(ctx, s.instancePath(providerInstanceID))
	if err != nil {
		return err
	}
	recordID, _ := index["record_id"].(string)
	if recordID == "" {
		return interfaces.ErrRecordNotFound
	}

	return s.updateRecord(ctx, interfaces.RecordID(recordID), map[string]interface{}{
		"address": address,
	})
}

// FetchCredentialBundle reads the record and decodes its sealed fields.
func (s *VaultStore) FetchCredentialBundle(ctx context.Context, recordID interfaces.RecordID) (interfaces.CredentialBundle, error) {
	record, err := s.readKV(ctx, s.recordPath(recordID))
	if err != nil {
		return interfaces.CredentialBundle{}, err
	}

	bundle := interfaces.CredentialBundle{
		Address:  stringField(record, "address"),
		Workload: s.workloadName(record),
	}
	if bundle.SealedPassword, err = base64Field(record, "sealed_password"); err != nil {
		return interfaces.CredentialBundle{}, err
	}
	if bundle.SealedPublicKey, err = base64Field(record, "sealed_public_key"); err != nil {
		return interfaces.CredentialBundle{}, err
	}
	if bundle.SealedPrivateKey, err = base64Field(record, "sealed_private_key"); err != nil {
		return interfaces.CredentialBundle{}, err
	}

	key, err := base64Field(record, "wrapping_key")
	if err != nil {
		return interfaces.CredentialBundle{}, err
	}
	bundle.WrappingKey = interfaces.WrappingKey(key)
	return bundle, nil
}

// ListPendingInstances scans the record tree for records without an
// address.
func (s *VaultStore) ListPendingInstances(ctx context.Context) ([]interfaces.PendingInstance, error) {
	listPath := fmt.Sprintf("%s/metadata/%s/records", s.mountPath, s.dataPath)
	secret, err := s.logical.ListWithContext(ctx, listPath)
	if err != nil {
		return nil, fmt.Errorf("failed to list records in Vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, nil
	}
	keys, _ := secret.Data["keys"].([]interface{})

	var pending []interfaces.PendingInstance
	for _, k := range keys {
		recordID, _ := k.(string)
		if recordID == "" {
			continue
		}

		record, err := s.readKV(ctx, s.recordPath(interfaces.RecordID(recordID)))
		if err != nil {
			s.log.Warn("Failed to read record during pending scan",
				slog.String("record_id", recordID),
				slog.String("err", err.Error()))
			continue
		}
		if stringField(record, "address") != "" {
			continue
		}

		pending = append(pending, interfaces.PendingInstance{
			RecordID:           interfaces.RecordID(recordID),
			ProviderInstanceID: stringField(record, "instance_id"),
			Provider:           interfaces.ProviderKind(stringField(record, "provider")),
		})
	}
	return pending, nil
}

// updateRecord merges fields into an existing record secret.
func (s *VaultStore) updateRecord(ctx context.Context, recordID interfaces.RecordID, fields map[string]interface{}) error {
	path := s.recordPath(recordID)
	record, err := s.readKV(ctx, path)
	if err != nil {
		return err
	}
	for k, v := range fields {
		record[k] = v
	}
	if err := s.writeKV(ctx, path, record); err != nil {
		return fmt.Errorf("failed to update record %s in Vault: %w", recordID, err)
	}
	return nil
}

func (s *VaultStore) readKV(ctx context.Context, path string) (map[string]interface{}, error) {
	secret, err := s.logical.ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read from Vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, interfaces.ErrRecordNotFound
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, interfaces.ErrRecordNotFound
	}
	return data, nil
}

func (s *VaultStore) writeKV(ctx context.Context, path string, data map[string]interface{}) error {
	_, err := s.logical.WriteWithContext(ctx, path, map[string]interface{}{"data": data})
	return err
}

func (s *VaultStore) recordPath(recordID interfaces.RecordID) string {
	return fmt.Sprintf("%s/data/%s/records/%s", s.mountPath, s.dataPath, recordID)
}

func (s *VaultStore) instancePath(providerInstanceID string) string {
	return fmt.Sprintf("%s/data/%s/instances/%s", s.mountPath, s.dataPath, providerInstanceID)
}

func (s *VaultStore) workloadName(record map[string]interface{}) string {
	projectStr := stringField(record, "project_id")
	projectID, err := strconv.ParseInt(projectStr, 10, 64)
	if err == nil {
		if name, ok := s.workloads[interfaces.ProjectID(projectID)]; ok {
			return name
		}
	}
	return "project-" + projectStr
}

func stringField(record map[string]interface{}, key string) string {
	v, _ := record[key].(string)
	return v
}

func base64Field(record map[string]interface{}, key string) ([]byte, error) {
	encoded := stringField(record, key)
	if encoded == "" {
		return nil, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("malformed %s field: %w", key, err)
	}
	return decoded, nil
}
