// Package storage implements the persistence backends of the pipeline: the
// record stores holding provisioning records with their sealed credentials,
// and the template stores serving bootstrap script templates.
package storage

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/nodeup-sh/provisioning-backend/interfaces"
)

// TemplateBackendFactory creates template stores from location URI strings.
type TemplateBackendFactory struct {
	log *slog.Logger
}

// NewTemplateBackendFactory creates a factory instance.
func NewTemplateBackendFactory(log *slog.Logger) *TemplateBackendFactory {
	return &TemplateBackendFactory{log: log}
}

// TemplateStoreFor creates a template store from a location URI.
// The URI format is [scheme]://[auth@]host[:port][/path][?params]
//
// Supported schemes:
//   - file:// - Local filesystem directory
//   - s3:// - Amazon S3 or compatible object storage
//   - ipfs:// - IPFS node holding a template directory
func (f *TemplateBackendFactory) TemplateStoreFor(locationURI string) (interfaces.TemplateStore, error) {
	u, err := url.Parse(locationURI)
	if err != nil {
		return nil, fmt.Errorf("invalid template store URI: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "file":
		return f.createFileStore(u)
	case "s3":
		return f.createS3Store(u)
	case "ipfs":
		return f.createIPFSStore(u)
	default:
		return nil, fmt.Errorf("unsupported template store scheme: %s", u.Scheme)
	}
}

// createFileStore creates a filesystem template store.
// URI format: file:///absolute/path/ or file://./relative/path/
func (f *TemplateBackendFactory) createFileStore(u *url.URL) (interfaces.TemplateStore, error) {
	f.log.Debug("Creating file template store", slog.String("uri", u.String()))

	path := u.Path
	if u.Host != "" {
		path = u.Host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return nil, fmt.Errorf("empty path in file URI: %s", u.String())
	}

	return NewFileTemplateStore(path, f.log)
}

// createS3Store creates an S3 template store.
// URI format: s3://[ACCESS_KEY:SECRET_KEY@]bucket-name/prefix/?region=eu-central-1&endpoint=custom.s3.com
func (f *TemplateBackendFactory) createS3Store(u *url.URL) (interfaces.TemplateStore, error) {
	f.log.Debug("Creating S3 template store", slog.String("uri", u.String()))

	bucket := u.Host
	prefix := strings.TrimPrefix(u.Path, "/")

	query := u.Query()
	region := query.Get("region")
	if region == "" {
		region = "eu-central-1"
	}
	endpoint := query.Get("endpoint")

	var accessKey, secretKey string
	if u.User != nil {
		accessKey = u.User.Username()
		secretKey, _ = u.User.Password()
	}

	return NewS3TemplateStore(bucket, prefix, region, endpoint, accessKey, secretKey, f.log)
}

// createIPFSStore creates an IPFS template store.
// URI format: ipfs://host:port/<directory-cid>
func (f *TemplateBackendFactory) createIPFSStore(u *url.URL) (interfaces.TemplateStore, error) {
	f.log.Debug("Creating IPFS template store", slog.String("uri", u.String()))

	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "5001"
	}

	dirCID := strings.Trim(u.Path, "/")
	if dirCID == "" {
		return nil, fmt.Errorf("missing template directory CID in IPFS URI: %s", u.String())
	}

	return NewIPFSTemplateStore(host, port, dirCID, f.log), nil
}
