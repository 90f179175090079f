package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	shell "github.com/ipfs/go-ipfs-api"

	"github.com/nodeup-sh/provisioning-backend/interfaces"
)

// IPFSTemplateStore serves bootstrap templates from an IPFS directory
// identified by its CID.
type IPFSTemplateStore struct {
	shell       *shell.Shell
	host        string
	port        string
	dirCID      string
	log         *slog.Logger
	locationURI string
}

// NewIPFSTemplateStore creates an IPFS template store connected to the
// given node.
func NewIPFSTemplateStore(host, port, dirCID string, log *slog.Logger) *IPFSTemplateStore {
	apiURL := fmt.Sprintf("%s:%s", host, port)
	return &IPFSTemplateStore{
		shell:       shell.NewShell(apiURL),
		host:        host,
		port:        port,
		dirCID:      dirCID,
		log:         log,
		locationURI: fmt.Sprintf("ipfs://%s/%s", apiURL, dirCID),
	}
}

// Load fetches the workload's template from the IPFS directory. A missing
// link maps to ErrTemplateNotFound; an unreachable node is an ordinary
// error so callers can distinguish the two.
func (s *IPFSTemplateStore) Load(_ context.Context, workload string) ([]byte, error) {
	start := time.Now()
	path := fmt.Sprintf("/ipfs/%s/%s%s", s.dirCID, workload, templateExtension)

	if !s.shell.IsUp() {
		return nil, fmt.Errorf("ipfs node %s:%s unavailable", s.host, s.port)
	}

	reader, err := s.shell.Cat(path)
	if err != nil {
		if strings.Contains(err.Error(), "no link named") {
			s.log.Debug("Template not found in IPFS", slog.String("path", path))
			return nil, interfaces.ErrTemplateNotFound
		}
		return nil, fmt.Errorf("failed to fetch template from IPFS: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read template from IPFS: %w", err)
	}

	s.log.Debug("Loaded template from IPFS",
		slog.String("path", path),
		slog.Int("size", len(data)),
		slog.Duration("duration", time.Since(start)))
	return data, nil
}

// LocationURI returns the URI that identifies this template store.
func (s *IPFSTemplateStore) LocationURI() string {
	return s.locationURI
}
