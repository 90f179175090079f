package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/nodeup-sh/provisioning-backend/bootstrap"
	"github.com/nodeup-sh/provisioning-backend/cmd/flags"
	"github.com/nodeup-sh/provisioning-backend/common"
	"github.com/nodeup-sh/provisioning-backend/httpserver"
	"github.com/nodeup-sh/provisioning-backend/interfaces"
	"github.com/nodeup-sh/provisioning-backend/jobrunner"
	"github.com/nodeup-sh/provisioning-backend/metrics"
	"github.com/nodeup-sh/provisioning-backend/provider"
	"github.com/nodeup-sh/provisioning-backend/provider/contabo"
	"github.com/nodeup-sh/provisioning-backend/provider/ec2"
	"github.com/nodeup-sh/provisioning-backend/provider/hcloud"
	"github.com/nodeup-sh/provisioning-backend/provisioning"
	"github.com/nodeup-sh/provisioning-backend/storage"
)

var cliFlags = append([]cli.Flag{
	flags.ListenAddrFlag,
	flags.RecordStoreFlag,
	flags.VaultTokenFlag,
	flags.TemplateStoreFlag,
	flags.WorkloadsFlag,
	flags.AWSAccessKeyFlag,
	flags.AWSSecretKeyFlag,
	flags.AWSRegionFlag,
	flags.ContaboClientIDFlag,
	flags.ContaboClientSecretFlag,
	flags.ContaboUserFlag,
	flags.ContaboPasswordFlag,
	flags.HCloudTokenFlag,
	flags.BootstrapUserFlag,
	flags.BootstrapKeyFileFlag,
	flags.DeploymentLabelFlag,
	flags.ProvisionTimeoutFlag,
	flags.BootstrapTimeoutFlag,
	flags.SweepIntervalFlag,
	flags.LogServiceFlagFn("provisioning-backend"),
}, flags.CommonFlags...)

func main() {
	app := &cli.App{
		Name:   "provisioner",
		Usage:  "Serve the instance provisioning and bootstrap API",
		Flags:  cliFlags,
		Action: runServer,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runServer(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	workloads, err := parseWorkloads(cCtx.StringSlice(flags.WorkloadsFlag.Name))
	if err != nil {
		logger.Error("Invalid workload mapping", "err", err)
		return err
	}

	registry, err := buildRegistry(cCtx, logger)
	if err != nil {
		logger.Error("Failed to configure provider adapters", "err", err)
		return err
	}

	store, err := buildRecordStore(cCtx, workloads, logger)
	if err != nil {
		logger.Error("Failed to configure record store", "err", err)
		return err
	}

	templateURI := cCtx.String(flags.TemplateStoreFlag.Name)
	templates, err := storage.NewTemplateBackendFactory(logger).TemplateStoreFor(templateURI)
	if err != nil {
		logger.Error("Failed to configure template store", "err", err, "uri", templateURI)
		return err
	}
	logger.Info("Template store ready", "location", templates.LocationURI())

	var bootstrapKey []byte
	if keyFile := cCtx.String(flags.BootstrapKeyFileFlag.Name); keyFile != "" {
		bootstrapKey, err = os.ReadFile(keyFile)
		if err != nil {
			logger.Error("Failed to read bootstrap key file", "err", err)
			return err
		}
	}

	executor := bootstrap.NewExecutor(templates, bootstrap.Config{
		DeploymentLabel: cCtx.String(flags.DeploymentLabelFlag.Name),
	}, logger)
	relay := bootstrap.NewRelay(bootstrap.RelayConfig{}, logger)

	coordinator := provisioning.NewCoordinator(registry, store, provisioning.DefaultConfig(), logger)

	m := metrics.New(common.PackageName)
	handler := httpserver.NewHandler(coordinator, executor, relay, store, jobrunner.New(logger), m, httpserver.HandlerConfig{
		ProvisionTimeout: time.Duration(cCtx.Int64(flags.ProvisionTimeoutFlag.Name)) * time.Second,
		BootstrapTimeout: time.Duration(cCtx.Int64(flags.BootstrapTimeoutFlag.Name)) * time.Second,
		BootstrapUser:    cCtx.String(flags.BootstrapUserFlag.Name),
		BootstrapKey:     bootstrapKey,
	}, logger)

	cfg := flags.ConfigureServer(cCtx, logger, cCtx.String(flags.ListenAddrFlag.Name))
	server := httpserver.New(cfg, handler, m)
	server.RunInBackground()

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	if interval := cCtx.Int64(flags.SweepIntervalFlag.Name); interval > 0 {
		reconciler := provisioning.NewReconciler(registry, store, handler.BootstrapRecord, logger)
		go runSweepLoop(sweepCtx, reconciler, time.Duration(interval)*time.Second, logger)
	}

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
	<-exit

	stopSweep()
	server.Shutdown()
	return nil
}

func runSweepLoop(ctx context.Context, reconciler *provisioning.Reconciler, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := reconciler.Sweep(ctx); err != nil {
				logger.Error("Reconciliation sweep failed", "err", err)
			} else if n > 0 {
				logger.Info("Reconciliation sweep completed", "reconciled", n)
			}
		}
	}
}

// buildRegistry registers an adapter for every provider the flags carry
// credentials for. At least one adapter is required.
func buildRegistry(cCtx *cli.Context, logger *slog.Logger) (*provider.Registry, error) {
	var adapters []interfaces.ProviderAdapter

	if key := cCtx.String(flags.AWSAccessKeyFlag.Name); key != "" {
		adapter, err := ec2.New(ec2.Config{
			AccessKeyID:     key,
			SecretAccessKey: cCtx.String(flags.AWSSecretKeyFlag.Name),
			Region:          cCtx.String(flags.AWSRegionFlag.Name),
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("ec2 adapter: %w", err)
		}
		adapters = append(adapters, adapter)
	}

	if clientID := cCtx.String(flags.ContaboClientIDFlag.Name); clientID != "" {
		adapters = append(adapters, contabo.New(contabo.Config{
			ClientID:     clientID,
			ClientSecret: cCtx.String(flags.ContaboClientSecretFlag.Name),
			Username:     cCtx.String(flags.ContaboUserFlag.Name),
			Password:     cCtx.String(flags.ContaboPasswordFlag.Name),
		}, logger))
	}

	if token := cCtx.String(flags.HCloudTokenFlag.Name); token != "" {
		adapters = append(adapters, hcloud.New(hcloud.Config{Token: token}, logger))
	}

	if len(adapters) == 0 {
		return nil, errors.New("no provider credentials configured")
	}
	for _, a := range adapters {
		logger.Info("Provider adapter registered", "provider", a.Kind())
	}
	return provider.NewRegistry(adapters...), nil
}

// buildRecordStore selects the record store by URI scheme: memory:// for
// single-process runs, vault://host:port/mount/path for durable records.
func buildRecordStore(cCtx *cli.Context, workloads map[interfaces.ProjectID]string, logger *slog.Logger) (interfaces.RecordStore, error) {
	uri := cCtx.String(flags.RecordStoreFlag.Name)
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid record store uri %q: %w", uri, err)
	}

	switch u.Scheme {
	case "memory":
		return storage.NewMemoryStore(workloads), nil
	case "vault":
		mount, dataPath, err := splitVaultPath(u.Path)
		if err != nil {
			return nil, fmt.Errorf("invalid record store uri %q: %w", uri, err)
		}
		token := cCtx.String(flags.VaultTokenFlag.Name)
		if token == "" {
			return nil, errors.New("vault-token is required for the vault record store")
		}
		return storage.NewVaultStore("http://"+u.Host, token, mount, dataPath, workloads, logger)
	default:
		return nil, fmt.Errorf("unsupported record store scheme %q", u.Scheme)
	}
}

func splitVaultPath(path string) (mount, dataPath string, err error) {
	parts := strings.SplitN(strings.Trim(path, "/"), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.New("expected /<mount>/<data-path>")
	}
	return parts[0], parts[1], nil
}

// parseWorkloads turns repeated "<project-id>=<workload>" values into the
// project-to-workload map the stores consult.
func parseWorkloads(entries []string) (map[interfaces.ProjectID]string, error) {
	workloads := make(map[interfaces.ProjectID]string, len(entries))
	for _, entry := range entries {
		id, workload, ok := strings.Cut(entry, "=")
		if !ok || workload == "" {
			return nil, fmt.Errorf("malformed workload mapping %q", entry)
		}
		projectID, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed workload mapping %q: %w", entry, err)
		}
		workloads[interfaces.ProjectID(projectID)] = workload
	}
	return workloads, nil
}
