// Package flags collects the CLI flag definitions and setup helpers shared
// by the provisioner commands.
package flags

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/nodeup-sh/provisioning-backend/common"
	"github.com/nodeup-sh/provisioning-backend/httpserver"
)

func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logJSON := cCtx.Bool(LogJsonFlag.Name)
	logDebug := cCtx.Bool(LogDebugFlag.Name)
	logUID := cCtx.Bool(LogUidFlag.Name)
	logService := cCtx.String("log-service")

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   logDebug,
		JSON:    logJSON,
		Service: logService,
		Version: common.Version,
	})

	if logUID {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

func ConfigureServer(cCtx *cli.Context, logger *slog.Logger, listenAddr string) *httpserver.HTTPServerConfig {
	metricsAddr := cCtx.String(MetricsAddrFlag.Name)
	enablePprof := cCtx.Bool(PprofFlag.Name)
	drainDuration := time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second

	return &httpserver.HTTPServerConfig{
		ListenAddr:               listenAddr,
		MetricsAddr:              metricsAddr,
		Log:                      logger,
		EnablePprof:              enablePprof,
		DrainDuration:            drainDuration,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}
}

var ListenAddrFlag = &cli.StringFlag{
	Name:  "listen-addr",
	Value: "127.0.0.1:8080",
	Usage: "address to listen on for API",
}

var RecordStoreFlag = &cli.StringFlag{
	Name:  "record-store",
	Value: "memory://",
	Usage: "record store to use: 'memory://' or 'vault://host:port/mount/path'",
}

var VaultTokenFlag = &cli.StringFlag{
	Name:    "vault-token",
	Usage:   "token for the Vault record store",
	EnvVars: []string{"VAULT_TOKEN"},
}

var TemplateStoreFlag = &cli.StringFlag{
	Name:  "template-store",
	Value: "file:///etc/provisioner/templates",
	Usage: "bootstrap template location: file://, s3:// or ipfs:// URI",
}

var WorkloadsFlag = &cli.StringSliceFlag{
	Name:  "workload",
	Usage: "project workload mapping as '<project-id>=<workload>', repeatable",
}

var AWSAccessKeyFlag = &cli.StringFlag{
	Name:    "aws-access-key-id",
	Usage:   "AWS access key for the EC2 adapter",
	EnvVars: []string{"AWS_ACCESS_KEY_ID"},
}
var AWSSecretKeyFlag = &cli.StringFlag{
	Name:    "aws-secret-access-key",
	Usage:   "AWS secret key for the EC2 adapter",
	EnvVars: []string{"AWS_SECRET_ACCESS_KEY"},
}
var AWSRegionFlag = &cli.StringFlag{
	Name:  "aws-region",
	Value: "eu-central-1",
	Usage: "AWS region for the EC2 adapter",
}

var ContaboClientIDFlag = &cli.StringFlag{
	Name:    "contabo-client-id",
	Usage:   "OAuth client id for the Contabo adapter",
	EnvVars: []string{"CONTABO_CLIENT_ID"},
}
var ContaboClientSecretFlag = &cli.StringFlag{
	Name:    "contabo-client-secret",
	Usage:   "OAuth client secret for the Contabo adapter",
	EnvVars: []string{"CONTABO_CLIENT_SECRET"},
}
var ContaboUserFlag = &cli.StringFlag{
	Name:    "contabo-user",
	Usage:   "API user for the Contabo adapter",
	EnvVars: []string{"CONTABO_USER"},
}
var ContaboPasswordFlag = &cli.StringFlag{
	Name:    "contabo-password",
	Usage:   "API password for the Contabo adapter",
	EnvVars: []string{"CONTABO_PASSWORD"},
}

var HCloudTokenFlag = &cli.StringFlag{
	Name:    "hcloud-token",
	Usage:   "API token for the Hetzner Cloud adapter",
	EnvVars: []string{"HCLOUD_TOKEN"},
}

var BootstrapUserFlag = &cli.StringFlag{
	Name:  "bootstrap-user",
	Value: "root",
	Usage: "SSH login used for bootstrap and log sessions",
}
var BootstrapKeyFileFlag = &cli.StringFlag{
	Name:  "bootstrap-key-file",
	Usage: "PEM private key file for private-key SSH auth",
}
var DeploymentLabelFlag = &cli.StringFlag{
	Name:  "deployment-label",
	Value: "production",
	Usage: "deployment label substituted into bootstrap templates",
}

var ProvisionTimeoutFlag = &cli.Int64Flag{
	Name:  "provision-timeout-seconds",
	Value: 600,
	Usage: "seconds one provisioning job may run end to end",
}
var BootstrapTimeoutFlag = &cli.Int64Flag{
	Name:  "bootstrap-timeout-seconds",
	Value: 600,
	Usage: "seconds one bootstrap job may run end to end",
}
var SweepIntervalFlag = &cli.Int64Flag{
	Name:  "sweep-interval-seconds",
	Value: 60,
	Usage: "seconds between reconciliation sweeps, 0 disables the sweep",
}

var LogJsonFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}

var LogServiceFlagFn = func(service string) *cli.StringFlag {
	return &cli.StringFlag{
		Name:  "log-service",
		Value: service,
		Usage: "add 'service' tag to logs",
	}
}

var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 45,
	Usage: "seconds to wait in drain HTTP request",
}
var MetricsAddrFlag = &cli.StringFlag{
	Name:  "metrics-addr",
	Value: "127.0.0.1:8090",
	Usage: "address to listen on for Prometheus metrics",
}

var CommonFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
	PprofFlag,
	DrainSecondsFlag,
	MetricsAddrFlag,
}
