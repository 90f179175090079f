// Package bootstrap implements the remote bootstrap executor and the log
// relay: everything that happens over SSH after an instance is provisioned.
//
// A bootstrap run is a fixed stage sequence. Connect and authenticate,
// elevate privileges over an interactive shell, render the workload's
// script template, stage the script in an unprivileged location, move it
// into place with the elevated shell, mark it executable and run it. Any
// stage can fail the attempt; the whole attempt is retried with backoff
// when the failure was transient.
package bootstrap

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/nodeup-sh/provisioning-backend/interfaces"
	"github.com/nodeup-sh/provisioning-backend/retry"
)

// Stage names identify where in the sequence an attempt failed. They end up
// in PipelineError.Stage and in logs.
const (
	StageConnect        = "connect"
	StageElevate        = "elevate_privileges"
	StageRenderTemplate = "render_template"
	StageUpload         = "upload"
	StageMove           = "move"
	StagePermissions    = "set_permissions"
	StageExecute        = "execute"
)

const (
	defaultPort          = 22
	defaultDialTimeout   = 10 * time.Second
	defaultMaxAttempts   = 3
	defaultStageDelay    = 2 * time.Second
	defaultPromptTimeout = 15 * time.Second
	defaultStagingDir    = "/tmp"
	defaultTargetDir     = "/root"
)

// Config tunes the executor. Zero values select the defaults above.
type Config struct {
	Port        int
	DialTimeout time.Duration

	// MaxAttempts bounds the whole-attempt retry. Only transient failures
	// (connection refused, timeout) are retried.
	MaxAttempts int

	// RetryDelay is the initial backoff between attempts. Zero keeps the
	// retry package default.
	RetryDelay time.Duration

	// StageDelay is the fixed wait between stages, covering target-side
	// boot-completion latency. Cancelable through ctx.
	StageDelay time.Duration

	// PromptTimeout bounds how long the elevation shell waits for the
	// password prompt and the root marker.
	PromptTimeout time.Duration

	// StagingDir receives the uploaded script without elevated privileges;
	// TargetDir is where the elevated shell moves it before execution.
	StagingDir string
	TargetDir  string

	// DeploymentLabel is substituted for the {deployment} placeholder in
	// script templates.
	DeploymentLabel string

	HostKeyCallback ssh.HostKeyCallback
}

func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = defaultPort
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.StageDelay == 0 {
		c.StageDelay = defaultStageDelay
	}
	if c.PromptTimeout == 0 {
		c.PromptTimeout = defaultPromptTimeout
	}
	if c.StagingDir == "" {
		c.StagingDir = defaultStagingDir
	}
	if c.TargetDir == "" {
		c.TargetDir = defaultTargetDir
	}
	return c
}

// Executor runs bootstrap scripts on freshly provisioned instances.
type Executor struct {
	templates interfaces.TemplateStore
	cfg       Config
	dial      dialFunc
	log       *slog.Logger
}

// NewExecutor builds an executor over the given template store.
func NewExecutor(templates interfaces.TemplateStore, cfg Config, log *slog.Logger) *Executor {
	return &Executor{templates: templates, cfg: cfg.withDefaults(), dial: sshDial, log: log}
}

// Bootstrap renders the workload's script and runs it on the target with
// elevated privileges. The attempt is retried up to MaxAttempts times with
// exponential backoff when it failed on a transient stage; auth rejections,
// elevation failures and script errors propagate immediately.
func (e *Executor) Bootstrap(ctx context.Context, target Target, workload string, values map[string]string) error {
	template, err := e.templates.Load(ctx, workload)
	if err != nil {
		if errors.Is(err, interfaces.ErrTemplateNotFound) {
			return interfaces.NewPipelineError(interfaces.KindTemplateNotFound, StageRenderTemplate, err)
		}
		return fmt.Errorf("failed to load template for workload %q: %w", workload, err)
	}

	if e.cfg.DeploymentLabel != "" {
		if values == nil {
			values = map[string]string{}
		}
		if _, ok := values["deployment"]; !ok {
			values["deployment"] = e.cfg.DeploymentLabel
		}
	}
	script := Render(template, values)
	scriptName := workload + ".sh"

	opts := []retry.Option{retry.WithMaxAttempts(e.cfg.MaxAttempts)}
	if e.cfg.RetryDelay > 0 {
		opts = append(opts, retry.WithInitialDelay(e.cfg.RetryDelay))
	}

	attempt := 0
	return retry.WithExponentialBackoff(ctx, func() error {
		attempt++
		e.log.Info("Bootstrap attempt started",
			slog.String("address", target.Address),
			slog.String("workload", workload),
			slog.Int("attempt", attempt))

		err := e.runAttempt(ctx, target, scriptName, script)
		if err == nil {
			return nil
		}
		if interfaces.IsTransient(err) {
			return err
		}
		return retry.Fatal(err)
	}, opts...)
}

// runAttempt drives one pass through the stage sequence on a fresh
// connection.
func (e *Executor) runAttempt(ctx context.Context, target Target, scriptName string, script []byte) error {
	config, err := clientConfig(target, e.cfg.HostKeyCallback, e.cfg.DialTimeout)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", target.Address, e.cfg.Port)
	conn, err := e.dial(ctx, addr, config)
	if err != nil {
		return classifyDialError(target.Address, err)
	}
	defer func() { _ = conn.Close() }()
	e.log.Debug("Connected", slog.String("address", target.Address))

	if err := sleepCtx(ctx, e.cfg.StageDelay); err != nil {
		return err
	}

	sh, err := openShell(conn)
	if err != nil {
		return interfaces.NewPipelineError(interfaces.KindRemoteConnection, StageElevate, err)
	}
	defer sh.close()

	if err := e.elevate(ctx, sh, target.Password); err != nil {
		return err
	}
	e.log.Debug("Privileges elevated", slog.String("address", target.Address))

	stagingPath := path.Join(e.cfg.StagingDir, scriptName)
	targetPath := path.Join(e.cfg.TargetDir, scriptName)

	if err := e.upload(conn, stagingPath, script); err != nil {
		return err
	}
	if err := sleepCtx(ctx, e.cfg.StageDelay); err != nil {
		return err
	}

	if err := e.moveIntoPlace(ctx, sh, stagingPath, targetPath); err != nil {
		return err
	}

	if err := e.execute(ctx, conn, target, targetPath); err != nil {
		return err
	}

	e.log.Info("Bootstrap completed",
		slog.String("address", target.Address),
		slog.String("script", targetPath))
	return nil
}

// elevate issues an interactive sudo on the pty shell. A password prompt is
// answered with the elevation secret; success is the root prompt marker
// appearing in the output.
func (e *Executor) elevate(ctx context.Context, sh *shell, password string) error {
	if err := sh.send("sudo -i"); err != nil {
		return interfaces.NewPipelineError(interfaces.KindRemoteConnection, StageElevate, err)
	}

	out, marker := sh.waitFor(ctx, []string{"root@", "password"}, e.cfg.PromptTimeout)
	if marker == "password" {
		if err := sh.send(password); err != nil {
			return interfaces.NewPipelineError(interfaces.KindRemoteConnection, StageElevate, err)
		}
		out, marker = sh.waitFor(ctx, []string{"root@"}, e.cfg.PromptTimeout)
	}
	if marker != "root@" {
		return interfaces.NewPipelineError(interfaces.KindPrivilegeElevation, StageElevate,
			fmt.Errorf("root prompt marker not found in shell output: %q", tail(out, 200)))
	}
	return nil
}

// upload writes the rendered script to the staging path over a plain
// session stdin pipe. No elevated privileges are needed for the staging
// location.
func (e *Executor) upload(conn remoteConn, stagingPath string, script []byte) error {
	session, err := conn.NewSession()
	if err != nil {
		return interfaces.NewPipelineError(interfaces.KindRemoteConnection, StageUpload, err)
	}
	defer func() { _ = session.Close() }()

	stdin, err := session.StdinPipe()
	if err != nil {
		return interfaces.NewPipelineError(interfaces.KindFileOperation, StageUpload, err)
	}
	if err := session.Start(fmt.Sprintf("cat > %q", stagingPath)); err != nil {
		return interfaces.NewPipelineError(interfaces.KindFileOperation, StageUpload, err)
	}
	if _, err := stdin.Write(script); err != nil {
		return interfaces.NewPipelineError(interfaces.KindFileOperation, StageUpload, err)
	}
	if err := stdin.Close(); err != nil {
		return interfaces.NewPipelineError(interfaces.KindFileOperation, StageUpload, err)
	}
	if err := session.Wait(); err != nil {
		return interfaces.NewPipelineError(interfaces.KindFileOperation, StageUpload, err)
	}

	e.log.Debug("Script staged", slog.String("path", stagingPath))
	return nil
}

// moveIntoPlace relocates the staged script into the privileged target
// directory and marks it executable, both on the elevated shell.
func (e *Executor) moveIntoPlace(ctx context.Context, sh *shell, stagingPath, targetPath string) error {
	out, err := sh.exec(ctx, fmt.Sprintf("mv -f %q %q", stagingPath, targetPath), e.cfg.StageDelay)
	if err != nil {
		return interfaces.NewPipelineError(interfaces.KindRemoteConnection, StageMove, err)
	}
	if failed, reason := fileOperationFailed(out); failed {
		return interfaces.NewPipelineError(interfaces.KindFileOperation, StageMove,
			fmt.Errorf("failed to move script into place: %s", reason))
	}

	out, err = sh.exec(ctx, fmt.Sprintf("chmod +x %q", targetPath), e.cfg.StageDelay)
	if err != nil {
		return interfaces.NewPipelineError(interfaces.KindRemoteConnection, StagePermissions, err)
	}
	if failed, reason := fileOperationFailed(out); failed {
		return interfaces.NewPipelineError(interfaces.KindFileOperation, StagePermissions,
			fmt.Errorf("failed to mark script executable: %s", reason))
	}
	return nil
}

// execute runs the script with elevated privileges on a fresh session,
// relaying stdout line by line as it arrives. Non-zero exit carries the
// captured stderr.
func (e *Executor) execute(ctx context.Context, conn remoteConn, target Target, targetPath string) error {
	session, err := conn.NewSession()
	if err != nil {
		return interfaces.NewPipelineError(interfaces.KindRemoteConnection, StageExecute, err)
	}
	defer func() { _ = session.Close() }()

	stdout, err := session.StdoutPipe()
	if err != nil {
		return interfaces.NewPipelineError(interfaces.KindRemoteExecution, StageExecute, err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		return interfaces.NewPipelineError(interfaces.KindRemoteExecution, StageExecute, err)
	}

	cmd := fmt.Sprintf("sudo -S bash -- %q", targetPath)
	var stdin io.WriteCloser
	if target.User == "root" {
		cmd = fmt.Sprintf("bash -- %q", targetPath)
	} else {
		stdin, err = session.StdinPipe()
		if err != nil {
			return interfaces.NewPipelineError(interfaces.KindRemoteExecution, StageExecute, err)
		}
	}

	if err := session.Start(cmd); err != nil {
		return interfaces.NewPipelineError(interfaces.KindRemoteExecution, StageExecute, err)
	}
	if stdin != nil {
		_, _ = io.WriteString(stdin, target.Password+"\n")
		_ = stdin.Close()
	}

	var stderrBuf strings.Builder
	done := make(chan struct{})
	go func() {
		defer close(done)
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := scanner.Text()
			stderrBuf.WriteString(line)
			stderrBuf.WriteString("\n")
			e.log.Debug("Script stderr", slog.String("line", line))
		}
	}()

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		e.log.Info("Script output",
			slog.String("address", target.Address),
			slog.String("line", scanner.Text()))
	}
	<-done

	if err := session.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return interfaces.NewPipelineError(interfaces.KindRemoteExecution, StageExecute,
			fmt.Errorf("script exited with error: %w; stderr: %s", err, tail(stderrBuf.String(), 500)))
	}
	return nil
}

// fileOperationFailed inspects shell output for the error strings mv and
// chmod print on failure.
func fileOperationFailed(out string) (bool, string) {
	for _, marker := range []string{"cannot move", "cannot stat", "Permission denied", "No such file", "cannot access"} {
		if strings.Contains(out, marker) {
			return true, strings.TrimSpace(out)
		}
	}
	return false, ""
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
