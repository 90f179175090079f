package bootstrap

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/nodeup-sh/provisioning-backend/interfaces"
)

// fakeSession covers the three session shapes the executor opens: the
// interactive pty shell, the staging upload and the script execution.
type fakeSession struct {
	mu      sync.Mutex
	started []string
	stdin   bytes.Buffer

	stdoutData string
	stderrData string
	startErr   error
	waitErr    error

	closeCount int

	// interactive shell behavior
	interactive      bool
	passwordPrompt   bool
	awaitingPassword bool
	mvResponse       string
	chmodResponse    string
	outR             *io.PipeReader
	outW             *io.PipeWriter
}

func newInteractiveSession(passwordPrompt bool) *fakeSession {
	r, w := io.Pipe()
	return &fakeSession{interactive: true, passwordPrompt: passwordPrompt, outR: r, outW: w}
}

func (f *fakeSession) RequestPty(string, int, int, ssh.TerminalModes) error { return nil }
func (f *fakeSession) Shell() error                                         { return nil }

func (f *fakeSession) Start(cmd string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, cmd)
	return f.startErr
}

func (f *fakeSession) Wait() error { return f.waitErr }

func (f *fakeSession) StdinPipe() (io.WriteCloser, error) { return &fakeStdin{s: f}, nil }

func (f *fakeSession) StdoutPipe() (io.Reader, error) {
	if f.interactive {
		return f.outR, nil
	}
	return strings.NewReader(f.stdoutData), nil
}

func (f *fakeSession) StderrPipe() (io.Reader, error) { return strings.NewReader(f.stderrData), nil }

func (f *fakeSession) Close() error {
	f.mu.Lock()
	f.closeCount++
	first := f.closeCount == 1
	f.mu.Unlock()
	if f.interactive && first {
		_ = f.outW.Close()
		_ = f.outR.Close()
	}
	return nil
}

func (f *fakeSession) reply(s string) {
	go func() { _, _ = io.WriteString(f.outW, s) }()
}

type fakeStdin struct {
	s *fakeSession
}

func (w *fakeStdin) Write(p []byte) (int, error) {
	w.s.mu.Lock()
	w.s.stdin.Write(p)
	interactive := w.s.interactive
	w.s.mu.Unlock()
	if !interactive {
		return len(p), nil
	}

	line := strings.TrimSpace(string(p))
	switch {
	case line == "sudo -i":
		if w.s.passwordPrompt {
			w.s.awaitingPassword = true
			w.s.reply("[sudo] password for admin: ")
		} else {
			w.s.reply("root@node:~# ")
		}
	case w.s.awaitingPassword:
		w.s.awaitingPassword = false
		w.s.reply("root@node:~# ")
	case strings.HasPrefix(line, "mv "):
		w.s.reply(w.s.mvResponse)
	case strings.HasPrefix(line, "chmod "):
		w.s.reply(w.s.chmodResponse)
	}
	return len(p), nil
}

func (w *fakeStdin) Close() error { return nil }

type fakeConn struct {
	mu       sync.Mutex
	sessions []remoteSession
	next     int
	closed   int
}

func (c *fakeConn) NewSession() (remoteSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.next >= len(c.sessions) {
		return nil, errors.New("no more sessions scripted")
	}
	s := c.sessions[c.next]
	c.next++
	return s, nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

type fakeTemplates struct {
	templates map[string][]byte
}

func (f *fakeTemplates) Load(_ context.Context, workload string) ([]byte, error) {
	tpl, ok := f.templates[workload]
	if !ok {
		return nil, interfaces.ErrTemplateNotFound
	}
	return tpl, nil
}

func (f *fakeTemplates) LocationURI() string { return "fake://" }

func testExecutorConfig() Config {
	return Config{
		MaxAttempts:   3,
		RetryDelay:    time.Millisecond,
		StageDelay:    time.Millisecond,
		PromptTimeout: 2 * time.Second,
	}
}

func newTestExecutor(t *testing.T, templates map[string][]byte, dial dialFunc) *Executor {
	t.Helper()
	e := NewExecutor(&fakeTemplates{templates: templates}, testExecutorConfig(), slog.New(slog.DiscardHandler))
	e.dial = dial
	return e
}

func passwordTarget() Target {
	return Target{Address: "1.2.3.4", User: "admin", Mode: AuthPassword, Password: "hunter2"}
}

func TestBootstrapHappyPath(t *testing.T) {
	shellSession := newInteractiveSession(true)
	uploadSession := &fakeSession{}
	execSession := &fakeSession{stdoutData: "installing\ndone\n"}
	conn := &fakeConn{sessions: []remoteSession{shellSession, uploadSession, execSession}}

	dialCalls := 0
	dial := func(context.Context, string, *ssh.ClientConfig) (remoteConn, error) {
		dialCalls++
		return conn, nil
	}

	e := newTestExecutor(t, map[string][]byte{
		"elixir": []byte("#!/bin/bash\nIP={ip}\n"),
	}, dial)

	err := e.Bootstrap(context.Background(), passwordTarget(), "elixir", map[string]string{"ip": "1.2.3.4"})
	require.NoError(t, err)
	require.Equal(t, 1, dialCalls)

	// The elevation password travelled over the pty shell.
	require.Contains(t, shellSession.stdin.String(), "sudo -i")
	require.Contains(t, shellSession.stdin.String(), "hunter2")

	// The rendered script was staged via cat with placeholders substituted.
	require.Len(t, uploadSession.started, 1)
	require.Contains(t, uploadSession.started[0], `cat > "/tmp/elixir.sh"`)
	require.Contains(t, uploadSession.stdin.String(), "IP=1.2.3.4")

	// The elevated shell moved it into place and made it executable.
	require.Contains(t, shellSession.stdin.String(), `mv -f "/tmp/elixir.sh" "/root/elixir.sh"`)
	require.Contains(t, shellSession.stdin.String(), `chmod +x "/root/elixir.sh"`)

	// Execution ran under sudo with the password on stdin.
	require.Len(t, execSession.started, 1)
	require.Contains(t, execSession.started[0], `sudo -S bash -- "/root/elixir.sh"`)
	require.Contains(t, execSession.stdin.String(), "hunter2")

	require.GreaterOrEqual(t, conn.closed, 1)
}

func TestBootstrapRetriesTransientConnectFailures(t *testing.T) {
	dialCalls := 0
	dial := func(context.Context, string, *ssh.ClientConfig) (remoteConn, error) {
		dialCalls++
		return nil, errors.New("connect: connection refused")
	}
	e := newTestExecutor(t, map[string][]byte{"elixir": []byte("x")}, dial)

	err := e.Bootstrap(context.Background(), passwordTarget(), "elixir", nil)
	require.True(t, interfaces.IsKind(err, interfaces.KindRemoteConnection))
	require.Equal(t, 3, dialCalls)
}

func TestBootstrapAuthRejectionNotRetried(t *testing.T) {
	dialCalls := 0
	dial := func(context.Context, string, *ssh.ClientConfig) (remoteConn, error) {
		dialCalls++
		return nil, errors.New("ssh: handshake failed: ssh: unable to authenticate")
	}
	e := newTestExecutor(t, map[string][]byte{"elixir": []byte("x")}, dial)

	err := e.Bootstrap(context.Background(), passwordTarget(), "elixir", nil)
	require.True(t, interfaces.IsKind(err, interfaces.KindRemoteAuth))
	require.Equal(t, 1, dialCalls)
}

func TestBootstrapUnknownWorkload(t *testing.T) {
	dial := func(context.Context, string, *ssh.ClientConfig) (remoteConn, error) {
		t.Fatal("dial must not be reached for an unknown workload")
		return nil, nil
	}
	e := newTestExecutor(t, map[string][]byte{}, dial)

	err := e.Bootstrap(context.Background(), passwordTarget(), "nope", nil)
	require.True(t, interfaces.IsKind(err, interfaces.KindTemplateNotFound))
}

func TestBootstrapElevationFailure(t *testing.T) {
	// The shell never shows the root marker; the attempt must fail as a
	// privilege elevation error without further retries.
	shellSession := newInteractiveSession(false)
	conn := &fakeConn{sessions: []remoteSession{shellSession}}
	_ = shellSession.outW.Close()

	dialCalls := 0
	dial := func(context.Context, string, *ssh.ClientConfig) (remoteConn, error) {
		dialCalls++
		return conn, nil
	}
	e := NewExecutor(&fakeTemplates{templates: map[string][]byte{"elixir": []byte("x")}}, Config{
		MaxAttempts:   3,
		RetryDelay:    time.Millisecond,
		StageDelay:    time.Millisecond,
		PromptTimeout: 50 * time.Millisecond,
	}, slog.New(slog.DiscardHandler))
	e.dial = dial

	err := e.Bootstrap(context.Background(), passwordTarget(), "elixir", nil)
	require.True(t, interfaces.IsKind(err, interfaces.KindPrivilegeElevation))
	require.Equal(t, 1, dialCalls)
}

func TestBootstrapMoveFailureIsFileOperation(t *testing.T) {
	shellSession := newInteractiveSession(false)
	shellSession.mvResponse = "mv: cannot move '/tmp/elixir.sh' to '/root/elixir.sh': Permission denied\n"
	uploadSession := &fakeSession{}
	conn := &fakeConn{sessions: []remoteSession{shellSession, uploadSession}}

	dialCalls := 0
	dial := func(context.Context, string, *ssh.ClientConfig) (remoteConn, error) {
		dialCalls++
		return conn, nil
	}
	e := NewExecutor(&fakeTemplates{templates: map[string][]byte{"elixir": []byte("x")}}, Config{
		MaxAttempts:   3,
		RetryDelay:    time.Millisecond,
		StageDelay:    20 * time.Millisecond,
		PromptTimeout: 2 * time.Second,
	}, slog.New(slog.DiscardHandler))
	e.dial = dial

	err := e.Bootstrap(context.Background(), passwordTarget(), "elixir", nil)
	require.True(t, interfaces.IsKind(err, interfaces.KindFileOperation))
	require.Equal(t, 1, dialCalls)
}

func TestBootstrapScriptFailureCarriesStderr(t *testing.T) {
	shellSession := newInteractiveSession(false)
	uploadSession := &fakeSession{}
	execSession := &fakeSession{
		stdoutData: "starting\n",
		stderrData: "fatal: disk full\n",
		waitErr:    errors.New("Process exited with status 1"),
	}
	conn := &fakeConn{sessions: []remoteSession{shellSession, uploadSession, execSession}}

	dialCalls := 0
	dial := func(context.Context, string, *ssh.ClientConfig) (remoteConn, error) {
		dialCalls++
		return conn, nil
	}
	e := newTestExecutor(t, map[string][]byte{"elixir": []byte("x")}, dial)

	err := e.Bootstrap(context.Background(), passwordTarget(), "elixir", nil)
	require.True(t, interfaces.IsKind(err, interfaces.KindRemoteExecution))
	require.ErrorContains(t, err, "disk full")
	require.Equal(t, 1, dialCalls)
}

func TestBootstrapRootUserSkipsSudoWrapper(t *testing.T) {
	shellSession := newInteractiveSession(false)
	uploadSession := &fakeSession{}
	execSession := &fakeSession{stdoutData: "ok\n"}
	conn := &fakeConn{sessions: []remoteSession{shellSession, uploadSession, execSession}}

	dial := func(context.Context, string, *ssh.ClientConfig) (remoteConn, error) {
		return conn, nil
	}
	e := newTestExecutor(t, map[string][]byte{"elixir": []byte("x")}, dial)

	target := Target{Address: "1.2.3.4", User: "root", Mode: AuthPassword, Password: "hunter2"}
	require.NoError(t, e.Bootstrap(context.Background(), target, "elixir", nil))
	require.Equal(t, []string{`bash -- "/root/elixir.sh"`}, execSession.started)
}
