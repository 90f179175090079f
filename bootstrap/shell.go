package bootstrap

import (
	"context"
	"io"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// shell is an interactive pty session used for privilege elevation and
// elevated file operations. Output is pumped into a channel so callers can
// wait for prompt markers with a bounded timeout.
type shell struct {
	session remoteSession
	stdin   io.WriteCloser
	out     chan string
}

func openShell(conn remoteConn) (*shell, error) {
	session, err := conn.NewSession()
	if err != nil {
		return nil, err
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          0,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm", 80, 40, modes); err != nil {
		_ = session.Close()
		return nil, err
	}

	stdout, err := session.StdoutPipe()
	if err != nil {
		_ = session.Close()
		return nil, err
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		_ = session.Close()
		return nil, err
	}
	if err := session.Shell(); err != nil {
		_ = session.Close()
		return nil, err
	}

	sh := &shell{session: session, stdin: stdin, out: make(chan string, 16)}
	go sh.pump(stdout)
	return sh, nil
}

// pump forwards raw output chunks to the channel until the session's
// stdout closes.
func (s *shell) pump(stdout io.Reader) {
	defer close(s.out)
	buf := make([]byte, 4096)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			s.out <- string(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

// send writes one line to the shell.
func (s *shell) send(line string) error {
	_, err := io.WriteString(s.stdin, line+"\n")
	return err
}

// waitFor accumulates output until one of the markers appears or the
// timeout elapses. It returns the accumulated output and the marker that
// matched, or empty when none did. Markers earlier in the list win when
// several are present.
func (s *shell) waitFor(ctx context.Context, markers []string, timeout time.Duration) (string, string) {
	var acc strings.Builder
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		for _, m := range markers {
			if strings.Contains(acc.String(), m) {
				return acc.String(), m
			}
		}

		select {
		case chunk, ok := <-s.out:
			if !ok {
				return acc.String(), ""
			}
			acc.WriteString(chunk)
		case <-deadline.C:
			return acc.String(), ""
		case <-ctx.Done():
			return acc.String(), ""
		}
	}
}

// exec sends a command and collects whatever output settles within the
// window. The interactive shell gives no exit status; callers inspect the
// output for error markers instead.
func (s *shell) exec(ctx context.Context, cmd string, window time.Duration) (string, error) {
	if err := s.send(cmd); err != nil {
		return "", err
	}

	var acc strings.Builder
	deadline := time.NewTimer(window)
	defer deadline.Stop()
	for {
		select {
		case chunk, ok := <-s.out:
			if !ok {
				return acc.String(), nil
			}
			acc.WriteString(chunk)
		case <-deadline.C:
			return acc.String(), nil
		case <-ctx.Done():
			return acc.String(), ctx.Err()
		}
	}
}

func (s *shell) close() {
	_ = s.stdin.Close()
	_ = s.session.Close()
}
