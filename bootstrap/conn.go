package bootstrap

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/nodeup-sh/provisioning-backend/interfaces"
)

// AuthMode selects how a bootstrap session authenticates to the target.
type AuthMode string

const (
	// AuthPassword authenticates with the record's decrypted root password.
	AuthPassword AuthMode = "password"
	// AuthPrivateKey authenticates with a fixed private-key identity.
	AuthPrivateKey AuthMode = "private-key"
)

// Target is one remote machine to bootstrap or stream logs from.
type Target struct {
	Address string
	User    string
	Mode    AuthMode

	// Password is the login credential in password mode and always the
	// privilege elevation secret.
	Password string

	// PrivateKey is the PEM-encoded key for private-key mode.
	PrivateKey []byte
}

// remoteSession is the slice of an SSH session the executor and relay use.
// *ssh.Session satisfies it through the sshConn wrapper.
type remoteSession interface {
	RequestPty(term string, h, w int, modes ssh.TerminalModes) error
	Shell() error
	Start(cmd string) error
	Wait() error
	StdinPipe() (io.WriteCloser, error)
	StdoutPipe() (io.Reader, error)
	StderrPipe() (io.Reader, error)
	Close() error
}

// remoteConn is an established SSH connection that can spawn sessions.
type remoteConn interface {
	NewSession() (remoteSession, error)
	Close() error
}

// dialFunc opens a connection to addr. Swapped for a fake in tests.
type dialFunc func(ctx context.Context, addr string, config *ssh.ClientConfig) (remoteConn, error)

type sshConn struct {
	client *ssh.Client
}

func (c *sshConn) NewSession() (remoteSession, error) {
	return c.client.NewSession()
}

func (c *sshConn) Close() error {
	return c.client.Close()
}

// sshDial establishes the TCP connection under ctx and completes the SSH
// handshake on top of it.
func sshDial(ctx context.Context, addr string, config *ssh.ClientConfig) (remoteConn, error) {
	d := net.Dialer{Timeout: config.Timeout}
	netConn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	conn, chans, reqs, err := ssh.NewClientConn(netConn, addr, config)
	if err != nil {
		_ = netConn.Close()
		return nil, err
	}
	return &sshConn{client: ssh.NewClient(conn, chans, reqs)}, nil
}

// clientConfig builds the SSH client config for a target. Host keys are
// accepted automatically unless a callback is configured; targets are
// ephemeral and address-pinned by their provisioning record, never reused
// across tenants.
func clientConfig(target Target, hostKeyCallback ssh.HostKeyCallback, dialTimeout time.Duration) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	switch target.Mode {
	case AuthPrivateKey:
		signer, err := ssh.ParsePrivateKey(target.PrivateKey)
		if err != nil {
			return nil, interfaces.NewPipelineError(interfaces.KindRemoteAuth, "parse_private_key", err)
		}
		auth = []ssh.AuthMethod{ssh.PublicKeys(signer)}
	case AuthPassword, "":
		auth = []ssh.AuthMethod{ssh.Password(target.Password)}
	default:
		return nil, fmt.Errorf("unsupported auth mode: %q", target.Mode)
	}

	if hostKeyCallback == nil {
		hostKeyCallback = ssh.InsecureIgnoreHostKey() //nolint:gosec // ephemeral, record-pinned targets
	}

	return &ssh.ClientConfig{
		User:            target.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         dialTimeout,
	}, nil
}

// classifyDialError separates authentication rejections (permanent) from
// connection failures (transient, the instance may still be booting).
func classifyDialError(address string, err error) error {
	kind := interfaces.KindRemoteConnection
	if strings.Contains(err.Error(), "unable to authenticate") ||
		strings.Contains(err.Error(), "no supported methods remain") {
		kind = interfaces.KindRemoteAuth
	}
	pe := interfaces.NewPipelineError(kind, "connect", fmt.Errorf("ssh dial %s: %w", address, err))
	return pe
}

// sleepCtx blocks for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
