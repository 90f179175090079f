package bootstrap

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// defaultLogCommand tails the workload container's output.
const defaultLogCommand = "sudo docker logs -f elixir --tail 10"

// RelayConfig tunes the log relay. Zero values select defaults.
type RelayConfig struct {
	// LogCommand is the remote process whose output is streamed.
	LogCommand string

	Port            int
	DialTimeout     time.Duration
	HostKeyCallback ssh.HostKeyCallback
}

// Relay streams a remote process's output to consumers. Each stream owns
// its own SSH session, independent of any bootstrap run.
type Relay struct {
	cfg  RelayConfig
	dial dialFunc
	log  *slog.Logger
}

// NewRelay builds a log relay.
func NewRelay(cfg RelayConfig, log *slog.Logger) *Relay {
	if cfg.LogCommand == "" {
		cfg.LogCommand = defaultLogCommand
	}
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	return &Relay{cfg: cfg, dial: sshDial, log: log}
}

// StreamLogs opens a session to the target and returns a channel of output
// lines. The channel stays open until the remote process ends or ctx is
// cancelled. Remote-side errors never surface as errors: they are
// downgraded to a single diagnostic line followed by a clean channel close,
// so consumers always observe end-of-stream. Cancellation closes the
// underlying session exactly once.
func (r *Relay) StreamLogs(ctx context.Context, target Target) <-chan string {
	lines := make(chan string)
	go r.stream(ctx, target, lines)
	return lines
}

func (r *Relay) stream(ctx context.Context, target Target, lines chan<- string) {
	defer close(lines)

	emit := func(line string) bool {
		select {
		case lines <- line:
			return true
		case <-ctx.Done():
			return false
		}
	}
	diagnostic := func(err error) {
		r.log.Warn("Log stream ended with remote error",
			slog.String("address", target.Address),
			slog.String("err", err.Error()))
		emit(fmt.Sprintf("log stream ended: %v", err))
	}

	config, err := clientConfig(target, r.cfg.HostKeyCallback, r.cfg.DialTimeout)
	if err != nil {
		diagnostic(err)
		return
	}

	addr := fmt.Sprintf("%s:%d", target.Address, r.cfg.Port)
	conn, err := r.dial(ctx, addr, config)
	if err != nil {
		diagnostic(err)
		return
	}

	session, err := conn.NewSession()
	if err != nil {
		_ = conn.Close()
		diagnostic(err)
		return
	}

	var closeOnce sync.Once
	closeSession := func() {
		closeOnce.Do(func() {
			_ = session.Close()
			_ = conn.Close()
		})
	}
	defer closeSession()

	// Consumer disconnect must tear down the remote session, not just this
	// goroutine; the scanner below only unblocks when the session dies.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			closeSession()
		case <-watchDone:
		}
	}()

	stdout, err := session.StdoutPipe()
	if err != nil {
		diagnostic(err)
		return
	}
	if err := session.Start(r.cfg.LogCommand); err != nil {
		diagnostic(err)
		return
	}

	r.log.Info("Log stream opened",
		slog.String("address", target.Address),
		slog.String("command", r.cfg.LogCommand))

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !emit(line) {
			return
		}
	}

	if err := session.Wait(); err != nil && ctx.Err() == nil {
		diagnostic(err)
	}
}
