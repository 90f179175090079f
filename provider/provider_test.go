package provider

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nodeup-sh/provisioning-backend/interfaces"
)

// scriptedAdapter replays a fixed sequence of poll results.
type scriptedAdapter struct {
	kind   interfaces.ProviderKind
	states []interfaces.InstanceState
	polls  int
}

func (a *scriptedAdapter) Kind() interfaces.ProviderKind { return a.kind }

func (a *scriptedAdapter) CreateInstance(ctx context.Context, spec interfaces.InstanceSpec) (string, error) {
	return "scripted", nil
}

func (a *scriptedAdapter) PollStatus(ctx context.Context, id string) (interfaces.InstanceState, error) {
	idx := a.polls
	if idx >= len(a.states) {
		idx = len(a.states) - 1
	}
	a.polls++
	return a.states[idx], nil
}

func (a *scriptedAdapter) CancelInstance(ctx context.Context, id string) error { return nil }

func discardLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func TestWaitUntilRunningReturnsAddress(t *testing.T) {
	adapter := &scriptedAdapter{
		kind: interfaces.ProviderContabo,
		states: []interfaces.InstanceState{
			{Status: interfaces.StatusPending},
			{Status: interfaces.StatusPending},
			{Status: interfaces.StatusRunning, Address: "1.2.3.4"},
		},
	}

	interval := 10 * time.Millisecond
	start := time.Now()
	addr, err := WaitUntilRunning(context.Background(), adapter, "abc123", 10, interval, discardLogger())
	elapsed := time.Since(start)

	require.NoError(t, err)
	require.Equal(t, "1.2.3.4", addr)
	require.Equal(t, 3, adapter.polls)
	require.GreaterOrEqual(t, elapsed, 2*interval)
}

func TestWaitUntilRunningTerminalStatus(t *testing.T) {
	adapter := &scriptedAdapter{
		kind: interfaces.ProviderEC2,
		states: []interfaces.InstanceState{
			{Status: interfaces.StatusPending},
			{Status: interfaces.StatusTerminated},
		},
	}

	_, err := WaitUntilRunning(context.Background(), adapter, "i-000", 10, time.Millisecond, discardLogger())
	require.True(t, interfaces.IsKind(err, interfaces.KindPermanentProvider), "got %v", err)
	require.Equal(t, 2, adapter.polls, "terminal status must stop polling before maxAttempts")
}

func TestWaitUntilRunningExhaustsAttempts(t *testing.T) {
	_, err := WaitUntilRunning(context.Background(), &pendingForever{}, "abc", 4, time.Millisecond, discardLogger())
	require.True(t, interfaces.IsKind(err, interfaces.KindProvisioningTimeout), "got %v", err)
}

type pendingForever struct{}

func (pendingForever) Kind() interfaces.ProviderKind { return interfaces.ProviderContabo }
func (pendingForever) CreateInstance(ctx context.Context, spec interfaces.InstanceSpec) (string, error) {
	return "", nil
}
func (pendingForever) PollStatus(ctx context.Context, id string) (interfaces.InstanceState, error) {
	return interfaces.InstanceState{Status: interfaces.StatusPending}, nil
}
func (pendingForever) CancelInstance(ctx context.Context, id string) error { return nil }

func TestWaitUntilRunningCancelable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := WaitUntilRunning(ctx, &pendingForever{}, "abc", 100, time.Minute, discardLogger())
	require.ErrorIs(t, err, context.Canceled)
}

func TestRegistry(t *testing.T) {
	ec2 := &scriptedAdapter{kind: interfaces.ProviderEC2}
	reg := NewRegistry(ec2)

	got, err := reg.For(interfaces.ProviderEC2)
	require.NoError(t, err)
	require.Same(t, interfaces.ProviderAdapter(ec2), got)

	_, err = reg.For(interfaces.ProviderHCloud)
	require.Error(t, err)
}
