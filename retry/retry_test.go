package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := WithExponentialBackoff(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithInitialDelay(time.Millisecond), WithMaxDelay(5*time.Millisecond))

	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestExhaustsAttempts(t *testing.T) {
	attempts := 0
	wantErr := errors.New("still broken")
	err := WithExponentialBackoff(context.Background(), func() error {
		attempts++
		return wantErr
	}, WithInitialDelay(time.Millisecond))

	require.ErrorIs(t, err, wantErr)
	require.Equal(t, 3, attempts)
}

func TestFatalErrorNotRetried(t *testing.T) {
	attempts := 0
	err := WithExponentialBackoff(context.Background(), func() error {
		attempts++
		return Fatal(errors.New("authentication failed"))
	}, WithInitialDelay(time.Millisecond))

	require.Error(t, err)
	require.Equal(t, 1, attempts)
	require.True(t, IsFatal(err))
}

func TestRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	err := WithExponentialBackoff(ctx, func() error {
		attempts++
		return errors.New("transient")
	}, WithInitialDelay(time.Minute))

	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, attempts)
}

func TestFatalNilPassthrough(t *testing.T) {
	require.NoError(t, Fatal(nil))
	require.False(t, IsFatal(errors.New("plain")))
}
