package ec2

import (
	"context"
	"log/slog"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/stretchr/testify/require"

	"github.com/nodeup-sh/provisioning-backend/interfaces"
)

type fakeAPI struct {
	runOut        *ec2.Reservation
	runErr        error
	describeOut   *ec2.DescribeInstancesOutput
	describeErr   error
	terminateErr  error
	terminateSeen int
}

func (f *fakeAPI) RunInstancesWithContext(ctx aws.Context, input *ec2.RunInstancesInput, _ ...interface{}) (*ec2.Reservation, error) {
	return f.runOut, f.runErr
}

func (f *fakeAPI) DescribeInstancesWithContext(ctx aws.Context, input *ec2.DescribeInstancesInput, _ ...interface{}) (*ec2.DescribeInstancesOutput, error) {
	return f.describeOut, f.describeErr
}

func (f *fakeAPI) TerminateInstancesWithContext(ctx aws.Context, input *ec2.TerminateInstancesInput, _ ...interface{}) (*ec2.TerminateInstancesOutput, error) {
	f.terminateSeen++
	return &ec2.TerminateInstancesOutput{}, f.terminateErr
}

func newTestAdapter(f *fakeAPI) *Adapter {
	return &Adapter{
		client: f,
		cfg: Config{
			DefaultImageID:         "ami-0e04bcbe83a83792e",
			DefaultInstanceType:    "t2.micro",
			DefaultKeyPairName:     "default",
			DefaultSecurityGroupID: "sg-123",
		},
		log: slog.New(slog.DiscardHandler),
	}
}

func TestCreateInstance(t *testing.T) {
	f := &fakeAPI{
		runOut: &ec2.Reservation{
			Instances: []*ec2.Instance{{InstanceId: aws.String("i-abc123")}},
		},
	}
	adapter := newTestAdapter(f)

	id, err := adapter.CreateInstance(context.Background(), interfaces.InstanceSpec{})
	require.NoError(t, err)
	require.Equal(t, "i-abc123", id)
}

func TestCreateInstanceAuthFailureIsPermanent(t *testing.T) {
	f := &fakeAPI{
		runErr: awserr.New("AuthFailure", "credentials rejected", nil),
	}
	adapter := newTestAdapter(f)

	_, err := adapter.CreateInstance(context.Background(), interfaces.InstanceSpec{})
	require.True(t, interfaces.IsKind(err, interfaces.KindPermanentProvider), "got %v", err)
}

func TestPollStatusMapsStates(t *testing.T) {
	testCases := []struct {
		ec2State string
		want     interfaces.InstanceStatus
	}{
		{ec2.InstanceStateNamePending, interfaces.StatusPending},
		{ec2.InstanceStateNameRunning, interfaces.StatusRunning},
		{ec2.InstanceStateNameShuttingDown, interfaces.StatusTerminated},
		{ec2.InstanceStateNameTerminated, interfaces.StatusTerminated},
		{ec2.InstanceStateNameStopped, interfaces.StatusError},
	}

	for _, tc := range testCases {
		t.Run(tc.ec2State, func(t *testing.T) {
			f := &fakeAPI{
				describeOut: &ec2.DescribeInstancesOutput{
					Reservations: []*ec2.Reservation{{
						Instances: []*ec2.Instance{{
							State:           &ec2.InstanceState{Name: aws.String(tc.ec2State)},
							PublicIpAddress: aws.String("1.2.3.4"),
						}},
					}},
				},
			}
			adapter := newTestAdapter(f)

			state, err := adapter.PollStatus(context.Background(), "i-abc123")
			require.NoError(t, err)
			require.Equal(t, tc.want, state.Status)
			require.Equal(t, "1.2.3.4", state.Address)
		})
	}
}

func TestCancelInstanceIdempotent(t *testing.T) {
	f := &fakeAPI{
		terminateErr: awserr.New("InvalidInstanceID.NotFound", "no such instance", nil),
	}
	adapter := newTestAdapter(f)

	err := adapter.CancelInstance(context.Background(), "i-gone")
	require.NoError(t, err)
	require.Equal(t, 1, f.terminateSeen)
}
