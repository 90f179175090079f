// Package ec2 implements the elastic-compute provider adapter on top of the
// AWS EC2 API.
package ec2

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"

	"github.com/nodeup-sh/provisioning-backend/interfaces"
	"github.com/nodeup-sh/provisioning-backend/provider"
	"github.com/nodeup-sh/provisioning-backend/retry"
)

// Config carries the EC2 adapter's credentials and defaults. It is built
// once at process start and injected; the adapter holds no ambient state.
type Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string

	// Defaults applied when the instance spec leaves a field empty.
	DefaultImageID         string
	DefaultInstanceType    string
	DefaultKeyPairName     string
	DefaultSecurityGroupID string
}

// api is the slice of the EC2 client the adapter uses. Kept narrow so tests
// can fake it.
type api interface {
	RunInstancesWithContext(ctx aws.Context, input *ec2.RunInstancesInput, opts ...interface{}) (*ec2.Reservation, error)
	DescribeInstancesWithContext(ctx aws.Context, input *ec2.DescribeInstancesInput, opts ...interface{}) (*ec2.DescribeInstancesOutput, error)
	TerminateInstancesWithContext(ctx aws.Context, input *ec2.TerminateInstancesInput, opts ...interface{}) (*ec2.TerminateInstancesOutput, error)
}

// Adapter provisions instances through the EC2 API.
type Adapter struct {
	client api
	cfg    Config
	log    *slog.Logger
}

// New creates an EC2 adapter with static credentials.
func New(cfg Config, log *slog.Logger) (*Adapter, error) {
	sess, err := session.NewSession(&aws.Config{
		Region:      aws.String(cfg.Region),
		Credentials: credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return &Adapter{client: wrapSDK(ec2.New(sess)), cfg: cfg, log: log}, nil
}

// Kind identifies the adapter as the elastic-compute variant.
func (a *Adapter) Kind() interfaces.ProviderKind {
	return interfaces.ProviderEC2
}

// CreateInstance launches a single instance.
//
// The generated root credential in spec.RootPassword is NOT applied here:
// initial access to EC2 instances is established out of band through the
// configured key pair.
// TODO: set the root password via cloud-init user data (chpasswd +
// PasswordAuthentication) so EC2 instances can be bootstrapped with
// password auth like the VPS providers.
func (a *Adapter) CreateInstance(ctx context.Context, spec interfaces.InstanceSpec) (string, error) {
	input := &ec2.RunInstancesInput{
		ImageId:          aws.String(orDefault(spec.ImageID, a.cfg.DefaultImageID)),
		InstanceType:     aws.String(orDefault(spec.ProductID, a.cfg.DefaultInstanceType)),
		SecurityGroupIds: []*string{aws.String(orDefault(spec.SecurityGroupID, a.cfg.DefaultSecurityGroupID))},
		KeyName:          aws.String(orDefault(spec.SSHKeyName, a.cfg.DefaultKeyPairName)),
		MinCount:         aws.Int64(1),
		MaxCount:         aws.Int64(1),
	}

	var instanceID string
	err := retry.WithExponentialBackoff(ctx, func() error {
		reservation, err := a.client.RunInstancesWithContext(ctx, input)
		if err != nil {
			return classify(err)
		}
		if len(reservation.Instances) == 0 {
			return retry.Fatal(errors.New("unexpected response format: no instances in reservation"))
		}
		instanceID = aws.StringValue(reservation.Instances[0].InstanceId)
		return nil
	})
	if err != nil {
		return "", provider.WrapAPIError("create_instance", "", err)
	}

	a.log.Info("EC2 instance created", slog.String("instance_id", instanceID))
	return instanceID, nil
}

// PollStatus performs a single DescribeInstances call and normalizes the
// instance state.
func (a *Adapter) PollStatus(ctx context.Context, providerInstanceID string) (interfaces.InstanceState, error) {
	input := &ec2.DescribeInstancesInput{
		InstanceIds: []*string{aws.String(providerInstanceID)},
	}

	var state interfaces.InstanceState
	err := retry.WithExponentialBackoff(ctx, func() error {
		out, err := a.client.DescribeInstancesWithContext(ctx, input)
		if err != nil {
			return classify(err)
		}
		if len(out.Reservations) == 0 || len(out.Reservations[0].Instances) == 0 {
			return retry.Fatal(fmt.Errorf("unexpected response format: instance %s not in reservations", providerInstanceID))
		}

		instance := out.Reservations[0].Instances[0]
		state = interfaces.InstanceState{
			Status:  mapState(aws.StringValue(instance.State.Name)),
			Address: aws.StringValue(instance.PublicIpAddress),
		}
		return nil
	})
	if err != nil {
		return interfaces.InstanceState{}, provider.WrapAPIError("poll_status", providerInstanceID, err)
	}

	return state, nil
}

// CancelInstance terminates the instance. Terminating an instance that is
// already gone is not an error.
func (a *Adapter) CancelInstance(ctx context.Context, providerInstanceID string) error {
	input := &ec2.TerminateInstancesInput{
		InstanceIds: []*string{aws.String(providerInstanceID)},
	}

	err := retry.WithExponentialBackoff(ctx, func() error {
		_, err := a.client.TerminateInstancesWithContext(ctx, input)
		if err != nil {
			var aerr awserr.Error
			if errors.As(err, &aerr) && aerr.Code() == "InvalidInstanceID.NotFound" {
				return nil
			}
			return classify(err)
		}
		return nil
	})
	if err != nil {
		return provider.WrapAPIError("cancel_instance", providerInstanceID, err)
	}

	a.log.Info("EC2 instance terminated", slog.String("instance_id", providerInstanceID))
	return nil
}

// mapState normalizes the EC2 state names to the pipeline's statuses.
func mapState(name string) interfaces.InstanceStatus {
	switch name {
	case ec2.InstanceStateNamePending:
		return interfaces.StatusPending
	case ec2.InstanceStateNameRunning:
		return interfaces.StatusRunning
	case ec2.InstanceStateNameShuttingDown, ec2.InstanceStateNameTerminated:
		return interfaces.StatusTerminated
	case ec2.InstanceStateNameStopping, ec2.InstanceStateNameStopped:
		return interfaces.StatusError
	default:
		return interfaces.StatusError
	}
}

// classify marks auth and validation failures fatal so the retry loop
// surfaces them immediately. Throttling and availability errors stay
// retryable.
func classify(err error) error {
	var aerr awserr.Error
	if !errors.As(err, &aerr) {
		// Plain network error, retryable.
		return err
	}

	code := aerr.Code()
	switch {
	case code == "AuthFailure",
		code == "UnauthorizedOperation",
		code == "OptInRequired",
		code == "ValidationError",
		strings.HasPrefix(code, "InvalidParameter"),
		strings.HasPrefix(code, "Invalid") && strings.HasSuffix(code, ".Malformed"),
		strings.HasSuffix(code, ".NotFound"):
		return retry.Fatal(err)
	default:
		return err
	}
}

func orDefault(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}

// sdkClient adapts the generated EC2 client's variadic request.Option
// signature to the narrow api interface.
type sdkClient struct {
	*ec2.EC2
}

func wrapSDK(c *ec2.EC2) api {
	return &sdkClient{EC2: c}
}

func (c *sdkClient) RunInstancesWithContext(ctx aws.Context, input *ec2.RunInstancesInput, _ ...interface{}) (*ec2.Reservation, error) {
	return c.EC2.RunInstancesWithContext(ctx, input)
}

func (c *sdkClient) DescribeInstancesWithContext(ctx aws.Context, input *ec2.DescribeInstancesInput, _ ...interface{}) (*ec2.DescribeInstancesOutput, error) {
	return c.EC2.DescribeInstancesWithContext(ctx, input)
}

func (c *sdkClient) TerminateInstancesWithContext(ctx aws.Context, input *ec2.TerminateInstancesInput, _ ...interface{}) (*ec2.TerminateInstancesOutput, error) {
	return c.EC2.TerminateInstancesWithContext(ctx, input)
}
