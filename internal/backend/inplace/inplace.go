// Package inplace implements the compute backend for fixed long-lived hosts
// updated by a configuration push. Hosts are discovered by tag, the target
// version is recorded in an SSM parameter, and a run command converges every
// host onto it. The variant cannot shift partial traffic.
package inplace

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/rollgate/rollgate/internal/awsclient"
	"github.com/rollgate/rollgate/internal/interfaces"
	"github.com/rollgate/rollgate/internal/rollout"
	"github.com/rollgate/rollgate/pkg/logging"
)

const defaultPollInterval = 5 * time.Second

// versionPlaceholder is substituted with the target ref in the deploy command
const versionPlaceholder = "{version}"

// Options holds configuration for the in-place backend
type Options struct {
	HostGroupTag     string `json:"hostGroupTag"`
	TagKey           string `json:"tagKey,omitempty"`           // Defaults to rollout-group
	VersionParameter string `json:"versionParameter,omitempty"` // Defaults to /rollgate/<group>/version
	DeployDocument   string `json:"deployDocument,omitempty"`   // Defaults to AWS-RunShellScript
	DeployCommand    string `json:"deployCommand,omitempty"`    // {version} is replaced with the target ref

	Region   string `json:"region,omitempty"`
	Endpoint string `json:"endpoint,omitempty"` // For LocalStack or custom endpoints
}

// Validate checks that the options identify a host group
func (o *Options) Validate() error {
	if o.HostGroupTag == "" {
		return fmt.Errorf("hostGroupTag is required")
	}
	return nil
}

func (o *Options) applyDefaults() {
	if o.TagKey == "" {
		o.TagKey = "rollout-group"
	}
	if o.VersionParameter == "" {
		o.VersionParameter = "/rollgate/" + o.HostGroupTag + "/version"
	}
	if o.DeployDocument == "" {
		o.DeployDocument = "AWS-RunShellScript"
	}
	if o.DeployCommand == "" {
		o.DeployCommand = "/usr/local/bin/deploy-version " + versionPlaceholder
	}
}

// ec2Client is the slice of the EC2 API the backend uses
type ec2Client interface {
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
}

// ssmClient is the slice of the SSM API the backend uses
type ssmClient interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
	PutParameter(ctx context.Context, params *ssm.PutParameterInput, optFns ...func(*ssm.Options)) (*ssm.PutParameterOutput, error)
	SendCommand(ctx context.Context, params *ssm.SendCommandInput, optFns ...func(*ssm.Options)) (*ssm.SendCommandOutput, error)
	ListCommandInvocations(ctx context.Context, params *ssm.ListCommandInvocationsInput, optFns ...func(*ssm.Options)) (*ssm.ListCommandInvocationsOutput, error)
}

// Backend drives deployments on one tagged host group
type Backend struct {
	opts         Options
	ec2          ec2Client
	ssm          ssmClient
	pollInterval time.Duration

	mu        sync.Mutex
	inflight  *interfaces.DeployHandle
	commandID string
}

// New creates an in-place backend with real AWS clients
func New(ctx context.Context, opts Options) (*Backend, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid in-place options: %w", err)
	}
	opts.applyDefaults()

	awsCfg, err := awsclient.Load(ctx, awsclient.Config{Region: opts.Region, Endpoint: opts.Endpoint})
	if err != nil {
		return nil, err
	}

	ec2C := ec2.NewFromConfig(awsCfg, func(o *ec2.Options) {
		o.BaseEndpoint = awsclient.BaseEndpoint(opts.Endpoint)
	})
	ssmC := ssm.NewFromConfig(awsCfg, func(o *ssm.Options) {
		o.BaseEndpoint = awsclient.BaseEndpoint(opts.Endpoint)
	})

	return newBackend(opts, ec2C, ssmC), nil
}

func newBackend(opts Options, ec2C ec2Client, ssmC ssmClient) *Backend {
	opts.applyDefaults()
	return &Backend{
		opts:         opts,
		ec2:          ec2C,
		ssm:          ssmC,
		pollInterval: defaultPollInterval,
	}
}

// Handle returns the backend's identity, the serialization point for attempts
func (b *Backend) Handle() interfaces.BackendHandle {
	return interfaces.BackendHandle(fmt.Sprintf("in-place:%s=%s", b.opts.TagKey, b.opts.HostGroupTag))
}

// CurrentVersion reports the version recorded for the host group
func (b *Backend) CurrentVersion(ctx context.Context) (interfaces.VersionRef, error) {
	out, err := b.ssm.GetParameter(ctx, &ssm.GetParameterInput{
		Name: aws.String(b.opts.VersionParameter),
	})
	if err != nil {
		var notFound *ssmtypes.ParameterNotFound
		if errors.As(err, &notFound) {
			return "", fmt.Errorf("version parameter %s not found: provision it before the first rollout", b.opts.VersionParameter)
		}
		return "", rollout.WrapError(rollout.ErrCodeBackendUnavailable, err, "failed to read version parameter")
	}
	if out.Parameter == nil || out.Parameter.Value == nil || *out.Parameter.Value == "" {
		return "", fmt.Errorf("version parameter %s is empty", b.opts.VersionParameter)
	}
	return interfaces.VersionRef(*out.Parameter.Value), nil
}

// DeployVersion pushes the target version to every running host in the group.
// A second call with the same ref while a push is in flight returns the
// existing handle; a different ref dispatches a fresh push, which is how
// rollback restores land.
func (b *Backend) DeployVersion(ctx context.Context, ref interfaces.VersionRef) (*interfaces.DeployHandle, error) {
	if ref == "" {
		return nil, rollout.NewError(rollout.ErrCodeInvalidVersion, "version ref is empty")
	}

	b.mu.Lock()
	if b.inflight != nil && b.inflight.Version == ref {
		handle := b.inflight
		b.mu.Unlock()
		logging.BackendOperation("deploy_version", string(b.Handle()), "reusing in-flight push")
		return handle, nil
	}
	b.mu.Unlock()

	logging.BackendOperation("deploy_version", string(b.Handle()), string(ref))

	instanceIDs, err := b.runningInstances(ctx)
	if err != nil {
		logging.BackendError("deploy_version", string(b.Handle()), err)
		return nil, err
	}
	if len(instanceIDs) == 0 {
		return nil, rollout.NewError(rollout.ErrCodeBackendUnavailable,
			"no running hosts tagged %s=%s", b.opts.TagKey, b.opts.HostGroupTag)
	}

	command := strings.ReplaceAll(b.opts.DeployCommand, versionPlaceholder, string(ref))
	sendOut, err := b.ssm.SendCommand(ctx, &ssm.SendCommandInput{
		InstanceIds:  instanceIDs,
		DocumentName: aws.String(b.opts.DeployDocument),
		Parameters:   map[string][]string{"commands": {command}},
	})
	if err != nil {
		logging.BackendError("deploy_version", string(b.Handle()), err)
		return nil, rollout.WrapError(rollout.ErrCodeBackendUnavailable, err, "failed to send deploy command")
	}
	if sendOut.Command == nil || sendOut.Command.CommandId == nil {
		return nil, rollout.NewError(rollout.ErrCodeBackendUnavailable, "send command returned no command ID")
	}

	// The parameter records the last dispatched version, so it is written
	// only after the command is accepted.
	_, err = b.ssm.PutParameter(ctx, &ssm.PutParameterInput{
		Name:      aws.String(b.opts.VersionParameter),
		Value:     aws.String(string(ref)),
		Type:      ssmtypes.ParameterTypeString,
		Overwrite: aws.Bool(true),
	})
	if err != nil {
		logging.BackendError("deploy_version", string(b.Handle()), err)
		return nil, rollout.WrapError(rollout.ErrCodeBackendUnavailable, err, "failed to record version parameter")
	}

	handle := &interfaces.DeployHandle{
		Backend:   b.Handle(),
		Version:   ref,
		StartedAt: time.Now().UTC(),
	}
	b.mu.Lock()
	b.inflight = handle
	b.commandID = *sendOut.Command.CommandId
	b.mu.Unlock()

	logging.BackendSuccess("deploy_version", string(b.Handle()), fmt.Sprintf("hosts=%d", len(instanceIDs)))
	return handle, nil
}

// ScaleTrafficPercentage is a no-op at 100 percent. The variant has no
// traffic layer, so partial percentages are a caller configuration error.
func (b *Backend) ScaleTrafficPercentage(_ context.Context, handle *interfaces.DeployHandle, percent int) error {
	if handle == nil {
		return fmt.Errorf("deploy handle is nil")
	}
	if percent < 0 || percent > 100 {
		return fmt.Errorf("traffic percentage must be within [0, 100]: got %d", percent)
	}
	if percent == 100 {
		return nil
	}
	return rollout.NewError(rollout.ErrCodeUnsupportedStrategy,
		"in-place backend cannot shift partial traffic: got %d%%", percent)
}

// WaitStable blocks until every host invocation of the deploy command
// succeeds, or fails with StabilizationTimeout
func (b *Backend) WaitStable(ctx context.Context, handle *interfaces.DeployHandle, timeout time.Duration) error {
	if handle == nil {
		return fmt.Errorf("deploy handle is nil")
	}

	b.mu.Lock()
	commandID := b.commandID
	b.mu.Unlock()
	if commandID == "" {
		return fmt.Errorf("no deploy command in flight for backend %s", b.Handle())
	}

	logging.BackendOperation("wait_stable", string(b.Handle()), fmt.Sprintf("timeout=%s", timeout))

	err := b.waitForCommand(ctx, commandID, timeout)

	// The push stops being in flight once convergence resolves, in either
	// direction.
	b.mu.Lock()
	if b.inflight == handle {
		b.inflight = nil
	}
	b.mu.Unlock()

	if err != nil {
		logging.BackendError("wait_stable", string(b.Handle()), err)
		return err
	}
	logging.BackendSuccess("wait_stable", string(b.Handle()))
	return nil
}

// IsHealthySelf reports whether the last push converged, or whether the host
// group has running members when nothing has been pushed yet
func (b *Backend) IsHealthySelf(ctx context.Context, _ *interfaces.DeployHandle) (bool, error) {
	b.mu.Lock()
	commandID := b.commandID
	b.mu.Unlock()

	if commandID != "" {
		settled, err := b.commandSettled(ctx, commandID)
		if err != nil {
			if rollout.HasCode(err, rollout.ErrCodeStabilizationTimeout) {
				return false, nil
			}
			return false, err
		}
		return settled, nil
	}

	instanceIDs, err := b.runningInstances(ctx)
	if err != nil {
		return false, err
	}
	return len(instanceIDs) > 0, nil
}

// runningInstances lists the instance IDs of running hosts in the group
func (b *Backend) runningInstances(ctx context.Context) ([]string, error) {
	var ids []string
	var nextToken *string

	for {
		out, err := b.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
			Filters: []ec2types.Filter{
				{Name: aws.String("tag:" + b.opts.TagKey), Values: []string{b.opts.HostGroupTag}},
				{Name: aws.String("instance-state-name"), Values: []string{"running"}},
			},
			NextToken: nextToken,
		})
		if err != nil {
			return nil, rollout.WrapError(rollout.ErrCodeBackendUnavailable, err, "failed to discover hosts")
		}

		for _, reservation := range out.Reservations {
			for _, instance := range reservation.Instances {
				if instance.InstanceId != nil {
					ids = append(ids, *instance.InstanceId)
				}
			}
		}

		nextToken = out.NextToken
		if nextToken == nil {
			break
		}
	}

	return ids, nil
}

func (b *Backend) waitForCommand(ctx context.Context, commandID string, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		settled, err := b.commandSettled(ctx, commandID)
		if err != nil {
			return err
		}
		if settled {
			return nil
		}

		select {
		case <-ctx.Done():
			return rollout.WrapError(rollout.ErrCodeStabilizationTimeout, ctx.Err(),
				"wait for command %s interrupted", commandID)
		case <-deadline.C:
			return rollout.NewError(rollout.ErrCodeStabilizationTimeout,
				"hosts did not converge within %s", timeout)
		case <-ticker.C:
		}
	}
}

// commandSettled reports whether every invocation of the command succeeded.
// A failed, canceled, or timed-out host ends the wait immediately.
func (b *Backend) commandSettled(ctx context.Context, commandID string) (bool, error) {
	var invocations []ssmtypes.CommandInvocation
	var nextToken *string

	for {
		out, err := b.ssm.ListCommandInvocations(ctx, &ssm.ListCommandInvocationsInput{
			CommandId: aws.String(commandID),
			NextToken: nextToken,
		})
		if err != nil {
			return false, rollout.WrapError(rollout.ErrCodeBackendUnavailable, err, "failed to list command invocations")
		}
		invocations = append(invocations, out.CommandInvocations...)

		nextToken = out.NextToken
		if nextToken == nil {
			break
		}
	}

	// Invocations materialize shortly after dispatch
	if len(invocations) == 0 {
		return false, nil
	}

	for _, inv := range invocations {
		switch inv.Status {
		case ssmtypes.CommandInvocationStatusSuccess:
		case ssmtypes.CommandInvocationStatusFailed,
			ssmtypes.CommandInvocationStatusCancelled,
			ssmtypes.CommandInvocationStatusTimedOut:
			return false, rollout.NewError(rollout.ErrCodeStabilizationTimeout,
				"host %s ended %s", aws.ToString(inv.InstanceId), inv.Status)
		default:
			return false, nil
		}
	}
	return true, nil
}

// Interface compliance check
var _ interfaces.ComputeBackend = (*Backend)(nil)
