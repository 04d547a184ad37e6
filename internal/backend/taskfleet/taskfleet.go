// Package taskfleet implements the compute backend for a managed pool of
// replaceable tasks behind a load balancer. Deploys register a new task
// definition revision and roll the service onto it; traffic shifts move
// weighted forwarding between the blue and green target groups.
package taskfleet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	elbv2 "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	elbv2types "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"

	"github.com/rollgate/rollgate/internal/awsclient"
	"github.com/rollgate/rollgate/internal/interfaces"
	"github.com/rollgate/rollgate/internal/rollout"
	"github.com/rollgate/rollgate/pkg/logging"
)

// Waiter pacing for service stabilization polls
const (
	defaultWaiterMinDelay = 15 * time.Second
	defaultWaiterMaxDelay = 2 * time.Minute
)

// Options holds configuration for the task-fleet backend. The target group
// and listener settings are only needed for gradual strategies; a fleet
// without them still supports all-at-once rollouts.
type Options struct {
	Cluster   string `json:"cluster"`
	Service   string `json:"service"`
	Container string `json:"container,omitempty"` // Required when the task definition has more than one container

	// Weighted traffic shifting across blue (previous) and green (new)
	// target groups. Set either the listener or a specific rule, not both.
	// The green target group must be registered to the replacement tasks
	// and the blue group to the previous ones; if both groups front the
	// same service, the weights stop meaning anything once the service
	// converges on the new task definition.
	BlueTargetGroupArn  string `json:"blueTargetGroupArn,omitempty"`
	GreenTargetGroupArn string `json:"greenTargetGroupArn,omitempty"`
	ListenerArn         string `json:"listenerArn,omitempty"`
	ListenerRuleArn     string `json:"listenerRuleArn,omitempty"`

	Region   string `json:"region,omitempty"`
	Endpoint string `json:"endpoint,omitempty"` // For LocalStack or custom endpoints
}

// Validate checks that the options describe a usable fleet
func (o *Options) Validate() error {
	if o.Cluster == "" {
		return fmt.Errorf("cluster is required")
	}
	if o.Service == "" {
		return fmt.Errorf("service is required")
	}

	trafficConfigured := o.BlueTargetGroupArn != "" || o.GreenTargetGroupArn != "" ||
		o.ListenerArn != "" || o.ListenerRuleArn != ""
	if trafficConfigured {
		if o.BlueTargetGroupArn == "" {
			return fmt.Errorf("blueTargetGroupArn is required for traffic shifting")
		}
		if o.GreenTargetGroupArn == "" {
			return fmt.Errorf("greenTargetGroupArn is required for traffic shifting")
		}
		if o.ListenerArn == "" && o.ListenerRuleArn == "" {
			return fmt.Errorf("listenerArn or listenerRuleArn is required for traffic shifting")
		}
		if o.ListenerArn != "" && o.ListenerRuleArn != "" {
			return fmt.Errorf("set either listenerArn or listenerRuleArn, not both")
		}
	}
	return nil
}

func (o *Options) canShiftTraffic() bool {
	return o.GreenTargetGroupArn != ""
}

// ecsClient is the slice of the ECS API the backend uses. The concrete
// *ecs.Client satisfies it, and it in turn satisfies the SDK's
// DescribeServicesAPIClient so the services-stable waiter runs against it.
type ecsClient interface {
	DescribeServices(ctx context.Context, params *ecs.DescribeServicesInput, optFns ...func(*ecs.Options)) (*ecs.DescribeServicesOutput, error)
	DescribeTaskDefinition(ctx context.Context, params *ecs.DescribeTaskDefinitionInput, optFns ...func(*ecs.Options)) (*ecs.DescribeTaskDefinitionOutput, error)
	RegisterTaskDefinition(ctx context.Context, params *ecs.RegisterTaskDefinitionInput, optFns ...func(*ecs.Options)) (*ecs.RegisterTaskDefinitionOutput, error)
	UpdateService(ctx context.Context, params *ecs.UpdateServiceInput, optFns ...func(*ecs.Options)) (*ecs.UpdateServiceOutput, error)
}

// elbClient is the slice of the ELBv2 API the backend uses
type elbClient interface {
	ModifyListener(ctx context.Context, params *elbv2.ModifyListenerInput, optFns ...func(*elbv2.Options)) (*elbv2.ModifyListenerOutput, error)
	ModifyRule(ctx context.Context, params *elbv2.ModifyRuleInput, optFns ...func(*elbv2.Options)) (*elbv2.ModifyRuleOutput, error)
	DescribeTargetHealth(ctx context.Context, params *elbv2.DescribeTargetHealthInput, optFns ...func(*elbv2.Options)) (*elbv2.DescribeTargetHealthOutput, error)
}

// Backend drives deployments on one cluster/service pair
type Backend struct {
	opts Options
	ecs  ecsClient
	elb  elbClient

	waiterMinDelay time.Duration
	waiterMaxDelay time.Duration

	mu       sync.Mutex
	inflight *interfaces.DeployHandle
}

// New creates a task-fleet backend with real AWS clients
func New(ctx context.Context, opts Options) (*Backend, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid task-fleet options: %w", err)
	}

	awsCfg, err := awsclient.Load(ctx, awsclient.Config{Region: opts.Region, Endpoint: opts.Endpoint})
	if err != nil {
		return nil, err
	}

	ecsC := ecs.NewFromConfig(awsCfg, func(o *ecs.Options) {
		o.BaseEndpoint = awsclient.BaseEndpoint(opts.Endpoint)
	})
	elbC := elbv2.NewFromConfig(awsCfg, func(o *elbv2.Options) {
		o.BaseEndpoint = awsclient.BaseEndpoint(opts.Endpoint)
	})

	return newBackend(opts, ecsC, elbC), nil
}

func newBackend(opts Options, ecsC ecsClient, elbC elbClient) *Backend {
	return &Backend{
		opts:           opts,
		ecs:            ecsC,
		elb:            elbC,
		waiterMinDelay: defaultWaiterMinDelay,
		waiterMaxDelay: defaultWaiterMaxDelay,
	}
}

// Handle returns the backend's identity, the serialization point for attempts
func (b *Backend) Handle() interfaces.BackendHandle {
	return interfaces.BackendHandle(fmt.Sprintf("task-fleet:%s/%s", b.opts.Cluster, b.opts.Service))
}

// CurrentVersion reports the container image live on the service
func (b *Backend) CurrentVersion(ctx context.Context) (interfaces.VersionRef, error) {
	svc, err := b.describeService(ctx)
	if err != nil {
		return "", err
	}
	if svc.TaskDefinition == nil {
		return "", fmt.Errorf("service %s has no task definition", b.opts.Service)
	}

	image, err := b.containerImage(ctx, *svc.TaskDefinition)
	if err != nil {
		return "", err
	}
	return interfaces.VersionRef(image), nil
}

// DeployVersion registers a task definition revision carrying the new image
// and rolls the service onto it. A second call with the same ref while a
// deployment is in flight returns the existing handle without duplicating
// work; a call with a different ref starts a fresh deployment, which is how
// rollback restores land while the forward deployment is still churning.
func (b *Backend) DeployVersion(ctx context.Context, ref interfaces.VersionRef) (*interfaces.DeployHandle, error) {
	if ref == "" {
		return nil, rollout.NewError(rollout.ErrCodeInvalidVersion, "version ref is empty")
	}

	b.mu.Lock()
	if b.inflight != nil && b.inflight.Version == ref {
		handle := b.inflight
		b.mu.Unlock()
		logging.BackendOperation("deploy_version", string(b.Handle()), "reusing in-flight deployment")
		return handle, nil
	}
	b.mu.Unlock()

	logging.BackendOperation("deploy_version", string(b.Handle()), string(ref))

	svc, err := b.describeService(ctx)
	if err != nil {
		logging.BackendError("deploy_version", string(b.Handle()), err)
		return nil, err
	}
	if svc.TaskDefinition == nil {
		return nil, rollout.NewError(rollout.ErrCodeBackendUnavailable, "service %s has no task definition", b.opts.Service)
	}

	newArn, err := b.registerRevisionWithImage(ctx, *svc.TaskDefinition, string(ref))
	if err != nil {
		logging.BackendError("deploy_version", string(b.Handle()), err)
		return nil, err
	}

	_, err = b.ecs.UpdateService(ctx, &ecs.UpdateServiceInput{
		Cluster:            aws.String(b.opts.Cluster),
		Service:            aws.String(b.opts.Service),
		TaskDefinition:     aws.String(newArn),
		ForceNewDeployment: true,
	})
	if err != nil {
		logging.BackendError("deploy_version", string(b.Handle()), err)
		return nil, rollout.WrapError(rollout.ErrCodeBackendUnavailable, err, "failed to update service %s", b.opts.Service)
	}

	handle := &interfaces.DeployHandle{
		Backend:   b.Handle(),
		Version:   ref,
		StartedAt: time.Now().UTC(),
	}
	b.mu.Lock()
	b.inflight = handle
	b.mu.Unlock()

	logging.BackendSuccess("deploy_version", string(b.Handle()), newArn)
	return handle, nil
}

// ScaleTrafficPercentage routes percent of traffic to the green target group
// and the remainder to blue via a weighted forward action. Without weighted
// target groups the service already takes all traffic, so 100 percent is a
// no-op and partial percentages are a caller configuration error.
func (b *Backend) ScaleTrafficPercentage(ctx context.Context, handle *interfaces.DeployHandle, percent int) error {
	if handle == nil {
		return fmt.Errorf("deploy handle is nil")
	}
	if percent < 0 || percent > 100 {
		return fmt.Errorf("traffic percentage must be within [0, 100]: got %d", percent)
	}
	if !b.opts.canShiftTraffic() {
		if percent == 100 {
			return nil
		}
		return rollout.NewError(rollout.ErrCodeUnsupportedStrategy,
			"backend %s has no weighted target groups configured", b.Handle())
	}

	logging.BackendOperation("scale_traffic", string(b.Handle()), fmt.Sprintf("percent=%d", percent))

	action := weightedForwardAction(b.opts.BlueTargetGroupArn, b.opts.GreenTargetGroupArn, percent)

	var err error
	if b.opts.ListenerRuleArn != "" {
		_, err = b.elb.ModifyRule(ctx, &elbv2.ModifyRuleInput{
			RuleArn: aws.String(b.opts.ListenerRuleArn),
			Actions: []elbv2types.Action{action},
		})
	} else {
		_, err = b.elb.ModifyListener(ctx, &elbv2.ModifyListenerInput{
			ListenerArn:    aws.String(b.opts.ListenerArn),
			DefaultActions: []elbv2types.Action{action},
		})
	}
	if err != nil {
		logging.BackendError("scale_traffic", string(b.Handle()), err)
		return rollout.WrapError(rollout.ErrCodeBackendUnavailable, err, "failed to shift traffic to %d%%", percent)
	}

	logging.BackendSuccess("scale_traffic", string(b.Handle()), fmt.Sprintf("green=%d blue=%d", percent, 100-percent))
	return nil
}

// WaitStable blocks until the service settles on a single deployment with
// all tasks running, or fails with StabilizationTimeout
func (b *Backend) WaitStable(ctx context.Context, handle *interfaces.DeployHandle, timeout time.Duration) error {
	if handle == nil {
		return fmt.Errorf("deploy handle is nil")
	}

	logging.BackendOperation("wait_stable", string(b.Handle()), fmt.Sprintf("timeout=%s", timeout))

	waiter := ecs.NewServicesStableWaiter(b.ecs, func(o *ecs.ServicesStableWaiterOptions) {
		o.MinDelay = b.waiterMinDelay
		o.MaxDelay = b.waiterMaxDelay
	})
	err := waiter.Wait(ctx, &ecs.DescribeServicesInput{
		Cluster:  aws.String(b.opts.Cluster),
		Services: []string{b.opts.Service},
	}, timeout)

	// The deployment stops being in flight once stabilization resolves,
	// in either direction.
	b.mu.Lock()
	if b.inflight == handle {
		b.inflight = nil
	}
	b.mu.Unlock()

	if err != nil {
		logging.BackendError("wait_stable", string(b.Handle()), err)
		return rollout.WrapError(rollout.ErrCodeStabilizationTimeout, err,
			"service %s did not stabilize within %s", b.opts.Service, timeout)
	}

	logging.BackendSuccess("wait_stable", string(b.Handle()))
	return nil
}

// IsHealthySelf reports the backend's own health signal: green target group
// health when traffic shifting is configured, otherwise task counts
func (b *Backend) IsHealthySelf(ctx context.Context, _ *interfaces.DeployHandle) (bool, error) {
	if b.opts.canShiftTraffic() {
		return b.targetGroupHealthy(ctx, b.opts.GreenTargetGroupArn)
	}

	svc, err := b.describeService(ctx)
	if err != nil {
		return false, err
	}
	return svc.DesiredCount > 0 && svc.RunningCount >= svc.DesiredCount, nil
}

func (b *Backend) describeService(ctx context.Context) (*ecstypes.Service, error) {
	out, err := b.ecs.DescribeServices(ctx, &ecs.DescribeServicesInput{
		Cluster:  aws.String(b.opts.Cluster),
		Services: []string{b.opts.Service},
	})
	if err != nil {
		return nil, rollout.WrapError(rollout.ErrCodeBackendUnavailable, err,
			"failed to describe service %s", b.opts.Service)
	}
	if len(out.Services) == 0 {
		return nil, rollout.NewError(rollout.ErrCodeBackendUnavailable,
			"service %s not found in cluster %s", b.opts.Service, b.opts.Cluster)
	}
	return &out.Services[0], nil
}

func (b *Backend) containerImage(ctx context.Context, taskDefArn string) (string, error) {
	out, err := b.ecs.DescribeTaskDefinition(ctx, &ecs.DescribeTaskDefinitionInput{
		TaskDefinition: aws.String(taskDefArn),
	})
	if err != nil {
		return "", rollout.WrapError(rollout.ErrCodeBackendUnavailable, err, "failed to describe task definition")
	}

	container, err := b.selectContainer(out.TaskDefinition)
	if err != nil {
		return "", err
	}
	if container.Image == nil {
		return "", fmt.Errorf("container %s has no image", aws.ToString(container.Name))
	}
	return *container.Image, nil
}

// selectContainer picks the container whose image carries the version. With
// one container the choice is implicit; more require the container option.
func (b *Backend) selectContainer(def *ecstypes.TaskDefinition) (*ecstypes.ContainerDefinition, error) {
	if def == nil || len(def.ContainerDefinitions) == 0 {
		return nil, fmt.Errorf("task definition has no container definitions")
	}

	if b.opts.Container == "" {
		if len(def.ContainerDefinitions) > 1 {
			return nil, fmt.Errorf("task definition has %d containers, set the container option", len(def.ContainerDefinitions))
		}
		return &def.ContainerDefinitions[0], nil
	}

	for i := range def.ContainerDefinitions {
		if aws.ToString(def.ContainerDefinitions[i].Name) == b.opts.Container {
			return &def.ContainerDefinitions[i], nil
		}
	}
	return nil, fmt.Errorf("container %s not found in task definition", b.opts.Container)
}

// registerRevisionWithImage re-registers the current task definition with the
// target image swapped in and returns the new revision ARN
func (b *Backend) registerRevisionWithImage(ctx context.Context, currentArn, image string) (string, error) {
	out, err := b.ecs.DescribeTaskDefinition(ctx, &ecs.DescribeTaskDefinitionInput{
		TaskDefinition: aws.String(currentArn),
	})
	if err != nil {
		return "", rollout.WrapError(rollout.ErrCodeBackendUnavailable, err, "failed to describe task definition")
	}

	def := out.TaskDefinition
	container, err := b.selectContainer(def)
	if err != nil {
		return "", err
	}
	container.Image = aws.String(image)

	// Only deployment-relevant fields survive re-registration; revision
	// bookkeeping fields must not be echoed back.
	regOut, err := b.ecs.RegisterTaskDefinition(ctx, &ecs.RegisterTaskDefinitionInput{
		Family:                  def.Family,
		ContainerDefinitions:    def.ContainerDefinitions,
		Cpu:                     def.Cpu,
		Memory:                  def.Memory,
		NetworkMode:             def.NetworkMode,
		RequiresCompatibilities: def.RequiresCompatibilities,
		ExecutionRoleArn:        def.ExecutionRoleArn,
		TaskRoleArn:             def.TaskRoleArn,
		Volumes:                 def.Volumes,
		PlacementConstraints:    def.PlacementConstraints,
		RuntimePlatform:         def.RuntimePlatform,
	})
	if err != nil {
		var invalid *ecstypes.InvalidParameterException
		if errors.As(err, &invalid) {
			return "", rollout.WrapError(rollout.ErrCodeInvalidVersion, err, "backend rejected version %s", image)
		}
		return "", rollout.WrapError(rollout.ErrCodeBackendUnavailable, err, "failed to register task definition")
	}
	if regOut.TaskDefinition == nil || regOut.TaskDefinition.TaskDefinitionArn == nil {
		return "", rollout.NewError(rollout.ErrCodeBackendUnavailable, "register task definition returned no ARN")
	}
	return *regOut.TaskDefinition.TaskDefinitionArn, nil
}

func (b *Backend) targetGroupHealthy(ctx context.Context, arn string) (bool, error) {
	out, err := b.elb.DescribeTargetHealth(ctx, &elbv2.DescribeTargetHealthInput{
		TargetGroupArn: aws.String(arn),
	})
	if err != nil {
		return false, rollout.WrapError(rollout.ErrCodeBackendUnavailable, err, "failed to describe target health")
	}
	if len(out.TargetHealthDescriptions) == 0 {
		return false, nil
	}
	for _, desc := range out.TargetHealthDescriptions {
		if desc.TargetHealth == nil || desc.TargetHealth.State != elbv2types.TargetHealthStateEnumHealthy {
			return false, nil
		}
	}
	return true, nil
}

// weightedForwardAction builds the forward action routing percent of traffic
// to green and the remainder to blue
func weightedForwardAction(blueArn, greenArn string, percent int) elbv2types.Action {
	return elbv2types.Action{
		Type: elbv2types.ActionTypeEnumForward,
		ForwardConfig: &elbv2types.ForwardActionConfig{
			TargetGroups: []elbv2types.TargetGroupTuple{
				{TargetGroupArn: aws.String(greenArn), Weight: aws.Int32(int32(percent))},
				{TargetGroupArn: aws.String(blueArn), Weight: aws.Int32(int32(100 - percent))},
			},
		},
	}
}

// Interface compliance check
var _ interfaces.ComputeBackend = (*Backend)(nil)
