// Package observe implements the CloudWatch-backed signal sources consulted
// during traffic shifting: trailing-window traffic metrics via GetMetricData
// and the critical-alarm signal via DescribeAlarms.
package observe

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"github.com/rollgate/rollgate/internal/awsclient"
	"github.com/rollgate/rollgate/internal/interfaces"
)

// Metric names the metrics source reads from the configured namespace. The
// latency metric is expected to report milliseconds.
const (
	metricRequestCount = "RequestCount"
	metricErrorCount   = "ErrorCount"
	metricLatency      = "Latency"
)

const (
	queryRequests = "requests"
	queryErrors   = "errors"
	queryLatency  = "latency"

	statSum = "Sum"
	statP99 = "p99"
)

// cloudwatchClient is the subset of the CloudWatch API the signal sources use
type cloudwatchClient interface {
	GetMetricData(ctx context.Context, params *cloudwatch.GetMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.GetMetricDataOutput, error)
	DescribeAlarms(ctx context.Context, params *cloudwatch.DescribeAlarmsInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.DescribeAlarmsOutput, error)
}

// Factory builds per-rollout metrics and alarm sources over a shared
// CloudWatch client
type Factory struct {
	cw     cloudwatchClient
	window time.Duration
}

// NewFactory creates a signal factory backed by CloudWatch
func NewFactory(ctx context.Context, cfg interfaces.SignalFactoryConfig) (*Factory, error) {
	awsCfg, err := awsclient.Load(ctx, awsclient.Config{
		Region:   cfg.Region,
		Endpoint: cfg.EndpointURL,
	})
	if err != nil {
		return nil, err
	}

	client := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
		o.BaseEndpoint = awsclient.BaseEndpoint(cfg.EndpointURL)
	})
	return newFactory(client), nil
}

func newFactory(cw cloudwatchClient) *Factory {
	return &Factory{
		cw:     cw,
		window: interfaces.BurnWindow,
	}
}

// CreateMetricsSource builds a source reading one trailing window of request,
// error, and latency metrics from the configured namespace
func (f *Factory) CreateMetricsSource(config interfaces.ObserveConfig) (interfaces.MetricsSource, error) {
	if config.MetricsNamespace == "" {
		return nil, fmt.Errorf("metrics namespace is required for a metrics source")
	}
	return &MetricsSource{
		cw:         f.cw,
		namespace:  config.MetricsNamespace,
		dimensions: buildDimensions(config.Dimensions),
		window:     f.window,
	}, nil
}

// CreateAlarmSource builds a source reporting whether any of the named alarms
// is in ALARM state
func (f *Factory) CreateAlarmSource(config interfaces.ObserveConfig) (interfaces.AlarmSource, error) {
	if len(config.AlarmNames) == 0 {
		return nil, fmt.Errorf("at least one alarm name is required for an alarm source")
	}
	return &AlarmSource{
		cw:    f.cw,
		names: config.AlarmNames,
	}, nil
}

// buildDimensions converts the observe dimension map into a stable SDK slice
func buildDimensions(dimensions map[string]string) []cwtypes.Dimension {
	keys := make([]string, 0, len(dimensions))
	for key := range dimensions {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make([]cwtypes.Dimension, 0, len(keys))
	for _, key := range keys {
		out = append(out, cwtypes.Dimension{
			Name:  aws.String(key),
			Value: aws.String(dimensions[key]),
		})
	}
	return out
}

// MetricsSource reads trailing-window traffic metrics from CloudWatch
type MetricsSource struct {
	cw         cloudwatchClient
	namespace  string
	dimensions []cwtypes.Dimension
	window     time.Duration
}

// Window reads the trailing window ending now. Metrics with no datapoints
// contribute zeros, so an idle service reads as nominal.
func (s *MetricsSource) Window(ctx context.Context) (*interfaces.WindowMetrics, error) {
	end := time.Now().UTC()
	start := end.Add(-s.window)

	input := &cloudwatch.GetMetricDataInput{
		StartTime: aws.Time(start),
		EndTime:   aws.Time(end),
		MetricDataQueries: []cwtypes.MetricDataQuery{
			s.query(queryRequests, metricRequestCount, statSum),
			s.query(queryErrors, metricErrorCount, statSum),
			s.query(queryLatency, metricLatency, statP99),
		},
	}

	metrics := &interfaces.WindowMetrics{Start: start, End: end}
	for {
		output, err := s.cw.GetMetricData(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to read metric data: %w", err)
		}

		for _, result := range output.MetricDataResults {
			if result.Id == nil || len(result.Values) == 0 {
				continue
			}
			switch *result.Id {
			case queryRequests:
				metrics.RequestCount += sum(result.Values)
			case queryErrors:
				metrics.ErrorCount += sum(result.Values)
			case queryLatency:
				// Results arrive most recent first
				if metrics.LatencyP99 == 0 {
					metrics.LatencyP99 = time.Duration(result.Values[0] * float64(time.Millisecond))
				}
			}
		}

		if output.NextToken == nil {
			return metrics, nil
		}
		input.NextToken = output.NextToken
	}
}

func (s *MetricsSource) query(id, metric, stat string) cwtypes.MetricDataQuery {
	return cwtypes.MetricDataQuery{
		Id: aws.String(id),
		MetricStat: &cwtypes.MetricStat{
			Metric: &cwtypes.Metric{
				Namespace:  aws.String(s.namespace),
				MetricName: aws.String(metric),
				Dimensions: s.dimensions,
			},
			Period: aws.Int32(int32(s.window / time.Second)),
			Stat:   aws.String(stat),
		},
	}
}

func sum(values []float64) float64 {
	var total float64
	for _, v := range values {
		total += v
	}
	return total
}

// AlarmSource reports whether any configured CloudWatch alarm is firing
type AlarmSource struct {
	cw    cloudwatchClient
	names []string
}

// CriticalAlarmActive returns true when at least one of the configured alarms
// is in ALARM state. OK and INSUFFICIENT_DATA both read as inactive.
func (s *AlarmSource) CriticalAlarmActive(ctx context.Context) (bool, error) {
	input := &cloudwatch.DescribeAlarmsInput{
		AlarmNames: s.names,
		AlarmTypes: []cwtypes.AlarmType{cwtypes.AlarmTypeMetricAlarm, cwtypes.AlarmTypeCompositeAlarm},
		StateValue: cwtypes.StateValueAlarm,
	}

	for {
		output, err := s.cw.DescribeAlarms(ctx, input)
		if err != nil {
			return false, fmt.Errorf("failed to describe alarms: %w", err)
		}
		if len(output.MetricAlarms) > 0 || len(output.CompositeAlarms) > 0 {
			return true, nil
		}
		if output.NextToken == nil {
			return false, nil
		}
		input.NextToken = output.NextToken
	}
}

// Interface compliance checks
var (
	_ interfaces.SignalFactory = (*Factory)(nil)
	_ interfaces.MetricsSource = (*MetricsSource)(nil)
	_ interfaces.AlarmSource   = (*AlarmSource)(nil)
)
