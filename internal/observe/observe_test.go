package observe

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rollgate/rollgate/internal/interfaces"
)

// fakeCloudWatch scripts GetMetricData and DescribeAlarms responses
type fakeCloudWatch struct {
	requestSum   float64
	errorSum     float64
	latencyP99   float64
	emptyResults bool
	metricErr    error

	alarmStates map[string]cwtypes.StateValue
	alarmErr    error

	metricInputs []*cloudwatch.GetMetricDataInput
	alarmInputs  []*cloudwatch.DescribeAlarmsInput
}

func (f *fakeCloudWatch) GetMetricData(_ context.Context, params *cloudwatch.GetMetricDataInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.GetMetricDataOutput, error) {
	f.metricInputs = append(f.metricInputs, params)
	if f.metricErr != nil {
		return nil, f.metricErr
	}

	values := map[string]float64{
		queryRequests: f.requestSum,
		queryErrors:   f.errorSum,
		queryLatency:  f.latencyP99,
	}
	results := make([]cwtypes.MetricDataResult, 0, len(params.MetricDataQueries))
	for _, query := range params.MetricDataQueries {
		value, known := values[aws.ToString(query.Id)]
		if !known {
			continue
		}
		if f.emptyResults {
			results = append(results, cwtypes.MetricDataResult{Id: query.Id})
			continue
		}
		results = append(results, cwtypes.MetricDataResult{
			Id:         query.Id,
			Values:     []float64{value},
			Timestamps: []time.Time{time.Now().UTC()},
		})
	}
	return &cloudwatch.GetMetricDataOutput{MetricDataResults: results}, nil
}

func (f *fakeCloudWatch) DescribeAlarms(_ context.Context, params *cloudwatch.DescribeAlarmsInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.DescribeAlarmsOutput, error) {
	f.alarmInputs = append(f.alarmInputs, params)
	if f.alarmErr != nil {
		return nil, f.alarmErr
	}

	output := &cloudwatch.DescribeAlarmsOutput{}
	for _, name := range params.AlarmNames {
		state, known := f.alarmStates[name]
		if !known {
			continue
		}
		if params.StateValue != "" && state != params.StateValue {
			continue
		}
		output.MetricAlarms = append(output.MetricAlarms, cwtypes.MetricAlarm{
			AlarmName:  aws.String(name),
			StateValue: state,
		})
	}
	return output, nil
}

func TestNewFactory(t *testing.T) {
	factory, err := NewFactory(context.Background(), interfaces.SignalFactoryConfig{
		Region:      "us-east-1",
		EndpointURL: "http://localhost:4566",
	})
	require.NoError(t, err)

	source, err := factory.CreateAlarmSource(interfaces.ObserveConfig{AlarmNames: []string{"rollgate-critical"}})
	require.NoError(t, err)
	assert.IsType(t, &AlarmSource{}, source)
}

func TestCreateMetricsSource(t *testing.T) {
	factory := newFactory(&fakeCloudWatch{})

	t.Run("RequiresNamespace", func(t *testing.T) {
		_, err := factory.CreateMetricsSource(interfaces.ObserveConfig{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "metrics namespace is required")
	})

	t.Run("BuildsSource", func(t *testing.T) {
		source, err := factory.CreateMetricsSource(interfaces.ObserveConfig{MetricsNamespace: "Rollgate/Web"})
		require.NoError(t, err)
		assert.IsType(t, &MetricsSource{}, source)
	})
}

func TestCreateAlarmSource(t *testing.T) {
	factory := newFactory(&fakeCloudWatch{})

	t.Run("RequiresAlarmNames", func(t *testing.T) {
		_, err := factory.CreateAlarmSource(interfaces.ObserveConfig{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "at least one alarm name is required")
	})

	t.Run("BuildsSource", func(t *testing.T) {
		source, err := factory.CreateAlarmSource(interfaces.ObserveConfig{AlarmNames: []string{"api-5xx"}})
		require.NoError(t, err)
		assert.IsType(t, &AlarmSource{}, source)
	})
}

func TestMetricsWindow(t *testing.T) {
	ctx := context.Background()

	newSource := func(fake *fakeCloudWatch, observe interfaces.ObserveConfig) interfaces.MetricsSource {
		source, err := newFactory(fake).CreateMetricsSource(observe)
		require.NoError(t, err)
		return source
	}

	t.Run("ReadsTrailingWindow", func(t *testing.T) {
		fake := &fakeCloudWatch{requestSum: 1200, errorSum: 24, latencyP99: 350}
		source := newSource(fake, interfaces.ObserveConfig{MetricsNamespace: "Rollgate/Web"})

		window, err := source.Window(ctx)
		require.NoError(t, err)
		assert.Equal(t, float64(1200), window.RequestCount)
		assert.Equal(t, float64(24), window.ErrorCount)
		assert.Equal(t, 350*time.Millisecond, window.LatencyP99)
		assert.InDelta(t, 2.0, window.ErrorRatePercent(), 0.001)
		assert.Equal(t, interfaces.BurnWindow, window.End.Sub(window.Start))

		require.Len(t, fake.metricInputs, 1)
		queries := fake.metricInputs[0].MetricDataQueries
		require.Len(t, queries, 3)
		for _, query := range queries {
			assert.Equal(t, "Rollgate/Web", aws.ToString(query.MetricStat.Metric.Namespace))
			assert.Equal(t, int32(300), aws.ToInt32(query.MetricStat.Period))
		}
		assert.Equal(t, statSum, aws.ToString(queries[0].MetricStat.Stat))
		assert.Equal(t, statSum, aws.ToString(queries[1].MetricStat.Stat))
		assert.Equal(t, statP99, aws.ToString(queries[2].MetricStat.Stat))
	})

	t.Run("DimensionsAppliedInStableOrder", func(t *testing.T) {
		fake := &fakeCloudWatch{requestSum: 10}
		source := newSource(fake, interfaces.ObserveConfig{
			MetricsNamespace: "Rollgate/Web",
			Dimensions:       map[string]string{"Service": "web", "Environment": "prod"},
		})

		_, err := source.Window(ctx)
		require.NoError(t, err)

		require.Len(t, fake.metricInputs, 1)
		for _, query := range fake.metricInputs[0].MetricDataQueries {
			dims := query.MetricStat.Metric.Dimensions
			require.Len(t, dims, 2)
			assert.Equal(t, "Environment", aws.ToString(dims[0].Name))
			assert.Equal(t, "prod", aws.ToString(dims[0].Value))
			assert.Equal(t, "Service", aws.ToString(dims[1].Name))
			assert.Equal(t, "web", aws.ToString(dims[1].Value))
		}
	})

	t.Run("NoDatapointsReadsNominal", func(t *testing.T) {
		fake := &fakeCloudWatch{emptyResults: true}
		source := newSource(fake, interfaces.ObserveConfig{MetricsNamespace: "Rollgate/Web"})

		window, err := source.Window(ctx)
		require.NoError(t, err)
		assert.Zero(t, window.RequestCount)
		assert.Zero(t, window.ErrorCount)
		assert.Zero(t, window.LatencyP99)
		assert.Zero(t, window.ErrorRatePercent())
	})

	t.Run("ReadFailure", func(t *testing.T) {
		fake := &fakeCloudWatch{metricErr: errors.New("throttled")}
		source := newSource(fake, interfaces.ObserveConfig{MetricsNamespace: "Rollgate/Web"})

		_, err := source.Window(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to read metric data")
	})
}

func TestCriticalAlarmActive(t *testing.T) {
	ctx := context.Background()

	newSource := func(fake *fakeCloudWatch, names ...string) interfaces.AlarmSource {
		source, err := newFactory(fake).CreateAlarmSource(interfaces.ObserveConfig{AlarmNames: names})
		require.NoError(t, err)
		return source
	}

	t.Run("FiringAlarmReportsActive", func(t *testing.T) {
		fake := &fakeCloudWatch{alarmStates: map[string]cwtypes.StateValue{
			"api-5xx":     cwtypes.StateValueAlarm,
			"api-latency": cwtypes.StateValueOk,
		}}
		source := newSource(fake, "api-5xx", "api-latency")

		active, err := source.CriticalAlarmActive(ctx)
		require.NoError(t, err)
		assert.True(t, active)

		require.Len(t, fake.alarmInputs, 1)
		input := fake.alarmInputs[0]
		assert.Equal(t, []string{"api-5xx", "api-latency"}, input.AlarmNames)
		assert.Equal(t, cwtypes.StateValueAlarm, input.StateValue)
		assert.ElementsMatch(t, []cwtypes.AlarmType{cwtypes.AlarmTypeMetricAlarm, cwtypes.AlarmTypeCompositeAlarm}, input.AlarmTypes)
	})

	t.Run("QuietAlarmsReportInactive", func(t *testing.T) {
		fake := &fakeCloudWatch{alarmStates: map[string]cwtypes.StateValue{
			"api-5xx":     cwtypes.StateValueOk,
			"api-latency": cwtypes.StateValueInsufficientData,
		}}
		source := newSource(fake, "api-5xx", "api-latency")

		active, err := source.CriticalAlarmActive(ctx)
		require.NoError(t, err)
		assert.False(t, active)
	})

	t.Run("DescribeFailure", func(t *testing.T) {
		fake := &fakeCloudWatch{alarmErr: errors.New("access denied")}
		source := newSource(fake, "api-5xx")

		_, err := source.CriticalAlarmActive(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to describe alarms")
	})
}
