package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// Metric names and dimensions published per task.
const (
	MetricTaskDuration     = "TaskDuration"
	MetricRecordsProcessed = "RecordsProcessed"
	MetricTaskResult       = "TaskResult"

	DimTask   = "Task"
	DimResult = "Result"

	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Metrics records task outcomes. Implementations must not fail the task:
// publishing errors are logged and dropped.
type Metrics interface {
	RecordTask(ctx context.Context, task string, duration time.Duration, err error)
	RecordRecords(ctx context.Context, task string, n int)
}

// NoopMetrics discards everything.
type NoopMetrics struct{}

func (NoopMetrics) RecordTask(context.Context, string, time.Duration, error) {}
func (NoopMetrics) RecordRecords(context.Context, string, int) {}

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

var _ Metrics = (*CloudWatchMetrics)(nil)

// CloudWatchMetrics publishes task metrics to a CloudWatch namespace.
//
// Metrics emitted:
//   - TaskResult: Dims {Task, Result}, one per attempt
//   - TaskDuration: Dims {Task}, milliseconds
//   - RecordsProcessed: Dims {Task}
type CloudWatchMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

// NewCloudWatchMetrics creates metrics publishing under namespace.
func NewCloudWatchMetrics(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchMetrics {
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchMetrics{client: client, namespace: namespace, logger: logger}
}

// RecordTask emits TaskResult and TaskDuration in a single call.
func (m *CloudWatchMetrics) RecordTask(ctx context.Context, task string, duration time.Duration, err error) {
	result := ResultSuccess
	if err != nil {
		result = ResultFailure
	}

	m.put(ctx, []cwtypes.MetricDatum{
		{
			MetricName: aws.String(MetricTaskResult),
			Value:      aws.Float64(1),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: []cwtypes.Dimension{
				{Name: aws.String(DimTask), Value: aws.String(task)},
				{Name: aws.String(DimResult), Value: aws.String(result)},
			},
		},
		{
			MetricName: aws.String(MetricTaskDuration),
			Value:      aws.Float64(float64(duration.Milliseconds())),
			Unit:       cwtypes.StandardUnitMilliseconds,
			Dimensions: []cwtypes.Dimension{
				{Name: aws.String(DimTask), Value: aws.String(task)},
			},
		},
	}, "task", task)
}

// RecordRecords emits RecordsProcessed for task.
func (m *CloudWatchMetrics) RecordRecords(ctx context.Context, task string, n int) {
	m.put(ctx, []cwtypes.MetricDatum{
		{
			MetricName: aws.String(MetricRecordsProcessed),
			Value:      aws.Float64(float64(n)),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: []cwtypes.Dimension{
				{Name: aws.String(DimTask), Value: aws.String(task)},
			},
		},
	}, "task", task, "records", n)
}

func (m *CloudWatchMetrics) put(ctx context.Context, data []cwtypes.MetricDatum, logArgs ...any) {
	_, err := m.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: data,
	})
	if err != nil {
		m.logger.WarnContext(ctx, "failed to publish metrics", append(logArgs, "error", err)...)
	}
}
