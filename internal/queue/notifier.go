// Package queue publishes pipeline run events to SQS for downstream
// consumers.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"carbonetl/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// RunNotifier sends a RunCompletedMessage to a single queue.
type RunNotifier struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

// NewRunNotifier creates a RunNotifier for queueURL.
func NewRunNotifier(client SQSSender, queueURL string, logger *slog.Logger) *RunNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunNotifier{client: client, queueURL: queueURL, logger: logger}
}

// NotifyRunCompleted serializes msg to JSON and sends it. The run status is
// also set as a message attribute so subscribers can filter on it.
func (n *RunNotifier) NotifyRunCompleted(ctx context.Context, msg types.RunCompletedMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal RunCompletedMessage: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(n.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"status": {
				DataType:    aws.String("String"),
				StringValue: aws.String(msg.Status),
			},
		},
	}

	if _, err := n.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("queue: failed to send RunCompletedMessage to %s: %w", n.queueURL, err)
	}

	n.logger.InfoContext(ctx, "run completed message sent",
		"queue_url", n.queueURL,
		"run_id", msg.RunID,
		"run_key", msg.RunKey,
		"status", msg.Status,
	)
	return nil
}
