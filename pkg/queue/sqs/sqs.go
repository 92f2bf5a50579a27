// Package sqs provides an Amazon SQS queue client.
package sqs

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/dukex/ingest/pkg/queue"
)

// API is the subset of the SQS client the queue uses.
type API interface {
	SendMessage(ctx context.Context, params *awssqs.SendMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *awssqs.ReceiveMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *awssqs.DeleteMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.DeleteMessageOutput, error)
}

// Options selects region, credentials and an optional endpoint override such as LocalStack.
type Options struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

type Queue struct {
	client API
	logger *slog.Logger
}

// New builds a client from the default AWS credential chain unless static keys are given.
func New(ctx context.Context, logger *slog.Logger, opts Options) (*Queue, error) {
	region := opts.Region
	if region == "" {
		region = "us-east-1"
	}

	loaders := []func(*config.LoadOptions) error{config.WithRegion(region)}

	if opts.AccessKeyID != "" {
		loaders = append(loaders, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		return nil, fmt.Errorf("error loading AWS config: %w", err)
	}

	client := awssqs.NewFromConfig(awsCfg, func(o *awssqs.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})

	return NewWithClient(logger, client), nil
}

func NewWithClient(logger *slog.Logger, client API) *Queue {
	return &Queue{client: client, logger: logger.With("module", "sqs_queue")}
}

func isFIFO(queueURL string) bool {
	return strings.HasSuffix(queueURL, ".fifo")
}

func (q *Queue) Send(ctx context.Context, msg *queue.OutgoingMessage) error {
	if time.Duration(msg.DelaySeconds)*time.Second > queue.MaxNativeDelay {
		return queue.ErrDelayTooLong
	}

	input := &awssqs.SendMessageInput{
		QueueUrl:     aws.String(msg.QueueURL),
		MessageBody:  aws.String(msg.Body),
		DelaySeconds: msg.DelaySeconds,
	}

	if isFIFO(msg.QueueURL) {
		input.MessageGroupId = aws.String(msg.GroupID)
		input.MessageDeduplicationId = aws.String(msg.DeduplicationID)
		input.DelaySeconds = 0
	}

	if len(msg.Attributes) > 0 {
		input.MessageAttributes = make(map[string]types.MessageAttributeValue, len(msg.Attributes))
		for name, attr := range msg.Attributes {
			input.MessageAttributes[name] = types.MessageAttributeValue{
				DataType:    aws.String(attr.DataType),
				StringValue: aws.String(attr.Value),
			}
		}
	}

	_, err := q.client.SendMessage(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to send message to %s: %w", msg.QueueURL, err)
	}

	return nil
}

func (q *Queue) Receive(ctx context.Context, queueURL string, max int, wait time.Duration) ([]*queue.Message, error) {
	out, err := q.client.ReceiveMessage(ctx, &awssqs.ReceiveMessageInput{
		QueueUrl:              aws.String(queueURL),
		MaxNumberOfMessages:   int32(min(max, 10)),
		WaitTimeSeconds:       int32(min(wait, 20*time.Second).Seconds()),
		MessageAttributeNames: []string{"All"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to receive from %s: %w", queueURL, err)
	}

	messages := make([]*queue.Message, 0, len(out.Messages))

	for _, m := range out.Messages {
		attributes := make(map[string]queue.Attribute, len(m.MessageAttributes))
		for name, attr := range m.MessageAttributes {
			attributes[name] = queue.Attribute{
				DataType: aws.ToString(attr.DataType),
				Value:    aws.ToString(attr.StringValue),
			}
		}

		messages = append(messages, &queue.Message{
			ID:            aws.ToString(m.MessageId),
			Body:          aws.ToString(m.Body),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
			Attributes:    attributes,
		})
	}

	return messages, nil
}

func (q *Queue) Delete(ctx context.Context, queueURL, receiptHandle string) error {
	_, err := q.client.DeleteMessage(ctx, &awssqs.DeleteMessageInput{
		QueueUrl:      aws.String(queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("failed to delete message from %s: %w", queueURL, err)
	}

	return nil
}

func (q *Queue) Close() error { return nil }
