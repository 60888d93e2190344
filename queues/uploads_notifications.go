package queues

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/Yulian302/lfusys-services-uploads/logging"
	"github.com/Yulian302/lfusys-services-uploads/models"
	"github.com/Yulian302/lfusys-services-uploads/retries"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

var ErrQueueFull = errors.New("notification queue full")

const defaultBacklog = 256

type UploadsNotifier interface {
	// NotifyCompleted queues evt for delivery and never blocks on the network.
	NotifyCompleted(ctx context.Context, evt models.UploadCompletedEvent) error
}

// SQSAPI is the part of the SQS client the notifier uses.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// SQSUploadsNotifier publishes completion events from a single background
// sender so request handlers only pay for a channel send.
type SQSUploadsNotifier struct {
	client   SQSAPI
	queueUrl string
	backlog  chan models.UploadCompletedEvent

	logger logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSQSUploadsNotifier(
	parent context.Context,
	client SQSAPI,
	queueUrl string,
	l logging.Logger,
) *SQSUploadsNotifier {

	ctx, cancel := context.WithCancel(parent)

	return &SQSUploadsNotifier{
		client:   client,
		queueUrl: queueUrl,
		backlog:  make(chan models.UploadCompletedEvent, defaultBacklog),
		logger:   l,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (n *SQSUploadsNotifier) Name() string {
	return "Notifier[sqs]"
}

func (n *SQSUploadsNotifier) IsReady(ctx context.Context) error {
	_, err := n.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl: aws.String(n.queueUrl),
	})
	return err
}

func (n *SQSUploadsNotifier) Start() {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.sendLoop()
	}()
}

func (n *SQSUploadsNotifier) NotifyCompleted(ctx context.Context, evt models.UploadCompletedEvent) error {
	select {
	case n.backlog <- evt:
		return nil
	case <-n.ctx.Done():
		return n.ctx.Err()
	default:
		n.logger.Warn("completion event dropped", "file_id", evt.FileID, "error", ErrQueueFull)
		return ErrQueueFull
	}
}

func (n *SQSUploadsNotifier) sendLoop() {
	for {
		select {
		case <-n.ctx.Done():
			n.drain()
			return
		case evt := <-n.backlog:
			n.send(n.ctx, evt)
		}
	}
}

// drain flushes what is already queued when shutdown starts.
func (n *SQSUploadsNotifier) drain() {
	for {
		select {
		case evt := <-n.backlog:
			n.send(context.WithoutCancel(n.ctx), evt)
		default:
			return
		}
	}
}

func (n *SQSUploadsNotifier) send(ctx context.Context, evt models.UploadCompletedEvent) {
	body, err := json.Marshal(evt)
	if err != nil {
		n.logger.Error("failed to encode completion event", "file_id", evt.FileID, "error", err)
		return
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(n.queueUrl),
		MessageBody: aws.String(string(body)),
	}
	if strings.HasSuffix(n.queueUrl, ".fifo") {
		input.MessageGroupId = aws.String("uploads")
		input.MessageDeduplicationId = aws.String(evt.FileID)
	}

	err = retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			_, err := n.client.SendMessage(ctx, input)
			return err
		},
		retries.IsRetriableAWSError,
	)
	if err != nil {
		n.logger.Error("failed to publish completion event", "file_id", evt.FileID, "error", err)
		return
	}
	n.logger.Debug("completion event published", "file_id", evt.FileID)
}

func (n *SQSUploadsNotifier) Shutdown(ctx context.Context) error {
	n.cancel()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NullNotifier discards events; used when no queue is configured.
type NullNotifier struct{}

func NewNullNotifier() *NullNotifier {
	return &NullNotifier{}
}

func (NullNotifier) NotifyCompleted(context.Context, models.UploadCompletedEvent) error {
	return nil
}
