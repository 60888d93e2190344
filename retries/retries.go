package retries

import (
	"context"
	"errors"
	"time"

	"github.com/aws/smithy-go"
)

const (
	DefaultAttempts  = 3
	DefaultBaseDelay = 100 * time.Millisecond

	HealthAttempts  = 2
	HealthBaseDelay = 50 * time.Millisecond
)

// Retry calls fn until it succeeds, attempts are exhausted, ctx is done, or
// isRetriable reports the error as permanent. The delay doubles after each
// failed attempt.
func Retry(ctx context.Context, attempts int, baseDelay time.Duration, fn func() error, isRetriable func(error) bool) error {
	if attempts < 1 {
		attempts = 1
	}

	var err error
	delay := baseDelay
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if isRetriable != nil && !isRetriable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

// IsRetriableAWSError treats throttling and server side faults as transient.
// Conditional check failures and validation errors are permanent.
func IsRetriableAWSError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ConditionalCheckFailedException", "ValidationException",
			"ResourceNotFoundException", "AccessDeniedException",
			"NoSuchKey", "NoSuchBucket", "NotFound", "InvalidParameterValue":
			return false
		}
		return apiErr.ErrorFault() == smithy.FaultServer ||
			apiErr.ErrorCode() == "ThrottlingException" ||
			apiErr.ErrorCode() == "ProvisionedThroughputExceededException" ||
			apiErr.ErrorCode() == "RequestLimitExceeded" ||
			apiErr.ErrorCode() == "SlowDown"
	}

	// network level errors carry no API code
	return true
}
