// Package fcm delivers gateway-bound notifications through Firebase Cloud Messaging.
package fcm

import (
	"context"
	"fmt"
	"log/slog"

	"firebase.google.com/go/v4/messaging"
)

// MaxBatchSize is the largest batch FCM accepts in one SendEach call.
const MaxBatchSize = 500

// MessagingClient defines the subset of the Firebase Messaging API we use.
// *messaging.Client satisfies it.
type MessagingClient interface {
	SendEach(ctx context.Context, messages []*messaging.Message) (*messaging.BatchResponse, error)
}

type Dispatcher struct {
	client    MessagingClient
	batchSize int
	logger    *slog.Logger
}

func NewDispatcher(client MessagingClient, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		client:    client,
		batchSize: MaxBatchSize,
		logger:    logger.With("component", "FCMDispatcher"),
	}
}

// Dispatch submits the messages in chunks of at most MaxBatchSize and returns
// one error per message, index-aligned with msgs; nil means FCM accepted it.
// A chunk that fails as a whole marks every message of that chunk failed and
// does not stop later chunks.
func (d *Dispatcher) Dispatch(ctx context.Context, msgs []*messaging.Message) []error {
	results := make([]error, len(msgs))
	for start := 0; start < len(msgs); start += d.batchSize {
		end := min(start+d.batchSize, len(msgs))
		chunk := msgs[start:end]

		br, err := d.client.SendEach(ctx, chunk)
		if err != nil {
			d.logger.Error("FCM batch failed", "size", len(chunk), "err", err)
			for i := range chunk {
				results[start+i] = fmt.Errorf("fcm transport failed: %w", err)
			}
			continue
		}

		for i := range chunk {
			if i >= len(br.Responses) || br.Responses[i] == nil {
				results[start+i] = fmt.Errorf("fcm returned no response for message %d", start+i)
				continue
			}
			if resp := br.Responses[i]; !resp.Success {
				results[start+i] = resp.Error
				if resp.Error == nil {
					results[start+i] = fmt.Errorf("fcm rejected message %d", start+i)
				}
			}
		}
		d.logger.Debug("FCM batch sent", "success", br.SuccessCount, "failure", br.FailureCount)
	}
	return results
}

// Reason classifies a per-message error into a short diagnostic.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case messaging.IsRegistrationTokenNotRegistered(err):
		return "unregistered"
	case messaging.IsInvalidArgument(err):
		return "invalid_argument"
	case messaging.IsUnavailable(err), messaging.IsInternal(err):
		return "unavailable"
	default:
		return "transport"
	}
}
