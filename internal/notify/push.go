package notify

import (
	"context"
	"errors"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"

	"github.com/noah-isme/backend-lms/internal/queue"
)

// MulticastSender is the part of the FCM messaging client used for pushes.
type MulticastSender interface {
	SendEachForMulticast(ctx context.Context, message *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

// FCMConfig locates the Firebase project used for push messages.
type FCMConfig struct {
	ProjectID       string
	CredentialsFile string
}

// NewFCMSender initialises a Firebase app and returns its messaging client.
func NewFCMSender(ctx context.Context, cfg FCMConfig) (*messaging.Client, error) {
	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("initialise firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialise firebase messaging client: %w", err)
	}
	return client, nil
}

// PushChannel sends notifications to the user's devices through FCM.
// Notifications without device tokens are skipped.
type PushChannel struct {
	Sender MulticastSender
	// Retry, when set, receives pushes whose tokens failed with a retryable
	// error. Only those tokens are retried.
	Retry *queue.Enqueuer
}

// Name implements Channel.
func (PushChannel) Name() string { return ChannelPush }

// Deliver implements Channel.
func (c PushChannel) Deliver(ctx context.Context, n Notification) error {
	if len(n.DeviceTokens) == 0 {
		return ErrSkipped
	}
	retryable, err := c.send(ctx, n)
	if err == nil {
		return nil
	}
	if c.Retry != nil && len(retryable) > 0 {
		retry := n
		retry.DeviceTokens = retryable
		if qerr := c.Retry.EnqueueJSON(ctx, queue.KindPushRetry, retryKey(ChannelPush, n), retry, 0); qerr != nil {
			return errors.Join(err, fmt.Errorf("enqueue push retry: %w", qerr))
		}
	}
	return err
}

// send pushes to every token and returns the tokens worth retrying. Tokens
// FCM reports as unregistered are dropped.
func (c PushChannel) send(ctx context.Context, n Notification) ([]string, error) {
	if c.Sender == nil {
		return nil, errors.New("notify: push sender not configured")
	}
	msg := &messaging.MulticastMessage{
		Tokens: n.DeviceTokens,
		Notification: &messaging.Notification{
			Title: n.Title,
			Body:  n.Message,
		},
		Data: n.Data,
	}
	resp, err := c.Sender.SendEachForMulticast(ctx, msg)
	if err != nil {
		return n.DeviceTokens, fmt.Errorf("fcm multicast: %w", err)
	}
	if resp == nil || resp.FailureCount == 0 {
		return nil, nil
	}
	var (
		retryable []string
		firstErr  error
	)
	for i, r := range resp.Responses {
		if r == nil || r.Success || i >= len(n.DeviceTokens) {
			continue
		}
		if firstErr == nil {
			firstErr = r.Error
		}
		if messaging.IsUnregistered(r.Error) || messaging.IsInvalidArgument(r.Error) {
			continue
		}
		retryable = append(retryable, n.DeviceTokens[i])
	}
	if firstErr == nil {
		firstErr = errors.New("unreported failure")
	}
	return retryable, fmt.Errorf("fcm: %d of %d pushes failed: %w", resp.FailureCount, len(n.DeviceTokens), firstErr)
}
