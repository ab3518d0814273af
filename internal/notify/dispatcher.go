package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-lms/internal/obs"
)

// ErrSkipped is returned by a channel that has nothing to deliver for a
// notification, for example mail without a recipient.
var ErrSkipped = errors.New("notify: channel skipped")

// Notification is a user-facing message fanned out to every channel.
type Notification struct {
	UserID       string
	Type         string
	Title        string
	Message      string
	Email        string
	DeviceTokens []string
	Data         map[string]string
}

func (n Notification) validate() error {
	if strings.TrimSpace(n.UserID) == "" {
		return errors.New("notify: user id is required")
	}
	if strings.TrimSpace(n.Title) == "" {
		return errors.New("notify: title is required")
	}
	return nil
}

// Channel delivers a notification over one medium.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, n Notification) error
}

// DeliveryResult is the outcome of one channel for one notification.
type DeliveryResult struct {
	Channel string `json:"channel"`
	OK      bool   `json:"ok"`
	Skipped bool   `json:"skipped,omitempty"`
	Err     error  `json:"-"`
}

// Dispatcher sends a notification to every configured channel.
type Dispatcher struct {
	Channels []Channel
	Logger   *zerolog.Logger
	// Primary names the channel whose failure fails the whole send.
	// Defaults to the database channel.
	Primary string
}

// Send attempts every channel in order and reports one result per channel.
// Only a failure of the primary channel is returned as an error.
func (d *Dispatcher) Send(ctx context.Context, n Notification) ([]DeliveryResult, error) {
	if d == nil {
		return nil, errors.New("notify: dispatcher not configured")
	}
	if err := n.validate(); err != nil {
		return nil, err
	}
	primary := d.Primary
	if primary == "" {
		primary = ChannelDatabase
	}
	logger := d.logger(ctx)

	results := make([]DeliveryResult, 0, len(d.Channels))
	var primaryErr error
	for _, ch := range d.Channels {
		if ch == nil {
			continue
		}
		res := DeliveryResult{Channel: ch.Name()}
		err := ch.Deliver(ctx, n)
		switch {
		case err == nil:
			res.OK = true
		case errors.Is(err, ErrSkipped):
			res.Skipped = true
		default:
			res.Err = err
			logger.Warn().Err(err).
				Str("channel", res.Channel).
				Str("user_id", n.UserID).
				Str("type", n.Type).
				Msg("notification_delivery_failed")
			if res.Channel == primary {
				primaryErr = fmt.Errorf("notify: %s: %w", res.Channel, err)
			}
		}
		observe(res)
		results = append(results, res)
	}
	return results, primaryErr
}

func (d *Dispatcher) logger(ctx context.Context) *zerolog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return zerolog.Ctx(ctx)
}

func observe(res DeliveryResult) {
	if obs.NotificationDeliveryTotal == nil {
		return
	}
	result := "ok"
	switch {
	case res.Skipped:
		result = "skipped"
	case !res.OK:
		result = "error"
	}
	obs.NotificationDeliveryTotal.WithLabelValues(res.Channel, result).Inc()
}
