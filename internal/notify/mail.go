package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/noah-isme/backend-lms/internal/common"
	"github.com/noah-isme/backend-lms/internal/queue"
)

// MailChannel sends notifications by email. Notifications without an email
// address are skipped.
type MailChannel struct {
	Mail common.EmailSender
	// Retry, when set, receives failed sends for the worker to retry.
	Retry *queue.Enqueuer
}

// Name implements Channel.
func (MailChannel) Name() string { return ChannelMail }

// Deliver implements Channel.
func (c MailChannel) Deliver(ctx context.Context, n Notification) error {
	if strings.TrimSpace(n.Email) == "" {
		return ErrSkipped
	}
	err := c.send(n)
	if err == nil {
		return nil
	}
	if c.Retry != nil {
		if qerr := c.Retry.EnqueueJSON(ctx, queue.KindMailRetry, retryKey(ChannelMail, n), n, 0); qerr != nil {
			return errors.Join(err, fmt.Errorf("enqueue mail retry: %w", qerr))
		}
	}
	return err
}

func (c MailChannel) send(n Notification) error {
	if c.Mail == nil {
		return errors.New("notify: mail sender not configured")
	}
	return c.Mail.Send(strings.TrimSpace(n.Email), n.Title, renderMail(n))
}

// mailText strips markup from notification text.
var mailText = bluemonday.StrictPolicy()

func renderMail(n Notification) string {
	var b strings.Builder
	b.WriteString("<p>")
	b.WriteString(mailText.Sanitize(n.Message))
	b.WriteString("</p>")
	if len(n.Data) == 0 {
		return b.String()
	}
	keys := make([]string, 0, len(n.Data))
	for k := range n.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	b.WriteString("<ul>")
	for _, k := range keys {
		fmt.Fprintf(&b, "<li>%s: %s</li>", mailText.Sanitize(k), mailText.Sanitize(n.Data[k]))
	}
	b.WriteString("</ul>")
	return b.String()
}

// retryKey deduplicates retries of the same notification on a channel. Empty
// keys disable deduplication.
func retryKey(channel string, n Notification) string {
	id := n.Data["event_id"]
	if id == "" {
		return ""
	}
	return channel + ":" + id
}
