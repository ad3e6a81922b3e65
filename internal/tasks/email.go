package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pallavilagisetti/admin-control-sub000/internal/queue"
	"github.com/pallavilagisetti/admin-control-sub000/internal/store"
)

// NotificationStore is the persistence consumed by the bulk-email handler.
type NotificationStore interface {
	GetNotification(ctx context.Context, id uuid.UUID) (*store.Notification, error)
	EnsureRecipients(ctx context.Context, notificationID uuid.UUID, emails []string) error
	PendingRecipients(ctx context.Context, notificationID uuid.UUID) ([]store.Recipient, error)
	MarkRecipientSent(ctx context.Context, recipientID uuid.UUID, messageID string) error
	MarkRecipientFailed(ctx context.Context, recipientID uuid.UUID, sendErr string) error
	FinalizeNotification(ctx context.Context, notificationID uuid.UUID) (sent, failed int, err error)
}

type emailPayload struct {
	NotificationID uuid.UUID `json:"notification_id"`
	Recipients     []string  `json:"recipients"`
}

type emailResult struct {
	NotificationID uuid.UUID `json:"notification_id"`
	Sent           int       `json:"sent"`
	Failed         int       `json:"failed"`
}

const defaultSendConcurrency = 4

// SendNotification returns the email-notifications handler. Sends run with
// bounded concurrency and each outcome is recorded per recipient, so a
// retried job only re-sends to addresses that have not succeeded yet. The
// job completes when at least one recipient got the email.
func SendNotification(d Deps) queue.Handler {
	sendLimit := d.SendConcurrency
	if sendLimit <= 0 {
		sendLimit = defaultSendConcurrency
	}
	return func(ctx context.Context, t *queue.Task) (json.RawMessage, error) {
		var p emailPayload
		if err := json.Unmarshal(t.Payload, &p); err != nil {
			return nil, queue.Permanent(fmt.Errorf("decode payload: %w", err))
		}

		n, err := d.Notifications.GetNotification(ctx, p.NotificationID)
		if err != nil {
			return nil, fmt.Errorf("load notification: %w", err)
		}
		if n == nil {
			return nil, queue.Permanent(fmt.Errorf("notification %s: not found", p.NotificationID))
		}
		if err := d.Notifications.EnsureRecipients(ctx, n.ID, p.Recipients); err != nil {
			return nil, fmt.Errorf("ensure recipients: %w", err)
		}
		pending, err := d.Notifications.PendingRecipients(ctx, n.ID)
		if err != nil {
			return nil, fmt.Errorf("load recipients: %w", err)
		}
		t.Progress(10)

		var (
			mu   sync.Mutex
			done int
		)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(sendLimit)
		for _, r := range pending {
			r := r
			g.Go(func() error {
				messageID, sendErr := d.Mailer.Send(gctx, r.Email, n.Subject, n.BodyHTML)
				var markErr error
				if sendErr != nil {
					t.Log().Warn("send failed", "recipient", r.Email, "error", sendErr)
					markErr = d.Notifications.MarkRecipientFailed(gctx, r.ID, sendErr.Error())
				} else {
					markErr = d.Notifications.MarkRecipientSent(gctx, r.ID, messageID)
				}
				if markErr != nil {
					return fmt.Errorf("record send outcome for %s: %w", r.Email, markErr)
				}
				mu.Lock()
				done++
				t.Progress(10 + done*80/len(pending))
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		sent, failed, err := d.Notifications.FinalizeNotification(ctx, n.ID)
		if err != nil {
			return nil, fmt.Errorf("finalize notification: %w", err)
		}
		if sent == 0 && failed > 0 {
			// Every address bounced; the whole batch is worth retrying.
			return nil, queue.Retryable(fmt.Errorf("notification %s: all %d sends failed", n.ID, failed))
		}
		t.Progress(100)
		return json.Marshal(emailResult{NotificationID: n.ID, Sent: sent, Failed: failed})
	}
}
