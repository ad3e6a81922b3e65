package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Notification aggregate statuses.
const (
	NotificationPending = "pending"
	NotificationSent    = "sent"
	NotificationPartial = "partial"
	NotificationFailed  = "failed"
)

// Per-recipient send statuses.
const (
	RecipientPending = "pending"
	RecipientSent    = "sent"
	RecipientFailed  = "failed"
)

// Notification is one bulk email with its aggregate outcome.
type Notification struct {
	ID          uuid.UUID
	Subject     string
	BodyHTML    string
	Status      string
	SentCount   int
	FailedCount int
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// Recipient is one addressee of a notification with its send outcome.
type Recipient struct {
	ID             uuid.UUID
	NotificationID uuid.UUID
	Email          string
	Status         string
	MessageID      *string
	Error          *string
	SentAt         *time.Time
}

// CreateNotification inserts a pending notification and returns its id.
func (s *Store) CreateNotification(ctx context.Context, subject, bodyHTML string) (uuid.UUID, error) {
	id := uuid.New()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO notifications (id, subject, body_html) VALUES ($1, $2, $3)`,
		id, subject, bodyHTML,
	)
	if err != nil {
		return uuid.Nil, classify(fmt.Errorf("create notification: %w", err))
	}
	return id, nil
}

// GetNotification returns the notification row, or (nil, nil) if it does
// not exist.
func (s *Store) GetNotification(ctx context.Context, id uuid.UUID) (*Notification, error) {
	var n Notification
	err := s.pool.QueryRow(ctx, `
		SELECT id, subject, body_html, status, sent_count, failed_count,
		       created_at, completed_at
		FROM notifications WHERE id = $1`, id,
	).Scan(
		&n.ID, &n.Subject, &n.BodyHTML, &n.Status, &n.SentCount,
		&n.FailedCount, &n.CreatedAt, &n.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(fmt.Errorf("get notification: %w", err))
	}
	return &n, nil
}

// EnsureRecipients inserts a pending recipient row per email, skipping
// emails already present so a retried job never re-sends to an address
// that succeeded on an earlier attempt.
func (s *Store) EnsureRecipients(ctx context.Context, notificationID uuid.UUID, emails []string) error {
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		for _, email := range emails {
			_, err := tx.Exec(ctx, `
				INSERT INTO notification_recipients (id, notification_id, email)
				VALUES ($1, $2, $3)
				ON CONFLICT (notification_id, email) DO NOTHING`,
				uuid.New(), notificationID, email,
			)
			if err != nil {
				return fmt.Errorf("ensure recipient %q: %w", email, err)
			}
		}
		return nil
	})
	return classify(err)
}

// PendingRecipients returns the recipients still awaiting a send, plus the
// ones that failed on a previous attempt.
func (s *Store) PendingRecipients(ctx context.Context, notificationID uuid.UUID) ([]Recipient, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, notification_id, email, status, message_id, error, sent_at
		FROM notification_recipients
		WHERE notification_id = $1 AND status <> $2
		ORDER BY email`,
		notificationID, RecipientSent,
	)
	if err != nil {
		return nil, classify(fmt.Errorf("pending recipients: %w", err))
	}
	defer rows.Close()
	var out []Recipient
	for rows.Next() {
		var r Recipient
		err := rows.Scan(&r.ID, &r.NotificationID, &r.Email, &r.Status, &r.MessageID, &r.Error, &r.SentAt)
		if err != nil {
			return nil, fmt.Errorf("recipients scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkRecipientSent records a successful delivery.
func (s *Store) MarkRecipientSent(ctx context.Context, recipientID uuid.UUID, messageID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE notification_recipients
		SET status = $2, message_id = $3, error = NULL, sent_at = now()
		WHERE id = $1`,
		recipientID, RecipientSent, messageID,
	)
	if err != nil {
		return classify(fmt.Errorf("mark recipient sent: %w", err))
	}
	return nil
}

// MarkRecipientFailed records a failed delivery attempt.
func (s *Store) MarkRecipientFailed(ctx context.Context, recipientID uuid.UUID, sendErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE notification_recipients
		SET status = $2, error = $3
		WHERE id = $1`,
		recipientID, RecipientFailed, sendErr,
	)
	if err != nil {
		return classify(fmt.Errorf("mark recipient failed: %w", err))
	}
	return nil
}

// FinalizeNotification recomputes the aggregate counts from the recipient
// rows and stamps the aggregate status: sent when every recipient
// succeeded, partial when at least one did, failed otherwise. Returns the
// sent and failed counts.
func (s *Store) FinalizeNotification(ctx context.Context, notificationID uuid.UUID) (sent, failed int, err error) {
	err = s.withTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			SELECT
				count(*) FILTER (WHERE status = $2),
				count(*) FILTER (WHERE status <> $2)
			FROM notification_recipients
			WHERE notification_id = $1`,
			notificationID, RecipientSent,
		).Scan(&sent, &failed)
		if err != nil {
			return fmt.Errorf("count recipients: %w", err)
		}
		status := NotificationFailed
		switch {
		case failed == 0 && sent > 0:
			status = NotificationSent
		case sent > 0:
			status = NotificationPartial
		}
		_, err = tx.Exec(ctx, `
			UPDATE notifications
			SET status = $2, sent_count = $3, failed_count = $4, completed_at = now()
			WHERE id = $1`,
			notificationID, status, sent, failed,
		)
		if err != nil {
			return fmt.Errorf("finalize notification: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, 0, classify(err)
	}
	return sent, failed, nil
}
