package notify

import (
	"context"
	"fmt"

	"github.com/audiencekit/segment-engine/internal/domain"
	"github.com/resend/resend-go/v2"
)

// EmailSink sends a completion summary via the Resend API — used in
// staging/production.
type EmailSink struct {
	client *resend.Client
	from   string
}

func NewEmailSink(apiKey, from string) *EmailSink {
	return &EmailSink{client: resend.NewClient(apiKey), from: from}
}

func (s *EmailSink) BatchFinished(ctx context.Context, ev Event) error {
	if ev.NotifyEmail == "" {
		return nil
	}

	params := &resend.SendEmailRequest{
		From:    s.from,
		To:      []string{ev.NotifyEmail},
		Subject: subject(ev),
		Html:    body(ev),
	}
	if _, err := s.client.Emails.SendWithContext(ctx, params); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}

func subject(ev Event) string {
	switch ev.Status {
	case domain.StatusCompleted:
		if ev.ErrorCount > 0 {
			return fmt.Sprintf("Batch %q finished with %d failures", ev.BatchName, ev.ErrorCount)
		}
		return fmt.Sprintf("Batch %q finished", ev.BatchName)
	case domain.StatusFailed:
		return fmt.Sprintf("Batch %q failed", ev.BatchName)
	default:
		return fmt.Sprintf("Batch %q cancelled", ev.BatchName)
	}
}

func body(ev Event) string {
	return fmt.Sprintf(
		`<p>Your segment batch <strong>%s</strong> is done.</p>
<p>%d segments created, %d failed.</p>
<p>Failed segments are listed on the batch page and can be retried from there.</p>`,
		ev.BatchName, ev.SuccessCount, ev.ErrorCount,
	)
}
