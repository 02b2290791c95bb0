package service

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/timetrack-api/pkg/jobs"
)

// JobTypePasswordResetEmail identifies queued reset e-mails.
const JobTypePasswordResetEmail = "password_reset_email"

// EmailMessage is a rendered outgoing e-mail.
type EmailMessage struct {
	To      string
	Subject string
	Body    string
}

// Mailer delivers rendered messages.
type Mailer interface {
	Send(ctx context.Context, msg EmailMessage) error
}

// LogMailer writes messages to the log instead of delivering them. Bodies
// carry live reset tokens, so they are only logged when IncludeBody is set.
type LogMailer struct {
	Logger      *zap.Logger
	IncludeBody bool
}

// Send implements Mailer.
func (m LogMailer) Send(_ context.Context, msg EmailMessage) error {
	logger := m.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	fields := []zap.Field{zap.String("to", msg.To), zap.String("subject", msg.Subject)}
	if m.IncludeBody {
		fields = append(fields, zap.String("body", msg.Body))
	}
	logger.Info("email sent", fields...)
	return nil
}

type passwordResetEmail struct {
	To        string
	Token     string
	ExpiresAt time.Time
}

type jobEnqueuer interface {
	TryEnqueue(job jobs.Job) error
}

// EmailService renders and queues transactional e-mail.
type EmailService struct {
	queue   jobEnqueuer
	mailer  Mailer
	baseURL string
	logger  *zap.Logger
}

// NewEmailService constructs an EmailService. baseURL is the front-end page
// that accepts a reset token.
func NewEmailService(queue jobEnqueuer, mailer Mailer, baseURL string, logger *zap.Logger) *EmailService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EmailService{queue: queue, mailer: mailer, baseURL: baseURL, logger: logger}
}

// SendPasswordReset queues the reset e-mail without blocking the caller.
func (s *EmailService) SendPasswordReset(_ context.Context, to, token string, expiresAt time.Time) error {
	return s.queue.TryEnqueue(jobs.Job{
		Type:    JobTypePasswordResetEmail,
		Payload: passwordResetEmail{To: to, Token: token, ExpiresAt: expiresAt},
	})
}

// Handle is the queue handler delivering e-mail jobs.
func (s *EmailService) Handle(ctx context.Context, job jobs.Job) error {
	switch job.Type {
	case JobTypePasswordResetEmail:
		payload, ok := job.Payload.(passwordResetEmail)
		if !ok {
			s.logger.Error("discarding malformed email job", zap.String("job_id", job.ID))
			return nil
		}
		return s.mailer.Send(ctx, s.renderPasswordReset(payload))
	default:
		s.logger.Warn("unknown email job type", zap.String("job_id", job.ID), zap.String("type", job.Type))
		return nil
	}
}

func (s *EmailService) renderPasswordReset(p passwordResetEmail) EmailMessage {
	var b strings.Builder
	b.WriteString("Hello,\n\n")
	b.WriteString("You have requested a password reset for your TimeTrack account.\n\n")
	if link := s.resetLink(p.Token); link != "" {
		fmt.Fprintf(&b, "Open the following link to choose a new password:\n\n%s\n\n", link)
	} else {
		fmt.Fprintf(&b, "Use the following reset token:\n\n%s\n\n", p.Token)
	}
	fmt.Fprintf(&b, "The link expires at %s. If you did not request a reset, ignore this e-mail.\n", p.ExpiresAt.UTC().Format(time.RFC1123))
	return EmailMessage{To: p.To, Subject: "Password reset request", Body: b.String()}
}

func (s *EmailService) resetLink(token string) string {
	if s.baseURL == "" {
		return ""
	}
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return ""
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}
