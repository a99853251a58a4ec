// Package email sends editorial notifications over SMTP.
package email

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"
	"text/template"
	"time"
)

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

// Service sends plain text email. An unconfigured service logs and drops
// messages instead of failing.
type Service struct {
	config Config
	server string
	auth   smtp.Auth
	logger *slog.Logger

	// send is swapped in tests
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewService creates a new email service
func NewService(config Config, logger *slog.Logger) *Service {
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
		logger: logger,
		send:   smtp.SendMail,
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// Send delivers a plain text message
func (s *Service) Send(ctx context.Context, to []string, subject, body string) error {
	if len(to) == 0 {
		return nil
	}
	if !s.IsConfigured() {
		s.logger.Warn("Email not configured, dropping message", "subject", subject, "recipients", len(to))
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := s.compose(to, subject, body)
	if err := s.send(s.server, s.auth, s.config.From, to, msg); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

func (s *Service) compose(to []string, subject, body string) []byte {
	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	msg.WriteString(body)
	return msg.Bytes()
}

// StatusData fills the decision notification
type StatusData struct {
	AuthorName string
	Title      string
	Status     string
	URL        string
}

// ReminderData fills the review deadline reminder
type ReminderData struct {
	ReviewerName string
	Title        string
	DueAt        time.Time
}

// SendStatusNotification tells an author their manuscript changed status
func (s *Service) SendStatusNotification(ctx context.Context, to string, data StatusData) error {
	body, err := renderTemplate(statusTemplate, data)
	if err != nil {
		return fmt.Errorf("render status template: %w", err)
	}
	return s.Send(ctx, []string{to}, fmt.Sprintf("Your manuscript is now %s", data.Status), body)
}

// SendReviewReminder nudges a reviewer about an upcoming deadline
func (s *Service) SendReviewReminder(ctx context.Context, to string, data ReminderData) error {
	body, err := renderTemplate(reminderTemplate, data)
	if err != nil {
		return fmt.Errorf("render reminder template: %w", err)
	}
	return s.Send(ctx, []string{to}, fmt.Sprintf("Review due %s", data.DueAt.Format("Jan 2")), body)
}

func renderTemplate(tmpl string, data interface{}) (string, error) {
	t := template.Must(template.New("email").Parse(tmpl))
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const statusTemplate = `Dear {{.AuthorName}},

The status of your manuscript "{{.Title}}" is now {{.Status}}.
{{if .URL}}
It is available at {{.URL}}
{{end}}
Kind regards,
The editorial office
`

const reminderTemplate = `Dear {{.ReviewerName}},

This is a reminder that your review of "{{.Title}}" is due on {{.DueAt.Format "Monday, January 2 2006 15:04 MST"}}.

Thank you for your help,
The editorial office
`
