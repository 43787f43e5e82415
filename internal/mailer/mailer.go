// Package mailer sends the account-deletion-warning emails spec.md
// §4.1 requires before the users-cleanup task deletes an inactive
// account, grounded on database.py:2259-2341
// send_account_deletion_reminder. No SMTP client library turned up
// anywhere in the retrieved example pack (grepped every _examples/*
// go.mod/go.sum for smtp/mail/gomail), so this wraps the stdlib
// net/smtp client behind an interface, keeping the one questionable
// stdlib dependency isolated to a single call site a real provider
// can replace without touching callers.
package mailer

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strings"

	"github.com/scribeworks/controlplane/internal/errs"
	"github.com/scribeworks/controlplane/internal/logger"
)

// Mailer is the users-cleanup task's notification boundary.
type Mailer interface {
	// SendAccountDeletionReminder warns recipients that inactivity
	// will delete their account in daysRemaining days unless they sign
	// in at clientURL.
	SendAccountDeletionReminder(ctx context.Context, recipients []string, clientURL string, daysRemaining int) error
}

// SMTPMailer sends plain-text mail through a single SMTP relay.
type SMTPMailer struct {
	addr string
	from string
	auth smtp.Auth
	log  *logger.Logger
}

func NewSMTPMailer(addr, from, username, password string, baseLog *logger.Logger) *SMTPMailer {
	var auth smtp.Auth
	if username != "" {
		host, _, _ := net.SplitHostPort(addr)
		auth = smtp.PlainAuth("", username, password, host)
	}
	return &SMTPMailer{addr: addr, from: from, auth: auth, log: baseLog.With("component", "SMTPMailer")}
}

func (m *SMTPMailer) SendAccountDeletionReminder(ctx context.Context, recipients []string, clientURL string, daysRemaining int) error {
	if len(recipients) == 0 {
		return nil
	}
	subject := fmt.Sprintf("Your account will be deleted in %d days", daysRemaining)
	body := fmt.Sprintf(
		"We haven't seen you sign in for a while. Sign in at %s within %d days to keep your account and its transcription jobs.",
		clientURL, daysRemaining,
	)
	msg := buildMessage(m.from, recipients, subject, body)

	if err := smtp.SendMail(m.addr, m.auth, m.from, recipients, msg); err != nil {
		return errs.Internal("mailer.SendAccountDeletionReminder", "send smtp mail", err)
	}
	m.log.Info("sent account deletion reminder", "recipients", len(recipients), "days_remaining", daysRemaining)
	return nil
}

func buildMessage(from string, to []string, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("\r\n")
	b.WriteString(body)
	b.WriteString("\r\n")
	return []byte(b.String())
}
