package mailer

import (
	"strings"
	"testing"

	"github.com/scribeworks/controlplane/internal/logger"
)

func mustLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return log
}

func TestBuildMessageContainsHeadersAndBody(t *testing.T) {
	msg := string(buildMessage("noreply@example.com", []string{"a@example.com", "b@example.com"}, "subject line", "body text"))

	for _, want := range []string{
		"From: noreply@example.com\r\n",
		"To: a@example.com, b@example.com\r\n",
		"Subject: subject line\r\n",
		"body text",
	} {
		if !strings.Contains(msg, want) {
			t.Fatalf("buildMessage: expected %q in:\n%s", want, msg)
		}
	}
}

func TestSendAccountDeletionReminderNoopsOnEmptyRecipients(t *testing.T) {
	m := NewSMTPMailer("localhost:25", "noreply@example.com", "", "", mustLogger(t))
	if err := m.SendAccountDeletionReminder(nil, nil, "https://example.com", 30); err != nil {
		t.Fatalf("SendAccountDeletionReminder with no recipients: %v", err)
	}
}
