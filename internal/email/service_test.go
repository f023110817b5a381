package email

import (
	"net/smtp"
	"strings"
	"testing"

	"canopy/api/internal/config"
)

func TestServiceIsConfigured(t *testing.T) {
	tests := []struct {
		name     string
		config   config.SMTPConfig
		expected bool
	}{
		{name: "empty config", config: config.SMTPConfig{}, expected: false},
		{name: "missing host", config: config.SMTPConfig{Port: "587", From: "test@example.com"}, expected: false},
		{name: "missing port", config: config.SMTPConfig{Host: "smtp.example.com", From: "test@example.com"}, expected: false},
		{name: "missing from", config: config.SMTPConfig{Host: "smtp.example.com", Port: "587"}, expected: false},
		{name: "fully configured", config: config.SMTPConfig{Host: "smtp.example.com", Port: "587", From: "test@example.com"}, expected: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(tt.config)
			if svc.IsConfigured() != tt.expected {
				t.Errorf("IsConfigured() = %v, want %v", svc.IsConfigured(), tt.expected)
			}
		})
	}
}

func TestNilServiceIsNotConfigured(t *testing.T) {
	var svc *Service
	if svc.IsConfigured() {
		t.Fatal("nil service should not be configured")
	}
}

func TestSendCommentReply(t *testing.T) {
	svc := NewService(config.SMTPConfig{Host: "smtp.example.com", Port: "587", From: "wiki@example.com", FromName: "Canopy"})
	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte
	svc.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, msg
		return nil
	}

	err := svc.SendCommentReply("ada@example.com", ReplyData{
		Recipient:   "Ada",
		ReplierName: "Grace",
		PageTitle:   "Runbook",
		Excerpt:     "<b>looks good</b>",
		PageURL:     "https://wiki.example.com/p/abc",
	})
	if err != nil {
		t.Fatalf("SendCommentReply: %v", err)
	}
	if gotAddr != "smtp.example.com:587" || gotFrom != "wiki@example.com" {
		t.Fatalf("unexpected envelope %s %s", gotAddr, gotFrom)
	}
	if len(gotTo) != 1 || gotTo[0] != "ada@example.com" {
		t.Fatalf("unexpected recipients %v", gotTo)
	}
	msg := string(gotMsg)
	if !strings.Contains(msg, "From: Canopy <wiki@example.com>") {
		t.Error("message should carry the display name")
	}
	if !strings.Contains(msg, `Subject: Grace replied to your comment on "Runbook"`) {
		t.Error("message should carry the subject")
	}
	if !strings.Contains(msg, "&lt;b&gt;looks good&lt;/b&gt;") {
		t.Error("html part must escape the excerpt")
	}
	if !strings.Contains(msg, "https://wiki.example.com/p/abc") {
		t.Error("message should link the page")
	}
}

func TestSendWithoutConfig(t *testing.T) {
	svc := NewService(config.SMTPConfig{})
	if err := svc.SendCommentReply("ada@example.com", ReplyData{}); err == nil {
		t.Fatal("expected error when smtp is not configured")
	}
}

func TestSubjectHeaderInjection(t *testing.T) {
	svc := NewService(config.SMTPConfig{Host: "h", Port: "25", From: "f@example.com"})
	msg := string(svc.buildMessage([]string{"a@example.com"}, "hi\r\nBcc: evil@example.com", "t", "h"))
	if strings.Contains(msg, "\r\nBcc:") {
		t.Fatal("subject must not inject headers")
	}
}
