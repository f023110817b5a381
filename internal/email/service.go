// Package email sends comment notifications over SMTP.
package email

import (
	"bytes"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"

	"canopy/api/internal/config"
)

type sendFunc func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error

type Service struct {
	config config.SMTPConfig
	server string
	auth   smtp.Auth
	send   sendFunc
}

func NewService(cfg config.SMTPConfig) *Service {
	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return &Service{
		config: cfg,
		server: cfg.Host + ":" + cfg.Port,
		auth:   auth,
		send:   smtp.SendMail,
	}
}

func (s *Service) IsConfigured() bool {
	return s != nil && s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// SendHTMLEmail sends a multipart message with a plain text fallback.
func (s *Service) SendHTMLEmail(to []string, subject, textBody, htmlBody string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}
	return s.send(s.server, s.auth, s.config.From, to, s.buildMessage(to, subject, textBody, htmlBody))
}

func (s *Service) buildMessage(to []string, subject, textBody, htmlBody string) []byte {
	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}
	boundary := "boundary-canopy"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", sanitizeHeader(subject))
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	fmt.Fprintf(&msg, "%s\r\n\r\n", textBody)

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n\r\n")
	fmt.Fprintf(&msg, "%s\r\n\r\n", htmlBody)
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)
	return msg.Bytes()
}

type ReplyData struct {
	AppName     string
	Recipient   string
	ReplierName string
	PageTitle   string
	Excerpt     string
	PageURL     string
}

// SendCommentReply tells the author of a thread that someone answered it.
func (s *Service) SendCommentReply(to string, data ReplyData) error {
	if data.AppName == "" {
		data.AppName = "Canopy"
	}
	html, err := renderTemplate(replyTemplate, data)
	if err != nil {
		return fmt.Errorf("render reply template: %w", err)
	}
	subject := fmt.Sprintf("%s replied to your comment on %q", data.ReplierName, data.PageTitle)
	text := fmt.Sprintf("%s replied on %s:\n\n%s\n\n%s", data.ReplierName, data.PageTitle, data.Excerpt, data.PageURL)
	return s.SendHTMLEmail([]string{to}, subject, text, html)
}

func sanitizeHeader(value string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(value)
}

var replyTemplate = template.Must(template.New("reply").Parse(replyEmailTemplate))

func renderTemplate(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const replyEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>New reply on {{.PageTitle}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #2f855a; padding-bottom: 10px; margin-bottom: 20px; }
        .quote { border-left: 3px solid #ccc; padding-left: 12px; color: #555; margin: 16px 0; }
        .button { display: inline-block; padding: 12px 24px; background: #2f855a; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <p>Hi {{.Recipient}},</p>

    <p><strong>{{.ReplierName}}</strong> replied to your comment on <strong>{{.PageTitle}}</strong>:</p>

    <div class="quote">{{.Excerpt}}</div>
{{if .PageURL}}
    <p>
        <a href="{{.PageURL}}" class="button">Open page</a>
    </p>
{{end}}
    <div class="footer">
        <p>You receive this because you started the thread.</p>
    </div>
</body>
</html>`
