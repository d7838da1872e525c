package report

import (
	"crypto/tls"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/nivalis-io/ipa-orchestrator/internal/config"
)

// smtpsPort triggers implicit TLS (TLS from the first byte). Other ports go
// through smtp.SendMail, which negotiates STARTTLS when offered.
const smtpsPort = 465

// Mailer delivers rendered reports over SMTP as a single multipart message
// carrying both the text and the HTML rendition.
type Mailer struct {
	cfg config.EmailConfig
}

// NewMailer builds a Mailer from the resolved email configuration.
func NewMailer(cfg config.EmailConfig) *Mailer {
	return &Mailer{cfg: cfg}
}

// Enabled reports whether delivery is configured at all. When false, Send is
// a no-op and the reporter marks the report done without dispatching.
func (m *Mailer) Enabled() bool { return m.cfg.EnableEmail }

// Send delivers one multipart/alternative message to the configured
// recipients.
func (m *Mailer) Send(subject, textBody, htmlBody string) error {
	if !m.cfg.EnableEmail {
		return nil
	}

	msg := buildMessage(m.cfg.FromAddress, m.cfg.ToAddress, subject, textBody, htmlBody)
	addr := net.JoinHostPort(m.cfg.Host, fmt.Sprintf("%d", m.cfg.Port))
	auth := smtp.PlainAuth("", m.cfg.User, m.cfg.Password, m.cfg.Host)

	if m.cfg.Port == smtpsPort {
		return m.sendTLS(addr, auth, msg)
	}

	if err := smtp.SendMail(addr, auth, m.cfg.FromAddress, m.cfg.ToAddress, msg); err != nil {
		return fmt.Errorf("report: smtp.SendMail: %w", err)
	}
	return nil
}

// sendTLS establishes an implicit TLS connection before the SMTP handshake,
// for servers that expect TLS from the first byte.
func (m *Mailer) sendTLS(addr string, auth smtp.Auth, msg []byte) error {
	tlsCfg := &tls.Config{
		ServerName: m.cfg.Host,
		MinVersion: tls.VersionTLS12,
	}

	conn, err := tls.Dial("tcp", addr, tlsCfg)
	if err != nil {
		return fmt.Errorf("report: tls.Dial: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		return fmt.Errorf("report: smtp.NewClient: %w", err)
	}
	defer client.Close()

	if err := client.Auth(auth); err != nil {
		return fmt.Errorf("report: smtp auth: %w", err)
	}
	if err := client.Mail(m.cfg.FromAddress); err != nil {
		return fmt.Errorf("report: MAIL FROM: %w", err)
	}
	for _, rcpt := range m.cfg.ToAddress {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("report: RCPT TO %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("report: DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("report: write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("report: close DATA: %w", err)
	}

	return client.Quit()
}

// buildMessage composes an RFC 5322 message with a multipart/alternative body
// so mail clients pick the HTML rendition and fall back to plain text.
func buildMessage(from string, to []string, subject, textBody, htmlBody string) []byte {
	const boundary = "ipa-report-boundary-7f3a9c"

	var sb strings.Builder
	sb.WriteString("From: " + from + "\r\n")
	sb.WriteString("To: " + strings.Join(to, ", ") + "\r\n")
	sb.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", subject) + "\r\n")
	sb.WriteString("Date: " + time.Now().UTC().Format(time.RFC1123Z) + "\r\n")
	sb.WriteString("MIME-Version: 1.0\r\n")
	sb.WriteString("Content-Type: multipart/alternative; boundary=" + boundary + "\r\n")
	sb.WriteString("\r\n")

	sb.WriteString("--" + boundary + "\r\n")
	sb.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	sb.WriteString("\r\n")
	sb.WriteString(textBody)
	sb.WriteString("\r\n")

	sb.WriteString("--" + boundary + "\r\n")
	sb.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	sb.WriteString("\r\n")
	sb.WriteString(htmlBody)
	sb.WriteString("\r\n")

	sb.WriteString("--" + boundary + "--\r\n")
	return []byte(sb.String())
}
