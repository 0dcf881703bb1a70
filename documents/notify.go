package documents

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/smtp"
	"os"
	"strconv"
	"strings"
	"time"

	"docchat_back/knowledge"
)

// Notifier tells a grantee that a document was shared with them.
type Notifier interface {
	NotifyShared(ctx context.Context, doc *knowledge.Document, sharedBy, grantee string) error
}

// shareMailer sends share notifications over SMTP.
type shareMailer struct {
	host     string
	port     int
	username string
	password string
	from     string
	subject  string
	send     func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewShareMailerFromEnv loads SMTP_* settings. It returns nil without error
// when SMTP_HOST is unset so sharing works without mail.
func NewShareMailerFromEnv() (Notifier, error) {
	host := strings.TrimSpace(os.Getenv("SMTP_HOST"))
	if host == "" {
		return nil, nil
	}

	portValue := strings.TrimSpace(os.Getenv("SMTP_PORT"))
	if portValue == "" {
		portValue = "587"
	}
	port, err := strconv.Atoi(portValue)
	if err != nil || port <= 0 {
		return nil, fmt.Errorf("documents: SMTP port is invalid: %s", portValue)
	}

	username := strings.TrimSpace(os.Getenv("SMTP_USERNAME"))
	password := os.Getenv("SMTP_PASSWORD")
	from := sanitizeMailHeader(os.Getenv("SMTP_FROM"))
	if from == "" {
		from = username
	}
	if username == "" || strings.TrimSpace(password) == "" {
		return nil, errors.New("documents: SMTP credentials are not configured")
	}
	if from == "" {
		return nil, errors.New("documents: mail sender address is not configured")
	}

	return &shareMailer{
		host:     host,
		port:     port,
		username: username,
		password: password,
		from:     from,
		subject:  sanitizeMailHeader(os.Getenv("SMTP_SHARE_SUBJECT")),
		send:     smtp.SendMail,
	}, nil
}

func (m *shareMailer) NotifyShared(_ context.Context, doc *knowledge.Document, sharedBy, grantee string) error {
	if m == nil {
		return errors.New("documents: share mailer not configured")
	}
	if doc == nil {
		return errors.New("documents: document is required")
	}
	recipient := sanitizeMailHeader(grantee)
	if recipient == "" || !strings.Contains(recipient, "@") {
		return fmt.Errorf("documents: cannot mail grantee %q", grantee)
	}

	subject := m.subject
	if subject == "" {
		subject = "A document was shared with you"
	}

	now := time.Now().UTC()
	var body strings.Builder
	fmt.Fprintf(&body, "%s shared a document with you.\r\n\r\n", sanitizeMailHeader(sharedBy))
	fmt.Fprintf(&body, "Title: %s\r\n", sanitizeMailHeader(doc.Title))
	if doc.FileName != "" {
		fmt.Fprintf(&body, "File: %s\r\n", sanitizeMailHeader(doc.FileName))
	}
	fmt.Fprintf(&body, "Document ID: %s\r\n", doc.ID)
	fmt.Fprintf(&body, "Shared At (UTC): %s\r\n", now.Format(time.RFC3339))
	body.WriteString("\r\nYou can now ask questions about it in chat.\r\n")

	headers := []string{
		fmt.Sprintf("From: %s", m.from),
		fmt.Sprintf("To: %s", recipient),
		fmt.Sprintf("Subject: %s", encodeMailSubject(subject)),
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=UTF-8",
		"Content-Transfer-Encoding: 8bit",
		fmt.Sprintf("Date: %s", now.Format(time.RFC1123Z)),
	}

	var message strings.Builder
	for _, header := range headers {
		message.WriteString(header)
		message.WriteString("\r\n")
	}
	message.WriteString("\r\n")
	message.WriteString(body.String())

	address := fmt.Sprintf("%s:%d", m.host, m.port)
	auth := smtp.PlainAuth("", m.username, m.password, m.host)
	return m.send(address, auth, m.from, []string{recipient}, []byte(message.String()))
}

// encodeMailSubject applies RFC 2047 encoding to non-ASCII subjects.
func encodeMailSubject(subject string) string {
	if subject == "" || isASCII(subject) {
		return subject
	}
	return fmt.Sprintf("=?UTF-8?B?%s?=", base64.StdEncoding.EncodeToString([]byte(subject)))
}

func isASCII(value string) bool {
	for i := 0; i < len(value); i++ {
		if value[i] >= 0x80 {
			return false
		}
	}
	return true
}

// sanitizeMailHeader strips line breaks to prevent header injection.
func sanitizeMailHeader(value string) string {
	trimmed := strings.TrimSpace(value)
	trimmed = strings.ReplaceAll(trimmed, "\r", " ")
	trimmed = strings.ReplaceAll(trimmed, "\n", " ")
	return trimmed
}
