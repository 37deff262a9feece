package notification

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"html/template"
	"log/slog"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/fraudwatch/scoring-engine/internal/config"
	"github.com/fraudwatch/scoring-engine/internal/database"
)

// Channel delivers one alert over one transport
type Channel interface {
	Name() string
	Send(ctx context.Context, tx *database.Transaction, reason string) error
}

// StatusError reports a non-success transport response. The notifier treats
// it as retryable.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// ChatChannel posts alerts to a bot-API chat endpoint
type ChatChannel struct {
	config config.ChatConfig
	logger *slog.Logger
	client *resty.Client
}

// NewChatChannel creates a new chat channel
func NewChatChannel(cfg config.ChatConfig, logger *slog.Logger) *ChatChannel {
	client := resty.New().
		SetBaseURL(cfg.APIBaseURL).
		SetTimeout(cfg.Timeout)

	return &ChatChannel{
		config: cfg,
		logger: logger,
		client: client,
	}
}

// Name returns the channel name
func (c *ChatChannel) Name() string {
	return "chat"
}

type chatMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// Send posts the alert message. A non-2xx response is returned as
// StatusError.
func (c *ChatChannel) Send(ctx context.Context, tx *database.Transaction, reason string) error {
	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(chatMessage{
			ChatID:    c.config.ChatID,
			Text:      formatChatText(tx, reason),
			ParseMode: "Markdown",
		}).
		Post(fmt.Sprintf("/bot%s/sendMessage", c.config.BotToken))
	if err != nil {
		return fmt.Errorf("chat request failed: %w", err)
	}

	if !resp.IsSuccess() {
		return &StatusError{Code: resp.StatusCode()}
	}

	return nil
}

func formatChatText(tx *database.Transaction, reason string) string {
	return fmt.Sprintf(
		"🚨 *Transaction Alert!*\n"+
			"ID: `%s`\n"+
			"Sender: %s\n"+
			"Receiver: %s\n"+
			"Amount: %s\n"+
			"Type: %s\n"+
			"Reason: %s",
		tx.CorrelationID,
		tx.SenderAccount,
		tx.ReceiverAccount,
		formatAmount(tx.Amount),
		tx.TransactionType,
		reason,
	)
}

func formatAmount(amount float64) string {
	return strconv.FormatFloat(amount, 'f', -1, 64)
}

var mailHTMLTemplate = template.Must(template.New("alert").Parse(`<html>
  <head>
    <style>
      body { font-family: Arial, sans-serif; margin: 20px; }
      .alert { color: #d63031; font-weight: bold; font-size: 18px; }
      .info { margin: 10px 0; padding: 10px; background: #f8f9fa; border-left: 4px solid #74b9ff; }
      .label { font-weight: bold; color: #2d3436; }
    </style>
  </head>
  <body>
    <div class="alert">🚨 Transaction Alert!</div>
    <div class="info">
      <p><span class="label">ID:</span> {{.ID}}</p>
      <p><span class="label">Sender:</span> {{.Sender}}</p>
      <p><span class="label">Receiver:</span> {{.Receiver}}</p>
      <p><span class="label">Amount:</span> {{.Amount}}</p>
      <p><span class="label">Type:</span> {{.Type}}</p>
      <p><span class="label">Reason:</span> {{.Reason}}</p>
      <p><span class="label">Time:</span> {{.Time}}</p>
    </div>
  </body>
</html>`))

type mailData struct {
	ID       string
	Sender   string
	Receiver string
	Amount   string
	Type     string
	Reason   string
	Time     string
}

// MailChannel delivers alerts by email through SMTP or SendGrid
type MailChannel struct {
	config config.MailConfig
	logger *slog.Logger
}

// NewMailChannel creates a new mail channel
func NewMailChannel(cfg config.MailConfig, logger *slog.Logger) *MailChannel {
	return &MailChannel{
		config: cfg,
		logger: logger,
	}
}

// Name returns the channel name
func (m *MailChannel) Name() string {
	return "mail"
}

// Send renders the alert as multipart/alternative text+HTML and hands it to
// the configured provider.
func (m *MailChannel) Send(ctx context.Context, tx *database.Transaction, reason string) error {
	subject := fmt.Sprintf("🚨 Transaction Alert! %s", tx.CorrelationID)
	textBody := formatMailText(tx, reason)

	htmlBody, err := renderMailHTML(tx, reason)
	if err != nil {
		return fmt.Errorf("failed to render mail body: %w", err)
	}

	switch m.config.Provider {
	case "sendgrid":
		return m.sendViaSendGrid(ctx, subject, textBody, htmlBody)
	case "smtp":
		return m.sendViaSMTP(ctx, subject, textBody, htmlBody)
	default:
		return fmt.Errorf("unsupported mail provider: %s", m.config.Provider)
	}
}

func formatMailText(tx *database.Transaction, reason string) string {
	return fmt.Sprintf(
		"Transaction Alert!\n"+
			"ID: %s\n"+
			"Sender: %s\n"+
			"Receiver: %s\n"+
			"Amount: %s\n"+
			"Type: %s\n"+
			"Reason: %s",
		tx.CorrelationID,
		tx.SenderAccount,
		tx.ReceiverAccount,
		formatAmount(tx.Amount),
		tx.TransactionType,
		reason,
	)
}

func renderMailHTML(tx *database.Transaction, reason string) (string, error) {
	var buf bytes.Buffer
	err := mailHTMLTemplate.Execute(&buf, mailData{
		ID:       tx.CorrelationID,
		Sender:   tx.SenderAccount,
		Receiver: tx.ReceiverAccount,
		Amount:   formatAmount(tx.Amount),
		Type:     tx.TransactionType,
		Reason:   reason,
		Time:     tx.Timestamp.UTC().Format("2006-01-02 15:04:05"),
	})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (m *MailChannel) sendViaSendGrid(ctx context.Context, subject, textBody, htmlBody string) error {
	from := mail.NewEmail("", m.config.FromAddress)
	to := mail.NewEmail("", m.config.ToAddress)
	message := mail.NewSingleEmail(from, subject, to, textBody, htmlBody)

	client := sendgrid.NewSendClient(m.config.SendGridAPIKey)
	response, err := client.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("sendgrid request failed: %w", err)
	}

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		return &StatusError{Code: response.StatusCode}
	}

	return nil
}

func (m *MailChannel) sendViaSMTP(ctx context.Context, subject, textBody, htmlBody string) error {
	msg, err := buildMIMEMessage(m.config.FromAddress, m.config.ToAddress, subject, textBody, htmlBody)
	if err != nil {
		return fmt.Errorf("failed to build mail message: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", m.config.SMTPHost, m.config.SMTPPort)
	dialer := net.Dialer{Timeout: m.config.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("smtp dial failed: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, m.config.SMTPHost)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake failed: %w", err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: m.config.SMTPHost}); err != nil {
			return fmt.Errorf("smtp starttls failed: %w", err)
		}
	}

	if m.config.SMTPUsername != "" {
		auth := smtp.PlainAuth("", m.config.SMTPUsername, m.config.SMTPPassword, m.config.SMTPHost)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth failed: %w", err)
		}
	}

	if err := client.Mail(m.config.FromAddress); err != nil {
		return fmt.Errorf("smtp mail from failed: %w", err)
	}
	if err := client.Rcpt(m.config.ToAddress); err != nil {
		return fmt.Errorf("smtp rcpt to failed: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data failed: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		w.Close()
		return fmt.Errorf("smtp write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp close failed: %w", err)
	}

	return client.Quit()
}

// buildMIMEMessage assembles a multipart/alternative message with a plain
// text part and an HTML part.
func buildMIMEMessage(from, to, subject, textBody, htmlBody string) ([]byte, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	textPart, err := writer.CreatePart(textproto.MIMEHeader{
		"Content-Type": {"text/plain; charset=UTF-8"},
	})
	if err != nil {
		return nil, err
	}
	if _, err := textPart.Write([]byte(textBody)); err != nil {
		return nil, err
	}

	htmlPart, err := writer.CreatePart(textproto.MIMEHeader{
		"Content-Type": {"text/html; charset=UTF-8"},
	})
	if err != nil {
		return nil, err
	}
	if _, err := htmlPart.Write([]byte(htmlBody)); err != nil {
		return nil, err
	}

	if err := writer.Close(); err != nil {
		return nil, err
	}

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "To: %s\r\n", to)
	fmt.Fprintf(&msg, "Subject: %s\r\n", mime.QEncoding.Encode("UTF-8", subject))
	msg.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=%s\r\n", writer.Boundary())
	msg.WriteString("\r\n")

	// Part bodies may carry bare LF; SMTP wants CRLF throughout.
	normalized := strings.ReplaceAll(body.String(), "\r\n", "\n")
	msg.WriteString(strings.ReplaceAll(normalized, "\n", "\r\n"))

	return msg.Bytes(), nil
}
