package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"time"
)

// Notification is the flat payload handed to every sink.
type Notification struct {
	TenantID     string  `json:"tenant_id"`
	AlertType    string  `json:"alert_type"`
	Message      string  `json:"message"`
	CurrentUsage float64 `json:"current_usage"`
	LimitValue   float64 `json:"limit_value"`
}

// Sink delivers one notification. Sinks are best-effort and expected
// to be idempotent; the budget engine logs failures and does not retry
// indefinitely.
type Sink interface {
	Name() string
	Notify(ctx context.Context, n Notification) error
}

// SMTPConfig holds SMTP server settings for the email sink.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// EmailSink sends alert emails over SMTP.
type EmailSink struct {
	cfg SMTPConfig
	to  string
}

func NewEmailSink(cfg SMTPConfig, to string) *EmailSink {
	return &EmailSink{cfg: cfg, to: to}
}

func (s *EmailSink) Name() string { return "email" }

func (s *EmailSink) Notify(ctx context.Context, n Notification) error {
	subject := fmt.Sprintf("[llm-gateway] %s for tenant %s", n.AlertType, n.TenantID)
	body := fmt.Sprintf("From: %s\nTo: %s\nSubject: %s\n\n%s\n\nCurrent usage: %.4f\nLimit: %.4f\n",
		s.cfg.From, s.to, subject, n.Message, n.CurrentUsage, n.LimitValue)

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	return smtp.SendMail(addr, auth, s.cfg.From, []string{s.to}, []byte(body))
}

// WebhookSink posts the notification as JSON to a configured URL.
type WebhookSink struct {
	name   string
	url    string
	client *http.Client
}

func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{name: "webhook", url: url, client: &http.Client{Timeout: 10 * time.Second}}
}

// NewChatSink posts the notification to a chat webhook (Slack-style).
func NewChatSink(url string) *WebhookSink {
	return &WebhookSink{name: "chat", url: url, client: &http.Client{Timeout: 10 * time.Second}}
}

func (s *WebhookSink) Name() string { return s.name }

func (s *WebhookSink) Notify(ctx context.Context, n Notification) error {
	var payload []byte
	var err error
	if s.name == "chat" {
		payload, err = json.Marshal(map[string]string{
			"text": fmt.Sprintf("%s for tenant %s: %s (%.4f of %.4f)",
				n.AlertType, n.TenantID, n.Message, n.CurrentUsage, n.LimitValue),
		})
	} else {
		payload, err = json.Marshal(n)
	}
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s sink returned status %d", s.name, resp.StatusCode)
	}
	return nil
}
