package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"go.uber.org/zap"

	"prodintel/internal/observability"
)

const (
	telegramAPI = "https://api.telegram.org"

	notifyTimeout = 10 * time.Second
)

// Notifier delivers one alert message over a single channel.
type Notifier interface {
	Name() string
	Send(ctx context.Context, message string) error
}

type TelegramNotifier struct {
	Token   string
	ChatID  string
	BaseURL string
	Client  *http.Client
	Log     *zap.Logger
}

func NewTelegramNotifier(token, chatID string, log *zap.Logger) *TelegramNotifier {
	return &TelegramNotifier{
		Token:   token,
		ChatID:  chatID,
		BaseURL: telegramAPI,
		Client:  &http.Client{Timeout: notifyTimeout},
		Log:     observability.OrNop(log).Named("telegram"),
	}
}

func (n *TelegramNotifier) Name() string { return "telegram" }

// Send posts the message through the Bot API. Without credentials it logs a
// warning and does nothing.
func (n *TelegramNotifier) Send(ctx context.Context, message string) error {
	if n.Token == "" || n.ChatID == "" {
		n.Log.Warn("telegram credentials not configured")
		return nil
	}
	body, err := json.Marshal(map[string]string{
		"chat_id":    n.ChatID,
		"text":       html.EscapeString(message),
		"parse_mode": "HTML",
	})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(n.BaseURL, "/"), n.Token)
	resp, err := post(ctx, n.Client, url, body)
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}

	var reply struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(resp, &reply); err != nil {
		return fmt.Errorf("telegram: decode reply: %w", err)
	}
	if !reply.OK {
		return fmt.Errorf("telegram: %s", reply.Description)
	}
	n.Log.Info("notification sent", zap.String("preview", preview(message)))
	return nil
}

// EmailNotifier sends through the SendGrid v3 mail API.
type EmailNotifier struct {
	APIKey  string
	From    string
	To      string
	Subject string
	// BaseURL overrides the SendGrid host; empty uses the public API.
	BaseURL string
	Log     *zap.Logger
}

func NewEmailNotifier(apiKey, from, to string, log *zap.Logger) *EmailNotifier {
	return &EmailNotifier{
		APIKey:  apiKey,
		From:    from,
		To:      to,
		Subject: "Product alert",
		Log:     observability.OrNop(log).Named("email"),
	}
}

func (n *EmailNotifier) Name() string { return "email" }

func (n *EmailNotifier) Send(ctx context.Context, message string) error {
	if n.APIKey == "" || n.From == "" || n.To == "" {
		n.Log.Warn("email credentials not configured")
		return nil
	}
	m := mail.NewV3MailInit(mail.NewEmail("", n.From), n.Subject, mail.NewEmail("", n.To),
		mail.NewContent("text/plain", message))

	req := sendgrid.GetRequest(n.APIKey, "/v3/mail/send", strings.TrimRight(n.BaseURL, "/"))
	req.Method = "POST"
	req.Body = mail.GetRequestBody(m)

	ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()
	resp, err := sendgrid.MakeRequestWithContext(ctx, req)
	if err != nil {
		return fmt.Errorf("sendgrid: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("sendgrid: status %d: %s", resp.StatusCode, strings.TrimSpace(resp.Body))
	}
	n.Log.Info("notification sent", zap.String("to", n.To), zap.String("preview", preview(message)))
	return nil
}

func post(ctx context.Context, client *http.Client, url string, body []byte) ([]byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return data, nil
}

func preview(s string) string {
	r := []rune(s)
	if len(r) > 50 {
		return string(r[:50]) + "..."
	}
	return s
}
