package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"report-scheduler/internal/mailer"
)

// Channel names as used in policies.
const (
	ChannelEmail   = "email"
	ChannelChat    = "chat"
	ChannelBot     = "bot"
	ChannelWebhook = "webhook"
	ChannelSMS     = "sms"
)

var channelOrder = []string{ChannelEmail, ChannelChat, ChannelBot, ChannelWebhook, ChannelSMS}

// SignatureHeader carries the hex HMAC-SHA256 of the webhook body.
const SignatureHeader = "X-Signature-256"

// Channel delivers one notification using per-policy configuration. Secrets
// in cfg arrive already decrypted.
type Channel interface {
	Name() string
	Send(ctx context.Context, cfg ChannelConfig, n Notification) error
}

func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

// DefaultChannels returns every built-in channel. sender may be nil, which
// leaves email out.
func DefaultChannels(sender mailer.Sender) []Channel {
	client := defaultHTTPClient()
	out := []Channel{
		&Chat{Client: client},
		&Bot{Client: client},
		&Webhook{Client: client},
		&SMS{Client: client},
	}
	if sender != nil {
		out = append(out, &Email{Sender: sender})
	}
	return out
}

// Email sends the summary as an HTML mail.
type Email struct {
	Sender mailer.Sender
}

func (e *Email) Name() string { return ChannelEmail }

func (e *Email) Send(ctx context.Context, cfg ChannelConfig, n Notification) error {
	if len(cfg.Recipients) == 0 {
		return errors.New("email channel has no recipients")
	}
	return e.Sender.Send(ctx, mailer.Message{
		To:      cfg.Recipients,
		Subject: n.Subject,
		HTML:    "<pre>" + html.EscapeString(n.Text) + "</pre>",
	})
}

// Chat posts to an incoming chat webhook as {"text": ...}, or as an
// attachment with a title when cfg.Title is set.
type Chat struct {
	Client *http.Client
}

func (c *Chat) Name() string { return ChannelChat }

func (c *Chat) Send(ctx context.Context, cfg ChannelConfig, n Notification) error {
	if cfg.URL == "" {
		return errors.New("chat channel has no url")
	}
	return PostChat(ctx, c.Client, cfg.URL, cfg.Title, n.Text)
}

// PostChat sends text to a chat webhook.
func PostChat(ctx context.Context, client *http.Client, hookURL, title, text string) error {
	if client == nil {
		client = defaultHTTPClient()
	}
	msg := &slack.WebhookMessage{Text: text}
	if title != "" {
		msg = &slack.WebhookMessage{Attachments: []slack.Attachment{{Title: title, Text: text}}}
	}
	if err := slack.PostWebhookCustomHTTPContext(ctx, hookURL, client, msg); err != nil {
		return fmt.Errorf("post chat webhook: %w", err)
	}
	return nil
}

// Bot posts {"chat_id", "text"} to a bot API endpoint. When cfg.URL is
// empty the Telegram sendMessage endpoint for cfg.Token is used.
type Bot struct {
	Client  *http.Client
	BaseURL string
}

func (b *Bot) Name() string { return ChannelBot }

func (b *Bot) Send(ctx context.Context, cfg ChannelConfig, n Notification) error {
	if cfg.ChatID == "" {
		return errors.New("bot channel has no chat_id")
	}
	endpoint := cfg.URL
	if endpoint == "" {
		if cfg.Token == "" {
			return errors.New("bot channel needs url or token")
		}
		base := b.BaseURL
		if base == "" {
			base = "https://api.telegram.org"
		}
		endpoint = strings.TrimRight(base, "/") + "/bot" + cfg.Token + "/sendMessage"
	}
	body, err := json.Marshal(map[string]string{"chat_id": cfg.ChatID, "text": n.Text})
	if err != nil {
		return err
	}
	return postJSON(ctx, b.Client, endpoint, body, nil)
}

// Webhook posts the structured payload, signed when cfg.Secret is set.
type Webhook struct {
	Client *http.Client
}

func (w *Webhook) Name() string { return ChannelWebhook }

func (w *Webhook) Send(ctx context.Context, cfg ChannelConfig, n Notification) error {
	if cfg.URL == "" {
		return errors.New("webhook channel has no url")
	}
	body, err := json.Marshal(n.Payload())
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	headers := map[string]string{}
	if cfg.Secret != "" {
		headers[SignatureHeader] = "sha256=" + Sign(cfg.Secret, body)
	}
	return postJSON(ctx, w.Client, cfg.URL, body, headers)
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// SMS posts one form-encoded message per recipient to a gateway, using
// either a sender number (From) or a pooled messaging service id.
type SMS struct {
	Client *http.Client
}

func (s *SMS) Name() string { return ChannelSMS }

func (s *SMS) Send(ctx context.Context, cfg ChannelConfig, n Notification) error {
	if cfg.URL == "" {
		return errors.New("sms channel has no gateway url")
	}
	if len(cfg.Recipients) == 0 {
		return errors.New("sms channel has no recipients")
	}
	if cfg.From == "" && cfg.ServiceID == "" {
		return errors.New("sms channel needs from or service_id")
	}
	client := s.Client
	if client == nil {
		client = defaultHTTPClient()
	}
	var failed []string
	for _, to := range cfg.Recipients {
		form := url.Values{"To": {to}, "Body": {n.Text}}
		if cfg.ServiceID != "" {
			form.Set("MessagingServiceSid", cfg.ServiceID)
		} else {
			form.Set("From", cfg.From)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, strings.NewReader(form.Encode()))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		if cfg.Username != "" {
			req.SetBasicAuth(cfg.Username, cfg.Password)
		}
		if err := do(client, req); err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", to, err))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("sms delivery failed for %s", strings.Join(failed, "; "))
	}
	return nil
}

func postJSON(ctx context.Context, client *http.Client, endpoint string, body []byte, headers map[string]string) error {
	if client == nil {
		client = defaultHTTPClient()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return do(client, req)
}

func do(client *http.Client, req *http.Request) error {
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned status %d", req.URL.Host, resp.StatusCode)
	}
	return nil
}
