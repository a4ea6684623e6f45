package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"bidledger/internal/config"
)

// Message is one rendered email.
type Message struct {
	To      string
	Subject string
	HTML    string
}

// Mailer delivers rendered emails.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// HTTPMailer posts messages to a transactional email API (POST {api_base}/emails).
type HTTPMailer struct {
	apiKey  string
	from    string
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
}

// NewHTTPMailer builds a mailer from cfg.
func NewHTTPMailer(cfg config.MailerConfig, logger zerolog.Logger) *HTTPMailer {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	baseURL := cfg.APIBase
	if baseURL == "" {
		baseURL = "https://api.resend.com"
	}

	return &HTTPMailer{
		apiKey:  cfg.APIKey,
		from:    cfg.From,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "mailer").Logger(),
	}
}

// Send calls the emails endpoint. Any non-2xx response is an error.
func (m *HTTPMailer) Send(ctx context.Context, msg Message) error {
	payload := map[string]any{
		"from":    m.from,
		"to":      []string{msg.To},
		"subject": msg.Subject,
		"html":    msg.HTML,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal email payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/emails", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create email request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.apiKey)

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("send email request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("email api status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var result struct {
		ID string `json:"id"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&result)

	m.logger.Info().Str("to", msg.To).
		Str("subject", msg.Subject).
		Str("message_id", result.ID).
		Msg("email sent")
	return nil
}

// LogMailer only logs. It is used when the mailer is disabled.
type LogMailer struct {
	logger zerolog.Logger
}

// NewLogMailer builds a LogMailer.
func NewLogMailer(logger zerolog.Logger) *LogMailer {
	return &LogMailer{logger: logger.With().Str("component", "mailer").Logger()}
}

func (m *LogMailer) Send(_ context.Context, msg Message) error {
	m.logger.Info().Str("to", msg.To).Str("subject", msg.Subject).Msg("mailer disabled, email not delivered")
	return nil
}

var (
	_ Mailer = (*HTTPMailer)(nil)
	_ Mailer = (*LogMailer)(nil)
)
