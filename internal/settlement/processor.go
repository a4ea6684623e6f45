package settlement

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/paymentintent"

	"bidledger/internal/apperr"
	"bidledger/internal/config"
)

// IntentRequest asks the processor to create a payment intent.
type IntentRequest struct {
	Amount       int64
	Currency     string
	Description  string
	ReceiptEmail string
	Metadata     map[string]string
}

// Intent is the processor's reference for a created payment intent.
type Intent struct {
	ID           string
	ClientSecret string
}

// Processor creates payment intents with the external payment processor.
type Processor interface {
	CreateIntent(ctx context.Context, req IntentRequest) (Intent, error)
}

// StripeProcessor creates payment intents through the Stripe API.
type StripeProcessor struct {
	intents   *paymentintent.Client
	accountID string
	logger    zerolog.Logger
}

// NewStripeProcessor builds a processor client from cfg. APIBase points the client at
// a different host, which tests use to serve a local API.
func NewStripeProcessor(cfg config.ProcessorConfig, logger zerolog.Logger) *StripeProcessor {
	logger = logger.With().Str("component", "processor").Logger()

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	backendCfg := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: timeout},
		LeveledLogger:     stripeLogger{logger: logger},
		MaxNetworkRetries: stripe.Int64(cfg.MaxNetworkRetries),
		EnableTelemetry:   stripe.Bool(false),
	}
	if base := strings.TrimRight(cfg.APIBase, "/"); base != "" {
		backendCfg.URL = stripe.String(base)
	}

	return &StripeProcessor{
		intents: &paymentintent.Client{
			B:   stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg),
			Key: cfg.SecretKey,
		},
		accountID: cfg.AccountID,
		logger:    logger,
	}
}

// CreateIntent creates a payment intent. Every call carries a fresh idempotency key.
// Network failures, 429 and 5xx responses are transient.
func (p *StripeProcessor) CreateIntent(ctx context.Context, in IntentRequest) (Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(in.Amount),
		Currency: stripe.String(strings.ToLower(in.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	if in.Description != "" {
		params.Description = stripe.String(in.Description)
	}
	if in.ReceiptEmail != "" {
		params.ReceiptEmail = stripe.String(in.ReceiptEmail)
	}
	for k, v := range in.Metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx
	params.SetIdempotencyKey(uuid.NewString())
	if p.accountID != "" {
		params.SetStripeAccount(p.accountID)
	}

	pi, err := p.intents.New(params)
	if err != nil {
		return Intent{}, classifyStripeError(err)
	}
	if pi.ID == "" {
		return Intent{}, fmt.Errorf("processor returned a payment intent without id")
	}

	p.logger.Info().Str("payment_intent", pi.ID).Int64("amount", in.Amount).Msg("payment intent created")
	return Intent{ID: pi.ID, ClientSecret: pi.ClientSecret}, nil
}

func classifyStripeError(err error) error {
	var serr *stripe.Error
	if !errors.As(err, &serr) {
		return apperr.Transient(fmt.Errorf("create payment intent: %w", err))
	}
	wrapped := fmt.Errorf("processor status %d: %s", serr.HTTPStatusCode, serr.Msg)
	if serr.HTTPStatusCode == http.StatusTooManyRequests || serr.HTTPStatusCode >= 500 {
		return apperr.Transient(wrapped)
	}
	return wrapped
}

// stripeLogger routes the client's own logging through zerolog.
type stripeLogger struct {
	logger zerolog.Logger
}

func (l stripeLogger) Debugf(format string, v ...interface{}) { l.logger.Debug().Msgf(format, v...) }
func (l stripeLogger) Infof(format string, v ...interface{})  { l.logger.Debug().Msgf(format, v...) }
func (l stripeLogger) Warnf(format string, v ...interface{})  { l.logger.Warn().Msgf(format, v...) }
func (l stripeLogger) Errorf(format string, v ...interface{}) { l.logger.Error().Msgf(format, v...) }

var (
	_ Processor                     = (*StripeProcessor)(nil)
	_ stripe.LeveledLoggerInterface = stripeLogger{}
)
