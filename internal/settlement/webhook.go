package settlement

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"bidledger/internal/apperr"
)

// SignatureHeader carries the webhook signature.
const SignatureHeader = "Stripe-Signature"

const (
	eventSucceeded = "payment_intent.succeeded"
	eventFailed    = "payment_intent.payment_failed"
)

// ErrInvalidSignature is returned when a webhook payload cannot be authenticated.
var ErrInvalidSignature = apperr.New(apperr.ErrValidation, "invalid webhook signature")

// WebhookVerifier authenticates processor webhooks signed with the endpoint secret.
type WebhookVerifier struct {
	Secret    string
	Tolerance time.Duration
}

// Verify checks header against payload. Any v1 entry may match, which allows secret rotation.
func (v WebhookVerifier) Verify(payload []byte, header string) error {
	if v.Secret == "" {
		return apperr.New(ErrInvalidSignature, "webhook secret is not configured")
	}
	tolerance := v.Tolerance
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	_, err := webhook.ConstructEventWithOptions(payload, header, v.Secret, webhook.ConstructEventOptions{
		Tolerance:                tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return apperr.Wrap(ErrInvalidSignature, err, "verify webhook")
	}
	return nil
}

// SignatureFor builds a complete header value, used by tests and local tooling.
func SignatureFor(secret string, at time.Time, payload []byte) string {
	return fmt.Sprintf("t=%d,v1=%s", at.Unix(), hex.EncodeToString(webhook.ComputeSignature(at, payload, secret)))
}

// ParseWebhook decodes a verified payload. ok is false for event types that do not
// affect settlement.
func ParseWebhook(payload []byte) (cb Callback, eventType string, ok bool, err error) {
	var ev stripe.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Callback{}, "", false, apperr.Validation("malformed webhook payload")
	}
	eventType = string(ev.Type)
	if eventType != eventSucceeded && eventType != eventFailed {
		return Callback{}, eventType, false, nil
	}
	if ev.Data == nil {
		return Callback{}, eventType, false, apperr.Validation("webhook payload has no data")
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(ev.Data.Raw, &pi); err != nil {
		return Callback{}, eventType, false, apperr.Validation("malformed payment intent in webhook")
	}
	if pi.ID == "" {
		return Callback{}, eventType, false, apperr.Validation("webhook payload has no payment reference")
	}

	if eventType == eventSucceeded {
		amount := pi.AmountReceived
		if amount == 0 {
			amount = pi.Amount
		}
		return Callback{Reference: pi.ID, Outcome: OutcomeSucceeded, Amount: amount}, eventType, true, nil
	}
	reason := "unknown error"
	if pi.LastPaymentError != nil && pi.LastPaymentError.Msg != "" {
		reason = pi.LastPaymentError.Msg
	}
	return Callback{Reference: pi.ID, Outcome: OutcomeFailed, FailureReason: reason}, eventType, true, nil
}
