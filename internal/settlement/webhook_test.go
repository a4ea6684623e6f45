package settlement

import (
	"errors"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"

	"bidledger/internal/apperr"
)

const succeededPayload = `{"id":"evt_1","type":"payment_intent.succeeded","data":{"object":{"id":"pi_1","amount":12378,"amount_received":12378,"metadata":{"item_ids":"a,b"}}}}`

func TestWebhookVerify(t *testing.T) {
	now := time.Now()
	v := WebhookVerifier{Secret: "whsec_test", Tolerance: 5 * time.Minute}
	payload := []byte(succeededPayload)

	check.NoError(t, v.Verify(payload, SignatureFor("whsec_test", now, payload)))
	check.NoError(t, v.Verify(payload, SignatureFor("whsec_test", now.Add(-4*time.Minute), payload)))

	bad := []string{
		"",
		"t=abc,v1=00",
		SignatureFor("other", now, payload),
		SignatureFor("whsec_test", now.Add(-10*time.Minute), payload),
	}
	for _, header := range bad {
		err := v.Verify(payload, header)
		check.True(t, errors.Is(err, ErrInvalidSignature))
		check.True(t, errors.Is(err, apperr.ErrValidation))
	}

	tampered := []byte(succeededPayload + " ")
	check.True(t, errors.Is(v.Verify(tampered, SignatureFor("whsec_test", now, payload)), ErrInvalidSignature))

	unset := WebhookVerifier{}
	check.True(t, errors.Is(unset.Verify(payload, SignatureFor("", now, payload)), ErrInvalidSignature))
}

func TestParseWebhook(t *testing.T) {
	cb, typ, ok, err := ParseWebhook([]byte(succeededPayload))
	assert.NoError(t, err)
	check.True(t, ok)
	check.Equal(t, "payment_intent.succeeded", typ)
	check.Equal(t, Callback{Reference: "pi_1", Outcome: OutcomeSucceeded, Amount: 12378}, cb)

	failed := `{"type":"payment_intent.payment_failed","data":{"object":{"id":"pi_2","last_payment_error":{"message":"Your card was declined."}}}}`
	cb, _, ok, err = ParseWebhook([]byte(failed))
	assert.NoError(t, err)
	check.True(t, ok)
	check.Equal(t, OutcomeFailed, cb.Outcome)
	check.Equal(t, "Your card was declined.", cb.FailureReason)

	_, typ, ok, err = ParseWebhook([]byte(`{"type":"charge.refunded","data":{"object":{"id":"ch_1"}}}`))
	assert.NoError(t, err)
	check.False(t, ok)
	check.Equal(t, "charge.refunded", typ)

	_, _, ok, err = ParseWebhook([]byte(`{"type":"payment_intent.succeeded","data":{"object":{"amount":100}}}`))
	check.False(t, ok)
	check.True(t, errors.Is(err, apperr.ErrValidation))

	_, _, _, err = ParseWebhook([]byte(`not json`))
	check.True(t, errors.Is(err, apperr.ErrValidation))
}
