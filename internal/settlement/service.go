// Package settlement bills winners for the items they won and reconciles processor
// callbacks into the ledger. A payment record moves from pending to a terminal status
// exactly once; the covered items are marked paid in the same transaction.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"bidledger/internal/apperr"
	"bidledger/internal/config"
	"bidledger/internal/events"
	"bidledger/internal/metrics"
	"bidledger/internal/money"
	"bidledger/internal/storage"
)

const (
	maxItemsPerPayment = 100
	defaultListLimit   = 100
)

// ErrPaymentNotFound is returned when a callback names an unknown payment reference.
var ErrPaymentNotFound = apperr.New(apperr.ErrNotFound, "payment not found")

// Outcome is the processor's verdict for a payment.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

// CreateRequest asks to pay for one or more won items. A nil CoverFee uses the configured default.
type CreateRequest struct {
	ItemIDs    []uuid.UUID
	PayerEmail string
	CoverFee   *bool
}

// CreateResult is what the bidder hands to the processor's client SDK.
type CreateResult struct {
	Reference    string
	ClientSecret string
	AmountDue    int64
	Breakdown    storage.PaymentMetadata
}

// Callback is one processor notification about a payment. Amount is zero when unknown.
type Callback struct {
	Reference     string
	Outcome       Outcome
	Amount        int64
	FailureReason string
}

// ReconcileResult reports whether the callback changed anything.
type ReconcileResult struct {
	Applied bool
	Status  storage.PaymentStatus
	ItemIDs []uuid.UUID

	// AmountMismatch is set when a success callback reported a different amount and the
	// payment was recorded as failed instead.
	AmountMismatch bool
}

// Service implements the settlement operations.
type Service struct {
	ledger       storage.Ledger
	processor    Processor
	fees         Fees
	currency     string
	coverDefault bool
	publisher    events.Publisher
	metrics      *metrics.Metrics
	logger       zerolog.Logger
	now          func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithPublisher sets the live event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService wires a settlement Service.
func NewService(ledger storage.Ledger, processor Processor, cfg config.SettlementConfig, logger zerolog.Logger, opts ...Option) *Service {
	currency := strings.ToLower(cfg.Currency)
	if currency == "" {
		currency = "usd"
	}
	s := &Service{
		ledger:       ledger,
		processor:    processor,
		fees:         FeesFromConfig(cfg),
		currency:     currency,
		coverDefault: cfg.CoverFeeDefault,
		publisher:    events.Nop{},
		logger:       logger.With().Str("component", "settlement").Logger(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreatePaymentRequest prices the items, opens a payment intent with the processor and
// records it as pending before returning. The processor call happens outside any
// transaction; ownership is checked again when the record is written.
func (s *Service) CreatePaymentRequest(ctx context.Context, req CreateRequest) (CreateResult, error) {
	payer := storage.NormalizeEmail(req.PayerEmail)
	if payer == "" {
		return CreateResult{}, apperr.Validation("payer email is required")
	}
	ids := dedupe(req.ItemIDs)
	if len(ids) == 0 {
		return CreateResult{}, apperr.Validation("at least one item is required")
	}
	if len(ids) > maxItemsPerPayment {
		return CreateResult{}, apperr.Validation("at most %d items per payment", maxItemsPerPayment)
	}
	coverFee := s.coverDefault
	if req.CoverFee != nil {
		coverFee = *req.CoverFee
	}

	var (
		priced    storage.PaymentMetadata
		auctionID uuid.UUID
	)
	err := s.ledger.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		priced, auctionID, err = s.price(ctx, tx, ids, payer, coverFee)
		return err
	})
	if err != nil {
		return CreateResult{}, err
	}

	intent, err := s.processor.CreateIntent(ctx, IntentRequest{
		Amount:       priced.Total,
		Currency:     s.currency,
		Description:  fmt.Sprintf("Auction payment for %d item(s)", len(ids)),
		ReceiptEmail: payer,
		Metadata: map[string]string{
			"item_ids":     joinIDs(ids),
			"bidder_email": payer,
			"auction_id":   auctionID.String(),
		},
	})
	if err != nil {
		return CreateResult{}, fmt.Errorf("create payment intent: %w", err)
	}

	err = s.ledger.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		again, _, err := s.price(ctx, tx, ids, payer, coverFee)
		if err != nil {
			return err
		}
		if again.Total != priced.Total {
			return apperr.Conflict("item amounts changed, please retry")
		}
		now := s.now()
		return tx.InsertPayment(ctx, storage.PaymentRecord{
			Reference:  intent.ID,
			ItemIDs:    ids,
			PayerEmail: payer,
			Amount:     priced.Total,
			Currency:   s.currency,
			Status:     storage.PaymentPending,
			Metadata:   priced,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	})
	if err != nil {
		return CreateResult{}, fmt.Errorf("record payment %s: %w", intent.ID, err)
	}

	s.metrics.PaymentCreated()
	s.logger.Info().Str("payment_ref", intent.ID).
		Str("payer", payer).
		Int("items", len(ids)).
		Int64("subtotal", priced.Subtotal).
		Int64("fee", priced.Fee).
		Int64("total", priced.Total).
		Msg("payment request created")

	return CreateResult{
		Reference:    intent.ID,
		ClientSecret: intent.ClientSecret,
		AmountDue:    priced.Total,
		Breakdown:    priced,
	}, nil
}

// price locks the items and checks that payer holds every one of them unpaid.
func (s *Service) price(ctx context.Context, tx storage.Tx, ids []uuid.UUID, payer string, coverFee bool) (storage.PaymentMetadata, uuid.UUID, error) {
	states, err := tx.GetItemsForUpdate(ctx, ids)
	if err != nil {
		return storage.PaymentMetadata{}, uuid.Nil, err
	}
	if len(states) != len(ids) {
		return storage.PaymentMetadata{}, uuid.Nil, apperr.NotFound("%d of %d items not found", len(ids)-len(states), len(ids))
	}

	byID := make(map[uuid.UUID]storage.ItemState, len(states))
	for _, st := range states {
		byID[st.Item.ID] = st
	}

	meta := storage.PaymentMetadata{CoverFee: coverFee, Items: make([]storage.PaymentLine, 0, len(ids))}
	var auctionID uuid.UUID
	for _, id := range ids {
		st := byID[id]
		if st.CurrentBidder == nil || st.CurrentBidder.Email != payer {
			return storage.PaymentMetadata{}, uuid.Nil, apperr.Unauthorized("you do not own all these items")
		}
		if st.Item.IsPaid {
			return storage.PaymentMetadata{}, uuid.Nil, apperr.Conflict("item %s is already paid", id)
		}
		if auctionID == uuid.Nil {
			auctionID = st.Item.AuctionID
		}
		meta.Subtotal += st.Item.CurrentBid
		meta.Items = append(meta.Items, storage.PaymentLine{
			ItemID:  id,
			Title:   st.Item.Title,
			Service: st.Item.Service,
			Honor:   st.Item.Honor,
			Amount:  st.Item.CurrentBid,
		})
	}
	meta.Fee, meta.Total = s.fees.Total(meta.Subtotal, coverFee)
	return meta, auctionID, nil
}

// ReconcileCallback applies a processor callback. Callbacks for a record that is already
// terminal change nothing and report Applied=false.
func (s *Service) ReconcileCallback(ctx context.Context, cb Callback) (ReconcileResult, error) {
	if strings.TrimSpace(cb.Reference) == "" {
		return ReconcileResult{}, apperr.Validation("payment reference is required")
	}
	if cb.Outcome != OutcomeSucceeded && cb.Outcome != OutcomeFailed {
		return ReconcileResult{}, apperr.Validation("unknown payment outcome %q", cb.Outcome)
	}

	var (
		result ReconcileResult
		amount int64
	)
	err := s.ledger.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		record, err := tx.GetPaymentForUpdate(ctx, cb.Reference)
		if errors.Is(err, storage.ErrNotFound) {
			return ErrPaymentNotFound
		}
		if err != nil {
			return err
		}

		result = ReconcileResult{Status: record.Status, ItemIDs: record.ItemIDs}
		amount = record.Amount
		if record.Status.Terminal() {
			return nil
		}

		now := s.now()
		switch cb.Outcome {
		case OutcomeSucceeded:
			if cb.Amount != 0 && cb.Amount != record.Amount {
				reason := fmt.Sprintf("amount mismatch: expected %s, received %s", money.Format(record.Amount), money.Format(cb.Amount))
				if err := tx.CompletePayment(ctx, record.Reference, storage.PaymentFailed, reason, now); err != nil {
					return err
				}
				result.Status = storage.PaymentFailed
				result.AmountMismatch = true
				break
			}
			if err := tx.CompletePayment(ctx, record.Reference, storage.PaymentSucceeded, "", now); err != nil {
				return err
			}
			if err := tx.SetItemsPaid(ctx, record.ItemIDs, true); err != nil {
				return err
			}
			result.Status = storage.PaymentSucceeded
		case OutcomeFailed:
			reason := strings.TrimSpace(cb.FailureReason)
			if reason == "" {
				reason = "unknown error"
			}
			if err := tx.CompletePayment(ctx, record.Reference, storage.PaymentFailed, reason, now); err != nil {
				return err
			}
			result.Status = storage.PaymentFailed
		}
		result.Applied = true
		return nil
	})
	if err != nil {
		s.metrics.PaymentReconciled("error")
		s.logger.Warn().Err(err).Str("payment_ref", cb.Reference).Str("outcome", string(cb.Outcome)).Msg("reconcile callback rejected")
		return ReconcileResult{}, err
	}

	log := s.logger.With().Str("payment_ref", cb.Reference).Str("status", string(result.Status)).Logger()
	if !result.Applied {
		s.metrics.PaymentReconciled("duplicate")
		if string(result.Status) != string(cb.Outcome) {
			// e.g. a retry succeeded after the first attempt was recorded as failed
			log.Warn().Str("outcome", string(cb.Outcome)).Msg("callback disagrees with terminal payment, needs operator review")
		} else {
			log.Debug().Msg("duplicate callback ignored")
		}
		return result, nil
	}

	if result.AmountMismatch {
		s.metrics.PaymentReconciled("mismatch")
		log.Warn().Int64("expected", amount).Int64("received", cb.Amount).Msg("callback amount mismatch, payment marked failed")
	} else {
		s.metrics.PaymentReconciled(string(result.Status))
		log.Info().Int("items", len(result.ItemIDs)).Msg("payment reconciled")
	}
	if err := s.publisher.Publish(ctx, events.PaymentCompleted(cb.Reference, string(result.Status), amount, s.now())); err != nil {
		log.Warn().Err(err).Msg("publish payment event")
	}
	return result, nil
}

// Payments lists payment records, newest first. An empty status lists all of them.
func (s *Service) Payments(ctx context.Context, status storage.PaymentStatus, limit int) ([]storage.PaymentRecord, error) {
	switch status {
	case "", storage.PaymentPending, storage.PaymentSucceeded, storage.PaymentFailed:
	default:
		return nil, apperr.Validation("unknown payment status %q", status)
	}
	if limit <= 0 {
		limit = defaultListLimit
	}

	var records []storage.PaymentRecord
	err := s.ledger.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		records, err = tx.ListPayments(ctx, status, limit)
		return err
	})
	return records, err
}

func dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func joinIDs(ids []uuid.UUID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}
	return strings.Join(parts, ",")
}
