// Package bidding accepts bids against the ledger. Every accepted bid raises the item's
// current bid by at least its minimum increment and is appended to the bid history in
// the same transaction.
package bidding

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"bidledger/internal/apperr"
	"bidledger/internal/events"
	"bidledger/internal/metrics"
	"bidledger/internal/money"
	"bidledger/internal/notify"
	"bidledger/internal/storage"
)

var (
	// ErrBidTooLow is returned when the amount does not clear current bid plus increment.
	ErrBidTooLow = apperr.New(apperr.ErrConflict, "bid too low")
	// ErrAuctionNotActive is returned when the item's auction is not accepting bids.
	ErrAuctionNotActive = apperr.New(apperr.ErrConflict, "auction is not active")
	// ErrItemNotFound is returned for unknown item ids.
	ErrItemNotFound = apperr.New(apperr.ErrNotFound, "auction item not found")
)

const maxNameLength = 200

// OutbidNotifier receives outbid notifications after the bid transaction commits.
type OutbidNotifier interface {
	NotifyOutbid(ctx context.Context, note notify.Outbid)
}

// PlaceBidRequest is one bid from one bidder. Amount is in minor units.
type PlaceBidRequest struct {
	ItemID   uuid.UUID
	FullName string
	Email    string
	Amount   int64
}

// PlaceBidResult describes the committed bid.
type PlaceBidResult struct {
	ItemID     uuid.UUID
	CurrentBid int64
	BidderID   uuid.UUID
	// Outbid is set when another bidder lost the lead.
	Outbid *notify.Outbid
}

// Service implements bid acceptance and item reads.
type Service struct {
	ledger    storage.Ledger
	notifier  OutbidNotifier
	publisher events.Publisher
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	now       func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithClock overrides the time source used for auction window checks.
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

// NewService wires a bidding Service. notifier may be nil.
func NewService(ledger storage.Ledger, notifier OutbidNotifier, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		ledger:    ledger,
		notifier:  notifier,
		publisher: events.Nop{},
		logger:    logger.With().Str("component", "bidding").Logger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PlaceBid validates and commits one bid. Concurrent bids on the same item are
// serialised by the item row lock; the loser re-reads the winner's amount and is
// rejected with ErrBidTooLow if it no longer clears the increment.
func (s *Service) PlaceBid(ctx context.Context, req PlaceBidRequest) (PlaceBidResult, error) {
	name, email, err := validateBidder(req.FullName, req.Email)
	if err != nil {
		s.metrics.BidRejected("validation")
		return PlaceBidResult{}, err
	}
	if req.Amount <= 0 {
		s.metrics.BidRejected("validation")
		return PlaceBidResult{}, apperr.Validation("bid amount must be positive")
	}

	var (
		result   PlaceBidResult
		previous int64
	)
	err = s.ledger.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		result = PlaceBidResult{ItemID: req.ItemID}

		state, err := tx.GetItemForUpdate(ctx, req.ItemID)
		if errors.Is(err, storage.ErrNotFound) {
			return ErrItemNotFound
		}
		if err != nil {
			return err
		}

		now := s.now()
		if !acceptingBids(state, now) {
			return ErrAuctionNotActive
		}

		item := state.Item
		minimum := item.CurrentBid + item.MinimumIncrement
		if req.Amount < minimum {
			return apperr.New(ErrBidTooLow, "bid must be at least %s", money.Format(minimum))
		}

		bidder, err := tx.FindOrCreateBidder(ctx, name, email, now)
		if err != nil {
			return err
		}
		if err := tx.SetCurrentBid(ctx, item.ID, req.Amount, &bidder.ID); err != nil {
			return err
		}
		err = tx.AppendWinningBid(ctx, storage.BidHistoryEntry{
			ID:          uuid.New(),
			ItemID:      item.ID,
			BidderID:    bidder.ID,
			BidderName:  name,
			BidderEmail: bidder.Email,
			Amount:      req.Amount,
			Source:      storage.BidSourceBid,
			CreatedAt:   now,
		})
		if err != nil {
			return err
		}

		previous = item.CurrentBid
		result.CurrentBid = req.Amount
		result.BidderID = bidder.ID
		if prev := state.CurrentBidder; prev != nil && prev.ID != bidder.ID {
			result.Outbid = &notify.Outbid{
				Recipient:     prev.Email,
				RecipientName: prev.FullName,
				ItemID:        item.ID,
				ItemTitle:     displayTitle(item),
				NewAmount:     req.Amount,
				NewBidderName: name,
			}
		}
		return nil
	})
	if err != nil {
		s.metrics.BidRejected(rejectReason(err))
		s.logger.Debug().Err(err).Str("item_id", req.ItemID.String()).Int64("amount", req.Amount).Msg("bid rejected")
		return PlaceBidResult{}, err
	}

	s.metrics.BidAccepted()
	s.logger.Info().Str("item_id", req.ItemID.String()).
		Str("bidder_id", result.BidderID.String()).
		Int64("amount", result.CurrentBid).
		Bool("outbid", result.Outbid != nil).
		Msg("bid accepted")

	if result.Outbid != nil && s.notifier != nil {
		s.notifier.NotifyOutbid(ctx, *result.Outbid)
	}
	if err := s.publisher.Publish(ctx, events.BidPlaced(req.ItemID, result.CurrentBid, previous, name, s.now())); err != nil {
		s.logger.Warn().Err(err).Str("item_id", req.ItemID.String()).Msg("publish bid event")
	}
	return result, nil
}

func acceptingBids(state storage.ItemState, now time.Time) bool {
	if state.AuctionStatus != storage.AuctionActive {
		return false
	}
	return !now.Before(state.AuctionStart) && now.Before(state.AuctionEnd)
}

func validateBidder(fullName, email string) (string, string, error) {
	name := strings.TrimSpace(fullName)
	if name == "" {
		return "", "", apperr.Validation("full name is required")
	}
	if len(name) > maxNameLength {
		return "", "", apperr.Validation("full name must be at most %d characters", maxNameLength)
	}
	normalized := storage.NormalizeEmail(email)
	addr, err := mail.ParseAddress(normalized)
	if err != nil || addr.Address != normalized {
		return "", "", apperr.Validation("a valid email address is required")
	}
	return name, normalized, nil
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrBidTooLow):
		return "bid_too_low"
	case errors.Is(err, ErrAuctionNotActive):
		return "auction_not_active"
	case errors.Is(err, ErrItemNotFound):
		return "item_not_found"
	case errors.Is(err, apperr.ErrTransient):
		return "transient"
	default:
		return "error"
	}
}

func displayTitle(item storage.AuctionItem) string {
	if item.Title != "" {
		return item.Title
	}
	return fmt.Sprintf("%s - %s", item.Service, item.Honor)
}
