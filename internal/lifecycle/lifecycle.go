// Package lifecycle starts and ends auctions. At most one auction is active at a time
// and ending is idempotent; winner notification dedup lives in the notify package.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"bidledger/internal/apperr"
	"bidledger/internal/events"
	"bidledger/internal/metrics"
	"bidledger/internal/money"
	"bidledger/internal/storage"
)

// ErrAuctionNotFound is returned for unknown auction ids.
var ErrAuctionNotFound = apperr.New(apperr.ErrNotFound, "auction not found")

// WinnerNotifier receives winner dispatch requests after an auction has ended.
type WinnerNotifier interface {
	NotifyWinners(ctx context.Context, auctionID uuid.UUID)
}

// ItemSpec describes one item of a new auction. Amounts are minor units.
type ItemSpec struct {
	Title            string
	Service          string
	Honor            string
	Description      string
	StartingBid      int64
	MinimumIncrement int64
	DisplayOrder     int
}

// StartRequest describes a new auction.
type StartRequest struct {
	HolidayName string
	Services    []string
	StartTime   time.Time
	EndTime     time.Time
	Items       []ItemSpec
}

// StartResult is the created auction and the auctions it superseded.
type StartResult struct {
	Auction    storage.Auction
	Items      []storage.AuctionItem
	Superseded []uuid.UUID
}

// EndResult reports whether EndAuction performed the transition or found it already done.
type EndResult struct {
	Auction      storage.Auction
	Transitioned bool
}

// Manager implements the auction lifecycle.
type Manager struct {
	ledger    storage.Ledger
	notifier  WinnerNotifier
	publisher events.Publisher
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	now       func() time.Time
}

// Option customises a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithPublisher sets the live event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(m *Manager) { m.publisher = p }
}

// WithMetrics sets the metrics sink.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// NewManager wires a Manager. notifier may be nil.
func NewManager(ledger storage.Ledger, notifier WinnerNotifier, logger zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		ledger:    ledger,
		notifier:  notifier,
		publisher: events.Nop{},
		logger:    logger.With().Str("component", "lifecycle").Logger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartAuction ends whatever auction is active and creates the new one with its items,
// all in one transaction. Invalid input leaves the ledger untouched.
func (m *Manager) StartAuction(ctx context.Context, req StartRequest) (StartResult, error) {
	if err := validateStart(req); err != nil {
		return StartResult{}, err
	}

	var result StartResult
	err := m.ledger.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		now := m.now()
		if err := tx.LockLifecycle(ctx); err != nil {
			return err
		}
		superseded, err := tx.EndActiveAuctions(ctx, now)
		if err != nil {
			return err
		}

		auction := storage.Auction{
			ID:          uuid.New(),
			HolidayName: strings.TrimSpace(req.HolidayName),
			Services:    append([]string(nil), req.Services...),
			StartTime:   req.StartTime,
			EndTime:     req.EndTime,
			Status:      storage.AuctionActive,
			CreatedAt:   now,
		}
		if err := tx.InsertAuction(ctx, auction); err != nil {
			return err
		}

		items := make([]storage.AuctionItem, 0, len(req.Items))
		for i, in := range req.Items {
			order := in.DisplayOrder
			if order == 0 {
				order = i + 1
			}
			items = append(items, storage.AuctionItem{
				ID:               uuid.New(),
				AuctionID:        auction.ID,
				Title:            strings.TrimSpace(in.Title),
				Service:          strings.TrimSpace(in.Service),
				Honor:            strings.TrimSpace(in.Honor),
				Description:      strings.TrimSpace(in.Description),
				StartingBid:      in.StartingBid,
				MinimumIncrement: in.MinimumIncrement,
				CurrentBid:       in.StartingBid,
				DisplayOrder:     order,
				CreatedAt:        now,
			})
		}
		if err := tx.InsertItems(ctx, items); err != nil {
			return err
		}

		result = StartResult{Auction: auction, Items: items, Superseded: superseded}
		return nil
	})
	if err != nil {
		return StartResult{}, fmt.Errorf("start auction: %w", err)
	}

	m.logger.Info().Str("auction_id", result.Auction.ID.String()).
		Str("holiday", result.Auction.HolidayName).
		Int("items", len(result.Items)).
		Int("superseded", len(result.Superseded)).
		Msg("auction started")

	for _, id := range result.Superseded {
		m.afterEnd(ctx, id, "superseded")
	}
	return result, nil
}

// EndAuction moves the auction to ended. Ending an ended auction is a no-op, but winner
// dispatch is requested every time so that failed sends get another chance.
func (m *Manager) EndAuction(ctx context.Context, auctionID uuid.UUID) (EndResult, error) {
	var result EndResult
	err := m.ledger.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		auction, err := tx.GetAuctionForUpdate(ctx, auctionID)
		if errors.Is(err, storage.ErrNotFound) {
			return ErrAuctionNotFound
		}
		if err != nil {
			return err
		}

		result = EndResult{Auction: auction}
		if auction.Status != storage.AuctionActive {
			return nil
		}

		now := m.now()
		if err := tx.SetAuctionEnded(ctx, auctionID, now); err != nil {
			return err
		}
		result.Auction.Status = storage.AuctionEnded
		result.Auction.EndedAt = &now
		result.Transitioned = true
		return nil
	})
	if err != nil {
		return EndResult{}, err
	}

	if result.Transitioned {
		m.afterEnd(ctx, auctionID, "manual")
	} else {
		m.logger.Debug().Str("auction_id", auctionID.String()).Msg("auction already ended")
		m.requestWinners(ctx, auctionID)
	}
	return result, nil
}

// ExpireDue ends every active auction whose end time has passed.
func (m *Manager) ExpireDue(ctx context.Context) ([]uuid.UUID, error) {
	var ended []uuid.UUID
	err := m.ledger.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		ended = nil
		now := m.now()
		if err := tx.LockLifecycle(ctx); err != nil {
			return err
		}
		due, err := tx.ListDueAuctions(ctx, now)
		if err != nil {
			return err
		}
		for _, auction := range due {
			if err := tx.SetAuctionEnded(ctx, auction.ID, now); err != nil {
				return err
			}
			ended = append(ended, auction.ID)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("expire due auctions: %w", err)
	}

	for _, id := range ended {
		m.afterEnd(ctx, id, "deadline")
	}
	return ended, nil
}

// CurrentAuction returns the active auction, or the latest one when none is active.
func (m *Manager) CurrentAuction(ctx context.Context) (storage.Auction, error) {
	var auction storage.Auction
	err := m.ledger.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		auction, err = tx.CurrentAuction(ctx)
		return err
	})
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Auction{}, ErrAuctionNotFound
	}
	return auction, err
}

// AuctionItems returns the auction and its items in display order. A nil id means the
// current auction.
func (m *Manager) AuctionItems(ctx context.Context, auctionID *uuid.UUID) (storage.Auction, []storage.ItemState, error) {
	var (
		auction storage.Auction
		items   []storage.ItemState
	)
	err := m.ledger.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		if auctionID == nil {
			auction, err = tx.CurrentAuction(ctx)
		} else {
			auction, err = tx.GetAuction(ctx, *auctionID)
		}
		if err != nil {
			return err
		}
		items, err = tx.ListAuctionItems(ctx, auction.ID)
		return err
	})
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Auction{}, nil, ErrAuctionNotFound
	}
	if err != nil {
		return storage.Auction{}, nil, err
	}
	return auction, items, nil
}

func (m *Manager) afterEnd(ctx context.Context, auctionID uuid.UUID, trigger string) {
	m.metrics.AuctionEnded(trigger)
	m.logger.Info().Str("auction_id", auctionID.String()).Str("trigger", trigger).Msg("auction ended")

	if err := m.publisher.Publish(ctx, events.AuctionEnded(auctionID, m.now())); err != nil {
		m.logger.Warn().Err(err).Str("auction_id", auctionID.String()).Msg("publish auction ended event")
	}
	m.requestWinners(ctx, auctionID)
}

func (m *Manager) requestWinners(ctx context.Context, auctionID uuid.UUID) {
	if m.notifier != nil {
		m.notifier.NotifyWinners(ctx, auctionID)
	}
}

func validateStart(req StartRequest) error {
	if strings.TrimSpace(req.HolidayName) == "" {
		return apperr.Validation("holiday name is required")
	}
	if req.StartTime.IsZero() || req.EndTime.IsZero() {
		return apperr.Validation("start and end time are required")
	}
	if !req.EndTime.After(req.StartTime) {
		return apperr.Validation("end time must be after start time")
	}
	if len(req.Items) == 0 {
		return apperr.Validation("at least one item is required")
	}
	for i, item := range req.Items {
		if strings.TrimSpace(item.Service) == "" || strings.TrimSpace(item.Honor) == "" {
			return apperr.Validation("item %d: service and honor are required", i+1)
		}
		if item.StartingBid < 0 {
			return apperr.Validation("item %d: starting bid cannot be negative", i+1)
		}
		if item.MinimumIncrement < money.MinIncrement {
			return apperr.Validation("item %d: minimum increment must be at least %s", i+1, money.Format(money.MinIncrement))
		}
	}
	return nil
}
