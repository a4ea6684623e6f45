package bidding

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"bidledger/internal/apperr"
	"bidledger/internal/money"
	"bidledger/internal/storage"
)

// DefaultHistoryLimit is how many non-winning entries BidHistory returns by default.
const DefaultHistoryLimit = 5

// History is an item's current winning entry and its most recent outbid entries.
type History struct {
	Winning *storage.BidHistoryEntry
	Recent  []storage.BidHistoryEntry
}

// RestoreRequest puts a bid back on an item, e.g. after a mistaken reset.
type RestoreRequest struct {
	ItemID   uuid.UUID
	FullName string
	Email    string
	Amount   int64
}

// ItemDetails are the operator-editable fields of an item. Amounts are minor units.
// A zero DisplayOrder places a new item last and keeps an existing item's position.
type ItemDetails struct {
	Title            string
	Service          string
	Honor            string
	Description      string
	StartingBid      int64
	MinimumIncrement int64
	DisplayOrder     int
}

func (d ItemDetails) normalized() (ItemDetails, error) {
	d.Title = strings.TrimSpace(d.Title)
	d.Service = strings.TrimSpace(d.Service)
	d.Honor = strings.TrimSpace(d.Honor)
	d.Description = strings.TrimSpace(d.Description)
	if d.Service == "" || d.Honor == "" {
		return ItemDetails{}, apperr.Validation("service and honor are required")
	}
	if d.StartingBid < 0 {
		return ItemDetails{}, apperr.Validation("starting bid cannot be negative")
	}
	if d.MinimumIncrement < money.MinIncrement {
		return ItemDetails{}, apperr.Validation("minimum increment must be at least %s", money.Format(money.MinIncrement))
	}
	if d.DisplayOrder < 0 {
		return ItemDetails{}, apperr.Validation("display order cannot be negative")
	}
	return d, nil
}

// GetItem returns the item with its current bidder.
func (s *Service) GetItem(ctx context.Context, id uuid.UUID) (storage.ItemState, error) {
	var state storage.ItemState
	err := s.ledger.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		state, err = tx.GetItem(ctx, id)
		return err
	})
	if errors.Is(err, storage.ErrNotFound) {
		return storage.ItemState{}, ErrItemNotFound
	}
	return state, err
}

// BidHistory returns the winning entry and up to limit earlier entries, newest first.
func (s *Service) BidHistory(ctx context.Context, itemID uuid.UUID, limit int) (History, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	var entries []storage.BidHistoryEntry
	err := s.ledger.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if _, err := tx.GetItem(ctx, itemID); err != nil {
			return err
		}
		var err error
		entries, err = tx.ListBidHistory(ctx, itemID, limit+1)
		return err
	})
	if errors.Is(err, storage.ErrNotFound) {
		return History{}, ErrItemNotFound
	}
	if err != nil {
		return History{}, err
	}

	history := History{Recent: make([]storage.BidHistoryEntry, 0, limit)}
	for i := range entries {
		if entries[i].IsWinning {
			entry := entries[i]
			history.Winning = &entry
			continue
		}
		if len(history.Recent) < limit {
			history.Recent = append(history.Recent, entries[i])
		}
	}
	return history, nil
}

// UnpaidItems lists the items email currently holds the winning bid on and has not paid for.
func (s *Service) UnpaidItems(ctx context.Context, email string) ([]storage.ItemState, error) {
	normalized := storage.NormalizeEmail(email)
	if normalized == "" {
		return nil, apperr.Validation("email is required")
	}

	var items []storage.ItemState
	err := s.ledger.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		items, err = tx.ListUnpaidItems(ctx, normalized)
		return err
	})
	return items, err
}

// RestoreBid sets the item's winning bid to the given bidder and amount, recorded in
// the history with source "restore". No outbid email is sent.
func (s *Service) RestoreBid(ctx context.Context, req RestoreRequest) (storage.ItemState, error) {
	name, email, err := validateBidder(req.FullName, req.Email)
	if err != nil {
		return storage.ItemState{}, err
	}

	var state storage.ItemState
	err = s.ledger.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		current, err := s.lockUnpaid(ctx, tx, req.ItemID)
		if err != nil {
			return err
		}
		if req.Amount < current.Item.StartingBid {
			return apperr.Validation("amount must be at least the starting bid of %s", money.Format(current.Item.StartingBid))
		}

		now := s.now()
		bidder, err := tx.FindOrCreateBidder(ctx, name, email, now)
		if err != nil {
			return err
		}
		if err := tx.SetCurrentBid(ctx, req.ItemID, req.Amount, &bidder.ID); err != nil {
			return err
		}
		err = tx.AppendWinningBid(ctx, storage.BidHistoryEntry{
			ID:          uuid.New(),
			ItemID:      req.ItemID,
			BidderID:    bidder.ID,
			BidderName:  name,
			BidderEmail: bidder.Email,
			Amount:      req.Amount,
			Source:      storage.BidSourceRestore,
			CreatedAt:   now,
		})
		if err != nil {
			return err
		}
		state, err = tx.GetItem(ctx, req.ItemID)
		return err
	})
	if err != nil {
		return storage.ItemState{}, err
	}

	s.logger.Info().Str("item_id", req.ItemID.String()).Int64("amount", req.Amount).Msg("bid restored")
	return state, nil
}

// ResetBid returns the item to its starting bid with no bidder. History is kept; the
// winning flag is cleared so no entry reads as current.
func (s *Service) ResetBid(ctx context.Context, itemID uuid.UUID) (storage.ItemState, error) {
	var state storage.ItemState
	err := s.ledger.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		current, err := s.lockUnpaid(ctx, tx, itemID)
		if err != nil {
			return err
		}
		if err := tx.SetCurrentBid(ctx, itemID, current.Item.StartingBid, nil); err != nil {
			return err
		}
		if err := tx.ClearWinningBid(ctx, itemID); err != nil {
			return err
		}
		state, err = tx.GetItem(ctx, itemID)
		return err
	})
	if err != nil {
		return storage.ItemState{}, err
	}

	s.logger.Info().Str("item_id", itemID.String()).Msg("bid reset")
	return state, nil
}

// SetPaid flags an item as paid or unpaid outside the processor flow, e.g. for cash payments.
func (s *Service) SetPaid(ctx context.Context, itemID uuid.UUID, paid bool) (storage.ItemState, error) {
	var state storage.ItemState
	err := s.ledger.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		current, err := tx.GetItemForUpdate(ctx, itemID)
		if errors.Is(err, storage.ErrNotFound) {
			return ErrItemNotFound
		}
		if err != nil {
			return err
		}
		if paid && current.Item.CurrentBidderID == nil {
			return apperr.Conflict("item has no winning bidder")
		}
		if err := tx.SetItemsPaid(ctx, []uuid.UUID{itemID}, paid); err != nil {
			return err
		}
		state, err = tx.GetItem(ctx, itemID)
		return err
	})
	if err != nil {
		return storage.ItemState{}, err
	}

	s.logger.Info().Str("item_id", itemID.String()).Bool("paid", paid).Msg("item payment flag updated")
	return state, nil
}

// AddItem appends an item to an active auction with its current bid at the starting bid.
func (s *Service) AddItem(ctx context.Context, auctionID uuid.UUID, details ItemDetails) (storage.ItemState, error) {
	d, err := details.normalized()
	if err != nil {
		return storage.ItemState{}, err
	}

	var state storage.ItemState
	err = s.ledger.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		auction, err := tx.GetAuctionForUpdate(ctx, auctionID)
		if errors.Is(err, storage.ErrNotFound) {
			return apperr.NotFound("auction not found")
		}
		if err != nil {
			return err
		}
		if auction.Status != storage.AuctionActive {
			return apperr.Conflict("items can only be added to an active auction")
		}

		order := d.DisplayOrder
		if order == 0 {
			existing, err := tx.ListAuctionItems(ctx, auctionID)
			if err != nil {
				return err
			}
			for _, st := range existing {
				if st.Item.DisplayOrder > order {
					order = st.Item.DisplayOrder
				}
			}
			order++
		}

		item := storage.AuctionItem{
			ID:               uuid.New(),
			AuctionID:        auctionID,
			Title:            d.Title,
			Service:          d.Service,
			Honor:            d.Honor,
			Description:      d.Description,
			StartingBid:      d.StartingBid,
			MinimumIncrement: d.MinimumIncrement,
			CurrentBid:       d.StartingBid,
			DisplayOrder:     order,
			CreatedAt:        s.now(),
		}
		if err := tx.InsertItems(ctx, []storage.AuctionItem{item}); err != nil {
			return err
		}
		state, err = tx.GetItem(ctx, item.ID)
		return err
	})
	if err != nil {
		return storage.ItemState{}, err
	}

	s.logger.Info().Str("item_id", state.Item.ID.String()).Str("auction_id", auctionID.String()).Msg("item added")
	return state, nil
}

// UpdateItem rewrites an item's catalog fields. With no current bidder the current bid
// follows the starting bid; with one, the starting bid may not exceed the current bid.
func (s *Service) UpdateItem(ctx context.Context, itemID uuid.UUID, details ItemDetails) (storage.ItemState, error) {
	d, err := details.normalized()
	if err != nil {
		return storage.ItemState{}, err
	}

	var state storage.ItemState
	err = s.ledger.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		current, err := tx.GetItemForUpdate(ctx, itemID)
		if errors.Is(err, storage.ErrNotFound) {
			return ErrItemNotFound
		}
		if err != nil {
			return err
		}

		item := current.Item
		if item.IsPaid && (d.StartingBid != item.StartingBid || d.MinimumIncrement != item.MinimumIncrement) {
			return apperr.Conflict("item is already paid")
		}
		switch {
		case item.CurrentBidderID == nil:
			item.CurrentBid = d.StartingBid
		case d.StartingBid > item.CurrentBid:
			return apperr.Conflict("starting bid cannot exceed the current bid of %s", money.Format(item.CurrentBid))
		}

		item.Title = d.Title
		item.Service = d.Service
		item.Honor = d.Honor
		item.Description = d.Description
		item.StartingBid = d.StartingBid
		item.MinimumIncrement = d.MinimumIncrement
		if d.DisplayOrder != 0 {
			item.DisplayOrder = d.DisplayOrder
		}
		if err := tx.UpdateItem(ctx, item); err != nil {
			return err
		}
		state, err = tx.GetItem(ctx, itemID)
		return err
	})
	if err != nil {
		return storage.ItemState{}, err
	}

	s.logger.Info().Str("item_id", itemID.String()).Int64("current_bid", state.Item.CurrentBid).Msg("item updated")
	return state, nil
}

// DeleteItem removes an item that was never bid on. Items with any history are kept.
func (s *Service) DeleteItem(ctx context.Context, itemID uuid.UUID) error {
	err := s.ledger.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		current, err := tx.GetItemForUpdate(ctx, itemID)
		if errors.Is(err, storage.ErrNotFound) {
			return ErrItemNotFound
		}
		if err != nil {
			return err
		}
		if current.Item.CurrentBidderID != nil || current.Item.IsPaid {
			return apperr.Conflict("item has a winning bid")
		}
		history, err := tx.ListBidHistory(ctx, itemID, 1)
		if err != nil {
			return err
		}
		if len(history) > 0 {
			return apperr.Conflict("item has bid history; reset it instead")
		}
		return tx.DeleteItem(ctx, itemID)
	})
	if err != nil {
		return err
	}

	s.logger.Info().Str("item_id", itemID.String()).Msg("item deleted")
	return nil
}

func (s *Service) lockUnpaid(ctx context.Context, tx storage.Tx, itemID uuid.UUID) (storage.ItemState, error) {
	state, err := tx.GetItemForUpdate(ctx, itemID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.ItemState{}, ErrItemNotFound
	}
	if err != nil {
		return storage.ItemState{}, err
	}
	if state.Item.IsPaid {
		return storage.ItemState{}, apperr.Conflict("item is already paid")
	}
	return state, nil
}
