package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrActiveAuctionExists is returned when a second auction would become active.
	ErrActiveAuctionExists = errors.New("storage: another auction is active")
)

// AuctionTx covers auction rows and item creation.
type AuctionTx interface {
	// LockLifecycle serialises lifecycle transitions for the rest of the transaction.
	LockLifecycle(ctx context.Context) error
	EndActiveAuctions(ctx context.Context, now time.Time) ([]uuid.UUID, error)
	InsertAuction(ctx context.Context, auction Auction) error
	InsertItems(ctx context.Context, items []AuctionItem) error
	GetAuction(ctx context.Context, id uuid.UUID) (Auction, error)
	GetAuctionForUpdate(ctx context.Context, id uuid.UUID) (Auction, error)
	// CurrentAuction returns the active auction, or the most recently created one when none is active.
	CurrentAuction(ctx context.Context) (Auction, error)
	SetAuctionEnded(ctx context.Context, id uuid.UUID, now time.Time) error
	ListDueAuctions(ctx context.Context, now time.Time) ([]Auction, error)
	ListAuctionItems(ctx context.Context, auctionID uuid.UUID) ([]ItemState, error)
}

// ItemTx covers item bid state, bidders and the bid history.
type ItemTx interface {
	GetItem(ctx context.Context, id uuid.UUID) (ItemState, error)
	GetItemForUpdate(ctx context.Context, id uuid.UUID) (ItemState, error)
	// GetItemsForUpdate locks the rows in id order. Missing ids are simply absent from the result.
	GetItemsForUpdate(ctx context.Context, ids []uuid.UUID) ([]ItemState, error)
	FindOrCreateBidder(ctx context.Context, fullName, email string, now time.Time) (Bidder, error)
	SetCurrentBid(ctx context.Context, itemID uuid.UUID, amount int64, bidderID *uuid.UUID) error
	// AppendWinningBid clears the previous winning flag of the item and inserts entry as the winner.
	AppendWinningBid(ctx context.Context, entry BidHistoryEntry) error
	ClearWinningBid(ctx context.Context, itemID uuid.UUID) error
	// ListBidHistory returns the winning entry first, then the others newest first.
	ListBidHistory(ctx context.Context, itemID uuid.UUID, limit int) ([]BidHistoryEntry, error)
	ListUnpaidItems(ctx context.Context, email string) ([]ItemState, error)
	SetItemsPaid(ctx context.Context, ids []uuid.UUID, paid bool) error
	// UpdateItem rewrites the catalog fields of an item together with its current bid.
	// The current bidder and paid flag are left alone.
	UpdateItem(ctx context.Context, item AuctionItem) error
	// DeleteItem removes an item that has no bid history.
	DeleteItem(ctx context.Context, id uuid.UUID) error
}

// PaymentTx covers payment records.
type PaymentTx interface {
	InsertPayment(ctx context.Context, record PaymentRecord) error
	GetPaymentForUpdate(ctx context.Context, reference string) (PaymentRecord, error)
	// CompletePayment moves a pending record to a terminal status.
	CompletePayment(ctx context.Context, reference string, status PaymentStatus, reason string, now time.Time) error
	ListPayments(ctx context.Context, status PaymentStatus, limit int) ([]PaymentRecord, error)
}

// NotificationTx covers the notification dedup ledger.
type NotificationTx interface {
	// ClaimNotification inserts a pending row for key. It returns false when a row already exists,
	// unless that row failed, has attempts left, and its backoff has elapsed.
	ClaimNotification(ctx context.Context, key NotificationKey, now time.Time, backoff time.Duration, maxAttempts int) (bool, error)
	FinishNotification(ctx context.Context, key NotificationKey, status NotificationStatus, errMsg string, now time.Time) error
	GetNotification(ctx context.Context, key NotificationKey) (NotificationLogEntry, error)
}

// Tx is the full transactional surface of the ledger.
type Tx interface {
	AuctionTx
	ItemTx
	PaymentTx
	NotificationTx
}

// TxFunc runs inside one transaction. It may be invoked more than once when the
// transaction is retried, so it must not have side effects outside tx.
type TxFunc func(ctx context.Context, tx Tx) error

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Ledger is the single source of truth for auction state.
type Ledger interface {
	AdvisoryLocker
	InTx(ctx context.Context, fn TxFunc) error
	Close()
}

// NormalizeEmail is the canonical form used as the bidder lookup key.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
