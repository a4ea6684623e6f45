package storage

import (
	"time"

	"github.com/google/uuid"
)

// AuctionStatus is the lifecycle state of one auction instance.
type AuctionStatus string

const (
	AuctionActive AuctionStatus = "active"
	AuctionEnded  AuctionStatus = "ended"
)

// Auction is one timed auction. Ended is terminal for the instance.
type Auction struct {
	ID          uuid.UUID
	HolidayName string
	Services    []string
	StartTime   time.Time
	EndTime     time.Time
	Status      AuctionStatus
	EndedAt     *time.Time
	CreatedAt   time.Time
}

// AuctionItem holds an item's bid state. Money is in minor units.
type AuctionItem struct {
	ID               uuid.UUID
	AuctionID        uuid.UUID
	Title            string
	Service          string
	Honor            string
	Description      string
	StartingBid      int64
	MinimumIncrement int64
	CurrentBid       int64
	CurrentBidderID  *uuid.UUID
	IsPaid           bool
	DisplayOrder     int
	CreatedAt        time.Time
}

// Bidder is identified by email; there is never more than one row per email.
type Bidder struct {
	ID        uuid.UUID
	FullName  string
	Email     string
	CreatedAt time.Time
}

// ItemState is an item joined with the auction it belongs to and its current bidder.
type ItemState struct {
	Item          AuctionItem
	AuctionStatus AuctionStatus
	AuctionStart  time.Time
	AuctionEnd    time.Time
	CurrentBidder *Bidder
	// BidCount is only populated by read queries, not by the locking ones.
	BidCount int
}

// BidSource tells whether a history row came from a bidder or an operator restore.
type BidSource string

const (
	BidSourceBid     BidSource = "bid"
	BidSourceRestore BidSource = "restore"
)

// BidHistoryEntry is an append-only audit row. Only the winning flag ever changes.
type BidHistoryEntry struct {
	ID          uuid.UUID
	ItemID      uuid.UUID
	BidderID    uuid.UUID
	BidderName  string
	BidderEmail string
	Amount      int64
	IsWinning   bool
	Source      BidSource
	CreatedAt   time.Time
}

// PaymentStatus is pending until a processor callback moves it to a terminal state.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentSucceeded PaymentStatus = "succeeded"
	PaymentFailed    PaymentStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentSucceeded || s == PaymentFailed
}

// PaymentLine is one item in a payment breakdown.
type PaymentLine struct {
	ItemID  uuid.UUID `json:"item_id"`
	Title   string    `json:"title"`
	Service string    `json:"service"`
	Honor   string    `json:"honor"`
	Amount  int64     `json:"amount"`
}

// PaymentMetadata is the amount snapshot taken when the payment request was issued.
type PaymentMetadata struct {
	Subtotal int64         `json:"subtotal"`
	Fee      int64         `json:"fee"`
	Total    int64         `json:"total"`
	CoverFee bool          `json:"cover_fee"`
	Items    []PaymentLine `json:"items"`
}

// PaymentRecord tracks one processor payment request covering one or more items.
type PaymentRecord struct {
	Reference     string
	ItemIDs       []uuid.UUID
	PayerEmail    string
	Amount        int64
	Currency      string
	Status        PaymentStatus
	FailureReason string
	Metadata      PaymentMetadata
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NotificationType names the kind of message sent.
type NotificationType string

const (
	NotificationOutbid NotificationType = "outbid"
	NotificationWinner NotificationType = "winner"
)

// NotificationStatus of a dedup ledger row.
type NotificationStatus string

const (
	NotificationPending NotificationStatus = "pending"
	NotificationSent    NotificationStatus = "sent"
	NotificationFailed  NotificationStatus = "failed"
)

// NotificationKey is the natural key of the dedup ledger.
type NotificationKey struct {
	Recipient string
	Type      NotificationType
	Scope     string
}

// NotificationLogEntry is one row of the dedup ledger.
type NotificationLogEntry struct {
	ID        uuid.UUID
	Key       NotificationKey
	Status    NotificationStatus
	Attempts  int
	LastError string
	SentAt    *time.Time
	UpdatedAt time.Time
}
