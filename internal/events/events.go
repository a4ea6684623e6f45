// Package events fans committed ledger changes out to live subscribers.
//
// Publishing is best effort: it happens after the ledger transaction commits and
// a failure is logged by the caller, never surfaced to the bidder.
package events

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind groups events by what changed.
type Kind string

const (
	KindBid     Kind = "bid"
	KindEnded   Kind = "ended"
	KindPayment Kind = "payment"
)

// Event is the JSON payload published to subscribers. Amounts are minor units.
type Event struct {
	EventID        string    `json:"event_id"`
	Kind           Kind      `json:"kind"`
	ItemID         string    `json:"item_id,omitempty"`
	AuctionID      string    `json:"auction_id,omitempty"`
	PaymentRef     string    `json:"payment_ref,omitempty"`
	Amount         int64     `json:"amount,omitempty"`
	PreviousAmount int64     `json:"previous_amount,omitempty"`
	BidderName     string    `json:"bidder_name,omitempty"`
	Status         string    `json:"status,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// BidPlaced builds the event for an accepted bid. The bidder email is never published.
func BidPlaced(itemID uuid.UUID, amount, previous int64, bidderName string, at time.Time) Event {
	return Event{
		EventID:        uuid.NewString(),
		Kind:           KindBid,
		ItemID:         itemID.String(),
		Amount:         amount,
		PreviousAmount: previous,
		BidderName:     bidderName,
		Timestamp:      at.UTC(),
	}
}

// AuctionEnded builds the event for an auction transition to ended.
func AuctionEnded(auctionID uuid.UUID, at time.Time) Event {
	return Event{
		EventID:   uuid.NewString(),
		Kind:      KindEnded,
		AuctionID: auctionID.String(),
		Status:    "ended",
		Timestamp: at.UTC(),
	}
}

// PaymentCompleted builds the event for a reconciled payment.
func PaymentCompleted(reference, status string, amount int64, at time.Time) Event {
	return Event{
		EventID:    uuid.NewString(),
		Kind:       KindPayment,
		PaymentRef: reference,
		Amount:     amount,
		Status:     status,
		Timestamp:  at.UTC(),
	}
}

// Key is the entity the event is about.
func (e Event) Key() string {
	switch e.Kind {
	case KindBid:
		return e.ItemID
	case KindEnded:
		return e.AuctionID
	default:
		return e.PaymentRef
	}
}

// Channel is the redis pub/sub channel, e.g. bid_events:{itemID}.
func (e Event) Channel() string {
	return fmt.Sprintf("%s_events:%s", e.Kind, e.Key())
}

// Subject is the nats subject, e.g. auction.bid.{itemID}.
func (e Event) Subject(prefix string) string {
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		return fmt.Sprintf("%s.%s", e.Kind, e.Key())
	}
	return fmt.Sprintf("%s.%s.%s", prefix, e.Kind, e.Key())
}

// Publisher delivers events to subscribers.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }
