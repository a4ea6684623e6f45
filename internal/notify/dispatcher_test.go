package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"

	"bidledger/internal/storage"
)

type fakeMailer struct {
	mu   sync.Mutex
	sent []Message
	fail error
}

func (m *fakeMailer) Send(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *fakeMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newDispatcher(ledger storage.Ledger, mailer Mailer, clock *fakeClock) *Dispatcher {
	return NewDispatcher(ledger, mailer, Options{
		SiteURL:      "https://auction.example.org",
		RetryBackoff: time.Minute,
		MaxAttempts:  3,
		Workers:      2,
		Clock:        clock.Now,
	}, nil, testLogger())
}

func TestNotifySkipsDuplicates(t *testing.T) {
	mailer := &fakeMailer{}
	d := newDispatcher(storage.NewMemory(), mailer, &fakeClock{now: time.Now()})

	msg := Message{Subject: "outbid"}
	first, err := d.Notify(context.Background(), storage.NotificationOutbid, "item-1", "Ann@Example.com", msg)
	assert.NoError(t, err)
	second, err := d.Notify(context.Background(), storage.NotificationOutbid, "item-1", "ann@example.com", msg)
	assert.NoError(t, err)

	check.Equal(t, Sent, first)
	check.Equal(t, Skipped, second)
	check.Equal(t, 1, mailer.count())
}

func TestNotifyConcurrentCallersSendOnce(t *testing.T) {
	mailer := &fakeMailer{}
	d := newDispatcher(storage.NewMemory(), mailer, &fakeClock{now: time.Now()})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = d.Notify(context.Background(), storage.NotificationWinner, "auction-1", "ann@example.com", Message{})
		}()
	}
	wg.Wait()
	check.Equal(t, 1, mailer.count())
}

func TestNotifyFailureIsRetriedAfterBackoff(t *testing.T) {
	ledger := storage.NewMemory()
	mailer := &fakeMailer{fail: errors.New("smtp down")}
	clock := &fakeClock{now: time.Date(2025, 12, 24, 20, 0, 0, 0, time.UTC)}
	d := newDispatcher(ledger, mailer, clock)

	result, err := d.Notify(context.Background(), storage.NotificationOutbid, "item-1", "ann@example.com", Message{})
	check.Equal(t, Failed, result)
	check.Error(t, err)

	mailer.fail = nil
	result, err = d.Notify(context.Background(), storage.NotificationOutbid, "item-1", "ann@example.com", Message{})
	assert.NoError(t, err)
	check.Equal(t, Skipped, result)

	clock.Advance(time.Minute)
	result, err = d.Notify(context.Background(), storage.NotificationOutbid, "item-1", "ann@example.com", Message{})
	assert.NoError(t, err)
	check.Equal(t, Sent, result)

	_ = ledger.InTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		entry, err := tx.GetNotification(ctx, storage.NotificationKey{Recipient: "ann@example.com", Type: storage.NotificationOutbid, Scope: "item-1"})
		assert.NoError(t, err)
		check.Equal(t, storage.NotificationSent, entry.Status)
		check.Equal(t, 2, entry.Attempts)
		return nil
	})
}

func TestSendWinnersGroupsByBidder(t *testing.T) {
	ledger := storage.NewMemory()
	mailer := &fakeMailer{}
	d := newDispatcher(ledger, mailer, &fakeClock{now: time.Now()})

	now := time.Now()
	auctionID := uuid.New()
	err := ledger.InTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		if err := tx.InsertAuction(ctx, storage.Auction{ID: auctionID, HolidayName: "Winter", StartTime: now, EndTime: now.Add(time.Hour), Status: storage.AuctionEnded, CreatedAt: now}); err != nil {
			return err
		}
		ann, err := tx.FindOrCreateBidder(ctx, "Ann", "ann@example.com", now)
		if err != nil {
			return err
		}
		bob, err := tx.FindOrCreateBidder(ctx, "Bob", "bob@example.com", now)
		if err != nil {
			return err
		}
		items := []storage.AuctionItem{
			{ID: uuid.New(), AuctionID: auctionID, Title: "Candle", Service: "Mass", Honor: "A", StartingBid: 1000, MinimumIncrement: 100, CurrentBid: 5000, CurrentBidderID: &ann.ID, DisplayOrder: 1},
			{ID: uuid.New(), AuctionID: auctionID, Title: "Torah", Service: "Mass", Honor: "B", StartingBid: 1000, MinimumIncrement: 100, CurrentBid: 7000, CurrentBidderID: &ann.ID, DisplayOrder: 2},
			{ID: uuid.New(), AuctionID: auctionID, Title: "Ark", Service: "Mass", Honor: "C", StartingBid: 1000, MinimumIncrement: 100, CurrentBid: 1500, CurrentBidderID: &bob.ID, DisplayOrder: 3},
			{ID: uuid.New(), AuctionID: auctionID, Title: "Unsold", Service: "Mass", Honor: "D", StartingBid: 1000, MinimumIncrement: 100, CurrentBid: 1000, DisplayOrder: 4},
		}
		return tx.InsertItems(ctx, items)
	})
	assert.NoError(t, err)

	report, err := d.SendWinners(context.Background(), auctionID)
	assert.NoError(t, err)
	check.Equal(t, WinnerReport{Sent: 2}, report)
	assert.Equal(t, 2, mailer.count())

	ann := mailer.sent[0]
	check.Equal(t, "ann@example.com", ann.To)
	check.True(t, strings.Contains(ann.HTML, "Total Amount Due: $120.00"))
	check.True(t, strings.Contains(ann.HTML, "Candle"))

	again, err := d.SendWinners(context.Background(), auctionID)
	assert.NoError(t, err)
	check.Equal(t, WinnerReport{Skipped: 2}, again)
	check.Equal(t, 2, mailer.count())
}

func TestNotifyOutbidAsync(t *testing.T) {
	mailer := &fakeMailer{}
	d := newDispatcher(storage.NewMemory(), mailer, &fakeClock{now: time.Now()})

	ctx, cancel := context.WithCancel(context.Background())
	d.NotifyOutbid(ctx, Outbid{Recipient: "ann@example.com", ItemID: uuid.New(), ItemTitle: "Candle", NewAmount: 2500, NewBidderName: "Bob"})
	cancel()
	d.Wait()

	assert.Equal(t, 1, mailer.count())
	check.Equal(t, "You've been outbid on Candle", mailer.sent[0].Subject)
	check.True(t, strings.Contains(mailer.sent[0].HTML, "$25.00"))
}
