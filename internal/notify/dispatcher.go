// Package notify sends outbid and winner emails, using the ledger's notification log
// so that each (recipient, type, scope) is delivered at most once.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"bidledger/internal/metrics"
	"bidledger/internal/storage"
)

// Result of one Notify call.
type Result string

const (
	Sent    Result = "sent"
	Skipped Result = "skipped"
	Failed  Result = "failed"
)

const asyncTimeout = 30 * time.Second

// Outbid is sent to the bidder who just lost the lead on an item.
type Outbid struct {
	Recipient     string
	RecipientName string
	ItemID        uuid.UUID
	ItemTitle     string
	NewAmount     int64
	NewBidderName string
}

// WinnerLine is one won item.
type WinnerLine struct {
	ItemID uuid.UUID
	Title  string
	Amount int64
}

// Winner is sent once per winning bidder per auction.
type Winner struct {
	Recipient string
	Name      string
	AuctionID uuid.UUID
	Items     []WinnerLine
	Total     int64
}

// WinnerReport summarises one winner dispatch.
type WinnerReport struct {
	Sent    int
	Skipped int
	Failed  int
}

// Options configures a Dispatcher.
type Options struct {
	SiteURL      string
	RetryBackoff time.Duration
	MaxAttempts  int
	Workers      int
	Clock        func() time.Time
}

// Dispatcher owns the dedup bookkeeping around a Mailer.
type Dispatcher struct {
	ledger  storage.Ledger
	mailer  Mailer
	opts    Options
	metrics *metrics.Metrics
	logger  zerolog.Logger

	wg  conc.WaitGroup
	sem chan struct{}
}

// NewDispatcher wires a Dispatcher.
func NewDispatcher(ledger storage.Ledger, mailer Mailer, opts Options, m *metrics.Metrics, logger zerolog.Logger) *Dispatcher {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.RetryBackoff < 0 {
		opts.RetryBackoff = 0
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Dispatcher{
		ledger:  ledger,
		mailer:  mailer,
		opts:    opts,
		metrics: m,
		logger:  logger.With().Str("component", "notify").Logger(),
		sem:     make(chan struct{}, opts.Workers),
	}
}

// Notify claims the (recipient, type, scope) slot and sends msg. An existing slot yields
// Skipped without sending; a failed send marks the slot failed so it is retried only after backoff.
func (d *Dispatcher) Notify(ctx context.Context, typ storage.NotificationType, scope, recipient string, msg Message) (Result, error) {
	key := storage.NotificationKey{Recipient: storage.NormalizeEmail(recipient), Type: typ, Scope: scope}

	var claimed bool
	err := d.ledger.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		claimed, err = tx.ClaimNotification(ctx, key, d.opts.Clock(), d.opts.RetryBackoff, d.opts.MaxAttempts)
		return err
	})
	if err != nil {
		d.metrics.Notification(string(typ), string(Failed))
		return Failed, fmt.Errorf("claim notification: %w", err)
	}
	if !claimed {
		d.metrics.Notification(string(typ), string(Skipped))
		d.logger.Debug().Str("type", string(typ)).Str("scope", scope).Str("to", key.Recipient).Msg("notification already handled")
		return Skipped, nil
	}

	msg.To = key.Recipient
	sendErr := d.mailer.Send(ctx, msg)

	status, errMsg, result := storage.NotificationSent, "", Sent
	if sendErr != nil {
		status, errMsg, result = storage.NotificationFailed, sendErr.Error(), Failed
	}

	// the outcome is recorded even when the caller's context is gone
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	finishErr := d.ledger.InTx(finishCtx, func(ctx context.Context, tx storage.Tx) error {
		return tx.FinishNotification(ctx, key, status, errMsg, d.opts.Clock())
	})

	d.metrics.Notification(string(typ), string(result))
	if sendErr != nil {
		return Failed, errors.Join(fmt.Errorf("send %s notification: %w", typ, sendErr), finishErr)
	}
	if finishErr != nil {
		d.logger.Error().Err(finishErr).Str("type", string(typ)).Str("scope", scope).Msg("record sent notification")
	}
	return Sent, nil
}

// SendOutbid renders and sends one outbid email scoped to the item.
func (d *Dispatcher) SendOutbid(ctx context.Context, note Outbid) (Result, error) {
	msg, err := renderOutbid(note, d.opts.SiteURL)
	if err != nil {
		return Failed, err
	}
	return d.Notify(ctx, storage.NotificationOutbid, note.ItemID.String(), note.Recipient, msg)
}

// SendWinners groups the auction's won items by bidder and sends one email per bidder,
// scoped to the auction. Safe to call repeatedly: already-sent bidders are skipped.
func (d *Dispatcher) SendWinners(ctx context.Context, auctionID uuid.UUID) (WinnerReport, error) {
	var states []storage.ItemState
	err := d.ledger.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		states, err = tx.ListAuctionItems(ctx, auctionID)
		return err
	})
	if err != nil {
		return WinnerReport{}, fmt.Errorf("list won items: %w", err)
	}

	var (
		report WinnerReport
		errs   []error
	)
	for _, note := range groupWinners(auctionID, states) {
		msg, err := renderWinner(note, d.opts.SiteURL)
		if err != nil {
			return report, err
		}
		result, err := d.Notify(ctx, storage.NotificationWinner, auctionID.String(), note.Recipient, msg)
		switch result {
		case Sent:
			report.Sent++
		case Skipped:
			report.Skipped++
		default:
			report.Failed++
			errs = append(errs, err)
		}
	}

	d.logger.Info().Str("auction_id", auctionID.String()).
		Int("sent", report.Sent).
		Int("skipped", report.Skipped).
		Int("failed", report.Failed).
		Msg("winner notifications dispatched")
	return report, errors.Join(errs...)
}

func groupWinners(auctionID uuid.UUID, states []storage.ItemState) []Winner {
	byEmail := make(map[string]*Winner)
	for _, st := range states {
		if st.CurrentBidder == nil {
			continue
		}
		email := storage.NormalizeEmail(st.CurrentBidder.Email)
		w, ok := byEmail[email]
		if !ok {
			w = &Winner{Recipient: email, Name: st.CurrentBidder.FullName, AuctionID: auctionID}
			byEmail[email] = w
		}
		w.Items = append(w.Items, WinnerLine{ItemID: st.Item.ID, Title: itemTitle(st.Item), Amount: st.Item.CurrentBid})
		w.Total += st.Item.CurrentBid
	}

	winners := make([]Winner, 0, len(byEmail))
	for _, w := range byEmail {
		winners = append(winners, *w)
	}
	sort.Slice(winners, func(i, j int) bool { return winners[i].Recipient < winners[j].Recipient })
	return winners
}

func itemTitle(item storage.AuctionItem) string {
	if item.Title != "" {
		return item.Title
	}
	return fmt.Sprintf("%s - %s", item.Service, item.Honor)
}

// NotifyOutbid sends in the background. Failures are logged and recorded in the ledger only.
func (d *Dispatcher) NotifyOutbid(ctx context.Context, note Outbid) {
	d.async(ctx, "outbid", func(ctx context.Context) error {
		_, err := d.SendOutbid(ctx, note)
		return err
	})
}

// NotifyWinners runs SendWinners in the background.
func (d *Dispatcher) NotifyWinners(ctx context.Context, auctionID uuid.UUID) {
	d.async(ctx, "winner", func(ctx context.Context) error {
		_, err := d.SendWinners(ctx, auctionID)
		return err
	})
}

func (d *Dispatcher) async(parent context.Context, kind string, fn func(context.Context) error) {
	base := context.WithoutCancel(parent)
	d.wg.Go(func() {
		d.sem <- struct{}{}
		defer func() { <-d.sem }()

		ctx, cancel := context.WithTimeout(base, asyncTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			d.logger.Warn().Err(err).Str("type", kind).Msg("notification failed")
		}
	})
}

// Wait blocks until every background notification has finished.
func (d *Dispatcher) Wait() {
	if recovered := d.wg.WaitAndRecover(); recovered != nil {
		d.logger.Error().Str("panic", fmt.Sprint(recovered.Value)).Msg("notification worker panicked")
	}
}
