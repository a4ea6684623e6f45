package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// LifecycleLockKey is the transaction-scoped advisory lock taken by lifecycle transitions.
const LifecycleLockKey int64 = 0x6269646c6564 // "bidled"

const (
	lockLifecycleSQL = `SELECT pg_advisory_xact_lock($1);`

	endActiveAuctionsSQL = `UPDATE auctions
    SET status = 'ended', ended_at = $1
    WHERE status = 'active'
    RETURNING id;`

	insertAuctionSQL = `INSERT INTO auctions (
        id,
        holiday_name,
        services,
        start_time,
        end_time,
        status,
        created_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    );`

	insertItemSQL = `INSERT INTO auction_items (
        id,
        auction_id,
        title,
        service,
        honor,
        description,
        starting_bid,
        minimum_increment,
        current_bid,
        display_order,
        created_at,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,NULLIF($6, ''),$7,$8,$9,$10,$11,$11
    );`

	auctionColumns = `id, holiday_name, services, start_time, end_time, status, ended_at, created_at`

	getAuctionSQL          = `SELECT ` + auctionColumns + ` FROM auctions WHERE id = $1;`
	getAuctionForUpdateSQL = `SELECT ` + auctionColumns + ` FROM auctions WHERE id = $1 FOR UPDATE;`

	currentAuctionSQL = `SELECT ` + auctionColumns + `
    FROM auctions
    ORDER BY (status = 'active') DESC, created_at DESC
    LIMIT 1;`

	setAuctionEndedSQL = `UPDATE auctions
    SET status = 'ended', ended_at = $2
    WHERE id = $1 AND status = 'active';`

	listDueAuctionsSQL = `SELECT ` + auctionColumns + `
    FROM auctions
    WHERE status = 'active' AND end_time <= $1
    ORDER BY end_time;`

	itemSelectSQL = `SELECT
        i.id,
        i.auction_id,
        i.title,
        i.service,
        i.honor,
        COALESCE(i.description, ''),
        i.starting_bid,
        i.minimum_increment,
        i.current_bid,
        i.current_bidder_id,
        i.is_paid,
        i.display_order,
        i.created_at,
        a.status,
        a.start_time,
        a.end_time,
        b.id,
        b.full_name,
        b.email,
        b.created_at,
        (SELECT COUNT(*) FROM bid_history h WHERE h.auction_item_id = i.id)
    FROM auction_items i
    JOIN auctions a ON a.id = i.auction_id
    LEFT JOIN bidders b ON b.id = i.current_bidder_id`

	getItemSQL           = itemSelectSQL + ` WHERE i.id = $1;`
	getItemForUpdateSQL  = itemSelectSQL + ` WHERE i.id = $1 FOR UPDATE OF i;`
	getItemsForUpdateSQL = itemSelectSQL + ` WHERE i.id = ANY($1) ORDER BY i.id FOR UPDATE OF i;`
	listAuctionItemsSQL  = itemSelectSQL + ` WHERE i.auction_id = $1 ORDER BY i.display_order, i.created_at;`
	listUnpaidItemsSQL   = itemSelectSQL + ` WHERE b.email = $1 AND NOT i.is_paid ORDER BY a.created_at, i.display_order;`

	upsertBidderSQL = `INSERT INTO bidders (id, full_name, email, created_at)
    VALUES ($1,$2,$3,$4)
    ON CONFLICT (email) DO UPDATE SET email = EXCLUDED.email
    RETURNING id, full_name, email, created_at;`

	setCurrentBidSQL = `UPDATE auction_items
    SET current_bid = $2, current_bidder_id = $3, updated_at = now()
    WHERE id = $1;`

	updateItemSQL = `UPDATE auction_items
    SET title = $2,
        service = $3,
        honor = $4,
        description = NULLIF($5, ''),
        starting_bid = $6,
        minimum_increment = $7,
        current_bid = $8,
        display_order = $9,
        updated_at = now()
    WHERE id = $1;`

	deleteItemSQL = `DELETE FROM auction_items WHERE id = $1;`

	clearWinningBidSQL = `UPDATE bid_history
    SET is_winning_bid = false
    WHERE auction_item_id = $1 AND is_winning_bid;`

	insertBidSQL = `INSERT INTO bid_history (
        id,
        auction_item_id,
        bidder_id,
        bidder_name,
        bidder_email,
        bid_amount,
        is_winning_bid,
        source,
        created_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    );`

	listBidHistorySQL = `SELECT
        id,
        auction_item_id,
        bidder_id,
        bidder_name,
        bidder_email,
        bid_amount,
        is_winning_bid,
        source,
        created_at
    FROM bid_history
    WHERE auction_item_id = $1
    ORDER BY is_winning_bid DESC, created_at DESC, id
    LIMIT $2;`

	setItemsPaidSQL = `UPDATE auction_items
    SET is_paid = $2, updated_at = now()
    WHERE id = ANY($1);`

	insertPaymentSQL = `INSERT INTO payment_records (
        payment_intent_id,
        auction_item_ids,
        payer_email,
        amount,
        currency,
        status,
        metadata,
        created_at,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$8
    );`

	paymentColumns = `payment_intent_id, auction_item_ids, payer_email, amount, currency, status,
        COALESCE(failure_reason, ''), metadata, created_at, updated_at`

	getPaymentForUpdateSQL = `SELECT ` + paymentColumns + ` FROM payment_records WHERE payment_intent_id = $1 FOR UPDATE;`

	completePaymentSQL = `UPDATE payment_records
    SET status = $2, failure_reason = NULLIF($3, ''), updated_at = $4
    WHERE payment_intent_id = $1 AND status = 'pending';`

	listPaymentsSQL = `SELECT ` + paymentColumns + `
    FROM payment_records
    WHERE $1::text = '' OR status = $1::text
    ORDER BY created_at DESC
    LIMIT $2;`

	claimNotificationSQL = `INSERT INTO notification_log (
        id,
        recipient_email,
        notification_type,
        scope_key,
        status,
        attempts,
        created_at,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,'pending',1,$5,$5
    )
    ON CONFLICT (recipient_email, notification_type, scope_key) DO UPDATE
    SET status     = 'pending',
        attempts   = notification_log.attempts + 1,
        last_error = NULL,
        updated_at = EXCLUDED.updated_at
    WHERE notification_log.status = 'failed'
      AND notification_log.attempts < $6
      AND notification_log.updated_at <= $5::timestamptz - make_interval(secs => $7::double precision * notification_log.attempts)
    RETURNING attempts;`

	finishNotificationSQL = `UPDATE notification_log
    SET status = $4, last_error = NULLIF($5, ''), sent_at = COALESCE($6, sent_at), updated_at = $7
    WHERE recipient_email = $1 AND notification_type = $2 AND scope_key = $3;`

	getNotificationSQL = `SELECT
        id,
        recipient_email,
        notification_type,
        scope_key,
        status,
        attempts,
        COALESCE(last_error, ''),
        sent_at,
        updated_at
    FROM notification_log
    WHERE recipient_email = $1 AND notification_type = $2 AND scope_key = $3;`
)

// pgTx implements Tx on top of one pgx transaction.
type pgTx struct {
	tx pgx.Tx
}

var _ Tx = (*pgTx)(nil)

func (t *pgTx) LockLifecycle(ctx context.Context) error {
	if _, err := t.tx.Exec(ctx, lockLifecycleSQL, LifecycleLockKey); err != nil {
		return fmt.Errorf("lock lifecycle: %w", err)
	}
	return nil
}

func (t *pgTx) EndActiveAuctions(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	rows, err := t.tx.Query(ctx, endActiveAuctionsSQL, now)
	if err != nil {
		return nil, fmt.Errorf("end active auctions: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("end active auctions: %w", err)
	}
	return ids, nil
}

func (t *pgTx) InsertAuction(ctx context.Context, auction Auction) error {
	_, err := t.tx.Exec(ctx, insertAuctionSQL,
		auction.ID,
		auction.HolidayName,
		auction.Services,
		auction.StartTime,
		auction.EndTime,
		string(auction.Status),
		auction.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert auction: %w", err)
	}
	return nil
}

func (t *pgTx) InsertItems(ctx context.Context, items []AuctionItem) error {
	batch := &pgx.Batch{}
	for _, item := range items {
		batch.Queue(insertItemSQL,
			item.ID,
			item.AuctionID,
			item.Title,
			item.Service,
			item.Honor,
			item.Description,
			item.StartingBid,
			item.MinimumIncrement,
			item.CurrentBid,
			item.DisplayOrder,
			item.CreatedAt,
		)
	}

	results := t.tx.SendBatch(ctx, batch)
	for range items {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("insert auction item: %w", err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("insert auction items: %w", err)
	}
	return nil
}

func (t *pgTx) GetAuction(ctx context.Context, id uuid.UUID) (Auction, error) {
	return t.queryAuction(ctx, "get auction", getAuctionSQL, id)
}

func (t *pgTx) GetAuctionForUpdate(ctx context.Context, id uuid.UUID) (Auction, error) {
	return t.queryAuction(ctx, "get auction for update", getAuctionForUpdateSQL, id)
}

func (t *pgTx) CurrentAuction(ctx context.Context) (Auction, error) {
	return t.queryAuction(ctx, "current auction", currentAuctionSQL)
}

func (t *pgTx) queryAuction(ctx context.Context, op, query string, args ...any) (Auction, error) {
	auction, err := scanAuction(t.tx.QueryRow(ctx, query, args...))
	if err != nil {
		return Auction{}, fmt.Errorf("%s: %w", op, notFound(err))
	}
	return auction, nil
}

func (t *pgTx) SetAuctionEnded(ctx context.Context, id uuid.UUID, now time.Time) error {
	tag, err := t.tx.Exec(ctx, setAuctionEndedSQL, id, now)
	if err != nil {
		return fmt.Errorf("set auction ended: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set auction ended: %w", ErrNotFound)
	}
	return nil
}

func (t *pgTx) ListDueAuctions(ctx context.Context, now time.Time) ([]Auction, error) {
	rows, err := t.tx.Query(ctx, listDueAuctionsSQL, now)
	if err != nil {
		return nil, fmt.Errorf("list due auctions: %w", err)
	}
	defer rows.Close()

	auctions := make([]Auction, 0)
	for rows.Next() {
		auction, scanErr := scanAuction(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		auctions = append(auctions, auction)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return auctions, nil
}

func (t *pgTx) ListAuctionItems(ctx context.Context, auctionID uuid.UUID) ([]ItemState, error) {
	return t.queryItems(ctx, "list auction items", listAuctionItemsSQL, auctionID)
}

func (t *pgTx) GetItem(ctx context.Context, id uuid.UUID) (ItemState, error) {
	state, err := scanItemState(t.tx.QueryRow(ctx, getItemSQL, id))
	if err != nil {
		return ItemState{}, fmt.Errorf("get item: %w", notFound(err))
	}
	return state, nil
}

func (t *pgTx) GetItemForUpdate(ctx context.Context, id uuid.UUID) (ItemState, error) {
	state, err := scanItemState(t.tx.QueryRow(ctx, getItemForUpdateSQL, id))
	if err != nil {
		return ItemState{}, fmt.Errorf("get item for update: %w", notFound(err))
	}
	return state, nil
}

func (t *pgTx) GetItemsForUpdate(ctx context.Context, ids []uuid.UUID) ([]ItemState, error) {
	return t.queryItems(ctx, "get items for update", getItemsForUpdateSQL, ids)
}

func (t *pgTx) ListUnpaidItems(ctx context.Context, email string) ([]ItemState, error) {
	return t.queryItems(ctx, "list unpaid items", listUnpaidItemsSQL, NormalizeEmail(email))
}

func (t *pgTx) queryItems(ctx context.Context, op, query string, args ...any) ([]ItemState, error) {
	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	items := make([]ItemState, 0)
	for rows.Next() {
		state, scanErr := scanItemState(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("%s: %w", op, scanErr)
		}
		items = append(items, state)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("%s: %w", op, rows.Err())
	}
	return items, nil
}

func (t *pgTx) FindOrCreateBidder(ctx context.Context, fullName, email string, now time.Time) (Bidder, error) {
	var b Bidder
	err := t.tx.QueryRow(ctx, upsertBidderSQL, uuid.New(), fullName, NormalizeEmail(email), now).
		Scan(&b.ID, &b.FullName, &b.Email, &b.CreatedAt)
	if err != nil {
		return Bidder{}, fmt.Errorf("find or create bidder: %w", err)
	}
	return b, nil
}

func (t *pgTx) SetCurrentBid(ctx context.Context, itemID uuid.UUID, amount int64, bidderID *uuid.UUID) error {
	tag, err := t.tx.Exec(ctx, setCurrentBidSQL, itemID, amount, bidderID)
	if err != nil {
		return fmt.Errorf("set current bid: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set current bid: %w", ErrNotFound)
	}
	return nil
}

func (t *pgTx) UpdateItem(ctx context.Context, item AuctionItem) error {
	tag, err := t.tx.Exec(ctx, updateItemSQL,
		item.ID,
		item.Title,
		item.Service,
		item.Honor,
		item.Description,
		item.StartingBid,
		item.MinimumIncrement,
		item.CurrentBid,
		item.DisplayOrder,
	)
	if err != nil {
		return fmt.Errorf("update item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update item: %w", ErrNotFound)
	}
	return nil
}

func (t *pgTx) DeleteItem(ctx context.Context, id uuid.UUID) error {
	tag, err := t.tx.Exec(ctx, deleteItemSQL, id)
	if err != nil {
		return fmt.Errorf("delete item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete item: %w", ErrNotFound)
	}
	return nil
}

func (t *pgTx) AppendWinningBid(ctx context.Context, entry BidHistoryEntry) error {
	if err := t.ClearWinningBid(ctx, entry.ItemID); err != nil {
		return err
	}
	source := entry.Source
	if source == "" {
		source = BidSourceBid
	}
	_, err := t.tx.Exec(ctx, insertBidSQL,
		entry.ID,
		entry.ItemID,
		entry.BidderID,
		entry.BidderName,
		entry.BidderEmail,
		entry.Amount,
		true,
		string(source),
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert bid history: %w", err)
	}
	return nil
}

func (t *pgTx) ClearWinningBid(ctx context.Context, itemID uuid.UUID) error {
	if _, err := t.tx.Exec(ctx, clearWinningBidSQL, itemID); err != nil {
		return fmt.Errorf("clear winning bid: %w", err)
	}
	return nil
}

func (t *pgTx) ListBidHistory(ctx context.Context, itemID uuid.UUID, limit int) ([]BidHistoryEntry, error) {
	rows, err := t.tx.Query(ctx, listBidHistorySQL, itemID, limit)
	if err != nil {
		return nil, fmt.Errorf("list bid history: %w", err)
	}
	defer rows.Close()

	entries := make([]BidHistoryEntry, 0, limit)
	for rows.Next() {
		var (
			entry    BidHistoryEntry
			bidderID *uuid.UUID
			source   string
		)
		if err := rows.Scan(
			&entry.ID,
			&entry.ItemID,
			&bidderID,
			&entry.BidderName,
			&entry.BidderEmail,
			&entry.Amount,
			&entry.IsWinning,
			&source,
			&entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan bid history: %w", err)
		}
		if bidderID != nil {
			entry.BidderID = *bidderID
		}
		entry.Source = BidSource(source)
		entries = append(entries, entry)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return entries, nil
}

func (t *pgTx) SetItemsPaid(ctx context.Context, ids []uuid.UUID, paid bool) error {
	if _, err := t.tx.Exec(ctx, setItemsPaidSQL, ids, paid); err != nil {
		return fmt.Errorf("set items paid: %w", err)
	}
	return nil
}

func (t *pgTx) InsertPayment(ctx context.Context, record PaymentRecord) error {
	_, err := t.tx.Exec(ctx, insertPaymentSQL,
		record.Reference,
		record.ItemIDs,
		NormalizeEmail(record.PayerEmail),
		record.Amount,
		record.Currency,
		string(record.Status),
		record.Metadata,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (t *pgTx) GetPaymentForUpdate(ctx context.Context, reference string) (PaymentRecord, error) {
	record, err := scanPayment(t.tx.QueryRow(ctx, getPaymentForUpdateSQL, reference))
	if err != nil {
		return PaymentRecord{}, fmt.Errorf("get payment for update: %w", notFound(err))
	}
	return record, nil
}

func (t *pgTx) CompletePayment(ctx context.Context, reference string, status PaymentStatus, reason string, now time.Time) error {
	tag, err := t.tx.Exec(ctx, completePaymentSQL, reference, string(status), reason, now)
	if err != nil {
		return fmt.Errorf("complete payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete payment: %w", ErrNotFound)
	}
	return nil
}

func (t *pgTx) ListPayments(ctx context.Context, status PaymentStatus, limit int) ([]PaymentRecord, error) {
	rows, err := t.tx.Query(ctx, listPaymentsSQL, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	records := make([]PaymentRecord, 0)
	for rows.Next() {
		record, scanErr := scanPayment(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("list payments: %w", scanErr)
		}
		records = append(records, record)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

func (t *pgTx) ClaimNotification(ctx context.Context, key NotificationKey, now time.Time, backoff time.Duration, maxAttempts int) (bool, error) {
	var attempts int
	err := t.tx.QueryRow(ctx, claimNotificationSQL,
		uuid.New(),
		NormalizeEmail(key.Recipient),
		string(key.Type),
		key.Scope,
		now,
		maxAttempts,
		backoff.Seconds(),
	).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim notification: %w", err)
	}
	return true, nil
}

func (t *pgTx) FinishNotification(ctx context.Context, key NotificationKey, status NotificationStatus, errMsg string, now time.Time) error {
	var sentAt *time.Time
	if status == NotificationSent {
		sentAt = &now
	}
	_, err := t.tx.Exec(ctx, finishNotificationSQL,
		NormalizeEmail(key.Recipient),
		string(key.Type),
		key.Scope,
		string(status),
		errMsg,
		sentAt,
		now,
	)
	if err != nil {
		return fmt.Errorf("finish notification: %w", err)
	}
	return nil
}

func (t *pgTx) GetNotification(ctx context.Context, key NotificationKey) (NotificationLogEntry, error) {
	var (
		entry  NotificationLogEntry
		typ    string
		status string
	)
	err := t.tx.QueryRow(ctx, getNotificationSQL, NormalizeEmail(key.Recipient), string(key.Type), key.Scope).Scan(
		&entry.ID,
		&entry.Key.Recipient,
		&typ,
		&entry.Key.Scope,
		&status,
		&entry.Attempts,
		&entry.LastError,
		&entry.SentAt,
		&entry.UpdatedAt,
	)
	if err != nil {
		return NotificationLogEntry{}, fmt.Errorf("get notification: %w", notFound(err))
	}
	entry.Key.Type = NotificationType(typ)
	entry.Status = NotificationStatus(status)
	return entry, nil
}

func scanAuction(row pgx.Row) (Auction, error) {
	var (
		auction Auction
		status  string
	)
	if err := row.Scan(
		&auction.ID,
		&auction.HolidayName,
		&auction.Services,
		&auction.StartTime,
		&auction.EndTime,
		&status,
		&auction.EndedAt,
		&auction.CreatedAt,
	); err != nil {
		return Auction{}, err
	}
	auction.Status = AuctionStatus(status)
	return auction, nil
}

func scanItemState(row pgx.Row) (ItemState, error) {
	var (
		state         ItemState
		auctionStatus string
		bidderID      *uuid.UUID
		bidderName    *string
		bidderEmail   *string
		bidderCreated *time.Time
		bidCount      int64
	)
	item := &state.Item
	if err := row.Scan(
		&item.ID,
		&item.AuctionID,
		&item.Title,
		&item.Service,
		&item.Honor,
		&item.Description,
		&item.StartingBid,
		&item.MinimumIncrement,
		&item.CurrentBid,
		&item.CurrentBidderID,
		&item.IsPaid,
		&item.DisplayOrder,
		&item.CreatedAt,
		&auctionStatus,
		&state.AuctionStart,
		&state.AuctionEnd,
		&bidderID,
		&bidderName,
		&bidderEmail,
		&bidderCreated,
		&bidCount,
	); err != nil {
		return ItemState{}, err
	}

	state.AuctionStatus = AuctionStatus(auctionStatus)
	state.BidCount = int(bidCount)
	if bidderID != nil {
		bidder := &Bidder{ID: *bidderID}
		if bidderName != nil {
			bidder.FullName = *bidderName
		}
		if bidderEmail != nil {
			bidder.Email = *bidderEmail
		}
		if bidderCreated != nil {
			bidder.CreatedAt = *bidderCreated
		}
		state.CurrentBidder = bidder
	}
	return state, nil
}

func scanPayment(row pgx.Row) (PaymentRecord, error) {
	var (
		record PaymentRecord
		status string
	)
	if err := row.Scan(
		&record.Reference,
		&record.ItemIDs,
		&record.PayerEmail,
		&record.Amount,
		&record.Currency,
		&status,
		&record.FailureReason,
		&record.Metadata,
		&record.CreatedAt,
		&record.UpdatedAt,
	); err != nil {
		return PaymentRecord{}, err
	}
	record.Status = PaymentStatus(status)
	return record, nil
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
