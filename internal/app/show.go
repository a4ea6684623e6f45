package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"bidledger/internal/money"
	"bidledger/internal/storage"
)

// Show prints the items of the current (or given) auction.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	id, err := parseAuctionID(opts.AuctionID)
	if err != nil {
		return err
	}

	svc, err := a.openServices(ctx, nil)
	if err != nil {
		return err
	}
	defer svc.close()

	auction, items, err := svc.auctions.AuctionItems(ctx, id)
	if err != nil {
		return err
	}
	return writeItemsTable(os.Stdout, auction, items)
}

func writeItemsTable(out io.Writer, auction storage.Auction, items []storage.ItemState) error {
	fmt.Fprintf(out, "%s (%s) %s - %s\n", auction.HolidayName, auction.Status,
		auction.StartTime.UTC().Format(time.RFC3339), auction.EndTime.UTC().Format(time.RFC3339))
	if len(items) == 0 {
		fmt.Fprintln(out, "no items found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "#\tService\tHonor\tCurrent\tBidder\tEmail\tBids\tPaid")

	var raised int64
	for _, st := range items {
		bidder, email := "-", "-"
		if st.CurrentBidder != nil {
			bidder = sanitizeInline(st.CurrentBidder.FullName)
			email = st.CurrentBidder.Email
			raised += st.Item.CurrentBid
		}
		fmt.Fprintf(
			writer,
			"%d\t%s\t%s\t%s\t%s\t%s\t%d\t%t\n",
			st.Item.DisplayOrder,
			sanitizeInline(st.Item.Service),
			sanitizeInline(st.Item.Honor),
			money.Format(st.Item.CurrentBid),
			bidder,
			email,
			st.BidCount,
			st.Item.IsPaid,
		)
	}
	fmt.Fprintf(writer, "\t\t\t%s\ttotal bid\t\t\t\n", money.Format(raised))
	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	cleaned = strings.ReplaceAll(cleaned, "\t", " ")
	return cleaned
}
