package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"

	chart "github.com/wcharczuk/go-chart/v2"

	"bidledger/internal/money"
	"bidledger/internal/storage"
)

var csvHeader = []string{
	"display_order", "service", "honor", "title", "starting_bid", "current_bid",
	"bidder_name", "bidder_email", "bid_on", "bid_count", "is_paid",
}

// Export renders auction results as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	id, err := parseAuctionID(opts.AuctionID)
	if err != nil {
		return err
	}
	maxItems := a.Config.ResolveMaxItems(opts.MaxItems)

	svc, err := a.openServices(ctx, nil)
	if err != nil {
		return err
	}
	defer svc.close()

	auction, items, err := svc.auctions.AuctionItems(ctx, id)
	if err != nil {
		return err
	}
	if len(items) > maxItems {
		items = items[:maxItems]
	}
	a.Logger.Info().Str("auction_id", auction.ID.String()).Int("items", len(items)).Msg("exporting auction items")

	if opts.CSVPath != "" {
		if err := writeFile(opts.CSVPath, func(w io.Writer) error { return writeItemsCSV(w, items) }); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		bars := bidBars(items)
		if len(bars) == 0 {
			a.Logger.Info().Msg("no item was bid on; skipping chart")
			return nil
		}
		title := fmt.Sprintf("%s final bids", auction.HolidayName)
		if err := writeFile(opts.PNGPath, func(w io.Writer) error { return renderBidChart(w, title, bars) }); err != nil {
			return err
		}
	}

	return nil
}

func writeItemsCSV(out io.Writer, items []storage.ItemState) error {
	writer := csv.NewWriter(out)
	if err := writer.Write(csvHeader); err != nil {
		return err
	}

	for _, st := range items {
		name, email := "", ""
		if st.CurrentBidder != nil {
			name = st.CurrentBidder.FullName
			email = st.CurrentBidder.Email
		}
		record := []string{
			strconv.Itoa(st.Item.DisplayOrder),
			st.Item.Service,
			st.Item.Honor,
			st.Item.Title,
			money.Format(st.Item.StartingBid),
			money.Format(st.Item.CurrentBid),
			name,
			email,
			strconv.FormatBool(st.CurrentBidder != nil),
			strconv.Itoa(st.BidCount),
			strconv.FormatBool(st.Item.IsPaid),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// bidBars returns one bar per item that has a winning bidder.
func bidBars(items []storage.ItemState) []chart.Value {
	bars := make([]chart.Value, 0, len(items))
	for _, st := range items {
		if st.CurrentBidder == nil {
			continue
		}
		label := st.Item.Honor
		if label == "" {
			label = st.Item.Title
		}
		bars = append(bars, chart.Value{
			Label: fmt.Sprintf("%d. %s", st.Item.DisplayOrder, label),
			Value: money.FromMinor(st.Item.CurrentBid).InexactFloat64(),
		})
	}
	return bars
}

func renderBidChart(out io.Writer, title string, bars []chart.Value) error {
	top := 0.0
	for _, b := range bars {
		top = math.Max(top, b.Value)
	}
	if top == 0 {
		top = 1
	}

	amountFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.BarChart{
		Title:    title,
		Width:    1280,
		Height:   720,
		BarWidth: 40,
		Background: chart.Style{
			Padding: chart.Box{Top: 40},
		},
		YAxis: chart.YAxis{
			Range:          &chart.ContinuousRange{Min: 0, Max: top * 1.1},
			ValueFormatter: amountFormatter,
		},
		Bars: bars,
	}
	return graph.Render(chart.PNG, out)
}

func writeFile(path string, write func(io.Writer) error) error {
	if err := ensureDir(path); err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(file); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
