package notify

import (
	"bytes"
	"fmt"
	"html/template"

	"bidledger/internal/money"
)

var (
	outbidTemplate = template.Must(template.New("outbid").Funcs(templateFuncs).Parse(`<div style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto;">
  <h2 style="color: #1f2937;">You've been outbid!</h2>
  <p>Hello{{if .RecipientName}} {{.RecipientName}}{{end}},</p>
  <p>Someone has placed a higher bid on: <strong>{{.ItemTitle}}</strong></p>
  <p>New bid amount: <strong>${{amount .NewAmount}}</strong></p>
  <p>New bidder: {{.NewBidderName}}</p>
  <hr style="margin: 20px 0; border: none; border-top: 1px solid #e5e7eb;">
  <p>Don't miss out on this item!</p>
  <p><a href="{{.SiteURL}}">Place a New Bid</a></p>
</div>`))

	winnerTemplate = template.Must(template.New("winner").Funcs(templateFuncs).Parse(`<div style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto;">
  <h2 style="color: #1f2937;">Congratulations {{.Name}}!</h2>
  <p>The auction has ended and you've won the following items:</p>
  <ul style="list-style: none; padding: 0;">
  {{- range .Items}}
    <li>{{.Title}}: <strong>${{amount .Amount}}</strong></li>
  {{- end}}
  </ul>
  <hr style="margin: 20px 0; border: none; border-top: 1px solid #e5e7eb;">
  <p style="font-size: 18px;"><strong>Total Amount Due: ${{amount .Total}}</strong></p>
  <p><a href="{{.SiteURL}}">Proceed to Payment</a></p>
  <p style="color: #6b7280; margin-top: 20px;">Thank you for participating in our auction!</p>
</div>`))

	templateFuncs = template.FuncMap{"amount": money.Format}
)

type outbidView struct {
	Outbid
	SiteURL string
}

type winnerView struct {
	Winner
	SiteURL string
}

func renderOutbid(note Outbid, siteURL string) (Message, error) {
	var buf bytes.Buffer
	if err := outbidTemplate.Execute(&buf, outbidView{Outbid: note, SiteURL: siteURL}); err != nil {
		return Message{}, fmt.Errorf("render outbid email: %w", err)
	}
	return Message{
		To:      note.Recipient,
		Subject: fmt.Sprintf("You've been outbid on %s", note.ItemTitle),
		HTML:    buf.String(),
	}, nil
}

func renderWinner(note Winner, siteURL string) (Message, error) {
	var buf bytes.Buffer
	if err := winnerTemplate.Execute(&buf, winnerView{Winner: note, SiteURL: siteURL}); err != nil {
		return Message{}, fmt.Errorf("render winner email: %w", err)
	}
	return Message{
		To:      note.Recipient,
		Subject: "Congratulations! You won auction items",
		HTML:    buf.String(),
	}, nil
}
