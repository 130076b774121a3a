package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/warp/commission-ledger/commission"
	"github.com/warp/commission-ledger/ledger"
	"github.com/warp/commission-ledger/ledger/store"
	"github.com/warp/commission-ledger/settlement"
)

type quoteOutput struct {
	GrossCents      int64             `json:"gross_cents"`
	Currency        string            `json:"currency"`
	ProcessingFee   int64             `json:"processing_fee_cents"`
	PlatformFee     int64             `json:"platform_fee_cents"`
	Commissions     []quoteCommission `json:"commissions"`
	NetCents        int64             `json:"net_cents"`
	ScheduleVersion string            `json:"schedule_version,omitempty"`
}

type quoteCommission struct {
	Role        string `json:"role"`
	PayeeID     string `json:"payee_id"`
	Percent     string `json:"percent"`
	AmountCents int64  `json:"amount_cents"`
}

func newQuoteCmd(opts *options) *cobra.Command {
	var ev settlement.OrderPaidEvent
	var orderID, seller, buyer string

	cmd := &cobra.Command{
		Use:   "quote",
		Short: "Print the fee breakdown for an order without writing it",
		Example: `  ledger quote --gross 2200 --seller seller-1 --buyer buyer-1
  LEDGER_SETTLEMENT_PRESET=three-tier ledger quote --gross 10000 --seller seller-1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, schedule, err := loadDomain(opts.cfg.Settlement)
			if err != nil {
				return err
			}
			engine := settlement.NewEngine(store.NewMemory(), commission.NewResolver(dir), schedule)

			ev.OrderID = ledger.OrderID(orderID)
			ev.SellerID = ledger.PayeeID(seller)
			ev.BuyerID = ledger.PayeeID(buyer)
			b, _, err := engine.Quote(cmd.Context(), ev)
			if err != nil {
				return err
			}

			out := quoteOutput{
				GrossCents:      b.GrossCents,
				Currency:        b.Currency,
				ProcessingFee:   b.ProcessingFee,
				PlatformFee:     b.PlatformFee,
				Commissions:     []quoteCommission{},
				NetCents:        b.NetAmount,
				ScheduleVersion: b.ScheduleVersion,
			}
			for _, l := range b.CommissionLines {
				out.Commissions = append(out.Commissions, quoteCommission{
					Role:        string(l.Role),
					PayeeID:     string(l.PayeeID),
					Percent:     l.BasisPoints.Percent(),
					AmountCents: l.AmountCents,
				})
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().Int64Var(&ev.GrossCents, "gross", 0, "gross amount in cents")
	cmd.Flags().StringVar(&ev.Currency, "currency", "USD", "ISO 4217 currency code")
	cmd.Flags().StringVar(&orderID, "order", "quote", "order id")
	cmd.Flags().StringVar(&seller, "seller", "", "seller id")
	cmd.Flags().StringVar(&buyer, "buyer", "", "buyer id")
	cmd.MarkFlagRequired("gross")
	cmd.MarkFlagRequired("seller")
	return cmd
}
