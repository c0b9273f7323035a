package main

import (
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"github.com/neurogrid/lifecycle/internal/escrow"
	"github.com/neurogrid/lifecycle/pkg/money"
)

// newQuoteCmd prices a rental offline with the same rules the deploy path
// uses.
func newQuoteCmd() *cobra.Command {
	var (
		hours float64
		price string
	)
	cmd := &cobra.Command{
		Use:   "quote",
		Short: "Print the escrow breakdown for a rental",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := money.ParseHourlyPrice(price)
			if err != nil {
				return err
			}
			breakdown := escrow.ComputeBreakdown(hours, p, time.Now().UTC())

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(breakdown)
		},
	}
	cmd.Flags().Float64Var(&hours, "hours", 1, "expected rental hours")
	cmd.Flags().StringVar(&price, "price", money.DefaultHourlyPrice.String(), "hourly price, e.g. \"$0.59/hr\"")
	return cmd
}
