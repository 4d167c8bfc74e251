package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/hferg/suballoc/internal/balance"
	"github.com/hferg/suballoc/internal/catalog"
	"github.com/hferg/suballoc/internal/cli"
	"github.com/hferg/suballoc/internal/model"
	"github.com/spf13/cobra"
)

func walletsCmd() *cobra.Command {
	var productType string

	cmd := &cobra.Command{
		Use:   "wallets",
		Short: "List wallets and their usable allocations",
		Long:  `Display the wallets budget can be drawn from, with the allocations that are not expired and still have remaining capacity.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			client, err := newBackendClient()
			if err != nil {
				return err
			}

			cat, err := loadCatalog(ctx, client)
			if err != nil {
				return err
			}
			snap := cat.Current()

			types := allProductTypes()
			if productType != "" {
				pt := model.ProductType(strings.ToUpper(productType))
				if !model.ValidProductType(pt) {
					return fmt.Errorf("unknown product type %q", productType)
				}
				types = []model.ProductType{pt}
			}

			now := time.Now()
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			defer func() { _ = w.Flush() }()

			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				cli.HeaderStyle.Render("Product"),
				cli.HeaderStyle.Render("Category"),
				cli.HeaderStyle.Render("Provider"),
				cli.HeaderStyle.Render("Allocation"),
				cli.HeaderStyle.Render("Remaining"))

			total := 0
			for _, pt := range types {
				for _, usable := range catalog.FindUsableAllocations(snap.Wallets, pt, now) {
					for _, alloc := range usable.Allocations {
						remaining := balance.ToDisplay(
							alloc.Remaining(usable.Wallet.ChargeType),
							usable.Wallet.ProductType,
							usable.Wallet.ChargeType,
							usable.Wallet.Unit,
							true)
						fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
							usable.Wallet.ProductType,
							usable.Wallet.PaysFor.Name,
							usable.Wallet.PaysFor.Provider,
							alloc.ID,
							remaining)
						total++
					}
				}
			}

			if total == 0 {
				fmt.Println(cli.SubtleStyle.Render("No usable allocations; nothing can be granted right now."))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&productType, "product-type", "", "only show one product type (COMPUTE, STORAGE, INGRESS, LICENSE, NETWORK_IP)")
	return cmd
}

func allProductTypes() []model.ProductType {
	return []model.ProductType{
		model.ProductCompute,
		model.ProductStorage,
		model.ProductIngress,
		model.ProductLicense,
		model.ProductNetworkIP,
	}
}
