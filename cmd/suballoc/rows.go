package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/hferg/suballoc/internal/balance"
	"github.com/hferg/suballoc/internal/cli"
	"github.com/hferg/suballoc/internal/engine"
	"github.com/hferg/suballoc/internal/model"
	"github.com/hferg/suballoc/internal/service"
	"github.com/spf13/cobra"
)

func rowsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rows",
		Short: "Inspect and edit sub-allocation rows",
		Long:  `List current sub-allocations with draft edits overlaid, stage new edits, and validate the draft without saving.`,
	}

	cmd.AddCommand(listRowsCmd())
	cmd.AddCommand(setRowCmd())
	cmd.AddCommand(deleteRowCmd())
	cmd.AddCommand(dropRowCmd())
	cmd.AddCommand(statusRowsCmd())

	return cmd
}

func listRowsCmd() *cobra.Command {
	var query string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sub-allocations with draft edits overlaid",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			client, err := newBackendClient()
			if err != nil {
				return err
			}

			var subs []model.SubAllocation
			if query != "" {
				subs, err = client.SearchSubAllocations(ctx, query, service.SubAllocationFilter{})
			} else {
				subs, err = client.BrowseSubAllocations(ctx, service.SubAllocationFilter{})
			}
			if err != nil {
				return fmt.Errorf("failed to fetch sub-allocations: %w", err)
			}

			store, err := openDraftStore()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			drafts, err := store.Load(ctx)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			defer func() { _ = w.Flush() }()

			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				cli.HeaderStyle.Render("Row"),
				cli.HeaderStyle.Render("Recipient"),
				cli.HeaderStyle.Render("Product"),
				cli.HeaderStyle.Render("Remaining"),
				cli.HeaderStyle.Render("Period"),
				cli.HeaderStyle.Render("Draft"))

			for _, sub := range subs {
				draftNote := ""
				if row, ok := drafts[sub.ID]; ok {
					if row.Deleted {
						draftNote = cli.ErrorStyle.Render("delete pending")
					} else {
						draftNote = cli.WarningStyle.Render("edited")
					}
					delete(drafts, sub.ID)
				}

				period := sub.StartDate.Format("2006-01-02") + " →"
				if sub.EndDate != nil {
					period += " " + sub.EndDate.Format("2006-01-02")
				}

				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					sub.ID,
					sub.WorkspaceTitle,
					sub.ProductCategoryID.Name,
					balance.ToDisplay(sub.Remaining, sub.ProductType, sub.ChargeType, sub.Unit, true),
					period,
					draftNote)
			}

			// What's left in the map are pending creations.
			ids := make([]string, 0, len(drafts))
			for id := range drafts {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				row := drafts[id]
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					id,
					row.Recipient,
					row.Product,
					row.Amount,
					row.StartDate,
					cli.SuccessStyle.Render("new"))
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&query, "query", "", "free-text search instead of browsing")
	return cmd
}

func setRowCmd() *cobra.Command {
	var (
		rowID       string
		recipient   string
		user        bool
		productType string
		product     string
		allocation  string
		start       string
		end         string
		amount      string
		unit        string
	)

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Stage an edit to a sub-allocation row",
		Long: `Stage an edit in the local draft. With --id the edit targets an existing
sub-allocation; without it a new row is created. Nothing is sent to the
backend until 'suballoc save'.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			store, err := openDraftStore()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			drafts, err := store.Load(ctx)
			if err != nil {
				return err
			}

			row := model.DraftRow{ID: rowID}
			if rowID == "" {
				row.ID = model.SyntheticRowID(model.NewDraftSession(), countSynthetic(drafts)+1)
			} else if existing, ok := drafts[rowID]; ok && !existing.Deleted {
				row = existing
			}

			kind := model.RecipientProject
			if user {
				kind = model.RecipientUser
			}
			row.RecipientKind = kind
			row.Deleted = false
			row.Status = model.RowStatusNone

			applyIfSet(&row.Recipient, recipient)
			applyIfSet(&row.Product, product)
			applyIfSet(&row.AllocationID, allocation)
			applyIfSet(&row.StartDate, start)
			applyIfSet(&row.EndDate, end)
			applyIfSet(&row.Amount, amount)
			if productType != "" {
				row.ProductType = model.ProductType(productType)
			}
			if unit != "" {
				row.Unit = model.ProductUnit(unit)
			}

			if err := store.SetRow(ctx, row); err != nil {
				return err
			}

			fmt.Println(cli.FormatSuccess(fmt.Sprintf("Staged edit for row %s", row.ID)))
			return nil
		},
	}

	cmd.Flags().StringVar(&rowID, "id", "", "existing sub-allocation id (omit to create a new row)")
	cmd.Flags().StringVar(&recipient, "recipient", "", "recipient project title or username")
	cmd.Flags().BoolVar(&user, "user", false, "recipient is a user, not a project")
	cmd.Flags().StringVar(&productType, "product-type", "", "product type (COMPUTE, STORAGE, ...)")
	cmd.Flags().StringVar(&product, "product", "", "product category name")
	cmd.Flags().StringVar(&allocation, "allocation", "", "source allocation id")
	cmd.Flags().StringVar(&start, "start", "", "start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&end, "end", "", "end date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&amount, "amount", "", "amount in display units")
	cmd.Flags().StringVar(&unit, "unit", "", "product unit")

	return cmd
}

func deleteRowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <row-id>",
		Short: "Stage deletion of a sub-allocation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openDraftStore()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			if err := store.MarkDeleted(cmd.Context(), args[0]); err != nil {
				return err
			}

			fmt.Println(cli.FormatSuccess(fmt.Sprintf("Staged deletion of %s", args[0])))
			return nil
		},
	}
}

func dropRowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drop <row-id>",
		Short: "Drop one staged edit from the draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openDraftStore()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			if err := store.Remove(cmd.Context(), args[0]); err != nil {
				return err
			}

			fmt.Println(cli.FormatSuccess(fmt.Sprintf("Dropped draft row %s", args[0])))
			return nil
		},
	}
}

func statusRowsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Validate the draft without saving",
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
			store, err := openDraftStore()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			pipeline := engine.New(client, store, cat)
			result, err := pipeline.Validate(ctx)
			if err != nil {
				return err
			}

			if result.State == engine.StateIdle {
				fmt.Println(cli.SubtleStyle.Render("Draft is empty."))
				return nil
			}

			printRowResults(result)

			if result.State == engine.StateBlocked {
				fmt.Println(cli.FormatWarning("Draft has problems; save is blocked."))
			} else {
				fmt.Println(cli.FormatSuccess("Draft validates cleanly."))
			}
			return nil
		},
	}
}

func printRowResults(result *engine.Result) {
	ids := make([]string, 0, len(result.Rows))
	for id := range result.Rows {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		row := result.Rows[id]
		switch row.Status {
		case model.RowStatusInvalid, model.RowStatusStale:
			fmt.Println(cli.FormatError(id))
		case model.RowStatusWarning:
			fmt.Println(cli.FormatWarning(id))
		case model.RowStatusLoading:
			fmt.Printf("%s %s\n", cli.LoadingIcon, id)
		default:
			fmt.Println(cli.FormatSuccess(id))
		}
		for _, fieldErr := range row.Errors {
			fmt.Printf("    %s: %s\n", fieldErr.Field, fieldErr.Message)
		}
	}
}

func countSynthetic(rows map[string]model.DraftRow) int {
	count := 0
	for id := range rows {
		if model.IsSyntheticRowID(id) {
			count++
		}
	}
	return count
}

func applyIfSet(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}
