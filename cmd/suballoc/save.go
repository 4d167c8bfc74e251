package main

import (
	"fmt"

	"github.com/hferg/suballoc/internal/cli"
	"github.com/hferg/suballoc/internal/engine"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

func saveCmd() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "save",
		Short: "Save the draft through dry-run and commit",
		Long: `Validate every draft row, resolve recipients, dry-run the whole batch
against the backend and, when the dry-run passes in full, commit it. A
failing dry-run is bisected into sub-batches to localize the failing rows;
nothing is committed in that case.`,
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

			config := engine.DefaultConfig()
			config.DryRunOnly = dryRun
			pipeline := engine.NewWithConfig(client, store, cat, config)

			var bar *progressbar.ProgressBar
			pipeline.SetProgress(func(completed, total int) {
				if bar == nil {
					bar = progressbar.NewOptions(total,
						progressbar.OptionSetDescription("Localizing failing rows..."),
						progressbar.OptionSetWidth(40),
						progressbar.OptionShowCount())
				}
				_ = bar.Set(completed)
			})

			result, err := pipeline.Save(ctx)
			if err != nil {
				return err
			}

			switch result.State {
			case engine.StateIdle:
				fmt.Println(cli.SubtleStyle.Render("Draft is empty; nothing to save."))

			case engine.StateBlocked:
				printRowResults(result)
				fmt.Println(cli.FormatWarning("Save blocked; fix the rows above and retry."))

			case engine.StateDryRunPassed:
				fmt.Println(cli.FormatSuccess("Dry-run passed; no changes were committed."))

			case engine.StateFullyCommitted:
				fmt.Println(cli.FormatSuccess("All changes committed; draft cleared."))

			case engine.StatePartiallyReported:
				if bar != nil {
					fmt.Println()
				}
				printBatchReports(result.Reports)
				fmt.Println(cli.FormatWarning("Dry-run rejected; nothing was committed."))
			}

			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "stop after a successful dry-run instead of committing")
	return cmd
}

func printBatchReports(reports []engine.BatchReport) {
	for _, report := range reports {
		if report.Err == nil {
			fmt.Println(cli.FormatSuccess(fmt.Sprintf("batch of %d rows passed", len(report.RowIDs))))
			continue
		}
		fmt.Println(cli.FormatError(fmt.Sprintf("batch of %d rows rejected: %v", len(report.RowIDs), report.Err)))
		for _, id := range report.RowIDs {
			fmt.Printf("    %s\n", id)
		}
	}
}

func discardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discard",
		Short: "Discard the entire draft",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openDraftStore()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			if err := store.Clear(cmd.Context()); err != nil {
				return err
			}

			fmt.Println(cli.FormatSuccess("Draft discarded."))
			return nil
		},
	}
}
