package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tobyfield/feedbridge/internal/config"
	"github.com/tobyfield/feedbridge/internal/crm"
	"github.com/tobyfield/feedbridge/internal/db"
	"github.com/tobyfield/feedbridge/internal/egress"
	"github.com/tobyfield/feedbridge/internal/ingest"
	"github.com/tobyfield/feedbridge/internal/logging"
	"github.com/tobyfield/feedbridge/internal/store"
	"github.com/tobyfield/feedbridge/internal/syncrun"
)

var (
	version    = "dev"
	commit     = "none"
	buildDate  = "unknown"
	jsonOutput bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "feedbridge",
		Short: "Batch bridge from delimited datasets to a CRM",
		Long: `Feedbridge streams large delimited datasets into a local store,
then republishes the stored records to a CRM endpoint in
provider-sized batches with bounded retry on throttling.`,
	}

	rootCmd.PersistentFlags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")

	// version command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Run: func(cmd *cobra.Command, args []string) {
			if jsonOutput {
				printJSON(map[string]string{
					"version": version,
					"commit":  commit,
					"date":    buildDate,
				})
			} else {
				fmt.Printf("feedbridge %s (%s, %s)\n", version, commit, buildDate)
			}
		},
	})

	// init command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Initialize feedbridge config and database",
		RunE: func(cmd *cobra.Command, args []string) error {
			configDir, err := config.GetConfigDir()
			if err != nil {
				return err
			}
			dataDir, err := config.GetDataDir()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(configDir, 0755); err != nil {
				return fmt.Errorf("failed to create config directory: %w", err)
			}
			if err := os.MkdirAll(dataDir, 0755); err != nil {
				return fmt.Errorf("failed to create data directory: %w", err)
			}
			if err := db.Init(); err != nil {
				return err
			}
			dbPath, err := db.GetPath()
			if err != nil {
				return err
			}
			if jsonOutput {
				printJSON(map[string]string{
					"config_dir": configDir,
					"data_dir":   dataDir,
					"db_path":    dbPath,
				})
			} else {
				fmt.Printf("Initialized.\n  config: %s\n  data:   %s\n  db:     %s\n", configDir, dataDir, dbPath)
			}
			return nil
		},
	})

	// ingest command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "ingest <file.csv>",
		Short: "Stream a CSV dataset into the store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log := logging.NewConsole(cfg.Log.Level)

			d, err := db.Open()
			if err != nil {
				return err
			}
			defer d.Close()

			runID, err := syncrun.Start(d, syncrun.KindIngest)
			if err != nil {
				return err
			}

			res, err := ingest.RunFile(cmd.Context(), store.New(d), args[0], ingest.Options{
				NameColumn: cfg.Ingest.NameColumn,
				SexColumn:  cfg.Ingest.SexColumn,
				BatchSize:  cfg.Ingest.BatchSize,
			}, log)
			if err != nil {
				_ = syncrun.FinishError(d, runID, err)
				return err
			}
			if err := syncrun.FinishSuccess(d, runID, res); err != nil {
				return err
			}

			if jsonOutput {
				printJSON(res)
			} else {
				fmt.Printf("Read %d rows in %s: %d inserted, %d duplicates, %d skipped",
					res.RowsRead, res.Duration.Round(time.Millisecond), res.Inserted, res.Duplicates, res.RowsSkipped)
				if n := res.FailedRecords(); n > 0 {
					fmt.Printf(", %d lost to %d failed batches", n, len(res.Failed))
				}
				fmt.Println()
			}
			if len(res.Failed) > 0 {
				return fmt.Errorf("%d batches failed to write", len(res.Failed))
			}
			return nil
		},
	})

	// push command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "push",
		Short: "Republish stored records to the CRM endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.CRM.AccessToken == "" {
				return fmt.Errorf("crm.access_token is not configured")
			}
			log := logging.NewConsole(cfg.Log.Level)

			d, err := db.Open()
			if err != nil {
				return err
			}
			defer d.Close()

			runID, err := syncrun.Start(d, syncrun.KindPush)
			if err != nil {
				return err
			}

			client := crm.NewClient(cfg.CRM.BaseURL, cfg.CRM.AccessToken, log)
			client.SetRequestsPerSecond(cfg.CRM.RequestsPerSecond)

			runner := egress.NewRunner(store.New(d), client, egress.Options{
				PageSize:  cfg.Egress.PageSize,
				Cap:       cfg.Egress.Cap,
				BatchSize: cfg.Egress.BatchSize,
			}, log)
			runner.SetProgressFunc(func(r egress.Result) {
				_ = syncrun.Update(d, runID, r)
			})

			res, err := runner.Run(cmd.Context())
			if err != nil {
				_ = syncrun.FinishError(d, runID, err)
				return err
			}
			if err := syncrun.FinishSuccess(d, runID, res); err != nil {
				return err
			}

			if jsonOutput {
				printJSON(res)
			} else {
				fmt.Printf("Delivered %d records in %d batches (%d pages, %s)\n",
					res.Delivered, res.Batches, res.Pages, res.Duration.Round(time.Millisecond))
			}
			return nil
		},
	})

	// status command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show store contents and recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := db.Open()
			if err != nil {
				return err
			}
			defer d.Close()

			count, err := store.New(d).Count(cmd.Context())
			if err != nil {
				return err
			}
			runs, err := syncrun.List(d, 10)
			if err != nil {
				return err
			}

			if jsonOutput {
				printJSON(map[string]any{
					"records": count,
					"runs":    runs,
				})
				return nil
			}

			fmt.Printf("Records in store: %d\n", count)
			if len(runs) == 0 {
				fmt.Println("No runs recorded.")
				return nil
			}
			fmt.Println("Recent runs:")
			for _, r := range runs {
				line := fmt.Sprintf("  %s  %-6s  %-9s", r.RunID[:8], r.Kind, r.Status)
				if r.LastError != nil {
					line += "  " + *r.LastError
				}
				fmt.Println(line)
			}
			return nil
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printJSON(v interface{}) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}
