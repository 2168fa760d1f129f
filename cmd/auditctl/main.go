// auditctl inspects and maintains the lynkr audit trail: read entries with
// filters, verify that every $ref resolves, and compact the dictionary.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lynkr/lynkr/internal/infrastructure/audit"
)

func main() {
	var logPath, dictPath string

	root := &cobra.Command{
		Use:           "auditctl",
		Short:         "Inspect and maintain the lynkr audit trail",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&logPath, "log", "lynkr-audit.jsonl", "audit log path")
	root.PersistentFlags().StringVar(&dictPath, "dictionary", "lynkr-dictionary.jsonl", "content dictionary path")

	root.AddCommand(readCommand(&logPath, &dictPath))
	root.AddCommand(verifyCommand(&logPath, &dictPath))
	root.AddCommand(compactCommand(&dictPath))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func readCommand(logPath, dictPath *string) *cobra.Command {
	var (
		full          bool
		stats         bool
		last          int
		correlationID string
		filters       []string
	)
	cmd := &cobra.Command{
		Use:   "read",
		Short: "Print audit entries as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stats {
				return printStats(*logPath)
			}

			reader, err := audit.OpenReader(*dictPath, 256)
			if err != nil {
				return err
			}
			opts := audit.ReadOptions{
				Full:          full,
				CorrelationID: correlationID,
				Last:          last,
				Filters:       map[string]string{},
			}
			for _, f := range filters {
				key, value, ok := strings.Cut(f, "=")
				if !ok {
					return fmt.Errorf("bad --filter %q, want key=value", f)
				}
				opts.Filters[key] = value
			}

			entries, err := reader.Read(*logPath, opts)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, entry := range entries {
				if err := enc.Encode(entry); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "resolve $ref entries through the dictionary")
	cmd.Flags().BoolVar(&stats, "stats", false, "print aggregate counters instead of entries")
	cmd.Flags().IntVar(&last, "last", 0, "only the newest N entries")
	cmd.Flags().StringVar(&correlationID, "correlation-id", "", "only entries with this correlation id")
	cmd.Flags().StringArrayVar(&filters, "filter", nil, "key=value equality filter, repeatable")
	return cmd
}

func printStats(logPath string) error {
	stats, err := audit.ComputeStats(logPath)
	if err != nil {
		return err
	}
	fmt.Printf("entries:    %d\n", stats.Entries)
	fmt.Printf("errors:     %d\n", stats.Errors)
	fmt.Printf("references: %d\n", stats.References)

	providers := make([]string, 0, len(stats.Providers))
	for p := range stats.Providers {
		providers = append(providers, p)
	}
	sort.Strings(providers)
	for _, p := range providers {
		fmt.Printf("provider %-12s %d\n", p, stats.Providers[p])
	}
	return nil
}

func verifyCommand(logPath, dictPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check that every reference in the log resolves",
		RunE: func(cmd *cobra.Command, args []string) error {
			reader, err := audit.OpenReader(*dictPath, 256)
			if err != nil {
				return err
			}
			report, err := reader.Verify(*logPath)
			if err != nil {
				return err
			}
			fmt.Printf("entries: %d, references: %d, unresolved: %d\n",
				report.Entries, report.References, len(report.Unresolved))
			if len(report.Unresolved) > 0 {
				for _, hash := range report.Unresolved {
					fmt.Fprintf(os.Stderr, "unresolved: %s\n", hash)
				}
				return fmt.Errorf("%d unresolved references", len(report.Unresolved))
			}
			return nil
		},
	}
}

func compactCommand(dictPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Collapse per-hash update lines into canonical entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			removed, err := audit.Compact(*dictPath)
			if err != nil {
				return err
			}
			fmt.Printf("removed %d redundant lines\n", removed)
			return nil
		},
	}
}
