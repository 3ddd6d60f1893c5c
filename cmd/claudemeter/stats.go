package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/claudemeter/claudemeter/internal/config"
	"github.com/claudemeter/claudemeter/internal/core"
	"github.com/claudemeter/claudemeter/internal/logging"
)

func newStatsCommand(cfg config.Config) *cobra.Command {
	var (
		from    string
		to      string
		days    int
		project string
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print aggregated usage statistics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if asJSON {
				logging.Silence()
			}
			r, err := resolveRange(from, to, days, cfg.Location())
			if err != nil {
				return err
			}

			eng, st, err := buildEngine(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			stats, err := eng.GetStatistics(cmd.Context(), r, project)
			if err != nil {
				return fmt.Errorf("querying statistics: %w", err)
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(stats)
			}
			printStatistics(stats)
			return nil
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "start date (inclusive), YYYY-MM-DD")
	cmd.Flags().StringVar(&to, "to", "", "end date (exclusive), YYYY-MM-DD")
	cmd.Flags().IntVar(&days, "days", 0, "look back this many days (alternative to --from/--to)")
	cmd.Flags().StringVar(&project, "project", "", "filter to a single project path")
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit JSON instead of a table")

	return cmd
}

// resolveRange turns the --from/--to/--days flags into a half-open date range.
// With no flags set the range is open and all stored entries count.
func resolveRange(from, to string, days int, loc *time.Location) (core.DateRange, error) {
	if days > 0 {
		if from != "" || to != "" {
			return core.DateRange{}, fmt.Errorf("--days cannot be combined with --from/--to")
		}
		return core.RangeForDays(days, loc), nil
	}

	var r core.DateRange
	if from != "" {
		t, err := time.ParseInLocation("2006-01-02", from, loc)
		if err != nil {
			return core.DateRange{}, fmt.Errorf("parsing --from: %w", err)
		}
		r.Start = t
	}
	if to != "" {
		t, err := time.ParseInLocation("2006-01-02", to, loc)
		if err != nil {
			return core.DateRange{}, fmt.Errorf("parsing --to: %w", err)
		}
		// --to is a date, make it exclusive of the following midnight.
		r.End = t.AddDate(0, 0, 1)
	}
	if !r.Start.IsZero() && !r.End.IsZero() && !r.End.After(r.Start) {
		return core.DateRange{}, fmt.Errorf("--to must be after --from")
	}
	return r, nil
}

func printStatistics(s core.Statistics) {
	fmt.Printf("Tokens:   %s in / %s out / %s cache write / %s cache read\n",
		formatCount(s.Tokens.InputTokens),
		formatCount(s.Tokens.OutputTokens),
		formatCount(s.Tokens.CacheCreationTokens),
		formatCount(s.Tokens.CacheReadTokens),
	)
	fmt.Printf("Cost:     $%.2f total, $%.4f avg per request\n", s.CostUSD, s.AverageCostPerRequest())
	fmt.Printf("Activity: %d sessions, %d requests, %d entries\n", s.TotalSessions, s.TotalRequests, s.TotalEntries)
	if s.DuplicateEntries > 0 || s.SkippedLines > 0 {
		fmt.Printf("Ingest:   %d duplicates removed, %d lines skipped\n", s.DuplicateEntries, s.SkippedLines)
	}

	if len(s.Daily) > 0 {
		fmt.Println()
		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "DATE\tTOKENS\tCOST\tSESSIONS\tREQUESTS")
		for _, d := range s.Daily {
			fmt.Fprintf(w, "%s\t%s\t$%.2f\t%d\t%d\n",
				d.Date, formatCount(d.Tokens.Total()), d.CostUSD, d.SessionCount, d.RequestCount)
		}
		w.Flush()
	}

	if len(s.Models) > 0 {
		fmt.Println()
		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "MODEL\tTOKENS\tCOST\tREQUESTS")
		for _, m := range s.Models {
			fmt.Fprintf(w, "%s\t%s\t$%.2f\t%d\n",
				m.Model, formatCount(m.Tokens.Total()), m.CostUSD, m.RequestCount)
		}
		w.Flush()
	}

	if len(s.Projects) > 0 {
		fmt.Println()
		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PROJECT\tTOKENS\tCOST\tSESSIONS")
		for _, p := range s.Projects {
			fmt.Fprintf(w, "%s\t%s\t$%.2f\t%d\n",
				p.ProjectPath, formatCount(p.Tokens.Total()), p.CostUSD, p.SessionCount)
		}
		w.Flush()
	}
}

func formatCount(n int64) string {
	switch {
	case n >= 1_000_000_000:
		return fmt.Sprintf("%.1fB", float64(n)/1e9)
	case n >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(n)/1e6)
	case n >= 1_000:
		return fmt.Sprintf("%.1fK", float64(n)/1e3)
	default:
		return fmt.Sprintf("%d", n)
	}
}
