package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/caspianwatch/caspianwatch/internal/config"
	"github.com/caspianwatch/caspianwatch/internal/storage"
	"github.com/caspianwatch/caspianwatch/internal/timeparsing"
	"github.com/caspianwatch/caspianwatch/internal/types"
	"github.com/caspianwatch/caspianwatch/internal/ui"
)

var reportsCmd = &cobra.Command{
	Use:     "reports",
	Aliases: []string{"pollutions"},
	Short:   "Inspect pollution reports",
	GroupID: GroupData,
}

var reportsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List reports, newest first",
	Long: `List reports, newest first.

--since accepts compact durations (7d means seven days ago), dates
(2025-05-01, 01.05.2025), RFC3339 timestamps and English phrases such as
"3 days ago" or "last monday".`,
	Example: `  cw reports list --state open
  cw reports list --since 2w --type "Нефтяные отходы"
  cw reports list --assigned-to volunteer1 --json`,
	RunE: runReportsList,
}

var reportsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(strings.TrimPrefix(args[0], "#"), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid report id %q", args[0])
		}
		return withStore(func(ctx context.Context, s *config.Settings, st storage.Storage) error {
			r, err := st.GetReport(ctx, id)
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(cmd.OutOrStdout(), r)
			}
			printReport(cmd, r, s.Server.BaseURL)
			return nil
		})
	},
}

// reportListOptions are the parsed list flags.
type reportListOptions struct {
	state      types.State
	since      *time.Time
	assignedTo string
	category   string
	limit      int
	noPager    bool
}

func parseReportListFlags(cmd *cobra.Command, now time.Time) (reportListOptions, error) {
	var o reportListOptions
	state, _ := cmd.Flags().GetString("state")
	switch types.State(state) {
	case "", types.StateOpen, types.StateAssigned, types.StatePendingApproval, types.StateApproved:
		o.state = types.State(state)
	default:
		return o, fmt.Errorf("invalid --state %q (valid: open, assigned, pending_approval, approved)", state)
	}
	if since, _ := cmd.Flags().GetString("since"); since != "" {
		t, err := timeparsing.ParseSince(since, now)
		if err != nil {
			return o, err
		}
		o.since = &t
	}
	o.assignedTo, _ = cmd.Flags().GetString("assigned-to")
	o.category, _ = cmd.Flags().GetString("type")
	o.limit, _ = cmd.Flags().GetInt("limit")
	o.noPager, _ = cmd.Flags().GetBool("no-pager")
	if o.limit < 0 {
		return o, fmt.Errorf("--limit must not be negative")
	}
	return o, nil
}

func runReportsList(cmd *cobra.Command, args []string) error {
	opts, err := parseReportListFlags(cmd, time.Now())
	if err != nil {
		return err
	}
	return withStore(func(ctx context.Context, _ *config.Settings, st storage.Storage) error {
		reports, err := listReports(ctx, st, opts)
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(cmd.OutOrStdout(), reports)
		}
		if len(reports) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), ui.RenderMuted("No reports found."))
			return nil
		}
		out := ui.ReportTable(reports) + ui.RenderMuted(fmt.Sprintf("%d report(s)", len(reports))) + "\n"
		return ui.ToPager(cmd.OutOrStdout(), out, ui.PagerOptions{NoPager: opts.noPager})
	})
}

// listReports applies opts. The state filter runs after the query since
// state is derived from several columns.
func listReports(ctx context.Context, st storage.Storage, opts reportListOptions) ([]*types.Report, error) {
	var filter types.ReportFilter
	filter.CreatedAfter = opts.since
	if opts.state == types.StateOpen || opts.state == types.StateAssigned {
		filter.ExcludeCompleted = true
	}
	if opts.assignedTo != "" {
		id, err := resolveIdentity(ctx, st, opts.assignedTo)
		if err != nil {
			return nil, err
		}
		filter.AssignedTo = &id.ID
	}
	if opts.category != "" {
		cat, err := st.GetCategoryByName(ctx, opts.category)
		if err != nil {
			return nil, fmt.Errorf("pollution type %q: %w", opts.category, err)
		}
		filter.CategoryID = &cat.ID
	}
	if opts.state == "" {
		filter.Limit = opts.limit
	}

	reports, err := st.ListReports(ctx, filter)
	if err != nil {
		return nil, err
	}
	if opts.state == "" {
		return reports, nil
	}
	out := reports[:0]
	for _, r := range reports {
		if r.State() == opts.state {
			out = append(out, r)
			if opts.limit > 0 && len(out) == opts.limit {
				break
			}
		}
	}
	return out, nil
}

func printReport(cmd *cobra.Command, r *types.Report, baseURL string) {
	w := cmd.OutOrStdout()
	category := "-"
	if r.Category != nil {
		category = r.Category.Name
	}
	fmt.Fprintf(w, "%s %s\n", ui.RenderAccent(fmt.Sprintf("#%d", r.ID)), ui.RenderState(r.State()))
	fmt.Fprintln(w, ui.RenderSeparator())
	fmt.Fprintf(w, "Type:        %s\n", category)
	fmt.Fprintf(w, "Created:     %s\n", r.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "Location:    %.6f, %.6f\n", r.Latitude, r.Longitude)
	if r.ReportedBy != nil {
		fmt.Fprintf(w, "Reported by: #%d\n", *r.ReportedBy)
	} else {
		fmt.Fprintf(w, "Reported by: %s\n", ui.RenderMuted("anonymous"))
	}
	if r.PhoneNumber != "" {
		fmt.Fprintf(w, "Phone:       %s\n", r.PhoneNumber)
	}
	if len(r.AssignedTo) > 0 {
		ids := make([]string, len(r.AssignedTo))
		for i, id := range r.AssignedTo {
			ids[i] = "#" + strconv.FormatInt(id, 10)
		}
		fmt.Fprintf(w, "Assigned:    %s\n", strings.Join(ids, ", "))
	}
	if r.CompletedBy != nil {
		fmt.Fprintf(w, "Completed:   #%d\n", *r.CompletedBy)
	}
	base := strings.TrimRight(baseURL, "/")
	if r.Image != "" {
		fmt.Fprintf(w, "Photo:       %s/media/%s\n", base, r.Image)
	}
	if r.CompletionImage != "" {
		fmt.Fprintf(w, "Result:      %s/media/%s\n", base, r.CompletionImage)
	}
	if r.Description != "" {
		fmt.Fprintf(w, "\n%s\n", r.Description)
	}
}

func init() {
	reportsListCmd.Flags().String("state", "", "Filter by state: open, assigned, pending_approval, approved")
	reportsListCmd.Flags().String("since", "", "Only reports created after this time (e.g. 7d, 2025-05-01, \"3 days ago\")")
	reportsListCmd.Flags().String("assigned-to", "", "Only reports assigned to this username")
	reportsListCmd.Flags().String("type", "", "Only reports of this pollution type")
	reportsListCmd.Flags().IntP("limit", "n", 50, "Maximum number of reports (0 for all)")
	reportsListCmd.Flags().Bool("no-pager", false, "Do not pipe output through a pager")

	reportsCmd.AddCommand(reportsListCmd, reportsShowCmd)
	rootCmd.AddCommand(reportsCmd)
}
