package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/claimtree/claimtree/internal/store"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Record and inspect unit lifecycle state",
}

var stateRecordCmd = &cobra.Command{
	Use:   "record <unit-id> <status>",
	Short: "Record a lifecycle transition",
	Long: `Record a unit's transition to a new lifecycle state. The lifecycle
only moves forward (unclaimed, claimed, in_progress, matched, committed,
in_review, merged); abandoned is reachable from any non-terminal state.
--force overrides the ordering for manual repair work.`,
	Args: cobra.ExactArgs(2),
	RunE: runStateRecord,
}

var stateQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "List units matching filters",
	RunE:  runStateQuery,
}

var stateAgentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Summarize per-agent claims, locks, and units",
	RunE:  runStateAgents,
}

var stateStaleCmd = &cobra.Command{
	Use:   "stale",
	Short: "List non-terminal units with no recent activity",
	RunE:  runStateStale,
}

var stateValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Reconcile the database against git and GitHub",
	Long: `Compare stored state against what actually exists: worktree
directories, branches, pending-commit counts, claims on finished units,
and pull request states. --fix repairs the drift that can be repaired
safely; the rest is reported.`,
	RunE: runStateValidate,
}

func init() {
	rootCmd.AddCommand(stateCmd)
	stateCmd.AddCommand(stateRecordCmd)
	stateCmd.AddCommand(stateQueryCmd)
	stateCmd.AddCommand(stateAgentsCmd)
	stateCmd.AddCommand(stateStaleCmd)
	stateCmd.AddCommand(stateValidateCmd)

	stateRecordCmd.Flags().String("agent", "", "agent id making the transition")
	stateRecordCmd.Flags().Bool("force", false, "allow backward or out-of-terminal transitions")
	stateRecordCmd.Flags().String("note", "", "free-form audit note")
	stateRecordCmd.Flags().String("scratch", "", "scratch ref holding the work")
	stateRecordCmd.Flags().Float64("match", 0, "match percentage achieved")
	stateRecordCmd.Flags().String("commit", "", "commit SHA for the unit")
	stateRecordCmd.Flags().String("pr", "", "pull request URL for the unit")

	stateQueryCmd.Flags().StringSlice("status", nil, "lifecycle states to include")
	stateQueryCmd.Flags().String("agent", "", "units owned by this agent")
	stateQueryCmd.Flags().String("subdir", "", "units in this subdirectory key")
	stateQueryCmd.Flags().Duration("stale", 0, "units idle for at least this long")
	stateQueryCmd.Flags().Bool("json", false, "print units as JSON")

	stateStaleCmd.Flags().Int("days", 7, "inactivity threshold in days")

	stateValidateCmd.Flags().Bool("fix", false, "repair drift where safe")
	stateValidateCmd.Flags().Bool("skip-pr", false, "skip pull request state checks")
}

func runStateRecord(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	unitID, status := args[0], store.Status(args[1])
	agent, _ := cmd.Flags().GetString("agent")
	force, _ := cmd.Flags().GetBool("force")
	note, _ := cmd.Flags().GetString("note")
	scratch, _ := cmd.Flags().GetString("scratch")
	match, _ := cmd.Flags().GetFloat64("match")
	commit, _ := cmd.Flags().GetString("commit")
	pr, _ := cmd.Flags().GetString("pr")

	u, err := a.store.RecordTransition(cmd.Context(), unitID, status, agent, store.TransitionMeta{
		Note:         note,
		ScratchRef:   scratch,
		MatchPercent: match,
		CommitSHA:    commit,
		PRURL:        pr,
	}, force)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", u.ID, u.Status)
	return nil
}

func runStateQuery(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	statusNames, _ := cmd.Flags().GetStringSlice("status")
	agent, _ := cmd.Flags().GetString("agent")
	subdir, _ := cmd.Flags().GetString("subdir")
	stale, _ := cmd.Flags().GetDuration("stale")

	filter := store.Filter{Agent: agent, SubdirKey: subdir, StaleFor: stale}
	for _, name := range statusNames {
		status := store.Status(name)
		if !status.Valid() {
			return fmt.Errorf("unknown state %q", name)
		}
		filter.Statuses = append(filter.Statuses, status)
	}

	units, err := a.store.Query(cmd.Context(), filter)
	if err != nil {
		return err
	}
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return printJSON(cmd, units)
	}
	return printUnits(cmd, units)
}

func printUnits(cmd *cobra.Command, units []store.UnitOfWork) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "UNIT\tSTATUS\tOWNER\tSUBDIR\tMATCH\tUPDATED")
	for _, u := range units {
		match := ""
		if u.MatchPercent > 0 {
			match = fmt.Sprintf("%.1f%%", u.MatchPercent)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			u.ID, u.Status, u.Owner, u.SubdirKey, match,
			u.UpdatedAt.Local().Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func runStateAgents(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	summaries, err := a.store.AgentSummaries(cmd.Context())
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "AGENT\tCLAIMS\tLOCKS\tUNITS")
	for _, s := range summaries {
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\n",
			s.AgentID, s.ActiveClaims, s.HeldLocks, formatUnitCounts(s.UnitsByState))
	}
	return w.Flush()
}

func formatUnitCounts(counts map[store.Status]int) string {
	out := ""
	for _, status := range store.AllStatuses() {
		if n := counts[status]; n > 0 {
			if out != "" {
				out += " "
			}
			out += fmt.Sprintf("%d %s", n, status)
		}
	}
	return out
}

func runStateStale(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	days, _ := cmd.Flags().GetInt("days")
	units, err := a.store.Query(cmd.Context(), store.Filter{
		Statuses: []store.Status{
			store.StatusClaimed, store.StatusInProgress,
			store.StatusMatched, store.StatusCommitted, store.StatusInReview,
		},
		StaleFor: time.Duration(days) * 24 * time.Hour,
	})
	if err != nil {
		return err
	}
	if len(units) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no stale units")
		return nil
	}
	return printUnits(cmd, units)
}

func runStateValidate(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	fix, _ := cmd.Flags().GetBool("fix")
	skipPR, _ := cmd.Flags().GetBool("skip-pr")

	var prs store.PRChecker
	if !skipPR {
		prs = a.github
	}
	report, err := a.store.Validate(cmd.Context(), a.manager, prs, fix)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if report.Clean() {
		fmt.Fprintln(out, "state is consistent")
		return nil
	}
	for _, issue := range report.Issues {
		marker := " "
		if issue.Fixed {
			marker = "fixed"
		}
		fmt.Fprintf(out, "[%s] %s %s: %s\n", marker, issue.Kind, issue.Subject, issue.Detail)
	}
	fmt.Fprintf(out, "%d issues\n", len(report.Issues))
	return nil
}
