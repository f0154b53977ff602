package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/claimtree/claimtree/internal/collector"
	"github.com/claimtree/claimtree/internal/prune"
)

var worktreeCmd = &cobra.Command{
	Use:   "worktree",
	Short: "Manage per-subdirectory worktrees",
}

var worktreeEnsureCmd = &cobra.Command{
	Use:   "ensure <file-or-key>",
	Short: "Create or heal the worktree for a subdirectory",
	Long: `Ensure a healthy worktree exists for a subdirectory. The argument may
be a file path (resolved to its subdirectory key) or a key itself. A
worktree that fails build validation is archived and recreated from
upstream; its branch, and therefore its pending commits, survive.`,
	Args: cobra.ExactArgs(1),
	RunE: runWorktreeEnsure,
}

var worktreeLockCmd = &cobra.Command{
	Use:   "lock <key>",
	Short: "Lock a subdirectory worktree for an agent",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorktreeLock,
}

var worktreeUnlockCmd = &cobra.Command{
	Use:   "unlock <key>",
	Short: "Release a worktree lock",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorktreeUnlock,
}

var worktreeStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show all worktrees with their pending work",
	RunE:  runWorktreeStatus,
}

var worktreePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove worktrees whose work has landed",
	Long: `Remove worktrees that have no pending commits, no uncommitted
changes, and no live lock. --force overrides those protections; --max-age
keeps anything with recent activity regardless.`,
	RunE: runWorktreePrune,
}

var worktreeCollectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Gather pending worktree commits onto a batch branch",
	Long: `Sweep every worktree in deterministic order and cherry-pick its
pending commits onto a fresh batch branch cut from upstream. A commit that
conflicts is aborted and recorded; the rest of that worktree is skipped
and the sweep continues, so one bad commit never blocks the batch.`,
	RunE: runWorktreeCollect,
}

func init() {
	rootCmd.AddCommand(worktreeCmd)
	worktreeCmd.AddCommand(worktreeEnsureCmd)
	worktreeCmd.AddCommand(worktreeLockCmd)
	worktreeCmd.AddCommand(worktreeUnlockCmd)
	worktreeCmd.AddCommand(worktreeStatusCmd)
	worktreeCmd.AddCommand(worktreePruneCmd)
	worktreeCmd.AddCommand(worktreeCollectCmd)

	worktreeLockCmd.Flags().String("agent", "", "agent id taking the lock")
	worktreeUnlockCmd.Flags().String("agent", "", "agent id releasing the lock")
	worktreeStatusCmd.Flags().Bool("json", false, "print workspaces as JSON")

	worktreePruneCmd.Flags().Bool("dry-run", false, "show the plan without removing anything")
	worktreePruneCmd.Flags().Bool("force", false, "remove even with pending or dirty work")
	worktreePruneCmd.Flags().Duration("max-age", 0, "keep worktrees with activity within this window")
	worktreePruneCmd.Flags().String("agent", "", "agent id recorded in the audit trail")

	worktreeCollectCmd.Flags().Bool("dry-run", false, "show what would be collected")
	worktreeCollectCmd.Flags().Bool("create-pr", false, "push and open a pull request")
	worktreeCollectCmd.Flags().Bool("push", false, "push the batch branch")
	worktreeCollectCmd.Flags().String("branch", "", "explicit batch branch name")
}

func runWorktreeEnsure(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	key := args[0]
	if strings.ContainsAny(key, "/\\.") {
		key = a.manager.ResolveKey(key)
	}
	w, err := a.manager.Ensure(cmd.Context(), key)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s on %s\n", key, w.Path, w.Branch)
	return nil
}

func runWorktreeLock(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	agent, err := requireAgent(cmd)
	if err != nil {
		return err
	}
	if err := a.manager.Lock(cmd.Context(), args[0], agent); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "locked %s for %s\n", args[0], agent)
	return nil
}

func runWorktreeUnlock(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	agent, err := requireAgent(cmd)
	if err != nil {
		return err
	}
	if err := a.manager.Unlock(cmd.Context(), args[0], agent); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "unlocked %s\n", args[0])
	return nil
}

func runWorktreeStatus(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	statuses, err := a.manager.Status(cmd.Context())
	if err != nil {
		return err
	}
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return printJSON(cmd, statuses)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tBRANCH\tPENDING\tDIRTY\tLOCK\tHEALTH")
	for _, ws := range statuses {
		dirty := ""
		if ws.Dirty {
			dirty = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
			ws.SubdirKey, ws.Branch, ws.PendingCommits, dirty, ws.LockHolder, ws.Health)
	}
	return w.Flush()
}

func runWorktreePrune(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	dryRun, _ := cmd.Flags().GetBool("dry-run")
	force, _ := cmd.Flags().GetBool("force")
	maxAge, _ := cmd.Flags().GetDuration("max-age")
	agent, _ := cmd.Flags().GetString("agent")
	if agent == "" {
		agent = "prune"
	}
	opts := prune.Options{Force: force, MaxAge: maxAge}
	pruner := prune.New(a.manager, a.store, a.logger)
	out := cmd.OutOrStdout()

	if dryRun {
		candidates, err := pruner.Plan(cmd.Context(), opts)
		if err != nil {
			return err
		}
		for _, c := range candidates {
			if c.Removable {
				fmt.Fprintf(out, "would remove %s\n", c.Workspace.SubdirKey)
			} else {
				fmt.Fprintf(out, "keeping %s: %s\n", c.Workspace.SubdirKey, c.Reason)
			}
		}
		return nil
	}

	removed, err := pruner.Execute(cmd.Context(), opts, agent)
	if err != nil {
		return err
	}
	for _, c := range removed {
		fmt.Fprintf(out, "removed %s\n", c.Workspace.SubdirKey)
	}
	fmt.Fprintf(out, "%d worktrees removed\n", len(removed))
	return nil
}

func runWorktreeCollect(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	dryRun, _ := cmd.Flags().GetBool("dry-run")
	createPR, _ := cmd.Flags().GetBool("create-pr")
	push, _ := cmd.Flags().GetBool("push")
	branch, _ := cmd.Flags().GetString("branch")
	out := cmd.OutOrStdout()

	c := collector.New(a.git, a.manager, a.store, a.github, a.cfg.Collect, a.logger)

	if dryRun {
		plan, err := c.DryRun(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "would collect %d commits onto %s\n", plan.Total(), plan.Branch)
		for _, ws := range plan.Workspaces {
			fmt.Fprintf(out, "  %s (%d commits)\n", ws.SubdirKey, len(ws.Commits))
			for _, commit := range ws.Commits {
				fmt.Fprintf(out, "    %s %s\n", commit.SHA[:8], commit.Subject)
			}
		}
		return nil
	}

	start := time.Now()
	result, err := c.Collect(cmd.Context(), collector.Options{
		BranchName: branch,
		CreatePR:   createPR,
		Push:       push,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "batch %s: %d applied, %d conflicted, %d skipped (%s)\n",
		result.Batch.Branch, result.Applied, result.Conflicted, result.Skipped,
		time.Since(start).Round(time.Millisecond))
	if result.PRURL != "" {
		fmt.Fprintf(out, "pull request: %s\n", result.PRURL)
	}
	return nil
}
