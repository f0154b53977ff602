package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/claimtree/claimtree/internal/claim"
	"github.com/claimtree/claimtree/internal/errors"
	"github.com/claimtree/claimtree/internal/store"
)

var claimCmd = &cobra.Command{
	Use:   "claim",
	Short: "Acquire, release, and list unit claims",
}

var claimAddCmd = &cobra.Command{
	Use:   "add <unit-id>",
	Short: "Claim a unit of work",
	Long: `Claim a unit of work for an agent. The claim expires after its TTL
unless refreshed by claiming again.

With --file, the unit's subdirectory key is resolved from the path, the
matching worktree is created (or healed) and locked, and the unit is
recorded as claimed: the full pickup flow in one command. If any later
step fails, the claim is rolled back.`,
	Args: cobra.ExactArgs(1),
	RunE: runClaimAdd,
}

var claimReleaseCmd = &cobra.Command{
	Use:   "release <unit-id>",
	Short: "Release a claim",
	Args:  cobra.ExactArgs(1),
	RunE:  runClaimRelease,
}

var claimListCmd = &cobra.Command{
	Use:   "list",
	Short: "List live claims",
	RunE:  runClaimList,
}

func init() {
	rootCmd.AddCommand(claimCmd)
	claimCmd.AddCommand(claimAddCmd)
	claimCmd.AddCommand(claimReleaseCmd)
	claimCmd.AddCommand(claimListCmd)

	claimAddCmd.Flags().String("agent", "", "agent id acquiring the claim")
	claimAddCmd.Flags().String("file", "", "file path the unit lives in; enables worktree setup")
	claimAddCmd.Flags().Duration("ttl", 0, "claim TTL override (e.g. 45m)")
	claimAddCmd.Flags().Bool("json", false, "print the claim as JSON")

	claimReleaseCmd.Flags().String("agent", "", "agent id releasing the claim")

	claimListCmd.Flags().String("agent", "", "only this agent's claims")
	claimListCmd.Flags().Bool("json", false, "print claims as JSON")
}

func runClaimAdd(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	unitID := args[0]
	agent, err := requireAgent(cmd)
	if err != nil {
		return err
	}
	file, _ := cmd.Flags().GetString("file")
	ttl, _ := cmd.Flags().GetDuration("ttl")
	asJSON, _ := cmd.Flags().GetBool("json")
	ctx := cmd.Context()

	c, workspace, err := pickup(ctx, a, unitID, agent, file, ttl)
	if err != nil {
		return err
	}

	if asJSON {
		return printJSON(cmd, map[string]any{
			"claim":     c,
			"workspace": workspace,
		})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "claimed %s for %s until %s\n",
		unitID, agent, c.ExpiresAt.Local().Format(time.RFC3339))
	if workspace.Path != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "worktree %s on %s\n", workspace.Path, workspace.Branch)
	}
	return nil
}

// pickup runs the full claim-add flow: claim, worktree setup when a file
// path is given, and the claimed transition. A claim created by this call
// is released again when a later step fails; a refreshed claim the agent
// already held is never rolled back. Units already past claimed keep
// their state, so a mid-work TTL refresh is safe.
func pickup(ctx context.Context, a *app, unitID, agent, file string, ttl time.Duration) (store.Claim, store.Workspace, error) {
	var workspace store.Workspace

	fresh := true
	if existing, err := a.registry.Get(ctx, unitID); err == nil {
		fresh = existing.AgentID != agent
	} else if !errors.IsNotFound(err) {
		return store.Claim{}, workspace, err
	}

	opts := claim.Options{TTL: ttl}
	if file != "" {
		opts.SubdirKey = a.manager.ResolveKey(file)
	}
	c, err := a.registry.Add(ctx, unitID, agent, opts)
	if err != nil {
		return store.Claim{}, workspace, err
	}
	rollback := func(cause error) error {
		if !fresh {
			return cause
		}
		if releaseErr := a.registry.Release(ctx, unitID, agent); releaseErr != nil {
			a.logger.Error("claim rollback failed", "unit", unitID, "error", releaseErr)
		}
		return cause
	}

	if file != "" {
		if err := a.store.UpsertUnit(ctx, unitID, file, opts.SubdirKey); err != nil {
			return c, workspace, rollback(err)
		}
		workspace, err = a.manager.Ensure(ctx, opts.SubdirKey)
		if err != nil {
			return c, workspace, rollback(err)
		}
		if err := a.manager.Lock(ctx, opts.SubdirKey, agent); err != nil {
			return c, workspace, rollback(err)
		}
	}
	if _, err := a.store.RecordTransition(ctx, unitID, store.StatusClaimed, agent,
		store.TransitionMeta{Note: "claimed"}, false); err != nil && !errors.Is(err, errors.ErrInvalidTransition) {
		return c, workspace, rollback(err)
	}
	return c, workspace, nil
}

func runClaimRelease(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	agent, err := requireAgent(cmd)
	if err != nil {
		return err
	}
	if err := a.registry.Release(cmd.Context(), args[0], agent); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "released %s\n", args[0])
	return nil
}

func runClaimList(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	agent, _ := cmd.Flags().GetString("agent")
	claims, err := a.registry.List(cmd.Context(), agent)
	if err != nil {
		return err
	}
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return printJSON(cmd, claims)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "UNIT\tAGENT\tEXPIRES")
	for _, c := range claims {
		fmt.Fprintf(w, "%s\t%s\t%s\n", c.UnitID, c.AgentID,
			c.ExpiresAt.Local().Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
