package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/claimtree/claimtree/internal/store"
	"github.com/claimtree/claimtree/internal/tui"
	"github.com/claimtree/claimtree/internal/worktree"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the coordination dashboard",
	Long: `Show every workspace with its pending work, plus live claims and
unit counts. --watch keeps the view open and refreshes it.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().Bool("watch", false, "refresh continuously until q is pressed")
}

// appSource adapts the wired components to the dashboard's Source.
type appSource struct {
	store   *store.Store
	manager *worktree.Manager
}

func (s appSource) Snapshot(ctx context.Context) (tui.Snapshot, error) {
	workspaces, err := s.manager.Status(ctx)
	if err != nil {
		return tui.Snapshot{}, err
	}
	claims, err := s.store.ListClaims(ctx, "")
	if err != nil {
		return tui.Snapshot{}, err
	}
	units, err := s.store.Query(ctx, store.Filter{})
	if err != nil {
		return tui.Snapshot{}, err
	}
	counts := map[store.Status]int{}
	for _, u := range units {
		counts[u.Status]++
	}
	return tui.Snapshot{
		Workspaces: workspaces,
		Claims:     claims,
		Units:      counts,
		TakenAt:    time.Now(),
	}, nil
}

func runStatus(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	source := appSource{store: a.store, manager: a.manager}
	if watch, _ := cmd.Flags().GetBool("watch"); watch {
		return tui.Run(source)
	}
	snapshot, err := source.Snapshot(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), tui.Render(snapshot))
	return nil
}
