// Package cmd is the claimtree command tree.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/claimtree/claimtree/internal/claim"
	"github.com/claimtree/claimtree/internal/config"
	"github.com/claimtree/claimtree/internal/gh"
	"github.com/claimtree/claimtree/internal/logging"
	"github.com/claimtree/claimtree/internal/store"
	"github.com/claimtree/claimtree/internal/worktree"
)

var rootCmd = &cobra.Command{
	Use:   "claimtree",
	Short: "Claim and worktree coordination for multi-agent repositories",
	Long: `Claimtree coordinates many autonomous agents working on one shared
repository: TTL claims on units of work, one git worktree per subdirectory,
a durable lifecycle ledger, and batch collection of finished commits onto
reviewable branches.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/claimtree/config.yaml)")
	rootCmd.PersistentFlags().String("repo", "", "repository root (default: the enclosing git repository)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("paths.repo_root", rootCmd.PersistentFlags().Lookup("repo"))
}

func initConfig() {
	// A .env beside the process supplies GITHUB_TOKEN and friends.
	_ = godotenv.Load()

	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("CLAIMTREE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	_ = viper.ReadInConfig()
}

// app bundles the wired components behind every subcommand.
type app struct {
	cfg      *config.Config
	logger   *logging.Logger
	store    *store.Store
	git      *worktree.Git
	manager  *worktree.Manager
	registry *claim.Registry
	github   gh.Client
}

// newApp loads configuration and opens the shared state. Callers must
// close it.
func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	repoRoot := cfg.Paths.RepoRoot
	if repoRoot == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		repoRoot, err = worktree.FindGitRoot(cmd.Context(), cwd)
		if err != nil {
			return nil, err
		}
	}

	logger, err := logging.NewLogger(cfg.Paths.LogDir, cfg.Logging.Level)
	if err != nil {
		return nil, err
	}

	dbPath := cfg.Paths.DBPath
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		logger.Close()
		return nil, fmt.Errorf("creating state directory: %w", err)
	}
	s, err := store.Open(dbPath)
	if err != nil {
		logger.Close()
		return nil, err
	}

	git := worktree.NewGit(repoRoot)
	manager := worktree.NewManager(git, s, cfg.Worktree,
		cfg.Paths.ResolveWorktreesDir(repoRoot), logger)

	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    s,
		git:      git,
		manager:  manager,
		registry: claim.NewRegistry(s, cfg.Claim, logger),
		github:   gh.NewClient(),
	}, nil
}

func (a *app) close() {
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.logger != nil {
		_ = a.logger.Close()
	}
}

// requireAgent reads the --agent flag, falling back to CLAIMTREE_AGENT.
func requireAgent(cmd *cobra.Command) (string, error) {
	agent, _ := cmd.Flags().GetString("agent")
	if agent == "" {
		agent = os.Getenv("CLAIMTREE_AGENT")
	}
	if agent == "" {
		return "", fmt.Errorf("an agent id is required (--agent or CLAIMTREE_AGENT)")
	}
	return agent, nil
}
