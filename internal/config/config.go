package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete claimtree configuration
type Config struct {
	Paths    PathsConfig    `mapstructure:"paths"`
	Claim    ClaimConfig    `mapstructure:"claim"`
	Worktree WorktreeConfig `mapstructure:"worktree"`
	Collect  CollectConfig  `mapstructure:"collect"`
	GitHub   GitHubConfig   `mapstructure:"github"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// PathsConfig locates the shared repository and claimtree's own state
type PathsConfig struct {
	// RepoRoot is the primary checkout of the shared repository.
	// Defaults to the current directory's git root at runtime.
	RepoRoot string `mapstructure:"repo_root"`
	// WorktreesDir holds the per-subdirectory worktrees.
	// Defaults to "<repo_root>-worktrees" alongside the primary checkout.
	WorktreesDir string `mapstructure:"worktrees_dir"`
	// DBPath is the SQLite database shared by all agent processes.
	DBPath string `mapstructure:"db_path"`
	// LogDir receives the shared JSON log file.
	LogDir string `mapstructure:"log_dir"`
}

// ClaimConfig controls claim TTL policy
type ClaimConfig struct {
	// DefaultTTLMinutes is how long a claim is honored without renewal.
	DefaultTTLMinutes int `mapstructure:"default_ttl_minutes"`
	// ContendedTTLMinutes applies to subdirectory keys listed in
	// ContendedKeys, bounding staleness where many agents gather.
	ContendedTTLMinutes int `mapstructure:"contended_ttl_minutes"`
	// ContendedKeys lists subdirectory keys that use the shorter TTL.
	ContendedKeys []string `mapstructure:"contended_keys"`
}

// WorktreeConfig controls workspace creation, validation, and locking
type WorktreeConfig struct {
	// Upstream is the ref new worktree branches start from and pending
	// commits are counted against. Empty means auto-detect main/master.
	Upstream string `mapstructure:"upstream"`
	// BranchPrefix is prepended to the subdirectory key to form the
	// workspace branch name.
	BranchPrefix string `mapstructure:"branch_prefix"`
	// DirPrefix is prepended to the subdirectory key to form the worktree
	// directory name.
	DirPrefix string `mapstructure:"dir_prefix"`
	// LockTTLMinutes is the inactivity window after which a workspace lock
	// may be reclaimed by another agent.
	LockTTLMinutes int `mapstructure:"lock_ttl_minutes"`
	// BuildCommand validates workspace health (argv form). Empty disables
	// build validation and workspaces are assumed healthy.
	BuildCommand []string `mapstructure:"build_command"`
	// BuildTimeoutSeconds bounds a single validation run.
	BuildTimeoutSeconds int `mapstructure:"build_timeout_seconds"`
	// ValidationWindowMinutes caches a successful validation; within the
	// window the build is not re-run.
	ValidationWindowMinutes int `mapstructure:"validation_window_minutes"`
	// StripPrefixes are path components removed from the front of a file
	// path before bucketing into a subdirectory key.
	StripPrefixes []string `mapstructure:"strip_prefixes"`
	// DeepPrefixes maps a path prefix (slash-separated) to the number of
	// components kept in the key, for trees too coarse at one level.
	// Example: {"ft/chara": 3} buckets ft/chara/ftFox/... as ft-chara-ftFox.
	DeepPrefixes map[string]int `mapstructure:"deep_prefixes"`
}

// CollectConfig controls batch collection
type CollectConfig struct {
	// BranchPrefix is prepended to the date (or explicit name) to form the
	// batch branch.
	BranchPrefix string `mapstructure:"branch_prefix"`
	// Order is the deterministic workspace sweep order:
	// "lexicographic" or "reverse-lexicographic" by subdirectory key.
	Order string `mapstructure:"order"`
	// Remote is where batch branches are pushed.
	Remote string `mapstructure:"remote"`
	// PRBase is the base branch for created pull requests. Empty means the
	// upstream branch name.
	PRBase string `mapstructure:"pr_base"`
}

// GitHubConfig identifies the hosted repository for PR state lookups
type GitHubConfig struct {
	// Repo is the "owner/name" used when validating recorded PR URLs.
	Repo string `mapstructure:"repo"`
}

// LoggingConfig controls log output
type LoggingConfig struct {
	// Level is one of DEBUG, INFO, WARN, ERROR.
	Level string `mapstructure:"level"`
}

// Collection sweep orders accepted by CollectConfig.Order.
const (
	OrderLexicographic        = "lexicographic"
	OrderReverseLexicographic = "reverse-lexicographic"
)

// Default returns a Config populated with default values
func Default() *Config {
	return &Config{
		Paths: PathsConfig{
			DBPath: filepath.Join(dataDir(), "state.db"),
			LogDir: filepath.Join(dataDir(), "logs"),
		},
		Claim: ClaimConfig{
			DefaultTTLMinutes:   60,
			ContendedTTLMinutes: 30,
		},
		Worktree: WorktreeConfig{
			BranchPrefix:            "subdirs/",
			DirPrefix:               "dir-",
			LockTTLMinutes:          120,
			BuildTimeoutSeconds:     300,
			ValidationWindowMinutes: 30,
			StripPrefixes:           []string{"src"},
		},
		Collect: CollectConfig{
			BranchPrefix: "agent-batch/",
			Order:        OrderLexicographic,
			Remote:       "origin",
		},
		Logging: LoggingConfig{
			Level: "INFO",
		},
	}
}

// SetDefaults registers all default values with viper.
// Must be called before viper reads the config file.
func SetDefaults() {
	defaults := Default()

	viper.SetDefault("paths.repo_root", defaults.Paths.RepoRoot)
	viper.SetDefault("paths.worktrees_dir", defaults.Paths.WorktreesDir)
	viper.SetDefault("paths.db_path", defaults.Paths.DBPath)
	viper.SetDefault("paths.log_dir", defaults.Paths.LogDir)

	viper.SetDefault("claim.default_ttl_minutes", defaults.Claim.DefaultTTLMinutes)
	viper.SetDefault("claim.contended_ttl_minutes", defaults.Claim.ContendedTTLMinutes)
	viper.SetDefault("claim.contended_keys", defaults.Claim.ContendedKeys)

	viper.SetDefault("worktree.upstream", defaults.Worktree.Upstream)
	viper.SetDefault("worktree.branch_prefix", defaults.Worktree.BranchPrefix)
	viper.SetDefault("worktree.dir_prefix", defaults.Worktree.DirPrefix)
	viper.SetDefault("worktree.lock_ttl_minutes", defaults.Worktree.LockTTLMinutes)
	viper.SetDefault("worktree.build_command", defaults.Worktree.BuildCommand)
	viper.SetDefault("worktree.build_timeout_seconds", defaults.Worktree.BuildTimeoutSeconds)
	viper.SetDefault("worktree.validation_window_minutes", defaults.Worktree.ValidationWindowMinutes)
	viper.SetDefault("worktree.strip_prefixes", defaults.Worktree.StripPrefixes)
	viper.SetDefault("worktree.deep_prefixes", defaults.Worktree.DeepPrefixes)

	viper.SetDefault("collect.branch_prefix", defaults.Collect.BranchPrefix)
	viper.SetDefault("collect.order", defaults.Collect.Order)
	viper.SetDefault("collect.remote", defaults.Collect.Remote)
	viper.SetDefault("collect.pr_base", defaults.Collect.PRBase)

	viper.SetDefault("github.repo", defaults.GitHub.Repo)

	viper.SetDefault("logging.level", defaults.Logging.Level)
}

// Load unmarshals the current viper state into a Config
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ClaimTTL returns the claim TTL for a subdirectory key, applying the
// shorter contended TTL to keys listed in ContendedKeys.
func (c *ClaimConfig) ClaimTTL(subdirKey string) time.Duration {
	for _, k := range c.ContendedKeys {
		if k == subdirKey {
			return time.Duration(c.ContendedTTLMinutes) * time.Minute
		}
	}
	return time.Duration(c.DefaultTTLMinutes) * time.Minute
}

// LockTTL returns the workspace lock inactivity window.
func (c *WorktreeConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLMinutes) * time.Minute
}

// BuildTimeout returns the build validation timeout.
func (c *WorktreeConfig) BuildTimeout() time.Duration {
	return time.Duration(c.BuildTimeoutSeconds) * time.Second
}

// ValidationWindow returns how long a successful validation is cached.
func (c *WorktreeConfig) ValidationWindow() time.Duration {
	return time.Duration(c.ValidationWindowMinutes) * time.Minute
}

// ResolveWorktreesDir returns the worktrees directory, defaulting to a
// sibling of the repo root named "<root>-worktrees".
func (p *PathsConfig) ResolveWorktreesDir(repoRoot string) string {
	if p.WorktreesDir != "" {
		return p.WorktreesDir
	}
	return repoRoot + "-worktrees"
}

// ConfigDir returns the claimtree config directory
func ConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".claimtree"
	}
	return filepath.Join(home, ".config", "claimtree")
}

// dataDir returns the directory for claimtree's own durable state
func dataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".claimtree"
	}
	return filepath.Join(home, ".local", "share", "claimtree")
}
