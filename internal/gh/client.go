// Package gh talks to GitHub: the gh CLI for creating pull requests (it
// handles auth and the right remote) and the REST API for reading PR state
// back during validation.
package gh

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	gogithub "github.com/google/go-github/v66/github"

	"github.com/claimtree/claimtree/internal/errors"
)

// PROptions describes the pull request to open.
type PROptions struct {
	Repo  string // "owner/name"; empty lets gh infer from the remote
	Head  string
	Base  string
	Title string
	Body  string
}

// Client covers the GitHub surface claimtree needs.
type Client interface {
	// CreatePR opens a pull request and returns its URL.
	CreatePR(ctx context.Context, workdir string, opts PROptions) (string, error)
	// PRState returns "open", "closed", or "merged" for a PR URL.
	PRState(ctx context.Context, prURL string) (string, error)
}

// CLIClient creates PRs with the gh CLI and reads state with go-github.
type CLIClient struct {
	api *gogithub.Client
}

// NewClient builds a CLIClient. The GITHUB_TOKEN environment variable, when
// set, authenticates API reads; PR creation always goes through gh's own
// auth.
func NewClient() *CLIClient {
	api := gogithub.NewClient(nil)
	if token := os.Getenv("GITHUB_TOKEN"); token != "" {
		api = api.WithAuthToken(token)
	}
	return &CLIClient{api: api}
}

// NewClientWithAPI builds a CLIClient over a prepared go-github client,
// for tests pointing at a local server.
func NewClientWithAPI(api *gogithub.Client) *CLIClient {
	return &CLIClient{api: api}
}

// CreatePR opens a pull request via the gh CLI and returns the PR URL gh
// prints.
func (c *CLIClient) CreatePR(ctx context.Context, workdir string, opts PROptions) (string, error) {
	args := []string{"pr", "create",
		"--head", opts.Head,
		"--base", opts.Base,
		"--title", opts.Title,
		"--body", opts.Body,
	}
	if opts.Repo != "" {
		args = append(args, "--repo", opts.Repo)
	}
	cmd := exec.CommandContext(ctx, "gh", args...)
	cmd.Dir = workdir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("gh pr create failed: %w\noutput: %s", err, string(output))
	}
	return strings.TrimSpace(string(output)), nil
}

// PRState looks a pull request up by URL and reports its state.
func (c *CLIClient) PRState(ctx context.Context, prURL string) (string, error) {
	owner, repo, number, err := ParsePRURL(prURL)
	if err != nil {
		return "", err
	}
	pr, _, err := c.api.PullRequests.Get(ctx, owner, repo, number)
	if err != nil {
		return "", fmt.Errorf("fetching %s: %w", prURL, err)
	}
	if pr.GetMerged() {
		return "merged", nil
	}
	return pr.GetState(), nil
}

// ParsePRURL splits https://github.com/<owner>/<repo>/pull/<n> into parts.
func ParsePRURL(prURL string) (owner, repo string, number int, err error) {
	trimmed := strings.TrimPrefix(prURL, "https://")
	trimmed = strings.TrimPrefix(trimmed, "http://")
	trimmed = strings.TrimSuffix(trimmed, "/")
	parts := strings.Split(trimmed, "/")
	// github.com / owner / repo / pull / number
	if len(parts) != 5 || parts[3] != "pull" {
		return "", "", 0, fmt.Errorf("unrecognized pull request URL %q: %w", prURL, errors.ErrNotFound)
	}
	number, err = strconv.Atoi(parts[4])
	if err != nil {
		return "", "", 0, fmt.Errorf("unrecognized pull request number in %q", prURL)
	}
	return parts[1], parts[2], number, nil
}

var _ Client = (*CLIClient)(nil)
