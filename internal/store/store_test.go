package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/claimtree/claimtree/internal/errors"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// advance replaces the store clock with a controllable one and returns a
// function that moves it forward.
func advance(s *Store) func(d time.Duration) {
	base := time.Now().UTC()
	s.now = func() time.Time { return base }
	return func(d time.Duration) {
		base = base.Add(d)
	}
}

func TestRecordTransitionForward(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	u, err := s.RecordTransition(ctx, "zz_0163C", StatusClaimed, "agent-1", TransitionMeta{}, false)
	if err != nil {
		t.Fatalf("claimed: %v", err)
	}
	if u.Status != StatusClaimed || u.Owner != "agent-1" {
		t.Errorf("got status=%s owner=%s, want claimed/agent-1", u.Status, u.Owner)
	}

	u, err = s.RecordTransition(ctx, "zz_0163C", StatusMatched, "agent-1",
		TransitionMeta{MatchPercent: 98.5, ScratchRef: "scratch/agent-1/zz_0163C"}, false)
	if err != nil {
		t.Fatalf("matched: %v", err)
	}
	if u.MatchPercent != 98.5 {
		t.Errorf("match percent = %v, want 98.5", u.MatchPercent)
	}

	history, err := s.History(ctx, "zz_0163C")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("got %d audit entries, want 2", len(history))
	}
	if history[0].From != StatusUnclaimed || history[0].To != StatusClaimed {
		t.Errorf("first entry = %s -> %s", history[0].From, history[0].To)
	}
}

func TestRecordTransitionRejectsBackward(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.RecordTransition(ctx, "u1", StatusCommitted, "a", TransitionMeta{}, false); err != nil {
		t.Fatalf("committed: %v", err)
	}
	_, err := s.RecordTransition(ctx, "u1", StatusClaimed, "a", TransitionMeta{}, false)
	if !errors.Is(err, errors.ErrInvalidTransition) {
		t.Fatalf("backward transition: got %v, want ErrInvalidTransition", err)
	}

	// Force overrides the check and the audit trail still records it.
	if _, err := s.RecordTransition(ctx, "u1", StatusClaimed, "a", TransitionMeta{Note: "rework"}, true); err != nil {
		t.Fatalf("forced: %v", err)
	}
	history, _ := s.History(ctx, "u1")
	if got := history[len(history)-1].Note; got != "rework" {
		t.Errorf("last note = %q, want rework", got)
	}
}

func TestRecordTransitionTerminal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, unit := range []struct {
		id    string
		final Status
	}{
		{"done", StatusMerged},
		{"dropped", StatusAbandoned},
	} {
		if _, err := s.RecordTransition(ctx, unit.id, unit.final, "a", TransitionMeta{}, false); err != nil {
			t.Fatalf("%s: %v", unit.id, err)
		}
		_, err := s.RecordTransition(ctx, unit.id, StatusInProgress, "a", TransitionMeta{}, false)
		if !errors.Is(err, errors.ErrInvalidTransition) {
			t.Errorf("out of %s: got %v, want ErrInvalidTransition", unit.final, err)
		}
	}
}

func TestRecordTransitionAbandonFromAnywhere(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, from := range []Status{StatusClaimed, StatusMatched, StatusInReview} {
		id := "unit-" + string(from)
		if _, err := s.RecordTransition(ctx, id, from, "a", TransitionMeta{}, false); err != nil {
			t.Fatalf("setup %s: %v", from, err)
		}
		u, err := s.RecordTransition(ctx, id, StatusAbandoned, "a", TransitionMeta{}, false)
		if err != nil {
			t.Fatalf("abandon from %s: %v", from, err)
		}
		if u.Owner != "" {
			t.Errorf("abandoned unit kept owner %q", u.Owner)
		}
	}
}

func TestQueryFilters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tick := advance(s)

	if err := s.UpsertUnit(ctx, "lb_old", "src/lb/lbvector.c", "lb"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RecordTransition(ctx, "lb_old", StatusClaimed, "agent-1", TransitionMeta{}, false); err != nil {
		t.Fatal(err)
	}
	tick(3 * time.Hour)
	if err := s.UpsertUnit(ctx, "gr_new", "src/gr/grmap.c", "gr"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RecordTransition(ctx, "gr_new", StatusClaimed, "agent-2", TransitionMeta{}, false); err != nil {
		t.Fatal(err)
	}

	got, err := s.Query(ctx, Filter{Agent: "agent-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "lb_old" {
		t.Errorf("by agent: got %v", got)
	}

	got, err = s.Query(ctx, Filter{SubdirKey: "gr"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "gr_new" {
		t.Errorf("by subdir: got %v", got)
	}

	got, err = s.Query(ctx, Filter{StaleFor: 2 * time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "lb_old" {
		t.Errorf("stale: got %v", got)
	}
}

func TestClaimLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tick := advance(s)

	if _, err := s.AddClaim(ctx, "u1", "agent-1", time.Hour); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// Another agent is rejected while the claim is live.
	_, err := s.AddClaim(ctx, "u1", "agent-2", time.Hour)
	if !errors.Is(err, errors.ErrClaimConflict) {
		t.Fatalf("contended acquire: got %v, want ErrClaimConflict", err)
	}
	var claimErr *errors.ClaimError
	if !errors.As(err, &claimErr) || claimErr.Owner != "agent-1" {
		t.Errorf("conflict owner = %v", claimErr)
	}

	// The holder can refresh its own claim.
	tick(30 * time.Minute)
	c, err := s.AddClaim(ctx, "u1", "agent-1", time.Hour)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if got := c.ExpiresAt.Sub(s.now()); got != time.Hour {
		t.Errorf("refreshed expiry in %v, want 1h", got)
	}

	// After expiry the claim lapses and another agent may take it.
	tick(2 * time.Hour)
	if _, err := s.AddClaim(ctx, "u1", "agent-2", time.Hour); err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}
}

func TestReleaseClaim(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.AddClaim(ctx, "u1", "agent-1", time.Hour); err != nil {
		t.Fatal(err)
	}
	if err := s.ReleaseClaim(ctx, "u1", "agent-2"); !errors.Is(err, errors.ErrClaimConflict) {
		t.Fatalf("release by non-holder: got %v, want ErrClaimConflict", err)
	}
	if err := s.ReleaseClaim(ctx, "u1", "agent-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	// Releasing again is a no-op.
	if err := s.ReleaseClaim(ctx, "u1", "agent-1"); err != nil {
		t.Fatalf("double release: %v", err)
	}
	if _, err := s.GetClaim(ctx, "u1"); !errors.IsNotFound(err) {
		t.Errorf("after release: got %v, want ErrNotFound", err)
	}
}

func TestListClaimsPurgesExpired(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tick := advance(s)

	if _, err := s.AddClaim(ctx, "short", "agent-1", 10*time.Minute); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddClaim(ctx, "long", "agent-1", 3*time.Hour); err != nil {
		t.Fatal(err)
	}
	tick(time.Hour)

	claims, err := s.ListClaims(ctx, "agent-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(claims) != 1 || claims[0].UnitID != "long" {
		t.Fatalf("got %v, want only the long claim", claims)
	}
}

func TestWorkspaceLocking(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tick := advance(s)
	lockTTL := 2 * time.Hour

	if err := s.UpsertWorkspace(ctx, "lb", "/tmp/wt/dir-lb", "subdirs/lb"); err != nil {
		t.Fatal(err)
	}
	if err := s.LockWorkspace(ctx, "lb", "agent-1", lockTTL); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := s.LockWorkspace(ctx, "lb", "agent-2", lockTTL); !errors.Is(err, errors.ErrLockConflict) {
		t.Fatalf("contended lock: got %v, want ErrLockConflict", err)
	}
	if err := s.UnlockWorkspace(ctx, "lb", "agent-2", lockTTL); !errors.Is(err, errors.ErrLockConflict) {
		t.Fatalf("unlock by non-holder: got %v, want ErrLockConflict", err)
	}

	// Activity keeps the lock alive past the raw TTL.
	tick(90 * time.Minute)
	if err := s.TouchWorkspace(ctx, "lb"); err != nil {
		t.Fatal(err)
	}
	tick(90 * time.Minute)
	if err := s.LockWorkspace(ctx, "lb", "agent-2", lockTTL); !errors.Is(err, errors.ErrLockConflict) {
		t.Fatalf("lock after touch: got %v, want ErrLockConflict", err)
	}

	// Inactivity past the TTL lets another agent steal the lock.
	tick(3 * time.Hour)
	if err := s.LockWorkspace(ctx, "lb", "agent-2", lockTTL); err != nil {
		t.Fatalf("steal after inactivity: %v", err)
	}
	w, err := s.GetWorkspace(ctx, "lb")
	if err != nil {
		t.Fatal(err)
	}
	if w.LockHolder != "agent-2" {
		t.Errorf("holder = %q, want agent-2", w.LockHolder)
	}
}

func TestDeleteWorkspaceLeavesAuditTrail(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpsertWorkspace(ctx, "gr", "/tmp/wt/dir-gr", "subdirs/gr"); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteWorkspace(ctx, "gr", "agent-1", "pruned after merge"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetWorkspace(ctx, "gr"); !errors.IsNotFound(err) {
		t.Fatalf("after delete: got %v, want ErrNotFound", err)
	}
	history, err := s.History(ctx, "workspace:gr")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].Note != "pruned after merge" {
		t.Errorf("audit = %v", history)
	}

	if err := s.DeleteWorkspace(ctx, "gr", "agent-1", ""); !errors.IsNotFound(err) {
		t.Errorf("double delete: got %v, want ErrNotFound", err)
	}
}

func TestBatches(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	b, err := s.CreateBatch(ctx, "agent-batch/20260828", []BatchCommit{
		{UnitID: "u1", SubdirKey: "gr", CommitSHA: "aaa111", Outcome: OutcomeApplied},
		{UnitID: "u2", SubdirKey: "lb", CommitSHA: "bbb222", Outcome: OutcomeConflicted, Detail: "conflict in lbvector.c"},
		{UnitID: "u3", SubdirKey: "lb", CommitSHA: "ccc333", Outcome: OutcomeSkipped},
	})
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	if err := s.SetBatchPR(ctx, b.ID, "https://github.com/org/repo/pull/42"); err != nil {
		t.Fatalf("SetBatchPR: %v", err)
	}

	got, err := s.GetBatch(ctx, b.ID)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if got.PRURL != "https://github.com/org/repo/pull/42" {
		t.Errorf("pr url = %q", got.PRURL)
	}
	if len(got.Commits) != 3 {
		t.Fatalf("got %d commits, want 3", len(got.Commits))
	}
	if got.Commits[1].Outcome != OutcomeConflicted {
		t.Errorf("second outcome = %s", got.Commits[1].Outcome)
	}
}

func TestAgentSummaries(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.RecordTransition(ctx, "u1", StatusInProgress, "agent-1", TransitionMeta{}, false); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RecordTransition(ctx, "u2", StatusClaimed, "agent-1", TransitionMeta{}, false); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RecordTransition(ctx, "u2", StatusMatched, "agent-1", TransitionMeta{}, false); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddClaim(ctx, "u1", "agent-1", time.Hour); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertWorkspace(ctx, "lb", "/tmp/wt/dir-lb", "subdirs/lb"); err != nil {
		t.Fatal(err)
	}
	if err := s.LockWorkspace(ctx, "lb", "agent-1", time.Hour); err != nil {
		t.Fatal(err)
	}

	sums, err := s.AgentSummaries(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(sums) != 1 {
		t.Fatalf("got %d agents, want 1", len(sums))
	}
	sum := sums[0]
	if sum.ActiveClaims != 1 || sum.HeldLocks != 1 {
		t.Errorf("claims=%d locks=%d, want 1/1", sum.ActiveClaims, sum.HeldLocks)
	}
	if sum.UnitsByState[StatusInProgress] != 1 || sum.UnitsByState[StatusMatched] != 1 {
		t.Errorf("units by state = %v", sum.UnitsByState)
	}
}

type stubRepo struct {
	branches  map[string]bool
	worktrees map[string]bool
	pending   map[string]int
	reachable map[string]bool
}

func (r stubRepo) BranchExists(_ context.Context, branch string) (bool, error) {
	return r.branches[branch], nil
}

func (r stubRepo) WorktreeExists(_ context.Context, path string) (bool, error) {
	return r.worktrees[path], nil
}

func (r stubRepo) PendingCount(_ context.Context, branch string) (int, error) {
	return r.pending[branch], nil
}

func (r stubRepo) CommitReachable(_ context.Context, sha, _ string) (bool, error) {
	return r.reachable[sha], nil
}

type stubPRs map[string]string

func (p stubPRs) PRState(_ context.Context, url string) (string, error) {
	return p[url], nil
}

func TestValidateFixesDrift(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// gone: both worktree and branch vanished -> row dropped with fix.
	// lb: pending-commit cache is stale -> corrected with fix.
	if err := s.UpsertWorkspace(ctx, "gone", "/wt/dir-gone", "subdirs/gone"); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertWorkspace(ctx, "lb", "/wt/dir-lb", "subdirs/lb"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetWorkspacePending(ctx, "lb", 5); err != nil {
		t.Fatal(err)
	}

	// Claim on a merged unit is an orphan.
	if _, err := s.RecordTransition(ctx, "u1", StatusMerged, "a", TransitionMeta{}, false); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddClaim(ctx, "u1", "agent-1", time.Hour); err != nil {
		t.Fatal(err)
	}

	// in_review unit whose PR merged should advance.
	if _, err := s.RecordTransition(ctx, "u2", StatusInReview, "a",
		TransitionMeta{PRURL: "https://github.com/org/repo/pull/7"}, false); err != nil {
		t.Fatal(err)
	}

	repo := stubRepo{
		branches:  map[string]bool{"subdirs/lb": true},
		worktrees: map[string]bool{"/wt/dir-lb": true},
		pending:   map[string]int{"subdirs/lb": 2},
	}
	prs := stubPRs{"https://github.com/org/repo/pull/7": "merged"}

	report, err := s.Validate(ctx, repo, prs, true)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	kinds := map[IssueKind]bool{}
	for _, issue := range report.Issues {
		kinds[issue.Kind] = true
		if !issue.Fixed {
			t.Errorf("issue %s/%s not fixed", issue.Kind, issue.Subject)
		}
	}
	for _, want := range []IssueKind{IssueMissingWorktree, IssueStalePending, IssueOrphanClaim, IssueMergedPR} {
		if !kinds[want] {
			t.Errorf("missing issue kind %s in %v", want, report.Issues)
		}
	}

	if _, err := s.GetWorkspace(ctx, "gone"); !errors.IsNotFound(err) {
		t.Errorf("gone workspace still present: %v", err)
	}
	w, _ := s.GetWorkspace(ctx, "lb")
	if w.PendingCommits != 2 {
		t.Errorf("pending = %d, want 2", w.PendingCommits)
	}
	u, _ := s.GetUnit(ctx, "u2")
	if u.Status != StatusMerged {
		t.Errorf("u2 status = %s, want merged", u.Status)
	}

	// A second pass is clean.
	report, err = s.Validate(ctx, repo, prs, false)
	if err != nil {
		t.Fatal(err)
	}
	if !report.Clean() {
		t.Errorf("second pass found %v", report.Issues)
	}
}

func TestValidateReportsUnitDrift(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// Matched without a scratch ref, and a committed unit whose recorded
	// SHA no branch can reach. Neither is auto-fixable.
	if err := s.UpsertUnit(ctx, "u1", "src/lb/lbvector.c", "lb"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RecordTransition(ctx, "u1", StatusMatched, "a", TransitionMeta{}, false); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertUnit(ctx, "u2", "src/gr/grmap.c", "gr"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RecordTransition(ctx, "u2", StatusCommitted, "a",
		TransitionMeta{CommitSHA: "deadbeef"}, false); err != nil {
		t.Fatal(err)
	}

	// Without fix: both reported, nothing written.
	report, err := s.Validate(ctx, stubRepo{}, nil, false)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(report.Issues) != 2 {
		t.Fatalf("got %d issues, want 2: %v", len(report.Issues), report.Issues)
	}
	u2, _ := s.GetUnit(ctx, "u2")
	if u2.Status != StatusCommitted || u2.CommitSHA != "deadbeef" {
		t.Fatalf("fix=false wrote to u2: %+v", u2)
	}

	// With fix: the lost commit is reverted to matched, the missing
	// scratch ref is still report-only.
	report, err = s.Validate(ctx, stubRepo{}, nil, true)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	kinds := map[IssueKind]Issue{}
	for _, issue := range report.Issues {
		kinds[issue.Kind] = issue
	}
	if issue := kinds[IssueNoScratchRef]; issue.Subject != "u1" || issue.Fixed {
		t.Errorf("no_scratch_ref issue = %+v, want unfixed u1", issue)
	}
	if issue := kinds[IssueLostCommit]; issue.Subject != "u2" || !issue.Fixed {
		t.Errorf("lost_commit issue = %+v, want fixed u2", issue)
	}
	u2, _ = s.GetUnit(ctx, "u2")
	if u2.Status != StatusMatched || u2.CommitSHA != "" {
		t.Errorf("u2 after fix = %+v, want matched with no commit", u2)
	}

	// The reverted unit no longer drifts.
	report, err = s.Validate(ctx, stubRepo{}, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	for _, issue := range report.Issues {
		if issue.Kind == IssueLostCommit {
			t.Errorf("lost commit reported again after fix: %+v", issue)
		}
	}
}

// openStorePair opens two handles on one database file, mirroring two
// agent processes sharing durable state.
func openStorePair(t *testing.T) (*Store, *Store) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "state.db")
	a, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	b, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open second handle: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return a, b
}

func TestConcurrentClaimAddSingleWinner(t *testing.T) {
	a, b := openStorePair(t)
	handles := []*Store{a, b}
	ctx := context.Background()

	const agents = 8
	var wg sync.WaitGroup
	errs := make([]error, agents)
	for i := 0; i < agents; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := handles[i%len(handles)]
			_, errs[i] = s.AddClaim(ctx, "zz_0163C", fmt.Sprintf("agent-%d", i), time.Hour)
		}(i)
	}
	wg.Wait()

	winners := 0
	for i, err := range errs {
		switch {
		case err == nil:
			winners++
		case !errors.Is(err, errors.ErrClaimConflict):
			t.Errorf("agent-%d got %v, want nil or claim conflict", i, err)
		}
	}
	if winners != 1 {
		t.Errorf("%d concurrent claims succeeded, want exactly 1", winners)
	}

	claims, err := a.ListClaims(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(claims) != 1 {
		t.Errorf("%d claims recorded, want 1", len(claims))
	}
}

func TestConcurrentLockSingleHolder(t *testing.T) {
	a, b := openStorePair(t)
	handles := []*Store{a, b}
	ctx := context.Background()

	if err := a.UpsertWorkspace(ctx, "lb", "/wt/dir-lb", "subdirs/lb"); err != nil {
		t.Fatal(err)
	}

	const agents = 8
	var wg sync.WaitGroup
	errs := make([]error, agents)
	for i := 0; i < agents; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := handles[i%len(handles)]
			errs[i] = s.LockWorkspace(ctx, "lb", fmt.Sprintf("agent-%d", i), time.Hour)
		}(i)
	}
	wg.Wait()

	winners := 0
	for i, err := range errs {
		switch {
		case err == nil:
			winners++
		case !errors.Is(err, errors.ErrLockConflict):
			t.Errorf("agent-%d got %v, want nil or lock conflict", i, err)
		}
	}
	if winners != 1 {
		t.Errorf("%d concurrent locks succeeded, want exactly 1", winners)
	}

	w, err := b.GetWorkspace(ctx, "lb")
	if err != nil {
		t.Fatal(err)
	}
	if w.LockHolder == "" {
		t.Error("no lock holder recorded after the race")
	}
}
