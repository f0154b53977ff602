package store

import "time"

// Status is the lifecycle state of a unit of work.
type Status string

// Lifecycle states, in order. A unit only moves forward through this
// sequence; Abandoned is reachable from any non-terminal state.
const (
	StatusUnclaimed  Status = "unclaimed"
	StatusClaimed    Status = "claimed"
	StatusInProgress Status = "in_progress"
	StatusMatched    Status = "matched"
	StatusCommitted  Status = "committed"
	StatusInReview   Status = "in_review"
	StatusMerged     Status = "merged"
	StatusAbandoned  Status = "abandoned"
)

// statusRank orders the forward lifecycle. Abandoned is not ranked; it is
// handled separately as a terminal branch.
var statusRank = map[Status]int{
	StatusUnclaimed:  0,
	StatusClaimed:    1,
	StatusInProgress: 2,
	StatusMatched:    3,
	StatusCommitted:  4,
	StatusInReview:   5,
	StatusMerged:     6,
}

// Valid reports whether s is a known lifecycle state.
func (s Status) Valid() bool {
	if s == StatusAbandoned {
		return true
	}
	_, ok := statusRank[s]
	return ok
}

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusMerged || s == StatusAbandoned
}

// AllStatuses returns every lifecycle state in order.
func AllStatuses() []Status {
	return []Status{
		StatusUnclaimed, StatusClaimed, StatusInProgress, StatusMatched,
		StatusCommitted, StatusInReview, StatusMerged, StatusAbandoned,
	}
}

// UnitOfWork is the durable record of one named unit (e.g. a function
// under reconstruction).
type UnitOfWork struct {
	ID           string
	FilePath     string
	SubdirKey    string
	Status       Status
	Owner        string
	ScratchRef   string
	MatchPercent float64
	CommitSHA    string
	PRURL        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// AuditEntry is one row of the append-only transition history.
type AuditEntry struct {
	ID        int64
	UnitID    string
	From      Status
	To        Status
	AgentID   string
	Note      string
	CreatedAt time.Time
}

// Claim is a time-bounded ownership record for a unit.
type Claim struct {
	UnitID     string
	AgentID    string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Expired reports whether the claim has lapsed at the given instant.
func (c Claim) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Health is the validation state of a workspace checkout.
type Health string

const (
	HealthUnvalidated Health = "unvalidated"
	HealthHealthy     Health = "healthy"
	HealthBroken      Health = "broken"
)

// Workspace is the stored record of a per-subdirectory worktree. The
// pending commit count is a cache of git's ahead count and must be
// reconciled against git, never trusted blindly.
type Workspace struct {
	SubdirKey      string
	Path           string
	Branch         string
	LockHolder     string
	LockAcquiredAt time.Time
	LastActivityAt time.Time
	PendingCommits int
	Health         Health
}

// Locked reports whether the workspace is held by an agent whose lock has
// not expired from inactivity.
func (w Workspace) Locked(now time.Time, lockTTL time.Duration) bool {
	if w.LockHolder == "" {
		return false
	}
	if lockTTL <= 0 {
		return true
	}
	return now.Sub(w.LastActivityAt) < lockTTL
}

// Outcome classifies what happened to one commit during collection.
type Outcome string

const (
	OutcomeApplied    Outcome = "applied"
	OutcomeConflicted Outcome = "conflicted"
	OutcomeSkipped    Outcome = "skipped"
)

// Batch is one collection run.
type Batch struct {
	ID        int64
	Branch    string
	PRURL     string
	CreatedAt time.Time
	Commits   []BatchCommit
}

// BatchCommit is the per-commit outcome of a collection run.
type BatchCommit struct {
	ID        int64
	BatchID   int64
	UnitID    string
	SubdirKey string
	CommitSHA string
	Outcome   Outcome
	Detail    string
}

// TransitionMeta carries the collaborator-supplied fields recorded
// alongside a lifecycle transition. Zero values leave the stored fields
// untouched.
type TransitionMeta struct {
	ScratchRef   string
	MatchPercent float64
	CommitSHA    string
	PRURL        string
	Note         string
}

// Filter selects units for Query.
type Filter struct {
	// Statuses limits results to the given states. Empty means all.
	Statuses []Status
	// Agent limits results to units owned by the agent.
	Agent string
	// SubdirKey limits results to one subdirectory bucket.
	SubdirKey string
	// StaleFor limits results to units not updated within the duration.
	StaleFor time.Duration
}

// AgentSummary aggregates a single agent's footprint.
type AgentSummary struct {
	AgentID      string
	ActiveClaims int
	HeldLocks    int
	UnitsByState map[Status]int
}
