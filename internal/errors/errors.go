// Package errors provides centralized error definitions and error handling
// utilities for the claimtree codebase. It defines domain-specific errors,
// sentinel errors for the coordination taxonomy, error constructors with
// context wrapping, and classification helpers.
//
// # Error Taxonomy
//
// Coordination outcomes are recoverable: a conflict tells the caller to
// pick different work or retry later, never to crash. The sentinels map
// directly onto that taxonomy:
//
//   - ErrClaimConflict: the unit is claimed by another agent (unexpired)
//   - ErrLockConflict: the subdirectory worktree is held by another agent
//   - ErrInvalidTransition: a lifecycle change would move backward
//   - ErrPushFailed: pushing a batch branch failed; the branch is preserved
//   - ErrBranchExists: a batch branch name is already taken
//
// # Usage
//
// Creating errors:
//
//	err := errors.NewClaimError("zz_0163C", "agent-7")
//	err := errors.NewGitError("cherry-pick", baseErr).WithBranch("subdirs/lb")
//
// Checking errors:
//
//	if errors.Is(err, errors.ErrClaimConflict) { ... }
//	if errors.IsConflict(err) { ... }
//
//	var gitErr *errors.GitError
//	if errors.As(err, &gitErr) { ... }
package errors

import (
	"errors"
	"fmt"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Claim-related sentinel errors
var (
	// ErrClaimConflict indicates that a unit has an unexpired claim held by
	// a different agent.
	ErrClaimConflict = New("unit is claimed by another agent")
	// ErrLockConflict indicates that a subdirectory worktree is locked by a
	// different agent whose lock has not expired.
	ErrLockConflict = New("subdirectory is locked by another agent")
)

// State-related sentinel errors
var (
	// ErrNotFound indicates that a unit, workspace, or claim does not exist.
	ErrNotFound = New("record not found")
	// ErrInvalidTransition indicates a lifecycle change that would move a
	// unit backward or out of a terminal state.
	ErrInvalidTransition = New("invalid status transition")
)

// Git-related sentinel errors
var (
	// ErrNotGitRepository indicates that the directory is not a git repository.
	ErrNotGitRepository = New("not a git repository")
	// ErrBranchExists indicates that a branch already exists.
	ErrBranchExists = New("branch already exists")
	// ErrUncommittedChanges indicates that a worktree has uncommitted changes.
	ErrUncommittedChanges = New("worktree has uncommitted changes")
	// ErrPushFailed indicates that pushing a branch to the remote failed.
	// The local branch is always left intact for manual recovery.
	ErrPushFailed = New("push failed")
)

// -----------------------------------------------------------------------------
// Domain Error Types
// -----------------------------------------------------------------------------

// ClaimError represents a claim conflict with the owning agent attached.
type ClaimError struct {
	UnitID string
	Owner  string
}

// NewClaimError creates a ClaimError for a unit held by owner.
func NewClaimError(unitID, owner string) *ClaimError {
	return &ClaimError{UnitID: unitID, Owner: owner}
}

func (e *ClaimError) Error() string {
	return fmt.Sprintf("unit %s is claimed by %s", e.UnitID, e.Owner)
}

// Is reports whether this error matches ErrClaimConflict.
func (e *ClaimError) Is(target error) bool {
	return target == ErrClaimConflict
}

// LockError represents a subdirectory lock conflict.
type LockError struct {
	SubdirKey string
	Holder    string
}

// NewLockError creates a LockError for a subdirectory held by holder.
func NewLockError(subdirKey, holder string) *LockError {
	return &LockError{SubdirKey: subdirKey, Holder: holder}
}

func (e *LockError) Error() string {
	return fmt.Sprintf("subdirectory %s is locked by %s", e.SubdirKey, e.Holder)
}

// Is reports whether this error matches ErrLockConflict.
func (e *LockError) Is(target error) bool {
	return target == ErrLockConflict
}

// StateError represents a rejected lifecycle transition.
type StateError struct {
	UnitID string
	From   string
	To     string
}

// NewStateError creates a StateError for a rejected transition.
func NewStateError(unitID, from, to string) *StateError {
	return &StateError{UnitID: unitID, From: from, To: to}
}

func (e *StateError) Error() string {
	return fmt.Sprintf("unit %s: transition %s -> %s is not allowed", e.UnitID, e.From, e.To)
}

// Is reports whether this error matches ErrInvalidTransition.
func (e *StateError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// GitError represents a failed git operation with captured output.
type GitError struct {
	Op     string
	Branch string
	Output string
	cause  error
}

// NewGitError creates a GitError wrapping the underlying command error.
func NewGitError(op string, cause error) *GitError {
	return &GitError{Op: op, cause: cause}
}

// WithBranch attaches the branch the operation was acting on.
func (e *GitError) WithBranch(branch string) *GitError {
	e.Branch = branch
	return e
}

// WithOutput attaches the combined command output for diagnostics.
func (e *GitError) WithOutput(output string) *GitError {
	e.Output = output
	return e
}

func (e *GitError) Error() string {
	msg := fmt.Sprintf("git %s failed", e.Op)
	if e.Branch != "" {
		msg += fmt.Sprintf(" (branch %s)", e.Branch)
	}
	if e.cause != nil {
		msg += fmt.Sprintf(": %v", e.cause)
	}
	if e.Output != "" {
		msg += "\n" + e.Output
	}
	return msg
}

// Unwrap returns the underlying command error.
func (e *GitError) Unwrap() error {
	return e.cause
}

// -----------------------------------------------------------------------------
// Classification Helpers
// -----------------------------------------------------------------------------

// IsConflict reports whether err is a named, retryable-by-the-caller
// conflict: another agent holds the claim or lock. Callers should pick a
// different unit or wait, not treat this as a failure.
func IsConflict(err error) bool {
	return Is(err, ErrClaimConflict) || Is(err, ErrLockConflict)
}

// IsNotFound reports whether err indicates a missing record.
func IsNotFound(err error) bool {
	return Is(err, ErrNotFound)
}

// IsRetryable reports whether the operation may succeed if repeated:
// conflicts clear when claims and locks expire, and pushes can be retried
// once connectivity returns.
func IsRetryable(err error) bool {
	return IsConflict(err) || Is(err, ErrPushFailed)
}
