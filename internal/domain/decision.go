package domain

import "github.com/ethereum/go-ethereum/common"

// Decision is the single next action the controller issues for a snapshot.
// Deciding is idempotent: the same snapshot always yields the same decision.
type Decision string

const (
	DecisionNone            Decision = "no_action"
	DecisionContinueLoop    Decision = "continue_loop"
	DecisionStartUnwind     Decision = "start_unwind"
	DecisionEmergencyUnwind Decision = "emergency_unwind"
)

// ActionKind names the step the batch executor should run for one user.
type ActionKind string

const (
	ActionLoop   ActionKind = "loop"
	ActionUnwind ActionKind = "unwind"
)

// BatchRequest is one (user, action) entry in a batch invocation.
type BatchRequest struct {
	User   common.Address
	Action ActionKind
}

// BatchEntryResult records the per-entry outcome of a batch run. Err is the
// string form of the failure so the report serializes cleanly.
type BatchEntryResult struct {
	User    common.Address
	Action  ActionKind
	Success bool
	Skipped bool
	Reason  string
	Err     string
}

// BatchReport aggregates a batch run. Skipped entries (soft no-ops) count as
// successes: the position was inspected and intentionally left alone.
type BatchReport struct {
	Total     int
	Succeeded int
	Failed    int
	Entries   []BatchEntryResult
}
