package jobs

import "strings"

type JobType string

const (
	JobTypeTrain         JobType = "train"
	JobTypeTest          JobType = "test"
	JobTypeOptimize      JobType = "optimize"
	JobTypeExport        JobType = "export"
	JobTypePrepareImport JobType = "prepare_import"
)

type State string

const (
	StateSubmitted       State = "SUBMITTED"
	StateScheduled       State = "SCHEDULED"
	StateRunning         State = "RUNNING"
	StateFinished        State = "FINISHED"
	StateFailed          State = "FAILED"
	StateCancelled       State = "CANCELLED"
	StateReadyForRevert  State = "READY_FOR_REVERT"
	StateRevertScheduled State = "REVERT_SCHEDULED"
	StateRevertRunning   State = "REVERT_RUNNING"
)

// StateGroup is the coarse bucket exposed to callers.
type StateGroup string

const (
	GroupSubmitted StateGroup = "SUBMITTED"
	GroupScheduled StateGroup = "SCHEDULED"
	GroupRunning   StateGroup = "RUNNING"
	GroupFinished  StateGroup = "FINISHED"
	GroupFailed    StateGroup = "FAILED"
	GroupCancelled StateGroup = "CANCELLED"
)

// Group maps a fine-grained state to its external bucket. The revert states
// still count as running: the job is not done until the revert settles.
func (s State) Group() StateGroup {
	switch s {
	case StateSubmitted:
		return GroupSubmitted
	case StateScheduled:
		return GroupScheduled
	case StateFinished:
		return GroupFinished
	case StateFailed:
		return GroupFailed
	case StateCancelled:
		return GroupCancelled
	default:
		return GroupRunning
	}
}

func (s State) Terminal() bool {
	return s == StateFinished || s == StateFailed || s == StateCancelled
}

func ParseStateGroup(raw string) (StateGroup, bool) {
	g := StateGroup(strings.ToUpper(strings.TrimSpace(raw)))
	switch g {
	case GroupSubmitted, GroupScheduled, GroupRunning, GroupFinished, GroupFailed, GroupCancelled:
		return g, true
	default:
		return "", false
	}
}

type StepState string

const (
	StepRunning   StepState = "RUNNING"
	StepFinished  StepState = "FINISHED"
	StepFailed    StepState = "FAILED"
	StepCancelled StepState = "CANCELLED"
	StepSkipped   StepState = "SKIPPED"
)

// Rank orders step states so stale events cannot move a step backwards.
func (s StepState) Rank() int {
	switch s {
	case StepRunning:
		return 1
	case StepFinished, StepFailed, StepCancelled:
		return 2
	case StepSkipped:
		return 3
	default:
		return 0
	}
}

func ParseStepState(raw string) (StepState, bool) {
	st := StepState(strings.ToUpper(strings.TrimSpace(raw)))
	if st.Rank() == 0 {
		return "", false
	}
	return st, true
}

type GPUState string

const (
	GPURequested GPUState = "REQUESTED"
	GPUAcquired  GPUState = "ACQUIRED"
	GPUReleased  GPUState = "RELEASED"
)

type ExecutionType string

const (
	ExecutionMain   ExecutionType = "main"
	ExecutionRevert ExecutionType = "revert"
)

type DuplicatePolicy string

const (
	DuplicateReject  DuplicatePolicy = "REJECT"
	DuplicateOmit    DuplicatePolicy = "OMIT"
	DuplicateReplace DuplicatePolicy = "REPLACE"
)

func ParseDuplicatePolicy(raw string) (DuplicatePolicy, bool) {
	p := DuplicatePolicy(strings.ToUpper(strings.TrimSpace(raw)))
	switch p {
	case DuplicateReject, DuplicateOmit, DuplicateReplace:
		return p, true
	case "":
		return DuplicateReject, true
	default:
		return "", false
	}
}
