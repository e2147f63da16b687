package deployment

// StageStatus is the lifecycle status of one stage record.
type StageStatus string

const (
	StageStatusPending   StageStatus = "pending"
	StageStatusRunning   StageStatus = "running"
	StageStatusSucceeded StageStatus = "succeeded"
	StageStatusFailed    StageStatus = "failed"
	StageStatusSkipped   StageStatus = "skipped"
)

// IsValid reports whether s is a known stage status.
func (s StageStatus) IsValid() bool {
	switch s {
	case StageStatusPending, StageStatusRunning, StageStatusSucceeded, StageStatusFailed, StageStatusSkipped:
		return true
	}
	return false
}

// Done reports whether the stage no longer blocks the cursor.
func (s StageStatus) Done() bool {
	return s == StageStatusSucceeded || s == StageStatusSkipped
}

// OverallStatus is the status of a whole deployment.
type OverallStatus string

const (
	// StatusNotStarted is reported for plans without a live record. It is
	// never persisted.
	StatusNotStarted OverallStatus = "not_started"
	StatusInProgress OverallStatus = "in_progress"
	StatusCompleted  OverallStatus = "completed"
	StatusFailed     OverallStatus = "failed"
	StatusAborted    OverallStatus = "aborted"
)

// IsTerminal reports whether a deployment in this status stops without
// operator action.
func (s OverallStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusAborted
}

// ExitCode maps the status to the status command's exit code.
func (s OverallStatus) ExitCode() int {
	switch s {
	case StatusCompleted:
		return 0
	case StatusFailed, StatusAborted:
		return 1
	case StatusInProgress:
		return 2
	default:
		return 3
	}
}
