package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog"

	"github.com/openfroyo/rollout/pkg/deployment"
	"github.com/openfroyo/rollout/pkg/engine"
)

// Lifecycle phases.
const (
	PhaseNotStarted = "not_started"
	PhaseRunning    = "running"
	PhaseFailed     = "failed"
	PhaseAborted    = "aborted"
	PhaseCompleted  = "completed"
)

// Lifecycle events.
const (
	EventStart    = "start"
	EventResume   = "resume"
	EventFail     = "fail"
	EventAbort    = "abort"
	EventComplete = "complete"
	EventReset    = "reset"
)

var lifecycleEvents = fsm.Events{
	{Name: EventStart, Src: []string{PhaseNotStarted}, Dst: PhaseRunning},
	{Name: EventResume, Src: []string{PhaseFailed, PhaseAborted}, Dst: PhaseRunning},
	{Name: EventFail, Src: []string{PhaseRunning}, Dst: PhaseFailed},
	{Name: EventAbort, Src: []string{PhaseRunning}, Dst: PhaseAborted},
	{Name: EventComplete, Src: []string{PhaseRunning}, Dst: PhaseCompleted},
	{Name: EventReset, Src: []string{PhaseNotStarted, PhaseRunning, PhaseFailed, PhaseAborted, PhaseCompleted}, Dst: PhaseNotStarted},
}

// lifecycle is the deployment state machine of one run.
type lifecycle struct {
	machine *fsm.FSM
}

func newLifecycle(initial string, logger zerolog.Logger) *lifecycle {
	machine := fsm.NewFSM(
		initial,
		lifecycleEvents,
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				logger.Debug().Str("from", e.Src).Str("to", e.Dst).Str("event", e.Event).Msg("lifecycle transition")
			},
		},
	)
	return &lifecycle{machine: machine}
}

// phaseOf maps a persisted status to its lifecycle phase.
func phaseOf(status deployment.OverallStatus) string {
	switch status {
	case deployment.StatusInProgress:
		return PhaseRunning
	case deployment.StatusFailed:
		return PhaseFailed
	case deployment.StatusAborted:
		return PhaseAborted
	case deployment.StatusCompleted:
		return PhaseCompleted
	default:
		return PhaseNotStarted
	}
}

// fire triggers event. Transitions are bookkeeping and run even when ctx is
// cancelled.
func (l *lifecycle) fire(ctx context.Context, event string) error {
	err := l.machine.Event(context.WithoutCancel(ctx), event)
	var noTransition fsm.NoTransitionError
	if err == nil || errors.As(err, &noTransition) {
		return nil
	}
	return engine.NewConfigurationError(
		fmt.Sprintf("cannot %s a deployment that is %s", event, l.machine.Current()), err).
		WithCode(engine.ErrCodeTerminalState)
}

func (l *lifecycle) current() string {
	return l.machine.Current()
}
