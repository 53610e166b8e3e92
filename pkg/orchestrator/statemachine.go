package orchestrator

import "github.com/pkg/errors"

// State names a step of a single generate-and-build round.
type State string

const (
	// StateRequesting waits on the collaborator's proposed change set.
	StateRequesting State = "requesting"
	// StateMerging overlays the proposal onto the working file set.
	StateMerging State = "merging"
	// StateBuilding runs the external compiler on the merged set.
	StateBuilding State = "building"
	// StateRetry loops back to the collaborator with the diagnostic.
	StateRetry State = "retry"
	// StateCommittedSuccess is terminal: merged files and build output
	// are committed together.
	StateCommittedSuccess State = "committed-success"
	// StateCommittedWithBuildError is terminal: the last revision is
	// committed without build output so the user can inspect and iterate.
	StateCommittedWithBuildError State = "committed-with-build-error"
)

type Event string

const (
	EventProposalReceived Event = "proposal-received"
	EventMerged           Event = "merged"
	EventBuildSucceeded   Event = "build-succeeded"
	EventBuildFailed      Event = "build-failed"
)

func (s State) Terminal() bool {
	return s == StateCommittedSuccess || s == StateCommittedWithBuildError
}

// Next computes the successor state. Build failures branch on whether a
// retry remains; every other transition is fixed.
func Next(s State, ev Event, retriesLeft int) (State, error) {
	switch {
	case s == StateRequesting && ev == EventProposalReceived:
		return StateMerging, nil
	case s == StateMerging && ev == EventMerged:
		return StateBuilding, nil
	case s == StateBuilding && ev == EventBuildSucceeded:
		return StateCommittedSuccess, nil
	case s == StateBuilding && ev == EventBuildFailed:
		if retriesLeft > 0 {
			return StateRetry, nil
		}
		return StateCommittedWithBuildError, nil
	case s == StateRetry && ev == EventProposalReceived:
		return StateMerging, nil
	}
	return s, errors.Errorf("invalid transition: %s on %s", ev, s)
}
