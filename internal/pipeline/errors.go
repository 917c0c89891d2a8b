package pipeline

import (
	"fmt"

	"intakeline/internal/stage"
)

// The error kinds below are expected, recoverable-by-caller conditions.
// The bulk coordinator turns each into a per-item failure entry and the
// HTTP layer maps them via errors.As; only infrastructure failures
// propagate as plain errors.

// ValidationError indicates rejected input on an otherwise well-formed
// call.
type ValidationError struct {
	Reason string
}

func (e ValidationError) Error() string { return e.Reason }

// InvalidTransitionError indicates the requested stage change is not a
// legal edge.
type InvalidTransitionError struct {
	From stage.Stage
	To   stage.Stage
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

// MissingEstimationError indicates an attempt to enter ready, or to
// convert, without recorded story points.
type MissingEstimationError struct {
	ID string
}

func (e MissingEstimationError) Error() string {
	return fmt.Sprintf("request %s has no story points", e.ID)
}

// WrongStageError indicates an operation that requires a specific stage.
type WrongStageError struct {
	ID   string
	Got  stage.Stage
	Want stage.Stage
}

func (e WrongStageError) Error() string {
	return fmt.Sprintf("request %s is in stage %s, operation requires %s", e.ID, e.Got, e.Want)
}

// InvalidEstimateError indicates malformed estimation input.
type InvalidEstimateError struct {
	Reason string
}

func (e InvalidEstimateError) Error() string {
	return fmt.Sprintf("invalid estimate: %s", e.Reason)
}

// AlreadyConvertedError guards the converted terminal state.
type AlreadyConvertedError struct {
	ID string
}

func (e AlreadyConvertedError) Error() string {
	return fmt.Sprintf("request %s is already converted", e.ID)
}

// AlreadyCancelledError guards the cancelled terminal state.
type AlreadyCancelledError struct {
	ID string
}

func (e AlreadyCancelledError) Error() string {
	return fmt.Sprintf("request %s is cancelled", e.ID)
}

// MissingClientError indicates a project conversion without a client.
type MissingClientError struct {
	ID string
}

func (e MissingClientError) Error() string {
	return fmt.Sprintf("request %s has no client; a client is required to convert to a project", e.ID)
}
