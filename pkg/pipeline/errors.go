package pipeline

import (
	"errors"
	"fmt"

	"github.com/txn2/sfscan/pkg/executor"
	"github.com/txn2/sfscan/pkg/session"
)

var (
	// ErrCommandFailed wraps a non-zero exit from the CLI.
	ErrCommandFailed = errors.New("external command failed")

	// ErrArtifactMissing is a command that succeeded but left no usable output.
	ErrArtifactMissing = errors.New("artifact missing")

	// ErrStageTimeout is a CLI invocation that exceeded its time bound.
	ErrStageTimeout = errors.New("stage timed out")

	// ErrCanceled is a stage abandoned because its caller's context ended.
	// The session keeps its stage and files.
	ErrCanceled = errors.New("stage canceled")
)

// StageError describes why a stage did not complete. Err wraps one of the
// package sentinels or a session error, so both errors.Is and errors.As
// against *executor.CommandError work through it.
type StageError struct {
	Stage   session.Stage
	Kind    session.FailureKind
	Message string
	Stderr  string
	Err     error
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *StageError) Unwrap() error { return e.Err }

func stageLabel(stage session.Stage) string {
	switch stage {
	case session.StageRetrieved:
		return "Metadata retrieval"
	case session.StageAnalyzed:
		return "Code analysis"
	default:
		return string(stage)
	}
}

// classify turns err into a StageError for stage.
func classify(stage session.Stage, err error) *StageError {
	var se *StageError
	if errors.As(err, &se) {
		if se.Stage == "" {
			se.Stage = stage
		}
		return se
	}

	label := stageLabel(stage)
	var cmdErr *executor.CommandError
	if errors.As(err, &cmdErr) {
		if cmdErr.TimedOut {
			return &StageError{
				Stage:   stage,
				Kind:    session.FailureTimeout,
				Message: label + " timed out",
				Stderr:  cmdErr.Stderr,
				Err:     fmt.Errorf("%w: %w", ErrStageTimeout, err),
			}
		}
		return &StageError{
			Stage:   stage,
			Kind:    session.FailureCommand,
			Message: label + " failed",
			Stderr:  cmdErr.Stderr,
			Err:     fmt.Errorf("%w: %w", ErrCommandFailed, err),
		}
	}
	return &StageError{
		Stage:   stage,
		Kind:    session.FailureInternal,
		Message: label + " failed",
		Err:     err,
	}
}

func canceled(stage session.Stage, err error) *StageError {
	return &StageError{
		Stage:   stage,
		Message: stageLabel(stage) + " canceled",
		Err:     fmt.Errorf("%w: %w", ErrCanceled, err),
	}
}

func missing(message string, err error) *StageError {
	return &StageError{
		Kind:    session.FailureArtifactMissing,
		Message: message,
		Err:     err,
	}
}

func orderError(stage session.Stage, message string) *StageError {
	return &StageError{Stage: stage, Message: message, Err: session.ErrStageOrder}
}
