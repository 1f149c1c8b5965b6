package session

import "errors"

var (
	// ErrNotFound is returned for an unknown or already expired session ID.
	ErrNotFound = errors.New("session not found")

	// ErrDuplicate is returned by Put when the ID is already live.
	ErrDuplicate = errors.New("session already exists")

	// ErrStageOrder is returned for a transition that skips or reverses a stage.
	ErrStageOrder = errors.New("stage order violation")

	// ErrTerminal is returned for any transition out of StageFailed.
	ErrTerminal = errors.New("session has failed")

	// ErrCredentialSet is returned when a credential is assigned twice.
	ErrCredentialSet = errors.New("credential already set")
)
