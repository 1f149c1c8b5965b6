// Package session tracks the state of one user's authenticate, retrieve and
// analyze pipeline. It defines the Session type, its stage state machine and
// the Store interface that request handlers and the expiry sweeper share.
package session

import (
	"fmt"
	"time"
)

// Stage is a session's position in the pipeline.
type Stage string

const (
	// StageCreated is a session whose interactive login has not completed.
	StageCreated Stage = "created"

	// StageAuthenticated holds a credential and a registered CLI alias.
	StageAuthenticated Stage = "authenticated"

	// StageRetrieved has org metadata on disk under its work directory.
	StageRetrieved Stage = "retrieved"

	// StageAnalyzed has a generated report at ArtifactPath.
	StageAnalyzed Stage = "analyzed"

	// StageFailed is terminal. No transition leaves it.
	StageFailed Stage = "failed"
)

// stageRank orders the forward stages. Failed is deliberately absent.
var stageRank = map[Stage]int{
	StageCreated:       0,
	StageAuthenticated: 1,
	StageRetrieved:     2,
	StageAnalyzed:      3,
}

// FailureKind classifies why a session entered StageFailed.
type FailureKind string

const (
	// FailureAuth is an upstream login rejection or alias registration error.
	FailureAuth FailureKind = "auth_failed"

	// FailureCommand is a non-zero exit from the external CLI.
	FailureCommand FailureKind = "command_failed"

	// FailureArtifactMissing is a nominally successful command that left no output.
	FailureArtifactMissing FailureKind = "artifact_missing"

	// FailureTimeout is a CLI invocation that exceeded its time bound.
	FailureTimeout FailureKind = "stage_timeout"

	// FailureInternal covers local I/O errors while preparing a stage.
	FailureInternal FailureKind = "internal"
)

// Credential is the access token and instance locator obtained at login.
type Credential struct {
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	InstanceURL  string    `json:"instance_url"`
	IssuedAt     time.Time `json:"issued_at"`
}

// IsZero reports whether no credential has been set.
func (c Credential) IsZero() bool {
	return c.AccessToken == "" && c.InstanceURL == ""
}

// Session is the unit of work for one pipeline. It contains no reference
// types, so a plain assignment is a full copy.
type Session struct {
	// ID is the external handle and the CLI alias for this session's org.
	ID string

	// Username is informational, as supplied by the caller at login.
	Username string

	// LoginURL is the Salesforce login host the session authenticated against.
	LoginURL string

	// Credential is set once on entering StageAuthenticated.
	Credential Credential

	// WorkDir is owned exclusively by this session.
	WorkDir string

	// ProjectDir is the generated CLI project inside WorkDir.
	ProjectDir string

	// Stage is the current pipeline position.
	Stage Stage

	// ArtifactPath is the report location; non-empty iff Stage is StageAnalyzed.
	ArtifactPath string

	// FailureKind and FailureReason are set iff Stage is StageFailed.
	FailureKind   FailureKind
	FailureReason string

	// CreatedAt is used only to compute age for expiry and never changes.
	CreatedAt time.Time

	// UpdatedAt is the time of the last transition.
	UpdatedAt time.Time
}

// New returns a session in StageCreated.
func New(id, username, loginURL, workDir string, now time.Time) *Session {
	return &Session{
		ID:        id,
		Username:  username,
		LoginURL:  loginURL,
		WorkDir:   workDir,
		Stage:     StageCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Authenticate records the credential and moves to StageAuthenticated.
func (s *Session) Authenticate(cred Credential, now time.Time) error {
	if !s.Credential.IsZero() {
		return ErrCredentialSet
	}
	if cred.AccessToken == "" || cred.InstanceURL == "" {
		return fmt.Errorf("credential requires access token and instance url")
	}
	if err := s.transition(StageAuthenticated); err != nil {
		return err
	}
	s.Credential = cred
	s.UpdatedAt = now
	return nil
}

// MarkRetrieved records the project directory and moves to StageRetrieved.
func (s *Session) MarkRetrieved(projectDir string, now time.Time) error {
	if err := s.transition(StageRetrieved); err != nil {
		return err
	}
	s.ProjectDir = projectDir
	s.UpdatedAt = now
	return nil
}

// MarkAnalyzed records the report location and moves to StageAnalyzed.
func (s *Session) MarkAnalyzed(artifactPath string, now time.Time) error {
	if artifactPath == "" {
		return fmt.Errorf("artifact path is required")
	}
	if err := s.transition(StageAnalyzed); err != nil {
		return err
	}
	s.ArtifactPath = artifactPath
	s.UpdatedAt = now
	return nil
}

// Fail moves the session to StageFailed from any non-terminal stage.
func (s *Session) Fail(kind FailureKind, reason string, now time.Time) error {
	if s.Stage == StageFailed {
		return ErrTerminal
	}
	s.Stage = StageFailed
	s.FailureKind = kind
	s.FailureReason = reason
	s.ArtifactPath = ""
	s.UpdatedAt = now
	return nil
}

// transition moves exactly one step forward.
func (s *Session) transition(to Stage) error {
	if s.Stage == StageFailed {
		return ErrTerminal
	}
	if stageRank[to] != stageRank[s.Stage]+1 {
		return fmt.Errorf("%w: cannot move from %s to %s", ErrStageOrder, s.Stage, to)
	}
	s.Stage = to
	return nil
}

// Reached reports whether the session is at or past stage and has not failed.
func (s *Session) Reached(stage Stage) bool {
	if s.Stage == StageFailed {
		return false
	}
	return stageRank[s.Stage] >= stageRank[stage]
}

// Expired reports whether the session is older than ttl at now.
func (s *Session) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(s.CreatedAt) > ttl
}
