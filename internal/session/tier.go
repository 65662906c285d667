package session

import (
	"context"

	apperrors "github.com/alvyn-tbh/buddy-companion-sub001/internal/errors"
)

// Utterance is one speak request as seen by a tier.
type Utterance struct {
	Text    string
	SSML    string
	Emotion string
	// OnStart is called once when the first audio or video frame of the
	// utterance is produced.
	OnStart func()
}

// Tier renders speech at one capability level.
type Tier interface {
	Kind() TierKind
	SupportsExpression() bool
	// Speak blocks until the utterance finished or failed.
	Speak(ctx context.Context, u Utterance) error
	Close() error
}

// activatable is implemented by tiers that hold back output until the
// manager installs them as the active tier.
type activatable interface {
	Activate()
}

// failingTier is implemented by tiers whose transport can drop after
// connect. The channel yields at most one error.
type failingTier interface {
	Failed() <-chan error
}

// ConnectRequest carries what a connector needs to build a tier.
type ConnectRequest struct {
	Config  SessionConfig
	Surface Surface
	// Report surfaces non-fatal errors raised after connect.
	Report func(error)
}

// Connector negotiates one tier.
type Connector interface {
	Connect(ctx context.Context, req ConnectRequest) (Tier, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context, req ConnectRequest) (Tier, error)

// Connect calls f.
func (f ConnectorFunc) Connect(ctx context.Context, req ConnectRequest) (Tier, error) {
	return f(ctx, req)
}

// Bootstrapper checks that the remote synthesis capability is reachable.
type Bootstrapper interface {
	Load(ctx context.Context) error
}

// CredentialValidator checks the subscription credential.
type CredentialValidator interface {
	Validate(ctx context.Context) error
}

// Dependencies are the collaborators of a Manager. A nil connector removes
// that tier from the ladder; nil Bootstrapper and Validator mean no remote
// capability is configured.
type Dependencies struct {
	Bootstrapper Bootstrapper
	Validator    CredentialValidator
	Avatar       Connector
	Networked    Connector
	Local        Connector
}

// asKind wraps plain errors in kind and leaves classified errors alone.
func asKind(err error, kind apperrors.Kind, msg string) error {
	if err == nil {
		return nil
	}
	if _, ok := apperrors.From(err); ok {
		return err
	}
	return apperrors.Wrap(err, kind, msg)
}
