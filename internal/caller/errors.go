package caller

import (
	"errors"
	"fmt"

	"github.com/sebas/sipcaller/internal/config"
)

// Sentinel errors for use with errors.Is.
var (
	// ErrConfiguration indicates invalid or missing settings. It matches
	// *config.ConfigurationError.
	ErrConfiguration = config.ErrConfiguration

	// ErrRegistration indicates endpoint, transport or account setup failed.
	ErrRegistration = errors.New("registration failed")

	// ErrNotStarted indicates MakeCall was used before Start.
	ErrNotStarted = errors.New("caller not started")

	// ErrCall indicates a call could not be placed at all.
	ErrCall = errors.New("call failed")

	// ErrAsset indicates the audio file is missing or unreadable.
	ErrAsset = errors.New("audio asset error")
)

// RegistrationError is returned by Start when the engine could not be set up.
type RegistrationError struct {
	// Account is the identity URI being registered.
	Account string

	// Stage names the setup step that failed (resolve, endpoint, transport,
	// start, account).
	Stage string

	// Cause is the underlying error.
	Cause error
}

// Error returns the error message.
func (e *RegistrationError) Error() string {
	return fmt.Sprintf("register %s: %s: %v", e.Account, e.Stage, e.Cause)
}

// Unwrap returns the underlying error.
func (e *RegistrationError) Unwrap() error {
	return e.Cause
}

// Is matches ErrRegistration.
func (e *RegistrationError) Is(target error) bool {
	return target == ErrRegistration
}

// CallError is returned by MakeCall when the engine refused to start a call.
type CallError struct {
	// Destination is the number or URI given by the caller.
	Destination string

	// URI is the SIP URI that was dialed.
	URI string

	// Cause is the underlying error.
	Cause error
}

// Error returns the error message.
func (e *CallError) Error() string {
	return fmt.Sprintf("call %s (%s): %v", e.Destination, e.URI, e.Cause)
}

// Unwrap returns the underlying error.
func (e *CallError) Unwrap() error {
	return e.Cause
}

// Is matches ErrCall.
func (e *CallError) Is(target error) bool {
	return target == ErrCall
}

func assetError(err error) error {
	return fmt.Errorf("%w: %w", ErrAsset, err)
}
