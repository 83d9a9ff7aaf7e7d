package automation

import "github.com/pkg/errors"

var (
	// ErrChannelUnavailable means the account's transport is not connected.
	// Not retried by the engine.
	ErrChannelUnavailable = errors.New("channel unavailable")

	// ErrAlreadyFinished is returned for operations on COMPLETED or ERROR
	// executions. The execution is left untouched.
	ErrAlreadyFinished = errors.New("execution already finished")

	// ErrDuplicateSuppressed signals a trigger match dropped by the dedup
	// window. It is an observability signal, not a failure.
	ErrDuplicateSuppressed = errors.New("duplicate trigger suppressed")

	// ErrStepPayloadInvalid wraps a step or trigger config that failed to
	// parse or validate.
	ErrStepPayloadInvalid = errors.New("step payload invalid")

	// ErrProviderSendFailed wraps a send the provider rejected
	ErrProviderSendFailed = errors.New("provider send failed")

	// ErrInvalidState is returned when a pause/resume/cancel does not apply
	// to the execution's current status.
	ErrInvalidState = errors.New("invalid execution state")
)
