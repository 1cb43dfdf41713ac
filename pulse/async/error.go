package async

import (
	"fmt"

	"github.com/teranos/crmpulse/errors"
)

// InternalErrorMessage is the Job.Error sentence for failures the job kind did not describe
const InternalErrorMessage = "An unexpected error occurred while running this job."

// FatalJobError means the whole run cannot proceed. Its Message becomes Job.Error
// and must be one user-facing sentence; Cause is only logged.
type FatalJobError struct {
	Message string
	Cause   error
}

func (e *FatalJobError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *FatalJobError) Unwrap() error { return e.Cause }

// Fatal returns a FatalJobError with a fixed message
func Fatal(message string) error {
	return errors.WithStack(&FatalJobError{Message: message})
}

// FatalWrap returns a FatalJobError whose user-facing message hides cause
func FatalWrap(cause error, message string) error {
	return errors.WithStack(&FatalJobError{Message: message, Cause: cause})
}

// PerItemError is a failure of one item inside a batch run. It is recorded on the
// item's EntityJobResult and never returned from Execute.
type PerItemError struct {
	EntityType string
	EntityID   string
	Message    string
}

func (e *PerItemError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.EntityType, e.EntityID, e.Message)
}

// SchedulerInternalError wraps anything other than a FatalJobError that escaped
// Execute, including panics. It is attributed to the one job and never stops the loop.
type SchedulerInternalError struct {
	JobID  string
	TypeID string
	Cause  error
	Panic  interface{} // recovered value, nil for plain errors
}

func (e *SchedulerInternalError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("job %s (%s) panicked: %v", e.JobID, e.TypeID, e.Panic)
	}
	return fmt.Sprintf("job %s (%s) failed: %v", e.JobID, e.TypeID, e.Cause)
}

func (e *SchedulerInternalError) Unwrap() error { return e.Cause }

// AdmissionDeferred describes a job left WAIT because its owner has no free slot.
// It is a scheduling outcome, not an error.
type AdmissionDeferred struct {
	JobID   string
	Owner   string
	Running int
	Limit   int
}

func (a AdmissionDeferred) String() string {
	return fmt.Sprintf("job %s deferred: owner %q runs %d/%d jobs", a.JobID, a.Owner, a.Running, a.Limit)
}

// RegistrationError is returned by the Registry for duplicate or unknown type ids
type RegistrationError struct {
	TypeID string
	Reason string
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("job type %q: %s", e.TypeID, e.Reason)
}

// jobErrorMessage maps an Execute error to the one-sentence Job.Error value
func jobErrorMessage(err error) string {
	var fatal *FatalJobError
	if errors.As(err, &fatal) && fatal.Message != "" {
		return fatal.Message
	}
	return InternalErrorMessage
}
