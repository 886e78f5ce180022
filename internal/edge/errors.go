package edge

import "errors"

// Failure kinds for remote calls. API implementations wrap these so the
// version manager and the reconciler can pick the right reaction: transient
// errors are retried with backoff, auth failures park the service until
// restart, conflicts abandon the working version so the next cycle re-clones.
var (
	// ErrTransient marks network trouble and rate-limit responses.
	ErrTransient = errors.New("edge: transient remote failure")
	// ErrAuth marks a rejected credential.
	ErrAuth = errors.New("edge: authentication failed")
	// ErrConflict marks a concurrent external modification of the working
	// version.
	ErrConflict = errors.New("edge: version conflict")
)

func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }
func IsAuth(err error) bool      { return errors.Is(err, ErrAuth) }
func IsConflict(err error) bool  { return errors.Is(err, ErrConflict) }
