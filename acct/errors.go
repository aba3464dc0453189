// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package acct

// ErrorKind is a sentinel error that is declared as a constant, e.g.
//
//	const ErrUnknownNetwork = acct.ErrorKind("unknown network client")
//
// Kinds are matched with errors.Is, including when wrapped by NewError.
type ErrorKind string

// Error returns the kind's message.
func (e ErrorKind) Error() string {
	return string(e)
}

// Error is an ErrorKind, or any other error, with added detail.
type Error struct {
	wrapped error
	detail  string
}

// Error is the wrapped message followed by the detail.
func (e Error) Error() string {
	return e.wrapped.Error() + ": " + e.detail
}

// Unwrap returns the wrapped error.
func (e Error) Unwrap() error {
	return e.wrapped
}

// NewError adds detail to an error. The result still matches err with
// errors.Is.
func NewError(err error, detail string) Error {
	return Error{
		wrapped: err,
		detail:  detail,
	}
}

// ErrorCloser undoes the completed steps of a multi-step setup that fails
// part way. Register an undo function with Add after each step, call Success
// when the setup is complete, and defer Done. If Success was not called, Done
// runs the undo functions, last added first.
type ErrorCloser struct {
	closers []func() error
}

// NewErrorCloser is the constructor for an ErrorCloser.
func NewErrorCloser() *ErrorCloser {
	return &ErrorCloser{}
}

// Add registers an undo function.
func (e *ErrorCloser) Add(closer func() error) {
	e.closers = append(e.closers, closer)
}

// Success discards the undo functions.
func (e *ErrorCloser) Success() {
	e.closers = nil
}

// Done runs the undo functions, if any remain. Errors are logged.
func (e *ErrorCloser) Done(log Logger) {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			log.Errorf("error undoing setup step %d: %v", i, err)
		}
	}
}
