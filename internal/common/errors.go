package common

import "errors"

// UserError carries a message that is safe to show to the caller. Anything
// else is reported with a generic message.
type UserError struct {
	Msg string
	Err error
}

func (e *UserError) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *UserError) Unwrap() error { return e.Err }

func NewUserError(msg string) *UserError { return &UserError{Msg: msg} }

// WrapUserError attaches a safe message to an internal cause.
func WrapUserError(msg string, err error) *UserError { return &UserError{Msg: msg, Err: err} }

// PublicMessage returns the user-facing text for err, or fallback when err
// carries none.
func PublicMessage(err error, fallback string) string {
	var ue *UserError
	if errors.As(err, &ue) && ue.Msg != "" {
		return ue.Msg
	}
	return fallback
}
