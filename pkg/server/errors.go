package server

import "errors"

// Request errors. Their text is sent to the client in the response message.
var (
	ErrDuplicateUser  = errors.New("username already exists")
	ErrAuthFailed     = errors.New("authentication failed")
	ErrAlreadyOnline  = errors.New("account is already logged in elsewhere")
	ErrUnauthorized   = errors.New("not authorized to perform this action")
	ErrNotFound       = errors.New("user does not exist")
	ErrEmptyPassword  = errors.New("new password cannot be empty")
	ErrInvalidRequest = errors.New("username and password are required")
)

// errAdminAuthFailed keeps admin login failures distinguishable in replies
var errAdminAuthFailed = &adminAuthError{}

type adminAuthError struct{}

func (*adminAuthError) Error() string { return "admin " + ErrAuthFailed.Error() }
func (*adminAuthError) Unwrap() error { return ErrAuthFailed }
