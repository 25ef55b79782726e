package route

import "errors"

var (
	// ErrInvalidURI reports a source or target that is not a well-formed http(s) URI.
	ErrInvalidURI = errors.New("invalid uri")
	// ErrInvalidArgument reports a registration call missing a required value.
	ErrInvalidArgument = errors.New("invalid argument")
)
