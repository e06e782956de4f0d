package persistence

import "errors"

var (
	ErrClosed          = errors.New("persistence: settings store closed")
	ErrInvalidArgument = errors.New("persistence: invalid argument")
	ErrCorrupt         = errors.New("persistence: database integrity check failed")
)
