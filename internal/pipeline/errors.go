package pipeline

import "errors"

var (
	ErrInvalidConfig      = errors.New("pipeline: invalid config")
	ErrBind               = errors.New("pipeline: bind failed")
	ErrInvalidDestination = errors.New("pipeline: invalid destination")
	ErrNotStarted         = errors.New("pipeline: not started")
	ErrAlreadyStarted     = errors.New("pipeline: already started")
	ErrClosed             = errors.New("pipeline: closed")
)
