package forward

import "errors"

var (
	ErrQueueFull     = errors.New("send queue full")
	ErrTaskExists    = errors.New("task label already exists")
	ErrTaskNotFound  = errors.New("task not found")
	ErrUnknownField  = errors.New("unknown settings field")
	ErrNotRegistered = errors.New("user has no active session")
	ErrUnresolved    = errors.New("destination not resolved")
)
