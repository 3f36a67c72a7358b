package app

import "errors"

var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionClaimed  = errors.New("session claimed by another agent")
	ErrNotAssigned     = errors.New("session not assigned to agent")
)
