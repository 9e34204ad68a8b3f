package services

import "errors"

var (
	ErrInvalidCondition   = errors.New("invalid condition")
	ErrInvalidAction      = errors.New("invalid action")
	ErrUnknownActionKind  = errors.New("unknown action kind")
	ErrInvalidAutomation  = errors.New("invalid automation")
	ErrAutomationNotFound = errors.New("automation not found")
	ErrAutomationInactive = errors.New("automation is inactive")
	ErrRunNotFound        = errors.New("automation run not found")
	ErrInvalidTicket      = errors.New("invalid resumption ticket")
	ErrSchedulerRejected  = errors.New("scheduler rejected ticket")
	ErrCircuitOpen        = errors.New("circuit breaker open")
	ErrActionTimeout      = errors.New("action timed out")
)
