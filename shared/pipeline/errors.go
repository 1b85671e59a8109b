package pipeline

import (
	"context"
	"errors"

	"crm-event-pipeline/shared/events"
)

type Code string

const (
	CodeValidation       Code = "ValidationError"
	CodeUnknownEventType Code = "UnknownEventType"
	CodeHandler          Code = "HandlerError"
	CodeQueueUnavailable Code = "QueueUnavailable"
)

var (
	ErrQueueUnavailable   = errors.New("queue unavailable")
	ErrSweepInProgress    = errors.New("sweep already in progress")
	ErrUnknownTopic       = errors.New("unknown topic")
	ErrDeadLetterNotFound = errors.New("dead letter not found")
)

// EntryError describes one entry of a batch that was not committed.
type EntryError struct {
	ID           string `json:"id"`
	Type         string `json:"type,omitempty"`
	Code         Code   `json:"code"`
	Error        string `json:"error"`
	Attempts     int    `json:"attempts"`
	DeadLettered bool   `json:"dead_lettered,omitempty"`
}

// Classify maps an error from decode, dispatch or commit onto the pipeline
// error taxonomy. Anything unrecognised is a handler failure.
func Classify(err error) Code {
	if err == nil {
		return ""
	}
	var verr *events.ValidationError
	switch {
	case errors.As(err, &verr):
		return CodeValidation
	case errors.Is(err, events.ErrUnknownEventType):
		return CodeUnknownEventType
	case errors.Is(err, ErrQueueUnavailable):
		return CodeQueueUnavailable
	default:
		return CodeHandler
	}
}

// permanent reports failures that no retry can fix.
func permanent(err error) bool {
	var verr *events.ValidationError
	return errors.As(err, &verr)
}

func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
