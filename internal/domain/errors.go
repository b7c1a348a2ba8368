package domain

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrValidation   = errors.New("invalid task parameters")
	ErrNotFound     = errors.New("task not found")
	ErrTaskFinished = errors.New("task already finished")
	ErrCancelled    = errors.New("task cancelled")
	ErrStorage      = errors.New("storage failure")
)

type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindNetwork    ErrorKind = "network"
	KindHTTPStatus ErrorKind = "http_status"
	KindTooLarge   ErrorKind = "response_too_large"
	KindParse      ErrorKind = "parse"
	KindCancelled  ErrorKind = "cancelled"
	KindInternal   ErrorKind = "internal"
	KindStorage    ErrorKind = "storage"
)

// ErrorInfo is the classified failure of one attempt. The scheduler looks
// only at Kind and Retryable.
type ErrorInfo struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
}

func (e *ErrorInfo) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ErrorInfo) Is(target error) bool {
	return target == ErrCancelled && e.Kind == KindCancelled
}

// AsErrorInfo classifies err. Anything that is not already an ErrorInfo is an
// internal, non-retryable failure.
func AsErrorInfo(err error) ErrorInfo {
	var info *ErrorInfo
	if errors.As(err, &info) {
		return *info
	}
	if errors.Is(err, ErrCancelled) {
		return ErrorInfo{Kind: KindCancelled, Message: err.Error()}
	}
	return ErrorInfo{Kind: KindInternal, Message: err.Error()}
}
