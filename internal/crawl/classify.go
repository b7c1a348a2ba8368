package crawl

import (
	"context"

	"github.com/pkg/errors"

	"github.com/SirClappington/farecrawl/internal/domain"
	"github.com/SirClappington/farecrawl/internal/fetch"
)

type parseError struct {
	err error
}

func (e parseError) Error() string { return "parse: " + e.err.Error() }
func (e parseError) Unwrap() error { return e.err }

func cancelled(ctx context.Context) *domain.ErrorInfo {
	msg := "cancelled"
	if cause := context.Cause(ctx); cause != nil {
		msg = cause.Error()
	}
	return &domain.ErrorInfo{Kind: domain.KindCancelled, Message: msg}
}

// classify maps a page failure onto the retry taxonomy. A done context wins
// over whatever the fetch reported.
func (o *Orchestrator) classify(ctx context.Context, err error) *domain.ErrorInfo {
	if ctx.Err() != nil {
		return cancelled(ctx)
	}
	var info *domain.ErrorInfo
	if errors.As(err, &info) {
		return info
	}
	var fe *fetch.Error
	if errors.As(err, &fe) {
		kind := domain.KindNetwork
		switch fe.Kind {
		case fetch.KindHTTPStatus:
			kind = domain.KindHTTPStatus
		case fetch.KindTooLarge:
			kind = domain.KindTooLarge
		}
		return &domain.ErrorInfo{Kind: kind, Message: fe.Error(), Retryable: fe.Temporary()}
	}
	var pe parseError
	if errors.As(err, &pe) {
		return &domain.ErrorInfo{Kind: domain.KindParse, Message: pe.Error(), Retryable: o.cfg.ParseErrorsRetryable}
	}
	return &domain.ErrorInfo{Kind: domain.KindInternal, Message: err.Error()}
}
