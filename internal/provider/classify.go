package provider

import (
	"context"
	"errors"
	"net"
	"net/url"

	"github.com/citinet/hubtunnel/internal/domain"
	"github.com/citinet/hubtunnel/internal/process"
)

// Classify maps a provider error onto the structured failure taxonomy.
func Classify(err error) *domain.FailureReason {
	if err == nil {
		return nil
	}
	detail := err.Error()

	var cfg *domain.ConfigError
	if errors.As(err, &cfg) {
		return domain.Failure(domain.KindConfigError, cfg.Error())
	}
	var exitErr *process.ExitError
	switch {
	case errors.Is(err, domain.ErrNotInstalled), errors.Is(err, process.ErrNotFound):
		return domain.Failure(domain.KindNotInstalled, detail)
	case errors.Is(err, domain.ErrTimedOut), errors.Is(err, process.ErrTimedOut),
		errors.Is(err, context.DeadlineExceeded), errors.Is(err, domain.ErrNoHostname):
		return domain.Failure(domain.KindTimedOut, detail)
	case errors.Is(err, domain.ErrUnauthorized):
		return domain.Failure(domain.KindConfigError, "unauthorized")
	case errors.Is(err, domain.ErrNotAuthenticated):
		return domain.Failure(domain.KindConfigError, detail)
	case errors.As(err, &exitErr):
		r := domain.ExitedWith(exitErr.Code)
		r.Detail = detail
		return r
	}
	var urlErr *url.Error
	var netErr net.Error
	if errors.As(err, &urlErr) || errors.As(err, &netErr) {
		return domain.Failure(domain.KindUnreachable, detail)
	}
	return domain.Failure(domain.KindProcessExited, detail)
}
