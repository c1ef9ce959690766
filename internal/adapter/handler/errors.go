package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc/codes"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

type ErrorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

func httpStatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrItemNotFound), errors.Is(err, domain.ErrAllocationNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInsufficientStock), errors.Is(err, domain.ErrOverReturn), errors.Is(err, domain.ErrClosedJob):
		return http.StatusConflict
	case errors.Is(err, domain.ErrConcurrencyConflict), errors.Is(err, domain.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func grpcCodeFor(err error) codes.Code {
	switch httpStatusFor(err) {
	case http.StatusBadRequest:
		return codes.InvalidArgument
	case http.StatusNotFound:
		return codes.NotFound
	case http.StatusConflict:
		return codes.FailedPrecondition
	case http.StatusServiceUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// publicError gives a bare context error a transient kind so callers see
// the same retryable signal as a storage outage.
func publicError(err error) error {
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return domain.NewError(domain.ErrStorageUnavailable, "request timed out, retry later")
	}
	return err
}

func writeError(c *gin.Context, err error) {
	err = publicError(err)
	status := httpStatusFor(err)
	if status == http.StatusServiceUnavailable {
		c.Header("Retry-After", "1")
	}
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(status, ErrorResponse{Error: ErrorBody{
		Kind:    domain.KindOf(err),
		Message: domain.SafeMessage(err),
	}})
}

func writeValidation(c *gin.Context, message string) {
	writeError(c, domain.NewError(domain.ErrValidation, "%s", message))
}
