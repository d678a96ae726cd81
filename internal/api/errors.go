package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/citinet/hubtunnel/internal/domain"
)

const (
	errCodeUnauthorized = "unauthorized"
	errCodeInternal     = "internal"
)

type errorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
	Op        string `json:"op,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

func statusFor(kind domain.FailureKind) int {
	switch kind {
	case domain.KindBadRequest:
		return http.StatusBadRequest
	case domain.KindNotConfigured:
		return http.StatusNotFound
	case domain.KindInvalidState, domain.KindAlreadyInProgress, domain.KindFlapping, domain.KindInterrupted:
		return http.StatusConflict
	case domain.KindConfigError:
		return http.StatusUnprocessableEntity
	case domain.KindNotInstalled:
		return http.StatusServiceUnavailable
	case domain.KindProcessExited, domain.KindUnreachable:
		return http.StatusBadGateway
	case domain.KindTimedOut, domain.KindAuthTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeError(c *gin.Context, err error) {
	var oe *domain.OrchestratorError
	if !errors.As(err, &oe) {
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error(), ErrorCode: errCodeInternal})
		return
	}
	resp := errorResponse{Error: oe.Error(), ErrorCode: string(oe.Kind), Op: oe.Op, Detail: oe.Detail}
	if resp.Detail == "" && oe.Err != nil {
		resp.Detail = oe.Err.Error()
	}
	c.JSON(statusFor(oe.Kind), resp)
}
