package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/aliyun/aliyun-pai-featurestore-core/api"
)

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// httpError maps an error of the taxonomy onto a status code. The body
// carries the code name so clients can tell retryable failures apart.
func httpError(err error) *echo.HTTPError {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}
	code := api.CodeOf(err)
	status := http.StatusInternalServerError
	switch {
	case code == api.CodeInvalidArgument, code == api.CodeInvalidTimestamp, code == api.CodeSchemaMismatch:
		status = http.StatusBadRequest
	case code == api.CodeUnknownReference:
		status = http.StatusNotFound
	case code == api.CodeSourceUnavailable:
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	return echo.NewHTTPError(status, ErrorResponse{Code: code.String(), Message: err.Error()}).SetInternal(err)
}

func badRequest(reason string, err error) *echo.HTTPError {
	msg := reason
	if err != nil {
		msg = reason + ": " + err.Error()
	}
	return echo.NewHTTPError(http.StatusBadRequest, ErrorResponse{Code: api.CodeInvalidArgument.String(), Message: msg}).SetInternal(err)
}
