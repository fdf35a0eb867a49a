package httpapi

import (
	"errors"
	"net/http"

	"github.com/ineyio/creditgate"
)

// Envelope is the body of every API response. Code is 1 on success and 0
// on failure.
type Envelope struct {
	Code      int                  `json:"code"`
	Message   string               `json:"message"`
	Data      any                  `json:"data,omitempty"`
	Error     string               `json:"error,omitempty"`
	ErrorCode creditgate.ErrorCode `json:"error_code,omitempty"`
}

// reply is what a pipeline produces for one request.
type reply struct {
	status int
	body   Envelope
}

func ok(data any) reply {
	return reply{status: http.StatusOK, body: Envelope{Code: 1, Message: "ok", Data: data}}
}

var messages = map[creditgate.ErrorCode]string{
	creditgate.CodeGenerationFailed:   "generation failed",
	creditgate.CodeInvalidParams:      "invalid params",
	creditgate.CodeRateLimited:        "too many requests",
	creditgate.CodeInsufficientCredit: "not enough credit",
	creditgate.CodeUnauthorized:       "unauthorized",
	creditgate.CodeUpstreamTimeout:    "generation timed out",
	creditgate.CodeStoreUnavailable:   "service unavailable",
}

// statusOf maps err to an HTTP status and error code.
func statusOf(err error) (int, creditgate.ErrorCode) {
	if errors.Is(err, creditgate.ErrAccountNotFound) || errors.Is(err, creditgate.ErrReservationNotFound) {
		return http.StatusNotFound, creditgate.CodeInvalidParams
	}
	code := creditgate.CodeOf(err)
	switch code {
	case creditgate.CodeUnauthorized:
		return http.StatusUnauthorized, code
	case creditgate.CodeInvalidParams:
		return http.StatusBadRequest, code
	case creditgate.CodeRateLimited:
		return http.StatusTooManyRequests, code
	case creditgate.CodeInsufficientCredit:
		return http.StatusPaymentRequired, code
	case creditgate.CodeUpstreamTimeout:
		return http.StatusGatewayTimeout, code
	case creditgate.CodeStoreUnavailable:
		return http.StatusServiceUnavailable, code
	default:
		return http.StatusBadGateway, code
	}
}

// failure builds the error reply for err. Server-side failures carry only
// the public message.
func failure(err error) reply {
	status, code := statusOf(err)
	detail := err.Error()
	if status >= http.StatusInternalServerError {
		detail = messages[code]
	}
	return reply{
		status: status,
		body: Envelope{
			Code:      0,
			Message:   messages[code],
			Error:     detail,
			ErrorCode: code,
		},
	}
}
