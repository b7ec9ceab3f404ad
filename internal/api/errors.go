package api

import (
	"errors"
	"net/http"

	"github.com/samcharles93/flashmha/internal/attention"
	"github.com/samcharles93/flashmha/internal/tensor"
)

var ErrInvalidRequest = errors.New("invalid_request")

type invalidRequestError struct {
	msg string
}

func (e invalidRequestError) Error() string {
	return e.msg
}

func (e invalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

func newInvalidRequest(msg string) error {
	return invalidRequestError{msg: msg}
}

// isClientError reports whether err was caused by the request rather than
// the server.
func isClientError(err error) bool {
	for _, target := range []error{
		ErrInvalidRequest,
		attention.ErrInvalidBlockSize,
		attention.ErrInvalidScale,
		attention.ErrShapeMismatch,
		attention.ErrUnsupportedDType,
		tensor.ErrInvalidShape,
		tensor.ErrSizeMismatch,
		tensor.ErrUnsupportedDType,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func statusFor(err error) (int, string) {
	if isClientError(err) {
		return http.StatusBadRequest, "invalid_request_error"
	}
	return http.StatusInternalServerError, "server_error"
}
