package liferay

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/buger/jsonparser"
)

// maxErrorBody caps how much of an unsuccessful response is read for the
// error message.
const maxErrorBody = 64 << 10

var (
	// ErrUnsuccessfulResponse matches every *ResponseError.
	ErrUnsuccessfulResponse = errors.New("unsuccessful response")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrNotFound             = errors.New("not found")
)

// ResponseError is a non-2xx response from the portal.
type ResponseError struct {
	StatusCode int
	Message    string
}

func (e *ResponseError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("remote returned HTTP %d: %s", e.StatusCode, e.Message)
}

// Is lets errors.Is classify the response by status.
func (e *ResponseError) Is(target error) bool {
	switch target {
	case ErrUnsuccessfulResponse:
		return true
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	}
	return false
}

// ResponseValidator rejects unsuccessful responses. It is stateless.
type ResponseValidator struct{}

// Validate returns nil for 2xx responses. Otherwise it drains and closes the
// body and returns a *ResponseError.
func (ResponseValidator) Validate(resp *Response) error {
	if resp == nil {
		return errors.New("nil response")
	}
	if resp.IsSuccess() {
		return nil
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &ResponseError{StatusCode: resp.StatusCode, Message: errorMessage(body)}
}

// errorMessage picks the most useful text out of an error payload. The
// headless APIs answer with {"title": ..., "status": ...} or
// {"message": ...}; anything else is used verbatim.
func errorMessage(body []byte) string {
	for _, key := range []string{"title", "message", "detail"} {
		if v, err := jsonparser.GetString(body, key); err == nil && v != "" {
			return v
		}
	}
	return strings.TrimSpace(string(body))
}
